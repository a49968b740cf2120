// Copyright 2025 CERN/Switzerland
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/kardianos/osext"

	"github.com/cern-eos/eos-sub015/backend"
	"github.com/cern-eos/eos-sub015/caps"
	"github.com/cern-eos/eos-sub015/cfg"
	"github.com/cern-eos/eos-sub015/clock"
	"github.com/cern-eos/eos-sub015/common"
	"github.com/cern-eos/eos-sub015/fs"
	"github.com/cern-eos/eos-sub015/fusex"
	"github.com/cern-eos/eos-sub015/internal/logger"
	"github.com/cern-eos/eos-sub015/kv"
	"github.com/cern-eos/eos-sub015/md"
	"github.com/cern-eos/eos-sub015/mount"
	"github.com/cern-eos/eos-sub015/pump"
)

// envDaemonMarker tells a re-executed child that it is the daemonized copy.
const envDaemonMarker = "EOSXD_FOREGROUND_CHILD"

// runMount is the top-level entry called from the root command.
func runMount(conf *cfg.Config, mountPoint string) error {
	if !conf.Foreground && os.Getenv(envDaemonMarker) == "" {
		return daemonizeSelf(mountPoint)
	}

	err := mountAndServe(conf, mountPoint)
	if !conf.Foreground {
		// Tell the waiting parent how the mount went.
		if signalErr := daemonize.SignalOutcome(err); signalErr != nil {
			logger.Errorf("cmd: signalling mount outcome: %v", signalErr)
		}
	}
	return err
}

// daemonizeSelf re-executes the binary in the background and waits for the
// child to report the mount outcome.
func daemonizeSelf(mountPoint string) error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}
	args := append([]string{}, os.Args[1:]...)
	env := append(os.Environ(), envDaemonMarker+"=1")
	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	logger.Infof("cmd: daemonized, mount on %s", mountPoint)
	return nil
}

func mountAndServe(conf *cfg.Config, mountPoint string) error {
	if err := logger.Setup(logger.Config{
		FilePath:       conf.Logging.FilePath,
		Format:         conf.Logging.Format,
		Severity:       string(conf.Logging.Severity),
		RotateMaxMB:    conf.Logging.LogRotate.MaxFileSizeMb,
		RotateCount:    conf.Logging.LogRotate.BackupFileCount,
		RotateCompress: conf.Logging.LogRotate.Compress,
	}); err != nil {
		return err
	}

	instanceUUID := uuid.NewString()
	logger.Infof("cmd: starting eosxd %s uuid=%s mount=%s", Version, instanceUUID, conf.MountName)

	// Singleton arbitration across processes for this mount.
	lockPrefix := filepath.Join(os.TempDir(), "eosxd."+conf.MountName)
	cm, err := mount.New(lockPrefix)
	if err != nil {
		return err
	}
	defer cm.Unlock()

	if fd, primary, err := cm.StartMount(); err != nil {
		return err
	} else if !primary {
		// Another instance serves this mount; nothing to do here.
		if fd >= 0 {
			syscall.Close(fd)
		}
		logger.Infof("cmd: existing instance owns the mount, exiting")
		return nil
	}

	dirs, err := mount.PrepareStoreDirs(
		conf.MdCache.KvCacheDir,
		conf.CredentialStoreDir,
		instanceUUID,
		os.FileMode(conf.CredentialStoreMode))
	if err != nil {
		return err
	}

	var store kv.Store = kv.NoopStore{}
	if dirs.KvDir != "" {
		bolt, err := kv.OpenBolt(dirs.KvDir)
		if err != nil {
			return err
		}
		defer bolt.Close()
		store = bolt
	}

	identity := conf.MdBackend.Identity
	if identity == "" {
		identity = instanceUUID
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Transport, RPC client, cache, caps, pump.
	dealer := backend.NewDealer(conf.MdBackend.Target, identity)
	client := backend.NewClient(dealer, conf.MdBackend.Timeout, conf.MdBackend.PutTimeout)
	clk := clock.RealClock{}
	stats := common.NewStats()

	flushQueue := md.NewFlushQueue(conf.MdCache.FlushQueueBacklog)
	cache := md.NewCache(store, client, flushQueue, stats, clk)
	if err := cache.Init(); err != nil {
		return err
	}

	var notify md.KernelNotify = fs.LoggingKernelNotify{}
	if !conf.MdCache.KernelCache {
		notify = md.NopKernelNotify{}
	}

	capStore := caps.NewStore(caps.Config{
		ClientHost: conf.ClientHost,
		MountName:  conf.MountName,
		ClientUUID: instanceUUID,
		LeaseTime:  conf.Caps.LeaseTime,
	}, cache, client, clk, notify)
	cache.SetCapSink(capStore)

	evict := func(reason string) {
		logger.Errorf("cmd: evicted by MD server (%s), unmounting", reason)
		cancel()
		if err := fuse.Unmount(mountPoint); err != nil {
			logger.Errorf("cmd: unmount after eviction failed: %v", err)
		}
	}

	mdPump := pump.New(pump.Config{
		Name:              conf.MountName,
		Host:              conf.ClientHost,
		UUID:              instanceUUID,
		Version:           Version,
		HeartbeatInterval: conf.Caps.HeartbeatInterval,
		KernelCache:       conf.MdCache.KernelCache,
	}, dealer, cache, capStore, notify, stats, clk, evict)
	dealer.OnReconnect = mdPump.SendHeartbeat

	go dealer.Run(ctx)
	go cache.FlushWorker(ctx)
	go capStore.RunSweeper(ctx)
	go mdPump.Run(ctx)

	server, err := fs.NewServer(&fs.ServerConfig{
		Cache:             cache,
		Caps:              capStore,
		Clock:             clk,
		Notify:            notify,
		Stats:             stats,
		Ident:             mountIdentity(),
		KernelCache:       conf.MdCache.KernelCache,
		EnoentTimeout:     conf.MdCache.EnoentTimeout,
		RenameIsSync:      conf.Behavior.RenameIsSync,
		RmdirIsSync:       conf.Behavior.RmdirIsSync,
		FlushWaitOpen:     conf.Behavior.FlushWaitOpen,
		FlushWaitOpenSize: conf.Behavior.FlushWaitOpenSize,
	})
	if err != nil {
		return err
	}

	mfs, err := fuse.Mount(mountPoint, server, &fuse.MountConfig{
		FSName:     "eosxd",
		Subtype:    "fusex",
		VolumeName: conf.MountName,
		// Parallel LookUpInode/ReadDir from the kernel driver is safe: the
		// resolver takes no exclusive lock across lookups.
		EnableParallelDirOps: true,
		// The data plane serializes its own writeback.
		DisableWritebackCaching: true,
	})
	if err != nil {
		return fmt.Errorf("mounting %s: %w", mountPoint, err)
	}

	// The FUSE library owns the device descriptor, so none is registered; a
	// later instance gets the no-descriptor verdict and its StartMount fails.
	if err := cm.MountDone(-1); err != nil {
		logger.Errorf("cmd: fd server unavailable: %v", err)
	}

	// Unmount on SIGINT/SIGTERM.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			logger.Infof("cmd: received %v, unmounting", s)
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("cmd: unmount failed: %v", err)
			}
		case <-ctx.Done():
		}
	}()

	err = mfs.Join(context.Background())

	cm.Unmounting()
	cancel()
	flushQueue.Close()
	logger.Infof("cmd: mount on %s finished", mountPoint)
	return err
}

// mountIdentity is the identity baked into every request; per-request
// credential resolution is an external concern.
func mountIdentity() fusex.Identity {
	id := fusex.Identity{
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}
	if u, err := user.Current(); err == nil {
		id.Login = u.Username
	} else {
		id.Login = "nobody"
	}
	return id
}
