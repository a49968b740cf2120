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

// Package mount arbitrates concurrent client instances for one mount point
// and prepares the per-instance durable directories.
//
// Two advisory lock files A and B detect concurrent instances:
//
//	A+B held during the mount/unmount transition,
//	B   alone held during steady state,
//	A   alone held while unmounting.
//
// A second instance takes A and, finding B held by a running instance, asks
// it for the FUSE file descriptor over a unix-domain socket and exits
// without mounting, which turns a concurrent-mount race into a recoverable
// condition. An instance that cannot take A within the retry window fails
// with an error and does not ask for the descriptor.
package mount

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cern-eos/eos-sub015/internal/logger"
)

// lockRetryWindow bounds how long StartMount retries against an instance
// that is just now unmounting.
const lockRetryWindow = 5 * time.Second

type ConcurrentMount struct {
	prefix string

	lockA *os.File
	lockB *os.File
	heldA bool
	heldB bool

	fuseFd     int
	listener   *net.UnixListener
	serverDown atomic.Bool
}

// New opens (creating if needed) the two lock files under the given path
// prefix.
func New(prefix string) (*ConcurrentMount, error) {
	a, err := os.OpenFile(prefix+".lock.a", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file A: %w", err)
	}
	b, err := os.OpenFile(prefix+".lock.b", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening lock file B: %w", err)
	}
	return &ConcurrentMount{prefix: prefix, lockA: a, lockB: b, fuseFd: -1}, nil
}

func (cm *ConcurrentMount) sockPath() string { return cm.prefix + ".sock" }

func flockNB(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func funlock(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// StartMount decides whether this process becomes the primary instance.
//
// Returns (fd, false, nil) when another instance is already serving the
// mount and handed over its FUSE descriptor; the caller must exit without
// mounting. When the peer has no descriptor to share, or A stays held past
// the retry window, it returns an error instead.
// Returns (-1, true, nil) when this process holds A+B and should mount.
func (cm *ConcurrentMount) StartMount() (fd int, primary bool, err error) {
	deadline := time.Now().Add(lockRetryWindow)
	for {
		if err := flockNB(cm.lockA); err == nil {
			cm.heldA = true
			break
		}
		if time.Now().After(deadline) {
			// A is held: an unmount is in progress or wedged.
			return -1, false, fmt.Errorf("lock A held by another instance")
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := flockNB(cm.lockB); err == nil {
		cm.heldB = true
		return -1, true, nil
	}

	// B is held: a healthy instance is in steady state. Ask it for the
	// FUSE descriptor and step aside.
	funlock(cm.lockA)
	cm.heldA = false

	fd, err = cm.fetchFd()
	if err != nil {
		return -1, false, fmt.Errorf("existing instance runs but fd fetch failed: %w", err)
	}
	return fd, false, nil
}

// MountDone is called by the primary after mounting, with the FUSE
// descriptor to serve to late arrivals (negative when the embedding FUSE
// library does not expose one). Transitions A+B → B and starts the fd
// server.
func (cm *ConcurrentMount) MountDone(fuseFd int) error {
	cm.fuseFd = fuseFd

	_ = os.Remove(cm.sockPath())
	addr := &net.UnixAddr{Name: cm.sockPath(), Net: "unix"}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("fd server listen: %w", err)
	}
	cm.listener = ln
	go cm.runFdServer()

	if cm.heldA {
		funlock(cm.lockA)
		cm.heldA = false
	}
	return nil
}

// Unmounting transitions B → A+B → A before the actual unmount.
func (cm *ConcurrentMount) Unmounting() {
	cm.shutdownFdServer()

	// Block until A is ours; an attacher holding A briefly is fine.
	if !cm.heldA {
		if err := unix.Flock(int(cm.lockA.Fd()), unix.LOCK_EX); err == nil {
			cm.heldA = true
		}
	}
	if cm.heldB {
		// Record who unmounted for postmortems.
		_ = cm.lockB.Truncate(0)
		fmt.Fprintf(cm.lockB, "%d\n", os.Getpid())
		funlock(cm.lockB)
		cm.heldB = false
	}
}

// Unlock releases everything once mount and unmount activity is done.
func (cm *ConcurrentMount) Unlock() {
	cm.shutdownFdServer()
	if cm.heldA {
		funlock(cm.lockA)
		cm.heldA = false
	}
	if cm.heldB {
		funlock(cm.lockB)
		cm.heldB = false
	}
	cm.lockA.Close()
	cm.lockB.Close()
	_ = os.Remove(cm.sockPath())
}

func (cm *ConcurrentMount) shutdownFdServer() {
	if cm.serverDown.Swap(true) {
		return
	}
	if cm.listener != nil {
		cm.listener.Close()
	}
}

// runFdServer answers each connection with the FUSE descriptor via
// SCM_RIGHTS. One byte of payload carries the verdict: 0 when a descriptor
// rides along, 1 when none is available.
func (cm *ConcurrentMount) runFdServer() {
	for {
		conn, err := cm.listener.AcceptUnix()
		if err != nil {
			if !cm.serverDown.Load() {
				logger.Errorf("mount: fd server accept: %v", err)
			}
			return
		}
		cm.serveOne(conn)
	}
}

func (cm *ConcurrentMount) serveOne(conn *net.UnixConn) {
	defer conn.Close()

	if cm.fuseFd < 0 {
		_, _ = conn.Write([]byte{1})
		return
	}
	rights := unix.UnixRights(cm.fuseFd)
	if _, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil); err != nil {
		logger.Errorf("mount: fd send failed: %v", err)
	}
}

// fetchFd connects to the running instance and receives the descriptor.
func (cm *ConcurrentMount) fetchFd() (int, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: cm.sockPath(), Net: "unix"})
	if err != nil {
		return -1, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, err
	}
	if buf[0] != 0 {
		return -1, fmt.Errorf("peer has no descriptor to share")
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, err
	}
	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err == nil && len(fds) > 0 {
			return fds[0], nil
		}
	}
	return -1, fmt.Errorf("no descriptor in control message")
}
