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

// Package pump drives the out-of-band exchange with the MD server: periodic
// heartbeats out, lease revocations, MD updates and eviction commands in.
package pump

import (
	"context"
	"os"
	"time"

	"github.com/cern-eos/eos-sub015/backend"
	"github.com/cern-eos/eos-sub015/caps"
	"github.com/cern-eos/eos-sub015/clock"
	"github.com/cern-eos/eos-sub015/common"
	"github.com/cern-eos/eos-sub015/fusex"
	"github.com/cern-eos/eos-sub015/internal/logger"
	"github.com/cern-eos/eos-sub015/md"
)

// drainPoll is the cadence of the wait-for-drain spin before a cap is
// rescinded; drainSpins bounds it.
const (
	drainPoll  = 25 * time.Millisecond
	drainSpins = 400
)

// Config identifies this client instance on the wire.
type Config struct {
	Name              string
	Host              string
	UUID              string
	Version           string
	HeartbeatInterval time.Duration
	KernelCache       bool
}

// Pump exchanges broadcasts with the MD server over the shared transport.
type Pump struct {
	cfg       Config
	transport backend.Transport
	cache     *md.Cache
	caps      *caps.Store
	notify    md.KernelNotify
	stats     *common.Stats
	clk       clock.Clock
	startTime int64

	// ident is the daemon identity attached to server-initiated cache
	// updates.
	ident fusex.Identity

	// evict is called once when the server evicts this client; it must
	// trigger unmount and process shutdown.
	evict func(reason string)
}

func New(cfg Config, t backend.Transport, cache *md.Cache, capStore *caps.Store, notify md.KernelNotify, stats *common.Stats, clk clock.Clock, evict func(reason string)) *Pump {
	return &Pump{
		cfg:       cfg,
		transport: t,
		cache:     cache,
		caps:      capStore,
		notify:    notify,
		stats:     stats,
		clk:       clk,
		startTime: clk.Now().Unix(),
		ident:     fusex.Identity{UID: 0, GID: 0, Login: "daemon"},
		evict:     evict,
	}
}

// SendHeartbeat pushes one heartbeat frame. Also wired to the transport's
// reconnect hook: after a reconnect the server either accepts the clock or
// answers with an EVICT.
func (p *Pump) SendHeartbeat() {
	now := p.clk.Now()
	hb := &fusex.Container{
		Type: fusex.ContainerHeartbeat,
		Heartbeat: &fusex.HeartbeatMsg{
			Name:      p.cfg.Name,
			Host:      p.cfg.Host,
			UUID:      p.cfg.UUID,
			Version:   p.cfg.Version,
			Pid:       int32(os.Getpid()),
			StartTime: p.startTime,
			Clock:     now.Unix(),
			ClockNs:   int32(now.Nanosecond()),
			Stats:     p.stats.Snapshot(),
		},
	}
	if err := p.transport.Send(hb); err != nil {
		logger.Errorf("pump: heartbeat send failed: %v", err)
	}
}

// Run demultiplexes inbound broadcasts and emits heartbeats until ctx is
// cancelled. A signalled shutdown drains no further messages.
func (p *Pump) Run(ctx context.Context) {
	p.SendHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clk.After(p.cfg.HeartbeatInterval):
			p.SendHeartbeat()
		case cont, ok := <-p.transport.Broadcasts():
			if !ok {
				return
			}
			if !p.handle(ctx, cont) {
				return
			}
		}
	}
}

// handle processes one broadcast; false stops the pump (eviction).
func (p *Pump) handle(ctx context.Context, cont *fusex.Container) bool {
	switch cont.Type {
	case fusex.ContainerEvict:
		reason := ""
		if cont.Evict != nil {
			reason = cont.Evict.Reason
		}
		logger.Errorf("pump: evicted from MD server, reason: %s", reason)
		if p.evict != nil {
			p.evict(reason)
		}
		return false

	case fusex.ContainerLease:
		if cont.Lease != nil {
			p.handleLease(ctx, cont.Lease)
		}

	case fusex.ContainerMD:
		p.cache.Apply(p.ident, cont, false)

	case fusex.ContainerMDMap:
		p.cache.Apply(p.ident, cont, true)

	default:
		logger.Errorf("pump: unexpected broadcast type %v", cont.Type)
	}
	return true
}

// handleLease revokes the cap named by (remote inode, client id). The
// revocation waits until the flush queue holds nothing for the inode, so a
// cap is never rescinded under an in-flight upstream mutation that still
// needs it.
func (p *Pump) handleLease(ctx context.Context, lease *fusex.LeaseMsg) {
	ino := p.cache.LocalOf(lease.MdIno)
	logger.Infof("pump: lease remote-ino=%#x ino=%#x client-id=%s auth-id=%s",
		lease.MdIno, ino, lease.ClientID, lease.AuthID)
	if ino == 0 {
		return
	}

	for i := 0; p.cache.Flush().Queued(ino); i++ {
		if i >= drainSpins || ctx.Err() != nil {
			logger.Warnf("pump: lease drain for ino=%#x timed out, proceeding", ino)
			break
		}
		logger.Debugf("pump: delaying cap release for ino=%#x, flush pending", ino)
		select {
		case <-p.clk.After(drainPoll):
		case <-ctx.Done():
		}
	}

	capID := caps.ClientCapID(ino, lease.ClientID)
	p.caps.Forget(capID)

	rec := p.cache.GetLocal(ino)
	if rec == nil {
		return
	}
	rec.Lock()
	children := make(map[string]uint64, len(rec.Children))
	for name, child := range rec.Children {
		children[name] = child
	}
	rec.Unlock()

	if p.cfg.KernelCache {
		for name, child := range children {
			p.notify.InvalInode(child, false)
			p.notify.InvalEntry(ino, name)
		}
		p.notify.InvalInode(ino, false)
	}
	rec.CapCountReset()

	// The listing is no longer covered by anything; drop the child records
	// nothing else holds on to.
	p.cache.Cleanup(ino)
}
