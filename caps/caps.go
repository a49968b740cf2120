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

// Package caps implements the capability-lease store: short-lived
// authorizations attached to an inode and a client identity, refreshed
// synchronously from the MD server, expired by a sweeper and revocable by
// server lease messages.
package caps

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/cern-eos/eos-sub015/backend"
	"github.com/cern-eos/eos-sub015/clock"
	"github.com/cern-eos/eos-sub015/fusex"
	"github.com/cern-eos/eos-sub015/internal/logger"
	"github.com/cern-eos/eos-sub015/md"
)

// Mode mask extensions beyond R_OK/W_OK/X_OK.
const (
	R_OK  uint32 = 4
	W_OK  uint32 = 2
	X_OK  uint32 = 1
	D_OK  uint32 = 8  // delete
	M_OK  uint32 = 16 // chmod
	C_OK  uint32 = 32 // chown
	SA_OK uint32 = 64 // set xattr
)

// sweepInterval is the cadence of the expiry sweeper.
const sweepInterval = 5 * time.Second

// Meta is the slice of the metadata cache the cap store needs.
type Meta interface {
	RemoteOf(localIno uint64) uint64
	LocalOf(remoteIno uint64) uint64
	IncreaseCap(ino uint64)
	DecreaseCap(ino uint64)

	// Cleanup releases the cached children of an inode once no cap covers
	// it anymore.
	Cleanup(ino uint64)
}

// Cap is one capability record. Fields are guarded by the cap lock; Ino and
// ClientID are immutable after creation.
type Cap struct {
	mu sync.Mutex

	// Ino is the local inode the cap authorizes.
	Ino uint64

	ClientID   string
	AuthID     string
	ClientUUID string
	UID        uint32
	GID        uint32
	Mode       uint32

	// VTime is the wall-clock instant the lease expires.
	VTime fusex.Timespec

	MaxFileSize uint64
	Errc        syscall.Errno
	Quota       fusex.QuotaMsg

	// counted marks that this cap contributed to its record's cap-count;
	// placeholders from Get never do.
	counted bool

	lastUse time.Time
}

func (c *Cap) isCounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counted
}

func (c *Cap) Lock()   { c.mu.Lock() }
func (c *Cap) Unlock() { c.mu.Unlock() }

// Valid reports whether the lease is still running. Requires the cap lock.
func (c *Cap) Valid(now time.Time) bool {
	return time.Unix(c.VTime.Sec, int64(c.VTime.NSec)).After(now)
}

// Satisfy reports whether every requested mode bit is granted. Requires the
// cap lock.
func (c *Cap) Satisfy(mode uint32) bool {
	return c.Mode&mode == mode
}

// Lifetime returns the remaining lease duration, never negative. Requires
// the cap lock.
func (c *Cap) Lifetime(now time.Time) time.Duration {
	d := time.Unix(c.VTime.Sec, int64(c.VTime.NSec)).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Invalidate zeroes the lease.
func (c *Cap) Invalidate() {
	c.mu.Lock()
	c.VTime = fusex.Timespec{}
	c.mu.Unlock()
}

func (c *Cap) String() string {
	return fmt.Sprintf("ino=%#x mode=%#x vtime=%d.%d uid=%d gid=%d cid=%s auth-id=%s errc=%d",
		c.Ino, c.Mode, c.VTime.Sec, c.VTime.NSec, c.UID, c.GID, c.ClientID, c.AuthID, c.Errc)
}

// Config carries the identity pieces baked into cap ids plus the lease
// policy.
type Config struct {
	ClientHost string
	MountName  string
	ClientUUID string
	LeaseTime  time.Duration
}

// Store holds the capability map and the revocation set.
type Store struct {
	cfg     Config
	meta    Meta
	backend backend.MetaBackend
	clk     clock.Clock
	notify  md.KernelNotify
	quotas  *QuotaStore

	mu   sync.Mutex
	caps map[string]*Cap // GUARDED_BY(mu)

	// The revocation set has its own lock so the sweeper never waits
	// behind an RPC-holding cap-map user.
	revMu   sync.Mutex
	revoked map[string]struct{} // auth-ids, GUARDED_BY(revMu)
}

func NewStore(cfg Config, meta Meta, be backend.MetaBackend, clk clock.Clock, notify md.KernelNotify) *Store {
	return &Store{
		cfg:     cfg,
		meta:    meta,
		backend: be,
		clk:     clk,
		notify:  notify,
		quotas:  NewQuotaStore(),
		caps:    map[string]*Cap{},
		revoked: map[string]struct{}{},
	}
}

// Quotas exposes the per-(uid,gid,quota-node) accounting.
func (s *Store) Quotas() *QuotaStore { return s.quotas }

// clientID renders the request identity into the client id used on the
// wire: "<uid>:<gid>:<login>@<host>:<mount-name>".
func (s *Store) clientID(id fusex.Identity) string {
	return fmt.Sprintf("%s@%s:%s", id.String(), s.cfg.ClientHost, s.cfg.MountName)
}

// CapID is the long-form cap key used for request-driven lookups:
// "<ino-hex>:<uid>:<gid>:<login>@<host>:<mount-name>".
func (s *Store) CapID(id fusex.Identity, ino uint64) string {
	return fmt.Sprintf("%x:%s", ino, s.clientID(id))
}

// ClientCapID is the short-form key used when the server addresses us by
// client id (lease revocation, implied caps): "<ino-hex>:<client-id>".
func ClientCapID(ino uint64, clientID string) string {
	return fmt.Sprintf("%x:%s", ino, clientID)
}

// Revoked reports whether the auth-id was revoked; late server updates
// carrying it must be dropped.
func (s *Store) Revoked(authID string) bool {
	s.revMu.Lock()
	defer s.revMu.Unlock()
	_, ok := s.revoked[authID]
	return ok
}

func (s *Store) addRevoked(authID string) {
	if authID == "" {
		return
	}
	s.revMu.Lock()
	s.revoked[authID] = struct{}{}
	s.revMu.Unlock()
}

// Get returns the cap for the request fingerprint, creating an invalid
// placeholder (vtime zero) when none exists yet.
func (s *Store) Get(id fusex.Identity, ino uint64) *Cap {
	key := s.CapID(id, ino)

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caps[key]; ok {
		return c
	}
	c := &Cap{
		Ino:        ino,
		ClientID:   s.clientID(id),
		ClientUUID: s.cfg.ClientUUID,
		UID:        id.UID,
		GID:        id.GID,
	}
	s.caps[key] = c
	return c
}

// GetByClientID returns the cap under the short-form key, or a zero cap
// when unknown.
func (s *Store) GetByClientID(ino uint64, clientID string) *Cap {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caps[ClientCapID(ino, clientID)]; ok {
		return c
	}
	return &Cap{}
}

// Acquire obtains a cap for ino valid for mode, refreshing from the MD
// server when the cached one is stale. The result always carries an errc:
// zero for granted, EPERM for a mode denial, the transport errno otherwise.
func (s *Store) Acquire(ctx context.Context, id fusex.Identity, ino uint64, mode uint32) *Cap {
	// The parent of the root is the root.
	if ino == 0 {
		ino = md.RootIno
	}

	cap := s.Get(id, ino)

	cap.Lock()
	valid := cap.Valid(s.clk.Now())
	cap.Unlock()

	if !valid {
		if err := s.Refresh(ctx, id, cap); err != nil {
			cap.Lock()
			cap.Errc = backend.AsErrno(err)
			cap.Unlock()
			return cap
		}
		cap = s.Get(id, ino)
	}

	now := s.clk.Now()
	cap.Lock()
	defer cap.Unlock()
	if !cap.Satisfy(mode) || !cap.Valid(now) {
		if !cap.Valid(now) {
			logger.Errorf("caps: unsynchronized clocks between client and MD server, now=%d vtime=%d",
				now.Unix(), cap.VTime.Sec)
		}
		cap.Errc = syscall.EPERM
	} else {
		cap.Errc = 0
	}
	cap.lastUse = now
	return cap
}

// Refresh fetches the cap from upstream. The server must answer for the
// same inode we asked about; a mismatch is a protocol violation surfaced as
// ENXIO.
func (s *Store) Refresh(ctx context.Context, id fusex.Identity, cap *Cap) error {
	remote := s.meta.RemoteOf(cap.Ino)
	logger.Debugf("caps: refresh ino=%#x remote-ino=%#x", cap.Ino, remote)

	contv, err := s.backend.GetCap(ctx, id, remote)
	if err != nil {
		if backend.AsErrno(err) != syscall.EPERM {
			logger.Errorf("caps: GETCAP failed for ino=%#x uid=%d gid=%d: %v", cap.Ino, id.UID, id.GID, err)
		}
		return err
	}

	for _, cont := range contv {
		if cont.Type != fusex.ContainerCap || cont.Cap == nil {
			logger.Errorf("caps: wrong content type received: %v", cont.Type)
			continue
		}
		local := s.meta.LocalOf(cont.Cap.ID)
		if local != cap.Ino {
			logger.Errorf("caps: wrong cap received for ino=%#x (maps to %#x)", cap.Ino, local)
			return syscall.ENXIO
		}
		s.StoreFromServer(id, cont.Cap)
	}
	return nil
}

// StoreFromServer installs a cap authoritatively from the MD server, keyed
// by the local inode, and keeps the MD cap-count consistent. Caps whose
// auth-id was revoked arrive late and are dropped.
func (s *Store) StoreFromServer(id fusex.Identity, msg *fusex.CapMsg) (localIno uint64) {
	if s.Revoked(msg.AuthID) {
		logger.Debugf("caps: dropping revoked cap auth-id=%s", msg.AuthID)
		return 0
	}

	local := s.meta.LocalOf(msg.ID)
	if local == 0 {
		logger.Errorf("caps: no local inode for remote-ino=%#x", msg.ID)
		return 0
	}

	cap := &Cap{
		Ino:         local,
		ClientID:    s.clientID(id),
		AuthID:      msg.AuthID,
		ClientUUID:  msg.ClientUUID,
		UID:         msg.UID,
		GID:         msg.GID,
		Mode:        msg.Mode,
		VTime:       msg.VTime,
		MaxFileSize: msg.MaxFileSize,
		Quota:       msg.Quota,
	}
	if cap.ClientUUID == "" {
		cap.ClientUUID = s.cfg.ClientUUID
	}

	key := s.CapID(id, local)
	cap.counted = true
	s.mu.Lock()
	prev := s.caps[key]
	s.caps[key] = cap
	// The same cap is reachable under the short form for server-addressed
	// operations.
	s.caps[ClientCapID(local, cap.ClientID)] = cap
	s.mu.Unlock()

	// A counted predecessor already holds the record's reference; an
	// uncounted placeholder does not.
	if prev == nil || !prev.isCounted() {
		s.meta.IncreaseCap(local)
	}
	logger.Debugf("caps: stored %s", cap)
	return local
}

// Imply derives a cap for a newly created child inode from its parent's,
// substituting the auth-id and extending the lease. The parent mask is
// propagated unchanged.
func (s *Store) Imply(parent *Cap, implyAuthID string, mode uint32, ino uint64) string {
	parent.Lock()
	implied := &Cap{
		Ino:         ino,
		ClientID:    parent.ClientID,
		AuthID:      implyAuthID,
		ClientUUID:  parent.ClientUUID,
		UID:         parent.UID,
		GID:         parent.GID,
		Mode:        parent.Mode,
		MaxFileSize: parent.MaxFileSize,
		Quota:       parent.Quota,
		VTime: fusex.Timespec{
			Sec:  parent.VTime.Sec + int64(s.cfg.LeaseTime/time.Second),
			NSec: parent.VTime.NSec,
		},
	}
	clientID := parent.ClientID
	parent.Unlock()

	implied.counted = true
	key := ClientCapID(ino, clientID)
	s.mu.Lock()
	prev := s.caps[key]
	s.caps[key] = implied
	s.mu.Unlock()

	if prev == nil || !prev.isCounted() {
		s.meta.IncreaseCap(ino)
	}
	return key
}

// Forget removes the cap under the given id, remembers its auth-id in the
// revocation set and returns the inode it covered so the caller can issue a
// kernel invalidation. Returns 0 when the cap is unknown.
func (s *Store) Forget(capID string) uint64 {
	s.mu.Lock()
	cap, ok := s.caps[capID]
	if !ok {
		s.mu.Unlock()
		logger.Debugf("caps: forget cap-id=%s: unknown", capID)
		return 0
	}
	// One cap is reachable under the long and the short key; drop both.
	for k, c := range s.caps {
		if c == cap {
			delete(s.caps, k)
		}
	}
	s.mu.Unlock()

	cap.Lock()
	ino := cap.Ino
	authID := cap.AuthID
	counted := cap.counted
	cap.Unlock()

	s.addRevoked(authID)
	if counted {
		s.meta.DecreaseCap(ino)
	}
	return ino
}

// Reset drops every cap, inserting all auth-ids into the revocation set.
func (s *Store) Reset() {
	s.mu.Lock()
	dropped := make([]*Cap, 0, len(s.caps))
	seen := map[*Cap]struct{}{}
	for _, c := range s.caps {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		dropped = append(dropped, c)
	}
	s.caps = map[string]*Cap{}
	s.mu.Unlock()

	for _, c := range dropped {
		c.Lock()
		authID := c.AuthID
		ino := c.Ino
		counted := c.counted
		c.Unlock()
		s.addRevoked(authID)
		if counted {
			s.meta.DecreaseCap(ino)
		}
	}
}

// Size returns the number of cap map entries.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.caps)
}

// SweepOnce removes every expired cap, decrements the MD cap-counts and
// emits kernel invalidations for the affected inodes. The map is copied
// under its lock before iterating so the sweep never holds the map lock
// across per-cap work.
func (s *Store) SweepOnce() {
	now := s.clk.Now()

	s.mu.Lock()
	snapshot := make(map[string]*Cap, len(s.caps))
	for k, c := range s.caps {
		snapshot[k] = c
	}
	s.mu.Unlock()

	expired := map[string]*Cap{}
	for key, c := range snapshot {
		c.Lock()
		if !c.Valid(now) {
			expired[key] = c
			logger.Debugf("caps: expire %s", c)
		}
		c.Unlock()
	}
	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	removed := map[*Cap]struct{}{}
	for key, c := range expired {
		// Only remove what we actually inspected; a refreshed cap under the
		// same key stays.
		if s.caps[key] == c {
			delete(s.caps, key)
			removed[c] = struct{}{}
		}
	}
	s.mu.Unlock()

	// One decrement per cap object: the same cap may sit under both its key
	// forms.
	invalidate := map[uint64]struct{}{}
	for c := range removed {
		if c.isCounted() {
			s.meta.DecreaseCap(c.Ino)
		}
		invalidate[c.Ino] = struct{}{}
	}
	for ino := range invalidate {
		s.notify.InvalInode(ino, false)
		// With the cap gone the child listing is stale; release whatever
		// nothing else pins.
		s.meta.Cleanup(ino)
	}
}

// RunSweeper runs the 5-second expiry loop until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(sweepInterval):
			s.SweepOnce()
		}
	}
}
