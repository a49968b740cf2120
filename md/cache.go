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

// Package md implements the client metadata cache: the record table keyed by
// local inode, the local ↔ remote inode map, and the write-behind flush
// queue pushing mutations to the MD server.
package md

import (
	"context"
	"fmt"
	"sort"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jacobsa/syncutil"

	"github.com/cern-eos/eos-sub015/backend"
	"github.com/cern-eos/eos-sub015/clock"
	"github.com/cern-eos/eos-sub015/common"
	"github.com/cern-eos/eos-sub015/fusex"
	"github.com/cern-eos/eos-sub015/internal/logger"
	"github.com/cern-eos/eos-sub015/kv"
)

// RootIno is the local inode of the mount root, fixed by the kernel
// contract.
const RootIno uint64 = 1

// mdTag namespaces MD spill blobs in the KV store.
const mdTag = "m"

var nextInodeKey = kv.StringKey("nextinode")

// CapSink receives capabilities embedded in MD responses; implemented by the
// cap store.
type CapSink interface {
	StoreFromServer(id fusex.Identity, c *fusex.CapMsg) (localIno uint64)
}

// Cache is the authoritative in-memory store of MD records.
//
// LOCK ORDERING
//
// The table lock is acquired strictly before any record lock and released
// before any per-record blocking work. Record locks across records are taken
// in ascending local-inode order; the flush queue lock and the vmap lock are
// leaves.
type Cache struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	kv      kv.Store
	backend backend.MetaBackend
	flush   *FlushQueue
	vmap    *VMap
	stats   *common.Stats
	clk     clock.Clock

	// caps is attached after construction (the cap store needs the cache
	// first).
	caps CapSink

	/////////////////////////
	// Mutable state
	/////////////////////////

	// mu protects the record table and inode allocation.
	mu syncutil.InvariantMutex

	// The record table. A record pointer may outlive removal from the
	// table while handles or the flush worker still hold it.
	//
	// INVARIANT: for all keys k, records[k].ID == k
	//
	// GUARDED_BY(mu)
	records map[uint64]*Record

	// The next local inode to mint. Persisted so a restart cannot reuse
	// inodes already spilled.
	//
	// INVARIANT: nextIno >= 2
	//
	// GUARDED_BY(mu)
	nextIno uint64
}

func NewCache(store kv.Store, be backend.MetaBackend, fq *FlushQueue, stats *common.Stats, clk clock.Clock) *Cache {
	c := &Cache{
		kv:      store,
		backend: be,
		flush:   fq,
		vmap:    NewVMap(store),
		stats:   stats,
		clk:     clk,
		records: map[uint64]*Record{},
		nextIno: RootIno + 1,
	}

	root := NewRecord(RootIno)
	root.Name = ":root:"
	root.Mode = syscall.S_IFDIR | 0o777
	root.Nlink = 1
	root.ParentID = RootIno
	c.records[RootIno] = root
	c.stats.InodesInc()

	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

// SetCapSink attaches the cap store; must run before any request is served.
func (c *Cache) SetCapSink(s CapSink) { c.caps = s }

// VMaps exposes the inode map to the cap store and the pump.
func (c *Cache) VMaps() *VMap { return c.vmap }

// Flush exposes the queue for the pump's wait-for-drain.
func (c *Cache) Flush() *FlushQueue { return c.flush }

// LOCKS_REQUIRED(c.mu)
func (c *Cache) checkInvariants() {
	for ino, rec := range c.records {
		if rec.ID != ino {
			panic(fmt.Sprintf("record ID mismatch: %v vs. %v", rec.ID, ino))
		}
		if ino != RootIno && ino >= c.nextIno {
			panic(fmt.Sprintf("record ino %v beyond nextIno %v", ino, c.nextIno))
		}
	}
	if c.nextIno < RootIno+1 {
		panic(fmt.Sprintf("illegal nextIno: %v", c.nextIno))
	}
}

// Init restores the root record and the inode allocator from the KV store.
func (c *Cache) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if next, ok, err := kv.GetUint64(c.kv, nextInodeKey); err != nil {
		return err
	} else if ok && next > c.nextIno {
		c.nextIno = next
	}

	if rec := c.loadFromKVLocked(RootIno); rec != nil {
		logger.Infof("md: restored root from kv, remote-ino=%#x", rec.RemoteID)
	}
	return nil
}

// Root returns the root record.
func (c *Cache) Root() *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[RootIno]
}

// GetLocal returns the cached record for ino without consulting the KV
// store or the backend.
func (c *Cache) GetLocal(ino uint64) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[ino]
}

// LOCKS_REQUIRED(c.mu)
func (c *Cache) allocInoLocked() uint64 {
	ino := c.nextIno
	c.nextIno++
	if err := kv.PutUint64(c.kv, nextInodeKey, c.nextIno); err != nil {
		// The allocator must never go backwards across restarts; losing the
		// store means losing the whole cache anyway.
		logger.Errorf("md: persisting inode allocator failed: %v", err)
	}
	return ino
}

// Insert assigns a fresh local inode to a locally created record and places
// it in the table.
func (c *Cache) Insert(rec *Record) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ino := c.allocInoLocked()
	rec.ID = ino
	c.records[ino] = rec
	return ino
}

// loadFromKVLocked loads ino's spill blob plus the blobs of its children
// into the table. Returns nil on a miss.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) loadFromKVLocked(ino uint64) *Record {
	rec := c.loadOneLocked(ino)
	if rec == nil {
		return nil
	}
	for _, child := range rec.Children {
		if _, ok := c.records[child]; ok {
			continue
		}
		c.loadOneLocked(child)
	}
	return rec
}

// LOCKS_REQUIRED(c.mu)
func (c *Cache) loadOneLocked(ino uint64) *Record {
	blob, ok, err := c.kv.Get(kv.Uint64Key(ino, mdTag))
	if err != nil {
		logger.Errorf("md: kv read for ino=%#x failed: %v", ino, err)
		return nil
	}
	if !ok {
		return nil
	}
	var spill spillBlob
	if err := cbor.Unmarshal(blob, &spill); err != nil {
		logger.Errorf("md: spill blob parsing failed for ino=%#x: %v", ino, err)
		return nil
	}
	rec := NewRecord(ino)
	rec.fromSpill(&spill)
	rec.ID = ino
	c.records[ino] = rec
	c.stats.InodesInc()
	if rec.RemoteID != 0 && ino != 0 {
		if err := c.vmap.Insert(ino, rec.RemoteID); err != nil {
			logger.Errorf("md: vmap restore for ino=%#x failed: %v", ino, err)
		}
	}
	return rec
}

// spill serializes rec into the KV store. A put failure marks the record;
// the next waiter observes it.
func (c *Cache) spill(rec *Record) {
	rec.Lock()
	blob, err := cbor.Marshal(rec.toSpill())
	ino := rec.ID
	rec.Unlock()
	if err != nil {
		logger.Errorf("md: spill encoding failed for ino=%#x: %v", ino, err)
		return
	}
	if err := c.kv.Put(kv.Uint64Key(ino, mdTag), blob); err != nil {
		logger.Errorf("md: spill write failed for ino=%#x: %v", ino, err)
		rec.Lock()
		rec.Err = syscall.EIO
		rec.Unlock()
	}
}

////////////////////////////////////////////////////////////////////////
// Lookup / Get
////////////////////////////////////////////////////////////////////////

// Lookup resolves parent/name. With a cap on the parent the answer comes
// from the cached children; a miss under a valid listing is answered
// negatively without an upstream call and remembered in the parent's
// negative cache. The returned record has ID zero when the name does not
// exist.
func (c *Cache) Lookup(ctx context.Context, id fusex.Identity, parent uint64, name string) (*Record, error) {
	pmd, err := c.Get(ctx, id, parent, false)
	if err != nil {
		return nil, err
	}
	if pmd.ID != parent {
		return NewRecord(0), nil
	}

	var ino uint64
	pmd.Lock()
	if pmd.CapCount() > 0 {
		if child, ok := pmd.Children[name]; ok {
			ino = child
		} else if pmd.Type == TypeMDLS {
			pmd.LocalEnoent[name] = struct{}{}
			pmd.Unlock()
			return NewRecord(0), nil
		}
	}
	pmd.Unlock()

	return c.get(ctx, id, ino, pmd, name, false)
}

// Get returns the record for a known local inode, fetching from the KV
// store or the backend as needed. With listing set the children map is
// brought up to date as well.
func (c *Cache) Get(ctx context.Context, id fusex.Identity, ino uint64, listing bool) (*Record, error) {
	return c.get(ctx, id, ino, nil, "", listing)
}

func (c *Cache) get(ctx context.Context, id fusex.Identity, ino uint64, pmd *Record, name string, listing bool) (*Record, error) {
	var rec *Record
	loaded := false

	if ino != 0 {
		c.mu.Lock()
		if r, ok := c.records[ino]; ok {
			rec = r
		} else if r := c.loadFromKVLocked(ino); r != nil {
			rec = r
			loaded = true
		}
		c.mu.Unlock()
	}
	if rec == nil {
		rec = NewRecord(0)
	}

	if rec.ID != 0 && !loaded && c.trusted(rec, pmd, listing) {
		return rec, nil
	}

	contv, fetchedIno, err := c.fetchUpstream(ctx, id, ino, rec, pmd, name, listing, loaded)
	if err == syscall.ENOENT {
		// Not an error at this layer: the caller observes the zero ID and
		// answers negatively (the original returns an empty record here).
		return NewRecord(0), nil
	}
	if err != nil {
		return NewRecord(0), err
	}
	if contv == nil {
		// A locally generated record the server does not know yet.
		return rec, nil
	}

	applied := fetchedIno
	for _, cont := range contv {
		if cont.RefInode != 0 && ino != 0 {
			// The response names the remote inode of the requested one.
			if err := c.vmap.Insert(ino, cont.RefInode); err != nil {
				return NewRecord(0), err
			}
		}
		if l := c.Apply(id, cont, listing); l != 0 {
			applied = l
		}
	}

	c.mu.Lock()
	if r, ok := c.records[applied]; ok {
		rec = r
	}
	c.mu.Unlock()

	// A child fetched by parent+name gets attached to the local parent so a
	// not-yet-published sibling create still finds its place.
	if ino == 0 && pmd != nil && rec.ID != 0 {
		attach := false
		pmd.Lock()
		if _, ok := pmd.Children[name]; !ok {
			pmd.Children[name] = rec.ID
			attach = true
		}
		delete(pmd.LocalEnoent, name)
		pmd.Unlock()
		if attach {
			c.Update(pmd, "", true)
		}
	}
	return rec, nil
}

// trusted decides whether a cached record can be returned without an
// upstream refresh.
func (c *Cache) trusted(rec *Record, pmd *Record, listing bool) bool {
	if pmd != nil && pmd.CapCount() > 0 && !listing {
		return true
	}

	rec.Lock()
	mode := rec.Mode
	pid := rec.ParentID
	deleted := rec.deleted
	remote := rec.RemoteID
	typ := rec.Type
	rec.Unlock()

	if ((!listing) || typ == TypeMDLS) && remote != 0 && rec.CapCount() > 0 {
		return true
	}

	// Files are covered by the cap of their parent directory.
	if mode&syscall.S_IFMT != syscall.S_IFDIR && pid != 0 {
		c.mu.Lock()
		par := c.records[pid]
		c.mu.Unlock()
		if par != nil && par.CapCount() > 0 {
			return true
		}
	}

	// A record without a parent linkage that is not deleted was generated
	// locally and only exists here.
	if pid == 0 && !deleted && rec.ID != RootIno {
		return true
	}
	return false
}

// fetchUpstream issues the backend call matching the three request shapes.
// A nil container slice with nil error means "use the local record as-is".
func (c *Cache) fetchUpstream(ctx context.Context, id fusex.Identity, ino uint64, rec *Record, pmd *Record, name string, listing bool, loaded bool) ([]*fusex.Container, uint64, error) {
	switch {
	case ino == RootIno:
		// The root is the only record fetched by path; everything else goes
		// by parent+name or by remote inode.
		contv, err := c.backend.GetMDByPath(ctx, id, "/")
		return contv, ino, err

	case ino == 0:
		if pmd == nil {
			return nil, 0, syscall.ENOENT
		}
		pmd.Lock()
		remoteParent := pmd.RemoteID
		pmd.Unlock()
		if remoteParent == 0 {
			return nil, 0, syscall.ENOENT
		}
		contv, err := c.backend.GetMDByParentName(ctx, id, remoteParent, name, listing)
		return contv, 0, err

	default:
		rec.Lock()
		remote := rec.RemoteID
		typ := rec.Type
		clk := rec.Clock
		rec.Unlock()

		if remote == 0 {
			if rec.ID != 0 && !loaded {
				return nil, ino, nil
			}
			return nil, 0, syscall.ENOENT
		}
		cond := clk
		if listing && typ != TypeMDLS {
			// Never listed: an unconditional fetch brings the children.
			cond = 0
		}
		contv, err := c.backend.GetMDByIno(ctx, id, remote, cond, listing)
		return contv, ino, err
	}
}

////////////////////////////////////////////////////////////////////////
// Apply
////////////////////////////////////////////////////////////////////////

// Apply integrates one backend response container and returns the local
// inode it landed on (the parent for listings), or 0 on a protocol error.
// Every applied record is re-spilled via an LSTORE enqueue; embedded
// capabilities are handed to the cap store.
func (c *Cache) Apply(id fusex.Identity, cont *fusex.Container, listing bool) uint64 {
	switch cont.Type {
	case fusex.ContainerMD:
		return c.applyMD(id, cont.MD)
	case fusex.ContainerMDMap:
		return c.applyMDMap(id, cont, listing)
	case fusex.ContainerAck:
		// Conditional fetch, nothing changed.
		return c.vmap.Backward(cont.RefInode)
	default:
		logger.Errorf("md: wrong content type received: %v", cont.Type)
		return 0
	}
}

func (c *Cache) applyMD(id fusex.Identity, m *fusex.MDMsg) uint64 {
	if m == nil {
		return 0
	}
	local := c.vmap.Backward(m.MdIno)
	if local == 0 {
		logger.Errorf("md: no local inode for remote-ino=%#x", m.MdIno)
		return 0
	}

	c.mu.Lock()
	rec, ok := c.records[local]
	if !ok {
		rec = NewRecord(local)
		c.records[local] = rec
		c.stats.InodesInc()
	}
	c.mu.Unlock()

	capMsg := m.Capability
	pLocal := c.vmap.Backward(m.MdPino)
	if pLocal == 0 && m.MdPino != 0 {
		logger.Errorf("md: missing lookup entry for parent of ino=%#x", local)
	}

	rec.Lock()
	rec.FromWire(m)
	rec.ID = local
	if pLocal != 0 {
		rec.ParentID = pLocal
	}
	if rec.Type == TypeNone || rec.Type == TypeEXCL {
		rec.Type = TypeMD
	}
	rec.Unlock()

	c.Update(rec, "", true)

	if capMsg != nil && capMsg.ID != 0 && c.caps != nil {
		// The cap store owns the cap-count bookkeeping.
		c.caps.StoreFromServer(id, capMsg)
	}
	return local
}

func (c *Cache) applyMDMap(id fusex.Identity, cont *fusex.Container, listing bool) uint64 {
	if cont.MDMap == nil {
		return 0
	}
	var pmd *Record

	for remote, m := range cont.MDMap.MDs {
		isRef := remote == cont.RefInode
		local := c.vmap.Backward(remote)

		var rec *Record
		if local != 0 {
			c.mu.Lock()
			rec = c.records[local]
			if rec == nil {
				rec = NewRecord(local)
				c.records[local] = rec
				c.stats.InodesInc()
			}
			c.mu.Unlock()
		} else {
			c.mu.Lock()
			local = c.allocInoLocked()
			rec = NewRecord(local)
			c.records[local] = rec
			c.mu.Unlock()
			c.stats.InodesInc()
			if err := c.vmap.Insert(local, remote); err != nil {
				logger.Errorf("md: vmap insert for ino=%#x failed: %v", local, err)
				continue
			}
		}

		capMsg := m.Capability
		pLocal := c.vmap.Backward(m.MdPino)

		rec.Lock()
		rec.FromWire(m)
		rec.ID = local
		if pLocal != 0 {
			rec.ParentID = pLocal
		}
		if rec.Type == TypeNone || rec.Type == TypeEXCL {
			rec.Type = TypeMD
		}
		if isRef {
			pmd = rec
			if m.Children != nil {
				// Still remote inodes; translated below before exposure.
				rec.Children = make(map[string]uint64, len(m.Children))
				for n, r := range m.Children {
					rec.Children[n] = r
				}
			}
		}
		rec.Unlock()

		if !isRef {
			c.Update(rec, "", true)
		}
		if capMsg != nil && capMsg.ID != 0 && c.caps != nil {
			c.caps.StoreFromServer(id, capMsg)
		}
	}

	if pmd == nil {
		logger.Errorf("md: listing without reference inode %#x", cont.RefInode)
		return 0
	}
	if listing {
		c.mapChildrenToLocal(pmd)
	}
	c.Update(pmd, "", true)
	return pmd.ID
}

// mapChildrenToLocal replaces the remote child inodes in pmd's listing with
// locally minted ones and marks the listing valid.
func (c *Cache) mapChildrenToLocal(pmd *Record) {
	pmd.Lock()
	remoteChildren := make(map[string]uint64, len(pmd.Children))
	for name, rino := range pmd.Children {
		remoteChildren[name] = rino
	}
	pmd.Unlock()

	local := make(map[string]uint64, len(remoteChildren))
	for name, rino := range remoteChildren {
		lino := c.vmap.Backward(rino)
		if lino == 0 {
			c.mu.Lock()
			lino = c.allocInoLocked()
			c.records[lino] = NewRecord(lino)
			c.mu.Unlock()
			c.stats.InodesInc()
			if err := c.vmap.Insert(lino, rino); err != nil {
				logger.Errorf("md: vmap insert for child ino=%#x failed: %v", lino, err)
				continue
			}
		}
		local[name] = lino
	}

	pmd.Lock()
	pmd.Children = local
	pmd.Type = TypeMDLS
	pmd.Unlock()
}

////////////////////////////////////////////////////////////////////////
// Mutations
////////////////////////////////////////////////////////////////////////

// Update queues an upstream UPDATE, or with localStore just a re-spill of
// the record. Server-initiated (localStore) pushes bypass the queue limit.
func (c *Cache) Update(rec *Record, authID string, localStore bool) {
	op := OpUpdate
	if localStore {
		op = OpLStore
	} else {
		rec.Lock()
		if rec.Op == OpNone {
			rec.Op = OpUpdate
		}
		rec.Unlock()
	}
	c.flush.Push(rec.ID, FlushEntry{AuthID: authID, Op: op}, localStore)
	c.stats.SetBacklog(c.flush.Len())
}

// Add links a freshly created child record under its parent and queues the
// upstream create. The child must already carry a local inode (Insert).
func (c *Cache) Add(pmd, rec *Record, authID string) {
	c.stats.InodesInc()

	now := c.clk.Now()
	// Parents are created before their children, so parent-then-child is
	// ascending inode order.
	pmd.Lock()
	rec.Lock()
	pmd.Children[rec.Name] = rec.ID
	delete(pmd.LocalEnoent, rec.Name)
	pmd.NChildren++
	pmd.StampTimes(now, false)
	rec.ParentID = pmd.ID
	rec.RemoteParentID = pmd.RemoteID
	rec.Op = OpAdd
	rec.Unlock()
	pmd.Unlock()

	c.flush.Push(rec.ID, FlushEntry{AuthID: authID, Op: OpAdd}, false)
	c.flush.Push(pmd.ID, FlushEntry{AuthID: authID, Op: OpLStore}, false)
	c.stats.SetBacklog(c.flush.Len())
}

// AddSync is Add plus a wait for the backend to confirm the new remote
// inode, so creates can present the server's errno to the caller.
func (c *Cache) AddSync(ctx context.Context, pmd, rec *Record, authID string) error {
	c.Add(pmd, rec, authID)
	return c.WaitFlush(ctx, rec)
}

// Remove unlinks the child from its parent. The child record survives the
// flush via an extra lookup reference; with upstream set the removal is
// queued for the server.
func (c *Cache) Remove(pmd, rec *Record, authID string, upstream bool) {
	pmd.Lock()
	rec.Lock()
	name := rec.Name
	delete(pmd.Children, name)
	pmd.ToDelete[name] = rec.ID
	pmd.LocalEnoent[name] = struct{}{}
	if pmd.NChildren > 0 {
		pmd.NChildren--
	}
	if !rec.deleted {
		rec.LookupInc()
		c.stats.InodesDeletedInc()
	}
	rec.deleted = true
	rec.Op = OpRm
	rec.Unlock()
	pmd.Unlock()

	if !upstream {
		return
	}
	c.flush.Push(pmd.ID, FlushEntry{AuthID: authID, Op: OpLStore}, false)
	c.flush.Push(rec.ID, FlushEntry{AuthID: authID, Op: OpRm}, false)
	c.stats.SetBacklog(c.flush.Len())
}

// Mv renames rec from p1 to p2 under newName. Record locks are taken in
// ascending local-inode order, so an inverse rename running concurrently
// cannot deadlock against this one.
func (c *Cache) Mv(p1, p2, rec *Record, newName, authP1, authP2 string) {
	locks := []*Record{p1}
	if p2.ID != p1.ID {
		locks = append(locks, p2)
	}
	locks = append(locks, rec)
	sort.Slice(locks, func(i, j int) bool { return locks[i].ID < locks[j].ID })
	for _, l := range locks {
		l.Lock()
	}

	now := c.clk.Now()
	oldName := rec.Name

	if p1.ID != p2.ID {
		p2.Children[newName] = rec.ID
		delete(p1.Children, oldName)
		if p1.NChildren > 0 {
			p1.NChildren--
		}
		p2.NChildren++
		p1.LocalEnoent[oldName] = struct{}{}
		delete(p2.LocalEnoent, newName)
		p1.StampTimes(now, false)
		p2.StampTimes(now, false)
		rec.ParentID = p2.ID
		rec.RemoteParentID = p2.RemoteID
	} else {
		p1.Children[newName] = rec.ID
		delete(p1.Children, oldName)
		p1.LocalEnoent[oldName] = struct{}{}
		delete(p1.LocalEnoent, newName)
	}
	rec.Name = newName
	rec.StampTimes(now, false)
	if rec.Op == OpNone {
		rec.Op = OpUpdate
	}

	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].Unlock()
	}

	c.flush.Push(p1.ID, FlushEntry{AuthID: authP1, Op: OpUpdate}, false)
	if p1.ID != p2.ID {
		c.flush.Push(p2.ID, FlushEntry{AuthID: authP2, Op: OpUpdate}, false)
	}
	c.flush.Push(rec.ID, FlushEntry{AuthID: authP2, Op: OpUpdate}, false)
	c.stats.SetBacklog(c.flush.Len())
}

// Forget drops nlookup kernel references. The record leaves the table only
// once the count reaches zero and the flush queue holds nothing for it;
// otherwise EAGAIN tells the caller to come back.
func (c *Cache) Forget(ino uint64, nlookup uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[ino]
	if !ok {
		return syscall.ENOENT
	}

	rec.Lock()
	zero := rec.LookupDec(nlookup)
	rec.Unlock()

	if zero && !c.flush.Queued(ino) {
		delete(c.records, ino)
		c.stats.InodesDec()
		return nil
	}
	return syscall.EAGAIN
}

// WaitFlush blocks until the record's pending operation is applied. It
// returns the record's error when the upstream create failed (no vmap
// mapping exists), nil otherwise.
func (c *Cache) WaitFlush(ctx context.Context, rec *Record) error {
	for {
		rec.Lock()
		if rec.Op == OpNone {
			errc := rec.Err
			rec.Unlock()
			if c.vmap.Forward(rec.ID) == 0 {
				if errc != 0 {
					return errc
				}
				return nil
			}
			return nil
		}
		wake := rec.flushWakeChan()
		rec.Unlock()

		select {
		case <-wake:
		case <-c.clk.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Byte-range locks
////////////////////////////////////////////////////////////////////////

// GetLk queries the server for a conflicting lock.
func (c *Cache) GetLk(ctx context.Context, id fusex.Identity, rec *Record, lk *fusex.LockMsg) error {
	rec.Lock()
	wire := rec.ToWire()
	rec.Unlock()

	rsp, err := c.backend.DoLock(ctx, id, wire, lk, fusex.WireOpGetLK)
	if err != nil {
		return syscall.EAGAIN
	}
	*lk = *rsp
	if rsp.ErrNo != 0 {
		return syscall.Errno(rsp.ErrNo)
	}
	return nil
}

// SetLk acquires or releases a byte-range lock upstream. Granted locks are
// appended to the record's lock table; unlocks are not recorded and no
// entry is ever removed from it.
func (c *Cache) SetLk(ctx context.Context, id fusex.Identity, rec *Record, lk *fusex.LockMsg, sleep bool) error {
	op := fusex.WireOpSetLK
	if sleep {
		op = fusex.WireOpSetLKW
	}

	rec.Lock()
	wire := rec.ToWire()
	rec.Unlock()

	rsp, err := c.backend.DoLock(ctx, id, wire, lk, op)
	if err != nil {
		return syscall.EAGAIN
	}
	if rsp.ErrNo != 0 {
		return syscall.Errno(rsp.ErrNo)
	}
	if lk.Type != fusex.LockUn {
		rec.Lock()
		rec.LockTable = append(rec.LockTable, *lk)
		rec.Unlock()
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Cap bookkeeping callbacks (used by the cap store and the pump)
////////////////////////////////////////////////////////////////////////

// Cleanup drops the cached children of a directory whose cap vanished:
// without a cap the listing can no longer be trusted, so it must not keep
// answering lookups. Child records still pinned by kernel references, open
// handles, their own caps or pending flush work stay in the table; the rest
// are released. No-op while the record still holds a cap.
func (c *Cache) Cleanup(ino uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.records[ino]
	if rec == nil || rec.CapCount() > 0 {
		return
	}

	rec.Lock()
	children := make([]uint64, 0, len(rec.Children))
	for _, child := range rec.Children {
		children = append(children, child)
	}
	rec.Children = map[string]uint64{}
	rec.LocalEnoent = map[string]struct{}{}
	if rec.Type == TypeMDLS {
		rec.Type = TypeMD
	}
	rec.Unlock()

	dropped := 0
	for _, child := range children {
		crec := c.records[child]
		if crec == nil || crec.CapCount() > 0 || c.flush.Queued(child) {
			continue
		}
		crec.Lock()
		busy := crec.LookupCount() > 0 || crec.OpenDirCount() > 0 || crec.Op != OpNone
		crec.Unlock()
		if busy {
			continue
		}
		delete(c.records, child)
		c.stats.InodesDec()
		dropped++
	}
	logger.Debugf("md: cleanup ino=%#x dropped %d of %d children", ino, dropped, len(children))
}

// RemoteOf resolves a local inode to its remote counterpart, 0 if unknown.
func (c *Cache) RemoteOf(local uint64) uint64 { return c.vmap.Forward(local) }

// LocalOf resolves a remote inode to its local counterpart, 0 if unknown.
func (c *Cache) LocalOf(remote uint64) uint64 { return c.vmap.Backward(remote) }

// DecreaseCap drops one cap reference from the record, if still cached.
func (c *Cache) DecreaseCap(ino uint64) {
	if rec := c.GetLocal(ino); rec != nil {
		rec.CapDec()
	}
}

// IncreaseCap adds one cap reference to the record, if still cached.
func (c *Cache) IncreaseCap(ino uint64) {
	if rec := c.GetLocal(ino); rec != nil {
		rec.CapInc()
	}
}
