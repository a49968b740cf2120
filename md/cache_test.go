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

package md

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cern-eos/eos-sub015/backend"
	"github.com/cern-eos/eos-sub015/clock"
	"github.com/cern-eos/eos-sub015/common"
	"github.com/cern-eos/eos-sub015/fusex"
	"github.com/cern-eos/eos-sub015/kv"
)

////////////////////////////////////////////////////////////////////////
// Fakes
////////////////////////////////////////////////////////////////////////

type fakeBackend struct {
	mu         sync.Mutex
	nextRemote uint64
	getCalls   atomic.Int64
	putErr     error
	putDelay   time.Duration
	puts       []fusex.WireOp
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{nextRemote: 0x1000}
}

var _ backend.MetaBackend = (*fakeBackend)(nil)

func (b *fakeBackend) GetMDByPath(ctx context.Context, id fusex.Identity, path string) ([]*fusex.Container, error) {
	b.getCalls.Add(1)
	return nil, syscall.ENOENT
}

func (b *fakeBackend) GetMDByIno(ctx context.Context, id fusex.Identity, remote uint64, clk uint64, listing bool) ([]*fusex.Container, error) {
	b.getCalls.Add(1)
	return nil, syscall.ENOENT
}

func (b *fakeBackend) GetMDByParentName(ctx context.Context, id fusex.Identity, remoteParent uint64, name string, listing bool) ([]*fusex.Container, error) {
	b.getCalls.Add(1)
	return nil, syscall.ENOENT
}

func (b *fakeBackend) GetCap(ctx context.Context, id fusex.Identity, remote uint64) ([]*fusex.Container, error) {
	return nil, syscall.EPERM
}

func (b *fakeBackend) PutMD(ctx context.Context, m *fusex.MDMsg, authID string, op fusex.WireOp) (uint64, error) {
	if b.putDelay > 0 {
		time.Sleep(b.putDelay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts = append(b.puts, op)
	if b.putErr != nil {
		return 0, b.putErr
	}
	if m.MdIno != 0 {
		return m.MdIno, nil
	}
	b.nextRemote++
	return b.nextRemote, nil
}

func (b *fakeBackend) DoLock(ctx context.Context, id fusex.Identity, m *fusex.MDMsg, lk *fusex.LockMsg, op fusex.WireOp) (*fusex.LockMsg, error) {
	out := *lk
	return &out, nil
}

type nopCapSink struct{}

func (nopCapSink) StoreFromServer(id fusex.Identity, c *fusex.CapMsg) uint64 { return 0 }

type cacheFixture struct {
	cache *Cache
	queue *FlushQueue
	fb    *fakeBackend
	stats *common.Stats
}

func newCacheFixture(t *testing.T) *cacheFixture {
	t.Helper()
	store, err := kv.OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fb := newFakeBackend()
	fq := NewFlushQueue(1000)
	stats := common.NewStats()
	c := NewCache(store, fb, fq, stats, clock.RealClock{})
	c.SetCapSink(nopCapSink{})
	require.NoError(t, c.Init())

	// Root known upstream, listed, and covered by a cap: lookups under it
	// are answered locally.
	require.NoError(t, c.VMaps().Insert(RootIno, 0x100))
	root := c.Root()
	root.Lock()
	root.RemoteID = 0x100
	root.Type = TypeMDLS
	root.Unlock()
	root.CapInc()

	return &cacheFixture{cache: c, queue: fq, fb: fb, stats: stats}
}

func (f *cacheFixture) startWorker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.cache.FlushWorker(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		f.queue.Close()
		<-done
	})
}

func newFileRecord(name string) *Record {
	rec := NewRecord(0)
	rec.Name = name
	rec.Mode = syscall.S_IFREG | 0o640
	rec.Nlink = 1
	rec.Type = TypeEXCL
	rec.Creator = true
	return rec
}

var testID = fusex.Identity{UID: 1000, GID: 1000, Login: "alice"}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func TestAddEnqueuesAddThenParentLStore(t *testing.T) {
	f := newCacheFixture(t)
	root := f.cache.Root()

	rec := newFileRecord("f")
	ino := f.cache.Insert(rec)
	assert.GreaterOrEqual(t, ino, uint64(2))

	f.cache.Add(root, rec, "auth-1")

	// First the child's ADD, then the parent's LSTORE.
	gotIno, entries, ok := f.queue.PopAny()
	require.True(t, ok)
	assert.Equal(t, ino, gotIno)
	assert.Equal(t, []QueueOp{OpAdd}, ops(entries))

	gotIno, entries, ok = f.queue.PopAny()
	require.True(t, ok)
	assert.Equal(t, RootIno, gotIno)
	assert.Equal(t, []QueueOp{OpLStore}, ops(entries))
}

func TestCreateFlushLookupRoundTrip(t *testing.T) {
	f := newCacheFixture(t)
	f.startWorker(t)
	root := f.cache.Root()

	rec := newFileRecord("f")
	ino := f.cache.Insert(rec)

	require.NoError(t, f.cache.AddSync(context.Background(), root, rec, "auth-1"))

	// After a successful flush the forward mapping exists.
	assert.NotZero(t, f.cache.VMaps().Forward(ino))

	// A fresh lookup of the name resolves to the very same local inode.
	got, err := f.cache.Lookup(context.Background(), testID, RootIno, "f")
	require.NoError(t, err)
	assert.Equal(t, ino, got.ID)
}

func TestAddSyncSurfacesServerErrno(t *testing.T) {
	f := newCacheFixture(t)
	f.fb.putErr = syscall.EPERM
	f.startWorker(t)
	root := f.cache.Root()

	rec := newFileRecord("f")
	ino := f.cache.Insert(rec)

	err := f.cache.AddSync(context.Background(), root, rec, "auth-1")
	assert.Equal(t, syscall.EPERM, err)
	// The failed create leaves no mapping behind.
	assert.Zero(t, f.cache.VMaps().Forward(ino))
}

func TestLookupAbsentUnderListingIsLocal(t *testing.T) {
	f := newCacheFixture(t)
	root := f.cache.Root()

	got, err := f.cache.Lookup(context.Background(), testID, RootIno, "b")
	require.NoError(t, err)
	assert.Zero(t, got.ID)

	// The miss was answered without any backend RPC and remembered.
	assert.Zero(t, f.fb.getCalls.Load())
	root.Lock()
	_, neg := root.LocalEnoent["b"]
	root.Unlock()
	assert.True(t, neg)
}

func TestApplyListingMapsChildrenToLocal(t *testing.T) {
	f := newCacheFixture(t)

	cont := &fusex.Container{
		Type:     fusex.ContainerMDMap,
		RefInode: 0x100,
		MDMap: &fusex.MDMapMsg{MDs: map[uint64]*fusex.MDMsg{
			0x100: {MdIno: 0x100, MdPino: 0x100, Name: ":root:", Mode: syscall.S_IFDIR | 0o755,
				Children: map[string]uint64{"a": 0x101, "b": 0x102}},
			0x101: {MdIno: 0x101, MdPino: 0x100, Name: "a", Mode: syscall.S_IFREG | 0o644, Size: 11},
			0x102: {MdIno: 0x102, MdPino: 0x100, Name: "b", Mode: syscall.S_IFDIR | 0o755},
		}},
	}

	applied := f.cache.Apply(testID, cont, true)
	assert.Equal(t, RootIno, applied)

	root := f.cache.Root()
	root.Lock()
	require.Len(t, root.Children, 2)
	aIno := root.Children["a"]
	bIno := root.Children["b"]
	typ := root.Type
	root.Unlock()

	assert.Equal(t, TypeMDLS, typ)
	assert.GreaterOrEqual(t, aIno, uint64(2))
	assert.GreaterOrEqual(t, bIno, uint64(2))

	// Children landed in the table with translated ids and working vmap
	// entries in both directions.
	a := f.cache.GetLocal(aIno)
	require.NotNil(t, a)
	a.Lock()
	assert.Equal(t, uint64(11), a.Size)
	assert.Equal(t, RootIno, a.ParentID)
	a.Unlock()
	assert.Equal(t, uint64(0x101), f.cache.VMaps().Forward(aIno))
	assert.Equal(t, aIno, f.cache.VMaps().Backward(0x101))

	// The listing answers lookups locally now.
	got, err := f.cache.Lookup(context.Background(), testID, RootIno, "a")
	require.NoError(t, err)
	assert.Equal(t, aIno, got.ID)
	assert.Zero(t, f.fb.getCalls.Load())
}

func TestRemoveKeepsRecordUntilFlushed(t *testing.T) {
	f := newCacheFixture(t)
	root := f.cache.Root()

	rec := newFileRecord("gone")
	ino := f.cache.Insert(rec)
	f.cache.Add(root, rec, "a1")
	// Drain the create.
	f.startWorker(t)
	require.NoError(t, f.cache.WaitFlush(context.Background(), rec))

	f.cache.Remove(root, rec, "a1", true)

	root.Lock()
	_, present := root.Children["gone"]
	del := root.ToDelete["gone"]
	root.Unlock()
	assert.False(t, present)
	assert.Equal(t, ino, del)
	assert.True(t, rec.Deleted())

	// Once the RM flushes, the todelete marker is gone and the record has
	// left the table (the removal reference was the last one).
	require.NoError(t, f.cache.WaitFlush(context.Background(), rec))
	assert.Eventually(t, func() bool {
		return f.cache.GetLocal(ino) == nil
	}, 2*time.Second, 10*time.Millisecond)
	root.Lock()
	_, still := root.ToDelete["gone"]
	root.Unlock()
	assert.False(t, still)
}

func TestForgetRemovesOnlyWhenQueueEmpty(t *testing.T) {
	f := newCacheFixture(t)
	root := f.cache.Root()

	rec := newFileRecord("f")
	ino := f.cache.Insert(rec)
	rec.Lock()
	rec.LookupInc()
	rec.Unlock()
	f.cache.Add(root, rec, "a1")

	// Queue still holds the ADD: the forget must refuse.
	assert.Equal(t, syscall.EAGAIN, f.cache.Forget(ino, 1))
	assert.NotNil(t, f.cache.GetLocal(ino))

	// Drain, then forget for real. The lookup count was already consumed.
	f.startWorker(t)
	require.NoError(t, f.cache.WaitFlush(context.Background(), rec))
	require.NoError(t, f.cache.Forget(ino, 0))
	assert.Nil(t, f.cache.GetLocal(ino))
}

func TestCrossedRenamesDoNotDeadlock(t *testing.T) {
	f := newCacheFixture(t)
	f.startWorker(t)
	root := f.cache.Root()

	mkdir := func(name string) *Record {
		rec := NewRecord(0)
		rec.Name = name
		rec.Mode = syscall.S_IFDIR | 0o755
		f.cache.Insert(rec)
		f.cache.Add(root, rec, "a")
		return rec
	}
	dirX := mkdir("x")
	dirY := mkdir("y")

	mkchild := func(parent *Record, name string) *Record {
		rec := newFileRecord(name)
		f.cache.Insert(rec)
		f.cache.Add(parent, rec, "a")
		return rec
	}
	childA := mkchild(dirX, "a")
	childC := mkchild(dirY, "c")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.cache.Mv(dirX, dirY, childA, "b", "a1", "a2")
	}()
	go func() {
		defer wg.Done()
		f.cache.Mv(dirY, dirX, childC, "d", "a2", "a1")
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("crossed renames deadlocked")
	}

	dirY.Lock()
	_, hasB := dirY.Children["b"]
	dirY.Unlock()
	dirX.Lock()
	_, hasD := dirX.Children["d"]
	dirX.Unlock()
	assert.True(t, hasB)
	assert.True(t, hasD)

	childA.Lock()
	assert.Equal(t, "b", childA.Name)
	assert.Equal(t, dirY.ID, childA.ParentID)
	childA.Unlock()
}

func TestMvSameParentRewritesNameOnly(t *testing.T) {
	f := newCacheFixture(t)
	root := f.cache.Root()

	rec := newFileRecord("old")
	f.cache.Insert(rec)
	f.cache.Add(root, rec, "a")

	f.cache.Mv(root, root, rec, "new", "a", "a")

	root.Lock()
	_, hasOld := root.Children["old"]
	newIno := root.Children["new"]
	root.Unlock()
	assert.False(t, hasOld)
	assert.Equal(t, rec.ID, newIno)
}

func TestCleanupDropsUntrustedChildren(t *testing.T) {
	f := newCacheFixture(t)
	root := f.cache.Root()

	// Three children: one plain, one pinned by a kernel reference, one with
	// its own cap.
	plain := newFileRecord("plain")
	f.cache.Insert(plain)
	pinned := newFileRecord("pinned")
	f.cache.Insert(pinned)
	pinned.Lock()
	pinned.LookupInc()
	pinned.Unlock()
	capped := newFileRecord("capped")
	f.cache.Insert(capped)
	capped.CapInc()

	root.Lock()
	root.Children["plain"] = plain.ID
	root.Children["pinned"] = pinned.ID
	root.Children["capped"] = capped.ID
	root.LocalEnoent["ghost"] = struct{}{}
	root.Unlock()

	// While the cap is held, cleanup must not touch anything.
	f.cache.Cleanup(RootIno)
	assert.NotNil(t, f.cache.GetLocal(plain.ID))

	// Cap vanished: the listing empties, unpinned children leave the table.
	root.CapCountReset()
	f.cache.Cleanup(RootIno)

	root.Lock()
	assert.Empty(t, root.Children)
	assert.Empty(t, root.LocalEnoent)
	typ := root.Type
	root.Unlock()
	assert.Equal(t, TypeMD, typ, "listing no longer valid")

	assert.Nil(t, f.cache.GetLocal(plain.ID))
	assert.NotNil(t, f.cache.GetLocal(pinned.ID), "kernel reference pins the record")
	assert.NotNil(t, f.cache.GetLocal(capped.ID), "own cap pins the record")
}

func TestCleanupKeepsQueuedChildren(t *testing.T) {
	f := newCacheFixture(t)
	root := f.cache.Root()

	rec := newFileRecord("queued")
	f.cache.Insert(rec)
	f.cache.Add(root, rec, "a1")

	root.CapCountReset()
	f.cache.Cleanup(RootIno)

	// The ADD is still on the flush queue; the record must survive until
	// the worker pushed it.
	assert.NotNil(t, f.cache.GetLocal(rec.ID))
}

func TestSetLkRemembersGrantedLocks(t *testing.T) {
	f := newCacheFixture(t)
	root := f.cache.Root()

	rec := newFileRecord("locked")
	f.cache.Insert(rec)
	f.cache.Add(root, rec, "a")

	lk := &fusex.LockMsg{Pid: 42, Start: 0, Len: 100, Type: fusex.LockWr}
	require.NoError(t, f.cache.SetLk(context.Background(), testID, rec, lk, false))

	rec.Lock()
	require.Len(t, rec.LockTable, 1)
	assert.Equal(t, fusex.LockWr, rec.LockTable[0].Type)
	rec.Unlock()

	// Unlocks are not remembered.
	un := &fusex.LockMsg{Pid: 42, Type: fusex.LockUn}
	require.NoError(t, f.cache.SetLk(context.Background(), testID, rec, un, true))
	rec.Lock()
	assert.Len(t, rec.LockTable, 1)
	rec.Unlock()

	got := &fusex.LockMsg{Pid: 42, Type: fusex.LockRd}
	require.NoError(t, f.cache.GetLk(context.Background(), testID, rec, got))
	assert.Equal(t, fusex.LockRd, got.Type)
}

func TestSpillSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := kv.OpenBolt(dir)
	require.NoError(t, err)

	fb := newFakeBackend()
	fq := NewFlushQueue(100)
	c := NewCache(store, fb, fq, common.NewStats(), clock.RealClock{})
	c.SetCapSink(nopCapSink{})
	require.NoError(t, c.Init())
	require.NoError(t, c.VMaps().Insert(RootIno, 0x100))
	root := c.Root()
	root.Lock()
	root.RemoteID = 0x100
	root.Type = TypeMDLS
	root.Unlock()
	root.CapInc()

	ctx, cancel := context.WithCancel(context.Background())
	go c.FlushWorker(ctx)

	rec := newFileRecord("persist-me")
	ino := c.Insert(rec)
	require.NoError(t, c.AddSync(context.Background(), root, rec, "a1"))
	// Spill the parent linkage too.
	c.Update(root, "", true)
	require.NoError(t, c.WaitFlush(context.Background(), root))

	cancel()
	fq.Close()
	require.NoError(t, store.Close())

	// "Restart": a new cache over the same store sees the record and the
	// inode allocator does not reuse its number.
	store2, err := kv.OpenBolt(dir)
	require.NoError(t, err)
	defer store2.Close()

	c2 := NewCache(store2, fb, NewFlushQueue(100), common.NewStats(), clock.RealClock{})
	c2.SetCapSink(nopCapSink{})
	require.NoError(t, c2.Init())

	restored, err := c2.Get(context.Background(), testID, ino, false)
	require.NoError(t, err)
	assert.Equal(t, ino, restored.ID)
	restored.Lock()
	assert.Equal(t, "persist-me", restored.Name)
	restored.Unlock()

	fresh := c2.Insert(NewRecord(0))
	assert.Greater(t, fresh, ino)
}
