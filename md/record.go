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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cern-eos/eos-sub015/fusex"
)

// RecordType describes how much of a cached record can be trusted.
type RecordType int8

const (
	// TypeNone: attributes only, not yet confirmed by anyone.
	TypeNone RecordType = iota
	// TypeMD: a normal record confirmed upstream.
	TypeMD
	// TypeMDLS: the children listing is valid.
	TypeMDLS
	// TypeEXCL: being created by this client, not yet confirmed upstream.
	TypeEXCL
)

// QueueOp is the pending flush-queue action of a record.
type QueueOp int8

const (
	OpNone QueueOp = iota
	OpAdd
	OpUpdate
	OpRm
	OpLStore
)

func (op QueueOp) String() string {
	switch op {
	case OpNone:
		return "none"
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	case OpRm:
		return "rm"
	case OpLStore:
		return "lstore"
	}
	return "?"
}

// Record is one metadata cache entry. The canonical reference lives in the
// cache table; the flush queue and open handles hold their own, so a record
// may outlive its removal from the table.
//
// All fields are guarded by the record lock unless stated otherwise. The
// lock order across records is strictly ascending by local inode; the cache
// table lock is always taken before any record lock.
type Record struct {
	mu sync.Mutex

	// ID is the local inode. Immutable after the record is inserted into
	// the table; may be read without the lock.
	ID uint64

	RemoteID       uint64
	ParentID       uint64
	RemoteParentID uint64
	Name           string
	Mode           uint32
	UID            uint32
	GID            uint32
	Size           uint64
	Atime          fusex.Timespec
	Mtime          fusex.Timespec
	Ctime          fusex.Timespec
	Btime          fusex.Timespec
	Nlink          uint32
	Target         string
	XAttrs         map[string]string
	Flags          uint32
	Clock          uint64
	NChildren      uint64

	Type RecordType
	Op   QueueOp

	// Children maps name → local inode; only meaningful when Type is
	// TypeMDLS.
	Children map[string]uint64

	// LocalEnoent remembers names known to be absent under this directory.
	LocalEnoent map[string]struct{}

	// ToDelete maps name → local inode for children whose removal is still
	// queued upstream.
	ToDelete map[string]uint64

	// LockTable holds byte-range locks granted to this client. Entries are
	// only appended; nothing removes them, not even when the record leaves
	// the cache.
	LockTable []fusex.LockMsg

	// Creator is set when this client created the inode and the server has
	// not yet acknowledged it.
	Creator bool

	Err     syscall.Errno
	deleted bool

	lookupCount  uint64
	openDirCount int64

	// capCount is maintained by the cap store and read by the lookup fast
	// path; atomic so the sweeper never needs the record lock.
	capCount atomic.Int64

	// flushWake is closed and replaced on every flush completion signal.
	flushWake chan struct{}
}

func NewRecord(ino uint64) *Record {
	return &Record{
		ID:          ino,
		XAttrs:      map[string]string{},
		Children:    map[string]uint64{},
		LocalEnoent: map[string]struct{}{},
		ToDelete:    map[string]uint64{},
		flushWake:   make(chan struct{}),
	}
}

func (r *Record) Lock()   { r.mu.Lock() }
func (r *Record) Unlock() { r.mu.Unlock() }

// LookupInc increments the kernel reference count.
func (r *Record) LookupInc() { r.lookupCount++ }

// LookupDec drops n kernel references and reports whether the count reached
// zero.
func (r *Record) LookupDec(n uint64) bool {
	if n > r.lookupCount {
		n = r.lookupCount
	}
	r.lookupCount -= n
	return r.lookupCount == 0
}

func (r *Record) LookupCount() uint64 { return r.lookupCount }

// CapInc/CapDec/CapCount do not require the record lock.
func (r *Record) CapInc()          { r.capCount.Add(1) }
func (r *Record) CapDec()          { r.capCount.Add(-1) }
func (r *Record) CapCount() int64  { return r.capCount.Load() }
func (r *Record) CapCountReset()   { r.capCount.Store(0) }

func (r *Record) OpenDirInc()       { r.openDirCount++ }
func (r *Record) OpenDirDec()       { r.openDirCount-- }
func (r *Record) OpenDirCount() int64 { return r.openDirCount }

func (r *Record) Deleted() bool    { return r.deleted }
func (r *Record) SetDeleted(d bool) { r.deleted = d }

// SignalFlush wakes every WaitFlush waiter. Called by the flush worker with
// the record lock held after transitioning Op to OpNone.
func (r *Record) SignalFlush() {
	close(r.flushWake)
	r.flushWake = make(chan struct{})
}

// flushWakeChan returns the current wake channel; requires the lock.
func (r *Record) flushWakeChan() <-chan struct{} { return r.flushWake }

// StampTimes sets mtime/ctime (and optionally atime/btime on create) to now.
func (r *Record) StampTimes(now time.Time, create bool) {
	ts := fusex.Timespec{Sec: now.Unix(), NSec: int32(now.Nanosecond())}
	r.Mtime = ts
	r.Ctime = ts
	if create {
		r.Atime = ts
		r.Btime = ts
	}
}

// ToWire renders the record into the wire MD message. Requires the lock.
func (r *Record) ToWire() *fusex.MDMsg {
	m := &fusex.MDMsg{
		MdIno:     r.RemoteID,
		MdPino:    r.RemoteParentID,
		Name:      r.Name,
		Mode:      r.Mode,
		UID:       r.UID,
		GID:       r.GID,
		Size:      r.Size,
		Atime:     r.Atime,
		Mtime:     r.Mtime,
		Ctime:     r.Ctime,
		Btime:     r.Btime,
		Nlink:     r.Nlink,
		Target:    r.Target,
		Flags:     r.Flags,
		Clock:     r.Clock,
		NChildren: r.NChildren,
	}
	if len(r.XAttrs) > 0 {
		m.XAttrs = make(map[string]string, len(r.XAttrs))
		for k, v := range r.XAttrs {
			m.XAttrs[k] = v
		}
	}
	return m
}

// FromWire overwrites the attribute fields from a wire MD message, leaving
// local bookkeeping (lookup count, children, negative cache, flags derived
// locally) alone. Requires the lock.
func (r *Record) FromWire(m *fusex.MDMsg) {
	r.RemoteID = m.MdIno
	r.RemoteParentID = m.MdPino
	r.Name = m.Name
	r.Mode = m.Mode
	r.UID = m.UID
	r.GID = m.GID
	r.Size = m.Size
	r.Atime = m.Atime
	r.Mtime = m.Mtime
	r.Ctime = m.Ctime
	r.Btime = m.Btime
	r.Nlink = m.Nlink
	r.Target = m.Target
	r.Flags = m.Flags
	r.Clock = m.Clock
	r.NChildren = m.NChildren
	r.XAttrs = map[string]string{}
	for k, v := range m.XAttrs {
		r.XAttrs[k] = v
	}
}

// spillBlob is the KV representation: the wire attributes plus the pieces of
// local bookkeeping that must survive a restart.
type spillBlob struct {
	MD       *fusex.MDMsg      `cbor:"1,keyasint"`
	LocalIno uint64            `cbor:"2,keyasint"`
	Parent   uint64            `cbor:"3,keyasint"`
	Type     RecordType        `cbor:"4,keyasint"`
	Children map[string]uint64 `cbor:"5,keyasint,omitempty"`
}

// toSpill serializes the record for the KV store. Requires the lock.
func (r *Record) toSpill() *spillBlob {
	children := make(map[string]uint64, len(r.Children))
	for k, v := range r.Children {
		children[k] = v
	}
	return &spillBlob{
		MD:       r.ToWire(),
		LocalIno: r.ID,
		Parent:   r.ParentID,
		Type:     r.Type,
		Children: children,
	}
}

// fromSpill restores a record from its KV representation.
func (r *Record) fromSpill(b *spillBlob) {
	r.FromWire(b.MD)
	r.ID = b.LocalIno
	r.ParentID = b.Parent
	r.Type = b.Type
	r.Children = b.Children
	if r.Children == nil {
		r.Children = map[string]uint64{}
	}
}
