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

	"github.com/cern-eos/eos-sub015/backend"
	"github.com/cern-eos/eos-sub015/fusex"
	"github.com/cern-eos/eos-sub015/internal/logger"
	"github.com/cern-eos/eos-sub015/kv"
)

// FlushWorker is the single consumer of the flush queue. Run it in its own
// goroutine; it exits when the queue is closed.
func (c *Cache) FlushWorker(ctx context.Context) {
	for {
		ino, entries, ok := c.flush.PopAny()
		if !ok {
			return
		}
		c.stats.SetBacklog(c.flush.Len())

		rec := c.GetLocal(ino)
		if rec == nil {
			continue
		}
		c.resolveRemoteParent(rec)

		for _, e := range entries {
			logger.Debugf("md: flush ino=%#x op=%v", ino, e.Op)
			c.flushOne(ctx, rec, e)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// resolveRemoteParent fills in a missing remote parent inode from the
// parent record. Objects created locally faster than they are pushed
// upstream do not know their remote parent at enqueue time.
func (c *Cache) resolveRemoteParent(rec *Record) {
	rec.Lock()
	missing := rec.RemoteParentID == 0 && rec.ID != RootIno
	pid := rec.ParentID
	rec.Unlock()
	if !missing || pid == 0 {
		return
	}

	par := c.GetLocal(pid)
	if par == nil {
		return
	}
	par.Lock()
	remoteParent := par.RemoteID
	par.Unlock()
	if remoteParent == 0 {
		logger.Warnf("md: flush ino=%#x, parent remote inode not known yet", rec.ID)
		return
	}
	rec.Lock()
	rec.RemoteParentID = remoteParent
	rec.Unlock()
}

func (c *Cache) flushOne(ctx context.Context, rec *Record, e FlushEntry) {
	switch e.Op {
	case OpAdd, OpUpdate:
		c.flushPut(ctx, rec, e.AuthID)
	case OpLStore:
		c.spill(rec)
	case OpRm:
		c.flushRemove(ctx, rec, e.AuthID)
	}
}

// flushPut pushes an ADD or UPDATE upstream. The record lock is dropped
// across the RPC so the backend may block; on success the server-assigned
// remote inode is installed in the vmap, on failure the forward entry is
// purged and the error parked on the record. Either way the operation
// transitions to NONE and waiters are woken.
func (c *Cache) flushPut(ctx context.Context, rec *Record, authID string) {
	if rec.ID == RootIno {
		// The root is never pushed; it only spills locally.
		c.spill(rec)
		c.signalDone(rec)
		return
	}

	rec.Lock()
	wire := rec.ToWire()
	rec.Unlock()

	remote, err := c.backend.PutMD(ctx, wire, authID, fusex.WireOpSet)
	if err != nil {
		errno := backend.AsErrno(err)
		logger.Errorf("md: flush putMD failed for ino=%#x: %v", rec.ID, err)
		// Purge the mapping to force a refresh on the next access.
		c.vmap.EraseFwd(rec.ID)
		rec.Lock()
		rec.Err = errno
		rec.Unlock()
	} else {
		if insErr := c.vmap.Insert(rec.ID, remote); insErr != nil {
			logger.Errorf("md: vmap insert after flush failed for ino=%#x: %v", rec.ID, insErr)
		}
		rec.Lock()
		rec.RemoteID = remote
		rec.Err = 0
		rec.Creator = false
		if rec.Type == TypeEXCL {
			rec.Type = TypeMD
		}
		rec.Unlock()
	}

	// Spill before waking waiters: a creator returning from wait_flush must
	// find its record durable.
	c.spill(rec)
	c.signalDone(rec)
}

// flushRemove pushes the deletion upstream, erases the spill blob and drops
// the flush-held reference; the record leaves the table when that was the
// last one.
func (c *Cache) flushRemove(ctx context.Context, rec *Record, authID string) {
	rec.Lock()
	wire := rec.ToWire()
	name := wire.Name
	pid := rec.ParentID
	rec.Unlock()

	if _, err := c.backend.PutMD(ctx, wire, authID, fusex.WireOpDelete); err != nil {
		logger.Errorf("md: flush delete failed for ino=%#x: %v", rec.ID, err)
		rec.Lock()
		rec.Err = backend.AsErrno(err)
		rec.Unlock()
	}

	if err := c.kv.Erase(kv.Uint64Key(rec.ID, mdTag)); err != nil {
		logger.Errorf("md: kv erase failed for ino=%#x: %v", rec.ID, err)
	}
	c.stats.InodesDeletedDec()

	// The queued removal is done; the name may be reused now.
	if par := c.GetLocal(pid); par != nil {
		par.Lock()
		if par.ToDelete[name] == rec.ID {
			delete(par.ToDelete, name)
		}
		par.Unlock()
	}

	c.signalDone(rec)

	rec.Lock()
	destroyed := rec.LookupDec(1)
	rec.Unlock()
	if destroyed {
		c.mu.Lock()
		delete(c.records, rec.ID)
		c.mu.Unlock()
		c.stats.InodesDec()
	}
}

// signalDone transitions the record's operation to NONE and wakes waiters.
func (c *Cache) signalDone(rec *Record) {
	rec.Lock()
	rec.Op = OpNone
	rec.SignalFlush()
	rec.Unlock()
}
