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
	"time"

	"github.com/cern-eos/eos-sub015/common"
)

// flushPollInterval bounds producer blocking while the queue sits at its
// high-water mark.
const flushPollInterval = 25 * time.Millisecond

// FlushEntry is one queued upstream action for an inode.
type FlushEntry struct {
	AuthID string
	Op     QueueOp
}

// FlushQueue is the bounded write-behind queue of MD operations: one FIFO
// per inode, FIFO order preserved per inode but not across inodes.
type FlushQueue struct {
	mu      sync.Mutex
	wake    *sync.Cond
	queues  map[uint64]common.Queue[FlushEntry] // GUARDED_BY(mu)
	order   []uint64                            // inodes with pending work, oldest first, GUARDED_BY(mu)
	maxSize int
	closed  bool
}

func NewFlushQueue(maxBacklog int) *FlushQueue {
	q := &FlushQueue{
		queues:  map[uint64]common.Queue[FlushEntry]{},
		maxSize: maxBacklog,
	}
	q.wake = sync.NewCond(&q.mu)
	return q
}

// Push appends an entry to the inode's FIFO. Producers block while the
// queue holds maxSize inodes, except server-initiated pushes which bypass
// the limit so that broker backpressure cannot stall server broadcasts.
func (q *FlushQueue) Push(ino uint64, e FlushEntry, serverInitiated bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !serverInitiated {
		for len(q.queues) >= q.maxSize && !q.closed {
			if _, ok := q.queues[ino]; ok {
				// Appending to an existing FIFO does not grow the backlog.
				break
			}
			q.mu.Unlock()
			time.Sleep(flushPollInterval)
			q.mu.Lock()
		}
	}
	if q.closed {
		return
	}

	fifo, ok := q.queues[ino]
	if !ok {
		fifo = common.NewQueue[FlushEntry]()
		q.queues[ino] = fifo
		q.order = append(q.order, ino)
	}
	fifo.Push(e)
	q.wake.Signal()
}

// PopAny blocks until some inode has pending work, removes its whole FIFO
// and returns the coalesced entries. ok is false once the queue is closed
// and drained.
func (q *FlushQueue) PopAny() (ino uint64, entries []FlushEntry, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.order) == 0 {
		if q.closed {
			return 0, nil, false
		}
		q.wake.Wait()
	}

	ino = q.order[0]
	q.order = q.order[1:]
	fifo := q.queues[ino]
	delete(q.queues, ino)

	raw := make([]FlushEntry, 0, fifo.Len())
	for !fifo.IsEmpty() {
		raw = append(raw, fifo.Pop())
	}
	return ino, MergeEntries(raw), true
}

// Queued reports whether the inode still has pending work. The message pump
// spins on this before rescinding a cap.
func (q *FlushQueue) Queued(ino uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queues[ino]
	return ok
}

// Len returns the number of inodes with pending work.
func (q *FlushQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}

// Close wakes the worker and releases blocked producers. Pending entries may
// still be popped.
func (q *FlushQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.wake.Broadcast()
}

// MergeEntries coalesces one inode's FIFO before it is applied:
//
//   - a trailing RM supersedes everything before it
//   - consecutive duplicate LSTOREs collapse to one
//   - ADD followed by UPDATE stays ADD (the create carries the update)
//   - UPDATE followed by UPDATE collapses, keeping the later authorization
func MergeEntries(in []FlushEntry) []FlushEntry {
	if len(in) == 0 {
		return nil
	}
	if in[len(in)-1].Op == OpRm {
		return []FlushEntry{in[len(in)-1]}
	}

	out := make([]FlushEntry, 0, len(in))
	for _, e := range in {
		if len(out) > 0 {
			last := &out[len(out)-1]
			switch {
			case last.Op == OpLStore && e.Op == OpLStore:
				continue
			case last.Op == OpAdd && e.Op == OpUpdate:
				continue
			case last.Op == OpUpdate && e.Op == OpUpdate:
				last.AuthID = e.AuthID
				continue
			}
		}
		out = append(out, e)
	}
	return out
}
