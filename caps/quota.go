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

package caps

import (
	"fmt"
	"sync"

	"github.com/cern-eos/eos-sub015/fusex"
	"github.com/cern-eos/eos-sub015/internal/logger"
)

// Quota is the accounting record shared by every cap under the same
// (uid, gid, quota-node) triple: the server-reported limits plus the local
// deltas accumulated since the last refresh.
type Quota struct {
	mu sync.Mutex

	UID  uint32
	GID  uint32
	Node uint64 // remote inode of the quota node

	// Server-reported limits, refreshed from cap updates.
	VolumeQuota uint64 // GUARDED_BY(mu)
	InodeQuota  uint64 // GUARDED_BY(mu)

	// Local accounting since the last refresh.
	LocalVolume int64 // GUARDED_BY(mu)
	LocalInode  int64 // GUARDED_BY(mu)

	// Writers counts open writers on this quota node.
	Writers int64 // GUARDED_BY(mu)

	vtime         fusex.Timespec // GUARDED_BY(mu)
	volumeEdquota bool           // GUARDED_BY(mu)
}

// BookVolume accounts n written bytes locally.
func (q *Quota) BookVolume(n int64) {
	q.mu.Lock()
	q.LocalVolume += n
	q.mu.Unlock()
}

// FreeVolume releases n bytes of local accounting.
func (q *Quota) FreeVolume(n int64) {
	q.mu.Lock()
	q.LocalVolume -= n
	q.mu.Unlock()
}

func (q *Quota) BookInode() {
	q.mu.Lock()
	q.LocalInode++
	q.mu.Unlock()
}

func (q *Quota) FreeInode() {
	q.mu.Lock()
	q.LocalInode--
	q.mu.Unlock()
}

func (q *Quota) OpenWriter()  { q.mu.Lock(); q.Writers++; q.mu.Unlock() }
func (q *Quota) CloseWriter() { q.mu.Lock(); q.Writers--; q.mu.Unlock() }

// HasQuota reports whether required more bytes and one more inode fit under
// the currently known limits after the local deltas. The inode limit is
// checked whatever the value of required.
func (q *Quota) HasQuota(required int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.volumeEdquota {
		return false
	}
	if q.VolumeQuota > 0 {
		if q.LocalVolume+required > int64(q.VolumeQuota) {
			return false
		}
	}
	if q.InodeQuota > 0 {
		if q.LocalInode >= int64(q.InodeQuota) {
			return false
		}
	}
	return true
}

// Limits returns the server limits and the local deltas in one consistent
// snapshot.
func (q *Quota) Limits() (volumeQuota, inodeQuota uint64, localVolume, localInode int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.VolumeQuota, q.InodeQuota, q.LocalVolume, q.LocalInode
}

// SetVolumeEdquota marks the volume exhausted; subsequent writes fail fast
// with EDQUOT until a refresh reports new headroom.
func (q *Quota) SetVolumeEdquota() {
	q.mu.Lock()
	q.volumeEdquota = true
	q.mu.Unlock()
}

// VolumeEdquota reports the fast-fail flag.
func (q *Quota) VolumeEdquota() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.volumeEdquota
}

// refreshLocked overwrites the limits from the cap payload and zeroes the
// deltas.
//
// LOCKS_REQUIRED(q.mu)
func (q *Quota) refreshLocked(payload fusex.QuotaMsg, vtime fusex.Timespec) {
	q.VolumeQuota = payload.VolumeQuota
	q.InodeQuota = payload.InodeQuota
	q.LocalVolume = 0
	q.LocalInode = 0
	q.volumeEdquota = false
	q.vtime = vtime
}

// QuotaStore shares quota records across caps.
type QuotaStore struct {
	mu     sync.Mutex
	quotas map[string]*Quota // GUARDED_BY(mu)
}

func NewQuotaStore() *QuotaStore {
	return &QuotaStore{quotas: map[string]*Quota{}}
}

func quotaKey(uid, gid uint32, node uint64) string {
	return fmt.Sprintf("%d:%d:%x", uid, gid, node)
}

// Get returns the quota record the cap belongs to, creating it on first
// sight. A cap strictly newer than the stored record refreshes the limits
// and zeroes the local deltas.
func (qs *QuotaStore) Get(c *Cap) *Quota {
	c.Lock()
	uid, gid := c.UID, c.GID
	node := c.Quota.QuotaInode
	payload := c.Quota
	vtime := c.VTime
	c.Unlock()

	key := quotaKey(uid, gid, node)

	qs.mu.Lock()
	q, ok := qs.quotas[key]
	if !ok {
		q = &Quota{UID: uid, GID: gid, Node: node}
		q.mu.Lock()
		q.refreshLocked(payload, vtime)
		q.mu.Unlock()
		qs.quotas[key] = q
		qs.mu.Unlock()
		return q
	}
	qs.mu.Unlock()

	q.mu.Lock()
	newer := vtime.Sec > q.vtime.Sec ||
		(vtime.Sec == q.vtime.Sec && vtime.NSec > q.vtime.NSec)
	if newer {
		logger.Infof("caps: updating quota-node=%s volume=%d inodes=%d", key, payload.VolumeQuota, payload.InodeQuota)
		q.refreshLocked(payload, vtime)
	}
	q.mu.Unlock()
	return q
}
