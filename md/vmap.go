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
	"fmt"
	"sync"

	"github.com/cern-eos/eos-sub015/internal/logger"
	"github.com/cern-eos/eos-sub015/kv"
)

// vmapTag namespaces vmap entries in the KV store; the key is the local
// inode, the value the remote inode.
const vmapTag = "v"

// StorageError wraps a KV failure during a vmap insert. It is fatal to the
// caller: a pair that is not durable must not be handed to the kernel.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("vmap storage failure: %v", e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// VMap is the bidirectional local ↔ remote inode table. The mapping is a
// partial bijection; once inserted, a pair for a non-root local inode stays
// fixed for the life of the mount.
type VMap struct {
	mu  sync.Mutex
	fwd map[uint64]uint64 // local → remote, GUARDED_BY(mu)
	bwd map[uint64]uint64 // remote → local, GUARDED_BY(mu)
	kv  kv.Store
}

func NewVMap(store kv.Store) *VMap {
	return &VMap{
		fwd: map[uint64]uint64{},
		bwd: map[uint64]uint64{},
		kv:  store,
	}
}

// Insert records local ↔ remote. A re-insert of the identical pair is a
// no-op; a reverse entry pointing at a different local inode is purged
// first. The pair is persisted except for the root.
func (m *VMap) Insert(local, remote uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.fwd[local]; ok && r == remote {
		return nil
	}
	if old, ok := m.bwd[remote]; ok {
		delete(m.fwd, old)
	}
	m.fwd[local] = remote
	m.bwd[remote] = local

	if local != 1 {
		if err := kv.PutUint64(m.kv, kv.Uint64Key(local, vmapTag), remote); err != nil {
			return &StorageError{Err: err}
		}
	}
	return nil
}

// Forward returns the remote inode for a local one, or 0. A miss for a
// non-root inode is retried against the KV store; a hit repopulates both
// directions.
func (m *VMap) Forward(local uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.fwd[local]; ok {
		return r
	}
	if local == 1 {
		return 0
	}
	remote, ok, err := kv.GetUint64(m.kv, kv.Uint64Key(local, vmapTag))
	if err != nil {
		logger.Errorf("vmap: kv read for ino=%#x failed: %v", local, err)
		return 0
	}
	if !ok {
		return 0
	}
	m.fwd[local] = remote
	m.bwd[remote] = local
	return remote
}

// Backward returns the local inode for a remote one, or 0. Memory only.
func (m *VMap) Backward(remote uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bwd[remote]
}

// EraseFwd drops the pair keyed by the local inode.
func (m *VMap) EraseFwd(local uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.fwd[local]; ok {
		delete(m.bwd, r)
	}
	delete(m.fwd, local)
}

// EraseBwd drops the pair keyed by the remote inode.
func (m *VMap) EraseBwd(remote uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.bwd[remote]; ok {
		delete(m.fwd, l)
	}
	delete(m.bwd, remote)
}
