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
	"syscall"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cern-eos/eos-sub015/fusex"
)

func TestLookupCountLifecycle(t *testing.T) {
	r := NewRecord(5)
	r.Lock()
	defer r.Unlock()

	r.LookupInc()
	r.LookupInc()
	r.LookupInc()
	assert.False(t, r.LookupDec(2))
	assert.True(t, r.LookupDec(1))

	// Over-decrement clamps instead of underflowing.
	r.LookupInc()
	assert.True(t, r.LookupDec(10))
	assert.Zero(t, r.LookupCount())
}

func TestCapCountIsLockFree(t *testing.T) {
	r := NewRecord(5)
	r.CapInc()
	r.CapInc()
	r.CapDec()
	assert.Equal(t, int64(1), r.CapCount())
	r.CapCountReset()
	assert.Zero(t, r.CapCount())
}

func TestWireRoundTripKeepsLocalBookkeeping(t *testing.T) {
	r := NewRecord(9)
	r.Lock()
	defer r.Unlock()

	r.Name = "f"
	r.Mode = syscall.S_IFREG | 0o640
	r.Size = 42
	r.XAttrs["user.a"] = "1"
	r.Children["kid"] = 10
	r.LocalEnoent["ghost"] = struct{}{}
	r.LookupInc()

	wire := r.ToWire()
	assert.Equal(t, "f", wire.Name)
	assert.Equal(t, uint64(42), wire.Size)
	assert.Empty(t, wire.Children, "local children never leave the client")

	// Applying a server update keeps the kernel-side bookkeeping.
	wire.Size = 100
	r.FromWire(wire)
	assert.Equal(t, uint64(100), r.Size)
	assert.Equal(t, uint64(10), r.Children["kid"])
	assert.Contains(t, r.LocalEnoent, "ghost")
	assert.Equal(t, uint64(1), r.LookupCount())
}

func TestSpillBlobRoundTrip(t *testing.T) {
	r := NewRecord(9)
	r.Lock()
	r.Name = "dir"
	r.Mode = syscall.S_IFDIR | 0o755
	r.ParentID = 1
	r.Type = TypeMDLS
	r.Children["kid"] = 10
	blob, err := cbor.Marshal(r.toSpill())
	r.Unlock()
	require.NoError(t, err)

	var spill spillBlob
	require.NoError(t, cbor.Unmarshal(blob, &spill))
	restored := NewRecord(0)
	restored.fromSpill(&spill)

	assert.Equal(t, uint64(9), restored.ID)
	assert.Equal(t, uint64(1), restored.ParentID)
	assert.Equal(t, TypeMDLS, restored.Type)
	assert.Equal(t, uint64(10), restored.Children["kid"])
}

func TestStampTimes(t *testing.T) {
	r := NewRecord(9)
	now := time.Unix(1700000000, 123)

	r.Lock()
	defer r.Unlock()
	r.StampTimes(now, true)
	assert.Equal(t, fusex.Timespec{Sec: 1700000000, NSec: 123}, r.Btime)
	assert.Equal(t, r.Mtime, r.Ctime)

	later := now.Add(time.Hour)
	r.StampTimes(later, false)
	assert.Equal(t, int64(1700003600), r.Mtime.Sec)
	// Birth time does not move on ordinary updates.
	assert.Equal(t, int64(1700000000), r.Btime.Sec)
}
