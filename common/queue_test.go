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

package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue[int]()
	assert.True(t, q.IsEmpty())

	for i := 1; i <= 3; i++ {
		q.Push(i)
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 1, q.PeekStart())
	assert.Equal(t, 3, q.PeekEnd())

	assert.Equal(t, 1, q.Pop())
	assert.Equal(t, 2, q.Pop())
	assert.Equal(t, 3, q.Pop())
	assert.True(t, q.IsEmpty())
}

func TestQueueReuseAfterDrain(t *testing.T) {
	q := NewQueue[string]()
	q.Push("a")
	assert.Equal(t, "a", q.Pop())
	q.Push("b")
	assert.Equal(t, "b", q.PeekStart())
	assert.Equal(t, "b", q.PeekEnd())
	assert.Equal(t, 1, q.Len())
}

func TestQueuePanicsWhenEmpty(t *testing.T) {
	q := NewQueue[int]()
	assert.Panics(t, func() { q.Pop() })
	assert.Panics(t, func() { q.PeekStart() })
	assert.Panics(t, func() { q.PeekEnd() })
}

func TestStatsSnapshot(t *testing.T) {
	s := NewStats()
	s.InodesInc()
	s.InodesInc()
	s.InodesDec()
	s.InodesDeletedInc()
	s.SetBacklog(5)
	s.AddRBytes(100)
	s.AddWBytes(200)

	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.Inodes)
	assert.Equal(t, uint64(2), snap.InodesEver)
	assert.Equal(t, uint64(1), snap.InodesToDelete)
	assert.Equal(t, uint64(5), snap.InodesBacklog)
	assert.Equal(t, uint64(100), snap.RBytes)
	assert.Equal(t, uint64(200), snap.WBytes)
}
