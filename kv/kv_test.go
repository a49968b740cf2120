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

package kv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "uuid-1"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetErase(t *testing.T) {
	s := openTestStore(t)

	key := Uint64Key(42, "m")
	_, ok, err := s.Get(key)
	require.NoError(t, err)
	assert.False(t, ok, "miss is not an error")

	require.NoError(t, s.Put(key, []byte("blob")))
	got, ok, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("blob"), got)

	require.NoError(t, s.Erase(key))
	_, ok, err = s.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaggedKeysDoNotCollide(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put(Uint64Key(7, "m"), []byte("md")))
	require.NoError(t, s.Put(Uint64Key(7, "v"), []byte("vmap")))

	got, ok, err := s.Get(Uint64Key(7, "v"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("vmap"), got)
}

func TestUint64Helpers(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, PutUint64(s, StringKey("nextinode"), 99))
	v, ok, err := GetUint64(s, StringKey("nextinode"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(99), v)

	_, ok, err = GetUint64(s, StringKey("absent"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNoopStore(t *testing.T) {
	var s NoopStore
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	_, ok, err := s.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanStores(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"uuid-old-1", "uuid-old-2", "uuid-current"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o700))
	}
	// A regular file must survive; only sibling directories are pruned.
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0o644))

	require.NoError(t, CleanStores(root, "uuid-current"))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"uuid-current", "README"}, names)
}

func TestCleanStoresMissingDir(t *testing.T) {
	assert.NoError(t, CleanStores(filepath.Join(t.TempDir(), "nope"), "u"))
}
