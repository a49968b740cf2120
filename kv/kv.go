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

// Package kv provides the durable key/value spill behind the metadata cache
// and the virtual-inode map. Keys are strings or 64-bit integers with an
// optional tag; values are opaque blobs.
package kv

import (
	"encoding/binary"
	"fmt"
)

// Store is the spill interface. Implementations are safe for concurrent use.
//
// A failed Put is fatal to the caller and propagates; a Get miss is not an
// error and reports ok == false.
type Store interface {
	Put(key []byte, value []byte) error
	Get(key []byte) (value []byte, ok bool, err error)
	Erase(key []byte) error
	Close() error
}

// StringKey builds a key from a plain string.
func StringKey(s string) []byte {
	return []byte(s)
}

// Uint64Key builds a key from a 64-bit integer with an optional tag,
// distinguishing e.g. md blobs from vmap entries for the same inode.
func Uint64Key(v uint64, tag string) []byte {
	k := make([]byte, 8, 8+len(tag))
	binary.BigEndian.PutUint64(k, v)
	return append(k, tag...)
}

// PutUint64 stores a 64-bit value under the given key.
func PutUint64(s Store, key []byte, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return s.Put(key, b[:])
}

// GetUint64 reads a 64-bit value; ok is false on miss.
func GetUint64(s Store, key []byte) (v uint64, ok bool, err error) {
	blob, ok, err := s.Get(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(blob) != 8 {
		return 0, false, fmt.Errorf("kv: value under %q is %d bytes, want 8", key, len(blob))
	}
	return binary.BigEndian.Uint64(blob), true, nil
}
