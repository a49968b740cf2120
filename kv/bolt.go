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
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var mdBucket = []byte("md")

// BoltStore is the durable Store implementation, one bbolt file per mount
// instance under the per-uuid cache directory.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt creates the instance directory and opens (or creates) the store
// file inside it.
func OpenBolt(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating kv dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "mdcache.db"), 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening kv store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(mdBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating kv bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Put(key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(mdBucket).Put(key, value)
	})
}

func (s *BoltStore) Get(key []byte) (value []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(mdBucket).Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	return value, ok, err
}

func (s *BoltStore) Erase(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(mdBucket).Delete(key)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
