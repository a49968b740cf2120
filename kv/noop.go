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

// NoopStore is the Store used when persistence is disabled: every Get
// misses, writes succeed and vanish.
type NoopStore struct{}

func (NoopStore) Put(key, value []byte) error               { return nil }
func (NoopStore) Get(key []byte) ([]byte, bool, error)      { return nil, false, nil }
func (NoopStore) Erase(key []byte) error                    { return nil }
func (NoopStore) Close() error                              { return nil }
