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

package cfg

import (
	"os"
	"path/filepath"
)

// Rationalize updates config fields based on the values of other fields.
func Rationalize(c *Config) error {
	if c.ClientHost == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		c.ClientHost = host
	}

	// The per-mount KV directory is <root>/<mount-name>; the per-instance
	// uuid subdirectory is appended at startup once the uuid is minted.
	if c.MdCache.KvCacheDir != "" {
		c.MdCache.KvCacheDir = filepath.Join(c.MdCache.KvCacheDir, c.MountName)
	}
	if c.CredentialStoreDir != "" {
		c.CredentialStoreDir = filepath.Join(c.CredentialStoreDir, c.MountName)
	}

	// Negative-entry lifetimes longer than the lease make no sense; the cap
	// covering the parent is gone before the kernel would re-ask.
	if c.MdCache.EnoentTimeout > c.Caps.LeaseTime {
		c.MdCache.EnoentTimeout = c.Caps.LeaseTime
	}
	return nil
}
