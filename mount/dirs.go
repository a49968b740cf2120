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

package mount

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cern-eos/eos-sub015/kv"
)

// StoreDirs are the per-instance durable directories, both tagged with the
// instance uuid.
type StoreDirs struct {
	// KvDir holds the KV store files; empty when persistence is disabled.
	KvDir string

	// CredentialDir holds ephemeral credentials, mode 0700.
	CredentialDir string
}

// PrepareStoreDirs creates the uuid-tagged instance directories and discards
// stale siblings left behind by previous processes.
func PrepareStoreDirs(kvRoot, credRoot, instanceUUID string, credMode os.FileMode) (StoreDirs, error) {
	var dirs StoreDirs

	if kvRoot != "" {
		if err := os.MkdirAll(kvRoot, 0o700); err != nil {
			return dirs, fmt.Errorf("creating kv cache root: %w", err)
		}
		if err := kv.CleanStores(kvRoot, instanceUUID); err != nil {
			return dirs, err
		}
		dirs.KvDir = filepath.Join(kvRoot, instanceUUID)
		if err := os.MkdirAll(dirs.KvDir, 0o700); err != nil {
			return dirs, fmt.Errorf("creating kv cache dir: %w", err)
		}
	}

	if credRoot != "" {
		if err := os.MkdirAll(credRoot, 0o700); err != nil {
			return dirs, fmt.Errorf("creating credential root: %w", err)
		}
		if err := kv.CleanStores(credRoot, instanceUUID); err != nil {
			return dirs, err
		}
		dirs.CredentialDir = filepath.Join(credRoot, instanceUUID)
		if err := os.MkdirAll(dirs.CredentialDir, credMode); err != nil {
			return dirs, fmt.Errorf("creating credential dir: %w", err)
		}
		if err := os.Chmod(dirs.CredentialDir, credMode); err != nil {
			return dirs, fmt.Errorf("restricting credential dir: %w", err)
		}
	}
	return dirs, nil
}
