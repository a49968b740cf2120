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

	"github.com/cern-eos/eos-sub015/internal/logger"
)

// CleanStores removes sibling instance directories under dir whose name
// differs from the current uuid. Local inode numbers are minted per mount
// instance; a store left behind by a previous process would bind stale
// assignments to fresh inodes.
func CleanStores(dir, currentUUID string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scanning kv cache dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == currentUUID {
			continue
		}
		stale := filepath.Join(dir, e.Name())
		logger.Infof("kv: removing stale store %s", stale)
		if err := os.RemoveAll(stale); err != nil {
			return fmt.Errorf("removing stale store %s: %w", stale, err)
		}
	}
	return nil
}
