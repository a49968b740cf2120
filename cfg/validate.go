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
	"fmt"
	"strings"
)

// Validate rejects configurations the core cannot run with.
func Validate(c *Config) error {
	if c.MountName == "" {
		return fmt.Errorf("mount-name must not be empty")
	}
	if strings.ContainsAny(c.MountName, "/ ") {
		return fmt.Errorf("mount-name %q must not contain '/' or spaces", c.MountName)
	}
	if c.MdBackend.Target == "" {
		return fmt.Errorf("md-backend.target must be set")
	}
	if c.MdBackend.Timeout <= 0 || c.MdBackend.PutTimeout <= 0 {
		return fmt.Errorf("md-backend timeouts must be positive")
	}
	if c.Caps.LeaseTime <= 0 {
		return fmt.Errorf("caps.lease-time must be positive")
	}
	if c.Caps.HeartbeatInterval <= 0 {
		return fmt.Errorf("caps.heartbeat-interval must be positive")
	}
	if c.MdCache.FlushQueueBacklog < 1 {
		return fmt.Errorf("md-cache.flush-queue-backlog must be at least 1")
	}
	if lr := &c.Logging.LogRotate; lr.MaxFileSizeMb < 1 {
		return fmt.Errorf("logging.log-rotate.max-file-size-mb: %d MiB is below the 1 MiB minimum", lr.MaxFileSizeMb)
	} else if lr.BackupFileCount < 0 {
		return fmt.Errorf("logging.log-rotate.backup-file-count: %d is negative (0 keeps every rotated file)", lr.BackupFileCount)
	}
	return nil
}
