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
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultLeaseTime         = 300 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultBackendTimeout    = 86400 * time.Second
	DefaultPutTimeout        = 120 * time.Second
	DefaultFlushQueueBacklog = 1000
	DefaultKvCacheDir        = "/var/cache/eos/fusex/md-cache"
	DefaultCredentialDir     = "/var/run/eos/fusex/credential-store"
)

// ApplyDefaults seeds v with the default value of every knob, so that a bare
// mount with no config file behaves per policy.
func ApplyDefaults(v *viper.Viper) {
	v.SetDefault("mount-name", "default")
	v.SetDefault("client-host", "")
	v.SetDefault("credential-store-dir", DefaultCredentialDir)
	v.SetDefault("credential-store-mode", "700")
	v.SetDefault("foreground", false)

	v.SetDefault("logging.severity", string(InfoLogSeverity))
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file-path", "")
	v.SetDefault("logging.log-rotate.max-file-size-mb", 512)
	v.SetDefault("logging.log-rotate.backup-file-count", 10)
	v.SetDefault("logging.log-rotate.compress", true)

	v.SetDefault("md-backend.target", "")
	v.SetDefault("md-backend.identity", "")
	v.SetDefault("md-backend.timeout", DefaultBackendTimeout)
	v.SetDefault("md-backend.put-timeout", DefaultPutTimeout)

	v.SetDefault("md-cache.kv-cache-dir", DefaultKvCacheDir)
	v.SetDefault("md-cache.md-kernelcache", true)
	v.SetDefault("md-cache.md-kernelcache-enoent-timeout", time.Duration(0))
	v.SetDefault("md-cache.flush-queue-backlog", DefaultFlushQueueBacklog)

	v.SetDefault("caps.lease-time", DefaultLeaseTime)
	v.SetDefault("caps.heartbeat-interval", DefaultHeartbeatInterval)

	v.SetDefault("behavior.submounts", false)
	v.SetDefault("behavior.flush-wait-open", true)
	v.SetDefault("behavior.flush-wait-open-size", int64(262144))
	v.SetDefault("behavior.rename-is-sync", true)
	v.SetDefault("behavior.rmdir-is-sync", false)
}
