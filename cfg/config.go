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

// Package cfg holds the mount configuration. The configuration is read once
// at startup from an optional JSON/YAML file merged with command-line flags,
// and is immutable afterwards.
package cfg

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type LoggingConfig struct {
	Severity LogSeverity `mapstructure:"severity"`
	Format   string      `mapstructure:"format"`
	FilePath string      `mapstructure:"file-path"`

	LogRotate LogRotateLoggingConfig `mapstructure:"log-rotate"`
}

type LogRotateLoggingConfig struct {
	MaxFileSizeMb   int  `mapstructure:"max-file-size-mb"`
	BackupFileCount int  `mapstructure:"backup-file-count"`
	Compress        bool `mapstructure:"compress"`
}

// MdBackendConfig configures the synchronous RPC channel to the MD server.
type MdBackendConfig struct {
	// Target is the ZMQ endpoint of the MD server, e.g. "tcp://mgm:1100".
	Target string `mapstructure:"target"`

	// Identity is the ZMQ socket identity; derived from the client uuid when
	// empty.
	Identity string `mapstructure:"identity"`

	Timeout    time.Duration `mapstructure:"timeout"`
	PutTimeout time.Duration `mapstructure:"put-timeout"`
}

// MdCacheConfig configures the metadata cache and its durable spill.
type MdCacheConfig struct {
	// KvCacheDir is the root under which a per-mount, per-uuid KV store
	// directory is created. Empty disables persistence.
	KvCacheDir string `mapstructure:"kv-cache-dir"`

	// KernelCache enables kernel invalidation calls for cached metadata.
	KernelCache bool `mapstructure:"md-kernelcache"`

	// EnoentTimeout is the kernel-side lifetime of negative lookups. Zero
	// keeps negative entries client-side only.
	EnoentTimeout time.Duration `mapstructure:"md-kernelcache-enoent-timeout"`

	// FlushQueueBacklog is the high-water mark of the write-behind queue.
	FlushQueueBacklog int `mapstructure:"flush-queue-backlog"`
}

type CapConfig struct {
	// LeaseTime is the validity extension applied by cap implication.
	LeaseTime time.Duration `mapstructure:"lease-time"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
}

type BehaviorConfig struct {
	Submounts     bool `mapstructure:"submounts"`
	FlushWaitOpen bool `mapstructure:"flush-wait-open"`
	// FlushWaitOpenSize bounds the file size below which creators skip the
	// flush wait on open.
	FlushWaitOpenSize int64 `mapstructure:"flush-wait-open-size"`
	RenameIsSync      bool  `mapstructure:"rename-is-sync"`
	RmdirIsSync       bool  `mapstructure:"rmdir-is-sync"`
}

type Config struct {
	// MountName distinguishes multiple mounts on one host; part of the cap
	// identity and of the on-disk store paths.
	MountName string `mapstructure:"mount-name"`

	// ClientHost is the hostname reported in cap identities and heartbeats.
	ClientHost string `mapstructure:"client-host"`

	// CredentialStoreDir holds ephemeral credentials, chmod 0700.
	CredentialStoreDir string `mapstructure:"credential-store-dir"`

	CredentialStoreMode Octal `mapstructure:"credential-store-mode"`

	Foreground bool `mapstructure:"foreground"`

	Logging   LoggingConfig   `mapstructure:"logging"`
	MdBackend MdBackendConfig `mapstructure:"md-backend"`
	MdCache   MdCacheConfig   `mapstructure:"md-cache"`
	Caps      CapConfig       `mapstructure:"caps"`
	Behavior  BehaviorConfig  `mapstructure:"behavior"`
}

// Load builds a Config from the given flag set merged over an optional
// config file. Flag values take precedence over file values, which take
// precedence over defaults.
func Load(flags *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	ApplyDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := Validate(&c); err != nil {
		return nil, err
	}
	if err := Rationalize(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
