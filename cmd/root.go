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

// Package cmd is the CLI front-end: flag surface, config assembly and the
// mount bootstrap.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cern-eos/eos-sub015/cfg"
)

// Version is stamped by the build.
var Version = "0.0.0-dev"

func NewRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "eosxd [flags] mountpoint",
		Short: "FUSE client for the EOS distributed storage metadata service",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			conf, err := cfg.Load(c.Flags(), configFile)
			if err != nil {
				return fmt.Errorf("configuration: %w", err)
			}
			return runMount(conf, args[0])
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config-file", "", "Path to the JSON/YAML configuration file.")

	flags.String("mount-name", "default", "Name distinguishing multiple mounts on one host.")
	flags.String("client-host", "", "Hostname reported to the MD server; defaults to the system hostname.")
	flags.Bool("foreground", false, "Stay in the foreground instead of daemonizing.")

	flags.String("md-backend.target", "", "ZMQ endpoint of the MD server, e.g. tcp://mgm:1100.")
	flags.String("md-backend.identity", "", "ZMQ socket identity; derived from the instance uuid when empty.")
	flags.Duration("md-backend.timeout", cfg.DefaultBackendTimeout, "Timeout for read RPCs.")
	flags.Duration("md-backend.put-timeout", cfg.DefaultPutTimeout, "Timeout for mutating RPCs.")

	flags.String("md-cache.kv-cache-dir", cfg.DefaultKvCacheDir, "Root directory of the durable MD cache; empty disables persistence.")
	flags.Bool("md-cache.md-kernelcache", true, "Allow the kernel to cache metadata, with invalidation callbacks.")
	flags.Duration("md-cache.md-kernelcache-enoent-timeout", 0, "Lifetime of negative lookups; zero keeps them client-side only.")
	flags.Int("md-cache.flush-queue-backlog", cfg.DefaultFlushQueueBacklog, "High-water mark of the write-behind queue.")

	flags.Duration("caps.lease-time", cfg.DefaultLeaseTime, "Validity extension applied to implied capabilities.")
	flags.Duration("caps.heartbeat-interval", cfg.DefaultHeartbeatInterval, "Heartbeat cadence towards the MD server.")

	flags.Bool("behavior.submounts", false, "Expose submounts to the kernel.")
	flags.Bool("behavior.flush-wait-open", true, "Wait for pending flushes before opening foreign files.")
	flags.Int64("behavior.flush-wait-open-size", 262144, "Size below which creators skip the flush wait on open.")
	flags.Bool("behavior.rename-is-sync", true, "Renames return only after the server applied them.")
	flags.Bool("behavior.rmdir-is-sync", false, "Directory removals return only after the server applied them.")

	flags.String("logging.severity", "INFO", "Log severity: TRACE, DEBUG, INFO, WARNING, ERROR or OFF.")
	flags.String("logging.format", "text", "Log format: text or json.")
	flags.String("logging.file-path", "", "Log file; stderr when empty.")

	flags.String("credential-store-dir", cfg.DefaultCredentialDir, "Directory for ephemeral credentials.")

	return cmd
}
