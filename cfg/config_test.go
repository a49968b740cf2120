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
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalFlags(t *testing.T) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("md-backend.target", "", "")
	require.NoError(t, fs.Set("md-backend.target", "tcp://mgm.cern.ch:1100"))
	return fs
}

func TestDefaults(t *testing.T) {
	c, err := Load(minimalFlags(t), "")
	require.NoError(t, err)

	assert.Equal(t, "default", c.MountName)
	assert.Equal(t, 300*time.Second, c.Caps.LeaseTime)
	assert.Equal(t, 10*time.Second, c.Caps.HeartbeatInterval)
	assert.Equal(t, 86400*time.Second, c.MdBackend.Timeout)
	assert.Equal(t, 120*time.Second, c.MdBackend.PutTimeout)
	assert.True(t, c.MdCache.KernelCache)
	assert.Equal(t, 1000, c.MdCache.FlushQueueBacklog)
	assert.True(t, c.Behavior.RenameIsSync)
	assert.False(t, c.Behavior.RmdirIsSync)
	assert.Equal(t, InfoLogSeverity, c.Logging.Severity)
	// mount-name folded into the store paths
	assert.Equal(t, filepath.Join(DefaultKvCacheDir, "default"), c.MdCache.KvCacheDir)
}

func TestConfigFileMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fusex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mount-name: atlas
logging:
  severity: debug
caps:
  lease-time: 120s
md-cache:
  md-kernelcache: false
`), 0o644))

	c, err := Load(minimalFlags(t), path)
	require.NoError(t, err)

	assert.Equal(t, "atlas", c.MountName)
	assert.Equal(t, DebugLogSeverity, c.Logging.Severity)
	assert.Equal(t, 120*time.Second, c.Caps.LeaseTime)
	assert.False(t, c.MdCache.KernelCache)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty target", func(c *Config) { c.MdBackend.Target = "" }},
		{"empty mount name", func(c *Config) { c.MountName = "" }},
		{"slash in mount name", func(c *Config) { c.MountName = "a/b" }},
		{"zero lease", func(c *Config) { c.Caps.LeaseTime = 0 }},
		{"zero heartbeat", func(c *Config) { c.Caps.HeartbeatInterval = 0 }},
		{"zero backlog", func(c *Config) { c.MdCache.FlushQueueBacklog = 0 }},
		{"bad log rotate", func(c *Config) { c.Logging.LogRotate.MaxFileSizeMb = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Load(minimalFlags(t), "")
			require.NoError(t, err)
			tc.mutate(c)
			assert.Error(t, Validate(c))
		})
	}
}

func TestRationalizeCapsEnoentTimeout(t *testing.T) {
	c, err := Load(minimalFlags(t), "")
	require.NoError(t, err)

	c.MdCache.EnoentTimeout = time.Hour
	c.Caps.LeaseTime = time.Minute
	require.NoError(t, Rationalize(c))
	assert.Equal(t, time.Minute, c.MdCache.EnoentTimeout)
}

func TestLogSeverityUnmarshal(t *testing.T) {
	var s LogSeverity
	require.NoError(t, s.UnmarshalText([]byte("warning")))
	assert.Equal(t, WarningLogSeverity, s)
	assert.Error(t, s.UnmarshalText([]byte("blaring")))
}

func TestOctalRoundTrip(t *testing.T) {
	var o Octal
	require.NoError(t, o.UnmarshalText([]byte("700")))
	assert.Equal(t, Octal(0o700), o)
	text, err := o.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "700", string(text))
}
