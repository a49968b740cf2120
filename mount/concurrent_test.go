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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSingleInstanceBecomesPrimary(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "mnt")
	cm, err := New(prefix)
	require.NoError(t, err)
	defer cm.Unlock()

	fd, primary, err := cm.StartMount()
	require.NoError(t, err)
	assert.True(t, primary)
	assert.Equal(t, -1, fd)
}

func TestSecondInstanceReceivesFd(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "mnt")

	first, err := New(prefix)
	require.NoError(t, err)
	defer first.Unlock()

	_, primary, err := first.StartMount()
	require.NoError(t, err)
	require.True(t, primary)

	// Share one end of a pipe as the stand-in FUSE descriptor.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	require.NoError(t, first.MountDone(int(w.Fd())))

	second, err := New(prefix)
	require.NoError(t, err)
	defer second.Unlock()

	fd, primary, err := second.StartMount()
	require.NoError(t, err)
	assert.False(t, primary)
	require.GreaterOrEqual(t, fd, 0)

	// The received descriptor really is the pipe's write end.
	_, err = unix.Write(fd, []byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	unix.Close(fd)
}

func TestSecondInstanceWithoutSharedFd(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "mnt")

	first, err := New(prefix)
	require.NoError(t, err)
	defer first.Unlock()

	_, primary, err := first.StartMount()
	require.NoError(t, err)
	require.True(t, primary)
	require.NoError(t, first.MountDone(-1))

	second, err := New(prefix)
	require.NoError(t, err)
	defer second.Unlock()

	_, _, err = second.StartMount()
	assert.Error(t, err, "no descriptor to hand over")
}

func TestUnmountingTransitions(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "mnt")

	cm, err := New(prefix)
	require.NoError(t, err)
	defer cm.Unlock()

	_, primary, err := cm.StartMount()
	require.NoError(t, err)
	require.True(t, primary)
	require.NoError(t, cm.MountDone(-1))

	// Steady state: B held, A free.
	assert.False(t, cm.heldA)
	assert.True(t, cm.heldB)

	cm.Unmounting()
	// Unmount state: A held, B free; the pid is recorded in B.
	assert.True(t, cm.heldA)
	assert.False(t, cm.heldB)
	content, err := os.ReadFile(prefix + ".lock.b")
	require.NoError(t, err)
	assert.NotEmpty(t, content)
}

func TestPrepareStoreDirs(t *testing.T) {
	root := t.TempDir()
	kvRoot := filepath.Join(root, "kv")
	credRoot := filepath.Join(root, "cred")

	// A stale sibling from a dead instance.
	require.NoError(t, os.MkdirAll(filepath.Join(kvRoot, "dead-uuid"), 0o700))

	dirs, err := PrepareStoreDirs(kvRoot, credRoot, "live-uuid", 0o700)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(kvRoot, "live-uuid"), dirs.KvDir)
	assert.Equal(t, filepath.Join(credRoot, "live-uuid"), dirs.CredentialDir)

	_, err = os.Stat(filepath.Join(kvRoot, "dead-uuid"))
	assert.True(t, os.IsNotExist(err), "stale store not cleaned")

	info, err := os.Stat(dirs.CredentialDir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestPrepareStoreDirsDisabled(t *testing.T) {
	dirs, err := PrepareStoreDirs("", "", "u", 0o700)
	require.NoError(t, err)
	assert.Empty(t, dirs.KvDir)
	assert.Empty(t, dirs.CredentialDir)
}
