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

package fs

import (
	"context"
	"syscall"
)

// DataEngine is the external file-content collaborator. The metadata core
// drives it by local inode; everything about chunking, caching and recovery
// is its own business.
type DataEngine interface {
	Read(ctx context.Context, ino uint64, offset int64, dst []byte) (int, error)
	Write(ctx context.Context, ino uint64, offset int64, data []byte) (int, error)
	Sync(ctx context.Context, ino uint64) error
	Release(ino uint64)
}

// NullDataEngine rejects all I/O; used when the mount serves metadata only
// and in tests.
type NullDataEngine struct{}

func (NullDataEngine) Read(ctx context.Context, ino uint64, offset int64, dst []byte) (int, error) {
	return 0, syscall.ENOSYS
}

func (NullDataEngine) Write(ctx context.Context, ino uint64, offset int64, data []byte) (int, error) {
	return 0, syscall.ENOSYS
}

func (NullDataEngine) Sync(ctx context.Context, ino uint64) error { return nil }

func (NullDataEngine) Release(ino uint64) {}
