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
	"github.com/cern-eos/eos-sub015/internal/logger"
	"github.com/cern-eos/eos-sub015/md"
)

// LoggingKernelNotify is the default kernel-invalidation shim. The low-level
// notify calls live with the mount owner (they need the FUSE session); this
// implementation records the intent and lets a real shim be swapped in by
// the embedder. Calls are best-effort by contract.
type LoggingKernelNotify struct{}

var _ md.KernelNotify = LoggingKernelNotify{}

func (LoggingKernelNotify) InvalInode(ino uint64, isFile bool) {
	logger.Debugf("notify: inval inode ino=%#x file=%v", ino, isFile)
}

func (LoggingKernelNotify) InvalEntry(parent uint64, name string) {
	logger.Debugf("notify: inval entry pino=%#x name=%s", parent, name)
}
