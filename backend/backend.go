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

// Package backend implements the synchronous request/response channel to the
// MD server. Requests share the dealer socket with server broadcasts; frames
// carrying a request id are routed back to their waiter, everything else is
// handed to the message pump.
package backend

import (
	"context"
	"errors"
	"syscall"

	"github.com/cern-eos/eos-sub015/fusex"
)

// MetaBackend is the request surface the metadata cache and the cap store
// call into. All methods block the caller; per-record locks must not be held
// across a call. Failures are returned as syscall.Errno where the server
// answered, and as transport errors otherwise.
type MetaBackend interface {
	// GetMDByPath fetches metadata by absolute path; used only for the root
	// bootstrap ("/"). The reply is a listing.
	GetMDByPath(ctx context.Context, id fusex.Identity, path string) ([]*fusex.Container, error)

	// GetMDByIno fetches metadata by remote inode, conditionally on the
	// given clock: the server omits the body when nothing changed.
	GetMDByIno(ctx context.Context, id fusex.Identity, remote uint64, clk uint64, listing bool) ([]*fusex.Container, error)

	// GetMDByParentName fetches metadata of one child by remote parent inode
	// and name.
	GetMDByParentName(ctx context.Context, id fusex.Identity, remoteParent uint64, name string, listing bool) ([]*fusex.Container, error)

	// GetCap asks for a capability on the remote inode.
	GetCap(ctx context.Context, id fusex.Identity, remote uint64) ([]*fusex.Container, error)

	// PutMD pushes one MD mutation upstream and returns the server-assigned
	// remote inode.
	PutMD(ctx context.Context, md *fusex.MDMsg, authID string, op fusex.WireOp) (uint64, error)

	// DoLock performs a byte-range lock call (getlk/setlk/setlkw) on the
	// remote inode and returns the server's view of the lock.
	DoLock(ctx context.Context, id fusex.Identity, md *fusex.MDMsg, lk *fusex.LockMsg, op fusex.WireOp) (*fusex.LockMsg, error)
}

// AsErrno maps an error to the errno surfaced to the kernel: server errnos
// pass through, timeouts become ETIMEDOUT, everything else EIO.
func AsErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return syscall.ETIMEDOUT
	}
	return syscall.EIO
}
