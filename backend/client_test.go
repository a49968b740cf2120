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

package backend

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cern-eos/eos-sub015/fusex"
)

// scriptedTransport answers each request from a handler function.
type scriptedTransport struct {
	handle func(c *fusex.Container) (*fusex.Container, error)
	last   *fusex.Container
}

func (t *scriptedTransport) Request(ctx context.Context, c *fusex.Container, timeout time.Duration) (*fusex.Container, error) {
	t.last = c
	return t.handle(c)
}

func (t *scriptedTransport) Send(c *fusex.Container) error { return nil }

func (t *scriptedTransport) Broadcasts() <-chan *fusex.Container { return nil }

var id = fusex.Identity{UID: 1000, GID: 1000, Login: "alice"}

func newTestClient(handle func(c *fusex.Container) (*fusex.Container, error)) (*Client, *scriptedTransport) {
	tr := &scriptedTransport{handle: handle}
	return NewClient(tr, time.Minute, time.Minute), tr
}

func TestGetMDRequestShapes(t *testing.T) {
	c, tr := newTestClient(func(req *fusex.Container) (*fusex.Container, error) {
		return &fusex.Container{Type: fusex.ContainerMD, ReqID: req.ReqID,
			MD: &fusex.MDMsg{MdIno: 7}}, nil
	})

	_, err := c.GetMDByPath(context.Background(), id, "/")
	require.NoError(t, err)
	assert.Equal(t, "/", tr.last.Get.Path)
	assert.True(t, tr.last.Get.Listing)
	assert.Equal(t, uint32(1000), tr.last.Get.UID)

	_, err = c.GetMDByIno(context.Background(), id, 0x42, 99, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), tr.last.Get.MdIno)
	assert.Equal(t, uint64(99), tr.last.Get.Clock)

	_, err = c.GetMDByParentName(context.Background(), id, 0x42, "kid", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), tr.last.Get.MdPino)
	assert.Equal(t, "kid", tr.last.Get.Name)
}

func TestServerErrnoPassesThrough(t *testing.T) {
	c, _ := newTestClient(func(req *fusex.Container) (*fusex.Container, error) {
		return &fusex.Container{ReqID: req.ReqID, Err: int32(syscall.ENOENT)}, nil
	})
	_, err := c.GetMDByIno(context.Background(), id, 0x42, 0, false)
	assert.Equal(t, syscall.ENOENT, err)
}

func TestUnexpectedContainerTypeIsEIO(t *testing.T) {
	c, _ := newTestClient(func(req *fusex.Container) (*fusex.Container, error) {
		return &fusex.Container{Type: fusex.ContainerLease, ReqID: req.ReqID}, nil
	})
	_, err := c.GetMDByIno(context.Background(), id, 0x42, 0, false)
	assert.Equal(t, syscall.EIO, err)

	_, err = c.GetCap(context.Background(), id, 0x42)
	assert.Equal(t, syscall.EIO, err)
}

func TestPutMDReturnsAssignedRemote(t *testing.T) {
	c, tr := newTestClient(func(req *fusex.Container) (*fusex.Container, error) {
		return &fusex.Container{Type: fusex.ContainerAck, ReqID: req.ReqID, RefInode: 0x77}, nil
	})
	remote, err := c.PutMD(context.Background(), &fusex.MDMsg{Name: "f"}, "auth-1", fusex.WireOpSet)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x77), remote)
	assert.Equal(t, fusex.WireOpSet, tr.last.Put.Op)
	assert.Equal(t, "auth-1", tr.last.Put.AuthID)
}

func TestTransportTimeoutMapsToETIMEDOUT(t *testing.T) {
	c, _ := newTestClient(func(req *fusex.Container) (*fusex.Container, error) {
		return nil, syscall.ETIMEDOUT
	})
	_, err := c.GetMDByIno(context.Background(), id, 0x42, 0, false)
	assert.Equal(t, syscall.ETIMEDOUT, AsErrno(err))
}

func TestAsErrno(t *testing.T) {
	assert.Equal(t, syscall.Errno(0), AsErrno(nil))
	assert.Equal(t, syscall.EPERM, AsErrno(syscall.EPERM))
	assert.Equal(t, syscall.ETIMEDOUT, AsErrno(context.DeadlineExceeded))
	assert.Equal(t, syscall.EIO, AsErrno(assert.AnError))
}
