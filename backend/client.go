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
	"time"

	"github.com/cern-eos/eos-sub015/fusex"
	"github.com/cern-eos/eos-sub015/internal/logger"
)

// Client implements MetaBackend on a Transport.
type Client struct {
	transport  Transport
	timeout    time.Duration // read verbs
	putTimeout time.Duration // mutating verbs
}

func NewClient(t Transport, timeout, putTimeout time.Duration) *Client {
	return &Client{transport: t, timeout: timeout, putTimeout: putTimeout}
}

var _ MetaBackend = (*Client)(nil)

// call performs one RPC and unwraps the server errno.
func (c *Client) call(ctx context.Context, req *fusex.Container, timeout time.Duration) (*fusex.Container, error) {
	rsp, err := c.transport.Request(ctx, req, timeout)
	if err != nil {
		return nil, err
	}
	if rsp.Err != 0 {
		return nil, syscall.Errno(rsp.Err)
	}
	return rsp, nil
}

// getMD issues one GetMD shape and collects the response containers.
func (c *Client) getMD(ctx context.Context, req *fusex.GetMDReq) ([]*fusex.Container, error) {
	rsp, err := c.call(ctx, &fusex.Container{Type: fusex.ContainerGetMD, Get: req}, c.timeout)
	if err != nil {
		return nil, err
	}
	switch rsp.Type {
	case fusex.ContainerMD, fusex.ContainerMDMap, fusex.ContainerAck:
		return []*fusex.Container{rsp}, nil
	default:
		logger.Errorf("backend: wrong content type received: %v", rsp.Type)
		return nil, syscall.EIO
	}
}

func (c *Client) GetMDByPath(ctx context.Context, id fusex.Identity, path string) ([]*fusex.Container, error) {
	return c.getMD(ctx, &fusex.GetMDReq{
		Path: path, Listing: true,
		UID: id.UID, GID: id.GID, Login: id.Login,
	})
}

func (c *Client) GetMDByIno(ctx context.Context, id fusex.Identity, remote uint64, clk uint64, listing bool) ([]*fusex.Container, error) {
	return c.getMD(ctx, &fusex.GetMDReq{
		MdIno: remote, Clock: clk, Listing: listing,
		UID: id.UID, GID: id.GID, Login: id.Login,
	})
}

func (c *Client) GetMDByParentName(ctx context.Context, id fusex.Identity, remoteParent uint64, name string, listing bool) ([]*fusex.Container, error) {
	return c.getMD(ctx, &fusex.GetMDReq{
		MdPino: remoteParent, Name: name, Listing: listing,
		UID: id.UID, GID: id.GID, Login: id.Login,
	})
}

func (c *Client) GetCap(ctx context.Context, id fusex.Identity, remote uint64) ([]*fusex.Container, error) {
	rsp, err := c.call(ctx, &fusex.Container{
		Type: fusex.ContainerGetCap,
		Get: &fusex.GetMDReq{
			MdIno: remote,
			UID:   id.UID, GID: id.GID, Login: id.Login,
		},
	}, c.timeout)
	if err != nil {
		return nil, err
	}
	if rsp.Type != fusex.ContainerCap {
		logger.Errorf("backend: wrong content type received: %v", rsp.Type)
		return nil, syscall.EIO
	}
	return []*fusex.Container{rsp}, nil
}

func (c *Client) PutMD(ctx context.Context, md *fusex.MDMsg, authID string, op fusex.WireOp) (uint64, error) {
	rsp, err := c.call(ctx, &fusex.Container{
		Type: fusex.ContainerPutMD,
		Put:  &fusex.PutMDReq{MD: md, AuthID: authID, Op: op},
	}, c.putTimeout)
	if err != nil {
		return 0, err
	}
	// The ack carries the server-assigned remote inode for creates and the
	// unchanged one otherwise.
	return rsp.RefInode, nil
}

func (c *Client) DoLock(ctx context.Context, id fusex.Identity, md *fusex.MDMsg, lk *fusex.LockMsg, op fusex.WireOp) (*fusex.LockMsg, error) {
	rsp, err := c.call(ctx, &fusex.Container{
		Type: fusex.ContainerDoLock,
		Put:  &fusex.PutMDReq{MD: md, Op: op},
		Lock: lk,
	}, c.putTimeout)
	if err != nil {
		return nil, err
	}
	if rsp.Lock == nil {
		logger.Errorf("backend: lock response without lock payload")
		return nil, syscall.EIO
	}
	return rsp.Lock, nil
}
