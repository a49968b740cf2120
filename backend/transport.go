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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	zmq "github.com/pebbe/zmq4"

	"github.com/cern-eos/eos-sub015/fusex"
	"github.com/cern-eos/eos-sub015/internal/logger"
)

// pollTick bounds how long the socket goroutine sleeps between looking at
// inbound frames and the outbound queue.
const pollTick = 200 * time.Millisecond

// Transport is the frame-level channel shared by the RPC client and the
// message pump.
type Transport interface {
	// Request sends a frame carrying a fresh request id and blocks for the
	// matching response, the timeout, or ctx cancellation.
	Request(ctx context.Context, c *fusex.Container, timeout time.Duration) (*fusex.Container, error)

	// Send enqueues a fire-and-forget frame (heartbeats).
	Send(c *fusex.Container) error

	// Broadcasts yields frames that carry no request id.
	Broadcasts() <-chan *fusex.Container
}

// Dealer owns the ZMQ dealer socket. The socket type is single-threaded, so
// one goroutine (Run) performs every socket operation; callers talk to it
// through channels.
type Dealer struct {
	endpoint string
	identity string

	send       chan []byte
	broadcasts chan *fusex.Container

	nextReqID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *fusex.Container // GUARDED_BY(mu)

	// OnReconnect, if set, runs after the socket reconnects; the pump uses
	// it to push an immediate heartbeat so the server can decide between
	// resuming the session and evicting us.
	OnReconnect func()
}

func NewDealer(endpoint, identity string) *Dealer {
	return &Dealer{
		endpoint:   endpoint,
		identity:   identity,
		send:       make(chan []byte, 256),
		broadcasts: make(chan *fusex.Container, 1024),
		pending:    map[uint64]chan *fusex.Container{},
	}
}

func (d *Dealer) Broadcasts() <-chan *fusex.Container { return d.broadcasts }

func (d *Dealer) Send(c *fusex.Container) error {
	frame, err := fusex.Encode(c)
	if err != nil {
		return err
	}
	select {
	case d.send <- frame:
		return nil
	default:
		// A full outbound queue means the broker is gone; the reconnect
		// logic owns recovery, dropping a heartbeat is harmless.
		logger.Warnf("backend: outbound queue full, dropping %v frame", c.Type)
		return nil
	}
}

func (d *Dealer) Request(ctx context.Context, c *fusex.Container, timeout time.Duration) (*fusex.Container, error) {
	reqID := d.nextReqID.Add(1)
	c.ReqID = reqID

	frame, err := fusex.Encode(c)
	if err != nil {
		return nil, err
	}

	wait := make(chan *fusex.Container, 1)
	d.mu.Lock()
	d.pending[reqID] = wait
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, reqID)
		d.mu.Unlock()
	}()

	select {
	case d.send <- frame:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rsp := <-wait:
		return rsp, nil
	case <-timer.C:
		return nil, syscall.ETIMEDOUT
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run owns the socket until ctx is cancelled. Transport failures trigger an
// exponential reconnect; requests in flight across a failure run into their
// own timeouts.
func (d *Dealer) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; the server evicts us if it gave up

	first := true
	for ctx.Err() == nil {
		sock, err := d.connect()
		if err != nil {
			wait := bo.NextBackOff()
			logger.Errorf("backend: connect to %s failed: %v (retry in %v)", d.endpoint, err, wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
			continue
		}
		bo.Reset()
		if !first && d.OnReconnect != nil {
			d.OnReconnect()
		}
		first = false

		err = d.serve(ctx, sock)
		sock.Close()
		if err != nil && ctx.Err() == nil {
			logger.Errorf("backend: socket failure: %v, reconnecting", err)
		}
	}
}

func (d *Dealer) connect() (*zmq.Socket, error) {
	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return nil, err
	}
	if err := sock.SetIdentity(d.identity); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Connect(d.endpoint); err != nil {
		sock.Close()
		return nil, err
	}
	logger.Infof("backend: connected to %s as %q", d.endpoint, d.identity)
	return sock, nil
}

// serve runs the poll loop on one live socket. Returns on ctx cancellation
// (nil) or on a socket error.
func (d *Dealer) serve(ctx context.Context, sock *zmq.Socket) error {
	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Outbound first so a blocked broker cannot starve sends entirely.
		for {
			select {
			case frame := <-d.send:
				if _, err := sock.SendBytes(frame, zmq.DONTWAIT); err != nil {
					return err
				}
				continue
			default:
			}
			break
		}

		polled, err := poller.Poll(pollTick)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EINTR) {
				continue
			}
			return err
		}
		if len(polled) == 0 {
			continue
		}

		frame, err := sock.RecvBytes(0)
		if err != nil {
			return err
		}
		d.dispatch(frame)
	}
}

func (d *Dealer) dispatch(frame []byte) {
	c, err := fusex.Decode(frame)
	if err != nil {
		logger.Errorf("backend: unable to parse message: %v", err)
		return
	}

	if c.ReqID != 0 {
		d.mu.Lock()
		wait := d.pending[c.ReqID]
		d.mu.Unlock()
		if wait != nil {
			wait <- c
		} else {
			logger.Debugf("backend: late response req-id=%d type=%v dropped", c.ReqID, c.Type)
		}
		return
	}

	select {
	case d.broadcasts <- c:
	default:
		logger.Errorf("backend: broadcast queue full, dropping %v frame", c.Type)
	}
}
