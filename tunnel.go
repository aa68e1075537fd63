// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httppool

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httppool/endpoint"
	"github.com/bufbuild/httppool/internal/deadline"
)

// Duplex carries messages in both directions over a connection taken out
// of HTTP service.
type Duplex[M any] interface {
	Send(ctx context.Context, msg M) error
	Recv(ctx context.Context) (M, error)
	Close() error
}

// Tunnel is a bidirectional message channel over a connection that has
// left HTTP, such as one that switched protocols. All operations on a
// tunnel and on its halves from Split take the same lock, so a receive
// that is waiting for data holds up sends until it returns.
//
// Closing a tunnel closes the connection, which is never given back to
// the pool.
type Tunnel[M any] struct {
	mu sync.Mutex
	// +checklocks:mu
	duplex Duplex[M]

	closer   io.Closer
	lease    *lease
	endpoint endpoint.Endpoint
	// +checkatomic
	leaked atomic.Bool
	// +checkatomic
	closed atomic.Bool
}

func newTunnel[M any](duplex Duplex[M], held held) *Tunnel[M] {
	held.lease.DestroyOnDrop()
	return &Tunnel[M]{
		duplex:   duplex,
		closer:   duplex,
		lease:    held.lease,
		endpoint: held.endpoint,
	}
}

// Endpoint returns the server the tunnel is connected to.
func (t *Tunnel[M]) Endpoint() endpoint.Endpoint {
	return t.endpoint
}

// Send sends one message. It returns when ctx is done.
func (t *Tunnel[M]) Send(ctx context.Context, msg M) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duplex.Send(ctx, msg)
}

// Recv waits for the next message. It returns when ctx is done.
func (t *Tunnel[M]) Recv(ctx context.Context) (M, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duplex.Recv(ctx)
}

// Split returns a sending and a receiving half that can be handed to
// different goroutines. They share the tunnel's lock.
func (t *Tunnel[M]) Split() (*TunnelSender[M], *TunnelReceiver[M]) {
	return &TunnelSender[M]{tunnel: t}, &TunnelReceiver[M]{tunnel: t}
}

// Leak removes the connection from the pool's accounting for good. The
// pool no longer counts it against the endpoint's limits.
func (t *Tunnel[M]) Leak() {
	if t.leaked.CompareAndSwap(false, true) {
		t.lease.Leak()
	}
}

// Close closes the connection. It does not wait for the lock, so it
// interrupts a blocked Send or Recv.
func (t *Tunnel[M]) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.closer.Close()
	if !t.leaked.Load() {
		t.lease.Release()
	}
	return err
}

// TunnelSender is the sending half of a tunnel.
type TunnelSender[M any] struct {
	tunnel *Tunnel[M]
}

// Send sends one message.
func (s *TunnelSender[M]) Send(ctx context.Context, msg M) error {
	return s.tunnel.Send(ctx, msg)
}

// TunnelReceiver is the receiving half of a tunnel.
type TunnelReceiver[M any] struct {
	tunnel *Tunnel[M]
}

// Recv waits for the next message.
func (r *TunnelReceiver[M]) Recv(ctx context.Context) (M, error) {
	return r.tunnel.Recv(ctx)
}

// streamDuplex carries raw bytes over an upgraded HTTP/1.1 connection.
// Bytes the server sent right after its 101 response were read into the
// buffered reader and are delivered first.
type streamDuplex struct {
	conn net.Conn
	r    *bufio.Reader
}

func (d *streamDuplex) Send(ctx context.Context, msg []byte) error {
	stop := deadline.BindConn(ctx, d.conn)
	_, err := d.conn.Write(msg)
	return d.result(ctx, stop(), err)
}

func (d *streamDuplex) Recv(ctx context.Context) ([]byte, error) {
	stop := deadline.BindConn(ctx, d.conn)
	buf := make([]byte, chunkSize)
	n, err := d.r.Read(buf)
	if err = d.result(ctx, stop(), err); n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

func (d *streamDuplex) Close() error {
	return d.conn.Close()
}

// result reports ctx's error instead of the deadline error caused by it,
// and makes the connection usable again.
func (d *streamDuplex) result(ctx context.Context, fired bool, err error) error {
	if fired {
		_ = d.conn.SetDeadline(time.Time{})
		return context.Cause(ctx)
	}
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return err
	default:
		return &IOError{Err: err}
	}
}

func (c *Client) upgrade(ctx context.Context, req *Request) (*Tunnel[[]byte], *Response, error) {
	if req.err != nil {
		return nil, nil, req.err
	}
	if !headerContains(req.Header, "Connection", "upgrade") {
		req.Header.Add("Connection", "Upgrade")
	}
	timer, target, held, err := c.open(ctx, req, endpoint.HTTP11)
	if err != nil {
		return nil, nil, err
	}
	conn, ok := held.lease.Value().(*h1Conn)
	if !ok {
		held.lease.Release()
		timer.Stop()
		return nil, nil, &UnexpectedStateError{State: ConnectionClosed}
	}
	httpReq, err := c.newHTTPRequest(timer.Context(), req, target)
	if err != nil {
		held.lease.Release()
		timer.Stop()
		return nil, nil, err
	}
	c.armRequest(timer, req)
	stop := deadline.BindConn(timer.Context(), conn.conn)
	httpResp, err := conn.roundTrip(httpReq)
	fired := stop()
	if err != nil || fired {
		if err == nil {
			err = context.Cause(timer.Context())
		}
		c.metrics.requests.WithLabelValues(endpoint.HTTP11.String(), resultLabel(err)).Inc()
		return nil, nil, c.fail(timer, held, err)
	}
	c.metrics.requests.WithLabelValues(endpoint.HTTP11.String(), "ok").Inc()
	if httpResp.StatusCode != http.StatusSwitchingProtocols {
		return nil, c.newResponse(timer, req, held, httpResp), ErrUpgradeRefused
	}
	timer.Stop()
	resp := responseHead(req, held, httpResp)
	resp.Body = emptyBody(endpoint.HTTP11)
	duplex := &streamDuplex{conn: conn.conn, r: conn.br}
	return newTunnel[[]byte](duplex, held), resp, nil
}

func headerContains(header http.Header, key, token string) bool {
	for _, value := range header.Values(key) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
