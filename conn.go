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
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httppool/endpoint"
	"github.com/bufbuild/httppool/internal/pool"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
)

// connection is an established connection. It is one of *h1Conn, *h2Conn
// or *h3Conn, and callers switch on the concrete type to dispatch.
type connection interface {
	io.Closer
	// Version is the protocol spoken on the connection.
	Version() endpoint.Version
	// ID uniquely identifies the connection in logs.
	ID() string
}

// multiplexed is implemented by connections that carry many concurrent
// requests.
type multiplexed interface {
	connection
	pool.Usable
	roundTrip(req *http.Request) (*http.Response, error)
}

var (
	_ connection  = (*h1Conn)(nil)
	_ multiplexed = (*h2Conn)(nil)
	_ multiplexed = (*h3Conn)(nil)
)

// h1Conn is a TCP, TLS or unix socket connection speaking HTTP/1.1. It
// carries one request at a time.
type h1Conn struct {
	id   string
	conn net.Conn
	// head caps what br may pull from conn while a response head is read.
	head           *headLimiter
	maxHeaderBytes int64
	br             *bufio.Reader
	bw             *bufio.Writer
}

// newH1Conn wraps conn. Response heads larger than maxHeaderBytes are
// rejected; zero or less means no limit.
func newH1Conn(conn net.Conn, maxHeaderBytes int64) *h1Conn {
	head := &headLimiter{r: conn, remaining: -1}
	return &h1Conn{
		id:             uuid.NewString(),
		conn:           conn,
		head:           head,
		maxHeaderBytes: maxHeaderBytes,
		br:             bufio.NewReader(head),
		bw:             bufio.NewWriter(conn),
	}
}

var errResponseHeadersTooLarge = errors.New("response headers too large")

// headLimiter passes reads through to r, failing once remaining bytes have
// been read. A negative remaining means no limit.
type headLimiter struct {
	r         io.Reader
	remaining int64
}

func (l *headLimiter) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return l.r.Read(p)
	}
	if l.remaining == 0 {
		return 0, errResponseHeadersTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// readHead reads one response head, charging the bytes pulled off the
// connection against the header limit.
func (c *h1Conn) readHead(req *http.Request) (*http.Response, error) {
	if c.maxHeaderBytes > 0 {
		c.head.remaining = c.maxHeaderBytes
		defer func() { c.head.remaining = -1 }()
	}
	return http.ReadResponse(c.br, req)
}

func (c *h1Conn) Version() endpoint.Version { return endpoint.HTTP11 }

func (c *h1Conn) ID() string { return c.id }

func (c *h1Conn) Close() error { return c.conn.Close() }

// idle reports whether the connection is fit to go back to the pool: no
// bytes may be waiting that no request asked for.
func (c *h1Conn) idle() error {
	if c.br.Buffered() > 0 {
		return &UnexpectedStateError{State: RemainingData}
	}
	return nil
}

// roundTrip writes req and reads the response head, skipping interim 1xx
// responses other than 101.
func (c *h1Conn) roundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Write(c.bw); err != nil {
		return nil, err
	}
	if err := c.bw.Flush(); err != nil {
		return nil, err
	}
	for {
		resp, err := c.readHead(req)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &UnexpectedStateError{State: ConnectionClosed}
		} else if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		return resp, nil
	}
}

// finishBody decides whether the connection can carry another request
// after body is done with. A body abandoned before its end is only
// tolerated when what is left is already known to be nothing.
func (c *h1Conn) finishBody(body io.ReadCloser, eof bool) error {
	if !eof {
		// never block here: whatever is not yet buffered counts as remaining
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
		n, err := body.Read(make([]byte, 1))
		if n > 0 || !errors.Is(err, io.EOF) {
			return &UnexpectedStateError{State: RemainingData}
		}
	}
	_ = body.Close()
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return err
	}
	return c.idle()
}

// h2Conn multiplexes requests over one HTTP/2 connection, either TLS with
// ALPN "h2" or cleartext with prior knowledge.
type h2Conn struct {
	id   string
	conn net.Conn
	cc   *http2.ClientConn
}

func newH2Conn(transport *http2.Transport, conn net.Conn) (*h2Conn, error) {
	cc, err := transport.NewClientConn(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &h2Conn{id: uuid.NewString(), conn: conn, cc: cc}, nil
}

func (c *h2Conn) Version() endpoint.Version { return endpoint.HTTP2 }

func (c *h2Conn) ID() string { return c.id }

func (c *h2Conn) Close() error { return c.cc.Close() }

// Usable is false once the peer sent GOAWAY or the connection broke.
func (c *h2Conn) Usable() bool { return c.cc.CanTakeNewRequest() }

func (c *h2Conn) roundTrip(req *http.Request) (*http.Response, error) {
	return c.cc.RoundTrip(req)
}

// h3Conn multiplexes requests over one QUIC connection. The round tripper
// never dials on its own: it is handed the already established connection
// once, and any later dial attempt fails.
type h3Conn struct {
	id    string
	qconn quic.EarlyConnection
	rt    *http3.RoundTripper
}

var errConnectionConsumed = errors.New("QUIC connection already in use")

func newH3Conn(qconn quic.EarlyConnection, tlsConfig *tls.Config, quicConfig *quic.Config) *h3Conn {
	dialer := &singleDialer{conn: qconn}
	return &h3Conn{
		id:    uuid.NewString(),
		qconn: qconn,
		rt: &http3.RoundTripper{
			TLSClientConfig: tlsConfig,
			QUICConfig:      quicConfig,
			Dial:            dialer.dial,
		},
	}
}

func (c *h3Conn) Version() endpoint.Version { return endpoint.HTTP3 }

func (c *h3Conn) ID() string { return c.id }

func (c *h3Conn) Close() error {
	err := c.rt.Close()
	if closeErr := c.qconn.CloseWithError(0, ""); err == nil {
		err = closeErr
	}
	return err
}

// Usable is false once the QUIC connection is closed for any reason.
func (c *h3Conn) Usable() bool { return c.qconn.Context().Err() == nil }

func (c *h3Conn) roundTrip(req *http.Request) (*http.Response, error) {
	return c.rt.RoundTrip(req)
}

type singleDialer struct {
	conn quic.EarlyConnection
	// +checkatomic
	used atomic.Bool
}

func (d *singleDialer) dial(context.Context, string, *tls.Config, *quic.Config) (quic.EarlyConnection, error) {
	if !d.used.CompareAndSwap(false, true) {
		return nil, errConnectionConsumed
	}
	return d.conn, nil
}
