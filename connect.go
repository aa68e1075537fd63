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
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/apex/log"
	"github.com/bufbuild/httppool/endpoint"
	"github.com/bufbuild/httppool/internal/deadline"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// Connector secures a freshly dialed stream connection to a secure
// endpoint. It returns the secured connection and the protocol agreed
// with the server, which must not exceed maxVersion.
type Connector interface {
	Connect(ctx context.Context, conn net.Conn, serverName string, maxVersion endpoint.Version) (net.Conn, endpoint.Version, error)
}

// NewTLSConnector returns a Connector that performs a TLS handshake using
// config, which may be nil. ALPN offers "h2" only when maxVersion allows
// HTTP/2 or later.
func NewTLSConnector(config *tls.Config) Connector {
	return &tlsConnector{config: config}
}

type tlsConnector struct {
	config *tls.Config
}

func (t *tlsConnector) Connect(ctx context.Context, conn net.Conn, serverName string, maxVersion endpoint.Version) (net.Conn, endpoint.Version, error) {
	config := cloneTLSConfig(t.config, serverName)
	if maxVersion >= endpoint.HTTP2 {
		config.NextProtos = []string{"h2", "http/1.1"}
	} else {
		config.NextProtos = []string{"http/1.1"}
	}
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, 0, err
	}
	if tlsConn.ConnectionState().NegotiatedProtocol == "h2" {
		return tlsConn, endpoint.HTTP2, nil
	}
	return tlsConn, endpoint.HTTP11, nil
}

func cloneTLSConfig(config *tls.Config, serverName string) *tls.Config {
	if config == nil {
		config = &tls.Config{} //nolint:gosec
	}
	config = config.Clone()
	if config.ServerName == "" {
		config.ServerName = serverName
	}
	return config
}

// establish opens a connection to chosen, falling back to the remaining
// candidates in order when a stream dial fails. It returns the endpoint
// that was actually reached.
func (c *Client) establish(timer *deadline.Timer, chosen endpoint.Endpoint, candidates []endpoint.Endpoint) (connection, endpoint.Endpoint, error) {
	ordered := make([]endpoint.Endpoint, 0, len(candidates))
	ordered = append(ordered, chosen)
	for _, candidate := range candidates {
		if candidate != chosen && candidate.Kind() == chosen.Kind() {
			ordered = append(ordered, candidate)
		}
	}
	var (
		conn connection
		ep   endpoint.Endpoint
		err  error
	)
	if chosen.Secure() && chosen.Version() == endpoint.HTTP3 {
		conn, ep, err = c.race(timer, ordered)
	} else {
		conn, ep, err = c.establishStream(timer.Context(), timer, ordered)
	}
	protocol := "none"
	if conn != nil {
		protocol = conn.Version().String()
	}
	c.metrics.dials.WithLabelValues(protocol, resultLabel(err)).Inc()
	if err != nil {
		c.logger.WithFields(connFields(chosen, nil)).WithError(err).Debug("connect failed")
		return nil, ep, err
	}
	c.logger.WithFields(connFields(ep, conn)).Debug("connected")
	return conn, ep, nil
}

// establishStream dials endpoints in order and returns on the first
// success, securing the connection for secure endpoints.
func (c *Client) establishStream(ctx context.Context, timer *deadline.Timer, endpoints []endpoint.Endpoint) (connection, endpoint.Endpoint, error) {
	conn, ep, err := c.dialStream(ctx, timer, endpoints)
	if err != nil {
		return nil, ep, err
	}
	switch {
	case ep.Secure():
		timer.Reset(c.opts.tlsHandshakeTimeout, &TimeoutError{Phase: TimeoutTLSHandshake})
		secured, version, err := c.opts.connector.Connect(ctx, conn, ep.ServerName(), ep.Version())
		if err != nil {
			_ = conn.Close()
			c.markFailed(ctx, ep)
			return nil, ep, err
		}
		if version == endpoint.HTTP2 {
			h2, err := newH2Conn(c.h2, secured)
			return h2, ep, err
		}
		return newH1Conn(secured, c.opts.maxResponseHeaderBytes), ep, nil
	case ep.Kind() == endpoint.KindAddress && ep.Version() >= endpoint.HTTP2:
		h2, err := newH2Conn(c.h2, conn)
		return h2, ep, err
	default:
		return newH1Conn(conn, c.opts.maxResponseHeaderBytes), ep, nil
	}
}

// dialStream arms the connect deadline and tries each endpoint in turn.
// If all of them fail, the last error is returned.
func (c *Client) dialStream(ctx context.Context, timer *deadline.Timer, endpoints []endpoint.Endpoint) (net.Conn, endpoint.Endpoint, error) {
	timer.Reset(c.opts.connectTimeout, &TimeoutError{Phase: TimeoutConnect})
	var (
		lastErr error
		lastEp  endpoint.Endpoint
	)
	for _, ep := range endpoints {
		conn, err := c.dial(ctx, ep)
		if err == nil {
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				_ = tcpConn.SetNoDelay(true)
			}
			return conn, ep, nil
		}
		c.logger.WithFields(log.Fields{"endpoint": ep.String()}).WithError(err).Debug("dial failed")
		c.markFailed(ctx, ep)
		lastErr, lastEp = err, ep
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastEp, lastErr
}

func (c *Client) dial(ctx context.Context, ep endpoint.Endpoint) (net.Conn, error) {
	if c.opts.dialFunc != nil {
		return c.opts.dialFunc(ctx, ep.Network(), ep.DialAddress())
	}
	dialer := net.Dialer{KeepAlive: 30 * time.Second}
	if ep.Kind() != endpoint.KindUnix {
		if local, ok := c.localAddr(ep.Addr().Addr()); ok {
			dialer.LocalAddr = net.TCPAddrFromAddrPort(netip.AddrPortFrom(local, 0))
		}
	}
	return dialer.DialContext(ctx, ep.Network(), ep.DialAddress())
}

// localAddr picks the configured local address of the same family as
// remote, if any.
func (c *Client) localAddr(remote netip.Addr) (netip.Addr, bool) {
	want4 := remote.Unmap().Is4()
	idx := slices.IndexFunc(c.opts.localAddrs, func(addr netip.Addr) bool {
		return addr.Unmap().Is4() == want4
	})
	if idx < 0 {
		return netip.Addr{}, false
	}
	return c.opts.localAddrs[idx], true
}

type dialResult struct {
	conn connection
	ep   endpoint.Endpoint
	err  error
}

// race dials QUIC to the first endpoint and, once QUIC has failed or its
// head start has elapsed, TCP to the endpoints in order. The first success
// wins and the other attempt is cancelled; a connection it still produces
// is closed.
func (c *Client) race(timer *deadline.Timer, endpoints []endpoint.Endpoint) (connection, endpoint.Endpoint, error) {
	ctx, cancel := context.WithCancel(timer.Context())
	defer cancel()
	results := make(chan dialResult, 2)
	quicFailed := make(chan struct{})
	go func() {
		conn, err := c.dialQUIC(ctx, endpoints[0])
		if err != nil {
			close(quicFailed)
			results <- dialResult{ep: endpoints[0], err: err}
			return
		}
		results <- dialResult{conn: conn, ep: endpoints[0]}
	}()
	go func() {
		headStart := c.opts.clock.NewTimer(c.opts.http3HeadStart)
		defer headStart.Stop()
		select {
		case <-quicFailed:
		case <-headStart.Chan():
		case <-ctx.Done():
			results <- dialResult{ep: endpoints[0], err: context.Cause(ctx)}
			return
		}
		conn, ep, err := c.establishStream(ctx, timer, endpoints)
		results <- dialResult{conn: conn, ep: ep, err: err}
	}()
	var errs []error
	for i := range 2 {
		result := <-results
		if result.err == nil {
			cancel()
			if i == 0 {
				go func() {
					if loser := <-results; loser.conn != nil {
						_ = loser.conn.Close()
					}
				}()
			}
			return result.conn, result.ep, nil
		}
		errs = append(errs, result.err)
	}
	return nil, endpoints[0], errors.Join(errs...)
}

func (c *Client) dialQUIC(ctx context.Context, ep endpoint.Endpoint) (*h3Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()
	tlsConfig := cloneTLSConfig(c.opts.tlsConfig, ep.ServerName())
	tlsConfig.NextProtos = []string{http3.NextProtoH3}
	qconn, err := quic.DialAddrEarly(ctx, ep.DialAddress(), tlsConfig, c.opts.quicConfig)
	if err != nil {
		return nil, err
	}
	select {
	case <-qconn.HandshakeComplete():
	case <-ctx.Done():
		_ = qconn.CloseWithError(0, "")
		return nil, context.Cause(ctx)
	}
	conn := newH3Conn(qconn, tlsConfig, c.opts.quicConfig)
	conn.rt.MaxResponseHeaderBytes = c.opts.maxResponseHeaderBytes
	return conn, nil
}
