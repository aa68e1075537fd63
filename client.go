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
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/bufbuild/httppool/endpoint"
	"github.com/bufbuild/httppool/internal"
	"github.com/bufbuild/httppool/internal/pool"
	"github.com/bufbuild/httppool/resolver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"
)

// ClientOption is an option used to customize the behavior of a Client.
type ClientOption interface {
	apply(*clientOptions)
}

// WithResolver configures how request URIs are turned into endpoints. If
// no WithResolver option is used, host names are looked up with the
// operating system's resolver on every request.
func WithResolver(r resolver.Resolver) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.resolver = r
	})
}

// WithSelector configures how one endpoint is chosen among the resolved
// candidates. If no WithSelector option is used, endpoint.LeastLoaded is
// used with the configured error cooldown.
func WithSelector(selector endpoint.Selector) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.selector = selector
	})
}

// WithDialer configures the client to use the given function to establish
// stream connections, for both TCP and unix sockets. If no WithDialer
// option is provided, a [net.Dialer] is used and WithLocalAddrs applies.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.dialFunc = dialFunc
	})
}

// WithLocalAddrs binds outgoing TCP connections to a local address. The
// first address with the same family as the remote endpoint is used;
// connections to other families are not bound.
func WithLocalAddrs(addrs ...netip.Addr) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.localAddrs = append(opts.localAddrs, addrs...)
	})
}

// WithTLSConfig adds custom TLS configuration to the client. The given
// config is used when using TLS or QUIC to communicate with servers. The
// given timeout is applied to the TLS handshake step. If the given timeout
// is zero or no WithTLSConfig option is used, a default timeout of 10
// seconds will be used.
func WithTLSConfig(config *tls.Config, handshakeTimeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.tlsConfig = config
		opts.tlsHandshakeTimeout = handshakeTimeout
	})
}

// WithConnector replaces the TLS handshake performed on secure stream
// connections. It takes precedence over the config given to WithTLSConfig,
// which still applies to QUIC.
func WithConnector(connector Connector) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.connector = connector
	})
}

// WithResolveTimeout limits how long resolving a host may take. The
// default is 5 seconds.
func WithResolveTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.resolveTimeout = duration
	})
}

// WithConnectTimeout limits how long acquiring a connection may take,
// including the time spent waiting for another caller's dial and the
// TCP or QUIC dial itself. The default is 5 seconds.
func WithConnectTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.connectTimeout = duration
	})
}

// WithRequestTimeout limits the time from starting to send a request until
// the response headers have been received. A Request may override it. The
// default is 15 seconds.
func WithRequestTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.requestTimeout = duration
	})
}

// WithResponseTimeout limits the time spent reading a response body,
// starting when the headers are received. The default is 15 seconds.
func WithResponseTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.responseTimeout = duration
	})
}

// WithMaxVersion sets the highest HTTP version the client will negotiate.
// The default is HTTP/2. Requests may lower it, or raise it, with
// Request.WithVersion.
func WithMaxVersion(version endpoint.Version) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxVersion = version
	})
}

// WithHTTP3 allows HTTP/3 and makes it the default maximum version. When
// an HTTP/3 connection is needed, a QUIC dial starts at once and a TCP
// dial follows after headStart, or as soon as QUIC fails. Whichever
// connects first is used. A zero headStart uses 300 milliseconds. The
// quicConfig may be nil.
func WithHTTP3(quicConfig *quic.Config, headStart time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxVersion = endpoint.HTTP3
		opts.quicConfig = quicConfig
		opts.http3HeadStart = headStart
	})
}

// WithMaxConnsPerEndpoint limits the number of HTTP/1.1 connections opened
// to one endpoint. Requests beyond the limit wait for a connection to be
// released. The default is 1. Multiplexed protocols always use one
// connection per endpoint.
func WithMaxConnsPerEndpoint(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxConnsPerEndpoint = limit
	})
}

// WithErrorCooldown configures how long an endpoint that failed to connect
// is avoided by the default selector. The default is 30 seconds.
func WithErrorCooldown(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.errorCooldown = duration
	})
}

// WithIdleConnectionTimeout configures a timeout for how long an idle
// connection will remain open. If zero or no WithIdleConnectionTimeout
// option is used, idle connections will be left open indefinitely. If
// backend servers or intermediary proxies/load balancers place time
// limits on idle connections, this should be configured to be less
// than that time limit, to prevent the client from trying to use a
// connection could be concurrently closed by a server for being idle
// for too long.
func WithIdleConnectionTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.idleConnTimeout = duration
	})
}

// WithNoPool disables connection reuse: every request dials a new
// connection, which is closed when the response is done.
func WithNoPool() ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.noPool = true
	})
}

// WithMaxResponseHeaderBytes configures the maximum size of response
// headers to accept. Over HTTP/1.1 the limit covers the whole response
// head, status line included. If zero or if no
// WithMaxResponseHeaderBytes option is used, the client will default to a
// 1 MB limit (2^20 bytes).
func WithMaxResponseHeaderBytes(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxResponseHeaderBytes = int64(limit)
	})
}

// WithLogger configures where the client logs connection events. If no
// WithLogger option is used, nothing is logged.
func WithLogger(logger log.Interface) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithMetrics registers the client's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.registerer = reg
	})
}

// WithDebugResourceLeaks configures the client to call the given function
// for each response whose body is garbage collected without having been
// read to the end or closed. Such a response holds its connection until
// the finalizer runs.
func WithDebugResourceLeaks(callback func(req *Request, resp *Response)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.resourceLeakCallback = callback
	})
}

// Client sends requests over pooled HTTP/1.1, HTTP/2 and HTTP/3
// connections. It is safe for concurrent use.
type Client struct {
	opts    clientOptions
	logger  log.Interface
	metrics *metrics
	tracker *endpoint.ErrorTracker
	h2      *http2.Transport

	exclusive pool.Pool[endpoint.Endpoint, connection]
	shared    pool.Pool[endpoint.Endpoint, connection]

	// endpoints that were asked for HTTP/2 or later but negotiated
	// HTTP/1.1; keys are always the endpoint at its requested version
	downgraded sync.Map

	// +checkatomic
	closed      atomic.Bool
	closeReaper context.CancelFunc
	reaperDone  chan struct{}
}

// NewClient returns a new client that uses the given options. It must be
// closed to release its connections.
func NewClient(options ...ClientOption) *Client {
	var opts clientOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	client := &Client{
		opts:    opts,
		logger:  opts.logger,
		metrics: newMetrics(opts.registerer),
		tracker: endpoint.NewErrorTracker(opts.errorCooldown, opts.clock),
		h2: &http2.Transport{
			AllowHTTP:         true,
			MaxHeaderListSize: uint32(min(opts.maxResponseHeaderBytes, 1<<32-1)), //nolint:gosec
		},
	}
	if opts.noPool {
		client.exclusive = pool.NewNoPool[endpoint.Endpoint, connection](client.metrics.hooks("exclusive"))
		client.shared = pool.NewNoPool[endpoint.Endpoint, connection](client.metrics.hooks("shared"))
	} else {
		client.exclusive = pool.NewExclusive[endpoint.Endpoint, connection](opts.maxConnsPerEndpoint, opts.clock, client.metrics.hooks("exclusive"))
		client.shared = pool.NewShared[endpoint.Endpoint, connection](opts.clock, client.metrics.hooks("shared"))
	}
	if opts.idleConnTimeout > 0 && !opts.noPool {
		ctx, cancel := context.WithCancel(context.Background())
		client.closeReaper = cancel
		client.reaperDone = make(chan struct{})
		go client.reapIdle(ctx)
	}
	return client
}

// Close closes all idle connections and stops background goroutines.
// Connections in use are closed as soon as their responses are done.
// Requests sent after Close fail with ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.closeReaper != nil {
		c.closeReaper()
		<-c.reaperDone
	}
	var grp errgroup.Group
	grp.Go(c.exclusive.Close)
	grp.Go(c.shared.Close)
	return grp.Wait()
}

// CloseIdleConnections closes every connection not currently in use and
// reports how many were closed.
func (c *Client) CloseIdleConnections() int {
	now := c.opts.clock.Now().Add(time.Nanosecond)
	return c.exclusive.CloseIdle(now) + c.shared.CloseIdle(now)
}

// Stats is a snapshot of a pool's occupancy.
type Stats = pool.Stats

// PoolStats describes the client's two pools.
type PoolStats struct {
	// Exclusive holds HTTP/1.1 connections, one request at a time.
	Exclusive Stats
	// Shared holds HTTP/2 and HTTP/3 connections.
	Shared Stats
}

// Stats returns a snapshot of the client's pools.
func (c *Client) Stats() PoolStats {
	return PoolStats{Exclusive: c.exclusive.Stats(), Shared: c.shared.Stats()}
}

func (c *Client) reapIdle(ctx context.Context) {
	defer close(c.reaperDone)
	ticker := c.opts.clock.NewTicker(c.opts.idleConnTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			cutoff := c.opts.clock.Now().Add(-c.opts.idleConnTimeout)
			if closed := c.exclusive.CloseIdle(cutoff) + c.shared.CloseIdle(cutoff); closed > 0 {
				c.logger.WithField("closed", closed).Debug("closed idle connections")
			}
		}
	}
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	resolver               resolver.Resolver
	selector               endpoint.Selector
	dialFunc               func(ctx context.Context, network, addr string) (net.Conn, error)
	localAddrs             []netip.Addr
	tlsConfig              *tls.Config
	tlsHandshakeTimeout    time.Duration
	connector              Connector
	resolveTimeout         time.Duration
	connectTimeout         time.Duration
	requestTimeout         time.Duration
	responseTimeout        time.Duration
	maxVersion             endpoint.Version
	quicConfig             *quic.Config
	http3HeadStart         time.Duration
	maxConnsPerEndpoint    int
	errorCooldown          time.Duration
	idleConnTimeout        time.Duration
	noPool                 bool
	maxResponseHeaderBytes int64
	logger                 log.Interface
	registerer             prometheus.Registerer
	resourceLeakCallback   func(req *Request, resp *Response)
	clock                  internal.Clock
}

func (opts *clientOptions) applyDefaults() {
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	if opts.resolver == nil {
		opts.resolver = resolver.NewDNSResolver(nil, resolver.WithClock(opts.clock))
	}
	if opts.errorCooldown == 0 {
		opts.errorCooldown = 30 * time.Second
	}
	if opts.selector == nil {
		opts.selector = endpoint.LeastLoaded(opts.errorCooldown, opts.clock)
	}
	if opts.connector == nil {
		opts.connector = NewTLSConnector(opts.tlsConfig)
	}
	if opts.tlsHandshakeTimeout == 0 {
		opts.tlsHandshakeTimeout = 10 * time.Second
	}
	if opts.resolveTimeout == 0 {
		opts.resolveTimeout = 5 * time.Second
	}
	if opts.connectTimeout == 0 {
		opts.connectTimeout = 5 * time.Second
	}
	if opts.requestTimeout == 0 {
		opts.requestTimeout = 15 * time.Second
	}
	if opts.responseTimeout == 0 {
		opts.responseTimeout = 15 * time.Second
	}
	if opts.maxVersion == 0 {
		opts.maxVersion = endpoint.HTTP2
	}
	if opts.http3HeadStart == 0 {
		opts.http3HeadStart = 300 * time.Millisecond
	}
	if opts.maxConnsPerEndpoint <= 0 {
		opts.maxConnsPerEndpoint = 1
	}
	if opts.maxResponseHeaderBytes == 0 {
		opts.maxResponseHeaderBytes = 1 << 20
	}
	if opts.logger == nil {
		opts.logger = discardLogger()
	}
}
