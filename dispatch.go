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
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"runtime"

	"github.com/bufbuild/httppool/endpoint"
	"github.com/bufbuild/httppool/internal/deadline"
	"github.com/bufbuild/httppool/internal/pool"
	"github.com/bufbuild/httppool/resolver"
)

type lease = pool.Lease[connection]

// ErrUpgradeRefused is returned by Request.Upgrade when the server does
// not switch protocols.
var ErrUpgradeRefused = errors.New("httppool: server refused protocol upgrade")

// Send sends req and returns once the response head has arrived. The
// caller must read the response body to its end or close it, which returns
// the connection to its pool.
//
// Any failure after a connection was acquired excludes that connection from
// reuse. Failures are reported with the error types of this package; a
// phase that runs out of time is reported as *TimeoutError.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	if req.err != nil {
		return nil, req.err
	}
	protocol := "none"
	resp, err := c.send(ctx, req, &protocol)
	c.metrics.requests.WithLabelValues(protocol, resultLabel(err)).Inc()
	return resp, err
}

func (c *Client) send(ctx context.Context, req *Request, protocol *string) (*Response, error) {
	timer, target, held, err := c.open(ctx, req, c.maxVersion(req))
	if err != nil {
		return nil, err
	}
	conn := held.lease.Value()
	*protocol = conn.Version().String()
	httpReq, err := c.newHTTPRequest(timer.Context(), req, target)
	if err != nil {
		held.lease.Release()
		timer.Stop()
		return nil, err
	}
	c.armRequest(timer, req)
	var httpResp *http.Response
	switch conn := conn.(type) {
	case *h1Conn:
		stop := deadline.BindConn(timer.Context(), conn.conn)
		httpResp, err = conn.roundTrip(httpReq)
		if stop() {
			held.lease.DestroyOnDrop()
		}
	case multiplexed:
		httpResp, err = conn.roundTrip(httpReq)
	}
	if err != nil {
		return nil, c.fail(timer, held, err)
	}
	return c.newResponse(timer, req, held, httpResp), nil
}

// held is an acquired connection and the endpoint it is pooled under.
type held struct {
	lease    *lease
	endpoint endpoint.Endpoint
}

// open runs the resolve and connect phases and returns a connection to
// send on. On success the caller owns both the timer and the lease.
func (c *Client) open(ctx context.Context, req *Request, maxVersion endpoint.Version) (*deadline.Timer, resolver.Target, held, error) {
	if c.closed.Load() {
		return nil, resolver.Target{}, held{}, ErrClientClosed
	}
	target, err := resolver.ParseTarget(req.URL, maxVersion)
	if err != nil {
		return nil, resolver.Target{}, held{}, err
	}
	if !target.Secure && target.Scheme != "h2c" && maxVersion > endpoint.HTTP11 {
		// cleartext HTTP/2 needs prior knowledge, which only the h2c
		// scheme gives
		maxVersion = endpoint.HTTP11
		target.MaxVersion = maxVersion
	}
	timer := deadline.New(ctx, c.opts.clock)
	timer.Reset(c.opts.resolveTimeout, &TimeoutError{Phase: TimeoutResolve})
	endpoints, err := c.opts.resolver.Resolve(timer.Context(), req.URL, maxVersion)
	if err != nil {
		err = c.expired(timer, err)
		timer.Stop()
		return nil, target, held{}, err
	}
	acquired, err := c.acquire(timer, endpoints)
	if err != nil {
		timer.Stop()
		return nil, target, held{}, err
	}
	return timer, target, acquired, nil
}

func (c *Client) maxVersion(req *Request) endpoint.Version {
	if req.Version != 0 {
		return req.Version
	}
	return c.opts.maxVersion
}

func (c *Client) armRequest(timer *deadline.Timer, req *Request) {
	timeout := c.opts.requestTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	timer.Reset(timeout, &TimeoutError{Phase: TimeoutRequest})
}

// acquire selects an endpoint among the candidates and returns a lease on
// a pooled connection to it, dialing one if needed.
func (c *Client) acquire(timer *deadline.Timer, resolved []endpoint.Endpoint) (held, error) {
	timer.Reset(c.opts.connectTimeout, &TimeoutError{Phase: TimeoutConnect})
	for {
		endpoints := make([]endpoint.Endpoint, len(resolved))
		candidates := make([]endpoint.Candidate, len(resolved))
		for i, ep := range resolved {
			ep = c.effective(ep)
			endpoints[i] = ep
			candidates[i] = endpoint.Candidate{Endpoint: ep, State: c.state(ep)}
		}
		chosen, err := c.opts.selector.Select(candidates)
		if err != nil {
			return held{}, err
		}
		key := chosen.Endpoint
		leased, spawner, err := c.poolFor(key).Acquire(timer.Context(), key)
		switch {
		case errors.Is(err, pool.ErrMoved):
			// The dial we waited on landed under another key, possibly
			// after an ALPN downgrade. Select again.
			continue
		case errors.Is(err, pool.ErrPoolClosed):
			return held{}, ErrClientClosed
		case err != nil:
			return held{}, c.expired(timer, err)
		case leased != nil:
			return held{lease: leased, endpoint: key}, nil
		case c.effective(key) != key:
			// downgraded while we were selecting
			spawner.Abort(pool.ErrMoved)
			continue
		}
		return c.spawn(timer, key, endpoints, spawner)
	}
}

// spawn dials a connection for key on behalf of the spawner.
func (c *Client) spawn(timer *deadline.Timer, key endpoint.Endpoint, endpoints []endpoint.Endpoint, spawner *pool.Spawner[connection]) (held, error) {
	defer spawner.Abort(pool.ErrMoved)

	conn, reached, err := c.establish(timer, key, endpoints)
	if err != nil {
		c.markFailed(timer.Context(), key)
		spawner.Abort(err)
		if timeoutErr := timer.Expired(isTimeout); timeoutErr != nil {
			return held{}, timeoutErr
		}
		return held{}, &IOError{Err: err}
	}
	c.tracker.Succeeded(reached)
	if conn.Version().Multiplexed() || !reached.Version().Multiplexed() {
		if reached == key {
			return held{lease: spawner.Spawned(conn), endpoint: key}, nil
		}
		return held{lease: c.poolFor(reached).Adopt(reached, conn), endpoint: reached}, nil
	}
	// This server only speaks HTTP/1.1. The conn is pooled under the
	// exclusive key before the downgrade is recorded, so that callers
	// redirected there find it.
	c.logger.WithFields(connFields(reached, conn)).Debug("endpoint negotiated HTTP/1.1")
	exclusive := reached.WithVersion(endpoint.HTTP11)
	leased := c.exclusive.Adopt(exclusive, conn)
	c.downgraded.Store(reached, struct{}{})
	return held{lease: leased, endpoint: exclusive}, nil
}

// effective applies what is known about the endpoint's protocol support.
func (c *Client) effective(ep endpoint.Endpoint) endpoint.Endpoint {
	if _, ok := c.downgraded.Load(ep); ok {
		return ep.WithVersion(endpoint.HTTP11)
	}
	return ep
}

// markFailed records a failed connection attempt, unless it failed only
// because the caller gave up.
func (c *Client) markFailed(ctx context.Context, ep endpoint.Endpoint) {
	if cause := context.Cause(ctx); cause == nil || isTimeout(cause) {
		c.tracker.Failed(ep)
	}
}

func (c *Client) state(ep endpoint.Endpoint) endpoint.State {
	state := c.poolFor(ep).State(ep)
	if state.Kind != endpoint.StateNotExisting {
		return state
	}
	if failed, ok := c.tracker.State(ep); ok {
		return failed
	}
	return state
}

func (c *Client) poolFor(ep endpoint.Endpoint) pool.Pool[endpoint.Endpoint, connection] {
	if ep.Version().Multiplexed() {
		return c.shared
	}
	return c.exclusive
}

// expired reports the phase timeout if the timer ran out, and err
// otherwise.
func (c *Client) expired(timer *deadline.Timer, err error) error {
	if timeoutErr := timer.Expired(isTimeout); timeoutErr != nil {
		return timeoutErr
	}
	return err
}

// fail applies the failure policy: the connection is never reused after
// an error on it.
func (c *Client) fail(timer *deadline.Timer, held held, err error) error {
	conn := held.lease.Value()
	err = classify(conn.Version(), c.expired(timer, err))
	c.logger.WithFields(connFields(held.endpoint, conn)).WithError(err).Debug("request failed")
	held.lease.DestroyOnDrop()
	held.lease.Release()
	timer.Stop()
	return err
}

func (c *Client) newHTTPRequest(ctx context.Context, req *Request, target resolver.Target) (*http.Request, error) {
	reqURL, err := url.ParseRequestURI(target.RequestURI)
	if err != nil {
		return nil, &InvalidURIError{URI: req.URL.String(), Reason: MissingPathQuery, Err: err}
	}
	reqURL.Scheme = "http"
	if target.Secure {
		reqURL.Scheme = "https"
	}
	reqURL.Host = target.Authority()
	body, err := req.Body.reader()
	if err != nil {
		return nil, err
	}
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	httpReq := &http.Request{
		Method:        req.Method,
		URL:           reqURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Host:          reqURL.Host,
		Body:          body,
		ContentLength: req.Body.Len(),
	}
	if req.Body.kind == bodyBytes {
		data := req.Body.data
		httpReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}
	return httpReq.WithContext(ctx), nil
}

// newResponse wraps the response head. The response timeout starts now
// and covers reading the body; the lease is released when the body is
// done with.
func (c *Client) newResponse(timer *deadline.Timer, req *Request, held held, httpResp *http.Response) *Response {
	conn := held.lease.Value()
	protocol := conn.Version()
	resp := responseHead(req, held, httpResp)
	if httpResp.Close || httpResp.StatusCode == http.StatusSwitchingProtocols {
		held.lease.DestroyOnDrop()
	}
	timer.Reset(c.opts.responseTimeout, &TimeoutError{Phase: TimeoutResponse})
	done := func() {
		held.lease.Release()
		timer.Stop()
	}
	if httpResp.Body == nil || httpResp.Body == http.NoBody || httpResp.StatusCode == http.StatusSwitchingProtocols {
		if h1, ok := conn.(*h1Conn); ok && h1.idle() != nil {
			held.lease.DestroyOnDrop()
		}
		if httpResp.Body != nil && httpResp.StatusCode != http.StatusSwitchingProtocols {
			_ = httpResp.Body.Close()
		}
		done()
		resp.Body = emptyBody(protocol)
		return resp
	}
	wrapErr := func(err error) error {
		return &BodyError{Err: classify(protocol, c.expired(timer, err))}
	}
	switch conn := conn.(type) {
	case *h1Conn:
		if data, ok := bufferedBody(conn, httpResp); ok {
			if err := conn.finishBody(httpResp.Body, true); err != nil {
				held.lease.DestroyOnDrop()
			}
			done()
			resp.Body = bytesBody(protocol, data)
			return resp
		}
		stop := deadline.BindConn(timer.Context(), conn.conn)
		resp.Body = streamBody(protocol, httpResp.Body, wrapErr, func(eof bool, _ error) {
			fired := stop()
			if err := conn.finishBody(httpResp.Body, eof); err != nil || fired {
				c.logger.WithFields(connFields(held.endpoint, conn)).WithError(err).Debug("discarding connection")
				held.lease.DestroyOnDrop()
			}
			done()
		})
	default:
		resp.Body = streamBody(protocol, httpResp.Body, wrapErr, func(_ bool, err error) {
			if err != nil {
				c.logger.WithFields(connFields(held.endpoint, conn)).WithError(err).Debug("discarding connection")
				held.lease.DestroyOnDrop()
			}
			_ = httpResp.Body.Close()
			done()
		})
	}
	if c.opts.resourceLeakCallback != nil {
		c.watchLeak(req, resp)
	}
	return resp
}

func responseHead(req *Request, held held, httpResp *http.Response) *Response {
	return &Response{
		Status:        httpResp.Status,
		StatusCode:    httpResp.StatusCode,
		Version:       held.lease.Value().Version(),
		Header:        httpResp.Header,
		Trailer:       httpResp.Trailer,
		ContentLength: httpResp.ContentLength,
		Endpoint:      held.endpoint,
		Request:       req,
	}
}

// bufferedBody returns the whole body if it has already been read off the
// wire along with the head.
func bufferedBody(conn *h1Conn, httpResp *http.Response) ([]byte, bool) {
	if httpResp.ContentLength <= 0 || len(httpResp.TransferEncoding) > 0 ||
		int64(conn.br.Buffered()) < httpResp.ContentLength {
		return nil, false
	}
	data := make([]byte, httpResp.ContentLength)
	if _, err := io.ReadFull(httpResp.Body, data); err != nil {
		return nil, false
	}
	return data, true
}

// watchLeak reports bodies that are garbage collected while still holding
// their connection, and then gives the connection up.
func (c *Client) watchLeak(req *Request, resp *Response) {
	head := *resp
	head.Body = nil
	callback := c.opts.resourceLeakCallback
	runtime.SetFinalizer(resp.Body, func(body *ResponseBody) {
		if body.done.CompareAndSwap(false, true) {
			callback(req, &head)
			body.finish(false, nil)
		}
	})
}
