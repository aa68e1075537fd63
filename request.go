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
	"net/http"
	"net/url"
	"time"

	"github.com/bufbuild/httppool/endpoint"
)

// Request is an HTTP request bound to a Client. The With methods modify the
// request in place and return it, so that a request can be built and sent
// in one expression:
//
//	resp, err := client.NewRequest(http.MethodPost, uri).
//		WithHeader("Content-Type", "application/json").
//		WithBody(httppool.JSONBody(payload)).
//		Send(ctx)
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   RequestBody
	// Version, if set, replaces the client's maximum HTTP version for this
	// request.
	Version endpoint.Version
	// Timeout, if set, replaces the client's request timeout for this
	// request.
	Timeout time.Duration

	client *Client
	err    error
}

// NewRequest returns a request for the given method and URI. An unparsable
// URI is reported when the request is sent.
func (c *Client) NewRequest(method, uri string) *Request {
	req := &Request{
		Method: method,
		Header: http.Header{},
		client: c,
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		req.URL = &url.URL{}
		req.err = &InvalidURIError{URI: uri, Reason: MissingHost, Err: err}
		return req
	}
	req.URL = parsed
	return req
}

// Get sends a GET request for uri.
func (c *Client) Get(ctx context.Context, uri string) (*Response, error) {
	return c.NewRequest(http.MethodGet, uri).Send(ctx)
}

// WithHeader adds a header value.
func (r *Request) WithHeader(key, value string) *Request {
	r.Header.Add(key, value)
	return r
}

// WithBody sets the request body.
func (r *Request) WithBody(body RequestBody) *Request {
	r.Body = body
	return r
}

// WithVersion sets the maximum HTTP version for this request.
func (r *Request) WithVersion(version endpoint.Version) *Request {
	r.Version = version
	return r
}

// WithTimeout sets the time allowed from sending the request until the
// response head arrives.
func (r *Request) WithTimeout(timeout time.Duration) *Request {
	r.Timeout = timeout
	return r
}

// Send sends the request with the client that created it.
func (r *Request) Send(ctx context.Context) (*Response, error) {
	return r.client.Send(ctx, r)
}

// Upgrade sends the request over HTTP/1.1 asking to switch protocols and
// returns a tunnel over the connection once the server agrees. The caller
// should set the Upgrade header; "Connection: Upgrade" is added if missing.
// If the server answers with anything other than 101, the response is
// returned with ErrUpgradeRefused and its body must be closed.
func (r *Request) Upgrade(ctx context.Context) (*Tunnel[[]byte], *Response, error) {
	return r.client.upgrade(ctx, r)
}
