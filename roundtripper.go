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
	"net/http"

	"github.com/bufbuild/httppool/endpoint"
)

// RoundTripper returns an [http.RoundTripper] that sends requests with c.
// Request bodies are streamed and closed once written.
func (c *Client) RoundTripper() http.RoundTripper {
	return roundTripper{client: c}
}

// HTTPClient returns an [http.Client] backed by c. Redirects are not
// followed: the redirect response is returned to the caller.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{
		Transport: c.RoundTripper(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type roundTripper struct {
	client *Client
}

func (rt roundTripper) RoundTrip(httpReq *http.Request) (*http.Response, error) {
	body := NoBody()
	if httpReq.Body != nil && httpReq.Body != http.NoBody {
		size := httpReq.ContentLength
		if size == 0 {
			size = -1
		}
		body = StreamBody(httpReq.Body, size)
	}
	header := httpReq.Header
	if header == nil {
		header = http.Header{}
	}
	req := &Request{
		Method: httpReq.Method,
		URL:    httpReq.URL,
		Header: header,
		Body:   body,
		client: rt.client,
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	resp, err := rt.client.Send(httpReq.Context(), req)
	if err != nil {
		return nil, err
	}
	major, minor := protoVersion(resp.Version)
	return &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Proto:         resp.Version.String(),
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        resp.Header,
		Trailer:       resp.Trailer,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		Request:       httpReq,
	}, nil
}

func protoVersion(version endpoint.Version) (int, int) {
	switch version {
	case endpoint.HTTP09:
		return 0, 9
	case endpoint.HTTP10:
		return 1, 0
	case endpoint.HTTP11:
		return 1, 1
	default:
		return int(version) / 10, 0
	}
}
