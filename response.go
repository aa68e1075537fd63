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
	"encoding/json"
	"io"
	"net/http"

	"github.com/bufbuild/httppool/endpoint"
)

// Response is the head of an HTTP response along with its body.
type Response struct {
	Status     string
	StatusCode int
	// Version is the protocol the response arrived over.
	Version endpoint.Version
	Header  http.Header
	// Trailer is populated once the body has been read to the end.
	Trailer http.Header
	// ContentLength is -1 when unknown.
	ContentLength int64
	Body          *ResponseBody
	// Endpoint is the server that answered.
	Endpoint endpoint.Endpoint
	Request  *Request
}

// Bytes reads the whole body and closes it.
func (r *Response) Bytes() ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// Text reads the whole body as a string and closes it.
func (r *Response) Text() (string, error) {
	data, err := r.Bytes()
	return string(data), err
}

// JSON decodes the whole body into value and closes it.
func (r *Response) JSON(value any) error {
	data, err := r.Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return &BodyError{Err: err}
	}
	return nil
}

// Close closes the body.
func (r *Response) Close() error {
	return r.Body.Close()
}
