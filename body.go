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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/bufbuild/httppool/endpoint"
)

type bodyKind int

const (
	bodyNone = bodyKind(iota)
	bodyBytes
	bodyStream
)

// chunkSize is the largest chunk Next returns from a streaming body.
const chunkSize = 32 << 10

var errBodyClosed = errors.New("read on closed body")

// RequestBody is the payload of a request: nothing, a byte slice known up
// front, or a stream of unknown or declared size. The zero value is an
// empty body.
type RequestBody struct {
	kind   bodyKind
	data   []byte
	stream io.Reader
	size   int64
	err    error
}

// NoBody returns an empty request body.
func NoBody() RequestBody {
	return RequestBody{}
}

// BytesBody returns a request body holding data.
func BytesBody(data []byte) RequestBody {
	return RequestBody{kind: bodyBytes, data: data, size: int64(len(data))}
}

// TextBody returns a request body holding text.
func TextBody(text string) RequestBody {
	return BytesBody([]byte(text))
}

// JSONBody returns a request body holding the JSON encoding of value. An
// encoding failure is reported when the request is sent.
func JSONBody(value any) RequestBody {
	data, err := json.Marshal(value)
	if err != nil {
		return RequestBody{err: err}
	}
	return BytesBody(data)
}

// StreamBody returns a request body read from r. A negative size means the
// size is unknown, and HTTP/1.1 uses chunked encoding. If r is also an
// io.Closer, it is closed once the request has been written.
func StreamBody(r io.Reader, size int64) RequestBody {
	if size < 0 {
		size = -1
	}
	return RequestBody{kind: bodyStream, stream: r, size: size}
}

// Len returns the size of the body, or -1 if it is unknown.
func (b *RequestBody) Len() int64 {
	if b.kind == bodyNone {
		return 0
	}
	return b.size
}

// IsEOF reports whether the body is known to have nothing left, without
// consuming anything. A stream is never known to be exhausted.
func (b *RequestBody) IsEOF() bool {
	switch b.kind {
	case bodyNone:
		return true
	case bodyBytes:
		return len(b.data) == 0
	default:
		return false
	}
}

// Next returns the next chunk of the body, or io.EOF once it is exhausted.
func (b *RequestBody) Next() ([]byte, error) {
	switch b.kind {
	case bodyBytes:
		if len(b.data) == 0 {
			return nil, io.EOF
		}
		chunk := b.data
		b.data = nil
		return chunk, nil
	case bodyStream:
		buf := make([]byte, chunkSize)
		for {
			n, err := b.stream.Read(buf)
			if n > 0 {
				return buf[:n], nil
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		return nil, io.EOF
	}
}

func (b *RequestBody) reader() (io.ReadCloser, error) {
	if b.err != nil {
		return nil, &BodyError{Err: b.err}
	}
	switch b.kind {
	case bodyBytes:
		return io.NopCloser(bytes.NewReader(b.data)), nil
	case bodyStream:
		if rc, ok := b.stream.(io.ReadCloser); ok {
			return rc, nil
		}
		return io.NopCloser(b.stream), nil
	default:
		return http.NoBody, nil
	}
}

// ResponseBody is the payload of a response. Small bodies that arrived
// with the response head are held as bytes and the connection is already
// released; other bodies stream from the connection, which is released
// when the body is read to the end or closed.
//
// A ResponseBody is not safe for concurrent use.
type ResponseBody struct {
	protocol endpoint.Version
	kind     bodyKind
	data     []byte
	stream   io.ReadCloser
	wrapErr  func(error) error
	finish   func(eof bool, err error)
	err      error

	// +checkatomic
	done atomic.Bool
}

var _ io.ReadCloser = (*ResponseBody)(nil)

func emptyBody(protocol endpoint.Version) *ResponseBody {
	return &ResponseBody{protocol: protocol, kind: bodyNone}
}

func bytesBody(protocol endpoint.Version, data []byte) *ResponseBody {
	return &ResponseBody{protocol: protocol, kind: bodyBytes, data: data}
}

// streamBody reads from stream. The finish hook runs exactly once, when
// the stream ends, fails or is closed. It gets eof if the stream was read
// to its end, and the read error if it failed.
func streamBody(protocol endpoint.Version, stream io.ReadCloser, wrapErr func(error) error, finish func(eof bool, err error)) *ResponseBody {
	return &ResponseBody{
		protocol: protocol,
		kind:     bodyStream,
		stream:   stream,
		wrapErr:  wrapErr,
		finish:   finish,
	}
}

// Protocol returns the HTTP version the body is carried over.
func (b *ResponseBody) Protocol() endpoint.Version {
	return b.protocol
}

// IsEOF reports whether the body is known to have nothing left, without
// consuming anything. A stream is never known to be exhausted.
func (b *ResponseBody) IsEOF() bool {
	switch b.kind {
	case bodyNone:
		return true
	case bodyBytes:
		return len(b.data) == 0
	default:
		return false
	}
}

// Next returns the next chunk of the body, or io.EOF once it is exhausted.
// Streaming failures are reported as *BodyError.
func (b *ResponseBody) Next() ([]byte, error) {
	switch b.kind {
	case bodyBytes:
		if len(b.data) == 0 {
			return nil, io.EOF
		}
		chunk := b.data
		b.data = nil
		return chunk, nil
	case bodyStream:
		buf := make([]byte, chunkSize)
		for {
			n, err := b.Read(buf)
			if n > 0 {
				return buf[:n], nil
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		return nil, io.EOF
	}
}

// Read implements io.Reader.
func (b *ResponseBody) Read(p []byte) (int, error) {
	switch b.kind {
	case bodyBytes:
		if len(b.data) == 0 {
			return 0, io.EOF
		}
		n := copy(p, b.data)
		b.data = b.data[n:]
		return n, nil
	case bodyStream:
	default:
		return 0, io.EOF
	}
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.stream.Read(p)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		b.err = io.EOF
		b.complete(true, nil)
	default:
		b.err = b.wrapErr(err)
		err = b.err
		b.complete(false, err)
	}
	return n, err
}

// Close releases the body. Closing a stream before its end is not an
// error, but over HTTP/1.1 it usually costs the connection.
func (b *ResponseBody) Close() error {
	b.data = nil
	if b.kind == bodyStream && b.err == nil {
		b.err = &BodyError{Err: errBodyClosed}
		b.complete(false, nil)
	}
	return nil
}

func (b *ResponseBody) complete(eof bool, err error) {
	if b.done.CompareAndSwap(false, true) {
		b.finish(eof, err)
	}
}
