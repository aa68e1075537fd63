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
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/bufbuild/httppool/endpoint"
	"github.com/bufbuild/httppool/resolver"
	"github.com/quic-go/quic-go"
	"golang.org/x/net/http2"
)

// ErrClientClosed is returned when sending on a client that has been closed.
var ErrClientClosed = errors.New("httppool: client is closed")

// InvalidURIError is returned when a request URI cannot address an endpoint.
// It is reported before any connection is touched.
type InvalidURIError = resolver.InvalidURIError

// ResolveError is returned when a host name yields no addresses.
type ResolveError = resolver.ResolveError

// Reasons for an InvalidURIError.
const (
	MissingHost      = resolver.MissingHost
	MissingScheme    = resolver.MissingScheme
	MissingPathQuery = resolver.MissingPathQuery
)

// IOError is an operating system or network failure.
type IOError struct {
	Err error
}

func (e *IOError) Error() string { return "httppool: i/o error: " + e.Err.Error() }

func (e *IOError) Unwrap() error { return e.Err }

// ProtoError is malformed HTTP/1 wire data.
type ProtoError struct {
	Err error
}

func (e *ProtoError) Error() string { return "httppool: HTTP/1 protocol error: " + e.Err.Error() }

func (e *ProtoError) Unwrap() error { return e.Err }

// HTTP2Error is an error from the HTTP/2 stack, such as a stream reset or
// GOAWAY.
type HTTP2Error struct {
	Err error
}

func (e *HTTP2Error) Error() string { return "httppool: HTTP/2 error: " + e.Err.Error() }

func (e *HTTP2Error) Unwrap() error { return e.Err }

// HTTP3Error is an error from the HTTP/3 or QUIC stack.
type HTTP3Error struct {
	Err error
}

func (e *HTTP3Error) Error() string { return "httppool: HTTP/3 error: " + e.Err.Error() }

func (e *HTTP3Error) Unwrap() error { return e.Err }

// BodyError is a failure producing or consuming a body.
type BodyError struct {
	Err error
}

func (e *BodyError) Error() string { return "httppool: body error: " + e.Err.Error() }

func (e *BodyError) Unwrap() error { return e.Err }

// UnexpectedState describes a connection found in a state it should not be in.
type UnexpectedState int

const (
	// RemainingData means the connection had unread bytes when it should
	// have been idle.
	RemainingData = UnexpectedState(iota + 1)
	// ConnectionClosed means the peer closed the connection unexpectedly.
	ConnectionClosed
)

func (s UnexpectedState) String() string {
	switch s {
	case RemainingData:
		return "connection has remaining data"
	case ConnectionClosed:
		return "connection closed by peer"
	default:
		return fmt.Sprintf("UnexpectedState(%d)", int(s))
	}
}

// UnexpectedStateError reports an UnexpectedState.
type UnexpectedStateError struct {
	State UnexpectedState
}

func (e *UnexpectedStateError) Error() string { return "httppool: " + e.State.String() }

// TimeoutPhase identifies which phase of a request ran out of time.
type TimeoutPhase int

const (
	TimeoutResolve = TimeoutPhase(iota + 1)
	TimeoutConnect
	TimeoutTLSHandshake
	// TimeoutRequest covers sending the request and receiving the
	// response head.
	TimeoutRequest
	// TimeoutResponse covers reading the response body.
	TimeoutResponse
)

func (p TimeoutPhase) String() string {
	switch p {
	case TimeoutResolve:
		return "resolve"
	case TimeoutConnect:
		return "connect"
	case TimeoutTLSHandshake:
		return "TLS handshake"
	case TimeoutRequest:
		return "request"
	case TimeoutResponse:
		return "response"
	default:
		return fmt.Sprintf("TimeoutPhase(%d)", int(p))
	}
}

// TimeoutError is returned when a phase exceeds its budget. It is reported
// instead of whatever I/O error the expiry caused.
type TimeoutError struct {
	Phase TimeoutPhase
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("httppool: %s timed out", e.Phase)
}

// Timeout implements net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// Is makes errors.Is(err, context.DeadlineExceeded) hold for timeouts.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded //nolint:errorlint
}

func isTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// classify wraps a connection-level error into the taxonomy according to
// the protocol in use. Errors that are already classified pass through.
func classify(version endpoint.Version, err error) error {
	var (
		timeoutErr *TimeoutError
		stateErr   *UnexpectedStateError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &timeoutErr), errors.As(err, &stateErr):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	switch version {
	case endpoint.HTTP2:
		var (
			streamErr http2.StreamError
			connErr   http2.ConnectionError
			goAwayErr http2.GoAwayError
		)
		if errors.As(err, &streamErr) || errors.As(err, &connErr) || errors.As(err, &goAwayErr) || !isIO(err) {
			return &HTTP2Error{Err: err}
		}
	case endpoint.HTTP3:
		var (
			appErr       *quic.ApplicationError
			transportErr *quic.TransportError
			idleErr      *quic.IdleTimeoutError
		)
		if errors.As(err, &appErr) || errors.As(err, &transportErr) || errors.As(err, &idleErr) || !isIO(err) {
			return &HTTP3Error{Err: err}
		}
	default:
		if !isIO(err) {
			return &ProtoError{Err: err}
		}
	}
	return &IOError{Err: err}
}

func isIO(err error) bool {
	var (
		netErr net.Error
		errno  syscall.Errno
	)
	return errors.As(err, &netErr) ||
		errors.As(err, &errno) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
