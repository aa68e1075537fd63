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

package resolver

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/bufbuild/httppool/endpoint"
)

// InvalidURIReason names the component an invalid URI lacks.
type InvalidURIReason int

const (
	MissingHost = InvalidURIReason(iota + 1)
	MissingScheme
	MissingPathQuery
)

func (r InvalidURIReason) String() string {
	switch r {
	case MissingHost:
		return "missing host"
	case MissingScheme:
		return "missing scheme"
	case MissingPathQuery:
		return "missing path"
	default:
		return fmt.Sprintf("InvalidURIReason(%d)", int(r))
	}
}

// InvalidURIError is returned when a URI cannot address an endpoint. Err
// holds the parse error behind Reason, if there was one.
type InvalidURIError struct {
	URI    string
	Reason InvalidURIReason
	Err    error
}

func (e *InvalidURIError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid URI %q: %s", e.URI, e.Reason)
	}
	return fmt.Sprintf("invalid URI %q: %s: %v", e.URI, e.Reason, e.Err)
}

func (e *InvalidURIError) Unwrap() error {
	return e.Err
}

// ResolveError is returned when a host name yields no addresses.
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("failed to resolve %q: no addresses", e.Host)
	}
	return fmt.Sprintf("failed to resolve %q: %v", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// Target is the parsed form of a request URI.
type Target struct {
	Scheme string
	// Host is the host name or IP literal, without brackets. Empty for unix.
	Host   string
	Port   uint16
	Secure bool
	// SocketPath is set for unix targets.
	SocketPath string
	// RequestURI is what goes on the request line: path and query.
	RequestURI string
	// MaxVersion is the requested maximum version, adjusted for schemes
	// that imply one.
	MaxVersion endpoint.Version
}

// Authority returns the value for the Host header.
func (t Target) Authority() string {
	if t.SocketPath != "" {
		return "localhost"
	}
	defaultPort := uint16(80)
	if t.Secure {
		defaultPort = 443
	}
	host := t.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if t.Port == defaultPort {
		return host
	}
	return host + ":" + strconv.Itoa(int(t.Port))
}

// ParseTarget classifies uri. The http, ws and h2c schemes are plaintext
// with a default port of 80; https and wss require TLS with a default port
// of 443. Any other scheme uses the explicit port and requires TLS only if
// that port is 443. The h2c scheme also forces HTTP/2 with prior knowledge.
func ParseTarget(uri *url.URL, maxVersion endpoint.Version) (Target, error) {
	if uri.Scheme == "" {
		return Target{}, &InvalidURIError{URI: uri.String(), Reason: MissingScheme}
	}
	scheme := strings.ToLower(uri.Scheme)
	if scheme == "unix" {
		return parseUnix(uri)
	}
	host := uri.Hostname()
	if host == "" {
		return Target{}, &InvalidURIError{URI: uri.String(), Reason: MissingHost}
	}
	target := Target{
		Scheme:     scheme,
		Host:       host,
		RequestURI: uri.RequestURI(),
		MaxVersion: maxVersion,
	}
	var defaultPort uint16
	switch scheme {
	case "http", "ws":
		defaultPort = 80
	case "h2c":
		defaultPort = 80
		target.MaxVersion = endpoint.HTTP2
	case "https", "wss":
		defaultPort = 443
		target.Secure = true
	}
	target.Port = defaultPort
	if portStr := uri.Port(); portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Target{}, &InvalidURIError{URI: uri.String(), Reason: MissingHost, Err: err}
		}
		target.Port = uint16(port)
		if defaultPort == 0 && port == 443 {
			target.Secure = true
		}
	}
	return target, nil
}

// parseUnix splits host+path into the socket path, up to and including the
// first segment ending in ".sock", and the request path that follows it.
func parseUnix(uri *url.URL) (Target, error) {
	full := uri.Host + uri.Path
	if full == "" {
		full = uri.Opaque
	}
	if full == "" {
		return Target{}, &InvalidURIError{URI: uri.String(), Reason: MissingPathQuery}
	}
	socketPath, requestPath := full, "/"
	segments := strings.SplitAfter(full, "/")
	offset := 0
	for _, segment := range segments {
		offset += len(segment)
		if strings.HasSuffix(strings.TrimSuffix(segment, "/"), ".sock") {
			socketPath = strings.TrimSuffix(full[:offset], "/")
			if rest := full[offset:]; rest != "" {
				requestPath = "/" + rest
			}
			break
		}
	}
	requestURI := requestPath
	if uri.RawQuery != "" {
		requestURI += "?" + uri.RawQuery
	}
	return Target{
		Scheme:     "unix",
		SocketPath: socketPath,
		RequestURI: requestURI,
		MaxVersion: endpoint.HTTP11,
	}, nil
}
