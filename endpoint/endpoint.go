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

package endpoint

import (
	"fmt"
	"net/netip"
	"strings"
)

// Version is an HTTP protocol version.
type Version int

const (
	HTTP09 = Version(9)
	HTTP10 = Version(10)
	HTTP11 = Version(11)
	HTTP2  = Version(20)
	HTTP3  = Version(30)
)

func (v Version) String() string {
	switch v {
	case HTTP09:
		return "HTTP/0.9"
	case HTTP10:
		return "HTTP/1.0"
	case HTTP11:
		return "HTTP/1.1"
	case HTTP2:
		return "HTTP/2"
	case HTTP3:
		return "HTTP/3"
	default:
		return fmt.Sprintf("Version(%d)", int(v))
	}
}

// Multiplexed reports whether connections of this version carry concurrent
// requests, which makes them eligible for the shared pool.
func (v Version) Multiplexed() bool {
	return v >= HTTP2
}

// ParseVersion parses a version such as "HTTP/1.1", "1.1", "h2" or "3".
func ParseVersion(s string) (Version, error) {
	switch strings.TrimPrefix(strings.ToUpper(s), "HTTP/") {
	case "0.9":
		return HTTP09, nil
	case "1.0", "1":
		return HTTP10, nil
	case "1.1", "H1":
		return HTTP11, nil
	case "2", "2.0", "H2", "H2C":
		return HTTP2, nil
	case "3", "3.0", "H3":
		return HTTP3, nil
	}
	return 0, fmt.Errorf("unknown HTTP version %q", s)
}

// Kind identifies the transport of an Endpoint.
type Kind int

const (
	// KindSecure is a TCP address that requires TLS.
	KindSecure = Kind(iota + 1)
	// KindAddress is a plaintext TCP address.
	KindAddress
	// KindUnix is a Unix domain socket path.
	KindUnix
)

func (k Kind) String() string {
	switch k {
	case KindSecure:
		return "secure"
	case KindAddress:
		return "address"
	case KindUnix:
		return "unix"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Endpoint is the identity of a reachable server. It is a comparable value,
// suitable for use as a map key: two endpoints are the same pool key if and
// only if all of their fields are equal.
type Endpoint struct {
	kind       Kind
	addr       netip.AddrPort
	serverName string
	maxVersion Version
	path       string
}

// Secure returns an endpoint that requires TLS, using serverName for SNI and
// certificate verification.
func Secure(addr netip.AddrPort, serverName string, maxVersion Version) Endpoint {
	return Endpoint{kind: KindSecure, addr: addr, serverName: serverName, maxVersion: maxVersion}
}

// Address returns a plaintext TCP endpoint.
func Address(addr netip.AddrPort, maxVersion Version) Endpoint {
	return Endpoint{kind: KindAddress, addr: addr, maxVersion: maxVersion}
}

// Unix returns a Unix domain socket endpoint.
func Unix(path string) Endpoint {
	return Endpoint{kind: KindUnix, path: path}
}

// Kind returns the endpoint's transport kind.
func (e Endpoint) Kind() Kind { return e.kind }

// Addr returns the socket address. It is invalid for Unix endpoints.
func (e Endpoint) Addr() netip.AddrPort { return e.addr }

// ServerName returns the TLS server name. It is empty unless the endpoint
// is secure.
func (e Endpoint) ServerName() string { return e.serverName }

// Path returns the socket path of a Unix endpoint.
func (e Endpoint) Path() string { return e.path }

// Secure reports whether the endpoint requires TLS.
func (e Endpoint) Secure() bool { return e.kind == KindSecure }

// Version returns the maximum HTTP version usable with this endpoint.
// Versions older than HTTP/2 all normalize to HTTP/1.1, and Unix sockets
// only ever carry HTTP/1.1.
func (e Endpoint) Version() Version {
	switch e.kind {
	case KindSecure, KindAddress:
		switch e.maxVersion {
		case HTTP2, HTTP3:
			return e.maxVersion
		default:
			return HTTP11
		}
	default:
		return HTTP11
	}
}

// WithVersion returns a copy of the endpoint with a different maximum
// version. It has no effect on Unix endpoints.
func (e Endpoint) WithVersion(v Version) Endpoint {
	if e.kind == KindUnix {
		return e
	}
	e.maxVersion = v
	return e
}

// Network returns the network name to dial: "tcp" or "unix".
func (e Endpoint) Network() string {
	if e.kind == KindUnix {
		return "unix"
	}
	return "tcp"
}

// DialAddress returns the address to dial: host:port or the socket path.
func (e Endpoint) DialAddress() string {
	if e.kind == KindUnix {
		return e.path
	}
	return e.addr.String()
}

func (e Endpoint) String() string {
	switch e.kind {
	case KindSecure:
		return fmt.Sprintf("https://%s[%s]/%s", e.addr, e.serverName, e.Version())
	case KindAddress:
		return fmt.Sprintf("http://%s/%s", e.addr, e.Version())
	case KindUnix:
		return "unix:" + e.path
	default:
		return "<invalid endpoint>"
	}
}
