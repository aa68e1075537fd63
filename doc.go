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

// Package httppool provides an HTTP client for server-to-server traffic
// that pools connections per resolved endpoint and speaks HTTP/1.1,
// HTTP/2 and HTTP/3.
//
// To create a new client use the [NewClient] function. It accepts options
// for name resolution ([WithResolver]), endpoint selection
// ([WithSelector]), TLS ([WithTLSConfig]), per-phase timeouts and the
// protocols to negotiate ([WithMaxVersion], [WithHTTP3]).
//
// # Request Lifecycle
//
// Every request goes through the same phases, each with its own budget
// measured by one timer that is re-armed between phases:
//
//  1. Resolve. The URI's host is resolved into endpoints, one per
//     address. A unix:// URI names a socket directly.
//  2. Connect. One endpoint is chosen among the candidates, preferring
//     those with an open connection and the fewest requests in flight, and
//     avoiding those that recently failed to connect. A pooled connection
//     is used if one is available; otherwise one caller dials on behalf of
//     everyone waiting for the same endpoint. For secure endpoints the
//     TLS handshake follows under its own budget.
//  3. Request. The request is written and the response head is read.
//  4. Response. The body is read. The connection returns to its pool when
//     the body reaches its end or is closed.
//
// HTTP/1.1 connections carry one request at a time and live in an
// exclusive pool. HTTP/2 and HTTP/3 connections are shared by all
// concurrent requests to the endpoint. A connection on which anything went
// wrong is never reused.
//
// When HTTP/3 is enabled, a QUIC connection attempt gets a short head
// start over a TCP attempt, and whichever connects first is used.
//
// # Tunnels
//
// [Request.Upgrade] and [Client.WebSocket] take a connection out of HTTP
// service and return a [Tunnel]. Such connections are never returned to
// the pool.
//
// # Interoperability
//
// [Client.HTTPClient] adapts the client to the standard library's
// [net/http.Client].
package httppool
