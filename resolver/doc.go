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

// Package resolver turns request URIs into candidate endpoints.
//
// Resolution has two steps. First the URI is parsed into a [Target]: the
// scheme decides whether the endpoint needs TLS and which port is used
// when the URI has none, and "unix" URIs name a socket path instead of a
// host. Then the host is looked up and every returned address becomes an
// [endpoint.Endpoint] carrying the requested maximum HTTP version.
//
// The lookup step is pluggable through [AddrLookup]. Three implementations
// are included: the system resolver ([net.Resolver]), a resolver that
// queries one explicit DNS server, and a static table.
package resolver
