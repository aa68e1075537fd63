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
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/miekg/dns"
)

var (
	// ErrNoSuchHost is returned when the server answers NXDOMAIN.
	ErrNoSuchHost = errors.New("no such host")
	// ErrServerFailure is returned when the server answers SERVFAIL,
	// REFUSED or another unsuccessful code.
	ErrServerFailure = errors.New("DNS server failure")
)

// NameserverLookup queries one DNS server directly, bypassing the
// operating system's resolver configuration.
type NameserverLookup struct {
	// Server is the host:port of the DNS server.
	Server string
	// Client sends the queries. A zero value uses UDP.
	Client *dns.Client
}

var _ AddrLookup = (*NameserverLookup)(nil)

// NewNameserverResolver returns a resolver that sends A and AAAA queries to
// server, a host:port (port 53 is assumed if missing).
func NewNameserverResolver(server string, opts ...Option) Resolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return New(&NameserverLookup{Server: server}, opts...)
}

// LookupNetIP implements AddrLookup. For the "ip" network, the A and AAAA
// queries are sent in parallel; it fails only if both fail.
func (l *NameserverLookup) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	switch network {
	case "ip4":
		return l.query(ctx, host, dns.TypeA)
	case "ip6":
		return l.query(ctx, host, dns.TypeAAAA)
	case "ip":
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	type result struct {
		addrs []netip.Addr
		err   error
	}
	aaaaCh := make(chan result, 1)
	go func() {
		addrs, err := l.query(ctx, host, dns.TypeAAAA)
		aaaaCh <- result{addrs, err}
	}()
	aAddrs, aErr := l.query(ctx, host, dns.TypeA)
	aaaa := <-aaaaCh
	if aErr != nil && aaaa.err != nil {
		// The A error is the more meaningful one: the AAAA failure may just
		// mean the host has no IPv6 address.
		return nil, aErr
	}
	return append(aAddrs, aaaa.addrs...), nil
}

func (l *NameserverLookup) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	client := l.Client
	if client == nil {
		client = &dns.Client{}
	}
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(host), qtype)
	query.RecursionDesired = true
	reply, _, err := client.ExchangeContext(ctx, query, l.Server)
	if err != nil {
		return nil, err
	}
	switch reply.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, ErrNoSuchHost
	default:
		return nil, fmt.Errorf("%w: %s", ErrServerFailure, dns.RcodeToString[reply.Rcode])
	}
	var addrs []netip.Addr
	for _, answer := range reply.Answer {
		switch rr := answer.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(rr.A.To4()); ok {
				addrs = append(addrs, addr)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(rr.AAAA.To16()); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs, nil
}
