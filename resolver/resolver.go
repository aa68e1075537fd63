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
	"net"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/bufbuild/httppool/endpoint"
	"github.com/bufbuild/httppool/internal"
	"golang.org/x/sync/singleflight"
)

// AddressFamilyAffinity is an option that allows control over the preference
// for which addresses to consider when resolving, based on their address
// family.
type AddressFamilyAffinity int

const (
	// AllFamilies will result in all addresses being used, regardless of
	// their address family.
	AllFamilies AddressFamilyAffinity = iota

	// PreferIPv4 will result in only IPv4 addresses being used, if any
	// IPv4 addresses are present. If no IPv4 addresses are resolved, then
	// all addresses will be used.
	PreferIPv4

	// PreferIPv6 will result in only IPv6 addresses being used, if any
	// IPv6 addresses are present. If no IPv6 addresses are resolved, then
	// all addresses will be used.
	PreferIPv6
)

// Resolver turns a request URI into the endpoints that can serve it.
type Resolver interface {
	// Resolve returns the candidate endpoints for uri, each carrying
	// maxVersion (or the version implied by the scheme). The list is never
	// empty when err is nil.
	Resolve(ctx context.Context, uri *url.URL, maxVersion endpoint.Version) ([]endpoint.Endpoint, error)
}

// AddrLookup resolves a host name to IP addresses. *net.Resolver
// implements it. The network is one of "ip", "ip4" or "ip6".
type AddrLookup interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Option configures a resolver created with New.
type Option interface {
	apply(*lookupResolver)
}

type optionFunc func(*lookupResolver)

func (f optionFunc) apply(r *lookupResolver) { f(r) }

// WithNetwork restricts lookups to "ip4" or "ip6". The default is "ip".
func WithNetwork(network string) Option {
	return optionFunc(func(r *lookupResolver) {
		r.network = network
	})
}

// WithAffinity sets the address family preference. The default is
// AllFamilies.
func WithAffinity(affinity AddressFamilyAffinity) Option {
	return optionFunc(func(r *lookupResolver) {
		r.affinity = affinity
	})
}

// WithCacheTTL keeps lookup results for ttl. By default nothing is cached
// and every request resolves again.
func WithCacheTTL(ttl time.Duration) Option {
	return optionFunc(func(r *lookupResolver) {
		r.ttl = ttl
	})
}

// WithClock sets the clock used to expire cached results.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(r *lookupResolver) {
		r.clock = clock
	})
}

// New returns a resolver that looks up host names with lookup. Concurrent
// lookups of the same name are collapsed into one.
func New(lookup AddrLookup, opts ...Option) Resolver {
	r := &lookupResolver{
		lookup:  lookup,
		network: "ip",
		clock:   internal.NewRealClock(),
		cache:   map[string]cachedAddrs{},
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	return r
}

// NewDNSResolver returns a resolver backed by a [net.Resolver], which uses
// the operating system's configuration. A nil resolver means
// [net.DefaultResolver].
func NewDNSResolver(resolver *net.Resolver, opts ...Option) Resolver {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return New(resolver, opts...)
}

type lookupResolver struct {
	lookup   AddrLookup
	network  string
	affinity AddressFamilyAffinity
	ttl      time.Duration
	clock    internal.Clock
	group    singleflight.Group

	mu sync.Mutex
	// +checklocks:mu
	cache map[string]cachedAddrs
}

type cachedAddrs struct {
	addrs   []netip.Addr
	expires time.Time
}

func (r *lookupResolver) Resolve(ctx context.Context, uri *url.URL, maxVersion endpoint.Version) ([]endpoint.Endpoint, error) {
	target, err := ParseTarget(uri, maxVersion)
	if err != nil {
		return nil, err
	}
	return r.ResolveTarget(ctx, target)
}

// ResolveTarget resolves an already parsed target.
func (r *lookupResolver) ResolveTarget(ctx context.Context, target Target) ([]endpoint.Endpoint, error) {
	if target.SocketPath != "" {
		return []endpoint.Endpoint{endpoint.Unix(target.SocketPath)}, nil
	}
	addrs, err := r.addrs(ctx, target.Host)
	if err != nil {
		return nil, err
	}
	return Endpoints(target, addrs), nil
}

// Endpoints maps addresses to endpoints for target.
func Endpoints(target Target, addrs []netip.Addr) []endpoint.Endpoint {
	result := make([]endpoint.Endpoint, len(addrs))
	for i, addr := range addrs {
		addrPort := netip.AddrPortFrom(addr.Unmap(), target.Port)
		if target.Secure {
			result[i] = endpoint.Secure(addrPort, target.Host, target.MaxVersion)
		} else {
			result[i] = endpoint.Address(addrPort, target.MaxVersion)
		}
	}
	return result
}

func (r *lookupResolver) addrs(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	if addrs, ok := r.cached(host); ok {
		return addrs, nil
	}
	// The lookup runs detached from any one caller's deadline, since other
	// callers may be waiting on it; each caller stops waiting when its own
	// context is done.
	resultCh := r.group.DoChan(host, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), maxLookupTime)
		defer cancel()
		addrs, err := r.lookup.LookupNetIP(lookupCtx, r.network, host)
		if err != nil {
			return nil, err
		}
		addrs = filterAffinity(addrs, r.affinity)
		if len(addrs) == 0 {
			return nil, nil //nolint:nilnil
		}
		r.store(host, addrs)
		return addrs, nil
	})
	select {
	case result := <-resultCh:
		if result.Err != nil {
			return nil, &ResolveError{Host: host, Err: result.Err}
		}
		addrs, _ := result.Val.([]netip.Addr)
		if len(addrs) == 0 {
			return nil, &ResolveError{Host: host}
		}
		return addrs, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

const maxLookupTime = time.Minute

func (r *lookupResolver) cached(host string) ([]netip.Addr, bool) {
	if r.ttl <= 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[host]
	if !ok {
		return nil, false
	}
	if !r.clock.Now().Before(entry.expires) {
		delete(r.cache, host)
		return nil, false
	}
	return entry.addrs, true
}

func (r *lookupResolver) store(host string, addrs []netip.Addr) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[host] = cachedAddrs{addrs: addrs, expires: r.clock.Now().Add(r.ttl)}
}

func filterAffinity(addresses []netip.Addr, affinity AddressFamilyAffinity) []netip.Addr {
	switch affinity {
	case AllFamilies:
		break
	case PreferIPv4:
		ip4Addresses := make([]netip.Addr, 0, len(addresses))
		for _, address := range addresses {
			if address.Is4() || address.Is4In6() {
				ip4Addresses = append(ip4Addresses, address)
			}
		}
		if len(ip4Addresses) > 0 {
			addresses = ip4Addresses
		}
	case PreferIPv6:
		ip6Addresses := make([]netip.Addr, 0, len(addresses))
		for _, address := range addresses {
			if address.Is6() && !address.Is4In6() {
				ip6Addresses = append(ip6Addresses, address)
			}
		}
		if len(ip6Addresses) > 0 {
			addresses = ip6Addresses
		}
	}
	return addresses
}
