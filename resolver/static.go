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
	"net/netip"
	"slices"
)

// StaticLookup is a fixed table of host names to addresses.
type StaticLookup map[string][]netip.Addr

var _ AddrLookup = StaticLookup(nil)

// NewStaticResolver returns a resolver that answers from hosts. The
// addresses for a host are tried in the order given.
func NewStaticResolver(hosts map[string][]netip.Addr, opts ...Option) Resolver {
	return New(StaticLookup(hosts), opts...)
}

// LookupNetIP implements AddrLookup.
func (s StaticLookup) LookupNetIP(_ context.Context, network, host string) ([]netip.Addr, error) {
	addrs := slices.Clone(s[host])
	switch network {
	case "ip4":
		addrs = slices.DeleteFunc(addrs, func(addr netip.Addr) bool { return !addr.Unmap().Is4() })
	case "ip6":
		addrs = slices.DeleteFunc(addrs, func(addr netip.Addr) bool { return addr.Unmap().Is4() })
	}
	return addrs, nil
}
