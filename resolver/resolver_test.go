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
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/httppool/endpoint"
	"github.com/bufbuild/httppool/internal/clocktest"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var exampleHosts = map[string][]netip.Addr{
	"example.com": {
		netip.MustParseAddr("93.184.216.34"),
		netip.MustParseAddr("2606:2800:220:1:248:1893:25c8:1946"),
	},
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	uri, err := url.Parse(raw)
	require.NoError(t, err)
	return uri
}

func TestResolveDefaultPorts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	res := NewStaticResolver(exampleHosts)

	endpoints, err := res.Resolve(ctx, mustParse(t, "https://example.com/"), endpoint.HTTP2)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	for _, ep := range endpoints {
		assert.True(t, ep.Secure())
		assert.Equal(t, uint16(443), ep.Addr().Port())
		assert.Equal(t, "example.com", ep.ServerName())
		assert.Equal(t, endpoint.HTTP2, ep.Version())
	}

	endpoints, err = res.Resolve(ctx, mustParse(t, "http://example.com/"), endpoint.HTTP11)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	for _, ep := range endpoints {
		assert.False(t, ep.Secure())
		assert.Equal(t, uint16(80), ep.Addr().Port())
	}

	endpoints, err = res.Resolve(ctx, mustParse(t, "wss://example.com:8443/chat"), endpoint.HTTP11)
	require.NoError(t, err)
	assert.True(t, endpoints[0].Secure())
	assert.Equal(t, uint16(8443), endpoints[0].Addr().Port())
}

func TestParseTarget(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		uri       string
		secure    bool
		port      uint16
		version   endpoint.Version
		authority string
		request   string
	}{
		{"http://example.com", false, 80, endpoint.HTTP2, "example.com", "/"},
		{"ws://example.com:8080/a?b=c", false, 8080, endpoint.HTTP2, "example.com:8080", "/a?b=c"},
		{"https://[::1]/x", true, 443, endpoint.HTTP2, "[::1]", "/x"},
		{"grpc://example.com:443/", true, 443, endpoint.HTTP2, "example.com", "/"},
		{"grpc://example.com:9000/", false, 9000, endpoint.HTTP2, "example.com:9000", "/"},
		{"grpc://example.com/", false, 0, endpoint.HTTP2, "example.com:0", "/"},
		{"h2c://127.0.0.1:8080/", false, 8080, endpoint.HTTP2, "127.0.0.1:8080", "/"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.uri, func(t *testing.T) {
			t.Parallel()
			target, err := ParseTarget(mustParse(t, testCase.uri), endpoint.HTTP2)
			require.NoError(t, err)
			assert.Equal(t, testCase.secure, target.Secure)
			assert.Equal(t, testCase.port, target.Port)
			assert.Equal(t, testCase.version, target.MaxVersion)
			assert.Equal(t, testCase.authority, target.Authority())
			assert.Equal(t, testCase.request, target.RequestURI)
		})
	}

	target, err := ParseTarget(mustParse(t, "h2c://localhost/"), endpoint.HTTP11)
	require.NoError(t, err)
	assert.Equal(t, endpoint.HTTP2, target.MaxVersion, "h2c forces HTTP/2")
}

func TestInvalidURIs(t *testing.T) {
	t.Parallel()
	res := NewStaticResolver(exampleHosts)
	testCases := map[string]InvalidURIReason{
		"//example.com/":  MissingScheme,
		"/just/a/path":    MissingScheme,
		"https:///nohost": MissingHost,
		"unix://":         MissingPathQuery,
	}
	for raw, reason := range testCases {
		_, err := res.Resolve(context.Background(), mustParse(t, raw), endpoint.HTTP11)
		var uriErr *InvalidURIError
		require.ErrorAs(t, err, &uriErr, raw)
		assert.Equal(t, reason, uriErr.Reason, raw)
	}

	_, err := res.Resolve(context.Background(), mustParse(t, "http://example.com:99999/"), endpoint.HTTP11)
	var uriErr *InvalidURIError
	require.ErrorAs(t, err, &uriErr)
	assert.Equal(t, MissingHost, uriErr.Reason)
	assert.ErrorIs(t, err, strconv.ErrRange)
}

func TestResolveUnix(t *testing.T) {
	t.Parallel()
	res := New(StaticLookup(nil))
	endpoints, err := res.Resolve(context.Background(), mustParse(t, "unix:///run/app.sock/path"), endpoint.HTTP3)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, endpoint.Unix("/run/app.sock"), endpoints[0])
	assert.Equal(t, endpoint.HTTP11, endpoints[0].Version())

	testCases := []struct {
		uri, socket, request string
	}{
		{"unix:///run/app.sock/path", "/run/app.sock", "/path"},
		{"unix:///run/app.sock", "/run/app.sock", "/"},
		{"unix:///run/app.sock/a/b?c=d", "/run/app.sock", "/a/b?c=d"},
		{"unix:///var/run/docker", "/var/run/docker", "/"},
		{"unix://app.sock/v1/info", "app.sock", "/v1/info"},
	}
	for _, testCase := range testCases {
		target, err := ParseTarget(mustParse(t, testCase.uri), endpoint.HTTP2)
		require.NoError(t, err, testCase.uri)
		assert.Equal(t, testCase.socket, target.SocketPath, testCase.uri)
		assert.Equal(t, testCase.request, target.RequestURI, testCase.uri)
		assert.Equal(t, endpoint.HTTP11, target.MaxVersion, testCase.uri)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()
	res := NewStaticResolver(map[string][]netip.Addr{})
	_, err := res.Resolve(context.Background(), mustParse(t, "http://nowhere.test/"), endpoint.HTTP11)
	var resolveErr *ResolveError
	require.ErrorAs(t, err, &resolveErr)
	assert.Equal(t, "nowhere.test", resolveErr.Host)

	failing := New(lookupFunc(func(context.Context, string, string) ([]netip.Addr, error) {
		return nil, errors.New("boom")
	}))
	_, err = failing.Resolve(context.Background(), mustParse(t, "http://example.com/"), endpoint.HTTP11)
	require.ErrorAs(t, err, &resolveErr)
	assert.EqualError(t, resolveErr.Unwrap(), "boom")

	// IP literals never hit the lookup.
	endpoints, err := failing.Resolve(context.Background(), mustParse(t, "http://10.1.2.3:81/"), endpoint.HTTP11)
	require.NoError(t, err)
	assert.Equal(t, []endpoint.Endpoint{
		endpoint.Address(netip.MustParseAddrPort("10.1.2.3:81"), endpoint.HTTP11),
	}, endpoints)
}

func TestAffinity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	uri := mustParse(t, "http://example.com/")

	endpoints, err := NewStaticResolver(exampleHosts, WithAffinity(PreferIPv4)).Resolve(ctx, uri, endpoint.HTTP11)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.True(t, endpoints[0].Addr().Addr().Is4())

	endpoints, err = NewStaticResolver(exampleHosts, WithAffinity(PreferIPv6)).Resolve(ctx, uri, endpoint.HTTP11)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.True(t, endpoints[0].Addr().Addr().Is6())

	// Preference falls back to everything when the family is absent.
	v4only := map[string][]netip.Addr{"example.com": {netip.MustParseAddr("10.0.0.1")}}
	endpoints, err = NewStaticResolver(v4only, WithAffinity(PreferIPv6)).Resolve(ctx, uri, endpoint.HTTP11)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)

	endpoints, err = NewStaticResolver(exampleHosts, WithNetwork("ip6")).Resolve(ctx, uri, endpoint.HTTP11)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.True(t, endpoints[0].Addr().Addr().Is6())
}

type lookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

func (f lookupFunc) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return f(ctx, network, host)
}

func TestConcurrentLookupsCollapse(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	release := make(chan struct{})
	res := New(lookupFunc(func(context.Context, string, string) ([]netip.Addr, error) {
		calls.Add(1)
		<-release
		return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, nil
	}))

	const callers = 10
	var started, done sync.WaitGroup
	for range callers {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			started.Done()
			endpoints, err := res.Resolve(context.Background(), mustParse(t, "http://example.com/"), endpoint.HTTP11)
			assert.NoError(t, err)
			assert.Len(t, endpoints, 1)
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	done.Wait()
	assert.LessOrEqual(t, calls.Load(), int32(callers))
}

func TestResolveCancelled(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	res := New(lookupFunc(func(context.Context, string, string) ([]netip.Addr, error) {
		<-block
		return nil, nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := res.Resolve(ctx, mustParse(t, "http://example.com/"), endpoint.HTTP11)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCacheTTL(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	var calls atomic.Int32
	res := New(lookupFunc(func(context.Context, string, string) ([]netip.Addr, error) {
		calls.Add(1)
		return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, nil
	}), WithCacheTTL(time.Minute), WithClock(clock))
	uri := mustParse(t, "http://example.com/")

	for range 3 {
		_, err := res.Resolve(context.Background(), uri, endpoint.HTTP11)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
	clock.Advance(time.Minute)
	_, err := res.Resolve(context.Background(), uri, endpoint.HTTP11)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func startDNSServer(t *testing.T, records map[string][]net.IP) string {
	t.Helper()
	pconn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pconn,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, query *dns.Msg) {
			reply := new(dns.Msg)
			reply.SetReply(query)
			question := query.Question[0]
			ips, ok := records[question.Name]
			if !ok {
				reply.SetRcode(query, dns.RcodeNameError)
				_ = w.WriteMsg(reply)
				return
			}
			for _, ip := range ips {
				header := dns.RR_Header{Name: question.Name, Class: dns.ClassINET, Ttl: 60}
				switch {
				case ip.To4() != nil && question.Qtype == dns.TypeA:
					header.Rrtype = dns.TypeA
					reply.Answer = append(reply.Answer, &dns.A{Hdr: header, A: ip})
				case ip.To4() == nil && question.Qtype == dns.TypeAAAA:
					header.Rrtype = dns.TypeAAAA
					reply.Answer = append(reply.Answer, &dns.AAAA{Hdr: header, AAAA: ip})
				}
			}
			_ = w.WriteMsg(reply)
		}),
	}
	go func() {
		_ = server.ActivateAndServe()
	}()
	<-started
	t.Cleanup(func() {
		_ = server.Shutdown()
	})
	return pconn.LocalAddr().String()
}

func TestNameserverResolver(t *testing.T) {
	t.Parallel()
	addr := startDNSServer(t, map[string][]net.IP{
		"api.example.test.": {net.ParseIP("192.0.2.10"), net.ParseIP("2001:db8::10")},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := NewNameserverResolver(addr)
	endpoints, err := res.Resolve(ctx, mustParse(t, "https://api.example.test/"), endpoint.HTTP2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []endpoint.Endpoint{
		endpoint.Secure(netip.MustParseAddrPort("192.0.2.10:443"), "api.example.test", endpoint.HTTP2),
		endpoint.Secure(netip.MustParseAddrPort("[2001:db8::10]:443"), "api.example.test", endpoint.HTTP2),
	}, endpoints)

	v4, err := NewNameserverResolver(addr, WithNetwork("ip4")).Resolve(ctx, mustParse(t, "http://api.example.test/"), endpoint.HTTP11)
	require.NoError(t, err)
	assert.Equal(t, []endpoint.Endpoint{
		endpoint.Address(netip.MustParseAddrPort("192.0.2.10:80"), endpoint.HTTP11),
	}, v4)

	_, err = res.Resolve(ctx, mustParse(t, "http://missing.example.test/"), endpoint.HTTP11)
	var resolveErr *ResolveError
	require.ErrorAs(t, err, &resolveErr)
	require.ErrorIs(t, err, ErrNoSuchHost)
}
