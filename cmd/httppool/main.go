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

// Command httppool sends HTTP requests through an httppool client and
// prints the responses. Settings come from flags or from environment
// variables prefixed with HTTPPOOL_, with flags taking precedence.
//
// Repeating a request with -n shows connection reuse: with -v, the log
// says which requests opened a connection and which reused one.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/bufbuild/httppool"
	"github.com/bufbuild/httppool/endpoint"
	"github.com/bufbuild/httppool/resolver"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "HTTPPOOL_"

// Config holds the command's settings.
type Config struct {
	Method          string        `koanf:"method"`
	Headers         []string      `koanf:"header"`
	Data            string        `koanf:"data"`
	Count           int           `koanf:"count"`
	Concurrency     int           `koanf:"concurrency"`
	MaxVersion      string        `koanf:"max-version"`
	HTTP3           bool          `koanf:"http3"`
	Nameserver      string        `koanf:"nameserver"`
	Resolve         []string      `koanf:"resolve"`
	Insecure        bool          `koanf:"insecure"`
	ConnectTimeout  time.Duration `koanf:"connect-timeout"`
	RequestTimeout  time.Duration `koanf:"request-timeout"`
	ResponseTimeout time.Duration `koanf:"response-timeout"`
	MaxConns        int           `koanf:"max-conns"`
	MetricsAddr     string        `koanf:"metrics-addr"`
	Verbose         bool          `koanf:"verbose"`
}

func main() {
	log.SetHandler(cli.Default)
	if err := run(os.Args[1:]); err != nil {
		log.WithError(err).Error("httppool failed")
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("httppool", pflag.ContinueOnError)
	flags.StringP("method", "X", http.MethodGet, "request method")
	flags.StringArrayP("header", "H", nil, "request header as \"Name: value\", repeatable")
	flags.StringP("data", "d", "", "request body")
	flags.IntP("count", "n", 1, "number of times to send the request")
	flags.IntP("concurrency", "c", 1, "number of requests in flight at once")
	flags.String("max-version", "2", "highest HTTP version to use: 1.1, 2 or 3")
	flags.Bool("http3", false, "race HTTP/3 against TCP for https URLs")
	flags.String("nameserver", "", "query this DNS server directly instead of the system resolver")
	flags.StringArray("resolve", nil, "use a fixed address for a host, as host=ip, repeatable")
	flags.BoolP("insecure", "k", false, "skip TLS certificate verification")
	flags.Duration("connect-timeout", 5*time.Second, "connect timeout")
	flags.Duration("request-timeout", 15*time.Second, "time allowed until the response head arrives")
	flags.Duration("response-timeout", 15*time.Second, "time allowed to read the response body")
	flags.Int("max-conns", 1, "HTTP/1.1 connections per endpoint")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolP("verbose", "v", false, "log connection activity")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: httppool [flags] URL")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return errors.New("exactly one URL is required")
	}
	uri := flags.Arg(0)

	k := koanf.New(".")
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", "-")
	}), nil); err != nil {
		return fmt.Errorf("loading environment: %w", err)
	}
	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return fmt.Errorf("loading flags: %w", err)
	}
	var conf Config
	if err := k.Unmarshal("", &conf); err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	if conf.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	opts, err := clientOptions(conf)
	if err != nil {
		return err
	}
	client := httppool.NewClient(opts...)
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if conf.MetricsAddr != "" {
		if err := serveMetrics(ctx, conf.MetricsAddr); err != nil {
			return err
		}
	}

	header, err := parseHeaders(conf.Headers)
	if err != nil {
		return err
	}
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(max(conf.Concurrency, 1))
	for i := range max(conf.Count, 1) {
		group.Go(func() error {
			return send(ctx, client, conf, uri, header, i == 0)
		})
	}
	err = group.Wait()
	stats := client.Stats()
	log.WithFields(log.Fields{
		"exclusive": stats.Exclusive.Live,
		"shared":    stats.Shared.Live,
	}).Debug("connections at exit")
	return err
}

func clientOptions(conf Config) ([]httppool.ClientOption, error) {
	var opts []httppool.ClientOption
	version, err := endpoint.ParseVersion(conf.MaxVersion)
	if err != nil {
		return nil, err
	}
	if conf.HTTP3 {
		opts = append(opts, httppool.WithHTTP3(nil, 0))
	} else {
		opts = append(opts, httppool.WithMaxVersion(version))
	}
	switch {
	case len(conf.Resolve) > 0:
		hosts := map[string][]netip.Addr{}
		for _, entry := range conf.Resolve {
			host, ip, ok := strings.Cut(entry, "=")
			if !ok {
				return nil, fmt.Errorf("resolve entry %q is not host=ip", entry)
			}
			addr, err := netip.ParseAddr(ip)
			if err != nil {
				return nil, fmt.Errorf("resolve entry %q: %w", entry, err)
			}
			hosts[host] = append(hosts[host], addr)
		}
		opts = append(opts, httppool.WithResolver(resolver.NewStaticResolver(hosts)))
	case conf.Nameserver != "":
		opts = append(opts, httppool.WithResolver(resolver.NewNameserverResolver(conf.Nameserver)))
	}
	if conf.Insecure {
		opts = append(opts, httppool.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}, 0)) //nolint:gosec
	}
	opts = append(opts,
		httppool.WithConnectTimeout(conf.ConnectTimeout),
		httppool.WithRequestTimeout(conf.RequestTimeout),
		httppool.WithResponseTimeout(conf.ResponseTimeout),
		httppool.WithMaxConnsPerEndpoint(conf.MaxConns),
		httppool.WithLogger(log.Log),
	)
	if conf.MetricsAddr != "" {
		opts = append(opts, httppool.WithMetrics(prometheus.DefaultRegisterer))
	}
	return opts, nil
}

func parseHeaders(values []string) (http.Header, error) {
	header := http.Header{}
	for _, value := range values {
		name, val, ok := strings.Cut(value, ":")
		if !ok {
			return nil, fmt.Errorf("header %q is not \"Name: value\"", value)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(val))
	}
	return header, nil
}

func send(ctx context.Context, client *httppool.Client, conf Config, uri string, header http.Header, printBody bool) error {
	req := client.NewRequest(conf.Method, uri)
	for name, values := range header {
		for _, value := range values {
			req.WithHeader(name, value)
		}
	}
	if conf.Data != "" {
		req.WithBody(httppool.TextBody(conf.Data))
	}
	start := time.Now()
	resp, err := req.Send(ctx)
	if err != nil {
		return err
	}
	defer resp.Close()
	log.WithFields(log.Fields{
		"status":   resp.StatusCode,
		"protocol": resp.Version.String(),
		"endpoint": resp.Endpoint.String(),
		"elapsed":  time.Since(start).String(),
	}).Info("response")
	if !printBody {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func serveMetrics(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	go func() {
		_ = server.Serve(listener)
	}()
	log.Infof("serving metrics at http://%s/metrics", listener.Addr())
	return nil
}
