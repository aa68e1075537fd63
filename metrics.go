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
	"github.com/bufbuild/httppool/internal/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	dials       *prometheus.CounterVec
	acquires    *prometheus.CounterVec
	requests    *prometheus.CounterVec
	connections *prometheus.GaugeVec
}

// newMetrics creates the client's collectors and registers them with reg.
// A nil reg leaves them unregistered, which keeps the bookkeeping cheap
// without touching any global registry.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		dials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httppool",
			Name:      "dials_total",
			Help:      "Connection attempts by negotiated protocol and result.",
		}, []string{"protocol", "result"}),
		acquires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httppool",
			Name:      "acquires_total",
			Help:      "Pool acquisitions by pool and how they were satisfied.",
		}, []string{"pool", "outcome"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httppool",
			Name:      "requests_total",
			Help:      "Requests by protocol and result.",
		}, []string{"protocol", "result"}),
		connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "httppool",
			Name:      "connections",
			Help:      "Connections currently owned by each pool.",
		}, []string{"pool"}),
	}
}

func (m *metrics) hooks(poolName string) *pool.Hooks {
	gauge := m.connections.WithLabelValues(poolName)
	return &pool.Hooks{
		Acquired: func(outcome pool.Outcome) {
			m.acquires.WithLabelValues(poolName, string(outcome)).Inc()
		},
		Opened: gauge.Inc,
		Closed: gauge.Dec,
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}
