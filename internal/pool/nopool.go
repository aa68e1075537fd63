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

package pool

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/bufbuild/httppool/endpoint"
)

// NoPool never reuses connections: every Acquire hands out a Spawner and
// every lease closes its connection on release.
type NoPool[K comparable, C io.Closer] struct {
	hooks *Hooks

	mu sync.Mutex
	// +checklocks:mu
	live map[*Lease[C]]struct{}
	// +checklocks:mu
	dialing int
	// +checklocks:mu
	closed bool
}

var _ Pool[string, io.Closer] = (*NoPool[string, io.Closer])(nil)

// NewNoPool creates a pool that does not pool.
func NewNoPool[K comparable, C io.Closer](hooks *Hooks) *NoPool[K, C] {
	return &NoPool[K, C]{hooks: hooks, live: map[*Lease[C]]struct{}{}}
}

// Acquire implements Pool.
func (p *NoPool[K, C]) Acquire(context.Context, K) (*Lease[C], *Spawner[C], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.hooks.acquired(OutcomeFailed)
		return nil, nil, ErrPoolClosed
	}
	p.dialing++
	p.hooks.acquired(OutcomeSpawned)
	return nil, &Spawner[C]{
		spawned: func(conn C) *Lease[C] {
			p.mu.Lock()
			p.dialing--
			p.mu.Unlock()
			return p.track(conn)
		},
		abort: func(error) {
			p.mu.Lock()
			p.dialing--
			p.mu.Unlock()
		},
	}, nil
}

// State implements Pool. Every key always reports NotExisting.
func (p *NoPool[K, C]) State(K) endpoint.State {
	return endpoint.NotExisting()
}

// Adopt implements Pool.
func (p *NoPool[K, C]) Adopt(_ K, conn C) *Lease[C] {
	return p.track(conn)
}

func (p *NoPool[K, C]) track(conn C) *Lease[C] {
	var lease *Lease[C]
	lease = newLease(conn, func(_, leak bool) {
		p.mu.Lock()
		delete(p.live, lease)
		p.mu.Unlock()
		p.hooks.closed()
		if !leak {
			_ = conn.Close()
		}
	})
	p.mu.Lock()
	p.live[lease] = struct{}{}
	p.mu.Unlock()
	p.hooks.opened()
	return lease
}

// CloseIdle implements Pool. Nothing is ever idle.
func (p *NoPool[K, C]) CloseIdle(time.Time) int {
	return 0
}

// Close implements Pool.
func (p *NoPool[K, C]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Stats implements Pool.
func (p *NoPool[K, C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Live: len(p.live), Leases: len(p.live), Dialing: p.dialing}
}
