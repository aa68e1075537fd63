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
	"errors"
	"io"
	"sync"
	"time"

	"github.com/bufbuild/httppool/endpoint"
	"github.com/bufbuild/httppool/internal"
	"golang.org/x/sync/errgroup"
)

// Exclusive is a pool whose connections serve one caller at a time.
type Exclusive[K comparable, C io.Closer] struct {
	clock     internal.Clock
	maxPerKey int
	hooks     *Hooks

	mu sync.Mutex
	// +checklocks:mu
	entries map[K]*exclusiveEntry[C]
	// +checklocks:mu
	closed bool
}

type exclusiveEntry[C io.Closer] struct {
	// LIFO: the most recently used connection is handed out first, so
	// surplus connections age out through CloseIdle.
	idle []idleConn[C]
	// live counts connections charged against the key's capacity.
	live    int
	inUse   int
	dialing bool
	waiters []*exclusiveWaiter[C]
}

type idleConn[C io.Closer] struct {
	conn  C
	since time.Time
}

type exclusiveWaiter[C io.Closer] struct {
	grant chan exclusiveGrant[C]
}

// exclusiveGrant wakes a waiter. With ok set, it carries a connection that
// is already charged as in use. With err set, the waiter returns it.
// Otherwise, the waiter re-runs acquisition.
type exclusiveGrant[C io.Closer] struct {
	conn C
	ok   bool
	err  error
}

var _ Pool[string, io.Closer] = (*Exclusive[string, io.Closer])(nil)

// NewExclusive creates an exclusive pool that keeps at most maxPerKey
// connections per key. A value less than one means one.
func NewExclusive[K comparable, C io.Closer](maxPerKey int, clock internal.Clock, hooks *Hooks) *Exclusive[K, C] {
	if maxPerKey < 1 {
		maxPerKey = 1
	}
	if clock == nil {
		clock = internal.NewRealClock()
	}
	return &Exclusive[K, C]{
		clock:     clock,
		maxPerKey: maxPerKey,
		hooks:     hooks,
		entries:   map[K]*exclusiveEntry[C]{},
	}
}

// Acquire implements Pool.
func (p *Exclusive[K, C]) Acquire(ctx context.Context, key K) (*Lease[C], *Spawner[C], error) {
	waited := false
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.hooks.acquired(OutcomeFailed)
			return nil, nil, ErrPoolClosed
		}
		entry := p.entryLocked(key)
		if n := len(entry.idle); n > 0 {
			conn := entry.idle[n-1].conn
			entry.idle[n-1] = idleConn[C]{}
			entry.idle = entry.idle[:n-1]
			entry.inUse++
			p.mu.Unlock()
			p.hooks.acquired(outcomeFor(waited, OutcomeReused))
			return p.lease(key, conn), nil, nil
		}
		if !entry.dialing && entry.live < p.maxPerKey {
			entry.dialing = true
			p.mu.Unlock()
			p.hooks.acquired(OutcomeSpawned)
			return nil, p.spawner(key), nil
		}
		waiter := &exclusiveWaiter[C]{grant: make(chan exclusiveGrant[C], 1)}
		entry.waiters = append(entry.waiters, waiter)
		p.mu.Unlock()
		waited = true

		select {
		case grant := <-waiter.grant:
			if grant.ok {
				p.hooks.acquired(OutcomeWaited)
				return p.lease(key, grant.conn), nil, nil
			}
			if grant.err != nil {
				p.hooks.acquired(OutcomeMoved)
				return nil, nil, grant.err
			}
			// retry
		case <-ctx.Done():
			p.abandon(key, waiter)
			p.hooks.acquired(OutcomeFailed)
			return nil, nil, context.Cause(ctx)
		}
	}
}

func outcomeFor(waited bool, outcome Outcome) Outcome {
	if waited {
		return OutcomeWaited
	}
	return outcome
}

// abandon removes a waiter whose context is done. If the waiter was already
// granted something, the grant is passed on.
func (p *Exclusive[K, C]) abandon(key K, waiter *exclusiveWaiter[C]) {
	p.mu.Lock()
	entry := p.entries[key]
	if entry != nil {
		for i, w := range entry.waiters {
			if w == waiter {
				entry.waiters = append(entry.waiters[:i], entry.waiters[i+1:]...)
				p.mu.Unlock()
				return
			}
		}
	}
	p.mu.Unlock()
	// Already removed, so a grant is in the buffered channel.
	grant := <-waiter.grant
	if grant.ok {
		p.finish(key, grant.conn, false, false)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry := p.entries[key]; entry != nil {
		p.wakeOneLocked(entry)
	}
}

// +checklocks:p.mu
func (p *Exclusive[K, C]) entryLocked(key K) *exclusiveEntry[C] {
	entry := p.entries[key]
	if entry == nil {
		entry = &exclusiveEntry[C]{}
		p.entries[key] = entry
	}
	return entry
}

// +checklocks:p.mu
func (p *Exclusive[K, C]) pruneLocked(key K, entry *exclusiveEntry[C]) {
	if entry.live == 0 && !entry.dialing && len(entry.waiters) == 0 {
		delete(p.entries, key)
	}
}

// wakeOneLocked asks the oldest waiter to retry acquisition.
//
// +checklocks:p.mu
func (p *Exclusive[K, C]) wakeOneLocked(entry *exclusiveEntry[C]) {
	if len(entry.waiters) == 0 {
		return
	}
	waiter := entry.waiters[0]
	entry.waiters[0] = nil
	entry.waiters = entry.waiters[1:]
	waiter.grant <- exclusiveGrant[C]{}
}

// wakeAllLocked asks every waiter to retry acquisition, or to give up
// with err if it is not nil.
//
// +checklocks:p.mu
func (p *Exclusive[K, C]) wakeAllLocked(entry *exclusiveEntry[C], err error) {
	for _, waiter := range entry.waiters {
		waiter.grant <- exclusiveGrant[C]{err: err}
	}
	entry.waiters = nil
}

func (p *Exclusive[K, C]) lease(key K, conn C) *Lease[C] {
	return newLease(conn, func(destroy, leak bool) {
		p.finish(key, conn, destroy, leak)
	})
}

func (p *Exclusive[K, C]) spawner(key K) *Spawner[C] {
	return &Spawner[C]{
		spawned: func(conn C) *Lease[C] {
			p.mu.Lock()
			entry := p.entryLocked(key)
			entry.dialing = false
			entry.live++
			entry.inUse++
			if entry.live < p.maxPerKey {
				// Room for another connection: let a waiter dial it.
				p.wakeOneLocked(entry)
			}
			p.mu.Unlock()
			p.hooks.opened()
			return p.lease(key, conn)
		},
		abort: func(err error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			entry := p.entryLocked(key)
			entry.dialing = false
			if !errors.Is(err, ErrMoved) {
				err = nil
			}
			p.wakeAllLocked(entry, err)
			p.pruneLocked(key, entry)
		},
	}
}

// Adopt implements Pool. The adopted connection counts toward the key's
// live connections even if that exceeds the per-key capacity. Connections
// beyond the capacity are closed instead of going idle.
func (p *Exclusive[K, C]) Adopt(key K, conn C) *Lease[C] {
	p.mu.Lock()
	entry := p.entryLocked(key)
	entry.live++
	entry.inUse++
	p.mu.Unlock()
	p.hooks.opened()
	return p.lease(key, conn)
}

func (p *Exclusive[K, C]) finish(key K, conn C, destroy, leak bool) {
	p.mu.Lock()
	entry := p.entryLocked(key)
	entry.inUse--
	switch {
	case leak || destroy || p.closed || (entry.live > p.maxPerKey && len(entry.waiters) == 0):
		entry.live--
		p.wakeOneLocked(entry)
		p.pruneLocked(key, entry)
		p.mu.Unlock()
		p.hooks.closed()
		if !leak {
			_ = conn.Close()
		}
	case len(entry.waiters) > 0:
		waiter := entry.waiters[0]
		entry.waiters[0] = nil
		entry.waiters = entry.waiters[1:]
		entry.inUse++
		waiter.grant <- exclusiveGrant[C]{conn: conn, ok: true}
		p.mu.Unlock()
	default:
		entry.idle = append(entry.idle, idleConn[C]{conn: conn, since: p.clock.Now()})
		p.mu.Unlock()
	}
}

// State implements Pool.
func (p *Exclusive[K, C]) State(key K) endpoint.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := p.entries[key]
	switch {
	case entry == nil:
		return endpoint.NotExisting()
	case entry.dialing:
		return endpoint.Connecting(len(entry.waiters))
	case len(entry.idle) > 0:
		return endpoint.Existing(entry.inUse)
	case entry.live > 0:
		// Everything is busy, so requests queue behind the active ones.
		return endpoint.Existing(entry.inUse + len(entry.waiters))
	default:
		return endpoint.NotExisting()
	}
}

// CloseIdle implements Pool.
func (p *Exclusive[K, C]) CloseIdle(before time.Time) int {
	var toClose []C
	p.mu.Lock()
	for key, entry := range p.entries {
		kept := entry.idle[:0]
		for _, idle := range entry.idle {
			if idle.since.Before(before) {
				toClose = append(toClose, idle.conn)
				entry.live--
				continue
			}
			kept = append(kept, idle)
		}
		clear(entry.idle[len(kept):])
		entry.idle = kept
		p.pruneLocked(key, entry)
	}
	p.mu.Unlock()
	for _, conn := range toClose {
		p.hooks.closed()
		_ = conn.Close()
	}
	return len(toClose)
}

// Close implements Pool.
func (p *Exclusive[K, C]) Close() error {
	var toClose []C
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, entry := range p.entries {
		for _, idle := range entry.idle {
			toClose = append(toClose, idle.conn)
			entry.live--
		}
		entry.idle = nil
		p.wakeAllLocked(entry, nil)
	}
	p.mu.Unlock()
	return closeAll(toClose, p.hooks)
}

// Stats implements Pool.
func (p *Exclusive[K, C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var stats Stats
	for _, entry := range p.entries {
		stats.Live += entry.live
		stats.Idle += len(entry.idle)
		stats.Leases += entry.inUse
		stats.Waiting += len(entry.waiters)
		if entry.dialing {
			stats.Dialing++
		}
	}
	return stats
}

// closeAll closes connections concurrently and returns the first error.
func closeAll[C io.Closer](conns []C, hooks *Hooks) error {
	var grp errgroup.Group
	for _, conn := range conns {
		grp.Go(func() error {
			hooks.closed()
			return conn.Close()
		})
	}
	return grp.Wait()
}
