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
)

// Shared is a pool whose connections are multiplexed: every caller for a
// key gets a lease on the same resident connection.
type Shared[K comparable, C io.Closer] struct {
	clock internal.Clock
	hooks *Hooks

	mu sync.Mutex
	// +checklocks:mu
	resident map[K]*sharedEntry[C]
	// +checklocks:mu
	dialing map[K]*dialAttempt[C]
	// +checklocks:mu
	detached map[*sharedEntry[C]]struct{}
	// +checklocks:mu
	closed bool
}

type sharedEntry[C io.Closer] struct {
	conn C
	refs int
	// detached entries are no longer resident and are closed when refs
	// reaches zero, unless leaked.
	detached  bool
	leaked    bool
	idleSince time.Time
}

// dialAttempt is the one in-flight dial for a cold key. done is closed when
// the spawner reports; entry is set on success and err on abort.
type dialAttempt[C io.Closer] struct {
	done    chan struct{}
	entry   *sharedEntry[C]
	err     error
	waiters int
}

var _ Pool[string, io.Closer] = (*Shared[string, io.Closer])(nil)

// NewShared creates a shared pool.
func NewShared[K comparable, C io.Closer](clock internal.Clock, hooks *Hooks) *Shared[K, C] {
	if clock == nil {
		clock = internal.NewRealClock()
	}
	return &Shared[K, C]{
		clock:    clock,
		hooks:    hooks,
		resident: map[K]*sharedEntry[C]{},
		dialing:  map[K]*dialAttempt[C]{},
		detached: map[*sharedEntry[C]]struct{}{},
	}
}

// Acquire implements Pool.
func (p *Shared[K, C]) Acquire(ctx context.Context, key K) (*Lease[C], *Spawner[C], error) {
	waited := false
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.hooks.acquired(OutcomeFailed)
			return nil, nil, ErrPoolClosed
		}
		if entry := p.resident[key]; entry != nil {
			if usable(entry.conn) {
				entry.refs++
				p.mu.Unlock()
				p.hooks.acquired(outcomeFor(waited, OutcomeReused))
				return p.lease(key, entry), nil, nil
			}
			evicted := p.detachLocked(key, entry)
			p.mu.Unlock()
			p.closeEvicted(evicted)
			continue
		}
		attempt := p.dialing[key]
		if attempt == nil {
			attempt = &dialAttempt[C]{done: make(chan struct{})}
			p.dialing[key] = attempt
			p.mu.Unlock()
			p.hooks.acquired(OutcomeSpawned)
			return nil, p.spawner(key, attempt), nil
		}
		attempt.waiters++
		p.mu.Unlock()
		waited = true

		select {
		case <-attempt.done:
			p.mu.Lock()
			attempt.waiters--
			entry := attempt.entry
			if entry != nil && !entry.detached && !p.closed {
				entry.refs++
				p.mu.Unlock()
				p.hooks.acquired(OutcomeWaited)
				return p.lease(key, entry), nil, nil
			}
			moved := entry == nil && errors.Is(attempt.err, ErrMoved)
			p.mu.Unlock()
			if moved {
				p.hooks.acquired(OutcomeMoved)
				return nil, nil, attempt.err
			}
			// The dial failed, or its connection was already discarded.
		case <-ctx.Done():
			p.mu.Lock()
			attempt.waiters--
			p.mu.Unlock()
			p.hooks.acquired(OutcomeFailed)
			return nil, nil, context.Cause(ctx)
		}
	}
}

// detachLocked removes entry from the resident set. It returns the entry
// if it should be closed now because nothing refers to it.
//
// +checklocks:p.mu
func (p *Shared[K, C]) detachLocked(key K, entry *sharedEntry[C]) *sharedEntry[C] {
	if p.resident[key] == entry {
		delete(p.resident, key)
	}
	if entry.detached {
		return nil
	}
	entry.detached = true
	if entry.refs == 0 {
		return entry
	}
	p.detached[entry] = struct{}{}
	return nil
}

func (p *Shared[K, C]) closeEvicted(entry *sharedEntry[C]) {
	if entry == nil {
		return
	}
	p.hooks.closed()
	_ = entry.conn.Close()
}

func (p *Shared[K, C]) lease(key K, entry *sharedEntry[C]) *Lease[C] {
	return newLease(entry.conn, func(destroy, leak bool) {
		p.finish(key, entry, destroy, leak)
	})
}

// installLocked makes conn the resident connection for key. A connection
// already resident for the key is detached, staying open for its current
// holders.
//
// +checklocks:p.mu
func (p *Shared[K, C]) installLocked(key K, conn C) (*sharedEntry[C], *sharedEntry[C]) {
	entry := &sharedEntry[C]{conn: conn, refs: 1}
	var evicted *sharedEntry[C]
	if previous := p.resident[key]; previous != nil {
		evicted = p.detachLocked(key, previous)
	}
	if p.closed {
		entry.detached = true
		p.detached[entry] = struct{}{}
	} else {
		p.resident[key] = entry
	}
	return entry, evicted
}

func (p *Shared[K, C]) spawner(key K, attempt *dialAttempt[C]) *Spawner[C] {
	return &Spawner[C]{
		spawned: func(conn C) *Lease[C] {
			p.mu.Lock()
			if p.dialing[key] == attempt {
				delete(p.dialing, key)
			}
			entry, evicted := p.installLocked(key, conn)
			attempt.entry = entry
			close(attempt.done)
			p.mu.Unlock()
			p.closeEvicted(evicted)
			p.hooks.opened()
			return p.lease(key, entry)
		},
		abort: func(err error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.dialing[key] == attempt {
				delete(p.dialing, key)
			}
			attempt.err = err
			close(attempt.done)
		},
	}
}

// Adopt implements Pool. The adopted connection becomes the resident
// connection for key.
func (p *Shared[K, C]) Adopt(key K, conn C) *Lease[C] {
	p.mu.Lock()
	entry, evicted := p.installLocked(key, conn)
	p.mu.Unlock()
	p.closeEvicted(evicted)
	p.hooks.opened()
	return p.lease(key, entry)
}

func (p *Shared[K, C]) finish(key K, entry *sharedEntry[C], destroy, leak bool) {
	p.mu.Lock()
	entry.refs--
	if leak {
		// The caller takes the connection over. Other holders keep their
		// leases, but the pool will never close it.
		entry.leaked = true
		p.detachLocked(key, entry)
	} else if destroy {
		p.detachLocked(key, entry)
	}
	if entry.refs > 0 {
		p.mu.Unlock()
		return
	}
	if !entry.detached {
		entry.idleSince = p.clock.Now()
		p.mu.Unlock()
		return
	}
	delete(p.detached, entry)
	p.mu.Unlock()
	p.hooks.closed()
	if !entry.leaked {
		_ = entry.conn.Close()
	}
}

// State implements Pool.
func (p *Shared[K, C]) State(key K) endpoint.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry := p.resident[key]; entry != nil && usable(entry.conn) {
		return endpoint.Existing(entry.refs)
	}
	if attempt := p.dialing[key]; attempt != nil {
		return endpoint.Connecting(attempt.waiters)
	}
	return endpoint.NotExisting()
}

// Refs returns the number of leases on the resident connection for key.
func (p *Shared[K, C]) Refs(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry := p.resident[key]; entry != nil {
		return entry.refs
	}
	return 0
}

// CloseIdle implements Pool.
func (p *Shared[K, C]) CloseIdle(before time.Time) int {
	var toClose []C
	p.mu.Lock()
	for key, entry := range p.resident {
		if entry.refs == 0 && entry.idleSince.Before(before) {
			delete(p.resident, key)
			toClose = append(toClose, entry.conn)
		}
	}
	p.mu.Unlock()
	for _, conn := range toClose {
		p.hooks.closed()
		_ = conn.Close()
	}
	return len(toClose)
}

// Close implements Pool.
func (p *Shared[K, C]) Close() error {
	var toClose []C
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for key, entry := range p.resident {
		delete(p.resident, key)
		entry.detached = true
		if entry.refs == 0 {
			toClose = append(toClose, entry.conn)
			continue
		}
		p.detached[entry] = struct{}{}
	}
	p.mu.Unlock()
	return closeAll(toClose, p.hooks)
}

// Stats implements Pool.
func (p *Shared[K, C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var stats Stats
	count := func(entry *sharedEntry[C]) {
		stats.Live++
		stats.Leases += entry.refs
		if entry.refs == 0 {
			stats.Idle++
		}
	}
	for _, entry := range p.resident {
		count(entry)
	}
	for entry := range p.detached {
		count(entry)
	}
	for _, attempt := range p.dialing {
		stats.Dialing++
		stats.Waiting += attempt.waiters
	}
	return stats
}
