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

// Package pool implements keyed connection pools.
//
// A pool never dials. Acquire either returns a Lease on a pooled connection
// or, when a new connection is needed, a Spawner: the caller holding a
// Spawner dials on behalf of everyone waiting on the same key and hands the
// result (or the failure) back to the pool. Only one Spawner is outstanding
// per key at a time.
//
// Two flavors exist. Exclusive pools hand each connection to one caller at
// a time and take it back when the lease is released. Shared pools hand the
// same connection to any number of callers and reference count the leases.
package pool

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httppool/endpoint"
)

var (
	// ErrPoolClosed is returned from Acquire once the pool has been closed.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrMoved is given to Spawner.Abort when the dialed connection was
	// registered under a different key. Callers waiting on the aborted key
	// get it back from Acquire instead of dialing again, so that they can
	// choose their key afresh.
	ErrMoved = errors.New("connection registered under another key")
)

// Pool is a keyed set of connections.
type Pool[K comparable, C io.Closer] interface {
	// Acquire returns exactly one of a lease or a spawner. It blocks while
	// another caller is dialing for the same key, or while an exclusive key
	// is at capacity, until ctx is done.
	Acquire(ctx context.Context, key K) (*Lease[C], *Spawner[C], error)
	// State classifies what the pool currently holds for key.
	State(key K) endpoint.State
	// Adopt registers a connection that was dialed outside of a Spawner,
	// for example one whose key was only known after the dial, and returns
	// a lease on it.
	Adopt(key K, conn C) *Lease[C]
	// CloseIdle closes connections that have been idle since before the
	// given time and reports how many were closed.
	CloseIdle(before time.Time) int
	// Close closes idle connections and fails all waiters. Connections that
	// are in use are closed when their leases are released.
	Close() error
	// Stats returns a snapshot of the pool's occupancy.
	Stats() Stats
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	// Live is the number of connections owned by the pool, idle or in use.
	Live int
	// Idle is the number of connections not currently leased.
	Idle int
	// Leases is the number of outstanding leases.
	Leases int
	// Dialing is the number of keys with an outstanding Spawner.
	Dialing int
	// Waiting is the number of callers blocked in Acquire.
	Waiting int
}

// Outcome describes how an Acquire call was satisfied.
type Outcome string

const (
	OutcomeReused  = Outcome("reused")
	OutcomeSpawned = Outcome("spawned")
	OutcomeWaited  = Outcome("waited")
	OutcomeFailed  = Outcome("failed")
	OutcomeMoved   = Outcome("moved")
)

// Hooks receive pool events. Any field may be nil.
type Hooks struct {
	// Acquired is called once per Acquire call.
	Acquired func(Outcome)
	// Opened is called when a connection joins the pool.
	Opened func()
	// Closed is called when a connection leaves the pool, whether it was
	// closed or leaked.
	Closed func()
}

func (h *Hooks) acquired(outcome Outcome) {
	if h != nil && h.Acquired != nil {
		h.Acquired(outcome)
	}
}

func (h *Hooks) opened() {
	if h != nil && h.Opened != nil {
		h.Opened()
	}
}

func (h *Hooks) closed() {
	if h != nil && h.Closed != nil {
		h.Closed()
	}
}

// Usable may be implemented by connections that can tell when they are no
// longer able to serve requests, such as a multiplexed connection that
// received a GOAWAY. Shared pools evict such connections on Acquire.
type Usable interface {
	Usable() bool
}

func usable(conn any) bool {
	if u, ok := conn.(Usable); ok {
		return u.Usable()
	}
	return true
}

// Lease is one caller's hold on a pooled connection. Releasing it returns
// the connection to the pool unless DestroyOnDrop was called, in which case
// the connection is closed once no other lease refers to it.
type Lease[C io.Closer] struct {
	value   C
	finish  func(destroy, leak bool)
	destroy atomic.Bool
	done    atomic.Bool
}

func newLease[C io.Closer](value C, finish func(destroy, leak bool)) *Lease[C] {
	return &Lease[C]{value: value, finish: finish}
}

// Value returns the leased connection.
func (l *Lease[C]) Value() C {
	return l.value
}

// DestroyOnDrop marks the connection so that it is never handed out again.
func (l *Lease[C]) DestroyOnDrop() {
	l.destroy.Store(true)
}

// Destroying reports whether DestroyOnDrop has been called.
func (l *Lease[C]) Destroying() bool {
	return l.destroy.Load()
}

// Release returns the connection to the pool, or closes it if it was marked
// with DestroyOnDrop. Only the first call has any effect, so it is safe to
// defer Release and also call it on the success path.
func (l *Lease[C]) Release() {
	if l.done.CompareAndSwap(false, true) {
		l.finish(l.destroy.Load(), false)
	}
}

// Leak detaches the connection from the pool permanently and returns it.
// The pool no longer counts it and will never close it: the caller owns it
// from now on. Leak after Release returns the connection without effect.
func (l *Lease[C]) Leak() C {
	if l.done.CompareAndSwap(false, true) {
		l.finish(false, true)
	}
	return l.value
}

// Spawner is the right to dial a new connection for a key. Exactly one of
// Spawned or Abort must be called; Abort after Spawned is a no-op so that
// it can be deferred.
type Spawner[C io.Closer] struct {
	spawned func(conn C) *Lease[C]
	abort   func(err error)
	done    atomic.Bool
}

// Spawned hands a freshly dialed connection to the pool and returns the
// caller's lease on it. Waiters on the key are notified.
func (s *Spawner[C]) Spawned(conn C) *Lease[C] {
	if !s.done.CompareAndSwap(false, true) {
		panic("pool: Spawner used after Spawned or Abort")
	}
	return s.spawned(conn)
}

// Abort reports that the dial failed. Waiters on the key retry acquisition
// on their own, and the first of them becomes the next Spawner.
func (s *Spawner[C]) Abort(err error) {
	if s.done.CompareAndSwap(false, true) {
		s.abort(err)
	}
}
