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

// Package deadline provides a single timer that is re-armed as a request
// moves through its phases (resolve, connect, TLS handshake, request,
// response). Each phase gets its own budget relative to when the phase
// begins, but only one timer and one derived context exist per request.
package deadline

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/bufbuild/httppool/internal"
)

// Timer is a resettable phase deadline. When the current phase's budget
// elapses, the timer's context is cancelled with the phase's cause.
//
// Once the context has been cancelled (by expiry, by Stop, or by the parent
// context), it stays cancelled: a request whose phase expired is over.
type Timer struct {
	ctx    context.Context //nolint:containedctx
	cancel context.CancelCauseFunc
	clock  internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	timer internal.Timer
	// +checklocks:mu
	generation uint64
}

// New creates a timer whose context derives from ctx. The timer starts
// disarmed; call Reset to begin the first phase.
func New(ctx context.Context, clock internal.Clock) *Timer {
	ctx, cancel := context.WithCancelCause(ctx)
	return &Timer{ctx: ctx, cancel: cancel, clock: clock}
}

// Context returns the context that is cancelled when a phase expires.
// Operations of every phase should run with this context.
func (t *Timer) Context() context.Context {
	return t.ctx
}

// Reset re-arms the timer so that it expires d from now with the given
// cause. A non-positive duration disarms the timer: the phase then has no
// budget of its own and is bounded only by the parent context.
func (t *Timer) Reset(d time.Duration, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
	if d <= 0 {
		return
	}
	gen := t.generation
	t.timer = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		current := gen == t.generation
		t.mu.Unlock()
		if current {
			// a late callback from a timer that was already re-armed
			// must not cancel the next phase
			t.cancel(cause)
		}
	})
}

// Stop disarms the timer and releases the context. It is safe to call more
// than once.
func (t *Timer) Stop() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
	t.mu.Unlock()
	t.cancel(context.Canceled)
}

// Expired reports the cause of expiry if the context was cancelled because a
// phase ran out of time. It returns nil if the timer has not expired or if
// the context ended for some other reason (parent cancellation or Stop).
func (t *Timer) Expired(isTimeout func(error) bool) error {
	if t.ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(t.ctx)
	if cause != nil && isTimeout(cause) {
		return cause
	}
	return nil
}

// BindConn makes blocking I/O on conn return once the timer's context is
// done, by moving the connection's deadline into the past. The returned
// function detaches the binding and must be called once the guarded
// operation is over; it reports whether the binding fired.
func BindConn(ctx context.Context, conn net.Conn) (stop func() bool) {
	stopFunc := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() bool {
		return !stopFunc()
	}
}
