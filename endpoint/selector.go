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

package endpoint

import (
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httppool/internal"
)

// ErrNoCandidates is returned by a Selector given an empty candidate list.
var ErrNoCandidates = errors.New("no candidate endpoints")

// Candidate is an endpoint along with its current state.
type Candidate struct {
	Endpoint Endpoint
	State    State
}

// Selector picks the endpoint to use for a request from the candidates
// produced by resolution. Implementations must be safe for concurrent use.
type Selector interface {
	Select(candidates []Candidate) (Candidate, error)
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(candidates []Candidate) (Candidate, error)

// Select implements Selector.
func (f SelectorFunc) Select(candidates []Candidate) (Candidate, error) {
	return f(candidates)
}

// LeastLoaded returns the default selector. It prefers endpoints with an
// established connection, fewest active requests first; then endpoints with
// a dial in flight, fewest waiters first; then endpoints with nothing
// pooled. Endpoints in the error state are skipped until cooldown has
// elapsed since the failure, after which they rank like endpoints with
// nothing pooled. If every candidate is in an unexpired error state, the
// one that failed longest ago is chosen.
//
// When several candidates rank equally, they are picked in an arbitrary but
// sequential order.
func LeastLoaded(cooldown time.Duration, clock internal.Clock) Selector {
	if clock == nil {
		clock = internal.NewRealClock()
	}
	return &leastLoaded{cooldown: cooldown, clock: clock}
}

type leastLoaded struct {
	cooldown time.Duration
	clock    internal.Clock
	// +checkatomic
	counter atomic.Uint64
}

type rank struct {
	class int
	load  int
}

func (r rank) less(other rank) bool {
	if r.class == other.class {
		return r.load < other.load
	}
	return r.class < other.class
}

func (l *leastLoaded) Select(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoCandidates
	}
	var (
		best     rank
		ties     []int
		oldest   = -1
		eligible bool
	)
	for i, candidate := range candidates {
		state := candidate.State
		if state.Kind == StateError {
			if l.clock.Since(state.Since) < l.cooldown {
				if oldest == -1 || state.Since.Before(candidates[oldest].State.Since) {
					oldest = i
				}
				continue
			}
			state = NotExisting()
		}
		current := rank{class: int(state.Kind), load: state.Load}
		switch {
		case !eligible || current.less(best):
			best = current
			ties = append(ties[:0], i)
			eligible = true
		case !best.less(current):
			ties = append(ties, i)
		}
	}
	if !eligible {
		return candidates[oldest], nil
	}
	if len(ties) == 1 {
		return candidates[ties[0]], nil
	}
	next := l.counter.Add(1) - 1
	return candidates[ties[next%uint64(len(ties))]], nil
}

// RoundRobin returns a selector that ignores load and cycles through the
// candidates in order. Endpoints in the error state are skipped unless all
// candidates are in the error state. In order to mitigate the risk of a
// "thundering herd" across many clients, the starting position is random.
func RoundRobin() Selector {
	picker := &roundRobin{}
	picker.counter.Store(rand.Uint64()) //nolint:gosec // don't need cryptographic RNG
	return picker
}

type roundRobin struct {
	// +checkatomic
	counter atomic.Uint64
}

func (r *roundRobin) Select(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoCandidates
	}
	start := r.counter.Add(1)
	for i := range candidates {
		candidate := candidates[(start+uint64(i))%uint64(len(candidates))]
		if candidate.State.Kind != StateError {
			return candidate, nil
		}
	}
	return candidates[start%uint64(len(candidates))], nil
}

// First returns a selector that always uses the first candidate that is not
// in the error state, preserving resolver order.
func First() Selector {
	return SelectorFunc(func(candidates []Candidate) (Candidate, error) {
		if len(candidates) == 0 {
			return Candidate{}, ErrNoCandidates
		}
		for _, candidate := range candidates {
			if candidate.State.Kind != StateError {
				return candidate, nil
			}
		}
		return candidates[0], nil
	})
}

// ErrorTracker remembers recent dial failures so that a selector can steer
// around endpoints that are refusing connections. Entries expire after the
// cooldown and are cleared by a successful dial.
type ErrorTracker struct {
	cooldown time.Duration
	clock    internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	failures map[Endpoint]time.Time
}

// NewErrorTracker creates an ErrorTracker.
func NewErrorTracker(cooldown time.Duration, clock internal.Clock) *ErrorTracker {
	if clock == nil {
		clock = internal.NewRealClock()
	}
	return &ErrorTracker{
		cooldown: cooldown,
		clock:    clock,
		failures: map[Endpoint]time.Time{},
	}
}

// Failed records a failed dial to ep.
func (t *ErrorTracker) Failed(ep Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[ep] = t.clock.Now()
}

// Succeeded clears any failure recorded for ep.
func (t *ErrorTracker) Succeeded(ep Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, ep)
}

// State returns the error state of ep and true if a failure was recorded
// within the cooldown window.
func (t *ErrorTracker) State(ep Endpoint) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	since, ok := t.failures[ep]
	if !ok {
		return State{}, false
	}
	if t.clock.Since(since) >= t.cooldown {
		delete(t.failures, ep)
		return State{}, false
	}
	return Errored(since), true
}
