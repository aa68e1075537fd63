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
	"fmt"
	"time"
)

// StateKind classifies an endpoint by what the pool holds for it. Their
// natural ordering is for "better" kinds to be before "worse" kinds, so
// StateExisting is the lowest value and StateError is the highest.
type StateKind int

const (
	// StateExisting means an established connection can serve the request.
	StateExisting = StateKind(iota)
	// StateConnecting means a dial is in flight and requests queue behind it.
	StateConnecting
	// StateNotExisting means a new connection would have to be dialed.
	StateNotExisting
	// StateError means a recent dial to the endpoint failed.
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateExisting:
		return "existing"
	case StateConnecting:
		return "connecting"
	case StateNotExisting:
		return "not-existing"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

// State is a point-in-time classification of an endpoint. It is computed on
// demand from pool occupancy and is never stored.
type State struct {
	Kind StateKind
	// Load is the number of active requests for StateExisting, or the number
	// of queued waiters for StateConnecting.
	Load int
	// Since is when the failure happened, for StateError.
	Since time.Time
}

// Existing returns the state of an endpoint with an established connection
// that has n active requests.
func Existing(n int) State {
	return State{Kind: StateExisting, Load: n}
}

// Connecting returns the state of an endpoint with a dial in flight and n
// requests waiting on it.
func Connecting(n int) State {
	return State{Kind: StateConnecting, Load: n}
}

// NotExisting returns the state of an endpoint for which nothing is pooled.
func NotExisting() State {
	return State{Kind: StateNotExisting}
}

// Errored returns the state of an endpoint whose last dial failed at since.
func Errored(since time.Time) State {
	return State{Kind: StateError, Since: since}
}

func (s State) String() string {
	switch s.Kind {
	case StateExisting, StateConnecting:
		return fmt.Sprintf("%s(%d)", s.Kind, s.Load)
	case StateError:
		return fmt.Sprintf("error(since %s)", s.Since.Format(time.RFC3339Nano))
	default:
		return s.Kind.String()
	}
}
