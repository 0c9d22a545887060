// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package felica

// SessionState is the lifecycle position of a Session.
type SessionState int

// Session states. Closed and Failed are terminal.
const (
	StateIdle SessionState = iota
	StateConnected
	StatePolled
	StateServiceSelected
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StatePolled:
		return "polled"
	case StateServiceSelected:
		return "service selected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further operation except Close is possible.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// in reports whether s is one of states.
func (s SessionState) in(states ...SessionState) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}
