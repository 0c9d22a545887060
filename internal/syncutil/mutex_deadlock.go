//go:build deadlock

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

// Package syncutil provides the mutex types used by the reader packages.
// This file is compiled when building with -tags=deadlock and swaps in
// github.com/sasha-s/go-deadlock.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// DeadlockTimeout is how long a lock may be waited on before go-deadlock
// reports it. A PN532 command holds the device lock for at most a few
// seconds, so anything longer is a genuine hang.
const DeadlockTimeout = 10 * time.Second

func init() {
	deadlock.Opts.DeadlockTimeout = DeadlockTimeout
}

// Mutex wraps deadlock.Mutex for deadlock detection.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex wraps deadlock.RWMutex for deadlock detection.
type RWMutex struct {
	deadlock.RWMutex
}

// DetectionEnabled reports whether lock waits are watched.
const DetectionEnabled = true
