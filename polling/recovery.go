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

package polling

import (
	"context"
	"io"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/internal/syncutil"
)

// Recoverer brings a detector back after repeated failures or host sleep.
type Recoverer interface {
	// AttemptRecovery tries to recover the reader connection.
	// Returns nil if recovery was successful, error otherwise.
	AttemptRecovery(ctx context.Context) error

	// Detector returns the current detector (may change after reconnection)
	Detector() felica.Detector
}

// ReopenFunc opens the reader again.
type ReopenFunc func(ctx context.Context) (felica.Detector, error)

// initializer is implemented by detectors with a soft reset, such as
// pn532.Device.
type initializer interface {
	Init(ctx context.Context) error
}

// DefaultRecoverer implements a tiered recovery strategy:
// 1. Soft reset through Init when the detector has one
// 2. Full reconnection via user-provided reopen function
type DefaultRecoverer struct {
	detector    felica.Detector
	reopenFunc  ReopenFunc
	backoff     time.Duration
	maxAttempts int
	mu          syncutil.Mutex
}

// NewDefaultRecoverer creates a recoverer with tiered recovery strategy.
// If reopenFunc is nil, only soft reset will be attempted.
func NewDefaultRecoverer(
	detector felica.Detector,
	reopenFunc ReopenFunc,
	backoff time.Duration,
	maxAttempts int,
) *DefaultRecoverer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &DefaultRecoverer{
		detector:    detector,
		reopenFunc:  reopenFunc,
		backoff:     backoff,
		maxAttempts: maxAttempts,
	}
}

// AttemptRecovery tries the soft reset, then a reopen, up to maxAttempts
// times.
func (r *DefaultRecoverer) AttemptRecovery(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lastErr := errNoRecovery
	for attempt := range r.maxAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff):
			}
		}

		if in, ok := r.detector.(initializer); ok {
			err := in.Init(ctx)
			if err == nil {
				return nil
			}
			lastErr = err
		}

		if r.reopenFunc != nil {
			if c, ok := r.detector.(io.Closer); ok {
				_ = c.Close()
			}
			d, err := r.reopenFunc(ctx)
			if err == nil {
				r.detector = d
				return nil
			}
			lastErr = err
		}
	}
	return lastErr
}

// Detector returns the current detector.
// This may return a different detector after a successful reconnection.
func (r *DefaultRecoverer) Detector() felica.Detector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detector
}
