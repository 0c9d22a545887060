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

import "time"

// SleepRecoveryConfig configures automatic recovery after host sleep/wake
type SleepRecoveryConfig struct {
	// Enabled enables sleep detection and recovery attempts
	Enabled bool

	// TimeDiscontinuityThreshold is the minimum elapsed time beyond the expected
	// poll interval that indicates a sleep occurred. Default: 2 seconds
	TimeDiscontinuityThreshold time.Duration
}

// DefaultSleepRecoveryConfig returns sensible defaults for sleep recovery
func DefaultSleepRecoveryConfig() SleepRecoveryConfig {
	return SleepRecoveryConfig{
		Enabled:                    true,
		TimeDiscontinuityThreshold: 2 * time.Second,
	}
}

// DetectSleep checks if the elapsed time since last poll indicates a system sleep.
// Returns true if elapsed time exceeds (pollInterval + TimeDiscontinuityThreshold).
func (cfg SleepRecoveryConfig) DetectSleep(elapsed, pollInterval time.Duration) bool {
	if !cfg.Enabled {
		return false
	}
	expectedMax := pollInterval + cfg.TimeDiscontinuityThreshold
	return elapsed > expectedMax
}

// RetryConfig is the policy for re-reading a card whose read failed with
// a retryable error. Each retry detects the card again first.
type RetryConfig struct {
	// MaxAttempts counts the first read. 1 disables retries.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter randomizes each backoff by up to this fraction
	Jitter float64
}

// DefaultRetryConfig returns the retry policy used by DefaultConfig.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// Config holds polling configuration options
type Config struct {
	PollInterval time.Duration
	// CardRemovalTimeout is how long a card must stay undetected before it
	// counts as removed and will be read again.
	CardRemovalTimeout time.Duration
	// DetectTimeout bounds one detection. Detectors that wait for a card,
	// like the phone relay, report an empty field when it passes.
	DetectTimeout time.Duration
	// History reads that many records per presentation instead of the
	// single configured block.
	History int
	// MaxDetectErrors is how many consecutive detection failures trigger
	// recovery.
	MaxDetectErrors int
	Retry           RetryConfig
	// SleepRecovery configures automatic recovery after host sleep/wake cycles
	SleepRecovery SleepRecoveryConfig
}

// DefaultConfig returns the default polling configuration
func DefaultConfig() *Config {
	return &Config{
		PollInterval:       250 * time.Millisecond,
		CardRemovalTimeout: 600 * time.Millisecond,
		DetectTimeout:      time.Second,
		MaxDetectErrors:    3,
		Retry:              DefaultRetryConfig(),
		SleepRecovery:      DefaultSleepRecoveryConfig(),
	}
}
