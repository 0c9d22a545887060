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

package testing

import (
	"io"
	"math/rand/v2"
	"time"

	"github.com/ZaparooProject/go-felica/internal/syncutil"
)

// JitterConfig configures JitteryConnection.
type JitterConfig struct {
	MaxLatency       time.Duration
	Seed             uint64
	FragmentMinBytes int
	FragmentReads    bool
}

// DefaultJitterConfig returns a configuration resembling a USB-UART
// bridge: short random latency and reads split at arbitrary points.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MaxLatency:       2 * time.Millisecond,
		FragmentReads:    true,
		FragmentMinBytes: 1,
	}
}

// JitteryConnection wraps an io.ReadWriter and delivers reads late and in
// fragments, the way CH340 or FTDI bridges do. Writes pass through.
type JitteryConnection struct {
	backend io.ReadWriter
	rng     *rand.Rand
	pending []byte
	config  JitterConfig
	mu      syncutil.Mutex
}

// NewJitteryConnection wraps backend with jitter simulation.
func NewJitteryConnection(backend io.ReadWriter, config JitterConfig) *JitteryConnection {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64() //nolint:gosec // test code
	}
	if config.FragmentMinBytes < 1 {
		config.FragmentMinBytes = 1
	}
	return &JitteryConnection{
		backend: backend,
		config:  config,
		rng:     rand.New(rand.NewPCG(seed, seed^0x5EED)), //nolint:gosec // test code
	}
}

// Write passes writes through to the backend.
func (j *JitteryConnection) Write(data []byte) (int, error) {
	return j.backend.Write(data) //nolint:wrapcheck // pass-through
}

// Read returns at most a random-sized fragment of what the backend has.
func (j *JitteryConnection) Read(buf []byte) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.config.MaxLatency > 0 {
		time.Sleep(time.Duration(j.rng.Int64N(int64(j.config.MaxLatency) + 1)))
	}

	if len(j.pending) == 0 {
		tmp := make([]byte, len(buf))
		n, err := j.backend.Read(tmp)
		if n == 0 || err != nil {
			return 0, err //nolint:wrapcheck // pass-through
		}
		j.pending = tmp[:n]
	}

	n := len(j.pending)
	if j.config.FragmentReads && n > j.config.FragmentMinBytes {
		n = j.config.FragmentMinBytes + j.rng.IntN(n-j.config.FragmentMinBytes+1)
	}
	n = copy(buf, j.pending[:n])
	j.pending = j.pending[n:]
	return n, nil
}
