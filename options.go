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

import "time"

// Defaults used by DefaultConfig.
const (
	// DefaultCommandTimeout bounds every single command exchange.
	DefaultCommandTimeout = time.Second
	// DefaultSystemCode is the polling system code; the wildcard makes any
	// FeliCa card answer.
	DefaultSystemCode = SystemCodeWildcard
	// DefaultServiceCode is the Cyberne ride history service.
	DefaultServiceCode = ServiceCodeHistory
	// DefaultBlock is the most recent history entry.
	DefaultBlock = 0
)

// Config holds session and reader settings.
type Config struct {
	// Tracer receives every exchanged frame; nil disables tracing.
	Tracer Tracer
	// CommandTimeout bounds each exchange with the tag.
	CommandTimeout time.Duration
	// Block is the block number Reader.Read fetches.
	Block int
	// SystemCode is sent with the polling command.
	SystemCode SystemCode
	// ServiceCode is the service Reader selects.
	ServiceCode ServiceCode
}

// DefaultConfig returns the settings for reading Cyberne ride history.
func DefaultConfig() Config {
	return Config{
		CommandTimeout: DefaultCommandTimeout,
		SystemCode:     DefaultSystemCode,
		ServiceCode:    DefaultServiceCode,
		Block:          DefaultBlock,
	}
}

// Option configures a Session or Reader.
type Option func(*Config)

// WithSystemCode sets the system code sent when polling.
func WithSystemCode(code SystemCode) Option {
	return func(c *Config) {
		c.SystemCode = code
	}
}

// WithServiceCode sets the service selected before reading.
func WithServiceCode(code ServiceCode) Option {
	return func(c *Config) {
		c.ServiceCode = code
	}
}

// WithBlock sets the block number read by Reader.Read.
func WithBlock(n int) Option {
	return func(c *Config) {
		c.Block = n
	}
}

// WithCommandTimeout sets the per-command timeout. Non-positive values
// keep the default.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.CommandTimeout = d
		}
	}
}

// WithTracer sets the sink receiving every exchanged frame.
func WithTracer(t Tracer) Option {
	return func(c *Config) {
		c.Tracer = t
	}
}

func buildConfig(opts []Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
