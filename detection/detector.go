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

// Package detection finds readers attached to the host: PN532 boards on
// serial ports and I2C buses, and devices libnfc knows about. Transport
// packages register a Detector from init; import them for side effects.
package detection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ZaparooProject/go-felica/internal/syncutil"
)

// Mode represents the level of invasiveness for device detection
type Mode int

const (
	// Passive mode only reads descriptors without talking to the device
	Passive Mode = iota
	// Safe mode asks candidates for their firmware version
	Safe
	// Full mode also initializes the reader
	Full
)

// Confidence represents how sure a detector is that a device is a reader
type Confidence int

const (
	// Low confidence, the path merely exists
	Low Confidence = iota
	// Medium confidence, descriptors match a known reader
	Medium
	// High confidence, the device answered as a reader
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// DeviceInfo represents a detected reader
type DeviceInfo struct {
	// Metadata holds descriptor details such as "vidpid" or "product"
	Metadata map[string]string
	// Transport is "uart", "i2c" or "libnfc"
	Transport string
	// Path is what the transport opens: a port, a bus or a connstring
	Path       string
	Name       string
	Confidence Confidence
}

// String returns a human-readable representation of the device
func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s device at %s (confidence: %s)", d.Transport, d.Path, d.Confidence)
}

// Options configures the detection behavior
type Options struct {
	// USB VID:PID pairs to skip, e.g. "1234:5678"
	Blocklist []string
	// Device paths to skip
	IgnorePaths []string
	// Transports to check; empty checks all registered
	Transports []string
	// Timeout bounds the whole detection
	Timeout time.Duration
	// CacheTTL keeps results per transport; zero disables the cache
	CacheTTL time.Duration
	Mode     Mode
}

// DefaultOptions returns sensible default detection options
func DefaultOptions() Options {
	return Options{
		Mode:     Safe,
		Timeout:  5 * time.Second,
		CacheTTL: 30 * time.Second,
	}
}

// Detector finds devices of one transport.
type Detector interface {
	Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error)
	Transport() string
}

var (
	// ErrNoDevicesFound indicates no reader was detected
	ErrNoDevicesFound = errors.New("no reader devices found")
	// ErrDetectionTimeout indicates detection timed out
	ErrDetectionTimeout = errors.New("detection timeout")
	// ErrUnsupportedPlatform indicates the platform doesn't support this detection method
	ErrUnsupportedPlatform = errors.New("platform not supported")
)

var (
	registryMu syncutil.Mutex
	registry   []Detector
)

// RegisterDetector adds a detector to the registry
func RegisterDetector(d Detector) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, d)
}

// detectors returns the registered detectors for transports.
func detectors(transports []string) []Detector {
	registryMu.Lock()
	defer registryMu.Unlock()

	var out []Detector
	for _, d := range registry {
		if len(transports) == 0 || slices.Contains(transports, d.Transport()) {
			out = append(out, d)
		}
	}
	return out
}

// DetectAll runs the registered detectors in parallel. Devices found by
// some detectors are returned even when others fail.
func DetectAll(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	ds := detectors(opts.Transports)
	if len(ds) == 0 {
		return nil, errors.New("no detectors available for specified transports")
	}
	return detectWith(ctx, ds, opts)
}

type detectionResult struct {
	err     error
	devices []DeviceInfo
}

func detectWith(ctx context.Context, ds []Detector, opts *Options) ([]DeviceInfo, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	results := make(chan detectionResult, len(ds))
	for _, d := range ds {
		go func(d Detector) {
			results <- runSingleDetector(ctx, d, opts)
		}(d)
	}

	var (
		devices []DeviceInfo
		errs    []error
	)
	for range ds {
		select {
		case res := <-results:
			if res.err != nil {
				errs = append(errs, res.err)
				continue
			}
			devices = append(devices, res.devices...)
		case <-ctx.Done():
			return nil, ErrDetectionTimeout
		}
	}

	if len(devices) > 0 {
		slices.SortStableFunc(devices, func(a, b DeviceInfo) int {
			return int(b.Confidence) - int(a.Confidence)
		})
		return devices, nil
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, ErrNoDevicesFound
}

func runSingleDetector(ctx context.Context, d Detector, opts *Options) detectionResult {
	if opts.CacheTTL > 0 {
		if cached, ok := cache.get(d.Transport(), opts.CacheTTL); ok {
			return detectionResult{devices: filterDevices(cached, opts)}
		}
	}

	devices, err := d.Detect(ctx, opts)
	if err != nil && !errors.Is(err, ErrNoDevicesFound) {
		return detectionResult{err: fmt.Errorf("%s: %w", d.Transport(), err)}
	}

	if opts.CacheTTL > 0 {
		// An empty result clears the entry so an unplugged reader is not
		// offered again.
		cache.set(d.Transport(), devices)
	}
	return detectionResult{devices: filterDevices(devices, opts)}
}

// filterDevices applies IgnorePaths and Blocklist.
func filterDevices(devices []DeviceInfo, opts *Options) []DeviceInfo {
	if len(opts.IgnorePaths) == 0 && len(opts.Blocklist) == 0 {
		return devices
	}

	var filtered []DeviceInfo
	for _, d := range devices {
		if IsPathIgnored(d.Path, opts.IgnorePaths) {
			continue
		}
		if vidpid, ok := d.Metadata["vidpid"]; ok && IsBlocked(vidpid, opts.Blocklist) {
			continue
		}
		filtered = append(filtered, d)
	}
	return filtered
}

// resultCache keeps the last devices seen per transport.
type resultCache struct {
	entries map[string]cacheEntry
	mu      syncutil.RWMutex
}

type cacheEntry struct {
	at      time.Time
	devices []DeviceInfo
}

var cache = &resultCache{entries: make(map[string]cacheEntry)}

func (c *resultCache) get(transport string, ttl time.Duration) ([]DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[transport]
	if !ok || time.Since(e.at) > ttl {
		return nil, false
	}
	return slices.Clone(e.devices), true
}

func (c *resultCache) set(transport string, devices []DeviceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(devices) == 0 {
		delete(c.entries, transport)
		return
	}
	c.entries[transport] = cacheEntry{at: time.Now(), devices: slices.Clone(devices)}
}

// ClearDetectionCache removes all cached detection results
func ClearDetectionCache() {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.entries = make(map[string]cacheEntry)
}
