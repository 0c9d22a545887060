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

// Package i2c detects PN532 boards on I2C buses.
package i2c

import (
	"context"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-felica/detection"
	"github.com/ZaparooProject/go-felica/pn532"
	"github.com/ZaparooProject/go-felica/transport/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const probeTimeout = time.Second

type detector struct {
	listBuses func() ([]string, error)
	probe     func(ctx context.Context, bus string, mode detection.Mode) bool
}

// New creates a new I2C detector
func New() detection.Detector {
	return &detector{
		listBuses: listBuses,
		probe:     probeDevice,
	}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "i2c"
}

// Detect lists the I2C buses periph knows. Without probing a bus only
// rates low, since the PN532 address is shared with other parts.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	buses, err := d.listBuses()
	if err != nil {
		return nil, err
	}

	var devices []detection.DeviceInfo
	for _, bus := range buses {
		if ctx.Err() != nil {
			break
		}
		if detection.IsPathIgnored(bus, opts.IgnorePaths) {
			continue
		}

		device := detection.DeviceInfo{
			Transport:  "i2c",
			Path:       bus,
			Name:       "PN532 @ 0x24",
			Confidence: detection.Low,
		}
		if opts.Mode != detection.Passive {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			ok := d.probe(probeCtx, bus, opts.Mode)
			cancel()
			if !ok {
				continue
			}
			device.Confidence = detection.High
		}
		devices = append(devices, device)
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

func listBuses() ([]string, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: %w", detection.ErrUnsupportedPlatform, err)
	}
	refs := i2creg.All()
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
	}
	return names, nil
}

func probeDevice(ctx context.Context, bus string, mode detection.Mode) bool {
	transport, err := i2c.New(bus)
	if err != nil {
		return false
	}
	device, err := pn532.New(transport)
	if err != nil {
		_ = transport.Close()
		return false
	}
	defer func() { _ = device.Close() }()

	if mode == detection.Full {
		return device.Init(ctx) == nil
	}
	_, err = device.FirmwareVersion(ctx)
	return err == nil
}
