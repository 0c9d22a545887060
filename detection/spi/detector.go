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

// Package spi detects PN532 boards on SPI ports.
package spi

import (
	"context"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-felica/detection"
	"github.com/ZaparooProject/go-felica/pn532"
	"github.com/ZaparooProject/go-felica/transport/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const probeTimeout = time.Second

type detector struct {
	listPorts func() ([]string, error)
	probe     func(ctx context.Context, port string, mode detection.Mode) bool
}

// New creates a new SPI detector
func New() detection.Detector {
	return &detector{
		listPorts: listPorts,
		probe:     probeDevice,
	}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "spi"
}

// Detect lists the SPI ports periph knows. An unprobed port rates low;
// SPI has no addressing, so anything may sit behind chip select.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := d.listPorts()
	if err != nil {
		return nil, err
	}

	var devices []detection.DeviceInfo
	for _, port := range ports {
		if ctx.Err() != nil {
			break
		}
		if detection.IsPathIgnored(port, opts.IgnorePaths) {
			continue
		}

		device := detection.DeviceInfo{
			Transport:  "spi",
			Path:       port,
			Name:       "PN532 (SPI)",
			Confidence: detection.Low,
		}
		if opts.Mode != detection.Passive {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			ok := d.probe(probeCtx, port, opts.Mode)
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

func listPorts() ([]string, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: %w", detection.ErrUnsupportedPlatform, err)
	}
	refs := spireg.All()
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
	}
	return names, nil
}

func probeDevice(ctx context.Context, port string, mode detection.Mode) bool {
	transport, err := spi.New(port)
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
