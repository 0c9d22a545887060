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

// Package uart detects PN532 boards behind USB serial adapters.
package uart

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ZaparooProject/go-felica/detection"
	"github.com/ZaparooProject/go-felica/pn532"
	"github.com/ZaparooProject/go-felica/transport/uart"
	"go.bug.st/serial/enumerator"
)

const probeTimeout = 2 * time.Second

// Adapters commonly soldered onto PN532 boards.
var knownVIDPIDs = []string{
	"067B:2303", // Prolific PL2303
	"0403:6001", // FTDI FT232
	"10C4:EA60", // Silicon Labs CP210x
	"1A86:7523", // QinHeng CH340
}

var readerKeywords = []string{"pn532", "nfc", "rfid", "13.56"}

// detector implements detection.Detector for serial ports.
type detector struct {
	listPorts func() ([]*enumerator.PortDetails, error)
	probe     func(ctx context.Context, path string, mode detection.Mode) bool
}

// New creates a new UART detector
func New() detection.Detector {
	return &detector{
		listPorts: enumerator.GetDetailedPortsList,
		probe:     probeDevice,
	}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "uart"
}

// Detect lists serial ports and rates each one.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := d.listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var devices []detection.DeviceInfo
	for _, port := range ports {
		if ctx.Err() != nil {
			break
		}
		if device, ok := d.rate(ctx, port, opts); ok {
			devices = append(devices, device)
		}
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

// rate decides whether port is kept and how confident we are.
func (d *detector) rate(ctx context.Context, port *enumerator.PortDetails, opts *detection.Options) (detection.DeviceInfo, bool) {
	vidpid := ""
	if port.IsUSB {
		vidpid = detection.NormalizeVIDPID(port.VID + ":" + port.PID)
	}
	if vidpid != "" && detection.IsBlocked(vidpid, opts.Blocklist) {
		return detection.DeviceInfo{}, false
	}
	if detection.IsPathIgnored(port.Name, opts.IgnorePaths) {
		return detection.DeviceInfo{}, false
	}

	likely := isLikelyReader(vidpid, port.Product)
	device := detection.DeviceInfo{
		Transport:  "uart",
		Path:       port.Name,
		Name:       port.Product,
		Confidence: detection.Low,
		Metadata:   make(map[string]string),
	}
	if vidpid != "" {
		device.Metadata["vidpid"] = vidpid
	}
	if port.SerialNumber != "" {
		device.Metadata["serial"] = port.SerialNumber
	}
	if likely {
		device.Confidence = detection.Medium
	}

	switch opts.Mode {
	case detection.Passive:
		return device, likely
	case detection.Safe, detection.Full:
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if d.probe(probeCtx, port.Name, opts.Mode) {
			device.Confidence = detection.High
			return device, true
		}
		// Safe mode drops ports that neither look nor answer like a reader.
		return device, likely
	default:
		return device, likely
	}
}

func isLikelyReader(vidpid, product string) bool {
	for _, known := range knownVIDPIDs {
		if vidpid == known {
			return true
		}
	}
	product = strings.ToLower(product)
	for _, kw := range readerKeywords {
		if strings.Contains(product, kw) {
			return true
		}
	}
	return false
}

// probeDevice makes a single attempt to talk to a PN532 on path. Probing
// is never retried since the port may belong to another device.
func probeDevice(ctx context.Context, path string, mode detection.Mode) bool {
	transport, err := uart.New(path)
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
