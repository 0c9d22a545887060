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

// Package libnfc lists the devices libnfc can open.
package libnfc

import (
	"context"
	"fmt"

	"github.com/ZaparooProject/go-felica/detection"
	"github.com/clausecker/nfc/v2"
)

type detector struct {
	listDevices func() ([]string, error)
}

// New creates a new libnfc detector
func New() detection.Detector {
	return &detector{listDevices: nfc.ListDevices}
}

func init() {
	detection.RegisterDetector(New())
}

// Transport returns the transport type
func (*detector) Transport() string {
	return "libnfc"
}

// Detect returns every connstring libnfc reports. libnfc has already
// talked to them, so they rate high.
func (d *detector) Detect(_ context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	connstrings, err := d.listDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to list libnfc devices: %w", err)
	}

	var devices []detection.DeviceInfo
	for _, cs := range connstrings {
		if detection.IsPathIgnored(cs, opts.IgnorePaths) {
			continue
		}
		devices = append(devices, detection.DeviceInfo{
			Transport:  "libnfc",
			Path:       cs,
			Name:       cs,
			Confidence: detection.High,
		})
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}
