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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/detection"
	"github.com/ZaparooProject/go-felica/libnfc"
	"github.com/ZaparooProject/go-felica/pn532"
	"github.com/ZaparooProject/go-felica/transport/i2c"
	"github.com/ZaparooProject/go-felica/transport/spi"
	"github.com/ZaparooProject/go-felica/transport/uart"
)

// reader is a detector owning its device.
type reader interface {
	felica.Detector
	io.Closer
}

type openFunc func(ctx context.Context, kind, device string, systemCode felica.SystemCode) (reader, error)

// openReader opens the reader selected by kind and polls for systemCode.
func openReader(ctx context.Context, kind, device string, systemCode felica.SystemCode) (reader, error) {
	if kind == transportLibNFC {
		d, err := libnfc.Open(device, libnfc.WithSystemCode(systemCode))
		if err != nil {
			return nil, fmt.Errorf("failed to open libnfc device: %w", err)
		}
		felica.Debugf("opened %s", d)
		return d, nil
	}

	transport, err := newTransport(kind, device)
	if err != nil {
		return nil, err
	}
	d, err := pn532.New(transport, pn532.WithSystemCode(systemCode))
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	if err := d.Init(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("failed to initialize PN532: %w", err)
	}
	if fw, err := d.FirmwareVersion(ctx); err == nil {
		felica.Debugf("PN532 firmware %s", fw)
	}
	return d, nil
}

// newTransport creates the PN532 transport for kind.
func newTransport(kind, device string) (pn532.Transport, error) {
	switch kind {
	case transportUART:
		if device == "" {
			return nil, errors.New("no serial port given: use --device or " + envDevice)
		}
		t, err := uart.New(device)
		if err != nil {
			return nil, fmt.Errorf("failed to create UART transport for %s: %w", device, err)
		}
		return t, nil
	case transportI2C:
		t, err := i2c.New(device)
		if err != nil {
			return nil, fmt.Errorf("failed to create I2C transport for %s: %w", device, err)
		}
		return t, nil
	case transportSPI:
		t, err := spi.New(device)
		if err != nil {
			return nil, fmt.Errorf("failed to create SPI transport for %s: %w", device, err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", kind)
	}
}

// openReader resolves the persistent flags and opens the reader.
func (a *app) openReader(ctx context.Context, systemCode felica.SystemCode) (reader, error) {
	kind, err := a.transportKind()
	if err != nil {
		return nil, err
	}
	device := a.devicePath()
	if device == "" && kind != transportLibNFC {
		if device, err = a.findDevice(ctx, kind); err != nil {
			return nil, err
		}
	}
	felica.Debugf("opening %s reader %q", kind, device)
	return a.open(ctx, kind, device, systemCode)
}

// findDevice returns the most likely reader of kind attached to the host.
func (a *app) findDevice(ctx context.Context, kind string) (string, error) {
	opts := detection.DefaultOptions()
	opts.Transports = []string{kind}
	devices, err := a.discover(ctx, &opts)
	if err != nil {
		return "", fmt.Errorf("no device given and none detected: %w", err)
	}
	felica.Debugf("detected %s", devices[0])
	return devices[0].Path, nil
}

// waitForTag polls det until a tag is presented, wait elapses or ctx ends.
func waitForTag(ctx context.Context, det felica.Detector, wait, interval time.Duration) (felica.Tag, error) {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	for {
		tag, err := det.Detect(ctx)
		if err == nil {
			return tag, nil
		}
		if !errors.Is(err, felica.ErrNoTag) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("no card presented within %s: %w", wait, felica.ErrNoTag)
			}
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
