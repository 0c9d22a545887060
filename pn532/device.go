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

// Package pn532 reads FeliCa cards through an NXP PN532 reader. A Device
// detects cards with InListPassiveTarget and hands out Targets whose
// connections carry raw FeliCa frames with InDataExchange.
package pn532

import (
	"context"
	"errors"
	"fmt"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/internal/syncutil"
)

// DeviceConfig contains configuration options for the Device
type DeviceConfig struct {
	// RetryConfig configures retries of control commands
	RetryConfig *RetryConfig
	// Timeout bounds control commands and detection
	Timeout time.Duration
	// SystemCode is polled by Detect
	SystemCode felica.SystemCode
	// PassiveActivationRetries is written to the chip by Init
	PassiveActivationRetries byte
	// BaudRate selects 212 or 424 kbps polling
	BaudRate byte
}

// DefaultDeviceConfig returns default device configuration
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		RetryConfig:              DefaultRetryConfig(),
		Timeout:                  time.Second,
		SystemCode:               felica.SystemCodeWildcard,
		PassiveActivationRetries: DefaultPassiveActivationRetries,
		BaudRate:                 BaudRateFeliCa212,
	}
}

// Option configures a Device.
type Option func(*Device) error

// WithRetryConfig sets the retry policy for control commands.
func WithRetryConfig(config *RetryConfig) Option {
	return func(d *Device) error {
		d.config.RetryConfig = config
		return nil
	}
}

// WithTimeout sets the timeout of control commands and detection.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Device) error {
		if timeout <= 0 {
			return fmt.Errorf("invalid timeout %v", timeout)
		}
		d.config.Timeout = timeout
		return nil
	}
}

// WithSystemCode sets the system code Detect polls for.
func WithSystemCode(code felica.SystemCode) Option {
	return func(d *Device) error {
		d.config.SystemCode = code
		return nil
	}
}

// WithPassiveActivationRetries sets MxRtyPassiveActivation.
func WithPassiveActivationRetries(n byte) Option {
	return func(d *Device) error {
		d.config.PassiveActivationRetries = n
		return nil
	}
}

// WithBaudRate selects BaudRateFeliCa212 or BaudRateFeliCa424.
func WithBaudRate(br byte) Option {
	return func(d *Device) error {
		if br != BaudRateFeliCa212 && br != BaudRateFeliCa424 {
			return fmt.Errorf("invalid FeliCa baud rate 0x%02X", br)
		}
		d.config.BaudRate = br
		return nil
	}
}

// Device is a PN532 reader.
//
// Commands are serialized by the transport. The Device tracks the single
// target the chip keeps selected; detecting a new card releases the old
// Target.
type Device struct {
	transport Transport
	control   Transport
	config    *DeviceConfig
	firmware  *FirmwareVersion
	target    *Target
	mu        syncutil.Mutex
}

// New creates a Device on transport. Call Init before detecting cards.
func New(transport Transport, opts ...Option) (*Device, error) {
	if transport == nil {
		return nil, errors.New("nil transport")
	}
	d := &Device{
		transport: transport,
		config:    DefaultDeviceConfig(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	d.control = NewTransportWithRetry(transport, d.config.RetryConfig)
	return d, nil
}

// Init checks the firmware, switches the SAM to normal mode and bounds
// the passive activation retries.
func (d *Device) Init(ctx context.Context) error {
	fw, err := d.FirmwareVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get firmware version: %w", err)
	}
	if !fw.SupportsFeliCa() {
		return fmt.Errorf("%w: %s lacks ISO 18092", ErrDeviceNotSupported, fw)
	}

	if err := d.controlCommand(ctx, cmdSAMConfiguration, samNormalArgs); err != nil {
		return fmt.Errorf("SAM configuration failed: %w", err)
	}

	retries := d.config.PassiveActivationRetries
	if err := d.controlCommand(ctx, cmdRFConfiguration, []byte{rfItemMaxRetries, 0xFF, 0x01, retries}); err != nil {
		// older firmware may refuse; detection then waits longer
		felica.Debugf("pn532: setting passive activation retries failed: %v", err)
	}

	felica.Debugf("pn532: initialized %s over %s", fw, d.transport.Type())
	return nil
}

// FirmwareVersion queries the chip and caches the answer.
func (d *Device) FirmwareVersion(ctx context.Context) (*FirmwareVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	res, err := d.control.SendCommand(ctx, cmdGetFirmwareVersion, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to send GetFirmwareVersion command: %w", err)
	}
	fw, err := parseFirmwareVersion(res)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.firmware = fw
	d.mu.Unlock()
	return fw, nil
}

// controlCommand sends a command answered by its bare response code.
func (d *Device) controlCommand(ctx context.Context, cmd byte, args []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	res, err := d.control.SendCommand(ctx, cmd, args)
	if err != nil {
		return err
	}
	if len(res) < 1 || res[0] != cmd+1 {
		return fmt.Errorf("%w: command 0x%02X answered % X", ErrInvalidResponse, cmd, res)
	}
	return nil
}

// DetectFeliCa polls for one FeliCa card answering systemCode. It returns
// ErrNoTag when the field is empty.
func (d *Device) DetectFeliCa(ctx context.Context, systemCode felica.SystemCode) (*Target, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	args := []byte{
		0x01, // MaxTg
		d.config.BaudRate,
		0x00, // polling
		byte(systemCode >> 8), byte(systemCode),
		0x01, // request system code
		0x00, // one time slot
	}

	// The chip deselects its target on every InListPassiveTarget.
	d.mu.Lock()
	d.target = nil
	d.mu.Unlock()

	res, err := d.transport.SendCommand(ctx, cmdInListPassiveTarget, args)
	if err != nil {
		return nil, fmt.Errorf("InListPassiveTarget failed: %w", err)
	}
	t, err := parseFeliCaTarget(res)
	if err != nil {
		return nil, err
	}
	t.device = d

	d.mu.Lock()
	d.target = t
	d.mu.Unlock()
	felica.Debugf("pn532: detected FeliCa IDm=%X system=%s", t.idm, t.systemCode)
	return t, nil
}

// Detect polls with the configured system code.
func (d *Device) Detect(ctx context.Context) (felica.Tag, error) {
	t, err := d.DetectFeliCa(ctx, d.config.SystemCode)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Close closes the transport.
func (d *Device) Close() error {
	d.mu.Lock()
	d.target = nil
	d.mu.Unlock()
	if err := d.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// current reports whether t is the target the chip has selected.
func (d *Device) current(t *Target) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target == t
}

// release forgets t if it is still the selected target.
func (d *Device) release(t *Target) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.target == t {
		d.target = nil
	}
}

var _ felica.Detector = (*Device)(nil)
