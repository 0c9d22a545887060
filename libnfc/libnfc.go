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

// Package libnfc reads FeliCa cards through any reader libnfc supports
// (PN53x over USB, ACR122U, PN532 over UART or I2C).
package libnfc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/internal/syncutil"
	"github.com/clausecker/nfc/v2"
)

// rxBufferSize fits the longest FeliCa frame.
const rxBufferSize = 264

var (
	// ErrNoTag is returned when no FeliCa card answered the poll.
	ErrNoTag = felica.ErrNoTag
	// ErrTimeout is returned when the card did not answer in time.
	ErrTimeout = errors.New("libnfc: card timeout")
	// ErrTargetReleased is returned once the card left or was deselected.
	ErrTargetReleased = errors.New("libnfc: target released")
	// ErrDeviceClosed is returned after Close.
	ErrDeviceClosed = errors.New("libnfc: device closed")
)

// initiator is the part of nfc.Device used here.
type initiator interface {
	InitiatorInit() error
	InitiatorSelectPassiveTarget(m nfc.Modulation, initData []byte) (nfc.Target, error)
	InitiatorTransceiveBytes(tx, rx []byte, timeout int) (int, error)
	InitiatorDeselectTarget() error
	Close() error
	String() string
}

// Config holds the detection settings.
type Config struct {
	// SystemCode is polled by Detect.
	SystemCode felica.SystemCode
	// BaudRate is nfc.Nbr212 or nfc.Nbr424.
	BaudRate int
}

// DefaultConfig polls every system at 212 kbps.
func DefaultConfig() Config {
	return Config{
		SystemCode: felica.SystemCodeWildcard,
		BaudRate:   nfc.Nbr212,
	}
}

// Option configures a Device.
type Option func(*Config)

// WithSystemCode sets the system code Detect polls for.
func WithSystemCode(code felica.SystemCode) Option {
	return func(c *Config) {
		c.SystemCode = code
	}
}

// WithBaudRate selects the polling bit rate.
func WithBaudRate(br int) Option {
	return func(c *Config) {
		c.BaudRate = br
	}
}

// Device is a libnfc reader in initiator mode.
type Device struct {
	dev    initiator
	target *Target
	config Config
	mu     syncutil.Mutex
}

// Open opens the reader named by connstring ("" picks the first one
// libnfc finds) and puts it in initiator mode.
func Open(connstring string, opts ...Option) (*Device, error) {
	dev, err := nfc.Open(connstring)
	if err != nil {
		return nil, fmt.Errorf("failed to open libnfc device %q: %w", connstring, err)
	}
	d, err := newDevice(dev, opts...)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return d, nil
}

func newDevice(dev initiator, opts ...Option) (*Device, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := dev.InitiatorInit(); err != nil {
		return nil, fmt.Errorf("failed to initialize initiator: %w", err)
	}
	felica.Debugf("libnfc: opened %s", dev.String())
	return &Device{dev: dev, config: cfg}, nil
}

// DetectFeliCa polls once for a card answering systemCode. libnfc calls
// block; ctx is only checked before polling.
func (d *Device) DetectFeliCa(ctx context.Context, systemCode felica.SystemCode) (*Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil, ErrDeviceClosed
	}
	d.target = nil

	payload := []byte{0x00, byte(systemCode >> 8), byte(systemCode), 0x01, 0x00}
	mod := nfc.Modulation{Type: nfc.Felica, BaudRate: d.config.BaudRate}
	nt, err := d.dev.InitiatorSelectPassiveTarget(mod, payload)
	if err != nil {
		if isCode(err, nfc.ETIMEOUT) {
			return nil, ErrNoTag
		}
		return nil, fmt.Errorf("select passive target: %w", err)
	}
	ft, ok := nt.(*nfc.FelicaTarget)
	if !ok || ft == nil {
		return nil, ErrNoTag
	}

	t := &Target{device: d, idm: ft.ID, pmm: ft.Pad}
	if ft.Len >= 20 {
		t.systemCode = felica.SystemCode(uint16(ft.SysCode[0])<<8 | uint16(ft.SysCode[1]))
		t.hasSystemCode = true
	}
	d.target = t
	felica.Debugf("libnfc: detected FeliCa IDm=%X", t.idm)
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

// String names the underlying reader.
func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return "libnfc (closed)"
	}
	return d.dev.String()
}

// Close closes the reader.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil
	}
	err := d.dev.Close()
	d.dev = nil
	d.target = nil
	if err != nil {
		return fmt.Errorf("failed to close libnfc device: %w", err)
	}
	return nil
}

func isCode(err error, code int) bool {
	var ne nfc.Error
	return errors.As(err, &ne) && int(ne) == code
}

// mapError gives libnfc timeout and release codes their typed errors.
func mapError(op string, err error) error {
	switch {
	case isCode(err, nfc.ETIMEOUT):
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	case isCode(err, nfc.ETGRELEASED):
		return fmt.Errorf("%s: %w: %w", op, ErrTargetReleased, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Target is a FeliCa card selected by DetectFeliCa.
type Target struct {
	device        *Device
	idm           [felica.IDmLength]byte
	pmm           [felica.PMmLength]byte
	systemCode    felica.SystemCode
	hasSystemCode bool
}

// IDm returns the manufacture ID seen at detection.
func (t *Target) IDm() []byte {
	return append([]byte(nil), t.idm[:]...)
}

// PMm returns the manufacture parameters seen at detection.
func (t *Target) PMm() []byte {
	return append([]byte(nil), t.pmm[:]...)
}

// SystemCode returns the system code reported at detection, if any.
func (t *Target) SystemCode() (felica.SystemCode, bool) {
	return t.systemCode, t.hasSystemCode
}

// Connect fails with ErrTargetReleased once another card was selected.
func (t *Target) Connect(_ context.Context) (felica.Conn, error) {
	t.device.mu.Lock()
	defer t.device.mu.Unlock()
	if t.device.target != t {
		return nil, ErrTargetReleased
	}
	return &conn{target: t}, nil
}

type conn struct {
	target *Target
	once   sync.Once
	err    error
}

// timeoutMillis converts the ctx deadline for libnfc, -1 being its
// default timeout.
func timeoutMillis(ctx context.Context) int {
	deadline, ok := ctx.Deadline()
	if !ok {
		return -1
	}
	return max(1, int(time.Until(deadline).Milliseconds()))
}

func (c *conn) Transceive(ctx context.Context, frame []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := c.target.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil, ErrDeviceClosed
	}
	if d.target != c.target {
		return nil, ErrTargetReleased
	}

	rx := make([]byte, rxBufferSize)
	n, err := d.dev.InitiatorTransceiveBytes(frame, rx, timeoutMillis(ctx))
	if err != nil {
		return nil, mapError("transceive", err)
	}
	return rx[:n], nil
}

// Close deselects the card once.
func (c *conn) Close() error {
	c.once.Do(func() {
		d := c.target.device
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.dev == nil || d.target != c.target {
			return
		}
		d.target = nil
		if err := d.dev.InitiatorDeselectTarget(); err != nil {
			c.err = mapError("deselect", err)
		}
	})
	return c.err
}

var (
	_ felica.Detector   = (*Device)(nil)
	_ felica.Tag        = (*Target)(nil)
	_ felica.Identified = (*Target)(nil)
)
