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

// Package i2c implements the PN532 I2C transport on periph.io.
package i2c

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/internal/frame"
	"github.com/ZaparooProject/go-felica/internal/syncutil"
	"github.com/ZaparooProject/go-felica/pn532"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	// PN532 7-bit I2C address (the datasheet's 0x48 includes the R/W bit).
	pn532Addr = 0x24

	// pn532Ready is the status byte prepended to every read once the PN532
	// has data.
	pn532Ready = 0x01

	maxClockFreq = 400 * physic.KiloHertz

	defaultTimeout = time.Second
	ackTimeout     = 100 * time.Millisecond
	ackAttempts    = 3
	nackAttempts   = 3

	// maxReadSize fits the largest extended frame.
	maxReadSize = frame.MaxFrameDataLength + 10
)

var ackDelays = [ackAttempts]time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
}

// Transport implements pn532.Transport over I2C.
type Transport struct {
	dev     *i2c.Dev
	bus     i2c.BusCloser
	trace   *felica.TraceBuffer
	busName string
	timeout time.Duration
	mu      syncutil.Mutex
}

// parseI2CPath accepts "/dev/i2c-1:0x24" or a bare bus name.
func parseI2CPath(path string) string {
	bus, _, _ := strings.Cut(path, ":")
	return bus
}

// New initializes the periph host and opens busName.
func New(busName string) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	bus, err := i2creg.Open(parseI2CPath(busName))
	if err != nil {
		return nil, pn532.NewTransportError("open", busName,
			fmt.Errorf("%w: %w", pn532.ErrDeviceNotFound, err), pn532.ErrorTypePermanent)
	}
	if err := bus.SetSpeed(maxClockFreq); err != nil {
		felica.Debugf("i2c: keeping default bus speed: %v", err)
	}
	return newTransport(bus, busName), nil
}

func newTransport(bus i2c.BusCloser, name string) *Transport {
	return &Transport{
		dev:     &i2c.Dev{Addr: pn532Addr, Bus: bus},
		bus:     bus,
		busName: name,
		timeout: defaultTimeout,
	}
}

// SendCommand writes cmd, waits for its ACK and returns the response.
// Failures carry the frames of the exchange (see felica.GetTrace).
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev == nil {
		return nil, pn532.ErrTransportClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	out, err := frame.Build(frame.HostToPn532, cmd, args)
	if err != nil {
		return nil, pn532.NewDataTooLargeError("sendFrame", t.busName)
	}

	t.trace = felica.NewTraceBuffer("i2c "+t.busName, 16)
	if err := t.sendWithACKRetry(ctx, out); err != nil {
		return nil, t.trace.WrapError(err)
	}
	res, err := t.receiveFrame(ctx, cmd)
	if err != nil {
		return nil, t.trace.WrapError(err)
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return pn532.NewTimeoutError("wait", "")
	}
}

// sendWithACKRetry writes the frame until the PN532 acknowledges it.
func (t *Transport) sendWithACKRetry(ctx context.Context, out []byte) error {
	var lastErr error
	for attempt := range ackAttempts {
		if err := t.write("sendFrame", out); err != nil {
			return err
		}
		lastErr = t.waitAck(ctx)
		if lastErr == nil || !errors.Is(lastErr, pn532.ErrNoACK) {
			return lastErr
		}
		if attempt < ackAttempts-1 {
			if err := sleepCtx(ctx, ackDelays[attempt]); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("send command failed after %d ACK retries: %w", ackAttempts, lastErr)
}

func (t *Transport) write(op string, data []byte) error {
	t.trace.TraceTX(op, data)
	if err := t.dev.Tx(data, nil); err != nil {
		return pn532.NewTransportError(op, t.busName, fmt.Errorf("%w: %w", pn532.ErrTransportWrite, err),
			pn532.ErrorTypeTransient)
	}
	return nil
}

// waitReady polls the status byte until the PN532 has data.
func (t *Transport) waitReady(ctx context.Context, deadline time.Time) error {
	var status [1]byte
	delay := time.Millisecond
	for {
		if err := t.dev.Tx(nil, status[:]); err != nil {
			return pn532.NewTransportError("checkReady", t.busName,
				fmt.Errorf("%w: %w", pn532.ErrTransportRead, err), pn532.ErrorTypeTransient)
		}
		if status[0]&pn532Ready != 0 {
			return nil
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			return pn532.NewTimeoutError("checkReady", t.busName)
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
		delay = min(2*delay, 16*time.Millisecond)
	}
}

// read performs one read transaction and strips the status byte. Each
// transaction restarts at the beginning of the PN532 output buffer, so a
// frame must be read in one go.
func (t *Transport) read(op string, n int) ([]byte, error) {
	buf := make([]byte, 1+n)
	if err := t.dev.Tx(nil, buf); err != nil {
		return nil, pn532.NewTransportError(op, t.busName,
			fmt.Errorf("%w: %w", pn532.ErrTransportRead, err), pn532.ErrorTypeTransient)
	}
	if buf[0]&pn532Ready == 0 {
		return nil, pn532.NewTransportError(op, t.busName, errors.New("PN532 not ready"), pn532.ErrorTypeTransient)
	}
	return buf[1:], nil
}

func (t *Transport) waitAck(ctx context.Context) error {
	if err := t.waitReady(ctx, time.Now().Add(ackTimeout)); err != nil {
		if errors.Is(err, pn532.ErrTransportTimeout) && ctx.Err() == nil {
			return pn532.NewNoACKError("waitAck", t.busName)
		}
		return err
	}
	buf, err := t.read("waitAck", len(frame.AckFrame))
	if err != nil {
		return err
	}
	t.trace.TraceRX("waitAck", buf, nil)
	if !bytes.Equal(buf, frame.AckFrame) {
		return pn532.NewNoACKError("waitAck", t.busName)
	}
	return nil
}

// receiveFrame reads the response to cmd, sending NACK for a damaged one.
func (t *Transport) receiveFrame(ctx context.Context, cmd byte) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	for range nackAttempts {
		if err := t.waitReady(ctx, deadline); err != nil {
			return nil, err
		}
		buf, err := t.read("receiveFrame", maxReadSize)
		if err != nil {
			return nil, err
		}

		start := frame.Find(buf)
		var data []byte
		if start < 0 {
			err = frame.ErrNoStartCode
		} else {
			var consumed int
			data, consumed, err = frame.Parse(buf[start:], frame.Pn532ToHost)
			if consumed > 0 {
				t.trace.TraceRX("receiveFrame", buf[start:start+consumed], err)
			}
		}

		switch {
		case err == nil && len(data) > 0 && data[0] == cmd+1:
			if err := t.write("sendAck", frame.AckFrame); err != nil {
				return nil, err
			}
			return data, nil
		case err == nil:
			return nil, fmt.Errorf("%w: response % X to command 0x%02X", pn532.ErrInvalidResponse, data, cmd)
		case errors.Is(err, frame.ErrApplicationError):
			return nil, fmt.Errorf("command 0x%02X: %w", cmd, pn532.ErrCommandNotSupported)
		}

		felica.Debugf("i2c: %v, sending NACK", err)
		if err := t.write("sendNack", frame.NackFrame); err != nil {
			return nil, err
		}
	}
	return nil, pn532.NewFrameCorruptedError("receiveFrame", t.busName)
}

// SetTimeout sets the command timeout used when the caller's context has
// no deadline.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("invalid timeout %v", timeout)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
	return nil
}

// Close releases the bus file descriptor.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bus == nil {
		return nil
	}
	err := t.bus.Close()
	t.bus = nil
	t.dev = nil
	if err != nil {
		return fmt.Errorf("failed to close I2C bus: %w", err)
	}
	return nil
}

// Type returns the transport type
func (*Transport) Type() pn532.TransportType {
	return pn532.TransportI2C
}

var _ pn532.Transport = (*Transport)(nil)
