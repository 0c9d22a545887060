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

// Package spi implements the PN532 SPI transport on periph.io.
package spi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/internal/frame"
	"github.com/ZaparooProject/go-felica/internal/syncutil"
	"github.com/ZaparooProject/go-felica/pn532"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPI operation bytes, sent ahead of every transaction.
const (
	opDataWrite  = 0x01
	opStatusRead = 0x02
	opDataRead   = 0x03

	statusReady = 0x01

	defaultFreq    = physic.MegaHertz
	defaultTimeout = time.Second
	ackTimeout     = 100 * time.Millisecond
	nackAttempts   = 3
	wakeDelay      = 2 * time.Millisecond

	maxReadSize = frame.MaxFrameDataLength + 10
)

// Transport implements pn532.Transport over SPI. The PN532 shifts bits
// LSB first, so every byte is reversed on the wire.
type Transport struct {
	port     spi.PortCloser
	conn     spi.Conn
	trace    *felica.TraceBuffer
	portName string
	timeout  time.Duration
	mu       syncutil.Mutex
}

// New initializes the periph host and opens portName, e.g. "/dev/spidev0.0".
func New(portName string) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	port, err := spireg.Open(portName)
	if err != nil {
		return nil, pn532.NewTransportError("open", portName,
			fmt.Errorf("%w: %w", pn532.ErrDeviceNotFound, err), pn532.ErrorTypePermanent)
	}
	t, err := newTransport(port, portName)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return t, nil
}

func newTransport(port spi.PortCloser, name string) (*Transport, error) {
	conn, err := port.Connect(defaultFreq, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to connect SPI port %s: %w", name, err)
	}
	t := &Transport{
		port:     port,
		conn:     conn,
		portName: name,
		timeout:  defaultTimeout,
	}
	// A dummy byte with chip select held wakes the PN532 from power down.
	_ = conn.Tx([]byte{0x00}, nil)
	time.Sleep(wakeDelay)
	return t, nil
}

func reverseBit(b byte) byte {
	b = b>>4 | b<<4
	b = (b&0xCC)>>2 | (b&0x33)<<2
	return (b&0xAA)>>1 | (b&0x55)<<1
}

func reverseBytes(dst, src []byte) {
	for i, b := range src {
		dst[i] = reverseBit(b)
	}
}

// SendCommand writes cmd, waits for its ACK and returns the response.
// Failures carry the frames of the exchange (see felica.GetTrace).
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, pn532.ErrTransportClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	out, err := frame.Build(frame.HostToPn532, cmd, args)
	if err != nil {
		return nil, pn532.NewDataTooLargeError("sendFrame", t.portName)
	}

	t.trace = felica.NewTraceBuffer("spi "+t.portName, 16)
	if err := t.write("sendFrame", out); err != nil {
		return nil, t.trace.WrapError(err)
	}
	if err := t.waitAck(ctx); err != nil {
		return nil, t.trace.WrapError(err)
	}
	res, err := t.receiveFrame(ctx, cmd)
	if err != nil {
		return nil, t.trace.WrapError(err)
	}
	return res, nil
}

func (t *Transport) write(op string, data []byte) error {
	t.trace.TraceTX(op, data)
	buf := make([]byte, 1+len(data))
	buf[0] = reverseBit(opDataWrite)
	reverseBytes(buf[1:], data)
	if err := t.conn.Tx(buf, nil); err != nil {
		return pn532.NewTransportError(op, t.portName, fmt.Errorf("%w: %w", pn532.ErrTransportWrite, err),
			pn532.ErrorTypeTransient)
	}
	return nil
}

// read performs one data read transaction of n bytes.
func (t *Transport) read(op string, n int) ([]byte, error) {
	w := make([]byte, 1+n)
	w[0] = reverseBit(opDataRead)
	r := make([]byte, 1+n)
	if err := t.conn.Tx(w, r); err != nil {
		return nil, pn532.NewTransportError(op, t.portName,
			fmt.Errorf("%w: %w", pn532.ErrTransportRead, err), pn532.ErrorTypeTransient)
	}
	out := make([]byte, n)
	reverseBytes(out, r[1:])
	return out, nil
}

func (t *Transport) ready() (bool, error) {
	w := []byte{reverseBit(opStatusRead), 0x00}
	r := make([]byte, 2)
	if err := t.conn.Tx(w, r); err != nil {
		return false, pn532.NewTransportError("checkReady", t.portName,
			fmt.Errorf("%w: %w", pn532.ErrTransportRead, err), pn532.ErrorTypeTransient)
	}
	return reverseBit(r[1])&statusReady != 0, nil
}

func (t *Transport) waitReady(ctx context.Context, deadline time.Time) error {
	delay := time.Millisecond
	for {
		ok, err := t.ready()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			return pn532.NewTimeoutError("checkReady", t.portName)
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return pn532.NewTimeoutError("checkReady", t.portName)
		}
		delay = min(2*delay, 16*time.Millisecond)
	}
}

func (t *Transport) waitAck(ctx context.Context) error {
	if err := t.waitReady(ctx, time.Now().Add(ackTimeout)); err != nil {
		if errors.Is(err, pn532.ErrTransportTimeout) && ctx.Err() == nil {
			return pn532.NewNoACKError("waitAck", t.portName)
		}
		return err
	}
	buf, err := t.read("waitAck", len(frame.AckFrame))
	if err != nil {
		return err
	}
	t.trace.TraceRX("waitAck", buf, nil)
	if !bytes.Equal(buf, frame.AckFrame) {
		return pn532.NewNoACKError("waitAck", t.portName)
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
			return data, nil
		case err == nil:
			return nil, fmt.Errorf("%w: response % X to command 0x%02X", pn532.ErrInvalidResponse, data, cmd)
		case errors.Is(err, frame.ErrApplicationError):
			return nil, fmt.Errorf("command 0x%02X: %w", cmd, pn532.ErrCommandNotSupported)
		}

		felica.Debugf("spi: %v, sending NACK", err)
		if err := t.write("sendNack", frame.NackFrame); err != nil {
			return nil, err
		}
	}
	return nil, pn532.NewFrameCorruptedError("receiveFrame", t.portName)
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

// Close releases the SPI port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.conn = nil
	if err != nil {
		return fmt.Errorf("SPI close failed: %w", err)
	}
	return nil
}

// Type returns the transport type
func (*Transport) Type() pn532.TransportType {
	return pn532.TransportSPI
}

var _ pn532.Transport = (*Transport)(nil)
