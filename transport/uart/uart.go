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

// Package uart implements the PN532 high speed UART transport.
package uart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/internal/frame"
	"github.com/ZaparooProject/go-felica/internal/syncutil"
	"github.com/ZaparooProject/go-felica/pn532"
	"go.bug.st/serial"
)

const (
	baudRate = 115200

	// defaultTimeout bounds a command when ctx carries no deadline.
	defaultTimeout = time.Second

	// ackTimeout caps the wait for the ACK of one attempt.
	ackTimeout = 500 * time.Millisecond

	// sendAttempts is how often a command is written before giving up on
	// its ACK; nackAttempts how often a damaged response is requested again.
	sendAttempts = 3
	nackAttempts = 3
)

// port is the part of serial.Port the transport uses.
type port interface {
	io.ReadWriter
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Drain() error
	Close() error
}

// Transport implements pn532.Transport over a serial port.
type Transport struct {
	port       port
	portName   string
	rx         []byte
	timeout    time.Duration
	ackTimeout time.Duration
	mu         syncutil.Mutex
}

// readTimeout is the serial read timeout; reads return 0 bytes when it
// passes. Windows drivers need the longer value.
func readTimeout() time.Duration {
	if runtime.GOOS == "windows" {
		return 100 * time.Millisecond
	}
	return 50 * time.Millisecond
}

// New opens portName at 115200 8N1.
func New(portName string) (*Transport, error) {
	p, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, pn532.NewTransportError("open", portName,
			fmt.Errorf("%w: %w", pn532.ErrDeviceNotFound, err), pn532.ErrorTypePermanent)
	}
	if err := p.SetReadTimeout(readTimeout()); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}
	return newTransport(p, portName), nil
}

func newTransport(p port, name string) *Transport {
	return &Transport{
		port:       p,
		portName:   name,
		timeout:    defaultTimeout,
		ackTimeout: ackTimeout,
	}
}

// SendCommand writes cmd, waits for its ACK and returns the response.
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
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

	if err := t.sendWithAck(ctx, out); err != nil {
		return nil, err
	}
	res, err := t.receiveFrame(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if err := t.write("sendAck", frame.AckFrame); err != nil {
		return nil, err
	}
	return res, nil
}

// sendWithAck writes the frame until the PN532 acknowledges it.
func (t *Transport) sendWithAck(ctx context.Context, out []byte) error {
	var lastErr error
	for attempt := range sendAttempts {
		t.discardInput()
		if err := t.wakeUp(); err != nil {
			return err
		}
		if err := t.write("sendFrame", out); err != nil {
			return err
		}
		lastErr = t.waitAck(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !errors.Is(lastErr, pn532.ErrNoACK) {
			return lastErr
		}
		felica.Debugf("uart: no ACK on attempt %d", attempt+1)
	}
	return lastErr
}

// wakeUp sends the HSU wake-up sequence: 0x55 followed by idle bytes.
func (t *Transport) wakeUp() error {
	return t.write("wakeUp", []byte{
		0x55, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	})
}

func (t *Transport) write(op string, data []byte) error {
	n, err := t.port.Write(data)
	if err != nil {
		return pn532.NewTransportError(op, t.portName, fmt.Errorf("%w: %w", pn532.ErrTransportWrite, err), classify(err))
	}
	if n != len(data) {
		return pn532.NewTransportWriteError(op, t.portName)
	}
	return t.drainWithRetry(op)
}

// discardInput drops stale bytes, such as the answer to an attempt whose
// ACK was lost.
func (t *Transport) discardInput() {
	t.rx = t.rx[:0]
	if err := t.port.ResetInputBuffer(); err != nil {
		felica.Debugf("uart: reset input buffer: %v", err)
	}
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") || strings.Contains(errStr, "eintr")
}

// drainWithRetry waits for written bytes to leave, retrying EINTR.
func (t *Transport) drainWithRetry(op string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	var err error
	for attempt := range maxRetries {
		if err = t.port.Drain(); err == nil {
			return nil
		}
		if !isInterruptedSystemCall(err) {
			break
		}
		time.Sleep(baseDelay << attempt)
	}
	return fmt.Errorf("UART %s drain failed: %w", op, err)
}

// fill reads once from the port into rx. It returns false when the read
// timed out with nothing.
func (t *Transport) fill(op string) (bool, error) {
	var buf [frame.MaxFrameDataLength + 16]byte
	n, err := t.port.Read(buf[:])
	if err != nil {
		return false, pn532.NewTransportError(op, t.portName, fmt.Errorf("%w: %w", pn532.ErrTransportRead, err), classify(err))
	}
	t.rx = append(t.rx, buf[:n]...)
	return n > 0, nil
}

// waitAck reads until an ACK arrives. Bytes before it are dropped.
func (t *Transport) waitAck(ctx context.Context) error {
	deadline := time.Now().Add(t.ackTimeout)
	ack := frame.AckFrame[1:]
	for {
		if i := bytes.Index(t.rx, ack); i >= 0 {
			if i > 0 {
				felica.Debugf("uart: dropped %d bytes before ACK: % X", i, t.rx[:i])
			}
			t.rx = append(t.rx[:0], t.rx[i+len(ack):]...)
			return nil
		}

		got, err := t.fill("waitAck")
		if err != nil {
			return err
		}
		if got {
			continue
		}
		if err := ctx.Err(); err != nil {
			return pn532.NewTimeoutError("waitAck", t.portName)
		}
		if time.Now().After(deadline) {
			return pn532.NewNoACKError("waitAck", t.portName)
		}
	}
}

// receiveFrame reads the response to cmd, asking for it again with a
// NACK when it arrives damaged.
func (t *Transport) receiveFrame(ctx context.Context, cmd byte) ([]byte, error) {
	nacks := 0
	for {
		if start := frame.Find(t.rx); start >= 0 {
			data, consumed, err := frame.Parse(t.rx[start:], frame.Pn532ToHost)
			switch {
			case err == nil:
				t.rx = t.rx[start+consumed:]
				if len(data) > 0 && data[0] == cmd+1 {
					return data, nil
				}
				felica.Debugf("uart: dropped stale response % X", data)
				continue
			case errors.Is(err, frame.ErrApplicationError):
				t.rx = t.rx[start+consumed:]
				return nil, fmt.Errorf("command 0x%02X: %w", cmd, pn532.ErrCommandNotSupported)
			case errors.Is(err, frame.ErrUnexpectedTFI) && consumed > 0:
				t.rx = t.rx[start+consumed:]
				continue
			case errors.Is(err, frame.ErrIncomplete):
			default:
				nacks++
				if nacks > nackAttempts {
					return nil, pn532.NewFrameCorruptedError("receiveFrame", t.portName)
				}
				felica.Debugf("uart: %v, sending NACK", err)
				t.rx = t.rx[:0]
				if err := t.write("sendNack", frame.NackFrame); err != nil {
					return nil, err
				}
				continue
			}
		}

		got, err := t.fill("receiveFrame")
		if err != nil {
			return nil, err
		}
		if !got && ctx.Err() != nil {
			return nil, pn532.NewTimeoutError("receiveFrame", t.portName)
		}
	}
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

// Close closes the port. Later commands fail with ErrTransportClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		return fmt.Errorf("UART close failed: %w", err)
	}
	return nil
}

// Type returns the transport type
func (*Transport) Type() pn532.TransportType {
	return pn532.TransportUART
}

// classify marks errors from an unplugged adapter as permanent.
func classify(err error) pn532.ErrorType {
	if pn532.IsFatal(err) {
		return pn532.ErrorTypePermanent
	}
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
		return pn532.ErrorTypePermanent
	}
	return pn532.ErrorTypeTransient
}

var _ pn532.Transport = (*Transport)(nil)
