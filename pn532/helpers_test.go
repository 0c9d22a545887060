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

package pn532

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/ZaparooProject/go-felica/internal/frame"
	"github.com/ZaparooProject/go-felica/internal/syncutil"
	vt "github.com/ZaparooProject/go-felica/internal/testing"
)

// simTransport speaks the PN532 frame protocol to a VirtualPN532.
type simTransport struct {
	sim    *vt.VirtualPN532
	mu     syncutil.Mutex
	closed bool
}

func newSimTransport() (*simTransport, *vt.VirtualPN532) {
	sim := vt.NewVirtualPN532()
	return &simTransport{sim: sim}, sim
}

func (t *simTransport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}

	out, err := frame.Build(frame.HostToPn532, cmd, args)
	if err != nil {
		return nil, NewDataTooLargeError("send", "sim")
	}
	if _, err := t.sim.Write(out); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	chunk := make([]byte, 64)
	for {
		n, _ := t.sim.Read(chunk)
		buf.Write(chunk[:n])
		raw := buf.Bytes()
		if frame.IsAck(raw) {
			raw = raw[len(frame.AckFrame):]
		}
		if start := frame.Find(raw); start >= 0 {
			data, _, perr := frame.Parse(raw[start:], frame.Pn532ToHost)
			switch {
			case perr == nil:
				return data, nil
			case errors.Is(perr, frame.ErrApplicationError):
				return nil, NewTransportError("receive", "sim", ErrCommandNotSupported, ErrorTypePermanent)
			case !errors.Is(perr, frame.ErrIncomplete):
				return nil, NewFrameCorruptedError("receive", "sim")
			}
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return nil, NewTimeoutError("receive", "sim")
			case <-time.After(time.Millisecond):
			}
		}
	}
}

func (*simTransport) SetTimeout(time.Duration) error { return nil }

func (t *simTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (*simTransport) Type() TransportType { return TransportMock }

// scriptTransport answers commands from a queue and records them.
type scriptTransport struct {
	replies []scriptReply
	sent    []byte
	mu      syncutil.Mutex
}

type scriptReply struct {
	err  error
	data []byte
}

func (t *scriptTransport) SendCommand(_ context.Context, cmd byte, _ []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, cmd)
	if len(t.replies) == 0 {
		return nil, NewTimeoutError("receive", "script")
	}
	r := t.replies[0]
	t.replies = t.replies[1:]
	return r.data, r.err
}

func (*scriptTransport) SetTimeout(time.Duration) error { return nil }
func (*scriptTransport) Close() error                   { return nil }
func (*scriptTransport) Type() TransportType            { return TransportMock }

func (t *scriptTransport) commands() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.sent...)
}
