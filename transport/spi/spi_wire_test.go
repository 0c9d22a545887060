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

package spi

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	vt "github.com/ZaparooProject/go-felica/internal/testing"
	"github.com/ZaparooProject/go-felica/pn532"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

var errPortClosed = errors.New("port is closed")

// mockConn implements spi.Conn backed by VirtualPN532. Bytes travel bit
// reversed, as on the real bus.
type mockConn struct {
	sim    *vt.VirtualPN532
	closed bool
}

func (m *mockConn) Tx(w, r []byte) error {
	if m.closed {
		return errPortClosed
	}
	if len(w) == 0 {
		return nil
	}

	switch reverseBit(w[0]) {
	case opStatusRead:
		clear(r)
		if len(r) > 1 && m.sim.HasPendingResponse() {
			r[1] = reverseBit(statusReady)
		}
	case opDataWrite:
		var buf [512]byte
		for {
			if n, _ := m.sim.Read(buf[:]); n == 0 {
				break
			}
		}
		data := make([]byte, len(w)-1)
		reverseBytes(data, w[1:])
		if _, err := m.sim.Write(data); err != nil {
			return fmt.Errorf("mock spi write: %w", err)
		}
	case opDataRead:
		clear(r)
		if len(r) < 2 || !m.sim.HasPendingResponse() {
			return nil
		}
		data := make([]byte, len(r)-1)
		n, err := m.sim.Read(data)
		if err != nil {
			return fmt.Errorf("mock spi read: %w", err)
		}
		reverseBytes(r[1:], data[:n])
	}
	return nil
}

func (*mockConn) Duplex() conn.Duplex { return conn.Full }

func (*mockConn) String() string { return "mock://spi" }

func (m *mockConn) TxPackets(p []spi.Packet) error {
	for _, pkt := range p {
		if err := m.Tx(pkt.W, pkt.R); err != nil {
			return err
		}
	}
	return nil
}

type mockPort struct {
	conn   *mockConn
	mode   spi.Mode
	closed bool
}

func (p *mockPort) Connect(_ physic.Frequency, mode spi.Mode, _ int) (spi.Conn, error) {
	p.mode = mode
	return p.conn, nil
}

func (p *mockPort) Close() error {
	p.closed = true
	p.conn.closed = true
	return nil
}

func (*mockPort) String() string { return "mock://spi" }

func (*mockPort) LimitSpeed(physic.Frequency) error { return nil }

var (
	_ spi.Conn       = (*mockConn)(nil)
	_ spi.PortCloser = (*mockPort)(nil)
)

func newTestTransport(t *testing.T) (*Transport, *vt.VirtualPN532, *mockPort) {
	t.Helper()
	sim := vt.NewVirtualPN532()
	port := &mockPort{conn: &mockConn{sim: sim}}
	tr, err := newTransport(port, "mock://spi")
	require.NoError(t, err)
	return tr, sim, port
}

func testCtx(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestReverseBit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want byte
	}{
		{0x00, 0x00},
		{0x01, 0x80},
		{0x02, 0x40},
		{0x03, 0xC0},
		{0xD4, 0x2B},
		{0xFF, 0xFF},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reverseBit(tt.in), "0x%02X", tt.in)
		assert.Equal(t, tt.in, reverseBit(reverseBit(tt.in)))
	}
}

func TestSPI_FirmwareVersion(t *testing.T) {
	t.Parallel()

	tr, _, port := newTestTransport(t)
	res, err := tr.SendCommand(testCtx(t, time.Second), 0x02, nil)
	require.NoError(t, err)
	assert.Equal(t, vt.FirmwareVersionResponse(), res)
	assert.Equal(t, spi.Mode0, port.mode)
}

func TestSPI_SAMConfiguration(t *testing.T) {
	t.Parallel()

	tr, sim, _ := newTestTransport(t)
	res, err := tr.SendCommand(testCtx(t, time.Second), 0x14, []byte{0x01, 0x14, 0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x15}, res)
	assert.True(t, sim.State().SAMConfigured)
}

func TestSPI_ChecksumErrorSendsNACK(t *testing.T) {
	t.Parallel()

	tr, sim, _ := newTestTransport(t)
	sim.InjectChecksumError()

	res, err := tr.SendCommand(testCtx(t, time.Second), 0x02, nil)
	require.NoError(t, err)
	assert.Equal(t, vt.FirmwareVersionResponse(), res)
	assert.Equal(t, 1, sim.CommandCount(0x02))
}

func TestSPI_MissingACK(t *testing.T) {
	t.Parallel()

	tr, sim, _ := newTestTransport(t)
	sim.DropNextACK()

	_, err := tr.SendCommand(testCtx(t, time.Second), 0x02, nil)
	require.ErrorIs(t, err, pn532.ErrNoACK)
	assert.True(t, pn532.IsRetryable(err))
}

func TestSPI_ResponseTimeoutCarriesTrace(t *testing.T) {
	t.Parallel()

	tr, sim, _ := newTestTransport(t)
	sim.DropNextResponse()

	_, err := tr.SendCommand(testCtx(t, 60*time.Millisecond), 0x02, nil)
	require.ErrorIs(t, err, pn532.ErrTransportTimeout)

	trace := felica.GetTrace(err)
	require.NotNil(t, trace)
	assert.Equal(t, "spi mock://spi", trace.Source)
	require.Len(t, trace.Trace, 2)
	assert.Equal(t, "sendFrame", trace.Trace[0].Op)
	assert.Equal(t, "waitAck", trace.Trace[1].Op)
}

func TestSPI_UnknownCommand(t *testing.T) {
	t.Parallel()

	tr, _, _ := newTestTransport(t)
	_, err := tr.SendCommand(testCtx(t, time.Second), 0x60, nil)
	require.ErrorIs(t, err, pn532.ErrCommandNotSupported)
}

func TestSPI_Close(t *testing.T) {
	t.Parallel()

	tr, _, port := newTestTransport(t)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.True(t, port.closed)

	_, err := tr.SendCommand(context.Background(), 0x02, nil)
	require.ErrorIs(t, err, pn532.ErrTransportClosed)
}

func TestSPI_SetTimeout(t *testing.T) {
	t.Parallel()

	tr, _, _ := newTestTransport(t)
	require.Error(t, tr.SetTimeout(0))
	require.NoError(t, tr.SetTimeout(2*time.Second))
	assert.Equal(t, 2*time.Second, tr.timeout)
	assert.Equal(t, pn532.TransportSPI, tr.Type())
}

func TestSPI_ReadsHistory(t *testing.T) {
	t.Parallel()

	tr, sim, _ := newTestTransport(t)
	sim.SetCard(vt.NewTransitCard(vt.TestIDm,
		vt.HistoryEntry{Year: 24, Month: 6, Day: 2, Balance: 860, Serial: 41},
		vt.HistoryEntry{Year: 24, Month: 6, Day: 1, Balance: 1080, Serial: 40}))

	dev, err := pn532.New(tr, pn532.WithTimeout(500*time.Millisecond))
	require.NoError(t, err)
	ctx := testCtx(t, 3*time.Second)
	require.NoError(t, dev.Init(ctx))

	tag, err := dev.Detect(ctx)
	require.NoError(t, err)
	records, err := felica.NewReader().ReadHistory(ctx, tag, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint16(860), records[0].Balance)
	assert.Equal(t, uint16(1080), records[1].Balance)
}
