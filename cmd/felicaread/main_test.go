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
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/detection"
	"github.com/ZaparooProject/go-felica/internal/syncutil"
	vt "github.com/ZaparooProject/go-felica/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnplugged = errors.New("reader unplugged")

// cardTag presents a virtual card with its IDm.
type cardTag struct {
	card *vt.VirtualCard
}

func (t cardTag) IDm() []byte { return t.card.IDm() }

func (t cardTag) Connect(ctx context.Context) (felica.Conn, error) {
	c, err := t.card.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// fakeReader reports card while it is present.
type fakeReader struct {
	card   *vt.VirtualCard
	mu     syncutil.Mutex
	closed int
}

func (r *fakeReader) Detect(context.Context) (felica.Tag, error) {
	if r.card == nil || !r.card.Present() {
		return nil, felica.ErrNoTag
	}
	return cardTag{card: r.card}, nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *fakeReader) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type openCall struct {
	kind   string
	device string
	system felica.SystemCode
}

// syncBuffer is a bytes.Buffer safe for the monitor goroutine.
type syncBuffer struct {
	buf bytes.Buffer
	mu  syncutil.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	app      *app
	reader   *fakeReader
	env      map[string]string
	calls    []openCall
	detected []detection.Options
}

func newHarness(card *vt.VirtualCard) *harness {
	h := &harness{
		reader: &fakeReader{card: card},
		env:    make(map[string]string),
	}
	h.app = &app{
		getenv:       func(k string) string { return h.env[k] },
		pollInterval: time.Millisecond,
		open: func(_ context.Context, kind, device string, system felica.SystemCode) (reader, error) {
			h.calls = append(h.calls, openCall{kind: kind, device: device, system: system})
			return h.reader, nil
		},
		discover: func(_ context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
			h.detected = append(h.detected, *opts)
			return []detection.DeviceInfo{
				{Transport: transportUART, Path: "/dev/ttyUSB9", Confidence: detection.High},
				{Transport: transportUART, Path: "/dev/ttyS0", Confidence: detection.Low},
			}, nil
		},
	}
	return h
}

func (h *harness) run(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	var out, errOut syncBuffer
	cmd := newRootCmd(h.app)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err = cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func transitCard() *vt.VirtualCard {
	return vt.NewTransitCard(vt.TestIDm,
		vt.HistoryEntry{Year: 24, Month: 3, Day: 15, Balance: 1530, Serial: 12, Terminal: 0x16, Process: 0x01},
		vt.HistoryEntry{Year: 24, Month: 3, Day: 14, Balance: 1740, Serial: 11, Terminal: 0x16, Process: 0x01})
}

func TestDecodeCmd(t *testing.T) {
	t.Parallel()

	full := vt.HistoryEntry{
		Year: 24, Month: 3, Day: 15, Balance: 2480, Serial: 7,
		Terminal: 0x16, Process: 0x01, EntryLine: 0xE3, EntryStation: 0x38,
		ExitLine: 0xE3, ExitStation: 0x3A,
	}.Block()

	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr string
	}{
		{
			name: "full block",
			args: []string{hex.EncodeToString(full)},
			want: []string{"2024-03-15", "ticket gate", "fare payment", "E3-38", "E3-3A", "2480円"},
		},
		{
			name: "separators",
			args: []string{strings.ToUpper(hex.EncodeToString(full[:8])) + " " + hex.EncodeToString(full[8:])},
			want: []string{"2480円"},
		},
		{
			name: "balance only",
			args: []string{hex.EncodeToString(full[:12])},
			want: []string{"balance 2480円"},
		},
		{
			name:    "short block",
			args:    []string{"0102"},
			wantErr: "malformed block",
		},
		{
			name:    "not hex",
			args:    []string{"zz"},
			wantErr: "invalid hex",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(nil)
			out, _, err := h.run(context.Background(), append([]string{"decode"}, tt.args...)...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
			assert.Empty(t, h.calls, "decode never opens a reader")
		})
	}
}

func TestDecodeCmd_JSON(t *testing.T) {
	t.Parallel()

	block := vt.HistoryEntry{Year: 24, Month: 1, Day: 2, Balance: 980, Serial: 3, Terminal: 0x16, Process: 0x01}.Block()
	h := newHarness(nil)
	out, _, err := h.run(context.Background(), "decode", "--json", hex.EncodeToString(block), hex.EncodeToString(block[:12]))
	require.NoError(t, err)

	var got readJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Records, 2)
	assert.Equal(t, recordJSON{
		Date: "2024-01-02", Terminal: "ticket gate", Process: "fare payment",
		Entry: "00-00", Exit: "00-00", Block: 0, Serial: 3, Balance: 980,
	}, got.Records[0])
	assert.Equal(t, recordJSON{Block: 1, Balance: 980}, got.Records[1])
}

func TestTransportKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		flag    string
		env     string
		want    string
		wantErr bool
	}{
		{name: "default", want: transportUART},
		{name: "env", env: "libnfc", want: transportLibNFC},
		{name: "flag wins", flag: "i2c", env: "libnfc", want: transportI2C},
		{name: "case", flag: " I2C ", want: transportI2C},
		{name: "spi", env: "spi", want: transportSPI},
		{name: "unknown", flag: "spi", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := &app{
				transport: tt.flag,
				getenv: func(k string) string {
					if k == envTransport {
						return tt.env
					}
					return ""
				},
			}
			got, err := a.transportKind()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDevicePath(t *testing.T) {
	t.Parallel()

	env := map[string]string{envDevice: "/dev/ttyUSB1"}
	a := &app{getenv: func(k string) string { return env[k] }}
	assert.Equal(t, "/dev/ttyUSB1", a.devicePath())

	a.device = "/dev/ttyAMA0"
	assert.Equal(t, "/dev/ttyAMA0", a.devicePath())
}

func TestParseCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{in: "0x090F", want: 0x090F},
		{in: "090f", want: 0x090F},
		{in: "FFFF", want: 0xFFFF},
		{in: "0XFE00", want: 0xFE00},
		{in: "10000", wantErr: true},
		{in: "", wantErr: true},
		{in: "xyz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := parseCode("service", tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadCmd_JSON(t *testing.T) {
	t.Parallel()

	h := newHarness(transitCard())
	h.env[envTransport] = "libnfc"
	h.env[envDevice] = "pn532_uart:/dev/ttyUSB0"

	out, _, err := h.run(context.Background(), "read", "--json", "--system", "0003")
	require.NoError(t, err)

	require.Len(t, h.calls, 1)
	assert.Equal(t, openCall{kind: transportLibNFC, device: "pn532_uart:/dev/ttyUSB0", system: felica.SystemCodeCyberne}, h.calls[0])
	assert.Equal(t, 1, h.reader.closeCount())

	var got readJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, hex.EncodeToString(vt.TestIDm), strings.ToLower(got.IDm))
	require.Len(t, got.Records, 1)
	assert.Equal(t, uint16(1530), got.Records[0].Balance)
	assert.Equal(t, "2024-03-15", got.Records[0].Date)
}

func TestReadCmd_Block(t *testing.T) {
	t.Parallel()

	h := newHarness(transitCard())
	out, stderr, err := h.run(context.Background(), "read", "-d", "/dev/ttyUSB0", "--block", "1")
	require.NoError(t, err)

	assert.Contains(t, stderr, "Waiting for a card")
	assert.Contains(t, out, "IDm "+strings.ToUpper(hex.EncodeToString(vt.TestIDm)))
	assert.Contains(t, out, "  1  2024-03-14")
	assert.Contains(t, out, "1740円")
	assert.Equal(t, transportUART, h.calls[0].kind)
}

func TestReadCmd_History(t *testing.T) {
	t.Parallel()

	h := newHarness(transitCard())
	out, _, err := h.run(context.Background(), "read", "--history", "3")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "  0  ")
	assert.Contains(t, lines[1], "1530円")
	assert.Contains(t, lines[2], "1740円")
	assert.Contains(t, lines[3], "balance 0円")
}

func TestReadCmd_Errors(t *testing.T) {
	t.Parallel()

	t.Run("no card", func(t *testing.T) {
		t.Parallel()
		card := transitCard()
		card.Remove()
		h := newHarness(card)
		_, _, err := h.run(context.Background(), "read", "--wait", "20ms")
		require.ErrorIs(t, err, felica.ErrNoTag)
		assert.Equal(t, 1, h.reader.closeCount())
	})

	t.Run("bad service", func(t *testing.T) {
		t.Parallel()
		h := newHarness(transitCard())
		_, _, err := h.run(context.Background(), "read", "--service", "nope")
		require.Error(t, err)
		assert.Empty(t, h.calls)
	})

	t.Run("unknown transport", func(t *testing.T) {
		t.Parallel()
		h := newHarness(transitCard())
		_, _, err := h.run(context.Background(), "read", "--transport", "usb")
		require.Error(t, err)
		assert.Empty(t, h.calls)
	})

	t.Run("open fails", func(t *testing.T) {
		t.Parallel()
		h := newHarness(transitCard())
		h.app.open = func(context.Context, string, string, felica.SystemCode) (reader, error) {
			return nil, errUnplugged
		}
		_, _, err := h.run(context.Background(), "read")
		require.ErrorIs(t, err, errUnplugged)
	})

	t.Run("service missing", func(t *testing.T) {
		t.Parallel()
		h := newHarness(transitCard())
		_, _, err := h.run(context.Background(), "read", "--service", "1234")
		require.ErrorIs(t, err, felica.ErrServiceNotFound)
		assert.Equal(t, 1, h.reader.closeCount())
	})
}

func TestInfoCmd(t *testing.T) {
	t.Parallel()

	h := newHarness(transitCard())
	out, _, err := h.run(context.Background(), "info")
	require.NoError(t, err)

	assert.Contains(t, out, "IDm "+strings.ToUpper(hex.EncodeToString(vt.TestIDm)))
	assert.Contains(t, out, "system 0x0003")
	assert.Contains(t, out, "system 0xFE00")
	assert.Contains(t, out, "service 0x008B")
	assert.Contains(t, out, "service 0x090F")
}

func TestWatchCmd(t *testing.T) {
	t.Parallel()

	h := newHarness(transitCard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out, errOut syncBuffer
	cmd := newRootCmd(h.app)
	cmd.SetArgs([]string{"watch", "--json", "--interval", "5ms", "--history", "2"})
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)

	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "\n") }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err, "interrupting watch is not an error")
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}

	line, _, _ := strings.Cut(out.String(), "\n")
	var ev readJSON
	require.NoError(t, json.Unmarshal([]byte(line), &ev))
	assert.NotEmpty(t, ev.ID)
	assert.Empty(t, ev.Error)
	require.Len(t, ev.Records, 2)
	assert.Equal(t, uint16(1530), ev.Records[0].Balance)
	assert.Equal(t, uint16(1740), ev.Records[1].Balance)
	assert.Equal(t, 1, h.reader.closeCount())
}

func TestWaitForTag(t *testing.T) {
	t.Parallel()

	card := transitCard()
	card.Remove()
	r := &fakeReader{card: card}
	go func() {
		time.Sleep(10 * time.Millisecond)
		card.Insert()
	}()

	tag, err := waitForTag(context.Background(), r, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, vt.TestIDm, tag.(felica.Identified).IDm())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	card.Remove()
	_, err = waitForTag(ctx, r, 0, time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReadCmd_DetectsDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(transitCard())
	_, _, err := h.run(context.Background(), "read")
	require.NoError(t, err)

	require.Len(t, h.detected, 1)
	assert.Equal(t, []string{transportUART}, h.detected[0].Transports)
	require.Len(t, h.calls, 1)
	assert.Equal(t, "/dev/ttyUSB9", h.calls[0].device)
}

func TestReadCmd_DetectionFails(t *testing.T) {
	t.Parallel()

	h := newHarness(transitCard())
	h.app.discover = func(context.Context, *detection.Options) ([]detection.DeviceInfo, error) {
		return nil, detection.ErrNoDevicesFound
	}
	_, _, err := h.run(context.Background(), "read", "-t", "i2c")
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)
	assert.Empty(t, h.calls)
}

func TestDevicesCmd(t *testing.T) {
	t.Parallel()

	h := newHarness(nil)
	out, _, err := h.run(context.Background(), "devices", "--mode", "passive", "--ignore", "/dev/ttyACM0")
	require.NoError(t, err)

	assert.Equal(t, "uart device at /dev/ttyUSB9 (confidence: high)\nuart device at /dev/ttyS0 (confidence: low)\n", out)
	require.Len(t, h.detected, 1)
	assert.Equal(t, detection.Passive, h.detected[0].Mode)
	assert.Equal(t, []string{"/dev/ttyACM0"}, h.detected[0].IgnorePaths)
	assert.Empty(t, h.detected[0].Transports, "every transport without --transport")

	_, _, err = h.run(context.Background(), "devices", "--mode", "loud")
	require.Error(t, err)
}

// ndefTag formats a virtual card as a Type 3 Tag holding one URI record.
func ndefTag() *vt.VirtualCard {
	rec := append([]byte{0xD1, 0x01, 0x0C, 'U', 0x04}, "zaparoo.org"...)
	attr := []byte{0x10, 0x04, 0x01, 0x00, 0x04, 0, 0, 0, 0, 0x00, 0x01, 0x00, 0x00, byte(len(rec))}
	var sum uint16
	for _, b := range attr {
		sum += uint16(b)
	}
	attr = append(attr, byte(sum>>8), byte(sum))

	card := vt.NewVirtualCard(vt.TestIDm)
	card.SetSystemCodes(0x12FC)
	card.AddService(0x000B, 0x0000, attr, rec, make([]byte, 16), make([]byte, 16), make([]byte, 16))
	return card
}

func TestNDEFCmd(t *testing.T) {
	t.Parallel()

	h := newHarness(ndefTag())
	out, _, err := h.run(context.Background(), "ndef", "--device", "/dev/ttyUSB0")
	require.NoError(t, err)
	assert.Equal(t, "NDEF v1.0, 16 bytes\n  0  uri: https://zaparoo.org\n", out)
	require.Len(t, h.calls, 1)
	assert.Equal(t, felica.SystemCodeNDEF, h.calls[0].system)

	out, _, err = h.run(context.Background(), "ndef", "--device", "/dev/ttyUSB0", "--json")
	require.NoError(t, err)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "uri", recs[0]["kind"])
	assert.Equal(t, "https://zaparoo.org", recs[0]["uri"])
}

func TestNDEFCmd_TransitCard(t *testing.T) {
	t.Parallel()

	h := newHarness(transitCard())
	_, _, err := h.run(context.Background(), "ndef", "--device", "/dev/ttyUSB0", "--timeout", "20ms")
	require.ErrorIs(t, err, felica.ErrProtocol)
}
