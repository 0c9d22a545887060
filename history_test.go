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

package felica

import (
	"testing"
	"time"

	vt "github.com/ZaparooProject/go-felica/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHistory_BalanceEveryValue(t *testing.T) {
	t.Parallel()

	block := make([]byte, BlockSize)
	for v := range 0x10000 {
		block[10] = byte(v >> 8)
		block[11] = byte(v)
		rec, err := DecodeHistory(block)
		require.NoError(t, err)
		require.Equal(t, uint16(v), rec.Balance, "balance for %04X", v) //nolint:gosec // v < 0x10000
	}
}

func TestDecodeHistory_HundredYen(t *testing.T) {
	t.Parallel()

	block := make([]byte, BlockSize)
	block[10], block[11] = 0x00, 0x64

	rec, err := DecodeHistory(block)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), rec.Balance)
	assert.Equal(t, "100円", rec.String())
}

func TestDecodeHistory_ShortBlocks(t *testing.T) {
	t.Parallel()

	for n := range 12 {
		_, err := DecodeHistory(make([]byte, n))
		require.ErrorIs(t, err, ErrMalformedBlock, "length %d", n)
	}
}

func TestDecodeHistory_PartialBlock(t *testing.T) {
	t.Parallel()

	block := []byte{0x16, 0x01, 0, 0, 0x30, 0x81, 0xE3, 0x1A, 0xE3, 0x22, 0x03, 0xE8}
	rec, err := DecodeHistory(block)
	require.NoError(t, err)

	assert.Equal(t, uint16(1000), rec.Balance)
	assert.False(t, rec.Complete())
	assert.Zero(t, rec.TerminalType)
	_, ok := rec.Date()
	assert.False(t, ok)
	assert.Equal(t, "balance 1000円", rec.Summary())
}

func TestDecodeHistory_RideFields(t *testing.T) {
	t.Parallel()

	entry := vt.HistoryEntry{
		Terminal:     0x16,
		Process:      0x01,
		Year:         24,
		Month:        4,
		Day:          12,
		EntryLine:    0xE3,
		EntryStation: 0x1A,
		ExitLine:     0xE3,
		ExitStation:  0x22,
		Balance:      2480,
		Serial:       0x00012C,
		Region:       0x01,
	}

	rec, err := DecodeHistory(entry.Block())
	require.NoError(t, err)

	assert.True(t, rec.Complete())
	assert.Equal(t, uint16(2480), rec.Balance)
	assert.Equal(t, byte(0x16), rec.TerminalType)
	assert.Equal(t, "ticket gate", rec.TerminalName())
	assert.Equal(t, "fare payment", rec.ProcessName())
	assert.Equal(t, uint32(0x12C), rec.Serial)
	assert.Equal(t, byte(0x01), rec.Region)

	date, ok := rec.Date()
	require.True(t, ok)
	assert.Equal(t, 2024, date.Year())
	assert.Equal(t, time.April, date.Month())
	assert.Equal(t, 12, date.Day())

	assert.Equal(t, "2024-04-12 ticket gate fare payment from E3-1A to E3-22 balance 2480円", rec.Summary())
}

func TestDecodeHistory_ProcessTypeMasksPaymentFlag(t *testing.T) {
	t.Parallel()

	block := vt.HistoryEntry{Terminal: 0xC7, Process: 0x46 | 0x80, Year: 23, Month: 1, Day: 5, Balance: 50}.Block()
	rec, err := DecodeHistory(block)
	require.NoError(t, err)

	assert.Equal(t, byte(0x46), rec.ProcessType)
	assert.Equal(t, "2023-01-05 point of sale purchase balance 50円", rec.Summary())
}

func TestDecodeHistory_UnknownCodes(t *testing.T) {
	t.Parallel()

	block := vt.HistoryEntry{Terminal: 0x99, Process: 0x77}.Block()
	rec, err := DecodeHistory(block)
	require.NoError(t, err)

	assert.Equal(t, "terminal 0x99", rec.TerminalName())
	assert.Equal(t, "process 0x77", rec.ProcessName())
	_, ok := rec.Date()
	assert.False(t, ok, "zero date is invalid")
}

func TestRawBlock_Decode(t *testing.T) {
	t.Parallel()

	rec, err := RawBlock(vt.HistoryEntry{Balance: 7}.Block()).Decode()
	require.NoError(t, err)
	assert.Equal(t, "7円", rec.String())
}
