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
	"fmt"
	"strings"
	"time"
)

// History block layout (Cyberne format shared by Suica, ICOCA and PiTaPa).
const (
	// BlockSize is the size of one FeliCa memory block.
	BlockSize = 16

	// minHistoryBlockLen is the shortest block that still holds the balance.
	minHistoryBlockLen = 12

	offTerminal = 0
	offProcess  = 1
	offDate     = 4
	offEntry    = 6
	offExit     = 8
	offBalance  = 10
	offSerial   = 12
	offRegion   = 15
)

// jst is the zone the card stamps its dates in.
var jst = time.FixedZone("JST", 9*60*60)

// HistoryRecord is one decoded history block. It is only produced by
// DecodeHistory and never changed afterwards.
type HistoryRecord struct {
	Year         int
	Month        int
	Day          int
	Serial       uint32
	Balance      uint16
	TerminalType byte
	ProcessType  byte
	EntryLine    byte
	EntryStation byte
	ExitLine     byte
	ExitStation  byte
	Region       byte
	complete     bool
}

// DecodeHistory decodes a history block. The balance needs the first 12
// bytes; the ride fields are filled in only for a full 16 byte block.
func DecodeHistory(block []byte) (HistoryRecord, error) {
	if len(block) < minHistoryBlockLen {
		return HistoryRecord{}, fmt.Errorf("%w: got %d bytes, need at least %d",
			ErrMalformedBlock, len(block), minHistoryBlockLen)
	}

	balance, err := decodeUint16(block, offBalance, 0, 1)
	if err != nil {
		return HistoryRecord{}, err
	}
	rec := HistoryRecord{Balance: balance}
	if len(block) < BlockSize {
		return rec, nil
	}

	if err := rec.decodeRide(block); err != nil {
		return HistoryRecord{}, err
	}
	rec.complete = true
	return rec, nil
}

// decodeRide fills the ride metadata from a full block.
func (r *HistoryRecord) decodeRide(block []byte) error {
	date, err := DecodeUint(block, offDate, 0, 1)
	if err != nil {
		return err
	}
	r.Year = 2000 + int(date>>9&0x7F)
	r.Month = int(date >> 5 & 0x0F)
	r.Day = int(date & 0x1F)

	serial, err := DecodeUint(block, offSerial, 0, 1, 2)
	if err != nil {
		return err
	}
	r.Serial = uint32(serial) //nolint:gosec // three bytes always fit

	r.TerminalType = block[offTerminal]
	r.ProcessType = block[offProcess] & 0x7F
	r.EntryLine = block[offEntry]
	r.EntryStation = block[offEntry+1]
	r.ExitLine = block[offExit]
	r.ExitStation = block[offExit+1]
	r.Region = block[offRegion]
	return nil
}

// Complete reports whether the ride fields were decoded.
func (r HistoryRecord) Complete() bool {
	return r.complete
}

// Date returns the ride date. ok is false when the block carries no valid date.
func (r HistoryRecord) Date() (date time.Time, ok bool) {
	if !r.complete || r.Month < 1 || r.Month > 12 || r.Day < 1 || r.Day > 31 {
		return time.Time{}, false
	}
	return time.Date(r.Year, time.Month(r.Month), r.Day, 0, 0, 0, 0, jst), true
}

// TerminalName returns a description of the terminal that wrote the record.
func (r HistoryRecord) TerminalName() string {
	return terminalName(r.TerminalType)
}

// ProcessName returns a description of the transaction kind.
func (r HistoryRecord) ProcessName() string {
	return processName(r.ProcessType)
}

// String formats the balance in yen, e.g. "100円".
func (r HistoryRecord) String() string {
	return fmt.Sprintf("%d円", r.Balance)
}

// Summary returns a one line description of the record.
func (r HistoryRecord) Summary() string {
	if !r.complete {
		return "balance " + r.String()
	}

	var sb strings.Builder
	if date, ok := r.Date(); ok {
		_, _ = sb.WriteString(date.Format("2006-01-02") + " ")
	}
	_, _ = fmt.Fprintf(&sb, "%s %s", r.TerminalName(), r.ProcessName())
	if r.hasStations() {
		_, _ = fmt.Fprintf(&sb, " from %02X-%02X to %02X-%02X",
			r.EntryLine, r.EntryStation, r.ExitLine, r.ExitStation)
	}
	_, _ = fmt.Fprintf(&sb, " balance %s", r.String())
	return sb.String()
}

// hasStations reports whether the process type stores line/station codes.
// Shop and bus records reuse those bytes for other data.
func (r HistoryRecord) hasStations() bool {
	switch r.ProcessType {
	case 0x0D, 0x0F, 0x1F, 0x23, 0x46, 0x48, 0x49, 0x4A, 0x4B:
		return false
	default:
		return true
	}
}

func terminalName(code byte) string {
	names := map[byte]string{
		0x03: "fare adjustment machine",
		0x04: "portable terminal",
		0x05: "bus terminal",
		0x07: "ticket machine",
		0x08: "ticket machine",
		0x09: "charge machine",
		0x12: "ticket machine",
		0x14: "ticket machine",
		0x15: "ticket machine",
		0x16: "ticket gate",
		0x17: "simple ticket gate",
		0x18: "ticket window",
		0x19: "ticket window",
		0x1A: "gate terminal",
		0x1B: "mobile phone",
		0x1C: "transfer adjustment machine",
		0x1D: "transfer gate",
		0x1F: "simple charge machine",
		0x46: "VIEW ALTTE",
		0x48: "VIEW ALTTE",
		0xC7: "point of sale",
		0xC8: "vending machine",
	}
	if n, ok := names[code]; ok {
		return n
	}
	return fmt.Sprintf("terminal 0x%02X", code)
}

func processName(code byte) string {
	names := map[byte]string{
		0x01: "fare payment",
		0x02: "charge",
		0x03: "ticket purchase",
		0x04: "fare adjustment",
		0x05: "entry adjustment",
		0x06: "window exit",
		0x07: "new issue",
		0x08: "deduction",
		0x0D: "bus",
		0x0F: "bus",
		0x11: "reissue",
		0x13: "shinkansen payment",
		0x14: "auto charge at entry",
		0x15: "auto charge at exit",
		0x1F: "bus charge",
		0x23: "bus ticket purchase",
		0x46: "purchase",
		0x48: "point redemption",
		0x49: "register charge",
		0x4A: "purchase cancelled",
		0x4B: "purchase at entry",
	}
	if n, ok := names[code]; ok {
		return n
	}
	return fmt.Sprintf("process 0x%02X", code)
}
