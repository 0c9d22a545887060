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

package testing

// Identifiers used across tests.
var (
	TestIDm      = []byte{0x01, 0x14, 0x14, 0x00, 0x5A, 0x0B, 0x3C, 0x21}
	TestPMm      = []byte{0x10, 0x0B, 0x4B, 0x42, 0x84, 0x85, 0xD0, 0xFF}
	TestOtherIDm = []byte{0x01, 0x01, 0x06, 0x01, 0xCB, 0x09, 0x57, 0x03}
)

// HistoryEntry describes one Cyberne ride history block.
type HistoryEntry struct {
	Year         int // 2000-based, 0-127
	Month        int
	Day          int
	Serial       uint32
	Balance      uint16
	Terminal     byte
	Process      byte
	EntryLine    byte
	EntryStation byte
	ExitLine     byte
	ExitStation  byte
	Region       byte
}

// Block encodes the entry into its 16 byte on-card layout.
func (e HistoryEntry) Block() []byte {
	b := make([]byte, 16)
	b[0] = e.Terminal
	b[1] = e.Process
	date := uint16(e.Year&0x7F)<<9 | uint16(e.Month&0x0F)<<5 | uint16(e.Day&0x1F)
	b[4], b[5] = byte(date>>8), byte(date)
	b[6], b[7] = e.EntryLine, e.EntryStation
	b[8], b[9] = e.ExitLine, e.ExitStation
	b[10], b[11] = byte(e.Balance>>8), byte(e.Balance)
	b[12], b[13], b[14] = byte(e.Serial>>16), byte(e.Serial>>8), byte(e.Serial)
	b[15] = e.Region
	return b
}

// PollingResponse builds a polling answer, with the system code when one
// is given.
func PollingResponse(idm, pmm []byte, systemCode ...uint16) []byte {
	payload := append(append([]byte(nil), idm...), pmm...)
	if len(systemCode) > 0 {
		payload = append(payload, byte(systemCode[0]>>8), byte(systemCode[0]))
	}
	return responseFrame(CmdPolling+1, payload)
}

// RequestServiceResponse builds a request service answer with one key
// version per requested service.
func RequestServiceResponse(idm []byte, keyVersions ...uint16) []byte {
	payload := append(append([]byte(nil), idm...), byte(len(keyVersions)))
	for _, kv := range keyVersions {
		payload = append(payload, byte(kv), byte(kv>>8))
	}
	return responseFrame(CmdRequestService+1, payload)
}

// ReadResponse builds a successful read without encryption answer.
func ReadResponse(idm []byte, blocks ...[]byte) []byte {
	payload := append(append([]byte(nil), idm...), 0x00, 0x00, byte(len(blocks)))
	for _, b := range blocks {
		payload = append(payload, b...)
	}
	return responseFrame(CmdReadWithoutEncryption+1, payload)
}

// ReadErrorResponse builds a read without encryption answer carrying
// error status flags.
func ReadErrorResponse(idm []byte, status1, status2 byte) []byte {
	return readStatusFrame(idm, status1, status2)
}

// PN532 response payloads as returned by a transport: response code
// first, TFI stripped.

// FirmwareVersionResponse is a PN532 v1.6 GetFirmwareVersion answer.
func FirmwareVersionResponse() []byte {
	return []byte{0x03, 0x32, 0x01, 0x06, 0x07}
}

// FeliCaTargetResponse is an InListPassiveTarget answer listing one
// FeliCa target.
func FeliCaTargetResponse(idm, pmm []byte, systemCode ...uint16) []byte {
	return append([]byte{0x4B, 0x01, 0x01}, PollingResponse(idm, pmm, systemCode...)...)
}

// NoTargetResponse is an InListPassiveTarget answer listing nothing.
func NoTargetResponse() []byte {
	return []byte{0x4B, 0x00}
}

// DataExchangeResponse is a successful InDataExchange answer.
func DataExchangeResponse(data []byte) []byte {
	return append([]byte{0x41, 0x00}, data...)
}

// DataExchangeStatus is an InDataExchange answer carrying only a status.
func DataExchangeStatus(status byte) []byte {
	return []byte{0x41, status}
}
