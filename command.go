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
	"bytes"
	"encoding/hex"
	"fmt"
)

// FeliCa command codes (JIS X 6319-4). Each response code is the command
// code plus one.
const (
	cmdPolling               = 0x00
	cmdRequestService        = 0x02
	cmdReadWithoutEncryption = 0x06
	cmdSearchServiceCode     = 0x0A
	cmdRequestSystemCode     = 0x0C
)

const (
	// IDmLength is the length of the manufacture ID.
	IDmLength = 8
	// PMmLength is the length of the manufacture parameter.
	PMmLength = 8
	// MaxBlocksPerRead is the most blocks one read command can return
	// within the 255 byte frame limit.
	MaxBlocksPerRead = 15
	// MaxServicesPerRequest is the node limit of a request service command.
	MaxServicesPerRequest = 32

	maxFrameLength = 0xFF
	// headerLength covers LEN, response code and IDm.
	headerLength = 2 + IDmLength

	pollingRequestSystemCode = 0x01
	keyVersionAbsent         = 0xFFFF
)

// SystemCode selects a system (a partition of the card).
type SystemCode uint16

// Well known system codes.
const (
	SystemCodeWildcard SystemCode = 0xFFFF
	SystemCodeCyberne  SystemCode = 0x0003
	SystemCodeCommon   SystemCode = 0xFE00
	SystemCodeNDEF     SystemCode = 0x12FC
)

func (c SystemCode) String() string {
	return fmt.Sprintf("0x%04X", uint16(c))
}

// ServiceCode selects a service (a file) inside a system.
type ServiceCode uint16

// Well known Cyberne service codes.
const (
	ServiceCodeHistory   ServiceCode = 0x090F
	ServiceCodeAttribute ServiceCode = 0x008B
	ServiceCodeGate      ServiceCode = 0x108F
	ServiceCodeStation   ServiceCode = 0x10CB
)

func (c ServiceCode) String() string {
	return fmt.Sprintf("0x%04X", uint16(c))
}

// TagIdentifier is what a card reports when polled.
type TagIdentifier struct {
	IDm           [IDmLength]byte
	PMm           [PMmLength]byte
	SystemCode    SystemCode
	HasSystemCode bool
}

// IDmHex returns the IDm as upper case hex.
func (t TagIdentifier) IDmHex() string {
	return fmt.Sprintf("%X", t.IDm[:])
}

// PMmHex returns the PMm as upper case hex.
func (t TagIdentifier) PMmHex() string {
	return fmt.Sprintf("%X", t.PMm[:])
}

// ServiceSearchResult is one entry found by search service code. Areas
// carry an end code, services do not.
type ServiceSearchResult struct {
	Code    uint16
	AreaEnd uint16
	IsArea  bool
}

// buildFrame assembles LEN + command + IDm + payload.
func buildFrame(cmd byte, idm []byte, payload ...byte) ([]byte, error) {
	size := 2 + len(idm) + len(payload)
	if size > maxFrameLength {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrOutOfRange, size, maxFrameLength)
	}
	frame := make([]byte, 0, size)
	frame = append(frame, byte(size), cmd)
	frame = append(frame, idm...)
	frame = append(frame, payload...)
	return frame, nil
}

// checkResponse validates LEN, response code and, when idm is given, the
// IDm echo. It returns the bytes after the header.
func checkResponse(op string, resp []byte, cmd byte, idm []byte) ([]byte, error) {
	if len(resp) == 0 {
		return nil, protocolErrorf(op, "empty response")
	}
	n := int(resp[0])
	if n < 2 || n > len(resp) {
		return nil, protocolErrorf(op, "length byte %d does not fit %d byte response", n, len(resp))
	}
	resp = resp[:n]
	if resp[1] != cmd+1 {
		return nil, protocolErrorf(op, "unexpected response code 0x%02X, want 0x%02X", resp[1], cmd+1)
	}
	if idm == nil {
		return resp[2:], nil
	}
	if len(resp) < headerLength {
		return nil, protocolErrorf(op, "response too short: %d bytes", len(resp))
	}
	if !bytes.Equal(resp[2:headerLength], idm) {
		return nil, protocolErrorf(op, "IDm mismatch: got %X, want %X", resp[2:headerLength], idm)
	}
	return resp[headerLength:], nil
}

func buildPolling(code SystemCode) []byte {
	// six bytes never exceed the frame limit
	frame, _ := buildFrame(cmdPolling, nil,
		byte(code>>8), byte(code),
		pollingRequestSystemCode,
		0x00, // time slot: one slot
	)
	return frame
}

func parsePolling(resp []byte) (TagIdentifier, error) {
	body, err := checkResponse("polling", resp, cmdPolling, nil)
	if err != nil {
		return TagIdentifier{}, err
	}
	if len(body) < IDmLength+PMmLength {
		return TagIdentifier{}, protocolErrorf("polling", "response truncated: %d bytes", len(resp))
	}

	var id TagIdentifier
	copy(id.IDm[:], body[:IDmLength])
	copy(id.PMm[:], body[IDmLength:IDmLength+PMmLength])
	if rest := body[IDmLength+PMmLength:]; len(rest) >= 2 {
		id.SystemCode = SystemCode(uint16(rest[0])<<8 | uint16(rest[1]))
		id.HasSystemCode = true
	}
	return id, nil
}

func buildRequestService(idm []byte, codes []ServiceCode) ([]byte, error) {
	if len(codes) == 0 || len(codes) > MaxServicesPerRequest {
		return nil, fmt.Errorf("%w: %d service codes (must be 1-%d)", ErrOutOfRange, len(codes), MaxServicesPerRequest)
	}
	payload := make([]byte, 0, 1+2*len(codes))
	payload = append(payload, byte(len(codes)))
	for _, c := range codes {
		payload = append(payload, byte(c), byte(c>>8))
	}
	return buildFrame(cmdRequestService, idm, payload...)
}

func parseRequestService(resp, idm []byte, count int) ([]uint16, error) {
	body, err := checkResponse("request service", resp, cmdRequestService, idm)
	if err != nil {
		return nil, err
	}
	if len(body) < 1 || int(body[0]) != count {
		return nil, protocolErrorf("request service", "node count mismatch in %X", body)
	}
	if len(body) < 1+2*count {
		return nil, protocolErrorf("request service", "key version list truncated: %d bytes", len(body)-1)
	}
	versions := make([]uint16, count)
	for i := range versions {
		versions[i] = uint16(body[1+2*i]) | uint16(body[2+2*i])<<8
	}
	return versions, nil
}

// blockListElement encodes one block number. Two byte elements cover
// blocks 0-255, three byte elements the full 16 bit range.
func blockListElement(block int) []byte {
	if block <= 0xFF {
		return []byte{0x80, byte(block)}
	}
	return []byte{0x00, byte(block), byte(block >> 8)}
}

func buildReadWithoutEncryption(idm []byte, code ServiceCode, blocks []int) ([]byte, error) {
	if len(blocks) == 0 || len(blocks) > MaxBlocksPerRead {
		return nil, fmt.Errorf("%w: %d blocks (must be 1-%d)", ErrOutOfRange, len(blocks), MaxBlocksPerRead)
	}
	payload := []byte{0x01, byte(code), byte(code >> 8), byte(len(blocks))}
	for _, b := range blocks {
		if b < 0 || b > 0xFFFF {
			return nil, fmt.Errorf("%w: block number %d", ErrOutOfRange, b)
		}
		payload = append(payload, blockListElement(b)...)
	}
	return buildFrame(cmdReadWithoutEncryption, idm, payload...)
}

// readResult is a parsed read without encryption response.
type readResult struct {
	blocks  [][]byte
	status1 byte
	status2 byte
}

func parseReadWithoutEncryption(resp, idm []byte, count int) (readResult, error) {
	const op = "read without encryption"
	body, err := checkResponse(op, resp, cmdReadWithoutEncryption, idm)
	if err != nil {
		return readResult{}, err
	}
	if len(body) < 2 {
		return readResult{}, protocolErrorf(op, "status flags missing")
	}
	res := readResult{status1: body[0], status2: body[1]}
	if res.status1 != 0x00 {
		return res, nil
	}
	if len(body) < 3 || int(body[2]) != count {
		return readResult{}, protocolErrorf(op, "block count mismatch in %X", body)
	}
	data := body[3:]
	if len(data) < count*BlockSize {
		return readResult{}, protocolErrorf(op, "block data truncated: %d bytes, want %d", len(data), count*BlockSize)
	}
	res.blocks = make([][]byte, count)
	for i := range res.blocks {
		block := make([]byte, BlockSize)
		copy(block, data[i*BlockSize:(i+1)*BlockSize])
		res.blocks[i] = block
	}
	return res, nil
}

func buildRequestSystemCode(idm []byte) ([]byte, error) {
	return buildFrame(cmdRequestSystemCode, idm)
}

func parseRequestSystemCode(resp, idm []byte) ([]SystemCode, error) {
	body, err := checkResponse("request system code", resp, cmdRequestSystemCode, idm)
	if err != nil {
		return nil, err
	}
	if len(body) < 1 {
		return nil, protocolErrorf("request system code", "system code count missing")
	}
	n := int(body[0])
	if len(body) < 1+2*n {
		return nil, protocolErrorf("request system code", "system code list truncated: %d of %d", (len(body)-1)/2, n)
	}
	codes := make([]SystemCode, n)
	for i := range codes {
		codes[i] = SystemCode(uint16(body[1+2*i])<<8 | uint16(body[2+2*i]))
	}
	return codes, nil
}

func buildSearchServiceCode(idm []byte, index uint16) ([]byte, error) {
	return buildFrame(cmdSearchServiceCode, idm, byte(index), byte(index>>8))
}

// parseSearchServiceCode returns the entry and whether the search is done.
func parseSearchServiceCode(resp, idm []byte) (ServiceSearchResult, bool, error) {
	body, err := checkResponse("search service code", resp, cmdSearchServiceCode, idm)
	if err != nil {
		return ServiceSearchResult{}, false, err
	}
	switch len(body) {
	case 2:
		code := uint16(body[0]) | uint16(body[1])<<8
		if code == 0xFFFF {
			return ServiceSearchResult{}, true, nil
		}
		return ServiceSearchResult{Code: code}, false, nil
	case 4:
		return ServiceSearchResult{
			Code:    uint16(body[0]) | uint16(body[1])<<8,
			AreaEnd: uint16(body[2]) | uint16(body[3])<<8,
			IsArea:  true,
		}, false, nil
	default:
		return ServiceSearchResult{}, false, protocolErrorf("search service code",
			"unexpected payload %s", hex.EncodeToString(body))
	}
}
