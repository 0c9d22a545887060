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

package frame

import (
	"bytes"
	"errors"
	"fmt"
)

// Parse errors. ErrIncomplete means more bytes are needed; the others
// mean the frame is damaged and a NACK is in order.
var (
	ErrIncomplete       = errors.New("incomplete frame")
	ErrNoStartCode      = errors.New("no frame start code")
	ErrLengthChecksum   = errors.New("length checksum mismatch")
	ErrDataChecksum     = errors.New("data checksum mismatch")
	ErrUnexpectedTFI    = errors.New("unexpected frame identifier")
	ErrTooLarge         = errors.New("frame data too large")
	ErrApplicationError = errors.New("PN532 application error frame")
)

// Checksum returns the byte sum of data.
func Checksum(data []byte) byte {
	var chk byte
	for _, b := range data {
		chk += b
	}
	return chk
}

// Build returns a complete information frame carrying tfi, cmd and args.
// Payloads above 255 bytes use the extended frame layout.
func Build(tfi, cmd byte, args []byte) ([]byte, error) {
	dataLen := 2 + len(args)
	if dataLen > MaxFrameDataLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, dataLen)
	}

	out := make([]byte, 0, dataLen+10)
	out = append(out, Preamble, StartCode1, StartCode2)
	if dataLen <= MaxNormalDataLength {
		out = append(out, byte(dataLen), ^byte(dataLen)+1)
	} else {
		hi, lo := byte(dataLen>>8), byte(dataLen)
		out = append(out, extendedMarker, extendedMarker, hi, lo, ^(hi+lo)+1)
	}

	dataStart := len(out)
	out = append(out, tfi, cmd)
	out = append(out, args...)
	out = append(out, ^Checksum(out[dataStart:])+1, Postamble)
	return out, nil
}

// Find returns the index of the first 00 FF start code in buf, or -1.
func Find(buf []byte) int {
	return bytes.Index(buf, []byte{StartCode1, StartCode2})
}

// IsAck reports whether buf starts with an ACK frame, preamble optional.
func IsAck(buf []byte) bool {
	return bytes.HasPrefix(buf, AckFrame) || bytes.HasPrefix(buf, AckFrame[1:])
}

// IsNack reports whether buf starts with a NACK frame, preamble optional.
func IsNack(buf []byte) bool {
	return bytes.HasPrefix(buf, NackFrame) || bytes.HasPrefix(buf, NackFrame[1:])
}

// Parse decodes the first information frame in buf, which must begin at a
// start code (see Find). It returns the bytes after the TFI (response code
// and payload) and how many bytes of buf the frame used.
//
// An error frame yields ErrApplicationError with consumed set, so the
// caller can drop it.
func Parse(buf []byte, tfi byte) (data []byte, consumed int, err error) {
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}
	if buf[0] != StartCode1 || buf[1] != StartCode2 {
		return nil, 0, ErrNoStartCode
	}
	if len(buf) < 4 {
		return nil, 0, ErrIncomplete
	}

	var dataLen, off int
	if buf[2] == extendedMarker && buf[3] == extendedMarker {
		if len(buf) < 7 {
			return nil, 0, ErrIncomplete
		}
		if buf[4]+buf[5]+buf[6] != 0 {
			return nil, 0, ErrLengthChecksum
		}
		dataLen, off = int(buf[4])<<8|int(buf[5]), 7
	} else {
		if buf[2]+buf[3] != 0 {
			return nil, 0, ErrLengthChecksum
		}
		dataLen, off = int(buf[2]), 4
	}
	if dataLen == 0 {
		// ACK-shaped frame; not an information frame
		return nil, off, ErrUnexpectedTFI
	}

	end := off + dataLen + 1 // DCS
	if len(buf) < end {
		return nil, 0, ErrIncomplete
	}
	consumed = end
	if len(buf) > end && buf[end] == Postamble {
		consumed++
	}

	payload := buf[off : off+dataLen]
	if Checksum(payload)+buf[off+dataLen] != 0 {
		return nil, consumed, ErrDataChecksum
	}
	switch payload[0] {
	case tfi:
		out := make([]byte, dataLen-1)
		copy(out, payload[1:])
		return out, consumed, nil
	case ErrorTFI:
		return nil, consumed, ErrApplicationError
	default:
		return nil, consumed, fmt.Errorf("%w: 0x%02X", ErrUnexpectedTFI, payload[0])
	}
}
