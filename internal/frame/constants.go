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

// Package frame builds and parses PN532 host interface frames
// (PN532 User Manual section 6.2).
package frame

// Frame direction constants - these indicate the direction of data flow
const (
	HostToPn532 = 0xD4 // Commands from host to PN532
	Pn532ToHost = 0xD5 // Responses from PN532 to host
	ErrorTFI    = 0x7F // Application level error frame
)

// Frame markers and control bytes
const (
	Preamble   = 0x00
	StartCode1 = 0x00
	StartCode2 = 0xFF
	Postamble  = 0x00

	extendedMarker = 0xFF
)

// Frame size limits
const (
	// MaxNormalDataLength is the largest TFI+payload a normal frame holds.
	MaxNormalDataLength = 0xFF
	// MaxFrameDataLength is the largest TFI+payload the PN532 buffers.
	MaxFrameDataLength = 264
	// MinFrameLength is start code + LEN + LCS + TFI + DCS.
	MinFrameLength = 6
)

// ACK and NACK frames (sections 6.2.1.3 and 6.2.1.4)
var (
	AckFrame  = []byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}
	NackFrame = []byte{0x00, 0x00, 0xFF, 0xFF, 0x00, 0x00}
)
