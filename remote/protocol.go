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

package remote

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Message types. A phone sends hello once, tag on every presentation and
// result or error answering a transceive. The host sends transceive and
// release.
const (
	MessageHello      = "hello"
	MessageTag        = "tag"
	MessageResult     = "result"
	MessageError      = "error"
	MessageTransceive = "transceive"
	MessageRelease    = "release"
)

// Message is the JSON envelope exchanged on the websocket. Byte fields
// are hex strings.
type Message struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Device string `json:"device,omitempty"`
	IDm    string `json:"idm,omitempty"`
	PMm    string `json:"pmm,omitempty"`
	Data   string `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// EncodeHex formats bytes the way messages carry them.
func EncodeHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func decodeHex(field, s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBadMessage, field, err)
	}
	return b, nil
}
