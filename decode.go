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

import "fmt"

// maxDecodeWidth is the number of bytes that fit in the uint64 accumulator.
const maxDecodeWidth = 8

// DecodeUint reads bytes from data at base+index for each index in order,
// most significant first, and returns them as an unsigned integer.
//
// Every position must lie inside data; anything else fails with
// ErrOutOfRange. More than eight indices fail the same way since they would
// overflow the result.
func DecodeUint(data []byte, base int, indices ...int) (uint64, error) {
	if len(indices) > maxDecodeWidth {
		return 0, fmt.Errorf("%w: %d indices exceed %d byte width", ErrOutOfRange, len(indices), maxDecodeWidth)
	}

	var num uint64
	for _, idx := range indices {
		pos := base + idx
		if pos < 0 || pos >= len(data) {
			return 0, fmt.Errorf("%w: offset %d+%d outside %d byte buffer", ErrOutOfRange, base, idx, len(data))
		}
		num = num<<8 | uint64(data[pos]&0xFF)
	}
	return num, nil
}

// decodeUint16 is DecodeUint for two byte fields.
func decodeUint16(data []byte, base, hi, lo int) (uint16, error) {
	v, err := DecodeUint(data, base, hi, lo)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil //nolint:gosec // two bytes always fit
}
