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

package pn532

import "fmt"

// FirmwareVersion is the answer to GetFirmwareVersion.
type FirmwareVersion struct {
	IC               byte
	Version          byte
	Revision         byte
	SupportIso14443a bool
	SupportIso14443b bool
	SupportIso18092  bool
}

// String formats the version as "PN532 v1.6".
func (f FirmwareVersion) String() string {
	return fmt.Sprintf("PN5%02X v%d.%d", f.IC, f.Version, f.Revision)
}

// SupportsFeliCa reports whether the chip handles ISO 18092, the protocol
// family FeliCa polling belongs to.
func (f FirmwareVersion) SupportsFeliCa() bool {
	return f.SupportIso18092
}

func parseFirmwareVersion(res []byte) (*FirmwareVersion, error) {
	if len(res) < 5 || res[0] != cmdGetFirmwareVersion+1 {
		return nil, fmt.Errorf("%w: firmware version % X", ErrInvalidResponse, res)
	}
	if res[1] != 0x32 {
		return nil, fmt.Errorf("%w: unexpected IC 0x%02X", ErrDeviceNotSupported, res[1])
	}
	return &FirmwareVersion{
		IC:               res[1],
		Version:          res[2],
		Revision:         res[3],
		SupportIso14443a: res[4]&0x01 == 0x01,
		SupportIso14443b: res[4]&0x02 == 0x02,
		SupportIso18092:  res[4]&0x04 == 0x04,
	}, nil
}
