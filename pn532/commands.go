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

// PN532 commands used for FeliCa (PN532 User Manual section 7).
const (
	cmdGetFirmwareVersion  = 0x02
	cmdSAMConfiguration    = 0x14
	cmdRFConfiguration     = 0x32
	cmdInDataExchange      = 0x40
	cmdInListPassiveTarget = 0x4A
	cmdInRelease           = 0x52
)

// Baud rate / modulation types for InListPassiveTarget.
const (
	BaudRateFeliCa212 byte = 0x01
	BaudRateFeliCa424 byte = 0x02
)

// RFConfiguration item selecting MxRtyATR, MxRtyPSL and MxRtyPassiveActivation.
const rfItemMaxRetries = 0x05

// DefaultPassiveActivationRetries bounds InListPassiveTarget to about one
// second (roughly 100ms per retry). 0xFF would wait forever.
const DefaultPassiveActivationRetries byte = 0x0A

// samNormalArgs selects normal mode, a 1s virtual card timeout and the
// IRQ pin.
var samNormalArgs = []byte{0x01, 0x14, 0x01}

// statusMask strips the NAD and MI bits from an In* status byte.
const statusMask = 0x3F
