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

/*
Package felica reads ride history from FeliCa transit cards (Suica, ICOCA,
PiTaPa and other cards that share the Cyberne history layout).

The package talks to a card through a Conn, a connection that exchanges raw
NFC-F frames. It does not discover tags itself: a platform package (pn532,
libnfc, remote) finds a card and hands over a Tag, and the Reader drives a
Session through polling, service selection and block reads before decoding
the block into a HistoryRecord.

Features:
  - FeliCa polling, request service, read without encryption
  - Request system code and search service code for card inspection
  - Fixed-offset decoding of history blocks (balance, date, stations)
  - Strict session state machine with typed errors
  - Optional frame tracing injected by the caller

Basic Usage:

	import (
	    "github.com/ZaparooProject/go-felica"
	    "github.com/ZaparooProject/go-felica/pn532"
	    "github.com/ZaparooProject/go-felica/transport/uart"
	)

	transport, err := uart.New("/dev/ttyUSB0")
	if err != nil {
	    return err
	}
	device, err := pn532.New(transport)
	if err != nil {
	    return err
	}
	defer device.Close()

	if err := device.Init(ctx); err != nil {
	    return err
	}

	tag, err := device.DetectFeliCa(ctx, felica.SystemCodeWildcard)
	if err != nil {
	    return err
	}

	record, err := felica.Read(ctx, tag)
	if err != nil {
	    return err
	}
	fmt.Println(record) // 1200円

Error Handling:

Every failure matches one of the sentinel errors with errors.Is:
ErrConnection, ErrProtocol, ErrServiceNotFound, ErrRead, ErrMalformedBlock,
ErrInvalidState and ErrOutOfRange. The Reader never retries; a caller that
wants to retry after ErrProtocol has to wait for a fresh presentation (see
the polling package).
*/
package felica
