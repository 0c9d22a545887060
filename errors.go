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
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package matches exactly one of
// these with errors.Is.
var (
	// ErrConnection reports that the tag could not be connected, usually
	// because it left the field or the reader does not speak NFC-F.
	ErrConnection = errors.New("felica: connection error")

	// ErrProtocol reports a missing, truncated, malformed or timed-out response.
	ErrProtocol = errors.New("felica: protocol error")

	// ErrServiceNotFound reports that the card does not carry the service code.
	ErrServiceNotFound = errors.New("felica: service not found")

	// ErrRead reports that the card rejected a block read with an error status.
	ErrRead = errors.New("felica: read rejected by card")

	// ErrMalformedBlock reports a block too short to decode.
	ErrMalformedBlock = errors.New("felica: malformed block")

	// ErrInvalidState reports a session call made out of order.
	ErrInvalidState = errors.New("felica: invalid session state")

	// ErrOutOfRange reports an offset or block number outside its valid range.
	ErrOutOfRange = errors.New("felica: out of range")
)

// CommandError carries the context of a failed card command. It unwraps to
// both its Kind and the underlying cause.
type CommandError struct {
	Kind    error  // one of the Err* kinds above
	Err     error  // underlying cause, may be nil
	Op      string // command or session operation
	Status1 byte   // status flag 1 (read errors only)
	Status2 byte   // status flag 2 (read errors only)
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Kind == ErrRead {
		msg += fmt.Sprintf(" (status %02X %02X: %s)", e.Status1, e.Status2, StatusMeaning(e.Status2))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the error kind and the cause for errors.Is/As.
func (e *CommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newCommandError(op string, kind, err error) *CommandError {
	return &CommandError{Op: op, Kind: kind, Err: err}
}

func protocolErrorf(op, format string, args ...any) *CommandError {
	return newCommandError(op, ErrProtocol, fmt.Errorf(format, args...))
}

// StatusMeaning returns a description of a FeliCa status flag 2 value as
// defined for status flag 1 values 0x01 and 0x02.
func StatusMeaning(status2 byte) string {
	meanings := map[byte]string{
		0x00: "success",
		0x01: "purse data underflow",
		0x02: "cashback data exceeded",
		0x70: "memory error",
		0x71: "excessive write count",
		0xA1: "illegal number of services",
		0xA2: "illegal command packet",
		0xA3: "illegal block list",
		0xA4: "illegal service code list",
		0xA5: "illegal number of blocks",
		0xA6: "illegal service code",
		0xA7: "illegal block list element",
		0xA8: "illegal block number",
		0xA9: "access denied",
		0xB0: "illegal service code",
		0xB1: "access denied",
		0xB2: "illegal block list element",
	}
	if m, ok := meanings[status2]; ok {
		return m
	}
	return "unknown status"
}

// IsProtocolError returns true if err is a protocol error.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsRetryable returns true if a fresh presentation of the same card may
// succeed where err failed. A card answering with a definite status never
// qualifies.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrConnection)
}

// StatusFlags returns the status flags carried by a read error.
func StatusFlags(err error) (status1, status2 byte, ok bool) {
	var ce *CommandError
	if errors.As(err, &ce) && ce.Kind == ErrRead {
		return ce.Status1, ce.Status2, true
	}
	return 0, 0, false
}
