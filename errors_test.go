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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("deadline exceeded")
	err := fmt.Errorf("reading: %w", newCommandError("polling", ErrProtocol, cause))

	require.ErrorIs(t, err, ErrProtocol)
	require.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConnection)

	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "polling", ce.Op)
	assert.Equal(t, "reading: polling: felica: protocol error: deadline exceeded", err.Error())
}

func TestCommandError_ReadStatus(t *testing.T) {
	t.Parallel()

	err := &CommandError{Op: "read without encryption", Kind: ErrRead, Status1: 0x01, Status2: 0xA8}
	assert.Equal(t, "read without encryption: felica: read rejected by card (status 01 A8: illegal block number)", err.Error())

	s1, s2, ok := StatusFlags(err)
	require.True(t, ok)
	assert.Equal(t, byte(0x01), s1)
	assert.Equal(t, byte(0xA8), s2)

	_, _, ok = StatusFlags(newCommandError("polling", ErrProtocol, nil))
	assert.False(t, ok)
}

func TestErrorKinds_Distinct(t *testing.T) {
	t.Parallel()

	kinds := []error{
		ErrConnection, ErrProtocol, ErrServiceNotFound, ErrRead,
		ErrMalformedBlock, ErrInvalidState, ErrOutOfRange,
	}
	for i, a := range kinds {
		for j, b := range kinds {
			assert.Equal(t, i == j, errors.Is(a, b), "%v vs %v", a, b)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "protocol", err: newCommandError("polling", ErrProtocol, nil), want: true},
		{name: "connection", err: newCommandError("open", ErrConnection, nil), want: true},
		{name: "service not found", err: newCommandError("request service", ErrServiceNotFound, nil), want: false},
		{name: "read", err: &CommandError{Op: "read", Kind: ErrRead, Status1: 1}, want: false},
		{name: "malformed", err: ErrMalformedBlock, want: false},
		{name: "invalid state", err: ErrInvalidState, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}

	assert.True(t, IsProtocolError(newCommandError("x", ErrProtocol, nil)))
	assert.False(t, IsProtocolError(ErrRead))
}

func TestStatusMeaning(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "illegal service code", StatusMeaning(0xA6))
	assert.Equal(t, "unknown status", StatusMeaning(0x42))
}
