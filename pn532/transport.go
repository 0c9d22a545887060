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

import (
	"context"
	"errors"
	"fmt"
	"time"

	felica "github.com/ZaparooProject/go-felica"
)

// Transport carries PN532 commands over a physical link. Implementations
// frame the command, wait for the ACK and the response frame, and return
// the response code followed by its payload (TFI stripped).
type Transport interface {
	// SendCommand sends cmd with args and waits for the response until
	// ctx is done.
	SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error)

	// SetTimeout sets the read timeout of the link.
	SetTimeout(timeout time.Duration) error

	// Close closes the transport connection
	Close() error

	// Type returns the transport type
	Type() TransportType
}

// TransportType names a physical link.
type TransportType string

const (
	// TransportUART is the high speed UART (HSU) link.
	TransportUART TransportType = "uart"
	// TransportI2C is the I2C bus link.
	TransportI2C TransportType = "i2c"
	// TransportSPI is the SPI bus link.
	TransportSPI TransportType = "spi"
	// TransportMock is an in-memory link for tests.
	TransportMock TransportType = "mock"
)

// TransportWithRetry retries exchanges that fail at the link level and
// attempts a SAM reset between attempts.
type TransportWithRetry struct {
	transport Transport
	config    *RetryConfig
}

// NewTransportWithRetry creates a new transport wrapper with retry logic
func NewTransportWithRetry(transport Transport, config *RetryConfig) *TransportWithRetry {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &TransportWithRetry{
		transport: transport,
		config:    config,
	}
}

// SendCommand sends a command with retry logic
func (t *TransportWithRetry) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	var result []byte
	err := RetryWithConfig(ctx, t.config, func() error {
		var err error
		result, err = t.transport.SendCommand(ctx, cmd, args)
		if err == nil {
			return nil
		}
		if IsRetryable(err) && t.recover(ctx, cmd) == nil {
			result, err = t.transport.SendCommand(ctx, cmd, args)
		}
		return err
	})
	return result, err
}

// recover puts a confused PN532 back into normal mode.
func (t *TransportWithRetry) recover(ctx context.Context, failed byte) error {
	if failed == cmdSAMConfiguration || failed == cmdGetFirmwareVersion {
		return errors.New("recovery command failed, skipping nested recovery")
	}
	if _, err := t.transport.SendCommand(ctx, cmdSAMConfiguration, samNormalArgs); err != nil {
		return fmt.Errorf("recovery SAM configuration failed: %w", err)
	}
	if _, err := t.transport.SendCommand(ctx, cmdGetFirmwareVersion, nil); err != nil {
		return fmt.Errorf("recovery health check failed: %w", err)
	}
	felica.Debugf("pn532: recovered after failed command 0x%02X", failed)
	return nil
}

// SetTimeout sets the read timeout for the transport
func (t *TransportWithRetry) SetTimeout(timeout time.Duration) error {
	if err := t.transport.SetTimeout(timeout); err != nil {
		return fmt.Errorf("failed to set timeout on underlying transport: %w", err)
	}
	return nil
}

// Close closes the transport connection
func (t *TransportWithRetry) Close() error {
	if err := t.transport.Close(); err != nil {
		return fmt.Errorf("failed to close underlying transport: %w", err)
	}
	return nil
}

// Type returns the underlying transport type
func (t *TransportWithRetry) Type() TransportType {
	return t.transport.Type()
}

var _ Transport = (*TransportWithRetry)(nil)
