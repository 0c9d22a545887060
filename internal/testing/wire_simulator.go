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

package testing

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ZaparooProject/go-felica/internal/frame"
	"github.com/ZaparooProject/go-felica/internal/syncutil"
)

// PN532 command codes handled by the simulator (PN532 User Manual §7).
const (
	pn532GetFirmwareVersion  = 0x02
	pn532SAMConfiguration    = 0x14
	pn532RFConfiguration     = 0x32
	pn532InDataExchange      = 0x40
	pn532InListPassiveTarget = 0x4A
	pn532InRelease           = 0x52
)

// PN532 status bytes used in responses (§7.1).
const (
	statusOK      = 0x00
	statusTimeout = 0x01
	statusTarget  = 0x27 // wrong context: no target selected
)

// errorFrame is the fixed application error frame (§6.2.1.5).
var errorFrame = []byte{0x00, 0x00, 0xFF, 0x01, 0xFF, 0x7F, 0x81, 0x00}

// SimulatorState tracks the internal state of the simulated PN532.
type SimulatorState struct {
	SAMConfigured  bool
	TargetSelected bool
}

// CommandLogEntry records a command received by the simulator.
type CommandLogEntry struct {
	Args []byte
	Cmd  byte
}

// VirtualPN532 simulates a PN532 chip at the wire protocol level with an
// optional FeliCa card in its field. It implements io.ReadWriter so it can
// stand in for a serial port or an I2C bus.
//
// The simulator answers each command with ACK followed by the response
// frame, honours NACK by resending the last response, and replies to
// garbled frames with nothing, like the chip.
type VirtualPN532 struct {
	card                *VirtualCard
	lastResponse        []byte
	commands            []CommandLogEntry
	rxBuffer            bytes.Buffer
	txBuffer            bytes.Buffer
	state               SimulatorState
	mu                  syncutil.Mutex
	injectChecksumError bool
	dropNextACK         bool
	dropNextResponse    bool
}

// NewVirtualPN532 creates a simulator with an empty field.
func NewVirtualPN532() *VirtualPN532 {
	return &VirtualPN532{}
}

// Write receives bytes from the host and queues the replies.
func (v *VirtualPN532) Write(data []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.rxBuffer.Write(data)
	v.processReceivedData()
	return len(data), nil
}

// Read returns queued reply bytes. It returns 0, nil when nothing is
// pending, like a serial port read timing out.
func (v *VirtualPN532) Read(buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.txBuffer.Len() == 0 {
		return 0, nil
	}
	n, err := v.txBuffer.Read(buf)
	if err != nil {
		return n, fmt.Errorf("read from tx buffer: %w", err)
	}
	return n, nil
}

// SetCard places card in the field, replacing any other.
func (v *VirtualPN532) SetCard(card *VirtualCard) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.card = card
	v.state.TargetSelected = false
}

// RemoveCard empties the field.
func (v *VirtualPN532) RemoveCard() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.card = nil
	v.state.TargetSelected = false
}

// InjectChecksumError corrupts the DCS of the next response frame. A NACK
// from the host gets the intact frame.
func (v *VirtualPN532) InjectChecksumError() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.injectChecksumError = true
}

// DropNextACK suppresses the ACK of the next command.
func (v *VirtualPN532) DropNextACK() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropNextACK = true
}

// DropNextResponse acknowledges the next command but never answers it.
func (v *VirtualPN532) DropNextResponse() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropNextResponse = true
}

// State returns the current simulator state.
func (v *VirtualPN532) State() SimulatorState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// HasPendingResponse reports whether reply bytes are waiting, the I2C
// ready bit.
func (v *VirtualPN532) HasPendingResponse() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.txBuffer.Len() > 0
}

// Commands returns the commands received so far.
func (v *VirtualPN532) Commands() []CommandLogEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]CommandLogEntry(nil), v.commands...)
}

// CommandCount returns how many times cmd was received.
func (v *VirtualPN532) CommandCount(cmd byte) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, c := range v.commands {
		if c.Cmd == cmd {
			n++
		}
	}
	return n
}

func (v *VirtualPN532) processReceivedData() {
	for {
		data := v.rxBuffer.Bytes()
		start := frame.Find(data)
		if start < 0 {
			// keep a trailing 00 that may begin a start code
			if len(data) > 0 && data[len(data)-1] == frame.StartCode1 {
				v.rxBuffer.Next(len(data) - 1)
			} else {
				v.rxBuffer.Reset()
			}
			return
		}
		if start > 0 {
			v.rxBuffer.Next(start)
			data = v.rxBuffer.Bytes()
		}

		switch {
		case frame.IsAck(data):
			v.rxBuffer.Next(len(frame.AckFrame) - 1)
			continue
		case frame.IsNack(data):
			v.rxBuffer.Next(len(frame.NackFrame) - 1)
			if v.lastResponse != nil {
				v.txBuffer.Write(v.lastResponse)
			}
			continue
		}

		payload, consumed, err := frame.Parse(data, frame.HostToPn532)
		if errors.Is(err, frame.ErrIncomplete) {
			return
		}
		if err != nil {
			// garbled: drop the start code and resync
			v.rxBuffer.Next(max(consumed, 2))
			continue
		}
		v.rxBuffer.Next(consumed)
		v.processCommand(payload)
	}
}

func (v *VirtualPN532) processCommand(payload []byte) {
	if !v.dropNextACK {
		v.txBuffer.Write(frame.AckFrame)
	}
	v.dropNextACK = false

	cmd, params := payload[0], payload[1:]
	v.commands = append(v.commands, CommandLogEntry{Cmd: cmd, Args: append([]byte(nil), params...)})

	var resp []byte
	switch cmd {
	case pn532GetFirmwareVersion:
		resp = []byte{0x32, 0x01, 0x06, 0x07}
	case pn532SAMConfiguration:
		v.state.SAMConfigured = true
	case pn532RFConfiguration:
	case pn532InListPassiveTarget:
		resp = v.handleInListPassiveTarget(params)
	case pn532InDataExchange:
		resp = v.handleInDataExchange(params)
	case pn532InRelease:
		v.state.TargetSelected = false
		resp = []byte{statusOK}
	default:
		v.lastResponse = errorFrame
		v.txBuffer.Write(errorFrame)
		return
	}

	if v.dropNextResponse {
		v.dropNextResponse = false
		return
	}
	v.sendResponse(cmd+1, resp)
}

// handleInListPassiveTarget polls for a FeliCa target (§7.3.5).
// Input: MaxTg + BrTy + InitiatorData (the polling payload without LEN)
func (v *VirtualPN532) handleInListPassiveTarget(params []byte) []byte {
	if len(params) < 2 || (params[1] != 0x01 && params[1] != 0x02) || v.card == nil {
		return []byte{0x00}
	}
	poll := append([]byte{byte(len(params) - 1)}, params[2:]...)
	resp, fault, err := v.card.Process(poll)
	if err != nil || fault == FaultTimeout || fault == FaultTransport || len(resp) == 0 {
		return []byte{0x00}
	}
	v.state.TargetSelected = true
	return append([]byte{0x01, 0x01}, resp...)
}

// handleInDataExchange forwards a FeliCa frame to the selected card (§7.3.8).
// Input: Tg + DataOut; response: Status + DataIn
func (v *VirtualPN532) handleInDataExchange(params []byte) []byte {
	if len(params) < 2 || !v.state.TargetSelected || v.card == nil {
		return []byte{statusTarget}
	}
	resp, fault, err := v.card.Process(params[1:])
	if err != nil || fault == FaultTimeout || fault == FaultTransport {
		return []byte{statusTimeout}
	}
	return append([]byte{statusOK}, resp...)
}

func (v *VirtualPN532) sendResponse(code byte, data []byte) {
	out, err := frame.Build(frame.Pn532ToHost, code, data)
	if err != nil {
		out = errorFrame
	}
	v.lastResponse = append([]byte(nil), out...)

	if v.injectChecksumError {
		v.injectChecksumError = false
		out[len(out)-2] ^= 0xFF
	}
	v.txBuffer.Write(out)
}
