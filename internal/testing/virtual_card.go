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

// Package testing provides test doubles for the FeliCa reader packages: a
// virtual FeliCa card answering raw NFC-F frames, a wire-level PN532
// simulator hosting such cards, and helpers building response frames.
//
// The package does not import the felica package so that felica's own
// tests can use it; the virtual card satisfies felica.Conn structurally.
package testing

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/ZaparooProject/go-felica/internal/syncutil"
)

// FeliCa command codes understood by the virtual card.
const (
	CmdPolling               = 0x00
	CmdRequestService        = 0x02
	CmdReadWithoutEncryption = 0x06
	CmdSearchServiceCode     = 0x0A
	CmdRequestSystemCode     = 0x0C
)

// KeyVersionAbsent is the request service answer for a missing service.
const KeyVersionAbsent = 0xFFFF

// Card errors
var (
	// ErrNoResponse is returned when the card stays silent, as a real card
	// does for frames addressed to another IDm or unknown commands.
	ErrNoResponse = errors.New("virtual card: no response")
	// ErrCardRemoved is returned for any exchange while the card is away.
	ErrCardRemoved = errors.New("virtual card: removed from field")
	// ErrTransport is returned by FaultTransport.
	ErrTransport = errors.New("virtual card: transport failure")
)

// Fault selects how the card misbehaves on the next command it receives.
type Fault int

// Faults
const (
	FaultNone      Fault = iota
	FaultTimeout         // never answer; Transceive blocks until ctx is done
	FaultSilent          // answer with an empty frame
	FaultTruncate        // answer with the second half of the frame missing
	FaultWrongIDm        // answer with a corrupted IDm echo
	FaultTransport       // fail with ErrTransport
)

type service struct {
	blocks     [][]byte
	keyVersion uint16
	status     [2]byte
}

// VirtualCard simulates a FeliCa card. It is safe for concurrent use.
type VirtualCard struct {
	connectErr   error
	closeErr     error
	services     map[uint16]*service
	faults       map[byte]Fault
	frames       [][]byte
	systemCodes  []uint16
	idm          [8]byte
	pmm          [8]byte
	mu           syncutil.Mutex
	closeCount   int
	connectCount int
	removed      bool
}

// NewVirtualCard creates a card with the given IDm carrying the Cyberne
// and common systems but no services.
func NewVirtualCard(idm []byte) *VirtualCard {
	if idm == nil {
		idm = TestIDm
	}
	c := &VirtualCard{
		services:    make(map[uint16]*service),
		faults:      make(map[byte]Fault),
		systemCodes: []uint16{0x0003, 0xFE00},
	}
	copy(c.idm[:], idm)
	copy(c.pmm[:], TestPMm)
	return c
}

// NewTransitCard creates a card carrying the ride history service 0x090F
// filled with entries (most recent first) padded to 20 blocks, and the
// attribute service 0x008B.
func NewTransitCard(idm []byte, entries ...HistoryEntry) *VirtualCard {
	c := NewVirtualCard(idm)
	blocks := make([][]byte, 20)
	for i := range blocks {
		if i < len(entries) {
			blocks[i] = entries[i].Block()
		} else {
			blocks[i] = make([]byte, 16)
		}
	}
	c.AddService(0x090F, 0x0000, blocks...)
	c.AddService(0x008B, 0x0000, make([]byte, 16))
	return c
}

// IDm returns the card's manufacture ID.
func (c *VirtualCard) IDm() []byte {
	return append([]byte(nil), c.idm[:]...)
}

// PMm returns the card's manufacture parameter.
func (c *VirtualCard) PMm() []byte {
	return append([]byte(nil), c.pmm[:]...)
}

// AddService adds or replaces a service with the given key version and
// blocks.
func (c *VirtualCard) AddService(code, keyVersion uint16, blocks ...[]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &service{keyVersion: keyVersion}
	for _, b := range blocks {
		block := make([]byte, 16)
		copy(block, b)
		s.blocks = append(s.blocks, block)
	}
	c.services[code] = s
}

// RemoveService drops a service so request service reports it absent.
func (c *VirtualCard) RemoveService(code uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.services, code)
}

// SetReadStatus makes every read of the service fail with the given
// status flags. Zero flags restore normal reads.
func (c *VirtualCard) SetReadStatus(code uint16, status1, status2 byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.services[code]; ok {
		s.status = [2]byte{status1, status2}
	}
}

// SetSystemCodes replaces the systems the card reports.
func (c *VirtualCard) SetSystemCodes(codes ...uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemCodes = append([]uint16(nil), codes...)
}

// InjectFault makes the next command with code cmd misbehave.
func (c *VirtualCard) InjectFault(cmd byte, f Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[cmd] = f
}

// SetConnectError makes Connect fail with err.
func (c *VirtualCard) SetConnectError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// SetCloseError makes Close return err.
func (c *VirtualCard) SetCloseError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
}

// Remove takes the card out of the field.
func (c *VirtualCard) Remove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = true
}

// Insert puts the card back into the field.
func (c *VirtualCard) Insert() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = false
}

// Present reports whether the card is in the field.
func (c *VirtualCard) Present() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.removed
}

// Connect hands out the card as a connection. Each call counts.
func (c *VirtualCard) Connect(_ context.Context) (*VirtualCard, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCount++
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	if c.removed {
		return nil, ErrCardRemoved
	}
	return c, nil
}

// Transceive answers one FeliCa frame (LEN included).
func (c *VirtualCard) Transceive(ctx context.Context, frame []byte) ([]byte, error) {
	resp, fault, err := c.Process(frame)
	switch fault {
	case FaultTimeout:
		<-ctx.Done()
		return nil, ctx.Err()
	case FaultTransport:
		return nil, ErrTransport
	case FaultNone, FaultSilent, FaultTruncate, FaultWrongIDm:
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Close counts the release of the connection.
func (c *VirtualCard) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	return c.closeErr
}

// CloseCount returns how many times Close was called.
func (c *VirtualCard) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// ConnectCount returns how many times Connect was called.
func (c *VirtualCard) ConnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCount
}

// Frames returns a copy of every frame received, oldest first.
func (c *VirtualCard) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	for i, f := range c.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// FrameCount returns how many frames were received.
func (c *VirtualCard) FrameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Process records frame and computes the card's answer, applying and
// consuming any injected fault except FaultTimeout and FaultTransport,
// which are returned for the caller to act on.
func (c *VirtualCard) Process(frame []byte) ([]byte, Fault, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), frame...))

	if c.removed {
		return nil, FaultNone, ErrCardRemoved
	}
	if len(frame) < 2 || int(frame[0]) != len(frame) {
		return nil, FaultNone, ErrNoResponse
	}

	cmd := frame[1]
	fault := c.faults[cmd]
	delete(c.faults, cmd)
	if fault == FaultTimeout || fault == FaultTransport {
		return nil, fault, nil
	}

	resp, ok := c.respond(cmd, frame[2:])
	if !ok {
		return nil, fault, ErrNoResponse
	}
	switch fault {
	case FaultSilent:
		resp = []byte{}
	case FaultTruncate:
		resp = resp[:len(resp)/2]
	case FaultWrongIDm:
		if len(resp) > 2 {
			resp[2] ^= 0xFF
		}
	case FaultNone, FaultTimeout, FaultTransport:
	}
	return resp, fault, nil
}

func (c *VirtualCard) respond(cmd byte, body []byte) ([]byte, bool) {
	if cmd == CmdPolling {
		return c.respondPolling(body)
	}
	if len(body) < 8 || !bytes.Equal(body[:8], c.idm[:]) {
		return nil, false
	}
	args := body[8:]
	switch cmd {
	case CmdRequestService:
		return c.respondRequestService(args)
	case CmdReadWithoutEncryption:
		return c.respondRead(args)
	case CmdRequestSystemCode:
		return c.respondSystemCodes()
	case CmdSearchServiceCode:
		return c.respondSearch(args)
	default:
		return nil, false
	}
}

func (c *VirtualCard) respondPolling(args []byte) ([]byte, bool) {
	if len(args) < 4 {
		return nil, false
	}
	want := uint16(args[0])<<8 | uint16(args[1])
	system, ok := c.matchSystem(want)
	if !ok {
		return nil, false
	}
	payload := append(c.idm[:], c.pmm[:]...)
	if args[2] == 0x01 {
		payload = append(payload, byte(system>>8), byte(system))
	}
	return responseFrame(CmdPolling+1, payload), true
}

// matchSystem applies the FeliCa wildcard rule: an FF byte in the polled
// code matches any value.
func (c *VirtualCard) matchSystem(want uint16) (uint16, bool) {
	for _, sc := range c.systemCodes {
		hiOK := want>>8 == 0xFF || want>>8 == sc>>8
		loOK := want&0xFF == 0xFF || want&0xFF == sc&0xFF
		if hiOK && loOK {
			return sc, true
		}
	}
	return 0, false
}

func (c *VirtualCard) respondRequestService(args []byte) ([]byte, bool) {
	if len(args) < 1 || len(args) < 1+2*int(args[0]) {
		return nil, false
	}
	n := int(args[0])
	payload := append(c.idm[:], byte(n))
	for i := range n {
		code := uint16(args[1+2*i]) | uint16(args[2+2*i])<<8
		kv := uint16(KeyVersionAbsent)
		if s, ok := c.services[code]; ok {
			kv = s.keyVersion
		}
		payload = append(payload, byte(kv), byte(kv>>8))
	}
	return responseFrame(CmdRequestService+1, payload), true
}

func (c *VirtualCard) respondRead(args []byte) ([]byte, bool) {
	if len(args) < 4 || args[0] != 0x01 {
		return nil, false
	}
	code := uint16(args[1]) | uint16(args[2])<<8
	m := int(args[3])
	blocks, ok := parseBlockList(args[4:], m)
	if !ok {
		return readStatusFrame(c.idm[:], 0x01, 0xA3), true
	}

	s, ok := c.services[code]
	if !ok {
		return readStatusFrame(c.idm[:], 0x01, 0xA6), true
	}
	if s.status[0] != 0x00 {
		return readStatusFrame(c.idm[:], s.status[0], s.status[1]), true
	}

	payload := append(c.idm[:], 0x00, 0x00, byte(m))
	for _, n := range blocks {
		if n >= len(s.blocks) {
			return readStatusFrame(c.idm[:], 0x01, 0xA8), true
		}
		payload = append(payload, s.blocks[n]...)
	}
	return responseFrame(CmdReadWithoutEncryption+1, payload), true
}

func parseBlockList(list []byte, m int) ([]int, bool) {
	blocks := make([]int, 0, m)
	for range m {
		if len(list) < 2 {
			return nil, false
		}
		if list[0]&0x80 != 0 {
			blocks = append(blocks, int(list[1]))
			list = list[2:]
			continue
		}
		if len(list) < 3 {
			return nil, false
		}
		blocks = append(blocks, int(list[1])|int(list[2])<<8)
		list = list[3:]
	}
	return blocks, true
}

func (c *VirtualCard) respondSystemCodes() ([]byte, bool) {
	payload := append(c.idm[:], byte(len(c.systemCodes)))
	for _, sc := range c.systemCodes {
		payload = append(payload, byte(sc>>8), byte(sc))
	}
	return responseFrame(CmdRequestSystemCode+1, payload), true
}

func (c *VirtualCard) respondSearch(args []byte) ([]byte, bool) {
	if len(args) < 2 {
		return nil, false
	}
	index := int(args[0]) | int(args[1])<<8

	codes := make([]int, 0, len(c.services))
	for code := range c.services {
		codes = append(codes, int(code))
	}
	sort.Ints(codes)

	code := 0xFFFF
	if index < len(codes) {
		code = codes[index]
	}
	payload := append(c.idm[:], byte(code), byte(code>>8))
	return responseFrame(CmdSearchServiceCode+1, payload), true
}

func readStatusFrame(idm []byte, status1, status2 byte) []byte {
	return responseFrame(CmdReadWithoutEncryption+1, append(append([]byte(nil), idm...), status1, status2))
}

func responseFrame(code byte, payload []byte) []byte {
	out := make([]byte, 0, 2+len(payload))
	out = append(out, byte(2+len(payload)), code)
	return append(out, payload...)
}
