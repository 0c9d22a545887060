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
	"context"
	"errors"
	"fmt"
)

// maxSearchEntries bounds a search service code walk on cards that never
// send the terminator.
const maxSearchEntries = 1024

// RawBlock is one 16 byte block as returned by the card.
type RawBlock []byte

// Decode decodes the block as a ride history entry.
func (b RawBlock) Decode() (HistoryRecord, error) {
	return DecodeHistory(b)
}

// Session drives the command exchange with one presented tag:
// open, poll, select a service, read blocks, close.
//
// A Session is used for exactly one presentation and is not safe for
// concurrent use. Calls made out of order fail with ErrInvalidState
// without touching the connection. Any protocol failure leaves the
// session Failed; only Close is useful afterwards.
type Session struct {
	conn       Conn
	tracer     Tracer
	cfg        Config
	id         TagIdentifier
	keyVersion uint16
	service    ServiceCode
	state      SessionState
}

// NewSession returns an idle session. Only the command timeout, polling
// system code and tracer of the options apply.
func NewSession(opts ...Option) *Session {
	return newSession(buildConfig(opts))
}

func newSession(cfg Config) *Session {
	s := &Session{cfg: cfg, tracer: cfg.Tracer}
	if s.tracer == nil {
		s.tracer = nopTracer{}
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return s.state
}

// Identifier returns the identifier captured by the last successful poll.
func (s *Session) Identifier() (TagIdentifier, bool) {
	if !s.state.in(StatePolled, StateServiceSelected) {
		return TagIdentifier{}, false
	}
	return s.id, true
}

// SelectedService returns the selected service and its key version.
func (s *Session) SelectedService() (code ServiceCode, keyVersion uint16, ok bool) {
	if s.state != StateServiceSelected {
		return 0, 0, false
	}
	return s.service, s.keyVersion, true
}

// Open connects to tag.
func (s *Session) Open(ctx context.Context, tag Tag) error {
	const op = "open"
	if s.state != StateIdle {
		return s.invalidState(op)
	}
	if tag == nil {
		s.state = StateFailed
		return newCommandError(op, ErrConnection, errors.New("nil tag"))
	}

	conn, err := tag.Connect(ctx)
	if err != nil {
		s.state = StateFailed
		return newCommandError(op, ErrConnection, err)
	}
	if conn == nil {
		s.state = StateFailed
		return newCommandError(op, ErrConnection, errors.New("tag returned no connection"))
	}

	s.conn = conn
	s.state = StateConnected
	return nil
}

// Poll activates the card with the configured system code and captures
// its identifier. Polling again is allowed and drops any selected service.
func (s *Session) Poll(ctx context.Context) (TagIdentifier, error) {
	const op = "polling"
	if !s.state.in(StateConnected, StatePolled, StateServiceSelected) {
		return TagIdentifier{}, s.invalidState(op)
	}

	resp, err := s.exchange(ctx, op, buildPolling(s.cfg.SystemCode))
	if err != nil {
		return TagIdentifier{}, err
	}
	id, err := parsePolling(resp)
	if err != nil {
		return TagIdentifier{}, s.fail(err)
	}

	s.id = id
	s.service = 0
	s.keyVersion = 0
	s.state = StatePolled
	Debugf("felica: polled IDm=%s PMm=%s", id.IDmHex(), id.PMmHex())
	return id, nil
}

// SelectService checks with a request service command that the card
// carries code and makes it the target of subsequent reads.
func (s *Session) SelectService(ctx context.Context, code ServiceCode) error {
	const op = "request service"
	if !s.state.in(StatePolled, StateServiceSelected) {
		return s.invalidState(op)
	}

	frame, err := buildRequestService(s.id.IDm[:], []ServiceCode{code})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp, err := s.exchange(ctx, op, frame)
	if err != nil {
		return err
	}
	versions, err := parseRequestService(resp, s.id.IDm[:], 1)
	if err != nil {
		return s.fail(err)
	}
	if versions[0] == keyVersionAbsent {
		return s.fail(newCommandError(op, ErrServiceNotFound, fmt.Errorf("service %s", code)))
	}

	s.service = code
	s.keyVersion = versions[0]
	s.state = StateServiceSelected
	Debugf("felica: selected service %s key version %04X", code, versions[0])
	return nil
}

// ReadBlock reads block n of the selected service.
func (s *Session) ReadBlock(ctx context.Context, n int) (RawBlock, error) {
	blocks, err := s.ReadBlocks(ctx, n)
	if err != nil {
		return nil, err
	}
	return blocks[0], nil
}

// ReadBlocks reads up to MaxBlocksPerRead blocks of the selected service
// in one command. A read the card rejects returns ErrRead and leaves the
// service selected.
func (s *Session) ReadBlocks(ctx context.Context, blocks ...int) ([]RawBlock, error) {
	const op = "read without encryption"
	if s.state != StateServiceSelected {
		return nil, s.invalidState(op)
	}

	frame, err := buildReadWithoutEncryption(s.id.IDm[:], s.service, blocks)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	resp, err := s.exchange(ctx, op, frame)
	if err != nil {
		return nil, err
	}
	res, err := parseReadWithoutEncryption(resp, s.id.IDm[:], len(blocks))
	if err != nil {
		return nil, s.fail(err)
	}
	if res.status1 != 0x00 {
		return nil, &CommandError{
			Op:      op,
			Kind:    ErrRead,
			Status1: res.status1,
			Status2: res.status2,
			Err:     fmt.Errorf("blocks %v of service %s", blocks, s.service),
		}
	}

	out := make([]RawBlock, len(res.blocks))
	for i, b := range res.blocks {
		out[i] = b
	}
	return out, nil
}

// RequestSystemCodes lists the systems the card carries.
func (s *Session) RequestSystemCodes(ctx context.Context) ([]SystemCode, error) {
	const op = "request system code"
	if !s.state.in(StatePolled, StateServiceSelected) {
		return nil, s.invalidState(op)
	}

	frame, err := buildRequestSystemCode(s.id.IDm[:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	resp, err := s.exchange(ctx, op, frame)
	if err != nil {
		return nil, err
	}
	codes, err := parseRequestSystemCode(resp, s.id.IDm[:])
	if err != nil {
		return nil, s.fail(err)
	}
	return codes, nil
}

// SearchServiceCodes walks the area and service list of the polled system.
func (s *Session) SearchServiceCodes(ctx context.Context) ([]ServiceSearchResult, error) {
	const op = "search service code"
	if !s.state.in(StatePolled, StateServiceSelected) {
		return nil, s.invalidState(op)
	}

	var found []ServiceSearchResult
	for i := range maxSearchEntries {
		frame, err := buildSearchServiceCode(s.id.IDm[:], uint16(i))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		resp, err := s.exchange(ctx, op, frame)
		if err != nil {
			return nil, err
		}
		entry, done, err := parseSearchServiceCode(resp, s.id.IDm[:])
		if err != nil {
			return nil, s.fail(err)
		}
		if done {
			break
		}
		found = append(found, entry)
	}
	return found, nil
}

// Close releases the connection. It is idempotent; an idle session stays
// idle. The connection's close error is returned once.
func (s *Session) Close() error {
	if s.state == StateIdle || s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return newCommandError("close", ErrConnection, err)
	}
	return nil
}

// exchange sends one frame under the command timeout. Any transport
// failure fails the session.
func (s *Session) exchange(ctx context.Context, op string, frame []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	s.tracer.TraceTX(op, frame)
	resp, err := s.conn.Transceive(ctx, frame)
	s.tracer.TraceRX(op, resp, err)
	if err != nil {
		return nil, s.fail(newCommandError(op, ErrProtocol, err))
	}
	return resp, nil
}

func (s *Session) fail(err error) error {
	s.state = StateFailed
	Debugf("felica: session failed: %v", err)
	return err
}

func (s *Session) invalidState(op string) error {
	return newCommandError(op, ErrInvalidState, fmt.Errorf("session is %s", s.state))
}

type nopTracer struct{}

func (nopTracer) TraceTX(string, []byte)        {}
func (nopTracer) TraceRX(string, []byte, error) {}
