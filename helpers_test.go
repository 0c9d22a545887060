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
	"sync"

	vt "github.com/ZaparooProject/go-felica/internal/testing"
)

// cardTag hands out a virtual card as a Tag.
func cardTag(card *vt.VirtualCard) Tag {
	return TagFunc(func(ctx context.Context) (Conn, error) {
		c, err := card.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// scriptConn answers frames from a fixed list of responses.
type scriptConn struct {
	closeErr  error
	responses [][]byte
	errs      []error
	sent      [][]byte
	mu        sync.Mutex
	closed    int
}

func newScriptConn(responses ...[]byte) *scriptConn {
	return &scriptConn{responses: responses}
}

func (c *scriptConn) Transceive(_ context.Context, frame []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), frame...))
	i := len(c.sent) - 1
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.responses) {
		return nil, vt.ErrNoResponse
	}
	return c.responses[i], nil
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return c.closeErr
}

func (c *scriptConn) tag() Tag {
	return TagFunc(func(context.Context) (Conn, error) { return c, nil })
}

// polledSession returns a session polled against card.
func polledSession(ctx context.Context, card *vt.VirtualCard, opts ...Option) (*Session, error) {
	s := NewSession(opts...)
	if err := s.Open(ctx, cardTag(card)); err != nil {
		return nil, err
	}
	if _, err := s.Poll(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
