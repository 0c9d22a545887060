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

package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	felica "github.com/ZaparooProject/go-felica"
)

// Presentation is a card a phone announced. Its connection relays frames
// through that phone.
type Presentation struct {
	peer *peer
	idm  []byte
	pmm  []byte
	at   time.Time
}

func newPresentation(p *peer, msg Message) (*Presentation, error) {
	idm, err := decodeHex("idm", msg.IDm)
	if err != nil {
		return nil, err
	}
	if len(idm) != felica.IDmLength {
		return nil, fmt.Errorf("%w: IDm has %d bytes", ErrBadMessage, len(idm))
	}
	pmm, err := decodeHex("pmm", msg.PMm)
	if err != nil {
		return nil, err
	}
	return &Presentation{peer: p, idm: idm, pmm: pmm, at: time.Now()}, nil
}

// IDm returns the manufacture ID the phone reported.
func (p *Presentation) IDm() []byte {
	return append([]byte(nil), p.idm...)
}

// PMm returns the manufacture parameters the phone reported, if any.
func (p *Presentation) PMm() []byte {
	return append([]byte(nil), p.pmm...)
}

// Device returns the name the phone gave in its hello.
func (p *Presentation) Device() string {
	return p.peer.deviceName()
}

// At returns when the card was presented.
func (p *Presentation) At() time.Time {
	return p.at
}

// Connect fails with ErrPeerGone once the phone disconnected.
func (p *Presentation) Connect(_ context.Context) (felica.Conn, error) {
	if p.peer.gone() {
		return nil, ErrPeerGone
	}
	return &conn{pres: p}, nil
}

type conn struct {
	pres *Presentation
	once sync.Once
	err  error
}

func (c *conn) Transceive(ctx context.Context, frame []byte) ([]byte, error) {
	return c.pres.peer.exchange(ctx, c.pres.idm, frame)
}

// Close tells the phone the card is no longer needed.
func (c *conn) Close() error {
	c.once.Do(func() {
		if c.pres.peer.gone() {
			return
		}
		c.err = c.pres.peer.send(Message{Type: MessageRelease, IDm: EncodeHex(c.pres.idm)})
	})
	return c.err
}

var (
	_ felica.Tag        = (*Presentation)(nil)
	_ felica.Identified = (*Presentation)(nil)
)
