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
	"fmt"
	"sync"

	felica "github.com/ZaparooProject/go-felica"
)

// Target is a FeliCa card listed by InListPassiveTarget.
type Target struct {
	device        *Device
	idm           [felica.IDmLength]byte
	pmm           [felica.PMmLength]byte
	systemCode    felica.SystemCode
	hasSystemCode bool
	number        byte
}

// parseFeliCaTarget decodes 4B NbTg Tg POL_RES. POL_RES keeps its LEN
// byte and the 01 response code.
func parseFeliCaTarget(res []byte) (*Target, error) {
	if len(res) < 2 || res[0] != cmdInListPassiveTarget+1 {
		return nil, fmt.Errorf("%w: InListPassiveTarget answered % X", ErrInvalidResponse, res)
	}
	if res[1] == 0 {
		return nil, ErrNoTag
	}

	const minPolRes = 2 + felica.IDmLength + felica.PMmLength
	if len(res) < 3+minPolRes {
		return nil, fmt.Errorf("%w: FeliCa target data too short: % X", ErrInvalidResponse, res)
	}
	pol := res[3:]
	if int(pol[0]) > len(pol) || pol[0] < minPolRes || pol[1] != 0x01 {
		return nil, fmt.Errorf("%w: bad polling response % X", ErrInvalidResponse, pol)
	}
	pol = pol[:pol[0]]

	t := &Target{number: res[2]}
	copy(t.idm[:], pol[2:10])
	copy(t.pmm[:], pol[10:18])
	if len(pol) >= 20 {
		t.systemCode = felica.SystemCode(uint16(pol[18])<<8 | uint16(pol[19]))
		t.hasSystemCode = true
	}
	return t, nil
}

// IDm returns the manufacture ID seen at detection.
func (t *Target) IDm() []byte {
	return append([]byte(nil), t.idm[:]...)
}

// PMm returns the manufacture parameters seen at detection.
func (t *Target) PMm() []byte {
	return append([]byte(nil), t.pmm[:]...)
}

// SystemCode returns the system code reported at detection, if any.
func (t *Target) SystemCode() (felica.SystemCode, bool) {
	return t.systemCode, t.hasSystemCode
}

// Number returns the PN532 logical target number.
func (t *Target) Number() byte {
	return t.number
}

// Connect returns a connection exchanging frames with the card. It fails
// with ErrTargetReleased once the target was released or replaced.
func (t *Target) Connect(_ context.Context) (felica.Conn, error) {
	if t.device == nil || !t.device.current(t) {
		return nil, ErrTargetReleased
	}
	return &conn{target: t}, nil
}

// conn carries FeliCa frames in InDataExchange.
type conn struct {
	target *Target
	once   sync.Once
	err    error
}

func (c *conn) Transceive(ctx context.Context, frame []byte) ([]byte, error) {
	d := c.target.device
	if !d.current(c.target) {
		return nil, ErrTargetReleased
	}

	args := make([]byte, 0, 1+len(frame))
	args = append(args, c.target.number)
	args = append(args, frame...)
	res, err := d.transport.SendCommand(ctx, cmdInDataExchange, args)
	if err != nil {
		return nil, fmt.Errorf("InDataExchange failed: %w", err)
	}
	if len(res) < 2 || res[0] != cmdInDataExchange+1 {
		return nil, fmt.Errorf("%w: InDataExchange answered % X", ErrInvalidResponse, res)
	}
	if status := res[1] & statusMask; status != 0x00 {
		return nil, &PN532Error{Command: "InDataExchange", ErrorCode: status, Target: c.target.number}
	}
	return res[2:], nil
}

// Close sends InRelease once. A target another detection replaced is
// already released by the chip.
func (c *conn) Close() error {
	c.once.Do(func() {
		d := c.target.device
		if !d.current(c.target) {
			return
		}
		d.release(c.target)

		ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
		defer cancel()
		res, err := d.transport.SendCommand(ctx, cmdInRelease, []byte{c.target.number})
		switch {
		case err != nil:
			c.err = fmt.Errorf("InRelease failed: %w", err)
		case len(res) < 2 || res[0] != cmdInRelease+1:
			c.err = fmt.Errorf("%w: InRelease answered % X", ErrInvalidResponse, res)
		case res[1]&statusMask != 0x00:
			c.err = &PN532Error{Command: "InRelease", ErrorCode: res[1] & statusMask, Target: c.target.number}
		}
	})
	return c.err
}

var (
	_ felica.Tag        = (*Target)(nil)
	_ felica.Identified = (*Target)(nil)
)
