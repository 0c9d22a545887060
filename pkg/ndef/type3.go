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

package ndef

import (
	"context"
	"fmt"

	felica "github.com/ZaparooProject/go-felica"
)

const (
	// SystemCode is the system holding NDEF data.
	SystemCode = felica.SystemCodeNDEF
	// ServiceCode is the read-only NDEF service.
	ServiceCode felica.ServiceCode = 0x000B

	attributeVersion = 0x10
	writeInProgress  = 0x0F
	offLength        = 11
	offChecksum      = 14
)

// AttributeInfo is block 0 of the NDEF service.
type AttributeInfo struct {
	Version byte
	// Nbr is how many blocks one read may request
	Nbr byte
	// Nbw is how many blocks one write may carry
	Nbw byte
	// Nmaxb is the number of data blocks reserved for NDEF
	Nmaxb    uint16
	Length   int
	Writing  bool
	Writable bool
}

// ParseAttributeInfo decodes and checks an attribute information block.
func ParseAttributeInfo(block []byte) (AttributeInfo, error) {
	if len(block) < felica.BlockSize {
		return AttributeInfo{}, fmt.Errorf("%w: %d bytes", ErrAttribute, len(block))
	}

	var sum uint64
	for _, b := range block[:offChecksum] {
		sum += uint64(b)
	}
	checksum, err := felica.DecodeUint(block, offChecksum, 0, 1)
	if err != nil {
		return AttributeInfo{}, err
	}
	if sum&0xFFFF != checksum {
		return AttributeInfo{}, fmt.Errorf("%w: checksum %04X, computed %04X", ErrAttribute, checksum, sum&0xFFFF)
	}

	nmaxb, err := felica.DecodeUint(block, 3, 0, 1)
	if err != nil {
		return AttributeInfo{}, err
	}
	length, err := felica.DecodeUint(block, offLength, 0, 1, 2)
	if err != nil {
		return AttributeInfo{}, err
	}

	info := AttributeInfo{
		Version:  block[0],
		Nbr:      block[1],
		Nbw:      block[2],
		Nmaxb:    uint16(nmaxb), //nolint:gosec // two bytes always fit
		Writing:  block[9] == writeInProgress,
		Writable: block[10] == 0x01,
		Length:   int(length),
	}
	if info.Version>>4 != attributeVersion>>4 {
		return AttributeInfo{}, fmt.Errorf("%w: unsupported version %d.%d", ErrAttribute, info.Version>>4, info.Version&0x0F)
	}
	return info, nil
}

// Blocks returns how many data blocks hold the message.
func (a AttributeInfo) Blocks() int {
	return (a.Length + felica.BlockSize - 1) / felica.BlockSize
}

// Read reads and parses the NDEF message of tag. opts configure the
// session; the system code is always the NDEF system.
func Read(ctx context.Context, tag felica.Tag, opts ...felica.Option) (msg *Message, info AttributeInfo, err error) {
	opts = append(append([]felica.Option(nil), opts...), felica.WithSystemCode(SystemCode))
	s := felica.NewSession(opts...)
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := s.Open(ctx, tag); err != nil {
		return nil, AttributeInfo{}, err
	}
	if _, err := s.Poll(ctx); err != nil {
		return nil, AttributeInfo{}, err
	}
	if err := s.SelectService(ctx, ServiceCode); err != nil {
		return nil, AttributeInfo{}, err
	}

	attr, err := s.ReadBlock(ctx, 0)
	if err != nil {
		return nil, AttributeInfo{}, err
	}
	info, err = ParseAttributeInfo(attr)
	if err != nil {
		return nil, AttributeInfo{}, err
	}
	if info.Writing {
		return nil, info, fmt.Errorf("%w: write in progress", ErrAttribute)
	}
	if info.Length == 0 {
		return nil, info, ErrNoNDEF
	}
	if info.Blocks() > int(info.Nmaxb) {
		return nil, info, fmt.Errorf("%w: %d bytes exceed %d blocks", ErrAttribute, info.Length, info.Nmaxb)
	}

	data, err := readData(ctx, s, info)
	if err != nil {
		return nil, info, err
	}
	msg, err = Parse(data[:info.Length])
	return msg, info, err
}

// readData reads the data blocks after the attribute block, Nbr at a time.
func readData(ctx context.Context, s *felica.Session, info AttributeInfo) ([]byte, error) {
	per := min(max(int(info.Nbr), 1), felica.MaxBlocksPerRead)
	n := info.Blocks()
	data := make([]byte, 0, n*felica.BlockSize)

	for first := 1; first <= n; first += per {
		batch := make([]int, min(per, n-first+1))
		for i := range batch {
			batch[i] = first + i
		}
		blocks, err := s.ReadBlocks(ctx, batch...)
		if err != nil {
			return nil, err
		}
		for _, b := range blocks {
			data = append(data, b...)
		}
	}
	return data, nil
}
