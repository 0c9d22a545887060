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

// Reader runs the complete read sequence against a presented tag: open,
// poll, select the history service, read, decode, close. A Reader holds
// only configuration and is safe for concurrent use; every call builds
// its own Session.
type Reader struct {
	cfg Config
}

// NewReader returns a Reader using DefaultConfig modified by opts.
func NewReader(opts ...Option) *Reader {
	return &Reader{cfg: buildConfig(opts)}
}

// Config returns the reader settings.
func (r *Reader) Config() Config {
	return r.cfg
}

// Read reads and decodes the configured history block. The session is
// closed on every path. The first failure is returned with its kind
// intact; nothing is retried.
func (r *Reader) Read(ctx context.Context, tag Tag) (HistoryRecord, error) {
	var rec HistoryRecord
	err := r.withSession(ctx, tag, func(s *Session) error {
		block, err := s.ReadBlock(ctx, r.cfg.Block)
		if err != nil {
			return err
		}
		rec, err = DecodeHistory(block)
		return err
	})
	if err != nil {
		return HistoryRecord{}, err
	}
	Debugf("felica: read %s", rec.Summary())
	return rec, nil
}

// ReadHistory reads blocks 0 to count-1 of the configured service, batching
// them into multi-block reads. When the card rejects a batch the blocks are
// read one at a time and reading stops at the first rejected block, as long
// as at least one record was read.
func (r *Reader) ReadHistory(ctx context.Context, tag Tag, count int) ([]HistoryRecord, error) {
	if count <= 0 || count > 0x10000 {
		return nil, fmt.Errorf("read history: %w: count %d", ErrOutOfRange, count)
	}

	var records []HistoryRecord
	err := r.withSession(ctx, tag, func(s *Session) error {
		for start := 0; start < count; start += MaxBlocksPerRead {
			n := min(MaxBlocksPerRead, count-start)
			batch := make([]int, n)
			for i := range batch {
				batch[i] = start + i
			}

			blocks, err := s.ReadBlocks(ctx, batch...)
			if errors.Is(err, ErrRead) {
				stop, err := r.readSingly(ctx, s, batch, &records)
				if err != nil || stop {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if err := appendDecoded(&records, blocks...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// readSingly reads batch block by block. stop is true once the card
// rejected a block after at least one record was read.
func (*Reader) readSingly(ctx context.Context, s *Session, batch []int, records *[]HistoryRecord) (stop bool, err error) {
	for _, n := range batch {
		block, err := s.ReadBlock(ctx, n)
		if errors.Is(err, ErrRead) && len(*records) > 0 {
			Debugf("felica: history ends before block %d: %v", n, err)
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if err := appendDecoded(records, block); err != nil {
			return false, err
		}
	}
	return false, nil
}

func appendDecoded(records *[]HistoryRecord, blocks ...RawBlock) error {
	for _, b := range blocks {
		rec, err := DecodeHistory(b)
		if err != nil {
			return err
		}
		*records = append(*records, rec)
	}
	return nil
}

// withSession opens a session on tag, polls, selects the configured
// service and runs fn. The session is always closed; a close error is
// only reported when everything else succeeded.
func (r *Reader) withSession(ctx context.Context, tag Tag, fn func(*Session) error) (err error) {
	s := newSession(r.cfg)
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := s.Open(ctx, tag); err != nil {
		return err
	}
	if _, err := s.Poll(ctx); err != nil {
		return err
	}
	if err := s.SelectService(ctx, r.cfg.ServiceCode); err != nil {
		return err
	}
	return fn(s)
}

// Read reads the most recent history record from tag using a Reader
// built from opts.
func Read(ctx context.Context, tag Tag, opts ...Option) (HistoryRecord, error) {
	return NewReader(opts...).Read(ctx, tag)
}
