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

// Package ndef reads NDEF messages from FeliCa cards formatted as NFC
// Forum Type 3 Tags. Messages are parsed with go-ndef and converted to
// flat Records with text and URI payloads decoded.
package ndef

import (
	"errors"
	"fmt"

	gondef "github.com/hsanjuan/go-ndef"
)

// Record kinds.
const (
	KindText        = "text"
	KindURI         = "uri"
	KindSmartPoster = "smartposter"
	KindMedia       = "media"
	KindAbsoluteURI = "absolute-uri"
	KindExternal    = "external"
)

var (
	// ErrNoNDEF reports a card without an NDEF message.
	ErrNoNDEF = errors.New("ndef: no NDEF message")
	// ErrAttribute reports an unusable attribute information block.
	ErrAttribute = errors.New("ndef: invalid attribute information block")
)

// Record is one converted NDEF record.
type Record struct {
	Kind string `json:"kind"`
	// Type is the record type as stored, e.g. "T" or "text/plain"
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
	URI      string `json:"uri,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
	TNF      byte   `json:"tnf"`
}

func (r Record) String() string {
	switch r.Kind {
	case KindText:
		return fmt.Sprintf("text (%s): %s", r.Language, r.Text)
	case KindURI:
		return "uri: " + r.URI
	default:
		return fmt.Sprintf("%s %s: %d bytes", r.Kind, r.Type, len(r.Payload))
	}
}

// Message is a parsed NDEF message.
type Message struct {
	Records []Record
}

// Parse parses a raw NDEF message. Records of unsupported types are
// skipped; a message with none left is ErrNoNDEF.
func Parse(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrNoNDEF
	}

	msg := &gondef.Message{}
	if _, err := msg.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse NDEF message: %w", err)
	}

	out := &Message{Records: make([]Record, 0, len(msg.Records))}
	for _, rec := range msg.Records {
		r, err := convertRecord(rec)
		if err != nil {
			continue
		}
		out.Records = append(out.Records, r)
	}
	if len(out.Records) == 0 {
		return nil, ErrNoNDEF
	}
	return out, nil
}

func convertRecord(rec *gondef.Record) (Record, error) {
	payload, err := rec.Payload()
	if err != nil {
		return Record{}, fmt.Errorf("failed to get NDEF record payload: %w", err)
	}
	r := Record{
		TNF:     rec.TNF(),
		Type:    rec.Type(),
		Payload: payload.Marshal(),
	}

	switch rec.TNF() {
	case gondef.NFCForumWellKnownType:
		return wellKnown(r)
	case gondef.MediaType:
		r.Kind = KindMedia
	case gondef.AbsoluteURI:
		r.Kind = KindAbsoluteURI
		r.URI = r.Type
	case gondef.NFCForumExternalType:
		r.Kind = KindExternal
	default:
		return Record{}, fmt.Errorf("unsupported TNF %d", rec.TNF())
	}
	return r, nil
}

func wellKnown(r Record) (Record, error) {
	var err error
	switch r.Type {
	case "T":
		r.Kind = KindText
		r.Text, r.Language, err = decodeText(r.Payload)
	case "U":
		r.Kind = KindURI
		r.URI, err = decodeURI(r.Payload)
	case "Sp":
		r.Kind = KindSmartPoster
	default:
		return Record{}, fmt.Errorf("unknown well-known type %q", r.Type)
	}
	return r, err
}
