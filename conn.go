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
)

// ErrNoTag is returned by detectors when no FeliCa tag is in the field.
// It is not a session error.
var ErrNoTag = errors.New("felica: no tag in field")

// Conn is a connection to one presented tag exchanging raw NFC-F frames.
// Frames carry the leading LEN byte in both directions.
//
// Transceive blocks until the tag answers, the transport gives up or ctx
// is done. Close releases the connection; the tag may be re-presented
// afterwards.
type Conn interface {
	Transceive(ctx context.Context, frame []byte) ([]byte, error)
	Close() error
}

// Tag is the opaque handle a platform hands out when a FeliCa tag enters
// the field.
type Tag interface {
	Connect(ctx context.Context) (Conn, error)
}

// TagFunc adapts a function to the Tag interface.
type TagFunc func(ctx context.Context) (Conn, error)

// Connect calls f(ctx).
func (f TagFunc) Connect(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Identified is implemented by tags whose IDm is known before a session
// polls them, as with readers that poll during detection.
type Identified interface {
	IDm() []byte
}

// Detector finds the next tag in the field. Detect returns ErrNoTag when
// the field is empty.
type Detector interface {
	Detect(ctx context.Context) (Tag, error)
}
