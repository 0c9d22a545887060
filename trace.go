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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ZaparooProject/go-felica/internal/syncutil"
)

// Tracer receives every frame a session exchanges with a tag. The decoder
// never traces; only the session does.
type Tracer interface {
	TraceTX(op string, frame []byte)
	TraceRX(op string, frame []byte, err error)
}

// TraceDirection indicates whether a frame was sent or received
type TraceDirection string

const (
	// TraceTX is a frame sent to the tag.
	TraceTX TraceDirection = "TX"
	// TraceRX is a frame received from the tag.
	TraceRX TraceDirection = "RX"
)

// TraceEntry represents a single exchanged frame
type TraceEntry struct {
	Timestamp time.Time
	Err       error
	Direction TraceDirection
	Op        string
	Data      []byte
}

// String formats a trace entry for display
func (e TraceEntry) String() string {
	s := fmt.Sprintf("[%s] %s %s: %s", e.Timestamp.Format("15:04:05.000"), e.Direction, e.Op, formatHexBytes(e.Data))
	if e.Err != nil {
		s += fmt.Sprintf(" (%v)", e.Err)
	}
	return s
}

// TraceableError wraps an error with the frames exchanged before it.
// Callers can use errors.As() to extract trace information:
//
//	var te *felica.TraceableError
//	if errors.As(err, &te) {
//	    log.Printf("Frame trace:\n%s", te.FormatTrace())
//	}
type TraceableError struct {
	Err    error
	Source string
	Trace  []TraceEntry
}

// Error implements the error interface
func (e *TraceableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *TraceableError) Unwrap() error {
	return e.Err
}

// FormatTrace returns a human-readable formatted trace log
func (e *TraceableError) FormatTrace() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("[%s] (no trace data)", e.Source)
	}

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "[%s] Frame trace (%d entries):\n", e.Source, len(e.Trace))
	for _, entry := range e.Trace {
		direction := ">"
		if entry.Direction == TraceRX {
			direction = "<"
		}
		_, _ = fmt.Fprintf(&sb, "  %s %-24s %s", direction, entry.Op, formatHexBytes(entry.Data))
		if entry.Err != nil {
			_, _ = fmt.Fprintf(&sb, " (%v)", entry.Err)
		}
		_ = sb.WriteByte('\n')
	}
	return sb.String()
}

// formatHexBytes formats a byte slice as space-separated hex values
func formatHexBytes(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	if len(data) > 32 {
		parts := make([]string, 32)
		for i := range 32 {
			parts[i] = fmt.Sprintf("%02X", data[i])
		}
		return strings.Join(parts, " ") + fmt.Sprintf(" ... (%d bytes total)", len(data))
	}
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

// TraceBuffer is a Tracer keeping the most recent frames in a fixed-size
// circular buffer. It is safe for concurrent use.
type TraceBuffer struct {
	source  string
	entries []TraceEntry
	maxSize int
	mu      syncutil.Mutex
}

// NewTraceBuffer creates a new trace buffer with the specified capacity
func NewTraceBuffer(source string, maxSize int) *TraceBuffer {
	if maxSize <= 0 {
		maxSize = 16
	}
	return &TraceBuffer{
		source:  source,
		entries: make([]TraceEntry, 0, maxSize),
		maxSize: maxSize,
	}
}

// TraceTX records a frame sent to the tag.
func (tb *TraceBuffer) TraceTX(op string, frame []byte) {
	tb.record(TraceTX, op, frame, nil)
}

// TraceRX records a frame received from the tag, or the exchange error.
func (tb *TraceBuffer) TraceRX(op string, frame []byte, err error) {
	tb.record(TraceRX, op, frame, err)
}

// record adds an entry to the buffer, evicting oldest if full
func (tb *TraceBuffer) record(dir TraceDirection, op string, data []byte, err error) {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	entry := TraceEntry{
		Timestamp: time.Now(),
		Err:       err,
		Direction: dir,
		Op:        op,
		Data:      dataCopy,
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if len(tb.entries) >= tb.maxSize {
		copy(tb.entries, tb.entries[1:])
		tb.entries[len(tb.entries)-1] = entry
	} else {
		tb.entries = append(tb.entries, entry)
	}
}

// Entries returns a copy of the buffered entries, oldest first.
func (tb *TraceBuffer) Entries() []TraceEntry {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	out := make([]TraceEntry, len(tb.entries))
	copy(out, tb.entries)
	return out
}

// WrapError wraps an error with the collected trace data.
// Returns nil if err is nil.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil {
		return nil
	}
	return &TraceableError{
		Err:    err,
		Source: tb.source,
		Trace:  tb.Entries(),
	}
}

// Clear resets the trace buffer
func (tb *TraceBuffer) Clear() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.entries = tb.entries[:0]
}

// GetTrace extracts trace data from an error, returning nil if not present
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}

// DebugTracer forwards every frame to Debugf.
type DebugTracer struct{}

// TraceTX logs a sent frame.
func (DebugTracer) TraceTX(op string, frame []byte) {
	Debugf("%s > %s", op, formatHexBytes(frame))
}

// TraceRX logs a received frame or exchange error.
func (DebugTracer) TraceRX(op string, frame []byte, err error) {
	if err != nil {
		Debugf("%s < %s error: %v", op, formatHexBytes(frame), err)
		return
	}
	Debugf("%s < %s", op, formatHexBytes(frame))
}

// multiTracer fans frames out to several tracers.
type multiTracer []Tracer

func (m multiTracer) TraceTX(op string, frame []byte) {
	for _, t := range m {
		t.TraceTX(op, frame)
	}
}

func (m multiTracer) TraceRX(op string, frame []byte, err error) {
	for _, t := range m {
		t.TraceRX(op, frame, err)
	}
}

// MultiTracer returns a Tracer sending every frame to all of tracers.
func MultiTracer(tracers ...Tracer) Tracer {
	out := make(multiTracer, 0, len(tracers))
	for _, t := range tracers {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}
