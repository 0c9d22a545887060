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

// Package polling watches a reader for FeliCa presentations and reads each
// new card once.
package polling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/internal/syncutil"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
)

var (
	// ErrAlreadyRunning is returned by Start while the monitor runs.
	ErrAlreadyRunning = errors.New("polling: monitor already running")

	errNoRecovery = errors.New("polling: detector supports neither soft reset nor reopen")
)

// Event reports the read of one presentation.
type Event struct {
	At      time.Time
	Err     error
	IDm     []byte
	Records []felica.HistoryRecord
	Record  felica.HistoryRecord
	// Attempts counts reads including retries.
	Attempts int
	ID       uuid.UUID
}

// Monitor polls a detector and reads every new card.
type Monitor struct {
	detector  felica.Detector
	reader    *felica.Reader
	config    *Config
	recoverer Recoverer
	onRead    func(Event)
	onRemoved func(idm []byte)
	stopChan  chan struct{}
	state     CardState
	stopOnce  sync.Once
	mu        syncutil.Mutex
	running   atomic.Bool
	closed    atomic.Bool
	detectErr int
}

// NewMonitor creates a monitor reading with reader. A nil reader uses
// felica defaults and a nil config DefaultConfig.
func NewMonitor(detector felica.Detector, reader *felica.Reader, config *Config) *Monitor {
	if reader == nil {
		reader = felica.NewReader()
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &Monitor{
		detector: detector,
		reader:   reader,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// SetOnRead sets the callback receiving every read, failed or not.
func (m *Monitor) SetOnRead(callback func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRead = callback
}

// SetOnRemoved sets the callback run when a card left the field.
func (m *Monitor) SetOnRemoved(callback func(idm []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoved = callback
}

// SetRecoverer enables recovery after MaxDetectErrors consecutive
// detection failures or a host sleep.
func (m *Monitor) SetRecoverer(r Recoverer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoverer = r
}

// State returns a snapshot of the card state.
func (m *Monitor) State() CardState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.LastIDm = append([]byte(nil), s.LastIDm...)
	return s
}

// Start polls until ctx is done, returning its error, or until Stop,
// returning nil.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	lastPoll := time.Now()
	for {
		if elapsed := time.Since(lastPoll); m.config.SleepRecovery.DetectSleep(elapsed, m.config.PollInterval) {
			felica.Debugf("polling: %v since last poll, assuming host sleep", elapsed)
			m.recover(ctx)
		}
		lastPoll = time.Now()

		m.poll(ctx)

		select {
		case <-ticker.C:
		case <-m.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop ends Start. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.closed.Store(true)
		close(m.stopChan)
		m.mu.Lock()
		safeTimerStop(m.state.RemovalTimer)
		m.mu.Unlock()
	})
}

func (m *Monitor) currentDetector() felica.Detector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detector
}

// detect runs one bounded detection. An expired detection is an empty
// field.
func (m *Monitor) detect(ctx context.Context) (felica.Tag, error) {
	dctx, cancel := context.WithTimeout(ctx, m.config.DetectTimeout)
	defer cancel()
	tag, err := m.currentDetector().Detect(dctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, felica.ErrNoTag
	}
	return tag, err
}

func (m *Monitor) poll(ctx context.Context) {
	tag, err := m.detect(ctx)
	switch {
	case err == nil:
		m.detectErr = 0
		m.handleTag(ctx, tag)
	case errors.Is(err, felica.ErrNoTag):
		m.detectErr = 0
	case ctx.Err() != nil:
	default:
		m.detectErr++
		felica.Debugf("polling: detection failed (%d): %v", m.detectErr, err)
		m.handleCardRemoval()
		if m.detectErr >= m.config.MaxDetectErrors {
			m.detectErr = 0
			m.recover(ctx)
		}
	}
}

func (m *Monitor) recover(ctx context.Context) {
	m.mu.Lock()
	r := m.recoverer
	m.mu.Unlock()
	if r == nil {
		return
	}
	if err := r.AttemptRecovery(ctx); err != nil {
		felica.Debugf("polling: recovery failed: %v", err)
		return
	}
	m.mu.Lock()
	m.detector = r.Detector()
	m.mu.Unlock()
	felica.Debugln("polling: reader recovered")
}

func identify(tag felica.Tag) []byte {
	if id, ok := tag.(felica.Identified); ok {
		return id.IDm()
	}
	return nil
}

// handleTag reads tag unless it is the card already present.
func (m *Monitor) handleTag(ctx context.Context, tag felica.Tag) {
	idm := identify(tag)

	m.mu.Lock()
	if m.state.Same(idm) {
		m.state.TransitionToDetected(idm, m.config.CardRemovalTimeout, m.handleCardRemoval)
		m.mu.Unlock()
		return
	}
	m.state.TransitionToReading()
	onRead := m.onRead
	m.mu.Unlock()

	ev := m.read(ctx, tag, idm)

	m.mu.Lock()
	if !m.closed.Load() {
		m.state.TransitionToDetected(ev.IDm, m.config.CardRemovalTimeout, m.handleCardRemoval)
	}
	m.mu.Unlock()

	if onRead != nil {
		safeCallCallback(onRead, ev)
	}
}

// read reads tag under the retry policy. Retries detect the card again
// and give up when another card answers.
func (m *Monitor) read(ctx context.Context, tag felica.Tag, idm []byte) Event {
	ev := Event{ID: uuid.New(), IDm: idm, At: time.Now()}

	op := func() error {
		ev.Attempts++
		if ev.Attempts > 1 {
			next, err := m.detect(ctx)
			if err != nil {
				return fmt.Errorf("detect for retry: %w", err)
			}
			if got := identify(next); idm != nil && got != nil && !bytes.Equal(got, idm) {
				return backoff.Permanent(fmt.Errorf("card changed to %X during retry", got))
			}
			tag = next
		}
		err := m.readOnce(ctx, tag, &ev)
		if err != nil && !felica.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		felica.Debugf("polling: read attempt %d failed, retrying in %v: %v", ev.Attempts, wait, err)
	}

	ev.Err = backoff.RetryNotify(op, m.retryPolicy(ctx), notify)
	if ev.Err != nil {
		felica.Debugf("polling: read of %X failed after %d attempts: %v", idm, ev.Attempts, ev.Err)
	}
	return ev
}

func (m *Monitor) retryPolicy(ctx context.Context) backoff.BackOff {
	rc := m.config.Retry
	b := &backoff.ExponentialBackOff{
		InitialInterval:     rc.InitialBackoff,
		RandomizationFactor: rc.Jitter,
		Multiplier:          rc.Multiplier,
		MaxInterval:         rc.MaxBackoff,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	retries := max(rc.MaxAttempts-1, 0)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (m *Monitor) readOnce(ctx context.Context, tag felica.Tag, ev *Event) error {
	if m.config.History > 0 {
		records, err := m.reader.ReadHistory(ctx, tag, m.config.History)
		if err != nil {
			return err
		}
		ev.Records = records
		ev.Record = records[0]
		return nil
	}
	rec, err := m.reader.Read(ctx, tag)
	if err != nil {
		return err
	}
	ev.Record = rec
	return nil
}

// handleCardRemoval forgets the present card and reports it.
func (m *Monitor) handleCardRemoval() {
	if m.closed.Load() {
		return
	}

	m.mu.Lock()
	if m.state.DetectionState == StateReading {
		m.mu.Unlock()
		return
	}
	wasPresent := m.state.Present
	idm := m.state.LastIDm
	if wasPresent {
		m.state.TransitionToIdle()
	}
	onRemoved := m.onRemoved
	m.mu.Unlock()

	if wasPresent && onRemoved != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					felica.Debugf("polling: OnRemoved callback panicked: %v", r)
				}
			}()
			onRemoved(idm)
		}()
	}
}

// safeCallCallback executes a callback with panic recovery
func safeCallCallback(callback func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			felica.Debugf("polling: OnRead callback panicked: %v", r)
		}
	}()
	callback(ev)
}
