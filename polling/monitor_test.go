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

package polling

import (
	"context"
	"errors"
	"testing"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/internal/syncutil"
	vt "github.com/ZaparooProject/go-felica/internal/testing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errReaderGone = errors.New("reader unplugged")

// cardTag presents a virtual card with its IDm.
type cardTag struct {
	card *vt.VirtualCard
}

func (t cardTag) IDm() []byte { return t.card.IDm() }

func (t cardTag) Connect(ctx context.Context) (felica.Conn, error) {
	c, err := t.card.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// fieldDetector reports the card in its field, failing errs times first.
type fieldDetector struct {
	card  *vt.VirtualCard
	mu    syncutil.Mutex
	errs  int
	calls int
}

func (d *fieldDetector) Detect(context.Context) (felica.Tag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.errs > 0 {
		d.errs--
		return nil, errReaderGone
	}
	if d.card == nil || !d.card.Present() {
		return nil, felica.ErrNoTag
	}
	return cardTag{card: d.card}, nil
}

func (d *fieldDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// waitingDetector blocks like the phone relay until a card shows up.
type waitingDetector struct{}

func (waitingDetector) Detect(ctx context.Context) (felica.Tag, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// recorder collects callback invocations.
type recorder struct {
	events  []Event
	removed [][]byte
	mu      syncutil.Mutex
}

func (r *recorder) onRead(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) onRemoved(idm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, idm)
}

func (r *recorder) snapshot() (events []Event, removed [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...), append([][]byte(nil), r.removed...)
}

func (r *recorder) eventCount() int {
	events, _ := r.snapshot()
	return len(events)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.CardRemovalTimeout = 40 * time.Millisecond
	cfg.DetectTimeout = 30 * time.Millisecond
	cfg.Retry = RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
	cfg.SleepRecovery.Enabled = false
	return cfg
}

// startMonitor runs m until the test ends.
func startMonitor(t *testing.T, m *Monitor) *recorder {
	t.Helper()
	rec := &recorder{}
	m.SetOnRead(rec.onRead)
	m.SetOnRemoved(rec.onRemoved)

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background()) }()
	t.Cleanup(func() {
		m.Stop()
		assert.NoError(t, <-done)
	})
	return rec
}

func transitCard() *vt.VirtualCard {
	return vt.NewTransitCard(vt.TestIDm,
		vt.HistoryEntry{Year: 24, Month: 3, Day: 15, Balance: 1530, Serial: 12},
		vt.HistoryEntry{Year: 24, Month: 3, Day: 14, Balance: 1740, Serial: 11})
}

func TestMonitor_ReadsOncePerPresentation(t *testing.T) {
	t.Parallel()

	det := &fieldDetector{card: transitCard()}
	m := NewMonitor(det, nil, testConfig())
	rec := startMonitor(t, m)

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, time.Second, time.Millisecond)
	calls := det.callCount()
	require.Eventually(t, func() bool { return det.callCount() > calls+5 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, rec.eventCount(), "a card staying in the field is read once")

	events, _ := rec.snapshot()
	ev := events[0]
	require.NoError(t, ev.Err)
	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.Equal(t, vt.TestIDm, ev.IDm)
	assert.Equal(t, uint16(1530), ev.Record.Balance)
	assert.Equal(t, 1, ev.Attempts)
	assert.Empty(t, ev.Records)
	assert.WithinDuration(t, time.Now(), ev.At, time.Second)

	st := m.State()
	assert.True(t, st.Present)
	assert.Equal(t, vt.TestIDm, st.LastIDm)
	assert.Equal(t, StateTagDetected, st.DetectionState)
}

func TestMonitor_RereadsAfterRemoval(t *testing.T) {
	t.Parallel()

	card := transitCard()
	m := NewMonitor(&fieldDetector{card: card}, nil, testConfig())
	rec := startMonitor(t, m)

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, time.Second, time.Millisecond)
	card.Remove()
	require.Eventually(t, func() bool {
		_, removed := rec.snapshot()
		return len(removed) == 1
	}, time.Second, time.Millisecond)
	assert.False(t, m.State().Present)

	card.Insert()
	require.Eventually(t, func() bool { return rec.eventCount() == 2 }, time.Second, time.Millisecond)
	events, removed := rec.snapshot()
	assert.Equal(t, vt.TestIDm, removed[0])
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestMonitor_Retry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		setup    func(card *vt.VirtualCard)
		wantErr  error
		name     string
		attempts int
	}{
		{
			name: "timeout then success",
			setup: func(card *vt.VirtualCard) {
				card.InjectFault(vt.CmdReadWithoutEncryption, vt.FaultTimeout)
			},
			attempts: 2,
		},
		{
			name: "read rejection is final",
			setup: func(card *vt.VirtualCard) {
				card.SetReadStatus(0x090F, 0x01, 0xA8)
			},
			wantErr:  felica.ErrRead,
			attempts: 1,
		},
		{
			name: "connection failures exhaust attempts",
			setup: func(card *vt.VirtualCard) {
				card.SetConnectError(errors.New("rf field off"))
			},
			wantErr:  felica.ErrConnection,
			attempts: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			card := transitCard()
			tt.setup(card)
			reader := felica.NewReader(felica.WithCommandTimeout(20 * time.Millisecond))
			rec := startMonitor(t, NewMonitor(&fieldDetector{card: card}, reader, testConfig()))

			require.Eventually(t, func() bool { return rec.eventCount() >= 1 }, 2*time.Second, time.Millisecond)
			events, _ := rec.snapshot()
			ev := events[0]
			assert.Equal(t, tt.attempts, ev.Attempts)
			if tt.wantErr == nil {
				require.NoError(t, ev.Err)
				assert.Equal(t, uint16(1530), ev.Record.Balance)
			} else {
				require.ErrorIs(t, ev.Err, tt.wantErr)
			}
		})
	}
}

func TestMonitor_History(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.History = 5
	rec := startMonitor(t, NewMonitor(&fieldDetector{card: transitCard()}, nil, cfg))

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, time.Second, time.Millisecond)
	events, _ := rec.snapshot()
	require.NoError(t, events[0].Err)
	require.Len(t, events[0].Records, 5)
	assert.Equal(t, events[0].Records[0], events[0].Record)
	assert.Equal(t, uint16(1740), events[0].Records[1].Balance)
}

func TestMonitor_StartStop(t *testing.T) {
	t.Parallel()

	m := NewMonitor(&fieldDetector{}, nil, testConfig())
	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background()) }()

	require.Eventually(t, func() bool { return m.running.Load() }, time.Second, time.Millisecond)
	require.ErrorIs(t, m.Start(context.Background()), ErrAlreadyRunning)

	m.Stop()
	m.Stop()
	require.NoError(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m2 := NewMonitor(&fieldDetector{}, nil, testConfig())
	require.ErrorIs(t, m2.Start(ctx), context.Canceled)
}

func TestMonitor_WaitingDetectorIsEmptyField(t *testing.T) {
	t.Parallel()

	r := &fakeRecoverer{}
	m := NewMonitor(waitingDetector{}, nil, testConfig())
	m.SetRecoverer(r)
	rec := startMonitor(t, m)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, rec.eventCount())
	assert.Zero(t, r.count())
}

// fakeRecoverer swaps in next on recovery.
type fakeRecoverer struct {
	next  felica.Detector
	err   error
	mu    syncutil.Mutex
	calls int
}

func (r *fakeRecoverer) AttemptRecovery(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *fakeRecoverer) Detector() felica.Detector { return r.next }

func (r *fakeRecoverer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestMonitor_RecoversAfterDetectErrors(t *testing.T) {
	t.Parallel()

	broken := &fieldDetector{errs: 1000}
	r := &fakeRecoverer{next: &fieldDetector{card: transitCard()}}
	m := NewMonitor(broken, nil, testConfig())
	m.SetRecoverer(r)
	rec := startMonitor(t, m)

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, r.count())
	assert.Equal(t, 3, broken.callCount())
}

func TestMonitor_CallbackPanic(t *testing.T) {
	t.Parallel()

	card := transitCard()
	m := NewMonitor(&fieldDetector{card: card}, nil, testConfig())
	reads := make(chan struct{}, 4)
	m.SetOnRead(func(Event) {
		reads <- struct{}{}
		panic("boom")
	})
	removed := make(chan []byte, 1)
	m.SetOnRemoved(func(idm []byte) { removed <- idm })

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background()) }()
	defer func() {
		m.Stop()
		require.NoError(t, <-done)
	}()

	<-reads
	card.Remove()
	select {
	case idm := <-removed:
		assert.Equal(t, vt.TestIDm, idm)
	case <-time.After(time.Second):
		t.Fatal("monitor stopped after callback panic")
	}
}

func TestSleepRecoveryConfig_DetectSleep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		elapsed time.Duration
		enabled bool
		want    bool
	}{
		{"normal poll", 260 * time.Millisecond, true, false},
		{"just under threshold", 2250 * time.Millisecond, true, false},
		{"sleep", 10 * time.Second, true, true},
		{"disabled", 10 * time.Second, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultSleepRecoveryConfig()
			cfg.Enabled = tt.enabled
			assert.Equal(t, tt.want, cfg.DetectSleep(tt.elapsed, 250*time.Millisecond))
		})
	}
}

func TestCardState_Transitions(t *testing.T) {
	t.Parallel()

	var cs CardState
	assert.False(t, cs.Same(vt.TestIDm))

	fired := make(chan struct{}, 1)
	cs.TransitionToDetected(vt.TestIDm, time.Hour, func() { fired <- struct{}{} })
	assert.True(t, cs.Same(vt.TestIDm))
	assert.False(t, cs.Same(vt.TestOtherIDm))
	assert.False(t, cs.Same(nil))
	assert.True(t, cs.CanStartRemovalTimer())

	cs.TransitionToReading()
	assert.Nil(t, cs.RemovalTimer)
	assert.False(t, cs.CanStartRemovalTimer())
	assert.Equal(t, "reading", cs.DetectionState.String())

	cs.TransitionToIdle()
	assert.False(t, cs.Present)
	assert.Nil(t, cs.LastIDm)
	assert.Equal(t, "idle", cs.DetectionState.String())
	assert.Empty(t, fired)
}
