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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/internal/syncutil"
	vt "github.com/ZaparooProject/go-felica/internal/testing"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// phone is a scripted relay client answering transceives from a virtual
// card.
type phone struct {
	ws       *websocket.Conn
	card     *vt.VirtualCard
	released []string
	ids      []string
	mu       syncutil.Mutex
	silent   bool
}

func dialPhone(t *testing.T, url string, card *vt.VirtualCard) *phone {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })

	p := &phone{ws: ws, card: card}
	require.NoError(t, ws.WriteJSON(Message{Type: MessageHello, Device: "Pixel 8"}))
	go p.serve()
	return p
}

func (p *phone) present(t *testing.T, idm []byte) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NoError(t, p.ws.WriteJSON(Message{Type: MessageTag, IDm: EncodeHex(idm), PMm: EncodeHex(vt.TestPMm)}))
}

func (p *phone) serve() {
	for {
		var msg Message
		if err := p.ws.ReadJSON(&msg); err != nil {
			return
		}
		p.mu.Lock()
		switch msg.Type {
		case MessageRelease:
			p.released = append(p.released, msg.IDm)
		case MessageTransceive:
			p.ids = append(p.ids, msg.ID)
			if p.silent {
				break
			}
			reply := Message{Type: MessageResult, ID: msg.ID}
			frame, err := decodeHex("data", msg.Data)
			if err == nil {
				var res []byte
				ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
				res, err = p.card.Transceive(ctx, frame)
				cancel()
				reply.Data = EncodeHex(res)
			}
			if err != nil {
				reply = Message{Type: MessageError, ID: msg.ID, Error: err.Error()}
			}
			_ = p.ws.WriteJSON(reply)
		}
		p.mu.Unlock()
	}
}

func (p *phone) setSilent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silent = true
}

func (p *phone) snapshot() (released, ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.released...), append([]string(nil), p.ids...)
}

func newRelay(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer()
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		hs.Close()
	})
	return srv, hs
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRelay_Read(t *testing.T) {
	t.Parallel()

	srv, hs := newRelay(t)
	card := vt.NewTransitCard(vt.TestIDm, vt.HistoryEntry{Year: 23, Month: 11, Day: 3, Balance: 5120, Serial: 44})
	ph := dialPhone(t, hs.URL, card)
	ph.present(t, vt.TestIDm)

	tag, err := srv.Detect(testCtx(t))
	require.NoError(t, err)
	pres, ok := tag.(*Presentation)
	require.True(t, ok)
	assert.Equal(t, vt.TestIDm, pres.IDm())
	assert.Equal(t, vt.TestPMm, pres.PMm())
	assert.Equal(t, "Pixel 8", pres.Device())
	assert.WithinDuration(t, time.Now(), pres.At(), time.Second)
	assert.Equal(t, 1, srv.Peers())

	rec, err := felica.Read(testCtx(t), tag)
	require.NoError(t, err)
	assert.Equal(t, uint16(5120), rec.Balance)

	assert.Eventually(t, func() bool {
		released, _ := ph.snapshot()
		return len(released) == 1
	}, time.Second, 5*time.Millisecond)
	released, ids := ph.snapshot()
	assert.Equal(t, EncodeHex(vt.TestIDm), released[0])
	require.Len(t, ids, 3)
	for _, id := range ids {
		_, err := uuid.Parse(id)
		require.NoError(t, err)
	}
	assert.NotEqual(t, ids[0], ids[1])
}

func TestRelay_PhoneError(t *testing.T) {
	t.Parallel()

	srv, hs := newRelay(t)
	card := vt.NewTransitCard(vt.TestIDm)
	ph := dialPhone(t, hs.URL, card)
	ph.present(t, vt.TestIDm)
	tag, err := srv.Detect(testCtx(t))
	require.NoError(t, err)

	card.Remove()
	_, err = felica.Read(testCtx(t), tag)
	require.ErrorIs(t, err, felica.ErrProtocol)
	require.ErrorIs(t, err, ErrPeer)
	assert.Contains(t, err.Error(), "removed from field")
}

func TestRelay_ExchangeTimeout(t *testing.T) {
	t.Parallel()

	srv, hs := newRelay(t)
	ph := dialPhone(t, hs.URL, vt.NewTransitCard(vt.TestIDm))
	ph.setSilent()
	ph.present(t, vt.TestIDm)
	tag, err := srv.Detect(testCtx(t))
	require.NoError(t, err)

	_, err = felica.Read(testCtx(t), tag, felica.WithCommandTimeout(30*time.Millisecond))
	require.ErrorIs(t, err, felica.ErrProtocol)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelay_DisconnectFailsPending(t *testing.T) {
	t.Parallel()

	srv, hs := newRelay(t)
	ph := dialPhone(t, hs.URL, vt.NewTransitCard(vt.TestIDm))
	ph.setSilent()
	ph.present(t, vt.TestIDm)
	tag, err := srv.Detect(testCtx(t))
	require.NoError(t, err)
	c, err := tag.Connect(testCtx(t))
	require.NoError(t, err)

	go func() {
		assert.Eventually(t, func() bool {
			_, ids := ph.snapshot()
			return len(ids) == 1
		}, time.Second, 5*time.Millisecond)
		_ = ph.ws.Close()
	}()

	_, err = c.Transceive(testCtx(t), []byte{0x06, 0x00, 0xFF, 0xFF, 0x01, 0x00})
	require.ErrorIs(t, err, ErrPeerGone)
	require.NoError(t, c.Close())

	_, err = tag.Connect(testCtx(t))
	require.ErrorIs(t, err, ErrPeerGone)
	assert.Eventually(t, func() bool { return srv.Peers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRelay_DetectEnds(t *testing.T) {
	t.Parallel()

	srv, _ := newRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := srv.Detect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	_, err = srv.Detect(context.Background())
	require.ErrorIs(t, err, ErrServerClosed)
}

func TestServer_ClosedDuringUpgrade(t *testing.T) {
	t.Parallel()

	srv := NewServer()
	srv.upgrader.CheckOrigin = func(*http.Request) bool {
		_ = srv.Close()
		return true
	}
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = ws.Close() }()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseAbnormalClosure), "server dropped the phone: %v", err)
	assert.Equal(t, 0, srv.Peers())
}

func TestServer_DropsOldestUnclaimed(t *testing.T) {
	t.Parallel()

	srv := NewServer()
	p := newPeer(nil)
	for i := range presentationBacklog + 1 {
		srv.present(&Presentation{peer: p, idm: []byte{byte(i)}})
	}

	tag, err := srv.Detect(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, tag.(felica.Identified).IDm())
	assert.Len(t, srv.presentations, presentationBacklog-1)
}

func TestServer_DetectSkipsDisconnected(t *testing.T) {
	t.Parallel()

	srv := NewServer()
	gone := &peer{done: make(chan struct{})}
	close(gone.done)
	srv.present(&Presentation{peer: gone, idm: vt.TestOtherIDm})
	srv.present(&Presentation{peer: newPeer(nil), idm: vt.TestIDm})

	tag, err := srv.Detect(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, vt.TestIDm, tag.(felica.Identified).IDm())
}

func TestNewPresentation_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
	}{
		{"bad hex", Message{Type: MessageTag, IDm: "zz"}},
		{"short IDm", Message{Type: MessageTag, IDm: "0102"}},
		{"bad pmm", Message{Type: MessageTag, IDm: EncodeHex(vt.TestIDm), PMm: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := newPresentation(&peer{done: make(chan struct{})}, tt.msg)
			require.ErrorIs(t, err, ErrBadMessage)
		})
	}
}

func TestTXTRecords(t *testing.T) {
	t.Parallel()

	assert.Contains(t, txtRecords(), "path=/ws")
	assert.Equal(t, "_felica-relay._tcp", ServiceType)
}
