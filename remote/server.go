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

// Package remote relays FeliCa frames to a phone over a websocket. The
// phone owns the NFC radio: it announces every card it sees and answers
// transceive requests with the card's reply.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/internal/syncutil"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 4096

	// presentationBacklog is how many unclaimed presentations are kept.
	presentationBacklog = 8
)

// Relay errors
var (
	ErrServerClosed = errors.New("remote: server closed")
	ErrPeerGone     = errors.New("remote: phone disconnected")
	ErrPeer         = errors.New("remote: phone reported error")
	ErrBadMessage   = errors.New("remote: malformed message")
)

// Server accepts phone connections and hands their presentations to
// Detect. It is an http.Handler.
type Server struct {
	upgrader      websocket.Upgrader
	presentations chan *Presentation
	peers         map[*peer]struct{}
	done          chan struct{}
	closeOnce     sync.Once
	mu            syncutil.Mutex
}

// NewServer creates a relay server accepting any origin.
func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		presentations: make(chan *Presentation, presentationBacklog),
		peers:         make(map[*peer]struct{}),
		done:          make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and serves the phone until it leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		felica.Debugf("remote: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	p := newPeer(ws)
	s.mu.Lock()
	select {
	case <-s.done:
		// Close ran while the upgrade was in flight.
		s.mu.Unlock()
		p.close()
		return
	default:
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	felica.Debugf("remote: phone connected from %s", r.RemoteAddr)

	p.readLoop(s)

	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	felica.Debugf("remote: phone %q disconnected", p.deviceName())
}

// Detect waits for the next card a phone presents.
func (s *Server) Detect(ctx context.Context) (felica.Tag, error) {
	for {
		select {
		case pres := <-s.presentations:
			if pres.peer.gone() {
				continue
			}
			return pres, nil
		case <-s.done:
			return nil, ErrServerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Peers returns the number of connected phones.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close disconnects every phone. Pending exchanges fail with ErrPeerGone.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		peers := make([]*peer, 0, len(s.peers))
		for p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.Unlock()
		for _, p := range peers {
			p.close()
		}
	})
	return nil
}

// present queues pres for Detect, dropping the oldest unclaimed one when
// the backlog is full.
func (s *Server) present(pres *Presentation) {
	for {
		select {
		case s.presentations <- pres:
			return
		default:
		}
		select {
		case old := <-s.presentations:
			felica.Debugf("remote: dropping unclaimed presentation IDm=%X", old.idm)
		default:
		}
	}
}

// peer is one connected phone.
type peer struct {
	ws      *websocket.Conn
	pending map[string]chan Message
	done    chan struct{}
	device  string
	once    sync.Once
	writeMu syncutil.Mutex
	mu      syncutil.Mutex
}

func newPeer(ws *websocket.Conn) *peer {
	return &peer{
		ws:      ws,
		pending: make(map[string]chan Message),
		done:    make(chan struct{}),
	}
}

func (p *peer) deviceName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device
}

func (p *peer) gone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.ws.Close()
	})
}

func (p *peer) send(msg Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := p.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (p *peer) readLoop(s *Server) {
	defer p.close()
	for {
		var msg Message
		if err := p.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				felica.Debugf("remote: read: %v", err)
			}
			return
		}
		if err := p.handle(s, msg); err != nil {
			felica.Debugf("remote: %v", err)
		}
	}
}

func (p *peer) handle(s *Server, msg Message) error {
	switch msg.Type {
	case MessageHello:
		p.mu.Lock()
		p.device = msg.Device
		p.mu.Unlock()
		return nil
	case MessageTag:
		pres, err := newPresentation(p, msg)
		if err != nil {
			return err
		}
		felica.Debugf("remote: %q presented IDm=%X", p.deviceName(), pres.idm)
		s.present(pres)
		return nil
	case MessageResult, MessageError:
		p.mu.Lock()
		ch, ok := p.pending[msg.ID]
		delete(p.pending, msg.ID)
		p.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: no exchange %q", ErrBadMessage, msg.ID)
		}
		ch <- msg
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadMessage, msg.Type)
	}
}

// exchange sends frame to the phone and waits for its answer.
func (p *peer) exchange(ctx context.Context, idm, frame []byte) ([]byte, error) {
	id := uuid.NewString()
	ch := make(chan Message, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if p.gone() {
		return nil, ErrPeerGone
	}
	err := p.send(Message{Type: MessageTransceive, ID: id, IDm: EncodeHex(idm), Data: EncodeHex(frame)})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPeerGone, err)
	}

	select {
	case msg := <-ch:
		if msg.Type == MessageError {
			return nil, fmt.Errorf("%w: %s", ErrPeer, msg.Error)
		}
		return decodeHex("data", msg.Data)
	case <-p.done:
		return nil, ErrPeerGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ felica.Detector = (*Server)(nil)
