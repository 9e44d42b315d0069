// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session tracks the channels the client is in: one session per
// joined channel, a single-flight guard so concurrent joins of the same
// name issue exactly one command, the offline precondition, per-channel
// peer sets, and the rejoin policy applied on reconnect.
package session

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/rodkeys/rawchat/internal/proto"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotOnline rejects channel commands issued before the network context
// reports connected. The command never reaches the bus.
var ErrNotOnline = errors.New("not connected to the network")

// =============================================================================
// COLLABORATORS
// =============================================================================

// Commander issues channel commands to the network context.
type Commander interface {
	JoinChannel(ctx context.Context, channel string) error
	LeaveChannel(ctx context.Context, channel string) error
}

// RejoinStore persists the channels to rejoin across restarts.
type RejoinStore interface {
	Remember(channel string) error
	Forget(channel string) error
	RejoinList() ([]string, error)
	IsFresh() (bool, error)
	MarkInitialized() error
}

// =============================================================================
// SESSION
// =============================================================================

// Session is one joined channel's live state.
type Session struct {
	Name string

	mu    sync.Mutex
	peers []proto.PeerRecord
}

// Peers returns a copy of the channel's current peer list.
func (s *Session) Peers() []proto.PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.PeerRecord, len(s.peers))
	copy(out, s.peers)
	return out
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns all channel sessions. It is the only component allowed to
// issue join and leave commands.
type Manager struct {
	commander Commander
	store     RejoinStore
	defaults  []string
	logger    *log.Logger

	mu       sync.Mutex
	online   bool
	sessions map[string]*Session
	joining  map[string]*joinCall
}

// joinCall is one in-flight join shared by every concurrent caller.
type joinCall struct {
	done    chan struct{}
	session *Session
	err     error
}

// NewManager creates a session manager. defaults are the channels joined by
// a fresh client.
func NewManager(c Commander, st RejoinStore, defaults []string) *Manager {
	return &Manager{
		commander: c,
		store:     st,
		defaults:  defaults,
		logger:    log.New(log.Writer(), "[session] ", log.LstdFlags),
		sessions:  make(map[string]*Session),
		joining:   make(map[string]*joinCall),
	}
}

// Online reports whether channel commands are currently allowed.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Get returns the session for channel, or nil.
func (m *Manager) Get(channel string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[channel]
}

// List returns the names of all joined channels.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	return names
}

// =============================================================================
// JOIN / LEAVE
// =============================================================================

// Join joins a channel. Joining while offline fails with ErrNotOnline
// before any command is issued. Concurrent joins of the same name collapse
// to one command; every caller observes the same session. Joining an
// already-joined channel returns its existing session.
func (m *Manager) Join(ctx context.Context, channel string) (*Session, error) {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return nil, ErrNotOnline
	}
	if s, ok := m.sessions[channel]; ok {
		m.mu.Unlock()
		return s, nil
	}
	if call, ok := m.joining[channel]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.session, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &joinCall{done: make(chan struct{})}
	m.joining[channel] = call
	m.mu.Unlock()

	err := m.commander.JoinChannel(ctx, channel)

	m.mu.Lock()
	delete(m.joining, channel)
	if err == nil {
		call.session = &Session{Name: channel}
		m.sessions[channel] = call.session
	}
	call.err = err
	m.mu.Unlock()
	close(call.done)

	if err != nil {
		return nil, err
	}
	if rerr := m.store.Remember(channel); rerr != nil {
		m.logger.Printf("failed to persist rejoin entry for %s: %v", channel, rerr)
	}
	return call.session, nil
}

// Leave leaves a channel. Leaving a channel that is not joined is a no-op
// and issues no command.
func (m *Manager) Leave(ctx context.Context, channel string) error {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return ErrNotOnline
	}
	_, ok := m.sessions[channel]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, channel)
	m.mu.Unlock()

	if err := m.commander.LeaveChannel(ctx, channel); err != nil {
		return err
	}
	if ferr := m.store.Forget(channel); ferr != nil {
		m.logger.Printf("failed to drop rejoin entry for %s: %v", channel, ferr)
	}
	return nil
}

// =============================================================================
// CONNECTION POLICY
// =============================================================================

// OnConnected marks the manager online and applies the rejoin policy: a
// fresh client, or one with an empty rejoin list, joins the defaults;
// otherwise the rejoin list is replayed in order (most recent last).
func (m *Manager) OnConnected(ctx context.Context) {
	m.mu.Lock()
	m.online = true
	m.mu.Unlock()

	fresh, err := m.store.IsFresh()
	if err != nil {
		m.logger.Printf("failed to read fresh marker: %v", err)
		fresh = true
	}
	rejoin, err := m.store.RejoinList()
	if err != nil {
		m.logger.Printf("failed to read rejoin list: %v", err)
	}

	channels := rejoin
	if fresh || len(rejoin) == 0 {
		channels = m.defaults
	}
	for _, ch := range channels {
		if _, err := m.Join(ctx, ch); err != nil {
			m.logger.Printf("rejoin %s failed: %v", ch, err)
		}
	}

	if err := m.store.MarkInitialized(); err != nil {
		m.logger.Printf("failed to mark initialized: %v", err)
	}
}

// OnDisconnected marks the manager offline. Sessions are dropped; the
// rejoin list reconstructs them on the next connect.
func (m *Manager) OnDisconnected() {
	m.mu.Lock()
	m.online = false
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
}

// =============================================================================
// PEER INGESTION
// =============================================================================

// ReplacePeers installs the authoritative peer list for a channel, as
// carried by the registrar's dial-back.
func (m *Manager) ReplacePeers(channel string, peers []proto.PeerRecord) {
	s := m.Get(channel)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.peers = dedupe(peers)
	s.mu.Unlock()
}

// AddPeers merges peers into the channel's set, idempotent by peerID.
func (m *Manager) AddPeers(channel string, peers []proto.PeerRecord) {
	s := m.Get(channel)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range peers {
		if indexOf(s.peers, p.PeerID) < 0 {
			s.peers = append(s.peers, p)
		}
	}
}

// RemovePeers drops the named peers from the channel's set. Unknown peer
// IDs are ignored.
func (m *Manager) RemovePeers(channel string, peerIDs []string) {
	s := m.Get(channel)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range peerIDs {
		if i := indexOf(s.peers, id); i >= 0 {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
		}
	}
}

func indexOf(peers []proto.PeerRecord, peerID string) int {
	for i, p := range peers {
		if p.PeerID == peerID {
			return i
		}
	}
	return -1
}

func dedupe(peers []proto.PeerRecord) []proto.PeerRecord {
	seen := make(map[string]bool, len(peers))
	out := make([]proto.PeerRecord, 0, len(peers))
	for _, p := range peers {
		if !seen[p.PeerID] {
			seen[p.PeerID] = true
			out = append(out, p)
		}
	}
	return out
}
