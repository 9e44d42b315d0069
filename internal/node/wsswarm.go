// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// =============================================================================
// FRAMES
// =============================================================================

// frame is one websocket message of the swarm transport. The first frame on
// a connection is a hello carrying the dialer's peer ID; every later frame
// is a one-shot protocol push.
type frame struct {
	Protocol string          `json:"protocol"`
	From     string          `json:"from"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

const helloProtocol = "/rawchat/swarm/hello"

// =============================================================================
// DIAL SIDE
// =============================================================================

// WSSwarm is the client-side swarm: it keeps one websocket connection per
// bootstrap node, pushes protocol frames over it, and receives dial-backs
// on the same connection.
type WSSwarm struct {
	peerID string

	mu           sync.Mutex
	conns        map[string]*wsConn // by node address
	peerAddrs    map[string]string  // remote peer ID -> address
	handlers     map[string]ProtocolHandler
	onDisconnect []func(string)
	closed       bool
}

type wsConn struct {
	addr         string
	remotePeerID string
	ws           *websocket.Conn
	writeMu      sync.Mutex
}

// NewWSSwarm creates a swarm for the given local peer ID.
func NewWSSwarm(peerID string) *WSSwarm {
	return &WSSwarm{
		peerID:    peerID,
		conns:     make(map[string]*wsConn),
		peerAddrs: make(map[string]string),
		handlers:  make(map[string]ProtocolHandler),
	}
}

// Connect dials the node at addr (a ws:// or wss:// URL), sends the hello
// frame, and starts the read loop. Reconnecting to an already-connected
// address replaces the old connection.
func (s *WSSwarm) Connect(ctx context.Context, addr string) (string, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, addr, err)
	}

	hello := frame{Protocol: helloProtocol, From: s.peerID}
	if err := ws.WriteJSON(hello); err != nil {
		ws.Close()
		return "", err
	}
	var reply frame
	if err := ws.ReadJSON(&reply); err != nil || reply.Protocol != helloProtocol {
		ws.Close()
		return "", fmt.Errorf("%w: bad hello from %s", ErrPeerUnreachable, addr)
	}

	conn := &wsConn{addr: addr, remotePeerID: reply.From, ws: ws}

	s.mu.Lock()
	if old, ok := s.conns[addr]; ok {
		old.ws.Close()
	}
	s.conns[addr] = conn
	s.peerAddrs[reply.From] = addr
	s.mu.Unlock()

	go s.readLoop(conn)
	return reply.From, nil
}

// DialProtocol pushes payload to target's handler for protocol. Target may
// be a connected node address or the peer ID learned from its hello.
func (s *WSSwarm) DialProtocol(ctx context.Context, target, protocol string, payload []byte) error {
	s.mu.Lock()
	addr := target
	if mapped, ok := s.peerAddrs[target]; ok {
		addr = mapped
	}
	conn, ok := s.conns[addr]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, target)
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	return conn.ws.WriteJSON(frame{Protocol: protocol, From: s.peerID, Payload: payload})
}

// Handle registers the handler for inbound frames tagged protocol.
func (s *WSSwarm) Handle(protocol string, h ProtocolHandler) {
	s.mu.Lock()
	s.handlers[protocol] = h
	s.mu.Unlock()
}

// OnDisconnect registers a disconnect callback.
func (s *WSSwarm) OnDisconnect(fn func(string)) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

// Close drops every connection.
func (s *WSSwarm) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := s.conns
	s.conns = make(map[string]*wsConn)
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
	return nil
}

func (s *WSSwarm) readLoop(conn *wsConn) {
	for {
		var f frame
		if err := conn.ws.ReadJSON(&f); err != nil {
			break
		}
		s.mu.Lock()
		h, ok := s.handlers[f.Protocol]
		s.mu.Unlock()
		if ok {
			h(f.From, f.Payload)
		}
	}

	conn.ws.Close()
	s.mu.Lock()
	closed := s.closed
	if cur, ok := s.conns[conn.addr]; ok && cur == conn {
		delete(s.conns, conn.addr)
		delete(s.peerAddrs, conn.remotePeerID)
	}
	fns := make([]func(string), len(s.onDisconnect))
	copy(fns, s.onDisconnect)
	s.mu.Unlock()

	if !closed {
		for _, fn := range fns {
			fn(conn.remotePeerID)
		}
	}
}

// =============================================================================
// LISTEN SIDE
// =============================================================================

// WSListener is the registrar-side swarm: it accepts websocket connections,
// indexes them by the peer ID from the hello frame, dispatches inbound
// protocol frames, and dials back by peer ID over the same connection.
type WSListener struct {
	peerID   string
	upgrader websocket.Upgrader

	mu           sync.Mutex
	conns        map[string]*wsConn // by remote peer ID
	handlers     map[string]ProtocolHandler
	onDisconnect []func(string)
}

// NewWSListener creates a listener-side swarm for the given peer ID.
// Mount Handler on an HTTP server to accept connections.
func NewWSListener(peerID string) *WSListener {
	return &WSListener{
		peerID:   peerID,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[string]*wsConn),
		handlers: make(map[string]ProtocolHandler),
	}
}

// Handler returns the HTTP handler accepting swarm connections.
func (l *WSListener) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		var hello frame
		if err := ws.ReadJSON(&hello); err != nil || hello.Protocol != helloProtocol || hello.From == "" {
			ws.Close()
			return
		}
		conn := &wsConn{remotePeerID: hello.From, ws: ws}
		conn.writeMu.Lock()
		err = ws.WriteJSON(frame{Protocol: helloProtocol, From: l.peerID})
		conn.writeMu.Unlock()
		if err != nil {
			ws.Close()
			return
		}

		l.mu.Lock()
		if old, ok := l.conns[hello.From]; ok {
			old.ws.Close()
		}
		l.conns[hello.From] = conn
		l.mu.Unlock()

		l.readLoop(conn)
	})
}

// Connect is not meaningful on the listen side; peers connect to us.
func (l *WSListener) Connect(ctx context.Context, addr string) (string, error) {
	return "", fmt.Errorf("%w: listener does not dial out", ErrPeerUnreachable)
}

// DialProtocol pushes payload to the connected peer with ID target.
func (l *WSListener) DialProtocol(ctx context.Context, target, protocol string, payload []byte) error {
	l.mu.Lock()
	conn, ok := l.conns[target]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, target)
	}
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	return conn.ws.WriteJSON(frame{Protocol: protocol, From: l.peerID, Payload: payload})
}

// Handle registers the handler for inbound frames tagged protocol.
func (l *WSListener) Handle(protocol string, h ProtocolHandler) {
	l.mu.Lock()
	l.handlers[protocol] = h
	l.mu.Unlock()
}

// OnDisconnect registers a callback fired when a peer's connection drops.
func (l *WSListener) OnDisconnect(fn func(string)) {
	l.mu.Lock()
	l.onDisconnect = append(l.onDisconnect, fn)
	l.mu.Unlock()
}

// Close drops every accepted connection.
func (l *WSListener) Close() error {
	l.mu.Lock()
	conns := l.conns
	l.conns = make(map[string]*wsConn)
	l.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
	return nil
}

func (l *WSListener) readLoop(conn *wsConn) {
	for {
		var f frame
		if err := conn.ws.ReadJSON(&f); err != nil {
			break
		}
		l.mu.Lock()
		h, ok := l.handlers[f.Protocol]
		l.mu.Unlock()
		if ok {
			h(conn.remotePeerID, f.Payload)
		}
	}

	conn.ws.Close()
	l.mu.Lock()
	if cur, ok := l.conns[conn.remotePeerID]; ok && cur == conn {
		delete(l.conns, conn.remotePeerID)
	}
	fns := make([]func(string), len(l.onDisconnect))
	copy(fns, l.onDisconnect)
	l.mu.Unlock()

	for _, fn := range fns {
		fn(conn.remotePeerID)
	}
}
