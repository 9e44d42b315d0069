// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ipc is the typed contract between the directory registrar and the
// API process: peer-table snapshots flow registrar -> API, ban directives
// flow API -> registrar, over a local websocket. The two processes share no
// other state.
package ipc

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/rodkeys/rawchat/internal/proto"
)

// =============================================================================
// MESSAGES
// =============================================================================

// Message actions.
const (
	ActionSnapshot = "channelPeerListUpdate"
	ActionBan      = "banUserID"
	ActionUnban    = "unbanUserID"
)

// Message is one IPC frame. Snapshots carry Table; directives carry UserID.
type Message struct {
	Action string          `json:"action"`
	Table  proto.PeerTable `json:"table,omitempty"`
	UserID string          `json:"userID,omitempty"`
}

// ErrNotConnected is returned when a send has no live peer connection.
var ErrNotConnected = errors.New("ipc peer not connected")

// =============================================================================
// API SIDE (SERVER)
// =============================================================================

// Server is the API process's end: it accepts the registrar's connection
// and receives snapshots. A new registrar connection replaces the old one.
type Server struct {
	upgrader   websocket.Upgrader
	onSnapshot func(proto.PeerTable)
	logger     *log.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewServer creates the API-side endpoint. onSnapshot receives every
// peer-table push.
func NewServer(onSnapshot func(proto.PeerTable)) *Server {
	return &Server{
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		onSnapshot: onSnapshot,
		logger:     log.New(log.Writer(), "[ipc] ", log.LstdFlags),
	}
}

// Handler returns the HTTP handler the registrar dials.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.conn = ws
		s.mu.Unlock()

		for {
			var msg Message
			if err := ws.ReadJSON(&msg); err != nil {
				break
			}
			if msg.Action == ActionSnapshot && s.onSnapshot != nil {
				s.onSnapshot(msg.Table)
			}
		}

		ws.Close()
		s.mu.Lock()
		if s.conn == ws {
			s.conn = nil
		}
		s.mu.Unlock()
	})
}

// SendBan pushes a ban directive to the registrar.
func (s *Server) SendBan(userID string) error {
	return s.send(Message{Action: ActionBan, UserID: userID})
}

// SendUnban pushes an unban directive to the registrar.
func (s *Server) SendUnban(userID string) error {
	return s.send(Message{Action: ActionUnban, UserID: userID})
}

func (s *Server) send(msg Message) error {
	s.mu.Lock()
	ws := s.conn
	s.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return ws.WriteJSON(msg)
}

// =============================================================================
// REGISTRAR SIDE (CLIENT)
// =============================================================================

// Client is the registrar's end: it dials the API process, pushes
// snapshots, and receives ban directives. The connection is retried forever
// with a constant 1-second delay; a lost connection is re-dialed the same
// way, and the latest snapshot is replayed on reconnect so the API never
// serves a table older than the last push.
type Client struct {
	addr        string
	onDirective func(action, userID string)
	logger      *log.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	latest  proto.PeerTable
	closed  bool
}

// NewClient creates the registrar-side endpoint. onDirective receives ban
// and unban directives.
func NewClient(addr string, onDirective func(action, userID string)) *Client {
	return &Client{
		addr:        addr,
		onDirective: onDirective,
		logger:      log.New(log.Writer(), "[ipc] ", log.LstdFlags),
	}
}

// Start begins the connect loop. It returns immediately; snapshots pushed
// before the first connect are buffered as the latest table.
func (c *Client) Start() {
	go c.connectLoop()
}

// Close stops the connect loop and drops the connection.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	ws := c.conn
	c.conn = nil
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

// PushSnapshot sends the current peer table to the API process. When the
// link is down the snapshot is kept and replayed on reconnect.
func (c *Client) PushSnapshot(table proto.PeerTable) {
	snapshot := table.Clone()

	c.mu.Lock()
	c.latest = snapshot
	ws := c.conn
	c.mu.Unlock()
	if ws == nil {
		return
	}

	if err := c.write(ws, Message{Action: ActionSnapshot, Table: snapshot}); err != nil {
		c.logger.Printf("snapshot push failed: %v", err)
	}
}

func (c *Client) write(ws *websocket.Conn, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(msg)
}

func (c *Client) connectLoop() {
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		var ws *websocket.Conn
		policy := backoff.NewConstantBackOff(time.Second)
		err := backoff.Retry(func() error {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return nil
			}
			var err error
			ws, _, err = websocket.DefaultDialer.DialContext(context.Background(), c.addr, nil)
			return err
		}, policy)
		if err != nil || ws == nil {
			return
		}

		c.mu.Lock()
		c.conn = ws
		latest := c.latest
		c.mu.Unlock()

		if latest != nil {
			if werr := c.write(ws, Message{Action: ActionSnapshot, Table: latest}); werr != nil {
				c.logger.Printf("snapshot replay failed: %v", werr)
			}
		}

		c.readLoop(ws)

		c.mu.Lock()
		if c.conn == ws {
			c.conn = nil
		}
		closed = c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.logger.Printf("ipc link lost, reconnecting")
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			ws.Close()
			return
		}
		switch msg.Action {
		case ActionBan, ActionUnban:
			if c.onDirective != nil {
				c.onDirective(msg.Action, msg.UserID)
			}
		}
	}
}
