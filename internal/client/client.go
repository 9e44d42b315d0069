// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client is the UI-facing proxy over the correlation bus: typed
// wrappers for every network command, the send-file policy boundary, the
// streamed fetch helper, and the unsolicited-event observer registry.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/rodkeys/rawchat/internal/bus"
	"github.com/rodkeys/rawchat/internal/imaging"
	"github.com/rodkeys/rawchat/internal/proto"
	"github.com/rodkeys/rawchat/internal/store"
	"github.com/rodkeys/rawchat/internal/worker"
)

// =============================================================================
// POLICY
// =============================================================================

// MaxSendFileSize is the hard attachment ceiling. Files at or above it are
// rejected before anything touches the network.
const MaxSendFileSize = 5242880 // 5 MiB

// ErrFileTooLarge rejects attachments at or over MaxSendFileSize.
var ErrFileTooLarge = fmt.Errorf("file exceeds the %d byte limit", MaxSendFileSize)

// =============================================================================
// PROXY
// =============================================================================

// Proxy wraps the client side of the bus. It is safe for concurrent use.
type Proxy struct {
	bus    *bus.Bus
	store  *store.Store
	logger *log.Logger

	mu     sync.Mutex
	banned map[string]bool // user IDs banned by the directory
}

// New creates a proxy and wires the always-on observers: storage corruption
// triggers the destructive recovery path, ban directives apply locally.
func New(b *bus.Bus, st *store.Store) *Proxy {
	p := &Proxy{
		bus:    b,
		store:  st,
		logger: log.New(log.Writer(), "[client] ", log.LstdFlags),
		banned: make(map[string]bool),
	}

	b.Handle(proto.EventActionStorageError, "corrupt", func(bus.Event) {
		p.logger.Printf("local storage corrupt, wiping")
		if err := st.Wipe(); err != nil {
			p.logger.Printf("wipe failed: %v", err)
		}
	})
	b.Handle(proto.EventActionUserIDBan, "ban", func(ev bus.Event) {
		if id, ok := ev.Args.(string); ok {
			p.mu.Lock()
			p.banned[id] = true
			p.mu.Unlock()
		}
	})
	b.Handle(proto.EventActionUserIDBan, "unban", func(ev bus.Event) {
		if id, ok := ev.Args.(string); ok {
			p.mu.Lock()
			delete(p.banned, id)
			p.mu.Unlock()
		}
	})
	return p
}

// On registers an observer for unsolicited events with the given action and
// name, e.g. channel-event / write.
func (p *Proxy) On(action, name string, fn func(bus.Event)) {
	p.bus.Handle(action, name, fn)
}

// IsBanned reports whether the directory has banned userID. Messages from
// banned identities are suppressed at render time.
func (p *Proxy) IsBanned(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.banned[userID]
}

// =============================================================================
// COMMANDS
// =============================================================================

// StartNetwork brings the network context online.
func (p *Proxy) StartNetwork(ctx context.Context) error {
	_, err := p.bus.Call(ctx, proto.ActionNetworkStart, nil)
	return err
}

// StopNetwork takes the network context offline, leaving every channel.
func (p *Proxy) StopNetwork(ctx context.Context) error {
	_, err := p.bus.Call(ctx, proto.ActionNetworkStop, nil)
	return err
}

// JoinChannel joins a channel feed and announces presence.
func (p *Proxy) JoinChannel(ctx context.Context, channel string) error {
	_, err := p.bus.Call(ctx, proto.ActionJoinChannel, worker.ChannelOptions{ChannelName: channel})
	return err
}

// LeaveChannel leaves a channel feed and withdraws presence.
func (p *Proxy) LeaveChannel(ctx context.Context, channel string) error {
	_, err := p.bus.Call(ctx, proto.ActionLeaveChannel, worker.ChannelOptions{ChannelName: channel})
	return err
}

// SendText submits a text message. The optimistic echo and its removal
// arrive as channel events; the call returns once the send is queued.
func (p *Proxy) SendText(ctx context.Context, channel, content string) error {
	_, err := p.bus.Call(ctx, proto.ActionSendText, worker.SendTextOptions{
		ChannelName: channel,
		Content:     content,
	})
	return err
}

// SendFile submits a file attachment after the policy boundary: files at or
// over 5 MiB are rejected outright, and non-GIF images over the preview
// budget are recompressed to a bounded JPEG before hashing. Returns the
// stored blob's content hash.
func (p *Proxy) SendFile(ctx context.Context, channel string, file proto.FilePayload) (string, error) {
	if int64(len(file.Buffer)) >= MaxSendFileSize || file.Meta.Size >= MaxSendFileSize {
		return "", ErrFileTooLarge
	}

	if imaging.IsImageMime(file.Meta.MimeType) && !imaging.IsGIF(file.Meta.MimeType) &&
		len(file.Buffer) > imaging.PreviewBudget {
		preview, err := imaging.Preview(file.Buffer)
		if err != nil {
			return "", fmt.Errorf("failed to build preview: %w", err)
		}
		file.Buffer = preview
		file.Meta.MimeType = "image/jpeg"
		file.Meta.Size = int64(len(preview))
	}

	resp, err := p.bus.Call(ctx, proto.ActionSendFile, worker.SendFileOptions{
		ChannelName: channel,
		File:        file,
	})
	if err != nil {
		return "", err
	}
	hash, _ := resp.Result.(string)
	return hash, nil
}

// =============================================================================
// STREAMED FETCH
// =============================================================================

// GetFile fetches a blob by content hash, invoking onChunk for every chunk
// as it arrives, and returns the concatenated buffer. A nil onChunk is fine
// for callers that only want the whole buffer. The fetch aborts with an
// error after the worker's inactivity timeout (timeoutSecs overrides it
// when positive).
func (p *Proxy) GetFile(ctx context.Context, hash string, timeoutSecs int, onChunk func([]byte)) ([]byte, error) {
	var (
		buf  []byte
		done = make(chan error, 1)
	)

	// Register the stream listener before issuing the request so no chunk
	// can slip through ahead of it.
	cancel := p.bus.Stream(hash, func(ev bus.StreamEvent) {
		switch ev.Kind {
		case bus.StreamData:
			buf = append(buf, ev.Chunk...)
			if onChunk != nil {
				onChunk(ev.Chunk)
			}
		case bus.StreamEnd:
			done <- nil
		case bus.StreamError:
			done <- errors.New(ev.Err)
		}
	})
	defer cancel()

	if _, err := p.bus.Call(ctx, proto.ActionGetFile, worker.GetFileOptions{
		Hash:        hash,
		TimeoutSecs: timeoutSecs,
	}); err != nil {
		return nil, err
	}

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
