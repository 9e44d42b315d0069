// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package worker is the network-processing context: a single goroutine that
// consumes correlation-bus requests, drives the node collaborator, and
// pushes replies, events, and stream chunks back over the bus.
//
// All durable appends funnel through one commit queue with concurrency 1,
// spanning every channel: commits happen strictly in submission order.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/rodkeys/rawchat/internal/bus"
	"github.com/rodkeys/rawchat/internal/node"
	"github.com/rodkeys/rawchat/internal/presence"
	"github.com/rodkeys/rawchat/internal/proto"
)

// DefaultFetchTimeout is the blob-fetch inactivity timeout. A request may
// override it.
const DefaultFetchTimeout = 5 * time.Second

// =============================================================================
// REQUEST OPTIONS
// =============================================================================

// ChannelOptions selects a channel for join/leave.
type ChannelOptions struct {
	ChannelName string `json:"channelName"`
}

// SendTextOptions carries a text send.
type SendTextOptions struct {
	ChannelName string `json:"channelName"`
	Content     string `json:"content"`
}

// SendFileOptions carries a file send. The payload has already passed the
// client-side policy boundary.
type SendFileOptions struct {
	ChannelName string            `json:"channelName"`
	File        proto.FilePayload `json:"file"`
}

// GetFileOptions requests a streamed blob fetch. TimeoutSecs overrides the
// default inactivity timeout when positive.
type GetFileOptions struct {
	Hash        string `json:"hash"`
	TimeoutSecs int    `json:"timeoutSecs,omitempty"`
}

// =============================================================================
// WORKER
// =============================================================================

// Worker owns the network context's state. Everything except the commit
// queue and fetch streams runs on the single Run goroutine.
type Worker struct {
	bus      *bus.Bus
	node     *node.Node
	ann      *presence.Announcer
	self     proto.PeerRecord
	logger   *log.Logger
	fetchTTL time.Duration

	online bool
	feeds  map[string]*joinedFeed

	commits   chan commitJob
	commitsWG sync.WaitGroup
}

type joinedFeed struct {
	feed node.Feed
	stop chan struct{}
}

// commitJob is one queued durable append. The feed is captured at enqueue
// time on the control goroutine, so the commit loop never touches the feeds
// map. The done callback runs after the commit attempt, success or failure.
type commitJob struct {
	channel string
	feed    node.Feed
	value   proto.Value
	done    func(hash string, err error)
}

// New creates a worker. The announcer's callbacks must already forward into
// b (see Wire).
func New(b *bus.Bus, n *node.Node, ann *presence.Announcer, self proto.PeerRecord, fetchTTL time.Duration) *Worker {
	if fetchTTL <= 0 {
		fetchTTL = DefaultFetchTimeout
	}
	return &Worker{
		bus:      b,
		node:     n,
		ann:      ann,
		self:     self,
		logger:   log.New(log.Writer(), "[worker] ", log.LstdFlags),
		fetchTTL: fetchTTL,
		feeds:    make(map[string]*joinedFeed),
		commits:  make(chan commitJob, 256),
	}
}

// Wire builds the presence callbacks that forward inbound presence traffic
// onto the bus. Call it before constructing the announcer.
func Wire(b *bus.Bus) presence.Callbacks {
	return presence.Callbacks{
		ChannelPeers: func(cp proto.ChannelPeers) {
			b.Emit(bus.Event{
				Action: proto.EventActionPubsub,
				Name:   proto.EventUpdateRoomPeers,
				Args:   cp.Peers,
				Meta:   bus.EventMeta{ChannelName: cp.Channel},
			})
		},
		PubsubEvent: func(channel string, ev proto.PubsubEvent) {
			b.Emit(bus.Event{
				Action: proto.EventActionPubsub,
				Name:   ev.Name,
				Args:   ev.Args,
				Meta:   bus.EventMeta{ChannelName: channel},
			})
		},
		Ban: func(userID string) {
			b.Emit(bus.Event{Action: proto.EventActionUserIDBan, Name: "ban", Args: userID})
		},
		Unban: func(userID string) {
			b.Emit(bus.Event{Action: proto.EventActionUserIDBan, Name: "unban", Args: userID})
		},
	}
}

// Run consumes bus requests until the bus closes or ctx is done. It is the
// network context's only control goroutine.
func (w *Worker) Run(ctx context.Context) {
	w.commitsWG.Add(1)
	go w.commitLoop()

	defer func() {
		close(w.commits)
		w.commitsWG.Wait()
	}()

	for {
		select {
		case req := <-w.bus.Requests():
			w.dispatch(ctx, req)
		case <-w.bus.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, req bus.Request) {
	switch req.Action {
	case proto.ActionNetworkStart:
		w.handleStart(ctx, req)
	case proto.ActionNetworkStop:
		w.handleStop(ctx, req)
	case proto.ActionJoinChannel:
		w.handleJoin(ctx, req)
	case proto.ActionLeaveChannel:
		w.handleLeave(ctx, req)
	case proto.ActionSendText:
		w.handleSendText(req)
	case proto.ActionSendFile:
		w.handleSendFile(ctx, req)
	case proto.ActionGetFile:
		w.handleGetFile(req)
	default:
		w.bus.RespondError(req.Key, fmt.Sprintf("unknown action %q", req.Action))
	}
}

// decode re-marshals the loosely typed options into the expected shape.
func decode(options any, into any) error {
	data, err := json.Marshal(options)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}

// =============================================================================
// NETWORK LIFECYCLE
// =============================================================================

func (w *Worker) handleStart(ctx context.Context, req bus.Request) {
	if w.online {
		w.bus.Respond(req.Key, true)
		return
	}
	if err := w.ann.Start(ctx); err != nil {
		w.bus.RespondError(req.Key, err.Error())
		return
	}
	w.online = true
	w.bus.Respond(req.Key, true)
	w.bus.Emit(bus.Event{Action: proto.EventActionNetwork, Name: proto.EventConnected})
}

func (w *Worker) handleStop(ctx context.Context, req bus.Request) {
	for name := range w.feeds {
		w.teardownFeed(ctx, name)
	}
	w.ann.Close()
	w.online = false
	w.bus.Respond(req.Key, true)
	w.bus.Emit(bus.Event{Action: proto.EventActionNetwork, Name: proto.EventDisconnected})
}

// =============================================================================
// JOIN / LEAVE
// =============================================================================

func (w *Worker) handleJoin(ctx context.Context, req bus.Request) {
	var opts ChannelOptions
	if err := decode(req.Options, &opts); err != nil || opts.ChannelName == "" {
		w.bus.RespondError(req.Key, "channelName required")
		return
	}
	if _, ok := w.feeds[opts.ChannelName]; ok {
		w.bus.Respond(req.Key, true)
		return
	}

	feed, err := w.node.Logs.Join(ctx, opts.ChannelName)
	if err != nil {
		if errors.Is(err, node.ErrStorageCorrupt) {
			w.escalateStorage(err)
		}
		w.bus.RespondError(req.Key, err.Error())
		return
	}

	jf := &joinedFeed{feed: feed, stop: make(chan struct{})}
	w.feeds[opts.ChannelName] = jf
	go w.pumpFeed(opts.ChannelName, jf)
	feed.Load(-1)

	if err := w.ann.JoinChannel(ctx, opts.ChannelName); err != nil {
		w.logger.Printf("presence join for %s failed: %v", opts.ChannelName, err)
	}

	w.bus.Respond(req.Key, true)
	w.bus.Emit(bus.Event{
		Action: proto.EventActionNetwork,
		Name:   proto.EventJoined,
		Args:   opts.ChannelName,
		Meta:   bus.EventMeta{ChannelName: opts.ChannelName},
	})
}

func (w *Worker) handleLeave(ctx context.Context, req bus.Request) {
	var opts ChannelOptions
	if err := decode(req.Options, &opts); err != nil || opts.ChannelName == "" {
		w.bus.RespondError(req.Key, "channelName required")
		return
	}
	if _, ok := w.feeds[opts.ChannelName]; !ok {
		w.bus.Respond(req.Key, true)
		return
	}

	w.teardownFeed(ctx, opts.ChannelName)
	w.bus.Respond(req.Key, true)
	w.bus.Emit(bus.Event{
		Action: proto.EventActionNetwork,
		Name:   proto.EventLeft,
		Args:   opts.ChannelName,
		Meta:   bus.EventMeta{ChannelName: opts.ChannelName},
	})
}

func (w *Worker) teardownFeed(ctx context.Context, channel string) {
	jf, ok := w.feeds[channel]
	if !ok {
		return
	}
	delete(w.feeds, channel)
	close(jf.stop)
	w.ann.LeaveChannel(ctx, channel)
	if err := w.node.Logs.Leave(ctx, channel); err != nil {
		w.logger.Printf("leave %s: %v", channel, err)
	}
}

// pumpFeed forwards feed lifecycle events onto the bus as channel events
// with replication status metadata.
func (w *Worker) pumpFeed(channel string, jf *joinedFeed) {
	for {
		select {
		case ev, ok := <-jf.feed.Events():
			if !ok {
				return
			}
			w.bus.Emit(bus.Event{
				Action: proto.EventActionChannel,
				Name:   ev.Name,
				Args:   ev.Entry,
				Meta: bus.EventMeta{
					ChannelName: channel,
					ReplicationStatus: bus.ReplicationStatus{
						Progress: ev.Status.Progress,
						Max:      ev.Status.Max,
					},
				},
			})
		case <-jf.stop:
			return
		}
	}
}

// =============================================================================
// SEND PIPELINE
// =============================================================================

// tempID derives the optimistic echo's temporary id from the current time.
func tempID(now time.Time) string {
	return "tempHashDate" + strconv.FormatInt(now.UnixMilli(), 10)
}

func (w *Worker) handleSendText(req bus.Request) {
	var opts SendTextOptions
	if err := decode(req.Options, &opts); err != nil || opts.ChannelName == "" {
		w.bus.RespondError(req.Key, "channelName required")
		return
	}
	if _, ok := w.feeds[opts.ChannelName]; !ok {
		w.bus.RespondError(req.Key, node.ErrNotJoined.Error())
		return
	}

	value := proto.Value{
		Content: opts.Content,
		Meta: proto.Meta{
			TS:   time.Now().UnixMilli(),
			From: w.self.UserProfile,
			Type: proto.MessageTypeText,
		},
	}
	w.enqueueSend(opts.ChannelName, value)
	w.bus.Respond(req.Key, true)
}

func (w *Worker) handleSendFile(ctx context.Context, req bus.Request) {
	var opts SendFileOptions
	if err := decode(req.Options, &opts); err != nil || opts.ChannelName == "" {
		w.bus.RespondError(req.Key, "channelName required")
		return
	}
	if _, ok := w.feeds[opts.ChannelName]; !ok {
		w.bus.RespondError(req.Key, node.ErrNotJoined.Error())
		return
	}

	hash, err := w.node.Blobs.Add(ctx, opts.File.Buffer)
	if err != nil {
		if errors.Is(err, node.ErrStorageCorrupt) {
			w.escalateStorage(err)
		}
		w.bus.RespondError(req.Key, err.Error())
		return
	}

	content, err := json.Marshal(map[string]any{
		"hash":     hash,
		"filename": opts.File.Filename,
		"mimeType": opts.File.Meta.MimeType,
		"size":     opts.File.Meta.Size,
	})
	if err != nil {
		w.bus.RespondError(req.Key, err.Error())
		return
	}

	value := proto.Value{
		Content: string(content),
		Meta: proto.Meta{
			TS:   time.Now().UnixMilli(),
			From: w.self.UserProfile,
			Type: proto.MessageTypeFile,
		},
	}
	w.enqueueSend(opts.ChannelName, value)
	w.bus.Respond(req.Key, hash)
}

// enqueueSend emits the optimistic echo and queues the durable append. The
// echo's removal fires exactly once, after the commit attempt completes,
// whether or not the append succeeded.
func (w *Worker) enqueueSend(channel string, value proto.Value) {
	jf := w.feeds[channel]
	id := tempID(time.Now())

	echo := proto.Entry{
		Hash:     id,
		Key:      w.self.UserIdentity.PublicKey,
		Identity: w.self.UserIdentity,
		Payload:  proto.Payload{Op: proto.OpAdd, Value: value},
	}
	echo.Payload.Value.Meta.Type = proto.MessageTypeTemp
	w.bus.Emit(bus.Event{
		Action: proto.EventActionChannel,
		Name:   proto.EventTempWrite,
		Args:   echo,
		Meta:   bus.EventMeta{ChannelName: channel},
	})

	w.commits <- commitJob{
		channel: channel,
		feed:    jf.feed,
		value:   value,
		done: func(hash string, err error) {
			if err != nil {
				// Acknowledged gap: a failed append is only logged; the
				// echo is still removed below, leaving no durable entry.
				w.logger.Printf("commit to %s failed: %v", channel, err)
			}
			w.bus.Emit(bus.Event{
				Action: proto.EventActionChannel,
				Name:   proto.EventTempDelete,
				Args:   id,
				Meta:   bus.EventMeta{ChannelName: channel},
			})
		},
	}
}

// commitLoop drains the global commit queue one job at a time, preserving
// submission order across all channels.
func (w *Worker) commitLoop() {
	defer w.commitsWG.Done()
	for job := range w.commits {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		hash, err := job.feed.Append(ctx, job.value)
		cancel()
		if err != nil && errors.Is(err, node.ErrStorageCorrupt) {
			w.escalateStorage(err)
		}
		job.done(hash, err)
	}
}

// =============================================================================
// BLOB FETCH
// =============================================================================

func (w *Worker) handleGetFile(req bus.Request) {
	var opts GetFileOptions
	if err := decode(req.Options, &opts); err != nil || opts.Hash == "" {
		w.bus.RespondError(req.Key, "hash required")
		return
	}
	timeout := w.fetchTTL
	if opts.TimeoutSecs > 0 {
		timeout = time.Duration(opts.TimeoutSecs) * time.Second
	}

	w.bus.Respond(req.Key, true)
	go w.fetch(opts.Hash, timeout)
}

// fetch streams the blob over the bus's stream sub-protocol. The inactivity
// timer resets on every chunk: a slow but steady source never times out, a
// silent one is aborted.
func (w *Worker) fetch(hash string, timeout time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks, err := w.node.Blobs.Cat(ctx, hash)
	if err != nil {
		w.bus.EmitStream(bus.StreamEvent{Kind: bus.StreamError, Hash: hash, Err: err.Error()})
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				w.bus.EmitStream(bus.StreamEvent{Kind: bus.StreamEnd, Hash: hash})
				return
			}
			if chunk.Err != nil {
				w.bus.EmitStream(bus.StreamEvent{Kind: bus.StreamError, Hash: hash, Err: chunk.Err.Error()})
				return
			}
			w.bus.EmitStream(bus.StreamEvent{Kind: bus.StreamData, Hash: hash, Chunk: chunk.Data})
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
		case <-timer.C:
			w.bus.EmitStream(bus.StreamEvent{
				Kind: bus.StreamError,
				Hash: hash,
				Err:  fmt.Sprintf("fetch timed out after %s of inactivity", timeout),
			})
			return
		}
	}
}

// =============================================================================
// STORAGE ESCALATION
// =============================================================================

// escalateStorage reports unrecoverable storage corruption. The client side
// reacts by wiping local state; retrying here would be useless.
func (w *Worker) escalateStorage(err error) {
	w.logger.Printf("storage corruption detected: %v", err)
	w.bus.Emit(bus.Event{Action: proto.EventActionStorageError, Name: "corrupt", Args: err.Error()})
}
