// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// =============================================================================
// MESSAGE TYPES
// =============================================================================

// Request is one command sent to the network context. Key is the correlation
// key; a request with an empty key expects no reply.
type Request struct {
	Action  string
	Options any
	Key     string
}

// Response is the reply retiring one correlation key. Exactly one of Result
// or ErrorMsg is meaningful.
type Response struct {
	Key      string
	Result   any
	ErrorMsg string
}

// Event is an unsolicited push from the network context: connection state
// changes, channel feed events, pubsub presence events, ban directives.
// It carries no correlation key and is dispatched by (Action, Name).
type Event struct {
	Action string
	Name   string
	Args   any
	Meta   EventMeta
}

// EventMeta carries per-event context such as the channel the event belongs
// to and its replication status at emit time.
type EventMeta struct {
	ChannelName       string
	ReplicationStatus ReplicationStatus
	Peers             any
}

// ReplicationStatus mirrors the log feed's load/replication progress.
type ReplicationStatus struct {
	Progress int `json:"progress"`
	Max      int `json:"max"`
}

// StreamEventKind distinguishes the three stream sub-protocol events.
type StreamEventKind string

const (
	// StreamData carries one chunk of a transfer.
	StreamData StreamEventKind = "data"

	// StreamEnd terminates a transfer successfully.
	StreamEnd StreamEventKind = "end"

	// StreamError terminates a transfer with an error.
	StreamError StreamEventKind = "error"
)

// StreamEvent is one event of a chunked transfer, keyed by content hash.
// A listener sees zero or more data events followed by exactly one end or
// error event.
type StreamEvent struct {
	Kind  StreamEventKind
	Hash  string
	Chunk []byte
	Err   string
}

// Terminal reports whether this event ends the transfer.
func (e StreamEvent) Terminal() bool {
	return e.Kind == StreamEnd || e.Kind == StreamError
}

// StreamHandler receives stream events for one content hash.
type StreamHandler func(StreamEvent)

// EventHandler receives unsolicited events for one (action, name) pair.
type EventHandler func(Event)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrBusClosed is returned for calls made after Close.
	ErrBusClosed = errors.New("bus closed")

	// ErrRemote wraps an error message reported by the network context.
	ErrRemote = errors.New("network context error")
)

// RemoteError is a reply-side failure surfaced to the caller.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return e.Msg }

// Is lets callers match any remote failure with errors.Is(err, ErrRemote).
func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// =============================================================================
// BUS
// =============================================================================

type handlerKey struct {
	action string
	name   string
}

// Bus is the only channel between the client context and the network
// context. The client side issues correlated requests and registers stream
// and event handlers; the worker side consumes requests and pushes replies
// and events.
type Bus struct {
	mu       sync.Mutex
	pending  map[string]chan Response
	streams  map[string][]StreamHandler
	handlers map[handlerKey][]EventHandler
	requests chan Request
	done     chan struct{}
	closed   bool
}

// New creates a bus. The request channel is buffered so the client side
// never blocks on a busy worker for fire-and-forget commands.
func New() *Bus {
	return &Bus{
		pending:  make(map[string]chan Response),
		streams:  make(map[string][]StreamHandler),
		handlers: make(map[handlerKey][]EventHandler),
		requests: make(chan Request, 64),
		done:     make(chan struct{}),
	}
}

// Close tears the bus down. In-flight calls fail with ErrBusClosed, including
// callers parked on a full request buffer. The request channel itself is
// never closed: a Call racing Close must not panic on a closed-channel send,
// so shutdown is signaled through done instead.
// An envelope whose reply never arrives is only ever leaked if the network
// context dies without closing the bus; that failure mode is accepted.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.pending
	b.pending = map[string]chan Response{}
	close(b.done)
	b.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// =============================================================================
// CLIENT SIDE
// =============================================================================

// Call sends a request stamped with a fresh correlation key and blocks until
// the matching reply arrives or ctx is done. The bus applies no timeout of
// its own; callers needing a deadline bring their own ctx.
func (b *Bus) Call(ctx context.Context, action string, options any) (Response, error) {
	key := uuid.New().String()
	replyCh := make(chan Response, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Response{}, ErrBusClosed
	}
	b.pending[key] = replyCh
	b.mu.Unlock()

	select {
	case b.requests <- Request{Action: action, Options: options, Key: key}:
	case <-b.done:
		b.forget(key)
		return Response{}, ErrBusClosed
	case <-ctx.Done():
		b.forget(key)
		return Response{}, ctx.Err()
	}

	select {
	case resp, ok := <-replyCh:
		if !ok {
			return Response{}, ErrBusClosed
		}
		if resp.ErrorMsg != "" {
			return resp, &RemoteError{Msg: resp.ErrorMsg}
		}
		return resp, nil
	case <-ctx.Done():
		b.forget(key)
		return Response{}, ctx.Err()
	}
}

// Stream registers a handler for the transfer identified by hash. The
// handler is deregistered automatically when it receives a terminal event.
// The returned cancel func removes it early.
func (b *Bus) Stream(hash string, fn StreamHandler) (cancel func()) {
	b.mu.Lock()
	b.streams[hash] = append(b.streams[hash], fn)
	b.mu.Unlock()

	return func() { b.dropStream(hash) }
}

// Handle registers a handler for unsolicited events matching the
// (action, name) pair. Dispatch is by tag, never by correlation key.
func (b *Bus) Handle(action, name string, fn EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := handlerKey{action: action, name: name}
	b.handlers[k] = append(b.handlers[k], fn)
}

func (b *Bus) forget(key string) {
	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
}

func (b *Bus) dropStream(hash string) {
	b.mu.Lock()
	delete(b.streams, hash)
	b.mu.Unlock()
}

// =============================================================================
// WORKER SIDE
// =============================================================================

// Requests returns the channel the network context consumes. It is never
// closed; consumers select on Done to observe shutdown.
func (b *Bus) Requests() <-chan Request {
	return b.requests
}

// Done is closed when the bus shuts down.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Respond retires the correlation key with a result. A reply for an unknown
// key is dropped: the caller either abandoned the call or never existed.
func (b *Bus) Respond(key string, result any) {
	b.deliver(Response{Key: key, Result: result})
}

// RespondError retires the correlation key with an error message.
func (b *Bus) RespondError(key string, errMsg string) {
	b.deliver(Response{Key: key, ErrorMsg: errMsg})
}

func (b *Bus) deliver(resp Response) {
	if resp.Key == "" {
		return
	}
	b.mu.Lock()
	ch, ok := b.pending[resp.Key]
	delete(b.pending, resp.Key)
	b.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// Emit pushes an unsolicited event to every handler registered for its
// (action, name) pair. Handlers run on the caller's goroutine, so the
// network context observes its own emits in order.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	fns := append([]EventHandler(nil), b.handlers[handlerKey{ev.Action, ev.Name}]...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// EmitStream pushes one stream event to the listeners for its hash and
// deregisters them if the event is terminal.
func (b *Bus) EmitStream(ev StreamEvent) {
	b.mu.Lock()
	fns := append([]StreamHandler(nil), b.streams[ev.Hash]...)
	if ev.Terminal() {
		delete(b.streams, ev.Hash)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
