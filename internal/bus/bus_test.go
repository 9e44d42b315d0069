// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallMatchesReplyByKey(t *testing.T) {
	b := New()
	defer b.Close()

	go func() {
		req := <-b.Requests()
		assert.Equal(t, "channel:join", req.Action)
		b.Respond(req.Key, "ok")
	}()

	resp, err := b.Call(context.Background(), "channel:join", map[string]string{"channelName": "lobby"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Result)
}

func TestCallSurfacesRemoteError(t *testing.T) {
	b := New()
	defer b.Close()

	go func() {
		req := <-b.Requests()
		b.RespondError(req.Key, "channel not joined")
	}()

	_, err := b.Call(context.Background(), "channel:leave", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemote))
	assert.Contains(t, err.Error(), "channel not joined")
}

func TestCallRespectsContextCancellation(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Call(ctx, "network:start", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResponseForUnknownKeyIsDropped(t *testing.T) {
	b := New()
	defer b.Close()

	// Must not panic or block.
	b.Respond("no-such-key", "result")
	b.RespondError("no-such-key", "boom")
}

func TestStreamDeliversChunksThenDeregistersOnEnd(t *testing.T) {
	b := New()
	defer b.Close()

	var got [][]byte
	ends := 0
	b.Stream("hash-1", func(ev StreamEvent) {
		switch ev.Kind {
		case StreamData:
			got = append(got, ev.Chunk)
		case StreamEnd:
			ends++
		}
	})

	b.EmitStream(StreamEvent{Kind: StreamData, Hash: "hash-1", Chunk: []byte("aa")})
	b.EmitStream(StreamEvent{Kind: StreamData, Hash: "hash-1", Chunk: []byte("bb")})
	b.EmitStream(StreamEvent{Kind: StreamEnd, Hash: "hash-1"})

	// Post-terminal events must not reach the deregistered listener.
	b.EmitStream(StreamEvent{Kind: StreamData, Hash: "hash-1", Chunk: []byte("cc")})

	assert.Equal(t, [][]byte{[]byte("aa"), []byte("bb")}, got)
	assert.Equal(t, 1, ends)
}

func TestStreamDeregistersOnError(t *testing.T) {
	b := New()
	defer b.Close()

	var errs []string
	b.Stream("hash-2", func(ev StreamEvent) {
		if ev.Kind == StreamError {
			errs = append(errs, ev.Err)
		}
	})

	b.EmitStream(StreamEvent{Kind: StreamError, Hash: "hash-2", Err: "timeout"})
	b.EmitStream(StreamEvent{Kind: StreamError, Hash: "hash-2", Err: "again"})

	assert.Equal(t, []string{"timeout"}, errs)
}

func TestStreamCancelRemovesListener(t *testing.T) {
	b := New()
	defer b.Close()

	calls := 0
	cancel := b.Stream("hash-3", func(StreamEvent) { calls++ })
	cancel()

	b.EmitStream(StreamEvent{Kind: StreamData, Hash: "hash-3", Chunk: []byte("x")})
	assert.Zero(t, calls)
}

func TestEmitDispatchesByActionAndName(t *testing.T) {
	b := New()
	defer b.Close()

	var writes, other int
	b.Handle("channel-event", "write", func(Event) { writes++ })
	b.Handle("channel-event", "ready", func(Event) { other++ })

	b.Emit(Event{Action: "channel-event", Name: "write"})
	b.Emit(Event{Action: "channel-event", Name: "write"})
	b.Emit(Event{Action: "network-event", Name: "write"})

	assert.Equal(t, 2, writes)
	assert.Zero(t, other)
}

func TestCallAfterCloseFails(t *testing.T) {
	b := New()
	b.Close()

	_, err := b.Call(context.Background(), "network:start", nil)
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestCloseUnblocksCallersParkedOnFullBuffer(t *testing.T) {
	b := New()

	// No consumer: the first 64 calls fill the request buffer and the rest
	// park on the send. Close must fail every one of them cleanly.
	const callers = 80
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := b.Call(context.Background(), "channel:join", nil)
			errs <- err
		}()
	}

	// Let the callers reach the send before closing.
	time.Sleep(50 * time.Millisecond)
	b.Close()

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrBusClosed)
		case <-time.After(3 * time.Second):
			t.Fatal("caller still blocked after close")
		}
	}
}
