// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodkeys/rawchat/internal/proto"
)

// fakeCommander records the commands issued to the network context.
type fakeCommander struct {
	mu     sync.Mutex
	joins  []string
	leaves []string
	delay  time.Duration
	joinN  int32
}

func (f *fakeCommander) JoinChannel(ctx context.Context, channel string) error {
	atomic.AddInt32(&f.joinN, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.joins = append(f.joins, channel)
	f.mu.Unlock()
	return nil
}

func (f *fakeCommander) LeaveChannel(ctx context.Context, channel string) error {
	f.mu.Lock()
	f.leaves = append(f.leaves, channel)
	f.mu.Unlock()
	return nil
}

// fakeStore is an in-memory rejoin store.
type fakeStore struct {
	mu    sync.Mutex
	list  []string
	fresh bool
}

func newFakeStore(fresh bool, list ...string) *fakeStore {
	return &fakeStore{fresh: fresh, list: list}
}

func (f *fakeStore) Remember(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ch := range f.list {
		if ch == channel {
			f.list = append(f.list[:i], f.list[i+1:]...)
			break
		}
	}
	f.list = append(f.list, channel)
	return nil
}

func (f *fakeStore) Forget(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ch := range f.list {
		if ch == channel {
			f.list = append(f.list[:i], f.list[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeStore) RejoinList() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.list))
	copy(out, f.list)
	return out, nil
}

func (f *fakeStore) IsFresh() (bool, error) { return f.fresh, nil }
func (f *fakeStore) MarkInitialized() error { f.fresh = false; return nil }

func online(t *testing.T, c Commander, st RejoinStore, defaults ...string) *Manager {
	t.Helper()
	m := NewManager(c, st, defaults)
	m.mu.Lock()
	m.online = true
	m.mu.Unlock()
	return m
}

func TestJoinWhileOfflineIsRejectedBeforeAnyCommand(t *testing.T) {
	cmd := &fakeCommander{}
	m := NewManager(cmd, newFakeStore(true), nil)

	_, err := m.Join(context.Background(), "lobby")
	assert.ErrorIs(t, err, ErrNotOnline)
	assert.Zero(t, atomic.LoadInt32(&cmd.joinN))
}

func TestConcurrentJoinsIssueExactlyOneCommand(t *testing.T) {
	cmd := &fakeCommander{delay: 30 * time.Millisecond}
	m := online(t, cmd, newFakeStore(true))

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Join(context.Background(), "lobby")
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&cmd.joinN))
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
}

func TestJoinAlreadyJoinedReturnsExistingSession(t *testing.T) {
	cmd := &fakeCommander{}
	m := online(t, cmd, newFakeStore(true))

	s1, err := m.Join(context.Background(), "lobby")
	require.NoError(t, err)
	s2, err := m.Join(context.Background(), "lobby")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&cmd.joinN))
}

func TestLeaveNotJoinedIsNoOp(t *testing.T) {
	cmd := &fakeCommander{}
	m := online(t, cmd, newFakeStore(true))

	require.NoError(t, m.Leave(context.Background(), "ghost"))
	assert.Empty(t, cmd.leaves)
}

func TestLeaveForgetsRejoinEntry(t *testing.T) {
	cmd := &fakeCommander{}
	st := newFakeStore(false)
	m := online(t, cmd, st)

	_, err := m.Join(context.Background(), "lobby")
	require.NoError(t, err)
	require.NoError(t, m.Leave(context.Background(), "lobby"))

	list, _ := st.RejoinList()
	assert.Empty(t, list)
	assert.Equal(t, []string{"lobby"}, cmd.leaves)
}

func TestFreshClientJoinsDefaults(t *testing.T) {
	cmd := &fakeCommander{}
	st := newFakeStore(true)
	m := NewManager(cmd, st, []string{"lobby"})

	m.OnConnected(context.Background())

	assert.Equal(t, []string{"lobby"}, cmd.joins)
	fresh, _ := st.IsFresh()
	assert.False(t, fresh)
}

func TestReturningClientReplaysRejoinListInOrder(t *testing.T) {
	cmd := &fakeCommander{}
	st := newFakeStore(false, "music", "go", "lobby")
	m := NewManager(cmd, st, []string{"lobby"})

	m.OnConnected(context.Background())

	assert.Equal(t, []string{"music", "go", "lobby"}, cmd.joins)
}

func TestEmptyRejoinListFallsBackToDefaults(t *testing.T) {
	cmd := &fakeCommander{}
	st := newFakeStore(false)
	m := NewManager(cmd, st, []string{"lobby"})

	m.OnConnected(context.Background())

	assert.Equal(t, []string{"lobby"}, cmd.joins)
}

func TestRejoinListKeepsMostRecentLast(t *testing.T) {
	cmd := &fakeCommander{}
	st := newFakeStore(false)
	m := online(t, cmd, st)

	ctx := context.Background()
	for _, ch := range []string{"a", "b", "a"} {
		_, err := m.Join(ctx, ch)
		require.NoError(t, err)
	}
	// Rejoining a joined channel is a no-op, so force a fresh cycle.
	require.NoError(t, m.Leave(ctx, "a"))
	_, err := m.Join(ctx, "a")
	require.NoError(t, err)

	list, _ := st.RejoinList()
	assert.Equal(t, []string{"b", "a"}, list)
}

func TestPeerIngestionIsIdempotentByPeerID(t *testing.T) {
	cmd := &fakeCommander{}
	m := online(t, cmd, newFakeStore(true))
	_, err := m.Join(context.Background(), "lobby")
	require.NoError(t, err)

	alice := proto.PeerRecord{PeerID: "p1", UserProfile: proto.Profile{Name: "alice"}}
	bob := proto.PeerRecord{PeerID: "p2", UserProfile: proto.Profile{Name: "bob"}}

	m.AddPeers("lobby", []proto.PeerRecord{alice, bob})
	m.AddPeers("lobby", []proto.PeerRecord{alice})
	assert.Len(t, m.Get("lobby").Peers(), 2)

	m.RemovePeers("lobby", []string{"p1", "missing"})
	peers := m.Get("lobby").Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "p2", peers[0].PeerID)

	m.ReplacePeers("lobby", []proto.PeerRecord{alice, alice, bob})
	assert.Len(t, m.Get("lobby").Peers(), 2)
}

func TestDisconnectDropsSessionsAndBlocksCommands(t *testing.T) {
	cmd := &fakeCommander{}
	m := online(t, cmd, newFakeStore(true))
	_, err := m.Join(context.Background(), "lobby")
	require.NoError(t, err)

	m.OnDisconnected()

	assert.Nil(t, m.Get("lobby"))
	_, err = m.Join(context.Background(), "lobby")
	assert.ErrorIs(t, err, ErrNotOnline)
}
