// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package directory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodkeys/rawchat/internal/node"
	"github.com/rodkeys/rawchat/internal/proto"
)

type fakeSnapshotter struct {
	mu     sync.Mutex
	pushes []proto.PeerTable
}

func (f *fakeSnapshotter) PushSnapshot(table proto.PeerTable) {
	f.mu.Lock()
	f.pushes = append(f.pushes, table)
	f.mu.Unlock()
}

func (f *fakeSnapshotter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

type registrarHarness struct {
	reg    *Registrar
	snap   *fakeSnapshotter
	net    *node.MemorySwarmNet
	client node.Swarm
	bans   *BanList
}

func newRegistrarHarness(t *testing.T) *registrarHarness {
	t.Helper()
	bans, err := LoadBanList(t.TempDir())
	require.NoError(t, err)

	net := node.NewMemorySwarmNet()
	regSwarm := net.Join("registrar", "mem://registrar")
	client := net.Join("client-1", "mem://client-1")

	snap := &fakeSnapshotter{}
	broker := node.NewMemoryPubSub()
	reg := NewRegistrar(regSwarm, broker.Attach("registrar"), nil, bans, snap)
	require.NoError(t, reg.Start(context.Background()))

	return &registrarHarness{reg: reg, snap: snap, net: net, client: client, bans: bans}
}

func (h *registrarHarness) join(t *testing.T, peerID, name string, channels ...string) {
	t.Helper()
	payload, err := json.Marshal(proto.PeerAnnouncement{
		PeerID:      peerID,
		UserProfile: proto.Profile{Name: name},
		Channels:    channels,
	})
	require.NoError(t, err)
	require.NoError(t, h.client.DialProtocol(context.Background(), "mem://registrar", proto.ProtocolPeerJoin, payload))
}

func (h *registrarHarness) leave(t *testing.T, peerID string, channels ...string) {
	t.Helper()
	payload, err := json.Marshal(proto.PeerAnnouncement{PeerID: peerID, Channels: channels})
	require.NoError(t, err)
	require.NoError(t, h.client.DialProtocol(context.Background(), "mem://registrar", proto.ProtocolPeerLeave, payload))
}

func TestPeerJoinCreatesTableEntry(t *testing.T) {
	h := newRegistrarHarness(t)

	h.join(t, "p1", "alice", "go")

	table := h.reg.Table()
	require.Len(t, table["go"], 1)
	assert.Equal(t, "p1", table["go"][0].PeerID)
	assert.Equal(t, "alice", table["go"][0].UserProfile.Name)
	assert.Equal(t, 1, h.snap.count())
}

func TestDuplicateJoinDoesNotDuplicateEntry(t *testing.T) {
	h := newRegistrarHarness(t)

	h.join(t, "p1", "alice", "go")
	h.join(t, "p1", "alice", "go")

	assert.Len(t, h.reg.Table()["go"], 1)
}

func TestJoinAppendsToEveryNamedChannel(t *testing.T) {
	h := newRegistrarHarness(t)

	h.join(t, "p1", "alice", "go", "music")

	table := h.reg.Table()
	assert.Len(t, table["go"], 1)
	assert.Len(t, table["music"], 1)
}

func TestJoinDialsBackCurrentPeerList(t *testing.T) {
	h := newRegistrarHarness(t)

	got := make(chan proto.ChannelPeers, 4)
	h.client.Handle(proto.ProtocolPeers, func(from string, payload []byte) {
		var cp proto.ChannelPeers
		require.NoError(t, json.Unmarshal(payload, &cp))
		got <- cp
	})

	h.join(t, "other", "bob", "go")
	h.join(t, "p1", "alice", "go")

	// Loopback dials are synchronous, so both dial-backs have landed.
	var last proto.ChannelPeers
	for len(got) > 0 {
		last = <-got
	}
	assert.Equal(t, "go", last.Channel)
	assert.Len(t, last.Peers, 2)
}

func TestPeerLeaveRemovesFromAllChannels(t *testing.T) {
	h := newRegistrarHarness(t)

	h.join(t, "p1", "alice", "go", "music")
	h.leave(t, "p1", "go")

	table := h.reg.Table()
	assert.Empty(t, table["go"])
	assert.Empty(t, table["music"])
}

func TestNetworkDisconnectRemovesPeerEverywhere(t *testing.T) {
	h := newRegistrarHarness(t)

	h.join(t, "client-1", "alice", "go", "music")
	h.net.Drop("client-1")

	table := h.reg.Table()
	assert.Empty(t, table["go"])
	assert.Empty(t, table["music"])
}

func TestBannedUserJoinIsIgnored(t *testing.T) {
	h := newRegistrarHarness(t)
	_, err := h.bans.BanUser("bad-id")
	require.NoError(t, err)

	payload, err := json.Marshal(proto.PeerAnnouncement{
		PeerID:       "p1",
		UserProfile:  proto.Profile{Name: "mallory"},
		UserIdentity: proto.IdentityRecord{ID: "bad-id"},
		Channels:     []string{"go"},
	})
	require.NoError(t, err)
	require.NoError(t, h.client.DialProtocol(context.Background(), "mem://registrar", proto.ProtocolPeerJoin, payload))

	assert.Empty(t, h.reg.Table()["go"])
}

func TestRejoinWithChangedProfilePushesSnapshot(t *testing.T) {
	h := newRegistrarHarness(t)

	h.join(t, "p1", "alice", "go")
	require.Equal(t, 1, h.snap.count())

	// A renamed profile is a table mutation: the refreshed record must reach
	// the API through a fresh snapshot, not sit stale until the next join.
	h.join(t, "p1", "alice-renamed", "go")

	assert.Equal(t, 2, h.snap.count())
	table := h.reg.Table()
	require.Len(t, table["go"], 1)
	assert.Equal(t, "alice-renamed", table["go"][0].UserProfile.Name)

	h.snap.mu.Lock()
	last := h.snap.pushes[len(h.snap.pushes)-1]
	h.snap.mu.Unlock()
	require.Len(t, last["go"], 1)
	assert.Equal(t, "alice-renamed", last["go"][0].UserProfile.Name)
}

func TestEveryMutationPushesSnapshot(t *testing.T) {
	h := newRegistrarHarness(t)

	h.join(t, "p1", "alice", "go")
	h.join(t, "p1", "alice", "go") // no mutation, no push
	h.leave(t, "p1", "go")

	assert.Equal(t, 2, h.snap.count())
}

func TestDirectiveBansPersistAndBroadcast(t *testing.T) {
	h := newRegistrarHarness(t)

	h.reg.ApplyDirective(context.Background(), "banUserID", "bad-id")
	assert.True(t, h.bans.UserBanned("bad-id"))

	h.reg.ApplyDirective(context.Background(), "unbanUserID", "bad-id")
	assert.False(t, h.bans.UserBanned("bad-id"))
}
