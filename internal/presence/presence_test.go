// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodkeys/rawchat/internal/node"
	"github.com/rodkeys/rawchat/internal/proto"
)

type harness struct {
	net    *node.MemorySwarmNet
	broker *node.MemoryPubSub
	boot   *node.MemorySwarm
	ann    *Announcer

	mu    sync.Mutex
	joins []proto.PeerAnnouncement
}

func newHarness(t *testing.T, cb Callbacks) *harness {
	t.Helper()
	h := &harness{
		net:    node.NewMemorySwarmNet(),
		broker: node.NewMemoryPubSub(),
	}
	h.boot = h.net.Join("boot-1", "mem://boot-1")
	h.boot.Handle(proto.ProtocolPeerJoin, func(from string, payload []byte) {
		var ann proto.PeerAnnouncement
		require.NoError(t, json.Unmarshal(payload, &ann))
		h.mu.Lock()
		h.joins = append(h.joins, ann)
		h.mu.Unlock()
	})

	clientSwarm := h.net.Join("client-1", "mem://client-1")
	self := proto.PeerRecord{
		PeerID:      "client-1",
		UserProfile: proto.Profile{Name: "alice"},
	}
	h.ann = New(clientSwarm, h.broker.Attach("client-1"), self, []string{"mem://boot-1"}, cb)
	require.NoError(t, h.ann.Start(context.Background()))
	t.Cleanup(h.ann.Close)
	return h
}

func (h *harness) joinCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.joins)
}

func TestJoinDialsAnnouncementToBootstrap(t *testing.T) {
	h := newHarness(t, Callbacks{})

	require.NoError(t, h.ann.JoinChannel(context.Background(), "go"))

	require.Equal(t, 1, h.joinCount())
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "client-1", h.joins[0].PeerID)
	assert.Equal(t, "alice", h.joins[0].UserProfile.Name)
	assert.Equal(t, []string{"go"}, h.joins[0].Channels)
}

func TestDialBackReachesChannelPeersCallback(t *testing.T) {
	got := make(chan proto.ChannelPeers, 1)
	h := newHarness(t, Callbacks{ChannelPeers: func(cp proto.ChannelPeers) { got <- cp }})

	payload, err := json.Marshal(proto.ChannelPeers{
		Channel: "go",
		Peers:   []proto.PeerRecord{{PeerID: "p2"}},
	})
	require.NoError(t, err)
	// The bootstrap dials back by peer ID over the established link.
	require.NoError(t, h.boot.DialProtocol(context.Background(), "client-1", proto.ProtocolPeers, payload))

	select {
	case cp := <-got:
		assert.Equal(t, "go", cp.Channel)
		require.Len(t, cp.Peers, 1)
	case <-time.After(time.Second):
		t.Fatal("dial-back never arrived")
	}
}

func TestLeaveDialsPeerLeft(t *testing.T) {
	left := make(chan proto.PeerAnnouncement, 1)
	h := newHarness(t, Callbacks{})
	h.boot.Handle(proto.ProtocolPeerLeave, func(from string, payload []byte) {
		var ann proto.PeerAnnouncement
		require.NoError(t, json.Unmarshal(payload, &ann))
		left <- ann
	})

	require.NoError(t, h.ann.JoinChannel(context.Background(), "go"))
	h.ann.LeaveChannel(context.Background(), "go")

	select {
	case ann := <-left:
		assert.Equal(t, []string{"go"}, ann.Channels)
	case <-time.After(time.Second):
		t.Fatal("leave dial never arrived")
	}
}

func TestBanAcceptedOnlyFromBootstrapPeers(t *testing.T) {
	var mu sync.Mutex
	var banned []string
	h := newHarness(t, Callbacks{Ban: func(id string) {
		mu.Lock()
		banned = append(banned, id)
		mu.Unlock()
	}})

	ev, err := json.Marshal(proto.PubsubEvent{
		Action: proto.EventActionUserIDBan,
		Name:   "ban",
		Args:   []any{"victim"},
	})
	require.NoError(t, err)

	// A stranger's ban must be ignored; the bootstrap's must apply.
	stranger := h.broker.Attach("stranger")
	require.NoError(t, stranger.Publish(context.Background(), proto.TopicUserIDBan, ev))

	boot := h.broker.Attach("boot-1")
	require.NoError(t, boot.Publish(context.Background(), proto.TopicUserIDBan, ev))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"victim"}, banned)
}

func TestReconnectReplaysJoinAnnouncements(t *testing.T) {
	h := newHarness(t, Callbacks{})
	require.NoError(t, h.ann.JoinChannel(context.Background(), "go"))
	require.Equal(t, 1, h.joinCount())

	// Drop the bootstrap node, then bring it back under the same address.
	h.net.Drop("boot-1")
	reborn := h.net.Join("boot-1", "mem://boot-1")
	reborn.Handle(proto.ProtocolPeerJoin, func(from string, payload []byte) {
		var ann proto.PeerAnnouncement
		if json.Unmarshal(payload, &ann) == nil {
			h.mu.Lock()
			h.joins = append(h.joins, ann)
			h.mu.Unlock()
		}
	})

	require.Eventually(t, func() bool {
		return h.joinCount() >= 2
	}, 5*time.Second, 50*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	last := h.joins[len(h.joins)-1]
	assert.Contains(t, last.Channels, "go")
}
