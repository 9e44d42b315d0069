// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package presence implements the bootstrap side of channel presence: join
// and leave announcements dialed to every bootstrap node, per-channel topic
// subscriptions, the discovery-topic publish, and the unbounded reconnect
// loop that replays announcements after a bootstrap drop.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rodkeys/rawchat/internal/node"
	"github.com/rodkeys/rawchat/internal/proto"
)

// =============================================================================
// CALLBACKS
// =============================================================================

// Callbacks receive the announcer's inbound traffic. Nil members are skipped.
type Callbacks struct {
	// ChannelPeers receives the registrar's dial-back carrying the full
	// up-to-date peer list for one channel.
	ChannelPeers func(proto.ChannelPeers)

	// PubsubEvent receives presence events broadcast on a channel topic.
	PubsubEvent func(channel string, ev proto.PubsubEvent)

	// Ban receives user-ban directives. Only directives published by a
	// connected bootstrap peer reach this callback.
	Ban func(userID string)

	// Unban is the inverse directive, same trust rule.
	Unban func(userID string)
}

// =============================================================================
// ANNOUNCER
// =============================================================================

// Announcer owns the client's presence protocol state. All methods are safe
// for use from the single network-context goroutine plus the internal
// reconnect goroutines.
type Announcer struct {
	swarm     node.Swarm
	pubsub    node.PubSub
	self      proto.PeerRecord
	bootstrap []string
	callbacks Callbacks
	logger    *log.Logger

	mu             sync.Mutex
	bootstrapPeers map[string]string // peer ID -> address
	topicCancels   map[string]func() // channel -> unsubscribe
	joined         map[string]bool
	announced      map[string]bool // channels already published on the discovery topic
	closed         bool
}

// New creates an announcer for self, dialing the given bootstrap addresses.
func New(swarm node.Swarm, pubsub node.PubSub, self proto.PeerRecord, bootstrap []string, cb Callbacks) *Announcer {
	return &Announcer{
		swarm:          swarm,
		pubsub:         pubsub,
		self:           self,
		bootstrap:      bootstrap,
		callbacks:      cb,
		logger:         log.New(log.Writer(), "[presence] ", log.LstdFlags),
		bootstrapPeers: make(map[string]string),
		topicCancels:   make(map[string]func()),
		joined:         make(map[string]bool),
		announced:      make(map[string]bool),
	}
}

// Start connects to every bootstrap node, registers the dial-back handler,
// subscribes the ban topic, and arms the reconnect loop. Individual
// bootstrap dial failures are not fatal; they feed the reconnect loop.
func (a *Announcer) Start(ctx context.Context) error {
	a.swarm.Handle(proto.ProtocolPeers, a.onChannelPeersDialback)
	a.swarm.OnDisconnect(a.onDisconnect)

	if _, err := a.pubsub.Subscribe(ctx, proto.TopicUserIDBan, a.onBanMessage); err != nil {
		return err
	}

	for _, addr := range a.bootstrap {
		peerID, err := a.swarm.Connect(ctx, addr)
		if err != nil {
			a.logger.Printf("bootstrap %s unreachable, retrying: %v", addr, err)
			go a.reconnect(addr)
			continue
		}
		a.mu.Lock()
		a.bootstrapPeers[peerID] = addr
		a.mu.Unlock()
	}
	return nil
}

// Close stops the reconnect loops.
func (a *Announcer) Close() {
	a.mu.Lock()
	a.closed = true
	cancels := a.topicCancels
	a.topicCancels = make(map[string]func())
	a.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// =============================================================================
// JOIN / LEAVE
// =============================================================================

// JoinChannel subscribes the channel topic, dials the peer-join announcement
// to every bootstrap node, and schedules the discovery publish.
func (a *Announcer) JoinChannel(ctx context.Context, channel string) error {
	cancel, err := a.pubsub.Subscribe(ctx, channel, func(msg node.Message) {
		a.onTopicMessage(channel, msg)
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	if old, ok := a.topicCancels[channel]; ok {
		old()
	}
	a.topicCancels[channel] = cancel
	a.joined[channel] = true
	a.mu.Unlock()

	a.dialAll(ctx, proto.ProtocolPeerJoin, []string{channel})
	go a.announceWhenDiscoverable(channel)
	return nil
}

// LeaveChannel unsubscribes the topic and dials the peer-leave announcement.
func (a *Announcer) LeaveChannel(ctx context.Context, channel string) {
	a.mu.Lock()
	cancel := a.topicCancels[channel]
	delete(a.topicCancels, channel)
	delete(a.joined, channel)
	delete(a.announced, channel)
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	a.dialAll(ctx, proto.ProtocolPeerLeave, []string{channel})
}

// dialAll pushes an announcement for channels to every connected bootstrap
// node. Dial failures are logged; the reconnect loop repairs them.
func (a *Announcer) dialAll(ctx context.Context, protocol string, channels []string) {
	ann := proto.PeerAnnouncement{
		PeerID:       a.self.PeerID,
		UserProfile:  a.self.UserProfile,
		UserIdentity: a.self.UserIdentity,
		Channels:     channels,
	}
	payload, err := json.Marshal(ann)
	if err != nil {
		a.logger.Printf("failed to marshal announcement: %v", err)
		return
	}

	a.mu.Lock()
	addrs := make([]string, 0, len(a.bootstrapPeers))
	for _, addr := range a.bootstrapPeers {
		addrs = append(addrs, addr)
	}
	a.mu.Unlock()

	for _, addr := range addrs {
		if err := a.swarm.DialProtocol(ctx, addr, protocol, payload); err != nil {
			a.logger.Printf("dial %s to %s failed: %v", protocol, addr, err)
		}
	}
}

// announceWhenDiscoverable publishes the channel name on the discovery topic
// once the channel topic has at least one other peer. Discovery only: no
// delivery depends on this publish.
func (a *Announcer) announceWhenDiscoverable(channel string) {
	for i := 0; i < 30; i++ {
		a.mu.Lock()
		joined := a.joined[channel]
		done := a.announced[channel]
		closed := a.closed
		a.mu.Unlock()
		if !joined || done || closed {
			return
		}

		peers, err := a.pubsub.Peers(context.Background(), channel)
		if err == nil && len(peers) > 0 {
			a.mu.Lock()
			a.announced[channel] = true
			a.mu.Unlock()
			if err := a.pubsub.Publish(context.Background(), proto.TopicJoined, []byte(channel)); err != nil {
				a.logger.Printf("discovery publish for %s failed: %v", channel, err)
			}
			return
		}
		time.Sleep(time.Second)
	}
}

// =============================================================================
// INBOUND
// =============================================================================

func (a *Announcer) onChannelPeersDialback(from string, payload []byte) {
	var cp proto.ChannelPeers
	if err := json.Unmarshal(payload, &cp); err != nil {
		a.logger.Printf("bad channel-peers dial-back from %s: %v", from, err)
		return
	}
	if a.callbacks.ChannelPeers != nil {
		a.callbacks.ChannelPeers(cp)
	}
}

func (a *Announcer) onTopicMessage(channel string, msg node.Message) {
	if msg.From == a.self.PeerID {
		return
	}
	var ev proto.PubsubEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return
	}
	if a.callbacks.PubsubEvent != nil {
		a.callbacks.PubsubEvent(channel, ev)
	}
}

// onBanMessage applies ban directives, but only from bootstrap peers. A ban
// published by an arbitrary peer is ignored.
func (a *Announcer) onBanMessage(msg node.Message) {
	a.mu.Lock()
	_, trusted := a.bootstrapPeers[msg.From]
	a.mu.Unlock()
	if !trusted {
		return
	}

	var ev proto.PubsubEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return
	}
	userID, _ := firstString(ev.Args)
	if userID == "" {
		return
	}
	switch ev.Name {
	case "ban":
		if a.callbacks.Ban != nil {
			a.callbacks.Ban(userID)
		}
	case "unban":
		if a.callbacks.Unban != nil {
			a.callbacks.Unban(userID)
		}
	}
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

// =============================================================================
// RECONNECT
// =============================================================================

func (a *Announcer) onDisconnect(peerID string) {
	a.mu.Lock()
	addr, ok := a.bootstrapPeers[peerID]
	if ok {
		delete(a.bootstrapPeers, peerID)
	}
	closed := a.closed
	a.mu.Unlock()
	if !ok || closed {
		return
	}

	a.logger.Printf("bootstrap %s disconnected, reconnecting", addr)
	go a.reconnect(addr)
}

// reconnect re-dials addr forever with a constant 1-second delay, then
// replays the join announcement for every joined channel. Only process
// shutdown stops it.
func (a *Announcer) reconnect(addr string) {
	policy := backoff.NewConstantBackOff(time.Second)
	var peerID string
	err := backoff.Retry(func() error {
		a.mu.Lock()
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return nil
		}
		var err error
		peerID, err = a.swarm.Connect(context.Background(), addr)
		return err
	}, policy)
	if err != nil || peerID == "" {
		return
	}

	a.mu.Lock()
	a.bootstrapPeers[peerID] = addr
	channels := make([]string, 0, len(a.joined))
	for ch := range a.joined {
		channels = append(channels, ch)
	}
	a.mu.Unlock()

	if len(channels) > 0 {
		a.dialAll(context.Background(), proto.ProtocolPeerJoin, channels)
	}
}
