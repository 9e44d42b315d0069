// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package directory implements the two-process directory service: the
// registrar maintains the live channel -> peers table from bootstrap dials
// and pubsub, and the API process serves rankings and moderation over the
// registrar's latest IPC snapshot.
package directory

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/rodkeys/rawchat/internal/node"
	"github.com/rodkeys/rawchat/internal/proto"
)

// =============================================================================
// REGISTRAR
// =============================================================================

// Snapshotter receives the peer table after every mutation. The IPC client
// satisfies it.
type Snapshotter interface {
	PushSnapshot(table proto.PeerTable)
}

// Registrar is the P2P half of the directory: it serves the bootstrap dial
// protocols, tracks which peer is in which channel, broadcasts presence
// deltas on channel topics, and pushes a table snapshot over IPC after
// every mutation.
type Registrar struct {
	swarm  node.Swarm
	pubsub node.PubSub
	logs   node.LogStore
	bans   *BanList
	snap   Snapshotter
	logger *log.Logger

	mu       sync.Mutex
	table    proto.PeerTable
	recorded map[string]bool // channels with an open recording feed
}

// NewRegistrar creates a registrar. logs may be nil to disable channel
// recording.
func NewRegistrar(swarm node.Swarm, pubsub node.PubSub, logs node.LogStore, bans *BanList, snap Snapshotter) *Registrar {
	return &Registrar{
		swarm:    swarm,
		pubsub:   pubsub,
		logs:     logs,
		bans:     bans,
		snap:     snap,
		logger:   log.New(log.Writer(), "[registrar] ", log.LstdFlags),
		table:    make(proto.PeerTable),
		recorded: make(map[string]bool),
	}
}

// Start registers the protocol handlers and subscribes the discovery topic.
func (r *Registrar) Start(ctx context.Context) error {
	r.swarm.Handle(proto.ProtocolPeerJoin, r.onPeerJoin)
	r.swarm.Handle(proto.ProtocolPeerLeave, r.onPeerLeave)
	r.swarm.OnDisconnect(r.onDisconnect)

	if _, err := r.pubsub.Subscribe(ctx, proto.TopicJoined, r.onDiscovery); err != nil {
		return err
	}
	return nil
}

// Table returns a snapshot of the current peer table.
func (r *Registrar) Table() proto.PeerTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Clone()
}

// =============================================================================
// BAN DIRECTIVES
// =============================================================================

// ApplyDirective handles a ban or unban pushed from the API process: it
// persists the change and broadcasts it on the ban topic so clients apply
// it locally.
func (r *Registrar) ApplyDirective(ctx context.Context, action, userID string) {
	var (
		name    string
		changed bool
		err     error
	)
	switch action {
	case "banUserID":
		name = "ban"
		changed, err = r.bans.BanUser(userID)
	case "unbanUserID":
		name = "unban"
		changed, err = r.bans.UnbanUser(userID)
	default:
		return
	}
	if err != nil {
		r.logger.Printf("directive %s for %s failed: %v", action, userID, err)
		return
	}
	if !changed {
		return
	}

	ev := proto.PubsubEvent{Action: proto.EventActionUserIDBan, Name: name, Args: []any{userID}}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.pubsub.Publish(ctx, proto.TopicUserIDBan, payload); err != nil {
		r.logger.Printf("ban broadcast failed: %v", err)
	}
}

// =============================================================================
// DIAL HANDLERS
// =============================================================================

// onPeerJoin appends the peer to every channel named in the announcement,
// idempotent by peerID, dials back the up-to-date list per channel, and
// broadcasts the delta.
func (r *Registrar) onPeerJoin(from string, payload []byte) {
	var ann proto.PeerAnnouncement
	if err := json.Unmarshal(payload, &ann); err != nil {
		r.logger.Printf("bad join announcement from %s: %v", from, err)
		return
	}
	if ann.PeerID == "" {
		ann.PeerID = from
	}
	if r.bans.UserBanned(ann.UserIdentity.ID) {
		return
	}
	record := proto.PeerRecord{
		PeerID:       ann.PeerID,
		UserProfile:  ann.UserProfile,
		UserIdentity: ann.UserIdentity,
	}

	ctx := context.Background()
	mutated := false
	for _, channel := range ann.Channels {
		if channel == "" {
			continue
		}
		r.mu.Lock()
		peers := r.table[channel]
		exists := false
		for i, p := range peers {
			if p.PeerID == record.PeerID {
				if p != record {
					// A re-join carrying a changed profile must reach the
					// API, not just the local table.
					peers[i] = record
					mutated = true
				}
				exists = true
				break
			}
		}
		if !exists {
			r.table[channel] = append(peers, record)
			mutated = true
		}
		current := make([]proto.PeerRecord, len(r.table[channel]))
		copy(current, r.table[channel])
		r.mu.Unlock()

		r.dialBackPeers(ctx, from, channel, current)
		if !exists {
			r.broadcast(ctx, channel, proto.EventAddRoomPeers, []proto.PeerRecord{record})
		}
		r.record(ctx, channel)
	}
	if mutated {
		r.pushSnapshot()
	}
}

func (r *Registrar) onPeerLeave(from string, payload []byte) {
	var ann proto.PeerAnnouncement
	if err := json.Unmarshal(payload, &ann); err != nil {
		return
	}
	if ann.PeerID == "" {
		ann.PeerID = from
	}
	r.removeEverywhere(ann.PeerID)
}

// onDisconnect treats a network-level drop like a leave for every channel.
func (r *Registrar) onDisconnect(peerID string) {
	r.removeEverywhere(peerID)
}

func (r *Registrar) removeEverywhere(peerID string) {
	ctx := context.Background()
	var touched []string

	r.mu.Lock()
	for channel, peers := range r.table {
		for i, p := range peers {
			if p.PeerID == peerID {
				r.table[channel] = append(peers[:i], peers[i+1:]...)
				touched = append(touched, channel)
				break
			}
		}
	}
	r.mu.Unlock()

	for _, channel := range touched {
		r.broadcast(ctx, channel, proto.EventRemoveRoomPeers, []string{peerID})
	}
	if len(touched) > 0 {
		r.pushSnapshot()
	}
}

// dialBackPeers pushes the channel's full peer list back to the joining
// peer over the peers protocol.
func (r *Registrar) dialBackPeers(ctx context.Context, target, channel string, peers []proto.PeerRecord) {
	payload, err := json.Marshal(proto.ChannelPeers{Channel: channel, Peers: peers})
	if err != nil {
		return
	}
	if err := r.swarm.DialProtocol(ctx, target, proto.ProtocolPeers, payload); err != nil {
		r.logger.Printf("peers dial-back to %s failed: %v", target, err)
	}
}

// broadcast publishes a presence delta on the channel's topic.
func (r *Registrar) broadcast(ctx context.Context, channel, name string, args any) {
	ev := proto.PubsubEvent{Action: proto.EventActionPubsub, Name: name, Args: []any{args}}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.pubsub.Publish(ctx, channel, payload); err != nil {
		r.logger.Printf("broadcast %s on %s failed: %v", name, channel, err)
	}
}

func (r *Registrar) pushSnapshot() {
	if r.snap == nil {
		return
	}
	r.snap.PushSnapshot(r.Table())
}

// =============================================================================
// DISCOVERY RECORDING
// =============================================================================

// onDiscovery opens a recording feed for channels announced on the
// discovery topic, so the directory replicates channels it has never seen
// a bootstrap dial for. Discovery is best-effort.
func (r *Registrar) onDiscovery(msg node.Message) {
	channel := string(msg.Data)
	if channel == "" {
		return
	}
	r.record(context.Background(), channel)
}

func (r *Registrar) record(ctx context.Context, channel string) {
	if r.logs == nil {
		return
	}
	r.mu.Lock()
	if r.recorded[channel] {
		r.mu.Unlock()
		return
	}
	r.recorded[channel] = true
	r.mu.Unlock()

	if _, err := r.logs.Join(ctx, channel); err != nil {
		r.logger.Printf("recording feed for %s failed: %v", channel, err)
		r.mu.Lock()
		delete(r.recorded, channel)
		r.mu.Unlock()
	}
}
