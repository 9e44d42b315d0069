// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package proto defines the wire and message types shared by the client,
// the network worker, the presence announcer, and the moderator processes.
package proto

// =============================================================================
// ACTIONS
// =============================================================================

// Actions carried by correlation-bus requests. These are the only commands
// the network context accepts.
const (
	ActionNetworkStart = "network:start"
	ActionNetworkStop  = "network:stop"
	ActionJoinChannel  = "channel:join"
	ActionLeaveChannel = "channel:leave"
	ActionSendText     = "channel:send-text-message"
	ActionSendFile     = "channel:send-file-message"
	ActionGetFile      = "blob:get-file"
)

// Event actions pushed from the network context without a correlation key.
// They are dispatched by the (action, name) pair, never by key.
const (
	EventActionNetwork      = "network-event"
	EventActionChannel      = "channel-event"
	EventActionPubsub       = "pubsub-event"
	EventActionStorageError = "storageError"
	EventActionUserIDBan    = "userIDBan"
)

// Event names used under EventActionNetwork.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventJoined       = "joined"
	EventLeft         = "left"
	EventPeers        = "peers"
)

// Event names used under EventActionChannel.
const (
	EventWrite             = "write"
	EventTempWrite         = "tempWrite"
	EventTempDelete        = "tempDelete"
	EventLoadProgress      = "load.progress"
	EventReplicateProgress = "replicate.progress"
	EventReady             = "ready"
	EventReplicated        = "replicated"
	EventChannelError      = "error"
	EventPeerUpdate        = "peer.update"
)

// Event names used under EventActionPubsub. These mirror the presence
// broadcasts emitted by the moderator registrar.
const (
	EventUpdateRoomPeers = "updateRoomPeers"
	EventAddRoomPeers    = "addRoomPeers"
	EventRemoveRoomPeers = "removeRoomPeers"
)

// =============================================================================
// DIAL PROTOCOLS AND TOPICS
// =============================================================================

// Bootstrap dial protocols (client <-> registrar, not HTTP).
const (
	ProtocolPeerJoin  = "/rawchat/bootstrap/channel/peer/join"
	ProtocolPeerLeave = "/rawchat/bootstrap/channel/peer/leave"
	ProtocolPeers     = "/rawchat/bootstrap/channel/peers"
)

// Well-known pubsub topics. TopicJoined improves channel discovery only and
// is never required for message delivery.
const (
	TopicJoined    = "joined-rawchat-channel"
	TopicFiles     = "file-rawchat"
	TopicUserIDBan = "userIDBan"
)

// DefaultChannel is the permanent channel. It is never pruned from listings
// and serves as the fallback for random-room selection.
const DefaultChannel = "lobby"

// =============================================================================
// PEER RECORDS
// =============================================================================

// Profile is a peer's public display profile. Directory listings treat the
// display name as the uniqueness key, so two network peers sharing a name
// collapse to one entry.
type Profile struct {
	Name string `json:"name"`
}

// IdentityRecord is the public slice of a log identity as it travels over
// the bootstrap protocols.
type IdentityRecord struct {
	ID         string     `json:"id"`
	PublicKey  string     `json:"publicKey"`
	Type       string     `json:"type"`
	Signatures Signatures `json:"signatures"`
}

// Signatures holds the self-signatures binding an identity ID to its key.
type Signatures struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
}

// PeerRecord is one peer's presence in one channel as tracked by the
// directory registrar.
type PeerRecord struct {
	PeerID       string         `json:"peerID"`
	UserProfile  Profile        `json:"userProfile"`
	UserIdentity IdentityRecord `json:"userIdentity"`
}

// PeerTable maps channel names to their current peer lists. A channel's
// list never contains two records with the same peerID.
type PeerTable map[string][]PeerRecord

// Clone returns a deep copy of the table. Snapshots pushed over IPC must
// not alias the registrar's live slices.
func (t PeerTable) Clone() PeerTable {
	if t == nil {
		return nil
	}
	out := make(PeerTable, len(t))
	for name, peers := range t {
		cp := make([]PeerRecord, len(peers))
		copy(cp, peers)
		out[name] = cp
	}
	return out
}

// PeerAnnouncement is the payload of the peer-join and peer-leave dials.
type PeerAnnouncement struct {
	PeerID       string         `json:"peerID"`
	UserProfile  Profile        `json:"userProfile"`
	UserIdentity IdentityRecord `json:"userIdentity"`
	Channels     []string       `json:"channels"`
}

// ChannelPeers is the payload of the registrar's dial-back carrying the
// up-to-date peer list for one channel.
type ChannelPeers struct {
	Channel string       `json:"channel"`
	Peers   []PeerRecord `json:"peers"`
}

// PubsubEvent is the envelope published on channel topics and on the ban
// topic. Args is event-specific JSON.
type PubsubEvent struct {
	Action string `json:"action"`
	Name   string `json:"name"`
	Args   []any  `json:"args"`
}

// =============================================================================
// LOG ENTRIES
// =============================================================================

// Entry is one replicated-log entry as surfaced to the UI, and also the
// shape of the optimistic local echo (Hash then carries a temporary id and
// Meta.Type is "tempText").
type Entry struct {
	Hash     string         `json:"hash"`
	Key      string         `json:"key"`
	Identity IdentityRecord `json:"identity"`
	Payload  Payload        `json:"payload"`
}

// Payload wraps the log operation. The chat log only ever appends.
type Payload struct {
	Op    string `json:"op"`
	Value Value  `json:"value"`
}

// Value is the chat message body.
type Value struct {
	Content string `json:"content"`
	Meta    Meta   `json:"meta"`
}

// Meta carries message metadata.
type Meta struct {
	TS   int64   `json:"ts"`
	From Profile `json:"from"`
	Type string  `json:"type"`
}

// OpAdd is the only log operation the chat protocol uses.
const OpAdd = "ADD"

// MessageTypeText marks a committed text message; MessageTypeTemp marks the
// optimistic local echo awaiting its durable commit.
const (
	MessageTypeText = "text"
	MessageTypeFile = "file"
	MessageTypeTemp = "tempText"
)

// FilePayload describes an attachment handed to the send pipeline after the
// client-side policy checks.
type FilePayload struct {
	Filename string   `json:"filename"`
	Buffer   []byte   `json:"buffer"`
	Meta     FileMeta `json:"meta"`
}

// FileMeta carries attachment metadata.
type FileMeta struct {
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}
