// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package node defines the narrow interface to the distributed log and
// content-addressed network stack, which this client consumes but does not
// implement: join/leave a channel feed, append an entry, add/fetch a blob by
// content hash, publish/subscribe to topics, and dial peers with a protocol
// tag. Replication, DHT routing, and encryption live behind these
// interfaces.
package node

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/rodkeys/rawchat/internal/proto"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotJoined is returned for feed operations on a channel that was
	// never joined.
	ErrNotJoined = errors.New("channel not joined")

	// ErrBlobNotFound is returned when a content hash resolves to nothing.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrStorageCorrupt signals unrecoverable local storage damage. The
	// worker escalates it to the destructive recovery path instead of
	// retrying.
	ErrStorageCorrupt = errors.New("local storage corrupt")

	// ErrPeerUnreachable is returned by dials to unknown or gone peers.
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// =============================================================================
// CONTENT ADDRESSING
// =============================================================================

// SumCID returns the CIDv1 (raw codec, sha2-256 multihash) of data. Every
// content hash in the system is a CID of this form.
func SumCID(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// =============================================================================
// FEEDS
// =============================================================================

// FeedEvent is one lifecycle event of a channel feed.
type FeedEvent struct {
	Name   string
	Entry  proto.Entry
	Status ReplicationStatus
}

// Feed event names mirror the log engine's feed events.
const (
	FeedWrite             = "write"
	FeedLoadProgress      = "load.progress"
	FeedReplicateProgress = "replicate.progress"
	FeedReady             = "ready"
	FeedReplicated        = "replicated"
)

// ReplicationStatus tracks feed load/replication progress.
type ReplicationStatus struct {
	Progress int
	Max      int
}

// Feed is one joined channel's replicated append-only log.
type Feed interface {
	// Append durably commits one entry and returns its content hash.
	Append(ctx context.Context, value proto.Value) (string, error)

	// Load asks the feed to load up to n historical entries; progress is
	// reported through Events.
	Load(n int)

	// Events delivers feed lifecycle events until the feed is left.
	Events() <-chan FeedEvent

	// Status reports the current replication status.
	Status() ReplicationStatus
}

// LogStore joins and leaves channel feeds.
type LogStore interface {
	Join(ctx context.Context, channel string) (Feed, error)
	Leave(ctx context.Context, channel string) error
}

// =============================================================================
// BLOBS
// =============================================================================

// Chunk is one piece of a streamed blob. A chunk with Err set terminates
// the stream.
type Chunk struct {
	Data []byte
	Err  error
}

// BlobStore stores and retrieves content-addressed blobs.
type BlobStore interface {
	// Add stores data and returns its CID.
	Add(ctx context.Context, data []byte) (string, error)

	// Cat streams the blob for hash. The channel is closed after the last
	// chunk, or after a chunk carrying an error.
	Cat(ctx context.Context, hash string) (<-chan Chunk, error)
}

// =============================================================================
// PUBSUB
// =============================================================================

// Message is one message received from a topic.
type Message struct {
	From string
	Data []byte
}

// PubSub publishes and subscribes to named topics.
type PubSub interface {
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe delivers topic messages to h until the returned cancel
	// func is called.
	Subscribe(ctx context.Context, topic string, h func(Message)) (cancel func(), err error)

	// Peers lists the peers currently subscribed to topic.
	Peers(ctx context.Context, topic string) ([]string, error)
}

// =============================================================================
// SWARM
// =============================================================================

// ProtocolHandler receives one inbound protocol frame.
type ProtocolHandler func(from string, payload []byte)

// Swarm dials peers and serves protocol handlers. Dials are one-shot: a
// single payload is pushed to the remote handler, as the bootstrap
// protocols require. Dial-backs from a connected node arrive through
// registered handlers on the same connection.
type Swarm interface {
	// Connect establishes (or re-establishes) a connection to a node
	// address. It returns the remote peer ID.
	Connect(ctx context.Context, addr string) (string, error)

	// DialProtocol pushes payload to the peer's handler for protocol.
	// The target is a node address for bootstrap dials, or a peer ID for
	// dial-backs over an existing connection.
	DialProtocol(ctx context.Context, target, protocol string, payload []byte) error

	// Handle registers the handler for inbound frames tagged protocol.
	Handle(protocol string, h ProtocolHandler)

	// OnDisconnect registers a callback fired with the peer ID whenever a
	// connection drops.
	OnDisconnect(fn func(peerID string))

	// Close drops all connections.
	Close() error
}

// =============================================================================
// NODE
// =============================================================================

// Node composes the collaborator interfaces behind one handle. Components
// accept the individual interfaces; binaries construct a Node from whatever
// concrete transports their config selects.
type Node struct {
	id string

	Logs   LogStore
	Blobs  BlobStore
	PubSub PubSub
	Swarm  Swarm
}

// NewNode builds a node with the given peer ID and transports.
func NewNode(id string, logs LogStore, blobs BlobStore, ps PubSub, swarm Swarm) *Node {
	return &Node{id: id, Logs: logs, Blobs: blobs, PubSub: ps, Swarm: swarm}
}

// ID returns the node's peer ID.
func (n *Node) ID() string { return n.id }
