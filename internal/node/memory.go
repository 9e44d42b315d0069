// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package node

import (
	"context"
	"sync"

	"github.com/rodkeys/rawchat/internal/proto"
)

// =============================================================================
// MEMORY LOG STORE
// =============================================================================

// MemoryLogStore is an in-process log engine: feeds are plain appended
// slices with real content hashes. It backs tests and single-node runs.
type MemoryLogStore struct {
	mu       sync.Mutex
	identity proto.IdentityRecord
	feeds    map[string]*memoryFeed
}

// NewMemoryLogStore creates a log store whose appended entries are signed
// with (attributed to) the given identity record.
func NewMemoryLogStore(identity proto.IdentityRecord) *MemoryLogStore {
	return &MemoryLogStore{
		identity: identity,
		feeds:    make(map[string]*memoryFeed),
	}
}

// Join opens (or reopens) the feed for channel.
func (s *MemoryLogStore) Join(ctx context.Context, channel string) (Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.feeds[channel]; ok {
		return f, nil
	}
	f := &memoryFeed{
		identity: s.identity,
		events:   make(chan FeedEvent, 128),
	}
	s.feeds[channel] = f
	return f, nil
}

// Leave closes the channel's feed.
func (s *MemoryLogStore) Leave(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[channel]
	if !ok {
		return ErrNotJoined
	}
	delete(s.feeds, channel)
	f.close()
	return nil
}

type memoryFeed struct {
	mu       sync.Mutex
	identity proto.IdentityRecord
	entries  []proto.Entry
	events   chan FeedEvent
	closed   bool

	// AppendErr, when set, fails the next Append. Tests use it to exercise
	// the durable-write failure path.
	AppendErr error
}

func (f *memoryFeed) Append(ctx context.Context, value proto.Value) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AppendErr != nil {
		err := f.AppendErr
		f.AppendErr = nil
		return "", err
	}

	data := []byte(value.Content)
	data = append(data, byte(len(f.entries)))
	hash, err := SumCID(data)
	if err != nil {
		return "", err
	}
	entry := proto.Entry{
		Hash:     hash,
		Key:      f.identity.PublicKey,
		Identity: f.identity,
		Payload:  proto.Payload{Op: proto.OpAdd, Value: value},
	}
	f.entries = append(f.entries, entry)
	f.emit(FeedEvent{Name: FeedWrite, Entry: entry, Status: f.status()})
	return hash, nil
}

func (f *memoryFeed) Load(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loaded := f.entries
	if n >= 0 && len(loaded) > n {
		loaded = loaded[len(loaded)-n:]
	}
	for _, e := range loaded {
		f.emit(FeedEvent{Name: FeedLoadProgress, Entry: e, Status: f.status()})
	}
	f.emit(FeedEvent{Name: FeedReady, Status: f.status()})
}

func (f *memoryFeed) Events() <-chan FeedEvent { return f.events }

func (f *memoryFeed) Status() ReplicationStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status()
}

func (f *memoryFeed) status() ReplicationStatus {
	return ReplicationStatus{Progress: len(f.entries), Max: len(f.entries)}
}

// emit drops events when the buffer is full rather than blocking the
// appender; the UI resynchronizes from Load.
func (f *memoryFeed) emit(ev FeedEvent) {
	if f.closed {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}

func (f *memoryFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

// =============================================================================
// MEMORY BLOB STORE
// =============================================================================

// MemoryBlobStore is a CID-addressed in-process blob store.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// ChunkSize bounds the chunks Cat produces. Zero means one chunk.
	ChunkSize int
}

// NewMemoryBlobStore creates an empty blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Add stores data under its CID.
func (s *MemoryBlobStore) Add(ctx context.Context, data []byte) (string, error) {
	hash, err := SumCID(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.blobs[hash] = append([]byte(nil), data...)
	s.mu.Unlock()
	return hash, nil
}

// Cat streams the blob for hash.
func (s *MemoryBlobStore) Cat(ctx context.Context, hash string) (<-chan Chunk, error) {
	s.mu.Lock()
	data, ok := s.blobs[hash]
	s.mu.Unlock()
	if !ok {
		return nil, ErrBlobNotFound
	}

	size := s.ChunkSize
	if size <= 0 {
		size = len(data)
	}
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for off := 0; off < len(data); off += size {
			end := off + size
			if end > len(data) {
				end = len(data)
			}
			select {
			case out <- Chunk{Data: data[off:end]}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// =============================================================================
// MEMORY PUBSUB
// =============================================================================

// MemoryPubSub is a loopback topic broker shared by every node attached to
// it. Tests wire a client and a registrar to one broker.
type MemoryPubSub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]subscriber
}

type subscriber struct {
	peerID string
	h      func(Message)
}

// NewMemoryPubSub creates an empty broker.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[int]subscriber)}
}

// Attach returns the broker scoped to one peer ID, implementing PubSub.
func (b *MemoryPubSub) Attach(peerID string) PubSub {
	return &memoryPubSubPeer{broker: b, peerID: peerID}
}

type memoryPubSubPeer struct {
	broker *MemoryPubSub
	peerID string
}

func (p *memoryPubSubPeer) Publish(ctx context.Context, topic string, data []byte) error {
	b := p.broker
	b.mu.Lock()
	subs := make([]subscriber, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	msg := Message{From: p.peerID, Data: append([]byte(nil), data...)}
	for _, s := range subs {
		s.h(msg)
	}
	return nil
}

func (p *memoryPubSubPeer) Subscribe(ctx context.Context, topic string, h func(Message)) (func(), error) {
	b := p.broker
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]subscriber)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = subscriber{peerID: p.peerID, h: h}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[topic], id)
		b.mu.Unlock()
	}, nil
}

func (p *memoryPubSubPeer) Peers(ctx context.Context, topic string) ([]string, error) {
	b := p.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	var peers []string
	for _, s := range b.subs[topic] {
		if s.peerID != p.peerID {
			peers = append(peers, s.peerID)
		}
	}
	return peers, nil
}

// =============================================================================
// MEMORY SWARM
// =============================================================================

// MemorySwarmNet is a loopback swarm: nodes register under their address
// and dial each other in-process.
type MemorySwarmNet struct {
	mu    sync.Mutex
	nodes map[string]*MemorySwarm // by address
	peers map[string]*MemorySwarm // by peer ID
}

// NewMemorySwarmNet creates an empty loopback network.
func NewMemorySwarmNet() *MemorySwarmNet {
	return &MemorySwarmNet{
		nodes: make(map[string]*MemorySwarm),
		peers: make(map[string]*MemorySwarm),
	}
}

// Join registers a node on the network and returns its swarm handle.
func (n *MemorySwarmNet) Join(peerID, addr string) *MemorySwarm {
	s := &MemorySwarm{
		net:      n,
		peerID:   peerID,
		addr:     addr,
		handlers: make(map[string]ProtocolHandler),
	}
	n.mu.Lock()
	n.nodes[addr] = s
	n.peers[peerID] = s
	n.mu.Unlock()
	return s
}

// Drop disconnects a peer from the network, firing every other node's
// disconnect callbacks. Tests use it to simulate a network-level drop.
func (n *MemorySwarmNet) Drop(peerID string) {
	n.mu.Lock()
	s, ok := n.peers[peerID]
	if ok {
		delete(n.peers, peerID)
		delete(n.nodes, s.addr)
	}
	others := make([]*MemorySwarm, 0, len(n.peers))
	for _, o := range n.peers {
		others = append(others, o)
	}
	n.mu.Unlock()

	for _, o := range others {
		o.fireDisconnect(peerID)
	}
}

// MemorySwarm implements Swarm over a MemorySwarmNet.
type MemorySwarm struct {
	net    *MemorySwarmNet
	peerID string
	addr   string

	mu           sync.Mutex
	handlers     map[string]ProtocolHandler
	onDisconnect []func(string)
}

func (s *MemorySwarm) Connect(ctx context.Context, addr string) (string, error) {
	s.net.mu.Lock()
	remote, ok := s.net.nodes[addr]
	s.net.mu.Unlock()
	if !ok {
		return "", ErrPeerUnreachable
	}
	return remote.peerID, nil
}

func (s *MemorySwarm) DialProtocol(ctx context.Context, target, protocol string, payload []byte) error {
	s.net.mu.Lock()
	remote, ok := s.net.nodes[target]
	if !ok {
		remote, ok = s.net.peers[target]
	}
	s.net.mu.Unlock()
	if !ok {
		return ErrPeerUnreachable
	}

	remote.mu.Lock()
	h, ok := remote.handlers[protocol]
	remote.mu.Unlock()
	if !ok {
		return nil // unhandled protocols are dropped, as on the wire
	}
	h(s.peerID, append([]byte(nil), payload...))
	return nil
}

func (s *MemorySwarm) Handle(protocol string, h ProtocolHandler) {
	s.mu.Lock()
	s.handlers[protocol] = h
	s.mu.Unlock()
}

func (s *MemorySwarm) OnDisconnect(fn func(string)) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

func (s *MemorySwarm) Close() error {
	s.net.mu.Lock()
	delete(s.net.nodes, s.addr)
	delete(s.net.peers, s.peerID)
	s.net.mu.Unlock()
	return nil
}

func (s *MemorySwarm) fireDisconnect(peerID string) {
	s.mu.Lock()
	fns := make([]func(string), len(s.onDisconnect))
	copy(fns, s.onDisconnect)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(peerID)
	}
}
