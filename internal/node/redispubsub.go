// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// REDIS PUBSUB
// =============================================================================

// RedisPubSub implements PubSub on a redis broker, so presence events
// traverse a real transport between the client and moderator processes.
// Topic peers are tracked through a companion presence set per topic.
type RedisPubSub struct {
	client *redis.Client
	peerID string

	mu   sync.Mutex
	subs []*redis.PubSub
}

// redisEnvelope wraps published payloads with the sender's peer ID, which
// redis pubsub does not carry natively.
type redisEnvelope struct {
	From string `json:"from"`
	Data []byte `json:"data"`
}

// NewRedisPubSub connects the adapter. The peer ID tags every publish.
func NewRedisPubSub(ctx context.Context, addr, peerID string) (*RedisPubSub, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return &RedisPubSub{client: client, peerID: peerID}, nil
}

func presenceKey(topic string) string {
	return "rawchat:topic-peers:" + topic
}

// Publish sends data on topic.
func (p *RedisPubSub) Publish(ctx context.Context, topic string, data []byte) error {
	payload, err := json.Marshal(redisEnvelope{From: p.peerID, Data: data})
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, topic, payload).Err()
}

// Subscribe delivers topic messages to h and registers this peer in the
// topic's presence set.
func (p *RedisPubSub) Subscribe(ctx context.Context, topic string, h func(Message)) (func(), error) {
	sub := p.client.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	if err := p.client.SAdd(ctx, presenceKey(topic), p.peerID).Err(); err != nil {
		sub.Close()
		return nil, err
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	go func() {
		for msg := range sub.Channel() {
			var env redisEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			h(Message{From: env.From, Data: env.Data})
		}
	}()

	return func() {
		p.client.SRem(context.Background(), presenceKey(topic), p.peerID)
		sub.Close()
	}, nil
}

// Peers lists the other peers in the topic's presence set.
func (p *RedisPubSub) Peers(ctx context.Context, topic string) ([]string, error) {
	members, err := p.client.SMembers(ctx, presenceKey(topic)).Result()
	if err != nil {
		return nil, err
	}
	peers := members[:0]
	for _, m := range members {
		if m != p.peerID {
			peers = append(peers, m)
		}
	}
	return peers, nil
}

// Close tears down every subscription and the redis connection.
func (p *RedisPubSub) Close() error {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return p.client.Close()
}
