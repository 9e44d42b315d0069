// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command rawchat runs the chat client daemon: the network-processing
// context, the correlation bus, and the channel session manager.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rodkeys/rawchat/internal/bus"
	"github.com/rodkeys/rawchat/internal/client"
	"github.com/rodkeys/rawchat/internal/config"
	"github.com/rodkeys/rawchat/internal/identity"
	"github.com/rodkeys/rawchat/internal/node"
	"github.com/rodkeys/rawchat/internal/presence"
	"github.com/rodkeys/rawchat/internal/proto"
	"github.com/rodkeys/rawchat/internal/session"
	"github.com/rodkeys/rawchat/internal/store"
	"github.com/rodkeys/rawchat/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to the client config file")
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("rawchat: %v", err)
	}
}

func run(cfg *config.Client) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := identity.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	self := proto.PeerRecord{
		PeerID:       id.Record.ID,
		UserProfile:  proto.Profile{Name: cfg.ProfileName},
		UserIdentity: id.Record,
	}

	b := bus.New()
	defer b.Close()

	var pubsub node.PubSub
	if cfg.RedisAddr != "" {
		rps, err := node.NewRedisPubSub(ctx, cfg.RedisAddr, self.PeerID)
		if err != nil {
			return err
		}
		defer rps.Close()
		pubsub = rps
	} else {
		pubsub = node.NewMemoryPubSub().Attach(self.PeerID)
	}

	swarm := node.NewWSSwarm(self.PeerID)
	defer swarm.Close()

	n := node.NewNode(self.PeerID,
		node.NewMemoryLogStore(id.Record),
		node.NewMemoryBlobStore(),
		pubsub,
		swarm,
	)

	ann := presence.New(swarm, pubsub, self, cfg.BootstrapNodes, worker.Wire(b))
	w := worker.New(b, n, ann, self, time.Duration(cfg.FetchTimeoutSecs)*time.Second)
	go w.Run(ctx)

	proxy := client.New(b, st)
	mgr := session.NewManager(proxy, st, cfg.DefaultChannels)
	wireSessionEvents(ctx, proxy, mgr)

	if err := proxy.StartNetwork(ctx); err != nil {
		return err
	}
	log.Printf("rawchat online as %s (%s)", cfg.ProfileName, self.PeerID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down")
	if err := proxy.StopNetwork(ctx); err != nil {
		log.Printf("stop: %v", err)
	}
	return nil
}

// wireSessionEvents connects the unsolicited event stream to the session
// manager: connection state drives the rejoin policy, presence events keep
// the per-channel peer sets current.
func wireSessionEvents(ctx context.Context, proxy *client.Proxy, mgr *session.Manager) {
	proxy.On(proto.EventActionNetwork, proto.EventConnected, func(bus.Event) {
		go mgr.OnConnected(ctx)
	})
	proxy.On(proto.EventActionNetwork, proto.EventDisconnected, func(bus.Event) {
		mgr.OnDisconnected()
	})

	proxy.On(proto.EventActionPubsub, proto.EventUpdateRoomPeers, func(ev bus.Event) {
		var peers []proto.PeerRecord
		if decodeArgs(ev.Args, &peers) {
			mgr.ReplacePeers(ev.Meta.ChannelName, peers)
		}
	})
	proxy.On(proto.EventActionPubsub, proto.EventAddRoomPeers, func(ev bus.Event) {
		var peers []proto.PeerRecord
		if decodeArgs(first(ev.Args), &peers) {
			mgr.AddPeers(ev.Meta.ChannelName, peers)
		}
	})
	proxy.On(proto.EventActionPubsub, proto.EventRemoveRoomPeers, func(ev bus.Event) {
		var peerIDs []string
		if decodeArgs(first(ev.Args), &peerIDs) {
			mgr.RemovePeers(ev.Meta.ChannelName, peerIDs)
		}
	})
}

// first unwraps the single-element args list the registrar broadcasts.
func first(args any) any {
	if list, ok := args.([]any); ok && len(list) > 0 {
		return list[0]
	}
	return args
}

// decodeArgs re-marshals loosely typed event args into a concrete shape.
func decodeArgs(args, into any) bool {
	data, err := json.Marshal(args)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, into) == nil
}
