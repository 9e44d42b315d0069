// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command rawchat-moderator runs the directory service. The service is two
// cooperating processes: -role registrar serves the bootstrap dial
// protocols and owns the live peer table, -role api serves the HTTP surface
// over the registrar's latest IPC snapshot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rodkeys/rawchat/internal/config"
	"github.com/rodkeys/rawchat/internal/directory"
	"github.com/rodkeys/rawchat/internal/identity"
	"github.com/rodkeys/rawchat/internal/ipc"
	"github.com/rodkeys/rawchat/internal/node"
)

func main() {
	role := flag.String("role", "", "process role: registrar or api")
	configPath := flag.String("config", "", "path to the moderator config file")
	hashPassword := flag.String("hash-password", "", "print the hash for an admin password and exit")
	flag.Parse()

	if *hashPassword != "" {
		fmt.Println(config.HashAdminPassword(*hashPassword))
		return
	}

	cfg, err := config.LoadModerator(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	switch *role {
	case "registrar":
		err = runRegistrar(cfg)
	case "api":
		err = runAPI(cfg)
	default:
		log.Fatalf("-role must be registrar or api")
	}
	if err != nil {
		log.Fatalf("rawchat-moderator: %v", err)
	}
}

// =============================================================================
// REGISTRAR PROCESS
// =============================================================================

func runRegistrar(cfg *config.Moderator) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := identity.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return err
	}
	bans, err := directory.LoadBanList(cfg.BanDir)
	if err != nil {
		return err
	}
	if err := bans.Watch(); err != nil {
		log.Printf("ban file watch unavailable: %v", err)
	}
	defer bans.Close()

	var pubsub node.PubSub
	if cfg.RedisAddr != "" {
		rps, err := node.NewRedisPubSub(ctx, cfg.RedisAddr, id.Record.ID)
		if err != nil {
			return err
		}
		defer rps.Close()
		pubsub = rps
	} else {
		pubsub = node.NewMemoryPubSub().Attach(id.Record.ID)
	}

	listener := node.NewWSListener(id.Record.ID)
	defer listener.Close()

	// The IPC client and registrar reference each other: directives flow
	// in, snapshots flow out.
	var reg *directory.Registrar
	ipcClient := ipc.NewClient(cfg.IPCAddr, func(action, userID string) {
		reg.ApplyDirective(ctx, action, userID)
	})
	reg = directory.NewRegistrar(listener, pubsub, node.NewMemoryLogStore(id.Record), bans, ipcClient)

	if err := reg.Start(ctx); err != nil {
		return err
	}
	ipcClient.Start()
	defer ipcClient.Close()

	srv := &http.Server{Addr: cfg.SwarmListenAddr, Handler: listener.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("swarm listener: %v", err)
		}
	}()
	log.Printf("registrar %s listening on %s", id.Record.ID, cfg.SwarmListenAddr)

	waitForSignal()
	return srv.Shutdown(context.Background())
}

// =============================================================================
// API PROCESS
// =============================================================================

func runAPI(cfg *config.Moderator) error {
	bans, err := directory.LoadBanList(cfg.BanDir)
	if err != nil {
		return err
	}
	if err := bans.Watch(); err != nil {
		log.Printf("ban file watch unavailable: %v", err)
	}
	defer bans.Close()

	api := directory.NewAPI(cfg, bans)
	srv := &http.Server{Addr: cfg.APIListenAddr, Handler: api.Router()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api listener: %v", err)
		}
	}()
	log.Printf("api listening on %s", cfg.APIListenAddr)

	waitForSignal()
	return srv.Shutdown(context.Background())
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("shutting down")
}
