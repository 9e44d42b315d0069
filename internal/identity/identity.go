// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package identity manages the client's signing identity and display profile.
//
// An identity is an Ed25519 keypair. Its ID is the CID of the public key, so
// identities are content-addressed like everything else on the network. The
// record that travels over the bootstrap protocols carries the ID, the public
// key, and the self-signatures binding the two together.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rodkeys/rawchat/internal/node"
	"github.com/rodkeys/rawchat/internal/proto"
	"github.com/rodkeys/rawchat/internal/util"
)

// IdentityType tags the signature scheme in identity records.
const IdentityType = "ed25519"

// Identity is a loaded keypair plus its public record.
type Identity struct {
	priv ed25519.PrivateKey

	// Record is the public slice shared with other peers.
	Record proto.IdentityRecord
}

// keyFile is the on-disk form of a persisted identity.
type keyFile struct {
	PrivateKey string `json:"privateKey"`
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return fromKey(priv, pub)
}

// LoadOrCreate reads the identity key from dir, generating and persisting a
// new one if none exists.
func LoadOrCreate(dir string) (*Identity, error) {
	path := filepath.Join(dir, "identity.json")

	data, err := os.ReadFile(path)
	if err == nil {
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, fmt.Errorf("corrupt identity file: %w", err)
		}
		raw, err := hex.DecodeString(kf.PrivateKey)
		if err != nil || len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("corrupt identity key in %s", path)
		}
		priv := ed25519.PrivateKey(raw)
		return fromKey(priv, priv.Public().(ed25519.PublicKey))
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	data, err = json.MarshalIndent(keyFile{PrivateKey: hex.EncodeToString(id.priv)}, "", "  ")
	if err != nil {
		return nil, err
	}
	// Key material is owner-only.
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}
	return id, nil
}

func fromKey(priv ed25519.PrivateKey, pub ed25519.PublicKey) (*Identity, error) {
	id, err := node.SumCID(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to derive identity id: %w", err)
	}
	pubHex := hex.EncodeToString(pub)

	// Self-signatures: the key signs its own ID, then signs the
	// publicKey+idSignature concatenation, matching the log engine's
	// identity records.
	sigID := ed25519.Sign(priv, []byte(id))
	sigPub := ed25519.Sign(priv, append([]byte(pubHex), sigID...))

	return &Identity{
		priv: priv,
		Record: proto.IdentityRecord{
			ID:        id,
			PublicKey: pubHex,
			Type:      IdentityType,
			Signatures: proto.Signatures{
				ID:        hex.EncodeToString(sigID),
				PublicKey: hex.EncodeToString(sigPub),
			},
		},
	}, nil
}

// Sign signs arbitrary bytes with the identity key.
func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(i.priv, data)
}

// Verify checks a signature against an identity record's public key.
func Verify(rec proto.IdentityRecord, data, sig []byte) bool {
	pub, err := hex.DecodeString(rec.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}
