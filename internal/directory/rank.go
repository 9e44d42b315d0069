// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package directory

import (
	"math/rand"
	"sort"

	"github.com/rodkeys/rawchat/internal/proto"
)

// =============================================================================
// ROOM RANKINGS
// =============================================================================

// RoomListing is one ranked channel as served by the API.
type RoomListing struct {
	ChannelName string             `json:"channelName"`
	PeerCount   int                `json:"peerCount"`
	Peers       []proto.PeerRecord `json:"peers"`
}

// ChannelFilter reports whether a channel is banned from listings.
type ChannelFilter func(channel string) bool

// CompileLargestDefaultRooms ranks channels by unique peer count and
// returns the top n. Peers are de-duplicated per channel by display name,
// so one user connected twice counts once. Channels with zero peers are
// pruned, except the permanent default channel, which is always listed.
// Banned channels are pruned outright.
func CompileLargestDefaultRooms(table proto.PeerTable, banned ChannelFilter, n int) []RoomListing {
	rooms := make([]RoomListing, 0, len(table)+1)
	hasDefault := false
	for name, peers := range table {
		if banned != nil && banned(name) {
			continue
		}
		unique := uniqueByName(peers)
		if name == proto.DefaultChannel {
			hasDefault = true
		} else if len(unique) == 0 {
			continue
		}
		rooms = append(rooms, RoomListing{ChannelName: name, PeerCount: len(unique), Peers: unique})
	}
	if !hasDefault && (banned == nil || !banned(proto.DefaultChannel)) {
		rooms = append(rooms, RoomListing{ChannelName: proto.DefaultChannel})
	}

	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].PeerCount != rooms[j].PeerCount {
			return rooms[i].PeerCount > rooms[j].PeerCount
		}
		return rooms[i].ChannelName < rooms[j].ChannelName
	})

	if n >= 0 && len(rooms) > n {
		rooms = rooms[:n]
	}
	return rooms
}

// CompileRandomRoom picks one channel uniformly at random from the ranked
// list, excluding the caller's current channel. An empty candidate set
// falls back to the permanent default channel.
func CompileRandomRoom(table proto.PeerTable, banned ChannelFilter, current string) RoomListing {
	rooms := CompileLargestDefaultRooms(table, banned, 1000)
	candidates := rooms[:0]
	for _, r := range rooms {
		if r.ChannelName != current {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return RoomListing{ChannelName: proto.DefaultChannel}
	}
	return candidates[rand.Intn(len(candidates))]
}

// CompileSingleRoom returns one channel's listing. A channel absent from
// the table (or banned) yields an empty listing under its name.
func CompileSingleRoom(table proto.PeerTable, banned ChannelFilter, name string) RoomListing {
	if banned != nil && banned(name) {
		return RoomListing{ChannelName: name}
	}
	unique := uniqueByName(table[name])
	return RoomListing{ChannelName: name, PeerCount: len(unique), Peers: unique}
}

// uniqueByName keeps the first record per display name. The directory
// counts users, not connections.
func uniqueByName(peers []proto.PeerRecord) []proto.PeerRecord {
	seen := make(map[string]bool, len(peers))
	out := make([]proto.PeerRecord, 0, len(peers))
	for _, p := range peers {
		if !seen[p.UserProfile.Name] {
			seen[p.UserProfile.Name] = true
			out = append(out, p)
		}
	}
	return out
}
