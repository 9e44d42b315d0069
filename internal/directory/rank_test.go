// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodkeys/rawchat/internal/proto"
)

func peersNamed(names ...string) []proto.PeerRecord {
	out := make([]proto.PeerRecord, len(names))
	for i, name := range names {
		out[i] = proto.PeerRecord{
			PeerID:      "peer-" + name,
			UserProfile: proto.Profile{Name: name},
		}
	}
	return out
}

func bannedSet(channels ...string) ChannelFilter {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return func(ch string) bool { return set[ch] }
}

func roomNames(rooms []RoomListing) []string {
	names := make([]string, len(rooms))
	for i, r := range rooms {
		names[i] = r.ChannelName
	}
	return names
}

func TestTopRoomsPrunesAndRanks(t *testing.T) {
	table := proto.PeerTable{
		"A":     peersNamed("u1", "u2", "u3", "u4", "u5"),
		"B":     nil,
		"lobby": nil,
		"C":     peersNamed("u1", "u2", "u3"),
	}

	rooms := CompileLargestDefaultRooms(table, bannedSet("C"), 2)

	// B is pruned (zero peers, not the default), C is pruned (banned),
	// lobby survives despite zero peers because it is the permanent
	// default.
	assert.Equal(t, []string{"A", "lobby"}, roomNames(rooms))
	assert.Equal(t, 5, rooms[0].PeerCount)
	assert.Zero(t, rooms[1].PeerCount)
}

func TestTopRoomsCountsUniqueUsersByDisplayName(t *testing.T) {
	// Two connections sharing one display name collapse to one user.
	peers := peersNamed("alice", "bob")
	peers = append(peers, proto.PeerRecord{PeerID: "peer-3", UserProfile: proto.Profile{Name: "alice"}})
	table := proto.PeerTable{"A": peers}

	rooms := CompileLargestDefaultRooms(table, nil, 10)

	require.NotEmpty(t, rooms)
	assert.Equal(t, 2, rooms[0].PeerCount)
}

func TestTopRoomsAlwaysListsTheDefaultChannel(t *testing.T) {
	rooms := CompileLargestDefaultRooms(proto.PeerTable{}, nil, 5)
	assert.Equal(t, []string{"lobby"}, roomNames(rooms))
}

func TestRandomRoomExcludesCurrentChannel(t *testing.T) {
	table := proto.PeerTable{
		"A": peersNamed("u1"),
		"B": peersNamed("u2"),
	}

	for i := 0; i < 20; i++ {
		room := CompileRandomRoom(table, nil, "A")
		assert.NotEqual(t, "A", room.ChannelName)
	}
}

func TestRandomRoomFallsBackToDefault(t *testing.T) {
	table := proto.PeerTable{"A": peersNamed("u1")}

	// Only A exists besides the implied lobby; excluding both leaves the
	// default as fallback.
	room := CompileRandomRoom(proto.PeerTable{"A": table["A"], "lobby": nil}, bannedSet("lobby"), "A")
	assert.Equal(t, proto.DefaultChannel, room.ChannelName)
}

func TestSingleRoomListing(t *testing.T) {
	table := proto.PeerTable{"A": peersNamed("u1", "u2")}

	room := CompileSingleRoom(table, nil, "A")
	assert.Equal(t, 2, room.PeerCount)

	empty := CompileSingleRoom(table, nil, "missing")
	assert.Equal(t, "missing", empty.ChannelName)
	assert.Zero(t, empty.PeerCount)

	hidden := CompileSingleRoom(table, bannedSet("A"), "A")
	assert.Zero(t, hidden.PeerCount)
}
