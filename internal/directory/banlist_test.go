// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package directory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBanMutationsAreIdempotentAndPersisted(t *testing.T) {
	dir := t.TempDir()
	bans, err := LoadBanList(dir)
	require.NoError(t, err)

	changed, err := bans.BanUser("u1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = bans.BanUser("u1")
	require.NoError(t, err)
	assert.False(t, changed)

	// The file reflects the mutation immediately.
	data, err := os.ReadFile(filepath.Join(dir, "bannedUserIDs.json"))
	require.NoError(t, err)
	var ids []string
	require.NoError(t, json.Unmarshal(data, &ids))
	assert.Equal(t, []string{"u1"}, ids)

	// A reload from disk sees the same state.
	again, err := LoadBanList(dir)
	require.NoError(t, err)
	assert.True(t, again.UserBanned("u1"))
	assert.False(t, again.UserBanned("u2"))
}

func TestChannelBansAreSeparateFromUserBans(t *testing.T) {
	bans, err := LoadBanList(t.TempDir())
	require.NoError(t, err)

	_, err = bans.BanChannel("spam")
	require.NoError(t, err)

	assert.True(t, bans.ChannelBanned("spam"))
	assert.False(t, bans.UserBanned("spam"))
	assert.Equal(t, []string{"spam"}, bans.BannedChannels())
	assert.Empty(t, bans.BannedUsers())
}

func TestUnbanRemovesEntry(t *testing.T) {
	bans, err := LoadBanList(t.TempDir())
	require.NoError(t, err)

	_, err = bans.BanUser("u1")
	require.NoError(t, err)
	changed, err := bans.UnbanUser("u1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, bans.UserBanned("u1"))

	changed, err = bans.UnbanUser("u1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestWatchPicksUpOutOfBandEdits(t *testing.T) {
	dir := t.TempDir()
	bans, err := LoadBanList(dir)
	require.NoError(t, err)
	require.NoError(t, bans.Watch())
	defer bans.Close()

	data, err := json.Marshal([]string{"edited-in"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bannedUserIDs.json"), data, 0644))

	require.Eventually(t, func() bool {
		return bans.UserBanned("edited-in")
	}, 3*time.Second, 20*time.Millisecond)
}
