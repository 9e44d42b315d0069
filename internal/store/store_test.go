// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRejoinListOrderedMostRecentLast(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Remember("a"))
	require.NoError(t, s.Remember("b"))
	require.NoError(t, s.Remember("c"))

	list, err := s.RejoinList()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, list)
}

func TestRememberingAgainMovesChannelToEnd(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Remember("a"))
	require.NoError(t, s.Remember("b"))
	require.NoError(t, s.Remember("a"))

	list, err := s.RejoinList()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, list)
}

func TestForgetRemovesEntryAndIgnoresUnknown(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Remember("a"))
	require.NoError(t, s.Forget("a"))
	require.NoError(t, s.Forget("never-joined"))

	list, err := s.RejoinList()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFreshMarkerLifecycle(t *testing.T) {
	s := openTestStore(t)

	fresh, err := s.IsFresh()
	require.NoError(t, err)
	assert.True(t, fresh)

	require.NoError(t, s.MarkInitialized())
	require.NoError(t, s.MarkInitialized()) // idempotent

	fresh, err = s.IsFresh()
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestWipeResetsToFreshClient(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Remember("a"))
	require.NoError(t, s.MarkInitialized())

	require.NoError(t, s.Wipe())

	list, err := s.RejoinList()
	require.NoError(t, err)
	assert.Empty(t, list)

	fresh, err := s.IsFresh()
	require.NoError(t, err)
	assert.True(t, fresh)

	// The wiped store must remain usable.
	require.NoError(t, s.Remember("b"))
	list, err = s.RejoinList()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, list)
}
