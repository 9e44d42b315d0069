// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientDefaults(t *testing.T) {
	cfg := DefaultClient()

	assert.Equal(t, []string{"lobby"}, cfg.DefaultChannels)
	assert.Equal(t, 5, cfg.FetchTimeoutSecs)
	assert.NotEmpty(t, cfg.DataDir)
	require.NoError(t, cfg.Validate())
}

func TestLoadClientFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir = "/tmp/rawchat-test"
profile_name = "alice"
default_channels = ["lobby", "go"]
bootstrap_nodes = ["ws://node1:7800/swarm"]
fetch_timeout_secs = 10
`), 0644))

	cfg, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.ProfileName)
	assert.Equal(t, []string{"lobby", "go"}, cfg.DefaultChannels)
	assert.Equal(t, []string{"ws://node1:7800/swarm"}, cfg.BootstrapNodes)
	assert.Equal(t, 10, cfg.FetchTimeoutSecs)
}

func TestClientEnvOverrides(t *testing.T) {
	t.Setenv("RAWCHAT_PROFILE_NAME", "bob")
	t.Setenv("RAWCHAT_BOOTSTRAP_NODES", "ws://a:1/swarm, ws://b:2/swarm")
	t.Setenv("RAWCHAT_FETCH_TIMEOUT_SECS", "7")

	cfg, err := LoadClient("")
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.ProfileName)
	assert.Equal(t, []string{"ws://a:1/swarm", "ws://b:2/swarm"}, cfg.BootstrapNodes)
	assert.Equal(t, 7, cfg.FetchTimeoutSecs)
}

func TestClientValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Client)
	}{
		{"empty data dir", func(c *Client) { c.DataDir = "" }},
		{"zero fetch timeout", func(c *Client) { c.FetchTimeoutSecs = 0 }},
		{"blank default channel", func(c *Client) { c.DefaultChannels = []string{" "} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultClient()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestModeratorDefaultsAndValidation(t *testing.T) {
	cfg := DefaultModerator()
	require.NoError(t, cfg.Validate())

	cfg.TopRoomCount = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultModerator()
	cfg.AdminPasswordHash = "not hex"
	assert.Error(t, cfg.Validate())
}

func TestAdminPasswordRoundTrip(t *testing.T) {
	cfg := DefaultModerator()
	cfg.AdminPasswordHash = HashAdminPassword("hunter2")

	assert.True(t, cfg.CheckAdminPassword("hunter2"))
	assert.False(t, cfg.CheckAdminPassword("hunter3"))
	assert.False(t, cfg.CheckAdminPassword(""))
}

func TestEmptyPasswordHashRejectsEverything(t *testing.T) {
	cfg := DefaultModerator()
	assert.False(t, cfg.CheckAdminPassword("anything"))
}

func TestMissingConfigFileUsesDefaults(t *testing.T) {
	cfg, err := LoadClient(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"lobby"}, cfg.DefaultChannels)
}
