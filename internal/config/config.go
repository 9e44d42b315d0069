// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for the rawchat client and
// moderator processes.
//
// TOML configuration files with sensible defaults, environment variable
// overrides (RAWCHAT_*), and validation.
package config

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CLIENT CONFIG
// =============================================================================

// Client is the chat client configuration.
type Client struct {
	// DataDir holds the local database and identity key.
	DataDir string `toml:"data_dir"`

	// ProfileName is the display name announced to the directory.
	ProfileName string `toml:"profile_name"`

	// DefaultChannels are joined by a fresh client, or when the rejoin
	// list is empty.
	DefaultChannels []string `toml:"default_channels"`

	// BootstrapNodes are the directory registrar addresses (ws:// URLs).
	BootstrapNodes []string `toml:"bootstrap_nodes"`

	// RedisAddr, when set, backs pubsub topics with a redis broker instead
	// of the in-process one.
	RedisAddr string `toml:"redis_addr"`

	// FetchTimeoutSecs is the blob-fetch inactivity timeout.
	FetchTimeoutSecs int `toml:"fetch_timeout_secs"`
}

// DefaultClient returns the client defaults.
func DefaultClient() *Client {
	home, _ := os.UserHomeDir()
	return &Client{
		DataDir:          filepath.Join(home, ".rawchat"),
		ProfileName:      "anonymous",
		DefaultChannels:  []string{"lobby"},
		FetchTimeoutSecs: 5,
	}
}

// LoadClient loads the client config from path, or defaults when path is
// empty or missing. Environment overrides apply last.
func LoadClient(path string) (*Client, error) {
	cfg := DefaultClient()
	if path != "" {
		if err := loadTOML(cfg, path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Client) applyEnvOverrides() {
	if v := os.Getenv("RAWCHAT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RAWCHAT_PROFILE_NAME"); v != "" {
		c.ProfileName = v
	}
	if v := os.Getenv("RAWCHAT_BOOTSTRAP_NODES"); v != "" {
		c.BootstrapNodes = splitList(v)
	}
	if v := os.Getenv("RAWCHAT_DEFAULT_CHANNELS"); v != "" {
		c.DefaultChannels = splitList(v)
	}
	if v := os.Getenv("RAWCHAT_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("RAWCHAT_FETCH_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FetchTimeoutSecs = n
		}
	}
}

// Validate checks the client config for inconsistencies.
func (c *Client) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.FetchTimeoutSecs <= 0 {
		return fmt.Errorf("fetch_timeout_secs must be positive, got %d", c.FetchTimeoutSecs)
	}
	for _, ch := range c.DefaultChannels {
		if strings.TrimSpace(ch) == "" {
			return errors.New("default_channels must not contain empty names")
		}
	}
	return nil
}

// =============================================================================
// MODERATOR CONFIG
// =============================================================================

// Moderator is the directory service configuration, shared by the registrar
// and API roles.
type Moderator struct {
	// DataDir holds the registrar's identity key and recorded feeds.
	DataDir string `toml:"data_dir"`

	// SwarmListenAddr is where the registrar accepts bootstrap dials.
	SwarmListenAddr string `toml:"swarm_listen_addr"`

	// APIListenAddr is where the API process serves HTTP.
	APIListenAddr string `toml:"api_listen_addr"`

	// IPCAddr is the API process's websocket endpoint the registrar dials.
	IPCAddr string `toml:"ipc_addr"`

	// RedisAddr backs pubsub topics.
	RedisAddr string `toml:"redis_addr"`

	// BanDir holds the two ban-list JSON files.
	BanDir string `toml:"ban_dir"`

	// FilesDir holds uploaded files served under /f/.
	FilesDir string `toml:"files_dir"`

	// AdminPasswordHash is hex(pbkdf2(password)); see HashAdminPassword.
	AdminPasswordHash string `toml:"admin_password_hash"`

	// TopRoomCount bounds the largest-rooms listing.
	TopRoomCount int `toml:"top_room_count"`

	// UploadRatePerMin limits upload requests per client per minute.
	UploadRatePerMin int `toml:"upload_rate_per_min"`
}

// DefaultModerator returns the moderator defaults.
func DefaultModerator() *Moderator {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".rawchat-moderator")
	return &Moderator{
		DataDir:          base,
		SwarmListenAddr:  ":7800",
		APIListenAddr:    ":7801",
		IPCAddr:          "ws://127.0.0.1:7801/ipc",
		RedisAddr:        "127.0.0.1:6379",
		BanDir:           filepath.Join(base, "bans"),
		FilesDir:         filepath.Join(base, "files"),
		TopRoomCount:     10,
		UploadRatePerMin: 6,
	}
}

// LoadModerator loads the moderator config from path, or defaults when path
// is empty or missing. Environment overrides apply last.
func LoadModerator(path string) (*Moderator, error) {
	cfg := DefaultModerator()
	if path != "" {
		if err := loadTOML(cfg, path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *Moderator) applyEnvOverrides() {
	if v := os.Getenv("RAWCHAT_MODERATOR_DATA_DIR"); v != "" {
		m.DataDir = v
	}
	if v := os.Getenv("RAWCHAT_SWARM_LISTEN_ADDR"); v != "" {
		m.SwarmListenAddr = v
	}
	if v := os.Getenv("RAWCHAT_API_LISTEN_ADDR"); v != "" {
		m.APIListenAddr = v
	}
	if v := os.Getenv("RAWCHAT_IPC_ADDR"); v != "" {
		m.IPCAddr = v
	}
	if v := os.Getenv("RAWCHAT_REDIS_ADDR"); v != "" {
		m.RedisAddr = v
	}
	if v := os.Getenv("RAWCHAT_BAN_DIR"); v != "" {
		m.BanDir = v
	}
	if v := os.Getenv("RAWCHAT_FILES_DIR"); v != "" {
		m.FilesDir = v
	}
	if v := os.Getenv("RAWCHAT_ADMIN_PASSWORD_HASH"); v != "" {
		m.AdminPasswordHash = v
	}
	if v := os.Getenv("RAWCHAT_TOP_ROOM_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			m.TopRoomCount = n
		}
	}
}

// Validate checks the moderator config for inconsistencies.
func (m *Moderator) Validate() error {
	if m.SwarmListenAddr == "" {
		return errors.New("swarm_listen_addr must be set")
	}
	if m.APIListenAddr == "" {
		return errors.New("api_listen_addr must be set")
	}
	if m.TopRoomCount <= 0 {
		return fmt.Errorf("top_room_count must be positive, got %d", m.TopRoomCount)
	}
	if m.UploadRatePerMin <= 0 {
		return fmt.Errorf("upload_rate_per_min must be positive, got %d", m.UploadRatePerMin)
	}
	if m.AdminPasswordHash != "" {
		if _, err := hex.DecodeString(m.AdminPasswordHash); err != nil {
			return fmt.Errorf("admin_password_hash is not valid hex: %w", err)
		}
	}
	return nil
}

// =============================================================================
// ADMIN PASSWORD
// =============================================================================

// Fixed PBKDF2 parameters. The salt is static because there is exactly one
// admin credential per deployment, not a user database.
const (
	pbkdf2Iterations = 210000
	pbkdf2KeyLen     = 32
	pbkdf2Salt       = "rawchat-moderator-admin"
)

// HashAdminPassword derives the stored hash for an admin password.
func HashAdminPassword(password string) string {
	key := pbkdf2.Key([]byte(password), []byte(pbkdf2Salt), pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return hex.EncodeToString(key)
}

// CheckAdminPassword compares password against the stored hash in constant
// time. An empty stored hash rejects everything.
func (m *Moderator) CheckAdminPassword(password string) bool {
	if m.AdminPasswordHash == "" {
		return false
	}
	stored, err := hex.DecodeString(m.AdminPasswordHash)
	if err != nil {
		return false
	}
	derived := pbkdf2.Key([]byte(password), []byte(pbkdf2Salt), pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return subtle.ConstantTimeCompare(stored, derived) == 1
}

// =============================================================================
// HELPERS
// =============================================================================

func loadTOML(cfg any, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
