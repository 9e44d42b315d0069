// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package directory

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/rodkeys/rawchat/internal/util"
)

// Ban list file names under the ban directory.
const (
	bannedUsersFile    = "bannedUserIDs.json"
	bannedChannelsFile = "bannedChannels.json"
)

// =============================================================================
// BAN LIST
// =============================================================================

// BanList persists the two moderation sets: banned user IDs and banned
// channel names. Each set lives in its own JSON file, read at startup and
// atomically rewritten on every mutation. The files are also watched so an
// operator editing them by hand is picked up without a restart.
type BanList struct {
	dir    string
	logger *log.Logger

	mu       sync.Mutex
	users    map[string]bool
	channels map[string]bool

	watcher *fsnotify.Watcher
}

// LoadBanList reads (or creates) the ban files under dir.
func LoadBanList(dir string) (*BanList, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ban directory: %w", err)
	}
	b := &BanList{
		dir:      dir,
		logger:   log.New(log.Writer(), "[banlist] ", log.LstdFlags),
		users:    make(map[string]bool),
		channels: make(map[string]bool),
	}
	if err := b.loadFile(bannedUsersFile, b.users); err != nil {
		return nil, err
	}
	if err := b.loadFile(bannedChannelsFile, b.channels); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BanList) loadFile(name string, into map[string]bool) error {
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	for _, e := range entries {
		into[e] = true
	}
	return nil
}

// Watch re-reads a ban file whenever it changes on disk. Rewrites from our
// own mutations are harmless: reloading reproduces the in-memory set.
func (b *BanList) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(b.dir); err != nil {
		watcher.Close()
		return err
	}
	b.watcher = watcher

	go func() {
		for ev := range watcher.Events {
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			switch filepath.Base(ev.Name) {
			case bannedUsersFile:
				b.reload(bannedUsersFile)
			case bannedChannelsFile:
				b.reload(bannedChannelsFile)
			}
		}
	}()
	return nil
}

func (b *BanList) reload(name string) {
	fresh := make(map[string]bool)
	if err := b.loadFile(name, fresh); err != nil {
		b.logger.Printf("reload of %s failed: %v", name, err)
		return
	}
	b.mu.Lock()
	if name == bannedUsersFile {
		b.users = fresh
	} else {
		b.channels = fresh
	}
	b.mu.Unlock()
}

// Close stops the file watcher.
func (b *BanList) Close() error {
	if b.watcher != nil {
		return b.watcher.Close()
	}
	return nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// BanUser adds a user ID to the ban set. Returns true if the set changed.
func (b *BanList) BanUser(userID string) (bool, error) {
	return b.mutate(bannedUsersFile, func() bool {
		if b.users[userID] {
			return false
		}
		b.users[userID] = true
		return true
	})
}

// UnbanUser removes a user ID from the ban set.
func (b *BanList) UnbanUser(userID string) (bool, error) {
	return b.mutate(bannedUsersFile, func() bool {
		if !b.users[userID] {
			return false
		}
		delete(b.users, userID)
		return true
	})
}

// BanChannel adds a channel name to the listing ban set. Banned channels
// disappear from rankings; message delivery is unaffected.
func (b *BanList) BanChannel(channel string) (bool, error) {
	return b.mutate(bannedChannelsFile, func() bool {
		if b.channels[channel] {
			return false
		}
		b.channels[channel] = true
		return true
	})
}

// UnbanChannel removes a channel name from the listing ban set.
func (b *BanList) UnbanChannel(channel string) (bool, error) {
	return b.mutate(bannedChannelsFile, func() bool {
		if !b.channels[channel] {
			return false
		}
		delete(b.channels, channel)
		return true
	})
}

// mutate applies fn under the lock and rewrites the backing file when the
// set changed. Mutations are idempotent: a no-op change skips the write.
func (b *BanList) mutate(file string, fn func() bool) (bool, error) {
	b.mu.Lock()
	changed := fn()
	var entries []string
	if changed {
		set := b.users
		if file == bannedChannelsFile {
			set = b.channels
		}
		entries = make([]string, 0, len(set))
		for e := range set {
			entries = append(entries, e)
		}
	}
	b.mu.Unlock()
	if !changed {
		return false, nil
	}

	sort.Strings(entries)
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return true, err
	}
	if err := util.AtomicWriteFile(filepath.Join(b.dir, file), data, 0644); err != nil {
		return true, fmt.Errorf("failed to persist %s: %w", file, err)
	}
	return true, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// UserBanned reports whether userID is banned.
func (b *BanList) UserBanned(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.users[userID]
}

// ChannelBanned reports whether channel is banned from listings.
func (b *BanList) ChannelBanned(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[channel]
}

// BannedUsers returns the banned user IDs, sorted.
func (b *BanList) BannedUsers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.users))
	for id := range b.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// BannedChannels returns the banned channel names, sorted.
func (b *BanList) BannedChannels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.channels))
	for ch := range b.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
