// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package directory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/rodkeys/rawchat/internal/config"
	"github.com/rodkeys/rawchat/internal/ipc"
	"github.com/rodkeys/rawchat/internal/proto"
	"github.com/rodkeys/rawchat/internal/util"
)

// MaxUploadSize is the hosted-file ceiling.
const MaxUploadSize = 20971520 // 20 MiB

// uploadDenylist blocks executable extensions outright, regardless of size.
var uploadDenylist = map[string]bool{
	".exe": true, ".msi": true, ".bat": true, ".cmd": true, ".com": true,
	".scr": true, ".ps1": true, ".sh": true, ".dll": true, ".jar": true,
	".app": true, ".deb": true, ".rpm": true, ".apk": true, ".dmg": true,
}

// =============================================================================
// API
// =============================================================================

// API is the HTTP half of the directory. It serves rankings from the latest
// registrar snapshot, administers ban lists, and hosts uploaded files. The
// snapshot is eventually consistent: reads may trail the registrar by one
// IPC push.
type API struct {
	cfg    *config.Moderator
	ipc    *ipc.Server
	bans   *BanList
	logger *log.Logger

	mu    sync.Mutex
	table proto.PeerTable

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAPI creates the API process. Its IPC server endpoint must be mounted
// alongside the routes (see Router).
func NewAPI(cfg *config.Moderator, bans *BanList) *API {
	a := &API{
		cfg:      cfg,
		bans:     bans,
		logger:   log.New(log.Writer(), "[api] ", log.LstdFlags),
		table:    make(proto.PeerTable),
		limiters: make(map[string]*rate.Limiter),
	}
	a.ipc = ipc.NewServer(a.onSnapshot)
	return a
}

func (a *API) onSnapshot(table proto.PeerTable) {
	a.mu.Lock()
	a.table = table
	a.mu.Unlock()
}

func (a *API) snapshot() proto.PeerTable {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.table
}

// Router builds the /v0 route table. The random route is registered before
// the single-channel route so "random" is never parsed as a channel name.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	v0 := r.PathPrefix("/v0").Subrouter()

	v0.HandleFunc("/channels/default/{n}", a.handleTopRooms).Methods(http.MethodGet)
	v0.HandleFunc("/channels/allUserBans", a.handleAllUserBans).Methods(http.MethodGet)
	v0.HandleFunc("/channel/random/{currentChannelName}", a.handleRandomRoom).Methods(http.MethodGet)
	v0.HandleFunc("/channel/{channelName}/file/upload", a.handleUpload).Methods(http.MethodPost)
	v0.HandleFunc("/channel/{channelName}", a.handleSingleRoom).Methods(http.MethodGet)
	v0.HandleFunc("/admin/{password}/ban/user/{userID}", a.handleBanUser).Methods(http.MethodGet)
	v0.HandleFunc("/admin/{password}/unban/user/{userID}", a.handleUnbanUser).Methods(http.MethodGet)
	v0.HandleFunc("/admin/{password}/ban/channel/{channelName}", a.handleBanChannel).Methods(http.MethodGet)

	r.HandleFunc("/f/{filename}", a.handleServeFile).Methods(http.MethodGet)
	r.Handle("/ipc", a.ipc.Handler())
	return r
}

// =============================================================================
// ROOM ROUTES
// =============================================================================

func (a *API) handleTopRooms(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
		return
	}
	// The configured count caps what any single request can ask for.
	if n > a.cfg.TopRoomCount {
		n = a.cfg.TopRoomCount
	}
	rooms := CompileLargestDefaultRooms(a.snapshot(), a.bans.ChannelBanned, n)
	writeJSON(w, rooms)
}

func (a *API) handleRandomRoom(w http.ResponseWriter, r *http.Request) {
	current := mux.Vars(r)["currentChannelName"]
	writeJSON(w, CompileRandomRoom(a.snapshot(), a.bans.ChannelBanned, current))
}

func (a *API) handleSingleRoom(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["channelName"]
	writeJSON(w, CompileSingleRoom(a.snapshot(), a.bans.ChannelBanned, name))
}

func (a *API) handleAllUserBans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.bans.BannedUsers())
}

// =============================================================================
// ADMIN ROUTES
// =============================================================================

// authorize gates admin routes. The password travels as a path segment (a
// wart inherited from the public contract); comparison is constant time.
func (a *API) authorize(w http.ResponseWriter, r *http.Request) bool {
	if !a.cfg.CheckAdminPassword(mux.Vars(r)["password"]) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

// handleBanUser forwards the ban to the registrar, which persists it and
// broadcasts the directive to connected clients.
func (a *API) handleBanUser(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r) {
		return
	}
	userID := mux.Vars(r)["userID"]
	if err := a.ipc.SendBan(userID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "registrar unavailable")
		return
	}
	writeJSON(w, map[string]string{"banned": userID})
}

func (a *API) handleUnbanUser(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r) {
		return
	}
	userID := mux.Vars(r)["userID"]
	if err := a.ipc.SendUnban(userID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "registrar unavailable")
		return
	}
	writeJSON(w, map[string]string{"unbanned": userID})
}

// handleBanChannel applies directly: channel bans only affect listings,
// which this process computes, so no registrar round-trip is needed.
func (a *API) handleBanChannel(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r) {
		return
	}
	channel := mux.Vars(r)["channelName"]
	if _, err := a.bans.BanChannel(channel); err != nil {
		a.logger.Printf("channel ban failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to persist ban")
		return
	}
	writeJSON(w, map[string]string{"banned": channel})
}

// =============================================================================
// FILE HOSTING
// =============================================================================

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !a.allowUpload(r) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if r.ContentLength > MaxUploadSize+4096 {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", MaxUploadSize))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize+4096)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "upload must carry one file field")
		return
	}
	defer file.Close()

	if header.Size > MaxUploadSize {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", MaxUploadSize))
		return
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if uploadDenylist[ext] {
		writeError(w, http.StatusUnsupportedMediaType, "file type not allowed")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(data) > MaxUploadSize {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", MaxUploadSize))
		return
	}

	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:])[:8] + ext
	if err := os.MkdirAll(a.cfg.FilesDir, 0755); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}
	if err := util.AtomicWriteFile(filepath.Join(a.cfg.FilesDir, name), data, 0644); err != nil {
		a.logger.Printf("store upload: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	writeJSON(w, map[string]string{"url": "/f/" + name})
}

func (a *API) handleServeFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	// Hash-derived names never contain separators; reject anything else.
	if name != filepath.Base(name) || strings.Contains(name, "..") {
		writeError(w, http.StatusBadRequest, "bad filename")
		return
	}
	http.ServeFile(w, r, filepath.Join(a.cfg.FilesDir, name))
}

// allowUpload enforces the per-address upload rate limit.
func (a *API) allowUpload(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	a.limMu.Lock()
	defer a.limMu.Unlock()
	lim, ok := a.limiters[host]
	if !ok {
		perMin := rate.Limit(float64(a.cfg.UploadRatePerMin) / 60.0)
		lim = rate.NewLimiter(perMin, a.cfg.UploadRatePerMin)
		a.limiters[host] = lim
	}
	return lim.Allow()
}

// =============================================================================
// RESPONSES
// =============================================================================

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing more to do.
		return
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
