// Package state holds the process-wide mutable registries: registered
// groups, agent session handles, and the router watermarks. All mutation
// goes through accessors that also persist, so a restart resumes exactly
// where the previous run stopped.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jholhewres/nanoclaw/pkg/nanoclaw/types"
)

const (
	routerStateFile = "router_state.json"
	sessionsFile    = "sessions.json"
	groupsFile      = "registered_groups.json"
)

// routerState is the on-disk watermark record.
type routerState struct {
	LastTimestamp      string            `json:"last_timestamp"`
	LastAgentTimestamp map[string]string `json:"last_agent_timestamp"`
}

// State is the durable process state. Safe for concurrent use; every write
// accessor persists before returning. Persistence is a whole-file rewrite
// through a temp file and rename, never a partial update.
type State struct {
	dataDir string
	logger  *slog.Logger

	mu            sync.RWMutex
	groups        map[string]*types.RegisteredGroup // keyed by folder
	sessions      map[string]string                 // folder → session handle
	lastTimestamp string
	lastAgent     map[string]string // folder → timestamp

	// persistMu is held across snapshot-and-write so concurrent writers
	// cannot land an older snapshot on disk after a newer one.
	persistMu sync.Mutex

	// folderLocks serialize read-session → invoke → write-session per
	// namespace, so two concurrent turns for the same group cannot race
	// on the session handle.
	folderMu    sync.Mutex
	folderLocks map[string]*sync.Mutex
}

// Load constructs State from the durable files under dataDir. Missing files
// start empty; a corrupt file is an error so a broken deployment is caught
// at startup rather than silently reset.
func Load(dataDir string, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %q: %w", dataDir, err)
	}

	s := &State{
		dataDir:     dataDir,
		logger:      logger.With("component", "state"),
		groups:      make(map[string]*types.RegisteredGroup),
		sessions:    make(map[string]string),
		lastAgent:   make(map[string]string),
		folderLocks: make(map[string]*sync.Mutex),
	}

	var rs routerState
	if err := loadJSON(filepath.Join(dataDir, routerStateFile), &rs); err != nil {
		return nil, err
	}
	s.lastTimestamp = rs.LastTimestamp
	if rs.LastAgentTimestamp != nil {
		s.lastAgent = rs.LastAgentTimestamp
	}

	if err := loadJSON(filepath.Join(dataDir, sessionsFile), &s.sessions); err != nil {
		return nil, err
	}
	if s.sessions == nil {
		s.sessions = make(map[string]string)
	}

	var groups map[string]*types.RegisteredGroup
	if err := loadJSON(filepath.Join(dataDir, groupsFile), &groups); err != nil {
		return nil, err
	}
	for key, g := range groups {
		if g == nil {
			return nil, fmt.Errorf("group %q in %s is null", key, groupsFile)
		}
		g.IsMain = g.Folder == types.MainGroupFolder
		s.groups[g.Folder] = g
	}

	s.logger.Info("state loaded",
		"groups", len(s.groups),
		"sessions", len(s.sessions),
		"last_timestamp", s.lastTimestamp,
	)
	return s, nil
}

// ---------- Groups ----------

// GroupByChatID resolves the registered group owning a chat.
func (s *State) GroupByChatID(chatID int64) (*types.RegisteredGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		if g.ChatID == chatID {
			return g, true
		}
	}
	return nil, false
}

// GroupByFolder resolves a registered group by namespace.
func (s *State) GroupByFolder(folder string) (*types.RegisteredGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[folder]
	return g, ok
}

// Groups returns all registered groups.
func (s *State) Groups() []*types.RegisteredGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.RegisteredGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out
}

// ChatIDs returns the chat ids of all registered groups.
func (s *State) ChatIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.ChatID)
	}
	return out
}

// ---------- Sessions ----------

// Session returns the current session handle for a namespace.
func (s *State) Session(folder string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sessions[folder]
	return id, ok
}

// SetSession stores a session handle and persists the session map.
func (s *State) SetSession(folder, sessionID string) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	s.sessions[folder] = sessionID
	snapshot := cloneMap(s.sessions)
	s.mu.Unlock()
	return saveJSON(filepath.Join(s.dataDir, sessionsFile), snapshot)
}

// ---------- Watermarks ----------

// LastTimestamp returns the global router watermark.
func (s *State) LastTimestamp() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTimestamp
}

// LastAgentTimestamp returns the per-namespace agent watermark.
func (s *State) LastAgentTimestamp(folder string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAgent[folder]
}

// AdvanceLastTimestamp moves the global watermark and persists. Called after
// each processed message, not after the whole batch, so a crash mid-batch
// resumes at the next unprocessed message.
func (s *State) AdvanceLastTimestamp(ts string) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	s.lastTimestamp = ts
	snapshot := s.routerSnapshotLocked()
	s.mu.Unlock()
	return saveJSON(filepath.Join(s.dataDir, routerStateFile), snapshot)
}

// SetLastAgentTimestamp moves one namespace's agent watermark and persists.
func (s *State) SetLastAgentTimestamp(folder, ts string) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	s.lastAgent[folder] = ts
	snapshot := s.routerSnapshotLocked()
	s.mu.Unlock()
	return saveJSON(filepath.Join(s.dataDir, routerStateFile), snapshot)
}

func (s *State) routerSnapshotLocked() routerState {
	return routerState{
		LastTimestamp:      s.lastTimestamp,
		LastAgentTimestamp: cloneMap(s.lastAgent),
	}
}

// ---------- Per-namespace serialization ----------

// LockFolder acquires the per-namespace mutex and returns its unlock func.
// Held around agent invocation plus session mutation by both the router and
// the scheduler, removing the lost-update race between concurrent turns.
func (s *State) LockFolder(folder string) func() {
	s.folderMu.Lock()
	mu, ok := s.folderLocks[folder]
	if !ok {
		mu = &sync.Mutex{}
		s.folderLocks[folder] = mu
	}
	s.folderMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// ---------- Persistence ----------

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %q: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %q: %w", path, err)
	}
	return nil
}

func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %q: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %q: %w", path, err)
	}
	return nil
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
