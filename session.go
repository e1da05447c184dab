package magma

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// SessionStore persists the {identifier, clusterId} -> sessionId map
// Node needs to offer Session-Id on reconnect (spec.md §4.2, §6). One
// writer per process; writes are atomic (write-temp + rename) so a
// crash mid-write never corrupts the file for the next start.
type SessionStore struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

// NewSessionStore roots the store at <dir>/sessionIds.json and loads
// any existing contents.
func NewSessionStore(dir string) *SessionStore {
	s := &SessionStore{
		path: filepath.Join(dir, "sessionIds.json"),
		data: map[string]string{},
	}
	_ = s.load()
	return s
}

func sessionKey(identifier string, clusterID int) string {
	return fmt.Sprintf("%s:%d", identifier, clusterID)
}

func (s *SessionStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(raw, &s.data)
}

// Get returns the last-known sessionId for (identifier, clusterId), or
// "" if none has been persisted.
func (s *SessionStore) Get(identifier string, clusterID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[sessionKey(identifier, clusterID)]
}

// Set records a new sessionId and persists the map atomically.
func (s *SessionStore) Set(identifier string, clusterID int, sessionID string) error {
	s.mu.Lock()
	s.data[sessionKey(identifier, clusterID)] = sessionID
	snapshot := make(map[string]string, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	s.mu.Unlock()
	return atomicWriteJSON(s.path, snapshot)
}

// atomicWriteJSON writes value to path via renameio, so concurrent
// readers never observe a partial file (spec.md §5).
func atomicWriteJSON(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

// playersDir is the subdirectory holding one snapshot file per live
// player, named <guildId>.json (spec.md §6).
func playersDir(sessionDataDir string) string {
	return filepath.Join(sessionDataDir, "players")
}

func playerSnapshotPath(sessionDataDir, guildID string) string {
	return filepath.Join(playersDir(sessionDataDir), guildID+".json")
}

// savePlayerSnapshot atomically writes snap to its per-guild file.
func savePlayerSnapshot(sessionDataDir string, snap PlayerSnapshot) error {
	return atomicWriteJSON(playerSnapshotPath(sessionDataDir, snap.GuildID), snap)
}

// loadPlayerSnapshot reads back a previously saved snapshot.
func loadPlayerSnapshot(sessionDataDir, guildID string) (*PlayerSnapshot, error) {
	raw, err := os.ReadFile(playerSnapshotPath(sessionDataDir, guildID))
	if err != nil {
		return nil, err
	}
	var snap PlayerSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// deletePlayerSnapshot removes a guild's snapshot file, if present.
func deletePlayerSnapshot(sessionDataDir, guildID string) error {
	err := os.Remove(playerSnapshotPath(sessionDataDir, guildID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// listSnapshotGuildIDs scans the players directory, returning the
// guildId named by each <guildId>.json file found.
func listSnapshotGuildIDs(sessionDataDir string) ([]string, error) {
	entries, err := os.ReadDir(playersDir(sessionDataDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".json" {
			continue
		}
		out = append(out, name[:len(name)-len(ext)])
	}
	return out, nil
}
