// Package snapshot persists derived cache state (the per-user
// conversation directory) to a local pebble database so the UI has
// something to show before the first network round-trip completes.
// Snapshots are disposable: losing this database only costs a cold
// start, never data.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"flocksync/pkg/logger"
	"flocksync/pkg/models"
)

// Store wraps one pebble handle. Constructed once per client session and
// passed by reference; no package-level globals.
type Store struct {
	db   *pebble.DB
	path string
}

// Open opens (or creates) the snapshot database at path.
func Open(path string) (*Store, error) {
	logger.Info("opening_snapshot_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("snapshot_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("snapshot_closed")
	return err
}

// Ready reports whether the store is open.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

func directoryKey(userID string) []byte {
	return []byte("directory:" + userID)
}

// directoryEntry is the persisted form of one conversation: the row plus
// the derived fields the warm start needs.
type directoryEntry struct {
	Conversation models.Conversation  `json:"conversation"`
	Participants []models.Participant `json:"participants"`
	LastMessage  *models.Message      `json:"last_message,omitempty"`
	Unread       bool                 `json:"unread"`
}

// SaveDirectory persists the user's conversation list.
func (s *Store) SaveDirectory(userID string, convs []models.Conversation) error {
	if s.db == nil {
		return fmt.Errorf("snapshot store not open")
	}
	entries := make([]directoryEntry, len(convs))
	for i, c := range convs {
		entries[i] = directoryEntry{
			Conversation: c,
			Participants: c.Participants,
			LastMessage:  c.LastMessage,
			Unread:       c.Unread,
		}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal directory snapshot: %w", err)
	}
	if err := s.db.Set(directoryKey(userID), data, pebble.Sync); err != nil {
		logger.Error("snapshot_save_failed", "user", userID, "error", err)
		return err
	}
	logger.Debug("snapshot_saved", "user", userID, "conversations", len(convs))
	return nil
}

// LoadDirectory returns the persisted conversation list for the user, or
// ok=false when none exists. It runs on the startup path before any
// network call, so it stays synchronous and cheap.
func (s *Store) LoadDirectory(userID string) ([]models.Conversation, bool) {
	if s.db == nil {
		return nil, false
	}
	data, closer, err := s.db.Get(directoryKey(userID))
	if err != nil {
		if err != pebble.ErrNotFound {
			logger.Warn("snapshot_load_failed", "user", userID, "error", err)
		}
		return nil, false
	}
	defer closer.Close()
	var entries []directoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		logger.Warn("snapshot_corrupt", "user", userID, "error", err)
		return nil, false
	}
	convs := make([]models.Conversation, len(entries))
	for i, e := range entries {
		c := e.Conversation
		c.Participants = e.Participants
		c.LastMessage = e.LastMessage
		c.Unread = e.Unread
		convs[i] = c
	}
	return convs, true
}

// Compact runs a full-range compaction; the sweeper calls this on its
// schedule to keep the cache directory small.
func (s *Store) Compact() error {
	if s.db == nil {
		return nil
	}
	return s.db.Compact([]byte{0x00}, []byte{0xff}, false)
}
