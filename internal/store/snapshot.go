package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/flowdeck/syncd/internal/model"
)

// Snapshot is the queue-plus-quarantine state written to the secondary
// store when the primary degrades, and the shape of the escape-mode payload.
type Snapshot struct {
	Queue      []model.QueuedAction   `json:"queue"`
	DeadLetter []model.DeadLetterItem `json:"deadLetter"`
}

// SnapshotStore is the secondary embedded store: a single JSON file written
// with an atomic rename. Tier 3 of the storage-degradation ladder.
type SnapshotStore struct {
	path   string
	logger zerolog.Logger
}

// NewSnapshotStore creates a snapshot store at path.
func NewSnapshotStore(path string, logger zerolog.Logger) *SnapshotStore {
	return &SnapshotStore{
		path:   path,
		logger: logger.With().Str("component", "snapshot_store").Logger(),
	}
}

// Save writes the snapshot, replacing any previous one.
func (s *SnapshotStore) Save(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	s.logger.Info().Int("queue", len(snap.Queue)).Int("dead_letter", len(snap.DeadLetter)).
		Msg("snapshot written to secondary store")
	return nil
}

// Load reads the snapshot. The second return value is false when no
// snapshot exists.
func (s *SnapshotStore) Load() (Snapshot, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return snap, true, nil
}

// Clear removes the snapshot file. Missing files are not an error.
func (s *SnapshotStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	return nil
}
