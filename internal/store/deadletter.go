package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowdeck/syncd/internal/model"
)

// SaveDeadLetters atomically replaces the persisted dead-letter list.
func (s *Store) SaveDeadLetters(items []model.DeadLetterItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM dead_letters`); err != nil {
		return fmt.Errorf("failed to clear dead-letter table: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO dead_letters (id, action, failed_at, reason) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare dead-letter insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		actionJSON, err := json.Marshal(item.Action)
		if err != nil {
			return fmt.Errorf("failed to marshal dead-letter action %s: %w", item.Action.ID, err)
		}
		if _, err := stmt.Exec(item.Action.ID, string(actionJSON), item.FailedAt.UnixMilli(), item.Reason); err != nil {
			return fmt.Errorf("failed to insert dead letter %s: %w", item.Action.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter save: %w", err)
	}
	return nil
}

// LoadDeadLetters returns persisted dead letters younger than ttl, oldest
// first. Items past the TTL are dropped from the store during the load.
func (s *Store) LoadDeadLetters(ttl time.Duration) ([]model.DeadLetterItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl).UnixMilli()

	if _, err := s.db.Exec(`DELETE FROM dead_letters WHERE failed_at < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("failed to expire dead letters: %w", err)
	}

	rows, err := s.db.Query(`SELECT action, failed_at, reason FROM dead_letters ORDER BY failed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}
	defer rows.Close()

	var items []model.DeadLetterItem
	for rows.Next() {
		var actionJSON, reason string
		var failedAt int64
		if err := rows.Scan(&actionJSON, &failedAt, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}

		var action model.QueuedAction
		if err := json.Unmarshal([]byte(actionJSON), &action); err != nil {
			s.logger.Warn().Err(err).Msg("skipping undecodable dead letter")
			continue
		}

		items = append(items, model.DeadLetterItem{
			Action:   action,
			FailedAt: time.UnixMilli(failedAt).UTC(),
			Reason:   reason,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return items, nil
}

// ClearDeadLetters drops the persisted dead-letter list. Tier 1 of the
// storage-degradation ladder.
func (s *Store) ClearDeadLetters() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM dead_letters`); err != nil {
		return fmt.Errorf("failed to clear dead letters: %w", err)
	}
	return nil
}
