package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/flowdeck/syncd/internal/model"
)

// SaveQueue atomically replaces the persisted queue with the given ordered
// action list. The outbox calls this synchronously after every queue
// mutation, so the persisted state always matches the in-memory queue.
func (s *Store) SaveQueue(actions []model.QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin queue save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM queue_actions`); err != nil {
		return fmt.Errorf("failed to clear queue table: %w", err)
	}

	stmt, err := tx.Prepare(`
	INSERT INTO queue_actions (
		id, type, entity_type, entity_id, project_id, payload,
		priority, retry_count, last_error, error_type, paused, enqueued_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare queue insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range actions {
		lastError := sql.NullString{String: a.LastError, Valid: a.LastError != ""}
		errorType := sql.NullString{String: string(a.ErrorType), Valid: a.ErrorType != ""}
		paused := 0
		if a.Paused {
			paused = 1
		}
		if _, err := stmt.Exec(
			a.ID, string(a.Type), string(a.EntityType), a.EntityID, a.ProjectID,
			a.Payload, string(a.Priority), a.RetryCount, lastError, errorType,
			paused, a.EnqueuedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to insert queued action %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue save: %w", err)
	}
	return nil
}

// LoadQueue returns the persisted queue in enqueue order.
func (s *Store) LoadQueue() ([]model.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
	SELECT id, type, entity_type, entity_id, project_id, payload,
	       priority, retry_count, last_error, error_type, paused, enqueued_at
	FROM queue_actions ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	defer rows.Close()

	var actions []model.QueuedAction
	for rows.Next() {
		var a model.QueuedAction
		var actionType, entityType, priority string
		var lastError, errorType sql.NullString
		var paused int
		var enqueuedAt int64

		if err := rows.Scan(
			&a.ID, &actionType, &entityType, &a.EntityID, &a.ProjectID, &a.Payload,
			&priority, &a.RetryCount, &lastError, &errorType, &paused, &enqueuedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan queued action: %w", err)
		}

		a.Type = model.ActionType(actionType)
		a.EntityType = model.EntityType(entityType)
		a.Priority = model.Priority(priority)
		if lastError.Valid {
			a.LastError = lastError.String
		}
		if errorType.Valid {
			a.ErrorType = model.ErrorClass(errorType.String)
		}
		a.Paused = paused != 0
		a.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()

		actions = append(actions, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return actions, nil
}

// ClearQueue removes every pending action from the primary store.
func (s *Store) ClearQueue() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM queue_actions`); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}
