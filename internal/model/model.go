// Package model defines the shared data types for the flowdeck sync core:
// the project entity graph (tasks and connections), the outbox action shapes,
// and the dead-letter quarantine record.
package model

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
)

// Attachment is a blob-by-reference carried on a task. Attachments are leaf
// values for merge purposes: they are unioned by ID, never merged internally.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Ref  string `json:"ref,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Task is a node in the project graph.
//
// Stage is nil for unassigned tasks. ParentID forms a forest (must stay
// acyclic). DeletedAt doubles as the soft-delete tombstone marker; UpdatedAt
// is monotonic per writer but not globally ordered.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Content     string       `json:"content,omitempty"`
	Stage       *int         `json:"stage,omitempty"`
	ParentID    *string      `json:"parentId,omitempty"`
	Order       int          `json:"order"`
	Rank        float64      `json:"rank"`
	Status      TaskStatus   `json:"status"`
	X           float64      `json:"x"`
	Y           float64      `json:"y"`
	Tags        []string     `json:"tags,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	DeletedAt   *time.Time   `json:"deletedAt,omitempty"`
	UpdatedAt   *time.Time   `json:"updatedAt,omitempty"`
}

// Connection is a non-hierarchical edge between two tasks.
type Connection struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Target      string     `json:"target"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// Project is the root aggregate synced between the local replica and the
// remote backend. Version increases monotonically; every merge bumps it.
type Project struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	Version     int64        `json:"version"`
	Tasks       []Task       `json:"tasks"`
	Connections []Connection `json:"connections"`
}

// ActionType is the mutation kind carried by a queued action.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// EntityType names the entity a queued action targets.
type EntityType string

const (
	EntityProject    EntityType = "project"
	EntityTask       EntityType = "task"
	EntityConnection EntityType = "connection"
	EntityPreference EntityType = "preference"
)

// Priority controls eviction and dead-letter behavior. Low-priority actions
// are best-effort: evicted first under pressure and never dead-lettered.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityCritical Priority = "critical"
)

// ErrorClass is the outbox error taxonomy. Permission and business errors
// are terminal; the rest are retried with class-specific backoff.
type ErrorClass string

const (
	ErrClassNetwork    ErrorClass = "network"
	ErrClassTimeout    ErrorClass = "timeout"
	ErrClassPermission ErrorClass = "permission"
	ErrClassBusiness   ErrorClass = "business"
	ErrClassUnknown    ErrorClass = "unknown"
)

// QueuedAction is a pending mutation in the outbox, destined for the remote
// backend. Payload is opaque to the queue.
type QueuedAction struct {
	ID         string          `json:"id"`
	Type       ActionType      `json:"type"`
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
	ProjectID  string          `json:"projectId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   Priority        `json:"priority"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
	ErrorType  ErrorClass      `json:"errorType,omitempty"`
	Paused     bool            `json:"paused,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// DeadLetterItem is a queued action that exhausted its retries or hit a
// terminal error class. Items older than the dead-letter TTL are dropped on
// the next load.
type DeadLetterItem struct {
	Action   QueuedAction `json:"action"`
	FailedAt time.Time    `json:"failedAt"`
	Reason   string       `json:"reason"`
}

// EntityKey identifies the entity an action touches, used for per-entity
// ordering and dependent-action pausing.
func (a *QueuedAction) EntityKey() string {
	return string(a.EntityType) + ":" + a.EntityID
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	out := t
	if t.Stage != nil {
		v := *t.Stage
		out.Stage = &v
	}
	if t.ParentID != nil {
		v := *t.ParentID
		out.ParentID = &v
	}
	out.DeletedAt = cloneTime(t.DeletedAt)
	out.UpdatedAt = cloneTime(t.UpdatedAt)
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	if t.Attachments != nil {
		out.Attachments = append([]Attachment(nil), t.Attachments...)
	}
	return out
}

// Clone returns a deep copy of the connection.
func (c Connection) Clone() Connection {
	out := c
	out.DeletedAt = cloneTime(c.DeletedAt)
	return out
}

// Clone returns a deep copy of the project, including all tasks and
// connections. The merge engine clones both inputs so its result never
// aliases caller-owned memory.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	out := &Project{ID: p.ID, Name: p.Name, Version: p.Version}
	if p.Tasks != nil {
		out.Tasks = make([]Task, len(p.Tasks))
		for i, t := range p.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	if p.Connections != nil {
		out.Connections = make([]Connection, len(p.Connections))
		for i, c := range p.Connections {
			out.Connections[i] = c.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the action.
func (a QueuedAction) Clone() QueuedAction {
	out := a
	if a.Payload != nil {
		out.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
