// Package tracker records local changes per project between pushes and owns
// the temporary per-field edit locks that bias merge outcomes while a user
// is actively editing.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowdeck/syncd/internal/model"
)

// Config tunes the tracker.
type Config struct {
	// LockTTL is the default lifetime of a field lock.
	LockTTL time.Duration
	// ChangeRatioLimit is the fraction of known entities changed above which
	// ValidateChanges emits a full-sync recommendation.
	ChangeRatioLimit float64
}

// DefaultConfig returns the standard tracker tuning.
func DefaultConfig() Config {
	return Config{
		LockTTL:          30 * time.Second,
		ChangeRatioLimit: 0.8,
	}
}

// Tracker owns the per-project pending-change ledgers and the field-lock
// table. One instance per process; all access is mutex-guarded.
type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	logger   zerolog.Logger
	projects map[string]*ledger
	locks    map[lockKey]time.Time // value is the expiry instant
	now      func() time.Time
}

type lockKey struct {
	projectID string
	taskID    string
	field     string
}

// ledger is the net changeset for one project since the last push.
type ledger struct {
	taskCreates map[string]model.Task
	taskUpdates map[string]*trackedUpdate
	taskDeletes map[string]struct{}
	connCreates map[string]model.Connection
	connUpdates map[string]*trackedConnUpdate
	connDeletes map[string]struct{}
}

type trackedUpdate struct {
	task   model.Task
	fields map[string]struct{}
}

type trackedConnUpdate struct {
	conn   model.Connection
	fields map[string]struct{}
}

// New creates a tracker.
func New(cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if cfg.ChangeRatioLimit <= 0 {
		cfg.ChangeRatioLimit = DefaultConfig().ChangeRatioLimit
	}
	return &Tracker{
		cfg:      cfg,
		logger:   logger.With().Str("component", "tracker").Logger(),
		projects: make(map[string]*ledger),
		locks:    make(map[lockKey]time.Time),
		now:      time.Now,
	}
}

func (t *Tracker) ledgerFor(projectID string) *ledger {
	l, ok := t.projects[projectID]
	if !ok {
		l = &ledger{
			taskCreates: make(map[string]model.Task),
			taskUpdates: make(map[string]*trackedUpdate),
			taskDeletes: make(map[string]struct{}),
			connCreates: make(map[string]model.Connection),
			connUpdates: make(map[string]*trackedConnUpdate),
			connDeletes: make(map[string]struct{}),
		}
		t.projects[projectID] = l
	}
	return l
}

// TrackTaskCreate records a locally created task. Creating an id that was
// pending deletion collapses to an update (delete-then-create).
func (t *Tracker) TrackTaskCreate(projectID string, task model.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.ledgerFor(projectID)
	if _, deleted := l.taskDeletes[task.ID]; deleted {
		delete(l.taskDeletes, task.ID)
		l.taskUpdates[task.ID] = &trackedUpdate{task: task.Clone(), fields: map[string]struct{}{}}
		return
	}
	l.taskCreates[task.ID] = task.Clone()
}

// TrackTaskUpdate records a local edit. Repeated updates merge their
// changed-field sets and keep the latest snapshot; updating a pending create
// refreshes the create snapshot instead.
func (t *Tracker) TrackTaskUpdate(projectID string, task model.Task, changedFields ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.ledgerFor(projectID)
	if _, creating := l.taskCreates[task.ID]; creating {
		l.taskCreates[task.ID] = task.Clone()
		return
	}

	u, ok := l.taskUpdates[task.ID]
	if !ok {
		u = &trackedUpdate{fields: make(map[string]struct{})}
		l.taskUpdates[task.ID] = u
	}
	u.task = task.Clone()
	for _, f := range changedFields {
		u.fields[f] = struct{}{}
	}
}

// TrackTaskDelete records a local deletion. Deleting a pending create
// cancels both (net no-op).
func (t *Tracker) TrackTaskDelete(projectID, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.ledgerFor(projectID)
	if _, creating := l.taskCreates[taskID]; creating {
		delete(l.taskCreates, taskID)
		return
	}
	delete(l.taskUpdates, taskID)
	l.taskDeletes[taskID] = struct{}{}
}

// TrackConnectionCreate records a locally created connection.
func (t *Tracker) TrackConnectionCreate(projectID string, conn model.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.ledgerFor(projectID)
	if _, deleted := l.connDeletes[conn.ID]; deleted {
		delete(l.connDeletes, conn.ID)
		l.connUpdates[conn.ID] = &trackedConnUpdate{conn: conn.Clone(), fields: map[string]struct{}{}}
		return
	}
	l.connCreates[conn.ID] = conn.Clone()
}

// TrackConnectionUpdate records a local connection edit.
func (t *Tracker) TrackConnectionUpdate(projectID string, conn model.Connection, changedFields ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.ledgerFor(projectID)
	if _, creating := l.connCreates[conn.ID]; creating {
		l.connCreates[conn.ID] = conn.Clone()
		return
	}

	u, ok := l.connUpdates[conn.ID]
	if !ok {
		u = &trackedConnUpdate{fields: make(map[string]struct{})}
		l.connUpdates[conn.ID] = u
	}
	u.conn = conn.Clone()
	for _, f := range changedFields {
		u.fields[f] = struct{}{}
	}
}

// TrackConnectionDelete records a local connection deletion.
func (t *Tracker) TrackConnectionDelete(projectID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.ledgerFor(projectID)
	if _, creating := l.connCreates[connID]; creating {
		delete(l.connCreates, connID)
		return
	}
	delete(l.connUpdates, connID)
	l.connDeletes[connID] = struct{}{}
}

// ProjectChanges is the net changeset for one project.
type ProjectChanges struct {
	TasksToCreate         []model.Task        `json:"tasksToCreate,omitempty"`
	TasksToUpdate         []model.Task        `json:"tasksToUpdate,omitempty"`
	TaskIDsToDelete       []string            `json:"taskIdsToDelete,omitempty"`
	ConnectionsToCreate   []model.Connection  `json:"connectionsToCreate,omitempty"`
	ConnectionsToUpdate   []model.Connection  `json:"connectionsToUpdate,omitempty"`
	ConnectionIDsToDelete []string            `json:"connectionIdsToDelete,omitempty"`
	ChangedFields         map[string][]string `json:"changedFields,omitempty"`
	HasChanges            bool                `json:"hasChanges"`
}

// GetProjectChanges returns the net changeset. Slices are sorted by id for
// deterministic output.
func (t *Tracker) GetProjectChanges(projectID string) ProjectChanges {
	t.mu.Lock()
	defer t.mu.Unlock()

	var c ProjectChanges
	l, ok := t.projects[projectID]
	if !ok {
		return c
	}

	c.ChangedFields = make(map[string][]string)
	for _, task := range l.taskCreates {
		c.TasksToCreate = append(c.TasksToCreate, task.Clone())
	}
	for id, u := range l.taskUpdates {
		c.TasksToUpdate = append(c.TasksToUpdate, u.task.Clone())
		c.ChangedFields[id] = sortedKeys(u.fields)
	}
	for id := range l.taskDeletes {
		c.TaskIDsToDelete = append(c.TaskIDsToDelete, id)
	}
	for _, conn := range l.connCreates {
		c.ConnectionsToCreate = append(c.ConnectionsToCreate, conn.Clone())
	}
	for id, u := range l.connUpdates {
		c.ConnectionsToUpdate = append(c.ConnectionsToUpdate, u.conn.Clone())
		c.ChangedFields[id] = sortedKeys(u.fields)
	}
	for id := range l.connDeletes {
		c.ConnectionIDsToDelete = append(c.ConnectionIDsToDelete, id)
	}

	sort.Slice(c.TasksToCreate, func(i, j int) bool { return c.TasksToCreate[i].ID < c.TasksToCreate[j].ID })
	sort.Slice(c.TasksToUpdate, func(i, j int) bool { return c.TasksToUpdate[i].ID < c.TasksToUpdate[j].ID })
	sort.Strings(c.TaskIDsToDelete)
	sort.Slice(c.ConnectionsToCreate, func(i, j int) bool { return c.ConnectionsToCreate[i].ID < c.ConnectionsToCreate[j].ID })
	sort.Slice(c.ConnectionsToUpdate, func(i, j int) bool { return c.ConnectionsToUpdate[i].ID < c.ConnectionsToUpdate[j].ID })
	sort.Strings(c.ConnectionIDsToDelete)

	c.HasChanges = len(c.TasksToCreate)+len(c.TasksToUpdate)+len(c.TaskIDsToDelete)+
		len(c.ConnectionsToCreate)+len(c.ConnectionsToUpdate)+len(c.ConnectionIDsToDelete) > 0
	return c
}

// ClearProjectChanges drops the ledger for one project, leaving other
// projects untouched. Called after a successful push.
func (t *Tracker) ClearProjectChanges(projectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.projects, projectID)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
