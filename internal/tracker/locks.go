package tracker

import (
	"sort"
	"time"
)

// LockTaskField marks a field as actively edited. A zero ttl uses the
// configured default. Locks are advisory and in-memory only; they never
// survive a process restart.
func (t *Tracker) LockTaskField(taskID, projectID, field string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.cfg.LockTTL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locks[lockKey{projectID: projectID, taskID: taskID, field: field}] = t.now().Add(ttl)
}

// UnlockTaskField releases one field lock.
func (t *Tracker) UnlockTaskField(taskID, projectID, field string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, lockKey{projectID: projectID, taskID: taskID, field: field})
}

// UnlockAllTaskFields releases every lock held on one task.
func (t *Tracker) UnlockAllTaskFields(taskID, projectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.locks {
		if k.projectID == projectID && k.taskID == taskID {
			delete(t.locks, k)
		}
	}
}

// IsTaskFieldLocked reports whether a field lock exists and has not expired.
// Expired entries are reaped on read; there is no background sweep.
func (t *Tracker) IsTaskFieldLocked(taskID, projectID, field string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := lockKey{projectID: projectID, taskID: taskID, field: field}
	expiry, ok := t.locks[key]
	if !ok {
		return false
	}
	if !t.now().Before(expiry) {
		delete(t.locks, key)
		return false
	}
	return true
}

// GetLockedFields returns the live locked fields of a task, sorted. Stale
// locks are filtered out and reaped.
func (t *Tracker) GetLockedFields(taskID, projectID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var fields []string
	for k, expiry := range t.locks {
		if k.projectID != projectID || k.taskID != taskID {
			continue
		}
		if !now.Before(expiry) {
			delete(t.locks, k)
			continue
		}
		fields = append(fields, k.field)
	}
	sort.Strings(fields)
	return fields
}

// ClearProjectFieldLocks releases every lock in one project without touching
// other projects. Used when abandoning a project context.
func (t *Tracker) ClearProjectFieldLocks(projectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.locks {
		if k.projectID == projectID {
			delete(t.locks, k)
		}
	}
}

// LockedFieldsFunc adapts the lock table to the merge engine's lookup shape
// for one project.
func (t *Tracker) LockedFieldsFunc(projectID string) func(taskID string) map[string]bool {
	return func(taskID string) map[string]bool {
		fields := t.GetLockedFields(taskID, projectID)
		if len(fields) == 0 {
			return nil
		}
		out := make(map[string]bool, len(fields))
		for _, f := range fields {
			out[f] = true
		}
		return out
	}
}
