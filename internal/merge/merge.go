// Package merge implements the conflict-resolution engine that reconciles a
// locally-mutated project snapshot with a remotely-mutated one.
//
// The engine is pure: it owns no state, never mutates its inputs, and never
// fails for structurally valid snapshots. Resolution is last-write-wins per
// field by updatedAt, with a handful of field-specific rules: deletions are
// sticky, tags and attachments are unioned, canvas position always stays
// local, and free-text content gets a line-level merge before falling back
// to LWW.
package merge

import (
	"fmt"
	"time"

	"github.com/flowdeck/syncd/internal/model"
)

// LockedFields reports which fields of a task are under an active edit lock.
// Locked fields always keep their local value. A nil func means no locks.
type LockedFields func(taskID string) map[string]bool

// Options tunes the merge heuristics.
type Options struct {
	// ContentSimilarityCutoff is the minimum Jaccard similarity of the two
	// content line sets below which the line-level merge is abandoned in
	// favor of plain LWW.
	ContentSimilarityCutoff float64
}

// DefaultOptions returns the standard merge tuning.
func DefaultOptions() Options {
	return Options{ContentSimilarityCutoff: 0.3}
}

// Result is the outcome of a merge: the reconciled project, a human-readable
// issue per recovered task and per timestamp-resolved field conflict, and
// the count of field-level conflicts.
type Result struct {
	Project       *model.Project
	Issues        []string
	ConflictCount int
	// RecoveredCount is the number of tasks re-added by tombstone recovery.
	RecoveredCount int
}

// Merge reconciles local and remote with default options. See MergeWithOptions.
func Merge(local, remote *model.Project, tombstones map[string]struct{}, locked LockedFields) Result {
	return MergeWithOptions(local, remote, tombstones, locked, DefaultOptions())
}

// MergeWithOptions produces one merged project from the two snapshots.
//
// Task ids present on either side appear in the result exactly once. A task
// absent locally but present remotely is re-added unless its id is in
// tombstones (deletion without a recorded tombstone is treated as data loss
// and recovered). Output ordering is deterministic: local order first,
// recovered remote tasks appended in remote order.
func MergeWithOptions(local, remote *model.Project, tombstones map[string]struct{}, locked LockedFields, opts Options) Result {
	if locked == nil {
		locked = func(string) map[string]bool { return nil }
	}
	if opts.ContentSimilarityCutoff <= 0 {
		opts.ContentSimilarityCutoff = DefaultOptions().ContentSimilarityCutoff
	}

	res := Result{}

	merged := &model.Project{
		ID:      local.ID,
		Name:    local.Name,
		Version: maxInt64(local.Version, remote.Version) + 1,
	}
	if merged.ID == "" {
		merged.ID = remote.ID
	}
	if merged.Name == "" {
		merged.Name = remote.Name
	}

	remoteTasks := make(map[string]*model.Task, len(remote.Tasks))
	for i := range remote.Tasks {
		remoteTasks[remote.Tasks[i].ID] = &remote.Tasks[i]
	}
	localTaskIDs := make(map[string]struct{}, len(local.Tasks))

	for i := range local.Tasks {
		lt := &local.Tasks[i]
		localTaskIDs[lt.ID] = struct{}{}

		rt, ok := remoteTasks[lt.ID]
		if !ok {
			merged.Tasks = append(merged.Tasks, lt.Clone())
			continue
		}

		mt, issues, conflicts := reconcileTask(lt, rt, locked(lt.ID), opts)
		merged.Tasks = append(merged.Tasks, mt)
		res.Issues = append(res.Issues, issues...)
		res.ConflictCount += conflicts
	}

	// Tombstone recovery: remote-only tasks survive unless their deletion
	// was recorded as a tombstone.
	for i := range remote.Tasks {
		rt := &remote.Tasks[i]
		if _, ok := localTaskIDs[rt.ID]; ok {
			continue
		}
		if _, dead := tombstones[rt.ID]; dead {
			continue
		}
		merged.Tasks = append(merged.Tasks, rt.Clone())
		res.Issues = append(res.Issues, fmt.Sprintf("task %s: missing locally without tombstone, recovered from remote", rt.ID))
		res.RecoveredCount++
	}

	merged.Connections = mergeConnections(local.Connections, remote.Connections)

	res.Project = merged
	return res
}

// reconcileTask resolves every field of a task present in both snapshots
// against the same pair: no partial visibility of an in-progress merge.
func reconcileTask(local, remote *model.Task, lockedFields map[string]bool, opts Options) (model.Task, []string, int) {
	out := local.Clone()
	var issues []string
	conflicts := 0

	lts := timestamp(local.UpdatedAt)
	rts := timestamp(remote.UpdatedAt)
	remoteWins := rts.After(lts) // exact ties keep local

	// lww resolves one plain field: locked keeps local, otherwise the side
	// with the strictly newer updatedAt wins. Returns true when remote's
	// value was taken.
	lww := func(field string, differ bool) bool {
		if !differ {
			return false
		}
		if lockedFields[field] {
			return false
		}
		conflicts++
		winner := "local"
		if remoteWins {
			winner = "remote"
		}
		issues = append(issues, fmt.Sprintf("task %s: field %s conflict, %s wins", local.ID, field, winner))
		return remoteWins
	}

	if lww("title", local.Title != remote.Title) {
		out.Title = remote.Title
	}
	if lww("status", local.Status != remote.Status) {
		out.Status = remote.Status
	}
	if lww("stage", !eqIntPtr(local.Stage, remote.Stage)) {
		out.Stage = cloneIntPtr(remote.Stage)
	}
	if lww("parentId", !eqStrPtr(local.ParentID, remote.ParentID)) {
		out.ParentID = cloneStrPtr(remote.ParentID)
	}
	if lww("order", local.Order != remote.Order) {
		out.Order = remote.Order
	}
	if lww("rank", local.Rank != remote.Rank) {
		out.Rank = remote.Rank
	}

	// Free text gets a content-aware merge before LWW.
	if local.Content != remote.Content && !lockedFields["content"] {
		conflicts++
		out.Content = mergeContent(local.Content, remote.Content, remoteWins, opts.ContentSimilarityCutoff)
		issues = append(issues, fmt.Sprintf("task %s: field content conflict, merged", local.ID))
	}

	// Canvas position is a local-UI concern; remote never overwrites it.
	out.X = local.X
	out.Y = local.Y

	out.Tags = unionStrings(local.Tags, remote.Tags)
	out.Attachments = unionAttachments(local.Attachments, remote.Attachments)

	// Delete is sticky: the first-observed deletion instant wins.
	out.DeletedAt = earliestNonNil(local.DeletedAt, remote.DeletedAt)

	if rts.After(lts) {
		out.UpdatedAt = cloneTimePtr(remote.UpdatedAt)
	}

	return out, issues, conflicts
}

// mergeConnections unions both sides by (source,target) identity, keeping
// the local copy on duplicates. Delete wins with the earliest non-nil
// deletedAt, mirroring task semantics. Orphan pruning (endpoints pointing at
// deleted tasks) is the integrity pass's job, not the merge engine's.
func mergeConnections(local, remote []model.Connection) []model.Connection {
	type slot struct{ idx int }
	byKey := make(map[string]slot, len(local)+len(remote))
	var out []model.Connection

	add := func(c *model.Connection) {
		key := c.Source + "\x00" + c.Target
		if s, ok := byKey[key]; ok {
			out[s.idx].DeletedAt = earliestNonNil(out[s.idx].DeletedAt, c.DeletedAt)
			return
		}
		byKey[key] = slot{idx: len(out)}
		out = append(out, c.Clone())
	}

	for i := range local {
		add(&local[i])
	}
	for i := range remote {
		add(&remote[i])
	}
	return out
}

// unionStrings keeps local order and appends remote-only entries in remote
// order, so merging identical inputs is a no-op.
func unionStrings(local, remote []string) []string {
	if len(local) == 0 && len(remote) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(local)+len(remote))
	out := make([]string, 0, len(local)+len(remote))
	for _, s := range local {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range remote {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// unionAttachments unions by attachment id; each attachment is a leaf value
// and the local copy wins on id collision.
func unionAttachments(local, remote []model.Attachment) []model.Attachment {
	if len(local) == 0 && len(remote) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(local)+len(remote))
	out := make([]model.Attachment, 0, len(local)+len(remote))
	for _, a := range local {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	for _, a := range remote {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}

// timestamp treats a missing or invalid updatedAt as epoch 0.
func timestamp(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func earliestNonNil(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return cloneTimePtr(b)
	case b == nil:
		return cloneTimePtr(a)
	case b.Before(*a):
		return cloneTimePtr(b)
	default:
		return cloneTimePtr(a)
	}
}

func eqIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneStrPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
