package merge

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/flowdeck/syncd/internal/model"
)

var propBase = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func genTask(rt *rapid.T, label string) model.Task {
	id := fmt.Sprintf("t%d", rapid.IntRange(1, 8).Draw(rt, label+"_id"))
	var updated *time.Time
	if rapid.Bool().Draw(rt, label+"_hasUpdated") {
		ts := propBase.Add(time.Duration(rapid.IntRange(0, 3600).Draw(rt, label+"_updated")) * time.Second)
		updated = &ts
	}
	var deleted *time.Time
	if rapid.Bool().Draw(rt, label+"_hasDeleted") {
		ts := propBase.Add(time.Duration(rapid.IntRange(0, 3600).Draw(rt, label+"_deleted")) * time.Second)
		deleted = &ts
	}
	return model.Task{
		ID:        id,
		Title:     rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, label+"_title"),
		Content:   rapid.StringMatching(`[a-z ]{0,20}`).Draw(rt, label+"_content"),
		Status:    model.TaskActive,
		Tags:      rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,4}`), 0, 3).Draw(rt, label+"_tags"),
		UpdatedAt: updated,
		DeletedAt: deleted,
	}
}

func genProject(rt *rapid.T, label string) *model.Project {
	n := rapid.IntRange(0, 5).Draw(rt, label+"_n")
	p := &model.Project{ID: "p1", Version: int64(rapid.IntRange(0, 50).Draw(rt, label+"_version"))}
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		task := genTask(rt, fmt.Sprintf("%s_task%d", label, i))
		if seen[task.ID] {
			continue
		}
		seen[task.ID] = true
		p.Tasks = append(p.Tasks, task)
	}
	return p
}

// Merging a project with itself changes nothing but the version.
func TestMergeProperty_Idempotence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := genProject(rt, "p")
		res := Merge(p, p, nil, nil)

		if res.ConflictCount != 0 {
			rt.Errorf("ConflictCount = %d, want 0", res.ConflictCount)
		}
		if res.Project.Version != p.Version+1 {
			rt.Errorf("Version = %d, want %d", res.Project.Version, p.Version+1)
		}
		if len(res.Project.Tasks) != len(p.Tasks) {
			rt.Fatalf("task count = %d, want %d", len(res.Project.Tasks), len(p.Tasks))
		}
		for i := range p.Tasks {
			got := res.Project.Tasks[i]
			got.UpdatedAt = p.Tasks[i].UpdatedAt
			if got.ID != p.Tasks[i].ID || got.Title != p.Tasks[i].Title || got.Content != p.Tasks[i].Content {
				rt.Errorf("task %d changed under self-merge", i)
			}
		}
	})
}

// Every task id present on either side appears in the result exactly once,
// unless remote-only and tombstoned.
func TestMergeProperty_UnionWithTombstones(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		local := genProject(rt, "local")
		remote := genProject(rt, "remote")

		tombstones := map[string]struct{}{}
		for i := range remote.Tasks {
			if rapid.Bool().Draw(rt, fmt.Sprintf("tomb%d", i)) {
				tombstones[remote.Tasks[i].ID] = struct{}{}
			}
		}

		res := Merge(local, remote, tombstones, nil)

		want := map[string]bool{}
		for _, task := range local.Tasks {
			want[task.ID] = true
		}
		for _, task := range remote.Tasks {
			if want[task.ID] {
				continue
			}
			if _, dead := tombstones[task.ID]; !dead {
				want[task.ID] = true
			}
		}

		got := map[string]int{}
		for _, task := range res.Project.Tasks {
			got[task.ID]++
		}
		for id, n := range got {
			if n != 1 {
				rt.Errorf("task %s appears %d times", id, n)
			}
			if !want[id] {
				rt.Errorf("unexpected task %s in result", id)
			}
		}
		for id := range want {
			if got[id] != 1 {
				rt.Errorf("task %s missing from result", id)
			}
		}
	})
}

// A locked field keeps its local value even when remote is strictly newer.
func TestMergeProperty_LockedFieldInvariance(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		localTask := genTask(rt, "local")
		remoteTask := genTask(rt, "remote")
		remoteTask.ID = localTask.ID
		later := propBase.Add(2 * time.Hour)
		remoteTask.UpdatedAt = &later

		local := &model.Project{ID: "p1", Tasks: []model.Task{localTask}}
		remote := &model.Project{ID: "p1", Tasks: []model.Task{remoteTask}}

		locked := func(id string) map[string]bool {
			return map[string]bool{"title": true, "content": true}
		}

		res := Merge(local, remote, nil, locked)
		got := res.Project.Tasks[0]
		if got.Title != localTask.Title {
			rt.Errorf("locked title overwritten: %q -> %q", localTask.Title, got.Title)
		}
		if got.Content != localTask.Content {
			rt.Errorf("locked content overwritten")
		}
	})
}

// If either side carries a deletedAt, the merged task is deleted with the
// earlier of the two instants.
func TestMergeProperty_DeleteSticky(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		localTask := genTask(rt, "local")
		remoteTask := genTask(rt, "remote")
		remoteTask.ID = localTask.ID

		local := &model.Project{ID: "p1", Tasks: []model.Task{localTask}}
		remote := &model.Project{ID: "p1", Tasks: []model.Task{remoteTask}}

		res := Merge(local, remote, nil, nil)
		got := res.Project.Tasks[0].DeletedAt

		ld, rd := localTask.DeletedAt, remoteTask.DeletedAt
		switch {
		case ld == nil && rd == nil:
			if got != nil {
				rt.Errorf("deletedAt = %v, want nil", got)
			}
		case ld != nil && rd != nil:
			want := *ld
			if rd.Before(want) {
				want = *rd
			}
			if got == nil || !got.Equal(want) {
				rt.Errorf("deletedAt = %v, want %v", got, want)
			}
		default:
			if got == nil {
				rt.Errorf("deletedAt lost: local=%v remote=%v", ld, rd)
			}
		}
	})
}
