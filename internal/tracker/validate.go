package tracker

import (
	"fmt"

	"github.com/flowdeck/syncd/internal/model"
)

// ValidationResult reports problems found in a pending changeset before a
// push. Only missing-entity-on-update and missing connection endpoints are
// hard errors; everything else is advisory.
type ValidationResult struct {
	Valid           bool
	Errors          []string
	Warnings        []string
	Recommendations []string
}

// RiskSeverity classifies a potential data-loss risk.
type RiskSeverity string

const (
	RiskHigh   RiskSeverity = "high"
	RiskMedium RiskSeverity = "medium"
	RiskLow    RiskSeverity = "low"
)

// DataLossRisk describes one potential data-loss situation in a changeset.
type DataLossRisk struct {
	Severity    RiskSeverity
	EntityType  model.EntityType
	EntityID    string
	Description string
}

// ValidateChanges checks a project's pending changeset against the known
// entity sets (usually the last pulled snapshot).
func (t *Tracker) ValidateChanges(projectID string, knownTasks []model.Task, knownConnections []model.Connection) ValidationResult {
	changes := t.GetProjectChanges(projectID)
	res := ValidationResult{Valid: true}

	taskIDs := make(map[string]struct{}, len(knownTasks))
	parents := make(map[string][]string) // parent id -> child ids
	for _, task := range knownTasks {
		taskIDs[task.ID] = struct{}{}
		if task.ParentID != nil {
			parents[*task.ParentID] = append(parents[*task.ParentID], task.ID)
		}
	}
	connIDs := make(map[string]struct{}, len(knownConnections))
	for _, conn := range knownConnections {
		connIDs[conn.ID] = struct{}{}
	}

	for _, task := range changes.TasksToUpdate {
		if _, ok := taskIDs[task.ID]; !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("update targets unknown task %s", task.ID))
		}
	}
	for _, id := range changes.TaskIDsToDelete {
		if _, ok := taskIDs[id]; !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("delete targets unknown task %s", id))
		}
		if children := survivingChildren(parents[id], changes.TaskIDsToDelete); len(children) > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("deleting task %s orphans %d child task(s)", id, len(children)))
		}
	}

	for _, conn := range append(changes.ConnectionsToCreate, changes.ConnectionsToUpdate...) {
		if _, ok := taskIDs[conn.Source]; !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("connection %s references missing source task %s", conn.ID, conn.Source))
		}
		if _, ok := taskIDs[conn.Target]; !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("connection %s references missing target task %s", conn.ID, conn.Target))
		}
	}
	for _, id := range changes.ConnectionIDsToDelete {
		if _, ok := connIDs[id]; !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("delete targets unknown connection %s", id))
		}
	}

	total := len(knownTasks) + len(knownConnections)
	changed := len(changes.TasksToCreate) + len(changes.TasksToUpdate) + len(changes.TaskIDsToDelete) +
		len(changes.ConnectionsToCreate) + len(changes.ConnectionsToUpdate) + len(changes.ConnectionIDsToDelete)
	if total > 0 && float64(changed)/float64(total) > t.cfg.ChangeRatioLimit {
		res.Recommendations = append(res.Recommendations,
			fmt.Sprintf("changeset touches %d of %d known entities; consider a full snapshot sync", changed, total))
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// DetectDataLossRisks classifies the risk each pending change carries:
// missing update targets are high, deletes that orphan connections or
// children are medium, duplicate creates of known entities are low.
func (t *Tracker) DetectDataLossRisks(projectID string, knownTasks []model.Task, knownConnections []model.Connection) []DataLossRisk {
	changes := t.GetProjectChanges(projectID)
	var risks []DataLossRisk

	taskIDs := make(map[string]struct{}, len(knownTasks))
	parents := make(map[string][]string)
	for _, task := range knownTasks {
		taskIDs[task.ID] = struct{}{}
		if task.ParentID != nil {
			parents[*task.ParentID] = append(parents[*task.ParentID], task.ID)
		}
	}
	connsByTask := make(map[string][]string)
	connIDs := make(map[string]struct{}, len(knownConnections))
	for _, conn := range knownConnections {
		connIDs[conn.ID] = struct{}{}
		connsByTask[conn.Source] = append(connsByTask[conn.Source], conn.ID)
		connsByTask[conn.Target] = append(connsByTask[conn.Target], conn.ID)
	}

	for _, task := range changes.TasksToUpdate {
		if _, ok := taskIDs[task.ID]; !ok {
			risks = append(risks, DataLossRisk{
				Severity:    RiskHigh,
				EntityType:  model.EntityTask,
				EntityID:    task.ID,
				Description: "update targets a task missing from the known set; the edit may be lost",
			})
		}
	}

	for _, id := range changes.TaskIDsToDelete {
		if conns := connsByTask[id]; len(conns) > 0 {
			risks = append(risks, DataLossRisk{
				Severity:    RiskMedium,
				EntityType:  model.EntityTask,
				EntityID:    id,
				Description: fmt.Sprintf("deleting this task orphans %d connection(s)", len(conns)),
			})
		}
		if children := survivingChildren(parents[id], changes.TaskIDsToDelete); len(children) > 0 {
			risks = append(risks, DataLossRisk{
				Severity:    RiskMedium,
				EntityType:  model.EntityTask,
				EntityID:    id,
				Description: fmt.Sprintf("deleting this task orphans %d child task(s)", len(children)),
			})
		}
	}

	for _, task := range changes.TasksToCreate {
		if _, ok := taskIDs[task.ID]; ok {
			risks = append(risks, DataLossRisk{
				Severity:    RiskLow,
				EntityType:  model.EntityTask,
				EntityID:    task.ID,
				Description: "create duplicates an already-known task id",
			})
		}
	}
	for _, conn := range changes.ConnectionsToCreate {
		if _, ok := connIDs[conn.ID]; ok {
			risks = append(risks, DataLossRisk{
				Severity:    RiskLow,
				EntityType:  model.EntityConnection,
				EntityID:    conn.ID,
				Description: "create duplicates an already-known connection id",
			})
		}
	}

	return risks
}

// survivingChildren returns the children not themselves scheduled for delete.
func survivingChildren(children, deletes []string) []string {
	if len(children) == 0 {
		return nil
	}
	deleted := make(map[string]struct{}, len(deletes))
	for _, id := range deletes {
		deleted[id] = struct{}{}
	}
	var out []string
	for _, id := range children {
		if _, ok := deleted[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
