package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdeck/syncd/internal/model"
)

func sp(s string) *string { return &s }

func TestValidateChanges_Clean(t *testing.T) {
	tr := newTestTracker()
	tr.TrackTaskUpdate("p1", model.Task{ID: "t1", Title: "edit"}, "title")

	res := tr.ValidateChanges("p1", []model.Task{{ID: "t1"}}, nil)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestValidateChanges_UpdateUnknownTaskIsError(t *testing.T) {
	tr := newTestTracker()
	tr.TrackTaskUpdate("p1", model.Task{ID: "ghost"}, "title")

	res := tr.ValidateChanges("p1", []model.Task{{ID: "t1"}}, nil)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "ghost")
}

func TestValidateChanges_DeleteUnknownIsWarning(t *testing.T) {
	tr := newTestTracker()
	tr.TrackTaskDelete("p1", "ghost")

	res := tr.ValidateChanges("p1", []model.Task{{ID: "t1"}}, nil)
	assert.True(t, res.Valid)
	assert.NotEmpty(t, res.Warnings)
}

func TestValidateChanges_OrphaningDeleteIsWarning(t *testing.T) {
	tr := newTestTracker()
	tr.TrackTaskDelete("p1", "parent")

	known := []model.Task{
		{ID: "parent"},
		{ID: "child", ParentID: sp("parent")},
	}
	res := tr.ValidateChanges("p1", known, nil)
	assert.True(t, res.Valid)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "orphans")
}

func TestValidateChanges_DeletingWholeSubtreeNoWarning(t *testing.T) {
	tr := newTestTracker()
	tr.TrackTaskDelete("p1", "parent")
	tr.TrackTaskDelete("p1", "child")

	known := []model.Task{
		{ID: "parent"},
		{ID: "child", ParentID: sp("parent")},
	}
	res := tr.ValidateChanges("p1", known, nil)
	for _, w := range res.Warnings {
		assert.NotContains(t, w, "orphans")
	}
}

func TestValidateChanges_ConnectionEndpointMissingIsError(t *testing.T) {
	tr := newTestTracker()
	tr.TrackConnectionCreate("p1", model.Connection{ID: "c1", Source: "t1", Target: "ghost"})

	res := tr.ValidateChanges("p1", []model.Task{{ID: "t1"}}, nil)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "target")
}

func TestValidateChanges_ExcessiveRatioIsRecommendation(t *testing.T) {
	tr := newTestTracker()
	tr.TrackTaskUpdate("p1", model.Task{ID: "t1"}, "title")
	tr.TrackTaskDelete("p1", "t2")

	// 2 changes against 2 known entities: ratio 1.0 > 0.8.
	res := tr.ValidateChanges("p1", []model.Task{{ID: "t1"}, {ID: "t2"}}, nil)
	assert.True(t, res.Valid)
	assert.NotEmpty(t, res.Recommendations)
}

func TestDetectDataLossRisks_Severities(t *testing.T) {
	tr := newTestTracker()
	tr.TrackTaskUpdate("p1", model.Task{ID: "ghost"}, "title")   // high
	tr.TrackTaskDelete("p1", "linked")                           // medium (connection)
	tr.TrackTaskCreate("p1", model.Task{ID: "dup"})              // low (duplicate)

	known := []model.Task{{ID: "linked"}, {ID: "dup"}}
	conns := []model.Connection{{ID: "c1", Source: "linked", Target: "dup"}}

	risks := tr.DetectDataLossRisks("p1", known, conns)
	require.Len(t, risks, 3)

	bySeverity := map[RiskSeverity]DataLossRisk{}
	for _, r := range risks {
		bySeverity[r.Severity] = r
	}
	assert.Equal(t, "ghost", bySeverity[RiskHigh].EntityID)
	assert.Equal(t, "linked", bySeverity[RiskMedium].EntityID)
	assert.Equal(t, "dup", bySeverity[RiskLow].EntityID)
}

func TestDetectDataLossRisks_OrphanedChildren(t *testing.T) {
	tr := newTestTracker()
	tr.TrackTaskDelete("p1", "parent")

	known := []model.Task{{ID: "parent"}, {ID: "child", ParentID: sp("parent")}}
	risks := tr.DetectDataLossRisks("p1", known, nil)
	require.Len(t, risks, 1)
	assert.Equal(t, RiskMedium, risks[0].Severity)
	assert.Contains(t, risks[0].Description, "child")
}

func TestDetectDataLossRisks_NoChanges(t *testing.T) {
	tr := newTestTracker()
	assert.Empty(t, tr.DetectDataLossRisks("p1", nil, nil))
}
