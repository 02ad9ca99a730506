package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	syncerr "github.com/flowdeck/syncd/internal/errors"
	"github.com/flowdeck/syncd/internal/health"
	"github.com/flowdeck/syncd/internal/merge"
	"github.com/flowdeck/syncd/internal/metrics"
	"github.com/flowdeck/syncd/internal/model"
	"github.com/flowdeck/syncd/internal/notify"
	"github.com/flowdeck/syncd/internal/outbox"
	"github.com/flowdeck/syncd/internal/tracker"
)

// Handlers implements the HTTP endpoints over the sync core services.
type Handlers struct {
	outbox    *outbox.Outbox
	tracker   *tracker.Tracker
	hub       *notify.Hub
	checker   *health.Checker
	mergeOpts merge.Options
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func problem(c *fiber.Ctx, status int, typ, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     typ,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// Liveness answers the liveness probe.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness runs all health checks.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.Context())
	ready := true
	for _, s := range results {
		if s == health.StatusDown {
			ready = false
			break
		}
	}
	status := "ready"
	code := fiber.StatusOK
	if !ready {
		status = "not_ready"
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"status": status, "checks": results})
}

// QueueState returns the latest published queue state.
func (h *Handlers) QueueState(c *fiber.Ctx) error {
	return c.JSON(h.hub.State())
}

// ListQueue returns the pending actions in queue order.
func (h *Handlers) ListQueue(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"actions": h.outbox.Pending()})
}

// EnqueueAction accepts a local mutation from the editor and queues it for
// the backend. A missing id is filled in.
func (h *Handlers) EnqueueAction(c *fiber.Ctx) error {
	var action model.QueuedAction
	if err := c.BodyParser(&action); err != nil {
		return problem(c, fiber.StatusBadRequest, "invalid_body", "Invalid action", err.Error())
	}
	if action.Type == "" || action.EntityType == "" || action.EntityID == "" {
		return problem(c, fiber.StatusBadRequest, "invalid_body", "Invalid action",
			"type, entityType and entityId are required")
	}
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.Priority == "" {
		action.Priority = model.PriorityNormal
	}

	if err := h.outbox.Enqueue(action); err != nil {
		if errors.Is(err, syncerr.ErrQueueFull) {
			return problem(c, fiber.StatusTooManyRequests, "queue_full", "Queue full", err.Error())
		}
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": action.ID})
}

// ProcessQueue triggers a drain and returns its result.
func (h *Handlers) ProcessQueue(c *fiber.Ctx) error {
	if !h.outbox.Online() {
		return problem(c, fiber.StatusConflict, "offline", "Offline",
			"the backend is offline; the queue will drain when connectivity returns")
	}
	res := h.outbox.ProcessQueue(c.Context())
	return c.JSON(res)
}

// SetOnline flips backend connectivity.
func (h *Handlers) SetOnline(c *fiber.Ctx) error {
	var body struct {
		Online bool `json:"online"`
	}
	if err := c.BodyParser(&body); err != nil {
		return problem(c, fiber.StatusBadRequest, "invalid_body", "Invalid body", err.Error())
	}
	h.outbox.SetOnline(body.Online)
	return c.JSON(fiber.Map{"online": body.Online})
}

// EscapePayload surfaces the full in-memory queue state for manual copy-out.
func (h *Handlers) EscapePayload(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"escapeMode": h.outbox.EscapeMode(),
		"payload":    h.outbox.EscapePayload(),
	})
}

// ListDeadLetters returns the quarantined actions, oldest first.
func (h *Handlers) ListDeadLetters(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"deadLetters": h.outbox.DeadLetters()})
}

// RetryDeadLetter re-enqueues one dead letter.
func (h *Handlers) RetryDeadLetter(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.outbox.RetryDeadLetter(id); err != nil {
		return problem(c, fiber.StatusNotFound, "not_found", "Dead letter not found", err.Error())
	}
	return c.JSON(fiber.Map{"id": id, "status": "requeued"})
}

// DismissDeadLetter discards one dead letter.
func (h *Handlers) DismissDeadLetter(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.outbox.DismissDeadLetter(id); err != nil {
		return problem(c, fiber.StatusNotFound, "not_found", "Dead letter not found", err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ClearDeadLetters discards all dead letters.
func (h *Handlers) ClearDeadLetters(c *fiber.Ctx) error {
	h.outbox.ClearDeadLetterQueue()
	return c.SendStatus(fiber.StatusNoContent)
}

type mergeRequest struct {
	Local      *model.Project `json:"local"`
	Remote     *model.Project `json:"remote"`
	Tombstones []string       `json:"tombstones"`
}

type mergeResponse struct {
	Project       *model.Project `json:"project"`
	Issues        []string       `json:"issues"`
	ConflictCount int            `json:"conflictCount"`
}

// MergeProject reconciles a local and a remote project snapshot, honoring the
// project's active field locks.
func (h *Handlers) MergeProject(c *fiber.Ctx) error {
	projectID := c.Params("id")

	var req mergeRequest
	if err := c.BodyParser(&req); err != nil {
		return problem(c, fiber.StatusBadRequest, "invalid_body", "Invalid merge request", err.Error())
	}
	if req.Local == nil || req.Remote == nil {
		return problem(c, fiber.StatusBadRequest, "invalid_body", "Invalid merge request",
			"both local and remote snapshots are required")
	}

	tombstones := make(map[string]struct{}, len(req.Tombstones))
	for _, id := range req.Tombstones {
		tombstones[id] = struct{}{}
	}

	res := merge.MergeWithOptions(req.Local, req.Remote, tombstones,
		h.tracker.LockedFieldsFunc(projectID), h.mergeOpts)

	if h.metrics != nil {
		h.metrics.MergeConflictsTotal.Add(float64(res.ConflictCount))
		h.metrics.MergeRecoveredTotal.Add(float64(res.RecoveredCount))
	}
	h.logger.Info().
		Str("project", projectID).
		Int("conflicts", res.ConflictCount).
		Int("issues", len(res.Issues)).
		Msg("projects merged")

	return c.JSON(mergeResponse{
		Project:       res.Project,
		Issues:        res.Issues,
		ConflictCount: res.ConflictCount,
	})
}

// ProjectChanges returns the net pending changeset for a project.
func (h *Handlers) ProjectChanges(c *fiber.Ctx) error {
	return c.JSON(h.tracker.GetProjectChanges(c.Params("id")))
}

// AbandonProject cancels a project's scheduled retries and clears its
// tracked changes and field locks.
func (h *Handlers) AbandonProject(c *fiber.Ctx) error {
	projectID := c.Params("id")
	removed := h.outbox.Abandon(projectID)
	h.tracker.ClearProjectChanges(projectID)
	h.tracker.ClearProjectFieldLocks(projectID)
	return c.JSON(fiber.Map{"project": projectID, "removedActions": removed})
}
