package outbox

import (
	"context"
	"fmt"

	"github.com/flowdeck/syncd/internal/model"
	"github.com/flowdeck/syncd/internal/notify"
)

// moveToDeadLetterLocked removes an action from the queue and quarantines
// it. Low-priority actions are dropped outright; they are never worth a
// manual-recovery slot. The list is capped, oldest items fall off first.
// Caller holds o.mu.
func (o *Outbox) moveToDeadLetterLocked(action model.QueuedAction, reason string) {
	o.removeActionLocked(action.ID)

	if action.Priority == model.PriorityLow {
		o.logger.Debug().Str("action", action.ID).Str("reason", reason).Msg("dropping failed low-priority action")
		return
	}

	o.deadLetter = append(o.deadLetter, model.DeadLetterItem{
		Action:   action,
		FailedAt: o.now(),
		Reason:   reason,
	})
	if over := len(o.deadLetter) - o.cfg.DeadLetterCap; over > 0 {
		o.deadLetter = o.deadLetter[over:]
	}
	o.logger.Warn().
		Str("action", action.ID).
		Str("entity", action.EntityKey()).
		Str("reason", reason).
		Int("deadLetters", len(o.deadLetter)).
		Msg("action dead-lettered")
	if o.metrics != nil {
		o.metrics.RecordDeadLetter(string(action.Priority))
	}

	if action.Priority == model.PriorityCritical {
		o.criticalFailures++
		if o.hub != nil {
			switch {
			case o.criticalFailures == 1:
				o.hub.Notify(notify.Notification{
					Level:   notify.LevelWarn,
					Message: "A critical change could not be synced: " + reason,
				})
			case o.criticalFailures == o.cfg.CriticalAlertCount:
				o.hub.Notify(notify.Notification{
					Level:   notify.LevelError,
					Message: fmt.Sprintf("%d critical changes have failed to sync; review the failed items", o.criticalFailures),
				})
			}
		}
	}
}

// RetryDeadLetter moves a dead letter back into the pending queue with its
// retry state reset, and kicks a drain if online.
func (o *Outbox) RetryDeadLetter(id string) error {
	o.mu.Lock()
	idx := -1
	for i, d := range o.deadLetter {
		if d.Action.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return fmt.Errorf("dead letter %s not found", id)
	}

	action := o.deadLetter[idx].Action.Clone()
	o.deadLetter = append(o.deadLetter[:idx], o.deadLetter[idx+1:]...)

	action.RetryCount = 0
	action.LastError = ""
	action.ErrorType = ""
	action.Paused = false
	action.EnqueuedAt = o.now()
	o.queue = append(o.queue, action)

	o.logger.Info().Str("action", id).Msg("dead letter re-enqueued")
	o.persistLocked()
	o.publishStateLocked()
	online := o.online
	o.mu.Unlock()

	if online {
		go o.ProcessQueue(context.Background())
	}
	return nil
}

// DismissDeadLetter discards a dead letter permanently. Dismissing a failed
// create abandons its entity, so the updates and deletes paused behind it
// are dropped too; they could only ever fail against an entity that will
// never exist remotely.
func (o *Outbox) DismissDeadLetter(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, d := range o.deadLetter {
		if d.Action.ID == id {
			o.deadLetter = append(o.deadLetter[:i], o.deadLetter[i+1:]...)
			if d.Action.Type == model.ActionCreate {
				o.dropDependentsLocked(d.Action.EntityKey())
			}
			o.logger.Info().Str("action", id).Msg("dead letter dismissed")
			o.persistLocked()
			o.publishStateLocked()
			return nil
		}
	}
	return fmt.Errorf("dead letter %s not found", id)
}

// ClearDeadLetterQueue discards all dead letters, abandoning the entities of
// any failed creates among them along with their paused dependents.
func (o *Outbox) ClearDeadLetterQueue() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.deadLetter) == 0 {
		return
	}
	for _, d := range o.deadLetter {
		if d.Action.Type == model.ActionCreate {
			o.dropDependentsLocked(d.Action.EntityKey())
		}
	}
	o.logger.Info().Int("cleared", len(o.deadLetter)).Msg("dead-letter queue cleared")
	o.deadLetter = nil
	o.persistLocked()
	o.publishStateLocked()
}

// dropDependentsLocked removes the actions paused behind an abandoned
// create, with their retry bookkeeping. Caller holds o.mu.
func (o *Outbox) dropDependentsLocked(key string) int {
	kept := o.queue[:0]
	dropped := 0
	for _, a := range o.queue {
		if a.Paused && a.EntityKey() == key {
			dropped++
			delete(o.notBefore, a.ID)
			if t, ok := o.timers[a.ID]; ok {
				t.Stop()
				delete(o.timers, a.ID)
			}
			continue
		}
		kept = append(kept, a)
	}
	o.queue = kept
	if dropped > 0 {
		o.logger.Info().Str("entity", key).Int("dropped", dropped).Msg("dropped dependents of abandoned create")
	}
	return dropped
}
