package outbox

import (
	syncerr "github.com/flowdeck/syncd/internal/errors"
	"github.com/flowdeck/syncd/internal/notify"
	"github.com/flowdeck/syncd/internal/store"
)

// persistLocked writes the queue and dead-letter list to the primary store.
// A quota error starts the degradation ladder; each tier frees space, is
// announced to the user, and retries the write. Nothing is ever dropped
// without one of these observable fallbacks. Caller holds o.mu.
func (o *Outbox) persistLocked() {
	if o.escapeMode || o.primary == nil {
		return
	}

	err := o.saveAllLocked()
	if err == nil {
		return
	}
	if !syncerr.IsQuota(err) {
		// Transient write failure; memory stays authoritative and the next
		// mutation retries.
		o.logger.Error().Err(err).Msg("persisting outbox state failed")
		return
	}

	o.logger.Warn().Err(err).Msg("storage quota hit, degrading")

	// Tier 1: sacrifice the dead-letter quarantine.
	if len(o.deadLetter) > 0 {
		o.deadLetter = nil
		o.degrade("clear-dead-letters", notify.Notification{
			Level:   notify.LevelWarn,
			Message: "Storage is full; failed sync items were discarded to free space",
		})
		if o.saveAllLocked() == nil {
			return
		}
	}

	// Tier 2: keep only the newest half of the pending queue.
	if len(o.queue) > 1 {
		dropped := len(o.queue) / 2
		for _, a := range o.queue[:dropped] {
			delete(o.notBefore, a.ID)
			if t, ok := o.timers[a.ID]; ok {
				t.Stop()
				delete(o.timers, a.ID)
			}
		}
		o.queue = o.queue[dropped:]
		o.degrade("halve-queue", notify.Notification{
			Level:   notify.LevelWarn,
			Message: "Storage is full; the oldest pending changes were discarded",
		})
		if o.saveAllLocked() == nil {
			return
		}
	}

	// Tier 3: snapshot everything to the secondary store, clear primary.
	if o.second != nil {
		snap := store.Snapshot{Queue: o.queue, DeadLetter: o.deadLetter}
		if snapErr := o.second.Save(snap); snapErr == nil {
			if clearErr := o.clearPrimary(); clearErr != nil {
				o.logger.Error().Err(clearErr).Msg("clearing primary store after snapshot failed")
			}
			o.degrade("secondary-snapshot", notify.Notification{
				Level:   notify.LevelWarn,
				Message: "Primary storage is full; pending changes were moved to backup storage",
			})
			return
		} else {
			o.logger.Error().Err(snapErr).Msg("secondary snapshot failed")
		}
	}

	// Tier 4: give up on durability and surface everything in memory.
	o.escapeMode = true
	o.degrade("escape-mode", notify.Notification{
		Level:   notify.LevelError,
		Message: "Storage is unavailable; pending changes are held in memory only — export them before closing",
	})
}

func (o *Outbox) saveAllLocked() error {
	if err := o.primary.SaveQueue(o.queue); err != nil {
		return err
	}
	return o.primary.SaveDeadLetters(o.deadLetter)
}

func (o *Outbox) clearPrimary() error {
	if err := o.primary.ClearQueue(); err != nil {
		return err
	}
	return o.primary.ClearDeadLetters()
}

func (o *Outbox) degrade(tier string, n notify.Notification) {
	o.logger.Warn().Str("tier", tier).Msg("storage degradation tier applied")
	if o.metrics != nil {
		o.metrics.RecordDegradation(tier)
	}
	if o.hub != nil {
		o.hub.Notify(n)
	}
}
