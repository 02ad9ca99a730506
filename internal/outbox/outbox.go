// Package outbox implements the durable action queue between local mutations
// and the remote backend. Actions are enqueued synchronously, persisted on
// every mutation, and drained by a bounded worker pool when online. Failures
// are classified, retried with class-specific backoff, and quarantined in a
// capped dead-letter list when unrecoverable.
package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowdeck/syncd/internal/config"
	syncerr "github.com/flowdeck/syncd/internal/errors"
	"github.com/flowdeck/syncd/internal/metrics"
	"github.com/flowdeck/syncd/internal/model"
	"github.com/flowdeck/syncd/internal/notify"
	"github.com/flowdeck/syncd/internal/remote"
	"github.com/flowdeck/syncd/internal/store"
)

// Primary is the durable store the queue and dead letters are written to on
// every mutation. *store.Store satisfies it.
type Primary interface {
	SaveQueue(actions []model.QueuedAction) error
	LoadQueue() ([]model.QueuedAction, error)
	ClearQueue() error
	SaveDeadLetters(items []model.DeadLetterItem) error
	LoadDeadLetters(ttl time.Duration) ([]model.DeadLetterItem, error)
	ClearDeadLetters() error
}

// Secondary is the fallback store used by the third degradation tier.
// *store.SnapshotStore satisfies it.
type Secondary interface {
	Save(snap store.Snapshot) error
	Load() (store.Snapshot, bool, error)
	Clear() error
}

// Outbox is the action queue. All exported methods are safe for concurrent
// use.
type Outbox struct {
	cfg     *config.Config
	logger  zerolog.Logger
	backend remote.Backend
	primary Primary
	second  Secondary
	hub     *notify.Hub
	metrics *metrics.Metrics

	mu         sync.Mutex
	queue      []model.QueuedAction
	deadLetter []model.DeadLetterItem
	notBefore  map[string]time.Time  // actionID -> earliest next attempt
	timers     map[string]*time.Timer
	online     bool
	escapeMode bool

	// cumulative critical dead letters, drives the repeat alert threshold
	criticalFailures int

	// single-flight drain
	inflight   chan struct{}
	lastResult DrainResult

	now func() time.Time
}

// New creates an outbox and restores any persisted queue and dead-letter
// state from the primary store. Expired dead letters are dropped during the
// load. A snapshot left behind by a previous degradation is folded back in.
func New(cfg *config.Config, backend remote.Backend, primary Primary, secondary Secondary, hub *notify.Hub, m *metrics.Metrics, logger zerolog.Logger) (*Outbox, error) {
	o := &Outbox{
		cfg:       cfg,
		logger:    logger.With().Str("component", "outbox").Logger(),
		backend:   backend,
		primary:   primary,
		second:    secondary,
		hub:       hub,
		metrics:   m,
		notBefore: make(map[string]time.Time),
		timers:    make(map[string]*time.Timer),
		now:       time.Now,
	}

	queue, err := primary.LoadQueue()
	if err != nil {
		return nil, err
	}
	dead, err := primary.LoadDeadLetters(cfg.DeadLetterTTL)
	if err != nil {
		return nil, err
	}
	o.queue = queue
	o.deadLetter = dead

	if secondary != nil {
		if snap, found, err := secondary.Load(); err != nil {
			o.logger.Warn().Err(err).Msg("snapshot store unreadable, continuing without it")
		} else if found {
			o.logger.Info().
				Int("actions", len(snap.Queue)).
				Int("deadLetters", len(snap.DeadLetter)).
				Msg("restoring degradation snapshot")
			o.queue = append(o.queue, snap.Queue...)
			o.deadLetter = append(o.deadLetter, snap.DeadLetter...)
			o.persistLocked()
			if err := secondary.Clear(); err != nil {
				o.logger.Warn().Err(err).Msg("clearing restored snapshot failed")
			}
		}
	}

	o.logger.Info().
		Int("pending", len(o.queue)).
		Int("deadLetters", len(o.deadLetter)).
		Msg("outbox restored")
	o.publishStateLocked()
	return o, nil
}

// Enqueue appends an action to the queue, evicting oldest low-priority
// entries when the queue or the low-priority sub-cap is full. Enqueueing a
// normal or critical action into a full queue with no evictable entries
// returns ErrQueueFull rather than dropping anything silently.
func (o *Outbox) Enqueue(action model.QueuedAction) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if action.EnqueuedAt.IsZero() {
		action.EnqueuedAt = o.now()
	}

	if action.Priority == model.PriorityLow {
		if o.countPriorityLocked(model.PriorityLow) >= o.cfg.MaxLowPriority {
			if !o.evictOldestLowLocked() {
				o.logger.Debug().Str("action", action.ID).Msg("low-priority cap reached, dropping")
				return nil
			}
		}
	}

	for len(o.queue) >= o.cfg.MaxQueueSize {
		if o.evictOldestLowLocked() {
			continue
		}
		if action.Priority == model.PriorityLow {
			o.logger.Debug().Str("action", action.ID).Msg("queue full, dropping low-priority action")
			return nil
		}
		o.logger.Error().Str("action", action.ID).Int("size", len(o.queue)).Msg("queue full")
		return fmt.Errorf("enqueue %s: %w", action.ID, syncerr.ErrQueueFull)
	}

	o.queue = append(o.queue, action)
	o.logger.Debug().
		Str("action", action.ID).
		Str("type", string(action.Type)).
		Str("entity", action.EntityKey()).
		Str("priority", string(action.Priority)).
		Int("pending", len(o.queue)).
		Msg("action enqueued")
	o.persistLocked()
	o.publishStateLocked()
	return nil
}

// SetOnline flips connectivity. Coming online triggers an immediate drain in
// the background; going offline stops new dispatches (in-flight actions
// finish and take the normal retry path on failure).
func (o *Outbox) SetOnline(online bool) {
	o.mu.Lock()
	was := o.online
	o.online = online
	o.publishStateLocked()
	o.mu.Unlock()

	if online == was {
		return
	}
	o.logger.Info().Bool("online", online).Msg("connectivity changed")
	if online {
		go o.ProcessQueue(context.Background())
	}
}

// Online reports current connectivity.
func (o *Outbox) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Pending returns a copy of the queued actions in queue order.
func (o *Outbox) Pending() []model.QueuedAction {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.QueuedAction, len(o.queue))
	for i, a := range o.queue {
		out[i] = a.Clone()
	}
	return out
}

// DeadLetters returns a copy of the dead-letter list, oldest first.
func (o *Outbox) DeadLetters() []model.DeadLetterItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.DeadLetterItem, len(o.deadLetter))
	for i, d := range o.deadLetter {
		out[i] = d
		out[i].Action = d.Action.Clone()
	}
	return out
}

// Abandon cancels scheduled retries for one project's actions and removes
// them from the queue. Other projects' actions are untouched. Callers clear
// the project's tracker state (changes, field locks) separately.
func (o *Outbox) Abandon(projectID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := o.queue[:0]
	removed := 0
	for _, a := range o.queue {
		if a.ProjectID != projectID {
			kept = append(kept, a)
			continue
		}
		removed++
		delete(o.notBefore, a.ID)
		if t, ok := o.timers[a.ID]; ok {
			t.Stop()
			delete(o.timers, a.ID)
		}
	}
	o.queue = kept
	if removed > 0 {
		o.logger.Info().Str("project", projectID).Int("removed", removed).Msg("project abandoned")
		o.persistLocked()
		o.publishStateLocked()
	}
	return removed
}

// EscapeMode reports whether the outbox is in the last-resort degradation
// tier where durable persistence is unavailable.
func (o *Outbox) EscapeMode() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.escapeMode
}

// EscapePayload returns the full in-memory state for manual copy-out while
// in escape mode. It is valid at any time but only meaningful there.
func (o *Outbox) EscapePayload() store.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := store.Snapshot{
		Queue:      make([]model.QueuedAction, len(o.queue)),
		DeadLetter: make([]model.DeadLetterItem, len(o.deadLetter)),
	}
	for i, a := range o.queue {
		snap.Queue[i] = a.Clone()
	}
	for i, d := range o.deadLetter {
		snap.DeadLetter[i] = d
		snap.DeadLetter[i].Action = d.Action.Clone()
	}
	return snap
}

// Close stops all retry timers.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
}

func (o *Outbox) countPriorityLocked(p model.Priority) int {
	n := 0
	for _, a := range o.queue {
		if a.Priority == p {
			n++
		}
	}
	return n
}

// evictOldestLowLocked drops the oldest low-priority action. Returns false
// when none exists.
func (o *Outbox) evictOldestLowLocked() bool {
	idx := -1
	for i, a := range o.queue {
		if a.Priority == model.PriorityLow {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	evicted := o.queue[idx]
	o.queue = append(o.queue[:idx], o.queue[idx+1:]...)
	delete(o.notBefore, evicted.ID)
	if t, ok := o.timers[evicted.ID]; ok {
		t.Stop()
		delete(o.timers, evicted.ID)
	}
	o.logger.Debug().Str("action", evicted.ID).Msg("evicted oldest low-priority action")
	return true
}

// removeActionLocked removes an action by id, with its retry bookkeeping.
func (o *Outbox) removeActionLocked(id string) bool {
	for i, a := range o.queue {
		if a.ID == id {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			delete(o.notBefore, id)
			if t, ok := o.timers[id]; ok {
				t.Stop()
				delete(o.timers, id)
			}
			return true
		}
	}
	return false
}

func (o *Outbox) findActionLocked(id string) *model.QueuedAction {
	for i := range o.queue {
		if o.queue[i].ID == id {
			return &o.queue[i]
		}
	}
	return nil
}

// pauseDependentsLocked flags every other queued action touching the same
// entity as a failed create, so updates are not raced past the creation.
func (o *Outbox) pauseDependentsLocked(key, excludeID string) int {
	paused := 0
	for i := range o.queue {
		a := &o.queue[i]
		if a.ID == excludeID || a.Paused || a.EntityKey() != key {
			continue
		}
		a.Paused = true
		paused++
	}
	if paused > 0 {
		o.logger.Warn().
			Str("entity", key).
			Int("paused", paused).
			Msg("paused dependent actions behind failed create")
	}
	return paused
}

// resumeDependentsLocked unpauses actions for an entity whose create finally
// succeeded or left the queue.
func (o *Outbox) resumeDependentsLocked(key string) {
	for i := range o.queue {
		if o.queue[i].Paused && o.queue[i].EntityKey() == key {
			o.queue[i].Paused = false
		}
	}
}

func (o *Outbox) publishStateLocked() {
	if o.hub == nil {
		return
	}
	paused := 0
	for _, a := range o.queue {
		if a.Paused {
			paused++
		}
	}
	o.hub.PublishState(notify.QueueState{
		Pending:    len(o.queue),
		Paused:     paused,
		DeadLetter: len(o.deadLetter),
		Online:     o.online,
		Draining:   o.inflight != nil,
		EscapeMode: o.escapeMode,
	})
	if o.metrics != nil {
		o.metrics.QueueDepth.Set(float64(len(o.queue)))
		o.metrics.DeadLetterDepth.Set(float64(len(o.deadLetter)))
	}
}

// dueActionsLocked returns ids of dispatchable actions: not paused and past
// their backoff deadline, in queue order.
func (o *Outbox) dueActionsLocked() []model.QueuedAction {
	now := o.now()
	var due []model.QueuedAction
	for _, a := range o.queue {
		if a.Paused {
			continue
		}
		if nb, ok := o.notBefore[a.ID]; ok && now.Before(nb) {
			continue
		}
		due = append(due, a.Clone())
	}
	return due
}

// groupByEntity splits actions into per-entity groups, order preserved both
// across groups (by first occurrence) and within each group.
func groupByEntity(actions []model.QueuedAction) [][]model.QueuedAction {
	order := make([]string, 0, len(actions))
	groups := make(map[string][]model.QueuedAction, len(actions))
	for _, a := range actions {
		key := a.EntityKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], a)
	}
	out := make([][]model.QueuedAction, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}

// sortedIDs is a test helper surface: stable view of queued action ids.
func (o *Outbox) sortedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, len(o.queue))
	for i, a := range o.queue {
		ids[i] = a.ID
	}
	sort.Strings(ids)
	return ids
}
