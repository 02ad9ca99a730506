package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/flowdeck/syncd/internal/model"
)

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Dispatched   int `json:"dispatched"`
	Succeeded    int `json:"succeeded"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"deadLettered"`
	Skipped      int `json:"skipped"`
}

// ProcessQueue drains dispatchable actions against the backend. Only one
// drain runs at a time; a call made while one is in flight waits for it and
// returns its result instead of starting another. Offline, the call is a
// no-op.
func (o *Outbox) ProcessQueue(ctx context.Context) DrainResult {
	o.mu.Lock()
	if !o.online || o.backend == nil {
		o.mu.Unlock()
		return DrainResult{}
	}
	if o.inflight != nil {
		done := o.inflight
		o.mu.Unlock()
		<-done
		o.mu.Lock()
		res := o.lastResult
		o.mu.Unlock()
		return res
	}
	done := make(chan struct{})
	o.inflight = done
	o.publishStateLocked()
	o.mu.Unlock()

	start := o.now()
	res := o.drain(ctx)

	// A successful pass may have unpaused dependents or cleared the way for
	// actions that were skipped; keep draining while progress is being made.
	for last := res; last.Succeeded > 0; {
		o.mu.Lock()
		due := len(o.dueActionsLocked())
		o.mu.Unlock()
		if due == 0 || ctx.Err() != nil {
			break
		}
		last = o.drain(ctx)
		res.Dispatched += last.Dispatched
		res.Succeeded += last.Succeeded
		res.Retried += last.Retried
		res.DeadLettered += last.DeadLettered
	}

	o.mu.Lock()
	o.lastResult = res
	o.inflight = nil
	o.persistLocked()
	o.publishStateLocked()
	o.mu.Unlock()
	close(done)

	if o.metrics != nil {
		o.metrics.DrainsTotal.Inc()
		o.metrics.DrainDuration.Observe(o.now().Sub(start).Seconds())
	}
	o.logger.Info().
		Int("dispatched", res.Dispatched).
		Int("succeeded", res.Succeeded).
		Int("retried", res.Retried).
		Int("deadLettered", res.DeadLettered).
		Msg("drain finished")
	return res
}

// drain dispatches due actions through a bounded worker pool. Actions
// touching the same entity run sequentially in queue order; a failure stops
// the rest of that entity's group for this pass.
func (o *Outbox) drain(ctx context.Context) DrainResult {
	o.mu.Lock()
	due := o.dueActionsLocked()
	skipped := len(o.queue) - len(due)
	o.mu.Unlock()

	res := DrainResult{Skipped: skipped}
	if len(due) == 0 {
		return res
	}

	groups := groupByEntity(due)
	groupCh := make(chan []model.QueuedAction)

	workers := o.cfg.DispatchWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(groups) {
		workers = len(groups)
	}

	var resMu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range groupCh {
				for _, action := range group {
					if ctx.Err() != nil {
						return
					}
					outcome := o.dispatch(ctx, action)
					resMu.Lock()
					res.Dispatched++
					switch outcome {
					case outcomeSuccess:
						res.Succeeded++
					case outcomeRetry:
						res.Retried++
					case outcomeDeadLetter:
						res.DeadLettered++
					}
					resMu.Unlock()
					if outcome != outcomeSuccess {
						// Later actions for this entity would race ahead of
						// the failed one; leave them queued for the retry.
						break
					}
				}
			}
		}()
	}

	for _, g := range groups {
		select {
		case groupCh <- g:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(groupCh)
	wg.Wait()
	return res
}

type dispatchOutcome int

const (
	outcomeSuccess dispatchOutcome = iota
	outcomeRetry
	outcomeDeadLetter
	outcomeGone
)

// dispatch applies one action and routes the result: removal on success,
// HandleRetry on failure. The action may have been removed concurrently
// (abandon, manual dead-letter ops), in which case the result is discarded.
func (o *Outbox) dispatch(ctx context.Context, action model.QueuedAction) dispatchOutcome {
	err := o.backend.Apply(ctx, &action)

	o.mu.Lock()
	defer o.mu.Unlock()

	live := o.findActionLocked(action.ID)
	if live == nil {
		return outcomeGone
	}

	if err == nil {
		o.removeActionLocked(action.ID)
		if action.Type == model.ActionCreate {
			o.resumeDependentsLocked(action.EntityKey())
		}
		o.persistLocked()
		o.publishStateLocked()
		if o.metrics != nil {
			o.metrics.RecordDispatch("success")
		}
		return outcomeSuccess
	}

	if o.metrics != nil {
		o.metrics.RecordDispatch("failure")
	}
	decision := o.handleRetryLocked(live, err)
	if action.Type == model.ActionCreate {
		o.pauseDependentsLocked(action.EntityKey(), action.ID)
	}
	o.persistLocked()
	o.publishStateLocked()
	if decision == decisionDeadLetter {
		return outcomeDeadLetter
	}
	return outcomeRetry
}

// scheduleRetryLocked arms a timer that re-triggers a drain once the action's
// backoff elapses.
func (o *Outbox) scheduleRetryLocked(id string, delay time.Duration) {
	o.notBefore[id] = o.now().Add(delay)
	if t, ok := o.timers[id]; ok {
		t.Stop()
	}
	o.timers[id] = time.AfterFunc(delay, func() {
		o.mu.Lock()
		delete(o.timers, id)
		online := o.online
		o.mu.Unlock()
		if online {
			o.ProcessQueue(context.Background())
		}
	})
}
