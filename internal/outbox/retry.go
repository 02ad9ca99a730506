package outbox

import (
	"math"
	"time"

	syncerr "github.com/flowdeck/syncd/internal/errors"
	"github.com/flowdeck/syncd/internal/model"
)

type retryDecision int

const (
	decisionRetry retryDecision = iota
	decisionDeadLetter
)

// handleRetryLocked decides the fate of a failed action. Permission and
// business errors dead-letter immediately; retryable classes back off and
// reschedule until MaxRetries, then dead-letter. Caller holds o.mu.
func (o *Outbox) handleRetryLocked(action *model.QueuedAction, err error) retryDecision {
	class := syncerr.Classify(err)
	action.LastError = err.Error()
	action.ErrorType = class

	if !syncerr.IsRetryable(class) {
		o.logger.Warn().
			Str("action", action.ID).
			Str("class", string(class)).
			Err(err).
			Msg("terminal error class, dead-lettering")
		o.moveToDeadLetterLocked(*action, string(class)+" error: "+err.Error())
		return decisionDeadLetter
	}

	action.RetryCount++
	if action.RetryCount > o.cfg.MaxRetries {
		o.logger.Warn().
			Str("action", action.ID).
			Int("retries", action.RetryCount-1).
			Msg("max retries exceeded, dead-lettering")
		o.moveToDeadLetterLocked(*action, "max retries exceeded: "+err.Error())
		return decisionDeadLetter
	}

	delay := o.backoff(class, action.RetryCount)
	o.logger.Debug().
		Str("action", action.ID).
		Str("class", string(class)).
		Int("retry", action.RetryCount).
		Dur("delay", delay).
		Msg("scheduling retry")
	if o.metrics != nil {
		o.metrics.RecordRetry(string(class))
	}
	o.scheduleRetryLocked(action.ID, delay)
	return decisionRetry
}

// backoff computes the retry delay for an error class and attempt number.
// Network failures back off linearly and are capped low so reconnects are
// picked up quickly; timeouts grow gently; everything else doubles.
func (o *Outbox) backoff(class model.ErrorClass, attempt int) time.Duration {
	base := o.cfg.RetryBaseDelay
	switch class {
	case model.ErrClassNetwork:
		d := time.Duration(attempt) * base
		if d > o.cfg.NetworkMaxDelay {
			d = o.cfg.NetworkMaxDelay
		}
		return d
	case model.ErrClassTimeout:
		return time.Duration(float64(base) * math.Pow(1.5, float64(attempt)))
	default:
		return time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	}
}
