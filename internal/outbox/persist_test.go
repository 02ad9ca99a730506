package outbox

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerr "github.com/flowdeck/syncd/internal/errors"
	"github.com/flowdeck/syncd/internal/model"
)

func seedQueue(t *testing.T, o *Outbox, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, o.Enqueue(action(fmt.Sprintf("a%d", i), model.ActionUpdate, fmt.Sprintf("t%d", i), model.PriorityNormal)))
	}
}

func quotaErr() error {
	return &syncerr.StorageError{Tier: "primary", Quota: true, Err: syncerr.ErrQuotaExceeded}
}

func TestPersistTransientErrorKeepsEverything(t *testing.T) {
	o, primary, _, _ := newTestOutbox(t, testConfig(), newFakeBackend())
	seedQueue(t, o, 4)

	primary.setErrs(fmt.Errorf("database is locked"))
	require.NoError(t, o.Enqueue(action("a9", model.ActionUpdate, "t9", model.PriorityNormal)))

	// nothing dropped, no degradation
	assert.Len(t, o.Pending(), 5)
	assert.False(t, o.EscapeMode())
}

func TestQuotaTier1ClearsDeadLetters(t *testing.T) {
	o, primary, _, _ := newTestOutbox(t, testConfig(), newFakeBackend())
	seedQueue(t, o, 4)

	o.mu.Lock()
	a := action("dl1", model.ActionUpdate, "tx", model.PriorityNormal)
	o.queue = append(o.queue, a)
	o.moveToDeadLetterLocked(a, "boom")
	o.mu.Unlock()
	require.Len(t, o.DeadLetters(), 1)

	// first save hits the quota, the retry after tier 1 succeeds
	o.mu.Lock()
	o.primary = &flakyPrimary{fakePrimary: primary, failures: 1}
	o.persistLocked()
	o.primary = primary
	o.mu.Unlock()

	assert.Empty(t, o.DeadLetters(), "tier 1 sacrifices the dead-letter list")
	assert.Len(t, o.Pending(), 4, "pending queue untouched when tier 1 suffices")
	assert.False(t, o.EscapeMode())
}

func TestQuotaTier2KeepsNewestHalf(t *testing.T) {
	o, primary, _, _ := newTestOutbox(t, testConfig(), newFakeBackend())
	seedQueue(t, o, 6)

	// the first save fails with quota; the dead-letter list is already empty
	// so tier 1 cannot help, tier 2 halves the queue, then the retry succeeds
	o.mu.Lock()
	o.primary = &flakyPrimary{fakePrimary: primary, failures: 1}
	o.persistLocked()
	o.primary = primary
	o.mu.Unlock()

	pending := o.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "a3", pending[0].ID)
	assert.Equal(t, "a5", pending[2].ID)
	assert.False(t, o.EscapeMode())
}

func TestQuotaTier3SnapshotsToSecondary(t *testing.T) {
	o, primary, secondary, _ := newTestOutbox(t, testConfig(), newFakeBackend())
	seedQueue(t, o, 1)

	// primary keeps rejecting; tier 1 and 2 cannot free enough
	o.mu.Lock()
	fails := &flakyPrimary{fakePrimary: primary, failures: 100}
	o.primary = fails
	o.persistLocked()
	o.primary = primary
	o.mu.Unlock()

	snap, found, err := secondary.Load()
	require.NoError(t, err)
	require.True(t, found, "queue must be snapshotted to the secondary store")
	assert.Len(t, snap.Queue, 1)
	assert.False(t, o.EscapeMode())
	// in-memory queue survives for continued operation
	assert.Len(t, o.Pending(), 1)
}

func TestQuotaTier4EntersEscapeMode(t *testing.T) {
	o, primary, secondary, hub := newTestOutbox(t, testConfig(), newFakeBackend())
	notifications := hub.SubscribeNotifications()
	seedQueue(t, o, 2)

	o.mu.Lock()
	fails := &flakyPrimary{fakePrimary: primary, failures: 100}
	o.primary = fails
	secondary.mu.Lock()
	secondary.saveErr = fmt.Errorf("disk full")
	secondary.mu.Unlock()
	o.persistLocked()
	o.mu.Unlock()

	assert.True(t, o.EscapeMode())

	// the in-memory state stays reachable for manual copy-out
	payload := o.EscapePayload()
	assert.Len(t, payload.Queue, 1, "tier 2 halved the queue before escape")

	var sawEscape bool
	for {
		select {
		case n := <-notifications:
			if n.Level == "error" {
				sawEscape = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawEscape, "escape mode must be announced")
}

// flakyPrimary fails the first N queue saves with a quota error.
type flakyPrimary struct {
	*fakePrimary
	failures int
}

func (p *flakyPrimary) SaveQueue(actions []model.QueuedAction) error {
	if p.failures > 0 {
		p.failures--
		return quotaErr()
	}
	return p.fakePrimary.SaveQueue(actions)
}
