package outbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdeck/syncd/internal/config"
	syncerr "github.com/flowdeck/syncd/internal/errors"
	"github.com/flowdeck/syncd/internal/model"
	"github.com/flowdeck/syncd/internal/notify"
	"github.com/flowdeck/syncd/internal/remote"
	"github.com/flowdeck/syncd/internal/store"
)

// fakePrimary is an in-memory Primary with injectable write failures.
type fakePrimary struct {
	mu        sync.Mutex
	queue     []model.QueuedAction
	dead      []model.DeadLetterItem
	queueErr  error
	deadErr   error
	saveCount int
}

func (p *fakePrimary) SaveQueue(actions []model.QueuedAction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saveCount++
	if p.queueErr != nil {
		return p.queueErr
	}
	p.queue = append([]model.QueuedAction(nil), actions...)
	return nil
}

func (p *fakePrimary) LoadQueue() ([]model.QueuedAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.QueuedAction(nil), p.queue...), nil
}

func (p *fakePrimary) ClearQueue() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	return nil
}

func (p *fakePrimary) SaveDeadLetters(items []model.DeadLetterItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deadErr != nil {
		return p.deadErr
	}
	p.dead = append([]model.DeadLetterItem(nil), items...)
	return nil
}

func (p *fakePrimary) LoadDeadLetters(ttl time.Duration) ([]model.DeadLetterItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	var out []model.DeadLetterItem
	for _, d := range p.dead {
		if d.FailedAt.After(cutoff) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (p *fakePrimary) ClearDeadLetters() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead = nil
	return nil
}

func (p *fakePrimary) setErrs(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueErr = err
	p.deadErr = err
}

// fakeSecondary is an in-memory Secondary.
type fakeSecondary struct {
	mu      sync.Mutex
	snap    store.Snapshot
	found   bool
	saveErr error
}

func (s *fakeSecondary) Save(snap store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.snap = snap
	s.found = true
	return nil
}

func (s *fakeSecondary) Load() (store.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.found, nil
}

func (s *fakeSecondary) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = store.Snapshot{}
	s.found = false
	return nil
}

// fakeBackend records applies and fails actions on demand.
type fakeBackend struct {
	mu      sync.Mutex
	errs    map[string]error
	applied []model.QueuedAction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{errs: make(map[string]error)}
}

func (b *fakeBackend) Apply(ctx context.Context, action *model.QueuedAction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applied = append(b.applied, action.Clone())
	return b.errs[action.ID]
}

func (b *fakeBackend) Tombstones(ctx context.Context, projectID string, since time.Time) ([]remote.Tombstone, error) {
	return nil, nil
}

func (b *fakeBackend) fail(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[id] = err
}

func (b *fakeBackend) succeed(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.errs, id)
}

func (b *fakeBackend) appliedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.applied))
	for i, a := range b.applied {
		out[i] = a.ID
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		MaxQueueSize:       100,
		MaxLowPriority:     20,
		MaxRetries:         5,
		RetryBaseDelay:     time.Millisecond,
		NetworkMaxDelay:    5 * time.Millisecond,
		DispatchWorkers:    3,
		DeadLetterCap:      50,
		DeadLetterTTL:      24 * time.Hour,
		CriticalAlertCount: 3,
	}
}

func newTestOutbox(t *testing.T, cfg *config.Config, backend remote.Backend) (*Outbox, *fakePrimary, *fakeSecondary, *notify.Hub) {
	t.Helper()
	primary := &fakePrimary{}
	secondary := &fakeSecondary{}
	hub := notify.NewHub(zerolog.Nop())
	o, err := New(cfg, backend, primary, secondary, hub, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o, primary, secondary, hub
}

func action(id string, typ model.ActionType, entityID string, prio model.Priority) model.QueuedAction {
	return model.QueuedAction{
		ID:         id,
		Type:       typ,
		EntityType: model.EntityTask,
		EntityID:   entityID,
		ProjectID:  "p1",
		Priority:   prio,
	}
}

func TestEnqueuePersistsSynchronously(t *testing.T) {
	o, primary, _, _ := newTestOutbox(t, testConfig(), newFakeBackend())

	require.NoError(t, o.Enqueue(action("a1", model.ActionCreate, "t1", model.PriorityNormal)))

	saved, err := primary.LoadQueue()
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "a1", saved[0].ID)
	assert.False(t, saved[0].EnqueuedAt.IsZero())
}

func TestEnqueueEvictsOldestLowPriorityWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 3
	o, _, _, _ := newTestOutbox(t, cfg, newFakeBackend())

	require.NoError(t, o.Enqueue(action("low1", model.ActionUpdate, "t1", model.PriorityLow)))
	require.NoError(t, o.Enqueue(action("low2", model.ActionUpdate, "t2", model.PriorityLow)))
	require.NoError(t, o.Enqueue(action("norm1", model.ActionUpdate, "t3", model.PriorityNormal)))
	require.NoError(t, o.Enqueue(action("norm2", model.ActionUpdate, "t4", model.PriorityNormal)))

	assert.Equal(t, []string{"low2", "norm1", "norm2"}, o.sortedIDs())
}

func TestEnqueueFullOfNormalActionsRejects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	o, _, _, _ := newTestOutbox(t, cfg, newFakeBackend())

	require.NoError(t, o.Enqueue(action("n1", model.ActionUpdate, "t1", model.PriorityNormal)))
	require.NoError(t, o.Enqueue(action("n2", model.ActionUpdate, "t2", model.PriorityNormal)))

	err := o.Enqueue(action("n3", model.ActionUpdate, "t3", model.PriorityNormal))
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrQueueFull)
	assert.Len(t, o.Pending(), 2)
}

func TestEnqueueLowPrioritySubCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLowPriority = 2
	o, _, _, _ := newTestOutbox(t, cfg, newFakeBackend())

	for i := 0; i < 4; i++ {
		require.NoError(t, o.Enqueue(action(fmt.Sprintf("low%d", i), model.ActionUpdate, fmt.Sprintf("t%d", i), model.PriorityLow)))
	}

	pending := o.Pending()
	assert.Len(t, pending, 2)
	assert.Equal(t, []string{"low2", "low3"}, o.sortedIDs())
}

func TestRestoreFromPrimaryOnStart(t *testing.T) {
	primary := &fakePrimary{
		queue: []model.QueuedAction{action("a1", model.ActionCreate, "t1", model.PriorityNormal)},
		dead: []model.DeadLetterItem{{
			Action:   action("d1", model.ActionUpdate, "t2", model.PriorityNormal),
			FailedAt: time.Now().Add(-time.Hour),
			Reason:   "boom",
		}},
	}
	o, err := New(testConfig(), newFakeBackend(), primary, &fakeSecondary{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	defer o.Close()

	assert.Len(t, o.Pending(), 1)
	assert.Len(t, o.DeadLetters(), 1)
}

func TestRestoreFoldsInDegradationSnapshot(t *testing.T) {
	secondary := &fakeSecondary{
		snap: store.Snapshot{
			Queue: []model.QueuedAction{action("snap1", model.ActionUpdate, "t9", model.PriorityNormal)},
		},
		found: true,
	}
	o, err := New(testConfig(), newFakeBackend(), &fakePrimary{}, secondary, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	defer o.Close()

	assert.Equal(t, []string{"snap1"}, o.sortedIDs())

	// snapshot is consumed
	_, found, err := secondary.Load()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAbandonRemovesOnlyProjectActions(t *testing.T) {
	o, _, _, _ := newTestOutbox(t, testConfig(), newFakeBackend())

	a1 := action("a1", model.ActionUpdate, "t1", model.PriorityNormal)
	a2 := action("a2", model.ActionUpdate, "t2", model.PriorityNormal)
	a2.ProjectID = "p2"
	require.NoError(t, o.Enqueue(a1))
	require.NoError(t, o.Enqueue(a2))

	removed := o.Abandon("p1")
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"a2"}, o.sortedIDs())
}

func TestSetOnlineTriggersDrain(t *testing.T) {
	backend := newFakeBackend()
	o, _, _, _ := newTestOutbox(t, testConfig(), backend)
	require.NoError(t, o.Enqueue(action("a1", model.ActionUpdate, "t1", model.PriorityNormal)))

	o.SetOnline(true)

	require.Eventually(t, func() bool {
		return len(o.Pending()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a1"}, backend.appliedIDs())
}

func TestProcessQueueOfflineIsNoop(t *testing.T) {
	backend := newFakeBackend()
	o, _, _, _ := newTestOutbox(t, testConfig(), backend)
	require.NoError(t, o.Enqueue(action("a1", model.ActionUpdate, "t1", model.PriorityNormal)))

	res := o.ProcessQueue(context.Background())
	assert.Zero(t, res.Dispatched)
	assert.Len(t, o.Pending(), 1)
	assert.Empty(t, backend.appliedIDs())
}
