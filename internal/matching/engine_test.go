package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenlink/support-core/internal/database"
	"github.com/havenlink/support-core/internal/events"
	"github.com/havenlink/support-core/internal/metrics"
)

type fakeHelper struct {
	id       string
	current  int
	max      int
	released int
}

// fakeDirectory reproduces the conditional slot claim: a reservation only
// succeeds while current < max, checked and applied under one lock.
type fakeDirectory struct {
	mu      sync.Mutex
	helpers []*fakeHelper
	findErr error
}

func (d *fakeDirectory) FindEligible(ctx context.Context, issueCategory string, limit int) ([]*database.HelperProfile, error) {
	if d.findErr != nil {
		return nil, d.findErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*database.HelperProfile
	for _, h := range d.helpers {
		if h.current < h.max {
			out = append(out, &database.HelperProfile{ID: h.id})
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (d *fakeDirectory) ReserveSlot(ctx context.Context, helperID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, h := range d.helpers {
		if h.id != helperID {
			continue
		}
		if h.current >= h.max {
			return fmt.Errorf("helper %s has no free slot: %w", helperID, database.ErrConflict)
		}
		h.current++
		return nil
	}
	return database.ErrNotFound
}

func (d *fakeDirectory) ReleaseSlot(ctx context.Context, helperID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, h := range d.helpers {
		if h.id == helperID {
			h.current--
			h.released++
			return nil
		}
	}
	return database.ErrNotFound
}

func (d *fakeDirectory) totalReserved() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, h := range d.helpers {
		total += h.current
	}
	return total
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []*database.QueueEntry
}

func (q *fakeQueue) Enqueue(ctx context.Context, entry *database.QueueEntry) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Insert after the last entry of equal or higher urgency.
	idx := len(q.entries)
	for i, existing := range q.entries {
		if database.UrgencyRank(existing.Urgency) < database.UrgencyRank(entry.Urgency) {
			idx = i
			break
		}
	}
	q.entries = append(q.entries[:idx], append([]*database.QueueEntry{entry}, q.entries[idx:]...)...)
	return idx + 1, nil
}

func (q *fakeQueue) Head(ctx context.Context) (*database.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, database.ErrNotFound
	}
	return q.entries[0], nil
}

func (q *fakeQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return database.ErrNotFound
}

func (q *fakeQueue) CancelByRequester(ctx context.Context, requesterID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.RequesterID == requesterID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return database.ErrNotFound
}

func (q *fakeQueue) GlobalPosition(ctx context.Context, requesterID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.RequesterID == requesterID {
			return i + 1, nil
		}
	}
	return 0, database.ErrNotFound
}

func (q *fakeQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

type fakeSessions struct {
	mu        sync.Mutex
	created   []*database.SupportSession
	open      map[string]bool
	createErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{open: make(map[string]bool)}
}

func (s *fakeSessions) Create(ctx context.Context, requesterID, helperID string) (*database.SupportSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return nil, s.createErr
	}
	if s.open[requesterID] {
		return nil, fmt.Errorf("requester %s has an open session: %w", requesterID, database.ErrConflict)
	}

	sess := &database.SupportSession{
		ID:          uuid.New().String(),
		RequesterID: requesterID,
		HelperID:    helperID,
		Status:      database.SessionActive,
	}
	s.open[requesterID] = true
	s.created = append(s.created, sess)
	return sess, nil
}

type nopAudit struct{}

func (nopAudit) Record(ctx context.Context, entry *database.AuditLogEntry) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, event events.Event) {}

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(topic string, payload interface{}) {}

func newTestEngine(dir *fakeDirectory, queue *fakeQueue, sessions *fakeSessions) *Engine {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	collector := metrics.NewCollector(prometheus.NewRegistry())
	return NewEngine(dir, queue, sessions, nopAudit{}, nopPublisher{}, nopBroadcaster{},
		collector, 5, 50, logger)
}

func TestEngine_RequestSupport(t *testing.T) {
	t.Run("Matches Available Helper", func(t *testing.T) {
		dir := &fakeDirectory{helpers: []*fakeHelper{{id: "helper-1", max: 2}}}
		sessions := newFakeSessions()
		engine := newTestEngine(dir, &fakeQueue{}, sessions)

		result, err := engine.RequestSupport(context.Background(), "req-1", "anxiety", database.UrgencyMedium)
		require.NoError(t, err)

		assert.False(t, result.Queued)
		assert.NotEmpty(t, result.SessionID)
		assert.Equal(t, 1, dir.totalReserved())
	})

	t.Run("Queues When No Helper Available", func(t *testing.T) {
		dir := &fakeDirectory{helpers: []*fakeHelper{{id: "helper-1", current: 1, max: 1}}}
		queue := &fakeQueue{}
		engine := newTestEngine(dir, queue, newFakeSessions())

		result, err := engine.RequestSupport(context.Background(), "req-1", "anxiety", database.UrgencyHigh)
		require.NoError(t, err)

		assert.True(t, result.Queued)
		assert.Equal(t, 1, result.Position)
		depth, _ := queue.Depth(context.Background())
		assert.Equal(t, 1, depth)
	})

	t.Run("Releases Slot When Session Creation Fails", func(t *testing.T) {
		dir := &fakeDirectory{helpers: []*fakeHelper{{id: "helper-1", max: 1}}}
		sessions := newFakeSessions()
		sessions.createErr = errors.New("insert failed")
		engine := newTestEngine(dir, &fakeQueue{}, sessions)

		_, err := engine.RequestSupport(context.Background(), "req-1", "anxiety", database.UrgencyMedium)
		require.Error(t, err)

		assert.Zero(t, dir.totalReserved(), "failed match must not leak the helper slot")
		assert.Equal(t, 1, dir.helpers[0].released)
	})

	t.Run("Propagates Requester Conflict", func(t *testing.T) {
		dir := &fakeDirectory{helpers: []*fakeHelper{{id: "helper-1", max: 2}}}
		sessions := newFakeSessions()
		engine := newTestEngine(dir, &fakeQueue{}, sessions)

		_, err := engine.RequestSupport(context.Background(), "req-1", "anxiety", database.UrgencyMedium)
		require.NoError(t, err)

		_, err = engine.RequestSupport(context.Background(), "req-1", "anxiety", database.UrgencyMedium)
		require.Error(t, err)
		assert.ErrorIs(t, err, database.ErrConflict)
		assert.Equal(t, 1, dir.helpers[0].released, "conflict must roll back the claimed slot")
		assert.Equal(t, 1, dir.totalReserved())
	})

	t.Run("Concurrent Requests Never Exceed Capacity", func(t *testing.T) {
		const capacity = 3
		const requesters = 20

		dir := &fakeDirectory{helpers: []*fakeHelper{
			{id: "helper-1", max: 1},
			{id: "helper-2", max: 2},
		}}
		queue := &fakeQueue{}
		sessions := newFakeSessions()
		engine := newTestEngine(dir, queue, sessions)

		var wg sync.WaitGroup
		results := make([]*MatchResult, requesters)
		errs := make([]error, requesters)
		for i := 0; i < requesters; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = engine.RequestSupport(context.Background(),
					fmt.Sprintf("req-%d", i), "anxiety", database.UrgencyMedium)
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			require.NoError(t, err, "requester %d", i)
		}

		matched := 0
		queued := 0
		for _, r := range results {
			if r.Queued {
				queued++
			} else {
				matched++
			}
		}

		assert.Equal(t, capacity, matched, "matches must equal total helper capacity")
		assert.Equal(t, requesters-capacity, queued)
		assert.Equal(t, capacity, dir.totalReserved())
		assert.Len(t, sessions.created, capacity)
	})
}

func TestEngine_DrainQueue(t *testing.T) {
	t.Run("Drains Highest Urgency First", func(t *testing.T) {
		dir := &fakeDirectory{helpers: []*fakeHelper{{id: "helper-1", current: 1, max: 1}}}
		queue := &fakeQueue{}
		sessions := newFakeSessions()
		engine := newTestEngine(dir, queue, sessions)

		for _, req := range []struct{ id, urgency string }{
			{"req-low", database.UrgencyLow},
			{"req-urgent", database.UrgencyUrgent},
			{"req-medium", database.UrgencyMedium},
		} {
			result, err := engine.RequestSupport(context.Background(), req.id, "anxiety", req.urgency)
			require.NoError(t, err)
			require.True(t, result.Queued)
		}

		// One slot frees up; only the urgent requester should drain.
		dir.helpers[0].current = 0
		engine.DrainQueue(context.Background())

		require.Len(t, sessions.created, 1)
		assert.Equal(t, "req-urgent", sessions.created[0].RequesterID)
		depth, _ := queue.Depth(context.Background())
		assert.Equal(t, 2, depth)
	})

	t.Run("Drains Until Capacity Exhausted", func(t *testing.T) {
		dir := &fakeDirectory{helpers: []*fakeHelper{{id: "helper-1", current: 2, max: 2}}}
		queue := &fakeQueue{}
		sessions := newFakeSessions()
		engine := newTestEngine(dir, queue, sessions)

		for i := 0; i < 5; i++ {
			result, err := engine.RequestSupport(context.Background(),
				fmt.Sprintf("req-%d", i), "anxiety", database.UrgencyMedium)
			require.NoError(t, err)
			require.True(t, result.Queued)
		}

		dir.helpers[0].current = 0
		engine.DrainQueue(context.Background())

		assert.Len(t, sessions.created, 2)
		depth, _ := queue.Depth(context.Background())
		assert.Equal(t, 3, depth)
	})

	t.Run("Drops Stale Entry For Requester With Open Session", func(t *testing.T) {
		dir := &fakeDirectory{helpers: []*fakeHelper{{id: "helper-1", max: 2}}}
		queue := &fakeQueue{}
		sessions := newFakeSessions()
		engine := newTestEngine(dir, queue, sessions)

		queue.Enqueue(context.Background(), &database.QueueEntry{
			ID: "stale", RequesterID: "req-1", IssueCategory: "anxiety", Urgency: database.UrgencyMedium,
		})
		sessions.open["req-1"] = true

		engine.DrainQueue(context.Background())

		depth, _ := queue.Depth(context.Background())
		assert.Zero(t, depth, "stale entry should be removed")
		assert.Empty(t, sessions.created)
		assert.Zero(t, dir.totalReserved(), "claimed slot must be rolled back for stale entries")
	})
}

func TestEngine_CancelQueued(t *testing.T) {
	dir := &fakeDirectory{}
	queue := &fakeQueue{}
	engine := newTestEngine(dir, queue, newFakeSessions())

	result, err := engine.RequestSupport(context.Background(), "req-1", "anxiety", database.UrgencyLow)
	require.NoError(t, err)
	require.True(t, result.Queued)

	require.NoError(t, engine.CancelQueued(context.Background(), "req-1"))

	_, err = engine.QueuePosition(context.Background(), "req-1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	err = engine.CancelQueued(context.Background(), "req-1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestValidUrgency(t *testing.T) {
	assert.True(t, ValidUrgency(database.UrgencyLow))
	assert.True(t, ValidUrgency(database.UrgencyUrgent))
	assert.False(t, ValidUrgency("extreme"))
}
