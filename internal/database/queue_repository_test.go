package database

import (
	"context"
	"database/sql/driver"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueEntryRows() *staticRows {
	return &staticRows{
		cols: []string{"id", "requester_id", "issue_category", "urgency", "position", "created_at"},
		vals: [][]driver.Value{
			{"entry-1", "req-1", "anxiety", "medium", int64(2), time.Now()},
		},
	}
}

func TestQueueRepository_RemoveHoldsTierLock(t *testing.T) {
	f, db := newFakeDB()
	f.queryFn = func(query string) (driver.Rows, error) {
		if strings.Contains(query, "SELECT * FROM queue_entries") {
			return queueEntryRows(), nil
		}
		return nil, assert.AnError
	}
	repo := NewQueueRepository(db, testLogger())

	require.NoError(t, repo.Remove(context.Background(), "entry-1"))

	lockIdx := f.callIndex("pg_advisory_xact_lock")
	deleteIdx := f.callIndex("DELETE FROM queue_entries")
	renumberIdx := f.callIndex("position = position - 1")

	require.GreaterOrEqual(t, lockIdx, 0, "removal must take the tier lock")
	require.GreaterOrEqual(t, deleteIdx, 0)
	require.GreaterOrEqual(t, renumberIdx, 0)
	assert.Less(t, lockIdx, deleteIdx, "tier lock must precede the delete")
	assert.Less(t, deleteIdx, renumberIdx, "renumbering runs under the lock after the delete")
	assert.Equal(t, 1, f.commits)
}

func TestQueueRepository_EnqueueDuplicateRequester(t *testing.T) {
	f, db := newFakeDB()
	f.queryFn = func(query string) (driver.Rows, error) {
		if strings.Contains(query, "COALESCE(MAX(position)") {
			return &staticRows{cols: []string{"position"}, vals: [][]driver.Value{{int64(3)}}}, nil
		}
		return nil, assert.AnError
	}
	f.execFn = func(query string) (driver.Result, error) {
		if strings.Contains(query, "INSERT INTO queue_entries") {
			return nil, &pq.Error{Code: "23505"}
		}
		return driver.RowsAffected(1), nil
	}
	repo := NewQueueRepository(db, testLogger())

	entry := &QueueEntry{ID: "entry-1", RequesterID: "req-1", IssueCategory: "anxiety", Urgency: "medium"}
	_, err := repo.Enqueue(context.Background(), entry)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict, "a requester who is already queued gets a conflict, not a retryable failure")
	assert.Equal(t, 1, f.rollbacks)
	assert.Zero(t, f.commits)
}
