package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// QueueRepository handles the requester waiting queue. Positions are
// dense per urgency tier and maintained transactionally so concurrent
// inserts and removals never produce duplicates or gaps.
type QueueRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *sqlx.DB, logger *slog.Logger) *QueueRepository {
	return &QueueRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Enqueue appends an entry to its urgency tier and returns the caller
// visible position: entries in higher tiers count ahead of it.
func (r *QueueRepository) Enqueue(ctx context.Context, entry *QueueEntry) (int, error) {
	entry.CreatedAt = time.Now()

	var globalPosition int
	err := r.Transaction(func(tx *sqlx.Tx) error {
		// Serialize position computation per tier; a MAX+1 read without
		// this would let two concurrent inserts take the same position.
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext('queue_tier_' || $1))`,
			entry.Urgency); err != nil {
			return fmt.Errorf("failed to lock queue tier: %w", err)
		}

		var tierPosition int
		err := tx.GetContext(ctx, &tierPosition, `
			SELECT COALESCE(MAX(position), 0) + 1 FROM queue_entries
			WHERE urgency = $1`, entry.Urgency)
		if err != nil {
			return fmt.Errorf("failed to compute queue position: %w", err)
		}
		entry.Position = tierPosition

		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO queue_entries (id, requester_id, issue_category, urgency, position, created_at)
			VALUES (:id, :requester_id, :issue_category, :urgency, :position, :created_at)`, entry)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return fmt.Errorf("requester %s already queued: %w", entry.RequesterID, ErrConflict)
			}
			return fmt.Errorf("failed to insert queue entry: %w", err)
		}

		return tx.GetContext(ctx, &globalPosition, `
			SELECT COUNT(*) FROM queue_entries
			WHERE urgency_rank(urgency) > urgency_rank($1)
			OR (urgency = $1 AND position <= $2)`,
			entry.Urgency, entry.Position)
	})
	if err != nil {
		r.logger.Error("Failed to enqueue requester", "requester_id", entry.RequesterID, "error", err)
		return 0, err
	}

	r.logger.Info("Requester queued",
		"requester_id", entry.RequesterID,
		"urgency", entry.Urgency,
		"position", globalPosition)
	return globalPosition, nil
}

// Head returns the next entry to drain: highest urgency first, FIFO
// within the tier.
func (r *QueueRepository) Head(ctx context.Context) (*QueueEntry, error) {
	query := `
		SELECT * FROM queue_entries
		ORDER BY urgency_rank(urgency) DESC, position ASC
		LIMIT 1`

	var entry QueueEntry
	err := r.db.GetContext(ctx, &entry, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue empty: %w", ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to read queue head", "error", err)
		return nil, fmt.Errorf("failed to read queue head: %w", err)
	}

	return &entry, nil
}

// Remove deletes an entry and renumbers its tier so positions stay dense
func (r *QueueRepository) Remove(ctx context.Context, id string) error {
	err := r.Transaction(func(tx *sqlx.Tx) error {
		var removed QueueEntry
		err := tx.GetContext(ctx, &removed, `
			SELECT * FROM queue_entries WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to look up queue entry: %w", err)
		}

		// Same per-tier lock as Enqueue: a concurrent MAX(position) read
		// between the delete and the renumber would leave a gap.
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext('queue_tier_' || $1))`,
			removed.Urgency); err != nil {
			return fmt.Errorf("failed to lock queue tier: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`DELETE FROM queue_entries WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to remove queue entry: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			// Drained or cancelled by another caller while we waited.
			return fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE queue_entries SET position = position - 1
			WHERE urgency = $1 AND position > $2`,
			removed.Urgency, removed.Position)
		if err != nil {
			return fmt.Errorf("failed to renumber queue tier: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("Queue entry removed", "entry_id", id)
	return nil
}

// CancelByRequester removes a requester's entry, renumbering its tier
func (r *QueueRepository) CancelByRequester(ctx context.Context, requesterID string) error {
	var id string
	err := r.db.GetContext(ctx, &id, `
		SELECT id FROM queue_entries WHERE requester_id = $1`, requesterID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("requester %s not queued: %w", requesterID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up queue entry: %w", err)
	}

	return r.Remove(ctx, id)
}

// GlobalPosition returns a requester's caller-visible position across
// all tiers
func (r *QueueRepository) GlobalPosition(ctx context.Context, requesterID string) (int, error) {
	var entry QueueEntry
	err := r.db.GetContext(ctx, &entry, `
		SELECT * FROM queue_entries WHERE requester_id = $1`, requesterID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("requester %s not queued: %w", requesterID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up queue entry: %w", err)
	}

	var position int
	err = r.db.GetContext(ctx, &position, `
		SELECT COUNT(*) FROM queue_entries
		WHERE urgency_rank(urgency) > urgency_rank($1)
		OR (urgency = $1 AND position <= $2)`,
		entry.Urgency, entry.Position)
	if err != nil {
		return 0, fmt.Errorf("failed to compute queue position: %w", err)
	}

	return position, nil
}

// Depth returns the total number of waiting requesters
func (r *QueueRepository) Depth(ctx context.Context) (int, error) {
	var depth int
	err := r.db.GetContext(ctx, &depth, `SELECT COUNT(*) FROM queue_entries`)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return depth, nil
}
