package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// SessionRepository handles support session data operations. State
// transitions are conditional updates checked through RowsAffected so an
// illegal transition can never be half-applied.
type SessionRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *sqlx.DB, logger *slog.Logger) *SessionRepository {
	return &SessionRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create inserts an active session. The conditional insert rejects a
// requester who already has a non-ended session; helper capacity is
// enforced separately by the slot reservation.
func (r *SessionRepository) Create(ctx context.Context, session *SupportSession) error {
	query := `
		INSERT INTO support_sessions (
			id, requester_id, helper_id, status, started_at, created_at, updated_at
		)
		SELECT $1, $2, $3, 'active', $4, $4, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM support_sessions
			WHERE requester_id = $2 AND status != 'ended'
		)`

	now := time.Now()
	session.Status = SessionActive
	session.StartedAt = now
	session.CreatedAt = now
	session.UpdatedAt = now

	result, err := r.db.ExecContext(ctx, query,
		session.ID, session.RequesterID, session.HelperID, now)
	if err != nil {
		r.logger.Error("Failed to create session",
			"session_id", session.ID, "requester_id", session.RequesterID, "error", err)
		return fmt.Errorf("failed to create session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("requester %s already in a session: %w", session.RequesterID, ErrConflict)
	}

	r.logger.Info("Session created",
		"session_id", session.ID,
		"requester_id", session.RequesterID,
		"helper_id", session.HelperID)
	return nil
}

// GetByID retrieves a session by ID
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*SupportSession, error) {
	query := `SELECT * FROM support_sessions WHERE id = $1`

	var session SupportSession
	err := r.db.GetContext(ctx, &session, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get session", "session_id", id, "error", err)
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

// Pause transitions an active session to paused. Returns false with no
// error when the row was not in the active state, so the caller can
// distinguish a lost race from an illegal request.
func (r *SessionRepository) Pause(ctx context.Context, id, reason string) (bool, error) {
	query := `
		UPDATE support_sessions SET
			status = 'paused',
			paused_reason = $2,
			paused_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'active'`

	result, err := r.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		r.logger.Error("Failed to pause session", "session_id", id, "error", err)
		return false, fmt.Errorf("failed to pause session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	r.logger.Info("Session paused", "session_id", id, "reason", reason)
	return true, nil
}

// Resume transitions a paused session back to active
func (r *SessionRepository) Resume(ctx context.Context, id string) error {
	query := `
		UPDATE support_sessions SET
			status = 'active',
			paused_reason = NULL,
			paused_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'paused'`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		r.logger.Error("Failed to resume session", "session_id", id, "error", err)
		return fmt.Errorf("failed to resume session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("session %s not paused: %w", id, ErrInvalidState)
	}

	r.logger.Info("Session resumed", "session_id", id)
	return nil
}

// End terminates a session from active or paused, computes its duration
// and releases the helper slot, all in one transaction.
func (r *SessionRepository) End(ctx context.Context, id string, feedbackRating *int) (*SupportSession, error) {
	var ended SupportSession
	err := r.Transaction(func(tx *sqlx.Tx) error {
		query := `
			UPDATE support_sessions SET
				status = 'ended',
				ended_at = NOW(),
				duration_minutes = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - started_at)) / 60)::int,
				feedback_rating = $2,
				updated_at = NOW()
			WHERE id = $1 AND status IN ('active', 'paused')
			RETURNING *`

		err := tx.GetContext(ctx, &ended, query, id, feedbackRating)
		if errors.Is(err, sql.ErrNoRows) {
			// Either unknown or already ended; look again to say which.
			var status string
			if lookupErr := tx.GetContext(ctx, &status,
				`SELECT status FROM support_sessions WHERE id = $1`, id); lookupErr != nil {
				return fmt.Errorf("session %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("session %s already ended: %w", id, ErrInvalidState)
		}
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}

		return releaseSlot(ctx, tx, ended.HelperID)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Session ended",
		"session_id", id,
		"helper_id", ended.HelperID,
		"duration_minutes", ended.DurationMinutes)
	return &ended, nil
}

// ListActiveByHelper retrieves a helper's non-ended sessions
func (r *SessionRepository) ListActiveByHelper(ctx context.Context, helperID string) ([]*SupportSession, error) {
	query := `
		SELECT * FROM support_sessions
		WHERE helper_id = $1 AND status != 'ended'
		ORDER BY started_at ASC`

	var sessions []*SupportSession
	err := r.db.SelectContext(ctx, &sessions, query, helperID)
	if err != nil {
		r.logger.Error("Failed to list sessions by helper", "helper_id", helperID, "error", err)
		return nil, fmt.Errorf("failed to list sessions by helper: %w", err)
	}

	return sessions, nil
}
