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

// HelperRepository handles helper profile data operations. The slot
// reserve/release pair is the single guarded primitive through which
// every mutation of current_session_count flows.
type HelperRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewHelperRepository creates a new helper repository
func NewHelperRepository(db *sqlx.DB, logger *slog.Logger) *HelperRepository {
	return &HelperRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create creates a new helper profile in pending verification state
func (r *HelperRepository) Create(ctx context.Context, helper *HelperProfile) error {
	query := `
		INSERT INTO helper_profiles (
			id, user_id, specializations, is_available, current_session_count,
			max_concurrent_sessions, verification_status, created_at, updated_at
		) VALUES (
			:id, :user_id, :specializations, :is_available, :current_session_count,
			:max_concurrent_sessions, :verification_status, :created_at, :updated_at
		)`

	helper.CreatedAt = time.Now()
	helper.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, helper)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("helper profile for user %s: %w", helper.UserID, ErrConflict)
		}
		r.logger.Error("Failed to create helper profile", "helper_id", helper.ID, "error", err)
		return fmt.Errorf("failed to create helper profile: %w", err)
	}

	r.logger.Info("Helper profile created", "helper_id", helper.ID, "user_id", helper.UserID)
	return nil
}

// GetByID retrieves a helper profile by ID
func (r *HelperRepository) GetByID(ctx context.Context, id string) (*HelperProfile, error) {
	query := `SELECT * FROM helper_profiles WHERE id = $1`

	var helper HelperProfile
	err := r.db.GetContext(ctx, &helper, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("helper %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get helper profile", "helper_id", id, "error", err)
		return nil, fmt.Errorf("failed to get helper profile: %w", err)
	}

	return &helper, nil
}

// SetAvailability updates a helper's availability flag
func (r *HelperRepository) SetAvailability(ctx context.Context, helperID string, isAvailable bool) error {
	query := `
		UPDATE helper_profiles SET
			is_available = $2,
			updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, helperID, isAvailable)
	if err != nil {
		r.logger.Error("Failed to set helper availability", "helper_id", helperID, "error", err)
		return fmt.Errorf("failed to set helper availability: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("helper %s: %w", helperID, ErrNotFound)
	}

	r.logger.Info("Helper availability updated", "helper_id", helperID, "is_available", isAvailable)
	return nil
}

// SetSpecializations replaces a helper's specialization set
func (r *HelperRepository) SetSpecializations(ctx context.Context, helperID string, specializations []string) error {
	query := `
		UPDATE helper_profiles SET
			specializations = $2,
			updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, helperID, pq.StringArray(specializations))
	if err != nil {
		r.logger.Error("Failed to set helper specializations", "helper_id", helperID, "error", err)
		return fmt.Errorf("failed to set helper specializations: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("helper %s: %w", helperID, ErrNotFound)
	}

	return nil
}

// SetVerificationStatus transitions a helper's verification state. The
// transition itself is driven by an external verification workflow.
func (r *HelperRepository) SetVerificationStatus(ctx context.Context, helperID, status string) error {
	query := `
		UPDATE helper_profiles SET
			verification_status = $2,
			updated_at = NOW()
		WHERE id = $1 AND verification_status = 'pending'`

	result, err := r.db.ExecContext(ctx, query, helperID, status)
	if err != nil {
		r.logger.Error("Failed to set verification status", "helper_id", helperID, "error", err)
		return fmt.Errorf("failed to set verification status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("helper %s not pending verification: %w", helperID, ErrInvalidState)
	}

	r.logger.Info("Helper verification status updated", "helper_id", helperID, "status", status)
	return nil
}

// FindEligible returns up to limit helpers that could take a session for
// the given issue category, specialization matches first, then least
// recently matched. Selection is advisory only; the claim happens in
// ReserveSlot.
func (r *HelperRepository) FindEligible(ctx context.Context, issueCategory string, limit int) ([]*HelperProfile, error) {
	query := `
		SELECT * FROM helper_profiles
		WHERE is_available = true
		AND verification_status = 'verified'
		AND current_session_count < max_concurrent_sessions
		ORDER BY (specializations @> ARRAY[$1]::text[]) DESC,
			last_matched_at ASC NULLS FIRST
		LIMIT $2`

	var helpers []*HelperProfile
	err := r.db.SelectContext(ctx, &helpers, query, issueCategory, limit)
	if err != nil {
		r.logger.Error("Failed to find eligible helpers", "issue_category", issueCategory, "error", err)
		return nil, fmt.Errorf("failed to find eligible helpers: %w", err)
	}

	return helpers, nil
}

// ReserveSlot atomically claims one session slot on a helper. The WHERE
// clause re-checks eligibility so two concurrent requesters can never
// both take the last slot; losing the race returns ErrConflict.
func (r *HelperRepository) ReserveSlot(ctx context.Context, helperID string) error {
	query := `
		UPDATE helper_profiles SET
			current_session_count = current_session_count + 1,
			last_matched_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
		AND is_available = true
		AND verification_status = 'verified'
		AND current_session_count < max_concurrent_sessions`

	result, err := r.db.ExecContext(ctx, query, helperID)
	if err != nil {
		r.logger.Error("Failed to reserve helper slot", "helper_id", helperID, "error", err)
		return fmt.Errorf("failed to reserve helper slot: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("helper %s has no free slot: %w", helperID, ErrConflict)
	}

	return nil
}

// ReleaseSlot returns a previously reserved session slot
func (r *HelperRepository) ReleaseSlot(ctx context.Context, helperID string) error {
	return releaseSlot(ctx, r.db, helperID)
}

// ReleaseSlotTx returns a slot inside an enclosing transaction
func (r *HelperRepository) ReleaseSlotTx(ctx context.Context, tx *sqlx.Tx, helperID string) error {
	return releaseSlot(ctx, tx, helperID)
}

func releaseSlot(ctx context.Context, ext sqlx.ExtContext, helperID string) error {
	query := `
		UPDATE helper_profiles SET
			current_session_count = current_session_count - 1,
			updated_at = NOW()
		WHERE id = $1 AND current_session_count > 0`

	result, err := ext.ExecContext(ctx, query, helperID)
	if err != nil {
		return fmt.Errorf("failed to release helper slot: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("helper %s has no reserved slot: %w", helperID, ErrInvalidState)
	}

	return nil
}
