package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// StaffRepository handles the safeguarding staff directory
type StaffRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewStaffRepository creates a new staff repository
func NewStaffRepository(db *sqlx.DB, logger *slog.Logger) *StaffRepository {
	return &StaffRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// ListOnCall retrieves currently active safeguarding staff
func (r *StaffRepository) ListOnCall(ctx context.Context) ([]*StaffMember, error) {
	query := `
		SELECT * FROM staff_members
		WHERE on_call = true
		ORDER BY name ASC`

	var staff []*StaffMember
	err := r.db.SelectContext(ctx, &staff, query)
	if err != nil {
		r.logger.Error("Failed to list on-call staff", "error", err)
		return nil, fmt.Errorf("failed to list on-call staff: %w", err)
	}

	return staff, nil
}
