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

// AssessmentRepository handles risk assessment records. Assessments are
// append-only: one row per analyzed message, never updated.
type AssessmentRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAssessmentRepository creates a new assessment repository
func NewAssessmentRepository(db *sqlx.DB, logger *slog.Logger) *AssessmentRepository {
	return &AssessmentRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create persists a risk assessment
func (r *AssessmentRepository) Create(ctx context.Context, assessment *RiskAssessment) error {
	query := `
		INSERT INTO risk_assessments (
			id, message_id, session_id, detected_keywords, max_severity,
			external_risk_score, final_risk_score, requires_immediate_escalation,
			created_at
		) VALUES (
			:id, :message_id, :session_id, :detected_keywords, :max_severity,
			:external_risk_score, :final_risk_score, :requires_immediate_escalation,
			:created_at
		)`

	assessment.CreatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, assessment)
	if err != nil {
		r.logger.Error("Failed to create risk assessment",
			"message_id", assessment.MessageID, "error", err)
		return fmt.Errorf("failed to create risk assessment: %w", err)
	}

	return nil
}

// GetByMessageID retrieves the assessment for a message, if one exists
func (r *AssessmentRepository) GetByMessageID(ctx context.Context, messageID string) (*RiskAssessment, error) {
	query := `SELECT * FROM risk_assessments WHERE message_id = $1`

	var assessment RiskAssessment
	err := r.db.GetContext(ctx, &assessment, query, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assessment for message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get risk assessment", "message_id", messageID, "error", err)
		return nil, fmt.Errorf("failed to get risk assessment: %w", err)
	}

	return &assessment, nil
}

// ListBySession retrieves all assessments for a session, oldest first
func (r *AssessmentRepository) ListBySession(ctx context.Context, sessionID string) ([]*RiskAssessment, error) {
	query := `
		SELECT * FROM risk_assessments
		WHERE session_id = $1
		ORDER BY created_at ASC`

	var assessments []*RiskAssessment
	err := r.db.SelectContext(ctx, &assessments, query, sessionID)
	if err != nil {
		r.logger.Error("Failed to list risk assessments", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}

	return assessments, nil
}
