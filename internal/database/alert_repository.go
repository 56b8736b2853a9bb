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

// AlertRepository handles emergency alert data operations. Alert status
// only moves forward: pending -> acknowledged -> resolved.
type AlertRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *sqlx.DB, logger *slog.Logger) *AlertRepository {
	return &AlertRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create creates a new emergency alert in pending state
func (r *AlertRepository) Create(ctx context.Context, alert *EmergencyAlert) error {
	query := `
		INSERT INTO emergency_alerts (
			id, session_id, message_id, alert_type, severity, risk_score,
			detected_keywords, status, created_at, updated_at
		) VALUES (
			:id, :session_id, :message_id, :alert_type, :severity, :risk_score,
			:detected_keywords, :status, :created_at, :updated_at
		)`

	alert.Status = AlertPending
	alert.CreatedAt = time.Now()
	alert.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, alert)
	if err != nil {
		r.logger.Error("Failed to create alert", "alert_id", alert.ID, "session_id", alert.SessionID, "error", err)
		return fmt.Errorf("failed to create alert: %w", err)
	}

	r.logger.Info("Emergency alert created",
		"alert_id", alert.ID,
		"session_id", alert.SessionID,
		"alert_type", alert.AlertType,
		"severity", alert.Severity)
	return nil
}

// GetByID retrieves an alert by ID
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*EmergencyAlert, error) {
	query := `SELECT * FROM emergency_alerts WHERE id = $1`

	var alert EmergencyAlert
	err := r.db.GetContext(ctx, &alert, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get alert", "alert_id", id, "error", err)
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return &alert, nil
}

// ExistsForMessage reports whether an alert was already raised for a
// message; re-analysis must never duplicate an alert.
func (r *AlertRepository) ExistsForMessage(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM emergency_alerts WHERE message_id = $1)`, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to check alert existence: %w", err)
	}
	return exists, nil
}

// ListByStatus retrieves alerts by status, oldest first
func (r *AlertRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*EmergencyAlert, error) {
	query := `
		SELECT * FROM emergency_alerts
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`

	var alerts []*EmergencyAlert
	err := r.db.SelectContext(ctx, &alerts, query, status, limit)
	if err != nil {
		r.logger.Error("Failed to list alerts by status", "status", status, "error", err)
		return nil, fmt.Errorf("failed to list alerts by status: %w", err)
	}

	return alerts, nil
}

// ListStalePending retrieves pending alerts older than the given age
// that have not been re-notified since
func (r *AlertRepository) ListStalePending(ctx context.Context, age time.Duration, limit int) ([]*EmergencyAlert, error) {
	query := `
		SELECT * FROM emergency_alerts
		WHERE status = 'pending'
		AND created_at < NOW() - make_interval(secs => $1)
		AND (last_notified_at IS NULL OR last_notified_at < NOW() - make_interval(secs => $1))
		ORDER BY created_at ASC
		LIMIT $2`

	var alerts []*EmergencyAlert
	err := r.db.SelectContext(ctx, &alerts, query, age.Seconds(), limit)
	if err != nil {
		r.logger.Error("Failed to list stale pending alerts", "error", err)
		return nil, fmt.Errorf("failed to list stale pending alerts: %w", err)
	}

	return alerts, nil
}

// MarkNotified records that staff were notified about an alert
func (r *AlertRepository) MarkNotified(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE emergency_alerts SET
			last_notified_at = NOW(),
			updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark alert notified: %w", err)
	}
	return nil
}

// Acknowledge moves a pending alert to acknowledged
func (r *AlertRepository) Acknowledge(ctx context.Context, id, staffID string) error {
	query := `
		UPDATE emergency_alerts SET
			status = 'acknowledged',
			acknowledged_at = NOW(),
			acknowledged_by = $2,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	result, err := r.db.ExecContext(ctx, query, id, staffID)
	if err != nil {
		r.logger.Error("Failed to acknowledge alert", "alert_id", id, "error", err)
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert %s not pending: %w", id, ErrInvalidState)
	}

	r.logger.Info("Alert acknowledged", "alert_id", id, "staff_id", staffID)
	return nil
}

// Resolve moves a pending or acknowledged alert to resolved
func (r *AlertRepository) Resolve(ctx context.Context, id, staffID string) error {
	query := `
		UPDATE emergency_alerts SET
			status = 'resolved',
			resolved_at = NOW(),
			resolved_by = $2,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'acknowledged')`

	result, err := r.db.ExecContext(ctx, query, id, staffID)
	if err != nil {
		r.logger.Error("Failed to resolve alert", "alert_id", id, "error", err)
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert %s already resolved: %w", id, ErrInvalidState)
	}

	r.logger.Info("Alert resolved", "alert_id", id, "staff_id", staffID)
	return nil
}
