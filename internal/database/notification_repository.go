package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// NotificationRepository records outbound notification attempts
type NotificationRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *sqlx.DB, logger *slog.Logger) *NotificationRepository {
	return &NotificationRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create persists a notification record in pending state
func (r *NotificationRepository) Create(ctx context.Context, notification *Notification) error {
	query := `
		INSERT INTO notifications (
			id, alert_id, channel, recipient, subject, content, status, created_at
		) VALUES (
			:id, :alert_id, :channel, :recipient, :subject, :content, :status, :created_at
		)`

	notification.Status = NotificationPending
	notification.CreatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, notification)
	if err != nil {
		r.logger.Error("Failed to create notification",
			"alert_id", notification.AlertID,
			"channel", notification.Channel,
			"error", err)
		return fmt.Errorf("failed to create notification: %w", err)
	}

	return nil
}

// MarkSent records a successful delivery
func (r *NotificationRepository) MarkSent(ctx context.Context, id string) error {
	query := `
		UPDATE notifications SET
			status = 'sent',
			sent_at = NOW()
		WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}

// MarkFailed records a failed delivery with its error
func (r *NotificationRepository) MarkFailed(ctx context.Context, id, deliveryError string) error {
	query := `
		UPDATE notifications SET
			status = 'failed',
			failed_at = NOW(),
			error = $2
		WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, deliveryError); err != nil {
		return fmt.Errorf("failed to mark notification failed: %w", err)
	}
	return nil
}
