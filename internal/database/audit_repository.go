package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// AuditRepository handles the append-only audit log
type AuditRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sqlx.DB, logger *slog.Logger) *AuditRepository {
	return &AuditRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Record appends an audit log entry
func (r *AuditRepository) Record(ctx context.Context, entry *AuditLogEntry) error {
	query := `
		INSERT INTO audit_log (
			id, actor_id, action, resource_type, resource_id, detail, created_at
		) VALUES (
			:id, :actor_id, :action, :resource_type, :resource_id, :detail, :created_at
		)`

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, entry)
	if err != nil {
		r.logger.Error("Failed to record audit entry",
			"action", entry.Action,
			"resource_type", entry.ResourceType,
			"resource_id", entry.ResourceID,
			"error", err)
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	return nil
}

// ListByResource retrieves audit entries for one resource, oldest first
func (r *AuditRepository) ListByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditLogEntry, error) {
	query := `
		SELECT * FROM audit_log
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at ASC`

	var entries []*AuditLogEntry
	err := r.db.SelectContext(ctx, &entries, query, resourceType, resourceID)
	if err != nil {
		r.logger.Error("Failed to list audit entries", "resource_type", resourceType, "error", err)
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	return entries, nil
}
