package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// KeywordRepository handles the flagged keyword table
type KeywordRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewKeywordRepository creates a new keyword repository
func NewKeywordRepository(db *sqlx.DB, logger *slog.Logger) *KeywordRepository {
	return &KeywordRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// ListEnabled retrieves all enabled keywords
func (r *KeywordRepository) ListEnabled(ctx context.Context) ([]*Keyword, error) {
	query := `
		SELECT * FROM keywords
		WHERE enabled = true
		ORDER BY term ASC`

	var keywords []*Keyword
	err := r.db.SelectContext(ctx, &keywords, query)
	if err != nil {
		r.logger.Error("Failed to list keywords", "error", err)
		return nil, fmt.Errorf("failed to list keywords: %w", err)
	}

	return keywords, nil
}

// Upsert inserts or updates a keyword by term
func (r *KeywordRepository) Upsert(ctx context.Context, keyword *Keyword) error {
	query := `
		INSERT INTO keywords (
			id, term, severity, requires_immediate_escalation, enabled, created_at, updated_at
		) VALUES (
			:id, :term, :severity, :requires_immediate_escalation, :enabled, :created_at, :updated_at
		)
		ON CONFLICT (term) DO UPDATE SET
			severity = EXCLUDED.severity,
			requires_immediate_escalation = EXCLUDED.requires_immediate_escalation,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`

	keyword.CreatedAt = time.Now()
	keyword.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, keyword)
	if err != nil {
		r.logger.Error("Failed to upsert keyword", "term", keyword.Term, "error", err)
		return fmt.Errorf("failed to upsert keyword: %w", err)
	}

	return nil
}
