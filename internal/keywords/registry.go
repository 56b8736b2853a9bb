// Package keywords provides the reloadable registry of flagged crisis
// terms consulted on every message analysis.
package keywords

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/havenlink/support-core/internal/database"
)

const snapshotKey = "active_keywords"

// Lister is the registry's view of keyword storage
type Lister interface {
	ListEnabled(ctx context.Context) ([]*database.Keyword, error)
}

// Registry serves snapshots of the active keyword list. Snapshots are
// cached for a short TTL: the source of truth may change between calls,
// so the cache window bounds how stale an analysis pass can be without
// paying a query per message.
type Registry struct {
	repo   Lister
	cache  *gocache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewRegistry creates a keyword registry with the given snapshot TTL
func NewRegistry(repo Lister, ttl time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		repo:   repo,
		cache:  gocache.New(ttl, 2*ttl),
		ttl:    ttl,
		logger: logger,
	}
}

// ActiveKeywords returns the current keyword snapshot
func (r *Registry) ActiveKeywords(ctx context.Context) ([]*database.Keyword, error) {
	if cached, ok := r.cache.Get(snapshotKey); ok {
		return cached.([]*database.Keyword), nil
	}

	keywords, err := r.repo.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load keyword snapshot: %w", err)
	}

	r.cache.Set(snapshotKey, keywords, r.ttl)
	r.logger.Debug("Keyword snapshot reloaded", "count", len(keywords))
	return keywords, nil
}

// Invalidate drops the cached snapshot so the next analysis reloads
func (r *Registry) Invalidate() {
	r.cache.Delete(snapshotKey)
}
