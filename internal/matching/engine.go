// Package matching pairs requesters with available helpers, or queues
// them until a helper becomes eligible.
package matching

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/havenlink/support-core/internal/database"
	"github.com/havenlink/support-core/internal/events"
	"github.com/havenlink/support-core/internal/metrics"
	"github.com/havenlink/support-core/internal/realtime"
)

// HelperDirectory is the engine's view of helper storage. ReserveSlot
// must be atomic with respect to concurrent callers.
type HelperDirectory interface {
	FindEligible(ctx context.Context, issueCategory string, limit int) ([]*database.HelperProfile, error)
	ReserveSlot(ctx context.Context, helperID string) error
	ReleaseSlot(ctx context.Context, helperID string) error
}

// Queue is the engine's view of the waiting queue
type Queue interface {
	Enqueue(ctx context.Context, entry *database.QueueEntry) (int, error)
	Head(ctx context.Context) (*database.QueueEntry, error)
	Remove(ctx context.Context, id string) error
	CancelByRequester(ctx context.Context, requesterID string) error
	GlobalPosition(ctx context.Context, requesterID string) (int, error)
	Depth(ctx context.Context) (int, error)
}

// SessionCreator starts a session for a matched pair
type SessionCreator interface {
	Create(ctx context.Context, requesterID, helperID string) (*database.SupportSession, error)
}

// AuditRecorder appends audit log entries
type AuditRecorder interface {
	Record(ctx context.Context, entry *database.AuditLogEntry) error
}

// EventPublisher emits lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event)
}

// Broadcaster pushes realtime updates to subscribed parties
type Broadcaster interface {
	Publish(topic string, payload interface{})
}

// MatchResult is the outcome of a support request
type MatchResult struct {
	SessionID string `json:"session_id,omitempty"`
	Queued    bool   `json:"queued"`
	Position  int    `json:"position,omitempty"`
}

// errNoHelper signals that every candidate lost the reservation race or
// none existed
var errNoHelper = errors.New("no helper available")

// Engine matches requesters to helpers. The claim on a helper slot is a
// conditional update in the directory; the engine only sequences
// candidates and rolls back on downstream failure.
type Engine struct {
	helpers        HelperDirectory
	queue          Queue
	sessions       SessionCreator
	audit          AuditRecorder
	publisher      EventPublisher
	broadcast      Broadcaster
	metrics        *metrics.Collector
	candidateLimit int
	drainBatchSize int
	drainMu        sync.Mutex
	logger         *slog.Logger
}

// NewEngine creates a matching engine
func NewEngine(
	helpers HelperDirectory,
	queue Queue,
	sessions SessionCreator,
	audit AuditRecorder,
	publisher EventPublisher,
	broadcast Broadcaster,
	collector *metrics.Collector,
	candidateLimit int,
	drainBatchSize int,
	logger *slog.Logger,
) *Engine {
	if candidateLimit <= 0 {
		candidateLimit = 5
	}
	if drainBatchSize <= 0 {
		drainBatchSize = 50
	}
	return &Engine{
		helpers:        helpers,
		queue:          queue,
		sessions:       sessions,
		audit:          audit,
		publisher:      publisher,
		broadcast:      broadcast,
		metrics:        collector,
		candidateLimit: candidateLimit,
		drainBatchSize: drainBatchSize,
		logger:         logger,
	}
}

// RequestSupport pairs the requester with a helper or queues them.
// Returns ErrConflict when the requester already has an open session.
func (e *Engine) RequestSupport(ctx context.Context, requesterID, issueCategory, urgency string) (*MatchResult, error) {
	sess, err := e.tryMatch(ctx, requesterID, issueCategory)
	if err == nil {
		e.metrics.MatchesTotal.WithLabelValues("matched").Inc()
		return &MatchResult{SessionID: sess.ID}, nil
	}
	if !errors.Is(err, errNoHelper) {
		if errors.Is(err, database.ErrConflict) {
			e.metrics.MatchesTotal.WithLabelValues("conflict").Inc()
		} else {
			e.metrics.MatchesTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	entry := &database.QueueEntry{
		ID:            uuid.New().String(),
		RequesterID:   requesterID,
		IssueCategory: issueCategory,
		Urgency:       urgency,
	}
	position, err := e.queue.Enqueue(ctx, entry)
	if err != nil {
		e.metrics.MatchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	e.metrics.MatchesTotal.WithLabelValues("queued").Inc()
	e.refreshQueueDepth(ctx)
	e.recordAudit(ctx, requesterID, "queue.enqueue", entry.ID, database.JSONMap{
		"urgency":  urgency,
		"position": position,
	})
	e.publisher.Publish(ctx, events.Event{
		ID:   entry.ID,
		Type: events.TypeRequesterQueued,
		Data: map[string]interface{}{
			"requester_id": requesterID,
			"urgency":      urgency,
			"position":     position,
		},
	})
	e.broadcast.Publish(realtime.QueueTopic(requesterID), map[string]interface{}{
		"queued":   true,
		"position": position,
	})

	return &MatchResult{Queued: true, Position: position}, nil
}

// tryMatch walks the eligible candidates and claims the first free slot.
// If session persistence fails after a slot was claimed, the claim is
// rolled back; a helper slot is never leaked.
func (e *Engine) tryMatch(ctx context.Context, requesterID, issueCategory string) (*database.SupportSession, error) {
	candidates, err := e.helpers.FindEligible(ctx, issueCategory, e.candidateLimit)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		if err := e.helpers.ReserveSlot(ctx, candidate.ID); err != nil {
			if errors.Is(err, database.ErrConflict) {
				// Lost the race for this helper; try the next one.
				continue
			}
			return nil, err
		}

		sess, err := e.sessions.Create(ctx, requesterID, candidate.ID)
		if err != nil {
			if releaseErr := e.helpers.ReleaseSlot(ctx, candidate.ID); releaseErr != nil {
				e.logger.Error("Failed to roll back helper reservation",
					"helper_id", candidate.ID, "error", releaseErr)
			}
			return nil, err
		}

		e.logger.Info("Requester matched",
			"requester_id", requesterID,
			"helper_id", candidate.ID,
			"session_id", sess.ID)
		return sess, nil
	}

	return nil, errNoHelper
}

// DrainQueue matches waiting requesters while helpers are eligible,
// highest urgency first and FIFO within a tier. Called whenever a
// helper's availability or session count changes, and periodically by
// the scheduler as a safety net.
func (e *Engine) DrainQueue(ctx context.Context) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	for i := 0; i < e.drainBatchSize; i++ {
		head, err := e.queue.Head(ctx)
		if err != nil {
			if !errors.Is(err, database.ErrNotFound) {
				e.logger.Error("Failed to read queue head", "error", err)
			}
			return
		}

		sess, err := e.tryMatch(ctx, head.RequesterID, head.IssueCategory)
		if errors.Is(err, errNoHelper) {
			return
		}
		if errors.Is(err, database.ErrConflict) {
			// Requester acquired a session some other way; drop the entry.
			e.logger.Warn("Dropping queue entry for requester with open session",
				"requester_id", head.RequesterID)
			if err := e.queue.Remove(ctx, head.ID); err != nil {
				e.logger.Error("Failed to remove stale queue entry", "entry_id", head.ID, "error", err)
				return
			}
			continue
		}
		if err != nil {
			e.logger.Error("Queue drain failed", "requester_id", head.RequesterID, "error", err)
			return
		}

		if err := e.queue.Remove(ctx, head.ID); err != nil {
			e.logger.Error("Failed to remove drained queue entry",
				"entry_id", head.ID, "error", err)
			return
		}

		e.metrics.MatchesTotal.WithLabelValues("drained").Inc()
		e.recordAudit(ctx, head.RequesterID, "queue.drain", head.ID, database.JSONMap{
			"session_id": sess.ID,
		})
		e.publisher.Publish(ctx, events.Event{
			ID:   head.ID,
			Type: events.TypeQueueDrained,
			Data: map[string]interface{}{
				"requester_id": head.RequesterID,
				"session_id":   sess.ID,
			},
		})
		e.broadcast.Publish(realtime.QueueTopic(head.RequesterID), map[string]interface{}{
			"queued":     false,
			"session_id": sess.ID,
		})
	}

	e.refreshQueueDepth(ctx)
}

// CancelQueued removes a requester's waiting entry
func (e *Engine) CancelQueued(ctx context.Context, requesterID string) error {
	if err := e.queue.CancelByRequester(ctx, requesterID); err != nil {
		return err
	}

	e.refreshQueueDepth(ctx)
	e.recordAudit(ctx, requesterID, "queue.cancel", requesterID, nil)
	e.publisher.Publish(ctx, events.Event{
		ID:   requesterID,
		Type: events.TypeQueueCancelled,
		Data: map[string]interface{}{"requester_id": requesterID},
	})

	return nil
}

// QueuePosition returns a waiting requester's caller-visible position
func (e *Engine) QueuePosition(ctx context.Context, requesterID string) (int, error) {
	return e.queue.GlobalPosition(ctx, requesterID)
}

func (e *Engine) refreshQueueDepth(ctx context.Context) {
	depth, err := e.queue.Depth(ctx)
	if err != nil {
		e.logger.Error("Failed to read queue depth", "error", err)
		return
	}
	e.metrics.QueueDepth.Set(float64(depth))
}

func (e *Engine) recordAudit(ctx context.Context, actorID, action, resourceID string, detail database.JSONMap) {
	entry := &database.AuditLogEntry{
		ActorID:      actorID,
		Action:       action,
		ResourceType: "queue_entry",
		ResourceID:   resourceID,
		Detail:       detail,
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Error("Failed to record matching audit entry",
			"action", action, "error", err)
	}
}

// ValidUrgency reports whether the given urgency level is recognized
func ValidUrgency(urgency string) bool {
	switch urgency {
	case database.UrgencyLow, database.UrgencyMedium, database.UrgencyHigh, database.UrgencyUrgent:
		return true
	}
	return false
}
