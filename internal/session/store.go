// Package session owns the support session lifecycle:
// active -> paused -> active (resume) or -> ended; ended is terminal.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/havenlink/support-core/internal/database"
	"github.com/havenlink/support-core/internal/events"
	"github.com/havenlink/support-core/internal/realtime"
)

// Repository is the store's view of session persistence
type Repository interface {
	Create(ctx context.Context, session *database.SupportSession) error
	GetByID(ctx context.Context, id string) (*database.SupportSession, error)
	Pause(ctx context.Context, id, reason string) (bool, error)
	Resume(ctx context.Context, id string) error
	End(ctx context.Context, id string, feedbackRating *int) (*database.SupportSession, error)
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

// Store manages session state transitions and their side signals
type Store struct {
	repo      Repository
	audit     AuditRecorder
	publisher EventPublisher
	broadcast Broadcaster
	logger    *slog.Logger
}

// NewStore creates a session store
func NewStore(
	repo Repository,
	audit AuditRecorder,
	publisher EventPublisher,
	broadcast Broadcaster,
	logger *slog.Logger,
) *Store {
	return &Store{
		repo:      repo,
		audit:     audit,
		publisher: publisher,
		broadcast: broadcast,
		logger:    logger,
	}
}

// Create starts an active session between a requester and a helper
func (s *Store) Create(ctx context.Context, requesterID, helperID string) (*database.SupportSession, error) {
	sess := &database.SupportSession{
		ID:          uuid.New().String(),
		RequesterID: requesterID,
		HelperID:    helperID,
	}

	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, requesterID, "session.create", sess.ID, database.JSONMap{
		"helper_id": helperID,
	})
	s.publisher.Publish(ctx, events.Event{
		ID:   sess.ID,
		Type: events.TypeSessionCreated,
		Data: map[string]interface{}{
			"session_id":   sess.ID,
			"requester_id": requesterID,
			"helper_id":    helperID,
		},
	})
	s.broadcastStatus(sess.ID, database.SessionActive)

	return sess, nil
}

// GetByID retrieves a session
func (s *Store) GetByID(ctx context.Context, id string) (*database.SupportSession, error) {
	return s.repo.GetByID(ctx, id)
}

// Pause suspends an active session. A repeated pause for the same reason
// class is a no-op success; any other transition is ErrInvalidState.
func (s *Store) Pause(ctx context.Context, sessionID, reason, actorID string) error {
	paused, err := s.repo.Pause(ctx, sessionID, reason)
	if err != nil {
		return err
	}

	if !paused {
		// Not active: already paused, ended, or unknown.
		current, err := s.repo.GetByID(ctx, sessionID)
		if err != nil {
			return err
		}
		switch current.Status {
		case database.SessionPaused:
			if current.PausedReason != nil && reasonClass(*current.PausedReason) == reasonClass(reason) {
				s.logger.Debug("Session already paused for same reason class",
					"session_id", sessionID, "reason", reason)
				return nil
			}
			return fmt.Errorf("session %s paused for different reason: %w",
				sessionID, database.ErrInvalidState)
		default:
			return fmt.Errorf("session %s is %s: %w",
				sessionID, current.Status, database.ErrInvalidState)
		}
	}

	s.recordAudit(ctx, actorID, "session.pause", sessionID, database.JSONMap{
		"reason": reason,
	})
	s.publisher.Publish(ctx, events.Event{
		ID:   sessionID,
		Type: events.TypeSessionPaused,
		Data: map[string]interface{}{"session_id": sessionID, "reason": reason},
	})
	s.broadcastStatus(sessionID, database.SessionPaused)

	return nil
}

// Resume reactivates a paused session. Resumption is always an explicit
// human action, never automatic.
func (s *Store) Resume(ctx context.Context, sessionID, actorID string) error {
	if err := s.repo.Resume(ctx, sessionID); err != nil {
		return err
	}

	s.recordAudit(ctx, actorID, "session.resume", sessionID, nil)
	s.publisher.Publish(ctx, events.Event{
		ID:   sessionID,
		Type: events.TypeSessionResumed,
		Data: map[string]interface{}{"session_id": sessionID},
	})
	s.broadcastStatus(sessionID, database.SessionActive)

	return nil
}

// End terminates a session from active or paused and frees the helper
// slot. Returns the ended session with its computed duration.
func (s *Store) End(ctx context.Context, sessionID string, feedbackRating *int, actorID string) (*database.SupportSession, error) {
	ended, err := s.repo.End(ctx, sessionID, feedbackRating)
	if err != nil {
		return nil, err
	}

	detail := database.JSONMap{"helper_id": ended.HelperID}
	if ended.DurationMinutes != nil {
		detail["duration_minutes"] = *ended.DurationMinutes
	}
	if feedbackRating != nil {
		detail["feedback_rating"] = *feedbackRating
	}
	s.recordAudit(ctx, actorID, "session.end", sessionID, detail)
	s.publisher.Publish(ctx, events.Event{
		ID:   sessionID,
		Type: events.TypeSessionEnded,
		Data: map[string]interface{}{
			"session_id": sessionID,
			"helper_id":  ended.HelperID,
		},
	})
	s.broadcastStatus(sessionID, database.SessionEnded)

	return ended, nil
}

func (s *Store) broadcastStatus(sessionID, status string) {
	s.broadcast.Publish(realtime.SessionTopic(sessionID), map[string]interface{}{
		"session_id": sessionID,
		"status":     status,
	})
}

func (s *Store) recordAudit(ctx context.Context, actorID, action, sessionID string, detail database.JSONMap) {
	entry := &database.AuditLogEntry{
		ActorID:      actorID,
		Action:       action,
		ResourceType: "support_session",
		ResourceID:   sessionID,
		Detail:       detail,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error("Failed to record session audit entry",
			"action", action, "session_id", sessionID, "error", err)
	}
}

// reasonClass extracts the reason class from a generated pause reason of
// the form "<class>: detail".
func reasonClass(reason string) string {
	if idx := strings.Index(reason, ":"); idx >= 0 {
		return strings.TrimSpace(reason[:idx])
	}
	return strings.TrimSpace(reason)
}
