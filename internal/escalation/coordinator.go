// Package escalation turns high-risk assessments into staff-visible
// alerts, auto-pausing the affected session while staff review.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/havenlink/support-core/internal/database"
	"github.com/havenlink/support-core/internal/events"
	"github.com/havenlink/support-core/internal/metrics"
)

// AlertStore persists emergency alerts
type AlertStore interface {
	Create(ctx context.Context, alert *database.EmergencyAlert) error
	ExistsForMessage(ctx context.Context, messageID string) (bool, error)
	MarkNotified(ctx context.Context, id string) error
}

// SessionPauser suspends a session pending staff review
type SessionPauser interface {
	Pause(ctx context.Context, sessionID, reason, actorID string) error
}

// StaffDirectory lists currently active safeguarding staff
type StaffDirectory interface {
	ListOnCall(ctx context.Context) ([]*database.StaffMember, error)
}

// Notifier delivers alert notifications to staff
type Notifier interface {
	NotifyAlert(ctx context.Context, alert *database.EmergencyAlert, staff []*database.StaffMember)
}

// AuditRecorder appends audit log entries
type AuditRecorder interface {
	Record(ctx context.Context, entry *database.AuditLogEntry) error
}

// EventPublisher emits lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event)
}

const systemActor = "system"

// Coordinator applies the escalation rule to every assessment: alert
// when the final score crosses the threshold or a keyword demanded
// immediate escalation, pause on high/critical severity, notify staff,
// and always leave an audit entry either way.
type Coordinator struct {
	alerts    AlertStore
	sessions  SessionPauser
	staff     StaffDirectory
	notifier  Notifier
	audit     AuditRecorder
	publisher EventPublisher
	metrics   *metrics.Collector
	threshold float64
	logger    *slog.Logger
}

// NewCoordinator creates an escalation coordinator
func NewCoordinator(
	alerts AlertStore,
	sessions SessionPauser,
	staff StaffDirectory,
	notifier Notifier,
	audit AuditRecorder,
	publisher EventPublisher,
	collector *metrics.Collector,
	threshold float64,
	logger *slog.Logger,
) *Coordinator {
	if threshold <= 0 {
		threshold = 80
	}
	return &Coordinator{
		alerts:    alerts,
		sessions:  sessions,
		staff:     staff,
		notifier:  notifier,
		audit:     audit,
		publisher: publisher,
		metrics:   collector,
		threshold: threshold,
		logger:    logger,
	}
}

// HandleAssessment decides escalation for one assessment. Returns
// whether an alert was created. Notification and pause failures never
// undo the alert record.
func (c *Coordinator) HandleAssessment(ctx context.Context, assessment *database.RiskAssessment) (bool, error) {
	escalate := assessment.FinalRiskScore > c.threshold || assessment.RequiresImmediateEscalation

	alertCreated := false
	paused := false
	defer func() {
		c.recordAudit(ctx, assessment, alertCreated, paused)
	}()

	if !escalate {
		return false, nil
	}

	// Re-analysis of the same message must not raise a second alert or
	// pause the session again.
	exists, err := c.alerts.ExistsForMessage(ctx, assessment.MessageID)
	if err != nil {
		return false, err
	}
	if exists {
		c.logger.Debug("Alert already exists for message", "message_id", assessment.MessageID)
		return false, nil
	}

	alert := &database.EmergencyAlert{
		ID:               uuid.New().String(),
		SessionID:        assessment.SessionID,
		MessageID:        assessment.MessageID,
		AlertType:        alertType(assessment),
		Severity:         assessment.MaxSeverity,
		RiskScore:        assessment.FinalRiskScore,
		DetectedKeywords: assessment.DetectedKeywords,
	}
	if err := c.alerts.Create(ctx, alert); err != nil {
		return false, err
	}
	alertCreated = true
	c.metrics.AlertsTotal.WithLabelValues(alert.AlertType).Inc()

	if shouldPause(assessment) {
		reason := fmt.Sprintf("%s: automatic safety pause (risk score %.0f)",
			assessment.MaxSeverity, assessment.FinalRiskScore)
		err := c.sessions.Pause(ctx, assessment.SessionID, reason, systemActor)
		switch {
		case err == nil:
			paused = true
			c.metrics.SessionsPaused.Inc()
		case errors.Is(err, database.ErrInvalidState), errors.Is(err, database.ErrNotFound):
			// Already ended or gone; the alert stands on its own.
			c.logger.Warn("Session not pausable, alert recorded without pause",
				"session_id", assessment.SessionID, "error", err)
		default:
			c.logger.Error("Failed to pause session for alert",
				"session_id", assessment.SessionID, "alert_id", alert.ID, "error", err)
		}
	}

	c.notifyStaff(ctx, alert)

	c.publisher.Publish(ctx, events.Event{
		ID:   alert.ID,
		Type: events.TypeAlertRaised,
		Data: map[string]interface{}{
			"alert_id":   alert.ID,
			"session_id": alert.SessionID,
			"alert_type": alert.AlertType,
			"severity":   alert.Severity,
			"risk_score": alert.RiskScore,
			"paused":     paused,
		},
	})

	return true, nil
}

// NotifyStale re-notifies staff about an alert that has sat pending too
// long. Used by the scheduler.
func (c *Coordinator) NotifyStale(ctx context.Context, alert *database.EmergencyAlert) {
	c.notifyStaff(ctx, alert)
}

func (c *Coordinator) notifyStaff(ctx context.Context, alert *database.EmergencyAlert) {
	staff, err := c.staff.ListOnCall(ctx)
	if err != nil {
		c.logger.Error("Failed to list on-call staff", "alert_id", alert.ID, "error", err)
		return
	}

	c.notifier.NotifyAlert(ctx, alert, staff)

	if err := c.alerts.MarkNotified(ctx, alert.ID); err != nil {
		c.logger.Error("Failed to mark alert notified", "alert_id", alert.ID, "error", err)
	}
}

func (c *Coordinator) recordAudit(ctx context.Context, assessment *database.RiskAssessment, alertCreated, paused bool) {
	entry := &database.AuditLogEntry{
		ActorID:      systemActor,
		Action:       "risk.assess",
		ResourceType: "message",
		ResourceID:   assessment.MessageID,
		Detail: database.JSONMap{
			"session_id":       assessment.SessionID,
			"final_risk_score": assessment.FinalRiskScore,
			"max_severity":     assessment.MaxSeverity,
			"keyword_count":    len(assessment.DetectedKeywords),
			"immediate":        assessment.RequiresImmediateEscalation,
			"alert_created":    alertCreated,
			"session_paused":   paused,
		},
	}
	if err := c.audit.Record(ctx, entry); err != nil {
		c.logger.Error("Failed to record escalation audit entry",
			"message_id", assessment.MessageID, "error", err)
	}
}

func alertType(assessment *database.RiskAssessment) string {
	if assessment.RequiresImmediateEscalation {
		return database.AlertCrisisKeyword
	}
	return database.AlertHighRisk
}

func shouldPause(assessment *database.RiskAssessment) bool {
	if assessment.RequiresImmediateEscalation {
		return true
	}
	rank := database.SeverityRank(assessment.MaxSeverity)
	return rank >= database.SeverityRank(database.SeverityHigh)
}
