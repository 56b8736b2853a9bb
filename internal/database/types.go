package database

import (
	"time"

	"github.com/lib/pq"
)

// Severity tiers for keywords, assessments and alerts
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityRank orders severities for max comparisons
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Urgency levels for support requests
const (
	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"
	UrgencyUrgent = "urgent"
)

// UrgencyRank orders urgency tiers; higher ranks are matched first
func UrgencyRank(urgency string) int {
	switch urgency {
	case UrgencyUrgent:
		return 3
	case UrgencyHigh:
		return 2
	case UrgencyMedium:
		return 1
	default:
		return 0
	}
}

// Helper verification states
const (
	VerificationPending  = "pending"
	VerificationVerified = "verified"
	VerificationRejected = "rejected"
)

// Session states
const (
	SessionActive = "active"
	SessionPaused = "paused"
	SessionEnded  = "ended"
)

// Alert types
const (
	AlertHighRisk      = "high_risk_detected"
	AlertCrisisKeyword = "crisis_keyword_detected"
)

// Alert states; transitions only move forward
const (
	AlertPending      = "pending"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"
)

// Notification states
const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// HelperProfile represents a trained volunteer
type HelperProfile struct {
	ID                    string         `db:"id" json:"id"`
	UserID                string         `db:"user_id" json:"user_id"`
	Specializations       pq.StringArray `db:"specializations" json:"specializations"`
	IsAvailable           bool           `db:"is_available" json:"is_available"`
	CurrentSessionCount   int            `db:"current_session_count" json:"current_session_count"`
	MaxConcurrentSessions int            `db:"max_concurrent_sessions" json:"max_concurrent_sessions"`
	VerificationStatus    string         `db:"verification_status" json:"verification_status"`
	LastMatchedAt         *time.Time     `db:"last_matched_at" json:"last_matched_at,omitempty"`
	CreatedAt             time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at" json:"updated_at"`
}

// QueueEntry represents a requester waiting for a helper
type QueueEntry struct {
	ID            string    `db:"id" json:"id"`
	RequesterID   string    `db:"requester_id" json:"requester_id"`
	IssueCategory string    `db:"issue_category" json:"issue_category"`
	Urgency       string    `db:"urgency" json:"urgency"`
	Position      int       `db:"position" json:"position"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// SupportSession represents a bounded conversation between one requester
// and one helper
type SupportSession struct {
	ID              string     `db:"id" json:"id"`
	RequesterID     string     `db:"requester_id" json:"requester_id"`
	HelperID        string     `db:"helper_id" json:"helper_id"`
	Status          string     `db:"status" json:"status"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	EndedAt         *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	PausedReason    *string    `db:"paused_reason" json:"paused_reason,omitempty"`
	PausedAt        *time.Time `db:"paused_at" json:"paused_at,omitempty"`
	DurationMinutes *int       `db:"duration_minutes" json:"duration_minutes,omitempty"`
	FeedbackRating  *int       `db:"feedback_rating" json:"feedback_rating,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Keyword is a flagged crisis term with its severity and escalation flag
type Keyword struct {
	ID                          string    `db:"id" json:"id"`
	Term                        string    `db:"term" json:"term"`
	Severity                    string    `db:"severity" json:"severity"`
	RequiresImmediateEscalation bool      `db:"requires_immediate_escalation" json:"requires_immediate_escalation"`
	Enabled                     bool      `db:"enabled" json:"enabled"`
	CreatedAt                   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt                   time.Time `db:"updated_at" json:"updated_at"`
}

// RiskAssessment is the append-only result of analyzing one message.
// ExternalRiskScore is nil when the classifier was unavailable.
type RiskAssessment struct {
	ID                          string         `db:"id" json:"id"`
	MessageID                   string         `db:"message_id" json:"message_id"`
	SessionID                   string         `db:"session_id" json:"session_id"`
	DetectedKeywords            pq.StringArray `db:"detected_keywords" json:"detected_keywords"`
	MaxSeverity                 string         `db:"max_severity" json:"max_severity"`
	ExternalRiskScore           *float64       `db:"external_risk_score" json:"external_risk_score,omitempty"`
	FinalRiskScore              float64        `db:"final_risk_score" json:"final_risk_score"`
	RequiresImmediateEscalation bool           `db:"requires_immediate_escalation" json:"requires_immediate_escalation"`
	CreatedAt                   time.Time      `db:"created_at" json:"created_at"`
}

// EmergencyAlert is a staff-visible crisis alert
type EmergencyAlert struct {
	ID               string         `db:"id" json:"id"`
	SessionID        string         `db:"session_id" json:"session_id"`
	MessageID        string         `db:"message_id" json:"message_id"`
	AlertType        string         `db:"alert_type" json:"alert_type"`
	Severity         string         `db:"severity" json:"severity"`
	RiskScore        float64        `db:"risk_score" json:"risk_score"`
	DetectedKeywords pq.StringArray `db:"detected_keywords" json:"detected_keywords"`
	Status           string         `db:"status" json:"status"`
	AcknowledgedAt   *time.Time     `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	AcknowledgedBy   *string        `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	ResolvedAt       *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy       *string        `db:"resolved_by" json:"resolved_by,omitempty"`
	LastNotifiedAt   *time.Time     `db:"last_notified_at" json:"last_notified_at,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// AuditLogEntry is an append-only record of a decision or state mutation
type AuditLogEntry struct {
	ID           string    `db:"id" json:"id"`
	ActorID      string    `db:"actor_id" json:"actor_id"`
	Action       string    `db:"action" json:"action"`
	ResourceType string    `db:"resource_type" json:"resource_type"`
	ResourceID   string    `db:"resource_id" json:"resource_id"`
	Detail       JSONMap   `db:"detail" json:"detail"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// StaffMember is a safeguarding staff contact
type StaffMember struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email"`
	Phone     string    `db:"phone" json:"phone"`
	OnCall    bool      `db:"on_call" json:"on_call"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Notification records one outbound delivery attempt to a staff member
type Notification struct {
	ID        string     `db:"id" json:"id"`
	AlertID   string     `db:"alert_id" json:"alert_id"`
	Channel   string     `db:"channel" json:"channel"`
	Recipient string     `db:"recipient" json:"recipient"`
	Subject   *string    `db:"subject" json:"subject,omitempty"`
	Content   string     `db:"content" json:"content"`
	Status    string     `db:"status" json:"status"`
	SentAt    *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	FailedAt  *time.Time `db:"failed_at" json:"failed_at,omitempty"`
	Error     *string    `db:"error" json:"error,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}
