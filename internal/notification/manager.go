// Package notification delivers emergency alert notifications to
// safeguarding staff over email and SMS.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"

	"github.com/havenlink/support-core/internal/config"
	"github.com/havenlink/support-core/internal/database"
	"github.com/havenlink/support-core/internal/metrics"
)

// Recorder persists notification attempts
type Recorder interface {
	Create(ctx context.Context, notification *database.Notification) error
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, deliveryError string) error
}

// Manager fans an alert out to on-call staff. Delivery failures are
// recorded and logged, never propagated: a failed email must not undo an
// alert or a pause.
type Manager struct {
	config       config.NotificationsConfig
	logger       *slog.Logger
	recorder     Recorder
	metrics      *metrics.Collector
	sendgrid     *sendgrid.Client
	twilio       *twilio.RestClient
	emailLimiter *rate.Limiter
	smsLimiter   *rate.Limiter
}

// NewManager creates a notification manager
func NewManager(cfg config.NotificationsConfig, recorder Recorder, collector *metrics.Collector, logger *slog.Logger) *Manager {
	m := &Manager{
		config:       cfg,
		logger:       logger,
		recorder:     recorder,
		metrics:      collector,
		emailLimiter: rate.NewLimiter(rate.Limit(float64(cfg.Email.RateLimitPerMin)/60), cfg.Email.RateLimitPerMin),
		smsLimiter:   rate.NewLimiter(rate.Limit(float64(cfg.SMS.RateLimitPerMin)/60), cfg.SMS.RateLimitPerMin),
	}

	if cfg.Email.Enabled {
		m.sendgrid = sendgrid.NewSendClient(cfg.Email.SendGridAPIKey)
	}
	if cfg.SMS.Enabled {
		m.twilio = twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.SMS.TwilioSID,
			Password: cfg.SMS.TwilioToken,
		})
	}

	return m
}

// NotifyAlert notifies every given staff member about an alert. SMS is
// reserved for critical severity; email goes out for everything.
func (m *Manager) NotifyAlert(ctx context.Context, alert *database.EmergencyAlert, staff []*database.StaffMember) {
	if len(staff) == 0 {
		m.logger.Warn("No on-call safeguarding staff to notify", "alert_id", alert.ID)
		return
	}

	subject := fmt.Sprintf("[%s] Crisis alert on session %s", strings.ToUpper(alert.Severity), alert.SessionID)
	body := m.alertBody(alert)

	for _, member := range staff {
		if m.config.Email.Enabled && member.Email != "" {
			m.sendEmail(ctx, alert, member, subject, body)
		}
		if m.config.SMS.Enabled && member.Phone != "" && alert.Severity == database.SeverityCritical {
			m.sendSMS(ctx, alert, member, body)
		}
	}
}

func (m *Manager) alertBody(alert *database.EmergencyAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert %s (%s)\n", alert.ID, alert.AlertType)
	fmt.Fprintf(&b, "Session: %s\n", alert.SessionID)
	fmt.Fprintf(&b, "Severity: %s, risk score %.0f\n", alert.Severity, alert.RiskScore)
	if len(alert.DetectedKeywords) > 0 {
		fmt.Fprintf(&b, "Detected keywords: %s\n", strings.Join(alert.DetectedKeywords, ", "))
	}
	b.WriteString("Review the session in the safeguarding console.")
	return b.String()
}

func (m *Manager) sendEmail(ctx context.Context, alert *database.EmergencyAlert, member *database.StaffMember, subject, body string) {
	record := &database.Notification{
		ID:        uuid.New().String(),
		AlertID:   alert.ID,
		Channel:   "email",
		Recipient: member.Email,
		Subject:   &subject,
		Content:   body,
	}
	if err := m.recorder.Create(ctx, record); err != nil {
		m.logger.Error("Failed to persist notification record", "alert_id", alert.ID, "error", err)
	}

	if !m.emailLimiter.Allow() {
		m.fail(ctx, record, "email rate limit exceeded")
		return
	}

	from := mail.NewEmail(m.config.Email.FromName, m.config.Email.FromAddress)
	to := mail.NewEmail(member.Name, member.Email)
	message := mail.NewSingleEmail(from, subject, to, body, body)

	resp, err := m.sendgrid.Send(message)
	if err != nil {
		m.fail(ctx, record, err.Error())
		return
	}
	if resp.StatusCode >= http.StatusBadRequest {
		m.fail(ctx, record, fmt.Sprintf("sendgrid status %d", resp.StatusCode))
		return
	}

	m.succeed(ctx, record)
}

func (m *Manager) sendSMS(ctx context.Context, alert *database.EmergencyAlert, member *database.StaffMember, body string) {
	record := &database.Notification{
		ID:        uuid.New().String(),
		AlertID:   alert.ID,
		Channel:   "sms",
		Recipient: member.Phone,
		Content:   body,
	}
	if err := m.recorder.Create(ctx, record); err != nil {
		m.logger.Error("Failed to persist notification record", "alert_id", alert.ID, "error", err)
	}

	if !m.smsLimiter.Allow() {
		m.fail(ctx, record, "sms rate limit exceeded")
		return
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(member.Phone)
	params.SetFrom(m.config.SMS.FromNumber)
	params.SetBody(body)

	if _, err := m.twilio.Api.CreateMessage(params); err != nil {
		m.fail(ctx, record, err.Error())
		return
	}

	m.succeed(ctx, record)
}

func (m *Manager) succeed(ctx context.Context, record *database.Notification) {
	m.metrics.NotificationsTotal.WithLabelValues(record.Channel, "sent").Inc()
	if err := m.recorder.MarkSent(ctx, record.ID); err != nil {
		m.logger.Error("Failed to mark notification sent", "notification_id", record.ID, "error", err)
	}
	m.logger.Info("Safeguarding notification sent",
		"alert_id", record.AlertID, "channel", record.Channel, "recipient", record.Recipient)
}

func (m *Manager) fail(ctx context.Context, record *database.Notification, reason string) {
	m.metrics.NotificationsTotal.WithLabelValues(record.Channel, "failed").Inc()
	if err := m.recorder.MarkFailed(ctx, record.ID, reason); err != nil {
		m.logger.Error("Failed to mark notification failed", "notification_id", record.ID, "error", err)
	}
	m.logger.Error("Safeguarding notification failed",
		"alert_id", record.AlertID, "channel", record.Channel, "reason", reason)
}
