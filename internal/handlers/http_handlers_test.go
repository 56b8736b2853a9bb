package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenlink/support-core/internal/database"
	"github.com/havenlink/support-core/internal/matching"
	"github.com/havenlink/support-core/internal/metrics"
)

type stubMatcher struct {
	result    *matching.MatchResult
	err       error
	cancelErr error
	position  int
	drained   int
}

func (s *stubMatcher) RequestSupport(ctx context.Context, requesterID, issueCategory, urgency string) (*matching.MatchResult, error) {
	return s.result, s.err
}

func (s *stubMatcher) CancelQueued(ctx context.Context, requesterID string) error {
	return s.cancelErr
}

func (s *stubMatcher) QueuePosition(ctx context.Context, requesterID string) (int, error) {
	if s.position == 0 {
		return 0, fmt.Errorf("requester %s not queued: %w", requesterID, database.ErrNotFound)
	}
	return s.position, nil
}

func (s *stubMatcher) DrainQueue(ctx context.Context) { s.drained++ }

type stubAnalyzer struct {
	assessment *database.RiskAssessment
	err        error
}

func (s *stubAnalyzer) Analyze(ctx context.Context, messageID, sessionID, content string) (*database.RiskAssessment, error) {
	return s.assessment, s.err
}

type stubEscalator struct {
	created bool
	err     error
}

func (s *stubEscalator) HandleAssessment(ctx context.Context, assessment *database.RiskAssessment) (bool, error) {
	return s.created, s.err
}

type stubSessions struct {
	session   *database.SupportSession
	getErr    error
	resumeErr error
	endErr    error
}

func (s *stubSessions) GetByID(ctx context.Context, id string) (*database.SupportSession, error) {
	return s.session, s.getErr
}

func (s *stubSessions) Resume(ctx context.Context, sessionID, actorID string) error {
	return s.resumeErr
}

func (s *stubSessions) End(ctx context.Context, sessionID string, feedbackRating *int, actorID string) (*database.SupportSession, error) {
	return s.session, s.endErr
}

type stubHelpers struct {
	helper          *database.HelperProfile
	createErr       error
	availabilityErr error
}

func (s *stubHelpers) Create(ctx context.Context, helper *database.HelperProfile) error {
	s.helper = helper
	return s.createErr
}

func (s *stubHelpers) GetByID(ctx context.Context, id string) (*database.HelperProfile, error) {
	if s.helper == nil {
		return nil, fmt.Errorf("helper %s: %w", id, database.ErrNotFound)
	}
	return s.helper, nil
}

func (s *stubHelpers) SetAvailability(ctx context.Context, helperID string, isAvailable bool) error {
	return s.availabilityErr
}

func (s *stubHelpers) SetSpecializations(ctx context.Context, helperID string, specializations []string) error {
	return nil
}

type stubAlerts struct {
	alerts []*database.EmergencyAlert
	ackErr error
	resErr error
}

func (s *stubAlerts) ListByStatus(ctx context.Context, status string, limit int) ([]*database.EmergencyAlert, error) {
	return s.alerts, nil
}

func (s *stubAlerts) Acknowledge(ctx context.Context, id, staffID string) error { return s.ackErr }
func (s *stubAlerts) Resolve(ctx context.Context, id, staffID string) error     { return s.resErr }

type handlerFixture struct {
	router   *mux.Router
	matcher  *stubMatcher
	sessions *stubSessions
	helpers  *stubHelpers
	alerts   *stubAlerts
	analyzer *stubAnalyzer
	escalate *stubEscalator
}

func newHandlerFixture() *handlerFixture {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	f := &handlerFixture{
		matcher:  &stubMatcher{},
		sessions: &stubSessions{},
		helpers:  &stubHelpers{},
		alerts:   &stubAlerts{},
		analyzer: &stubAnalyzer{},
		escalate: &stubEscalator{},
	}

	handler := NewHTTPHandler(logger, f.matcher, f.analyzer, f.escalate,
		f.sessions, f.helpers, f.alerts, metrics.NewCollector(prometheus.NewRegistry()))

	f.router = mux.NewRouter()
	handler.RegisterRoutes(f.router)
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleRequestSupport(t *testing.T) {
	t.Run("Matched Returns Created", func(t *testing.T) {
		f := newHandlerFixture()
		f.matcher.result = &matching.MatchResult{SessionID: "sess-1"}

		rec := f.do(t, http.MethodPost, "/support/requests", map[string]string{
			"requester_id":   "req-1",
			"issue_category": "anxiety",
			"urgency":        "high",
		})

		assert.Equal(t, http.StatusCreated, rec.Code)
		var result matching.MatchResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, "sess-1", result.SessionID)
	})

	t.Run("Queued Returns Accepted", func(t *testing.T) {
		f := newHandlerFixture()
		f.matcher.result = &matching.MatchResult{Queued: true, Position: 4}

		rec := f.do(t, http.MethodPost, "/support/requests", map[string]string{
			"requester_id":   "req-1",
			"issue_category": "anxiety",
			"urgency":        "low",
		})

		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("Open Session Returns Conflict", func(t *testing.T) {
		f := newHandlerFixture()
		f.matcher.err = fmt.Errorf("requester req-1 has an open session: %w", database.ErrConflict)

		rec := f.do(t, http.MethodPost, "/support/requests", map[string]string{
			"requester_id":   "req-1",
			"issue_category": "anxiety",
			"urgency":        "low",
		})

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("Invalid Urgency Rejected", func(t *testing.T) {
		f := newHandlerFixture()

		rec := f.do(t, http.MethodPost, "/support/requests", map[string]string{
			"requester_id":   "req-1",
			"issue_category": "anxiety",
			"urgency":        "extreme",
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Missing Fields Rejected", func(t *testing.T) {
		f := newHandlerFixture()

		rec := f.do(t, http.MethodPost, "/support/requests", map[string]string{
			"urgency": "low",
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleQueueEndpoints(t *testing.T) {
	t.Run("Position Found", func(t *testing.T) {
		f := newHandlerFixture()
		f.matcher.position = 3

		rec := f.do(t, http.MethodGet, "/support/queue/req-1/position", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body map[string]int
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 3, body["position"])
	})

	t.Run("Position Not Queued", func(t *testing.T) {
		f := newHandlerFixture()

		rec := f.do(t, http.MethodGet, "/support/queue/req-1/position", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Cancel", func(t *testing.T) {
		f := newHandlerFixture()

		rec := f.do(t, http.MethodDelete, "/support/queue/req-1", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHandleAnalyzeMessage(t *testing.T) {
	t.Run("Returns Score And Alert Flag", func(t *testing.T) {
		f := newHandlerFixture()
		f.analyzer.assessment = &database.RiskAssessment{
			MessageID:        "msg-1",
			SessionID:        "sess-1",
			FinalRiskScore:   90,
			DetectedKeywords: []string{"hurt myself"},
		}
		f.escalate.created = true

		rec := f.do(t, http.MethodPost, "/messages/analyze", map[string]string{
			"message_id": "msg-1",
			"session_id": "sess-1",
			"content":    "I want to hurt myself",
		})

		assert.Equal(t, http.StatusOK, rec.Code)
		var body analyzeMessageResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.InDelta(t, 90, body.RiskScore, 0.001)
		assert.True(t, body.AlertCreated)
		assert.Equal(t, 1, body.DetectedKeywordCount)
	})

	t.Run("Empty Content Rejected", func(t *testing.T) {
		f := newHandlerFixture()

		rec := f.do(t, http.MethodPost, "/messages/analyze", map[string]string{
			"message_id": "msg-1",
			"session_id": "sess-1",
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleSessionEndpoints(t *testing.T) {
	t.Run("End Triggers Queue Drain", func(t *testing.T) {
		f := newHandlerFixture()
		f.sessions.session = &database.SupportSession{ID: "sess-1", Status: database.SessionEnded}

		rec := f.do(t, http.MethodPost, "/sessions/sess-1/end", map[string]interface{}{
			"actor_id": "req-1",
		})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, f.matcher.drained)
	})

	t.Run("Resume Invalid State", func(t *testing.T) {
		f := newHandlerFixture()
		f.sessions.resumeErr = fmt.Errorf("session sess-1 is active: %w", database.ErrInvalidState)

		rec := f.do(t, http.MethodPost, "/sessions/sess-1/resume", map[string]string{
			"actor_id": "staff-1",
		})

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("Get Unknown Session", func(t *testing.T) {
		f := newHandlerFixture()
		f.sessions.getErr = fmt.Errorf("session nope: %w", database.ErrNotFound)

		rec := f.do(t, http.MethodGet, "/sessions/nope", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleHelperEndpoints(t *testing.T) {
	t.Run("Create Starts Pending", func(t *testing.T) {
		f := newHandlerFixture()

		rec := f.do(t, http.MethodPost, "/helpers", map[string]interface{}{
			"user_id":         "user-1",
			"specializations": []string{"anxiety"},
		})

		assert.Equal(t, http.StatusCreated, rec.Code)
		require.NotNil(t, f.helpers.helper)
		assert.Equal(t, database.VerificationPending, f.helpers.helper.VerificationStatus)
		assert.Equal(t, 1, f.helpers.helper.MaxConcurrentSessions, "capacity defaults to one session")
	})

	t.Run("Going Available Drains Queue", func(t *testing.T) {
		f := newHandlerFixture()

		rec := f.do(t, http.MethodPut, "/helpers/helper-1/availability", map[string]bool{
			"is_available": true,
		})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, f.matcher.drained)
	})

	t.Run("Going Unavailable Does Not Drain", func(t *testing.T) {
		f := newHandlerFixture()

		rec := f.do(t, http.MethodPut, "/helpers/helper-1/availability", map[string]bool{
			"is_available": false,
		})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, f.matcher.drained)
	})
}

func TestHandleAlertEndpoints(t *testing.T) {
	t.Run("Acknowledge", func(t *testing.T) {
		f := newHandlerFixture()

		rec := f.do(t, http.MethodPost, "/alerts/alert-1/acknowledge", map[string]string{
			"staff_id": "staff-1",
		})

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("Acknowledge Twice", func(t *testing.T) {
		f := newHandlerFixture()
		f.alerts.ackErr = fmt.Errorf("alert alert-1 not pending: %w", database.ErrInvalidState)

		rec := f.do(t, http.MethodPost, "/alerts/alert-1/acknowledge", map[string]string{
			"staff_id": "staff-1",
		})

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("List Defaults To Pending", func(t *testing.T) {
		f := newHandlerFixture()
		f.alerts.alerts = []*database.EmergencyAlert{{ID: "alert-1", Status: database.AlertPending}}

		rec := f.do(t, http.MethodGet, "/alerts", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "alert-1")
	})
}
