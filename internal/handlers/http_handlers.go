// Package handlers exposes the support core's REST surface.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/havenlink/support-core/internal/database"
	"github.com/havenlink/support-core/internal/matching"
	"github.com/havenlink/support-core/internal/metrics"
)

// Matcher is the handler's view of the matching engine
type Matcher interface {
	RequestSupport(ctx context.Context, requesterID, issueCategory, urgency string) (*matching.MatchResult, error)
	CancelQueued(ctx context.Context, requesterID string) error
	QueuePosition(ctx context.Context, requesterID string) (int, error)
	DrainQueue(ctx context.Context)
}

// Analyzer scores one message
type Analyzer interface {
	Analyze(ctx context.Context, messageID, sessionID, content string) (*database.RiskAssessment, error)
}

// Escalator decides and applies escalation for an assessment
type Escalator interface {
	HandleAssessment(ctx context.Context, assessment *database.RiskAssessment) (bool, error)
}

// SessionManager is the handler's view of the session store
type SessionManager interface {
	GetByID(ctx context.Context, id string) (*database.SupportSession, error)
	Resume(ctx context.Context, sessionID, actorID string) error
	End(ctx context.Context, sessionID string, feedbackRating *int, actorID string) (*database.SupportSession, error)
}

// HelperAdmin manages helper self-service updates
type HelperAdmin interface {
	Create(ctx context.Context, helper *database.HelperProfile) error
	GetByID(ctx context.Context, id string) (*database.HelperProfile, error)
	SetAvailability(ctx context.Context, helperID string, isAvailable bool) error
	SetSpecializations(ctx context.Context, helperID string, specializations []string) error
}

// AlertAdmin exposes the staff alert workflow
type AlertAdmin interface {
	ListByStatus(ctx context.Context, status string, limit int) ([]*database.EmergencyAlert, error)
	Acknowledge(ctx context.Context, id, staffID string) error
	Resolve(ctx context.Context, id, staffID string) error
}

// HTTPHandler handles HTTP requests for the support core
type HTTPHandler struct {
	logger    *slog.Logger
	matcher   Matcher
	analyzer  Analyzer
	escalator Escalator
	sessions  SessionManager
	helpers   HelperAdmin
	alerts    AlertAdmin
	metrics   *metrics.Collector
	validate  *validator.Validate
}

// NewHTTPHandler creates the HTTP handler
func NewHTTPHandler(
	logger *slog.Logger,
	matcher Matcher,
	analyzer Analyzer,
	escalator Escalator,
	sessions SessionManager,
	helpers HelperAdmin,
	alerts AlertAdmin,
	collector *metrics.Collector,
) *HTTPHandler {
	return &HTTPHandler{
		logger:    logger,
		matcher:   matcher,
		analyzer:  analyzer,
		escalator: escalator,
		sessions:  sessions,
		helpers:   helpers,
		alerts:    alerts,
		metrics:   collector,
		validate:  validator.New(),
	}
}

// RegisterRoutes registers HTTP routes
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")

	supportRouter := router.PathPrefix("/support").Subrouter()
	supportRouter.HandleFunc("/requests", h.handleRequestSupport).Methods("POST")
	supportRouter.HandleFunc("/queue/{requesterId}", h.handleCancelQueued).Methods("DELETE")
	supportRouter.HandleFunc("/queue/{requesterId}/position", h.handleQueuePosition).Methods("GET")

	router.HandleFunc("/messages/analyze", h.handleAnalyzeMessage).Methods("POST")

	sessionRouter := router.PathPrefix("/sessions").Subrouter()
	sessionRouter.HandleFunc("/{id}", h.handleGetSession).Methods("GET")
	sessionRouter.HandleFunc("/{id}/resume", h.handleResumeSession).Methods("POST")
	sessionRouter.HandleFunc("/{id}/end", h.handleEndSession).Methods("POST")

	helperRouter := router.PathPrefix("/helpers").Subrouter()
	helperRouter.HandleFunc("", h.handleStartVerification).Methods("POST")
	helperRouter.HandleFunc("/{id}", h.handleGetHelper).Methods("GET")
	helperRouter.HandleFunc("/{id}/availability", h.handleSetAvailability).Methods("PUT")
	helperRouter.HandleFunc("/{id}/specializations", h.handleSetSpecializations).Methods("PUT")

	alertRouter := router.PathPrefix("/alerts").Subrouter()
	alertRouter.HandleFunc("", h.handleListAlerts).Methods("GET")
	alertRouter.HandleFunc("/{id}/acknowledge", h.handleAcknowledgeAlert).Methods("POST")
	alertRouter.HandleFunc("/{id}/resolve", h.handleResolveAlert).Methods("POST")
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type requestSupportRequest struct {
	RequesterID   string `json:"requester_id" validate:"required"`
	IssueCategory string `json:"issue_category" validate:"required"`
	Urgency       string `json:"urgency" validate:"required"`
}

func (h *HTTPHandler) handleRequestSupport(w http.ResponseWriter, r *http.Request) {
	var req requestSupportRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !matching.ValidUrgency(req.Urgency) {
		h.writeError(w, http.StatusBadRequest, "unknown urgency level: "+req.Urgency)
		return
	}

	result, err := h.matcher.RequestSupport(r.Context(), req.RequesterID, req.IssueCategory, req.Urgency)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Queued {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, result)
}

func (h *HTTPHandler) handleCancelQueued(w http.ResponseWriter, r *http.Request) {
	requesterID := mux.Vars(r)["requesterId"]

	if err := h.matcher.CancelQueued(r.Context(), requesterID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (h *HTTPHandler) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	requesterID := mux.Vars(r)["requesterId"]

	position, err := h.matcher.QueuePosition(r.Context(), requesterID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"position": position})
}

type analyzeMessageRequest struct {
	MessageID string `json:"message_id" validate:"required"`
	SessionID string `json:"session_id" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

type analyzeMessageResponse struct {
	RiskScore            float64 `json:"risk_score"`
	AlertCreated         bool    `json:"alert_created"`
	DetectedKeywordCount int     `json:"detected_keyword_count"`
}

func (h *HTTPHandler) handleAnalyzeMessage(w http.ResponseWriter, r *http.Request) {
	var req analyzeMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	assessment, err := h.analyzer.Analyze(r.Context(), req.MessageID, req.SessionID, req.Content)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.metrics.AnalysesTotal.Inc()

	alertCreated, err := h.escalator.HandleAssessment(r.Context(), assessment)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, analyzeMessageResponse{
		RiskScore:            assessment.FinalRiskScore,
		AlertCreated:         alertCreated,
		DetectedKeywordCount: len(assessment.DetectedKeywords),
	})
}

func (h *HTTPHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

type actorRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
}

func (h *HTTPHandler) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.sessions.Resume(r.Context(), mux.Vars(r)["id"], req.ActorID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": database.SessionActive})
}

type endSessionRequest struct {
	ActorID        string `json:"actor_id" validate:"required"`
	FeedbackRating *int   `json:"feedback_rating" validate:"omitempty,min=1,max=5"`
}

func (h *HTTPHandler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	ended, err := h.sessions.End(r.Context(), mux.Vars(r)["id"], req.FeedbackRating, req.ActorID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	// The helper slot just freed up; give waiting requesters a chance.
	h.matcher.DrainQueue(r.Context())

	h.writeJSON(w, http.StatusOK, ended)
}

type startVerificationRequest struct {
	UserID                string   `json:"user_id" validate:"required"`
	Specializations       []string `json:"specializations"`
	MaxConcurrentSessions int      `json:"max_concurrent_sessions" validate:"omitempty,min=1,max=10"`
}

func (h *HTTPHandler) handleStartVerification(w http.ResponseWriter, r *http.Request) {
	var req startVerificationRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.MaxConcurrentSessions == 0 {
		req.MaxConcurrentSessions = 1
	}

	helper := &database.HelperProfile{
		ID:                    uuid.New().String(),
		UserID:                req.UserID,
		Specializations:       req.Specializations,
		MaxConcurrentSessions: req.MaxConcurrentSessions,
		VerificationStatus:    database.VerificationPending,
	}
	if err := h.helpers.Create(r.Context(), helper); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, helper)
}

func (h *HTTPHandler) handleGetHelper(w http.ResponseWriter, r *http.Request) {
	helper, err := h.helpers.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, helper)
}

type setAvailabilityRequest struct {
	IsAvailable *bool `json:"is_available" validate:"required"`
}

func (h *HTTPHandler) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	var req setAvailabilityRequest
	if !h.decode(w, r, &req) {
		return
	}

	helperID := mux.Vars(r)["id"]
	if err := h.helpers.SetAvailability(r.Context(), helperID, *req.IsAvailable); err != nil {
		h.writeDomainError(w, err)
		return
	}

	// A helper coming online may make queued requesters matchable.
	if *req.IsAvailable {
		h.matcher.DrainQueue(r.Context())
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"is_available": *req.IsAvailable})
}

type setSpecializationsRequest struct {
	Specializations []string `json:"specializations" validate:"required"`
}

func (h *HTTPHandler) handleSetSpecializations(w http.ResponseWriter, r *http.Request) {
	var req setSpecializationsRequest
	if !h.decode(w, r, &req) {
		return
	}

	helperID := mux.Vars(r)["id"]
	if err := h.helpers.SetSpecializations(r.Context(), helperID, req.Specializations); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string][]string{"specializations": req.Specializations})
}

func (h *HTTPHandler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = database.AlertPending
	}

	alerts, err := h.alerts.ListByStatus(r.Context(), status, 100)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

type staffActionRequest struct {
	StaffID string `json:"staff_id" validate:"required"`
}

func (h *HTTPHandler) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req staffActionRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.alerts.Acknowledge(r.Context(), mux.Vars(r)["id"], req.StaffID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": database.AlertAcknowledged})
}

func (h *HTTPHandler) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req staffActionRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.alerts.Resolve(r.Context(), mux.Vars(r)["id"], req.StaffID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": database.AlertResolved})
}

// decode parses and validates a JSON request body, writing the error
// response itself on failure
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeDomainError maps repository sentinels to HTTP statuses. Anything
// unrecognized is a persistence failure reported generically; the caller
// is told to retry.
func (h *HTTPHandler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrConflict):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, database.ErrInvalidState):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("Request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "operation failed, please retry")
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
