// Package risk analyzes in-session messages for crisis risk, combining
// keyword matches with an external semantic score.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/havenlink/support-core/internal/database"
)

// KeywordSource yields the current flagged keyword snapshot
type KeywordSource interface {
	ActiveKeywords(ctx context.Context) ([]*database.Keyword, error)
}

// AssessmentStore persists and looks up risk assessments
type AssessmentStore interface {
	Create(ctx context.Context, assessment *database.RiskAssessment) error
	GetByMessageID(ctx context.Context, messageID string) (*database.RiskAssessment, error)
}

// Analyzer computes one RiskAssessment per message. It has no side
// effects beyond persisting the assessment; escalation is the caller's
// decision.
type Analyzer struct {
	keywords        KeywordSource
	classifier      Classifier
	assessments     AssessmentStore
	lengthThreshold int
	logger          *slog.Logger
}

// NewAnalyzer creates a risk analyzer
func NewAnalyzer(
	keywords KeywordSource,
	classifier Classifier,
	assessments AssessmentStore,
	lengthThreshold int,
	logger *slog.Logger,
) *Analyzer {
	return &Analyzer{
		keywords:        keywords,
		classifier:      classifier,
		assessments:     assessments,
		lengthThreshold: lengthThreshold,
		logger:          logger,
	}
}

// Analyze scores one message and persists the assessment. Re-analyzing
// an already-assessed message returns the stored assessment unchanged.
//
// The final score is max(externalScore*100, keywordCount*15*multiplier),
// capped at 100. Either signal alone can cross the escalation threshold;
// the max keeps the deliberate bias toward false positives.
func (a *Analyzer) Analyze(ctx context.Context, messageID, sessionID, content string) (*database.RiskAssessment, error) {
	if existing, err := a.assessments.GetByMessageID(ctx, messageID); err == nil {
		a.logger.Debug("Message already assessed", "message_id", messageID)
		return existing, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing assessment: %w", err)
	}

	assessment := &database.RiskAssessment{
		ID:          uuid.New().String(),
		MessageID:   messageID,
		SessionID:   sessionID,
		MaxSeverity: database.SeverityLow,
	}

	// Registry unavailability fails closed for the keyword pass only:
	// the message still gets semantic scoring below.
	active, err := a.keywords.ActiveKeywords(ctx)
	if err != nil {
		a.logger.Error("Keyword registry unavailable, skipping keyword analysis",
			"message_id", messageID, "error", err)
		active = nil
	}

	lowered := strings.ToLower(content)
	seen := make(map[string]bool)
	for _, keyword := range active {
		term := strings.ToLower(keyword.Term)
		if term == "" || !strings.Contains(lowered, term) || seen[term] {
			continue
		}
		seen[term] = true
		assessment.DetectedKeywords = append(assessment.DetectedKeywords, keyword.Term)

		if database.SeverityRank(keyword.Severity) > database.SeverityRank(assessment.MaxSeverity) {
			assessment.MaxSeverity = keyword.Severity
		}
		if keyword.RequiresImmediateEscalation {
			assessment.RequiresImmediateEscalation = true
		}
	}

	keywordCount := len(assessment.DetectedKeywords)
	if keywordCount > 0 || utf8.RuneCountInString(content) > a.lengthThreshold {
		score, err := a.classifier.Score(ctx, content)
		if err != nil {
			// Fail soft: keyword-only analysis still proceeds.
			a.logger.Warn("External risk score unavailable",
				"message_id", messageID, "error", err)
		} else {
			assessment.ExternalRiskScore = &score
		}
	}

	assessment.FinalRiskScore = finalScore(
		assessment.ExternalRiskScore, keywordCount, assessment.MaxSeverity)

	if err := a.assessments.Create(ctx, assessment); err != nil {
		return nil, err
	}

	a.logger.Info("Message analyzed",
		"message_id", messageID,
		"session_id", sessionID,
		"keyword_count", keywordCount,
		"max_severity", assessment.MaxSeverity,
		"final_risk_score", assessment.FinalRiskScore)
	return assessment, nil
}

func finalScore(externalScore *float64, keywordCount int, maxSeverity string) float64 {
	multiplier := 1.0
	switch maxSeverity {
	case database.SeverityCritical:
		multiplier = 2.0
	case database.SeverityHigh:
		multiplier = 1.5
	}

	keywordScore := float64(keywordCount) * 15 * multiplier

	score := keywordScore
	if externalScore != nil && *externalScore*100 > score {
		score = *externalScore * 100
	}
	if score > 100 {
		score = 100
	}
	return score
}
