package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/havenlink/support-core/internal/config"
	"github.com/havenlink/support-core/internal/metrics"
)

// ErrClassifierUnavailable marks a transport, timeout or rate-limit
// failure of the semantic classifier. Callers fail soft on it.
var ErrClassifierUnavailable = errors.New("semantic classifier unavailable")

// Classifier scores raw message text for crisis risk in [0,1]
type Classifier interface {
	Score(ctx context.Context, text string) (float64, error)
}

// HTTPClassifier calls the external semantic risk service. One attempt
// per message, bounded by the configured timeout; the keyword signal is
// the fallback.
type HTTPClassifier struct {
	client  *resty.Client
	limiter *rate.Limiter
	metrics *metrics.Collector
	logger  *slog.Logger
}

type scoreRequest struct {
	Text string `json:"text"`
}

type scoreResponse struct {
	RiskScore float64 `json:"risk_score"`
}

// NewHTTPClassifier creates a classifier client for the configured
// endpoint
func NewHTTPClassifier(cfg config.RiskConfig, collector *metrics.Collector, logger *slog.Logger) *HTTPClassifier {
	client := resty.New().
		SetBaseURL(cfg.ClassifierURL).
		SetTimeout(cfg.ClassifierTimeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")

	if cfg.ClassifierAPIKey != "" {
		client.SetAuthToken(cfg.ClassifierAPIKey)
	}

	return &HTTPClassifier{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.ClassifierRatePerS), cfg.ClassifierRatePerS),
		metrics: collector,
		logger:  logger,
	}
}

// Score invokes the classifier once and returns its risk estimate
func (c *HTTPClassifier) Score(ctx context.Context, text string) (float64, error) {
	if !c.limiter.Allow() {
		c.metrics.ClassifierFailures.Inc()
		return 0, fmt.Errorf("classifier rate limit exceeded: %w", ErrClassifierUnavailable)
	}

	var result scoreResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(scoreRequest{Text: text}).
		SetResult(&result).
		Post("")
	if resp != nil {
		c.metrics.ClassifierLatency.Observe(resp.Time().Seconds())
	}
	if err != nil {
		c.metrics.ClassifierFailures.Inc()
		c.logger.Warn("Semantic classifier call failed", "error", err)
		return 0, fmt.Errorf("classifier call failed: %w", ErrClassifierUnavailable)
	}
	if resp.StatusCode() != http.StatusOK {
		c.metrics.ClassifierFailures.Inc()
		c.logger.Warn("Semantic classifier returned non-OK status", "status", resp.StatusCode())
		return 0, fmt.Errorf("classifier status %d: %w", resp.StatusCode(), ErrClassifierUnavailable)
	}

	if result.RiskScore < 0 {
		result.RiskScore = 0
	}
	if result.RiskScore > 1 {
		result.RiskScore = 1
	}

	return result.RiskScore, nil
}
