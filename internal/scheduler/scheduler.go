// Package scheduler runs the periodic maintenance tasks: queue sweeps,
// keyword snapshot reloads and stale alert reminders.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/havenlink/support-core/internal/config"
	"github.com/havenlink/support-core/internal/database"
)

// QueueDrainer re-attempts matching for waiting requesters
type QueueDrainer interface {
	DrainQueue(ctx context.Context)
}

// KeywordReloader invalidates the cached keyword snapshot
type KeywordReloader interface {
	Invalidate()
}

// StaleAlertSource lists pending alerts that need a reminder
type StaleAlertSource interface {
	ListStalePending(ctx context.Context, age time.Duration, limit int) ([]*database.EmergencyAlert, error)
}

// AlertNotifier re-notifies staff about a stale alert
type AlertNotifier interface {
	NotifyStale(ctx context.Context, alert *database.EmergencyAlert)
}

// Scheduler drives the cron-based periodic tasks
type Scheduler struct {
	config   config.SchedulerConfig
	cron     *cron.Cron
	drainer  QueueDrainer
	keywords KeywordReloader
	alerts   StaleAlertSource
	notifier AlertNotifier
	logger   *slog.Logger
}

// NewScheduler creates a scheduler with the standard task set
func NewScheduler(
	cfg config.SchedulerConfig,
	drainer QueueDrainer,
	keywords KeywordReloader,
	alerts StaleAlertSource,
	notifier AlertNotifier,
	logger *slog.Logger,
) (*Scheduler, error) {
	s := &Scheduler{
		config:   cfg,
		cron:     cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		drainer:  drainer,
		keywords: keywords,
		alerts:   alerts,
		notifier: notifier,
		logger:   logger,
	}

	if err := s.registerTasks(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Scheduler) registerTasks() error {
	tasks := []struct {
		name     string
		interval time.Duration
		run      func()
	}{
		{"queue_sweep", s.config.QueueSweepInterval, s.sweepQueue},
		{"keyword_reload", s.config.KeywordReloadInterval, s.reloadKeywords},
		{"alert_reminder", s.config.AlertReminderInterval, s.remindStaleAlerts},
	}

	for _, task := range tasks {
		spec := fmt.Sprintf("@every %s", task.interval)
		if _, err := s.cron.AddFunc(spec, task.run); err != nil {
			return fmt.Errorf("failed to register task %s: %w", task.name, err)
		}
		s.logger.Info("Scheduled task registered", "task", task.name, "interval", task.interval)
	}

	return nil
}

// Start runs the scheduler until the context is cancelled
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Scheduler disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	s.cron.Start()
	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

func (s *Scheduler) sweepQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.drainer.DrainQueue(ctx)
}

func (s *Scheduler) reloadKeywords() {
	s.keywords.Invalidate()
	s.logger.Debug("Keyword snapshot invalidated")
}

func (s *Scheduler) remindStaleAlerts() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stale, err := s.alerts.ListStalePending(ctx, s.config.AlertReminderAge, 20)
	if err != nil {
		s.logger.Error("Failed to list stale pending alerts", "error", err)
		return
	}

	for _, alert := range stale {
		s.logger.Warn("Alert still pending, re-notifying staff",
			"alert_id", alert.ID, "created_at", alert.CreatedAt)
		s.notifier.NotifyStale(ctx, alert)
	}
}
