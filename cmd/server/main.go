package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/havenlink/support-core/internal/config"
	"github.com/havenlink/support-core/internal/database"
	"github.com/havenlink/support-core/internal/escalation"
	"github.com/havenlink/support-core/internal/events"
	"github.com/havenlink/support-core/internal/handlers"
	"github.com/havenlink/support-core/internal/keywords"
	"github.com/havenlink/support-core/internal/matching"
	"github.com/havenlink/support-core/internal/metrics"
	"github.com/havenlink/support-core/internal/notification"
	"github.com/havenlink/support-core/internal/realtime"
	"github.com/havenlink/support-core/internal/risk"
	"github.com/havenlink/support-core/internal/scheduler"
	"github.com/havenlink/support-core/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("Starting support core", "environment", cfg.Environment)

	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	helperRepo := database.NewHelperRepository(db, logger)
	queueRepo := database.NewQueueRepository(db, logger)
	sessionRepo := database.NewSessionRepository(db, logger)
	assessmentRepo := database.NewAssessmentRepository(db, logger)
	alertRepo := database.NewAlertRepository(db, logger)
	auditRepo := database.NewAuditRepository(db, logger)
	keywordRepo := database.NewKeywordRepository(db, logger)
	staffRepo := database.NewStaffRepository(db, logger)
	notificationRepo := database.NewNotificationRepository(db, logger)

	publisher := events.NewPublisher(cfg.Kafka, logger)
	defer publisher.Close()

	hub := realtime.NewHub(redisClient, cfg.Redis.Channel, logger)

	keywordRegistry := keywords.NewRegistry(keywordRepo, cfg.Keywords.CacheTTL, logger)
	classifier := risk.NewHTTPClassifier(cfg.Risk, collector, logger)
	analyzer := risk.NewAnalyzer(keywordRegistry, classifier, assessmentRepo, cfg.Risk.LengthThreshold, logger)

	sessionStore := session.NewStore(sessionRepo, auditRepo, publisher, hub, logger)
	engine := matching.NewEngine(
		helperRepo, queueRepo, sessionStore, auditRepo, publisher, hub,
		collector, cfg.Matching.CandidateLimit, cfg.Matching.DrainBatchSize, logger)

	notifier := notification.NewManager(cfg.Notifications, notificationRepo, collector, logger)
	coordinator := escalation.NewCoordinator(
		alertRepo, sessionStore, staffRepo, notifier, auditRepo, publisher,
		collector, cfg.Risk.EscalationThreshold, logger)

	sched, err := scheduler.NewScheduler(
		cfg.Scheduler, engine, keywordRegistry, alertRepo, coordinator, logger)
	if err != nil {
		logger.Error("Failed to create scheduler", "error", err)
		os.Exit(1)
	}

	httpHandler := handlers.NewHTTPHandler(
		logger, engine, analyzer, coordinator, sessionStore, helperRepo, alertRepo, collector)

	router := mux.NewRouter()
	httpHandler.RegisterRoutes(router)
	router.HandleFunc("/ws", hub.ServeWS)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Realtime hub stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Scheduler stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	wg.Wait()
	logger.Info("Support core stopped")
}

func setupLogging(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
