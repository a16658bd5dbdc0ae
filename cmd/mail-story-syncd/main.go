// mail-story-syncd is the daemon variant: a cron scheduler runs the same
// lease-guarded sync pass every N minutes, and a small HTTP API exposes
// health, the ledger, cursors, lease status, and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mail-story-sync/internal/config"
	"mail-story-sync/internal/engine"
	"mail-story-sync/internal/handler"
	"mail-story-sync/internal/lease"
	"mail-story-sync/internal/mail"
	"mail-story-sync/internal/metrics"
	"mail-story-sync/internal/scheduler"
	"mail-story-sync/internal/store"
	"mail-story-sync/internal/summarize"
	"mail-story-sync/internal/tracker"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting mail-story-sync daemon")

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Configuration validation failed: %v", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}

	provider, err := mail.NewProvider(&cfg.Mail)
	if err != nil {
		logrus.Fatalf("Failed to create mail provider: %v", err)
	}

	trk := tracker.NewAzureDevOpsClient(&cfg.Tracker)

	var summarizer summarize.Summarizer = summarize.Disabled{}
	if cfg.Summarizer.Enabled {
		summarizer = summarize.NewClaude(&cfg.Summarizer)
		logrus.Info("AI summarizer enabled")
	}

	eng := engine.New(engine.Config{
		Store:      st,
		Mail:       provider,
		Tracker:    trk,
		Summarizer: summarizer,
		Metrics:    metrics.NewMetrics(),
		Mailboxes:  cfg.Mail.Mailboxes,
	})

	leaseDuration := cfg.Sync.LeaseDuration
	if interval := time.Duration(cfg.Sync.IntervalMinutes) * time.Minute; leaseDuration < 2*interval {
		leaseDuration = 2 * interval
	}
	manager := lease.NewManager(st.DB(), "", leaseDuration)

	sched := scheduler.NewScheduler(cfg.Sync.IntervalMinutes, eng, manager)
	handlers := handler.NewHandlers(st, sched)

	router := setupRouter(handlers)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if err := sched.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down daemon...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sched.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	sched.Wait()

	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	if err := provider.Close(); err != nil {
		logrus.Errorf("Failed to close mail provider: %v", err)
	}

	logrus.Info("Daemon stopped gracefully")
}

// setupRouter sets up the HTTP router with middleware
func setupRouter(handlers *handler.Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())

	handlers.SetupRoutes(router)
	return router
}

// loggerMiddleware adds logging middleware
func loggerMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	})
}
