// mail-story-sync runs one full synchronization pass and exits: zero when
// every configured mailbox was drained, non-zero on any unhandled error so
// an external scheduler (cron, systemd timer) restarts it. The lease and the
// processed-message ledger make the restart safe.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"mail-story-sync/internal/config"
	"mail-story-sync/internal/engine"
	"mail-story-sync/internal/lease"
	"mail-story-sync/internal/mail"
	"mail-story-sync/internal/metrics"
	"mail-story-sync/internal/store"
	"mail-story-sync/internal/summarize"
	"mail-story-sync/internal/tracker"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting mail-story-sync pass")

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
	defer func() {
		if err := provider.Close(); err != nil {
			logrus.Errorf("Failed to close mail provider: %v", err)
		}
	}()

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The lease must outlive the pass; no mid-pass renewal exists.
	leaseDuration := cfg.Sync.LeaseDuration
	if interval := time.Duration(cfg.Sync.IntervalMinutes) * time.Minute; leaseDuration < 2*interval {
		leaseDuration = 2 * interval
	}
	manager := lease.NewManager(st.DB(), "", leaseDuration)

	handle, err := manager.Acquire(ctx)
	if err != nil {
		logrus.Fatalf("Failed to acquire sync lease: %v", err)
	}

	runErr := eng.Run(ctx)

	if err := handle.Release(); err != nil {
		logrus.Errorf("Failed to release sync lease: %v", err)
	}

	if runErr != nil {
		logrus.Fatalf("Sync pass aborted: %v", runErr)
	}

	logrus.Info("Sync pass finished")
}
