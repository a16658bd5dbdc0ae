package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mail-story-sync/internal/config"
	"mail-story-sync/internal/engine"
	"mail-story-sync/internal/lease"
	"mail-story-sync/internal/metrics"
	"mail-story-sync/internal/model"
	"mail-story-sync/internal/store"
	"mail-story-sync/internal/summarize"
	"mail-story-sync/internal/tracker"
)

type idleMail struct{}

func (idleMail) FetchChangePage(context.Context, string, string) (*model.ChangePage, error) {
	return &model.ChangePage{}, nil
}
func (idleMail) FetchAttachments(context.Context, string, string) ([]model.Attachment, error) {
	return nil, nil
}
func (idleMail) SendReply(context.Context, string, model.Message, string, string) error { return nil }
func (idleMail) Close() error                                                           { return nil }

type idleTracker struct{}

func (idleTracker) GetDescription(context.Context, int) (*string, error) { return nil, nil }
func (idleTracker) Create(context.Context, string, string) (int, error)  { return 1, nil }
func (idleTracker) AddComment(context.Context, int, string, []model.Attachment, *string) error {
	return nil
}
func (idleTracker) UploadAttachment(_ context.Context, _ []byte, filename string) (tracker.AttachmentRef, error) {
	return tracker.AttachmentRef{Filename: filename}, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *gorm.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sched.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	eng := engine.New(engine.Config{
		Store:      store.New(db),
		Mail:       idleMail{},
		Tracker:    idleTracker{},
		Summarizer: summarize.Disabled{},
		Metrics:    metrics.NewMetricsWith(prometheus.NewRegistry()),
		Mailboxes:  []config.Mailbox{{Address: "support@example.com", Folder: "INBOX"}},
	})
	return NewScheduler(5, eng, lease.NewManager(db, "test-worker", time.Hour)), db
}

func TestSchedulerStartStop(t *testing.T) {
	s, _ := newTestScheduler(t)

	assert.False(t, s.IsRunning())
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	err := s.Start()
	assert.Error(t, err, "starting twice must fail")

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())

	// Stop is idempotent.
	require.NoError(t, s.Stop())
}

func TestSchedulerRestartAfterStop(t *testing.T) {
	s, _ := newTestScheduler(t)

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	// A restart gets a fresh context, so passes are not skipped.
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.False(t, s.GetNextRun().IsZero())

	require.NoError(t, s.Stop())
	s.Wait()
}

func TestRunOnceReleasesLease(t *testing.T) {
	s, db := newTestScheduler(t)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, s.RunOnce())
	s.Wait()

	row, err := lease.Status(db)
	require.NoError(t, err)
	assert.Equal(t, "", row.Owner, "the lease is released after the pass")
}

func TestRunOnceWorksWhileStopped(t *testing.T) {
	s, db := newTestScheduler(t)

	// A manual trigger does not depend on the cron scheduler being started.
	require.NoError(t, s.RunOnce())
	s.Wait()

	var row model.SyncLease
	require.NoError(t, db.First(&row).Error, "the pass acquired the lease")
	assert.Equal(t, "", row.Owner, "and released it afterwards")
}

func TestCronPassSkippedWhenStopped(t *testing.T) {
	s, db := newTestScheduler(t)

	s.runPass()

	var row model.SyncLease
	err := db.First(&row).Error
	assert.Error(t, err, "a cron tick on a stopped scheduler runs no pass")
}

func TestNextRunZeroWhenStopped(t *testing.T) {
	s, _ := newTestScheduler(t)
	assert.True(t, s.GetNextRun().IsZero())
	assert.True(t, s.GetLastRun().IsZero())
}
