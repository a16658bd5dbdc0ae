package lease

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mail-story-sync/internal/model"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "lease.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.SyncLease{}))
	return db
}

func TestAcquireAndRelease(t *testing.T) {
	db := openTestDB(t)
	mgr := NewManager(db, "worker-1", time.Hour)

	handle, err := mgr.Acquire(context.Background())
	require.NoError(t, err)

	row, err := Status(db)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", row.Owner)
	assert.True(t, row.ExpiresAt.After(time.Now()))

	require.NoError(t, handle.Release())
	row, err = Status(db)
	require.NoError(t, err)
	assert.Equal(t, "", row.Owner)

	// Release is idempotent.
	require.NoError(t, handle.Release())
}

func TestSecondAcquireBlocksUntilRelease(t *testing.T) {
	db := openTestDB(t)
	first := NewManager(db, "worker-1", time.Hour)
	second := NewManager(db, "worker-2", time.Hour)

	handle, err := first.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *Handle, 1)
	go func() {
		h, err := second.Acquire(context.Background())
		if err != nil {
			t.Errorf("second acquire failed: %v", err)
			return
		}
		acquired <- h
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the lease was held")
	case <-time.After(1500 * time.Millisecond):
	}

	require.NoError(t, handle.Release())

	select {
	case h := <-acquired:
		require.NoError(t, h.Release())
	case <-time.After(5 * time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	db := openTestDB(t)

	// A crashed holder: owner set, expiry already in the past.
	stale := model.SyncLease{ID: 1, Owner: "crashed-worker", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, db.Create(&stale).Error)

	mgr := NewManager(db, "worker-2", time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := mgr.Acquire(ctx)
	require.NoError(t, err)
	defer handle.Release()

	row, err := Status(db)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", row.Owner)
}

func TestReleaseNeverClearsAnotherOwner(t *testing.T) {
	db := openTestDB(t)

	short := NewManager(db, "worker-1", time.Hour)
	handle, err := short.Acquire(context.Background())
	require.NoError(t, err)

	// Simulate expiry takeover while worker-1 still holds its handle.
	require.NoError(t, db.Model(&model.SyncLease{}).Where("id = ?", 1).
		Updates(map[string]interface{}{"owner": "worker-2", "expires_at": time.Now().Add(time.Hour)}).Error)

	require.NoError(t, handle.Release())

	row, err := Status(db)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", row.Owner, "release must only clear the caller's own lease")
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	db := openTestDB(t)

	first := NewManager(db, "worker-1", time.Hour)
	handle, err := first.Acquire(context.Background())
	require.NoError(t, err)
	defer handle.Release()

	second := NewManager(db, "worker-2", time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = second.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDurationFloor(t *testing.T) {
	db := openTestDB(t)

	mgr := NewManager(db, "worker-1", time.Minute)
	handle, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	defer handle.Release()

	row, err := Status(db)
	require.NoError(t, err)
	assert.True(t, row.ExpiresAt.After(time.Now().Add(9*time.Minute)),
		"a one-minute duration is floored to ten minutes")
}
