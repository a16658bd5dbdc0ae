// Package lease implements the single-writer guarantee: a durable, singleton
// lease row that at most one process holds at a time. A crashed holder is
// never cleaned up externally; its lease is reclaimed only once the expiry
// passes.
package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mail-story-sync/internal/model"
)

const (
	leaseRowID    = 1
	retryInterval = time.Second

	// MinDuration is the floor applied to the configured lease duration.
	// A lease must comfortably outlive one full sync pass.
	MinDuration = 10 * time.Minute
)

// Manager acquires and releases the singleton sync lease.
type Manager struct {
	db       *gorm.DB
	owner    string
	duration time.Duration
}

// Handle represents a held lease. Release is idempotent.
type Handle struct {
	mgr      *Manager
	released bool
}

// NewManager creates a lease manager. The owner identity defaults to
// host+pid when empty. Durations below MinDuration are floored.
func NewManager(db *gorm.DB, owner string, duration time.Duration) *Manager {
	if owner == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if duration < MinDuration {
		duration = MinDuration
	}
	return &Manager{db: db, owner: owner, duration: duration}
}

// Owner returns the identity this manager acquires leases under.
func (m *Manager) Owner() string {
	return m.owner
}

// Acquire blocks until the lease is free or expired, then claims it. It
// retries indefinitely with a fixed backoff; the only way out without the
// lease is context cancellation. Callers run this once per pass.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	for {
		acquired, holder, err := m.tryAcquire()
		if err != nil {
			return nil, err
		}
		if acquired {
			logrus.WithFields(logrus.Fields{
				"owner":    m.owner,
				"duration": m.duration,
			}).Info("Sync lease acquired")
			return &Handle{mgr: m}, nil
		}

		logrus.WithField("holder", holder).Debug("Sync lease busy, waiting")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// tryAcquire makes one claim attempt under a row-locking transaction.
// Returns the current holder when the lease is taken.
func (m *Manager) tryAcquire() (bool, string, error) {
	var holder string
	acquired := false

	err := m.db.Transaction(func(tx *gorm.DB) error {
		var row model.SyncLease
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", leaseRowID).
			First(&row)
		if result.Error != nil {
			if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to read lease row: %w", result.Error)
			}
			row = model.SyncLease{ID: leaseRowID}
		}

		now := time.Now()
		if row.Owner != "" && row.ExpiresAt.After(now) && row.Owner != m.owner {
			holder = row.Owner
			return nil
		}

		row.Owner = m.owner
		row.ExpiresAt = now.Add(m.duration)
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("failed to claim lease: %w", err)
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return acquired, holder, nil
}

// Release clears the lease if this handle still owns it. Safe to call more
// than once and safe after expiry takeover (it never clears another owner's
// lease).
func (h *Handle) Release() error {
	if h.released {
		return nil
	}
	h.released = true

	result := h.mgr.db.Model(&model.SyncLease{}).
		Where("id = ? AND owner = ?", leaseRowID, h.mgr.owner).
		Updates(map[string]interface{}{
			"owner":      "",
			"expires_at": time.Time{},
		})
	if result.Error != nil {
		return fmt.Errorf("failed to release lease: %w", result.Error)
	}

	logrus.WithField("owner", h.mgr.owner).Info("Sync lease released")
	return nil
}

// Status returns the current lease row for the admin API. A zero-valued
// owner means the lease is free.
func Status(db *gorm.DB) (model.SyncLease, error) {
	var row model.SyncLease
	result := db.Where("id = ?", leaseRowID).First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return model.SyncLease{ID: leaseRowID}, nil
		}
		return model.SyncLease{}, fmt.Errorf("failed to read lease row: %w", result.Error)
	}
	return row, nil
}
