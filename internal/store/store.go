// Package store is the durable state layer: mailbox cursors, the
// processed-message ledger, story links, and the sync lease row. It assumes a
// single writer (enforced by the lease manager) and therefore treats ledger
// collisions as invariant violations rather than races.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"mail-story-sync/internal/config"
	"mail-story-sync/internal/model"
)

// ErrDuplicateMessage is returned by MarkProcessed when the ledger already
// holds the message id. Under the single-lease model this means the dedup
// gate was bypassed, so callers must treat it as fatal.
var ErrDuplicateMessage = errors.New("message already recorded in ledger")

// Store provides durable cursor, ledger, and link storage over gorm.
type Store struct {
	db *gorm.DB
}

// New wraps an existing gorm connection. Migrations are the caller's concern;
// use Open for the full connect+migrate path.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to the configured database, applies connection-pool settings,
// and runs migrations.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	gormLogger := logger.New(
		logrus.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.GetDSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == "mysql" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logrus.Info("Database initialized successfully")
	return &Store{db: db}, nil
}

// Migrate runs database migrations
func Migrate(db *gorm.DB) error {
	logrus.Info("Running database migrations...")

	if err := db.AutoMigrate(
		&model.MailboxCursor{},
		&model.ProcessedMessage{},
		&model.StoryLink{},
		&model.SyncLease{},
	); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}

	logrus.Info("Database migrations completed")
	return nil
}

// DB exposes the underlying gorm connection for the lease manager and the
// admin API health check.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// GetCursor returns the stored resume token for a mailbox, or nil if the
// mailbox has never completed a pass.
func (s *Store) GetCursor(mailboxKey string) (*string, error) {
	var cursor model.MailboxCursor
	result := s.db.Where("mailbox_key = ?", mailboxKey).First(&cursor)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load cursor for %s: %w", mailboxKey, result.Error)
	}
	return cursor.DeltaLink, nil
}

// SetCursor upserts the resume token for a mailbox. Called only once every
// message of the corresponding page has a terminal ledger entry.
func (s *Store) SetCursor(mailboxKey, deltaLink string) error {
	cursor := model.MailboxCursor{
		MailboxKey: mailboxKey,
		DeltaLink:  &deltaLink,
	}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mailbox_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"delta_link", "updated_at"}),
	}).Create(&cursor)
	if result.Error != nil {
		return fmt.Errorf("failed to store cursor for %s: %w", mailboxKey, result.Error)
	}
	return nil
}

// WasProcessed reports whether the ledger holds the message id.
func (s *Store) WasProcessed(messageID string) (bool, error) {
	var record model.ProcessedMessage
	result := s.db.Where("message_id = ?", messageID).First(&record)
	if result.Error == nil {
		return true, nil
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check ledger for %s: %w", messageID, result.Error)
}

// MarkProcessed writes the terminal ledger entry for a message. The unique
// index on message_id makes a duplicate insert fail; that failure is
// surfaced as ErrDuplicateMessage and never swallowed.
func (s *Store) MarkProcessed(messageID, mailboxKey string, storyID *int, outcome string, content *string) error {
	record := model.ProcessedMessage{
		MessageID:   messageID,
		MailboxKey:  mailboxKey,
		StoryID:     storyID,
		Outcome:     outcome,
		Content:     content,
		ProcessedAt: time.Now(),
	}
	result := s.db.Create(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) || isDuplicateKeyError(result.Error) {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, messageID)
		}
		return fmt.Errorf("failed to mark message %s processed: %w", messageID, result.Error)
	}
	return nil
}

// LinkStory records the (story, mailbox) pair; duplicate inserts are no-ops.
func (s *Store) LinkStory(mailboxKey string, storyID int) error {
	link := model.StoryLink{
		StoryID:    storyID,
		MailboxKey: mailboxKey,
		CreatedAt:  time.Now(),
	}
	result := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&link)
	if result.Error != nil {
		return fmt.Errorf("failed to link story %d to %s: %w", storyID, mailboxKey, result.Error)
	}
	return nil
}

// GetHistory returns the stored content snapshots for a story in processing
// order. Entries without a snapshot (skips, tombstones) are excluded.
func (s *Store) GetHistory(storyID int) ([]string, error) {
	var records []model.ProcessedMessage
	result := s.db.
		Where("story_id = ? AND content IS NOT NULL", storyID).
		Order("id asc").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load history for story %d: %w", storyID, result.Error)
	}

	history := make([]string, 0, len(records))
	for _, r := range records {
		if r.Content != nil {
			history = append(history, *r.Content)
		}
	}
	return history, nil
}

// RecentProcessed returns the newest ledger entries for the admin API.
func (s *Store) RecentProcessed(limit int) ([]model.ProcessedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []model.ProcessedMessage
	result := s.db.Order("id desc").Limit(limit).Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", result.Error)
	}
	return records, nil
}

// Cursors returns all mailbox cursors for the admin API.
func (s *Store) Cursors() ([]model.MailboxCursor, error) {
	var cursors []model.MailboxCursor
	result := s.db.Order("mailbox_key asc").Find(&cursors)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", result.Error)
	}
	return cursors, nil
}
