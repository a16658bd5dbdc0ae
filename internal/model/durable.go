package model

import (
	"time"
)

// Outcome tags recorded in the processed-message ledger. An outcome is
// terminal: once written it is never changed.
const (
	OutcomeCreated     = "created"
	OutcomeUpdated     = "updated"
	OutcomeSkippedSelf = "skipped-self"
	OutcomeNotFound    = "us-not-found"
	OutcomeIgnored     = "ignored"
)

// MailboxCursor stores the provider resume token for one watched mailbox.
// DeltaLink is opaque to us; only the mail provider can interpret it. A nil
// DeltaLink means the mailbox has never completed a sync pass.
type MailboxCursor struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	MailboxKey string    `json:"mailbox_key" gorm:"type:varchar(255);not null;uniqueIndex"`
	DeltaLink  *string   `json:"delta_link" gorm:"type:text"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName specifies the table name for MailboxCursor
func (MailboxCursor) TableName() string {
	return "mailbox_cursors"
}

// ProcessedMessage is the idempotency ledger: one row per mail message ever
// handled. The unique index on MessageID is the sole dedup mechanism — a
// duplicate insert is an invariant violation, not a benign race, because the
// lease guarantees a single writer.
type ProcessedMessage struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID   string    `json:"message_id" gorm:"type:varchar(255);not null;uniqueIndex"`
	MailboxKey  string    `json:"mailbox_key" gorm:"type:varchar(255);not null;index"`
	StoryID     *int      `json:"story_id" gorm:"index"`
	Outcome     string    `json:"outcome" gorm:"type:varchar(50);not null"`
	Content     *string   `json:"content,omitempty" gorm:"type:text"`
	ProcessedAt time.Time `json:"processed_at"`
}

// TableName specifies the table name for ProcessedMessage
func (ProcessedMessage) TableName() string {
	return "processed_messages"
}

// StoryLink records which mailbox a User Story was created from. Inserts are
// idempotent on the (story, mailbox) pair.
type StoryLink struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	StoryID    int       `json:"story_id" gorm:"not null;uniqueIndex:idx_story_mailbox"`
	MailboxKey string    `json:"mailbox_key" gorm:"type:varchar(255);not null;uniqueIndex:idx_story_mailbox"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name for StoryLink
func (StoryLink) TableName() string {
	return "story_links"
}

// SyncLease is the singleton mutual-exclusion record. At most one non-expired
// owner exists at any time; a crashed owner is reclaimed only by expiry.
type SyncLease struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Owner     string    `json:"owner" gorm:"type:varchar(255);not null;default:''"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for SyncLease
func (SyncLease) TableName() string {
	return "sync_lease"
}
