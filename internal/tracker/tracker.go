// Package tracker defines the work-item tracker contract consumed by the
// sync engine, plus an Azure DevOps implementation. User Stories live here.
package tracker

import (
	"context"

	"mail-story-sync/internal/model"
)

// AttachmentRef points at an uploaded attachment on the tracker side.
type AttachmentRef struct {
	URL      string
	Filename string
}

// Tracker is the work-item side of the bridge.
type Tracker interface {
	// GetDescription returns the story's description, or nil when the story
	// does not exist. A missing story is a value, not an error.
	GetDescription(ctx context.Context, storyID int) (*string, error)

	// Create creates a new User Story and returns its id.
	Create(ctx context.Context, title, description string) (int, error)

	// AddComment appends a comment to a story, attaches the given files, and
	// optionally replaces the story description (used when the summarizer
	// produced a fresh one).
	AddComment(ctx context.Context, storyID int, comment string, attachments []model.Attachment, replacementDescription *string) error

	// UploadAttachment stores raw bytes and returns a reference usable in
	// work-item relations.
	UploadAttachment(ctx context.Context, data []byte, filename string) (AttachmentRef, error)
}
