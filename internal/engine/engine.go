// Package engine is the synchronization core: it drains each mailbox's
// change feed from the stored cursor and turns every message into exactly
// one terminal ledger entry, creating or updating User Stories along the
// way. Cursor advancement always lags the side effects it covers, which is
// what turns the provider's at-least-once delivery into at-most-once
// tracker mutations.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mail-story-sync/internal/config"
	"mail-story-sync/internal/content"
	"mail-story-sync/internal/correlate"
	"mail-story-sync/internal/mail"
	"mail-story-sync/internal/metrics"
	"mail-story-sync/internal/model"
	"mail-story-sync/internal/store"
	"mail-story-sync/internal/summarize"
	"mail-story-sync/internal/tracker"
)

// Config holds the engine's collaborators. All dependencies are explicit;
// the engine keeps no ambient state.
type Config struct {
	Store      *store.Store
	Mail       mail.Provider
	Tracker    tracker.Tracker
	Summarizer summarize.Summarizer
	Metrics    *metrics.Metrics
	Mailboxes  []config.Mailbox
}

// Engine runs sync passes. It must only run under the sync lease: the store
// treats ledger collisions as fatal on that assumption.
type Engine struct {
	store      *store.Store
	mail       mail.Provider
	tracker    tracker.Tracker
	summarizer summarize.Summarizer
	metrics    *metrics.Metrics
	mailboxes  []config.Mailbox
}

// New creates an engine from its collaborators.
func New(cfg Config) *Engine {
	return &Engine{
		store:      cfg.Store,
		mail:       cfg.Mail,
		tracker:    cfg.Tracker,
		summarizer: cfg.Summarizer,
		metrics:    cfg.Metrics,
		mailboxes:  cfg.Mailboxes,
	}
}

// Run executes one full pass over all configured mailboxes, sequentially.
// The first per-message failure aborts the pass: transient trouble is
// surfaced to the supervisor that re-invokes the process, and the ledger
// makes the re-run safe.
func (e *Engine) Run(ctx context.Context) error {
	start := time.Now()

	for _, mb := range e.mailboxes {
		if err := e.syncMailbox(ctx, mb); err != nil {
			e.metrics.PassFailures.Inc()
			return fmt.Errorf("mailbox %s: %w", mb.Key(), err)
		}
	}

	duration := time.Since(start)
	e.metrics.PassDuration.Observe(duration.Seconds())
	logrus.WithField("duration", duration).Info("Sync pass completed")
	return nil
}

// syncMailbox pages through one mailbox's change feed. Messages are handled
// strictly in feed order; the cursor is stored only after every message on
// the delta-carrying page has a terminal ledger entry.
func (e *Engine) syncMailbox(ctx context.Context, mb config.Mailbox) error {
	key := mb.Key()

	stored, err := e.store.GetCursor(key)
	if err != nil {
		return err
	}
	token := ""
	if stored != nil {
		token = *stored
	}

	for {
		page, err := e.mail.FetchChangePage(ctx, key, token)
		if err != nil {
			return fmt.Errorf("fetching change page: %w", err)
		}
		e.metrics.PagesFetched.Inc()

		for _, msg := range page.Messages {
			if err := e.processMessage(ctx, mb, msg); err != nil {
				return fmt.Errorf("message %s: %w", msg.ID, err)
			}
		}

		if page.DeltaLink != nil {
			if err := e.store.SetCursor(key, *page.DeltaLink); err != nil {
				return err
			}
		}

		if page.NextPage == nil {
			return nil
		}
		token = *page.NextPage
	}
}

// processMessage routes one message through the gate sequence:
// dedup → tombstone guard → self-loop guard → correlation → create/update.
func (e *Engine) processMessage(ctx context.Context, mb config.Mailbox, msg model.Message) error {
	key := mb.Key()
	log := logrus.WithFields(logrus.Fields{
		"mailbox":    key,
		"message_id": msg.ID,
	})

	processed, err := e.store.WasProcessed(msg.ID)
	if err != nil {
		return err
	}
	if processed {
		log.Debug("Message already in ledger, skipping")
		e.metrics.MessagesSkipped.Inc()
		return nil
	}

	if msg.Tombstone() {
		log.Info("Tombstone change event, recording as ignored")
		return e.finish(msg.ID, key, nil, model.OutcomeIgnored, nil)
	}

	if strings.EqualFold(msg.From, mb.Address) {
		log.Info("Message sent by the watched mailbox itself, recording as skipped")
		return e.finish(msg.ID, key, nil, model.OutcomeSkippedSelf, nil)
	}

	if storyID, ok := correlate.ExtractStoryID(msg.Subject); ok {
		return e.updateStory(ctx, mb, msg, storyID, log)
	}
	return e.createStory(ctx, mb, msg, log)
}

// createStory handles a message with no story token: a new User Story.
func (e *Engine) createStory(ctx context.Context, mb config.Mailbox, msg model.Message, log *logrus.Entry) error {
	key := mb.Key()

	attachments, err := e.loadAttachments(ctx, key, msg)
	if err != nil {
		return err
	}
	prepared, attachments := content.Prepare(msg, attachments)

	title := msg.Subject
	if title == "" {
		title = fmt.Sprintf("Mail from %s", msg.From)
	}

	description, err := e.summarizer.Summarize(ctx, prepared, []string{prepared})
	if err != nil {
		return fmt.Errorf("summarizing new story: %w", err)
	}

	storyID, err := e.tracker.Create(ctx, title, description)
	if err != nil {
		return fmt.Errorf("creating story: %w", err)
	}
	if len(attachments) > 0 {
		if err := e.tracker.AddComment(ctx, storyID, "", attachments, nil); err != nil {
			return fmt.Errorf("attaching files to story %d: %w", storyID, err)
		}
	}

	if err := e.store.LinkStory(key, storyID); err != nil {
		return err
	}

	reply := fmt.Sprintf(
		"Your request has been registered as User Story #%d.\r\n"+
			"Keep the %s tag in the subject when replying so your mail is added to the same story.",
		storyID, correlate.Tag(storyID))
	if err := e.mail.SendReply(ctx, key, msg, reply, correlate.Tag(storyID)); err != nil {
		return fmt.Errorf("sending creation reply: %w", err)
	}
	e.metrics.RepliesSent.Inc()
	e.metrics.StoriesCreated.Inc()

	log.WithField("story_id", storyID).Info("User Story created from message")
	return e.finish(msg.ID, key, &storyID, model.OutcomeCreated, &prepared)
}

// updateStory handles a message whose subject references an existing story.
func (e *Engine) updateStory(ctx context.Context, mb config.Mailbox, msg model.Message, storyID int, log *logrus.Entry) error {
	key := mb.Key()

	description, err := e.tracker.GetDescription(ctx, storyID)
	if err != nil {
		return fmt.Errorf("looking up story %d: %w", storyID, err)
	}
	if description == nil {
		log.WithField("story_id", storyID).Warn("Referenced story does not exist")
		reply := fmt.Sprintf(
			"User Story #%d was not found.\r\n"+
				"Check the %s tag in the subject, or remove it to open a new request.",
			storyID, correlate.Tag(storyID))
		if err := e.mail.SendReply(ctx, key, msg, reply, ""); err != nil {
			return fmt.Errorf("sending not-found reply: %w", err)
		}
		e.metrics.RepliesSent.Inc()
		return e.finish(msg.ID, key, &storyID, model.OutcomeNotFound, nil)
	}

	attachments, err := e.loadAttachments(ctx, key, msg)
	if err != nil {
		return err
	}
	prepared, attachments := content.Prepare(msg, attachments)

	history, err := e.store.GetHistory(storyID)
	if err != nil {
		return err
	}
	history = append(history, prepared)

	updated, err := e.summarizer.Summarize(ctx, *description, history)
	if err != nil {
		return fmt.Errorf("summarizing story %d: %w", storyID, err)
	}
	var replacement *string
	if updated != *description {
		replacement = &updated
	}

	if err := e.tracker.AddComment(ctx, storyID, prepared, attachments, replacement); err != nil {
		return fmt.Errorf("updating story %d: %w", storyID, err)
	}

	reply := fmt.Sprintf("Your mail has been added to User Story #%d.", storyID)
	if err := e.mail.SendReply(ctx, key, msg, reply, ""); err != nil {
		return fmt.Errorf("sending update reply: %w", err)
	}
	e.metrics.RepliesSent.Inc()
	e.metrics.StoriesUpdated.Inc()

	log.WithField("story_id", storyID).Info("User Story updated from message")
	return e.finish(msg.ID, key, &storyID, model.OutcomeUpdated, &prepared)
}

// loadAttachments fetches attachment parts when the message carries any.
func (e *Engine) loadAttachments(ctx context.Context, key string, msg model.Message) ([]model.Attachment, error) {
	if !msg.HasAttachments {
		return nil, nil
	}
	attachments, err := e.mail.FetchAttachments(ctx, key, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("fetching attachments: %w", err)
	}
	return attachments, nil
}

// finish writes the terminal ledger entry. This is the commit point: a crash
// before it re-runs the message's side effects on restart, a crash after it
// never does.
func (e *Engine) finish(messageID, mailboxKey string, storyID *int, outcome string, snapshot *string) error {
	if err := e.store.MarkProcessed(messageID, mailboxKey, storyID, outcome, snapshot); err != nil {
		return err
	}
	e.metrics.MessagesProcessed.Inc()
	return nil
}
