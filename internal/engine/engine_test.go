package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mail-story-sync/internal/config"
	"mail-story-sync/internal/metrics"
	"mail-story-sync/internal/model"
	"mail-story-sync/internal/store"
	"mail-story-sync/internal/summarize"
	"mail-story-sync/internal/tracker"
)

var testMailbox = config.Mailbox{Address: "support@example.com", Folder: "INBOX"}

// fakeMail replays a fixed sequence of change pages and records outbound
// replies.
type fakeMail struct {
	pages       []model.ChangePage
	tokens      []string
	replies     []sentReply
	attachments map[string][]model.Attachment
}

type sentReply struct {
	messageID string
	to        string
	body      string
	suffix    string
}

func (f *fakeMail) FetchChangePage(_ context.Context, _ string, token string) (*model.ChangePage, error) {
	f.tokens = append(f.tokens, token)
	if len(f.pages) == 0 {
		return &model.ChangePage{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return &page, nil
}

func (f *fakeMail) FetchAttachments(_ context.Context, _ string, messageID string) ([]model.Attachment, error) {
	return f.attachments[messageID], nil
}

func (f *fakeMail) SendReply(_ context.Context, _ string, original model.Message, body, suffix string) error {
	f.replies = append(f.replies, sentReply{
		messageID: original.ID,
		to:        original.From,
		body:      body,
		suffix:    suffix,
	})
	return nil
}

func (f *fakeMail) Close() error { return nil }

// fakeTracker keeps stories in memory.
type fakeTracker struct {
	nextID     int
	stories    map[int]string
	created    []createdStory
	comments   []addedComment
	createErr  error
	commentErr error
}

type createdStory struct {
	id          int
	title       string
	description string
}

type addedComment struct {
	storyID     int
	comment     string
	attachments []model.Attachment
	replacement *string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{nextID: 76, stories: make(map[int]string)}
}

func (f *fakeTracker) GetDescription(_ context.Context, storyID int) (*string, error) {
	description, ok := f.stories[storyID]
	if !ok {
		return nil, nil
	}
	return &description, nil
}

func (f *fakeTracker) Create(_ context.Context, title, description string) (int, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	f.stories[f.nextID] = description
	f.created = append(f.created, createdStory{id: f.nextID, title: title, description: description})
	return f.nextID, nil
}

func (f *fakeTracker) AddComment(_ context.Context, storyID int, comment string, attachments []model.Attachment, replacement *string) error {
	if f.commentErr != nil {
		return f.commentErr
	}
	if replacement != nil {
		f.stories[storyID] = *replacement
	}
	f.comments = append(f.comments, addedComment{
		storyID:     storyID,
		comment:     comment,
		attachments: attachments,
		replacement: replacement,
	})
	return nil
}

func (f *fakeTracker) UploadAttachment(_ context.Context, _ []byte, filename string) (tracker.AttachmentRef, error) {
	return tracker.AttachmentRef{URL: "https://tracker.example.com/att/" + filename, Filename: filename}, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "engine.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return store.New(db)
}

func newTestEngine(st *store.Store, fm *fakeMail, ft *fakeTracker) *Engine {
	return New(Config{
		Store:      st,
		Mail:       fm,
		Tracker:    ft,
		Summarizer: summarize.Disabled{},
		Metrics:    metrics.NewMetricsWith(prometheus.NewRegistry()),
		Mailboxes:  []config.Mailbox{testMailbox},
	})
}

func strPtr(s string) *string { return &s }

func singlePage(delta string, msgs ...model.Message) []model.ChangePage {
	return []model.ChangePage{{Messages: msgs, DeltaLink: strPtr(delta)}}
}

func ledgerEntry(t *testing.T, st *store.Store, messageID string) model.ProcessedMessage {
	t.Helper()
	var record model.ProcessedMessage
	require.NoError(t, st.DB().Where("message_id = ?", messageID).First(&record).Error)
	return record
}

func TestCreateStoryFromUncorrelatedMessage(t *testing.T) {
	st := openTestStore(t)
	fm := &fakeMail{pages: singlePage("hist:10", model.Message{
		ID:      "m1",
		Subject: "New feature idea",
		From:    "jane@example.com",
		Body:    "Please add dark mode.",
	})}
	ft := newFakeTracker()

	require.NoError(t, newTestEngine(st, fm, ft).Run(context.Background()))

	require.Len(t, ft.created, 1)
	assert.Equal(t, 77, ft.created[0].id)
	assert.Equal(t, "New feature idea", ft.created[0].title)
	assert.Contains(t, ft.created[0].description, "Please add dark mode.")

	require.Len(t, fm.replies, 1)
	assert.Equal(t, "jane@example.com", fm.replies[0].to)
	assert.Equal(t, "[US#77]", fm.replies[0].suffix)

	record := ledgerEntry(t, st, "m1")
	assert.Equal(t, model.OutcomeCreated, record.Outcome)
	require.NotNil(t, record.StoryID)
	assert.Equal(t, 77, *record.StoryID)
	require.NotNil(t, record.Content)

	var links []model.StoryLink
	require.NoError(t, st.DB().Find(&links).Error)
	require.Len(t, links, 1)
	assert.Equal(t, 77, links[0].StoryID)
	assert.Equal(t, testMailbox.Key(), links[0].MailboxKey)

	cursor, err := st.GetCursor(testMailbox.Key())
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "hist:10", *cursor)
}

func TestUpdateStoryFromCorrelatedMessage(t *testing.T) {
	st := openTestStore(t)
	fm := &fakeMail{pages: singlePage("hist:11", model.Message{
		ID:      "m2",
		Subject: "Re: Payment bug [US#451]",
		From:    "jane@example.com",
		Body:    "Still broken after the fix.",
	})}
	ft := newFakeTracker()
	ft.stories[451] = "Customer cannot pay."

	require.NoError(t, newTestEngine(st, fm, ft).Run(context.Background()))

	assert.Empty(t, ft.created)
	require.Len(t, ft.comments, 1)
	assert.Equal(t, 451, ft.comments[0].storyID)
	assert.Contains(t, ft.comments[0].comment, "Still broken after the fix.")
	assert.Nil(t, ft.comments[0].replacement, "pass-through summarizer leaves the description alone")

	require.Len(t, fm.replies, 1)
	assert.Equal(t, "", fm.replies[0].suffix, "update replies keep the existing subject tag")

	record := ledgerEntry(t, st, "m2")
	assert.Equal(t, model.OutcomeUpdated, record.Outcome)
	require.NotNil(t, record.StoryID)
	assert.Equal(t, 451, *record.StoryID)
}

func TestCreateThenUpdateWithinOnePage(t *testing.T) {
	st := openTestStore(t)
	fm := &fakeMail{pages: singlePage("hist:12",
		model.Message{ID: "m1", Subject: "New feature idea", From: "jane@example.com", Body: "first"},
		// The fake tracker assigns 77 to the story m1 creates.
		model.Message{ID: "m2", Subject: "Re: New feature idea [US#77]", From: "jane@example.com", Body: "second"},
	)}
	ft := newFakeTracker()

	require.NoError(t, newTestEngine(st, fm, ft).Run(context.Background()))

	require.Len(t, ft.created, 1)
	assert.Equal(t, 77, ft.created[0].id)
	require.Len(t, ft.comments, 1)
	assert.Equal(t, 77, ft.comments[0].storyID)

	assert.Equal(t, model.OutcomeCreated, ledgerEntry(t, st, "m1").Outcome)
	assert.Equal(t, model.OutcomeUpdated, ledgerEntry(t, st, "m2").Outcome)

	// The update sees the create's snapshot in the story history.
	history, err := st.GetHistory(77)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Contains(t, history[0], "first")
	assert.Contains(t, history[1], "second")
}

func TestReplayedPageIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	page := model.Message{ID: "m1", Subject: "New feature idea", From: "jane@example.com", Body: "body"}

	fm := &fakeMail{pages: singlePage("hist:10", page)}
	ft := newFakeTracker()
	require.NoError(t, newTestEngine(st, fm, ft).Run(context.Background()))

	// Crash-and-restart before the cursor advanced: the provider re-delivers
	// the same page.
	fm2 := &fakeMail{pages: singlePage("hist:10", page)}
	require.NoError(t, newTestEngine(st, fm2, ft).Run(context.Background()))

	var count int64
	require.NoError(t, st.DB().Model(&model.ProcessedMessage{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "exactly one ledger entry per message id")
	assert.Len(t, ft.created, 1, "at most one story creation per message")
	assert.Empty(t, fm2.replies, "a replayed message sends no second reply")
}

func TestSelfLoopGuard(t *testing.T) {
	st := openTestStore(t)
	fm := &fakeMail{pages: singlePage("hist:10", model.Message{
		ID:      "m1",
		Subject: "Re: New feature idea [US#77]",
		From:    "Support@Example.com",
		Body:    "Your request has been registered.",
	})}
	ft := newFakeTracker()

	require.NoError(t, newTestEngine(st, fm, ft).Run(context.Background()))

	assert.Empty(t, ft.created)
	assert.Empty(t, ft.comments)
	assert.Empty(t, fm.replies)
	assert.Equal(t, model.OutcomeSkippedSelf, ledgerEntry(t, st, "m1").Outcome)
}

func TestTombstoneIsIgnoredNotFatal(t *testing.T) {
	st := openTestStore(t)
	fm := &fakeMail{pages: singlePage("hist:10", model.Message{ID: "m1"})}
	ft := newFakeTracker()

	require.NoError(t, newTestEngine(st, fm, ft).Run(context.Background()))

	assert.Empty(t, ft.created)
	assert.Empty(t, fm.replies)
	assert.Equal(t, model.OutcomeIgnored, ledgerEntry(t, st, "m1").Outcome)
}

func TestMissingStoryIsTerminalNotFatal(t *testing.T) {
	st := openTestStore(t)
	fm := &fakeMail{pages: singlePage("hist:10", model.Message{
		ID:      "m1",
		Subject: "Re: Payment bug [US#999]",
		From:    "jane@example.com",
		Body:    "any news?",
	})}
	ft := newFakeTracker()

	require.NoError(t, newTestEngine(st, fm, ft).Run(context.Background()))

	assert.Empty(t, ft.comments, "no mutation of a missing story")
	require.Len(t, fm.replies, 1)
	assert.Contains(t, fm.replies[0].body, "not found")

	record := ledgerEntry(t, st, "m1")
	assert.Equal(t, model.OutcomeNotFound, record.Outcome)
	assert.Nil(t, record.Content)

	cursor, err := st.GetCursor(testMailbox.Key())
	require.NoError(t, err)
	require.NotNil(t, cursor, "a terminal not-found outcome does not block the cursor")
}

func TestTrackerFailureAbortsPassBeforeLedgerWrite(t *testing.T) {
	st := openTestStore(t)
	fm := &fakeMail{pages: singlePage("hist:10", model.Message{
		ID:      "m1",
		Subject: "New feature idea",
		From:    "jane@example.com",
		Body:    "body",
	})}
	ft := newFakeTracker()
	ft.createErr = errors.New("tracker unavailable")

	err := newTestEngine(st, fm, ft).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracker unavailable")

	processed, lerr := st.WasProcessed("m1")
	require.NoError(t, lerr)
	assert.False(t, processed, "a failed message gets no ledger entry and is retried next pass")

	cursor, cerr := st.GetCursor(testMailbox.Key())
	require.NoError(t, cerr)
	assert.Nil(t, cursor, "the cursor never advances past a failed page")
}

func TestCursorAdvancesOnlyOnDeltaPage(t *testing.T) {
	st := openTestStore(t)
	fm := &fakeMail{pages: []model.ChangePage{
		{
			Messages: []model.Message{{ID: "m1", Subject: "one", From: "a@example.com", Body: "x"}},
			NextPage: strPtr("page-2"),
		},
		{
			Messages:  []model.Message{{ID: "m2", Subject: "two", From: "a@example.com", Body: "y"}},
			DeltaLink: strPtr("hist:99"),
		},
	}}
	ft := newFakeTracker()

	require.NoError(t, newTestEngine(st, fm, ft).Run(context.Background()))

	assert.Equal(t, []string{"", "page-2"}, fm.tokens)

	cursor, err := st.GetCursor(testMailbox.Key())
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "hist:99", *cursor)
}

func TestResumesFromStoredCursor(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SetCursor(testMailbox.Key(), "hist:42"))

	fm := &fakeMail{pages: singlePage("hist:50")}
	ft := newFakeTracker()

	require.NoError(t, newTestEngine(st, fm, ft).Run(context.Background()))
	assert.Equal(t, []string{"hist:42"}, fm.tokens)
}

func TestAttachmentsFlowToTracker(t *testing.T) {
	st := openTestStore(t)
	att := model.Attachment{Filename: "crash.log", MIMEType: "text/plain", Data: []byte("trace")}
	fm := &fakeMail{
		pages: singlePage("hist:10", model.Message{
			ID:             "m1",
			Subject:        "Re: Payment bug [US#451]",
			From:           "jane@example.com",
			Body:           "log attached",
			HasAttachments: true,
		}),
		attachments: map[string][]model.Attachment{"m1": {att}},
	}
	ft := newFakeTracker()
	ft.stories[451] = "Customer cannot pay."

	require.NoError(t, newTestEngine(st, fm, ft).Run(context.Background()))

	require.Len(t, ft.comments, 1)
	require.Len(t, ft.comments[0].attachments, 1)
	assert.Equal(t, "crash.log", ft.comments[0].attachments[0].Filename)
}

// rewritingSummarizer always produces a fixed description, standing in for
// the AI path.
type rewritingSummarizer struct{ out string }

func (r rewritingSummarizer) Summarize(_ context.Context, _ string, history []string) (string, error) {
	return fmt.Sprintf("%s (%d messages)", r.out, len(history)), nil
}

func TestSummarizerReplacementReachesTracker(t *testing.T) {
	st := openTestStore(t)
	fm := &fakeMail{pages: singlePage("hist:10", model.Message{
		ID:      "m1",
		Subject: "Re: Payment bug [US#451]",
		From:    "jane@example.com",
		Body:    "more detail",
	})}
	ft := newFakeTracker()
	ft.stories[451] = "Customer cannot pay."

	eng := New(Config{
		Store:      st,
		Mail:       fm,
		Tracker:    ft,
		Summarizer: rewritingSummarizer{out: "fresh summary"},
		Metrics:    metrics.NewMetricsWith(prometheus.NewRegistry()),
		Mailboxes:  []config.Mailbox{testMailbox},
	})
	require.NoError(t, eng.Run(context.Background()))

	require.Len(t, ft.comments, 1)
	require.NotNil(t, ft.comments[0].replacement)
	assert.Equal(t, "fresh summary (1 messages)", *ft.comments[0].replacement)
	assert.Equal(t, "fresh summary (1 messages)", ft.stories[451])
}
