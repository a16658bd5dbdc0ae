package mail

import (
	"context"
	"encoding/base64"
	"fmt"
	nmail "net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mail-story-sync/internal/config"
	"mail-story-sync/internal/model"
)

const gmailPageSize = 50

// Gmail resume-token encoding. A stored cursor is always "hist:<id>"; the
// intra-pass continuation tokens carry the id the final delta link must be
// built from.
//
//	hist:<historyId>                  stored cursor, start a history pass
//	histpage:<historyId>:<pageToken>  continue a history pass
//	listpage:<seedId>:<pageToken>     continue the initial full listing
const (
	tokenHist     = "hist"
	tokenHistPage = "histpage"
	tokenListPage = "listpage"
)

// GmailProvider implements Provider on the Gmail API. The change feed is the
// users.history endpoint: the opaque resume token wraps a startHistoryId,
// and the first pass over a mailbox seeds it from the account profile while
// listing the current folder contents.
type GmailProvider struct {
	service *gmail.Service
}

// NewGmailProvider creates a Gmail-backed provider from OAuth2 refresh-token
// credentials.
func NewGmailProvider(cfg *config.MailConfig) (*GmailProvider, error) {
	ctx := context.Background()

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{gmail.GmailReadonlyScope, gmail.GmailSendScope},
		Endpoint:     google.Endpoint,
	}
	token := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	tokenSource := oauth2Config.TokenSource(ctx, token)

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &GmailProvider{service: service}, nil
}

// FetchChangePage fetches one page of the mailbox change feed.
func (p *GmailProvider) FetchChangePage(ctx context.Context, mailboxKey, token string) (*model.ChangePage, error) {
	address, folder := SplitKey(mailboxKey)

	kind, arg, pageToken := decodeToken(token)
	switch kind {
	case "":
		return p.initialPage(ctx, address, folder, "")
	case tokenListPage:
		return p.listPage(ctx, address, folder, arg, pageToken)
	case tokenHist:
		return p.historyPage(ctx, address, folder, arg, "")
	case tokenHistPage:
		return p.historyPage(ctx, address, folder, arg, pageToken)
	default:
		return nil, fmt.Errorf("unrecognized gmail resume token %q", token)
	}
}

// initialPage seeds the history cursor from the profile and starts a full
// listing of the folder. The seed is taken before the listing so messages
// arriving mid-listing are replayed by the first history pass; the ledger
// makes that replay a no-op.
func (p *GmailProvider) initialPage(ctx context.Context, address, folder, pageToken string) (*model.ChangePage, error) {
	profile, err := p.service.Users.GetProfile(address).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to load gmail profile for %s: %w", address, err)
	}
	seed := strconv.FormatUint(profile.HistoryId, 10)
	return p.listPage(ctx, address, folder, seed, pageToken)
}

// listPage is one page of the initial full listing.
func (p *GmailProvider) listPage(ctx context.Context, address, folder, seed, pageToken string) (*model.ChangePage, error) {
	call := p.service.Users.Messages.List(address).
		LabelIds(folder).
		MaxResults(gmailPageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	response, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", address, err)
	}

	var ids []string
	for _, m := range response.Messages {
		ids = append(ids, m.Id)
	}

	page, err := p.loadMessages(ctx, address, ids)
	if err != nil {
		return nil, err
	}

	if response.NextPageToken != "" {
		next := encodeToken(tokenListPage, seed, response.NextPageToken)
		page.NextPage = &next
	} else {
		delta := encodeToken(tokenHist, seed, "")
		page.DeltaLink = &delta
	}
	return page, nil
}

// historyPage is one page of an incremental history pass.
func (p *GmailProvider) historyPage(ctx context.Context, address, folder, startID, pageToken string) (*model.ChangePage, error) {
	start, err := strconv.ParseUint(startID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed gmail history id %q: %w", startID, err)
	}

	call := p.service.Users.History.List(address).
		StartHistoryId(start).
		LabelId(folder).
		HistoryTypes("messageAdded").
		MaxResults(gmailPageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	response, err := call.Do()
	if err != nil {
		if isNotFound(err) {
			// Gmail returns 404 when the startHistoryId has aged out of its
			// history retention. Reseed the cursor with a full listing; the
			// ledger absorbs the refetched messages as dedup no-ops.
			logrus.WithFields(logrus.Fields{
				"mailbox":    address,
				"history_id": startID,
			}).Warn("Gmail history id expired, falling back to full sync")
			return p.initialPage(ctx, address, folder, "")
		}
		return nil, fmt.Errorf("failed to list history for %s: %w", address, err)
	}

	var ids []string
	for _, h := range response.History {
		for _, added := range h.MessagesAdded {
			if added.Message != nil {
				ids = append(ids, added.Message.Id)
			}
		}
	}

	page, err := p.loadMessages(ctx, address, ids)
	if err != nil {
		return nil, err
	}

	if response.NextPageToken != "" {
		next := encodeToken(tokenHistPage, startID, response.NextPageToken)
		page.NextPage = &next
	} else {
		// The final page's HistoryId is the position the next pass resumes
		// from. A pass with no new history keeps the previous id.
		newID := startID
		if response.HistoryId > 0 {
			newID = strconv.FormatUint(response.HistoryId, 10)
		}
		delta := encodeToken(tokenHist, newID, "")
		page.DeltaLink = &delta
	}
	return page, nil
}

// loadMessages resolves message ids to full messages, preserving feed order.
// A message deleted between the feed read and the fetch becomes a tombstone.
func (p *GmailProvider) loadMessages(ctx context.Context, address string, ids []string) (*model.ChangePage, error) {
	page := &model.ChangePage{}
	for _, id := range ids {
		full, err := p.service.Users.Messages.Get(address, id).Format("full").Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				logrus.WithField("message_id", id).Debug("Message vanished before fetch, emitting tombstone")
				page.Messages = append(page.Messages, model.Message{ID: id})
				continue
			}
			return nil, fmt.Errorf("failed to get message %s: %w", id, err)
		}
		msg, err := parseGmailMessage(full)
		if err != nil {
			return nil, fmt.Errorf("failed to parse message %s: %w", id, err)
		}
		page.Messages = append(page.Messages, msg)
	}
	return page, nil
}

// FetchAttachments loads the attachment parts of a message.
func (p *GmailProvider) FetchAttachments(ctx context.Context, mailboxKey, messageID string) ([]model.Attachment, error) {
	address, _ := SplitKey(mailboxKey)

	full, err := p.service.Users.Messages.Get(address, messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}

	var attachments []model.Attachment
	var walk func(part *gmail.MessagePart) error
	walk = func(part *gmail.MessagePart) error {
		if part.Filename != "" && part.Body != nil {
			data := part.Body.Data
			if data == "" && part.Body.AttachmentId != "" {
				body, err := p.service.Users.Messages.Attachments.
					Get(address, messageID, part.Body.AttachmentId).
					Context(ctx).Do()
				if err != nil {
					return fmt.Errorf("failed to get attachment %s: %w", part.Filename, err)
				}
				data = body.Data
			}
			decoded, err := base64.URLEncoding.DecodeString(data)
			if err != nil {
				return fmt.Errorf("failed to decode attachment %s: %w", part.Filename, err)
			}
			attachments = append(attachments, model.Attachment{
				Filename: part.Filename,
				MIMEType: part.MimeType,
				Data:     decoded,
			})
		}
		for _, sub := range part.Parts {
			if err := walk(sub); err != nil {
				return err
			}
		}
		return nil
	}

	if full.Payload != nil {
		if err := walk(full.Payload); err != nil {
			return nil, err
		}
	}
	return attachments, nil
}

// SendReply sends a reply to the sender of the original message.
func (p *GmailProvider) SendReply(ctx context.Context, mailboxKey string, original model.Message, body, subjectSuffix string) error {
	address, _ := SplitKey(mailboxKey)

	raw := BuildReply(address, original, body, subjectSuffix)
	message := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(raw)),
	}

	if _, err := p.service.Users.Messages.Send(address, message).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to send reply for message %s: %w", original.ID, err)
	}

	logrus.WithFields(logrus.Fields{
		"message_id": original.ID,
		"to":         original.From,
	}).Info("Reply sent")
	return nil
}

// Close closes the Gmail provider
func (p *GmailProvider) Close() error {
	// Gmail API service doesn't need explicit closing
	return nil
}

// parseGmailMessage converts a Gmail API message into the provider-neutral
// form. The sender is normalized to a bare address so the engine's self-loop
// guard can compare it against the mailbox address.
func parseGmailMessage(msg *gmail.Message) (model.Message, error) {
	out := model.Message{
		ID:         msg.Id,
		ReceivedAt: time.UnixMilli(msg.InternalDate),
	}

	if msg.Payload == nil {
		return out, nil
	}

	for _, header := range msg.Payload.Headers {
		switch header.Name {
		case "Subject":
			out.Subject = header.Value
		case "From":
			out.From = bareAddress(header.Value)
		case "To":
			for _, addr := range strings.Split(header.Value, ",") {
				out.To = append(out.To, bareAddress(addr))
			}
		}
	}

	if err := parseGmailBody(msg.Payload, &out); err != nil {
		return out, err
	}
	return out, nil
}

// parseGmailBody recursively parses Gmail message body parts
func parseGmailBody(part *gmail.MessagePart, out *model.Message) error {
	if part.Filename != "" {
		out.HasAttachments = true
	}

	if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
		data, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err != nil {
			return fmt.Errorf("failed to decode body data: %w", err)
		}
		switch part.MimeType {
		case "text/plain":
			out.Body = string(data)
		case "text/html":
			out.HTMLBody = string(data)
		}
	}

	for _, sub := range part.Parts {
		if err := parseGmailBody(sub, out); err != nil {
			return err
		}
	}
	return nil
}

// bareAddress extracts the address from a possibly display-named header
// value ("Jane Doe <jane@example.com>" -> "jane@example.com").
func bareAddress(value string) string {
	addr, err := nmail.ParseAddress(strings.TrimSpace(value))
	if err != nil {
		return strings.TrimSpace(value)
	}
	return addr.Address
}

func isNotFound(err error) bool {
	apiErr, ok := err.(*googleapi.Error)
	return ok && apiErr.Code == 404
}

func encodeToken(kind, arg, pageToken string) string {
	if pageToken == "" {
		return kind + ":" + arg
	}
	return kind + ":" + arg + ":" + pageToken
}

func decodeToken(token string) (kind, arg, pageToken string) {
	if token == "" {
		return "", "", ""
	}
	parts := strings.SplitN(token, ":", 3)
	kind = parts[0]
	if len(parts) > 1 {
		arg = parts[1]
	}
	if len(parts) > 2 {
		pageToken = parts[2]
	}
	return kind, arg, pageToken
}
