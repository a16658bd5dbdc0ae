package mail

import (
	"context"
	"fmt"
	"io"
	"net/smtp"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"

	"mail-story-sync/internal/config"
	"mail-story-sync/internal/model"
)

const imapPageSize = 50

// IMAPProvider implements Provider over IMAP for fetching and SMTP for
// replies. The resume token is "uid:<uidvalidity>:<lastSeenUID>"; a
// UIDVALIDITY change on the folder invalidates the token and restarts the
// feed from UID 1, which the ledger absorbs as dedup no-ops.
type IMAPProvider struct {
	client *client.Client
	cfg    *config.MailConfig
}

// NewIMAPProvider connects and authenticates to the IMAP server.
func NewIMAPProvider(cfg *config.MailConfig) (*IMAPProvider, error) {
	c, err := client.DialTLS(fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	if err := c.Login(cfg.IMAPUser, cfg.IMAPPassword); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	return &IMAPProvider{client: c, cfg: cfg}, nil
}

// FetchChangePage fetches up to one page of UIDs above the stored position.
func (p *IMAPProvider) FetchChangePage(ctx context.Context, mailboxKey, token string) (*model.ChangePage, error) {
	_, folder := SplitKey(mailboxKey)

	mbox, err := p.client.Select(folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}

	lastSeen := uint32(0)
	if token != "" {
		validity, uid, err := decodeUIDToken(token)
		if err != nil {
			return nil, err
		}
		if validity == mbox.UidValidity {
			lastSeen = uid
		}
		// A validity mismatch falls through with lastSeen 0: the folder was
		// rebuilt and every message is re-offered to the dedup gate.
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(lastSeen+1, 0)

	uids, err := p.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search folder %s: %w", folder, err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	// UidSearch with an open range returns the highest existing UID even
	// when nothing is above lastSeen; drop anything already covered.
	filtered := uids[:0]
	for _, uid := range uids {
		if uid > lastSeen {
			filtered = append(filtered, uid)
		}
	}
	uids = filtered

	page := &model.ChangePage{}
	if len(uids) == 0 {
		delta := encodeUIDToken(mbox.UidValidity, lastSeen)
		page.DeltaLink = &delta
		return page, nil
	}

	chunk := uids
	more := false
	if len(chunk) > imapPageSize {
		chunk = chunk[:imapPageSize]
		more = true
	}

	messages, err := p.fetchMessages(mailboxKey, mbox.UidValidity, chunk)
	if err != nil {
		return nil, err
	}
	page.Messages = messages

	position := encodeUIDToken(mbox.UidValidity, chunk[len(chunk)-1])
	if more {
		page.NextPage = &position
	} else {
		page.DeltaLink = &position
	}
	return page, nil
}

// fetchMessages loads and parses a batch of UIDs in ascending order.
func (p *IMAPProvider) fetchMessages(mailboxKey string, validity uint32, uids []uint32) ([]model.Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- p.client.UidFetch(seqset, items, ch)
	}()

	byUID := make(map[uint32]model.Message, len(uids))
	for msg := range ch {
		parsed, err := parseIMAPMessage(mailboxKey, validity, msg, section)
		if err != nil {
			return nil, fmt.Errorf("failed to parse message uid %d: %w", msg.Uid, err)
		}
		byUID[msg.Uid] = parsed
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	// Preserve feed order even though the server may stream out of order.
	var out []model.Message
	for _, uid := range uids {
		if parsed, ok := byUID[uid]; ok {
			out = append(out, parsed)
		} else {
			// Expunged between search and fetch: a tombstone.
			out = append(out, model.Message{ID: imapMessageID(mailboxKey, validity, uid)})
		}
	}
	return out, nil
}

// FetchAttachments re-fetches the message body and collects attachment parts.
func (p *IMAPProvider) FetchAttachments(ctx context.Context, mailboxKey, messageID string) ([]model.Attachment, error) {
	_, folder := SplitKey(mailboxKey)
	validity, uid, err := parseIMAPMessageID(messageID)
	if err != nil {
		return nil, err
	}

	mbox, err := p.client.Select(folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}
	if mbox.UidValidity != validity {
		return nil, fmt.Errorf("folder %s was rebuilt, message %s is unreachable", folder, messageID)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- p.client.UidFetch(seqset, []imap.FetchItem{section.FetchItem()}, ch)
	}()

	var attachments []model.Attachment
	for msg := range ch {
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		entity, err := message.Read(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		attachments, err = collectAttachments(entity)
		if err != nil {
			return nil, err
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %s: %w", messageID, err)
	}
	return attachments, nil
}

// SendReply sends a reply through the SMTP submission port.
func (p *IMAPProvider) SendReply(ctx context.Context, mailboxKey string, original model.Message, body, subjectSuffix string) error {
	address, _ := SplitKey(mailboxKey)

	raw := BuildReply(address, original, body, subjectSuffix)
	addr := fmt.Sprintf("%s:%d", p.cfg.SMTPHost, p.cfg.SMTPPort)
	auth := smtp.PlainAuth("", p.cfg.IMAPUser, p.cfg.IMAPPassword, p.cfg.SMTPHost)

	if err := smtp.SendMail(addr, auth, address, []string{original.From}, []byte(raw)); err != nil {
		return fmt.Errorf("failed to send reply for message %s: %w", original.ID, err)
	}
	return nil
}

// Close logs out of the IMAP session.
func (p *IMAPProvider) Close() error {
	return p.client.Logout()
}

// parseIMAPMessage converts a fetched IMAP message into the provider-neutral
// form.
func parseIMAPMessage(mailboxKey string, validity uint32, msg *imap.Message, section *imap.BodySectionName) (model.Message, error) {
	out := model.Message{
		ID:         imapMessageID(mailboxKey, validity, msg.Uid),
		ReceivedAt: msg.InternalDate,
	}

	if msg.Envelope != nil {
		out.Subject = msg.Envelope.Subject
		if len(msg.Envelope.From) > 0 {
			out.From = msg.Envelope.From[0].Address()
		}
		for _, addr := range msg.Envelope.To {
			out.To = append(out.To, addr.Address())
		}
	}

	r := msg.GetBody(section)
	if r == nil {
		return out, nil
	}
	entity, err := message.Read(r)
	if err != nil {
		return out, fmt.Errorf("failed to read message: %w", err)
	}
	if err := parseIMAPBody(entity, &out); err != nil {
		return out, err
	}
	return out, nil
}

// parseIMAPBody walks the MIME structure filling text bodies and the
// attachment flag.
func parseIMAPBody(entity *message.Entity, out *model.Message) error {
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to read part: %w", err)
			}
			if err := parseIMAPBody(part, out); err != nil {
				return err
			}
		}
		return nil
	}

	if _, params, err := entity.Header.ContentDisposition(); err == nil && params["filename"] != "" {
		out.HasAttachments = true
		return nil
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return fmt.Errorf("failed to read part body: %w", err)
	}
	contentType := entity.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/plain"), contentType == "":
		if out.Body == "" {
			out.Body = string(content)
		}
	case strings.Contains(contentType, "text/html"):
		if out.HTMLBody == "" {
			out.HTMLBody = string(content)
		}
	}
	return nil
}

// collectAttachments gathers the parts carrying a filename.
func collectAttachments(entity *message.Entity) ([]model.Attachment, error) {
	var attachments []model.Attachment

	var walk func(e *message.Entity) error
	walk = func(e *message.Entity) error {
		if mr := e.MultipartReader(); mr != nil {
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					return fmt.Errorf("failed to read part: %w", err)
				}
				if err := walk(part); err != nil {
					return err
				}
			}
			return nil
		}

		filename := ""
		if _, params, err := e.Header.ContentDisposition(); err == nil {
			filename = params["filename"]
		}
		if filename == "" {
			return nil
		}
		data, err := io.ReadAll(e.Body)
		if err != nil {
			return fmt.Errorf("failed to read attachment %s: %w", filename, err)
		}
		mimeType, _, _ := e.Header.ContentType()
		attachments = append(attachments, model.Attachment{
			Filename: filename,
			MIMEType: mimeType,
			Data:     data,
		})
		return nil
	}

	if err := walk(entity); err != nil {
		return nil, err
	}
	return attachments, nil
}

func imapMessageID(mailboxKey string, validity uint32, uid uint32) string {
	return fmt.Sprintf("%s:%d:%d", mailboxKey, validity, uid)
}

func parseIMAPMessageID(messageID string) (uint32, uint32, error) {
	idx := strings.LastIndex(messageID, ":")
	if idx < 0 {
		return 0, 0, fmt.Errorf("malformed imap message id %q", messageID)
	}
	uid, err := strconv.ParseUint(messageID[idx+1:], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap message id %q: %w", messageID, err)
	}
	rest := messageID[:idx]
	idx = strings.LastIndex(rest, ":")
	if idx < 0 {
		return 0, 0, fmt.Errorf("malformed imap message id %q", messageID)
	}
	validity, err := strconv.ParseUint(rest[idx+1:], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap message id %q: %w", messageID, err)
	}
	return uint32(validity), uint32(uid), nil
}

func encodeUIDToken(validity, lastSeen uint32) string {
	return fmt.Sprintf("uid:%d:%d", validity, lastSeen)
}

func decodeUIDToken(token string) (uint32, uint32, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 || parts[0] != "uid" {
		return 0, 0, fmt.Errorf("unrecognized imap resume token %q", token)
	}
	validity, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap resume token %q: %w", token, err)
	}
	uid, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap resume token %q: %w", token, err)
	}
	return uint32(validity), uint32(uid), nil
}
