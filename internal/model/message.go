package model

import "time"

// Message is a mail message as surfaced by the change feed. Subject and Body
// are optional on the wire: a change event carrying neither is a provider
// tombstone (deleted/moved message) and must be skipped, not treated as an
// error.
type Message struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	To             []string  `json:"to"`
	ReceivedAt     time.Time `json:"received_at"`
	HasAttachments bool      `json:"has_attachments"`
	Body           string    `json:"body"`
	HTMLBody       string    `json:"html_body"`
}

// Tombstone reports whether the change event carries no content at all.
func (m Message) Tombstone() bool {
	return m.Subject == "" && m.Body == "" && m.HTMLBody == "" && !m.HasAttachments
}

// Attachment represents an email attachment
type Attachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// ChangePage is one page of a mailbox's change feed. NextPage, when set,
// continues the current pass. DeltaLink is only set on the final page of a
// pass and becomes the stored cursor once every message on the page has a
// terminal ledger entry.
type ChangePage struct {
	Messages  []Message
	NextPage  *string
	DeltaLink *string
}
