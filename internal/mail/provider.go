// Package mail defines the mailbox provider contract consumed by the sync
// engine, plus Gmail and IMAP implementations. The engine only depends on
// the Provider interface; everything provider-specific (token encoding,
// OAuth, MIME walking) stays behind it.
package mail

import (
	"context"

	"mail-story-sync/internal/model"
)

// Provider is the mailbox side of the bridge. Resume tokens are opaque to
// callers: the engine stores whatever DeltaLink a page carries and feeds it
// back verbatim on the next pass.
type Provider interface {
	// FetchChangePage returns the next page of the change feed. The token is
	// either a stored delta link (start of a pass, empty for a mailbox that
	// has never synced) or the NextPage token of the previous page.
	FetchChangePage(ctx context.Context, mailboxKey, token string) (*model.ChangePage, error)

	// FetchAttachments loads the attachment parts of a message.
	FetchAttachments(ctx context.Context, mailboxKey, messageID string) ([]model.Attachment, error)

	// SendReply sends a reply to the sender of the original message. The
	// suffix, when non-empty, is appended to the reply subject.
	SendReply(ctx context.Context, mailboxKey string, original model.Message, body, subjectSuffix string) error

	Close() error
}

// SplitKey splits a mailbox key "address/folder" into its parts. The folder
// defaults to INBOX when the key has no slash.
func SplitKey(mailboxKey string) (address, folder string) {
	for i := 0; i < len(mailboxKey); i++ {
		if mailboxKey[i] == '/' {
			return mailboxKey[:i], mailboxKey[i+1:]
		}
	}
	return mailboxKey, "INBOX"
}
