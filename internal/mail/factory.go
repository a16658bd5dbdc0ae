package mail

import (
	"fmt"

	"mail-story-sync/internal/config"
)

// NewProvider builds the configured mail provider.
func NewProvider(cfg *config.MailConfig) (Provider, error) {
	switch cfg.Provider {
	case "gmail":
		return NewGmailProvider(cfg)
	case "imap":
		return NewIMAPProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported mail provider: %q", cfg.Provider)
	}
}
