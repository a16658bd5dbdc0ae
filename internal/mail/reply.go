package mail

import (
	"fmt"
	"strings"
	"time"

	"mail-story-sync/internal/model"
)

// BuildReply renders an RFC822 reply to the original message. The suffix,
// when non-empty, is appended to the subject after the Re: prefix, e.g.
// "Re: New feature idea [US#77]".
func BuildReply(from string, original model.Message, body, subjectSuffix string) string {
	subject := original.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	if subjectSuffix != "" {
		subject = subject + " " + subjectSuffix
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", from))
	b.WriteString(fmt.Sprintf("To: %s\r\n", original.From))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	b.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	if original.ID != "" {
		b.WriteString(fmt.Sprintf("In-Reply-To: <%s>\r\n", original.ID))
		b.WriteString(fmt.Sprintf("References: <%s>\r\n", original.ID))
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.String()
}
