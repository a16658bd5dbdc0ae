// Package content turns a raw mail message into the text stored on a User
// Story. HTML bodies are reduced to plain text; inline data: images are
// dropped rather than re-encoded.
package content

import (
	"strings"

	"golang.org/x/net/html"

	"mail-story-sync/internal/model"
)

// Prepare renders the message body as story-ready text and passes the
// attachment list through unchanged. Plain-text bodies win over HTML when
// both are present. Pure: no I/O, no provider calls.
func Prepare(msg model.Message, attachments []model.Attachment) (string, []model.Attachment) {
	body := msg.Body
	if body == "" && msg.HTMLBody != "" {
		body = ExtractText(msg.HTMLBody)
	}
	body = strings.TrimSpace(body)

	var b strings.Builder
	b.WriteString("From: ")
	b.WriteString(msg.From)
	b.WriteString("\n")
	if !msg.ReceivedAt.IsZero() {
		b.WriteString("Received: ")
		b.WriteString(msg.ReceivedAt.Format("2006-01-02 15:04:05 MST"))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(body)

	return b.String(), attachments
}

// blockTags are elements that terminate a line of extracted text.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "table": true, "ul": true, "ol": true,
}

// ExtractText reduces an HTML document to plain text. Script and style
// contents are skipped entirely, block elements become newlines, and runs of
// blank lines collapse to one.
func ExtractText(htmlBody string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlBody))

	var b strings.Builder
	skipDepth := 0

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return collapseBlankLines(b.String())
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skipDepth++
			}
			if blockTags[tag] {
				b.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				if skipDepth > 0 {
					skipDepth--
				}
			}
			if blockTags[tag] {
				b.WriteString("\n")
			}
		case html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			if blockTags[string(name)] {
				b.WriteString("\n")
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.WriteString(string(tokenizer.Text()))
			}
		}
	}
}

func collapseBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
