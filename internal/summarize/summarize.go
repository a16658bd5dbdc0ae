// Package summarize optionally condenses a story's accumulated mail history
// into a refreshed description. The generated portion is delimited by a
// marker so it can be located and replaced (or stripped) on later passes.
package summarize

import (
	"context"
	"strings"
)

// Marker separates the human-written description from the generated summary
// appended after it. Everything from the marker onward belongs to us.
const Marker = "\n\n<!-- ai-summary -->\n"

// Summarizer produces a replacement description from the prior description
// and the ordered history of content snapshots for a story.
type Summarizer interface {
	Summarize(ctx context.Context, priorDescription string, history []string) (string, error)
}

// Strip removes a previously generated summary, returning only the text that
// precedes the marker. Idempotent: text without a marker passes through
// unchanged.
func Strip(description string) string {
	if idx := strings.Index(description, strings.TrimRight(Marker, "\n")); idx >= 0 {
		return strings.TrimRight(description[:idx], "\n")
	}
	return description
}

// Disabled is the pass-through used when summarization is turned off: it
// strips any stale generated summary and otherwise leaves the description
// alone.
type Disabled struct{}

// Summarize implements Summarizer.
func (Disabled) Summarize(_ context.Context, priorDescription string, _ []string) (string, error) {
	return Strip(priorDescription), nil
}
