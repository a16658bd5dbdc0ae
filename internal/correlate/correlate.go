// Package correlate derives a User Story id from a mail subject line.
//
// The canonical grammar is a bracketed token of the form [US#<digits>] with
// 1 to 10 digits, matched case-insensitively anywhere in the subject. Looser
// historical variants (US:123, US-123, UserStory#123) are intentionally not
// recognized.
package correlate

import (
	"fmt"
	"regexp"
	"strconv"
)

var storyToken = regexp.MustCompile(`(?i)\[us#(\d{1,10})\]`)

// ExtractStoryID returns the id of the first canonical story token in the
// subject. It is pure and total: malformed or absent tokens yield (0, false),
// never an error — absence is the valid "create a new story" signal.
func ExtractStoryID(subject string) (int, bool) {
	if subject == "" {
		return 0, false
	}
	match := storyToken.FindStringSubmatch(subject)
	if match == nil {
		return 0, false
	}
	id, err := strconv.Atoi(match[1])
	if err != nil {
		// 10 digits always fit in an int; unreachable on 64-bit builds.
		return 0, false
	}
	return id, true
}

// Tag renders the canonical token for a story id, used as the reply-subject
// suffix after a story is created.
func Tag(storyID int) string {
	return fmt.Sprintf("[US#%d]", storyID)
}
