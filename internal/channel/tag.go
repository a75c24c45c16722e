package channel

import (
	"strings"
	"unicode"
)

// TagPrefix starts a conversation reference in multiplexed messages.
const TagPrefix = "#"

// Tag prefixes text with the conversation reference "#<conversationID>".
func Tag(conversationID, text string) string {
	return TagPrefix + conversationID + " " + text
}

// ParseTag extracts the conversation reference from the start of text and
// returns the remaining text. ok is false when text does not begin with a tag.
func ParseTag(text string) (conversationID, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, TagPrefix) {
		return "", "", false
	}
	body := text[len(TagPrefix):]
	end := strings.IndexFunc(body, unicode.IsSpace)
	if end < 0 {
		end = len(body)
	}
	id := body[:end]
	if id == "" || !validID(id) {
		return "", "", false
	}
	return id, strings.TrimSpace(body[end:]), true
}

func validID(id string) bool {
	for _, r := range id {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			return false
		}
	}
	return true
}
