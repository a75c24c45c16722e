package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength bounds message text, in bytes.
const MaxMessageLength = 16 * 1024

// ValidateMessageText validates message text.
func ValidateMessageText(text string) error {
	if len(text) == 0 {
		return errors.New("text cannot be empty")
	}
	if len(text) > MaxMessageLength {
		return errors.New("text exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID. IDs are referenced in
// "#<id>" tags, so only letters, digits, '-' and '_' are allowed.
func ValidateConversationID(id string) error {
	if len(id) == 0 {
		return errors.New("conversation ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("conversation ID exceeds maximum length")
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return errors.New("invalid conversation ID format")
		}
	}
	return nil
}

// ValidateWidgetID validates a widget ID.
func ValidateWidgetID(id string) error {
	if len(id) == 0 {
		return errors.New("widget ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("widget ID exceeds maximum length")
	}
	return nil
}

// ValidateClientID validates a client ID.
func ValidateClientID(id string) error {
	if len(id) == 0 {
		return errors.New("client ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("client ID exceeds maximum length")
	}
	// Client IDs are NATS subject tokens.
	if strings.ContainsAny(id, ".*> \t") {
		return errors.New("invalid client ID format")
	}
	return nil
}
