package service

import (
	"errors"
	"fmt"

	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/internal/quota"
)

var (
	// ErrNotFound is returned for unknown conversations or conversations
	// owned by another client.
	ErrNotFound = errors.New("conversation not found")
	// ErrAlreadyExists is returned when creating a conversation with a taken id.
	ErrAlreadyExists = errors.New("conversation already exists")
	// ErrInvalidTransition is returned when the lifecycle forbids a transition.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrConversationEnded is returned when writing to a closed or inactive conversation.
	ErrConversationEnded = errors.New("conversation has ended")
	// ErrAnomaly marks an agent message for a conversation that was never dispatched.
	ErrAnomaly = errors.New("agent message for undispatched conversation")
	// ErrInvalidMessage is returned for messages that cannot be appended.
	ErrInvalidMessage = errors.New("invalid message")
)

// ConfigurationError reports a handover configuration that cannot be used.
// It is fatal to the escalation attempt and is never retried.
type ConfigurationError struct {
	ClientID string
	WidgetID string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("handover configuration error for client %s widget %s: %v", e.ClientID, e.WidgetID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// QuotaExceededError reports a hard cap blocking an outbound send.
type QuotaExceededError struct {
	ClientID string
	Channel  model.Channel
	Unit     model.UnitKind
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for client %s on %s (%s)", e.ClientID, e.Channel, e.Unit)
}

func (e *QuotaExceededError) Unwrap() error { return quota.ErrHardLimit }

// CorrelationResult classifies why an inbound message could not be matched.
type CorrelationResult string

const (
	CorrelationMissingTag CorrelationResult = "missing_tag"
	CorrelationUnknownRef CorrelationResult = "unknown_conversation"
	CorrelationEnded      CorrelationResult = "conversation_ended"
	CorrelationNoMatch    CorrelationResult = "no_open_conversation"
	CorrelationAnomaly    CorrelationResult = "anomaly"
)

// CorrelationError reports an inbound message that matched no conversation.
type CorrelationError struct {
	ClientID       string
	Channel        model.Channel
	Result         CorrelationResult
	ConversationID string
}

func (e *CorrelationError) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("correlation failed on %s for client %s: %s (%s)", e.Channel, e.ClientID, e.Result, e.ConversationID)
	}
	return fmt.Sprintf("correlation failed on %s for client %s: %s", e.Channel, e.ClientID, e.Result)
}

func (e *CorrelationError) Unwrap() error {
	if e.Result == CorrelationAnomaly {
		return ErrAnomaly
	}
	return nil
}
