package model

import (
	"time"
)

// DeliveryOutcome is the state of a handover dispatch.
type DeliveryOutcome string

const (
	OutcomePending DeliveryOutcome = "pending"
	OutcomeSuccess DeliveryOutcome = "success"
	OutcomeFailed  DeliveryOutcome = "failed"
)

// PendingHandoverAttempt records a dispatch in flight.
type PendingHandoverAttempt struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	ClientID       string          `json:"client_id"`
	Channel        Channel         `json:"channel"`
	DispatchedAt   time.Time       `json:"dispatched_at"`
	Outcome        DeliveryOutcome `json:"outcome"`
	Tries          int             `json:"tries"`
	LastError      string          `json:"last_error,omitempty"`
}
