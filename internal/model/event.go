package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventStateChanged       EventType = "state_changed"
	EventHandoverDispatched EventType = "handover_dispatched"
	EventHandoverFailed     EventType = "handover_failed"
	EventReminderSent       EventType = "reminder_sent"
	EventCorrelationFailed  EventType = "correlation_failed"
	EventAnomaly            EventType = "anomaly"
)

// AlertType classifies failures surfaced to a client's administrative surface.
type AlertType string

const (
	AlertConfiguration AlertType = "configuration_error"
	AlertQuotaExceeded AlertType = "quota_exceeded"
	AlertQuotaWarning  AlertType = "quota_warning"
	AlertDelivery      AlertType = "delivery_failure"
)

// ConversationEvent represents an event in a conversation.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	ClientID       string         `json:"client_id"`
	Type           EventType      `json:"type"`
	From           State          `json:"from,omitempty"`
	To             State          `json:"to,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ClientAlert is a failure reported to the owning client's dashboard, never to the visitor.
type ClientAlert struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Type           AlertType `json:"type"`
	Channel        Channel   `json:"channel,omitempty"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}
