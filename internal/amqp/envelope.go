// Package amqp publishes handover notifications to the RabbitMQ notification bus.
package amqp

import (
	"time"

	"github.com/capitalize-ai/handover-engine/internal/model"
)

// Meta describes a published event.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope wraps an event payload with its metadata.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// Notification is the payload consumed by the email and SMS delivery processors.
type Notification struct {
	Channel        model.Channel `json:"channel"`
	ClientID       string        `json:"client_id"`
	ConversationID string        `json:"conversation_id"`
	To             string        `json:"to"`
	Body           string        `json:"body"`
	VisitorName    string        `json:"visitor_name,omitempty"`
	VisitorContact string        `json:"visitor_contact,omitempty"`
}

// Routing keys per delivery processor.
const (
	RoutingKeyEmail = "cp.email"
	RoutingKeySMS   = "cp.sms"

	EventTypeHandoverNotification = "notification.handover.v1"
)
