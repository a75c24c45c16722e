package model

import (
	"time"
)

// MessageType is the author kind of a message.
type MessageType string

const (
	MessageVisitor MessageType = "visitor"
	MessageBot     MessageType = "bot"
	MessageAgent   MessageType = "agent"
	MessageSystem  MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageVisitor, MessageBot, MessageAgent, MessageSystem:
		return true
	}
	return false
}

// Message is an append-only conversation entry.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	ClientID       string      `json:"client_id"`
	Type           MessageType `json:"type"`
	Text           string      `json:"text"`
	CreatedAt      time.Time   `json:"created_at"`

	// ChannelOrigin records which channel produced an agent message.
	ChannelOrigin *Channel `json:"channel_origin,omitempty"`
	// ProviderMessageID is the upstream id for inbound agent messages.
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// AppendMessageRequest is the request to append a visitor or bot message.
type AppendMessageRequest struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// ReplyRequest is the body of the portal reply API.
type ReplyRequest struct {
	Text string `json:"text"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}

// InboundMessage is a provider payload normalized by a channel adapter.
type InboundMessage struct {
	FromAddress       string `json:"from_address"`
	Text              string `json:"text"`
	ProviderMessageID string `json:"provider_message_id"`
	// ConversationRef is set when the provider carries the conversation id natively.
	ConversationRef string    `json:"conversation_ref,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// UnresolvedInbound is an inbound message awaiting manual disambiguation.
type UnresolvedInbound struct {
	ClientID string         `json:"client_id"`
	Channel  Channel        `json:"channel"`
	Message  InboundMessage `json:"message"`
	Reason   string         `json:"reason"`
	QueuedAt time.Time      `json:"queued_at"`
}
