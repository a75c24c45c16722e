package model

import (
	"time"
)

// State is the lifecycle state of a conversation.
type State string

const (
	StateActive            State = "active"
	StateAwaitingHandoff   State = "awaiting_handoff"
	StateHandoffDispatched State = "handoff_dispatched"
	StateAgentEngaged      State = "agent_engaged"
	StateInactive          State = "inactive"
	StateClosed            State = "closed"
)

// transitions lists the allowed edges of the lifecycle. Closing is handled
// separately since every state may be closed.
var transitions = map[State][]State{
	StateActive:            {StateAwaitingHandoff, StateInactive},
	StateAwaitingHandoff:   {StateHandoffDispatched, StateInactive},
	StateHandoffDispatched: {StateAgentEngaged, StateInactive},
	StateAgentEngaged:      {StateAgentEngaged, StateInactive},
}

// CanTransition reports whether the lifecycle allows moving from one state to another.
func CanTransition(from, to State) bool {
	if to == StateClosed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Open reports whether an agent reply may be attributed to a conversation in this state.
func (s State) Open() bool {
	return s == StateHandoffDispatched || s == StateAgentEngaged
}

// Terminal reports whether the inactivity sweep should skip the state.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateInactive
}

// Conversation represents a visitor dialogue owned by a widget.
type Conversation struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	WidgetID string `json:"widget_id"`

	VisitorName    string `json:"visitor_name,omitempty"`
	VisitorContact string `json:"visitor_contact,omitempty"`

	State State `json:"state"`

	HandoverRequested   bool       `json:"handover_requested"`
	HandoverRequestedAt *time.Time `json:"handover_requested_at,omitempty"`

	// AssignedChannel is set once escalation has been dispatched.
	AssignedChannel *Channel   `json:"assigned_channel,omitempty"`
	HandoverAddress string     `json:"handover_address,omitempty"`
	DispatchedAt    *time.Time `json:"dispatched_at,omitempty"`

	LastActivityAt          time.Time  `json:"last_activity_at"`
	ReminderSentAt          *time.Time `json:"reminder_sent_at,omitempty"`
	UnreadAgentMessageCount int        `json:"unread_agent_message_count"`
	MessageCount            int        `json:"message_count"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Assigned returns the assigned channel or the empty channel.
func (c *Conversation) Assigned() Channel {
	if c.AssignedChannel == nil {
		return ""
	}
	return *c.AssignedChannel
}

// CreateConversationRequest is the request to start tracking a conversation.
type CreateConversationRequest struct {
	ID             string `json:"id,omitempty"`
	WidgetID       string `json:"widget_id"`
	VisitorName    string `json:"visitor_name,omitempty"`
	VisitorContact string `json:"visitor_contact,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}

// EscalationResponse reports the outcome of an escalation request.
type EscalationResponse struct {
	Conversation *Conversation `json:"conversation"`
	Dispatched   bool          `json:"dispatched"`
	Duplicate    bool          `json:"duplicate,omitempty"`
	Channel      Channel       `json:"channel,omitempty"`
}
