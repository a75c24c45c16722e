package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

// DefaultPortalQueueSize bounds the pending notifications kept per client.
const DefaultPortalQueueSize = 200

// PortalNotification is an in-app handover notification for a client's agents.
type PortalNotification struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	VisitorName    string    `json:"visitor_name,omitempty"`
	VisitorContact string    `json:"visitor_contact,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type portalReply struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// PortalAdapter queues in-app notifications and pushes them to connected agents.
type PortalAdapter struct {
	mu       sync.Mutex
	queues   map[string][]PortalNotification
	capacity int

	hub      *PortalHub
	testMode bool
	logger   *logger.Logger
}

// NewPortalAdapter creates a portal adapter. hub may be nil.
func NewPortalAdapter(hub *PortalHub, capacity int, testMode bool, log *logger.Logger) *PortalAdapter {
	if capacity <= 0 {
		capacity = DefaultPortalQueueSize
	}
	return &PortalAdapter{
		queues:   make(map[string][]PortalNotification),
		capacity: capacity,
		hub:      hub,
		testMode: testMode,
		logger:   log.Component("channel.portal"),
	}
}

// Channel returns the portal channel.
func (a *PortalAdapter) Channel() model.Channel { return model.ChannelPortal }

// SignatureHeader returns X-Signature.
func (a *PortalAdapter) SignatureHeader() string { return SignatureHeaderName }

// Capabilities reports a delivery receipt: queueing is the delivery.
func (a *PortalAdapter) Capabilities() Capabilities {
	return Capabilities{SupportsMultiplex: false, SupportsDeliveryReceipt: true, SupportsReply: false}
}

// Send queues the notification for the client and pushes it live.
func (a *PortalAdapter) Send(ctx context.Context, out *Outbound) (DeliveryResult, error) {
	clientID := out.Target
	if clientID == "" {
		clientID = out.ClientID
	}
	if clientID == "" {
		return failed(NewDeliveryError(model.ChannelPortal, InvalidTarget, errors.New("portal target requires a client id")))
	}
	if err := ctx.Err(); err != nil {
		return failed(FromTransport(model.ChannelPortal, err))
	}

	n := PortalNotification{
		ID:             uuid.NewString(),
		ClientID:       clientID,
		ConversationID: out.ConversationID,
		Text:           out.Text,
		VisitorName:    out.VisitorName,
		VisitorContact: out.VisitorContact,
		CreatedAt:      time.Now().UTC(),
	}

	a.mu.Lock()
	q := append(a.queues[clientID], n)
	if len(q) > a.capacity {
		q = q[len(q)-a.capacity:]
	}
	a.queues[clientID] = q
	a.mu.Unlock()

	if a.hub != nil {
		a.hub.Broadcast(clientID, n)
	}
	return DeliveryResult{Status: StatusAccepted, ProviderMessageID: n.ID}, nil
}

// Pending returns the queued notifications of a client, oldest first.
func (a *PortalAdapter) Pending(clientID string) []PortalNotification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]PortalNotification(nil), a.queues[clientID]...)
}

// Ack drops the queued notifications of a conversation, typically once an
// agent has replied to it.
func (a *PortalAdapter) Ack(clientID, conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.queues[clientID]
	kept := q[:0]
	for _, n := range q {
		if n.ConversationID != conversationID {
			kept = append(kept, n)
		}
	}
	a.queues[clientID] = kept
}

// Receive parses a portal reply payload.
func (a *PortalAdapter) Receive(raw []byte) (*model.InboundMessage, error) {
	var r portalReply
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to parse portal reply: %w", err)
	}
	if r.Text == "" || r.ConversationID == "" {
		return nil, ErrNoMessage
	}
	return &model.InboundMessage{
		Text:            r.Text,
		ConversationRef: r.ConversationID,
		ReceivedAt:      time.Now().UTC(),
	}, nil
}

// Verify rejects unsigned portal payloads outside test mode; agents reply
// through the authenticated reply API instead.
func (a *PortalAdapter) Verify(clientID string, raw []byte, signature string) bool {
	return verifyUnsigned(a.logger, model.ChannelPortal, clientID, a.testMode)
}
