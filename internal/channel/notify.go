package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/handover-engine/internal/amqp"
	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

// Publisher hands notification envelopes to the delivery bus.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, env amqp.Envelope) error
}

// BusConfig configures a bus-backed adapter.
type BusConfig struct {
	// GatewaySecret signs inbound gateway callbacks. Empty means unsigned.
	GatewaySecret string
	TestMode      bool
}

// gatewayCallback is the inbound payload posted by the email and SMS gateways.
type gatewayCallback struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
}

// BusAdapter delivers email and phone handovers by publishing to the
// notification bus; a delivery processor owns the provider call.
type BusAdapter struct {
	channel    model.Channel
	routingKey string
	caps       Capabilities
	publisher  Publisher
	cfg        BusConfig
	logger     *logger.Logger
}

// NewEmailAdapter creates the email adapter.
func NewEmailAdapter(pub Publisher, cfg BusConfig, log *logger.Logger) *BusAdapter {
	return &BusAdapter{
		channel:    model.ChannelEmail,
		routingKey: amqp.RoutingKeyEmail,
		caps:       Capabilities{SupportsMultiplex: false, SupportsDeliveryReceipt: false, SupportsReply: true},
		publisher:  pub,
		cfg:        cfg,
		logger:     log.Component("channel.email"),
	}
}

// NewPhoneAdapter creates the phone/SMS adapter. The SMS sender number is
// shared across conversations, so messages are tagged.
func NewPhoneAdapter(pub Publisher, cfg BusConfig, log *logger.Logger) *BusAdapter {
	return &BusAdapter{
		channel:    model.ChannelPhone,
		routingKey: amqp.RoutingKeySMS,
		caps:       Capabilities{SupportsMultiplex: true, SupportsDeliveryReceipt: false, SupportsReply: true},
		publisher:  pub,
		cfg:        cfg,
		logger:     log.Component("channel.phone"),
	}
}

// Channel returns the adapter's channel.
func (a *BusAdapter) Channel() model.Channel { return a.channel }

// SignatureHeader returns X-Signature.
func (a *BusAdapter) SignatureHeader() string { return SignatureHeaderName }

// Capabilities returns the adapter's capability set.
func (a *BusAdapter) Capabilities() Capabilities { return a.caps }

// Send publishes the notification. A failed publish is a NetworkError.
func (a *BusAdapter) Send(ctx context.Context, out *Outbound) (DeliveryResult, error) {
	if NormalizeAddress(a.channel, out.Target) == "" {
		return failed(NewDeliveryError(a.channel, InvalidTarget, errors.New("empty target address")))
	}

	id := uuid.NewString()
	env := amqp.Envelope{
		Meta: amqp.Meta{
			ID:            id,
			CorrelationID: out.ConversationID,
			Producer:      "handover-engine",
			Time:          time.Now().UTC(),
			Type:          amqp.EventTypeHandoverNotification,
		},
		Data: amqp.Notification{
			Channel:        a.channel,
			ClientID:       out.ClientID,
			ConversationID: out.ConversationID,
			To:             out.Target,
			Body:           out.Text,
			VisitorName:    out.VisitorName,
			VisitorContact: out.VisitorContact,
		},
	}

	if err := a.publisher.Publish(ctx, a.routingKey, env); err != nil {
		return failed(FromTransport(a.channel, err))
	}
	return DeliveryResult{Status: StatusAccepted, ProviderMessageID: id}, nil
}

// Receive parses a gateway callback.
func (a *BusAdapter) Receive(raw []byte) (*model.InboundMessage, error) {
	var cb gatewayCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("failed to parse %s callback: %w", a.channel, err)
	}
	if cb.Text == "" {
		return nil, ErrNoMessage
	}
	return &model.InboundMessage{
		FromAddress:       NormalizeAddress(a.channel, cb.From),
		Text:              cb.Text,
		ProviderMessageID: cb.MessageID,
		ReceivedAt:        time.Now().UTC(),
	}, nil
}

// Verify checks the gateway signature.
func (a *BusAdapter) Verify(clientID string, raw []byte, signature string) bool {
	if a.cfg.GatewaySecret == "" {
		return verifyUnsigned(a.logger, a.channel, clientID, a.cfg.TestMode)
	}
	return VerifySignature(a.cfg.GatewaySecret, raw, signature)
}
