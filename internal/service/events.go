package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

// EventPublisher fans out conversation events, messages and client alerts.
// The NATS stream manager implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
	PublishMessage(ctx context.Context, msg *model.Message) (uint64, error)
	PublishAlert(ctx context.Context, alert *model.ClientAlert) (uint64, error)
}

// notifier publishes best-effort: a failed publish is logged and never fails
// the operation that produced it.
type notifier struct {
	pub    EventPublisher
	logger *logger.Logger
}

func (n notifier) event(ctx context.Context, ev *model.ConversationEvent) {
	if n.pub == nil || ev == nil {
		return
	}
	if _, err := n.pub.PublishEvent(ctx, ev); err != nil {
		n.logger.Warn("failed to publish conversation event",
			zap.String("conversation_id", ev.ConversationID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

func (n notifier) message(ctx context.Context, msg *model.Message) {
	if n.pub == nil || msg == nil {
		return
	}
	if _, err := n.pub.PublishMessage(ctx, msg); err != nil {
		n.logger.Warn("failed to publish message",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err),
		)
	}
}

// alert reports a failure to the owning client's dashboard.
func (n notifier) alert(ctx context.Context, clientID, conversationID string, typ model.AlertType, ch model.Channel, reason string) {
	n.logger.Warn("client alert",
		zap.String("client_id", clientID),
		zap.String("conversation_id", conversationID),
		zap.String("type", string(typ)),
		zap.String("channel", string(ch)),
		zap.String("reason", reason),
	)
	if n.pub == nil {
		return
	}
	a := &model.ClientAlert{
		ID:             uuid.NewString(),
		ClientID:       clientID,
		ConversationID: conversationID,
		Type:           typ,
		Channel:        ch,
		Reason:         reason,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := n.pub.PublishAlert(ctx, a); err != nil {
		n.logger.Warn("failed to publish client alert", zap.String("client_id", clientID), zap.Error(err))
	}
}

func newEvent(conv *model.Conversation, typ model.EventType, reason string, at time.Time) *model.ConversationEvent {
	return &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		ClientID:       conv.ClientID,
		Type:           typ,
		Reason:         reason,
		CreatedAt:      at,
	}
}

// Alerter reports failures to the owning client's dashboard.
type Alerter struct {
	n notifier
}

// NewAlerter creates an alerter. events may be nil, in which case alerts are
// only logged.
func NewAlerter(events EventPublisher, log *logger.Logger) *Alerter {
	return &Alerter{n: notifier{pub: events, logger: log.Component("alerts")}}
}

// Alert publishes a client alert.
func (a *Alerter) Alert(ctx context.Context, clientID, conversationID string, typ model.AlertType, ch model.Channel, reason string) {
	a.n.alert(ctx, clientID, conversationID, typ, ch, reason)
}

// QuotaWarning matches quota.SoftLimitHook. It is called with the quota
// counter locked, so the alert is published asynchronously.
func (a *Alerter) QuotaWarning(clientID string, ch model.Channel, unit model.UnitKind, used int64) {
	reason := fmt.Sprintf("soft limit exceeded for %s units (%d used), accruing cost", unit, used)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.n.alert(ctx, clientID, "", model.AlertQuotaWarning, ch, reason)
	}()
}
