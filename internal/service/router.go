package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/handover-engine/internal/channel"
	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/internal/quota"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
	"github.com/capitalize-ai/handover-engine/pkg/metrics"
	"github.com/capitalize-ai/handover-engine/pkg/tracing"
)

// RouterConfig tunes dispatch behavior.
type RouterConfig struct {
	// SendTimeout bounds a single provider call. Exceeding it is a NetworkError.
	SendTimeout time.Duration
	// MaxAttempts caps sends per channel, retries included.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Fallback    model.FallbackPolicy
}

// DefaultRouterConfig returns the production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		SendTimeout: 10 * time.Second,
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		Fallback:    model.FallbackNone,
	}
}

// Router escalates conversations to a human agent over the client's
// configured default channel.
type Router struct {
	conversations *ConversationService
	configs       ConfigSource
	quota         *quota.Tracker
	adapters      *channel.Registry
	alerts        *Alerter
	attempts      *attemptRegistry
	cfg           RouterConfig
	logger        *logger.Logger
	tracer        trace.Tracer
}

// NewRouter creates a handover router.
func NewRouter(
	conversations *ConversationService,
	configs ConfigSource,
	tracker *quota.Tracker,
	adapters *channel.Registry,
	alerts *Alerter,
	cfg RouterConfig,
	log *logger.Logger,
) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultRouterConfig().SendTimeout
	}
	if cfg.Fallback == "" {
		cfg.Fallback = model.FallbackNone
	}
	if alerts == nil {
		alerts = NewAlerter(nil, log)
	}
	return &Router{
		conversations: conversations,
		configs:       configs,
		quota:         tracker,
		adapters:      adapters,
		alerts:        alerts,
		attempts:      newAttemptRegistry(),
		cfg:           cfg,
		logger:        log.Component("router"),
		tracer:        tracing.Tracer("handover-engine/router"),
	}
}

// Escalate requests a human for a conversation and dispatches the handover
// notification. Escalating a conversation that is already dispatched, or
// whose dispatch is in flight, is a no-op. On failure the conversation stays
// awaiting_handoff.
func (r *Router) Escalate(ctx context.Context, clientID, conversationID string) (*model.EscalationResponse, error) {
	ctx, span := r.tracer.Start(ctx, "handover.escalate", trace.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("conversation_id", conversationID),
	))
	defer span.End()

	conv, err := r.conversations.RequestHandover(ctx, clientID, conversationID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if conv.State.Open() {
		return &model.EscalationResponse{Conversation: conv, Dispatched: true, Duplicate: true, Channel: conv.Assigned()}, nil
	}

	attempt, ok := r.attempts.begin(clientID, conversationID)
	if !ok {
		r.logger.Info("escalation already in flight",
			zap.String("conversation_id", conversationID),
			zap.String("client_id", clientID),
		)
		return &model.EscalationResponse{Conversation: conv, Duplicate: true}, nil
	}
	defer r.attempts.finish(clientID, conversationID)

	// A dispatch may have completed between RequestHandover and begin.
	conv, err = r.conversations.Get(ctx, clientID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.State != model.StateAwaitingHandoff {
		return &model.EscalationResponse{Conversation: conv, Dispatched: conv.State.Open(), Duplicate: true, Channel: conv.Assigned()}, nil
	}

	cfg, err := r.configs.Resolve(clientID, conv.WidgetID)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		cerr := &ConfigurationError{ClientID: clientID, WidgetID: conv.WidgetID, Err: err}
		r.fail(ctx, conv, "", model.AlertConfiguration, cerr)
		span.SetStatus(codes.Error, "configuration error")
		return nil, cerr
	}

	var lastErr error
	for _, ch := range r.candidates(cfg) {
		span.AddEvent("dispatch", trace.WithAttributes(attribute.String("channel", string(ch))))
		attempt.Channel = ch

		target := cfg.Target(ch, clientID)
		err := r.dispatch(ctx, conv, cfg, ch, target, attempt)
		if err == nil {
			dispatched, err := r.conversations.MarkDispatched(ctx, clientID, conversationID, ch, target)
			if err != nil {
				// The conversation was closed or expired while the send was in flight.
				r.logger.Warn("handover sent but conversation moved on",
					zap.String("conversation_id", conversationID),
					zap.String("channel", string(ch)),
					zap.Error(err),
				)
				return nil, err
			}
			span.SetAttributes(attribute.String("channel", string(ch)))
			return &model.EscalationResponse{Conversation: dispatched, Dispatched: true, Channel: ch}, nil
		}
		lastErr = err
		if r.cfg.Fallback != model.FallbackNextEnabled {
			break
		}
		r.logger.Warn("falling back to next enabled channel",
			zap.String("conversation_id", conversationID),
			zap.String("failed_channel", string(ch)),
			zap.Error(err),
		)
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "dispatch failed")
	conv, _ = r.conversations.Get(ctx, clientID, conversationID)
	ev := newEvent(conv, model.EventHandoverFailed, lastErr.Error(), time.Now().UTC())
	r.conversations.notify.event(ctx, ev)
	return nil, lastErr
}

// candidates lists the channels to try: the default, then under the
// next_enabled policy every other enabled channel in fixed order.
func (r *Router) candidates(cfg model.HandoverConfig) []model.Channel {
	out := []model.Channel{cfg.DefaultChannel}
	if r.cfg.Fallback != model.FallbackNextEnabled {
		return out
	}
	for _, ch := range model.Channels {
		if ch != cfg.DefaultChannel && cfg.Enabled(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// dispatch reserves quota, sends through the channel's adapter with bounded
// retries, then commits or releases the reservation.
func (r *Router) dispatch(ctx context.Context, conv *model.Conversation, cfg model.HandoverConfig, ch model.Channel, target string, attempt *model.PendingHandoverAttempt) error {
	adapter, ok := r.adapters.Get(ch)
	if !ok {
		err := &ConfigurationError{ClientID: conv.ClientID, WidgetID: conv.WidgetID, Err: fmt.Errorf("no adapter registered for channel %q", ch)}
		r.fail(ctx, conv, ch, model.AlertConfiguration, err)
		return err
	}

	decision, err := r.quota.CheckAndReserve(ctx, conv.ClientID, ch, model.UnitConversation)
	if err != nil {
		return fmt.Errorf("quota check failed: %w", err)
	}
	if !decision.Allowed {
		qerr := &QuotaExceededError{ClientID: conv.ClientID, Channel: ch, Unit: model.UnitConversation}
		r.fail(ctx, conv, ch, model.AlertQuotaExceeded, qerr)
		return qerr
	}

	text := handoverText(conv)
	if cfg.MultiChatEnabled && adapter.Capabilities().SupportsMultiplex {
		text = channel.Tag(conv.ID, text)
	}
	out := &channel.Outbound{
		ClientID:       conv.ClientID,
		ConversationID: conv.ID,
		Target:         target,
		Text:           text,
		VisitorName:    conv.VisitorName,
		VisitorContact: conv.VisitorContact,
		Timestamp:      time.Now().UTC(),
	}
	if ch == model.ChannelWebhook {
		out.Secret = cfg.WebhookSecret
	}

	start := time.Now()
	res, derr := r.send(ctx, adapter, out, attempt)
	if derr != nil {
		if err := r.quota.Release(ctx, decision.Reservation); err != nil {
			r.logger.Error("failed to release quota reservation", zap.Error(err))
		}
		attempt.Outcome = model.OutcomeFailed
		attempt.LastError = derr.Error()
		metrics.RecordDispatch(string(ch), "failed", time.Since(start).Seconds())
		r.fail(ctx, conv, ch, model.AlertDelivery, derr)
		return derr
	}

	if err := r.quota.Commit(ctx, decision.Reservation); err != nil {
		// The provider already accepted the message; usage is still counted in memory.
		r.logger.Error("failed to persist quota usage", zap.Error(err))
	}
	attempt.Outcome = model.OutcomeSuccess
	metrics.RecordDispatch(string(ch), "success", time.Since(start).Seconds())
	r.logger.Info("handover dispatched",
		zap.String("conversation_id", conv.ID),
		zap.String("client_id", conv.ClientID),
		zap.String("channel", string(ch)),
		zap.String("provider_message_id", res.ProviderMessageID),
		zap.Int("tries", attempt.Tries),
	)
	return nil
}

// send calls the adapter, retrying transient failures with exponential
// backoff up to MaxAttempts.
func (r *Router) send(ctx context.Context, adapter channel.Adapter, out *channel.Outbound, attempt *model.PendingHandoverAttempt) (channel.DeliveryResult, *channel.DeliveryError) {
	return sendWithRetry(ctx, adapter, out, r.cfg, attempt, r.logger)
}

func sendWithRetry(ctx context.Context, adapter channel.Adapter, out *channel.Outbound, cfg RouterConfig, attempt *model.PendingHandoverAttempt, log *logger.Logger) (channel.DeliveryResult, *channel.DeliveryError) {
	ch := adapter.Channel()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BaseBackoff
	exp.MaxInterval = cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxAttempts-1)), ctx)

	var result channel.DeliveryResult
	op := func() error {
		if attempt != nil {
			attempt.Tries++
		}
		sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()

		res, err := adapter.Send(sendCtx, out)
		if err == nil && !res.Accepted() {
			err = channel.NewDeliveryError(ch, channel.InvalidTarget, errors.New(res.Reason))
		}
		if err == nil && sendCtx.Err() != nil {
			err = channel.FromTransport(ch, sendCtx.Err())
		}
		if err != nil {
			de := channel.AsDeliveryError(ch, err)
			metrics.DeliveryFailures.WithLabelValues(string(ch), string(de.Kind)).Inc()
			if !de.Retryable() {
				return backoff.Permanent(de)
			}
			return de
		}
		result = res
		return nil
	}

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		log.Warn("channel send failed, retrying",
			zap.String("channel", string(ch)),
			zap.String("conversation_id", out.ConversationID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return channel.DeliveryResult{}, channel.AsDeliveryError(ch, err)
	}
	return result, nil
}

// fail reports a failed escalation step to the client's dashboard. The
// visitor never sees routing errors.
func (r *Router) fail(ctx context.Context, conv *model.Conversation, ch model.Channel, typ model.AlertType, err error) {
	r.logger.Warn("escalation failed",
		zap.String("conversation_id", conv.ID),
		zap.String("client_id", conv.ClientID),
		zap.String("channel", string(ch)),
		zap.String("alert", string(typ)),
		zap.Error(err),
	)
	r.alerts.Alert(ctx, conv.ClientID, conv.ID, typ, ch, err.Error())
}

func handoverText(conv *model.Conversation) string {
	who := conv.VisitorName
	if who == "" {
		who = "A visitor"
	}
	if conv.VisitorContact != "" {
		who += " (" + conv.VisitorContact + ")"
	}
	return fmt.Sprintf("%s is asking for a human agent. Conversation %s.", who, conv.ID)
}

// attemptRegistry tracks dispatches in flight, one per conversation.
// Attempts are dropped once they reach a terminal outcome.
type attemptRegistry struct {
	mu       sync.Mutex
	inFlight map[conversationKey]*model.PendingHandoverAttempt
}

func newAttemptRegistry() *attemptRegistry {
	return &attemptRegistry{inFlight: make(map[conversationKey]*model.PendingHandoverAttempt)}
}

func (a *attemptRegistry) begin(clientID, conversationID string) (*model.PendingHandoverAttempt, bool) {
	key := conversationKey{clientID: clientID, id: conversationID}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.inFlight[key]; ok {
		return nil, false
	}
	at := &model.PendingHandoverAttempt{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ClientID:       clientID,
		DispatchedAt:   time.Now().UTC(),
		Outcome:        model.OutcomePending,
	}
	a.inFlight[key] = at
	return at, true
}

func (a *attemptRegistry) finish(clientID, conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, conversationKey{clientID: clientID, id: conversationID})
}
