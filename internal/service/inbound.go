package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/handover-engine/internal/channel"
	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/internal/quota"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
	"github.com/capitalize-ai/handover-engine/pkg/metrics"
	"github.com/capitalize-ai/handover-engine/pkg/tracing"
)

// ErrDuplicateInbound is returned for a provider message already processed.
var ErrDuplicateInbound = errors.New("duplicate inbound message")

// DefaultUnresolvedCapacity bounds the disambiguation queue per client.
const DefaultUnresolvedCapacity = 500

const disambiguationText = "We could not match your reply to a conversation. " +
	"Please resend it starting with the conversation tag, for example #<conversation-id> your message."

// InboundService processes agent replies arriving on external channels.
type InboundService struct {
	conversations *ConversationService
	resolver      *Resolver
	adapters      *channel.Registry
	quota         *quota.Tracker
	dedupe        *DedupeCache
	cfg           RouterConfig
	logger        *logger.Logger
	tracer        trace.Tracer

	mu         sync.Mutex
	unresolved map[string][]model.UnresolvedInbound
	capacity   int
}

// NewInboundService creates an inbound processor.
func NewInboundService(
	conversations *ConversationService,
	resolver *Resolver,
	adapters *channel.Registry,
	tracker *quota.Tracker,
	dedupe *DedupeCache,
	cfg RouterConfig,
	log *logger.Logger,
) *InboundService {
	if dedupe == nil {
		dedupe = NewDedupeCache(10*time.Minute, 0)
	}
	return &InboundService{
		conversations: conversations,
		resolver:      resolver,
		adapters:      adapters,
		quota:         tracker,
		dedupe:        dedupe,
		cfg:           cfg,
		logger:        log.Component("inbound"),
		tracer:        tracing.Tracer("handover-engine/inbound"),
		unresolved:    make(map[string][]model.UnresolvedInbound),
		capacity:      DefaultUnresolvedCapacity,
	}
}

// Handle correlates an inbound message and appends it as an agent message.
// A message that cannot be correlated is never dropped: it is queued for
// manual disambiguation and, where the channel can reply, the sender is
// asked to retag it.
func (s *InboundService) Handle(ctx context.Context, clientID string, ch model.Channel, in *model.InboundMessage) (*model.Message, error) {
	ctx, span := s.tracer.Start(ctx, "handover.inbound", trace.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("channel", string(ch)),
	))
	defer span.End()

	var dedupeKey string
	if in.ProviderMessageID != "" {
		dedupeKey = clientID + "|" + string(ch) + "|" + in.ProviderMessageID
		if s.dedupe.IsDuplicate(dedupeKey) {
			metrics.CorrelationResults.WithLabelValues(string(ch), "duplicate").Inc()
			s.logger.Debug("skipping duplicate inbound message",
				zap.String("client_id", clientID),
				zap.String("provider_message_id", in.ProviderMessageID),
			)
			return nil, ErrDuplicateInbound
		}
	}
	// The id stays recorded only once the message is attributed or queued as
	// unresolved. Any other failure lets the provider's redelivery through.
	settled := false
	defer func() {
		if !settled && dedupeKey != "" {
			s.dedupe.Forget(dedupeKey)
		}
	}()

	res, err := s.resolver.Resolve(ctx, clientID, ch, in)
	if err != nil {
		var cerr *CorrelationError
		if errors.As(err, &cerr) {
			s.unmatched(ctx, cerr, in)
			settled = true
		}
		span.RecordError(err)
		return nil, err
	}

	reply := *in
	reply.Text = res.Text
	msg, err := s.conversations.AttributeAgentReply(ctx, clientID, res.ConversationID, ch, &reply)
	if err != nil {
		cerr := &CorrelationError{ClientID: clientID, Channel: ch, ConversationID: res.ConversationID}
		switch {
		case errors.Is(err, ErrAnomaly):
			cerr.Result = CorrelationAnomaly
		case errors.Is(err, ErrConversationEnded):
			cerr.Result = CorrelationEnded
		case errors.Is(err, ErrNotFound):
			cerr.Result = CorrelationUnknownRef
		default:
			span.RecordError(err)
			return nil, err
		}
		s.unmatched(ctx, cerr, in)
		settled = true
		span.RecordError(cerr)
		return nil, cerr
	}
	settled = true

	metrics.CorrelationResults.WithLabelValues(string(ch), "matched").Inc()
	s.logger.Info("agent reply attributed",
		zap.String("client_id", clientID),
		zap.String("conversation_id", res.ConversationID),
		zap.String("channel", string(ch)),
	)
	return msg, nil
}

// unmatched records a correlation failure: log, queue, event and, for
// channels that support replies, a disambiguation prompt to the sender.
func (s *InboundService) unmatched(ctx context.Context, cerr *CorrelationError, in *model.InboundMessage) {
	metrics.CorrelationResults.WithLabelValues(string(cerr.Channel), string(cerr.Result)).Inc()
	s.logger.Warn("inbound message not correlated",
		zap.String("client_id", cerr.ClientID),
		zap.String("channel", string(cerr.Channel)),
		zap.String("result", string(cerr.Result)),
		zap.String("conversation_ref", cerr.ConversationID),
		zap.String("from", in.FromAddress),
	)

	s.enqueue(model.UnresolvedInbound{
		ClientID: cerr.ClientID,
		Channel:  cerr.Channel,
		Message:  *in,
		Reason:   string(cerr.Result),
		QueuedAt: time.Now().UTC(),
	})

	if cerr.ConversationID != "" {
		ev := newEvent(&model.Conversation{ID: cerr.ConversationID, ClientID: cerr.ClientID}, model.EventCorrelationFailed, string(cerr.Result), time.Now().UTC())
		ev.Metadata = map[string]any{"channel": string(cerr.Channel)}
		s.conversations.notify.event(ctx, ev)
	}

	if cerr.Result == CorrelationAnomaly {
		return
	}
	s.prompt(ctx, cerr.ClientID, cerr.Channel, in.FromAddress)
}

// prompt asks the sender to retag their reply. It consumes a message unit of quota.
func (s *InboundService) prompt(ctx context.Context, clientID string, ch model.Channel, to string) {
	adapter, ok := s.adapters.Get(ch)
	if !ok || !adapter.Capabilities().SupportsReply || to == "" {
		return
	}

	decision, err := s.quota.CheckAndReserve(ctx, clientID, ch, model.UnitMessage)
	if err != nil || !decision.Allowed {
		s.logger.Warn("disambiguation prompt skipped, no quota",
			zap.String("client_id", clientID),
			zap.String("channel", string(ch)),
			zap.Error(err),
		)
		return
	}

	out := &channel.Outbound{
		ClientID:  clientID,
		Target:    to,
		Text:      disambiguationText,
		Timestamp: time.Now().UTC(),
	}
	if _, derr := sendWithRetry(ctx, adapter, out, s.cfg, nil, s.logger); derr != nil {
		_ = s.quota.Release(ctx, decision.Reservation)
		s.logger.Warn("disambiguation prompt failed",
			zap.String("client_id", clientID),
			zap.String("channel", string(ch)),
			zap.Error(derr),
		)
		return
	}
	if err := s.quota.Commit(ctx, decision.Reservation); err != nil {
		s.logger.Error("failed to persist quota usage", zap.Error(err))
	}
}

func (s *InboundService) enqueue(u model.UnresolvedInbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := append(s.unresolved[u.ClientID], u)
	if len(q) > s.capacity {
		q = q[len(q)-s.capacity:]
	}
	s.unresolved[u.ClientID] = q
}

// Unresolved returns the messages awaiting manual disambiguation for a client.
func (s *InboundService) Unresolved(clientID string) []model.UnresolvedInbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.UnresolvedInbound(nil), s.unresolved[clientID]...)
}

// Process verifies and parses a raw provider payload, then handles it.
func (s *InboundService) Process(ctx context.Context, clientID string, ch model.Channel, raw []byte, signature string) (*model.Message, error) {
	adapter, ok := s.adapters.Get(ch)
	if !ok {
		return nil, fmt.Errorf("%w: channel %q", ErrUnknownChannel, ch)
	}
	if !adapter.Verify(clientID, raw, signature) {
		return nil, ErrInvalidSignature
	}
	in, err := adapter.Receive(raw)
	if err != nil {
		return nil, err
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now().UTC()
	}
	return s.Handle(ctx, clientID, ch, in)
}

var (
	// ErrUnknownChannel is returned for a channel with no registered adapter.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrInvalidSignature is returned when inbound verification fails.
	ErrInvalidSignature = errors.New("invalid signature")
)
