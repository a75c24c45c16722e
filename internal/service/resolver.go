package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/capitalize-ai/handover-engine/internal/channel"
	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

// Resolver maps an inbound message to exactly one conversation.
type Resolver struct {
	conversations *ConversationService
	configs       ConfigSource
	adapters      *channel.Registry
	logger        *logger.Logger
}

// NewResolver creates a correlation resolver.
func NewResolver(conversations *ConversationService, configs ConfigSource, adapters *channel.Registry, log *logger.Logger) *Resolver {
	return &Resolver{
		conversations: conversations,
		configs:       configs,
		adapters:      adapters,
		logger:        log.Component("resolver"),
	}
}

// Resolution is a matched inbound message.
type Resolution struct {
	ConversationID string
	// Text is the message body with any conversation tag removed.
	Text string
}

// Resolve finds the conversation an inbound message belongs to. Matching is
// scoped to conversations assigned to ch. Multi-chat is a widget setting, so
// it is read from the configuration of each candidate conversation's widget.
// Failures return *CorrelationError.
func (r *Resolver) Resolve(ctx context.Context, clientID string, ch model.Channel, in *model.InboundMessage) (*Resolution, error) {
	if in.ConversationRef != "" {
		return r.byReference(ctx, clientID, ch, in.ConversationRef, in.Text)
	}

	candidates := r.conversations.FindOpen(clientID, ch, in.FromAddress)
	var eligible []model.Conversation
	tagRequired := false
	for _, conv := range candidates {
		if r.multiplexed(ch, &conv) {
			tagRequired = true
			continue
		}
		eligible = append(eligible, conv)
	}

	if r.supportsMultiplex(ch) {
		if id, rest, ok := channel.ParseTag(in.Text); ok {
			res, err := r.byReference(ctx, clientID, ch, id, rest)
			var cerr *CorrelationError
			// "#word" in an untagged reply is just text when the sender
			// has a conversation that does not use tags.
			if err == nil || !errors.As(err, &cerr) || cerr.Result != CorrelationUnknownRef || len(eligible) == 0 {
				return res, err
			}
		}
	}

	if len(eligible) == 0 {
		result := CorrelationNoMatch
		if tagRequired {
			result = CorrelationMissingTag
		}
		return nil, &CorrelationError{ClientID: clientID, Channel: ch, Result: result}
	}
	if len(eligible) > 1 {
		ids := make([]string, len(eligible))
		for i := range eligible {
			ids[i] = eligible[i].ID
		}
		r.logger.Warn("several open conversations share the sender address, picking most recently dispatched",
			zap.String("client_id", clientID),
			zap.String("channel", string(ch)),
			zap.String("chosen", eligible[0].ID),
			zap.Strings("candidates", ids),
		)
	}
	return &Resolution{ConversationID: eligible[0].ID, Text: in.Text}, nil
}

func (r *Resolver) supportsMultiplex(ch model.Channel) bool {
	a, ok := r.adapters.Get(ch)
	return ok && a.Capabilities().SupportsMultiplex
}

// multiplexed reports whether replies for conv on ch must carry its tag.
func (r *Resolver) multiplexed(ch model.Channel, conv *model.Conversation) bool {
	if !r.supportsMultiplex(ch) {
		return false
	}
	cfg, err := r.configs.Resolve(conv.ClientID, conv.WidgetID)
	return err == nil && cfg.MultiChatEnabled
}

func (r *Resolver) byReference(ctx context.Context, clientID string, ch model.Channel, id, text string) (*Resolution, error) {
	conv, err := r.conversations.Get(ctx, clientID, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &CorrelationError{ClientID: clientID, Channel: ch, Result: CorrelationUnknownRef, ConversationID: id}
	}
	if err != nil {
		return nil, err
	}
	if conv.State.Terminal() {
		return nil, &CorrelationError{ClientID: clientID, Channel: ch, Result: CorrelationEnded, ConversationID: id}
	}
	if conv.State.Open() && conv.Assigned() != ch {
		return nil, &CorrelationError{ClientID: clientID, Channel: ch, Result: CorrelationUnknownRef, ConversationID: id}
	}
	return &Resolution{ConversationID: id, Text: text}, nil
}
