// Package service provides the handover engine: conversation lifecycle,
// handover routing, inbound correlation and inactivity monitoring.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/handover-engine/internal/channel"
	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
	"github.com/capitalize-ai/handover-engine/pkg/metrics"
)

// conversationEntry is the unit of mutual exclusion: every read-modify-write
// of a conversation happens under its own lock.
type conversationEntry struct {
	mu       sync.Mutex
	conv     model.Conversation
	messages []model.Message
	removed  bool
}

// conversationKey scopes conversation ids to their client.
type conversationKey struct {
	clientID string
	id       string
}

// ConversationService owns the conversation lifecycle. All state
// transitions, whatever triggers them, go through it.
type ConversationService struct {
	notify notifier
	logger *logger.Logger
	now    func() time.Time

	mu            sync.RWMutex
	conversations map[conversationKey]*conversationEntry
	index         *openIndex
}

// NewConversationService creates a new conversation service. events may be nil.
func NewConversationService(events EventPublisher, log *logger.Logger) *ConversationService {
	log = log.Component("conversations")
	return &ConversationService{
		notify:        notifier{pub: events, logger: log},
		logger:        log,
		now:           func() time.Time { return time.Now().UTC() },
		conversations: make(map[conversationKey]*conversationEntry),
		index:         newOpenIndex(),
	}
}

// lock returns the entry of a conversation owned by clientID with its lock held.
func (s *ConversationService) lock(clientID, conversationID string) (*conversationEntry, error) {
	s.mu.RLock()
	e, ok := s.conversations[conversationKey{clientID: clientID, id: conversationID}]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	if e.removed || e.conv.ClientID != clientID {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	return e, nil
}

// Create starts tracking a conversation in the active state. Ids are unique
// per client.
func (s *ConversationService) Create(ctx context.Context, clientID string, req *model.CreateConversationRequest) (*model.Conversation, error) {
	now := s.now()
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	e := &conversationEntry{conv: model.Conversation{
		ID:             id,
		ClientID:       clientID,
		WidgetID:       req.WidgetID,
		VisitorName:    req.VisitorName,
		VisitorContact: req.VisitorContact,
		State:          model.StateActive,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}}

	key := conversationKey{clientID: clientID, id: id}
	s.mu.Lock()
	if _, exists := s.conversations[key]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	s.conversations[key] = e
	s.mu.Unlock()

	metrics.ConversationsOpen.Inc()
	s.logger.Info("conversation created",
		zap.String("conversation_id", id),
		zap.String("client_id", clientID),
		zap.String("widget_id", req.WidgetID),
	)

	conv := e.conv
	return &conv, nil
}

// Get returns a snapshot of a conversation.
func (s *ConversationService) Get(ctx context.Context, clientID, conversationID string) (*model.Conversation, error) {
	e, err := s.lock(clientID, conversationID)
	if err != nil {
		return nil, err
	}
	conv := e.conv
	e.mu.Unlock()
	return &conv, nil
}

// List returns a page of a client's conversations, newest first.
func (s *ConversationService) List(ctx context.Context, clientID string, limit, offset int) (*model.ListConversationsResponse, error) {
	convs := s.snapshot(func(c *model.Conversation) bool { return c.ClientID == clientID })
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].ID > convs[j].ID
		}
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})

	total := len(convs)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &model.ListConversationsResponse{
		Conversations: convs[start:end],
		Total:         total,
		HasMore:       end < total,
	}, nil
}

// snapshot copies every conversation matching keep. Each entry lock is held
// only while copying that entry.
func (s *ConversationService) snapshot(keep func(*model.Conversation) bool) []model.Conversation {
	s.mu.RLock()
	entries := make([]*conversationEntry, 0, len(s.conversations))
	for _, e := range s.conversations {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]model.Conversation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed && keep(&e.conv) {
			out = append(out, e.conv)
		}
		e.mu.Unlock()
	}
	return out
}

// NonTerminal returns snapshots of every conversation that is neither closed
// nor inactive.
func (s *ConversationService) NonTerminal() []model.Conversation {
	return s.snapshot(func(c *model.Conversation) bool { return !c.State.Terminal() })
}

// Delete removes a conversation. This is an administrative action; the
// engine itself never deletes conversations.
func (s *ConversationService) Delete(ctx context.Context, clientID, conversationID string) error {
	e, err := s.lock(clientID, conversationID)
	if err != nil {
		return err
	}
	e.removed = true
	s.index.remove(&e.conv)
	if !e.conv.State.Terminal() {
		metrics.ConversationsOpen.Dec()
	}
	e.mu.Unlock()

	s.mu.Lock()
	delete(s.conversations, conversationKey{clientID: clientID, id: conversationID})
	s.mu.Unlock()

	s.logger.Info("conversation deleted",
		zap.String("conversation_id", conversationID),
		zap.String("client_id", clientID),
	)
	return nil
}

// AppendMessage appends a visitor, bot or system message. Agent messages
// arrive through AttributeAgentReply or Reply.
func (s *ConversationService) AppendMessage(ctx context.Context, clientID, conversationID string, req *model.AppendMessageRequest) (*model.Message, error) {
	if !req.Type.Valid() || req.Type == model.MessageAgent {
		return nil, fmt.Errorf("%w: type %q cannot be appended directly", ErrInvalidMessage, req.Type)
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidMessage)
	}

	e, err := s.lock(clientID, conversationID)
	if err != nil {
		return nil, err
	}
	if e.conv.State.Terminal() {
		e.mu.Unlock()
		return nil, ErrConversationEnded
	}

	msg := s.appendLocked(e, req.Type, req.Text, nil, "")
	e.mu.Unlock()

	s.notify.message(ctx, &msg)
	return &msg, nil
}

// appendLocked appends a message and records activity. Must be called with e.mu held.
func (s *ConversationService) appendLocked(e *conversationEntry, typ model.MessageType, text string, origin *model.Channel, providerID string) model.Message {
	now := s.now()
	msg := model.Message{
		ID:                uuid.Must(uuid.NewV7()).String(),
		ConversationID:    e.conv.ID,
		ClientID:          e.conv.ClientID,
		Type:              typ,
		Text:              text,
		CreatedAt:         now,
		ChannelOrigin:     origin,
		ProviderMessageID: providerID,
	}
	e.messages = append(e.messages, msg)
	e.conv.MessageCount++
	if typ != model.MessageSystem {
		e.conv.LastActivityAt = now
		e.conv.ReminderSentAt = nil
	}
	e.conv.UpdatedAt = now
	metrics.MessagesTotal.WithLabelValues(e.conv.ClientID, string(typ)).Inc()
	return msg
}

// Messages returns the messages of a conversation in append order.
func (s *ConversationService) Messages(ctx context.Context, clientID, conversationID string) ([]model.Message, error) {
	e, err := s.lock(clientID, conversationID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return append([]model.Message(nil), e.messages...), nil
}

// MarkRead resets the unread agent message counter.
func (s *ConversationService) MarkRead(ctx context.Context, clientID, conversationID string) (*model.Conversation, error) {
	e, err := s.lock(clientID, conversationID)
	if err != nil {
		return nil, err
	}
	e.conv.UnreadAgentMessageCount = 0
	e.conv.UpdatedAt = s.now()
	conv := e.conv
	e.mu.Unlock()
	return &conv, nil
}

// transitionLocked moves a conversation to a new state and returns the
// event to publish once the lock is released. Must be called with e.mu held.
func (s *ConversationService) transitionLocked(e *conversationEntry, to model.State, reason string) (*model.ConversationEvent, error) {
	from := e.conv.State
	if !model.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := s.now()
	e.conv.State = to
	e.conv.UpdatedAt = now

	if to.Terminal() && !from.Terminal() {
		s.index.remove(&e.conv)
		metrics.ConversationsOpen.Dec()
	}

	s.logger.Info("conversation state changed",
		zap.String("conversation_id", e.conv.ID),
		zap.String("client_id", e.conv.ClientID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)

	ev := newEvent(&e.conv, model.EventStateChanged, reason, now)
	ev.From = from
	ev.To = to
	return ev, nil
}

// RequestHandover moves an active conversation to awaiting_handoff. It is a
// no-op for conversations already awaiting, dispatched or engaged.
func (s *ConversationService) RequestHandover(ctx context.Context, clientID, conversationID string) (*model.Conversation, error) {
	e, err := s.lock(clientID, conversationID)
	if err != nil {
		return nil, err
	}

	var ev *model.ConversationEvent
	switch e.conv.State {
	case model.StateActive:
		ev, err = s.transitionLocked(e, model.StateAwaitingHandoff, "handover requested")
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		now := s.now()
		e.conv.HandoverRequested = true
		e.conv.HandoverRequestedAt = &now
	case model.StateAwaitingHandoff, model.StateHandoffDispatched, model.StateAgentEngaged:
	default:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot escalate a %s conversation", ErrInvalidTransition, e.conv.State)
	}

	conv := e.conv
	e.mu.Unlock()

	s.notify.event(ctx, ev)
	return &conv, nil
}

// MarkDispatched records a successful handover dispatch. It only applies to a
// conversation still awaiting handoff.
func (s *ConversationService) MarkDispatched(ctx context.Context, clientID, conversationID string, ch model.Channel, address string) (*model.Conversation, error) {
	e, err := s.lock(clientID, conversationID)
	if err != nil {
		return nil, err
	}
	if e.conv.State != model.StateAwaitingHandoff {
		state := e.conv.State
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: conversation is %s, not awaiting handoff", ErrInvalidTransition, state)
	}

	ev, err := s.transitionLocked(e, model.StateHandoffDispatched, "handover dispatched via "+string(ch))
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	now := s.now()
	assigned := ch
	e.conv.AssignedChannel = &assigned
	e.conv.HandoverAddress = address
	e.conv.DispatchedAt = &now
	e.conv.LastActivityAt = now
	e.conv.ReminderSentAt = nil
	s.index.add(&e.conv)

	dispatched := newEvent(&e.conv, model.EventHandoverDispatched, "", now)
	dispatched.Metadata = map[string]any{"channel": string(ch)}
	conv := e.conv
	e.mu.Unlock()

	s.notify.event(ctx, ev)
	s.notify.event(ctx, dispatched)
	return &conv, nil
}

// AttributeAgentReply appends an agent message that arrived on ch. The
// conversation must have been dispatched on that channel; an agent message
// for a conversation that was never dispatched is an anomaly and is rejected.
func (s *ConversationService) AttributeAgentReply(ctx context.Context, clientID, conversationID string, ch model.Channel, in *model.InboundMessage) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := s.lock(clientID, conversationID)
	if err != nil {
		return nil, err
	}

	switch {
	case e.conv.State.Terminal():
		e.mu.Unlock()
		return nil, ErrConversationEnded
	case !e.conv.State.Open():
		conv := e.conv
		e.mu.Unlock()
		s.logger.Warn("agent message for undispatched conversation rejected",
			zap.String("conversation_id", conversationID),
			zap.String("client_id", clientID),
			zap.String("channel", string(ch)),
			zap.String("state", string(conv.State)),
		)
		ev := newEvent(&conv, model.EventAnomaly, "agent message before dispatch", s.now())
		ev.Metadata = map[string]any{"channel": string(ch), "provider_message_id": in.ProviderMessageID}
		s.notify.event(ctx, ev)
		return nil, ErrAnomaly
	case e.conv.Assigned() != ch:
		assigned := e.conv.Assigned()
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: conversation assigned to %s, reply arrived on %s", ErrNotFound, assigned, ch)
	}

	var ev *model.ConversationEvent
	if e.conv.State == model.StateHandoffDispatched {
		ev, err = s.transitionLocked(e, model.StateAgentEngaged, "agent replied via "+string(ch))
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}
	origin := ch
	msg := s.appendLocked(e, model.MessageAgent, in.Text, &origin, in.ProviderMessageID)
	e.conv.UnreadAgentMessageCount++
	e.mu.Unlock()

	s.notify.event(ctx, ev)
	s.notify.message(ctx, &msg)
	return &msg, nil
}

// Reply appends a reply written by an authenticated portal agent.
func (s *ConversationService) Reply(ctx context.Context, clientID, conversationID, text string) (*model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidMessage)
	}
	return s.AttributeAgentReply(ctx, clientID, conversationID, model.ChannelPortal, &model.InboundMessage{
		Text:       text,
		ReceivedAt: s.now(),
	})
}

// MarkReminderSent records a reminder for the silence window that started at
// lastActivity. It returns false when the conversation changed since it was
// observed or a reminder was already sent.
func (s *ConversationService) MarkReminderSent(ctx context.Context, clientID, conversationID string, lastActivity time.Time) (bool, error) {
	e, err := s.lock(clientID, conversationID)
	if err != nil {
		return false, err
	}
	if e.conv.State.Terminal() || !e.conv.LastActivityAt.Equal(lastActivity) || e.conv.ReminderSentAt != nil {
		e.mu.Unlock()
		return false, nil
	}
	now := s.now()
	e.conv.ReminderSentAt = &now
	e.conv.UpdatedAt = now
	e.mu.Unlock()
	return true, nil
}

// ClearReminder undoes MarkReminderSent when the reminder could not be
// delivered, provided nothing happened in between.
func (s *ConversationService) ClearReminder(ctx context.Context, clientID, conversationID string, lastActivity time.Time) {
	e, err := s.lock(clientID, conversationID)
	if err != nil {
		return
	}
	if e.conv.LastActivityAt.Equal(lastActivity) {
		e.conv.ReminderSentAt = nil
	}
	e.mu.Unlock()
}

// MarkInactive expires a conversation whose last activity is still
// lastActivity. It returns false when the conversation changed concurrently.
func (s *ConversationService) MarkInactive(ctx context.Context, clientID, conversationID string, lastActivity time.Time) (bool, error) {
	e, err := s.lock(clientID, conversationID)
	if err != nil {
		return false, err
	}
	if e.conv.State.Terminal() || !e.conv.LastActivityAt.Equal(lastActivity) {
		e.mu.Unlock()
		return false, nil
	}
	ev, err := s.transitionLocked(e, model.StateInactive, "inactivity expiry")
	e.mu.Unlock()
	if err != nil {
		return false, err
	}

	s.notify.event(ctx, ev)
	return true, nil
}

// Close closes a conversation. Closing a closed conversation is a no-op.
func (s *ConversationService) Close(ctx context.Context, clientID, conversationID, reason string) (*model.Conversation, error) {
	e, err := s.lock(clientID, conversationID)
	if err != nil {
		return nil, err
	}
	if e.conv.State == model.StateClosed {
		conv := e.conv
		e.mu.Unlock()
		return &conv, nil
	}
	if reason == "" {
		reason = "closed"
	}
	ev, err := s.transitionLocked(e, model.StateClosed, reason)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	now := s.now()
	e.conv.ClosedAt = &now
	conv := e.conv
	e.mu.Unlock()

	s.notify.event(ctx, ev)
	return &conv, nil
}

// FindOpen returns the dispatched or engaged conversations of a client
// assigned to ch whose handover target or visitor contact equals address,
// most recently dispatched first.
func (s *ConversationService) FindOpen(clientID string, ch model.Channel, address string) []model.Conversation {
	ids := s.index.lookup(clientID, ch, address)
	out := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.Get(context.Background(), clientID, id)
		if err != nil || !conv.State.Open() || conv.Assigned() != ch {
			continue
		}
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool {
		return dispatchedAt(&out[i]).After(dispatchedAt(&out[j]))
	})
	return out
}

func dispatchedAt(c *model.Conversation) time.Time {
	if c.DispatchedAt == nil {
		return time.Time{}
	}
	return *c.DispatchedAt
}

type indexKey struct {
	clientID string
	channel  model.Channel
	address  string
}

// openIndex maps (client, channel, address) to dispatched conversations.
// Addresses are normalized per channel.
type openIndex struct {
	mu      sync.Mutex
	entries map[indexKey]map[string]struct{}
}

func newOpenIndex() *openIndex {
	return &openIndex{entries: make(map[indexKey]map[string]struct{})}
}

func (x *openIndex) keys(c *model.Conversation) []indexKey {
	if c.AssignedChannel == nil {
		return nil
	}
	ch := *c.AssignedChannel
	var keys []indexKey
	for _, addr := range []string{c.HandoverAddress, c.VisitorContact} {
		if n := channel.NormalizeAddress(ch, addr); n != "" {
			keys = append(keys, indexKey{clientID: c.ClientID, channel: ch, address: n})
		}
	}
	return keys
}

func (x *openIndex) add(c *model.Conversation) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, k := range x.keys(c) {
		set, ok := x.entries[k]
		if !ok {
			set = make(map[string]struct{})
			x.entries[k] = set
		}
		set[c.ID] = struct{}{}
	}
}

func (x *openIndex) remove(c *model.Conversation) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, k := range x.keys(c) {
		if set, ok := x.entries[k]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(x.entries, k)
			}
		}
	}
}

func (x *openIndex) lookup(clientID string, ch model.Channel, address string) []string {
	k := indexKey{clientID: clientID, channel: ch, address: channel.NormalizeAddress(ch, address)}
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := make([]string, 0, len(x.entries[k]))
	for id := range x.entries[k] {
		ids = append(ids, id)
	}
	return ids
}
