package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/handover-engine/internal/channel"
	"github.com/capitalize-ai/handover-engine/internal/config"
	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/internal/quota"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

const (
	testClient = "acme"
	testWidget = "support"
	agentPhone = "+15550001111"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeAdapter records sends and fails with the queued errors, in order,
// before succeeding.
type fakeAdapter struct {
	ch    model.Channel
	caps  channel.Capabilities
	delay time.Duration

	mu       sync.Mutex
	sent     []channel.Outbound
	failures []*channel.DeliveryError
}

func newFakeAdapter(ch model.Channel, caps channel.Capabilities) *fakeAdapter {
	return &fakeAdapter{ch: ch, caps: caps}
}

func (a *fakeAdapter) Channel() model.Channel             { return a.ch }
func (a *fakeAdapter) SignatureHeader() string            { return "X-Test-Signature" }
func (a *fakeAdapter) Capabilities() channel.Capabilities { return a.caps }

func (a *fakeAdapter) Send(ctx context.Context, out *channel.Outbound) (channel.DeliveryResult, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return channel.DeliveryResult{Status: channel.StatusProviderError}, channel.FromTransport(a.ch, ctx.Err())
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, *out)
	if len(a.failures) > 0 {
		de := a.failures[0]
		a.failures = a.failures[1:]
		return channel.DeliveryResult{Status: channel.StatusProviderError, Reason: string(de.Kind)}, de
	}
	return channel.DeliveryResult{Status: channel.StatusAccepted, ProviderMessageID: "pm-1"}, nil
}

func (a *fakeAdapter) Receive(raw []byte) (*model.InboundMessage, error) {
	var in model.InboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	if in.Text == "" {
		return nil, channel.ErrNoMessage
	}
	return &in, nil
}

func (a *fakeAdapter) Verify(clientID string, raw []byte, signature string) bool {
	return signature == "valid"
}

func (a *fakeAdapter) fail(kinds ...channel.ErrorKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range kinds {
		a.failures = append(a.failures, channel.NewDeliveryError(a.ch, k, errors.New("provider says no")))
	}
}

func (a *fakeAdapter) sends() []channel.Outbound {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]channel.Outbound(nil), a.sent...)
}

// recorder is an in-memory EventPublisher.
type recorder struct {
	mu       sync.Mutex
	events   []model.ConversationEvent
	messages []model.Message
	alerts   []model.ClientAlert
}

func (r *recorder) PublishEvent(ctx context.Context, ev *model.ConversationEvent) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return uint64(len(r.events)), nil
}

func (r *recorder) PublishMessage(ctx context.Context, msg *model.Message) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, *msg)
	return uint64(len(r.messages)), nil
}

func (r *recorder) PublishAlert(ctx context.Context, a *model.ClientAlert) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, *a)
	return uint64(len(r.alerts)), nil
}

func (r *recorder) eventsOf(typ model.EventType) []model.ConversationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ConversationEvent
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) alertsOf(typ model.AlertType) []model.ClientAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ClientAlert
	for _, a := range r.alerts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

// fakeConfigs serves one mutable configuration per client, ignoring widgets
// and skipping validation so drift can be simulated. Widget inheritance is
// covered by newStoreHarness.
type fakeConfigs struct {
	mu   sync.Mutex
	cfgs map[string]model.HandoverConfig
}

func (f *fakeConfigs) Resolve(clientID, widgetID string) (model.HandoverConfig, error) {
	return f.Defaults(clientID)
}

func (f *fakeConfigs) Defaults(clientID string) (model.HandoverConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.cfgs[clientID]
	if !ok {
		return model.HandoverConfig{}, ErrUnknownClient
	}
	return cfg, nil
}

func (f *fakeConfigs) set(clientID string, cfg model.HandoverConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfgs[clientID] = cfg
}

func (f *fakeConfigs) update(clientID string, fn func(*model.HandoverConfig)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg := f.cfgs[clientID]
	fn(&cfg)
	f.cfgs[clientID] = cfg
}

func defaultHandover() model.HandoverConfig {
	return model.HandoverConfig{
		EnabledChannels:            []model.Channel{model.ChannelPortal, model.ChannelWhatsApp},
		DefaultChannel:             model.ChannelWhatsApp,
		HandoverPhoneNumber:        agentPhone,
		MultiChatEnabled:           true,
		InactivityRemindersEnabled: true,
	}
}

type harness struct {
	clock    *testClock
	events   *recorder
	configs  *fakeConfigs
	store    *ConfigStore
	policies *quota.Policies
	tracker  *quota.Tracker

	whatsapp *fakeAdapter
	portal   *fakeAdapter
	webhook  *fakeAdapter
	adapters *channel.Registry

	conversations *ConversationService
	router        *Router
	resolver      *Resolver
	inbound       *InboundService
	monitor       *InactivityMonitor
}

func testRouterConfig() RouterConfig {
	return RouterConfig{
		SendTimeout: 500 * time.Millisecond,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		Fallback:    model.FallbackNone,
	}
}

func newHarness(t *testing.T, tune ...func(*RouterConfig)) *harness {
	t.Helper()
	configs := &fakeConfigs{cfgs: map[string]model.HandoverConfig{testClient: defaultHandover()}}
	h := buildHarness(configs, tune...)
	h.configs = configs
	return h
}

// newStoreHarness wires the services to a real ConfigStore so widget
// overrides take part in routing, correlation and reminders.
func newStoreHarness(t *testing.T, tenants *config.Tenants, tune ...func(*RouterConfig)) *harness {
	t.Helper()
	store := NewConfigStore(tenants)
	h := buildHarness(store, tune...)
	h.store = store
	return h
}

func buildHarness(configs ConfigSource, tune ...func(*RouterConfig)) *harness {
	log := logger.NewNop()

	h := &harness{
		clock:    newTestClock(),
		events:   &recorder{},
		policies: quota.NewPolicies(model.QuotaPolicy{}),
		whatsapp: newFakeAdapter(model.ChannelWhatsApp, channel.Capabilities{SupportsMultiplex: true, SupportsReply: true}),
		portal:   newFakeAdapter(model.ChannelPortal, channel.Capabilities{SupportsDeliveryReceipt: true}),
		webhook:  newFakeAdapter(model.ChannelWebhook, channel.Capabilities{SupportsDeliveryReceipt: true}),
	}
	h.tracker = quota.NewTracker(h.policies, nil, log, quota.WithClock(h.clock.Now))
	h.adapters = channel.NewRegistry(h.whatsapp, h.portal, h.webhook)

	cfg := testRouterConfig()
	for _, fn := range tune {
		fn(&cfg)
	}

	h.conversations = NewConversationService(h.events, log)
	h.conversations.now = h.clock.Now
	h.router = NewRouter(h.conversations, configs, h.tracker, h.adapters, NewAlerter(h.events, log), cfg, log)
	h.resolver = NewResolver(h.conversations, configs, h.adapters, log)
	h.inbound = NewInboundService(h.conversations, h.resolver, h.adapters, h.tracker, NewDedupeCache(time.Hour, 0), cfg, log)
	h.monitor = NewInactivityMonitor(h.conversations, configs, h.adapters, h.tracker, MonitorConfig{
		Interval:          time.Minute,
		ReminderThreshold: 5 * time.Minute,
		ExpiryThreshold:   30 * time.Minute,
	}, cfg, log)
	h.monitor.now = h.clock.Now
	return h
}

func (h *harness) create(t *testing.T, id string) *model.Conversation {
	t.Helper()
	return h.createOn(t, id, testWidget)
}

func (h *harness) createOn(t *testing.T, id, widgetID string) *model.Conversation {
	t.Helper()
	conv, err := h.conversations.Create(context.Background(), testClient, &model.CreateConversationRequest{
		ID:          id,
		WidgetID:    widgetID,
		VisitorName: "Ada",
	})
	require.NoError(t, err)
	return conv
}

func (h *harness) escalate(t *testing.T, id string) *model.EscalationResponse {
	t.Helper()
	resp, err := h.router.Escalate(context.Background(), testClient, id)
	require.NoError(t, err)
	return resp
}

func (h *harness) get(t *testing.T, id string) *model.Conversation {
	t.Helper()
	conv, err := h.conversations.Get(context.Background(), testClient, id)
	require.NoError(t, err)
	return conv
}
