package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/handover-engine/internal/channel"
	"github.com/capitalize-ai/handover-engine/internal/config"
	"github.com/capitalize-ai/handover-engine/internal/middleware"
	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/internal/quota"
	"github.com/capitalize-ai/handover-engine/internal/service"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

const testSecret = "test-jwt-secret"

type fakeEvents struct {
	after uint64
}

func (f *fakeEvents) GetEvents(ctx context.Context, clientID, conversationID string, afterSequence uint64, limit int) ([]model.ConversationEvent, uint64, bool, error) {
	f.after = afterSequence
	return []model.ConversationEvent{{ConversationID: conversationID, ClientID: clientID, Type: model.EventStateChanged}}, afterSequence + 1, false, nil
}

type testServer struct {
	handler  http.Handler
	portal   *channel.PortalAdapter
	partner  *httptest.Server
	received chan channel.WebhookPayload
	events   *fakeEvents
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.NewNop()

	ts := &testServer{received: make(chan channel.WebhookPayload, 10), events: &fakeEvents{}}
	ts.partner = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p channel.WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			ts.received <- p
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.partner.Close)

	webhook := model.ChannelWebhook
	configs := service.NewConfigStore(&config.Tenants{Clients: []config.ClientConfig{{
		ID: "acme",
		Defaults: model.HandoverConfig{
			EnabledChannels: []model.Channel{model.ChannelPortal, model.ChannelWebhook},
			DefaultChannel:  model.ChannelPortal,
			WebhookURL:      ts.partner.URL,
			WebhookSecret:   "whsec",
		},
		Widgets: map[string]model.WidgetOverride{"hooks": {DefaultChannel: &webhook}},
	}}})

	ts.portal = channel.NewPortalAdapter(nil, 0, false, log)
	adapters := channel.NewRegistry(
		ts.portal,
		channel.NewWebhookAdapter(ts.partner.Client(), configs.WebhookSecrets, false, log),
	)
	tracker := quota.NewTracker(quota.NewPolicies(model.QuotaPolicy{}), nil, log)
	cfg := service.DefaultRouterConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond

	conversations := service.NewConversationService(nil, log)
	router := service.NewRouter(conversations, configs, tracker, adapters, nil, cfg, log)
	resolver := service.NewResolver(conversations, configs, adapters, log)
	inbound := service.NewInboundService(conversations, resolver, adapters, tracker, nil, cfg, log)

	convHandler := NewConversationHandler(conversations, router, ts.events, ts.portal, log)
	inboundHandler := NewInboundHandler(inbound, adapters, log)
	adminHandler := NewAdminHandler(configs, tracker, log)
	portalHandler := NewPortalHandler(ts.portal, nil, nil, log)

	r := chi.NewRouter()
	r.Use(middleware.Logging(log))
	r.Post("/webhooks/{channel}/{clientID}", inboundHandler.Receive)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(testSecret))
		r.Post("/conversations", convHandler.Create)
		r.Get("/conversations", convHandler.List)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", convHandler.Get)
			r.Delete("/", convHandler.Delete)
			r.Get("/messages", convHandler.Messages)
			r.Post("/messages", convHandler.AppendMessage)
			r.Get("/events", convHandler.Events)
			r.Post("/escalate", convHandler.Escalate)
			r.Post("/close", convHandler.Close)
			r.Post("/read", convHandler.MarkRead)
			r.With(middleware.RequireScope(middleware.ScopeAgent)).Post("/reply", convHandler.Reply)
		})
		r.Get("/inbound/unresolved", inboundHandler.Unresolved)
		r.Get("/quota/{channel}", adminHandler.Quota)
		r.Get("/handover/defaults", adminHandler.GetDefaults)
		r.Get("/widgets/{widgetID}/handover", adminHandler.GetWidget)
		r.With(middleware.RequireScope(middleware.ScopeAdmin)).Put("/handover/defaults", adminHandler.PutDefaults)
		r.With(middleware.RequireScope(middleware.ScopeAdmin)).Put("/widgets/{widgetID}/handover", adminHandler.PutWidget)
		r.With(middleware.RequireScope(middleware.ScopeAgent)).Get("/portal/notifications", portalHandler.Pending)
	})
	ts.handler = r
	return ts
}

func token(t *testing.T, clientID string, scopes ...string) string {
	t.Helper()
	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ClientID: clientID,
		Scopes:   scopes,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (ts *testServer) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations", token(t, ""), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "tokens must name a client")

	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestConversationLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	tok := token(t, "acme")
	agent := token(t, "acme", middleware.ScopeAgent)

	rec := ts.do(t, http.MethodPost, "/api/v1/conversations", tok, model.CreateConversationRequest{ID: "c1", WidgetID: "site", VisitorName: "Ada"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/conversations", tok, model.CreateConversationRequest{ID: "c1", WidgetID: "site"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/c1", token(t, "globex"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/c1/messages", tok, model.AppendMessageRequest{Type: model.MessageVisitor, Text: "I need a person"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/c1/escalate", tok, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	esc := decode[model.EscalationResponse](t, rec)
	assert.Equal(t, model.ChannelPortal, esc.Channel)
	assert.Equal(t, model.StateHandoffDispatched, esc.Conversation.State)

	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/c1/escalate", tok, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[model.EscalationResponse](t, rec).Duplicate)

	rec = ts.do(t, http.MethodGet, "/api/v1/portal/notifications", tok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/v1/portal/notifications", agent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["total"])

	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/c1/reply", tok, model.ReplyRequest{Text: "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/c1/reply", agent, model.ReplyRequest{Text: "Hi Ada, Grace here"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Empty(t, ts.portal.Pending("acme"), "replying acknowledges the notification")

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/c1", tok, nil)
	conv := decode[model.Conversation](t, rec)
	assert.Equal(t, model.StateAgentEngaged, conv.State)
	assert.Equal(t, 1, conv.UnreadAgentMessageCount)

	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/c1/read", tok, nil)
	assert.Zero(t, decode[model.Conversation](t, rec).UnreadAgentMessageCount)

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/c1/messages", tok, nil)
	assert.Len(t, decode[model.ListMessagesResponse](t, rec).Messages, 2)

	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/c1/close", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/c1/messages", tok, model.AppendMessageRequest{Type: model.MessageVisitor, Text: "hello?"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations", tok, nil)
	assert.Equal(t, 1, decode[model.ListConversationsResponse](t, rec).Total)

	rec = ts.do(t, http.MethodDelete, "/api/v1/conversations/c1", tok, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestValidationErrors(t *testing.T) {
	ts := newTestServer(t)
	tok := token(t, "acme")

	rec := ts.do(t, http.MethodPost, "/api/v1/conversations", tok, model.CreateConversationRequest{WidgetID: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/conversations", tok, model.CreateConversationRequest{ID: "bad id!", WidgetID: "site"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/c1/messages", tok, model.AppendMessageRequest{Type: model.MessageVisitor, Text: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/missing/escalate", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEscalateConfigurationErrors(t *testing.T) {
	ts := newTestServer(t)

	globex := token(t, "globex")
	rec := ts.do(t, http.MethodPost, "/api/v1/conversations", globex, model.CreateConversationRequest{ID: "c1", WidgetID: "site"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/c1/escalate", globex, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "globex has no handover configuration")

	admin := token(t, "acme", middleware.ScopeAdmin)
	rec = ts.do(t, http.MethodPut, "/api/v1/handover/defaults", admin, model.HandoverConfig{
		EnabledChannels:     []model.Channel{model.ChannelWhatsApp, model.ChannelWebhook},
		DefaultChannel:      model.ChannelWhatsApp,
		HandoverPhoneNumber: "+15550001111",
		WebhookURL:          "https://hooks.acme.test",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/conversations", admin, model.CreateConversationRequest{ID: "c2", WidgetID: "site"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/c2/escalate", admin, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "no whatsapp adapter is registered")

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/c2", admin, nil)
	assert.Equal(t, model.StateAwaitingHandoff, decode[model.Conversation](t, rec).State)
}

func TestWebhookRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	tok := token(t, "acme")

	rec := ts.do(t, http.MethodPost, "/api/v1/conversations", tok, model.CreateConversationRequest{ID: "c9", WidgetID: "hooks", VisitorName: "Ada"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/c9/escalate", tok, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	select {
	case p := <-ts.received:
		assert.Equal(t, "c9", p.ConversationID)
		assert.Equal(t, "Ada", p.VisitorName)
	case <-time.After(time.Second):
		t.Fatal("partner webhook was not called")
	}

	callback := func(body, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/webhook/acme", bytes.NewBufferString(body))
		if sig != "" {
			req.Header.Set(channel.SignatureHeaderName, sig)
		}
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		return rec
	}

	body := `{"conversation_id":"c9","text":"Partner agent here","message_id":"m1"}`
	rec = callback(body, "forged")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = callback(body, channel.Sign("whsec", []byte(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "attributed", decode[map[string]string](t, rec)["status"])

	rec = callback(body, channel.Sign("whsec", []byte(body)))
	assert.Equal(t, "duplicate", decode[map[string]string](t, rec)["status"])

	status := `{"conversation_id":"c9","message_id":"m2"}`
	rec = callback(status, channel.Sign("whsec", []byte(status)))
	assert.Equal(t, "ignored", decode[map[string]string](t, rec)["status"])

	unknown := `{"conversation_id":"nope","text":"who?","message_id":"m3"}`
	rec = callback(unknown, channel.Sign("whsec", []byte(unknown)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "unknown_conversation", decode[map[string]string](t, rec)["reason"])

	rec = ts.do(t, http.MethodGet, "/api/v1/inbound/unresolved", tok, nil)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["total"])

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/c9", tok, nil)
	assert.Equal(t, model.StateAgentEngaged, decode[model.Conversation](t, rec).State)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/fax/acme", bytes.NewBufferString(body))
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/email/acme", bytes.NewBufferString(body))
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "channel without an adapter")
}

func TestWebhookInterruptedCallbackIsRetried(t *testing.T) {
	ts := newTestServer(t)
	tok := token(t, "acme")

	rec := ts.do(t, http.MethodPost, "/api/v1/conversations", tok, model.CreateConversationRequest{ID: "c7", WidgetID: "hooks", VisitorName: "Ada"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/c7/escalate", tok, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	select {
	case <-ts.received:
	case <-time.After(time.Second):
		t.Fatal("partner webhook was not called")
	}

	body := `{"conversation_id":"c7","text":"Partner agent here","message_id":"m1"}`
	sig := channel.Sign("whsec", []byte(body))
	send := func(ctx context.Context) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/webhook/acme", bytes.NewBufferString(body)).WithContext(ctx)
		req.Header.Set(channel.SignatureHeaderName, sig)
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		return rec
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	rec = send(cancelled)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = send(context.Background())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "attributed", decode[map[string]string](t, rec)["status"])
}

func TestAdminConfiguration(t *testing.T) {
	ts := newTestServer(t)
	tok := token(t, "acme")
	admin := token(t, "acme", middleware.ScopeAdmin)

	rec := ts.do(t, http.MethodGet, "/api/v1/handover/defaults", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.ChannelPortal, decode[model.HandoverConfig](t, rec).DefaultChannel)

	update := model.HandoverConfig{
		EnabledChannels:     []model.Channel{model.ChannelPortal, model.ChannelWhatsApp, model.ChannelWebhook},
		DefaultChannel:      model.ChannelWhatsApp,
		HandoverPhoneNumber: "+15550001111",
		WebhookURL:          "https://hooks.acme.test",
	}
	rec = ts.do(t, http.MethodPut, "/api/v1/handover/defaults", tok, update)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/v1/handover/defaults", admin, model.HandoverConfig{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/v1/handover/defaults", admin, update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/widgets/hooks/handover", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	widget := decode[struct {
		Effective model.HandoverConfig `json:"effective"`
	}](t, rec)
	assert.Equal(t, model.ChannelWebhook, widget.Effective.DefaultChannel)
	assert.Equal(t, "+15550001111", widget.Effective.HandoverPhoneNumber)

	email := model.ChannelEmail
	rec = ts.do(t, http.MethodPut, "/api/v1/widgets/hooks/handover", admin, model.WidgetOverride{DefaultChannel: &email})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/quota/whatsapp", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decode[model.QuotaUsage](t, rec)
	assert.Equal(t, "acme", usage.Month.ClientID)

	rec = ts.do(t, http.MethodGet, "/api/v1/quota/fax", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	tok := token(t, "acme")

	rec := ts.do(t, http.MethodPost, "/api/v1/conversations", tok, model.CreateConversationRequest{ID: "c1", WidgetID: "site"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/c1/events?after_sequence=7", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(7), ts.events.after)
	assert.EqualValues(t, 8, decode[map[string]any](t, rec)["last_sequence"])

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/c1/events?after_sequence=x", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/other/events", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	ok := NewHealthHandler(Check{Name: "nats", Fn: func(context.Context) error { return nil }})
	rec := httptest.NewRecorder()
	ok.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	down := NewHealthHandler(
		Check{Name: "nats", Fn: func(context.Context) error { return nil }},
		Check{Name: "amqp", Fn: func(context.Context) error { return errors.New("not connected") }},
	)
	rec = httptest.NewRecorder()
	down.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "amqp: not connected")

	rec = httptest.NewRecorder()
	down.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
