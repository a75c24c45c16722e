package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

// SignatureHeaderName carries the HMAC-SHA256 of outbound and inbound webhook bodies.
const SignatureHeaderName = "X-Signature"

// SecretLookup returns every webhook secret configured for a client, at
// client level and in widget overrides.
type SecretLookup func(clientID string) []string

// WebhookPayload is the body posted to a client's webhook_url.
type WebhookPayload struct {
	ConversationID string    `json:"conversation_id"`
	VisitorName    string    `json:"visitor_name"`
	VisitorContact string    `json:"visitor_contact"`
	MessageExcerpt string    `json:"message_excerpt"`
	Timestamp      time.Time `json:"timestamp"`
}

// webhookCallback is a partner's reply posted back to the engine.
type webhookCallback struct {
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
	Text           string `json:"text"`
	MessageID      string `json:"message_id"`
}

// WebhookAdapter delivers handovers to a partner HTTP endpoint.
type WebhookAdapter struct {
	client   *http.Client
	secrets  SecretLookup
	testMode bool
	logger   *logger.Logger
}

// NewWebhookAdapter creates a webhook adapter.
func NewWebhookAdapter(client *http.Client, secrets SecretLookup, testMode bool, log *logger.Logger) *WebhookAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookAdapter{
		client:   client,
		secrets:  secrets,
		testMode: testMode,
		logger:   log.Component("channel.webhook"),
	}
}

// Channel returns the webhook channel.
func (a *WebhookAdapter) Channel() model.Channel { return model.ChannelWebhook }

// SignatureHeader returns X-Signature.
func (a *WebhookAdapter) SignatureHeader() string { return SignatureHeaderName }

// Capabilities reports a non-multiplexed channel; callbacks carry the conversation id natively.
func (a *WebhookAdapter) Capabilities() Capabilities {
	return Capabilities{SupportsMultiplex: false, SupportsDeliveryReceipt: true, SupportsReply: false}
}

// Send posts the handover payload, signing it when a secret is configured.
func (a *WebhookAdapter) Send(ctx context.Context, out *Outbound) (DeliveryResult, error) {
	u, err := url.Parse(out.Target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return failed(NewDeliveryError(model.ChannelWebhook, InvalidTarget, fmt.Errorf("invalid webhook url %q", out.Target)))
	}

	ts := out.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	body, err := json.Marshal(&WebhookPayload{
		ConversationID: out.ConversationID,
		VisitorName:    out.VisitorName,
		VisitorContact: out.VisitorContact,
		MessageExcerpt: out.Text,
		Timestamp:      ts,
	})
	if err != nil {
		return failed(NewDeliveryError(model.ChannelWebhook, InvalidTarget, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return failed(NewDeliveryError(model.ChannelWebhook, InvalidTarget, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if out.Secret != "" {
		req.Header.Set(SignatureHeaderName, Sign(out.Secret, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return failed(FromTransport(model.ChannelWebhook, err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	if de := FromHTTPStatus(model.ChannelWebhook, resp.StatusCode, string(respBody)); de != nil {
		return failed(de)
	}
	return DeliveryResult{Status: StatusAccepted}, nil
}

// Receive parses a partner callback.
func (a *WebhookAdapter) Receive(raw []byte) (*model.InboundMessage, error) {
	var cb webhookCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("failed to parse webhook callback: %w", err)
	}
	if cb.Text == "" {
		return nil, ErrNoMessage
	}
	if cb.ConversationID == "" && cb.From == "" {
		return nil, errors.New("webhook callback needs conversation_id or from")
	}
	return &model.InboundMessage{
		FromAddress:       cb.From,
		Text:              cb.Text,
		ProviderMessageID: cb.MessageID,
		ConversationRef:   cb.ConversationID,
		ReceivedAt:        time.Now().UTC(),
	}, nil
}

// Verify checks the callback against the client's webhook secrets. A
// callback signed with the secret of any of the client's widgets is accepted.
func (a *WebhookAdapter) Verify(clientID string, raw []byte, signature string) bool {
	var secrets []string
	if a.secrets != nil {
		secrets = a.secrets(clientID)
	}
	if len(secrets) == 0 {
		return verifyUnsigned(a.logger, model.ChannelWebhook, clientID, a.testMode)
	}
	for _, secret := range secrets {
		if VerifySignature(secret, raw, signature) {
			return true
		}
	}
	return false
}
