package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

// WhatsAppConfig configures the WhatsApp business messaging adapter.
type WhatsAppConfig struct {
	APIBase       string
	PhoneNumberID string
	AccessToken   string
	// AppSecret signs inbound webhooks (X-Hub-Signature-256).
	AppSecret  string
	TestMode   bool
	HTTPClient *http.Client
}

// WhatsAppAdapter sends and receives messages through the WhatsApp Cloud API.
type WhatsAppAdapter struct {
	cfg    WhatsAppConfig
	client *http.Client
	logger *logger.Logger
}

// NewWhatsAppAdapter creates a WhatsApp adapter.
func NewWhatsAppAdapter(cfg WhatsAppConfig, log *logger.Logger) *WhatsAppAdapter {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WhatsAppAdapter{
		cfg:    cfg,
		client: client,
		logger: log.Component("channel.whatsapp"),
	}
}

type waTextBody struct {
	Body string `json:"body"`
}

type waSendRequest struct {
	MessagingProduct string     `json:"messaging_product"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             waTextBody `json:"text"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type waWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From      string     `json:"from"`
					ID        string     `json:"id"`
					Timestamp string     `json:"timestamp"`
					Type      string     `json:"type"`
					Text      waTextBody `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// Channel returns the WhatsApp channel.
func (a *WhatsAppAdapter) Channel() model.Channel { return model.ChannelWhatsApp }

// SignatureHeader returns the Cloud API signature header.
func (a *WhatsAppAdapter) SignatureHeader() string { return "X-Hub-Signature-256" }

// Capabilities reports multiplexing over the shared business number.
func (a *WhatsAppAdapter) Capabilities() Capabilities {
	return Capabilities{SupportsMultiplex: true, SupportsDeliveryReceipt: true, SupportsReply: true}
}

// Send posts a text message to the target phone number.
func (a *WhatsAppAdapter) Send(ctx context.Context, out *Outbound) (DeliveryResult, error) {
	to := normalizePhone(out.Target)
	if to == "" {
		return failed(NewDeliveryError(model.ChannelWhatsApp, InvalidTarget, errors.New("empty phone number")))
	}

	body, err := json.Marshal(&waSendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             waTextBody{Body: out.Text},
	})
	if err != nil {
		return failed(NewDeliveryError(model.ChannelWhatsApp, InvalidTarget, fmt.Errorf("failed to marshal message: %w", err)))
	}

	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(a.cfg.APIBase, "/"), a.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failed(NewDeliveryError(model.ChannelWhatsApp, InvalidTarget, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return failed(FromTransport(model.ChannelWhatsApp, err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if de := FromHTTPStatus(model.ChannelWhatsApp, resp.StatusCode, string(respBody)); de != nil {
		return failed(de)
	}

	var sr waSendResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		a.logger.Warn("unparseable send response", zap.Error(err))
	}
	result := DeliveryResult{Status: StatusAccepted}
	if len(sr.Messages) > 0 {
		result.ProviderMessageID = sr.Messages[0].ID
	}
	return result, nil
}

// Receive parses the first text message of a Cloud API webhook.
func (a *WhatsAppAdapter) Receive(raw []byte) (*model.InboundMessage, error) {
	var hook waWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return nil, fmt.Errorf("failed to parse whatsapp payload: %w", err)
	}
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "" && msg.Type != "text" {
					continue
				}
				return &model.InboundMessage{
					FromAddress:       normalizePhone(msg.From),
					Text:              msg.Text.Body,
					ProviderMessageID: msg.ID,
					ReceivedAt:        time.Now().UTC(),
				}, nil
			}
		}
	}
	return nil, ErrNoMessage
}

// Verify checks the app-secret signature. The WhatsApp number is shared by
// the platform, so the secret does not depend on the client.
func (a *WhatsAppAdapter) Verify(clientID string, raw []byte, signature string) bool {
	if a.cfg.AppSecret == "" {
		return verifyUnsigned(a.logger, model.ChannelWhatsApp, clientID, a.cfg.TestMode)
	}
	return VerifySignature(a.cfg.AppSecret, raw, signature)
}

// normalizePhone strips formatting so numbers compare equal across providers.
func normalizePhone(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "whatsapp:")
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeAddress canonicalizes an address for a channel so inbound senders
// can be matched against stored handover targets and visitor contacts.
func NormalizeAddress(ch model.Channel, addr string) string {
	switch ch {
	case model.ChannelWhatsApp, model.ChannelPhone:
		return normalizePhone(addr)
	case model.ChannelEmail:
		return strings.ToLower(strings.TrimSpace(addr))
	default:
		return strings.TrimSpace(addr)
	}
}
