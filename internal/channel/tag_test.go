package channel

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/handover-engine/internal/model"
)

func TestParseTag(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		wantID string
		rest   string
		ok     bool
	}{
		{"tag and text", "#conv-42 on my way", "conv-42", "on my way", true},
		{"leading whitespace", "  #abc_1   hello ", "abc_1", "hello", true},
		{"tag only", "#abc", "abc", "", true},
		{"no tag", "hello #abc", "", "", false},
		{"empty tag", "# hello", "", "", false},
		{"invalid characters", "#ab/c hi", "", "", false},
		{"empty", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, rest, ok := ParseTag(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.rest, rest)
		})
	}
}

func TestTagRoundTrip(t *testing.T) {
	id, rest, ok := ParseTag(Tag("c-1", "Visitor needs help"))
	assert.True(t, ok)
	assert.Equal(t, "c-1", id)
	assert.Equal(t, "Visitor needs help", rest)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"text":"hi"}`)
	sig := Sign("s3cret", body)

	assert.True(t, VerifySignature("s3cret", body, sig))
	assert.True(t, VerifySignature("s3cret", body, "sha256="+sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("s3cret", []byte(`{"text":"hi!"}`), sig))
	assert.False(t, VerifySignature("s3cret", body, ""))
	assert.False(t, VerifySignature("s3cret", body, "not-hex"))
}

func TestFromHTTPStatus(t *testing.T) {
	assert.Nil(t, FromHTTPStatus(model.ChannelWebhook, http.StatusOK, ""))
	assert.Equal(t, RateLimited, FromHTTPStatus(model.ChannelWebhook, http.StatusTooManyRequests, "").Kind)
	assert.Equal(t, AuthFailed, FromHTTPStatus(model.ChannelWebhook, http.StatusForbidden, "").Kind)
	assert.Equal(t, InvalidTarget, FromHTTPStatus(model.ChannelWebhook, http.StatusNotFound, "").Kind)
	assert.Equal(t, NetworkError, FromHTTPStatus(model.ChannelWebhook, http.StatusBadGateway, "").Kind)
}

func TestDeliveryErrorRetryable(t *testing.T) {
	assert.True(t, NewDeliveryError(model.ChannelEmail, RateLimited, nil).Retryable())
	assert.True(t, NewDeliveryError(model.ChannelEmail, NetworkError, nil).Retryable())
	assert.False(t, NewDeliveryError(model.ChannelEmail, InvalidTarget, nil).Retryable())
	assert.False(t, NewDeliveryError(model.ChannelEmail, AuthFailed, nil).Retryable())

	de := AsDeliveryError(model.ChannelEmail, errors.New("boom"))
	assert.Equal(t, NetworkError, de.Kind)
	assert.Nil(t, AsDeliveryError(model.ChannelEmail, nil))
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "15550001111", NormalizeAddress(model.ChannelWhatsApp, "whatsapp:+1 (555) 000-1111"))
	assert.Equal(t, "15550001111", NormalizeAddress(model.ChannelPhone, "+1-555-000-1111"))
	assert.Equal(t, "agent@acme.test", NormalizeAddress(model.ChannelEmail, " Agent@ACME.test "))
}
