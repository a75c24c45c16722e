// Package channel provides the handover channel adapters and their registry.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/capitalize-ai/handover-engine/internal/model"
)

// DeliveryStatus is the provider verdict on an outbound message.
type DeliveryStatus string

const (
	StatusAccepted      DeliveryStatus = "accepted"
	StatusRejected      DeliveryStatus = "rejected"
	StatusProviderError DeliveryStatus = "provider_error"
)

// DeliveryResult is returned by Adapter.Send.
type DeliveryResult struct {
	Status            DeliveryStatus `json:"status"`
	Reason            string         `json:"reason,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
}

// Accepted reports whether the provider took the message.
func (r DeliveryResult) Accepted() bool {
	return r.Status == StatusAccepted
}

// Capabilities describes what an adapter supports.
type Capabilities struct {
	SupportsMultiplex       bool `json:"supports_multiplex"`
	SupportsDeliveryReceipt bool `json:"supports_delivery_receipt"`
	SupportsReply           bool `json:"supports_reply"`
}

// Outbound is a message handed to an adapter.
type Outbound struct {
	ClientID       string
	ConversationID string
	Target         string
	Text           string
	VisitorName    string
	VisitorContact string
	// Secret signs the request body for channels that support it.
	Secret    string
	Timestamp time.Time
}

// Adapter wraps one external channel behind a uniform capability set.
type Adapter interface {
	// Channel returns the channel the adapter serves.
	Channel() model.Channel

	// Send delivers a message. Failures return a *DeliveryError.
	Send(ctx context.Context, out *Outbound) (DeliveryResult, error)

	// Receive parses a provider payload into a normalized inbound message.
	Receive(raw []byte) (*model.InboundMessage, error)

	// Verify validates the signature of an inbound payload for a client.
	Verify(clientID string, raw []byte, signature string) bool

	// SignatureHeader names the HTTP header carrying the inbound signature.
	SignatureHeader() string

	// Capabilities returns the adapter's capability set.
	Capabilities() Capabilities
}

// ErrNoMessage is returned by Receive when a payload carries no message,
// such as a provider status callback.
var ErrNoMessage = errors.New("payload carries no message")

// Registry is a fixed lookup of adapters keyed by channel.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Channel]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Channel]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its channel.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Channel()] = a
}

// Get returns the adapter for a channel.
func (r *Registry) Get(ch model.Channel) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	return a, ok
}
