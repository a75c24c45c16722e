package quota

import (
	"sync"

	"github.com/capitalize-ai/handover-engine/internal/model"
)

// Policies resolves the quota policy of a client and channel.
type Policies struct {
	mu        sync.RWMutex
	defaults  model.QuotaPolicy
	overrides map[string]model.QuotaPolicy
}

// NewPolicies creates a policy set with a default for unknown clients.
func NewPolicies(defaults model.QuotaPolicy) *Policies {
	return &Policies{
		defaults:  defaults,
		overrides: make(map[string]model.QuotaPolicy),
	}
}

// Set configures the policy of a client and channel.
func (p *Policies) Set(clientID string, ch model.Channel, policy model.QuotaPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[clientID+"|"+string(ch)] = policy
}

// Get returns the policy of a client and channel.
func (p *Policies) Get(clientID string, ch model.Channel) model.QuotaPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if policy, ok := p.overrides[clientID+"|"+string(ch)]; ok {
		return policy
	}
	return p.defaults
}
