package service

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/capitalize-ai/handover-engine/internal/config"
	"github.com/capitalize-ai/handover-engine/internal/model"
)

// ErrUnknownClient is returned when no handover configuration exists for a client.
var ErrUnknownClient = errors.New("unknown client")

// ConfigSource resolves the effective handover configuration of a widget.
type ConfigSource interface {
	Resolve(clientID, widgetID string) (model.HandoverConfig, error)
}

type clientHandover struct {
	defaults model.HandoverConfig
	widgets  map[string]model.WidgetOverride
}

// ConfigStore holds client handover defaults and widget overrides. Every
// write is validated so an invalid combination is never stored.
type ConfigStore struct {
	mu      sync.RWMutex
	clients map[string]*clientHandover
}

// NewConfigStore creates a store populated from the tenants file.
func NewConfigStore(tenants *config.Tenants) *ConfigStore {
	s := &ConfigStore{clients: make(map[string]*clientHandover)}
	if tenants == nil {
		return s
	}
	for _, c := range tenants.Clients {
		widgets := make(map[string]model.WidgetOverride, len(c.Widgets))
		for id, o := range c.Widgets {
			widgets[id] = o
		}
		s.clients[c.ID] = &clientHandover{defaults: c.Defaults, widgets: widgets}
	}
	return s
}

// Clients returns the configured client ids, sorted.
func (s *ConfigStore) Clients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Defaults returns the client-level configuration.
func (s *ConfigStore) Defaults(clientID string) (model.HandoverConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return model.HandoverConfig{}, ErrUnknownClient
	}
	return (*model.WidgetOverride)(nil).Apply(c.defaults), nil
}

// SetDefaults replaces the client-level configuration. The new defaults must
// be valid on their own and under every existing widget override.
func (s *ConfigStore) SetDefaults(clientID string, cfg model.HandoverConfig) error {
	if err := cfg.Validate(); err != nil {
		return &ConfigurationError{ClientID: clientID, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		s.clients[clientID] = &clientHandover{defaults: cfg, widgets: make(map[string]model.WidgetOverride)}
		return nil
	}
	for widgetID, o := range c.widgets {
		o := o
		if err := o.Apply(cfg).Validate(); err != nil {
			return &ConfigurationError{ClientID: clientID, WidgetID: widgetID, Err: err}
		}
	}
	c.defaults = cfg
	return nil
}

// Widget returns the override stored for a widget.
func (s *ConfigStore) Widget(clientID, widgetID string) (model.WidgetOverride, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return model.WidgetOverride{}, false, ErrUnknownClient
	}
	o, ok := c.widgets[widgetID]
	return o, ok, nil
}

// SetWidget stores a widget override after validating the resolved configuration.
func (s *ConfigStore) SetWidget(clientID, widgetID string, o model.WidgetOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return ErrUnknownClient
	}
	if err := o.Apply(c.defaults).Validate(); err != nil {
		return &ConfigurationError{ClientID: clientID, WidgetID: widgetID, Err: err}
	}
	c.widgets[widgetID] = o
	return nil
}

// Resolve returns the effective configuration of a widget. It does not
// validate; callers decide how to treat an invalid result.
func (s *ConfigStore) Resolve(clientID, widgetID string) (model.HandoverConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return model.HandoverConfig{}, fmt.Errorf("client %q: %w", clientID, ErrUnknownClient)
	}
	if o, ok := c.widgets[widgetID]; ok {
		return o.Apply(c.defaults), nil
	}
	return (*model.WidgetOverride)(nil).Apply(c.defaults), nil
}

// WebhookSecrets returns the distinct non-empty webhook secrets of a client:
// the client-level secret and those set by widget overrides. Partner
// callbacks do not say which widget dispatched them, so any of them verifies.
func (s *ConfigStore) WebhookSecrets(clientID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(secret string) {
		if _, dup := seen[secret]; secret == "" || dup {
			return
		}
		seen[secret] = struct{}{}
		out = append(out, secret)
	}
	add(c.defaults.WebhookSecret)
	widgets := make([]string, 0, len(c.widgets))
	for id := range c.widgets {
		widgets = append(widgets, id)
	}
	sort.Strings(widgets)
	for _, id := range widgets {
		o := c.widgets[id]
		add(o.Apply(c.defaults).WebhookSecret)
	}
	return out
}
