package model

import (
	"errors"
	"fmt"
)

// FallbackPolicy decides what happens when the default channel keeps failing.
type FallbackPolicy string

const (
	// FallbackNone keeps the conversation awaiting handoff on the default channel.
	FallbackNone FallbackPolicy = "none"
	// FallbackNextEnabled tries the remaining enabled channels in Channels order.
	FallbackNextEnabled FallbackPolicy = "next_enabled"
)

// HandoverConfig is the effective handover configuration of a widget.
type HandoverConfig struct {
	EnabledChannels            []Channel `json:"enabled_channels" yaml:"enabled_channels"`
	DefaultChannel             Channel   `json:"default_handover_method" yaml:"default_handover_method"`
	WebhookURL                 string    `json:"webhook_url,omitempty" yaml:"webhook_url"`
	WebhookSecret              string    `json:"webhook_secret,omitempty" yaml:"webhook_secret"`
	HandoverPhoneNumber        string    `json:"handover_whatsapp_number,omitempty" yaml:"handover_whatsapp_number"`
	HandoverEmail              string    `json:"handover_email,omitempty" yaml:"handover_email"`
	MultiChatEnabled           bool      `json:"multi_chat_enabled" yaml:"multi_chat_enabled"`
	InactivityRemindersEnabled bool      `json:"inactivity_reminders_enabled" yaml:"inactivity_reminders_enabled"`
}

// WidgetOverride holds per-widget values; nil fields inherit the client defaults.
type WidgetOverride struct {
	EnabledChannels            []Channel `json:"enabled_channels,omitempty" yaml:"enabled_channels"`
	DefaultChannel             *Channel  `json:"default_handover_method,omitempty" yaml:"default_handover_method"`
	WebhookURL                 *string   `json:"webhook_url,omitempty" yaml:"webhook_url"`
	WebhookSecret              *string   `json:"webhook_secret,omitempty" yaml:"webhook_secret"`
	HandoverPhoneNumber        *string   `json:"handover_whatsapp_number,omitempty" yaml:"handover_whatsapp_number"`
	HandoverEmail              *string   `json:"handover_email,omitempty" yaml:"handover_email"`
	MultiChatEnabled           *bool     `json:"multi_chat_enabled,omitempty" yaml:"multi_chat_enabled"`
	InactivityRemindersEnabled *bool     `json:"inactivity_reminders_enabled,omitempty" yaml:"inactivity_reminders_enabled"`
}

// Apply returns the defaults with the override's non-nil fields applied.
func (o *WidgetOverride) Apply(defaults HandoverConfig) HandoverConfig {
	cfg := defaults
	cfg.EnabledChannels = append([]Channel(nil), defaults.EnabledChannels...)
	if o == nil {
		return cfg
	}
	if o.EnabledChannels != nil {
		cfg.EnabledChannels = append([]Channel(nil), o.EnabledChannels...)
	}
	if o.DefaultChannel != nil {
		cfg.DefaultChannel = *o.DefaultChannel
	}
	if o.WebhookURL != nil {
		cfg.WebhookURL = *o.WebhookURL
	}
	if o.WebhookSecret != nil {
		cfg.WebhookSecret = *o.WebhookSecret
	}
	if o.HandoverPhoneNumber != nil {
		cfg.HandoverPhoneNumber = *o.HandoverPhoneNumber
	}
	if o.HandoverEmail != nil {
		cfg.HandoverEmail = *o.HandoverEmail
	}
	if o.MultiChatEnabled != nil {
		cfg.MultiChatEnabled = *o.MultiChatEnabled
	}
	if o.InactivityRemindersEnabled != nil {
		cfg.InactivityRemindersEnabled = *o.InactivityRemindersEnabled
	}
	return cfg
}

// Enabled reports whether ch is in the enabled set.
func (c HandoverConfig) Enabled(ch Channel) bool {
	for _, e := range c.EnabledChannels {
		if e == ch {
			return true
		}
	}
	return false
}

// Target returns the destination address for a channel.
func (c HandoverConfig) Target(ch Channel, clientID string) string {
	switch ch {
	case ChannelWhatsApp, ChannelPhone:
		return c.HandoverPhoneNumber
	case ChannelEmail:
		return c.HandoverEmail
	case ChannelWebhook:
		return c.WebhookURL
	case ChannelPortal:
		return clientID
	}
	return ""
}

// ErrNoChannelsEnabled is returned when a configuration would disable every channel.
var ErrNoChannelsEnabled = errors.New("at least one handover channel must be enabled")

// Validate checks the channel rules: at least one channel enabled, the
// default among them, and every enabled channel has its target configured.
func (c HandoverConfig) Validate() error {
	if len(c.EnabledChannels) == 0 {
		return ErrNoChannelsEnabled
	}
	for _, ch := range c.EnabledChannels {
		if !ch.Valid() {
			return fmt.Errorf("unknown channel %q in enabled_channels", ch)
		}
	}
	if !c.Enabled(c.DefaultChannel) {
		return fmt.Errorf("default channel %q is not enabled", c.DefaultChannel)
	}
	for _, ch := range c.EnabledChannels {
		if ch == ChannelPortal {
			continue
		}
		if c.Target(ch, "") == "" {
			return fmt.Errorf("channel %q is enabled but has no target configured", ch)
		}
	}
	return nil
}
