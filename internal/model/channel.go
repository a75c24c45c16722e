// Package model defines data structures for the handover engine.
package model

import "fmt"

// Channel identifies a handover notification medium.
type Channel string

const (
	ChannelPortal   Channel = "portal"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelPhone    Channel = "phone"
	ChannelWebhook  Channel = "webhook"
)

// Channels lists every known channel in fallback order.
var Channels = []Channel{ChannelPortal, ChannelWhatsApp, ChannelEmail, ChannelPhone, ChannelWebhook}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

// ParseChannel converts a string into a known channel.
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}
