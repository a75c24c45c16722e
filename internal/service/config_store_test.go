package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/handover-engine/internal/config"
	"github.com/capitalize-ai/handover-engine/internal/model"
)

func newTestConfigStore() *ConfigStore {
	portal := model.ChannelPortal
	return NewConfigStore(&config.Tenants{Clients: []config.ClientConfig{{
		ID: testClient,
		Defaults: model.HandoverConfig{
			EnabledChannels:     []model.Channel{model.ChannelPortal, model.ChannelWhatsApp},
			DefaultChannel:      model.ChannelWhatsApp,
			HandoverPhoneNumber: agentPhone,
			WebhookSecret:       "whsec",
		},
		Widgets: map[string]model.WidgetOverride{
			testWidget: {DefaultChannel: &portal},
		},
	}}})
}

func TestConfigStore_Resolve(t *testing.T) {
	s := newTestConfigStore()

	cfg, err := s.Resolve(testClient, testWidget)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelPortal, cfg.DefaultChannel)
	assert.Equal(t, agentPhone, cfg.HandoverPhoneNumber)

	cfg, err = s.Resolve(testClient, "other-widget")
	require.NoError(t, err)
	assert.Equal(t, model.ChannelWhatsApp, cfg.DefaultChannel)

	_, err = s.Resolve("globex", testWidget)
	assert.ErrorIs(t, err, ErrUnknownClient)

	assert.Equal(t, []string{"whsec"}, s.WebhookSecrets(testClient))
	assert.Empty(t, s.WebhookSecrets("globex"))
	assert.Equal(t, []string{testClient}, s.Clients())
}

func TestConfigStore_SetDefaultsValidates(t *testing.T) {
	s := newTestConfigStore()

	err := s.SetDefaults(testClient, model.HandoverConfig{})
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, model.ErrNoChannelsEnabled)

	// Dropping portal would break the widget that defaults to it.
	err = s.SetDefaults(testClient, model.HandoverConfig{
		EnabledChannels:     []model.Channel{model.ChannelWhatsApp},
		DefaultChannel:      model.ChannelWhatsApp,
		HandoverPhoneNumber: agentPhone,
	})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, testWidget, cerr.WidgetID)

	cfg, err := s.Defaults(testClient)
	require.NoError(t, err)
	assert.Len(t, cfg.EnabledChannels, 2, "rejected writes leave the stored configuration untouched")

	require.NoError(t, s.SetDefaults("globex", model.HandoverConfig{
		EnabledChannels: []model.Channel{model.ChannelPortal},
		DefaultChannel:  model.ChannelPortal,
	}))
	assert.Equal(t, []string{testClient, "globex"}, s.Clients())
}

func TestConfigStore_SetWidget(t *testing.T) {
	s := newTestConfigStore()
	email := model.ChannelEmail

	err := s.SetWidget(testClient, "sales", model.WidgetOverride{DefaultChannel: &email})
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	_, ok, err := s.Widget(testClient, "sales")
	require.NoError(t, err)
	assert.False(t, ok)

	addr := "sales@acme.test"
	require.NoError(t, s.SetWidget(testClient, "sales", model.WidgetOverride{
		EnabledChannels: []model.Channel{model.ChannelEmail},
		DefaultChannel:  &email,
		HandoverEmail:   &addr,
	}))
	cfg, err := s.Resolve(testClient, "sales")
	require.NoError(t, err)
	assert.Equal(t, model.ChannelEmail, cfg.DefaultChannel)

	assert.ErrorIs(t, s.SetWidget("globex", "sales", model.WidgetOverride{}), ErrUnknownClient)
}

func TestConfigStore_DefaultsAreCopies(t *testing.T) {
	s := newTestConfigStore()
	cfg, err := s.Defaults(testClient)
	require.NoError(t, err)
	cfg.EnabledChannels[0] = model.ChannelEmail

	again, err := s.Defaults(testClient)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelPortal, again.EnabledChannels[0])
}

func TestConfigStore_WebhookSecretsIncludeWidgetOverrides(t *testing.T) {
	s := newTestConfigStore()

	secret := "widget-sec"
	require.NoError(t, s.SetWidget(testClient, "partners", model.WidgetOverride{WebhookSecret: &secret}))
	require.NoError(t, s.SetWidget(testClient, "inherits", model.WidgetOverride{}))

	assert.Equal(t, []string{"whsec", "widget-sec"}, s.WebhookSecrets(testClient))
}
