// Package main is the entry point for the handover engine API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/handover-engine/internal/amqp"
	"github.com/capitalize-ai/handover-engine/internal/channel"
	"github.com/capitalize-ai/handover-engine/internal/config"
	"github.com/capitalize-ai/handover-engine/internal/handler"
	"github.com/capitalize-ai/handover-engine/internal/middleware"
	"github.com/capitalize-ai/handover-engine/internal/model"
	natsclient "github.com/capitalize-ai/handover-engine/internal/nats"
	"github.com/capitalize-ai/handover-engine/internal/quota"
	"github.com/capitalize-ai/handover-engine/internal/service"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
	"github.com/capitalize-ai/handover-engine/pkg/tracing"
)

// portalQueueCapacity bounds queued portal notifications per client.
const portalQueueCapacity = 1000

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting handover engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "handover-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	tenants, err := config.LoadTenants(cfg.TenantsFile)
	if err != nil {
		log.Fatal("failed to load tenants", zap.String("path", cfg.TenantsFile), zap.Error(err))
	}
	configs := service.NewConfigStore(tenants)

	// Connect to NATS
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	// Ensure JetStream stream exists
	streamManager := natsclient.NewStreamManager(natsClient)
	if err := streamManager.EnsureStream(ctx); err != nil {
		log.Fatal("failed to ensure stream", zap.Error(err))
	}

	// Notification bus for email and phone
	bus, err := amqp.Dial(cfg.AMQPURL, cfg.AMQPExchange, log)
	if err != nil {
		log.Fatal("failed to connect to notification bus", zap.Error(err))
	}
	defer bus.Close()

	// Quota tracking
	quotaStore, err := quota.NewSQLiteStore(cfg.QuotaDBPath, log)
	if err != nil {
		log.Fatal("failed to open quota store", zap.String("path", cfg.QuotaDBPath), zap.Error(err))
	}
	defer quotaStore.Close()

	policies := quota.NewPolicies(model.QuotaPolicy{})
	for _, c := range tenants.Clients {
		for ch, p := range c.Quota {
			policies.Set(c.ID, ch, p)
		}
	}
	alerts := service.NewAlerter(streamManager, log)
	tracker := quota.NewTracker(policies, quotaStore, log, quota.WithSoftLimitHook(alerts.QuotaWarning))

	// Channel adapters
	hub := channel.NewPortalHub(log)
	go hub.Run(ctx)
	portal := channel.NewPortalAdapter(hub, portalQueueCapacity, cfg.ChannelTestMode, log)
	busCfg := channel.BusConfig{GatewaySecret: cfg.GatewaySecret, TestMode: cfg.ChannelTestMode}
	adapters := channel.NewRegistry(
		channel.NewWhatsAppAdapter(channel.WhatsAppConfig{
			APIBase:       cfg.WhatsAppAPIBase,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			AccessToken:   cfg.WhatsAppAccessToken,
			AppSecret:     cfg.WhatsAppAppSecret,
			TestMode:      cfg.ChannelTestMode,
		}, log),
		channel.NewWebhookAdapter(&http.Client{Timeout: cfg.SendTimeout}, configs.WebhookSecrets, cfg.ChannelTestMode, log),
		channel.NewEmailAdapter(bus, busCfg, log),
		channel.NewPhoneAdapter(bus, busCfg, log),
		portal,
	)

	// Initialize services
	routerCfg := service.RouterConfig{
		SendTimeout: cfg.SendTimeout,
		MaxAttempts: cfg.MaxSendAttempts,
		BaseBackoff: cfg.RetryBaseBackoff,
		MaxBackoff:  cfg.RetryMaxBackoff,
		Fallback:    model.FallbackPolicy(cfg.FallbackPolicy),
	}
	conversationSvc := service.NewConversationService(streamManager, log)
	router := service.NewRouter(conversationSvc, configs, tracker, adapters, alerts, routerCfg, log)
	resolver := service.NewResolver(conversationSvc, configs, adapters, log)
	inboundSvc := service.NewInboundService(conversationSvc, resolver, adapters, tracker,
		service.NewDedupeCache(cfg.DedupeTTL, 0), routerCfg, log)
	monitor := service.NewInactivityMonitor(conversationSvc, configs, adapters, tracker, service.MonitorConfig{
		Interval:          cfg.SweepInterval,
		ReminderThreshold: cfg.ReminderThreshold,
		ExpiryThreshold:   cfg.ExpiryThreshold,
		ReminderWorkers:   cfg.ReminderWorkers,
	}, routerCfg, log)
	go monitor.Run(ctx)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(
		handler.Check{Name: "nats", Fn: func(context.Context) error {
			if !natsClient.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}},
		handler.Check{Name: "amqp", Fn: func(context.Context) error {
			if !bus.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}},
		handler.Check{Name: "quota_store", Fn: quotaStore.Ping},
	)
	conversationHandler := handler.NewConversationHandler(conversationSvc, router, streamManager, portal, log)
	inboundHandler := handler.NewInboundHandler(inboundSvc, adapters, log)
	adminHandler := handler.NewAdminHandler(configs, tracker, log)
	portalHandler := handler.NewPortalHandler(portal, hub, nil, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Provider callbacks authenticate by signature
	r.With(middleware.WebhookRateLimit(cfg.RateLimitRequests*10, cfg.RateLimitWindow)).
		Post("/webhooks/{channel}/{clientID}", inboundHandler.Receive)

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Delete("/", conversationHandler.Delete)

				// Messages
				r.Get("/messages", conversationHandler.Messages)
				r.Post("/messages", conversationHandler.AppendMessage)
				r.Post("/read", conversationHandler.MarkRead)
				r.Get("/events", conversationHandler.Events)

				// Handover
				r.Post("/escalate", conversationHandler.Escalate)
				r.Post("/close", conversationHandler.Close)
				r.With(middleware.RequireScope(middleware.ScopeAgent)).
					Post("/reply", conversationHandler.Reply)
			})
		})

		r.Get("/inbound/unresolved", inboundHandler.Unresolved)
		r.Get("/quota/{channel}", adminHandler.Quota)

		// Handover configuration
		r.Get("/handover/defaults", adminHandler.GetDefaults)
		r.Get("/widgets/{widgetID}/handover", adminHandler.GetWidget)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeAdmin))
			r.Put("/handover/defaults", adminHandler.PutDefaults)
			r.Put("/widgets/{widgetID}/handover", adminHandler.PutWidget)
		})

		// Portal channel
		r.Route("/portal", func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeAgent))
			r.Get("/notifications", portalHandler.Pending)
			r.Get("/ws", portalHandler.Connect)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
