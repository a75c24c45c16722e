package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/handover-engine/internal/channel"
	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/internal/quota"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
	"github.com/capitalize-ai/handover-engine/pkg/metrics"
	"github.com/capitalize-ai/handover-engine/pkg/tracing"
)

// MonitorConfig holds the inactivity thresholds.
type MonitorConfig struct {
	Interval          time.Duration
	ReminderThreshold time.Duration
	ExpiryThreshold   time.Duration
	// ReminderWorkers bounds the reminders delivered concurrently by one sweep.
	ReminderWorkers int
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Visited  int
	Reminded int
	Expired  int
}

// InactivityMonitor periodically reminds agents of silent conversations and
// expires conversations that stayed silent too long.
type InactivityMonitor struct {
	conversations *ConversationService
	configs       ConfigSource
	adapters      *channel.Registry
	quota         *quota.Tracker
	cfg           MonitorConfig
	send          RouterConfig
	logger        *logger.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// NewInactivityMonitor creates a monitor. send configures reminder delivery.
func NewInactivityMonitor(
	conversations *ConversationService,
	configs ConfigSource,
	adapters *channel.Registry,
	tracker *quota.Tracker,
	cfg MonitorConfig,
	send RouterConfig,
	log *logger.Logger,
) *InactivityMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ReminderWorkers <= 0 {
		cfg.ReminderWorkers = 8
	}
	return &InactivityMonitor{
		conversations: conversations,
		configs:       configs,
		adapters:      adapters,
		quota:         tracker,
		cfg:           cfg,
		send:          send,
		logger:        log.Component("inactivity"),
		tracer:        tracing.Tracer("handover-engine/inactivity"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on every interval until ctx is cancelled.
func (m *InactivityMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("inactivity monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("reminder_threshold", m.cfg.ReminderThreshold),
		zap.Duration("expiry_threshold", m.cfg.ExpiryThreshold),
	)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("inactivity monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep visits every conversation that is neither closed nor inactive once.
// Transitions are conditional on the activity observed when the sweep
// started, so a conversation that receives a message mid-sweep is left alone.
// Reminders are claimed in the loop and delivered by a bounded set of
// workers, so a slow channel does not hold up expiry of other conversations.
func (m *InactivityMonitor) Sweep(ctx context.Context) SweepResult {
	ctx, span := m.tracer.Start(ctx, "inactivity.sweep")
	defer span.End()
	start := time.Now()

	var (
		res      SweepResult
		mu       sync.Mutex
		wg       sync.WaitGroup
		sem      = make(chan struct{}, m.cfg.ReminderWorkers)
		reminded int
	)
	now := m.now()
	for _, conv := range m.conversations.NonTerminal() {
		if ctx.Err() != nil {
			break
		}
		res.Visited++
		silence := now.Sub(conv.LastActivityAt)

		if m.cfg.ExpiryThreshold > 0 && silence > m.cfg.ExpiryThreshold {
			ok, err := m.conversations.MarkInactive(ctx, conv.ClientID, conv.ID, conv.LastActivityAt)
			if err != nil {
				m.logger.Warn("failed to expire conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
				continue
			}
			if ok {
				res.Expired++
				metrics.ConversationsExpired.Inc()
			}
			continue
		}

		if m.cfg.ReminderThreshold > 0 && silence > m.cfg.ReminderThreshold && conv.ReminderSentAt == nil {
			job, ok := m.claimReminder(ctx, conv)
			if !ok {
				continue
			}
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer func() {
					<-sem
					wg.Done()
				}()
				if m.deliverReminder(ctx, job) {
					mu.Lock()
					reminded++
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()
	res.Reminded = reminded

	span.SetAttributes(
		attribute.Int("visited", res.Visited),
		attribute.Int("reminded", res.Reminded),
		attribute.Int("expired", res.Expired),
	)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if res.Reminded > 0 || res.Expired > 0 {
		m.logger.Info("inactivity sweep finished",
			zap.Int("visited", res.Visited),
			zap.Int("reminded", res.Reminded),
			zap.Int("expired", res.Expired),
		)
	}
	return res
}

// reminderJob is a claimed reminder waiting for delivery.
type reminderJob struct {
	conv        model.Conversation
	cfg         model.HandoverConfig
	adapter     channel.Adapter
	reservation *quota.Reservation
}

// claimReminder marks the reminder as sent and reserves quota for it. The
// claim is conditional on the observed activity, so concurrent sweeps cannot
// both send it.
func (m *InactivityMonitor) claimReminder(ctx context.Context, conv model.Conversation) (*reminderJob, bool) {
	if conv.AssignedChannel == nil {
		return nil, false
	}
	ch := *conv.AssignedChannel

	cfg, err := m.configs.Resolve(conv.ClientID, conv.WidgetID)
	if err != nil || !cfg.InactivityRemindersEnabled {
		return nil, false
	}
	adapter, ok := m.adapters.Get(ch)
	if !ok {
		return nil, false
	}

	claimed, err := m.conversations.MarkReminderSent(ctx, conv.ClientID, conv.ID, conv.LastActivityAt)
	if err != nil || !claimed {
		return nil, false
	}

	decision, err := m.quota.CheckAndReserve(ctx, conv.ClientID, ch, model.UnitMessage)
	if err != nil || !decision.Allowed {
		m.logger.Warn("reminder skipped, no quota",
			zap.String("conversation_id", conv.ID),
			zap.String("channel", string(ch)),
			zap.Error(err),
		)
		metrics.RemindersSent.WithLabelValues(string(ch), "quota_exceeded").Inc()
		m.conversations.ClearReminder(ctx, conv.ClientID, conv.ID, conv.LastActivityAt)
		return nil, false
	}
	return &reminderJob{conv: conv, cfg: cfg, adapter: adapter, reservation: decision.Reservation}, true
}

// deliverReminder sends a claimed reminder through the conversation's
// assigned channel. A failed send releases the quota and the claim.
func (m *InactivityMonitor) deliverReminder(ctx context.Context, job *reminderJob) bool {
	conv, cfg := &job.conv, job.cfg
	ch := job.adapter.Channel()

	text := fmt.Sprintf("Reminder: conversation %s has had no activity for %s.", conv.ID,
		m.now().Sub(conv.LastActivityAt).Truncate(time.Minute))
	if cfg.MultiChatEnabled && job.adapter.Capabilities().SupportsMultiplex {
		text = channel.Tag(conv.ID, text)
	}
	out := &channel.Outbound{
		ClientID:       conv.ClientID,
		ConversationID: conv.ID,
		Target:         cfg.Target(ch, conv.ClientID),
		Text:           text,
		VisitorName:    conv.VisitorName,
		VisitorContact: conv.VisitorContact,
		Timestamp:      m.now(),
	}
	if conv.HandoverAddress != "" {
		out.Target = conv.HandoverAddress
	}
	if ch == model.ChannelWebhook {
		out.Secret = cfg.WebhookSecret
	}

	if _, derr := sendWithRetry(ctx, job.adapter, out, m.send, nil, m.logger); derr != nil {
		_ = m.quota.Release(ctx, job.reservation)
		m.conversations.ClearReminder(ctx, conv.ClientID, conv.ID, conv.LastActivityAt)
		metrics.RemindersSent.WithLabelValues(string(ch), "failed").Inc()
		m.logger.Warn("reminder delivery failed",
			zap.String("conversation_id", conv.ID),
			zap.String("channel", string(ch)),
			zap.Error(derr),
		)
		return false
	}
	if err := m.quota.Commit(ctx, job.reservation); err != nil {
		m.logger.Error("failed to persist quota usage", zap.Error(err))
	}
	metrics.RemindersSent.WithLabelValues(string(ch), "sent").Inc()

	ev := newEvent(conv, model.EventReminderSent, "", m.now())
	ev.Metadata = map[string]any{"channel": string(ch)}
	m.conversations.notify.event(ctx, ev)
	return true
}
