package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/handover-engine/internal/channel"
	"github.com/capitalize-ai/handover-engine/internal/model"
)

func TestSweep_RemindsOnceThenExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "c1")
	h.escalate(t, "c1")

	h.clock.Advance(4 * time.Minute)
	res := h.monitor.Sweep(ctx)
	assert.Equal(t, SweepResult{Visited: 1}, res)

	h.clock.Advance(2 * time.Minute)
	res = h.monitor.Sweep(ctx)
	assert.Equal(t, 1, res.Reminded)

	sent := h.whatsapp.sends()
	require.Len(t, sent, 2)
	assert.True(t, strings.HasPrefix(sent[1].Text, "#c1 Reminder"), sent[1].Text)
	assert.Equal(t, agentPhone, sent[1].Target)
	assert.NotNil(t, h.get(t, "c1").ReminderSentAt)
	assert.Len(t, h.events.eventsOf(model.EventReminderSent), 1)

	// Same silence window: no second reminder.
	h.clock.Advance(5 * time.Minute)
	res = h.monitor.Sweep(ctx)
	assert.Equal(t, 0, res.Reminded)
	assert.Len(t, h.whatsapp.sends(), 2)

	h.clock.Advance(20 * time.Minute)
	res = h.monitor.Sweep(ctx)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, model.StateInactive, h.get(t, "c1").State)

	res = h.monitor.Sweep(ctx)
	assert.Equal(t, 0, res.Visited, "inactive conversations are skipped")

	usage, err := h.tracker.Usage(ctx, testClient, model.ChannelWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Month.MessagesUsed)
}

func TestSweep_ActivityOpensNewReminderWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "c1")
	h.escalate(t, "c1")

	h.clock.Advance(6 * time.Minute)
	require.Equal(t, 1, h.monitor.Sweep(ctx).Reminded)

	_, err := h.conversations.AppendMessage(ctx, testClient, "c1", &model.AppendMessageRequest{Type: model.MessageVisitor, Text: "anyone?"})
	require.NoError(t, err)
	assert.Nil(t, h.get(t, "c1").ReminderSentAt)

	h.clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, h.monitor.Sweep(ctx).Reminded)
	assert.Len(t, h.whatsapp.sends(), 3)
}

func TestSweep_SystemMessageIsNotActivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "c1")
	h.escalate(t, "c1")
	before := h.get(t, "c1").LastActivityAt

	h.clock.Advance(time.Minute)
	_, err := h.conversations.AppendMessage(ctx, testClient, "c1", &model.AppendMessageRequest{Type: model.MessageSystem, Text: "agent notified"})
	require.NoError(t, err)
	assert.Equal(t, before, h.get(t, "c1").LastActivityAt)
}

func TestSweep_RemindersDisabled(t *testing.T) {
	h := newHarness(t)
	h.configs.update(testClient, func(c *model.HandoverConfig) { c.InactivityRemindersEnabled = false })
	h.create(t, "c1")
	h.escalate(t, "c1")

	h.clock.Advance(10 * time.Minute)
	res := h.monitor.Sweep(context.Background())
	assert.Equal(t, 0, res.Reminded)
	assert.Len(t, h.whatsapp.sends(), 1)
}

func TestSweep_UnassignedConversationExpiresWithoutReminder(t *testing.T) {
	h := newHarness(t)
	h.create(t, "c1")

	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, 0, h.monitor.Sweep(context.Background()).Reminded)

	h.clock.Advance(25 * time.Minute)
	assert.Equal(t, 1, h.monitor.Sweep(context.Background()).Expired)
	assert.Empty(t, h.whatsapp.sends())
	assert.Equal(t, model.StateInactive, h.get(t, "c1").State)
}

func TestSweep_FailedReminderReleasesClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "c1")
	h.escalate(t, "c1")
	h.whatsapp.fail(channel.InvalidTarget)

	h.clock.Advance(6 * time.Minute)
	assert.Equal(t, 0, h.monitor.Sweep(ctx).Reminded)
	assert.Nil(t, h.get(t, "c1").ReminderSentAt)

	usage, err := h.tracker.Usage(ctx, testClient, model.ChannelWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Month.MessagesUsed)

	// The next sweep retries the reminder.
	assert.Equal(t, 1, h.monitor.Sweep(ctx).Reminded)
}

func TestSweep_QuotaBlocksReminder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.policies.Set(testClient, model.ChannelWhatsApp, model.QuotaPolicy{
		Messages: model.Limit{DailyHard: 1},
	})
	h.create(t, "c1")
	h.escalate(t, "c1")

	d, err := h.tracker.CheckAndReserve(ctx, testClient, model.ChannelWhatsApp, model.UnitMessage)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NoError(t, h.tracker.Commit(ctx, d.Reservation))

	h.clock.Advance(6 * time.Minute)
	assert.Equal(t, 0, h.monitor.Sweep(ctx).Reminded)
	assert.Nil(t, h.get(t, "c1").ReminderSentAt)
	assert.Len(t, h.whatsapp.sends(), 1)
}

func TestMarkInactive_StaleObservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv := h.create(t, "c1")

	h.clock.Advance(time.Minute)
	_, err := h.conversations.AppendMessage(ctx, testClient, "c1", &model.AppendMessageRequest{Type: model.MessageVisitor, Text: "still here"})
	require.NoError(t, err)

	ok, err := h.conversations.MarkInactive(ctx, testClient, "c1", conv.LastActivityAt)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.StateActive, h.get(t, "c1").State)

	ok, err = h.conversations.MarkReminderSent(ctx, testClient, "c1", conv.LastActivityAt)
	require.NoError(t, err)
	assert.False(t, ok)

	current := h.get(t, "c1").LastActivityAt
	ok, err = h.conversations.MarkReminderSent(ctx, testClient, "c1", current)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.conversations.MarkReminderSent(ctx, testClient, "c1", current)
	require.NoError(t, err)
	assert.False(t, ok, "a reminder is claimed at most once per silence window")
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.monitor.cfg.Interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.monitor.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestSweep_DeliversRemindersConcurrently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids := []string{"c1", "c2", "c3", "c4", "c5", "c6"}
	for _, id := range ids {
		h.create(t, id)
		h.escalate(t, id)
	}
	h.whatsapp.delay = 200 * time.Millisecond
	h.clock.Advance(6 * time.Minute)

	var (
		wg    sync.WaitGroup
		first SweepResult
	)
	start := time.Now()
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = h.monitor.Sweep(ctx)
	}()

	// Reminders are claimed before delivery starts, so an overlapping
	// sweep finds nothing left to send.
	time.Sleep(50 * time.Millisecond)
	overlap := h.monitor.Sweep(ctx)
	wg.Wait()
	elapsed := time.Since(start)

	assert.Equal(t, len(ids), first.Reminded)
	assert.Equal(t, 0, overlap.Reminded)
	assert.Less(t, elapsed, 800*time.Millisecond, "reminders were delivered one after another")

	perConversation := map[string]int{}
	for _, s := range h.whatsapp.sends()[len(ids):] {
		perConversation[s.ConversationID]++
	}
	for _, id := range ids {
		assert.Equal(t, 1, perConversation[id], id)
	}
	assert.Len(t, h.events.eventsOf(model.EventReminderSent), len(ids))
	assert.Equal(t, 0, h.monitor.Sweep(ctx).Reminded)
}
