package model

import (
	"time"
)

// UnitKind is the unit a reservation consumes.
type UnitKind string

const (
	UnitMessage      UnitKind = "message"
	UnitConversation UnitKind = "conversation"
)

// Period is a billing period granularity.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// Start returns the UTC start of the period containing t.
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	if p == PeriodDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// QuotaCounter holds usage for one client, channel and billing period.
type QuotaCounter struct {
	ClientID          string    `json:"client_id"`
	Channel           Channel   `json:"channel"`
	Period            Period    `json:"period"`
	PeriodStart       time.Time `json:"period_start"`
	MessagesUsed      int64     `json:"messages_used"`
	ConversationsUsed int64     `json:"conversations_used"`
	SoftLimit         int64     `json:"soft_limit"`
	AccruedCost       float64   `json:"accrued_cost"`
	OverQuota         bool      `json:"over_quota"`
}

// Used returns the committed count for a unit kind.
func (c *QuotaCounter) Used(unit UnitKind) int64 {
	if unit == UnitConversation {
		return c.ConversationsUsed
	}
	return c.MessagesUsed
}

// Add increments the committed count for a unit kind.
func (c *QuotaCounter) Add(unit UnitKind, n int64) {
	if unit == UnitConversation {
		c.ConversationsUsed += n
		return
	}
	c.MessagesUsed += n
}

// Limit bounds one unit kind. Zero values mean "no limit".
type Limit struct {
	MonthlySoft int64   `json:"monthly_soft" yaml:"monthly_soft"`
	MonthlyHard int64   `json:"monthly_hard" yaml:"monthly_hard"`
	DailyHard   int64   `json:"daily_hard" yaml:"daily_hard"`
	CostPerUnit float64 `json:"cost_per_unit" yaml:"cost_per_unit"`
}

// QuotaPolicy holds the limits for one client and channel.
type QuotaPolicy struct {
	Messages      Limit `json:"messages" yaml:"messages"`
	Conversations Limit `json:"conversations" yaml:"conversations"`
}

// For returns the limit for a unit kind.
func (p QuotaPolicy) For(unit UnitKind) Limit {
	if unit == UnitConversation {
		return p.Conversations
	}
	return p.Messages
}

// QuotaUsage is the dashboard view of a client's channel usage.
type QuotaUsage struct {
	Day    QuotaCounter `json:"day"`
	Month  QuotaCounter `json:"month"`
	Policy QuotaPolicy  `json:"policy"`
}
