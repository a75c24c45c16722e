package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
	"github.com/capitalize-ai/handover-engine/pkg/metrics"
)

// Unlimited is reported as Remaining when no cap or soft limit applies.
const Unlimited int64 = -1

var (
	// ErrUnknownReservation is returned when a reservation was not issued by the tracker.
	ErrUnknownReservation = errors.New("unknown reservation")
	// ErrHardLimit marks a denial by a hard cap.
	ErrHardLimit = errors.New("quota hard limit reached")
)

type reservationState int

const (
	reservationPending reservationState = iota
	reservationCommitted
	reservationReleased
)

// Reservation is a unit held against a client's quota until committed or released.
type Reservation struct {
	ID        string
	ClientID  string
	Channel   model.Channel
	Unit      model.UnitKind
	CreatedAt time.Time

	state reservationState
}

// Decision is the result of CheckAndReserve.
type Decision struct {
	Allowed bool
	// Remaining is the number of units left after this reservation, or
	// Unlimited when neither a cap nor a soft limit is configured.
	Remaining int64
	// OverSoftLimit is true when the reservation will accrue cost.
	OverSoftLimit bool
	Reservation   *Reservation
}

// SoftLimitHook is called once when a counter crosses its soft limit.
type SoftLimitHook func(clientID string, ch model.Channel, unit model.UnitKind, used int64)

type counterKey struct {
	clientID string
	channel  model.Channel
}

type entry struct {
	mu       sync.Mutex
	loaded   bool
	day      model.QuotaCounter
	month    model.QuotaCounter
	reserved map[model.UnitKind]int64
}

// Tracker enforces quota policies.
type Tracker struct {
	policies *Policies
	store    CounterStore
	logger   *logger.Logger
	now      func() time.Time
	onSoft   SoftLimitHook

	mu      sync.Mutex
	entries map[counterKey]*entry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithSoftLimitHook registers a callback for soft limit crossings.
func WithSoftLimitHook(h SoftLimitHook) Option {
	return func(t *Tracker) { t.onSoft = h }
}

// NewTracker creates a tracker. store may be nil for process-local counters.
func NewTracker(policies *Policies, store CounterStore, log *logger.Logger, opts ...Option) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	t := &Tracker{
		policies: policies,
		store:    store,
		logger:   log.Component("quota"),
		now:      time.Now,
		entries:  make(map[counterKey]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// lock returns the locked entry for a key, loading it from the store on first use.
func (t *Tracker) lock(ctx context.Context, clientID string, ch model.Channel) (*entry, error) {
	key := counterKey{clientID: clientID, channel: ch}

	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{reserved: make(map[model.UnitKind]int64)}
		t.entries[key] = e
	}
	t.mu.Unlock()

	e.mu.Lock()
	if !e.loaded {
		day, month, err := t.store.LoadCounters(ctx, clientID, ch)
		if err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("load quota counters: %w", err)
		}
		e.day = counterOrNew(day, clientID, ch, model.PeriodDay)
		e.month = counterOrNew(month, clientID, ch, model.PeriodMonth)
		e.loaded = true
	}
	t.rollover(e)
	e.month.SoftLimit = t.policies.Get(clientID, ch).Messages.MonthlySoft
	return e, nil
}

func counterOrNew(c *model.QuotaCounter, clientID string, ch model.Channel, p model.Period) model.QuotaCounter {
	if c != nil {
		return *c
	}
	return model.QuotaCounter{ClientID: clientID, Channel: ch, Period: p}
}

// rollover resets counters whose period ended. Must be called with e.mu held.
func (t *Tracker) rollover(e *entry) {
	now := t.now()
	for _, c := range []*model.QuotaCounter{&e.day, &e.month} {
		start := c.Period.Start(now)
		if c.PeriodStart.Equal(start) {
			continue
		}
		*c = model.QuotaCounter{
			ClientID:    c.ClientID,
			Channel:     c.Channel,
			Period:      c.Period,
			PeriodStart: start,
			SoftLimit:   c.SoftLimit,
		}
	}
}

// remaining computes what is left for a unit. hard is true when a cap applies.
func remaining(e *entry, unit model.UnitKind, limit model.Limit) (left int64, hard bool) {
	reserved := e.reserved[unit]
	usedMonth := e.month.Used(unit) + reserved
	usedDay := e.day.Used(unit) + reserved

	left = Unlimited
	if limit.MonthlyHard > 0 {
		left = limit.MonthlyHard - usedMonth
		hard = true
	}
	if limit.DailyHard > 0 {
		d := limit.DailyHard - usedDay
		if !hard || d < left {
			left = d
		}
		hard = true
	}
	if !hard && limit.MonthlySoft > 0 {
		left = limit.MonthlySoft - usedMonth
	}
	if left < 0 && (hard || limit.MonthlySoft > 0) {
		left = 0
	}
	return left, hard
}

// CheckAndReserve reserves one unit for an outbound send. It is atomic with
// respect to concurrent reservations on the same client and channel.
func (t *Tracker) CheckAndReserve(ctx context.Context, clientID string, ch model.Channel, unit model.UnitKind) (Decision, error) {
	e, err := t.lock(ctx, clientID, ch)
	if err != nil {
		return Decision{}, err
	}
	defer e.mu.Unlock()

	limit := t.policies.Get(clientID, ch).For(unit)
	left, hard := remaining(e, unit, limit)
	if hard && left <= 0 {
		metrics.QuotaReservations.WithLabelValues(string(ch), string(unit), "denied").Inc()
		t.logger.Warn("quota hard cap reached",
			zap.String("client_id", clientID),
			zap.String("channel", string(ch)),
			zap.String("unit", string(unit)),
		)
		return Decision{Allowed: false, Remaining: 0}, nil
	}

	e.reserved[unit]++
	left, _ = remaining(e, unit, limit)

	over := limit.MonthlySoft > 0 && e.month.Used(unit)+e.reserved[unit] > limit.MonthlySoft
	metrics.QuotaReservations.WithLabelValues(string(ch), string(unit), "reserved").Inc()

	return Decision{
		Allowed:       true,
		Remaining:     left,
		OverSoftLimit: over,
		Reservation: &Reservation{
			ID:        uuid.NewString(),
			ClientID:  clientID,
			Channel:   ch,
			Unit:      unit,
			CreatedAt: t.now(),
		},
	}, nil
}

// Commit turns a reservation into committed usage. Committing twice is a no-op.
func (t *Tracker) Commit(ctx context.Context, r *Reservation) error {
	if r == nil {
		return ErrUnknownReservation
	}
	e, err := t.lock(ctx, r.ClientID, r.Channel)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if r.state != reservationPending {
		return nil
	}
	r.state = reservationCommitted
	t.unreserve(e, r.Unit)

	limit := t.policies.Get(r.ClientID, r.Channel).For(r.Unit)
	wasOver := limit.MonthlySoft > 0 && e.month.Used(r.Unit) > limit.MonthlySoft

	e.day.Add(r.Unit, 1)
	e.month.Add(r.Unit, 1)

	if limit.MonthlySoft > 0 && e.month.Used(r.Unit) > limit.MonthlySoft {
		e.day.AccruedCost += limit.CostPerUnit
		e.month.AccruedCost += limit.CostPerUnit
		e.day.OverQuota = true
		e.month.OverQuota = true
		if !wasOver {
			metrics.OverQuotaTransitions.WithLabelValues(string(r.Channel), string(r.Unit)).Inc()
			t.logger.Warn("soft limit exceeded, accruing cost",
				zap.String("client_id", r.ClientID),
				zap.String("channel", string(r.Channel)),
				zap.String("unit", string(r.Unit)),
				zap.Int64("used", e.month.Used(r.Unit)),
				zap.Int64("soft_limit", limit.MonthlySoft),
			)
			if t.onSoft != nil {
				t.onSoft(r.ClientID, r.Channel, r.Unit, e.month.Used(r.Unit))
			}
		}
	}
	metrics.QuotaReservations.WithLabelValues(string(r.Channel), string(r.Unit), "committed").Inc()

	if err := t.store.SaveCounter(ctx, &e.day); err != nil {
		return fmt.Errorf("persist day counter: %w", err)
	}
	if err := t.store.SaveCounter(ctx, &e.month); err != nil {
		return fmt.Errorf("persist month counter: %w", err)
	}
	return nil
}

// Release returns a reserved unit. Releasing a settled reservation is a no-op.
func (t *Tracker) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return ErrUnknownReservation
	}
	e, err := t.lock(ctx, r.ClientID, r.Channel)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if r.state != reservationPending {
		return nil
	}
	r.state = reservationReleased
	t.unreserve(e, r.Unit)
	metrics.QuotaReservations.WithLabelValues(string(r.Channel), string(r.Unit), "released").Inc()
	return nil
}

func (t *Tracker) unreserve(e *entry, unit model.UnitKind) {
	if e.reserved[unit] > 0 {
		e.reserved[unit]--
	}
}

// Usage returns the current counters of a client and channel.
func (t *Tracker) Usage(ctx context.Context, clientID string, ch model.Channel) (model.QuotaUsage, error) {
	e, err := t.lock(ctx, clientID, ch)
	if err != nil {
		return model.QuotaUsage{}, err
	}
	defer e.mu.Unlock()
	return model.QuotaUsage{
		Day:    e.day,
		Month:  e.month,
		Policy: t.policies.Get(clientID, ch),
	}, nil
}

// Remaining reports the units left for a client, channel and unit without reserving.
func (t *Tracker) Remaining(ctx context.Context, clientID string, ch model.Channel, unit model.UnitKind) (int64, error) {
	e, err := t.lock(ctx, clientID, ch)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()
	left, _ := remaining(e, unit, t.policies.Get(clientID, ch).For(unit))
	return left, nil
}
