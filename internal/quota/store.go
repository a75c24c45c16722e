package quota

import (
	"context"
	"sync"

	"github.com/capitalize-ai/handover-engine/internal/model"
)

// CounterStore persists quota counters.
type CounterStore interface {
	// LoadCounters returns the stored day and month counters; either may be nil.
	LoadCounters(ctx context.Context, clientID string, ch model.Channel) (day, month *model.QuotaCounter, err error)
	// SaveCounter upserts a counter.
	SaveCounter(ctx context.Context, c *model.QuotaCounter) error
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	counters map[string]model.QuotaCounter
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]model.QuotaCounter)}
}

func storeKey(clientID string, ch model.Channel, p model.Period) string {
	return clientID + "|" + string(ch) + "|" + string(p)
}

// LoadCounters returns copies of the stored counters.
func (s *MemoryStore) LoadCounters(ctx context.Context, clientID string, ch model.Channel) (*model.QuotaCounter, *model.QuotaCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var day, month *model.QuotaCounter
	if c, ok := s.counters[storeKey(clientID, ch, model.PeriodDay)]; ok {
		day = &c
	}
	if c, ok := s.counters[storeKey(clientID, ch, model.PeriodMonth)]; ok {
		month = &c
	}
	return day, month, nil
}

// SaveCounter stores a copy of c.
func (s *MemoryStore) SaveCounter(ctx context.Context, c *model.QuotaCounter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[storeKey(c.ClientID, c.Channel, c.Period)] = *c
	return nil
}
