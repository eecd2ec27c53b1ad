package cloudguard

import (
	"context"
	"sync"
	"time"
)

// InMemoryCounterStore implements CounterStore with process-local storage.
// Expired counters are replaced lazily on the next increment, mirroring
// store-managed TTL semantics.
type InMemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
}

type memCounter struct {
	count       int
	windowStart time.Time
	expires     time.Time
}

func NewInMemoryCounterStore() *InMemoryCounterStore {
	return &InMemoryCounterStore{counters: make(map[string]*memCounter)}
}

func (s *InMemoryCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	counter, exists := s.counters[key]
	if !exists || now.After(counter.expires) {
		s.counters[key] = &memCounter{
			count:       1,
			windowStart: now,
			expires:     now.Add(window),
		}
		return 1, nil
	}
	counter.count++
	return counter.count, nil
}

func (s *InMemoryCounterStore) Get(ctx context.Context, key string) (*RateCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, exists := s.counters[key]
	if !exists || time.Now().After(counter.expires) {
		return nil, nil
	}
	return &RateCounter{OriginID: key, WindowStart: counter.windowStart, Count: counter.count}, nil
}

func (s *InMemoryCounterStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

func (s *InMemoryCounterStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Cleanup drops expired counters. Increment already ignores them, so this only
// reclaims memory on long-idle origins.
func (s *InMemoryCounterStore) Cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, counter := range s.counters {
		if now.After(counter.expires) {
			delete(s.counters, key)
		}
	}
}
