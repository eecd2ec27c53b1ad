package cloudguard

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Decision is the outcome of a rate-limit admission check.
type Decision struct {
	Allowed     bool
	Remaining   int
	Whitelisted bool
}

// LimiterSnapshot is an immutable view of the limiter parameters. Readers load
// it atomically, so config updates never race in-flight admissions.
type LimiterSnapshot struct {
	Limit     int
	Window    time.Duration
	whitelist map[string]struct{}
}

// Whitelisted reports whether the origin bypasses the counter store.
func (s *LimiterSnapshot) Whitelisted(originID string) bool {
	_, ok := s.whitelist[originID]
	return ok
}

// Whitelist returns the exempt origins, sorted for stable output.
func (s *LimiterSnapshot) Whitelist() []string {
	origins := make([]string, 0, len(s.whitelist))
	for origin := range s.whitelist {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	return origins
}

func newLimiterSnapshot(cfg RateLimitConfig) *LimiterSnapshot {
	wl := make(map[string]struct{}, len(cfg.Whitelist))
	for _, origin := range cfg.Whitelist {
		wl[origin] = struct{}{}
	}
	return &LimiterSnapshot{Limit: cfg.Limit, Window: cfg.Window.Std(), whitelist: wl}
}

// RateLimiter enforces a fixed-window request budget per origin on top of a
// shared CounterStore. Counter lifetime is store-managed TTL, so a crash never
// leaves permanent state behind.
//
// When the store is unreachable the limiter fails open: the request is
// admitted and the failure logged. Rejecting legitimate traffic because a
// cache node flapped is worse than briefly losing the budget.
type RateLimiter struct {
	store   CounterStore
	cfg     atomic.Pointer[LimiterSnapshot]
	logger  zerolog.Logger
	metrics MetricsCollector
}

// NewRateLimiter builds a limiter from the given config snapshot.
func NewRateLimiter(store CounterStore, cfg RateLimitConfig, logger zerolog.Logger, metrics MetricsCollector) *RateLimiter {
	rl := &RateLimiter{store: store, logger: logger, metrics: metrics}
	rl.cfg.Store(newLimiterSnapshot(cfg))
	return rl
}

// Snapshot returns the parameters currently in force.
func (rl *RateLimiter) Snapshot() *LimiterSnapshot {
	return rl.cfg.Load()
}

// Update swaps in new limiter parameters. Existing window counters keep their
// original TTL; only the admission threshold changes.
func (rl *RateLimiter) Update(cfg RateLimitConfig) {
	rl.cfg.Store(newLimiterSnapshot(cfg))
}

// Admit checks the origin against its window budget. The request numbered
// exactly Limit within a window is still allowed; Limit+1 is rejected.
func (rl *RateLimiter) Admit(ctx context.Context, originID string) (Decision, error) {
	snap := rl.cfg.Load()

	if snap.Whitelisted(originID) {
		return Decision{Allowed: true, Remaining: snap.Limit, Whitelisted: true}, nil
	}

	key := fmt.Sprintf("rate_limit:%s", originID)
	count, err := rl.store.Increment(ctx, key, snap.Window)
	if err != nil {
		rl.logger.Warn().Err(err).Str("origin", originID).Msg("counter store unavailable, admitting request")
		if rl.metrics != nil {
			rl.metrics.IncrementCounter("ratelimit_store_errors_total", nil)
		}
		return Decision{Allowed: true, Remaining: 0}, nil
	}

	if count > snap.Limit {
		if rl.metrics != nil {
			rl.metrics.IncrementCounter("ratelimit_rejected_total", map[string]string{"origin": originID})
		}
		return Decision{Allowed: false, Remaining: 0}, nil
	}
	return Decision{Allowed: true, Remaining: snap.Limit - count}, nil
}

// HealthCheck reports whether the backing store is reachable.
func (rl *RateLimiter) HealthCheck(ctx context.Context) error {
	return rl.store.HealthCheck(ctx)
}
