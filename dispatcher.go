package cloudguard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RemediationDispatcher drains findings from a bounded queue and invokes the
// matching provider adapter. Every attempt, including duplicates and
// failures, leaves a record in the audit store. A finding is remediated at
// most once per provider; repeat dispatches record a no-action outcome.
type RemediationDispatcher struct {
	providers *ProviderRegistry
	audit     AuditStore
	logger    zerolog.Logger
	metrics   MetricsCollector

	queue     chan *Finding
	drainWait time.Duration

	// keys serializes dispatches that share a (finding_id, provider) key so
	// the idempotency lookup and the remediation run as one unit. inflight
	// holds whatever the workers are currently processing, so Close can
	// record work cut short by the drain window.
	keysMu   sync.Mutex
	keys     map[string]*findingLock
	inflight map[*Finding]struct{}

	wg       sync.WaitGroup
	closeMu  sync.Mutex
	isClosed bool
}

type findingLock struct {
	mu   sync.Mutex
	refs int
}

func NewRemediationDispatcher(providers *ProviderRegistry, audit AuditStore, cfg RemediationConfig, logger zerolog.Logger, metrics MetricsCollector) *RemediationDispatcher {
	d := &RemediationDispatcher{
		providers: providers,
		audit:     audit,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		metrics:   metrics,
		queue:     make(chan *Finding, cfg.QueueSize),
		drainWait: cfg.DrainWait.Std(),
		keys:      make(map[string]*findingLock),
		inflight:  make(map[*Finding]struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue hands a finding to the worker pool. It never blocks: when the
// queue is full the finding is dropped and counted, since remediation is
// advisory and the audit trail records only attempts that ran.
func (d *RemediationDispatcher) Enqueue(f *Finding) bool {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.isClosed {
		d.recordInterrupted(f)
		return false
	}
	select {
	case d.queue <- f:
		d.metrics.IncrementCounter("remediation_enqueued_total", map[string]string{"provider": string(f.Provider)})
		return true
	default:
		d.logger.Warn().Str("finding_id", f.ID).Msg("remediation queue full, dropping finding")
		d.metrics.IncrementCounter("remediation_dropped_total", map[string]string{"provider": string(f.Provider)})
		return false
	}
}

func (d *RemediationDispatcher) worker() {
	defer d.wg.Done()
	for f := range d.queue {
		d.keysMu.Lock()
		d.inflight[f] = struct{}{}
		d.keysMu.Unlock()
		d.dispatch(f)
		d.keysMu.Lock()
		delete(d.inflight, f)
		d.keysMu.Unlock()
	}
}

func remediationKey(f *Finding) string {
	return f.ID + "/" + string(f.Provider)
}

// lockKey takes the per-key mutex, creating it on first use. Entries are
// reference counted and removed once the last holder releases.
func (d *RemediationDispatcher) lockKey(key string) *findingLock {
	d.keysMu.Lock()
	l, ok := d.keys[key]
	if !ok {
		l = &findingLock{}
		d.keys[key] = l
	}
	l.refs++
	d.keysMu.Unlock()
	l.mu.Lock()
	return l
}

func (d *RemediationDispatcher) unlockKey(key string, l *findingLock) {
	l.mu.Unlock()
	d.keysMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(d.keys, key)
	}
	d.keysMu.Unlock()
}

func (d *RemediationDispatcher) dispatch(f *Finding) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Two workers can hold findings with the same key at once. The lookup
	// and the remediation must not interleave, or both would act.
	key := remediationKey(f)
	l := d.lockKey(key)
	defer d.unlockKey(key, l)

	f.AdvanceStatus(StatusDispatched)

	adapter, ok := d.providers.Get(f.Provider)
	if !ok {
		d.logger.Error().Err(ErrUnknownProvider).Str("finding_id", f.ID).Str("provider", string(f.Provider)).Msg("no adapter for provider")
		d.record(ctx, f, OutcomeFailed, ErrUnknownProvider.Error())
		return
	}

	seen, err := d.audit.HasRecord(ctx, f.ID, f.Provider)
	if err != nil {
		d.logger.Error().Err(err).Str("finding_id", f.ID).Msg("idempotency lookup failed")
		d.record(ctx, f, OutcomeFailed, "audit store unavailable")
		return
	}
	if seen {
		d.logger.Debug().Str("finding_id", f.ID).Msg("finding already remediated, skipping")
		f.AdvanceStatus(StatusSuppressed)
		d.record(ctx, f, OutcomeNoAction, "already remediated")
		return
	}

	start := time.Now()
	outcome, action, err := adapter.Remediate(ctx, f.Violation, f.ResourceRef)
	d.metrics.ObserveHistogram("remediation_duration_seconds", time.Since(start).Seconds(),
		map[string]string{"provider": string(f.Provider)})
	if err != nil {
		d.logger.Error().Err(err).
			Str("finding_id", f.ID).
			Str("provider", string(f.Provider)).
			Msg("remediation failed")
		d.record(ctx, f, OutcomeFailed, err.Error())
		return
	}

	switch outcome {
	case OutcomeSuccess:
		f.AdvanceStatus(StatusRemediated)
	case OutcomeNoAction:
		f.AdvanceStatus(StatusSuppressed)
	}
	d.logger.Info().
		Str("finding_id", f.ID).
		Str("provider", string(f.Provider)).
		Str("outcome", string(outcome)).
		Str("action", action).
		Msg("remediation complete")
	d.record(ctx, f, outcome, action)
}

func (d *RemediationDispatcher) record(ctx context.Context, f *Finding, outcome Outcome, action string) {
	rec := RemediationRecord{
		FindingID:   f.ID,
		Provider:    f.Provider,
		ActionTaken: action,
		Outcome:     outcome,
		Timestamp:   newTimestamp(),
	}
	if err := d.audit.AppendRemediation(ctx, rec); err != nil {
		d.logger.Error().Err(err).Str("finding_id", f.ID).Msg("failed to append remediation record")
	}
	d.metrics.IncrementCounter("remediation_outcomes_total",
		map[string]string{"provider": string(f.Provider), "outcome": string(outcome)})
}

func (d *RemediationDispatcher) recordInterrupted(f *Finding) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.record(ctx, f, OutcomeFailed, "dispatcher shutting down")
}

// Close stops intake and waits up to the configured drain window for queued
// work to finish. Findings still unprocessed after the window are recorded
// as failed rather than dropped silently, including the ones in a worker's
// hands when the process is about to exit.
func (d *RemediationDispatcher) Close() {
	d.closeMu.Lock()
	if d.isClosed {
		d.closeMu.Unlock()
		return
	}
	d.isClosed = true
	close(d.queue)
	d.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(d.drainWait):
	}

	d.logger.Warn().Msg("drain window elapsed, recording remaining findings as interrupted")
	for {
		f, ok := <-d.queue
		if !ok {
			break
		}
		d.recordInterrupted(f)
	}

	// The queue is empty now; give the workers one more window to finish
	// their current dispatch, then record whatever is still stuck.
	select {
	case <-done:
		return
	case <-time.After(d.drainWait):
	}
	d.keysMu.Lock()
	stuck := make([]*Finding, 0, len(d.inflight))
	for f := range d.inflight {
		stuck = append(stuck, f)
	}
	d.keysMu.Unlock()
	for _, f := range stuck {
		d.recordInterrupted(f)
	}
}
