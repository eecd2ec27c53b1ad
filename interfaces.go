package cloudguard

import (
	"context"
	"time"
)

// CounterStore is the shared store backing the rate limiter. Increment must be
// atomic: it creates the counter at 1 with the window TTL when absent, and
// returns the post-increment count otherwise.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int, err error)
	Get(ctx context.Context, key string) (*RateCounter, error)
	Reset(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
}

// RateCounter is one per-origin window counter as held by the store.
type RateCounter struct {
	OriginID    string
	WindowStart time.Time
	Count       int
}

// AnomalyScorer is the common contract of the statistical and ensemble
// detectors. Callers depend only on the Verdict.
type AnomalyScorer interface {
	Score(features *TrafficFeatures, baseline *Baseline) Verdict
	Name() string
}

// ProviderAdapter executes corrective actions against one cloud backend.
// Adapters implement only the violation kinds their platform supports and
// report OutcomeNoAction for the rest.
type ProviderAdapter interface {
	Name() Provider
	Remediate(ctx context.Context, kind ViolationKind, resourceRef string) (Outcome, string, error)
	FetchPolicies(ctx context.Context) ([]Policy, error)
}

// Policy is an opaque security policy entry surfaced by a provider adapter.
type Policy struct {
	Name     string `json:"name"`
	Scope    string `json:"scope"`
	Document string `json:"document,omitempty"`
}

// AuditStore persists the append-only trail the core emits. HasRecord backs
// the dispatcher's idempotency check.
type AuditStore interface {
	AppendRemediation(ctx context.Context, rec RemediationRecord) error
	HasRecord(ctx context.Context, findingID string, provider Provider) (bool, error)
	Remediations(ctx context.Context, limit int) ([]RemediationRecord, error)

	AppendEvent(ctx context.Context, ev SecurityEvent) error
	Events(ctx context.Context, limit int) ([]SecurityEvent, error)

	AppendAlert(ctx context.Context, al Alert) error
	Alerts(ctx context.Context, limit int) ([]Alert, error)

	HealthCheck(ctx context.Context) error
}

// NotificationSender delivers one batched notification over a single channel.
type NotificationSender interface {
	Send(ctx context.Context, payload *NotificationPayload) error
	Name() string
}

// MetricsCollector interface for observability.
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	ExportPrometheus() string
}
