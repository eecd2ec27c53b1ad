package cloudguard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// countingAdapter records how many times Remediate ran.
type countingAdapter struct {
	mu    sync.Mutex
	runs  int
	delay time.Duration
}

func (a *countingAdapter) Name() Provider { return ProviderAWS }

func (a *countingAdapter) Remediate(ctx context.Context, kind ViolationKind, resourceRef string) (Outcome, string, error) {
	a.mu.Lock()
	a.runs++
	a.mu.Unlock()
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	return OutcomeSuccess, "revoked security group " + resourceRef, nil
}

func (a *countingAdapter) FetchPolicies(ctx context.Context) ([]Policy, error) { return nil, nil }

func (a *countingAdapter) Runs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs
}

// blockingAdapter parks the first Remediate call until release is closed.
type blockingAdapter struct {
	started chan struct{}
	release chan struct{}
}

func (a *blockingAdapter) Name() Provider { return ProviderAWS }

func (a *blockingAdapter) Remediate(ctx context.Context, kind ViolationKind, resourceRef string) (Outcome, string, error) {
	close(a.started)
	<-a.release
	return OutcomeSuccess, "revoked security group " + resourceRef, nil
}

func (a *blockingAdapter) FetchPolicies(ctx context.Context) ([]Policy, error) { return nil, nil }

func testDispatcher(t *testing.T, audit AuditStore) *RemediationDispatcher {
	t.Helper()
	cfg := RemediationConfig{Workers: 1, QueueSize: 16, DrainWait: Duration(2 * time.Second)}
	d := NewRemediationDispatcher(NewProviderRegistry(zerolog.Nop()), audit, cfg, zerolog.Nop(), NewInMemoryMetricsCollector())
	t.Cleanup(d.Close)
	return d
}

func configFinding(id string, provider Provider) *Finding {
	return &Finding{
		ID:          id,
		Kind:        FindingConfigAnomaly,
		OriginID:    "10.0.0.1",
		Provider:    provider,
		Violation:   ViolationUnrecognizedSecurityGroup,
		ResourceRef: "sg-evil",
		CreatedAt:   time.Now(),
		Status:      StatusNew,
	}
}

func waitForRecords(t *testing.T, audit AuditStore, want int) []RemediationRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		records, err := audit.Remediations(context.Background(), 100)
		if err != nil {
			t.Fatalf("Remediations failed: %v", err)
		}
		if len(records) >= want {
			return records
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d remediation records", want)
	return nil
}

func TestDispatcherRemediatesAndRecords(t *testing.T) {
	audit := NewInMemoryAuditStore()
	d := testDispatcher(t, audit)

	f := configFinding("f-1", ProviderAWS)
	if !d.Enqueue(f) {
		t.Fatalf("enqueue should succeed")
	}

	records := waitForRecords(t, audit, 1)
	if records[0].FindingID != "f-1" || records[0].Provider != ProviderAWS {
		t.Fatalf("unexpected record: %+v", records[0])
	}
	if records[0].Outcome != OutcomeSuccess {
		t.Fatalf("security group fix on aws should succeed, got %s", records[0].Outcome)
	}
	if f.Status != StatusRemediated {
		t.Fatalf("finding status = %s, want remediated", f.Status)
	}
}

func TestDispatcherIdempotentPerFindingAndProvider(t *testing.T) {
	audit := NewInMemoryAuditStore()
	d := testDispatcher(t, audit)

	d.Enqueue(configFinding("f-1", ProviderAWS))
	waitForRecords(t, audit, 1)

	second := configFinding("f-1", ProviderAWS)
	d.Enqueue(second)
	records := waitForRecords(t, audit, 2)

	var repeat *RemediationRecord
	for i := range records {
		if records[i].Outcome == OutcomeNoAction {
			repeat = &records[i]
		}
	}
	if repeat == nil {
		t.Fatalf("repeat dispatch should record no_action, got %+v", records)
	}
	if repeat.ActionTaken != "already remediated" {
		t.Fatalf("unexpected action on repeat: %q", repeat.ActionTaken)
	}
	if second.Status != StatusSuppressed {
		t.Fatalf("repeat finding status = %s, want suppressed", second.Status)
	}
}

func TestDispatcherUnsupportedKindNoAction(t *testing.T) {
	audit := NewInMemoryAuditStore()
	d := testDispatcher(t, audit)

	f := configFinding("f-oracle", ProviderOracle)
	f.Violation = ViolationQuotaExceeded
	d.Enqueue(f)

	records := waitForRecords(t, audit, 1)
	if records[0].Outcome != OutcomeNoAction {
		t.Fatalf("oracle has no quota remediation, want no_action, got %s", records[0].Outcome)
	}
	if records[0].ActionTaken != "No action taken" {
		t.Fatalf("unexpected action: %q", records[0].ActionTaken)
	}
}

func TestDispatcherSerializesSameFindingKeyAcrossWorkers(t *testing.T) {
	audit := NewInMemoryAuditStore()
	registry := NewProviderRegistry(zerolog.Nop())
	adapter := &countingAdapter{delay: 50 * time.Millisecond}
	registry.Register(adapter)

	cfg := RemediationConfig{Workers: 2, QueueSize: 16, DrainWait: Duration(2 * time.Second)}
	d := NewRemediationDispatcher(registry, audit, cfg, zerolog.Nop(), NewInMemoryMetricsCollector())
	t.Cleanup(d.Close)

	// Both workers receive a finding with the same key at the same time.
	// Only one may reach the adapter; the other must see the record and
	// suppress.
	d.Enqueue(configFinding("f-dup", ProviderAWS))
	d.Enqueue(configFinding("f-dup", ProviderAWS))

	records := waitForRecords(t, audit, 2)
	if got := adapter.Runs(); got != 1 {
		t.Fatalf("remediation ran %d times for one finding key, want exactly 1", got)
	}
	var success, noAction int
	for _, r := range records {
		switch r.Outcome {
		case OutcomeSuccess:
			success++
		case OutcomeNoAction:
			noAction++
			if r.ActionTaken != "already remediated" {
				t.Fatalf("unexpected action on duplicate: %q", r.ActionTaken)
			}
		}
	}
	if success != 1 || noAction != 1 {
		t.Fatalf("got %d success and %d no_action records, want 1 and 1: %+v", success, noAction, records)
	}
}

func TestDispatcherDrainWindowRecordsInterrupted(t *testing.T) {
	audit := NewInMemoryAuditStore()
	registry := NewProviderRegistry(zerolog.Nop())
	adapter := &blockingAdapter{started: make(chan struct{}), release: make(chan struct{})}
	registry.Register(adapter)
	defer close(adapter.release)

	cfg := RemediationConfig{Workers: 1, QueueSize: 8, DrainWait: Duration(100 * time.Millisecond)}
	d := NewRemediationDispatcher(registry, audit, cfg, zerolog.Nop(), NewInMemoryMetricsCollector())

	d.Enqueue(configFinding("f-0", ProviderAWS))
	<-adapter.started
	for _, id := range []string{"f-1", "f-2", "f-3"} {
		d.Enqueue(configFinding(id, ProviderAWS))
	}

	// One finding is stuck in the adapter, three sit in the queue. Close
	// must record all four before returning.
	d.Close()

	records, err := audit.Remediations(context.Background(), 10)
	if err != nil {
		t.Fatalf("Remediations failed: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("got %d records, want 4: %+v", len(records), records)
	}
	seen := make(map[string]bool)
	for _, r := range records {
		if r.Outcome != OutcomeFailed {
			t.Fatalf("record %s outcome = %s, want failed", r.FindingID, r.Outcome)
		}
		if r.ActionTaken != "dispatcher shutting down" {
			t.Fatalf("record %s action = %q", r.FindingID, r.ActionTaken)
		}
		seen[r.FindingID] = true
	}
	for _, id := range []string{"f-0", "f-1", "f-2", "f-3"} {
		if !seen[id] {
			t.Fatalf("finding %s has no shutdown record", id)
		}
	}
}

func TestDispatcherRejectsAfterClose(t *testing.T) {
	audit := NewInMemoryAuditStore()
	cfg := RemediationConfig{Workers: 1, QueueSize: 16, DrainWait: Duration(time.Second)}
	d := NewRemediationDispatcher(NewProviderRegistry(zerolog.Nop()), audit, cfg, zerolog.Nop(), NewInMemoryMetricsCollector())
	d.Close()

	f := configFinding("f-late", ProviderAWS)
	if d.Enqueue(f) {
		t.Fatalf("enqueue after close should be rejected")
	}
	records, err := audit.Remediations(context.Background(), 10)
	if err != nil {
		t.Fatalf("Remediations failed: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != OutcomeFailed {
		t.Fatalf("late finding should be recorded as failed, got %+v", records)
	}
}
