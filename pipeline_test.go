package cloudguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testPipeline(t *testing.T, scorer AnomalyScorer, audit AuditStore) (*DetectionPipeline, *FindingLedger) {
	t.Helper()
	cfg := DetectionConfig{EvaluatorTimeout: Duration(2 * time.Second)}
	baselineCfg := BaselineConfig{
		Capacity:              64,
		AllowedInstanceTypes:  []string{"t2.micro", "t2.small", "t2.medium"},
		AllowedSecurityGroups: []string{"sg-01234", "sg-56789"},
		MaxInstances:          3,
	}
	metrics := NewInMemoryMetricsCollector()
	dispatcher := NewRemediationDispatcher(NewProviderRegistry(zerolog.Nop()), audit,
		RemediationConfig{Workers: 1, QueueSize: 16, DrainWait: Duration(time.Second)}, zerolog.Nop(), metrics)
	t.Cleanup(dispatcher.Close)
	registry := NewNotificationRegistry(NotificationConfig{Channel: "log"}, zerolog.Nop())
	sink := NewNotificationSink(registry, NotificationConfig{Channel: "log"}, zerolog.Nop(), metrics)
	ledger := NewFindingLedger(time.Minute)
	p := NewDetectionPipeline(scorer, NewConfigRuleChecker(), NewBaselineRegistry(baselineCfg, false),
		dispatcher, sink, ledger, audit, cfg, zerolog.Nop(), metrics)
	return p, ledger
}

func TestPipelineRejectsEmptySample(t *testing.T) {
	p, _ := testPipeline(t, NewStatisticalScorer(3.0), NewInMemoryAuditStore())
	_, err := p.Evaluate(context.Background(), &Sample{OriginID: "10.0.0.1"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("empty sample should fail validation, got %v", err)
	}
}

func TestPipelineTrafficGrowsBaseline(t *testing.T) {
	p, _ := testPipeline(t, NewStatisticalScorer(3.0), NewInMemoryAuditStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := p.Evaluate(ctx, &Sample{
			OriginID: "10.0.0.1",
			Traffic:  &TrafficFeatures{PacketSize: 100 + float64(i), Protocol: "TCP", SrcPort: 40000, DstPort: 443},
			Provider: ProviderAWS,
		})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if result.Verdict == nil {
			t.Fatalf("traffic sample should yield a verdict")
		}
	}

	baseline := p.baselines.For("10.0.0.1")
	if baseline.Len() != 5 {
		t.Fatalf("baseline should hold every observation, len = %d", baseline.Len())
	}
}

func TestPipelineAnomalyRaisesFinding(t *testing.T) {
	audit := NewInMemoryAuditStore()
	p, ledger := testPipeline(t, NewStatisticalScorer(3.0), audit)
	ctx := context.Background()

	baseline := p.baselines.For("10.0.0.1")
	baseline.Seed(
		[]float64{90, 6, 40000, 443},
		[]float64{100, 6, 40000, 443},
		[]float64{110, 6, 40000, 443},
		[]float64{95, 6, 40000, 443},
		[]float64{105, 6, 40000, 443},
	)

	result, err := p.Evaluate(ctx, &Sample{
		OriginID: "10.0.0.1",
		Traffic:  &TrafficFeatures{PacketSize: 10000, Protocol: "TCP", SrcPort: 40000, DstPort: 443},
		Provider: ProviderAWS,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Verdict == nil || result.Verdict.Label != LabelAnomaly {
		t.Fatalf("expected anomaly verdict, got %+v", result.Verdict)
	}
	if len(result.Findings) != 1 || result.Findings[0].Kind != FindingTrafficAnomaly {
		t.Fatalf("expected one traffic_anomaly finding, got %+v", result.Findings)
	}

	entries := ledger.Snapshot()
	if len(entries) != 1 || entries[0].OriginID != "10.0.0.1" {
		t.Fatalf("ledger should record the finding, got %+v", entries)
	}

	events, err := audit.Events(ctx, 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one persisted security event, got %v (%v)", events, err)
	}
	alerts, err := audit.Alerts(ctx, 10)
	if err != nil || len(alerts) != 1 {
		t.Fatalf("expected one persisted alert, got %v (%v)", alerts, err)
	}
	if alerts[0].Status != "active" {
		t.Fatalf("new alerts start active, got %q", alerts[0].Status)
	}
}

func TestPipelineConfigViolationDispatchesRemediation(t *testing.T) {
	audit := NewInMemoryAuditStore()
	p, _ := testPipeline(t, NewStatisticalScorer(3.0), audit)
	ctx := context.Background()

	result, err := p.Evaluate(ctx, &Sample{
		OriginID: "10.0.0.1",
		Config:   &ConfigSnapshot{SecurityGroup: "sg-evil", InstanceID: "i-0abc"},
		Provider: ProviderAWS,
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("expected one violation, got %+v", result.Violations)
	}
	if len(result.Findings) != 1 || result.Findings[0].Kind != FindingConfigAnomaly {
		t.Fatalf("expected one config_anomaly finding, got %+v", result.Findings)
	}
	if result.Findings[0].ResourceRef != "i-0abc" {
		t.Fatalf("finding should reference the instance ID, got %q", result.Findings[0].ResourceRef)
	}

	records := waitForRecords(t, audit, 1)
	if records[0].Outcome != OutcomeSuccess {
		t.Fatalf("aws security group remediation should succeed, got %+v", records[0])
	}
}

// trailFailingStore drops event and alert writes while leaving the
// remediation path intact.
type trailFailingStore struct {
	*InMemoryAuditStore
}

func (s *trailFailingStore) AppendEvent(ctx context.Context, ev SecurityEvent) error {
	return errors.New("event store down")
}

func (s *trailFailingStore) AppendAlert(ctx context.Context, al Alert) error {
	return errors.New("alert store down")
}

func TestPipelineDegradesWhenTrailPersistFails(t *testing.T) {
	audit := &trailFailingStore{InMemoryAuditStore: NewInMemoryAuditStore()}
	p, ledger := testPipeline(t, NewStatisticalScorer(3.0), audit)
	ctx := context.Background()

	result, err := p.Evaluate(ctx, &Sample{
		OriginID: "10.0.0.1",
		Config:   &ConfigSnapshot{SecurityGroup: "sg-evil", InstanceID: "i-0abc"},
		Provider: ProviderAWS,
	})
	if err != nil {
		t.Fatalf("trail persistence failure must not fail detection: %v", err)
	}
	if len(result.Findings) != 1 {
		t.Fatalf("finding should still be raised, got %+v", result.Findings)
	}
	if len(ledger.Snapshot()) != 1 {
		t.Fatalf("ledger should still record the finding")
	}
	if got := p.metrics.(*InMemoryMetricsCollector).CounterValue("trail_persist_failures_total", map[string]string{"record": "event"}); got != 1 {
		t.Fatalf("event persist failure should be counted, got %d", got)
	}

	// The remediation path does not depend on the trail.
	records := waitForRecords(t, audit, 1)
	if records[0].Outcome != OutcomeSuccess {
		t.Fatalf("remediation should still run, got %+v", records[0])
	}
}

type stallScorer struct{}

func (stallScorer) Name() string { return "stall" }
func (stallScorer) Score(features *TrafficFeatures, baseline *Baseline) Verdict {
	time.Sleep(500 * time.Millisecond)
	return Verdict{Label: LabelNormal}
}

func TestPipelineEvaluatorTimeoutDegrades(t *testing.T) {
	audit := NewInMemoryAuditStore()
	p, _ := testPipeline(t, stallScorer{}, audit)
	p.timeout = 50 * time.Millisecond
	ctx := context.Background()

	result, err := p.Evaluate(ctx, &Sample{
		OriginID: "10.0.0.1",
		Traffic:  &TrafficFeatures{PacketSize: 100, Protocol: "TCP"},
		Config:   &ConfigSnapshot{SecurityGroup: "sg-01234"},
		Provider: ProviderAWS,
	})
	if err != nil {
		t.Fatalf("timeout should degrade, not fail: %v", err)
	}
	if result.Verdict != nil {
		t.Fatalf("stalled scorer should contribute nothing, got %+v", result.Verdict)
	}
}
