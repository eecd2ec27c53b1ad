package cloudguard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EvaluationResult is what one sample produced: the traffic verdict, any
// config violations, and the findings raised from them.
type EvaluationResult struct {
	Verdict    *Verdict    `json:"verdict,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	Findings   []*Finding  `json:"findings,omitempty"`
}

// DetectionPipeline fans a sample out to the anomaly scorer and the config
// rule checker concurrently, each under its own timeout. An evaluator that
// misses its deadline contributes nothing; the rest of the run proceeds.
type DetectionPipeline struct {
	scorer     AnomalyScorer
	rules      *ConfigRuleChecker
	baselines  *BaselineRegistry
	dispatcher *RemediationDispatcher
	sink       *NotificationSink
	ledger     *FindingLedger
	audit      AuditStore
	timeout    time.Duration
	logger     zerolog.Logger
	metrics    MetricsCollector
}

func NewDetectionPipeline(
	scorer AnomalyScorer,
	rules *ConfigRuleChecker,
	baselines *BaselineRegistry,
	dispatcher *RemediationDispatcher,
	sink *NotificationSink,
	ledger *FindingLedger,
	audit AuditStore,
	cfg DetectionConfig,
	logger zerolog.Logger,
	metrics MetricsCollector,
) *DetectionPipeline {
	timeout := cfg.EvaluatorTimeout.Std()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DetectionPipeline{
		scorer:     scorer,
		rules:      rules,
		baselines:  baselines,
		dispatcher: dispatcher,
		sink:       sink,
		ledger:     ledger,
		audit:      audit,
		timeout:    timeout,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		metrics:    metrics,
	}
}

// Evaluate runs both evaluators against the sample and raises findings for
// anomalies and violations. The baseline always absorbs the observation,
// anomalous or not, so the detectors track the traffic the origin actually
// produces.
func (p *DetectionPipeline) Evaluate(ctx context.Context, sample *Sample) (*EvaluationResult, error) {
	if sample.Traffic == nil && sample.Config == nil {
		return nil, fmt.Errorf("%w: sample carries neither traffic nor config data", ErrValidation)
	}

	start := time.Now()
	baseline := p.baselines.For(sample.OriginID)

	verdictCh := make(chan *Verdict, 1)
	violationsCh := make(chan []Violation, 1)

	if sample.Traffic != nil {
		go func() {
			v := p.scorer.Score(sample.Traffic, baseline)
			verdictCh <- &v
		}()
	} else {
		verdictCh <- nil
	}

	if sample.Config != nil {
		go func() {
			violationsCh <- p.rules.Check(sample.Config, baseline)
		}()
	} else {
		violationsCh <- nil
	}

	result := &EvaluationResult{}
	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()

	for pending := 2; pending > 0; {
		select {
		case v := <-verdictCh:
			result.Verdict = v
			pending--
		case vs := <-violationsCh:
			result.Violations = vs
			pending--
		case <-deadline.C:
			p.logger.Warn().
				Str("origin_id", sample.OriginID).
				Int("pending", pending).
				Msg("evaluator deadline exceeded, proceeding with partial result")
			p.metrics.IncrementCounter("evaluator_timeouts_total", nil)
			pending = 0
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if sample.Traffic != nil {
		baseline.Append(sample.Traffic.Vector())
	}

	result.Findings = p.raiseFindings(ctx, sample, result)
	p.metrics.ObserveHistogram("sample_evaluation_seconds", time.Since(start).Seconds(), nil)
	p.metrics.IncrementCounter("samples_evaluated_total", map[string]string{"origin": sample.OriginID})
	return result, nil
}

// raiseFindings converts the evaluation output into findings, persists the
// corresponding events and alerts, and hands anomalies off for remediation
// and notification.
func (p *DetectionPipeline) raiseFindings(ctx context.Context, sample *Sample, result *EvaluationResult) []*Finding {
	var findings []*Finding
	now := time.Now()

	if result.Verdict != nil && result.Verdict.Label == LabelAnomaly {
		findings = append(findings, &Finding{
			ID:        uuid.NewString(),
			Kind:      FindingTrafficAnomaly,
			OriginID:  sample.OriginID,
			Provider:  sample.Provider,
			Score:     result.Verdict.Score,
			Detail:    result.Verdict.Reason,
			CreatedAt: now,
			Status:    StatusNew,
		})
	}

	for _, violation := range result.Violations {
		resourceRef := violation.Value
		if sample.Config != nil && sample.Config.InstanceID != "" {
			resourceRef = sample.Config.InstanceID
		}
		findings = append(findings, &Finding{
			ID:          uuid.NewString(),
			Kind:        FindingConfigAnomaly,
			OriginID:    sample.OriginID,
			Provider:    sample.Provider,
			Detail:      violation.Detail,
			Violation:   violation.Kind,
			ResourceRef: resourceRef,
			CreatedAt:   now,
			Status:      StatusNew,
		})
	}

	if len(findings) == 0 {
		return nil
	}

	for _, f := range findings {
		p.metrics.IncrementCounter("findings_raised_total", map[string]string{"kind": string(f.Kind)})
		p.persistTrail(ctx, f)
		if f.Kind == FindingConfigAnomaly {
			// The dispatcher owns status transitions on its own copy; the
			// copy returned to the caller stays at the detection-time state.
			queued := *f
			p.dispatcher.Enqueue(&queued)
		}
	}
	p.ledger.Record(sample.OriginID, findings)
	p.sink.Notify(sample.OriginID, findings)
	return findings
}

// persistTrail records the event/alert pair for a finding. Persistence
// failures degrade to a log line; detection must not depend on storage.
func (p *DetectionPipeline) persistTrail(ctx context.Context, f *Finding) {
	ev := SecurityEvent{
		ID:          uuid.NewString(),
		EventType:   string(f.Kind),
		Description: f.Detail,
		Timestamp:   newTimestamp(),
		Status:      "pending",
	}
	if err := p.audit.AppendEvent(ctx, ev); err != nil {
		p.logger.Error().Err(err).Str("finding_id", f.ID).Msg("failed to persist security event")
		p.metrics.IncrementCounter("trail_persist_failures_total", map[string]string{"record": "event"})
	}
	al := Alert{
		ID:          uuid.NewString(),
		AlertType:   string(f.Kind),
		Description: f.Detail,
		Timestamp:   newTimestamp(),
		Status:      "active",
	}
	if err := p.audit.AppendAlert(ctx, al); err != nil {
		p.logger.Error().Err(err).Str("finding_id", f.ID).Msg("failed to persist alert")
		p.metrics.IncrementCounter("trail_persist_failures_total", map[string]string{"record": "alert"})
	}
}
