package cloudguard

import (
	"time"
)

// Sample is a single inbound telemetry observation. Immutable once built.
type Sample struct {
	OriginID  string           `json:"origin_id"`
	Timestamp time.Time        `json:"timestamp"`
	Traffic   *TrafficFeatures `json:"traffic,omitempty"`
	Config    *ConfigSnapshot  `json:"config,omitempty"`
	Provider  Provider         `json:"provider,omitempty"`
}

// TrafficFeatures carries the network metrics scored by the anomaly detectors.
type TrafficFeatures struct {
	PacketSize float64 `json:"packet_size"`
	Protocol   string  `json:"protocol"`
	SrcPort    int     `json:"src_port"`
	DstPort    int     `json:"dst_port"`
}

// Vector encodes the features as an ordered numeric vector for the ensemble
// scorer. Protocol is mapped to its IANA number; unknown protocols become 0.
func (f *TrafficFeatures) Vector() []float64 {
	return []float64{f.PacketSize, protocolNumber(f.Protocol), float64(f.SrcPort), float64(f.DstPort)}
}

func protocolNumber(protocol string) float64 {
	switch protocol {
	case "ICMP", "icmp":
		return 1
	case "TCP", "tcp":
		return 6
	case "UDP", "udp":
		return 17
	default:
		return 0
	}
}

// ConfigSnapshot describes the cloud resource configuration attached to a sample.
type ConfigSnapshot struct {
	InstanceType  string `json:"instance_type"`
	SecurityGroup string `json:"security_group"`
	InstanceCount int    `json:"instance_count"`
	InstanceID    string `json:"instance_id"`
}

// Provider identifies the cloud backend an origin is attributed to.
type Provider string

const (
	ProviderAWS    Provider = "aws"
	ProviderAzure  Provider = "azure"
	ProviderGCP    Provider = "gcp"
	ProviderOracle Provider = "oracle"
)

// ParseProvider normalizes a provider tag; unknown values return false.
func ParseProvider(s string) (Provider, bool) {
	switch Provider(s) {
	case ProviderAWS, ProviderAzure, ProviderGCP, ProviderOracle:
		return Provider(s), true
	case "":
		return ProviderAWS, true
	}
	return "", false
}

// VerdictLabel classifies a scored sample.
type VerdictLabel string

const (
	LabelNormal        VerdictLabel = "normal"
	LabelAnomaly       VerdictLabel = "anomaly"
	LabelIndeterminate VerdictLabel = "indeterminate"
)

// Verdict is the common output contract of all anomaly scorers.
type Verdict struct {
	Label  VerdictLabel `json:"label"`
	Score  float64      `json:"score"`
	Reason string       `json:"reason,omitempty"`
}

// ViolationKind enumerates the deterministic config rule failures.
type ViolationKind string

const (
	ViolationUnsupportedInstanceType   ViolationKind = "unsupported_instance_type"
	ViolationUnrecognizedSecurityGroup ViolationKind = "unrecognized_security_group"
	ViolationQuotaExceeded             ViolationKind = "quota_exceeded"
)

// Violation is a single config rule failure with its offending value.
type Violation struct {
	Kind   ViolationKind `json:"kind"`
	Value  string        `json:"value"`
	Detail string        `json:"detail"`
}

// FindingKind distinguishes traffic anomalies from config violations.
type FindingKind string

const (
	FindingTrafficAnomaly FindingKind = "traffic_anomaly"
	FindingConfigAnomaly  FindingKind = "config_anomaly"
)

// FindingStatus tracks remediation progress. Transitions are owned by the
// RemediationDispatcher and only ever advance forward.
type FindingStatus string

const (
	StatusNew        FindingStatus = "new"
	StatusDispatched FindingStatus = "dispatched"
	StatusRemediated FindingStatus = "remediated"
	StatusSuppressed FindingStatus = "suppressed"
)

var statusRank = map[FindingStatus]int{
	StatusNew:        0,
	StatusDispatched: 1,
	StatusRemediated: 2,
	StatusSuppressed: 2,
}

// Finding is a detected anomaly or policy violation awaiting remediation.
type Finding struct {
	ID          string        `json:"id"`
	Kind        FindingKind   `json:"kind"`
	OriginID    string        `json:"origin_id"`
	Provider    Provider      `json:"provider"`
	Score       float64       `json:"score"`
	Detail      string        `json:"detail"`
	Violation   ViolationKind `json:"violation,omitempty"`
	ResourceRef string        `json:"resource_ref,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	Status      FindingStatus `json:"status"`
}

// AdvanceStatus moves the finding forward. Regressions are ignored so a late
// worker can never undo a terminal state.
func (f *Finding) AdvanceStatus(next FindingStatus) bool {
	if statusRank[next] <= statusRank[f.Status] {
		return false
	}
	f.Status = next
	return true
}

// Outcome is the result of one remediation attempt.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeNoAction Outcome = "no_action"
	OutcomeFailed   Outcome = "failed"
)

// RemediationRecord is one append-only audit entry per dispatch attempt.
// The idempotency key is (FindingID, Provider).
type RemediationRecord struct {
	FindingID   string    `json:"finding_id" db:"finding_id"`
	Provider    Provider  `json:"provider" db:"provider"`
	ActionTaken string    `json:"action_taken" db:"action_taken"`
	Outcome     Outcome   `json:"outcome" db:"outcome"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// SecurityEvent mirrors the record shape the external dashboard persists.
type SecurityEvent struct {
	ID          string    `json:"id" db:"id"`
	EventType   string    `json:"event_type" db:"event_type"`
	Description string    `json:"description" db:"description"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	Status      string    `json:"status" db:"status"`
}

// Alert is a finding that requires human attention.
type Alert struct {
	ID          string    `json:"id" db:"id"`
	AlertType   string    `json:"alert_type" db:"alert_type"`
	Description string    `json:"description" db:"description"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	Status      string    `json:"status" db:"status"`
}
