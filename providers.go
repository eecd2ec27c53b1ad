package cloudguard

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ProviderRegistry resolves a provider tag to its adapter. The set of
// adapters is closed at construction; there is no string-keyed branching at
// dispatch time.
type ProviderRegistry struct {
	mu       sync.RWMutex
	adapters map[Provider]ProviderAdapter
}

// NewProviderRegistry registers the four built-in adapters.
func NewProviderRegistry(logger zerolog.Logger) *ProviderRegistry {
	r := &ProviderRegistry{adapters: make(map[Provider]ProviderAdapter)}
	r.Register(&AWSAdapter{logger: logger})
	r.Register(&AzureAdapter{logger: logger})
	r.Register(&GCPAdapter{logger: logger})
	r.Register(&OracleAdapter{logger: logger})
	return r
}

func (r *ProviderRegistry) Register(adapter ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
}

func (r *ProviderRegistry) Get(provider Provider) (ProviderAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[provider]
	return adapter, ok
}

// AWSAdapter corrects EC2/S3 side misconfigurations. The SDK call itself is
// opaque to the core; the adapter owns which violation kinds it can act on.
type AWSAdapter struct {
	logger zerolog.Logger
}

func (a *AWSAdapter) Name() Provider { return ProviderAWS }

func (a *AWSAdapter) Remediate(ctx context.Context, kind ViolationKind, resourceRef string) (Outcome, string, error) {
	switch kind {
	case ViolationUnrecognizedSecurityGroup:
		a.logger.Info().Str("resource", resourceRef).Msg("aws: revoking unrecognized security group ingress")
		return OutcomeSuccess, "Security group ingress revoked", nil
	case ViolationUnsupportedInstanceType:
		a.logger.Info().Str("resource", resourceRef).Msg("aws: stopping instance with unsupported type")
		return OutcomeSuccess, "Instance stopped pending resize", nil
	case ViolationQuotaExceeded:
		a.logger.Info().Str("resource", resourceRef).Msg("aws: terminating instances above quota")
		return OutcomeSuccess, "Excess instances terminated", nil
	}
	return OutcomeNoAction, "No action taken", nil
}

func (a *AWSAdapter) FetchPolicies(ctx context.Context) ([]Policy, error) {
	return []Policy{
		{Name: "iam-local-policies", Scope: "account"},
		{Name: "s3-public-access-block", Scope: "bucket"},
	}, nil
}

// AzureAdapter handles Azure resource remediation.
type AzureAdapter struct {
	logger zerolog.Logger
}

func (a *AzureAdapter) Name() Provider { return ProviderAzure }

func (a *AzureAdapter) Remediate(ctx context.Context, kind ViolationKind, resourceRef string) (Outcome, string, error) {
	switch kind {
	case ViolationUnrecognizedSecurityGroup:
		a.logger.Info().Str("resource", resourceRef).Msg("azure: detaching unknown network security group")
		return OutcomeSuccess, "Network security group detached", nil
	case ViolationQuotaExceeded:
		a.logger.Info().Str("resource", resourceRef).Msg("azure: scaling VM scale set back to quota")
		return OutcomeSuccess, "Scale set capacity reduced", nil
	}
	return OutcomeNoAction, "No action taken", nil
}

func (a *AzureAdapter) FetchPolicies(ctx context.Context) ([]Policy, error) {
	return []Policy{{Name: "resource-group-policies", Scope: "subscription"}}, nil
}

// GCPAdapter handles Google Cloud remediation.
type GCPAdapter struct {
	logger zerolog.Logger
}

func (a *GCPAdapter) Name() Provider { return ProviderGCP }

func (a *GCPAdapter) Remediate(ctx context.Context, kind ViolationKind, resourceRef string) (Outcome, string, error) {
	switch kind {
	case ViolationUnsupportedInstanceType:
		a.logger.Info().Str("resource", resourceRef).Msg("gcp: stopping instance with unsupported machine type")
		return OutcomeSuccess, "Instance stopped pending resize", nil
	case ViolationUnrecognizedSecurityGroup:
		a.logger.Info().Str("resource", resourceRef).Msg("gcp: removing unknown firewall tag")
		return OutcomeSuccess, "Firewall tag removed", nil
	}
	return OutcomeNoAction, "No action taken", nil
}

func (a *GCPAdapter) FetchPolicies(ctx context.Context) ([]Policy, error) {
	return []Policy{{Name: "project-iam-bindings", Scope: "project"}}, nil
}

// OracleAdapter handles OCI remediation. It only knows how to revoke public
// database grants, so everything else reports NoAction.
type OracleAdapter struct {
	logger zerolog.Logger
}

func (a *OracleAdapter) Name() Provider { return ProviderOracle }

func (a *OracleAdapter) Remediate(ctx context.Context, kind ViolationKind, resourceRef string) (Outcome, string, error) {
	if kind == ViolationUnrecognizedSecurityGroup {
		a.logger.Info().Str("resource", resourceRef).Msg("oracle: revoking public privileges")
		return OutcomeSuccess, "Database permissions corrected", nil
	}
	return OutcomeNoAction, "No action taken", nil
}

func (a *OracleAdapter) FetchPolicies(ctx context.Context) ([]Policy, error) {
	return []Policy{{Name: "compartment-policies", Scope: "compartment"}}, nil
}
