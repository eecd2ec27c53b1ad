package cloudguard

import "fmt"

// ConfigRuleChecker evaluates a resource configuration snapshot against the
// baseline allow-lists. Rules are deterministic and independently evaluated,
// so one snapshot can accumulate several violations.
type ConfigRuleChecker struct{}

func NewConfigRuleChecker() *ConfigRuleChecker {
	return &ConfigRuleChecker{}
}

// Check returns every rule the snapshot violates.
func (c *ConfigRuleChecker) Check(snapshot *ConfigSnapshot, baseline *Baseline) []Violation {
	var violations []Violation

	if snapshot.InstanceType != "" && !baseline.AllowsInstanceType(snapshot.InstanceType) {
		violations = append(violations, Violation{
			Kind:   ViolationUnsupportedInstanceType,
			Value:  snapshot.InstanceType,
			Detail: fmt.Sprintf("instance type %q is not in the allowed set", snapshot.InstanceType),
		})
	}

	if snapshot.SecurityGroup != "" && !baseline.AllowsSecurityGroup(snapshot.SecurityGroup) {
		violations = append(violations, Violation{
			Kind:   ViolationUnrecognizedSecurityGroup,
			Value:  snapshot.SecurityGroup,
			Detail: fmt.Sprintf("security group %q is not recognized", snapshot.SecurityGroup),
		})
	}

	if quota := baseline.MaxInstances(); quota > 0 && snapshot.InstanceCount > quota {
		violations = append(violations, Violation{
			Kind:   ViolationQuotaExceeded,
			Value:  fmt.Sprintf("%d", snapshot.InstanceCount),
			Detail: fmt.Sprintf("requested %d instances, quota allows %d", snapshot.InstanceCount, quota),
		})
	}

	return violations
}
