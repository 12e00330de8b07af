// Package resolve produces the final invocation arguments for a tool call
// by merging model-proposed arguments with trusted caller metadata under a
// per-field precedence table.
package resolve

import "strings"

// Family groups tool names by their owning backend. Derived once per tool
// name and shared by the resolver and the execution router so the
// prefix-matching rules live in exactly one place.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyPR
	FamilyDeploy
	FamilyPricing
	FamilyLegacy
)

// String returns the family's lowercase name.
func (f Family) String() string {
	switch f {
	case FamilyPR:
		return "pr"
	case FamilyDeploy:
		return "deploy"
	case FamilyPricing:
		return "pricing"
	case FamilyLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Backend returns the backend identifier the family routes to.
func (f Family) Backend() string {
	switch f {
	case FamilyPR:
		return "pr"
	case FamilyDeploy:
		return "metrics"
	case FamilyPricing:
		return "pricing"
	case FamilyLegacy:
		return "legacy"
	default:
		return ""
	}
}

// familyRule pairs a tool-name predicate with the family it selects.
// Evaluated in order; first match wins.
type familyRule struct {
	match  func(string) bool
	family Family
}

var familyRules = []familyRule{
	{func(n string) bool { return n == "ecs_call_tool" || n == "iac_call_tool" }, FamilyLegacy},
	{func(n string) bool { return strings.HasPrefix(n, "pr_") }, FamilyPR},
	{func(n string) bool { return strings.HasPrefix(n, "deploy_") }, FamilyDeploy},
	{func(n string) bool { return strings.HasPrefix(n, "pricingcalc_") }, FamilyPricing},
}

// FamilyOf maps a tool name to its family, FamilyUnknown if no rule matches.
func FamilyOf(toolName string) Family {
	for _, r := range familyRules {
		if r.match(toolName) {
			return r.family
		}
	}
	return FamilyUnknown
}
