// Package policy is the fail-closed firewall gating tool execution by tier.
package policy

import (
	"sort"

	"github.com/opsbridge-ai/toolbroker/internal/request"
	"github.com/opsbridge-ai/toolbroker/internal/resolve"
)

// userAllowSet enumerates every tool the restricted tier may run. Exact
// names only, no prefix wildcards: a typo or an unknown tool is a denial.
var userAllowSet = map[string]bool{
	"ecs_call_tool":                 true,
	"iac_call_tool":                 true,
	"pricingcalc_estimate_template": true,
	"pricingcalc_estimate_stack":    true,
	"deploy_query_metrics":          true,
}

// Firewall answers whether a tool may run for a tier. The allow-sets are
// read-only after construction.
type Firewall struct {
	userAllowed map[string]bool
	allTools    []string
}

// NewFirewall builds a Firewall over the default allow-set.
func NewFirewall() *Firewall {
	return &Firewall{
		userAllowed: userAllowSet,
		allTools:    resolve.ToolNames(),
	}
}

// NewFirewallWithAllowSet builds a Firewall whose user tier is limited to
// the given names. Used when the allow-set is loaded from storage.
func NewFirewallWithAllowSet(userTools []string) *Firewall {
	allowed := make(map[string]bool, len(userTools))
	for _, t := range userTools {
		allowed[t] = true
	}
	return &Firewall{
		userAllowed: allowed,
		allTools:    resolve.ToolNames(),
	}
}

// IsAllowed reports whether tier may execute toolName. Admin may run
// everything; any tool not explicitly listed is denied for other tiers.
func (f *Firewall) IsAllowed(toolName string, tier request.Tier) bool {
	if tier == request.TierAdmin {
		return true
	}
	return f.userAllowed[toolName]
}

// DeniedResponse builds the structured rejection for a denied tool call.
func (f *Firewall) DeniedResponse(toolName string, tier request.Tier) request.ToolResult {
	hint := "Ask an administrator, or use the admin endpoint if you have access"
	return request.Denied(toolName, tier, hint)
}

// ToolsForTier returns the tool names advertised to a tier, sorted.
func (f *Firewall) ToolsForTier(tier request.Tier) []string {
	if tier == request.TierAdmin {
		out := make([]string, len(f.allTools))
		copy(out, f.allTools)
		return out
	}
	out := make([]string, 0, len(f.userAllowed))
	for _, t := range f.allTools {
		if f.userAllowed[t] {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// HasToolWithPrefix reports whether a tier's set contains any tool with
// the given name prefix. The intent guard uses this for its early, cheaper
// capability check before an LLM round-trip is spent.
func (f *Firewall) HasToolWithPrefix(prefix string, tier request.Tier) bool {
	for _, t := range f.ToolsForTier(tier) {
		if len(t) >= len(prefix) && t[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
