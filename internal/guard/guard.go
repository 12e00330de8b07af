// Package guard runs pre-execution intent checks that reject malformed or
// underspecified requests before any agent loop or backend is touched.
package guard

import (
	"fmt"
	"regexp"

	"github.com/opsbridge-ai/toolbroker/internal/policy"
	"github.com/opsbridge-ai/toolbroker/internal/request"
	"github.com/opsbridge-ai/toolbroker/internal/resolve"
)

// Intent is the coarse category classified from the free-text prompt.
type Intent string

const (
	IntentPR         Intent = "pr"
	IntentPricing    Intent = "pricing"
	IntentDeployment Intent = "deployment"
	IntentGeneral    Intent = "general"
)

// Verdict is the guard's outcome. A blocked verdict short-circuits the
// entire request: no agent loop, no tool calls, no backend I/O.
type Verdict struct {
	Blocked       bool
	Intent        Intent
	ErrorType     string
	Message       string
	MissingFields []string
}

func proceed(intent Intent) Verdict {
	return Verdict{Intent: intent}
}

// Category-indicating patterns, checked in order; first match wins.
var (
	prIntentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bpull\s+request\b`),
		regexp.MustCompile(`(?i)\bPR\b`),
		regexp.MustCompile(`#\d+`),
	}
	pricingIntentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bcost\b`),
		regexp.MustCompile(`(?i)\bpricing\b`),
		regexp.MustCompile(`(?i)\bprice\b`),
		regexp.MustCompile(`(?i)\bestimate\b`),
		regexp.MustCompile(`(?i)how\s+much\b`),
	}
	deployIntentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bdeploy(ment|ments|ed|ing)?\b`),
		regexp.MustCompile(`(?i)\bpipeline\b`),
		regexp.MustCompile(`(?i)\brollback\b`),
		regexp.MustCompile(`(?i)\bdora\b`),
	}

	stackMentionPattern    = regexp.MustCompile(`(?i)\bstack\b`)
	templateMentionPattern = regexp.MustCompile(`(?i)\btemplate\b`)
)

// Guard classifies a request's intent and applies that category's
// preconditions. It shares the firewall's allow-sets and the resolver's
// prompt extractor, so this early check can never disagree with the
// per-tool-call pipeline that still runs afterwards.
type Guard struct {
	extractor resolve.PromptExtractor
	firewall  *policy.Firewall
}

func New(extractor resolve.PromptExtractor, firewall *policy.Firewall) *Guard {
	return &Guard{extractor: extractor, firewall: firewall}
}

// Classify assigns the prompt to exactly one intent category.
func (g *Guard) Classify(prompt string) Intent {
	for _, p := range prIntentPatterns {
		if p.MatchString(prompt) {
			return IntentPR
		}
	}
	for _, p := range pricingIntentPatterns {
		if p.MatchString(prompt) {
			return IntentPricing
		}
	}
	for _, p := range deployIntentPatterns {
		if p.MatchString(prompt) {
			return IntentDeployment
		}
	}
	return IntentGeneral
}

// Check runs once per request, before the agent loop starts.
func (g *Guard) Check(rctx *request.Context) Verdict {
	intent := g.Classify(rctx.Prompt)

	switch intent {
	case IntentPR:
		return g.checkPR(rctx)
	case IntentPricing:
		return g.checkPricing(rctx)
	case IntentDeployment:
		return g.checkDeployment(rctx)
	default:
		return proceed(IntentGeneral)
	}
}

func (g *Guard) checkPR(rctx *request.Context) Verdict {
	prNumber := rctx.Meta("pr_number")
	if prNumber == "" {
		prNumber = g.extractor.PRNumber(rctx.Prompt)
	}
	if prNumber == "" {
		return Verdict{
			Blocked:       true,
			Intent:        IntentPR,
			ErrorType:     request.ErrTypeMissingParams,
			Message:       "this looks like a pull-request question, but no PR number could be determined. Mention one, e.g. \"PR #42\"",
			MissingFields: []string{"pr_number"},
		}
	}

	if rctx.Tier != request.TierAdmin && !g.firewall.HasToolWithPrefix("pr_", rctx.Tier) {
		return Verdict{
			Blocked:   true,
			Intent:    IntentPR,
			ErrorType: request.ErrTypeDeniedCapability,
			Message:   fmt.Sprintf("the %s tier has no pull-request tools. Use the admin endpoint for PR analysis", rctx.Tier),
		}
	}

	return proceed(IntentPR)
}

func (g *Guard) checkPricing(rctx *request.Context) Verdict {
	// A template estimate carries its own body; only questions about an
	// already-deployed stack need a resolvable stack name up front.
	mentionsStack := stackMentionPattern.MatchString(rctx.Prompt) &&
		!templateMentionPattern.MatchString(rctx.Prompt)
	if !mentionsStack {
		return proceed(IntentPricing)
	}

	stackName := rctx.Meta("stack_name")
	if stackName == "" {
		stackName = g.extractor.StackName(rctx.Prompt)
	}
	if stackName == "" {
		return Verdict{
			Blocked:       true,
			Intent:        IntentPricing,
			ErrorType:     request.ErrTypeMissingParams,
			Message:       "a stack cost estimate needs the stack's name. Mention it, e.g. \"the orders-api stack\"",
			MissingFields: []string{"stack_name"},
		}
	}
	return proceed(IntentPricing)
}

func (g *Guard) checkDeployment(rctx *request.Context) Verdict {
	if rctx.Meta("repository") == "" && rctx.Meta("repo") == "" {
		return Verdict{
			Blocked:       true,
			Intent:        IntentDeployment,
			ErrorType:     request.ErrTypeMissingParams,
			Message:       "deployment queries need a repository. Provide one in the request metadata",
			MissingFields: []string{"repository"},
		}
	}
	return proceed(IntentDeployment)
}
