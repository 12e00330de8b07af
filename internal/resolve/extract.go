package resolve

import "regexp"

// PromptExtractor pulls structured values out of a free-text prompt.
// It isolates the heuristic text parsing from the deterministic
// resolution logic, so a stricter structured-input mode can replace it
// without touching the resolver or guard contracts.
type PromptExtractor interface {
	// PRNumber returns the PR number mentioned in the prompt, "" if none.
	PRNumber(prompt string) string

	// StackName returns the CloudFormation stack name mentioned in the
	// prompt, "" if none.
	StackName(prompt string) string
}

var (
	prHashPattern   = regexp.MustCompile(`#(\d+)`)
	prPhrasePattern = regexp.MustCompile(`(?i)\bpull\s+request\s+#?(\d+)`)
	prShortPattern  = regexp.MustCompile(`(?i)\bPR\s+#?(\d+)`)

	stackNamedPattern  = regexp.MustCompile(`(?i)\bstack\s+(?:(?:named?|called)\s+["'` + "`" + `]?|["'` + "`" + `])([A-Za-z][A-Za-z0-9-]{2,127})`)
	stackSuffixPattern = regexp.MustCompile(`(?i)\b([A-Za-z][A-Za-z0-9-]{2,127})\s+stack\b`)
)

// stackStopWords are generic words that match the stack patterns but never
// name an actual stack ("the stack", "my stack", "existing stack", ...).
var stackStopWords = map[string]bool{
	"the": true, "this": true, "that": true, "our": true,
	"existing": true, "current": true, "deployed": true, "new": true,
}

// PatternExtractor is the fixed-pattern PromptExtractor implementation.
type PatternExtractor struct{}

func NewPatternExtractor() *PatternExtractor {
	return &PatternExtractor{}
}

func (e *PatternExtractor) PRNumber(prompt string) string {
	for _, p := range []*regexp.Regexp{prHashPattern, prPhrasePattern, prShortPattern} {
		if m := p.FindStringSubmatch(prompt); m != nil {
			return m[1]
		}
	}
	return ""
}

func (e *PatternExtractor) StackName(prompt string) string {
	for _, p := range []*regexp.Regexp{stackNamedPattern, stackSuffixPattern} {
		if m := p.FindStringSubmatch(prompt); m != nil && !stackStopWords[lower(m[1])] {
			return m[1]
		}
	}
	return ""
}

func lower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
