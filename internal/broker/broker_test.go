package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/opsbridge-ai/toolbroker/internal/agent"
	"github.com/opsbridge-ai/toolbroker/internal/agent/mock"
	"github.com/opsbridge-ai/toolbroker/internal/guard"
	"github.com/opsbridge-ai/toolbroker/internal/policy"
	"github.com/opsbridge-ai/toolbroker/internal/request"
	"github.com/opsbridge-ai/toolbroker/internal/resolve"
	"github.com/opsbridge-ai/toolbroker/internal/storage"
)

// fakeExecutor records executions and answers from a canned table.
type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]request.ToolResult
	calls   []executedCall
}

type executedCall struct {
	Tool string
	Args map[string]any
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{results: map[string]request.ToolResult{}}
}

func (f *fakeExecutor) Execute(_ context.Context, toolName string, args map[string]any, _ *request.Context) request.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, executedCall{Tool: toolName, Args: args})
	if res, ok := f.results[toolName]; ok {
		return res
	}
	return request.Ok(toolName, map[string]any{"ok": true})
}

func (f *fakeExecutor) BackendFor(toolName string) string {
	return resolve.FamilyOf(toolName).Backend()
}

func (f *fakeExecutor) executed() []executedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]executedCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// memWriter collects audit events in memory.
type memWriter struct {
	mu     sync.Mutex
	events []*storage.ToolCallEvent
}

func (w *memWriter) Write(e *storage.ToolCallEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
}

func (w *memWriter) Close() {}

func (w *memWriter) all() []*storage.ToolCallEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*storage.ToolCallEvent, len(w.events))
	copy(out, w.events)
	return out
}

func newTestBroker(t *testing.T, provider agent.Provider, exec ToolExecutor, writer storage.EventWriter) *Broker {
	t.Helper()
	extractor := resolve.NewPatternExtractor()
	resolver, err := resolve.New(extractor)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	firewall := policy.NewFirewall()
	return New(provider, firewall, resolver, guard.New(extractor, firewall), exec, writer, zap.NewNop())
}

func adminContext(prompt string, meta map[string]string) *request.Context {
	rctx := &request.Context{
		Tier:     request.TierAdmin,
		Prompt:   prompt,
		Metadata: meta,
		AWS: request.AWSContext{
			AccountID: "123456789012",
			Region:    "us-east-1",
		},
	}
	rctx.SetCorrelationID("corr-test")
	return rctx
}

func userContext(prompt string, meta map[string]string) *request.Context {
	rctx := adminContext(prompt, meta)
	rctx.Tier = request.TierUser
	return rctx
}

func TestHandleToolCallThenAnswer(t *testing.T) {
	provider := mock.New(
		mock.Call("call-1", "pr_get_diff", map[string]any{"pr_number": "42"}),
		mock.Reply("PR #42 renames the build script."),
	)
	exec := newFakeExecutor()
	writer := &memWriter{}
	b := newTestBroker(t, provider, exec, writer)

	resp := b.Handle(context.Background(), adminContext(
		"what does pull request #42 change?",
		map[string]string{"repository": "acme/widgets"},
	))

	if resp.ErrorType != "" {
		t.Fatalf("unexpected error: %s %s", resp.ErrorType, resp.Message)
	}
	if resp.Answer != "PR #42 renames the build script." {
		t.Errorf("answer = %q", resp.Answer)
	}

	calls := exec.executed()
	if len(calls) != 1 || calls[0].Tool != "pr_get_diff" {
		t.Fatalf("executed = %+v", calls)
	}
	// Context-owned keys must be present in the dispatched arguments.
	if calls[0].Args[resolve.KeyAccountID] != "123456789012" {
		t.Errorf("account_id = %v", calls[0].Args[resolve.KeyAccountID])
	}
	if calls[0].Args["repo"] != "acme/widgets" {
		t.Errorf("repo = %v", calls[0].Args["repo"])
	}

	events := writer.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Status != "ok" || events[0].ToolName != "pr_get_diff" || events[0].Backend != "pr" {
		t.Errorf("event = %+v", events[0])
	}
	if events[0].CorrelationID != "corr-test" {
		t.Errorf("event correlation id = %s", events[0].CorrelationID)
	}
}

func TestHandleDeniedToolForUserTier(t *testing.T) {
	// The model proposes a pr_ tool on the user tier; the firewall turns
	// it into a structured denial the model then relays.
	provider := mock.New(
		mock.Call("call-1", "pr_get_diff", map[string]any{"pr_number": "42"}),
		mock.Reply("That tool is not available on this tier."),
	)
	exec := newFakeExecutor()
	writer := &memWriter{}
	b := newTestBroker(t, provider, exec, writer)

	// A deployment-flavored prompt so the intent guard does not already
	// block the PR capability up front.
	resp := b.Handle(context.Background(), userContext(
		"show deployment health",
		map[string]string{"repository": "acme/widgets"},
	))

	if resp.ErrorType != "" {
		t.Fatalf("denials are expected outcomes, not request errors: %+v", resp)
	}
	if len(exec.executed()) != 0 {
		t.Fatal("denied tool must trigger no backend I/O")
	}

	events := writer.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Status != "denied" || events[0].ErrorType != request.ErrTypeDeniedTool {
		t.Errorf("event = %+v", events[0])
	}

	// The denial reached the model as a structured tool message.
	last := provider.Requests[len(provider.Requests)-1]
	toolMsg := last.Messages[len(last.Messages)-1]
	if toolMsg.Role != "tool" || !strings.Contains(toolMsg.Content, request.ErrTypeDeniedTool) {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestHandleMissingParams(t *testing.T) {
	provider := mock.New(
		mock.Call("call-1", "pricingcalc_estimate_template", nil),
		mock.Reply("Please provide the template body."),
	)
	exec := newFakeExecutor()
	writer := &memWriter{}
	b := newTestBroker(t, provider, exec, writer)

	resp := b.Handle(context.Background(), userContext("how much would this cost?", nil))

	if resp.ErrorType != "" {
		t.Fatalf("missing params on one call must not fail the request: %+v", resp)
	}
	if len(exec.executed()) != 0 {
		t.Fatal("unresolved call must not reach a backend")
	}

	events := writer.all()
	if len(events) != 1 || events[0].Status != "missing_params" {
		t.Fatalf("events = %+v", events)
	}
	if len(events[0].MissingParams) != 1 || events[0].MissingParams[0] != "template_body" {
		t.Errorf("missing = %v", events[0].MissingParams)
	}
}

func TestHandleGuardBlock(t *testing.T) {
	provider := mock.New() // must never be consulted
	exec := newFakeExecutor()
	b := newTestBroker(t, provider, exec, &memWriter{})

	resp := b.Handle(context.Background(), adminContext("summarize the pull request", nil))

	if resp.ErrorType != request.ErrTypeMissingParams {
		t.Fatalf("error type = %s, want %s", resp.ErrorType, request.ErrTypeMissingParams)
	}
	if len(resp.MissingFields) != 1 || resp.MissingFields[0] != "pr_number" {
		t.Errorf("missing fields = %v", resp.MissingFields)
	}
	if provider.Calls() != 0 {
		t.Error("blocked request must not reach the llm")
	}
	if len(exec.executed()) != 0 {
		t.Error("blocked request must not reach a backend")
	}
}

func TestHandleAdvertisesOnlyTierTools(t *testing.T) {
	provider := mock.New(mock.Reply("hello"))
	b := newTestBroker(t, provider, newFakeExecutor(), &memWriter{})

	b.Handle(context.Background(), userContext("hello there", nil))

	if len(provider.Requests) != 1 {
		t.Fatalf("requests = %d", len(provider.Requests))
	}
	for _, def := range provider.Requests[0].Tools {
		if strings.HasPrefix(def.Name, "pr_") {
			t.Errorf("user tier advertised %s", def.Name)
		}
	}
	if len(provider.Requests[0].Tools) != 5 {
		t.Errorf("user tier tool count = %d, want 5", len(provider.Requests[0].Tools))
	}
}

func TestHandleStreamRetry(t *testing.T) {
	streamErr := errors.New("stream ended prematurely")
	provider := mock.New(
		mock.Fail(streamErr),
		mock.Fail(streamErr),
		mock.Reply("recovered"),
	)
	b := newTestBroker(t, provider, newFakeExecutor(), &memWriter{})

	resp := b.Handle(context.Background(), adminContext("hello", nil))

	if resp.ErrorType != "" {
		t.Fatalf("expected recovery after retries: %+v", resp)
	}
	if resp.Answer != "recovered" {
		t.Errorf("answer = %q", resp.Answer)
	}
	if provider.Calls() != 3 {
		t.Errorf("calls = %d, want 3", provider.Calls())
	}
}

func TestHandleStreamRetriesExhausted(t *testing.T) {
	streamErr := errors.New("stream ended prematurely")
	provider := mock.New(
		mock.Fail(streamErr),
		mock.Fail(streamErr),
		mock.Fail(streamErr),
	)
	b := newTestBroker(t, provider, newFakeExecutor(), &memWriter{})

	resp := b.Handle(context.Background(), adminContext("hello", nil))

	if resp.ErrorType != request.ErrTypeInternal {
		t.Fatalf("error type = %s, want %s", resp.ErrorType, request.ErrTypeInternal)
	}
	// Initial attempt plus exactly two retries.
	if provider.Calls() != 3 {
		t.Errorf("calls = %d, want 3", provider.Calls())
	}
}

func TestHandleNonStreamErrorNotRetried(t *testing.T) {
	provider := mock.New(mock.Fail(errors.New("invalid api key")))
	b := newTestBroker(t, provider, newFakeExecutor(), &memWriter{})

	resp := b.Handle(context.Background(), adminContext("hello", nil))

	if resp.ErrorType != request.ErrTypeInternal {
		t.Fatalf("error type = %s", resp.ErrorType)
	}
	if strings.Contains(resp.Message, "api key") {
		t.Errorf("internal details leaked to caller: %q", resp.Message)
	}
	if provider.Calls() != 1 {
		t.Errorf("calls = %d, non-stream errors must not be retried", provider.Calls())
	}
}

func TestHandleLoopExhaustion(t *testing.T) {
	steps := make([]mock.Step, 0, maxTurns)
	for i := 0; i < maxTurns; i++ {
		steps = append(steps, mock.Call("call", "deploy_query_metrics", map[string]any{"repo": "acme/widgets"}))
	}
	provider := mock.New(steps...)
	b := newTestBroker(t, provider, newFakeExecutor(), &memWriter{})

	resp := b.Handle(context.Background(), adminContext(
		"show deployments",
		map[string]string{"repository": "acme/widgets"},
	))

	if resp.ErrorType != "" {
		t.Fatalf("exhaustion is not an error response: %+v", resp)
	}
	if resp.Answer == "" {
		t.Error("exhausted loop must still produce a fallback answer")
	}
	if provider.Calls() != maxTurns {
		t.Errorf("calls = %d, want %d", provider.Calls(), maxTurns)
	}
}

func TestScenarioUserListsECSClusters(t *testing.T) {
	provider := mock.New(
		mock.Call("call-1", "ecs_call_tool", map[string]any{"operation": "list_clusters"}),
		mock.Reply("You have 2 clusters: prod and staging."),
	)
	exec := newFakeExecutor()
	exec.results["ecs_call_tool"] = request.Ok("ecs_call_tool", map[string]any{"clusters": []string{"prod", "staging"}})
	b := newTestBroker(t, provider, exec, &memWriter{})

	resp := b.Handle(context.Background(), userContext("List ECS clusters", nil))

	if resp.ErrorType != "" {
		t.Fatalf("unexpected error: %+v", resp)
	}
	if resp.Debug.Tier != request.TierUser {
		t.Errorf("debug tier = %s", resp.Debug.Tier)
	}
	calls := exec.executed()
	if len(calls) != 1 || calls[0].Tool != "ecs_call_tool" {
		t.Fatalf("executed = %+v", calls)
	}
	if calls[0].Args[resolve.KeyAccountID] != "123456789012" || calls[0].Args[resolve.KeyRegion] != "us-east-1" {
		t.Errorf("context values missing from args: %v", calls[0].Args)
	}
}

func TestScenarioUserPRIntentDeniedCapability(t *testing.T) {
	provider := mock.New() // guard blocks before any llm round-trip
	exec := newFakeExecutor()
	b := newTestBroker(t, provider, exec, &memWriter{})

	resp := b.Handle(context.Background(), userContext("Analyze PR #9", nil))

	if resp.ErrorType != request.ErrTypeDeniedCapability {
		t.Fatalf("error type = %s, want %s", resp.ErrorType, request.ErrTypeDeniedCapability)
	}
	if provider.Calls() != 0 || len(exec.executed()) != 0 {
		t.Error("denied capability must spend no llm or backend calls")
	}
}

func TestScenarioAdminPRAnalysis(t *testing.T) {
	provider := mock.New(
		mock.Call("call-1", "pr_get_diff", map[string]any{"pr_number": "9"}),
		mock.Reply("PR #9 touches the deploy workflow."),
	)
	exec := newFakeExecutor()
	b := newTestBroker(t, provider, exec, &memWriter{})

	resp := b.Handle(context.Background(), adminContext("Analyze PR #9", map[string]string{
		"repository": "acme/widgets",
		"run_id":     "555",
		"actor":      "octocat",
	}))

	if resp.ErrorType != "" {
		t.Fatalf("unexpected error: %+v", resp)
	}
	calls := exec.executed()
	if len(calls) != 1 || calls[0].Tool != "pr_get_diff" {
		t.Fatalf("executed = %+v", calls)
	}
	args := calls[0].Args
	if args["repo"] != "acme/widgets" || args["run_id"] != "555" || args["actor"] != "octocat" {
		t.Errorf("metadata identity fields not resolved: %v", args)
	}
}

func TestCurate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "code fence unwrapped",
			in:   "```markdown\n# Summary\nAll good.\n```",
			want: "# Summary\nAll good.",
		},
		{
			name: "blank runs collapsed",
			in:   "one\n\n\n\ntwo",
			want: "one\n\ntwo",
		},
		{
			name: "plain text untouched",
			in:   "just an answer",
			want: "just an answer",
		},
		{
			name: "inner fences preserved",
			in:   "see:\n```go\nfmt.Println()\n```\ndone",
			want: "see:\n```go\nfmt.Println()\n```\ndone",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Curate(tt.in); got != tt.want {
				t.Errorf("Curate(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
