// Package broker is the top-level orchestrator: per request it assigns a
// correlation id, runs the intent guard, drives the agent tool-call loop,
// and gates every proposed call through the firewall → resolver → router
// pipeline.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opsbridge-ai/toolbroker/internal/agent"
	"github.com/opsbridge-ai/toolbroker/internal/guard"
	"github.com/opsbridge-ai/toolbroker/internal/policy"
	"github.com/opsbridge-ai/toolbroker/internal/request"
	"github.com/opsbridge-ai/toolbroker/internal/resolve"
	"github.com/opsbridge-ai/toolbroker/internal/storage"
)

// maxTurns bounds the agent loop. Tool calls within one request run
// sequentially, in the order the model proposes them.
const maxTurns = 8

// ToolExecutor dispatches one resolved call to its backend. Satisfied by
// route.Router; tests substitute a fake.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, args map[string]any, rctx *request.Context) request.ToolResult
	BackendFor(toolName string) string
}

// Broker wires the whole pipeline together.
type Broker struct {
	provider agent.Provider
	firewall *policy.Firewall
	resolver *resolve.Resolver
	guard    *guard.Guard
	executor ToolExecutor
	writer   storage.EventWriter
	logger   *zap.Logger
}

// New creates a Broker with the given collaborators.
func New(
	provider agent.Provider,
	firewall *policy.Firewall,
	resolver *resolve.Resolver,
	g *guard.Guard,
	executor ToolExecutor,
	writer storage.EventWriter,
	logger *zap.Logger,
) *Broker {
	return &Broker{
		provider: provider,
		firewall: firewall,
		resolver: resolver,
		guard:    g,
		executor: executor,
		writer:   writer,
		logger:   logger,
	}
}

// Debug is the per-request diagnostic block returned to callers.
type Debug struct {
	Tier          request.Tier `json:"tier"`
	CorrelationID string       `json:"correlation_id"`
	ToolCount     int          `json:"tool_count"`
	ElapsedMs     int64        `json:"elapsed_ms"`
}

// Response is the broker's answer for one inbound request. Guard and tier
// rejections populate ErrorType and leave Answer empty; they are expected
// outcomes, not transport errors.
type Response struct {
	Answer        string   `json:"answer"`
	CuratedAnswer string   `json:"curated_answer"`
	ErrorType     string   `json:"error_type,omitempty"`
	Message       string   `json:"message,omitempty"`
	MissingFields []string `json:"missing_fields,omitempty"`
	Debug         Debug    `json:"debug"`
}

// Handle runs one request end to end. It never returns an error: every
// failure mode is folded into the Response, with internals logged but not
// leaked.
func (b *Broker) Handle(ctx context.Context, rctx *request.Context) *Response {
	start := time.Now()
	log := b.logger.With(
		zap.String("correlation_id", rctx.CorrelationID()),
		zap.String("tier", string(rctx.Tier)),
	)

	tools := b.advertisedTools(rctx.Tier)
	debug := func() Debug {
		return Debug{
			Tier:          rctx.Tier,
			CorrelationID: rctx.CorrelationID(),
			ToolCount:     len(tools),
			ElapsedMs:     time.Since(start).Milliseconds(),
		}
	}

	verdict := b.guard.Check(rctx)
	if verdict.Blocked {
		log.Info("request blocked by intent guard",
			zap.String("intent", string(verdict.Intent)),
			zap.String("error_type", verdict.ErrorType),
		)
		return &Response{
			ErrorType:     verdict.ErrorType,
			Message:       verdict.Message,
			MissingFields: verdict.MissingFields,
			Debug:         debug(),
		}
	}

	messages := []agent.Message{
		agent.System(systemPrompt(rctx)),
		agent.User(rctx.Prompt),
	}

	var answer string
	for turn := 0; turn < maxTurns; turn++ {
		comp, err := agent.CompleteWithRetry(ctx, b.provider, messages, tools, log)
		if err != nil {
			log.Error("llm completion failed", zap.Error(err))
			return &Response{
				ErrorType: request.ErrTypeInternal,
				Message:   "the request could not be completed",
				Debug:     debug(),
			}
		}

		if len(comp.ToolCalls) == 0 {
			answer = comp.Text
			break
		}

		messages = append(messages, agent.Assistant(comp.Text, comp.ToolCalls))
		for _, call := range comp.ToolCalls {
			result := b.runToolCall(ctx, call, rctx, verdict.Intent, start)
			messages = append(messages, agent.ToolResponse(call.ID, encodeResult(result)))
		}
	}

	if answer == "" {
		log.Warn("agent loop exhausted without a final answer")
		answer = "I could not complete this request within the allowed number of steps."
	}

	return &Response{
		Answer:        answer,
		CuratedAnswer: Curate(answer),
		Debug:         debug(),
	}
}

// runToolCall applies the firewall, resolver, and router — in that order —
// to one model-proposed call, and audits the outcome. The firewall runs
// first: a denied tool triggers no resolution work and no backend I/O.
func (b *Broker) runToolCall(ctx context.Context, call agent.ToolCall, rctx *request.Context, intent guard.Intent, reqStart time.Time) request.ToolResult {
	callStart := time.Now()

	var result request.ToolResult
	var argsJSON string

	if !b.firewall.IsAllowed(call.Name, rctx.Tier) {
		result = b.firewall.DeniedResponse(call.Name, rctx.Tier)
	} else if args, merr := b.resolver.Resolve(call.Name, call.Arguments, rctx); merr != nil {
		result = request.MissingParams(merr.ToolName, merr.Missing)
	} else {
		if raw, err := json.Marshal(args); err == nil {
			argsJSON = string(raw)
		}
		result = b.executor.Execute(ctx, call.Name, args, rctx)
	}

	b.writer.Write(&storage.ToolCallEvent{
		CorrelationID: rctx.CorrelationID(),
		Timestamp:     reqStart,
		Tier:          string(rctx.Tier),
		Intent:        string(intent),
		ToolName:      call.Name,
		Backend:       b.executor.BackendFor(call.Name),
		Status:        result.Status.String(),
		ErrorType:     result.ErrorType,
		Message:       result.Message,
		MissingParams: result.Missing,
		ArgumentsJSON: argsJSON,
		LatencyMs:     float32(float64(time.Since(callStart)) / float64(time.Millisecond)),
	})

	return result
}

// advertisedTools builds the tier's tool definitions for the model. Only
// tools the firewall would allow are shown, so a well-behaved model never
// even proposes a denied call.
func (b *Broker) advertisedTools(tier request.Tier) []agent.ToolDef {
	names := b.firewall.ToolsForTier(tier)
	defs := make([]agent.ToolDef, 0, len(names))
	for _, name := range names {
		schema, ok := resolve.AdvertisedSchema(name)
		if !ok {
			continue
		}
		defs = append(defs, agent.ToolDef{
			Name:        name,
			Description: resolve.Description(name),
			Schema:      schema,
		})
	}
	return defs
}

// encodeResult folds a tool result into the JSON body handed back to the
// model as the tool message.
func encodeResult(res request.ToolResult) string {
	body := map[string]any{"status": res.Status.String()}
	switch res.Status {
	case request.StatusOK:
		body["result"] = res.Payload
	default:
		body["error_type"] = res.ErrorType
		body["message"] = res.Message
		if len(res.Missing) > 0 {
			body["missing_fields"] = res.Missing
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return `{"status":"backend_error","message":"result could not be encoded"}`
	}
	return string(raw)
}

func systemPrompt(rctx *request.Context) string {
	return fmt.Sprintf(
		"You are an infrastructure operations assistant. "+
			"Answer using the provided tools when live data is needed. "+
			"The current AWS account is %s in region %s. "+
			"If a tool reports missing parameters, ask the user for them instead of guessing.",
		rctx.AWS.AccountID, rctx.AWS.Region,
	)
}

var (
	fencePattern   = regexp.MustCompile("(?s)^```[a-zA-Z]*\n(.*)\n```$")
	excessNewlines = regexp.MustCompile(`\n{3,}`)
)

// Curate cleans a model answer for direct display: surrounding code
// fences are unwrapped and blank-line runs collapsed.
func Curate(answer string) string {
	out := strings.TrimSpace(answer)
	if m := fencePattern.FindStringSubmatch(out); m != nil {
		out = strings.TrimSpace(m[1])
	}
	out = excessNewlines.ReplaceAllString(out, "\n\n")
	return out
}
