// Package route dispatches resolved tool calls to their owning backend
// and normalizes transport failures into tool results.
package route

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/opsbridge-ai/toolbroker/internal/correlate"
	"github.com/opsbridge-ai/toolbroker/internal/gateway"
	"github.com/opsbridge-ai/toolbroker/internal/request"
	"github.com/opsbridge-ai/toolbroker/internal/resolve"
)

// Timeouts holds the per-backend response budgets. Legacy calls get a
// tighter budget than the LLM-adjacent tool backends.
type Timeouts struct {
	PR      time.Duration
	Metrics time.Duration
	Pricing time.Duration
	Legacy  time.Duration
}

// DefaultTimeouts returns the production budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		PR:      60 * time.Second,
		Metrics: 30 * time.Second,
		Pricing: 60 * time.Second,
		Legacy:  10 * time.Second,
	}
}

func (t Timeouts) forBackend(backend string) time.Duration {
	switch backend {
	case "pr":
		return t.PR
	case "metrics":
		return t.Metrics
	case "pricing":
		return t.Pricing
	case "legacy":
		return t.Legacy
	default:
		return t.Metrics
	}
}

// Router owns the tool-name → backend dispatch table. The family rules
// are shared with the resolver, so prefix logic lives in one place.
type Router struct {
	client     *http.Client
	supervisor *gateway.Supervisor
	// supervised marks backend ids served by a local subprocess rather
	// than a remote HTTP endpoint.
	supervised map[string]bool
	timeouts   Timeouts
	logger     *zap.Logger
	nextID     atomic.Int64
}

// New builds a Router. supervisedBackends lists backend ids (e.g. "pr",
// "pricing") owned by the process supervisor; everything else is remote.
func New(sup *gateway.Supervisor, supervisedBackends []string, timeouts Timeouts, logger *zap.Logger) *Router {
	supervised := make(map[string]bool, len(supervisedBackends))
	for _, b := range supervisedBackends {
		supervised[b] = true
	}
	return &Router{
		client:     &http.Client{},
		supervisor: sup,
		supervised: supervised,
		timeouts:   timeouts,
		logger:     logger,
	}
}

// Execute dispatches one resolved call. It never returns a raw error to
// the caller: every failure mode collapses into the ToolResult union.
func (r *Router) Execute(ctx context.Context, toolName string, args map[string]any, rctx *request.Context) request.ToolResult {
	backend := resolve.FamilyOf(toolName).Backend()
	if backend == "" {
		// The firewall only admits known tools, so an unroutable name
		// here is a programming error, surfaced but not panicked.
		r.logger.Error("no backend for tool past firewall",
			zap.String("tool", toolName),
			zap.String("correlation_id", rctx.CorrelationID()),
		)
		return request.BackendError(toolName, fmt.Sprintf("no backend owns tool %q", toolName))
	}

	budget := r.timeouts.forBackend(backend)
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	var res request.ToolResult
	switch {
	case backend == "legacy":
		res = r.callLegacy(ctx, toolName, args, rctx, budget)
	case r.supervised[backend]:
		res = r.callSupervised(ctx, backend, toolName, args, budget)
	default:
		res = r.callRemote(ctx, backend, toolName, args, rctx, budget)
	}

	r.logger.Info("tool dispatched",
		zap.String("tool", toolName),
		zap.String("backend", backend),
		zap.String("status", res.Status.String()),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("correlation_id", rctx.CorrelationID()),
	)
	return res
}

// BackendFor exposes the routing decision for introspection endpoints.
func (r *Router) BackendFor(toolName string) string {
	return resolve.FamilyOf(toolName).Backend()
}

// callSupervised sends the JSON-RPC envelope over the subprocess pipe.
func (r *Router) callSupervised(ctx context.Context, backend, toolName string, args map[string]any, budget time.Duration) request.ToolResult {
	payload, err := json.Marshal(r.envelope(toolName, args))
	if err != nil {
		return request.BackendError(toolName, fmt.Sprintf("encode request: %v", err))
	}

	raw, err := r.supervisor.Call(ctx, backend, payload)
	if err != nil {
		if errors.Is(err, gateway.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return request.Timeout(toolName, budget.String())
		}
		return request.BackendError(toolName, err.Error())
	}

	return decodeRPC(toolName, raw)
}

// callRemote posts the JSON-RPC envelope to the backend's HTTP endpoint,
// derived from the request's backend base URL.
func (r *Router) callRemote(ctx context.Context, backend, toolName string, args map[string]any, rctx *request.Context, budget time.Duration) request.ToolResult {
	url := strings.TrimRight(rctx.AWS.BackendBaseURL, "/") + "/backends/" + backend
	payload, err := json.Marshal(r.envelope(toolName, args))
	if err != nil {
		return request.BackendError(toolName, fmt.Sprintf("encode request: %v", err))
	}

	raw, res := r.post(ctx, toolName, url, payload, budget, rctx.CorrelationID())
	if res != nil {
		return *res
	}
	return decodeRPC(toolName, raw)
}

// callLegacy posts the {server, tool, params} envelope to the fixed
// /call-tool path of the legacy gateway.
func (r *Router) callLegacy(ctx context.Context, toolName string, args map[string]any, rctx *request.Context, budget time.Duration) request.ToolResult {
	url := strings.TrimRight(rctx.AWS.BackendBaseURL, "/") + "/call-tool"
	payload, err := json.Marshal(legacyRequest{
		Server: strings.TrimSuffix(toolName, "_call_tool"),
		Tool:   toolName,
		Params: args,
	})
	if err != nil {
		return request.BackendError(toolName, fmt.Sprintf("encode request: %v", err))
	}

	raw, res := r.post(ctx, toolName, url, payload, budget, rctx.CorrelationID())
	if res != nil {
		return *res
	}

	var lr legacyResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		return request.BackendError(toolName, fmt.Sprintf("malformed legacy response: %v", err))
	}
	if lr.Error != "" {
		return request.BackendError(toolName, lr.Error)
	}
	var payloadAny any
	if len(lr.Result) > 0 {
		_ = json.Unmarshal(lr.Result, &payloadAny)
	}
	return request.Ok(toolName, payloadAny)
}

// post runs one HTTP round trip. A non-nil second return is a terminal
// failure result; otherwise the body is handed back for decoding.
func (r *Router) post(ctx context.Context, toolName, url string, payload []byte, budget time.Duration, correlationID string) ([]byte, *request.ToolResult) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		res := request.BackendError(toolName, err.Error())
		return nil, &res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(correlate.HeaderName, correlationID)

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			res := request.Timeout(toolName, budget.String())
			return nil, &res
		}
		res := request.BackendError(toolName, err.Error())
		return nil, &res
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		res := request.BackendError(toolName, err.Error())
		return nil, &res
	}
	if resp.StatusCode != http.StatusOK {
		res := request.BackendError(toolName, fmt.Sprintf("backend returned HTTP %d", resp.StatusCode))
		return nil, &res
	}
	return body, nil
}

func (r *Router) envelope(toolName string, args map[string]any) jsonrpcRequest {
	return jsonrpcRequest{
		Jsonrpc: "2.0",
		ID:      r.nextID.Add(1),
		Method:  "tools/call",
		Params:  callParams{Name: toolName, Arguments: args},
	}
}

// decodeRPC normalizes a JSON-RPC response body into the result union.
func decodeRPC(toolName string, raw []byte) request.ToolResult {
	var resp jsonrpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return request.BackendError(toolName, fmt.Sprintf("malformed backend response: %v", err))
	}
	if resp.Error != nil {
		return request.BackendError(toolName, resp.Error.text())
	}
	var payload any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &payload); err != nil {
			return request.BackendError(toolName, fmt.Sprintf("malformed backend result: %v", err))
		}
	}
	return request.Ok(toolName, payload)
}
