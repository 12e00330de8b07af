package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/opsbridge-ai/toolbroker/internal/correlate"
	"github.com/opsbridge-ai/toolbroker/internal/request"
	"github.com/opsbridge-ai/toolbroker/internal/resolve"
)

// handleAsk returns the handler for one tiered ask endpoint. The endpoint
// fixes the tier of the request; the caller's key must admit that tier.
func (d *Dependencies) handleAsk(tier request.Tier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := principalFromContext(r.Context())
		if principal == nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Not authenticated"})
			return
		}
		// A user-tier key cannot reach the admin endpoint. Admin keys may
		// use the user endpoint and are downgraded to it for the call.
		if tier == request.TierAdmin && principal.Tier != request.TierAdmin {
			writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "Admin tier required"})
			return
		}

		var body AskRequest
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
			return
		}
		if strings.TrimSpace(body.Prompt) == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "prompt is required"})
			return
		}
		if body.AccountID == "" || body.Region == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "account_id and region are required"})
			return
		}

		rctx := &request.Context{
			Tier:     tier,
			Prompt:   body.Prompt,
			Metadata: body.Metadata,
			AWS: request.AWSContext{
				AccountID:      body.AccountID,
				Region:         body.Region,
				BackendBaseURL: body.BackendBaseURL,
			},
		}
		cid := correlate.GetOrCreate(r.Header.Get(correlate.HeaderName), body.Metadata, body.Prompt)
		rctx.SetCorrelationID(cid)
		w.Header().Set(correlate.HeaderName, cid)

		d.Logger.Info("ask received",
			zap.String("correlation_id", cid),
			zap.String("tier", string(tier)),
			zap.String("principal", principal.Name),
		)

		resp := d.Broker.Handle(r.Context(), rctx)
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleDebugTools reports both tiers' tool lists and the routing table.
func (d *Dependencies) handleDebugTools(w http.ResponseWriter, r *http.Request) {
	userTools := d.Firewall.ToolsForTier(request.TierUser)
	adminTools := d.Firewall.ToolsForTier(request.TierAdmin)

	backends := make(map[string]string, len(adminTools))
	for _, name := range resolve.ToolNames() {
		backends[name] = d.Backends.BackendFor(name)
	}

	resp := DebugToolsResponse{
		UserTools:      userTools,
		UserToolCount:  len(userTools),
		AdminTools:     adminTools,
		AdminToolCount: len(adminTools),
		Backends:       backends,
	}
	if d.Processes != nil {
		resp.ActiveProcesses = d.Processes.Active()
	}
	writeJSON(w, http.StatusOK, resp)
}
