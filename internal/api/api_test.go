package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/opsbridge-ai/toolbroker/internal/agent"
	"github.com/opsbridge-ai/toolbroker/internal/agent/mock"
	"github.com/opsbridge-ai/toolbroker/internal/broker"
	"github.com/opsbridge-ai/toolbroker/internal/correlate"
	"github.com/opsbridge-ai/toolbroker/internal/guard"
	"github.com/opsbridge-ai/toolbroker/internal/policy"
	"github.com/opsbridge-ai/toolbroker/internal/request"
	"github.com/opsbridge-ai/toolbroker/internal/resolve"
	"github.com/opsbridge-ai/toolbroker/internal/storage"
)

type nopExecutor struct{}

func (nopExecutor) Execute(_ context.Context, toolName string, _ map[string]any, _ *request.Context) request.ToolResult {
	return request.Ok(toolName, map[string]any{"ok": true})
}

func (nopExecutor) BackendFor(toolName string) string {
	return resolve.FamilyOf(toolName).Backend()
}

// tierAuthenticator grants a fixed tier to any tbk_ token.
type tierAuthenticator struct {
	tier request.Tier
}

func (a tierAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if len(token) < 4 || token[:4] != "tbk_" {
		return nil, ErrUnauthenticated
	}
	return &Principal{ID: "k1", Name: "test-key", Tier: a.tier}, nil
}

func newTestServer(t *testing.T, tier request.Tier, steps ...mock.Step) *httptest.Server {
	t.Helper()
	extractor := resolve.NewPatternExtractor()
	resolver, err := resolve.New(extractor)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	firewall := policy.NewFirewall()
	logger := zap.NewNop()

	var provider agent.Provider = mock.New(steps...)
	b := broker.New(provider, firewall, resolver, guard.New(extractor, firewall),
		nopExecutor{}, storage.NewLogWriter(logger), logger)

	srv := httptest.NewServer(NewRouter(&Dependencies{
		Broker:   b,
		Firewall: firewall,
		Auth:     tierAuthenticator{tier: tier},
		Backends: nopExecutor{},
		Logger:   logger,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func postAsk(t *testing.T, srv *httptest.Server, path, token string, body map[string]any, extraHeaders map[string]string) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func validAskBody() map[string]any {
	return map[string]any{
		"prompt":     "hello there",
		"account_id": "123456789012",
		"region":     "us-east-1",
	}
}

func TestAskHappyPath(t *testing.T) {
	srv := newTestServer(t, request.TierUser, mock.Reply("hi"))

	resp := postAsk(t, srv, "/v1/ask/user", "tbk_testkey", validAskBody(), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get(correlate.HeaderName) == "" {
		t.Error("response must echo the correlation id header")
	}

	var body broker.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Answer != "hi" {
		t.Errorf("answer = %q", body.Answer)
	}
	if body.Debug.Tier != request.TierUser {
		t.Errorf("debug tier = %s", body.Debug.Tier)
	}
}

func TestAskCorrelationHeaderEchoed(t *testing.T) {
	srv := newTestServer(t, request.TierUser, mock.Reply("hi"))

	resp := postAsk(t, srv, "/v1/ask/user", "tbk_testkey", validAskBody(),
		map[string]string{correlate.HeaderName: "upstream-trace-7"})
	defer resp.Body.Close()

	if got := resp.Header.Get(correlate.HeaderName); got != "upstream-trace-7" {
		t.Errorf("correlation header = %q, want the caller's verbatim", got)
	}
}

func TestAskRejectsUnauthenticated(t *testing.T) {
	srv := newTestServer(t, request.TierUser)

	tests := []struct {
		name  string
		token string
	}{
		{"no token", ""},
		{"wrong prefix", "sk_wrongprefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postAsk(t, srv, "/v1/ask/user", tt.token, validAskBody(), nil)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestAskAdminRequiresAdminKey(t *testing.T) {
	t.Run("user key rejected", func(t *testing.T) {
		srv := newTestServer(t, request.TierUser)
		resp := postAsk(t, srv, "/v1/ask/admin", "tbk_userkey", validAskBody(), nil)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("admin key accepted", func(t *testing.T) {
		srv := newTestServer(t, request.TierAdmin, mock.Reply("hi"))
		resp := postAsk(t, srv, "/v1/ask/admin", "tbk_adminkey", validAskBody(), nil)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("admin key on user endpoint runs at user tier", func(t *testing.T) {
		srv := newTestServer(t, request.TierAdmin, mock.Reply("hi"))
		resp := postAsk(t, srv, "/v1/ask/user", "tbk_adminkey", validAskBody(), nil)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var body broker.Response
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Debug.Tier != request.TierUser {
			t.Errorf("tier = %s, the endpoint fixes the tier", body.Debug.Tier)
		}
	})
}

func TestAskValidatesBody(t *testing.T) {
	srv := newTestServer(t, request.TierUser)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing prompt", map[string]any{"account_id": "1", "region": "us-east-1"}},
		{"blank prompt", map[string]any{"prompt": "  ", "account_id": "1", "region": "us-east-1"}},
		{"missing account", map[string]any{"prompt": "hi", "region": "us-east-1"}},
		{"missing region", map[string]any{"prompt": "hi", "account_id": "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postAsk(t, srv, "/v1/ask/user", "tbk_testkey", tt.body, nil)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGuardRejectionIsHTTP200(t *testing.T) {
	srv := newTestServer(t, request.TierAdmin)

	body := validAskBody()
	body["prompt"] = "summarize the pull request"
	resp := postAsk(t, srv, "/v1/ask/admin", "tbk_adminkey", body, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, expected rejections travel as 200 bodies", resp.StatusCode)
	}
	var out broker.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ErrorType != request.ErrTypeMissingParams {
		t.Errorf("error type = %s", out.ErrorType)
	}
}

func TestDebugTools(t *testing.T) {
	srv := newTestServer(t, request.TierAdmin)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/debug/tools", nil)
	req.Header.Set("Authorization", "Bearer tbk_adminkey")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out DebugToolsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.UserToolCount != 5 {
		t.Errorf("user tool count = %d", out.UserToolCount)
	}
	if out.AdminToolCount != len(resolve.ToolNames()) {
		t.Errorf("admin tool count = %d", out.AdminToolCount)
	}
	if out.Backends["pr_get_diff"] != "pr" || out.Backends["ecs_call_tool"] != "legacy" {
		t.Errorf("backends = %v", out.Backends)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, request.TierUser)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator()

	if _, err := a.Authenticate(context.Background(), "sk_other"); err == nil {
		t.Error("non-tbk_ tokens must be rejected")
	}
	p, err := a.Authenticate(context.Background(), "tbk_devkey123")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Tier != request.TierAdmin {
		t.Errorf("tier = %s", p.Tier)
	}
}
