package api

// AskRequest is the JSON body for POST /v1/ask/user and /v1/ask/admin.
type AskRequest struct {
	Prompt         string            `json:"prompt"`
	AccountID      string            `json:"account_id"`
	Region         string            `json:"region"`
	BackendBaseURL string            `json:"backend_base_url"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// DebugToolsResponse is the body of GET /v1/debug/tools: both tiers' tool
// lists plus the routing table, for operational verification that tier
// separation holds.
type DebugToolsResponse struct {
	UserTools       []string          `json:"user_tools"`
	UserToolCount   int               `json:"user_tool_count"`
	AdminTools      []string          `json:"admin_tools"`
	AdminToolCount  int               `json:"admin_tool_count"`
	Backends        map[string]string `json:"backends"`
	ActiveProcesses []string          `json:"active_processes,omitempty"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
