package route

import (
	"encoding/json"
)

// jsonrpcRequest is the envelope posted to tool backends.
type jsonrpcRequest struct {
	Jsonrpc string     `json:"jsonrpc"`
	ID      int64      `json:"id"`
	Method  string     `json:"method"`
	Params  callParams `json:"params"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// jsonrpcResponse is the backend's reply: result or error, never both.
type jsonrpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message json.RawMessage `json:"message"`
}

// text extracts a printable message whether the backend sent a plain
// string or a structured object.
func (e *rpcError) text() string {
	if e == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil {
		return s
	}
	return string(e.Message)
}

// legacyRequest is the non-JSON-RPC envelope for the legacy gateway's
// /call-tool path.
type legacyRequest struct {
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

type legacyResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}
