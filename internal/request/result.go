package request

import (
	"fmt"
	"strings"
)

// Machine-readable error types attached to structured rejections.
const (
	ErrTypeDeniedTool       = "DENIED_TOOL"
	ErrTypeDeniedCapability = "DENIED_CAPABILITY"
	ErrTypeMissingParams    = "MISSING_PARAMS"
	ErrTypeBackendError     = "BACKEND_ERROR"
	ErrTypeTimeout          = "TIMEOUT"
	ErrTypeInternal         = "INTERNAL_ERROR"
)

// ResultStatus tags the ToolResult union.
type ResultStatus int

const (
	StatusOK ResultStatus = iota
	StatusDenied
	StatusMissingParams
	StatusBackendError
	StatusTimeout
)

// String returns the lowercase name used in logs and audit events.
func (s ResultStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDenied:
		return "denied"
	case StatusMissingParams:
		return "missing_params"
	case StatusBackendError:
		return "backend_error"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ToolResult is the outcome of one tool call after the
// firewall → resolver → router pipeline.
type ToolResult struct {
	Status    ResultStatus
	ToolName  string
	Payload   any      // StatusOK only
	ErrorType string   // machine-readable tag for non-OK statuses
	Message   string   // human-readable explanation
	Missing   []string // StatusMissingParams only
}

// Ok wraps a successful backend payload.
func Ok(toolName string, payload any) ToolResult {
	return ToolResult{Status: StatusOK, ToolName: toolName, Payload: payload}
}

// Denied is the firewall's rejection of a tool for a tier.
func Denied(toolName string, tier Tier, hint string) ToolResult {
	msg := fmt.Sprintf("tool %q is not available for the %s tier", toolName, tier)
	if hint != "" {
		msg += ". " + hint
	}
	return ToolResult{
		Status:    StatusDenied,
		ToolName:  toolName,
		ErrorType: ErrTypeDeniedTool,
		Message:   msg,
	}
}

// MissingParams reports required fields that could not be resolved.
func MissingParams(toolName string, missing []string) ToolResult {
	return ToolResult{
		Status:    StatusMissingParams,
		ToolName:  toolName,
		ErrorType: ErrTypeMissingParams,
		Message:   fmt.Sprintf("missing required parameters for %s: %s", toolName, strings.Join(missing, ", ")),
		Missing:   missing,
	}
}

// BackendError wraps a transport or application failure from a backend.
func BackendError(toolName, message string) ToolResult {
	return ToolResult{
		Status:    StatusBackendError,
		ToolName:  toolName,
		ErrorType: ErrTypeBackendError,
		Message:   message,
	}
}

// Timeout reports that a backend did not answer within its budget.
func Timeout(toolName string, budget string) ToolResult {
	return ToolResult{
		Status:    StatusTimeout,
		ToolName:  toolName,
		ErrorType: ErrTypeTimeout,
		Message:   fmt.Sprintf("backend for %s did not respond within %s", toolName, budget),
	}
}
