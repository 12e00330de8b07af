package storage

import "time"

// EventWriter is the interface for writing tool call audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ToolCallEvent)
	Close()
}

// ToolCallEvent records one firewall/resolver/router decision for audit.
type ToolCallEvent struct {
	CorrelationID string
	Timestamp     time.Time
	Tier          string
	Intent        string
	ToolName      string
	Backend       string
	Status        string // "ok", "denied", "missing_params", "backend_error", "timeout"
	ErrorType     string
	Message       string
	MissingParams []string
	ArgumentsJSON string
	LatencyMs     float32
}
