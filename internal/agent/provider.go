// Package agent defines the LLM provider contract the broker's tool-call
// loop is built on, plus the narrow retry policy for transient stream
// failures.
package agent

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ToolDef is a tool advertised to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any // JSON schema for the model-settable arguments
}

// ToolCall is one tool invocation proposed by the model. Arguments are
// untrusted model output.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Message is one turn of the conversation.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCallID string     // role "tool" only
	ToolCalls  []ToolCall // role "assistant" only
}

func System(content string) Message { return Message{Role: "system", Content: content} }
func User(content string) Message   { return Message{Role: "user", Content: content} }
func Assistant(content string, calls []ToolCall) Message {
	return Message{Role: "assistant", Content: content, ToolCalls: calls}
}
func ToolResponse(callID, content string) Message {
	return Message{Role: "tool", Content: content, ToolCallID: callID}
}

// Completion is the model's answer: final text, or tool calls to run, or
// text accompanying tool calls.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
}

// Provider is implemented by every LLM backend.
type Provider interface {
	Complete(ctx context.Context, messages []Message, tools []ToolDef) (*Completion, error)
}

const (
	// prematureStreamSignature identifies the one transient provider
	// failure worth retrying. Application-level tool errors never are.
	prematureStreamSignature = "stream ended prematurely"

	maxStreamRetries   = 2
	streamRetryBackoff = 500 * time.Millisecond
)

// CompleteWithRetry wraps Provider.Complete with the broker's retry
// policy: up to two retries with a short fixed backoff, only for the
// premature-stream failure signature.
func CompleteWithRetry(ctx context.Context, p Provider, messages []Message, tools []ToolDef, logger *zap.Logger) (*Completion, error) {
	var lastErr error
	for attempt := 0; attempt <= maxStreamRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("retrying llm completion after premature stream end",
				zap.Int("attempt", attempt),
			)
			select {
			case <-time.After(streamRetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		comp, err := p.Complete(ctx, messages, tools)
		if err == nil {
			return comp, nil
		}
		lastErr = err
		if !strings.Contains(err.Error(), prematureStreamSignature) {
			return nil, err
		}
	}
	return nil, lastErr
}
