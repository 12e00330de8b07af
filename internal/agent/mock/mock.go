// Package mock provides a scripted agent.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/opsbridge-ai/toolbroker/internal/agent"
)

// Step is one scripted turn: either a completion or an error.
type Step struct {
	Completion *agent.Completion
	Err        error
}

// Provider replays a fixed script of completions, recording every request
// it receives so tests can assert on the conversation the broker built.
type Provider struct {
	mu    sync.Mutex
	steps []Step
	calls int

	// Requests holds the messages and tools of each Complete call.
	Requests []Request
}

// Request captures one Complete invocation.
type Request struct {
	Messages []agent.Message
	Tools    []agent.ToolDef
}

// New creates a Provider that replays the given steps in order.
func New(steps ...Step) *Provider {
	return &Provider{steps: steps}
}

// Reply is a convenience Step holding a final text answer.
func Reply(text string) Step {
	return Step{Completion: &agent.Completion{Text: text}}
}

// Call is a convenience Step proposing a single tool call.
func Call(id, name string, args map[string]any) Step {
	return Step{Completion: &agent.Completion{
		ToolCalls: []agent.ToolCall{{ID: id, Name: name, Arguments: args}},
	}}
}

// Fail is a convenience Step returning an error.
func Fail(err error) Step {
	return Step{Err: err}
}

// Complete implements agent.Provider.
func (p *Provider) Complete(_ context.Context, messages []agent.Message, tools []agent.ToolDef) (*agent.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Requests = append(p.Requests, Request{Messages: messages, Tools: tools})

	if p.calls >= len(p.steps) {
		return nil, fmt.Errorf("mock provider: unexpected call %d, script has %d steps", p.calls+1, len(p.steps))
	}
	step := p.steps[p.calls]
	p.calls++

	if step.Err != nil {
		return nil, step.Err
	}
	return step.Completion, nil
}

// Calls returns how many times Complete ran.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
