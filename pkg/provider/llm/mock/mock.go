// Package mock provides a test double for the llm.Provider interface.
//
// Responses are scripted: each call to Complete consumes the next entry of
// the Responses queue. When the queue is exhausted the mock returns
// ErrScriptExhausted, which makes an over-chatty caller fail loudly in tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxline-ai/voxline/pkg/provider/llm"
	"github.com/voxline-ai/voxline/pkg/types"
)

// ErrScriptExhausted is returned by Complete when all scripted responses
// have been consumed.
var ErrScriptExhausted = errors.New("mock: scripted responses exhausted")

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Step is one scripted reply: either a response or an error.
type Step struct {
	Response *llm.CompletionResponse
	Err      error
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses is the queue of scripted steps consumed in order.
	Responses []Step

	// Caps is returned by Capabilities. Zero value means a tool-calling
	// model with a 128k window.
	Caps types.ModelCapabilities

	// CompleteCalls records every call to Complete in order.
	CompleteCalls []CompleteCall
}

// Text returns a Step carrying a plain text reply.
func Text(content string) Step {
	return Step{Response: &llm.CompletionResponse{Content: content}}
}

// Calls returns a Step carrying tool calls.
func Calls(calls ...types.ToolCall) Step {
	return Step{Response: &llm.CompletionResponse{ToolCalls: calls}}
}

// Fail returns a Step carrying an error.
func Fail(err error) Step {
	return Step{Err: err}
}

// Complete records the call and consumes the next scripted step.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Req: req})
	if len(p.Responses) == 0 {
		return nil, ErrScriptExhausted
	}
	step := p.Responses[0]
	p.Responses = p.Responses[1:]
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	if p.Caps == (types.ModelCapabilities{}) {
		return types.ModelCapabilities{
			SupportsToolCalling: true,
			ContextWindow:       128_000,
			MaxOutputTokens:     4_096,
		}
	}
	return p.Caps
}

// CallCount returns the number of Complete calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// Reset clears all recorded calls and remaining responses. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.Responses = nil
}
