// Package agent drives one user turn of the dialogue to completion.
//
// An [Agent] owns the conversation history for a single call and mediates
// between the LLM provider and the tool router: the model decides which shop
// tools to call, the agent executes them and feeds results back, and the loop
// ends with either a spoken reply or an operator transfer. One Agent serves
// one call; concurrent turns are serialised.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/internal/session"
	"github.com/voxline-ai/voxline/internal/tools"
	"github.com/voxline-ai/voxline/pkg/provider/llm"
	"github.com/voxline-ai/voxline/pkg/types"
)

const (
	defaultMaxToolCalls = 5
	defaultMaxHistory   = 40
	defaultLLMTimeout   = 30 * time.Second
)

// Turn is the outcome of one user turn.
type Turn struct {
	// Reply is the assistant's spoken answer. Empty when Transfer is set.
	Reply string

	// Transfer signals a hand-off to a human operator. It is set when the
	// model calls transfer_to_operator, when the tool-call cap is exceeded,
	// or when the model keeps failing.
	Transfer bool
}

// Config holds the dependencies and limits for an Agent.
type Config struct {
	// Provider is the completion backend. Must not be nil.
	Provider llm.Provider

	// Router dispatches the model's tool calls. Must not be nil.
	Router *tools.Router

	// SystemPrompt is the assistant's standing instruction set.
	SystemPrompt string

	// MaxToolCalls caps tool invocations within one user turn. Exceeding it
	// ends the turn with an operator transfer. Defaults to 5.
	MaxToolCalls int

	// MaxHistory caps the conversation history length in messages; older
	// turns are evicted before each model call. Defaults to 40.
	MaxHistory int

	// LLMTimeout bounds each individual model invocation, not the turn as a
	// whole: a turn's budget is one model call per tool round plus the tool
	// calls themselves. Defaults to 30 s.
	LLMTimeout time.Duration

	// Temperature is passed through to the model. Zero means provider default.
	Temperature float64

	// Metrics records model-call latency when set. Optional.
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// Agent holds per-call dialogue state.
type Agent struct {
	provider     llm.Provider
	router       *tools.Router
	systemPrompt string
	maxToolCalls int
	maxHistory   int
	llmTimeout   time.Duration
	temperature  float64
	metrics      *observe.Metrics
	log          *slog.Logger

	mu      sync.Mutex
	history []types.Message
}

// New creates an Agent from cfg.
func New(cfg Config) (*Agent, error) {
	if cfg.Provider == nil {
		return nil, errors.New("agent: Provider must not be nil")
	}
	if cfg.Router == nil {
		return nil, errors.New("agent: Router must not be nil")
	}
	a := &Agent{
		provider:     cfg.Provider,
		router:       cfg.Router,
		systemPrompt: cfg.SystemPrompt,
		maxToolCalls: cfg.MaxToolCalls,
		maxHistory:   cfg.MaxHistory,
		llmTimeout:   cfg.LLMTimeout,
		temperature:  cfg.Temperature,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
	}
	if a.maxToolCalls <= 0 {
		a.maxToolCalls = defaultMaxToolCalls
	}
	if a.maxHistory <= 0 {
		a.maxHistory = defaultMaxHistory
	}
	if a.llmTimeout <= 0 {
		a.llmTimeout = defaultLLMTimeout
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a, nil
}

// HandleUserTurn runs one user utterance through the model, resolving tool
// calls until the model produces text or a terminal condition is hit.
//
// Model failures are retried once; a second failure returns an operator
// transfer rather than an error. An error return means the call itself is
// broken (context cancelled or deadline exceeded) and the pipeline should
// abort.
func (a *Agent) HandleUserTurn(ctx context.Context, sess *session.Session, utterance string) (Turn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := a.log.With("call_id", sess.CallID())
	a.history = append(a.history, types.Message{Role: "user", Content: utterance})

	var toolCalls int
	for {
		a.evictHistory()

		resp, err := a.complete(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Turn{}, fmt.Errorf("agent: turn aborted: %w", ctx.Err())
			}
			log.Error("model failed twice, transferring to operator", "error", err)
			return Turn{Transfer: true}, nil
		}

		if len(resp.ToolCalls) == 0 {
			a.history = append(a.history, types.Message{Role: "assistant", Content: resp.Content})
			return Turn{Reply: resp.Content}, nil
		}

		toolCalls += len(resp.ToolCalls)
		if toolCalls > a.maxToolCalls {
			log.Warn("tool-call cap exceeded, transferring to operator",
				"calls", toolCalls, "cap", a.maxToolCalls)
			return Turn{Transfer: true}, nil
		}

		a.history = append(a.history, types.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			result, err := a.router.Execute(ctx, call.Name, call.Arguments)
			if errors.Is(err, tools.ErrOperatorTransfer) {
				log.Info("operator transfer requested", "reason", err)
				return Turn{Transfer: true}, nil
			}
			if err != nil {
				return Turn{}, fmt.Errorf("agent: tool %s: %w", call.Name, err)
			}
			a.history = append(a.history, types.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
}

// complete calls the model, retrying once on failure. A retry also covers a
// per-invocation timeout: only cancellation of the call's own context is
// terminal.
func (a *Agent) complete(ctx context.Context) (*llm.CompletionResponse, error) {
	req := llm.CompletionRequest{
		Messages:     a.history,
		SystemPrompt: a.systemPrompt,
		Temperature:  a.temperature,
	}
	if a.provider.Capabilities().SupportsToolCalling {
		req.Tools = a.router.Definitions()
	}

	resp, err := a.invoke(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	a.log.Warn("model call failed, retrying once", "error", err)
	return a.invoke(ctx, req)
}

// invoke runs one model call under the per-invocation deadline and records
// its latency.
func (a *Agent) invoke(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	defer cancel()

	start := time.Now()
	resp, err := a.provider.Complete(cctx, req)
	if a.metrics != nil {
		a.metrics.RecordLLM(ctx, time.Since(start))
	}
	return resp, err
}

// evictHistory trims the oldest turns until the history fits the cap.
// An assistant message and its tool results form one block and are evicted
// together; user messages go independently.
func (a *Agent) evictHistory() {
	for len(a.history) > a.maxHistory {
		end := 1
		if len(a.history[0].ToolCalls) > 0 {
			for end < len(a.history) && a.history[end].Role == "tool" {
				end++
			}
		}
		a.history = a.history[end:]
	}
}

// History returns a copy of the conversation history. Test helper.
func (a *Agent) History() []types.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Message, len(a.history))
	copy(out, a.history)
	return out
}
