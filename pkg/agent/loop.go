package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/quill/pkg/llm"
	"github.com/harun/quill/pkg/tools"
)

// Controller drives the loop. provider may be nil, in which case decisions
// fall back to a deterministic heuristic that probes the first discovered
// tool until the iteration cap.
type Controller struct {
	provider llm.Provider
	cfg      Config
	logger   zerolog.Logger
}

// NewController wires a decision provider into a loop controller. The tool
// registry is not held here; each run receives its own freshly discovered
// registry.
func NewController(provider llm.Provider, cfg Config, logger zerolog.Logger) *Controller {
	return &Controller{
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// terminalDescriptors are offered on every decision call in addition to the
// discovered tools.
func terminalDescriptors() []tools.Descriptor {
	return []tools.Descriptor{
		{
			Name:        ToolTaskCompleted,
			Description: "Call this when the task is finished and no draft is needed. Provide a short summary of what was done.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"summary": map[string]interface{}{
						"type":        "string",
						"description": "What was accomplished",
					},
				},
				"required": []interface{}{"summary"},
			},
		},
		{
			Name:        ToolProposeDraft,
			Description: "Call this to propose the final reply draft for the thread. The content is the full draft text.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"content": map[string]interface{}{
						"type":        "string",
						"description": "The draft reply text",
					},
				},
				"required": []interface{}{"content"},
			},
		},
	}
}

func isTerminalTool(name string) bool {
	return name == ToolTaskCompleted || name == ToolProposeDraft
}

// Run executes the loop until a terminal signal or the iteration cap. The
// registry holds the tool descriptors for this run only. Run never returns
// an error for model or tool failures; those end up in the Result. The
// returned conversation is the full append-only transcript.
func (c *Controller) Run(ctx context.Context, registry *tools.Registry, params RunParams) *Result {
	result := &Result{
		AgentID:      uuid.NewString(),
		Conversation: append([]llm.Message{}, params.Seed...),
	}

	schema := append(registry.Descriptors(), terminalDescriptors()...)

	logger := c.logger.With().Str("agent_id", result.AgentID).Logger()
	logger.Info().Int("tools", registry.Len()).Msg("Agent run started")

	for iteration := 0; iteration < c.cfg.MaxIterations; iteration++ {
		result.Iterations = iteration + 1

		select {
		case <-ctx.Done():
			result.Terminal = TerminalFailed
			result.Err = ctx.Err()
			return result
		default:
		}

		response, err := c.decide(ctx, registry, params, result.Conversation, schema)
		if err != nil {
			logger.Error().Err(err).Int("iteration", iteration).Msg("Decision call failed")
			result.Terminal = TerminalFailed
			result.Err = err
			return result
		}
		if response.Usage != nil {
			result.Usage.InputTokens += response.Usage.InputTokens
			result.Usage.OutputTokens += response.Usage.OutputTokens
		}

		// Plain assistant message, no tool calls: terminal reply.
		if len(response.ToolCalls) == 0 {
			result.Conversation = append(result.Conversation, llm.AssistantMessage(response.Content))
			result.Terminal = TerminalReply
			logger.Info().Int("iterations", result.Iterations).Msg("Agent run ended with plain reply")
			return result
		}

		assistantTurn := llm.Message{
			Role:      llm.RoleAssistant,
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		}

		// A terminal tool call ends the run. The assistant turn is kept in
		// the transcript but the call is never dispatched.
		if terminal := firstTerminalCall(response.ToolCalls); terminal != nil {
			result.Conversation = append(result.Conversation, assistantTurn)
			switch terminal.Name {
			case ToolTaskCompleted:
				result.Terminal = TerminalCompleted
				result.Summary, _ = terminal.Arguments["summary"].(string)
			case ToolProposeDraft:
				result.Terminal = TerminalDraft
				result.DraftContent, _ = terminal.Arguments["content"].(string)
			}
			logger.Info().
				Str("terminal", string(result.Terminal)).
				Int("iterations", result.Iterations).
				Msg("Agent run ended")
			return result
		}

		result.Conversation = append(result.Conversation, assistantTurn)

		// Dispatch the requested calls one at a time, results appended in
		// request order. Failures become visible result text, never raised.
		for _, call := range response.ToolCalls {
			if call.ParseError != "" {
				result.Conversation = append(result.Conversation,
					llm.ToolResultMessage(call.ID, call.Name, fmt.Sprintf("✗ %s: %s", call.Name, call.ParseError)))
				continue
			}

			if !registry.Has(call.Name) {
				logger.Warn().Str("tool", call.Name).Msg("Model requested unknown tool")
				result.Conversation = append(result.Conversation,
					llm.UserMessage(fmt.Sprintf("Tool %q does not exist. Available tools: %v. Use one of those, or finish with %s or %s.",
						call.Name, registry.Names(), ToolTaskCompleted, ToolProposeDraft)))
				continue
			}

			output := c.dispatch(ctx, registry, params.UserID, call)
			result.Conversation = append(result.Conversation,
				llm.ToolResultMessage(call.ID, call.Name, output))
		}
	}

	// Iteration cap reached without a terminal signal. Soft fail: the
	// partial transcript is still returned.
	result.Terminal = TerminalExhausted
	logger.Warn().Int("iterations", result.Iterations).Msg("Agent run exhausted iteration cap")
	return result
}

func firstTerminalCall(calls []llm.ToolCall) *llm.ToolCall {
	for i := range calls {
		if isTerminalTool(calls[i].Name) {
			return &calls[i]
		}
	}
	return nil
}

func (c *Controller) dispatch(ctx context.Context, registry *tools.Registry, userID string, call llm.ToolCall) string {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ToolTimeout)
	defer cancel()

	output, err := registry.Invoke(callCtx, call.Name, call.Arguments, userID)
	if err != nil {
		c.logger.Warn().Err(err).Str("tool", call.Name).Msg("Tool call failed")
		return fmt.Sprintf("✗ %s: %v", call.Name, err)
	}
	return output
}

func (c *Controller) decide(ctx context.Context, registry *tools.Registry, params RunParams, conversation []llm.Message, schema []tools.Descriptor) (*llm.Response, error) {
	if c.provider == nil {
		return c.heuristicDecision(registry), nil
	}

	request := llm.Request{
		Model:        c.cfg.Model,
		Messages:     conversation,
		Tools:        schema,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
		SystemPrompt: params.SystemPrompt,
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.LLMTimeout)
		response, err := c.provider.Call(callCtx, request)
		cancel()
		if err == nil {
			return response, nil
		}

		lastErr = err
		if !llm.IsRetryableError(err) {
			return nil, err
		}
		if attempt == c.cfg.MaxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		delay := time.Duration(1<<attempt) * time.Second
		c.logger.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying decision call")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.cfg.MaxRetries, lastErr)
}

// heuristicDecision is the no-credential fallback: probe the first
// discovered tool with empty arguments. With no tools at all there is
// nothing to probe, so the run ends with a fixed reply.
func (c *Controller) heuristicDecision(registry *tools.Registry) *llm.Response {
	names := registry.Names()
	if len(names) == 0 {
		return &llm.Response{Content: "No decision model is configured and no tools are available."}
	}

	return &llm.Response{
		ToolCalls: []llm.ToolCall{{
			ID:        uuid.NewString(),
			Name:      names[0],
			Arguments: map[string]interface{}{},
		}},
	}
}
