// Package agent runs the bounded decide-act loop that turns a seeded
// conversation into a terminal signal: a proposed draft, a completion
// summary, or a plain reply.
package agent

import (
	"time"

	"github.com/harun/quill/pkg/llm"
)

// Internal terminal tools. They are offered to the model alongside the
// discovered tools but end the loop instead of being dispatched.
const (
	ToolTaskCompleted = "task_completed"
	ToolProposeDraft  = "propose_draft"
)

// TerminalKind says how a run ended.
type TerminalKind string

const (
	// TerminalCompleted means the model called task_completed.
	TerminalCompleted TerminalKind = "completed"
	// TerminalDraft means the model called propose_draft.
	TerminalDraft TerminalKind = "draft"
	// TerminalReply means the model answered with a plain assistant message.
	TerminalReply TerminalKind = "reply"
	// TerminalExhausted means the iteration cap was reached first.
	TerminalExhausted TerminalKind = "exhausted"
	// TerminalFailed means the decision call itself failed past retries.
	TerminalFailed TerminalKind = "failed"
)

// Config bounds one run.
type Config struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
	MaxRetries    int
	LLMTimeout    time.Duration
	ToolTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 15
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 60 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	return c
}

// RunParams seeds one run.
type RunParams struct {
	UserID       string
	SystemPrompt string
	Seed         []llm.Message
}

// Result is the outcome of one run: the full transcript plus the extracted
// terminal signal.
type Result struct {
	AgentID      string
	Terminal     TerminalKind
	Conversation []llm.Message
	Summary      string
	DraftContent string
	Iterations   int
	Usage        llm.TokenUsage
	Err          error
}
