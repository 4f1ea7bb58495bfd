// Package llm wraps chat-completion providers behind a single decision
// interface: given a conversation and a tool schema, the model answers with
// either tool-call requests or a plain assistant message.
package llm

import (
	"encoding/json"
	"strings"

	"github.com/harun/quill/pkg/tools"
)

// Message roles. The conversation is a tagged sequence over these.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`

	// ParseError is set when the model produced argument text that does not
	// parse as JSON. The call is kept so the loop can surface the problem to
	// the model as a visible tool result instead of failing the run.
	ParseError string `json:"-"`
}

// Message represents one conversation turn. Assistant turns may carry pending
// tool calls; tool turns carry the result for one call id.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// Request contains the parameters for one decision call. Tool choice is
// always "auto": the model decides between calling a tool and replying.
type Request struct {
	Model        string
	Messages     []Message
	Tools        []tools.Descriptor
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Response contains the model's decision.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Profile represents credentials for one LLM provider
type Profile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // openai, openrouter, anthropic
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
	Priority int    `json:"priority"`
}

// SystemMessage builds a system turn.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user turn.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds a plain assistant turn.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolResultMessage builds a tool_result turn for one call.
func ToolResultMessage(callID, toolName, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, ToolName: toolName, Content: content}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	// Network errors
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}

// unmarshalArguments decodes a tool-call argument payload. An empty payload
// means a call with no arguments, not a malformed one.
func unmarshalArguments(raw string, dst *map[string]interface{}) error {
	if raw == "" || raw == "null" {
		*dst = map[string]interface{}{}
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
