package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryNewProvider(t *testing.T) {
	factory := &Factory{}

	p, err := factory.NewProvider(Profile{Provider: "openai", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Provider())

	p, err = factory.NewProvider(Profile{Provider: "openrouter", APIKey: "sk-or-test"})
	require.NoError(t, err)
	assert.Equal(t, "openrouter", p.Provider())

	p, err = factory.NewProvider(Profile{Provider: "anthropic", APIKey: "sk-ant-test"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Provider())

	_, err = factory.NewProvider(Profile{Provider: "mistral"})
	assert.Error(t, err)
}

func TestSortProfilesByPriority(t *testing.T) {
	profiles := []Profile{
		{ID: "backup", Priority: 2},
		{ID: "primary", Priority: 0},
		{ID: "secondary", Priority: 1},
	}

	SortProfilesByPriority(profiles)

	assert.Equal(t, "primary", profiles[0].ID)
	assert.Equal(t, "secondary", profiles[1].ID)
	assert.Equal(t, "backup", profiles[2].ID)
}

func TestSortProfilesByPriorityIsStable(t *testing.T) {
	profiles := []Profile{
		{ID: "first", Priority: 1},
		{ID: "second", Priority: 1},
	}

	SortProfilesByPriority(profiles)

	assert.Equal(t, "first", profiles[0].ID)
	assert.Equal(t, "second", profiles[1].ID)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("429 Too Many Requests")))
	assert.True(t, IsRetryableError(errors.New("connection reset by peer")))
	assert.True(t, IsRetryableError(errors.New("request timeout exceeded")))
	assert.True(t, IsRetryableError(errors.New("502 Bad Gateway")))
	assert.False(t, IsRetryableError(errors.New("401 Unauthorized")))
	assert.False(t, IsRetryableError(errors.New("unsupported provider")))
}

func TestMessageBuilders(t *testing.T) {
	msg := ToolResultMessage("call_1", "search_messages", "found 3 messages")
	assert.Equal(t, RoleTool, msg.Role)
	assert.Equal(t, "call_1", msg.ToolCallID)
	assert.Equal(t, "search_messages", msg.ToolName)
	assert.Equal(t, "found 3 messages", msg.Content)

	assert.Equal(t, RoleSystem, SystemMessage("be terse").Role)
	assert.Equal(t, RoleUser, UserMessage("hello").Role)
	assert.Equal(t, RoleAssistant, AssistantMessage("hi").Role)
}

func TestUnmarshalArguments(t *testing.T) {
	var args map[string]interface{}

	require.NoError(t, unmarshalArguments(`{"query":"standup"}`, &args))
	assert.Equal(t, "standup", args["query"])

	require.NoError(t, unmarshalArguments("", &args))
	assert.Empty(t, args)

	require.NoError(t, unmarshalArguments("null", &args))
	assert.Empty(t, args)

	err := unmarshalArguments(`{"query":`, &args)
	assert.Error(t, err)
}
