package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/quill/pkg/llm"
	"github.com/harun/quill/pkg/tools"
)

// scriptedProvider replays a fixed sequence of decisions.
type scriptedProvider struct {
	responses []*llm.Response
	errs      []error
	calls     int
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) Call(ctx context.Context, request llm.Request) (*llm.Response, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", len(p.responses))
	}
	return p.responses[i], nil
}

type stubToolProvider struct {
	name    string
	tools   []tools.Descriptor
	callFn  func(name string, args map[string]interface{}) (string, error)
	invoked []string
}

func (p *stubToolProvider) Name() string { return p.name }

func (p *stubToolProvider) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	return p.tools, nil
}

func (p *stubToolProvider) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	p.invoked = append(p.invoked, name)
	if p.callFn != nil {
		return p.callFn(name, args)
	}
	return "ok", nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

func testRegistry(t *testing.T, providers ...tools.Provider) *tools.Registry {
	t.Helper()
	return tools.Discover(context.Background(), providers, testLogger())
}

func echoProvider() *stubToolProvider {
	return &stubToolProvider{
		name: "echo",
		tools: []tools.Descriptor{
			{Name: "echo", Description: "echoes", InputSchema: map[string]interface{}{"type": "object"}},
			{Name: "shout", Description: "shouts", InputSchema: map[string]interface{}{"type": "object"}},
		},
		callFn: func(name string, args map[string]interface{}) (string, error) {
			return "ran " + name, nil
		},
	}
}

func toolCall(id, name string, args map[string]interface{}) llm.ToolCall {
	if args == nil {
		args = map[string]interface{}{}
	}
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

// testController pins one registry to a controller so tests can call Run
// without threading it through every call site.
type testController struct {
	inner    *Controller
	registry *tools.Registry
}

func (c *testController) Run(ctx context.Context, params RunParams) *Result {
	return c.inner.Run(ctx, c.registry, params)
}

func newTestController(provider llm.Provider, registry *tools.Registry, cfg Config) *testController {
	return &testController{
		inner:    NewController(provider, cfg, testLogger()),
		registry: registry,
	}
}

func TestRun_TaskCompletedImmediately(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("c1", ToolTaskCompleted, map[string]interface{}{"summary": "done"})}},
	}}
	c := newTestController(provider, testRegistry(t), Config{})

	result := c.Run(context.Background(), RunParams{
		UserID: "u1",
		Seed:   []llm.Message{llm.UserMessage("ping")},
	})

	assert.Equal(t, TerminalCompleted, result.Terminal)
	assert.Equal(t, "done", result.Summary)
	require.Len(t, result.Conversation, 2)
	assert.Equal(t, llm.RoleUser, result.Conversation[0].Role)
	assert.Equal(t, llm.RoleAssistant, result.Conversation[1].Role)
	assert.NotEmpty(t, result.AgentID)
}

func TestRun_ProposeDraftIsNotDispatched(t *testing.T) {
	tool := echoProvider()
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("c1", ToolProposeDraft, map[string]interface{}{"content": "Hi there"})}},
	}}
	c := newTestController(provider, testRegistry(t, tool), Config{})

	result := c.Run(context.Background(), RunParams{UserID: "u1", Seed: []llm.Message{llm.UserMessage("draft something")}})

	assert.Equal(t, TerminalDraft, result.Terminal)
	assert.Equal(t, "Hi there", result.DraftContent)
	assert.Empty(t, tool.invoked)
}

func TestRun_UnknownToolGetsCorrectiveMessage(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("c1", "foo", nil)}},
		{ToolCalls: []llm.ToolCall{toolCall("c2", ToolProposeDraft, map[string]interface{}{"content": "Hi"})}},
	}}
	c := newTestController(provider, testRegistry(t, echoProvider()), Config{})

	result := c.Run(context.Background(), RunParams{UserID: "u1", Seed: []llm.Message{llm.UserMessage("hello")}})

	assert.Equal(t, TerminalDraft, result.Terminal)
	assert.Equal(t, "Hi", result.DraftContent)

	// seed, assistant(foo), corrective user, assistant(propose_draft)
	require.Len(t, result.Conversation, 4)
	corrective := result.Conversation[2]
	assert.Equal(t, llm.RoleUser, corrective.Role)
	assert.Contains(t, corrective.Content, `"foo" does not exist`)
}

func TestRun_ToolResultsAppendedInRequestOrder(t *testing.T) {
	tool := echoProvider()
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			toolCall("c1", "echo", nil),
			toolCall("c2", "shout", nil),
		}},
		{Content: "all done"},
	}}
	c := newTestController(provider, testRegistry(t, tool), Config{})

	result := c.Run(context.Background(), RunParams{UserID: "u1", Seed: []llm.Message{llm.UserMessage("go")}})

	assert.Equal(t, TerminalReply, result.Terminal)
	assert.Equal(t, []string{"echo", "shout"}, tool.invoked)

	// seed, assistant turn, two tool results, final assistant reply
	require.Len(t, result.Conversation, 5)
	assert.Equal(t, llm.RoleTool, result.Conversation[2].Role)
	assert.Equal(t, "c1", result.Conversation[2].ToolCallID)
	assert.Equal(t, "ran echo", result.Conversation[2].Content)
	assert.Equal(t, "c2", result.Conversation[3].ToolCallID)
	assert.Equal(t, "ran shout", result.Conversation[3].Content)
	assert.Equal(t, "all done", result.Conversation[4].Content)
}

func TestRun_ToolFailureIsVisibleNotRaised(t *testing.T) {
	tool := echoProvider()
	tool.callFn = func(name string, args map[string]interface{}) (string, error) {
		return "", &tools.Rejection{Detail: "row not found"}
	}
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("c1", "echo", nil)}},
		{Content: "could not look that up"},
	}}
	c := newTestController(provider, testRegistry(t, tool), Config{})

	result := c.Run(context.Background(), RunParams{UserID: "u1", Seed: []llm.Message{llm.UserMessage("go")}})

	assert.Equal(t, TerminalReply, result.Terminal)
	require.Len(t, result.Conversation, 4)
	assert.Equal(t, llm.RoleTool, result.Conversation[2].Role)
	assert.Contains(t, result.Conversation[2].Content, "✗ echo")
	assert.Contains(t, result.Conversation[2].Content, "row not found")
}

func TestRun_MalformedArgumentsBecomeVisibleResult(t *testing.T) {
	tool := echoProvider()
	bad := toolCall("c1", "echo", nil)
	bad.ParseError = "arguments are not valid JSON"
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{bad}},
		{Content: "retrying without tools"},
	}}
	c := newTestController(provider, testRegistry(t, tool), Config{})

	result := c.Run(context.Background(), RunParams{UserID: "u1", Seed: []llm.Message{llm.UserMessage("go")}})

	assert.Equal(t, TerminalReply, result.Terminal)
	assert.Empty(t, tool.invoked)
	assert.Contains(t, result.Conversation[2].Content, "not valid JSON")
}

func TestRun_ExhaustsIterationCap(t *testing.T) {
	// The model keeps calling tools and never terminates.
	responses := make([]*llm.Response, 20)
	for i := range responses {
		responses[i] = &llm.Response{ToolCalls: []llm.ToolCall{toolCall(fmt.Sprintf("c%d", i), "echo", nil)}}
	}
	provider := &scriptedProvider{responses: responses}
	c := newTestController(provider, testRegistry(t, echoProvider()), Config{MaxIterations: 3})

	result := c.Run(context.Background(), RunParams{UserID: "u1", Seed: []llm.Message{llm.UserMessage("go")}})

	assert.Equal(t, TerminalExhausted, result.Terminal)
	assert.Equal(t, 3, result.Iterations)
	assert.NoError(t, result.Err)
	assert.NotEmpty(t, result.Conversation)
}

func TestRun_PlainReplyTerminates(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{{Content: "just a reply"}}}
	c := newTestController(provider, testRegistry(t), Config{})

	result := c.Run(context.Background(), RunParams{UserID: "u1", Seed: []llm.Message{llm.UserMessage("hello")}})

	assert.Equal(t, TerminalReply, result.Terminal)
	require.Len(t, result.Conversation, 2)
	assert.Equal(t, "just a reply", result.Conversation[1].Content)
}

func TestRun_HeuristicFallbackProbesFirstTool(t *testing.T) {
	tool := echoProvider()
	c := newTestController(nil, testRegistry(t, tool), Config{MaxIterations: 2})

	result := c.Run(context.Background(), RunParams{UserID: "u1", Seed: []llm.Message{llm.UserMessage("go")}})

	assert.Equal(t, TerminalExhausted, result.Terminal)
	assert.Equal(t, []string{"echo", "echo"}, tool.invoked)
}

func TestRun_HeuristicFallbackWithoutTools(t *testing.T) {
	c := newTestController(nil, testRegistry(t), Config{})

	result := c.Run(context.Background(), RunParams{UserID: "u1", Seed: []llm.Message{llm.UserMessage("go")}})

	assert.Equal(t, TerminalReply, result.Terminal)
}

func TestRun_DecisionFailureEndsRun(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("401 Unauthorized")}}
	c := newTestController(provider, testRegistry(t), Config{})

	result := c.Run(context.Background(), RunParams{UserID: "u1", Seed: []llm.Message{llm.UserMessage("go")}})

	assert.Equal(t, TerminalFailed, result.Terminal)
	assert.Error(t, result.Err)
	require.Len(t, result.Conversation, 1)
}

func TestRun_IdentityInjectedIntoToolCalls(t *testing.T) {
	var seenUserID string
	tool := echoProvider()
	tool.callFn = func(name string, args map[string]interface{}) (string, error) {
		seenUserID, _ = args[tools.IdentityField].(string)
		return "ok", nil
	}
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("c1", "echo", nil)}},
		{Content: "done"},
	}}
	c := newTestController(provider, testRegistry(t, tool), Config{})

	c.Run(context.Background(), RunParams{UserID: "user-42", Seed: []llm.Message{llm.UserMessage("go")}})

	assert.Equal(t, "user-42", seenUserID)
}

func TestRun_UsageAccumulates(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		{
			ToolCalls: []llm.ToolCall{toolCall("c1", "echo", nil)},
			Usage:     &llm.TokenUsage{InputTokens: 10, OutputTokens: 5},
		},
		{
			Content: "done",
			Usage:   &llm.TokenUsage{InputTokens: 20, OutputTokens: 7},
		},
	}}
	c := newTestController(provider, testRegistry(t, echoProvider()), Config{})

	result := c.Run(context.Background(), RunParams{UserID: "u1", Seed: []llm.Message{llm.UserMessage("go")}})

	assert.Equal(t, 30, result.Usage.InputTokens)
	assert.Equal(t, 12, result.Usage.OutputTokens)
}
