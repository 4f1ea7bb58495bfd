package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
)

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a provider backed by the given API key.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// Provider returns the provider identifier.
func (p *AnthropicProvider) Provider() string {
	return "anthropic"
}

// Call sends a chat completion request and returns the model's decision.
func (p *AnthropicProvider) Call(ctx context.Context, request Request) (*Response, error) {
	messages, err := convertAnthropicMessages(request.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := int64(request.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}

	if request.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: request.SystemPrompt},
		}
	}

	if request.Temperature > 0 {
		params.Temperature = anthropic.Float(request.Temperature)
	}

	if len(request.Tools) > 0 {
		anthropicTools := make([]anthropic.ToolUnionParam, 0, len(request.Tools))
		for _, d := range request.Tools {
			tool := anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{},
			}

			if props, ok := d.InputSchema["properties"].(map[string]interface{}); ok {
				tool.InputSchema.Properties = props
			}
			if required, ok := d.InputSchema["required"].([]interface{}); ok {
				names := make([]string, 0, len(required))
				for _, r := range required {
					if s, ok := r.(string); ok {
						names = append(names, s)
					}
				}
				tool.InputSchema.Required = names
			}

			anthropicTools = append(anthropicTools, anthropic.ToolUnionParam{OfTool: &tool})
		}
		params.Tools = anthropicTools
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic API call failed: %w", err)
	}

	return parseAnthropicResponse(message), nil
}

func convertAnthropicMessages(history []Message) ([]anthropic.MessageParam, error) {
	messages := make([]anthropic.MessageParam, 0, len(history))

	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			// System text travels in params.System, not the message list.
			continue
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}

	return messages, nil
}

func parseAnthropicResponse(message *anthropic.Message) *Response {
	response := &Response{
		Usage: &TokenUsage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}

	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			response.Content += b.Text
		case anthropic.ToolUseBlock:
			call := ToolCall{ID: b.ID, Name: b.Name}
			raw := b.JSON.Input.Raw()
			if err := unmarshalArguments(raw, &call.Arguments); err != nil {
				call.Arguments = nil
				call.ParseError = fmt.Sprintf("arguments are not valid JSON: %v", err)
				log.Warn().Str("tool", b.Name).Msg("model produced unparseable tool arguments")
			}
			response.ToolCalls = append(response.ToolCalls, call)
		}
	}

	return response
}
