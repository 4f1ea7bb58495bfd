package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/quill/pkg/tools"
)

// ToolProvider surfaces the index through the tool dispatcher so agent runs
// can query thread history like any other tool.
type ToolProvider struct {
	index *Index
}

// NewToolProvider wraps an index.
func NewToolProvider(index *Index) *ToolProvider {
	return &ToolProvider{index: index}
}

func (p *ToolProvider) Name() string {
	return "search"
}

func (p *ToolProvider) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	descriptors := []tools.Descriptor{
		{
			Name:        "semantic_search",
			Description: "Search stored thread messages by meaning and keywords. Returns the best matching messages with their thread names.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "What to search for",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of results, default 10",
					},
				},
				"required": []interface{}{"query"},
			},
		},
	}

	if p.index.provider != nil {
		descriptors = append(descriptors, tools.Descriptor{
			Name:        "find_similar_messages",
			Description: "Find stored messages most similar to a given message id.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"message_id": map[string]interface{}{
						"type":        "string",
						"description": "Id of the reference message",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of results, default 10",
					},
				},
				"required": []interface{}{"message_id"},
			},
		})
	}

	return descriptors, nil
}

func (p *ToolProvider) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	userID, _ := args[tools.IdentityField].(string)
	if userID == "" {
		return "", &tools.Rejection{Detail: "missing user identity"}
	}

	switch name {
	case "semantic_search":
		query, _ := args["query"].(string)
		results, err := p.index.Search(ctx, userID, query, &Options{
			Limit:         intArg(args, "limit", 10),
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
		})
		if err != nil {
			return "", &tools.Rejection{Detail: err.Error()}
		}
		return formatResults(results), nil

	case "find_similar_messages":
		messageID, _ := args["message_id"].(string)
		results, err := p.index.FindSimilar(ctx, userID, messageID, intArg(args, "limit", 10))
		if err != nil {
			return "", &tools.Rejection{Detail: err.Error()}
		}
		return formatResults(results), nil

	default:
		return "", &tools.Rejection{Detail: fmt.Sprintf("unknown tool %q", name)}
	}
}

// intArg reads a numeric argument. JSON numbers decode as float64.
func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func formatResults(results []Result) string {
	if len(results) == 0 {
		return "No matching messages found."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d matching messages:\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&b, "%d. [%s] %s (%s): %s\n",
			i+1, r.Message.ThreadName, r.Message.SenderName,
			r.Message.Timestamp.Format("2006-01-02 15:04"), r.Message.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
