package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EmbeddingProvider generates vector embeddings from text
type EmbeddingProvider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

const defaultEmbeddingsEndpoint = "https://api.openai.com/v1/embeddings"

// modelDimensions maps known embedding models to their vector width.
// Unknown models fall back to 1536 unless WithEmbeddingDimension is used.
var modelDimensions = map[string]int{
	"text-embedding-ada-002": 1536,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
}

// OpenAIEmbeddingProvider implements EmbeddingProvider against an
// OpenAI-compatible embeddings endpoint.
type OpenAIEmbeddingProvider struct {
	apiKey     string
	model      string
	endpoint   string
	dimension  int
	httpClient *http.Client
}

// EmbeddingOption customizes an OpenAIEmbeddingProvider.
type EmbeddingOption func(*OpenAIEmbeddingProvider)

// WithEmbeddingEndpoint points the provider at a different
// OpenAI-compatible embeddings URL.
func WithEmbeddingEndpoint(url string) EmbeddingOption {
	return func(p *OpenAIEmbeddingProvider) {
		p.endpoint = url
	}
}

// WithEmbeddingDimension overrides the vector width derived from the model
// name. Required for models not in the known-dimensions table.
func WithEmbeddingDimension(dim int) EmbeddingOption {
	return func(p *OpenAIEmbeddingProvider) {
		p.dimension = dim
	}
}

// WithEmbeddingHTTPClient replaces the underlying HTTP client.
func WithEmbeddingHTTPClient(hc *http.Client) EmbeddingOption {
	return func(p *OpenAIEmbeddingProvider) {
		p.httpClient = hc
	}
}

// NewOpenAIEmbeddingProvider creates an embedding provider for the given
// model.
func NewOpenAIEmbeddingProvider(apiKey, model string, opts ...EmbeddingOption) *OpenAIEmbeddingProvider {
	dimension, ok := modelDimensions[model]
	if !ok {
		dimension = 1536
	}

	p := &OpenAIEmbeddingProvider{
		apiKey:    apiKey,
		model:     model,
		endpoint:  defaultEmbeddingsEndpoint,
		dimension: dimension,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIEmbeddingProvider) Dimension() int {
	return p.dimension
}

func (p *OpenAIEmbeddingProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *OpenAIEmbeddingProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	payload, err := json.Marshal(embeddingRequest{Input: texts, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embeddings API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	// The API contract is one vector per input, in input order. Anything
	// else would misalign rows or panic downstream consumers.
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(result.Data), len(texts))
	}

	embeddings := make([][]float32, len(result.Data))
	for i, data := range result.Data {
		embeddings[i] = data.Embedding
	}
	return embeddings, nil
}
