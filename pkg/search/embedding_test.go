package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateEmbeddingsRoundTrip(t *testing.T) {
	var gotAuth string
	var gotReq embeddingRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{0.1, 0.2}},
				{"embedding": []float32{0.3, 0.4}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewOpenAIEmbeddingProvider("test-key", "text-embedding-3-small",
		WithEmbeddingEndpoint(server.URL))

	embeddings, err := provider.GenerateEmbeddings(context.Background(), []string{"first", "second"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, []string{"first", "second"}, gotReq.Input)
	assert.Equal(t, "text-embedding-3-small", gotReq.Model)
	require.Len(t, embeddings, 2)
	assert.Equal(t, []float32{0.1, 0.2}, embeddings[0])
	assert.Equal(t, []float32{0.3, 0.4}, embeddings[1])
}

func TestGenerateEmbeddingsCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	provider := NewOpenAIEmbeddingProvider("test-key", "text-embedding-3-small",
		WithEmbeddingEndpoint(server.URL))

	_, err := provider.GenerateEmbedding(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0 vectors for 1 inputs")
}

func TestGenerateEmbeddingsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	provider := NewOpenAIEmbeddingProvider("test-key", "text-embedding-3-small",
		WithEmbeddingEndpoint(server.URL))

	_, err := provider.GenerateEmbeddings(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestGenerateEmbeddingsEmptyInput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty input")
	}))
	defer server.Close()

	provider := NewOpenAIEmbeddingProvider("test-key", "text-embedding-3-small",
		WithEmbeddingEndpoint(server.URL))

	embeddings, err := provider.GenerateEmbeddings(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, embeddings)
}

func TestEmbeddingDimensions(t *testing.T) {
	tests := []struct {
		model string
		opts  []EmbeddingOption
		want  int
	}{
		{model: "text-embedding-ada-002", want: 1536},
		{model: "text-embedding-3-small", want: 1536},
		{model: "text-embedding-3-large", want: 3072},
		{model: "some-unknown-model", want: 1536},
		{model: "some-unknown-model", opts: []EmbeddingOption{WithEmbeddingDimension(768)}, want: 768},
	}

	for _, tt := range tests {
		provider := NewOpenAIEmbeddingProvider("key", tt.model, tt.opts...)
		assert.Equal(t, tt.want, provider.Dimension(), "model %s", tt.model)
	}
}
