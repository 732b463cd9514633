package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
	})
	client, err := New("test-key", server.URL+"/v1", "", "", exec)
	require.NoError(t, err)
	return client
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(" ", "", "", "", nil)
	assert.True(t, domain.IsKind(err, domain.ErrConfig), "got %v", err)
}

func TestEmbedBatchOrdersByIndex(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultEmbedModel, req["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}
		],"model":"text-embedding-3-small"}`))
	})

	vectors, err := NewEmbedder(client).EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{1, 0}, vectors[0])
	assert.Equal(t, []float32{0, 1}, vectors[1])
}

func TestEmbedBatchRateLimitedIsTemporary(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	})

	_, err := NewEmbedder(client).EmbedBatch(context.Background(), []string{"x"})
	assert.True(t, domain.IsKind(err, domain.ErrEmbedding), "got %v", err)
	assert.True(t, domain.IsKind(err, domain.ErrTemporary), "got %v", err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteSendsContextAndCitations(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[1].Content, "invoice total is 40")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[
			{"index":0,"message":{"role":"assistant","content":"It is 40 [1]."},"finish_reason":"stop"}
		]}`))
	})

	got, err := NewCompleter(client).Complete(context.Background(), domain.CompletionRequest{
		Question: "what is the total?",
		Model:    "gpt-4o-mini",
		Hits:     []domain.SearchHit{{Chunk: domain.Chunk{Text: "invoice total is 40", Source: "invoice.pdf"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "It is 40 [1].", got.Text)
	assert.Equal(t, []string{"invoice.pdf"}, got.CitedSources)
}
