package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/resilience"
)

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
	})
}

func TestCompleterBuildsContextPrompt(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"response":" It is blue [1]. "}`))
	}))
	defer server.Close()

	completer := NewCompleter(New(server.URL, "llama3", "nomic", testExecutor()))
	got, err := completer.Complete(context.Background(), domain.CompletionRequest{
		Question:    "what colour?",
		Hits:        []domain.SearchHit{{Chunk: domain.Chunk{Text: "the sky is blue", Source: "sky.pdf", Page: domain.PageRef(1)}}},
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Text != "It is blue [1]." || len(got.CitedSources) != 1 || got.CitedSources[0] != "sky.pdf" {
		t.Fatalf("unexpected completion: %+v", got)
	}

	promptText, _ := payload["prompt"].(string)
	if !strings.Contains(promptText, "what colour?") || !strings.Contains(promptText, "the sky is blue") {
		t.Fatalf("unexpected prompt: %s", promptText)
	}
	if payload["model"] != "llama3" {
		t.Fatalf("expected default model, got %v", payload["model"])
	}
	opts, _ := payload["options"].(map[string]any)
	if opts["temperature"] != 0.2 {
		t.Fatalf("expected temperature passthrough, got %v", opts["temperature"])
	}
}

func TestEmbedRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2],[0.3,0.4]]}`))
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed", testExecutor()))
	vectors, err := embedder.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vectors) != 2 || calls.Load() != 2 {
		t.Fatalf("got %d vectors after %d calls", len(vectors), calls.Load())
	}
}

func TestEmbedIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed", testExecutor()))
	_, err := embedder.EmbedBatch(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrEmbedding) || !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary embedding error, got %v", err)
	}
}

func TestEmbedClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "missing", testExecutor()))
	_, err := embedder.EmbedBatch(context.Background(), []string{"hello"})
	if !domain.IsKind(err, domain.ErrEmbedding) || domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected permanent embedding error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retries, got %d calls", calls.Load())
	}
}
