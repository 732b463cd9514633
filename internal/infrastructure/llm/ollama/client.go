package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/llm/prompt"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	exec       *resilience.Executor
}

func New(baseURL, genModel, embedModel string, exec *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		exec:       exec,
	}
}

// Embedder calls /api/embed. It implements embedding.Backend; batching happens upstream.
type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	type embedResponse struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	resp, err := resilience.Call(ctx, e.client.exec, "ollama.embed", func(ctx context.Context) (embedResponse, error) {
		var out embedResponse
		err := e.client.postJSON(ctx, "/api/embed", request, &out, "embed")
		return out, err
	}, resilience.ClassifyRemote)
	if err != nil {
		return nil, domain.WrapError(domain.ErrEmbedding, "ollama embed", resilience.MarkTemporary("ollama embed", err, resilience.ClassifyRemote))
	}
	return resp.Embeddings, nil
}

// Completer answers from retrieved chunks through /api/generate.
type Completer struct {
	client *Client
}

func NewCompleter(client *Client) *Completer {
	return &Completer{client: client}
}

func (c *Completer) Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	model := req.Model
	if model == "" {
		model = c.client.genModel
	}
	request := map[string]any{
		"model":  model,
		"prompt": prompt.Full(req.Question, req.Hits),
		"stream": false,
		"options": map[string]any{
			"temperature": req.Temperature,
		},
	}

	type generateResponse struct {
		Response string `json:"response"`
	}
	resp, err := resilience.Call(ctx, c.client.exec, "ollama.generate", func(ctx context.Context) (generateResponse, error) {
		var out generateResponse
		err := c.client.postJSON(ctx, "/api/generate", request, &out, "generate")
		return out, err
	}, resilience.ClassifyRemote)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("ollama complete: %w", resilience.MarkTemporary("ollama generate", err, resilience.ClassifyRemote))
	}

	text := strings.TrimSpace(resp.Response)
	return domain.Completion{Text: text, CitedSources: prompt.CitedSources(text, req.Hits)}, nil
}
