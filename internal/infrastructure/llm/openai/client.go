// Package openai adapts the OpenAI API (or any compatible server) for embeddings and chat completion.
package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/llm/prompt"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/resilience"
)

const (
	DefaultChatModel  = "gpt-3.5-turbo"
	DefaultEmbedModel = "text-embedding-3-small"
)

type Client struct {
	api        *goopenai.Client
	chatModel  string
	embedModel string
	exec       *resilience.Executor
}

// New builds a client; baseURL may point at an OpenAI-compatible server.
func New(apiKey, baseURL, chatModel, embedModel string, exec *resilience.Executor) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, domain.WrapError(domain.ErrConfig, "openai client", errors.New("OPENAI_API_KEY is not set"))
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if chatModel == "" {
		chatModel = DefaultChatModel
	}
	if embedModel == "" {
		embedModel = DefaultEmbedModel
	}
	return &Client{
		api:        goopenai.NewClientWithConfig(cfg),
		chatModel:  chatModel,
		embedModel: embedModel,
		exec:       exec,
	}, nil
}

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
	resp, err := resilience.Call(ctx, e.client.exec, "openai.embed", func(ctx context.Context) (goopenai.EmbeddingResponse, error) {
		return e.client.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
			Model: goopenai.EmbeddingModel(e.client.embedModel),
			Input: texts,
		})
	}, classify)
	if err != nil {
		return nil, domain.WrapError(domain.ErrEmbedding, "openai embed", resilience.MarkTemporary("openai embed", err, classify))
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, 0, len(data))
	for _, d := range data {
		out = append(out, d.Embedding)
	}
	return out, nil
}

type Completer struct {
	client *Client
}

func NewCompleter(client *Client) *Completer {
	return &Completer{client: client}
}

func (c *Completer) Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error) {
	model := req.Model
	if model == "" {
		model = c.client.chatModel
	}
	temperature := float32(req.Temperature)
	if temperature == 0 {
		// The request field is omitempty, so an exact zero would fall back to the server default.
		temperature = math.SmallestNonzeroFloat32
	}

	resp, err := resilience.Call(ctx, c.client.exec, "openai.chat", func(ctx context.Context) (goopenai.ChatCompletionResponse, error) {
		return c.client.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
			Model:       model,
			Temperature: temperature,
			Messages: []goopenai.ChatCompletionMessage{
				{Role: goopenai.ChatMessageRoleSystem, Content: prompt.System},
				{Role: goopenai.ChatMessageRoleUser, Content: prompt.Answer(req.Question, req.Hits)},
			},
		})
	}, classify)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("openai complete: %w", resilience.MarkTemporary("openai chat", err, classify))
	}
	if len(resp.Choices) == 0 {
		return domain.Completion{}, fmt.Errorf("openai complete: empty choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	return domain.Completion{Text: text, CitedSources: prompt.CitedSources(text, req.Hits)}, nil
}

// classify maps go-openai errors onto HTTP status semantics.
func classify(err error) resilience.ErrorClassification {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return statusClass(apiErr.HTTPStatusCode)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return statusClass(reqErr.HTTPStatusCode)
	}
	return resilience.ClassifyRemote(err)
}

func statusClass(code int) resilience.ErrorClassification {
	if resilience.IsRetryableStatus(code) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{}
}
