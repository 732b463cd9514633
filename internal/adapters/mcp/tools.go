package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

func (s *Server) registerTools() {
	s.server.AddTool(mcp.NewTool("search_documents",
		mcp.WithDescription("Return the indexed passages nearest to a query, closest first."),
		mcp.WithString("query", mcp.Required(), mcp.Description("natural language query")),
		mcp.WithNumber("k", mcp.Description("number of passages to return")),
	), s.handleSearch)

	s.server.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Answer a question from the indexed documents and list the cited sources."),
		mcp.WithString("question", mcp.Required(), mcp.Description("question to answer")),
		mcp.WithString("model", mcp.Description("completion model override")),
		mcp.WithNumber("temperature", mcp.Description("sampling temperature in [0,2]")),
		mcp.WithNumber("k", mcp.Description("number of passages to retrieve")),
	), s.handleAsk)

	s.server.AddTool(mcp.NewTool("ingest",
		mcp.WithDescription("Index files added to the data folder since the last run."),
	), s.handleIngest)

	s.server.AddTool(mcp.NewTool("index_status",
		mcp.WithDescription("Report indexed files, chunk count, dimension and metric."),
	), s.handleStatus)
}

type searchHitOutput struct {
	Source   string  `json:"source"`
	Page     *int    `json:"page,omitempty"`
	Text     string  `json:"text"`
	Distance float64 `json:"distance"`
}

type searchOutput struct {
	Status domain.RetrievalStatus `json:"status"`
	Hits   []searchHitOutput      `json:"hits"`
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	k := request.GetInt("k", s.defaultK)

	result, err := s.ports.Retriever.Query(ctx, query, k)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := searchOutput{Status: result.Status, Hits: make([]searchHitOutput, 0, len(result.Hits))}
	for _, h := range result.Hits {
		out.Hits = append(out.Hits, searchHitOutput{
			Source:   h.Chunk.Source,
			Page:     h.Chunk.Page,
			Text:     h.Chunk.Text,
			Distance: h.Distance,
		})
	}
	return jsonResult(out)
}

func (s *Server) handleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	answer, err := s.ports.Answerer.Ask(ctx, domain.AskRequest{
		Question:    question,
		Model:       request.GetString("model", ""),
		Temperature: request.GetFloat("temperature", s.temperature),
		K:           request.GetInt("k", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(struct {
		Answer  string   `json:"answer"`
		Sources []string `json:"sources"`
	}{Answer: answer.Text, Sources: answer.CitedSources})
}

func (s *Server) handleIngest(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.ports.Ingestor.Run(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(report)
}

func (s *Server) handleStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.ports.Inspector.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(status)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}
