// Package mcp exposes retrieval, answering and ingestion as Model Context Protocol tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/docqa-indexer/internal/core/ports"
)

const Version = "0.1.0"

// Ports groups the use cases the tools call.
type Ports struct {
	Retriever ports.Retriever
	Answerer  ports.QuestionAnswerer
	Ingestor  ports.Ingestor
	Inspector ports.IndexInspector
}

func (p *Ports) Validate() error {
	if p == nil || p.Retriever == nil || p.Answerer == nil || p.Ingestor == nil || p.Inspector == nil {
		return errors.New("retriever, answerer, ingestor and inspector are required")
	}
	return nil
}

type Server struct {
	ports       *Ports
	server      *server.MCPServer
	defaultK    int
	temperature float64
}

func NewServer(p *Ports, defaultK int, defaultTemperature float64) (*Server, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validating ports: %w", err)
	}
	s := &Server{
		ports:       p,
		server:      server.NewMCPServer("docqa", Version, server.WithToolCapabilities(false)),
		defaultK:    defaultK,
		temperature: defaultTemperature,
	}
	s.registerTools()
	return s, nil
}

// Run serves over stdio until ctx is cancelled or the input is closed.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.server).Listen(ctx, in, out)
}

// RunHTTP serves the streamable HTTP transport on addr.
func (s *Server) RunHTTP(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.NewStreamableHTTPServer(s.server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
