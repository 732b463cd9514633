// Package cli is the docqa command line: ingestion, retrieval, answering, watch mode and the
// MCP server.
package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/core/ports"
)

// Services are the use cases the commands drive. Optional funcs may be nil when the entry point
// does not support them.
type Services struct {
	Ingestor  ports.Ingestor
	Retriever ports.Retriever
	Answerer  ports.QuestionAnswerer
	Inspector ports.IndexInspector

	LoadFiles func(ctx context.Context, paths []string) ([]domain.Document, error)
	Watch     func(ctx context.Context, onRun func(*domain.IngestionReport, error)) error
	ServeMCP  func(ctx context.Context, port int) error

	DefaultK           int
	DefaultTemperature float64
}

// Factory builds the services once per invocation; the returned func releases them.
type Factory func(ctx context.Context) (*Services, func(), error)

type root struct {
	factory  Factory
	services *Services
	cleanup  func()
}

// NewRootCommand returns the docqa command and a func that releases whatever the factory built.
// The release func is safe to call when nothing was built.
func NewRootCommand(factory Factory) (*cobra.Command, func()) {
	r := &root{factory: factory}
	cmd := &cobra.Command{
		Use:           "docqa",
		Short:         "Index a folder of documents and answer questions about them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newIngestCommand(r),
		newQueryCommand(r),
		newAskCommand(r),
		newStatusCommand(r),
		newWatchCommand(r),
		newMCPCommand(r),
	)
	return cmd, r.close
}

func (r *root) close() {
	if r.cleanup != nil {
		r.cleanup()
		r.cleanup = nil
	}
}

// load builds services lazily so --help and argument errors never touch the store.
func (r *root) load(ctx context.Context) (*Services, error) {
	if r.services != nil {
		return r.services, nil
	}
	if r.factory == nil {
		return nil, errors.New("services not configured")
	}
	services, cleanup, err := r.factory(ctx)
	if err != nil {
		return nil, err
	}
	r.services, r.cleanup = services, cleanup
	return services, nil
}
