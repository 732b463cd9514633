package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

func newIngestCommand(r *root) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Index files added to the data folder since the last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := r.load(cmd.Context())
			if err != nil {
				return err
			}
			report, err := s.Ingestor.Run(cmd.Context())
			if asJSON {
				if jErr := writeJSON(cmd.OutOrStdout(), report); jErr != nil {
					return jErr
				}
			} else if err == nil {
				printReport(cmd.OutOrStdout(), report)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")
	return cmd
}

func newQueryCommand(r *root) *cobra.Command {
	var (
		k      int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Show the indexed passages nearest to a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := r.load(cmd.Context())
			if err != nil {
				return err
			}
			if k <= 0 {
				k = s.DefaultK
			}
			result, err := s.Retriever.Query(cmd.Context(), args[0], k)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			printHits(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 0, "number of passages (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output results as JSON")
	return cmd
}

func newAskCommand(r *root) *cobra.Command {
	var (
		k           int
		model       string
		temperature float64
		files       []string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from the indexed documents",
		Long: `Answers a question from the indexed documents and lists the cited sources.

With --file, the answer uses only the given files, indexed in memory for this call;
the persistent store is not read or changed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := r.load(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("temperature") {
				temperature = s.DefaultTemperature
			}
			req := domain.AskRequest{
				Question:    strings.Join(args, " "),
				Model:       model,
				Temperature: temperature,
				K:           k,
			}

			var answer *domain.Answer
			if len(files) > 0 {
				if s.LoadFiles == nil {
					return errors.New("ask --file is not supported here")
				}
				docs, err := s.LoadFiles(cmd.Context(), files)
				if err != nil {
					return err
				}
				answer, err = s.Answerer.AskDocuments(cmd.Context(), docs, req)
				if err != nil {
					return err
				}
			} else {
				answer, err = s.Answerer.Ask(cmd.Context(), req)
				if err != nil {
					return err
				}
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), answer)
			}
			printAnswer(cmd.OutOrStdout(), answer)
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 0, "number of passages to retrieve (default from config)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "completion model (default from config)")
	cmd.Flags().Float64VarP(&temperature, "temperature", "t", 0, "sampling temperature in [0,2]")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "answer from this file only (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the answer as JSON")
	return cmd
}

func newStatusCommand(r *root) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what the persistent index contains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := r.load(cmd.Context())
			if err != nil {
				return err
			}
			status, err := s.Inspector.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			out := cmd.OutOrStdout()
			if !status.Indexed {
				fmt.Fprintln(out, "Index not built yet.")
			} else {
				fmt.Fprintf(out, "Chunks: %d\nDimension: %d\nMetric: %s\n", status.Chunks, status.Dimension, status.Metric)
			}
			fmt.Fprintf(out, "Indexed files: %d\n", len(status.IndexedFiles))
			for _, f := range status.IndexedFiles {
				fmt.Fprintf(out, "  - %s\n", f)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output status as JSON")
	return cmd
}

func newWatchCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Ingest now, then again whenever matching files appear in the data folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := r.load(cmd.Context())
			if err != nil {
				return err
			}
			if s.Watch == nil {
				return errors.New("watch mode is not supported here")
			}
			out := cmd.OutOrStdout()
			return s.Watch(cmd.Context(), func(report *domain.IngestionReport, err error) {
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "ingestion failed: %v\n", err)
					return
				}
				printReport(out, report)
			})
		},
	}
}

func newMCPCommand(r *root) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve search, ask and ingest as MCP tools",
		Long: `Starts a Model Context Protocol server exposing the search_documents, ask, ingest
and index_status tools. It speaks JSON-RPC over stdio unless --port is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := r.load(cmd.Context())
			if err != nil {
				return err
			}
			if s.ServeMCP == nil {
				return errors.New("mcp server is not supported here")
			}
			return s.ServeMCP(cmd.Context(), port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (0 = use stdio)")
	return cmd
}
