package domain

import (
	"sort"
	"time"
)

type IngestStage string

const (
	StageIdle       IngestStage = "idle"
	StageScanning   IngestStage = "scanning"
	StageFiltering  IngestStage = "filtering"
	StageLoading    IngestStage = "loading"
	StageChunking   IngestStage = "chunking"
	StageEmbedding  IngestStage = "embedding"
	StageMerging    IngestStage = "merging"
	StagePersisting IngestStage = "persisting"
	StageDone       IngestStage = "done"
	StageFailed     IngestStage = "failed"
)

// Manifest is the set of document ids already absorbed into the vector store.
type Manifest struct {
	names map[string]struct{}
}

func NewManifest(names ...string) Manifest {
	m := Manifest{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		m.names[n] = struct{}{}
	}
	return m
}

func (m Manifest) Contains(name string) bool {
	_, ok := m.names[name]
	return ok
}

func (m Manifest) Len() int {
	return len(m.names)
}

// With returns a new manifest holding m plus names; m is left unchanged.
func (m Manifest) With(names ...string) Manifest {
	out := NewManifest(m.Names()...)
	for _, n := range names {
		out.names[n] = struct{}{}
	}
	return out
}

// Names returns ids in sorted order.
func (m Manifest) Names() []string {
	out := make([]string, 0, len(m.names))
	for n := range m.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IngestionReport summarizes one run. StoreSize is only known when the run reached persisting.
type IngestionReport struct {
	RunID         string        `json:"run_id"`
	Stage         IngestStage   `json:"stage"`
	Candidates    int           `json:"candidates"`
	NewFiles      []string      `json:"new_files"`
	IndexedFiles  []string      `json:"indexed_files"`
	SkippedFiles  []string      `json:"skipped_files,omitempty"`
	ChunksAdded   int           `json:"chunks_added"`
	ChunksSkipped int           `json:"chunks_skipped"`
	StoreSize     int           `json:"store_size"`
	NoOp          bool          `json:"no_op"`
	Committed     bool          `json:"committed"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}
