package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/core/ports"
)

type IndexStatusService struct {
	manifests ports.ManifestStore
	repo      ports.VectorRepository
}

func NewIndexStatusService(manifests ports.ManifestStore, repo ports.VectorRepository) *IndexStatusService {
	return &IndexStatusService{manifests: manifests, repo: repo}
}

func (s *IndexStatusService) Status(ctx context.Context) (*domain.IndexStatus, error) {
	manifest, err := s.manifests.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	status := &domain.IndexStatus{IndexedFiles: manifest.Names()}

	index, err := s.repo.Load(ctx)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return status, nil
		}
		return nil, fmt.Errorf("load vector store: %w", err)
	}
	status.Indexed = true
	status.Chunks = index.Len()
	status.Dimension = index.Dimension()
	status.Metric = index.Metric()
	return status, nil
}
