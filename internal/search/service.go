package search

import (
	"context"

	"go.uber.org/zap"
)

type nodeIndex interface {
	Searcher
	IndexNodes(records []NodeRecord) error
	DeleteNode(id string) error
}

type recordSource interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]NodeRecord, error)
}

// Service tries the Meilisearch index first and falls back to PG FTS.
type Service struct {
	index    nodeIndex
	fallback recordSource
	logger   *zap.Logger
}

// NewService creates a search service. index may be nil when Meilisearch
// is not configured.
func NewService(index *Meili, fallback *PgFTS, logger *zap.Logger) *Service {
	s := &Service{logger: zap.NewNop()}
	if logger != nil {
		s.logger = logger.Named("search")
	}
	if index != nil {
		s.index = index
	}
	if fallback != nil {
		s.fallback = fallback
	}
	return s
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts error", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexNode indexes a node (fire-and-forget).
func (s *Service) IndexNode(record NodeRecord) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.IndexNodes([]NodeRecord{record}); err != nil {
			s.logger.Warn("index node", zap.String("node_id", record.ID), zap.Error(err))
		}
	}()
}

// DeleteNode removes a node from the index (fire-and-forget).
func (s *Service) DeleteNode(id string) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.DeleteNode(id); err != nil {
			s.logger.Warn("delete node from index", zap.String("node_id", id), zap.Error(err))
		}
	}()
}

// ReindexAll loads every live node from PostgreSQL into the index.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.indexReady() || s.fallback == nil {
		return
	}
	records, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.index.IndexNodes(records); err != nil {
		s.logger.Error("reindex nodes", zap.Error(err))
		return
	}
	s.logger.Info("nodes reindexed", zap.Int("count", len(records)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
