package search

import (
	"context"
	"log"
)

type index interface {
	Healthy() bool
	Search(q Query) ([]Result, error)
	IndexProposals(records []ProposalRecord) error
	DeleteProposal(id string) error
}

// Service tries Meilisearch first and falls back to Postgres full-text search.
type Service struct {
	meili index
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{pgfts: pgfts}
	if meili != nil {
		s.meili = meili
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(q)
		if err == nil {
			filtered := filterAllowed(results, q)
			return Response{Results: filtered, Total: len(filtered), Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, err := s.pgfts.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	filtered := filterAllowed(results, q)
	return Response{Results: filtered, Total: len(filtered), Query: q.Text}
}

// IndexProposal pushes one proposal to Meilisearch in the background.
func (s *Service) IndexProposal(rec ProposalRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProposals([]ProposalRecord{rec}); err != nil {
			log.Printf("search: index proposal %s: %v", rec.ID, err)
		}
	}()
}

func (s *Service) DeleteProposal(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProposal(id); err != nil {
			log.Printf("search: delete proposal %s: %v", id, err)
		}
	}()
}

// Reindex replaces the indexed copies of the given proposals synchronously.
func (s *Service) Reindex(records []ProposalRecord) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	return s.meili.IndexProposals(records)
}
