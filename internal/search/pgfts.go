package search

import (
	"context"
	"strings"

	"charter/api/internal/store"
)

type fullTextStore interface {
	SearchProposals(ctx context.Context, spaceID, query string, limit int) ([]store.SearchHit, error)
}

// PgFTS searches proposal titles with Postgres full-text search. It is the
// fallback whenever Meilisearch is missing or unhealthy.
type PgFTS struct {
	store fullTextStore
}

func NewPgFTS(s fullTextStore) *PgFTS {
	return &PgFTS{store: s}
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	hits, err := p.store.SearchProposals(ctx, q.SpaceID, q.Text, q.limit()*4)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{ProposalID: h.ProposalID, SpaceID: h.SpaceID, Title: h.Title})
	}
	return results, nil
}
