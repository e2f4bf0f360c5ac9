package search

import (
	"strings"

	"charter/api/internal/evaluation"
)

// Result is a single proposal hit returned to the caller.
type Result struct {
	ProposalID string `json:"proposalId"`
	SpaceID    string `json:"spaceId"`
	Title      string `json:"title"`
	Status     string `json:"status,omitempty"`
	StepTitle  string `json:"stepTitle,omitempty"`
	StepType   string `json:"stepType,omitempty"`
}

// Query describes a search request. Allowed, when non-nil, restricts hits to
// the proposal ids the caller may see.
type Query struct {
	Text    string
	SpaceID string
	Limit   int
	Allowed map[string]struct{}
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	return q.Limit
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// ProposalRecord is the document pushed to the index for one proposal.
type ProposalRecord struct {
	ID        string   `json:"id"`
	SpaceID   string   `json:"spaceId"`
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	StepTitle string   `json:"stepTitle"`
	StepType  string   `json:"stepType"`
	Authors   []string `json:"authors"`
	Archived  bool     `json:"archived"`
}

// RecordFor derives the indexed fields from a loaded proposal. authorNames
// maps user ids to display names; unknown ids are indexed as-is.
func RecordFor(p evaluation.Proposal, authorNames map[string]string) ProposalRecord {
	step := evaluation.CurrentStep(p)
	rec := ProposalRecord{
		ID:        p.ID,
		SpaceID:   p.SpaceID,
		Title:     strings.TrimSpace(p.Title),
		Status:    step.Status(),
		StepTitle: step.Title(),
		StepType:  step.Type(),
		Authors:   make([]string, 0, len(p.Authors)),
		Archived:  p.Archived,
	}
	for _, id := range p.Authors {
		if name, ok := authorNames[id]; ok && name != "" {
			rec.Authors = append(rec.Authors, name)
			continue
		}
		rec.Authors = append(rec.Authors, id)
	}
	return rec
}

func filterAllowed(results []Result, q Query) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if q.Allowed != nil {
			if _, ok := q.Allowed[r.ProposalID]; !ok {
				continue
			}
		}
		out = append(out, r)
		if len(out) == q.limit() {
			break
		}
	}
	return out
}
