package evaluation

import (
	"errors"
	"fmt"
	"strings"

	"charter/api/internal/workflow"
)

var ErrInvalidSettings = errors.New("invalid evaluation settings")

// Settings is a partial update of an evaluation's configuration. Nil fields
// are left unchanged.
type Settings struct {
	Reviewers             *[]Assignee       `json:"reviewers,omitempty"`
	Approvers             *[]Assignee       `json:"approvers,omitempty"`
	AppealReviewers       *[]Assignee       `json:"appealReviewers,omitempty"`
	RequiredReviews       *int              `json:"requiredReviews,omitempty"`
	FinalStep             *bool             `json:"finalStep,omitempty"`
	Appealable            *bool             `json:"appealable,omitempty"`
	AppealRequiredReviews *int              `json:"appealRequiredReviews,omitempty"`
	DeclineReasons        *[]string         `json:"declineReasons,omitempty"`
	VoteSettings          *VoteSettings     `json:"voteSettings,omitempty"`
	RubricCriteria        *[]RubricCriteria `json:"rubricCriteria,omitempty"`
	Documents             *[]Document       `json:"documents,omitempty"`
}

// ApplySettings returns ev with s applied, or an error when the result would
// be invalid. New criteria and documents get ids from newID.
func ApplySettings(ev Evaluation, s Settings, newID func() string) (Evaluation, error) {
	if s.Reviewers != nil {
		if err := validAssignees(*s.Reviewers, true); err != nil {
			return Evaluation{}, fmt.Errorf("reviewers: %w", err)
		}
		ev.Reviewers = dedupeAssignees(*s.Reviewers)
	}
	if s.Approvers != nil {
		if err := validAssignees(*s.Approvers, false); err != nil {
			return Evaluation{}, fmt.Errorf("approvers: %w", err)
		}
		ev.Approvers = dedupeAssignees(*s.Approvers)
	}
	if s.AppealReviewers != nil {
		if err := validAssignees(*s.AppealReviewers, false); err != nil {
			return Evaluation{}, fmt.Errorf("appeal reviewers: %w", err)
		}
		ev.AppealReviewers = dedupeAssignees(*s.AppealReviewers)
	}
	if s.RequiredReviews != nil {
		if *s.RequiredReviews < 1 {
			return Evaluation{}, fmt.Errorf("%w: required reviews must be at least 1", ErrInvalidSettings)
		}
		ev.RequiredReviews = *s.RequiredReviews
	}
	if s.FinalStep != nil {
		ev.FinalStep = *s.FinalStep
	}
	if s.Appealable != nil {
		ev.Appealable = *s.Appealable
	}
	if s.AppealRequiredReviews != nil {
		if *s.AppealRequiredReviews < 1 {
			return Evaluation{}, fmt.Errorf("%w: appeal required reviews must be at least 1", ErrInvalidSettings)
		}
		ev.AppealRequiredReviews = *s.AppealRequiredReviews
	}
	if s.DeclineReasons != nil {
		reasons := make([]string, 0, len(*s.DeclineReasons))
		for _, r := range *s.DeclineReasons {
			r = strings.TrimSpace(r)
			if r == "" || containsFold(reasons, r) {
				continue
			}
			reasons = append(reasons, r)
		}
		ev.DeclineReasons = reasons
	}
	if s.VoteSettings != nil {
		if ev.Type != workflow.TypeVote {
			return Evaluation{}, fmt.Errorf("%w: vote settings on a %s step", ErrInvalidSettings, ev.Type)
		}
		if err := s.VoteSettings.Validate(); err != nil {
			return Evaluation{}, err
		}
		vs := *s.VoteSettings
		ev.VoteSettings = &vs
	}
	if s.RubricCriteria != nil {
		if ev.Type != workflow.TypeRubric {
			return Evaluation{}, fmt.Errorf("%w: rubric criteria on a %s step", ErrInvalidSettings, ev.Type)
		}
		criteria := make([]RubricCriteria, 0, len(*s.RubricCriteria))
		for _, c := range *s.RubricCriteria {
			c.Title = strings.TrimSpace(c.Title)
			if c.Title == "" {
				return Evaluation{}, fmt.Errorf("%w: rubric criteria needs a title", ErrInvalidSettings)
			}
			if c.Min > c.Max {
				return Evaluation{}, fmt.Errorf("%w: criteria %q has min above max", ErrInvalidSettings, c.Title)
			}
			if c.ID == "" {
				c.ID = newID()
			}
			criteria = append(criteria, c)
		}
		ev.RubricCriteria = criteria
	}
	if s.Documents != nil {
		if ev.Type != workflow.TypeSignDocuments {
			return Evaluation{}, fmt.Errorf("%w: documents on a %s step", ErrInvalidSettings, ev.Type)
		}
		docs := make([]Document, 0, len(*s.Documents))
		for _, d := range *s.Documents {
			d.Title = strings.TrimSpace(d.Title)
			if d.Title == "" {
				return Evaluation{}, fmt.Errorf("%w: document needs a title", ErrInvalidSettings)
			}
			if d.ID == "" {
				d.ID = newID()
			}
			d.SignedAt = nil
			d.SignedBy = ""
			docs = append(docs, d)
		}
		ev.Documents = docs
	}
	return ev, nil
}

func validAssignees(list []Assignee, allowSystem bool) error {
	for _, a := range list {
		if !a.valid() {
			return fmt.Errorf("%w: assignee must have exactly one of userId, roleId, systemRole", ErrInvalidSettings)
		}
		if a.SystemRole != "" && !allowSystem {
			return fmt.Errorf("%w: system roles can only review", ErrInvalidSettings)
		}
	}
	return nil
}

func dedupeAssignees(list []Assignee) []Assignee {
	out := make([]Assignee, 0, len(list))
	seen := make(map[Assignee]struct{}, len(list))
	for _, a := range list {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
