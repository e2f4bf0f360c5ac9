// Package evaluation holds the proposal graph and the rules that move a
// proposal through its evaluation steps. Nothing here touches storage:
// transitions validate against a loaded proposal and return the rows the
// caller has to persist.
package evaluation

import (
	"strings"
	"time"

	"charter/api/internal/workflow"
)

type Result string

const (
	ResultNone Result = ""
	ResultPass Result = "pass"
	ResultFail Result = "fail"
)

type ProposalStatus string

const (
	StatusDraft     ProposalStatus = "draft"
	StatusPublished ProposalStatus = "published"
)

// Assignee is a reviewer, approver or appeal reviewer. Exactly one field is set.
type Assignee struct {
	UserID     string              `json:"userId,omitempty"`
	RoleID     string              `json:"roleId,omitempty"`
	SystemRole workflow.SystemRole `json:"systemRole,omitempty"`
}

func (a Assignee) valid() bool {
	set := 0
	if a.UserID != "" {
		set++
	}
	if a.RoleID != "" {
		set++
	}
	if a.SystemRole != "" {
		if a.SystemRole != workflow.SystemRoleSpaceMember && a.SystemRole != workflow.SystemRoleAuthor {
			return false
		}
		set++
	}
	return set == 1
}

type Review struct {
	ID             string    `json:"id"`
	EvaluationID   string    `json:"evaluationId"`
	ReviewerID     string    `json:"reviewerId"`
	Result         Result    `json:"result"`
	DeclineReasons []string  `json:"declineReasons"`
	DeclineMessage string    `json:"declineMessage,omitempty"`
	Appeal         bool      `json:"appeal"`
	Round          int       `json:"round"`
	CreatedAt      time.Time `json:"createdAt"`
}

type RubricCriteria struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Min         int    `json:"min"`
	Max         int    `json:"max"`
}

type RubricAnswer struct {
	CriteriaID string `json:"criteriaId"`
	UserID     string `json:"userId"`
	Score      int    `json:"score"`
	Comment    string `json:"comment,omitempty"`
}

type VoteSettings struct {
	// Threshold is the percentage of non-abstain votes the first option needs.
	Threshold    float64  `json:"threshold"`
	Options      []string `json:"options"`
	MaxChoices   int      `json:"maxChoices"`
	DurationDays int      `json:"durationDays"`
}

type Vote struct {
	UserID    string    `json:"userId"`
	Choices   []string  `json:"choices"`
	Round     int       `json:"round"`
	CreatedAt time.Time `json:"createdAt"`
}

type Document struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	URL      string     `json:"url,omitempty"`
	SignedAt *time.Time `json:"signedAt,omitempty"`
	SignedBy string     `json:"signedBy,omitempty"`
}

// State is the mutable outcome of an evaluation step.
type State struct {
	Result       Result     `json:"result"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	DecidedBy    string     `json:"decidedBy,omitempty"`
	Round        int        `json:"round"`
	ReopenedAt   *time.Time `json:"reopenedAt,omitempty"`
	AppealedAt   *time.Time `json:"appealedAt,omitempty"`
	AppealedBy   string     `json:"appealedBy,omitempty"`
	AppealReason string     `json:"appealReason,omitempty"`
}

type Evaluation struct {
	ID                    string                  `json:"id"`
	ProposalID            string                  `json:"proposalId"`
	Index                 int                     `json:"index"`
	Title                 string                  `json:"title"`
	Type                  workflow.EvaluationType `json:"type"`
	RequiredReviews       int                     `json:"requiredReviews"`
	FinalStep             bool                    `json:"finalStep"`
	Appealable            bool                    `json:"appealable"`
	AppealRequiredReviews int                     `json:"appealRequiredReviews"`
	DeclineReasons        []string                `json:"declineReasons"`
	VoteSettings          *VoteSettings           `json:"voteSettings,omitempty"`
	State

	Reviewers       []Assignee       `json:"reviewers"`
	Approvers       []Assignee       `json:"approvers"`
	AppealReviewers []Assignee       `json:"appealReviewers"`
	Permissions     []workflow.Grant `json:"permissions"`
	Reviews         []Review         `json:"reviews"`
	RubricCriteria  []RubricCriteria `json:"rubricCriteria"`
	RubricAnswers   []RubricAnswer   `json:"rubricAnswers"`
	Documents       []Document       `json:"documents"`
	Votes           []Vote           `json:"votes"`
}

// InAppeal reports whether the step is in its appeal round.
func (ev Evaluation) InAppeal() bool {
	return ev.AppealedAt != nil
}

// ActiveReviewers returns the assignees who review in the current round.
func (ev Evaluation) ActiveReviewers() []Assignee {
	if ev.InAppeal() {
		return ev.AppealReviewers
	}
	return ev.Reviewers
}

// ActiveReviews returns reviews submitted in the current round.
func (ev Evaluation) ActiveReviews() []Review {
	out := make([]Review, 0, len(ev.Reviews))
	for _, r := range ev.Reviews {
		if r.Round == ev.Round {
			out = append(out, r)
		}
	}
	return out
}

// ActiveVotes returns ballots cast in the current round.
func (ev Evaluation) ActiveVotes() []Vote {
	out := make([]Vote, 0, len(ev.Votes))
	for _, v := range ev.Votes {
		if v.Round == ev.Round {
			out = append(out, v)
		}
	}
	return out
}

// Threshold is the number of agreeing reviews needed to decide the step.
func (ev Evaluation) Threshold() int {
	n := ev.RequiredReviews
	if ev.InAppeal() {
		n = ev.AppealRequiredReviews
	}
	if n < 1 {
		return 1
	}
	return n
}

func (ev Evaluation) Instance() workflow.Instance {
	return workflow.Instance{ID: ev.ID, Index: ev.Index, Title: ev.Title, Type: ev.Type}
}

type Proposal struct {
	ID               string         `json:"id"`
	SpaceID          string         `json:"spaceId"`
	Title            string         `json:"title"`
	Status           ProposalStatus `json:"status"`
	WorkflowID       string         `json:"workflowId,omitempty"`
	Authors          []string       `json:"authors"`
	Archived         bool           `json:"archived"`
	ArchivedByAdmin  bool           `json:"archivedByAdmin"`
	IsTemplate       bool           `json:"isTemplate"`
	SourceTemplateID string         `json:"sourceTemplateId,omitempty"`
	CreatedBy        string         `json:"createdBy"`
	CreatedAt        time.Time      `json:"createdAt"`
	PublishedAt      *time.Time     `json:"publishedAt,omitempty"`
	Version          int64          `json:"version"`
	Evaluations      []Evaluation   `json:"evaluations"`
}

func (p Proposal) IsAuthor(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range p.Authors {
		if id == userID {
			return true
		}
	}
	return false
}

func (p Proposal) Evaluation(id string) (*Evaluation, bool) {
	for i := range p.Evaluations {
		if p.Evaluations[i].ID == id {
			return &p.Evaluations[i], true
		}
	}
	return nil, false
}

// Instances returns the sync view of the proposal's evaluations.
func (p Proposal) Instances() []workflow.Instance {
	out := make([]workflow.Instance, 0, len(p.Evaluations))
	for _, ev := range p.Evaluations {
		out = append(out, ev.Instance())
	}
	return out
}

// DefaultVoteSettings is what a new vote step starts with.
func DefaultVoteSettings() VoteSettings {
	return VoteSettings{
		Threshold:    50,
		Options:      []string{"Yes", "No", "Abstain"},
		MaxChoices:   1,
		DurationDays: 5,
	}
}

// NewInstance copies a workflow template into a proposal evaluation.
func NewInstance(tmpl workflow.Template, proposalID string, index int, newID func() string) Evaluation {
	ev := Evaluation{
		ID:                    newID(),
		ProposalID:            proposalID,
		Index:                 index,
		Title:                 strings.TrimSpace(tmpl.Title),
		Type:                  tmpl.Type,
		RequiredReviews:       1,
		AppealRequiredReviews: 1,
		DeclineReasons:        []string{},
		Reviewers:             []Assignee{},
		Approvers:             []Assignee{},
		AppealReviewers:       []Assignee{},
		Permissions:           append([]workflow.Grant{}, tmpl.Permissions...),
	}
	if tmpl.Type == workflow.TypeFeedback {
		ev.Reviewers = []Assignee{{SystemRole: workflow.SystemRoleAuthor}}
	}
	if tmpl.Type == workflow.TypeVote {
		settings := DefaultVoteSettings()
		ev.VoteSettings = &settings
	}
	return ev
}
