// Package workflow models space-level proposal workflows: ordered evaluation
// templates and the permission grants each template hands to the proposal
// evaluations copied from it.
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type EvaluationType string

const (
	TypeFeedback      EvaluationType = "feedback"
	TypeRubric        EvaluationType = "rubric"
	TypePassFail      EvaluationType = "pass_fail"
	TypeVote          EvaluationType = "vote"
	TypeSignDocuments EvaluationType = "sign_documents"
)

func (t EvaluationType) Valid() bool {
	switch t {
	case TypeFeedback, TypeRubric, TypePassFail, TypeVote, TypeSignDocuments:
		return true
	default:
		return false
	}
}

type Operation string

const (
	OpView               Operation = "view"
	OpViewPrivateFields  Operation = "view_private_fields"
	OpViewNotes          Operation = "view_notes"
	OpComment            Operation = "comment"
	OpEdit               Operation = "edit"
	OpEditRewards        Operation = "edit_rewards"
	OpDelete             Operation = "delete"
	OpArchive            Operation = "archive"
	OpUnarchive          Operation = "unarchive"
	OpMove               Operation = "move"
	OpEvaluate           Operation = "evaluate"
	OpCompleteEvaluation Operation = "complete_evaluation"
	OpCreateVote         Operation = "create_vote"
	OpMakePublic         Operation = "make_public"
)

// AllOperations lists every proposal operation in a stable order.
var AllOperations = []Operation{
	OpView,
	OpViewPrivateFields,
	OpViewNotes,
	OpComment,
	OpEdit,
	OpEditRewards,
	OpDelete,
	OpArchive,
	OpUnarchive,
	OpMove,
	OpEvaluate,
	OpCompleteEvaluation,
	OpCreateVote,
	OpMakePublic,
}

var grantableOperations = map[Operation]struct{}{
	OpView:               {},
	OpComment:            {},
	OpEdit:               {},
	OpMove:               {},
	OpCompleteEvaluation: {},
}

type SystemRole string

const (
	SystemRoleAuthor          SystemRole = "author"
	SystemRoleSpaceMember     SystemRole = "space_member"
	SystemRoleCurrentReviewer SystemRole = "current_reviewer"
	SystemRoleAllReviewers    SystemRole = "all_reviewers"
	SystemRolePublic          SystemRole = "public"
)

func (r SystemRole) Valid() bool {
	switch r {
	case SystemRoleAuthor, SystemRoleSpaceMember, SystemRoleCurrentReviewer, SystemRoleAllReviewers, SystemRolePublic:
		return true
	default:
		return false
	}
}

// Grant gives one operation to exactly one assignee: a role, a user or a
// system role.
type Grant struct {
	Operation  Operation  `json:"operation" yaml:"operation"`
	RoleID     string     `json:"roleId,omitempty" yaml:"roleId,omitempty"`
	UserID     string     `json:"userId,omitempty" yaml:"userId,omitempty"`
	SystemRole SystemRole `json:"systemRole,omitempty" yaml:"systemRole,omitempty"`
}

func (g Grant) Validate() error {
	if _, ok := grantableOperations[g.Operation]; !ok {
		return fmt.Errorf("%w: operation %q cannot be granted", ErrInvalidWorkflow, g.Operation)
	}
	assignees := 0
	if g.RoleID != "" {
		assignees++
	}
	if g.UserID != "" {
		assignees++
	}
	if g.SystemRole != "" {
		if !g.SystemRole.Valid() {
			return fmt.Errorf("%w: unknown system role %q", ErrInvalidWorkflow, g.SystemRole)
		}
		assignees++
	}
	if assignees != 1 {
		return fmt.Errorf("%w: grant must have exactly one assignee", ErrInvalidWorkflow)
	}
	if g.SystemRole == SystemRolePublic && g.Operation != OpView {
		return fmt.Errorf("%w: public can only be granted view", ErrInvalidWorkflow)
	}
	return nil
}

type Template struct {
	ID          string         `json:"id" yaml:"id,omitempty"`
	Title       string         `json:"title" yaml:"title"`
	Type        EvaluationType `json:"type" yaml:"type"`
	Permissions []Grant        `json:"permissions" yaml:"permissions"`
}

type Workflow struct {
	ID                 string     `json:"id" yaml:"id,omitempty"`
	SpaceID            string     `json:"spaceId" yaml:"-"`
	Title              string     `json:"title" yaml:"title"`
	Index              int        `json:"index" yaml:"index"`
	Archived           bool       `json:"archived" yaml:"archived,omitempty"`
	PrivateEvaluations bool       `json:"privateEvaluations" yaml:"privateEvaluations,omitempty"`
	DraftReminder      bool       `json:"draftReminder" yaml:"draftReminder,omitempty"`
	Evaluations        []Template `json:"evaluations" yaml:"evaluations"`
	Version            int64      `json:"version" yaml:"-"`
	CreatedAt          time.Time  `json:"createdAt" yaml:"-"`
	UpdatedAt          time.Time  `json:"updatedAt" yaml:"-"`
}

var ErrInvalidWorkflow = errors.New("invalid workflow")

// Normalize trims titles and assigns ids to templates that have none.
func Normalize(wf *Workflow, newID func() string) {
	wf.Title = strings.TrimSpace(wf.Title)
	for i := range wf.Evaluations {
		tmpl := &wf.Evaluations[i]
		tmpl.Title = strings.TrimSpace(tmpl.Title)
		tmpl.ID = strings.TrimSpace(tmpl.ID)
		if tmpl.ID == "" {
			tmpl.ID = newID()
		}
		if tmpl.Permissions == nil {
			tmpl.Permissions = []Grant{}
		}
	}
}

func (wf Workflow) Validate() error {
	if strings.TrimSpace(wf.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidWorkflow)
	}
	if len(wf.Evaluations) == 0 {
		return fmt.Errorf("%w: at least one evaluation is required", ErrInvalidWorkflow)
	}
	seen := make(map[string]struct{}, len(wf.Evaluations))
	for i, tmpl := range wf.Evaluations {
		if strings.TrimSpace(tmpl.Title) == "" {
			return fmt.Errorf("%w: evaluation %d has no title", ErrInvalidWorkflow, i)
		}
		if !tmpl.Type.Valid() {
			return fmt.Errorf("%w: evaluation %d has unknown type %q", ErrInvalidWorkflow, i, tmpl.Type)
		}
		if tmpl.ID != "" {
			if _, dup := seen[tmpl.ID]; dup {
				return fmt.Errorf("%w: duplicate evaluation id %s", ErrInvalidWorkflow, tmpl.ID)
			}
			seen[tmpl.ID] = struct{}{}
		}
		for _, grant := range tmpl.Permissions {
			if err := grant.Validate(); err != nil {
				return fmt.Errorf("evaluation %d: %w", i, err)
			}
		}
	}
	return nil
}

// DefaultPermissions returns the grants a new template of the given type
// starts with.
func DefaultPermissions(evaluationType EvaluationType) []Grant {
	grants := make([]Grant, 0, 10)
	for _, op := range []Operation{OpView, OpEdit, OpComment, OpMove} {
		grants = append(grants, Grant{Operation: op, SystemRole: SystemRoleAuthor})
	}
	if evaluationType != TypeFeedback {
		for _, op := range []Operation{OpView, OpComment, OpMove} {
			grants = append(grants, Grant{Operation: op, SystemRole: SystemRoleCurrentReviewer})
		}
		for _, op := range []Operation{OpView, OpComment} {
			grants = append(grants, Grant{Operation: op, SystemRole: SystemRoleAllReviewers})
		}
	}
	for _, op := range []Operation{OpView, OpComment} {
		grants = append(grants, Grant{Operation: op, SystemRole: SystemRoleSpaceMember})
	}
	return grants
}

func cloneGrants(grants []Grant) []Grant {
	out := make([]Grant, len(grants))
	copy(out, grants)
	return out
}
