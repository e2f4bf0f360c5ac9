// Package permissions computes what a user may do on a proposal from its
// current evaluation step, the step's grants and reviewer assignments.
package permissions

import (
	"encoding/json"

	"charter/api/internal/evaluation"
	"charter/api/internal/rbac"
	"charter/api/internal/workflow"
)

// Flags is the set of operations a user holds on one proposal.
type Flags map[workflow.Operation]bool

func (f Flags) Has(op workflow.Operation) bool { return f[op] }

func (f Flags) add(ops ...workflow.Operation) {
	for _, op := range ops {
		f[op] = true
	}
}

// Ops lists the granted operations in AllOperations order.
func (f Flags) Ops() []workflow.Operation {
	out := make([]workflow.Operation, 0, len(f))
	for _, op := range workflow.AllOperations {
		if f[op] {
			out = append(out, op)
		}
	}
	return out
}

// MarshalJSON always writes every operation so clients see explicit false.
func (f Flags) MarshalJSON() ([]byte, error) {
	out := make(map[workflow.Operation]bool, len(workflow.AllOperations))
	for _, op := range workflow.AllOperations {
		out[op] = f[op]
	}
	return json.Marshal(out)
}

func Full() Flags {
	f := Flags{}
	f.add(workflow.AllOperations...)
	return f
}

var (
	draftAuthorOps = []workflow.Operation{
		workflow.OpView, workflow.OpViewPrivateFields, workflow.OpDelete, workflow.OpEdit,
		workflow.OpEditRewards, workflow.OpComment, workflow.OpMove, workflow.OpArchive,
		workflow.OpUnarchive, workflow.OpCreateVote,
	}
	authorOps = []workflow.Operation{
		workflow.OpView, workflow.OpViewPrivateFields, workflow.OpDelete, workflow.OpCreateVote,
	}
	currentReviewerOps = []workflow.Operation{
		workflow.OpEvaluate, workflow.OpView, workflow.OpViewNotes, workflow.OpViewPrivateFields,
	}
	anyReviewerOps = []workflow.Operation{
		workflow.OpView, workflow.OpViewPrivateFields, workflow.OpViewNotes,
	}
	archivedOps = map[workflow.Operation]struct{}{
		workflow.OpView:              {},
		workflow.OpViewPrivateFields: {},
		workflow.OpViewNotes:         {},
		workflow.OpDelete:            {},
		workflow.OpUnarchive:         {},
	}
)

// User is the caller as seen from one space. An empty ID is an anonymous
// visitor.
type User struct {
	ID        string
	SpaceRole rbac.Role
	RoleIDs   []string
}

func (u User) hasRole(roleID string) bool {
	for _, id := range u.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

type Input struct {
	// Proposal must have its evaluations ordered by index.
	Proposal           evaluation.Proposal
	PrivateEvaluations bool
	User               User
	// EvaluationID computes flags against that step instead of the current one.
	EvaluationID string
}

// Compute returns the caller's flags on the proposal.
func Compute(in Input) Flags {
	p := in.Proposal
	u := in.User
	flags := Flags{}
	step := targetStep(in)

	if u.ID == "" || u.SpaceRole == rbac.RoleNone {
		if p.Status == evaluation.StatusPublished && step != nil && grantsPublicView(step) {
			flags.add(workflow.OpView)
		}
		return restrictArchived(p, flags)
	}

	if u.SpaceRole == rbac.RoleAdmin {
		return restrictArchived(p, Full())
	}

	if p.Status == evaluation.StatusDraft {
		if p.IsAuthor(u.ID) {
			flags.add(draftAuthorOps...)
		}
		return restrictArchived(p, flags)
	}

	if p.IsAuthor(u.ID) {
		flags.add(authorOps...)
	}

	isCurrentReviewer := false
	if step != nil {
		isCurrentReviewer = matchesAssignees(step.ActiveReviewers(), p, u)
		if isCurrentReviewer {
			flags.add(currentReviewerOps...)
			if len(step.Approvers) == 0 {
				flags.add(workflow.OpCompleteEvaluation)
			}
		}
		if matchesAssignees(step.Approvers, p, u) {
			flags.add(workflow.OpCompleteEvaluation)
		}
	}

	isAnyReviewer := isReviewerOfAnyStep(p, u)
	if isAnyReviewer {
		flags.add(anyReviewerOps...)
	}

	if step != nil {
		for _, g := range step.Permissions {
			if grantApplies(g, p, u, isCurrentReviewer, isAnyReviewer) {
				flags.add(g.Operation)
			}
		}
	}

	if flags.Has(workflow.OpEdit) {
		flags.add(workflow.OpEditRewards)
		if evaluation.IsComplete(p) || evaluation.IsFailed(p) {
			delete(flags, workflow.OpEdit)
		}
	}

	if in.PrivateEvaluations && step != nil && step.Type != workflow.TypeFeedback && !isCurrentReviewer {
		delete(flags, workflow.OpMove)
	}

	if flags.Has(workflow.OpMove) && !p.ArchivedByAdmin {
		flags.add(workflow.OpArchive, workflow.OpUnarchive)
	}

	return restrictArchived(p, flags)
}

func targetStep(in Input) *evaluation.Evaluation {
	if in.EvaluationID != "" {
		if ev, ok := in.Proposal.Evaluation(in.EvaluationID); ok {
			return ev
		}
	}
	return evaluation.CurrentStep(in.Proposal).Evaluation
}

func restrictArchived(p evaluation.Proposal, flags Flags) Flags {
	if !p.Archived {
		return flags
	}
	for op := range flags {
		if _, keep := archivedOps[op]; !keep {
			delete(flags, op)
		}
	}
	return flags
}

func grantsPublicView(step *evaluation.Evaluation) bool {
	for _, g := range step.Permissions {
		if g.SystemRole == workflow.SystemRolePublic && g.Operation == workflow.OpView {
			return true
		}
	}
	return false
}

func grantApplies(g workflow.Grant, p evaluation.Proposal, u User, currentReviewer, anyReviewer bool) bool {
	switch {
	case g.UserID != "":
		return g.UserID == u.ID
	case g.RoleID != "":
		return u.hasRole(g.RoleID)
	}
	switch g.SystemRole {
	case workflow.SystemRoleAuthor:
		return p.IsAuthor(u.ID)
	case workflow.SystemRoleSpaceMember:
		return rbac.IsMember(u.SpaceRole)
	case workflow.SystemRoleCurrentReviewer:
		return currentReviewer
	case workflow.SystemRoleAllReviewers:
		return anyReviewer
	case workflow.SystemRolePublic:
		return g.Operation == workflow.OpView
	default:
		return false
	}
}

func matchesAssignees(list []evaluation.Assignee, p evaluation.Proposal, u User) bool {
	for _, a := range list {
		switch {
		case a.UserID != "":
			if a.UserID == u.ID {
				return true
			}
		case a.RoleID != "":
			if u.hasRole(a.RoleID) {
				return true
			}
		case a.SystemRole == workflow.SystemRoleSpaceMember:
			if rbac.IsMember(u.SpaceRole) {
				return true
			}
		case a.SystemRole == workflow.SystemRoleAuthor:
			if p.IsAuthor(u.ID) {
				return true
			}
		}
	}
	return false
}

func isReviewerOfAnyStep(p evaluation.Proposal, u User) bool {
	for _, ev := range p.Evaluations {
		if matchesAssignees(ev.Reviewers, p, u) || matchesAssignees(ev.AppealReviewers, p, u) {
			return true
		}
	}
	return false
}
