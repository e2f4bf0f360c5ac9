package permissions

import (
	"charter/api/internal/evaluation"
	"charter/api/internal/rbac"
	"charter/api/internal/workflow"
)

type Candidate struct {
	Proposal           evaluation.Proposal
	PrivateEvaluations bool
}

// AccessibleProposalIDs filters candidates down to the proposals the user can
// view. With onlyAssigned it keeps only proposals the user authored or
// reviews at the current step.
func AccessibleProposalIDs(candidates []Candidate, u User, onlyAssigned bool) []string {
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if onlyAssigned && !isAssigned(c.Proposal, u) {
			continue
		}
		if u.SpaceRole == rbac.RoleAdmin && u.ID != "" {
			ids = append(ids, c.Proposal.ID)
			continue
		}
		flags := Compute(Input{Proposal: c.Proposal, PrivateEvaluations: c.PrivateEvaluations, User: u})
		if flags.Has(workflow.OpView) {
			ids = append(ids, c.Proposal.ID)
		}
	}
	return ids
}

func isAssigned(p evaluation.Proposal, u User) bool {
	if u.ID == "" {
		return false
	}
	if p.IsAuthor(u.ID) {
		return true
	}
	step := evaluation.CurrentStep(p).Evaluation
	return step != nil && matchesAssignees(step.ActiveReviewers(), p, u)
}
