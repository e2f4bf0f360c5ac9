package evaluation

import "sort"

// Step is where a proposal currently sits. Draft proposals sit before any
// evaluation; published proposals without evaluations have no step.
type Step struct {
	Draft      bool
	Evaluation *Evaluation
}

func (s Step) Title() string {
	switch {
	case s.Draft:
		return "Draft"
	case s.Evaluation == nil:
		return "Published"
	default:
		return s.Evaluation.Title
	}
}

func (s Step) Type() string {
	switch {
	case s.Draft:
		return "draft"
	case s.Evaluation == nil:
		return "published"
	default:
		return string(s.Evaluation.Type)
	}
}

func (s Step) Result() Result {
	if s.Evaluation == nil {
		return ResultNone
	}
	return s.Evaluation.Result
}

// Status is the board label for the step: its result, "in_progress" while
// undecided, or "draft".
func (s Step) Status() string {
	if s.Draft {
		return "draft"
	}
	if r := s.Result(); r != ResultNone {
		return string(r)
	}
	return "in_progress"
}

// SortEvaluations orders the proposal's evaluations by index in place.
func SortEvaluations(p *Proposal) {
	sort.SliceStable(p.Evaluations, func(i, j int) bool {
		return p.Evaluations[i].Index < p.Evaluations[j].Index
	})
}

// CurrentStep resolves the active step. The evaluations must already be
// ordered by index (see SortEvaluations).
//
// The first evaluation without a passing result is current. A passed final
// step ends the workflow, and when every step passed the last one stays
// current.
func CurrentStep(p Proposal) Step {
	if p.Status == StatusDraft {
		return Step{Draft: true}
	}
	if len(p.Evaluations) == 0 {
		return Step{}
	}
	for i := range p.Evaluations {
		ev := &p.Evaluations[i]
		if ev.Result != ResultPass {
			return Step{Evaluation: ev}
		}
		if ev.FinalStep {
			return Step{Evaluation: ev}
		}
	}
	return Step{Evaluation: &p.Evaluations[len(p.Evaluations)-1]}
}

// IsComplete reports whether the proposal passed its last (or final) step.
func IsComplete(p Proposal) bool {
	step := CurrentStep(p)
	if step.Evaluation == nil || step.Evaluation.Result != ResultPass {
		return false
	}
	return step.Evaluation.FinalStep || step.Evaluation.ID == p.Evaluations[len(p.Evaluations)-1].ID
}

// IsFailed reports whether the current step failed.
func IsFailed(p Proposal) bool {
	return CurrentStep(p).Result() == ResultFail
}
