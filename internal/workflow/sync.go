package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrWorkflowMissingEvaluation = errors.New("workflow has no evaluation at this step")
	ErrProposalMissingEvaluation = errors.New("proposal has no evaluation for this workflow step")
	ErrEvaluationNotFound        = errors.New("evaluation does not belong to the proposal")
)

// Instance is the part of a proposal evaluation that must line up with the
// workflow template at the same position.
type Instance struct {
	ID    string
	Index int
	Title string
	Type  EvaluationType
}

// SyncTarget is one evaluation whose permission set gets replaced by the
// grants of the template at Position.
type SyncTarget struct {
	EvaluationID string
	Position     int
	TemplateID   string
	Permissions  []Grant
}

// MismatchError reports a proposal evaluation that no longer matches the
// workflow template at the same position.
type MismatchError struct {
	Position int
	Field    string
	Proposal string
	Workflow string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("evaluation %d %s mismatch: proposal has %q, workflow has %q", e.Position, e.Field, e.Proposal, e.Workflow)
}

// PositionError wraps ErrWorkflowMissingEvaluation / ErrProposalMissingEvaluation
// with the offending position.
type PositionError struct {
	Position int
	Err      error
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("%s (position %d)", e.Err.Error(), e.Position)
}

func (e *PositionError) Unwrap() error { return e.Err }

// SameTitle compares titles ignoring surrounding whitespace and case.
func SameTitle(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Ordered returns instances sorted by Index. Positions used by the sync
// rules are offsets into this order.
func Ordered(instances []Instance) []Instance {
	out := make([]Instance, len(instances))
	copy(out, instances)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// PlanPermissionSync decides which proposal evaluations take which workflow
// grants. It performs every check before returning, so a nil error means the
// whole plan can be applied.
//
// With no evaluationIDs every evaluation covered by the workflow is targeted:
// the proposal must have an evaluation for each template, and evaluations past
// the last template are left alone. With evaluationIDs only those evaluations
// are targeted, and each must sit at a position the workflow covers.
func PlanPermissionSync(instances []Instance, wf Workflow, evaluationIDs []string) ([]SyncTarget, error) {
	ordered := Ordered(instances)
	position := make(map[string]int, len(ordered))
	for i, inst := range ordered {
		position[inst.ID] = i
	}

	var targeted []int
	if len(evaluationIDs) == 0 {
		for i := range wf.Evaluations {
			if i >= len(ordered) {
				return nil, &PositionError{Position: i, Err: ErrProposalMissingEvaluation}
			}
			targeted = append(targeted, i)
		}
	} else {
		seen := make(map[string]struct{}, len(evaluationIDs))
		for _, id := range evaluationIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			pos, ok := position[id]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrEvaluationNotFound, id)
			}
			targeted = append(targeted, pos)
		}
		sort.Ints(targeted)
	}

	targets := make([]SyncTarget, 0, len(targeted))
	for _, pos := range targeted {
		if err := matchTemplate(pos, ordered[pos], wf); err != nil {
			return nil, err
		}
		tmpl := wf.Evaluations[pos]
		targets = append(targets, SyncTarget{
			EvaluationID: ordered[pos].ID,
			Position:     pos,
			TemplateID:   tmpl.ID,
			Permissions:  cloneGrants(tmpl.Permissions),
		})
	}
	return targets, nil
}

// CheckAligned verifies that every workflow template has a matching instance
// at the same position. Extra trailing instances are allowed.
func CheckAligned(instances []Instance, wf Workflow) error {
	_, err := PlanPermissionSync(instances, wf, nil)
	return err
}

func matchTemplate(pos int, inst Instance, wf Workflow) error {
	if pos >= len(wf.Evaluations) {
		return &PositionError{Position: pos, Err: ErrWorkflowMissingEvaluation}
	}
	tmpl := wf.Evaluations[pos]
	if !SameTitle(inst.Title, tmpl.Title) {
		return &MismatchError{Position: pos, Field: "title", Proposal: inst.Title, Workflow: tmpl.Title}
	}
	if inst.Type != tmpl.Type {
		return &MismatchError{Position: pos, Field: "type", Proposal: string(inst.Type), Workflow: string(tmpl.Type)}
	}
	return nil
}
