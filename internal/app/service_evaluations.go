package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"charter/api/internal/evaluation"
	"charter/api/internal/permissions"
	"charter/api/internal/rbac"
	"charter/api/internal/store"
	"charter/api/internal/workflow"
)

type ReviewInput struct {
	Result         evaluation.Result `json:"result"`
	DeclineReasons []string          `json:"declineReasons"`
	DeclineMessage string            `json:"declineMessage"`
}

type VoteOutcome struct {
	ProposalView
	Tally evaluation.Tally `json:"tally"`
}

// step is a loaded proposal plus the caller's standing, ready for a
// transition on one of its evaluations.
type step struct {
	rec   store.ProposalRecord
	user  permissions.User
	flags permissions.Flags
}

// beginStep loads the proposal and checks the caller holds op on the current
// step. An empty op only requires the caller to see the proposal.
func (s *Service) beginStep(ctx context.Context, session Session, proposalID string, op workflow.Operation) (step, error) {
	rec, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return step{}, err
	}
	u, err := s.viewer(ctx, rec.Proposal.SpaceID, session.UserID)
	if err != nil {
		return step{}, err
	}
	flags := s.flagsFor(ctx, rec, u, "")
	if !flags.Has(workflow.OpView) {
		return step{}, sql.ErrNoRows
	}
	if session.UserID == "" || (op != "" && !flags.Has(op)) {
		return step{}, forbidden()
	}
	return step{rec: rec, user: u, flags: flags}, nil
}

// staleAttempts bounds how often a transition is replanned after losing a
// race with another write to the same proposal.
const staleAttempts = 3

// guarded runs apply against a fresh read of the proposal. apply must end in a
// version-checked write; when that write reports store.ErrStale the proposal
// is read again and apply runs on the new state.
func (s *Service) guarded(ctx context.Context, session Session, proposalID string, op workflow.Operation, apply func(st step) error) error {
	var err error
	for attempt := 0; attempt < staleAttempts; attempt++ {
		var st step
		st, err = s.beginStep(ctx, session, proposalID, op)
		if err != nil {
			return err
		}
		if err = apply(st); !errors.Is(err, store.ErrStale) {
			return err
		}
	}
	return err
}

func (s *Service) writeState(ctx context.Context, st step, evaluationID string, state evaluation.State) error {
	change := evaluation.Change{EvaluationID: evaluationID, State: state}
	return s.store.SaveEvaluationStates(ctx, st.rec.Proposal.ID, st.rec.Proposal.Version, []evaluation.Change{change})
}

func (s *Service) afterTransition(ctx context.Context, session Session, proposalID string) (ProposalView, error) {
	s.proposalChanged(ctx, proposalID)
	return s.GetProposal(ctx, session, proposalID)
}

func transitionSpan(ctx context.Context, name, proposalID, evaluationID string) (context.Context, func(error)) {
	ctx, span := startSpan(ctx, "app."+name,
		proposalAttr(proposalID),
		attribute.String("charter.evaluation_id", evaluationID),
	)
	return ctx, func(err error) { endSpan(span, err) }
}

// MoveForward passes the current feedback step.
func (s *Service) MoveForward(ctx context.Context, session Session, proposalID, evaluationID string) (view ProposalView, err error) {
	ctx, end := transitionSpan(ctx, "MoveForward", proposalID, evaluationID)
	defer func() { end(err) }()

	err = s.guarded(ctx, session, proposalID, workflow.OpMove, func(st step) error {
		state, err := evaluation.MoveForward(st.rec.Proposal, evaluationID, session.UserID, s.now())
		if err != nil {
			return err
		}
		return s.writeState(ctx, st, evaluationID, state)
	})
	if err != nil {
		return ProposalView{}, err
	}
	return s.afterTransition(ctx, session, proposalID)
}

// SubmitReview records the caller's pass/fail review; it may decide the step.
func (s *Service) SubmitReview(ctx context.Context, session Session, proposalID, evaluationID string, input ReviewInput) (view ProposalView, err error) {
	ctx, end := transitionSpan(ctx, "SubmitReview", proposalID, evaluationID)
	defer func() { end(err) }()

	reviewID := s.newID("rvw")
	err = s.guarded(ctx, session, proposalID, workflow.OpEvaluate, func(st step) error {
		review, state, err := evaluation.SubmitReview(st.rec.Proposal, evaluationID, evaluation.Review{
			ID:             reviewID,
			ReviewerID:     session.UserID,
			Result:         evaluation.Result(strings.ToLower(strings.TrimSpace(string(input.Result)))),
			DeclineReasons: input.DeclineReasons,
			DeclineMessage: strings.TrimSpace(input.DeclineMessage),
		}, s.now())
		if err != nil {
			return err
		}
		return s.store.RecordReview(ctx, proposalID, st.rec.Proposal.Version, review, state)
	})
	if err != nil {
		return ProposalView{}, err
	}
	return s.afterTransition(ctx, session, proposalID)
}

// ResetReview withdraws the caller's own review while the step is undecided.
func (s *Service) ResetReview(ctx context.Context, session Session, proposalID, evaluationID string) (view ProposalView, err error) {
	ctx, end := transitionSpan(ctx, "ResetReview", proposalID, evaluationID)
	defer func() { end(err) }()

	err = s.guarded(ctx, session, proposalID, "", func(st step) error {
		review, err := evaluation.ResetReview(st.rec.Proposal, evaluationID, session.UserID)
		if err != nil {
			return err
		}
		return s.store.DeleteReview(ctx, proposalID, st.rec.Proposal.Version, review.ID)
	})
	if err != nil {
		return ProposalView{}, err
	}
	return s.afterTransition(ctx, session, proposalID)
}

func (s *Service) SubmitRubricAnswers(ctx context.Context, session Session, proposalID, evaluationID string, answers []evaluation.RubricAnswer) (view ProposalView, err error) {
	ctx, end := transitionSpan(ctx, "SubmitRubricAnswers", proposalID, evaluationID)
	defer func() { end(err) }()

	err = s.guarded(ctx, session, proposalID, workflow.OpEvaluate, func(st step) error {
		valid, err := evaluation.SubmitRubricAnswers(st.rec.Proposal, evaluationID, session.UserID, answers)
		if err != nil {
			return err
		}
		return s.store.SaveRubricAnswers(ctx, proposalID, st.rec.Proposal.Version, evaluationID, session.UserID, valid)
	})
	if err != nil {
		return ProposalView{}, err
	}
	return s.afterTransition(ctx, session, proposalID)
}

// CompleteEvaluation records an explicit pass or fail on a rubric,
// pass/fail or sign-documents step.
func (s *Service) CompleteEvaluation(ctx context.Context, session Session, proposalID, evaluationID string, result evaluation.Result) (view ProposalView, err error) {
	ctx, end := transitionSpan(ctx, "CompleteEvaluation", proposalID, evaluationID)
	defer func() { end(err) }()

	err = s.guarded(ctx, session, proposalID, workflow.OpCompleteEvaluation, func(st step) error {
		state, err := evaluation.Complete(st.rec.Proposal, evaluationID, session.UserID, result, s.now())
		if err != nil {
			return err
		}
		return s.writeState(ctx, st, evaluationID, state)
	})
	if err != nil {
		return ProposalView{}, err
	}
	return s.afterTransition(ctx, session, proposalID)
}

// CastVote is open to every full space member while the vote runs.
func (s *Service) CastVote(ctx context.Context, session Session, proposalID, evaluationID string, choices []string) (view ProposalView, err error) {
	ctx, end := transitionSpan(ctx, "CastVote", proposalID, evaluationID)
	defer func() { end(err) }()

	err = s.guarded(ctx, session, proposalID, "", func(st step) error {
		if !rbac.Can(st.user.SpaceRole, rbac.ActionVote) {
			return forbidden()
		}
		vote, err := evaluation.CastVote(st.rec.Proposal, evaluationID, session.UserID, choices, s.now())
		if err != nil {
			return err
		}
		return s.store.SaveVote(ctx, proposalID, st.rec.Proposal.Version, evaluationID, vote)
	})
	if err != nil {
		return ProposalView{}, err
	}
	return s.afterTransition(ctx, session, proposalID)
}

// CloseVote decides a vote step once its deadline passed. Holders of
// complete_evaluation may close it early.
func (s *Service) CloseVote(ctx context.Context, session Session, proposalID, evaluationID string) (outcome VoteOutcome, err error) {
	ctx, end := transitionSpan(ctx, "CloseVote", proposalID, evaluationID)
	defer func() { end(err) }()

	var tally evaluation.Tally
	err = s.guarded(ctx, session, proposalID, "", func(st step) error {
		force := st.flags.Has(workflow.OpCompleteEvaluation)
		if !force && !rbac.Can(st.user.SpaceRole, rbac.ActionVote) {
			return forbidden()
		}
		var state evaluation.State
		var err error
		state, tally, err = evaluation.CloseVote(st.rec.Proposal, evaluationID, session.UserID, force, s.now())
		if err != nil {
			return err
		}
		return s.writeState(ctx, st, evaluationID, state)
	})
	if err != nil {
		return VoteOutcome{}, err
	}
	view, err := s.afterTransition(ctx, session, proposalID)
	if err != nil {
		return VoteOutcome{}, err
	}
	return VoteOutcome{ProposalView: view, Tally: tally}, nil
}

// SignDocument is done by a reviewer of the current sign-documents step.
func (s *Service) SignDocument(ctx context.Context, session Session, proposalID, evaluationID, documentID string) (view ProposalView, err error) {
	ctx, end := transitionSpan(ctx, "SignDocument", proposalID, evaluationID)
	defer func() { end(err) }()

	err = s.guarded(ctx, session, proposalID, workflow.OpEvaluate, func(st step) error {
		doc, err := evaluation.SignDocument(st.rec.Proposal, evaluationID, documentID, session.UserID, s.now())
		if err != nil {
			return err
		}
		return s.store.SaveDocumentSignature(ctx, proposalID, st.rec.Proposal.Version, doc)
	})
	if err != nil {
		return ProposalView{}, err
	}
	return s.afterTransition(ctx, session, proposalID)
}

// Appeal reopens a failed appealable step. Only authors may appeal.
func (s *Service) Appeal(ctx context.Context, session Session, proposalID, evaluationID, reason string) (view ProposalView, err error) {
	ctx, end := transitionSpan(ctx, "Appeal", proposalID, evaluationID)
	defer func() { end(err) }()

	err = s.guarded(ctx, session, proposalID, "", func(st step) error {
		state, err := evaluation.Appeal(st.rec.Proposal, evaluationID, session.UserID, reason, s.now())
		if err != nil {
			return err
		}
		return s.writeState(ctx, st, evaluationID, state)
	})
	if err != nil {
		return ProposalView{}, err
	}
	return s.afterTransition(ctx, session, proposalID)
}

// GoBack reopens an earlier (or the current) step. The caller needs move on
// the current step.
func (s *Service) GoBack(ctx context.Context, session Session, proposalID, targetEvaluationID string) (view ProposalView, err error) {
	ctx, end := transitionSpan(ctx, "GoBack", proposalID, targetEvaluationID)
	defer func() { end(err) }()

	err = s.guarded(ctx, session, proposalID, workflow.OpMove, func(st step) error {
		changes, err := evaluation.GoBack(st.rec.Proposal, targetEvaluationID, s.now())
		if err != nil || len(changes) == 0 {
			return err
		}
		return s.store.SaveEvaluationStates(ctx, proposalID, st.rec.Proposal.Version, changes)
	})
	if err != nil {
		return ProposalView{}, err
	}
	return s.afterTransition(ctx, session, proposalID)
}
