package app

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"charter/api/internal/evaluation"
	"charter/api/internal/rbac"
	"charter/api/internal/store"
	"charter/api/internal/workflow"
)

// SyncOutcome is the result of syncing one proposal during a bulk sync.
type SyncOutcome struct {
	ProposalID string `json:"proposalId"`
	Synced     bool   `json:"synced"`
	Error      string `json:"error,omitempty"`
}

const bulkSyncConcurrency = 4

// SyncProposalPermissionsWithWorkflow replaces the permission sets of the
// proposal's evaluations with the grants of the matching workflow templates.
// With evaluationIDs only those evaluations are synced. Every check runs
// before the single write, so a failed call changes nothing. The write only
// lands if neither the proposal nor the workflow changed since the checks;
// otherwise the plan is rebuilt from a fresh read.
func (s *Service) SyncProposalPermissionsWithWorkflow(ctx context.Context, proposalID string, evaluationIDs []string) (evs []evaluation.Evaluation, err error) {
	ctx, span := startSpan(ctx, "app.SyncProposalPermissionsWithWorkflow",
		proposalAttr(proposalID),
		attribute.Int("charter.evaluation_count", len(evaluationIDs)),
	)
	defer func() { endSpan(span, err) }()

	var targets []workflow.SyncTarget
	for attempt := 0; attempt < staleAttempts; attempt++ {
		targets, err = s.syncPermissionsOnce(ctx, proposalID, trimIDs(evaluationIDs))
		if !errors.Is(err, store.ErrStale) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	if len(targets) > 0 {
		s.proposalChanged(ctx, proposalID)
	}

	refreshed, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	out := make([]evaluation.Evaluation, 0, len(targets))
	for _, target := range targets {
		if ev, ok := refreshed.Proposal.Evaluation(target.EvaluationID); ok {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (s *Service) syncPermissionsOnce(ctx context.Context, proposalID string, evaluationIDs []string) ([]workflow.SyncTarget, error) {
	rec, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if rec.Proposal.WorkflowID == "" {
		return nil, ErrWorkflowRequired
	}
	wf, err := s.store.GetWorkflow(ctx, rec.Proposal.WorkflowID)
	if err != nil {
		return nil, err
	}
	targets, err := workflow.PlanPermissionSync(rec.Proposal.Instances(), wf, evaluationIDs)
	if err != nil || len(targets) == 0 {
		return targets, err
	}
	sets := make([]store.PermissionSet, 0, len(targets))
	for _, target := range targets {
		sets = append(sets, store.PermissionSet{EvaluationID: target.EvaluationID, Grants: target.Permissions})
	}
	guard := store.SyncGuard{ProposalVersion: rec.Proposal.Version, WorkflowID: wf.ID, WorkflowVersion: wf.Version}
	if err := s.store.ReplaceEvaluationPermissions(ctx, proposalID, guard, sets); err != nil {
		return nil, err
	}
	return targets, nil
}

// SyncProposalWithTemplateEvaluationsAndWorkflow replaces a draft's
// evaluations with copies of its source template's evaluations, each copy
// taking its grants from the workflow template at the same position.
func (s *Service) SyncProposalWithTemplateEvaluationsAndWorkflow(ctx context.Context, proposalID string) (evs []evaluation.Evaluation, err error) {
	ctx, span := startSpan(ctx, "app.SyncProposalWithTemplateEvaluationsAndWorkflow", proposalAttr(proposalID))
	defer func() { endSpan(span, err) }()

	rec, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	p := rec.Proposal
	if p.Status != evaluation.StatusDraft {
		return nil, evaluation.ErrNotDraft
	}
	if p.SourceTemplateID == "" {
		return nil, validation("proposal was not created from a template")
	}
	if p.WorkflowID == "" {
		return nil, ErrWorkflowRequired
	}
	source, err := s.loadProposal(ctx, p.SourceTemplateID)
	if err != nil {
		return nil, err
	}
	if !source.Proposal.IsTemplate || source.Proposal.WorkflowID != p.WorkflowID {
		return nil, validation("source template does not share the proposal's workflow")
	}
	wf, err := s.store.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return nil, err
	}
	if err := workflow.CheckAligned(source.Proposal.Instances(), wf); err != nil {
		return nil, err
	}

	copies := make([]evaluation.Evaluation, 0, len(source.Proposal.Evaluations))
	for i, ev := range source.Proposal.Evaluations {
		c := copyEvaluation(ev, p.ID, s.idGen("evl"), s.idGen("itm"))
		c.Index = i
		if i < len(wf.Evaluations) {
			c.Permissions = append([]workflow.Grant{}, wf.Evaluations[i].Permissions...)
		}
		copies = append(copies, c)
	}
	guard := store.SyncGuard{ProposalVersion: p.Version, WorkflowID: wf.ID, WorkflowVersion: wf.Version}
	if err := s.store.ReplaceProposalEvaluations(ctx, p.ID, guard, copies); err != nil {
		return nil, err
	}
	s.proposalChanged(ctx, p.ID)
	return copies, nil
}

// copyEvaluation clones a template proposal's evaluation into a fresh,
// undecided instance. Criteria and documents get new ids; answers, reviews,
// votes and signatures are not carried over.
func copyEvaluation(ev evaluation.Evaluation, proposalID string, newEvalID, newItemID func() string) evaluation.Evaluation {
	c := ev
	c.ID = newEvalID()
	c.ProposalID = proposalID
	c.State = evaluation.State{}
	c.DeclineReasons = append([]string{}, ev.DeclineReasons...)
	c.Reviewers = append([]evaluation.Assignee{}, ev.Reviewers...)
	c.Approvers = append([]evaluation.Assignee{}, ev.Approvers...)
	c.AppealReviewers = append([]evaluation.Assignee{}, ev.AppealReviewers...)
	c.Permissions = append([]workflow.Grant{}, ev.Permissions...)
	c.Reviews = []evaluation.Review{}
	c.RubricAnswers = []evaluation.RubricAnswer{}
	c.Votes = []evaluation.Vote{}
	if ev.VoteSettings != nil {
		settings := *ev.VoteSettings
		settings.Options = append([]string{}, ev.VoteSettings.Options...)
		c.VoteSettings = &settings
	}
	c.RubricCriteria = make([]evaluation.RubricCriteria, 0, len(ev.RubricCriteria))
	for _, criteria := range ev.RubricCriteria {
		criteria.ID = newItemID()
		c.RubricCriteria = append(c.RubricCriteria, criteria)
	}
	c.Documents = make([]evaluation.Document, 0, len(ev.Documents))
	for _, doc := range ev.Documents {
		c.Documents = append(c.Documents, evaluation.Document{ID: newItemID(), Title: doc.Title, URL: doc.URL})
	}
	return c
}

// SyncWorkflowProposals runs a full permission sync on every live,
// non-template proposal of the workflow. Failures are reported per proposal.
func (s *Service) SyncWorkflowProposals(ctx context.Context, workflowID string) (outcomes []SyncOutcome, err error) {
	ctx, span := startSpan(ctx, "app.SyncWorkflowProposals", attribute.String("charter.workflow_id", workflowID))
	defer func() { endSpan(span, err) }()

	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	ids, err := s.store.ListWorkflowProposalIDs(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	outcomes = make([]SyncOutcome, len(ids))
	var g errgroup.Group
	g.SetLimit(bulkSyncConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			outcome := SyncOutcome{ProposalID: id, Synced: true}
			if _, err := s.SyncProposalPermissionsWithWorkflow(ctx, id, nil); err != nil {
				outcome.Synced = false
				outcome.Error = classify(err).Message
			}
			outcomes[i] = outcome
			return nil
		})
	}
	_ = g.Wait()
	span.SetAttributes(attribute.Int("charter.proposal_count", len(ids)))
	return outcomes, nil
}

// SyncProposalPermissions is the space-admin entry point for a proposal sync.
func (s *Service) SyncProposalPermissions(ctx context.Context, session Session, proposalID string, evaluationIDs []string) ([]evaluation.Evaluation, error) {
	rec, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAction(ctx, rec.Proposal.SpaceID, session, rbac.ActionManageWorkflows); err != nil {
		return nil, err
	}
	return s.SyncProposalPermissionsWithWorkflow(ctx, proposalID, evaluationIDs)
}

// SyncProposalTemplate lets admins and draft editors pull the template's
// evaluations again.
func (s *Service) SyncProposalTemplate(ctx context.Context, session Session, proposalID string) ([]evaluation.Evaluation, error) {
	rec, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	u, err := s.viewer(ctx, rec.Proposal.SpaceID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !isAdmin(u) && !s.flagsFor(ctx, rec, u, "").Has(workflow.OpEdit) {
		return nil, forbidden()
	}
	return s.SyncProposalWithTemplateEvaluationsAndWorkflow(ctx, proposalID)
}

func (s *Service) SyncWorkflow(ctx context.Context, session Session, spaceID, workflowID string) ([]SyncOutcome, error) {
	if _, err := s.requireAction(ctx, spaceID, session, rbac.ActionManageWorkflows); err != nil {
		return nil, err
	}
	if _, err := s.spaceWorkflow(ctx, spaceID, workflowID); err != nil {
		return nil, err
	}
	return s.SyncWorkflowProposals(ctx, workflowID)
}

func trimIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
