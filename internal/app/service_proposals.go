package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"charter/api/internal/evaluation"
	"charter/api/internal/permissions"
	"charter/api/internal/rbac"
	"charter/api/internal/store"
	"charter/api/internal/workflow"
)

type StepView struct {
	EvaluationID string            `json:"evaluationId,omitempty"`
	Title        string            `json:"title"`
	Type         string            `json:"type"`
	Result       evaluation.Result `json:"result"`
	Status       string            `json:"status"`
}

type ProposalView struct {
	Proposal    evaluation.Proposal `json:"proposal"`
	CurrentStep StepView            `json:"currentStep"`
	Permissions permissions.Flags   `json:"permissions"`
}

type ProposalSummary struct {
	ID          string                    `json:"id"`
	Title       string                    `json:"title"`
	Status      evaluation.ProposalStatus `json:"status"`
	WorkflowID  string                    `json:"workflowId,omitempty"`
	Authors     []string                  `json:"authors"`
	Archived    bool                      `json:"archived"`
	IsTemplate  bool                      `json:"isTemplate"`
	CurrentStep StepView                  `json:"currentStep"`
}

type CreateProposalInput struct {
	Title            string   `json:"title"`
	WorkflowID       string   `json:"workflowId"`
	Authors          []string `json:"authors"`
	SourceTemplateID string   `json:"sourceTemplateId"`
	IsTemplate       bool     `json:"isTemplate"`
}

func stepView(p evaluation.Proposal) StepView {
	step := evaluation.CurrentStep(p)
	view := StepView{
		Title:  step.Title(),
		Type:   step.Type(),
		Result: step.Result(),
		Status: step.Status(),
	}
	if step.Evaluation != nil {
		view.EvaluationID = step.Evaluation.ID
	}
	return view
}

// redact strips what the caller may not see. Assignees, individual
// decisions and who decided a step need view_private_fields; decline notes
// need view_notes.
func redact(p evaluation.Proposal, flags permissions.Flags) evaluation.Proposal {
	out := p
	out.Evaluations = make([]evaluation.Evaluation, len(p.Evaluations))
	copy(out.Evaluations, p.Evaluations)
	for i := range out.Evaluations {
		ev := &out.Evaluations[i]
		if !flags.Has(workflow.OpViewPrivateFields) {
			ev.Reviewers = []evaluation.Assignee{}
			ev.Approvers = []evaluation.Assignee{}
			ev.AppealReviewers = []evaluation.Assignee{}
			ev.Reviews = []evaluation.Review{}
			ev.RubricAnswers = []evaluation.RubricAnswer{}
			ev.Votes = []evaluation.Vote{}
			ev.DecidedBy = ""
			continue
		}
		if !flags.Has(workflow.OpViewNotes) {
			reviews := make([]evaluation.Review, len(ev.Reviews))
			for j, r := range ev.Reviews {
				r.DeclineMessage = ""
				reviews[j] = r
			}
			ev.Reviews = reviews
		}
	}
	return out
}

// CreateProposal copies the workflow's templates into fresh evaluation
// instances. A proposal created from a template then takes the template's
// evaluations.
func (s *Service) CreateProposal(ctx context.Context, session Session, spaceID string, input CreateProposalInput) (ProposalView, error) {
	if _, err := s.requireAction(ctx, spaceID, session, rbac.ActionPropose); err != nil {
		return ProposalView{}, err
	}
	title, err := requireText(input.Title, "title")
	if err != nil {
		return ProposalView{}, err
	}

	workflowID := strings.TrimSpace(input.WorkflowID)
	sourceID := strings.TrimSpace(input.SourceTemplateID)
	var source store.ProposalRecord
	if sourceID != "" {
		source, err = s.loadProposal(ctx, sourceID)
		if errors.Is(err, sql.ErrNoRows) {
			return ProposalView{}, validation("source template not found")
		}
		if err != nil {
			return ProposalView{}, err
		}
		if source.Proposal.SpaceID != spaceID || !source.Proposal.IsTemplate {
			return ProposalView{}, validation("source is not a template of this space")
		}
		if workflowID == "" {
			workflowID = source.Proposal.WorkflowID
		}
		if source.Proposal.WorkflowID != workflowID {
			return ProposalView{}, validation("template uses a different workflow")
		}
	}

	p := evaluation.Proposal{
		ID:               s.newID("prp"),
		SpaceID:          spaceID,
		Title:            title,
		Status:           evaluation.StatusDraft,
		WorkflowID:       workflowID,
		Authors:          authorList(session.UserID, input.Authors),
		IsTemplate:       input.IsTemplate,
		SourceTemplateID: sourceID,
		CreatedBy:        session.UserID,
		CreatedAt:        s.now().UTC(),
		Evaluations:      []evaluation.Evaluation{},
	}
	if workflowID != "" {
		wf, err := s.spaceWorkflow(ctx, spaceID, workflowID)
		if errors.Is(err, sql.ErrNoRows) {
			return ProposalView{}, validation("workflow not found")
		}
		if err != nil {
			return ProposalView{}, err
		}
		if wf.Archived {
			return ProposalView{}, validation("workflow is archived")
		}
		if sourceID != "" {
			if err := workflow.CheckAligned(source.Proposal.Instances(), wf); err != nil {
				return ProposalView{}, err
			}
		}
		for i, tmpl := range wf.Evaluations {
			p.Evaluations = append(p.Evaluations, evaluation.NewInstance(tmpl, p.ID, i, s.idGen("evl")))
		}
	}
	for _, authorID := range p.Authors[1:] {
		m, err := s.store.GetMembership(ctx, spaceID, authorID)
		if err != nil {
			return ProposalView{}, err
		}
		if m.SpaceRole == rbac.RoleNone {
			return ProposalView{}, validation(fmt.Sprintf("author %s is not a member of the space", authorID))
		}
	}

	if err := s.store.CreateProposal(ctx, p); err != nil {
		return ProposalView{}, err
	}
	if sourceID != "" {
		if _, err := s.SyncProposalWithTemplateEvaluationsAndWorkflow(ctx, p.ID); err != nil {
			return ProposalView{}, err
		}
	} else {
		s.proposalChanged(ctx, p.ID)
	}
	return s.GetProposal(ctx, session, p.ID)
}

// authorList puts the creator first and drops blanks and duplicates.
func authorList(creator string, authors []string) []string {
	out := []string{creator}
	seen := map[string]struct{}{creator: {}}
	for _, id := range authors {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// GetProposal answers NOT_FOUND rather than FORBIDDEN when the caller cannot
// view the proposal. Anonymous sessions see public proposals.
func (s *Service) GetProposal(ctx context.Context, session Session, proposalID string) (ProposalView, error) {
	rec, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return ProposalView{}, err
	}
	u, err := s.viewer(ctx, rec.Proposal.SpaceID, session.UserID)
	if err != nil {
		return ProposalView{}, err
	}
	flags := s.flagsFor(ctx, rec, u, "")
	if !flags.Has(workflow.OpView) {
		return ProposalView{}, sql.ErrNoRows
	}
	return ProposalView{
		Proposal:    redact(rec.Proposal, flags),
		CurrentStep: stepView(rec.Proposal),
		Permissions: flags,
	}, nil
}

// ListProposals returns the space's proposals the caller can view, or with
// onlyAssigned the ones they author or currently review.
func (s *Service) ListProposals(ctx context.Context, session Session, spaceID string, onlyAssigned bool) ([]ProposalSummary, error) {
	u, err := s.viewer(ctx, spaceID, session.UserID)
	if err != nil {
		return nil, err
	}
	records, candidates, err := s.spaceCandidates(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	allowed := permissions.AccessibleProposalIDs(candidates, u, onlyAssigned)
	byID := make(map[string]store.ProposalRecord, len(records))
	for _, rec := range records {
		byID[rec.Proposal.ID] = rec
	}
	items := make([]ProposalSummary, 0, len(allowed))
	for _, id := range allowed {
		p := byID[id].Proposal
		items = append(items, ProposalSummary{
			ID:          p.ID,
			Title:       p.Title,
			Status:      p.Status,
			WorkflowID:  p.WorkflowID,
			Authors:     p.Authors,
			Archived:    p.Archived,
			IsTemplate:  p.IsTemplate,
			CurrentStep: stepView(p),
		})
	}
	return items, nil
}

func (s *Service) spaceCandidates(ctx context.Context, spaceID string) ([]store.ProposalRecord, []permissions.Candidate, error) {
	records, err := s.store.ListSpaceProposals(ctx, spaceID)
	if err != nil {
		return nil, nil, err
	}
	candidates := make([]permissions.Candidate, 0, len(records))
	for i := range records {
		evaluation.SortEvaluations(&records[i].Proposal)
		candidates = append(candidates, permissions.Candidate{
			Proposal:           records[i].Proposal,
			PrivateEvaluations: records[i].PrivateEvaluations,
		})
	}
	return records, candidates, nil
}

// ProposalPermissions returns the caller's flags, against the current step or
// the given evaluation.
func (s *Service) ProposalPermissions(ctx context.Context, session Session, proposalID, evaluationID string) (permissions.Flags, error) {
	rec, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if evaluationID != "" {
		if _, ok := rec.Proposal.Evaluation(evaluationID); !ok {
			return nil, evaluation.ErrEvaluationNotFound
		}
	}
	u, err := s.viewer(ctx, rec.Proposal.SpaceID, session.UserID)
	if err != nil {
		return nil, err
	}
	return s.flagsFor(ctx, rec, u, evaluationID), nil
}

// UpdateEvaluationSettings is open to space admins at any time and to users
// holding edit while the proposal is a draft.
func (s *Service) UpdateEvaluationSettings(ctx context.Context, session Session, proposalID, evaluationID string, settings evaluation.Settings) (evaluation.Evaluation, error) {
	rec, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return evaluation.Evaluation{}, err
	}
	u, err := s.viewer(ctx, rec.Proposal.SpaceID, session.UserID)
	if err != nil {
		return evaluation.Evaluation{}, err
	}
	admin := isAdmin(u)
	if !admin {
		flags := s.flagsFor(ctx, rec, u, "")
		if rec.Proposal.Status != evaluation.StatusDraft || !flags.Has(workflow.OpEdit) {
			return evaluation.Evaluation{}, forbidden()
		}
	}
	if rec.Proposal.Archived {
		return evaluation.Evaluation{}, evaluation.ErrArchived
	}
	ev, ok := rec.Proposal.Evaluation(evaluationID)
	if !ok {
		return evaluation.Evaluation{}, evaluation.ErrEvaluationNotFound
	}
	updated, err := evaluation.ApplySettings(*ev, settings, s.idGen("itm"))
	if err != nil {
		return evaluation.Evaluation{}, err
	}
	if err := s.store.UpdateEvaluationSettings(ctx, updated); err != nil {
		return evaluation.Evaluation{}, err
	}
	s.proposalChanged(ctx, proposalID)
	return updated, nil
}

// PublishProposal moves a draft into its first evaluation step.
func (s *Service) PublishProposal(ctx context.Context, session Session, proposalID string) (view ProposalView, err error) {
	ctx, span := startSpan(ctx, "app.PublishProposal", proposalAttr(proposalID))
	defer func() { endSpan(span, err) }()

	rec, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return ProposalView{}, err
	}
	u, err := s.viewer(ctx, rec.Proposal.SpaceID, session.UserID)
	if err != nil {
		return ProposalView{}, err
	}
	if !rec.Proposal.IsAuthor(u.ID) && !isAdmin(u) {
		return ProposalView{}, forbidden()
	}
	if err := evaluation.ValidatePublish(rec.Proposal); err != nil {
		return ProposalView{}, err
	}
	if err := s.store.PublishProposal(ctx, proposalID, s.now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProposalView{}, evaluation.ErrNotDraft
		}
		return ProposalView{}, err
	}
	s.proposalChanged(ctx, proposalID)
	return s.GetProposal(ctx, session, proposalID)
}

// ArchiveProposal needs archive (or unarchive) on the proposal. An admin's
// archive can only be undone by an admin.
func (s *Service) ArchiveProposal(ctx context.Context, session Session, proposalID string, archived bool) (ProposalView, error) {
	rec, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return ProposalView{}, err
	}
	u, err := s.viewer(ctx, rec.Proposal.SpaceID, session.UserID)
	if err != nil {
		return ProposalView{}, err
	}
	flags := s.flagsFor(ctx, rec, u, "")
	op := workflow.OpArchive
	if !archived {
		op = workflow.OpUnarchive
	}
	if !flags.Has(op) {
		return ProposalView{}, forbidden()
	}
	admin := isAdmin(u)
	if !archived && rec.Proposal.ArchivedByAdmin && !admin {
		return ProposalView{}, forbidden()
	}
	if err := s.store.SetProposalArchived(ctx, proposalID, archived, admin); err != nil {
		return ProposalView{}, err
	}
	s.proposalChanged(ctx, proposalID)
	return s.GetProposal(ctx, session, proposalID)
}

func (s *Service) DeleteProposal(ctx context.Context, session Session, proposalID string) error {
	rec, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	u, err := s.viewer(ctx, rec.Proposal.SpaceID, session.UserID)
	if err != nil {
		return err
	}
	flags := s.flagsFor(ctx, rec, u, "")
	if !flags.Has(workflow.OpView) {
		return sql.ErrNoRows
	}
	if !flags.Has(workflow.OpDelete) {
		return forbidden()
	}
	if err := s.store.DeleteProposal(ctx, proposalID); err != nil {
		return err
	}
	s.dropCachedFlags(ctx, proposalID)
	if s.search != nil {
		s.search.DeleteProposal(proposalID)
	}
	return nil
}
