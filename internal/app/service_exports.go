package app

import (
	"context"
	"database/sql"
	"log"
	"path"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"charter/api/internal/evaluation"
	"charter/api/internal/export"
	"charter/api/internal/permissions"
	"charter/api/internal/search"
	"charter/api/internal/workflow"
)

// ExportProposalsCSV renders the board of proposals the caller can view.
func (s *Service) ExportProposalsCSV(ctx context.Context, session Session, spaceID string) (res *export.Result, err error) {
	ctx, span := startSpan(ctx, "app.ExportProposalsCSV", attribute.String("charter.space_id", spaceID))
	defer func() { endSpan(span, err) }()

	u, err := s.viewer(ctx, spaceID, session.UserID)
	if err != nil {
		return nil, err
	}
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	_, candidates, err := s.spaceCandidates(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{})
	for _, id := range permissions.AccessibleProposalIDs(candidates, u, false) {
		allowed[id] = struct{}{}
	}
	visible := make([]permissions.Candidate, 0, len(allowed))
	proposals := make([]evaluation.Proposal, 0, len(allowed))
	for _, c := range candidates {
		if _, ok := allowed[c.Proposal.ID]; ok {
			visible = append(visible, c)
			proposals = append(proposals, c.Proposal)
		}
	}
	names, err := s.names(ctx, spaceID, proposals)
	if err != nil {
		return nil, err
	}
	rows, err := export.BoardRows(ctx, visible, u, names)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("charter.row_count", len(rows)))
	res, err = export.BoardCSV(rows, space.Name)
	if err != nil {
		return nil, err
	}
	s.upload(ctx, path.Join("spaces", spaceID, "exports"), res)
	return res, nil
}

// ExportEvaluationSummaryPDF renders the proposal's steps and results.
// Review notes are included for callers holding view_notes, deciders for
// callers holding view_private_fields.
func (s *Service) ExportEvaluationSummaryPDF(ctx context.Context, session Session, proposalID string) (res *export.Result, err error) {
	ctx, span := startSpan(ctx, "app.ExportEvaluationSummaryPDF", proposalAttr(proposalID))
	defer func() { endSpan(span, err) }()

	rec, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	u, err := s.viewer(ctx, rec.Proposal.SpaceID, session.UserID)
	if err != nil {
		return nil, err
	}
	flags := s.flagsFor(ctx, rec, u, "")
	if !flags.Has(workflow.OpView) {
		return nil, sql.ErrNoRows
	}
	space, err := s.store.GetSpace(ctx, rec.Proposal.SpaceID)
	if err != nil {
		return nil, err
	}
	names, err := s.names(ctx, rec.Proposal.SpaceID, []evaluation.Proposal{rec.Proposal})
	if err != nil {
		return nil, err
	}
	vis := export.Visibility{
		Private: flags.Has(workflow.OpViewPrivateFields),
		Notes:   flags.Has(workflow.OpViewNotes),
	}
	data := export.Summarize(rec.Proposal, space.Name, names, vis, s.now().UTC())
	html, err := export.RenderSummaryHTML(data)
	if err != nil {
		return nil, err
	}
	res, err = s.renderPDF(ctx, html, rec.Proposal.Title)
	if err != nil {
		return nil, err
	}
	s.upload(ctx, path.Join("proposals", proposalID, "summaries"), res)
	return res, nil
}

// upload hands the export to object storage when configured. On failure the
// bytes are still returned to the caller.
func (s *Service) upload(ctx context.Context, prefix string, res *export.Result) {
	if s.uploads == nil {
		return
	}
	if err := s.uploads.Upload(ctx, prefix, res); err != nil {
		log.Printf("export upload %s: %v", res.Filename, err)
		res.URL = ""
	}
}

// names resolves every user and role id the proposals mention.
func (s *Service) names(ctx context.Context, spaceID string, proposals []evaluation.Proposal) (export.Names, error) {
	seen := map[string]struct{}{}
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	addAssignees := func(list []evaluation.Assignee) {
		for _, a := range list {
			add(a.UserID)
		}
	}
	for _, p := range proposals {
		add(p.CreatedBy)
		for _, id := range p.Authors {
			add(id)
		}
		for _, ev := range p.Evaluations {
			add(ev.DecidedBy)
			add(ev.AppealedBy)
			addAssignees(ev.Reviewers)
			addAssignees(ev.Approvers)
			addAssignees(ev.AppealReviewers)
			for _, r := range ev.Reviews {
				add(r.ReviewerID)
			}
			for _, doc := range ev.Documents {
				add(doc.SignedBy)
			}
		}
	}
	users := map[string]string{}
	if len(ids) > 0 {
		var err error
		if users, err = s.store.UserNames(ctx, ids); err != nil {
			return export.Names{}, err
		}
	}
	roles, err := s.store.ListRoles(ctx, spaceID)
	if err != nil {
		return export.Names{}, err
	}
	roleNames := make(map[string]string, len(roles))
	for _, role := range roles {
		roleNames[role.ID] = role.Name
	}
	return export.Names{Users: users, Roles: roleNames}, nil
}

// Search looks proposals up by text and keeps only the ones the caller can
// view.
func (s *Service) Search(ctx context.Context, session Session, spaceID, text string, limit int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	u, err := s.viewer(ctx, spaceID, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	_, candidates, err := s.spaceCandidates(ctx, spaceID)
	if err != nil {
		return search.Response{}, err
	}
	allowed := make(map[string]struct{})
	for _, id := range permissions.AccessibleProposalIDs(candidates, u, false) {
		allowed[id] = struct{}{}
	}
	return s.search.Search(ctx, search.Query{Text: text, SpaceID: spaceID, Limit: limit, Allowed: allowed}), nil
}

// ReindexSpace pushes every proposal of the space to the search index.
func (s *Service) ReindexSpace(ctx context.Context, spaceID string) (int, error) {
	if s.search == nil {
		return 0, nil
	}
	records, _, err := s.spaceCandidates(ctx, spaceID)
	if err != nil {
		return 0, err
	}
	proposals := make([]evaluation.Proposal, 0, len(records))
	for _, rec := range records {
		proposals = append(proposals, rec.Proposal)
	}
	names, err := s.names(ctx, spaceID, proposals)
	if err != nil {
		return 0, err
	}
	docs := make([]search.ProposalRecord, 0, len(proposals))
	for _, p := range proposals {
		docs = append(docs, search.RecordFor(p, names.Users))
	}
	if err := s.search.Reindex(docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}
