package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"charter/api/internal/gitrepo"
	"charter/api/internal/rbac"
	"charter/api/internal/workflow"
)

func (s *Service) ListWorkflows(ctx context.Context, session Session, spaceID string) ([]workflow.Workflow, error) {
	if _, err := s.requireAction(ctx, spaceID, session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListWorkflows(ctx, spaceID)
}

// spaceWorkflow loads a workflow and hides workflows of other spaces.
func (s *Service) spaceWorkflow(ctx context.Context, spaceID, workflowID string) (workflow.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return workflow.Workflow{}, err
	}
	if wf.SpaceID != spaceID {
		return workflow.Workflow{}, sql.ErrNoRows
	}
	return wf, nil
}

// UpsertWorkflow creates a workflow (appended after the existing ones) or
// replaces an existing one. Every stored version is committed to the
// revision archive.
func (s *Service) UpsertWorkflow(ctx context.Context, session Session, spaceID string, input workflow.Workflow) (workflow.Workflow, error) {
	if _, err := s.requireAction(ctx, spaceID, session, rbac.ActionManageWorkflows); err != nil {
		return workflow.Workflow{}, err
	}
	return s.saveWorkflow(ctx, spaceID, input, session.UserName)
}

// ImportWorkflow stores a workflow without a caller check. The admin CLI
// uses it.
func (s *Service) ImportWorkflow(ctx context.Context, spaceID string, input workflow.Workflow, author string) (workflow.Workflow, error) {
	if _, err := s.store.GetSpace(ctx, spaceID); err != nil {
		return workflow.Workflow{}, err
	}
	return s.saveWorkflow(ctx, spaceID, input, author)
}

// ExportWorkflows lists a space's workflows without a caller check. The admin
// CLI uses it.
func (s *Service) ExportWorkflows(ctx context.Context, spaceID string) ([]workflow.Workflow, error) {
	if _, err := s.store.GetSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	return s.store.ListWorkflows(ctx, spaceID)
}

func (s *Service) saveWorkflow(ctx context.Context, spaceID string, input workflow.Workflow, author string) (workflow.Workflow, error) {
	wf := input
	wf.SpaceID = spaceID
	wf.ID = strings.TrimSpace(wf.ID)
	workflow.Normalize(&wf, s.idGen("tpl"))
	if err := wf.Validate(); err != nil {
		return workflow.Workflow{}, err
	}

	created := false
	if wf.ID == "" {
		created = true
	} else {
		existing, err := s.store.GetWorkflow(ctx, wf.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created = true
		case err != nil:
			return workflow.Workflow{}, err
		case existing.SpaceID != spaceID:
			return workflow.Workflow{}, sql.ErrNoRows
		default:
			wf.Index = existing.Index
		}
	}
	if created {
		if wf.ID == "" {
			wf.ID = s.newID("wf")
		}
		count, err := s.store.CountWorkflows(ctx, spaceID)
		if err != nil {
			return workflow.Workflow{}, err
		}
		wf.Index = count
	}

	stored, err := s.store.UpsertWorkflow(ctx, wf)
	if err != nil {
		return workflow.Workflow{}, err
	}
	message := fmt.Sprintf("Update workflow %s", stored.Title)
	if created {
		message = fmt.Sprintf("Create workflow %s", stored.Title)
	}
	s.archiveWorkflow(stored, author, message)
	return stored, nil
}

func (s *Service) archiveWorkflow(wf workflow.Workflow, author, message string) {
	if s.archive == nil {
		return
	}
	if strings.TrimSpace(author) == "" {
		author = "charter"
	}
	if _, err := s.archive.CommitWorkflow(wf, author, message); err != nil {
		log.Printf("workflow archive commit for %s: %v", wf.ID, err)
	}
}

func (s *Service) ArchiveWorkflow(ctx context.Context, session Session, spaceID, workflowID string, archived bool) (workflow.Workflow, error) {
	if _, err := s.requireAction(ctx, spaceID, session, rbac.ActionManageWorkflows); err != nil {
		return workflow.Workflow{}, err
	}
	if err := s.store.SetWorkflowArchived(ctx, spaceID, workflowID, archived); err != nil {
		return workflow.Workflow{}, err
	}
	wf, err := s.spaceWorkflow(ctx, spaceID, workflowID)
	if err != nil {
		return workflow.Workflow{}, err
	}
	verb := "Archive"
	if !archived {
		verb = "Unarchive"
	}
	s.archiveWorkflow(wf, session.UserName, fmt.Sprintf("%s workflow %s", verb, wf.Title))
	return wf, nil
}

// DeleteWorkflow refuses while any proposal still points at the workflow.
func (s *Service) DeleteWorkflow(ctx context.Context, session Session, spaceID, workflowID string) error {
	if _, err := s.requireAction(ctx, spaceID, session, rbac.ActionManageWorkflows); err != nil {
		return err
	}
	if _, err := s.spaceWorkflow(ctx, spaceID, workflowID); err != nil {
		return err
	}
	count, err := s.store.CountWorkflowProposals(ctx, workflowID)
	if err != nil {
		return err
	}
	if count > 0 {
		return domainError(http.StatusConflict, "CONFLICT", "Workflow is used by proposals", map[string]any{"proposals": count})
	}
	return s.store.DeleteWorkflow(ctx, spaceID, workflowID)
}

func (s *Service) WorkflowHistory(ctx context.Context, session Session, spaceID, workflowID string, limit int) ([]gitrepo.Revision, error) {
	if _, err := s.requireAction(ctx, spaceID, session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.spaceWorkflow(ctx, spaceID, workflowID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return []gitrepo.Revision{}, nil
	}
	return s.archive.History(spaceID, workflowID, limit)
}

func (s *Service) WorkflowRevision(ctx context.Context, session Session, spaceID, workflowID, hash string) (workflow.Workflow, error) {
	if _, err := s.requireAction(ctx, spaceID, session, rbac.ActionRead); err != nil {
		return workflow.Workflow{}, err
	}
	if _, err := s.spaceWorkflow(ctx, spaceID, workflowID); err != nil {
		return workflow.Workflow{}, err
	}
	if s.archive == nil {
		return workflow.Workflow{}, sql.ErrNoRows
	}
	wf, err := s.archive.WorkflowAt(spaceID, workflowID, hash)
	if err != nil {
		return workflow.Workflow{}, domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
	}
	return wf, nil
}
