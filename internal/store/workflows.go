package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"charter/api/internal/workflow"
)

const workflowColumns = `id, space_id, title, idx, archived, private_evaluations, draft_reminder, evaluations, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (workflow.Workflow, error) {
	var wf workflow.Workflow
	var raw []byte
	if err := row.Scan(&wf.ID, &wf.SpaceID, &wf.Title, &wf.Index, &wf.Archived, &wf.PrivateEvaluations, &wf.DraftReminder, &raw, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return workflow.Workflow{}, err
	}
	if err := json.Unmarshal(raw, &wf.Evaluations); err != nil {
		return workflow.Workflow{}, fmt.Errorf("decode workflow evaluations: %w", err)
	}
	if wf.Evaluations == nil {
		wf.Evaluations = []workflow.Template{}
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, spaceID string) ([]workflow.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE space_id=$1 ORDER BY idx, created_at`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	out := []workflow.Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, workflowID string) (workflow.Workflow, error) {
	return scanWorkflow(s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=$1`, workflowID))
}

func (s *PostgresStore) CountWorkflows(ctx context.Context, spaceID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE space_id=$1`, spaceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count workflows: %w", err)
	}
	return n, nil
}

// UpsertWorkflow inserts or replaces a workflow and returns the stored row.
func (s *PostgresStore) UpsertWorkflow(ctx context.Context, wf workflow.Workflow) (workflow.Workflow, error) {
	raw, err := json.Marshal(wf.Evaluations)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("encode workflow evaluations: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workflows (id, space_id, title, idx, archived, private_evaluations, draft_reminder, evaluations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			title=EXCLUDED.title,
			idx=EXCLUDED.idx,
			archived=EXCLUDED.archived,
			private_evaluations=EXCLUDED.private_evaluations,
			draft_reminder=EXCLUDED.draft_reminder,
			evaluations=EXCLUDED.evaluations,
			version=workflows.version + 1,
			updated_at=NOW()
		WHERE workflows.space_id = EXCLUDED.space_id
		RETURNING `+workflowColumns,
		wf.ID, wf.SpaceID, wf.Title, wf.Index, wf.Archived, wf.PrivateEvaluations, wf.DraftReminder, raw,
	)
	stored, err := scanWorkflow(row)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("upsert workflow: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) SetWorkflowArchived(ctx context.Context, spaceID, workflowID string, archived bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET archived=$3, updated_at=NOW() WHERE id=$1 AND space_id=$2
	`, workflowID, spaceID, archived)
	if err != nil {
		return fmt.Errorf("archive workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CountWorkflowProposals(ctx context.Context, workflowID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals WHERE workflow_id=$1`, workflowID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count workflow proposals: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, spaceID, workflowID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id=$1 AND space_id=$2`, workflowID, spaceID)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListWorkflowProposalIDs returns live, non-template proposals on a workflow.
func (s *PostgresStore) ListWorkflowProposalIDs(ctx context.Context, workflowID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM proposals
		WHERE workflow_id=$1 AND NOT is_template AND NOT archived
		ORDER BY created_at
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow proposals: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan proposal id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
