package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"charter/api/internal/evaluation"
	"charter/api/internal/workflow"
)

const proposalColumns = `
	p.id, p.space_id, p.title, p.status, COALESCE(p.workflow_id, ''), p.archived, p.archived_by_admin,
	p.is_template, COALESCE(p.source_template_id, ''), p.created_by, p.created_at, p.published_at, p.version,
	COALESCE(w.private_evaluations, FALSE), COALESCE(w.version, 0)
`

// GetProposal loads one proposal with its full evaluation graph.
func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (ProposalRecord, error) {
	records, err := s.loadProposals(ctx, `p.id = $1`, proposalID)
	if err != nil {
		return ProposalRecord{}, err
	}
	if len(records) == 0 {
		return ProposalRecord{}, sql.ErrNoRows
	}
	return records[0], nil
}

// ListSpaceProposals loads every proposal of a space, templates included.
func (s *PostgresStore) ListSpaceProposals(ctx context.Context, spaceID string) ([]ProposalRecord, error) {
	return s.loadProposals(ctx, `p.space_id = $1`, spaceID)
}

func (s *PostgresStore) loadProposals(ctx context.Context, where string, args ...any) ([]ProposalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals p
		LEFT JOIN workflows w ON w.id = p.workflow_id
		WHERE `+where+`
		ORDER BY p.created_at DESC, p.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	records := []ProposalRecord{}
	byID := map[string]*evaluation.Proposal{}
	var ids []string
	for rows.Next() {
		var rec ProposalRecord
		p := &rec.Proposal
		var status string
		var publishedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.SpaceID, &p.Title, &status, &p.WorkflowID, &p.Archived, &p.ArchivedByAdmin,
			&p.IsTemplate, &p.SourceTemplateID, &p.CreatedBy, &p.CreatedAt, &publishedAt, &p.Version,
			&rec.PrivateEvaluations, &rec.WorkflowVersion); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		p.Status = evaluation.ProposalStatus(status)
		p.PublishedAt = nullTime(publishedAt)
		p.Authors = []string{}
		p.Evaluations = []evaluation.Evaluation{}
		records = append(records, rec)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	if len(records) == 0 {
		return records, nil
	}
	for i := range records {
		byID[records[i].Proposal.ID] = &records[i].Proposal
	}

	if err := s.loadAuthors(ctx, ids, byID); err != nil {
		return nil, err
	}
	if err := s.loadEvaluations(ctx, ids, byID); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *PostgresStore) loadAuthors(ctx context.Context, proposalIDs []string, byID map[string]*evaluation.Proposal) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT proposal_id, user_id FROM proposal_authors WHERE proposal_id = ANY($1) ORDER BY user_id
	`, proposalIDs)
	if err != nil {
		return fmt.Errorf("list proposal authors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var proposalID, userID string
		if err := rows.Scan(&proposalID, &userID); err != nil {
			return fmt.Errorf("scan proposal author: %w", err)
		}
		if p := byID[proposalID]; p != nil {
			p.Authors = append(p.Authors, userID)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) loadEvaluations(ctx context.Context, proposalIDs []string, byID map[string]*evaluation.Proposal) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id, idx, title, type, COALESCE(result, ''), completed_at, COALESCE(decided_by, ''),
			required_reviews, final_step, appealable, appeal_required_reviews, decline_reasons, vote_settings,
			round, reopened_at, appealed_at, COALESCE(appealed_by, ''), appeal_reason
		FROM proposal_evaluations
		WHERE proposal_id = ANY($1)
		ORDER BY proposal_id, idx
	`, proposalIDs)
	if err != nil {
		return fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	graph := map[string]*evaluation.Evaluation{}
	var order []evaluation.Evaluation
	for rows.Next() {
		ev := evaluation.Evaluation{}
		var evType, result string
		var completedAt, reopenedAt, appealedAt sql.NullTime
		var declineRaw, voteRaw []byte
		if err := rows.Scan(&ev.ID, &ev.ProposalID, &ev.Index, &ev.Title, &evType, &result, &completedAt, &ev.DecidedBy,
			&ev.RequiredReviews, &ev.FinalStep, &ev.Appealable, &ev.AppealRequiredReviews, &declineRaw, &voteRaw,
			&ev.Round, &reopenedAt, &appealedAt, &ev.AppealedBy, &ev.AppealReason); err != nil {
			return fmt.Errorf("scan evaluation: %w", err)
		}
		ev.Type = workflow.EvaluationType(evType)
		ev.Result = evaluation.Result(result)
		ev.CompletedAt = nullTime(completedAt)
		ev.ReopenedAt = nullTime(reopenedAt)
		ev.AppealedAt = nullTime(appealedAt)
		if err := json.Unmarshal(declineRaw, &ev.DeclineReasons); err != nil {
			return fmt.Errorf("decode decline reasons: %w", err)
		}
		if len(voteRaw) > 0 {
			var vs evaluation.VoteSettings
			if err := json.Unmarshal(voteRaw, &vs); err != nil {
				return fmt.Errorf("decode vote settings: %w", err)
			}
			ev.VoteSettings = &vs
		}
		ev.Reviewers = []evaluation.Assignee{}
		ev.Approvers = []evaluation.Assignee{}
		ev.AppealReviewers = []evaluation.Assignee{}
		ev.Permissions = []workflow.Grant{}
		ev.Reviews = []evaluation.Review{}
		ev.RubricCriteria = []evaluation.RubricCriteria{}
		ev.RubricAnswers = []evaluation.RubricAnswer{}
		ev.Documents = []evaluation.Document{}
		ev.Votes = []evaluation.Vote{}
		order = append(order, ev)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate evaluations: %w", err)
	}
	rows.Close()
	if len(order) == 0 {
		return nil
	}

	evalIDs := make([]string, 0, len(order))
	for i := range order {
		graph[order[i].ID] = &order[i]
		evalIDs = append(evalIDs, order[i].ID)
	}
	loaders := []func(context.Context, []string, map[string]*evaluation.Evaluation) error{
		s.loadAssignees,
		s.loadPermissions,
		s.loadReviews,
		s.loadRubric,
		s.loadDocuments,
		s.loadVotes,
	}
	for _, load := range loaders {
		if err := load(ctx, evalIDs, graph); err != nil {
			return err
		}
	}

	for _, ev := range order {
		if p := byID[ev.ProposalID]; p != nil {
			p.Evaluations = append(p.Evaluations, ev)
		}
	}
	return nil
}

func (s *PostgresStore) loadAssignees(ctx context.Context, evalIDs []string, graph map[string]*evaluation.Evaluation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT evaluation_id, kind, COALESCE(user_id, ''), COALESCE(role_id, ''), COALESCE(system_role, '')
		FROM evaluation_assignees WHERE evaluation_id = ANY($1)
		ORDER BY evaluation_id, kind, system_role NULLS LAST, role_id NULLS LAST, user_id
	`, evalIDs)
	if err != nil {
		return fmt.Errorf("list assignees: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var evalID, kind, systemRole string
		var a evaluation.Assignee
		if err := rows.Scan(&evalID, &kind, &a.UserID, &a.RoleID, &systemRole); err != nil {
			return fmt.Errorf("scan assignee: %w", err)
		}
		a.SystemRole = workflow.SystemRole(systemRole)
		ev := graph[evalID]
		if ev == nil {
			continue
		}
		switch kind {
		case assigneeReviewer:
			ev.Reviewers = append(ev.Reviewers, a)
		case assigneeApprover:
			ev.Approvers = append(ev.Approvers, a)
		case assigneeAppealReviewer:
			ev.AppealReviewers = append(ev.AppealReviewers, a)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) loadPermissions(ctx context.Context, evalIDs []string, graph map[string]*evaluation.Evaluation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT evaluation_id, operation, COALESCE(user_id, ''), COALESCE(role_id, ''), COALESCE(system_role, '')
		FROM evaluation_permissions WHERE evaluation_id = ANY($1)
		ORDER BY evaluation_id, id
	`, evalIDs)
	if err != nil {
		return fmt.Errorf("list evaluation permissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var evalID, op, systemRole string
		var g workflow.Grant
		if err := rows.Scan(&evalID, &op, &g.UserID, &g.RoleID, &systemRole); err != nil {
			return fmt.Errorf("scan evaluation permission: %w", err)
		}
		g.Operation = workflow.Operation(op)
		g.SystemRole = workflow.SystemRole(systemRole)
		if ev := graph[evalID]; ev != nil {
			ev.Permissions = append(ev.Permissions, g)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) loadReviews(ctx context.Context, evalIDs []string, graph map[string]*evaluation.Evaluation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, evaluation_id, reviewer_id, result, decline_reasons, decline_message, appeal, round, created_at
		FROM evaluation_reviews WHERE evaluation_id = ANY($1)
		ORDER BY evaluation_id, created_at, id
	`, evalIDs)
	if err != nil {
		return fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r evaluation.Review
		var result string
		var reasons []byte
		if err := rows.Scan(&r.ID, &r.EvaluationID, &r.ReviewerID, &result, &reasons, &r.DeclineMessage, &r.Appeal, &r.Round, &r.CreatedAt); err != nil {
			return fmt.Errorf("scan review: %w", err)
		}
		r.Result = evaluation.Result(result)
		if err := json.Unmarshal(reasons, &r.DeclineReasons); err != nil {
			return fmt.Errorf("decode review decline reasons: %w", err)
		}
		if ev := graph[r.EvaluationID]; ev != nil {
			ev.Reviews = append(ev.Reviews, r)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) loadRubric(ctx context.Context, evalIDs []string, graph map[string]*evaluation.Evaluation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT evaluation_id, id, title, description, min_score, max_score
		FROM rubric_criteria WHERE evaluation_id = ANY($1)
		ORDER BY evaluation_id, position
	`, evalIDs)
	if err != nil {
		return fmt.Errorf("list rubric criteria: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var evalID string
		var c evaluation.RubricCriteria
		if err := rows.Scan(&evalID, &c.ID, &c.Title, &c.Description, &c.Min, &c.Max); err != nil {
			return fmt.Errorf("scan rubric criteria: %w", err)
		}
		if ev := graph[evalID]; ev != nil {
			ev.RubricCriteria = append(ev.RubricCriteria, c)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	answers, err := s.db.QueryContext(ctx, `
		SELECT evaluation_id, criteria_id, user_id, score, comment
		FROM rubric_answers WHERE evaluation_id = ANY($1)
		ORDER BY evaluation_id, user_id, criteria_id
	`, evalIDs)
	if err != nil {
		return fmt.Errorf("list rubric answers: %w", err)
	}
	defer answers.Close()
	for answers.Next() {
		var evalID string
		var a evaluation.RubricAnswer
		if err := answers.Scan(&evalID, &a.CriteriaID, &a.UserID, &a.Score, &a.Comment); err != nil {
			return fmt.Errorf("scan rubric answer: %w", err)
		}
		if ev := graph[evalID]; ev != nil {
			ev.RubricAnswers = append(ev.RubricAnswers, a)
		}
	}
	return answers.Err()
}

func (s *PostgresStore) loadDocuments(ctx context.Context, evalIDs []string, graph map[string]*evaluation.Evaluation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT evaluation_id, id, title, url, signed_at, COALESCE(signed_by, '')
		FROM evaluation_documents WHERE evaluation_id = ANY($1)
		ORDER BY evaluation_id, position
	`, evalIDs)
	if err != nil {
		return fmt.Errorf("list evaluation documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var evalID string
		var d evaluation.Document
		var signedAt sql.NullTime
		if err := rows.Scan(&evalID, &d.ID, &d.Title, &d.URL, &signedAt, &d.SignedBy); err != nil {
			return fmt.Errorf("scan evaluation document: %w", err)
		}
		d.SignedAt = nullTime(signedAt)
		if ev := graph[evalID]; ev != nil {
			ev.Documents = append(ev.Documents, d)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) loadVotes(ctx context.Context, evalIDs []string, graph map[string]*evaluation.Evaluation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT evaluation_id, user_id, round, choices, created_at
		FROM evaluation_votes WHERE evaluation_id = ANY($1)
		ORDER BY evaluation_id, created_at
	`, evalIDs)
	if err != nil {
		return fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var evalID string
		var v evaluation.Vote
		var choices []byte
		if err := rows.Scan(&evalID, &v.UserID, &v.Round, &choices, &v.CreatedAt); err != nil {
			return fmt.Errorf("scan vote: %w", err)
		}
		if err := json.Unmarshal(choices, &v.Choices); err != nil {
			return fmt.Errorf("decode vote choices: %w", err)
		}
		if ev := graph[evalID]; ev != nil {
			ev.Votes = append(ev.Votes, v)
		}
	}
	return rows.Err()
}

// CreateProposal inserts the proposal, its authors and its evaluation graph
// in one transaction.
func (s *PostgresStore) CreateProposal(ctx context.Context, p evaluation.Proposal) error {
	return s.withTx(ctx, "create proposal", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO proposals (id, space_id, title, status, workflow_id, is_template, source_template_id, created_by)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8)
		`, p.ID, p.SpaceID, p.Title, string(p.Status), p.WorkflowID, p.IsTemplate, p.SourceTemplateID, p.CreatedBy)
		if err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}
		for _, userID := range p.Authors {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO proposal_authors (proposal_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
			`, p.ID, userID); err != nil {
				return fmt.Errorf("insert proposal author: %w", err)
			}
		}
		for _, ev := range p.Evaluations {
			ev.ProposalID = p.ID
			if err := insertEvaluation(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceProposalEvaluations swaps a proposal's whole evaluation graph for
// the given one.
func (s *PostgresStore) ReplaceProposalEvaluations(ctx context.Context, proposalID string, guard SyncGuard, evs []evaluation.Evaluation) error {
	return s.withTx(ctx, "replace evaluations", func(tx *sql.Tx) error {
		if err := guard.check(ctx, tx, proposalID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM proposal_evaluations WHERE proposal_id=$1`, proposalID); err != nil {
			return fmt.Errorf("delete evaluations: %w", err)
		}
		for _, ev := range evs {
			ev.ProposalID = proposalID
			if err := insertEvaluation(ctx, tx, ev); err != nil {
				return err
			}
		}
		return bumpVersion(ctx, tx, proposalID)
	})
}

// ReplaceEvaluationPermissions deletes and recreates the permission sets of
// the given evaluations in one transaction. Either every set is replaced or
// none is. The guard makes the write fail with ErrStale when the proposal or
// the workflow moved since the sets were planned.
func (s *PostgresStore) ReplaceEvaluationPermissions(ctx context.Context, proposalID string, guard SyncGuard, sets []PermissionSet) error {
	return s.withTx(ctx, "replace permissions", func(tx *sql.Tx) error {
		if err := guard.check(ctx, tx, proposalID); err != nil {
			return err
		}
		for _, set := range sets {
			if err := ensureEvaluation(ctx, tx, proposalID, set.EvaluationID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM evaluation_permissions WHERE evaluation_id=$1`, set.EvaluationID); err != nil {
				return fmt.Errorf("delete evaluation permissions: %w", err)
			}
			if err := insertPermissions(ctx, tx, set.EvaluationID, set.Grants); err != nil {
				return err
			}
		}
		return bumpVersion(ctx, tx, proposalID)
	})
}

func ensureEvaluation(ctx context.Context, tx *sql.Tx, proposalID, evalID string) error {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM proposal_evaluations WHERE id=$1 AND proposal_id=$2)
	`, evalID, proposalID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check evaluation: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}
	return nil
}

func insertEvaluation(ctx context.Context, tx *sql.Tx, ev evaluation.Evaluation) error {
	declineRaw, err := json.Marshal(nonNilStrings(ev.DeclineReasons))
	if err != nil {
		return fmt.Errorf("encode decline reasons: %w", err)
	}
	var voteRaw []byte
	if ev.VoteSettings != nil {
		if voteRaw, err = json.Marshal(ev.VoteSettings); err != nil {
			return fmt.Errorf("encode vote settings: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proposal_evaluations (
			id, proposal_id, idx, title, type, result, completed_at, decided_by, required_reviews, final_step,
			appealable, appeal_required_reviews, decline_reasons, vote_settings, round, appealed_at, appealed_by, appeal_reason
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9, $10, $11, $12, $13, $14, $15, $16, NULLIF($17, ''), $18)
	`, ev.ID, ev.ProposalID, ev.Index, ev.Title, string(ev.Type), string(ev.Result), ev.CompletedAt, ev.DecidedBy,
		ev.RequiredReviews, ev.FinalStep, ev.Appealable, ev.AppealRequiredReviews, declineRaw, voteRaw,
		ev.Round, ev.AppealedAt, ev.AppealedBy, ev.AppealReason)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	if err := insertAssignees(ctx, tx, ev); err != nil {
		return err
	}
	if err := insertPermissions(ctx, tx, ev.ID, ev.Permissions); err != nil {
		return err
	}
	if err := insertRubricCriteria(ctx, tx, ev.ID, ev.RubricCriteria); err != nil {
		return err
	}
	return insertDocuments(ctx, tx, ev.ID, ev.Documents)
}

const (
	assigneeReviewer       = "reviewer"
	assigneeApprover       = "approver"
	assigneeAppealReviewer = "appeal_reviewer"
)

func insertAssignees(ctx context.Context, tx *sql.Tx, ev evaluation.Evaluation) error {
	groups := []struct {
		kind string
		list []evaluation.Assignee
	}{
		{assigneeReviewer, ev.Reviewers},
		{assigneeApprover, ev.Approvers},
		{assigneeAppealReviewer, ev.AppealReviewers},
	}
	for _, group := range groups {
		for _, a := range group.list {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO evaluation_assignees (evaluation_id, kind, user_id, role_id, system_role)
				VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''))
			`, ev.ID, group.kind, a.UserID, a.RoleID, string(a.SystemRole))
			if err != nil {
				return fmt.Errorf("insert %s: %w", group.kind, err)
			}
		}
	}
	return nil
}

func insertPermissions(ctx context.Context, tx *sql.Tx, evalID string, grants []workflow.Grant) error {
	for _, g := range grants {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO evaluation_permissions (evaluation_id, operation, user_id, role_id, system_role)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''))
		`, evalID, string(g.Operation), g.UserID, g.RoleID, string(g.SystemRole))
		if err != nil {
			return fmt.Errorf("insert evaluation permission: %w", err)
		}
	}
	return nil
}

func insertRubricCriteria(ctx context.Context, tx *sql.Tx, evalID string, criteria []evaluation.RubricCriteria) error {
	for i, c := range criteria {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rubric_criteria (id, evaluation_id, position, title, description, min_score, max_score)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, c.ID, evalID, i, c.Title, c.Description, c.Min, c.Max)
		if err != nil {
			return fmt.Errorf("insert rubric criteria: %w", err)
		}
	}
	return nil
}

func insertDocuments(ctx context.Context, tx *sql.Tx, evalID string, docs []evaluation.Document) error {
	for i, d := range docs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO evaluation_documents (id, evaluation_id, position, title, url, signed_at, signed_by)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		`, d.ID, evalID, i, d.Title, d.URL, d.SignedAt, d.SignedBy)
		if err != nil {
			return fmt.Errorf("insert evaluation document: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) PublishProposal(ctx context.Context, proposalID string, at time.Time) error {
	return s.withTx(ctx, "publish proposal", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE proposals SET status='published', published_at=$2 WHERE id=$1 AND status='draft'
		`, proposalID, at)
		if err != nil {
			return fmt.Errorf("publish proposal: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return bumpVersion(ctx, tx, proposalID)
	})
}

func (s *PostgresStore) SetProposalArchived(ctx context.Context, proposalID string, archived, byAdmin bool) error {
	return s.withTx(ctx, "archive proposal", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE proposals SET archived=$2, archived_by_admin=$3 WHERE id=$1
		`, proposalID, archived, archived && byAdmin)
		if err != nil {
			return fmt.Errorf("archive proposal: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return bumpVersion(ctx, tx, proposalID)
	})
}

// DeleteProposal removes a proposal; its evaluation graph goes with it.
func (s *PostgresStore) DeleteProposal(ctx context.Context, proposalID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM proposals WHERE id=$1`, proposalID)
	if err != nil {
		return fmt.Errorf("delete proposal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SearchProposals is the Postgres full-text fallback over proposal titles.
func (s *PostgresStore) SearchProposals(ctx context.Context, spaceID, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, space_id, title, ts_rank(search_vector, websearch_to_tsquery('english', $2)) AS rank
		FROM proposals
		WHERE space_id=$1 AND search_vector @@ websearch_to_tsquery('english', $2)
		ORDER BY rank DESC, created_at DESC
		LIMIT $3
	`, spaceID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search proposals: %w", err)
	}
	defer rows.Close()
	hits := []SearchHit{}
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.ProposalID, &h.SpaceID, &h.Title, &h.Rank); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
