package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"charter/api/internal/evaluation"
)

func updateState(ctx context.Context, tx *sql.Tx, evalID string, st evaluation.State) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE proposal_evaluations
		SET result=NULLIF($2, ''), completed_at=$3, decided_by=NULLIF($4, ''), round=$5, reopened_at=$6,
			appealed_at=$7, appealed_by=NULLIF($8, ''), appeal_reason=$9
		WHERE id=$1
	`, evalID, string(st.Result), st.CompletedAt, st.DecidedBy, st.Round, st.ReopenedAt,
		st.AppealedAt, st.AppealedBy, st.AppealReason)
	if err != nil {
		return fmt.Errorf("update evaluation state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SaveEvaluationStates applies state changes to several evaluations at once.
// version is the proposal version the changes were computed from; ErrStale
// means another write got there first.
func (s *PostgresStore) SaveEvaluationStates(ctx context.Context, proposalID string, version int64, changes []evaluation.Change) error {
	return s.withTx(ctx, "save evaluation state", func(tx *sql.Tx) error {
		if err := lockProposal(ctx, tx, proposalID, version); err != nil {
			return err
		}
		for _, c := range changes {
			if err := updateState(ctx, tx, c.EvaluationID, c.State); err != nil {
				return err
			}
		}
		return bumpVersion(ctx, tx, proposalID)
	})
}

// UpdateEvaluationSettings writes an evaluation's configuration and replaces
// its assignees, rubric criteria and documents.
func (s *PostgresStore) UpdateEvaluationSettings(ctx context.Context, ev evaluation.Evaluation) error {
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
	return s.withTx(ctx, "update evaluation settings", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE proposal_evaluations
			SET required_reviews=$2, final_step=$3, appealable=$4, appeal_required_reviews=$5,
				decline_reasons=$6, vote_settings=$7
			WHERE id=$1
		`, ev.ID, ev.RequiredReviews, ev.FinalStep, ev.Appealable, ev.AppealRequiredReviews, declineRaw, voteRaw)
		if err != nil {
			return fmt.Errorf("update evaluation settings: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM evaluation_assignees WHERE evaluation_id=$1`, ev.ID); err != nil {
			return fmt.Errorf("clear assignees: %w", err)
		}
		if err := insertAssignees(ctx, tx, ev); err != nil {
			return err
		}
		if err := syncRubricCriteria(ctx, tx, ev.ID, ev.RubricCriteria); err != nil {
			return err
		}
		if err := syncDocuments(ctx, tx, ev.ID, ev.Documents); err != nil {
			return err
		}
		return bumpVersion(ctx, tx, ev.ProposalID)
	})
}

// syncRubricCriteria upserts criteria by id so existing answers survive
// edits, and drops criteria that are gone.
func syncRubricCriteria(ctx context.Context, tx *sql.Tx, evalID string, criteria []evaluation.RubricCriteria) error {
	keep := make([]string, 0, len(criteria))
	for i, c := range criteria {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rubric_criteria (id, evaluation_id, position, title, description, min_score, max_score)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET position=EXCLUDED.position, title=EXCLUDED.title,
				description=EXCLUDED.description, min_score=EXCLUDED.min_score, max_score=EXCLUDED.max_score
		`, c.ID, evalID, i, c.Title, c.Description, c.Min, c.Max)
		if err != nil {
			return fmt.Errorf("upsert rubric criteria: %w", err)
		}
		keep = append(keep, c.ID)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM rubric_criteria WHERE evaluation_id=$1 AND NOT (id = ANY($2))
	`, evalID, keep); err != nil {
		return fmt.Errorf("prune rubric criteria: %w", err)
	}
	return nil
}

func syncDocuments(ctx context.Context, tx *sql.Tx, evalID string, docs []evaluation.Document) error {
	keep := make([]string, 0, len(docs))
	for i, d := range docs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO evaluation_documents (id, evaluation_id, position, title, url)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET position=EXCLUDED.position, title=EXCLUDED.title, url=EXCLUDED.url
		`, d.ID, evalID, i, d.Title, d.URL)
		if err != nil {
			return fmt.Errorf("upsert evaluation document: %w", err)
		}
		keep = append(keep, d.ID)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM evaluation_documents WHERE evaluation_id=$1 AND NOT (id = ANY($2))
	`, evalID, keep); err != nil {
		return fmt.Errorf("prune evaluation documents: %w", err)
	}
	return nil
}

// RecordReview stores a review and, when it decided the step, the new state.
func (s *PostgresStore) RecordReview(ctx context.Context, proposalID string, version int64, review evaluation.Review, state *evaluation.State) error {
	reasons, err := json.Marshal(nonNilStrings(review.DeclineReasons))
	if err != nil {
		return fmt.Errorf("encode decline reasons: %w", err)
	}
	return s.withTx(ctx, "record review", func(tx *sql.Tx) error {
		if err := lockProposal(ctx, tx, proposalID, version); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO evaluation_reviews (id, evaluation_id, reviewer_id, result, decline_reasons, decline_message, appeal, round, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, review.ID, review.EvaluationID, review.ReviewerID, string(review.Result), reasons, review.DeclineMessage,
			review.Appeal, review.Round, review.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert review: %w", err)
		}
		if state != nil {
			if err := updateState(ctx, tx, review.EvaluationID, *state); err != nil {
				return err
			}
		}
		return bumpVersion(ctx, tx, proposalID)
	})
}

func (s *PostgresStore) DeleteReview(ctx context.Context, proposalID string, version int64, reviewID string) error {
	return s.withTx(ctx, "delete review", func(tx *sql.Tx) error {
		if err := lockProposal(ctx, tx, proposalID, version); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM evaluation_reviews WHERE id=$1`, reviewID)
		if err != nil {
			return fmt.Errorf("delete review: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return bumpVersion(ctx, tx, proposalID)
	})
}

// SaveRubricAnswers replaces one reviewer's answers on an evaluation.
func (s *PostgresStore) SaveRubricAnswers(ctx context.Context, proposalID string, version int64, evalID, userID string, answers []evaluation.RubricAnswer) error {
	return s.withTx(ctx, "save rubric answers", func(tx *sql.Tx) error {
		if err := lockProposal(ctx, tx, proposalID, version); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM rubric_answers WHERE evaluation_id=$1 AND user_id=$2
		`, evalID, userID); err != nil {
			return fmt.Errorf("clear rubric answers: %w", err)
		}
		for _, a := range answers {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rubric_answers (evaluation_id, criteria_id, user_id, score, comment)
				VALUES ($1, $2, $3, $4, $5)
			`, evalID, a.CriteriaID, userID, a.Score, a.Comment); err != nil {
				return fmt.Errorf("insert rubric answer: %w", err)
			}
		}
		return bumpVersion(ctx, tx, proposalID)
	})
}

func (s *PostgresStore) SaveVote(ctx context.Context, proposalID string, version int64, evalID string, vote evaluation.Vote) error {
	choices, err := json.Marshal(vote.Choices)
	if err != nil {
		return fmt.Errorf("encode vote choices: %w", err)
	}
	return s.withTx(ctx, "save vote", func(tx *sql.Tx) error {
		if err := lockProposal(ctx, tx, proposalID, version); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evaluation_votes (evaluation_id, user_id, round, choices, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (evaluation_id, user_id, round) DO UPDATE SET choices=EXCLUDED.choices, created_at=EXCLUDED.created_at
		`, evalID, vote.UserID, vote.Round, choices, vote.CreatedAt); err != nil {
			return fmt.Errorf("upsert vote: %w", err)
		}
		return bumpVersion(ctx, tx, proposalID)
	})
}

func (s *PostgresStore) SaveDocumentSignature(ctx context.Context, proposalID string, version int64, doc evaluation.Document) error {
	return s.withTx(ctx, "sign document", func(tx *sql.Tx) error {
		if err := lockProposal(ctx, tx, proposalID, version); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE evaluation_documents SET signed_at=$2, signed_by=$3 WHERE id=$1 AND signed_at IS NULL
		`, doc.ID, doc.SignedAt, doc.SignedBy)
		if err != nil {
			return fmt.Errorf("sign document: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return bumpVersion(ctx, tx, proposalID)
	})
}
