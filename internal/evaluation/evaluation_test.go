package evaluation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charter/api/internal/workflow"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptrTime(t time.Time) *time.Time { return &t }

func published(evs ...Evaluation) Proposal {
	for i := range evs {
		evs[i].Index = i
		if evs[i].ID == "" {
			evs[i].ID = fmt.Sprintf("ev_%d", i)
		}
		if evs[i].RequiredReviews == 0 {
			evs[i].RequiredReviews = 1
		}
	}
	return Proposal{
		ID:          "p1",
		Status:      StatusPublished,
		Authors:     []string{"author"},
		PublishedAt: ptrTime(t0),
		Evaluations: evs,
	}
}

func passed(ev Evaluation) Evaluation {
	ev.Result = ResultPass
	ev.CompletedAt = ptrTime(t0.Add(time.Hour))
	return ev
}

func TestCurrentStep(t *testing.T) {
	draft := Proposal{Status: StatusDraft, Evaluations: []Evaluation{{ID: "a"}}}
	assert.True(t, CurrentStep(draft).Draft)
	assert.Equal(t, "draft", CurrentStep(draft).Status())

	none := Proposal{Status: StatusPublished}
	step := CurrentStep(none)
	assert.Nil(t, step.Evaluation)
	assert.Equal(t, "published", step.Type())

	p := published(passed(Evaluation{Type: workflow.TypeFeedback}), Evaluation{Type: workflow.TypePassFail}, Evaluation{Type: workflow.TypeVote})
	assert.Equal(t, "ev_1", CurrentStep(p).Evaluation.ID)
	assert.Equal(t, "in_progress", CurrentStep(p).Status())

	p.Evaluations[1].Result = ResultFail
	assert.Equal(t, "ev_1", CurrentStep(p).Evaluation.ID)
	assert.True(t, IsFailed(p))
	assert.False(t, IsComplete(p))

	p.Evaluations[1].Result = ResultPass
	p.Evaluations[2].Result = ResultPass
	assert.Equal(t, "ev_2", CurrentStep(p).Evaluation.ID)
	assert.True(t, IsComplete(p))
}

func TestCurrentStepFinalStepEndsWorkflow(t *testing.T) {
	final := passed(Evaluation{Type: workflow.TypePassFail, FinalStep: true})
	p := published(passed(Evaluation{Type: workflow.TypeFeedback}), final, Evaluation{Type: workflow.TypeVote})
	step := CurrentStep(p)
	assert.Equal(t, "ev_1", step.Evaluation.ID)
	assert.Equal(t, "pass", step.Status())
	assert.True(t, IsComplete(p))
}

func TestMoveForward(t *testing.T) {
	p := published(Evaluation{Type: workflow.TypeFeedback}, Evaluation{Type: workflow.TypePassFail})
	state, err := MoveForward(p, "ev_0", "author", t0)
	require.NoError(t, err)
	assert.Equal(t, ResultPass, state.Result)
	assert.Equal(t, "author", state.DecidedBy)
	require.NotNil(t, state.CompletedAt)

	_, err = MoveForward(p, "ev_1", "author", t0)
	assert.ErrorIs(t, err, ErrNotCurrentStep)
	_, err = MoveForward(p, "missing", "author", t0)
	assert.ErrorIs(t, err, ErrEvaluationNotFound)

	p.Status = StatusDraft
	_, err = MoveForward(p, "ev_0", "author", t0)
	assert.ErrorIs(t, err, ErrNotPublished)

	p.Status = StatusPublished
	p.Archived = true
	_, err = MoveForward(p, "ev_0", "author", t0)
	assert.ErrorIs(t, err, ErrArchived)
}

func TestSubmitReviewThreshold(t *testing.T) {
	p := published(Evaluation{Type: workflow.TypePassFail, RequiredReviews: 2})

	review, state, err := SubmitReview(p, "ev_0", Review{ID: "r1", ReviewerID: "rev1", Result: ResultPass}, t0)
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Equal(t, 0, review.Round)

	p.Evaluations[0].Reviews = append(p.Evaluations[0].Reviews, review)
	_, _, err = SubmitReview(p, "ev_0", Review{ReviewerID: "rev1", Result: ResultPass}, t0)
	assert.ErrorIs(t, err, ErrAlreadyReviewed)

	_, state, err = SubmitReview(p, "ev_0", Review{ReviewerID: "rev2", Result: ResultPass}, t0)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, ResultPass, state.Result)
}

func TestSubmitReviewFailNeedsThreshold(t *testing.T) {
	p := published(Evaluation{Type: workflow.TypePassFail, RequiredReviews: 3, DeclineReasons: []string{"Off topic"}})

	_, _, err := SubmitReview(p, "ev_0", Review{ReviewerID: "rev1", Result: ResultFail, DeclineReasons: []string{"budget"}}, t0)
	assert.ErrorIs(t, err, ErrInvalidDecline)

	review, state, err := SubmitReview(p, "ev_0", Review{ReviewerID: "rev1", Result: ResultFail, DeclineReasons: []string{"off topic"}}, t0)
	require.NoError(t, err)
	assert.Nil(t, state, "one fail out of three required reviews leaves the step open")
	assert.Equal(t, []string{"off topic"}, review.DeclineReasons)

	p.Evaluations[0].Reviews = []Review{
		review,
		{ReviewerID: "rev2", Result: ResultPass},
		{ReviewerID: "rev3", Result: ResultFail},
	}
	_, state, err = SubmitReview(p, "ev_0", Review{ReviewerID: "rev4", Result: ResultFail}, t0)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, ResultFail, state.Result)
	assert.Equal(t, "rev4", state.DecidedBy)

	_, _, err = SubmitReview(p, "ev_0", Review{ReviewerID: "rev5", Result: "maybe"}, t0)
	assert.ErrorIs(t, err, ErrInvalidResult)
}

func TestSubmitReviewSingleFailDecidesWithOneRequired(t *testing.T) {
	p := published(Evaluation{Type: workflow.TypePassFail})

	_, state, err := SubmitReview(p, "ev_0", Review{ReviewerID: "rev1", Result: ResultFail}, t0)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, ResultFail, state.Result)
}

func TestAppealRound(t *testing.T) {
	ev := Evaluation{Type: workflow.TypePassFail, Appealable: true, AppealRequiredReviews: 2}
	ev.Result = ResultFail
	ev.Reviews = []Review{{ReviewerID: "rev1", Result: ResultFail, Round: 0}}
	p := published(ev)

	_, err := Appeal(p, "ev_0", "stranger", "please", t0)
	assert.ErrorIs(t, err, ErrNotAuthor)

	state, err := Appeal(p, "ev_0", "author", " please ", t0)
	require.NoError(t, err)
	assert.Equal(t, ResultNone, state.Result)
	assert.Equal(t, 1, state.Round)
	assert.Equal(t, "please", state.AppealReason)

	p.Evaluations[0].State = state
	_, err = Appeal(p, "ev_0", "author", "again", t0)
	assert.ErrorIs(t, err, ErrAlreadyAppealed)

	// the first-round review does not count in the appeal round
	review, decision, err := SubmitReview(p, "ev_0", Review{ReviewerID: "rev1", Result: ResultPass}, t0)
	require.NoError(t, err)
	assert.Nil(t, decision)
	assert.True(t, review.Appeal)
	assert.Equal(t, 1, review.Round)
}

func TestAppealRequiresAppealableFailure(t *testing.T) {
	ev := Evaluation{Type: workflow.TypePassFail}
	ev.Result = ResultFail
	_, err := Appeal(published(ev), "ev_0", "author", "", t0)
	assert.ErrorIs(t, err, ErrNotAppealable)

	undecided := Evaluation{Type: workflow.TypePassFail, Appealable: true}
	_, err = Appeal(published(undecided), "ev_0", "author", "", t0)
	assert.ErrorIs(t, err, ErrNotAppealable)
}

func TestResetReview(t *testing.T) {
	ev := Evaluation{Type: workflow.TypePassFail, RequiredReviews: 2}
	ev.Reviews = []Review{{ID: "r1", ReviewerID: "rev1", Result: ResultPass}}
	p := published(ev)

	review, err := ResetReview(p, "ev_0", "rev1")
	require.NoError(t, err)
	assert.Equal(t, "r1", review.ID)

	_, err = ResetReview(p, "ev_0", "rev2")
	assert.ErrorIs(t, err, ErrNoReview)

	p.Evaluations[0].Result = ResultPass
	_, err = ResetReview(p, "ev_0", "rev1")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestSubmitRubricAnswers(t *testing.T) {
	p := published(Evaluation{Type: workflow.TypeRubric, RubricCriteria: []RubricCriteria{
		{ID: "c1", Title: "Impact", Min: 1, Max: 5},
		{ID: "c2", Title: "Cost", Min: 0, Max: 10},
	}})

	answers, err := SubmitRubricAnswers(p, "ev_0", "rev1", []RubricAnswer{{CriteriaID: "c1", Score: 4, Comment: " good "}, {CriteriaID: "c2", Score: 0}})
	require.NoError(t, err)
	require.Len(t, answers, 2)
	assert.Equal(t, "rev1", answers[0].UserID)
	assert.Equal(t, "good", answers[0].Comment)

	_, err = SubmitRubricAnswers(p, "ev_0", "rev1", []RubricAnswer{{CriteriaID: "c1", Score: 6}})
	assert.ErrorIs(t, err, ErrInvalidAnswer)
	_, err = SubmitRubricAnswers(p, "ev_0", "rev1", []RubricAnswer{{CriteriaID: "zz", Score: 1}})
	assert.ErrorIs(t, err, ErrInvalidAnswer)
	_, err = SubmitRubricAnswers(p, "ev_0", "rev1", []RubricAnswer{{CriteriaID: "c1", Score: 1}, {CriteriaID: "c1", Score: 2}})
	assert.ErrorIs(t, err, ErrInvalidAnswer)
	_, err = SubmitRubricAnswers(p, "ev_0", "rev1", nil)
	assert.ErrorIs(t, err, ErrInvalidAnswer)
}

func TestCompleteSignDocuments(t *testing.T) {
	p := published(Evaluation{Type: workflow.TypeSignDocuments, Documents: []Document{{ID: "d1", Title: "Agreement"}, {ID: "d2", Title: "KYC"}}})

	_, err := Complete(p, "ev_0", "approver", ResultPass, t0)
	assert.ErrorIs(t, err, ErrDocumentsUnsigned)

	doc, err := SignDocument(p, "ev_0", "d1", "rev1", t0)
	require.NoError(t, err)
	assert.Equal(t, "rev1", doc.SignedBy)
	p.Evaluations[0].Documents[0] = doc

	_, err = SignDocument(p, "ev_0", "d1", "rev1", t0)
	assert.ErrorIs(t, err, ErrAlreadySigned)
	_, err = SignDocument(p, "ev_0", "d9", "rev1", t0)
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	doc, err = SignDocument(p, "ev_0", "d2", "rev1", t0)
	require.NoError(t, err)
	p.Evaluations[0].Documents[1] = doc

	state, err := Complete(p, "ev_0", "approver", ResultPass, t0)
	require.NoError(t, err)
	assert.Equal(t, ResultPass, state.Result)
}

func TestCompleteRejectsFeedback(t *testing.T) {
	p := published(Evaluation{Type: workflow.TypeFeedback})
	_, err := Complete(p, "ev_0", "admin", ResultPass, t0)
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestGoBack(t *testing.T) {
	p := published(
		passed(Evaluation{Type: workflow.TypeFeedback}),
		passed(Evaluation{Type: workflow.TypePassFail}),
		Evaluation{Type: workflow.TypeRubric},
	)
	p.Evaluations[1].Round = 2

	now := t0.Add(24 * time.Hour)
	changes, err := GoBack(p, "ev_0", now)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "ev_0", changes[0].EvaluationID)
	assert.Equal(t, Change{EvaluationID: "ev_1", State: State{Round: 3, ReopenedAt: &now}}, changes[1])

	p.Evaluations[1].Result = ResultNone
	p.Evaluations[1].CompletedAt = nil
	_, err = GoBack(p, "ev_2", now)
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestValidatePublish(t *testing.T) {
	p := Proposal{Status: StatusDraft, Evaluations: []Evaluation{
		{Title: "Feedback", Type: workflow.TypeFeedback},
		{Title: "Review", Type: workflow.TypePassFail},
	}}
	assert.ErrorIs(t, ValidatePublish(p), ErrMissingReviewers)

	p.Evaluations[1].Reviewers = []Assignee{{RoleID: "role_1"}}
	assert.NoError(t, ValidatePublish(p))

	p.Evaluations = append(p.Evaluations, Evaluation{Title: "Vote", Type: workflow.TypeVote, Reviewers: []Assignee{{SystemRole: workflow.SystemRoleSpaceMember}}})
	assert.ErrorIs(t, ValidatePublish(p), ErrInvalidSettings)

	p.Status = StatusPublished
	assert.ErrorIs(t, ValidatePublish(p), ErrNotDraft)
}

func TestNewInstanceDefaults(t *testing.T) {
	newID := func() string { return "ev_new" }
	feedback := NewInstance(workflow.Template{ID: "t1", Title: " Feedback ", Type: workflow.TypeFeedback}, "p1", 0, newID)
	assert.Equal(t, "Feedback", feedback.Title)
	assert.Equal(t, []Assignee{{SystemRole: workflow.SystemRoleAuthor}}, feedback.Reviewers)
	assert.Equal(t, 1, feedback.RequiredReviews)
	assert.Nil(t, feedback.VoteSettings)

	vote := NewInstance(workflow.Template{Title: "Vote", Type: workflow.TypeVote}, "p1", 1, newID)
	require.NotNil(t, vote.VoteSettings)
	assert.Equal(t, DefaultVoteSettings(), *vote.VoteSettings)
	assert.Empty(t, vote.Reviewers)
}

func TestApplySettings(t *testing.T) {
	newID := func() string { return "gen" }
	ev := Evaluation{Type: workflow.TypeRubric, RequiredReviews: 1}

	two := 2
	reviewers := []Assignee{{UserID: "u1"}, {UserID: "u1"}, {RoleID: "r1"}}
	criteria := []RubricCriteria{{Title: " Impact ", Min: 1, Max: 5}}
	out, err := ApplySettings(ev, Settings{RequiredReviews: &two, Reviewers: &reviewers, RubricCriteria: &criteria}, newID)
	require.NoError(t, err)
	assert.Equal(t, 2, out.RequiredReviews)
	assert.Len(t, out.Reviewers, 2)
	assert.Equal(t, "gen", out.RubricCriteria[0].ID)
	assert.Equal(t, "Impact", out.RubricCriteria[0].Title)

	zero := 0
	_, err = ApplySettings(ev, Settings{RequiredReviews: &zero}, newID)
	assert.ErrorIs(t, err, ErrInvalidSettings)

	approvers := []Assignee{{SystemRole: workflow.SystemRoleSpaceMember}}
	_, err = ApplySettings(ev, Settings{Approvers: &approvers}, newID)
	assert.ErrorIs(t, err, ErrInvalidSettings)

	vs := DefaultVoteSettings()
	_, err = ApplySettings(ev, Settings{VoteSettings: &vs}, newID)
	assert.ErrorIs(t, err, ErrInvalidSettings)
}
