package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkflow() Workflow {
	return Workflow{
		ID:    "wf_1",
		Title: "Grants",
		Evaluations: []Template{
			{ID: "t1", Title: "Feedback", Type: TypeFeedback, Permissions: []Grant{{Operation: OpView, SystemRole: SystemRoleSpaceMember}}},
			{ID: "t2", Title: "Review", Type: TypePassFail, Permissions: []Grant{{Operation: OpMove, SystemRole: SystemRoleCurrentReviewer}}},
			{ID: "t3", Title: "Vote", Type: TypeVote, Permissions: []Grant{{Operation: OpView, SystemRole: SystemRolePublic}}},
		},
	}
}

func testInstances() []Instance {
	return []Instance{
		{ID: "e3", Index: 2, Title: "vote ", Type: TypeVote},
		{ID: "e1", Index: 0, Title: " feedback", Type: TypeFeedback},
		{ID: "e2", Index: 1, Title: "REVIEW", Type: TypePassFail},
	}
}

func TestPlanFullSyncTargetsEveryTemplate(t *testing.T) {
	targets, err := PlanPermissionSync(testInstances(), testWorkflow(), nil)
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.Equal(t, "e1", targets[0].EvaluationID)
	assert.Equal(t, "t2", targets[1].TemplateID)
	assert.Equal(t, []Grant{{Operation: OpView, SystemRole: SystemRolePublic}}, targets[2].Permissions)
}

func TestPlanFullSyncSkipsExtraInstances(t *testing.T) {
	instances := append(testInstances(), Instance{ID: "e4", Index: 3, Title: "Ad hoc", Type: TypeRubric})
	targets, err := PlanPermissionSync(instances, testWorkflow(), nil)
	require.NoError(t, err)
	require.Len(t, targets, 3)
	for _, target := range targets {
		assert.NotEqual(t, "e4", target.EvaluationID)
	}
}

func TestPlanFullSyncFailsWhenProposalIsShort(t *testing.T) {
	_, err := PlanPermissionSync(testInstances()[1:], testWorkflow(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProposalMissingEvaluation))
	var posErr *PositionError
	require.ErrorAs(t, err, &posErr)
	assert.Equal(t, 2, posErr.Position)
}

func TestPlanTitleMismatchFailsWholePlan(t *testing.T) {
	instances := testInstances()
	instances[2].Title = "Committee review"
	_, err := PlanPermissionSync(instances, testWorkflow(), nil)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 1, mismatch.Position)
	assert.Equal(t, "title", mismatch.Field)
	assert.Equal(t, "Review", mismatch.Workflow)
}

func TestPlanTypeMismatch(t *testing.T) {
	instances := testInstances()
	instances[0].Type = TypeRubric
	_, err := PlanPermissionSync(instances, testWorkflow(), nil)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "type", mismatch.Field)
	assert.Equal(t, 2, mismatch.Position)
}

func TestPlanSubsetOnlyTouchesRequestedEvaluations(t *testing.T) {
	instances := testInstances()
	// a mismatch outside the subset does not block it
	instances[1].Title = "Renamed"
	targets, err := PlanPermissionSync(instances, testWorkflow(), []string{"e3", "e2", "e3"})
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "e2", targets[0].EvaluationID)
	assert.Equal(t, "e3", targets[1].EvaluationID)
}

func TestPlanSubsetUnknownEvaluation(t *testing.T) {
	_, err := PlanPermissionSync(testInstances(), testWorkflow(), []string{"nope"})
	assert.ErrorIs(t, err, ErrEvaluationNotFound)
}

func TestPlanSubsetBeyondWorkflow(t *testing.T) {
	instances := append(testInstances(), Instance{ID: "e4", Index: 3, Title: "Ad hoc", Type: TypeRubric})
	_, err := PlanPermissionSync(instances, testWorkflow(), []string{"e4"})
	assert.ErrorIs(t, err, ErrWorkflowMissingEvaluation)
}

func TestPlanClonesGrants(t *testing.T) {
	wf := testWorkflow()
	targets, err := PlanPermissionSync(testInstances(), wf, nil)
	require.NoError(t, err)
	targets[0].Permissions[0].Operation = OpEdit
	assert.Equal(t, OpView, wf.Evaluations[0].Permissions[0].Operation)
}
