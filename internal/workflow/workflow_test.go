package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantValidate(t *testing.T) {
	tests := []struct {
		name  string
		grant Grant
		ok    bool
	}{
		{"role", Grant{Operation: OpComment, RoleID: "role_1"}, true},
		{"user", Grant{Operation: OpEdit, UserID: "u1"}, true},
		{"system", Grant{Operation: OpMove, SystemRole: SystemRoleCurrentReviewer}, true},
		{"public view", Grant{Operation: OpView, SystemRole: SystemRolePublic}, true},
		{"public comment", Grant{Operation: OpComment, SystemRole: SystemRolePublic}, false},
		{"no assignee", Grant{Operation: OpView}, false},
		{"two assignees", Grant{Operation: OpView, RoleID: "r", UserID: "u"}, false},
		{"not grantable", Grant{Operation: OpDelete, UserID: "u"}, false},
		{"unknown system role", Grant{Operation: OpView, SystemRole: "owner"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.grant.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidWorkflow)
			}
		})
	}
}

func TestNormalizeAssignsIDs(t *testing.T) {
	n := 0
	newID := func() string {
		n++
		return fmt.Sprintf("gen_%d", n)
	}
	wf := Workflow{
		Title: "  Default ",
		Evaluations: []Template{
			{Title: " Feedback ", Type: TypeFeedback},
			{ID: "keep", Title: "Vote", Type: TypeVote},
		},
	}
	Normalize(&wf, newID)
	assert.Equal(t, "Default", wf.Title)
	assert.Equal(t, "gen_1", wf.Evaluations[0].ID)
	assert.Equal(t, "Feedback", wf.Evaluations[0].Title)
	assert.Equal(t, "keep", wf.Evaluations[1].ID)
	assert.NotNil(t, wf.Evaluations[1].Permissions)
}

func TestWorkflowValidate(t *testing.T) {
	valid := Workflow{Title: "Default", Evaluations: []Template{{ID: "a", Title: "Review", Type: TypeRubric, Permissions: DefaultPermissions(TypeRubric)}}}
	require.NoError(t, valid.Validate())

	noTitle := valid
	noTitle.Title = " "
	assert.ErrorIs(t, noTitle.Validate(), ErrInvalidWorkflow)

	empty := valid
	empty.Evaluations = nil
	assert.ErrorIs(t, empty.Validate(), ErrInvalidWorkflow)

	badType := Workflow{Title: "x", Evaluations: []Template{{Title: "Review", Type: "poll"}}}
	assert.ErrorIs(t, badType.Validate(), ErrInvalidWorkflow)

	dup := Workflow{Title: "x", Evaluations: []Template{{ID: "a", Title: "One", Type: TypeFeedback}, {ID: "a", Title: "Two", Type: TypeVote}}}
	assert.ErrorIs(t, dup.Validate(), ErrInvalidWorkflow)

	badGrant := Workflow{Title: "x", Evaluations: []Template{{Title: "One", Type: TypeFeedback, Permissions: []Grant{{Operation: OpEvaluate, UserID: "u"}}}}}
	assert.ErrorIs(t, badGrant.Validate(), ErrInvalidWorkflow)
}

func TestDefaultPermissionsFeedbackHasNoReviewerGrants(t *testing.T) {
	for _, g := range DefaultPermissions(TypeFeedback) {
		assert.NotEqual(t, SystemRoleCurrentReviewer, g.SystemRole)
		assert.NotEqual(t, SystemRoleAllReviewers, g.SystemRole)
	}
	var reviewerMove bool
	for _, g := range DefaultPermissions(TypePassFail) {
		require.NoError(t, g.Validate())
		if g.SystemRole == SystemRoleCurrentReviewer && g.Operation == OpMove {
			reviewerMove = true
		}
	}
	assert.True(t, reviewerMove)
}
