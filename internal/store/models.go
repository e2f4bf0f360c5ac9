package store

import (
	"time"

	"charter/api/internal/evaluation"
	"charter/api/internal/rbac"
	"charter/api/internal/workflow"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Space struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Membership is a user's standing in one space: their space role and the
// custom roles they hold.
type Membership struct {
	SpaceID   string
	UserID    string
	SpaceRole rbac.Role
	RoleIDs   []string
}

type Role struct {
	ID      string
	SpaceID string
	Name    string
}

// ProposalRecord is a proposal together with what its workflow contributes to
// permission checks.
type ProposalRecord struct {
	Proposal           evaluation.Proposal
	PrivateEvaluations bool
	WorkflowVersion    int64
}

// SyncGuard pins the proposal and workflow versions a sync plan was computed
// against.
type SyncGuard struct {
	ProposalVersion int64
	WorkflowID      string
	WorkflowVersion int64
}

// SearchHit is a Postgres full-text match over proposal titles.
type SearchHit struct {
	ProposalID string
	SpaceID    string
	Title      string
	Rank       float64
}

// PermissionSet is the full grant list one evaluation should end up with.
type PermissionSet struct {
	EvaluationID string
	Grants       []workflow.Grant
}
