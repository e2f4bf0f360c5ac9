package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"charter/api/internal/authpw"
	"charter/api/internal/config"
	"charter/api/internal/evaluation"
	"charter/api/internal/export"
	"charter/api/internal/rbac"
	"charter/api/internal/store"
	"charter/api/internal/workflow"
)

// fakeStore keeps the proposal graph in memory. Every write bumps the
// proposal version the way the Postgres store does, and version-checked
// writes fail with store.ErrStale like theirs. The fn hooks override single
// methods.
type fakeStore struct {
	mu sync.Mutex

	users       map[string]store.User
	spaces      map[string]store.Space
	members     map[string]rbac.Role
	roles       map[string]store.Role
	roleMembers map[string][]string
	workflows   map[string]workflow.Workflow
	proposals   map[string]evaluation.Proposal
	order       []string
	refresh     map[string]string

	pingFn                         func(context.Context) error
	replaceEvaluationPermissionsFn func(context.Context, string, store.SyncGuard, []store.PermissionSet) error
	// beforeWriteFn runs once, ahead of the next version-checked write, to
	// stand in for a concurrent writer.
	beforeWriteFn func(proposalID string)

	permissionWrites int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[string]store.User{},
		spaces:      map[string]store.Space{},
		members:     map[string]rbac.Role{},
		roles:       map[string]store.Role{},
		roleMembers: map[string][]string{},
		workflows:   map[string]workflow.Workflow{},
		proposals:   map[string]evaluation.Proposal{},
		refresh:     map[string]string{},
	}
}

func memberKey(spaceID, userID string) string { return spaceID + "|" + userID }

// clone deep-copies through JSON so callers never share slices with the store.
func clone[T any](t T) T {
	raw, err := json.Marshal(t)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return out
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	u.PasswordHash = hash
	f.users[userID] = u
	return nil
}

func (f *fakeStore) UserNames(_ context.Context, ids []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out[id] = u.DisplayName
		}
	}
	return out, nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) CreateSpace(_ context.Context, space store.Space, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spaces[space.ID] = space
	f.members[memberKey(space.ID, ownerID)] = rbac.RoleAdmin
	return nil
}

func (f *fakeStore) GetSpace(_ context.Context, spaceID string) (store.Space, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	space, ok := f.spaces[spaceID]
	if !ok {
		return store.Space{}, sql.ErrNoRows
	}
	return space, nil
}

func (f *fakeStore) UpsertSpaceMember(_ context.Context, spaceID, userID string, role rbac.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[memberKey(spaceID, userID)] = role
	return nil
}

func (f *fakeStore) GetMembership(_ context.Context, spaceID, userID string) (store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := store.Membership{SpaceID: spaceID, UserID: userID, RoleIDs: []string{}}
	if userID == "" {
		return m, nil
	}
	m.SpaceRole = f.members[memberKey(spaceID, userID)]
	if m.SpaceRole == rbac.RoleNone {
		return m, nil
	}
	for roleID, users := range f.roleMembers {
		if f.roles[roleID].SpaceID != spaceID {
			continue
		}
		for _, id := range users {
			if id == userID {
				m.RoleIDs = append(m.RoleIDs, roleID)
			}
		}
	}
	return m, nil
}

func (f *fakeStore) CreateRole(_ context.Context, role store.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[role.ID] = role
	return nil
}

func (f *fakeStore) AssignRole(_ context.Context, roleID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleMembers[roleID] = append(f.roleMembers[roleID], userID)
	return nil
}

func (f *fakeStore) ListRoles(_ context.Context, spaceID string) ([]store.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Role{}
	for _, role := range f.roles {
		if role.SpaceID == spaceID {
			out = append(out, role)
		}
	}
	return out, nil
}

func (f *fakeStore) ListWorkflows(_ context.Context, spaceID string) ([]workflow.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []workflow.Workflow{}
	for _, wf := range f.workflows {
		if wf.SpaceID == spaceID {
			out = append(out, clone(wf))
		}
	}
	return out, nil
}

func (f *fakeStore) GetWorkflow(_ context.Context, workflowID string) (workflow.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return workflow.Workflow{}, sql.ErrNoRows
	}
	return clone(wf), nil
}

func (f *fakeStore) CountWorkflows(_ context.Context, spaceID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, wf := range f.workflows {
		if wf.SpaceID == spaceID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) UpsertWorkflow(_ context.Context, wf workflow.Workflow) (workflow.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.workflows[wf.ID]; ok {
		if existing.SpaceID != wf.SpaceID {
			return workflow.Workflow{}, sql.ErrNoRows
		}
		wf.CreatedAt = existing.CreatedAt
		wf.Version = existing.Version + 1
	} else {
		wf.CreatedAt = time.Now().UTC()
		wf.Version = 1
	}
	wf.UpdatedAt = time.Now().UTC()
	f.workflows[wf.ID] = clone(wf)
	return clone(wf), nil
}

func (f *fakeStore) SetWorkflowArchived(_ context.Context, spaceID, workflowID string, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[workflowID]
	if !ok || wf.SpaceID != spaceID {
		return sql.ErrNoRows
	}
	wf.Archived = archived
	f.workflows[workflowID] = wf
	return nil
}

func (f *fakeStore) CountWorkflowProposals(_ context.Context, workflowID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.proposals {
		if p.WorkflowID == workflowID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteWorkflow(_ context.Context, spaceID, workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[workflowID]
	if !ok || wf.SpaceID != spaceID {
		return sql.ErrNoRows
	}
	delete(f.workflows, workflowID)
	return nil
}

func (f *fakeStore) ListWorkflowProposalIDs(_ context.Context, workflowID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []string{}
	for _, id := range f.order {
		p, ok := f.proposals[id]
		if ok && p.WorkflowID == workflowID && !p.IsTemplate && !p.Archived {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) record(p evaluation.Proposal) store.ProposalRecord {
	rec := store.ProposalRecord{Proposal: clone(p)}
	if wf, ok := f.workflows[p.WorkflowID]; ok {
		rec.PrivateEvaluations = wf.PrivateEvaluations
		rec.WorkflowVersion = wf.Version
	}
	return rec
}

func (f *fakeStore) GetProposal(_ context.Context, proposalID string) (store.ProposalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[proposalID]
	if !ok {
		return store.ProposalRecord{}, sql.ErrNoRows
	}
	return f.record(p), nil
}

func (f *fakeStore) ListSpaceProposals(_ context.Context, spaceID string) ([]store.ProposalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.ProposalRecord{}
	for _, id := range f.order {
		if p, ok := f.proposals[id]; ok && p.SpaceID == spaceID {
			out = append(out, f.record(p))
		}
	}
	return out, nil
}

func (f *fakeStore) CreateProposal(_ context.Context, p evaluation.Proposal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.proposals[p.ID]; dup {
		return fmt.Errorf("proposal %s exists", p.ID)
	}
	p.Version = 1
	f.proposals[p.ID] = clone(p)
	f.order = append(f.order, p.ID)
	return nil
}

// mutate applies fn to the stored proposal and bumps its version.
func (f *fakeStore) mutate(proposalID string, fn func(p *evaluation.Proposal) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[proposalID]
	if !ok {
		return sql.ErrNoRows
	}
	p = clone(p)
	if err := fn(&p); err != nil {
		return err
	}
	p.Version++
	f.proposals[proposalID] = p
	return nil
}

func (f *fakeStore) interleave(proposalID string) {
	f.mu.Lock()
	fn := f.beforeWriteFn
	f.beforeWriteFn = nil
	f.mu.Unlock()
	if fn != nil {
		fn(proposalID)
	}
}

// mutateAt is mutate for writes planned against a given proposal version.
func (f *fakeStore) mutateAt(proposalID string, version int64, fn func(p *evaluation.Proposal) error) error {
	f.interleave(proposalID)
	return f.mutate(proposalID, func(p *evaluation.Proposal) error {
		if p.Version != version {
			return store.ErrStale
		}
		return fn(p)
	})
}

func (f *fakeStore) mutateGuarded(proposalID string, guard store.SyncGuard, fn func(p *evaluation.Proposal) error) error {
	f.interleave(proposalID)
	return f.mutate(proposalID, func(p *evaluation.Proposal) error {
		if p.Version != guard.ProposalVersion {
			return store.ErrStale
		}
		if guard.WorkflowID != "" {
			wf, ok := f.workflows[guard.WorkflowID]
			if !ok {
				return sql.ErrNoRows
			}
			if wf.Version != guard.WorkflowVersion {
				return store.ErrStale
			}
		}
		return fn(p)
	})
}

func (f *fakeStore) evaluationOf(p *evaluation.Proposal, evalID string) (*evaluation.Evaluation, error) {
	ev, ok := p.Evaluation(evalID)
	if !ok {
		return nil, sql.ErrNoRows
	}
	return ev, nil
}

func (f *fakeStore) ReplaceProposalEvaluations(_ context.Context, proposalID string, guard store.SyncGuard, evs []evaluation.Evaluation) error {
	return f.mutateGuarded(proposalID, guard, func(p *evaluation.Proposal) error {
		p.Evaluations = clone(evs)
		return nil
	})
}

func (f *fakeStore) ReplaceEvaluationPermissions(ctx context.Context, proposalID string, guard store.SyncGuard, sets []store.PermissionSet) error {
	if f.replaceEvaluationPermissionsFn != nil {
		return f.replaceEvaluationPermissionsFn(ctx, proposalID, guard, sets)
	}
	return f.mutateGuarded(proposalID, guard, func(p *evaluation.Proposal) error {
		for _, set := range sets {
			ev, err := f.evaluationOf(p, set.EvaluationID)
			if err != nil {
				return err
			}
			ev.Permissions = append([]workflow.Grant{}, set.Grants...)
		}
		f.permissionWrites++
		return nil
	})
}

func (f *fakeStore) PublishProposal(_ context.Context, proposalID string, at time.Time) error {
	return f.mutate(proposalID, func(p *evaluation.Proposal) error {
		if p.Status != evaluation.StatusDraft {
			return sql.ErrNoRows
		}
		p.Status = evaluation.StatusPublished
		p.PublishedAt = &at
		return nil
	})
}

func (f *fakeStore) SetProposalArchived(_ context.Context, proposalID string, archived, byAdmin bool) error {
	return f.mutate(proposalID, func(p *evaluation.Proposal) error {
		p.Archived = archived
		p.ArchivedByAdmin = archived && byAdmin
		return nil
	})
}

func (f *fakeStore) DeleteProposal(_ context.Context, proposalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.proposals[proposalID]; !ok {
		return sql.ErrNoRows
	}
	delete(f.proposals, proposalID)
	return nil
}

func (f *fakeStore) SearchProposals(_ context.Context, spaceID, query string, limit int) ([]store.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hits := []store.SearchHit{}
	for _, id := range f.order {
		p, ok := f.proposals[id]
		if !ok || p.SpaceID != spaceID || !strings.Contains(strings.ToLower(p.Title), strings.ToLower(query)) {
			continue
		}
		hits = append(hits, store.SearchHit{ProposalID: p.ID, SpaceID: p.SpaceID, Title: p.Title, Rank: 1})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func (f *fakeStore) SaveEvaluationStates(_ context.Context, proposalID string, version int64, changes []evaluation.Change) error {
	return f.mutateAt(proposalID, version, func(p *evaluation.Proposal) error {
		for _, change := range changes {
			ev, err := f.evaluationOf(p, change.EvaluationID)
			if err != nil {
				return err
			}
			ev.State = change.State
		}
		return nil
	})
}

func (f *fakeStore) UpdateEvaluationSettings(_ context.Context, updated evaluation.Evaluation) error {
	return f.mutate(updated.ProposalID, func(p *evaluation.Proposal) error {
		ev, err := f.evaluationOf(p, updated.ID)
		if err != nil {
			return err
		}
		*ev = clone(updated)
		return nil
	})
}

func (f *fakeStore) RecordReview(_ context.Context, proposalID string, version int64, review evaluation.Review, state *evaluation.State) error {
	return f.mutateAt(proposalID, version, func(p *evaluation.Proposal) error {
		ev, err := f.evaluationOf(p, review.EvaluationID)
		if err != nil {
			return err
		}
		ev.Reviews = append(ev.Reviews, review)
		if state != nil {
			ev.State = *state
		}
		return nil
	})
}

func (f *fakeStore) DeleteReview(_ context.Context, proposalID string, version int64, reviewID string) error {
	return f.mutateAt(proposalID, version, func(p *evaluation.Proposal) error {
		for i := range p.Evaluations {
			ev := &p.Evaluations[i]
			for j, r := range ev.Reviews {
				if r.ID == reviewID {
					ev.Reviews = append(ev.Reviews[:j], ev.Reviews[j+1:]...)
					return nil
				}
			}
		}
		return sql.ErrNoRows
	})
}

func (f *fakeStore) SaveRubricAnswers(_ context.Context, proposalID string, version int64, evalID, userID string, answers []evaluation.RubricAnswer) error {
	return f.mutateAt(proposalID, version, func(p *evaluation.Proposal) error {
		ev, err := f.evaluationOf(p, evalID)
		if err != nil {
			return err
		}
		kept := []evaluation.RubricAnswer{}
		for _, a := range ev.RubricAnswers {
			if a.UserID != userID {
				kept = append(kept, a)
			}
		}
		ev.RubricAnswers = append(kept, answers...)
		return nil
	})
}

func (f *fakeStore) SaveVote(_ context.Context, proposalID string, version int64, evalID string, vote evaluation.Vote) error {
	return f.mutateAt(proposalID, version, func(p *evaluation.Proposal) error {
		ev, err := f.evaluationOf(p, evalID)
		if err != nil {
			return err
		}
		kept := []evaluation.Vote{}
		for _, v := range ev.Votes {
			if v.UserID != vote.UserID || v.Round != vote.Round {
				kept = append(kept, v)
			}
		}
		ev.Votes = append(kept, vote)
		return nil
	})
}

func (f *fakeStore) SaveDocumentSignature(_ context.Context, proposalID string, version int64, doc evaluation.Document) error {
	return f.mutateAt(proposalID, version, func(p *evaluation.Proposal) error {
		for i := range p.Evaluations {
			ev := &p.Evaluations[i]
			for j := range ev.Documents {
				if ev.Documents[j].ID == doc.ID {
					ev.Documents[j] = doc
					return nil
				}
			}
		}
		return sql.ErrNoRows
	})
}

// Seeding helpers.

func (f *fakeStore) addUser(id, name string) {
	f.users[id] = store.User{ID: id, DisplayName: name, Email: id + "@example.com"}
}

func (f *fakeStore) addMember(spaceID, userID string, role rbac.Role) {
	f.members[memberKey(spaceID, userID)] = role
}

func (f *fakeStore) addProposal(p evaluation.Proposal) {
	if p.Version == 0 {
		p.Version = 1
	}
	f.proposals[p.ID] = clone(p)
	f.order = append(f.order, p.ID)
}

func (f *fakeStore) proposal(t *testing.T, id string) evaluation.Proposal {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[id]
	if !ok {
		t.Fatalf("proposal %s not stored", id)
	}
	evaluation.SortEvaluations(&p)
	return clone(p)
}

var testNow = time.Date(2026, 3, 12, 16, 10, 0, 0, time.UTC)

func newTestService(fs *fakeStore) *Service {
	counter := 0
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:    fs,
		sessions: fs,
		accounts: authpw.NewService(fs),
		renderPDF: func(_ context.Context, html, title string) (*export.Result, error) {
			return &export.Result{Data: []byte(html), Filename: title + ".pdf", MimeType: "application/pdf"}, nil
		},
		now: func() time.Time { return testNow },
		newID: func(prefix string) string {
			counter++
			return fmt.Sprintf("%s_%d", prefix, counter)
		},
	}
}
