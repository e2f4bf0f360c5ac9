package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"charter/api/internal/auth"
	"charter/api/internal/authpw"
	"charter/api/internal/config"
	"charter/api/internal/evaluation"
	"charter/api/internal/export"
	"charter/api/internal/gitrepo"
	"charter/api/internal/permissions"
	"charter/api/internal/rbac"
	"charter/api/internal/search"
	"charter/api/internal/session"
	"charter/api/internal/store"
	"charter/api/internal/telemetry"
	"charter/api/internal/util"
	"charter/api/internal/workflow"
)

var tracer = telemetry.Tracer("charter/app")

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	UpdateUserPassword(context.Context, string, string) error
	UserNames(context.Context, []string) (map[string]string, error)

	CreateSpace(context.Context, store.Space, string) error
	GetSpace(context.Context, string) (store.Space, error)
	UpsertSpaceMember(context.Context, string, string, rbac.Role) error
	GetMembership(context.Context, string, string) (store.Membership, error)
	CreateRole(context.Context, store.Role) error
	AssignRole(context.Context, string, string) error
	ListRoles(context.Context, string) ([]store.Role, error)

	ListWorkflows(context.Context, string) ([]workflow.Workflow, error)
	GetWorkflow(context.Context, string) (workflow.Workflow, error)
	CountWorkflows(context.Context, string) (int, error)
	UpsertWorkflow(context.Context, workflow.Workflow) (workflow.Workflow, error)
	SetWorkflowArchived(context.Context, string, string, bool) error
	CountWorkflowProposals(context.Context, string) (int, error)
	DeleteWorkflow(context.Context, string, string) error
	ListWorkflowProposalIDs(context.Context, string) ([]string, error)

	GetProposal(context.Context, string) (store.ProposalRecord, error)
	ListSpaceProposals(context.Context, string) ([]store.ProposalRecord, error)
	CreateProposal(context.Context, evaluation.Proposal) error
	ReplaceProposalEvaluations(context.Context, string, store.SyncGuard, []evaluation.Evaluation) error
	ReplaceEvaluationPermissions(context.Context, string, store.SyncGuard, []store.PermissionSet) error
	PublishProposal(context.Context, string, time.Time) error
	SetProposalArchived(context.Context, string, bool, bool) error
	DeleteProposal(context.Context, string) error
	SearchProposals(context.Context, string, string, int) ([]store.SearchHit, error)

	SaveEvaluationStates(context.Context, string, int64, []evaluation.Change) error
	UpdateEvaluationSettings(context.Context, evaluation.Evaluation) error
	RecordReview(context.Context, string, int64, evaluation.Review, *evaluation.State) error
	DeleteReview(context.Context, string, int64, string) error
	SaveRubricAnswers(context.Context, string, int64, string, string, []evaluation.RubricAnswer) error
	SaveVote(context.Context, string, int64, string, evaluation.Vote) error
	SaveDocumentSignature(context.Context, string, int64, evaluation.Document) error
}

// sessionStore holds refresh sessions. Both the Postgres store and the Redis
// session store satisfy it.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type workflowArchive interface {
	CommitWorkflow(workflow.Workflow, string, string) (gitrepo.Revision, error)
	History(string, string, int) ([]gitrepo.Revision, error)
	WorkflowAt(string, string, string) (workflow.Workflow, error)
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexProposal(search.ProposalRecord)
	DeleteProposal(string)
	Reindex([]search.ProposalRecord) error
}

type flagCache interface {
	Get(context.Context, session.FlagKey) (permissions.Flags, bool, error)
	Set(context.Context, session.FlagKey, permissions.Flags) error
	InvalidateProposal(context.Context, string) error
}

type exportUploader interface {
	Upload(context.Context, string, *export.Result) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	accounts  *authpw.Service
	archive   workflowArchive
	search    searchIndex
	flags     flagCache
	uploads   exportUploader
	renderPDF func(ctx context.Context, html, title string) (*export.Result, error)
	now       func() time.Time
	newID     func(prefix string) string
}

// New wires the service on top of Postgres. Refresh sessions live in Postgres
// too unless NewWithSessionStore is used.
func New(cfg config.Config, dataStore *store.PostgresStore, archive *gitrepo.Service, searchService *search.Service) *Service {
	return NewWithSessionStore(cfg, dataStore, dataStore, archive, searchService)
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, archive *gitrepo.Service, searchService *search.Service) *Service {
	svc := &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		accounts:  authpw.NewService(dataStore),
		renderPDF: export.RenderPDF,
		now:       time.Now,
		newID:     util.NewID,
	}
	if archive != nil {
		svc.archive = archive
	}
	if searchService != nil {
		svc.search = searchService
	}
	return svc
}

// SetFlagCache enables caching of computed permission flags.
func (s *Service) SetFlagCache(cache *session.FlagCache) {
	if cache != nil {
		s.flags = cache
	}
}

// SetUploader makes exports go to object storage and come back as links.
func (s *Service) SetUploader(uploader *export.Uploader) {
	if uploader != nil {
		s.uploads = uploader
	}
}

// Ready reports the health of the database and, when refresh sessions live
// in Redis, of Redis.
func (s *Service) Ready(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if redisStore, ok := s.sessions.(*session.RedisStore); ok {
		checks["redis"] = redisStore.Ping(ctx)
	}
	return checks
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.accounts.SignUp(ctx, authpw.SignUpRequest{Email: email, Password: password, DisplayName: displayName})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	return s.accounts.ChangePassword(ctx, session.UserID, current, next)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	owner, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, owner.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := s.newID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := s.newID("rft") + s.newID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseTokenAt([]byte(s.cfg.JWTSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// viewer resolves the caller's standing in a space. Anonymous callers and
// non-members come back with rbac.RoleNone.
func (s *Service) viewer(ctx context.Context, spaceID, userID string) (permissions.User, error) {
	m, err := s.store.GetMembership(ctx, spaceID, userID)
	if err != nil {
		return permissions.User{}, err
	}
	return permissions.User{ID: userID, SpaceRole: m.SpaceRole, RoleIDs: m.RoleIDs}, nil
}

func (s *Service) requireAction(ctx context.Context, spaceID string, session Session, action rbac.Action) (permissions.User, error) {
	u, err := s.viewer(ctx, spaceID, session.UserID)
	if err != nil {
		return permissions.User{}, err
	}
	if session.UserID == "" || !rbac.Can(u.SpaceRole, action) {
		return permissions.User{}, forbidden()
	}
	return u, nil
}

func (s *Service) loadProposal(ctx context.Context, proposalID string) (store.ProposalRecord, error) {
	rec, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.ProposalRecord{}, err
	}
	evaluation.SortEvaluations(&rec.Proposal)
	return rec, nil
}

// flagsFor computes the caller's flags on a proposal, going through the flag
// cache when one is configured. Cache failures only cost a recomputation.
func (s *Service) flagsFor(ctx context.Context, rec store.ProposalRecord, u permissions.User, evaluationID string) permissions.Flags {
	key := session.FlagKey{
		ProposalID:      rec.Proposal.ID,
		Version:         rec.Proposal.Version,
		WorkflowVersion: rec.WorkflowVersion,
		EvaluationID:    evaluationID,
		UserID:          u.ID,
	}
	if s.flags != nil {
		cached, ok, err := s.flags.Get(ctx, key)
		if err != nil {
			log.Printf("permission cache read for %s: %v", rec.Proposal.ID, err)
		} else if ok {
			return cached
		}
	}
	flags := permissions.Compute(permissions.Input{
		Proposal:           rec.Proposal,
		PrivateEvaluations: rec.PrivateEvaluations,
		User:               u,
		EvaluationID:       evaluationID,
	})
	if s.flags != nil {
		if err := s.flags.Set(ctx, key, flags); err != nil {
			log.Printf("permission cache write for %s: %v", rec.Proposal.ID, err)
		}
	}
	return flags
}

// proposalChanged drops cached flags and refreshes the search document after
// a write. Failures are logged; the write already succeeded.
func (s *Service) proposalChanged(ctx context.Context, proposalID string) {
	s.dropCachedFlags(ctx, proposalID)
	if s.search == nil {
		return
	}
	rec, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		log.Printf("search reindex of %s: %v", proposalID, err)
		return
	}
	evaluation.SortEvaluations(&rec.Proposal)
	names, err := s.store.UserNames(ctx, rec.Proposal.Authors)
	if err != nil {
		log.Printf("search reindex of %s: %v", proposalID, err)
		names = nil
	}
	s.search.IndexProposal(search.RecordFor(rec.Proposal, names))
}

func (s *Service) dropCachedFlags(ctx context.Context, proposalID string) {
	if s.flags == nil {
		return
	}
	if err := s.flags.InvalidateProposal(ctx, proposalID); err != nil {
		log.Printf("permission cache invalidate for %s: %v", proposalID, err)
	}
}

func isAdmin(u permissions.User) bool {
	return u.ID != "" && u.SpaceRole == rbac.RoleAdmin
}

func (s *Service) idGen(prefix string) func() string {
	return func() string { return s.newID(prefix) }
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Status >= 500 {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("charter.error_code", domainErr.Code))
		}
	}
	span.End()
}

func proposalAttr(proposalID string) attribute.KeyValue {
	return attribute.String("charter.proposal_id", proposalID)
}

func requireText(value, field string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", validation(fmt.Sprintf("%s is required", field))
	}
	return trimmed, nil
}
