// Package gitrepo keeps a git history of workflow definitions, one repository
// per space with one JSON file per workflow.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"charter/api/internal/workflow"
)

const branch = "main"

// Revision is one archived change to a workflow.
type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitWorkflow writes the workflow's definition and commits it. A definition
// identical to the archived one creates no commit; the current head is
// returned instead.
func (s *Service) CommitWorkflow(wf workflow.Workflow, author, message string) (Revision, error) {
	if wf.SpaceID == "" || wf.ID == "" {
		return Revision{}, errors.New("workflow needs a space and an id to be archived")
	}
	lock := s.spaceLock(wf.SpaceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(wf.SpaceID)
	if err != nil {
		return Revision{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	snapshot := wf
	snapshot.CreatedAt = time.Time{}
	snapshot.UpdatedAt = time.Time{}
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return Revision{}, fmt.Errorf("marshal workflow: %w", err)
	}
	rel := workflowPath(wf.ID)
	full := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Revision{}, fmt.Errorf("create workflows dir: %w", err)
	}
	if err := os.WriteFile(full, append(payload, '\n'), 0o644); err != nil {
		return Revision{}, fmt.Errorf("write %s: %w", rel, err)
	}
	if _, err := worktree.Add(rel); err != nil {
		return Revision{}, fmt.Errorf("git add workflow: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return Revision{}, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		if head, err := repo.Head(); err == nil {
			commitObj, err := repo.CommitObject(head.Hash())
			if err != nil {
				return Revision{}, fmt.Errorf("read head commit: %w", err)
			}
			return toRevision(commitObj), nil
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@workflows.charter.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Revision{}, fmt.Errorf("commit workflow: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// History lists the commits that touched one workflow, newest first. A space
// without an archive has no history.
func (s *Service) History(spaceID, workflowID string, limit int) ([]Revision, error) {
	lock := s.spaceLock(spaceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(spaceID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	file := workflowPath(workflowID)
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash(), FileName: &file})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// WorkflowAt reads a workflow as it was at a revision (full or short hash).
func (s *Service) WorkflowAt(spaceID, workflowID, hash string) (workflow.Workflow, error) {
	lock := s.spaceLock(spaceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(spaceID))
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return workflow.Workflow{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(workflowPath(workflowID))
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("load workflow from commit: %w", err)
	}
	contents, err := file.Contents()
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("read workflow contents: %w", err)
	}
	var wf workflow.Workflow
	if err := json.Unmarshal([]byte(contents), &wf); err != nil {
		return workflow.Workflow{}, fmt.Errorf("decode archived workflow: %w", err)
	}
	return wf, nil
}

func (s *Service) openOrInit(spaceID string) (*git.Repository, error) {
	dir := s.repoPath(spaceID)
	repo, err := git.PlainOpen(dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branch, err)
	}
	return repo, nil
}

func (s *Service) repoPath(spaceID string) string {
	return filepath.Join(s.baseDir, spaceID)
}

func (s *Service) spaceLock(spaceID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[spaceID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[spaceID] = lock
	return lock
}

func workflowPath(workflowID string) string {
	return path.Join("workflows", workflowID+".json")
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
