package vcs

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Commit is one entry of the local commit log.
type Commit struct {
	Hash string    `json:"sha"`
	When time.Time `json:"t"`
}

// Repo serves object-store reads for one working copy.
type Repo struct {
	root string
	mu   sync.Mutex
	repo *git.Repository
}

// Open opens the repository containing root.
func Open(root string) (*Repo, error) {
	root = normalizeDir(root)
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, &VCSError{Op: "open repo", Dir: root, Reason: "not a git repository", Err: ErrNotRepository}
		}
		return nil, &VCSError{Op: "open repo", Dir: root, Err: err}
	}
	if worktree, err := repo.Worktree(); err == nil {
		root = worktree.Filesystem.Root()
	}
	return &Repo{root: root, repo: repo}, nil
}

func (r *Repo) Root() string {
	return r.root
}

// Head returns the full hash HEAD points at.
func (r *Repo) Head() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, err := r.repo.Head()
	if err != nil {
		return "", r.fail("resolve HEAD", err)
	}
	return ref.Hash().String(), nil
}

// Branch returns the short name of the checked-out branch, or "HEAD" when
// detached.
func (r *Repo) Branch() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, err := r.repo.Head()
	if err != nil {
		return "", r.fail("resolve HEAD", err)
	}
	if !ref.Name().IsBranch() {
		return "HEAD", nil
	}
	return ref.Name().Short(), nil
}

// Branches lists local branch names in order.
func (r *Repo) Branches() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	iter, err := r.repo.Branches()
	if err != nil {
		return nil, r.fail("list branches", err)
	}
	defer iter.Close()

	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, r.fail("iterate branches", err)
	}
	sort.Strings(names)
	return names, nil
}

// Commits walks the log from HEAD, newest first, returning at most limit
// entries (all of them when limit <= 0).
func (r *Repo) Commits(limit int) ([]Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, err := r.repo.Head()
	if err != nil {
		return nil, r.fail("resolve HEAD", err)
	}
	iter, err := r.repo.Log(&git.LogOptions{From: ref.Hash(), Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, r.fail("read log", err)
	}
	defer iter.Close()

	capacity := limit
	if capacity <= 0 || capacity > 1024 {
		capacity = 1024
	}
	items := make([]Commit, 0, capacity)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, Commit{Hash: commitObj.Hash.String(), When: commitObj.Committer.When})
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, r.fail("iterate log", err)
	}
	return items, nil
}

// Origin returns the fetch URL of the "origin" remote, falling back to the
// first remote by name.
func (r *Repo) Origin() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remotes, err := r.repo.Remotes()
	if err != nil {
		return "", r.fail("list remotes", err)
	}
	if len(remotes) == 0 {
		return "", &VCSError{Op: "list remotes", Dir: r.root, Reason: "no remote configured", Err: ErrNoRemote}
	}
	sort.Slice(remotes, func(i, j int) bool {
		return remotes[i].Config().Name < remotes[j].Config().Name
	})
	chosen := remotes[0]
	for _, remote := range remotes {
		if remote.Config().Name == git.DefaultRemoteName {
			chosen = remote
			break
		}
	}
	urls := chosen.Config().URLs
	if len(urls) == 0 {
		return "", &VCSError{Op: "read remote " + chosen.Config().Name, Dir: r.root, Reason: "remote has no url", Err: ErrNoRemote}
	}
	return urls[0], nil
}

// FileAt returns the content of path (relative to the repository root) as of
// commit. An abbreviated hash is resolved first.
func (r *Repo) FileAt(commit, path string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash, err := r.resolve(commit)
	if err != nil {
		return nil, err
	}
	commitObj, err := r.repo.CommitObject(hash)
	if err != nil {
		return nil, r.fail("read commit "+commit, err)
	}
	file, err := commitObj.File(filepath.ToSlash(path))
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, &VCSError{Op: fmt.Sprintf("load %s at %s", path, commit), Dir: r.root, Reason: "no such file", Err: ErrFileNotFound}
	}
	if err != nil {
		return nil, r.fail(fmt.Sprintf("load %s at %s", path, commit), err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, r.fail("open blob reader", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, r.fail("read blob", err)
	}
	return content, nil
}

// RelPath converts an absolute file path into a repository-relative one.
func (r *Repo) RelPath(path string) (string, error) {
	rel, err := filepath.Rel(r.root, normalizeDir(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &VCSError{Op: "relativize " + path, Dir: r.root, Reason: "path outside repository"}
	}
	return filepath.ToSlash(rel), nil
}

func (r *Repo) resolve(commit string) (plumbing.Hash, error) {
	if len(commit) == 40 {
		return plumbing.NewHash(commit), nil
	}
	resolved, err := r.repo.ResolveRevision(plumbing.Revision(commit))
	if err != nil {
		return plumbing.ZeroHash, r.fail("resolve "+commit, err)
	}
	return *resolved, nil
}

func (r *Repo) fail(op string, err error) error {
	return &VCSError{Op: op, Dir: r.root, Err: err}
}

// Repos caches opened repositories by root.
type Repos struct {
	mu    sync.Mutex
	repos map[string]*Repo
}

func NewRepos() *Repos {
	return &Repos{repos: make(map[string]*Repo)}
}

func (c *Repos) Open(root string) (*Repo, error) {
	key := normalizeDir(root)
	c.mu.Lock()
	defer c.mu.Unlock()
	if repo, ok := c.repos[key]; ok {
		return repo, nil
	}
	repo, err := Open(key)
	if err != nil {
		return nil, err
	}
	c.repos[key] = repo
	return repo, nil
}

// Forget drops a cached repository so the next Open re-reads it.
func (c *Repos) Forget(root string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.repos, normalizeDir(root))
}
