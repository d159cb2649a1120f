package vcs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"

	"peerlines/agent/internal/patch"
)

type testRepo struct {
	root string
	repo *git.Repository
	when time.Time
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	if err != nil {
		t.Fatalf("PlainInit() error = %v", err)
	}
	return &testRepo{root: root, repo: repo, when: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (tr *testRepo) commit(t *testing.T, files map[string]string, message string) string {
	t.Helper()
	worktree, err := tr.repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree() error = %v", err)
	}
	for name, content := range files {
		full := filepath.Join(tr.root, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		if _, err := worktree.Add(name); err != nil {
			t.Fatalf("Add(%s) error = %v", name, err)
		}
	}
	tr.when = tr.when.Add(time.Minute)
	sig := &object.Signature{Name: "Dev", Email: "dev@example.com", When: tr.when}
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return hash.String()
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func TestRepoReads(t *testing.T) {
	tr := newTestRepo(t)
	first := tr.commit(t, map[string]string{"src/main.go": "package main\n"}, "first")
	second := tr.commit(t, map[string]string{"src/main.go": "package main\n\nfunc main() {}\n"}, "second")
	if _, err := tr.repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{"git@example.com:team/app.git"}}); err != nil {
		t.Fatalf("CreateRemote() error = %v", err)
	}

	repo, err := Open(filepath.Join(tr.root, "src"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head != second {
		t.Fatalf("Head() = %s, want %s", head, second)
	}

	commits, err := repo.Commits(0)
	if err != nil {
		t.Fatalf("Commits() error = %v", err)
	}
	if len(commits) != 2 || commits[0].Hash != second || commits[1].Hash != first {
		t.Fatalf("Commits() = %+v", commits)
	}
	limited, err := repo.Commits(1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("Commits(1) = %+v, %v", limited, err)
	}

	origin, err := repo.Origin()
	if err != nil {
		t.Fatalf("Origin() error = %v", err)
	}
	if origin != "git@example.com:team/app.git" {
		t.Fatalf("Origin() = %q", origin)
	}

	content, err := repo.FileAt(first[:7], "src/main.go")
	if err != nil {
		t.Fatalf("FileAt() error = %v", err)
	}
	if string(content) != "package main\n" {
		t.Fatalf("FileAt() = %q", content)
	}

	if _, err := repo.FileAt(first, "src/missing.go"); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}

	branches, err := repo.Branches()
	if err != nil {
		t.Fatalf("Branches() error = %v", err)
	}
	if !reflect.DeepEqual(branches, []string{"master"}) {
		t.Fatalf("Branches() = %v", branches)
	}

	rel, err := repo.RelPath(filepath.Join(tr.root, "src", "main.go"))
	if err != nil || rel != "src/main.go" {
		t.Fatalf("RelPath() = %q, %v", rel, err)
	}
}

func TestOpenNotRepository(t *testing.T) {
	_, err := Open(t.TempDir())
	if !errors.Is(err, ErrNotRepository) {
		t.Fatalf("expected ErrNotRepository, got %v", err)
	}
	var vcsErr *VCSError
	if !errors.As(err, &vcsErr) {
		t.Fatalf("expected VCSError, got %T", err)
	}
}

func TestFileAtMissingCommit(t *testing.T) {
	tr := newTestRepo(t)
	tr.commit(t, map[string]string{"a.txt": "a\n"}, "init")
	repo, err := Open(tr.root)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_, err = repo.FileAt(strings.Repeat("ab", 20), "a.txt")
	var vcsErr *VCSError
	if !errors.As(err, &vcsErr) {
		t.Fatalf("expected VCSError, got %v", err)
	}
}

func TestOriginWithoutRemote(t *testing.T) {
	tr := newTestRepo(t)
	tr.commit(t, map[string]string{"a.txt": "a\n"}, "init")
	repo, err := Open(tr.root)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := repo.Origin(); !errors.Is(err, ErrNoRemote) {
		t.Fatalf("expected ErrNoRemote, got %v", err)
	}
}

func TestReposCachesByRoot(t *testing.T) {
	tr := newTestRepo(t)
	tr.commit(t, map[string]string{"a.txt": "a\n"}, "init")
	repos := NewRepos()
	first, err := repos.Open(tr.root)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	second, err := repos.Open(tr.root + string(filepath.Separator))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if first != second {
		t.Fatal("expected cached repo to be reused")
	}
	repos.Forget(tr.root)
	third, err := repos.Open(tr.root)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if third == first {
		t.Fatal("expected a fresh repo after Forget")
	}
}

func TestNormalizeDir(t *testing.T) {
	cases := map[string]string{
		"":                     "",
		"/home/dev/../dev/app": filepath.FromSlash("/home/dev/app"),
		"/c:/work/app":         filepath.FromSlash("c:/work/app"),
		`C:\work\app\`:         filepath.FromSlash("C:/work/app"),
	}
	for in, want := range cases {
		if got := normalizeDir(in); got != want {
			t.Fatalf("normalizeDir(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunnerDiffTracked(t *testing.T) {
	requireGit(t)
	tr := newTestRepo(t)
	head := tr.commit(t, map[string]string{"notes.txt": "a\nb\nc\n"}, "init")
	if err := os.WriteFile(filepath.Join(tr.root, "notes.txt"), []byte("a\nB\nc\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	runner := NewRunner(0, 0)
	out, err := runner.DiffTracked(context.Background(), tr.root, head)
	if err != nil {
		t.Fatalf("DiffTracked() error = %v", err)
	}
	blocks, err := patch.ParseBlocks([]byte(out), "notes.txt")
	if err != nil {
		t.Fatalf("ParseBlocks() error = %v", err)
	}
	if len(blocks) != 1 || blocks[0].Line != 2 || blocks[0].Deleted != 1 || blocks[0].Inserted != 1 {
		t.Fatalf("unexpected blocks %+v from diff:\n%s", blocks, out)
	}
}

func TestRunnerUntracked(t *testing.T) {
	requireGit(t)
	tr := newTestRepo(t)
	tr.commit(t, map[string]string{"tracked.txt": "x\n"}, "init")
	if err := os.WriteFile(filepath.Join(tr.root, "fresh.txt"), []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	runner := NewRunner(0, 0)
	files, err := runner.UntrackedFiles(context.Background(), tr.root)
	if err != nil {
		t.Fatalf("UntrackedFiles() error = %v", err)
	}
	if !reflect.DeepEqual(files, []string{"fresh.txt"}) {
		t.Fatalf("UntrackedFiles() = %v", files)
	}

	out, err := runner.DiffUntracked(context.Background(), tr.root, "fresh.txt")
	if err != nil {
		t.Fatalf("DiffUntracked() error = %v", err)
	}
	if !strings.Contains(out, "+one") || !strings.Contains(out, "+two") {
		t.Fatalf("DiffUntracked() = %q", out)
	}
}

func TestRunnerDiffCommits(t *testing.T) {
	requireGit(t)
	tr := newTestRepo(t)
	from := tr.commit(t, map[string]string{"f.txt": "1\n2\n3\n"}, "one")
	to := tr.commit(t, map[string]string{"f.txt": "1\n2\nx\ny\n3\n"}, "two")

	out, err := NewRunner(0, 0).DiffCommits(context.Background(), tr.root, from, to, "f.txt")
	if err != nil {
		t.Fatalf("DiffCommits() error = %v", err)
	}
	blocks, err := patch.ParseBlocks([]byte(out), "f.txt")
	if err != nil {
		t.Fatalf("ParseBlocks() error = %v", err)
	}
	if len(blocks) != 1 || blocks[0].Line != 2 || blocks[0].Inserted != 2 {
		t.Fatalf("unexpected blocks %+v", blocks)
	}
}

func TestRunnerNonZeroExit(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	_ = os.WriteFile(a, []byte("a\n"), 0o644)
	_ = os.WriteFile(b, []byte("b\n"), 0o644)

	runner := NewRunner(0, 0)
	_, err := runner.Run(context.Background(), dir, Command{Name: "git", Args: []string{"diff", "--no-index", a, b}})
	var vcsErr *VCSError
	if !errors.As(err, &vcsErr) {
		t.Fatalf("expected VCSError, got %v", err)
	}
	if vcsErr.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1", vcsErr.ExitCode)
	}

	out, err := runner.Run(context.Background(), dir, Command{Name: "git", Args: []string{"diff", "--no-index", a, b}, AllowExit: []int{1}})
	if err != nil {
		t.Fatalf("Run() with allowed exit error = %v", err)
	}
	if !strings.Contains(out, "+b") {
		t.Fatalf("Run() = %q", out)
	}
}

func TestRunnerOutputBound(t *testing.T) {
	requireGit(t)
	runner := NewRunner(4, time.Minute)
	_, err := runner.Run(context.Background(), t.TempDir(), Command{Name: "git", Args: []string{"--version"}})
	if !errors.Is(err, ErrOutputTooLarge) {
		t.Fatalf("expected ErrOutputTooLarge, got %v", err)
	}
	var vcsErr *VCSError
	if !errors.As(err, &vcsErr) || vcsErr.Reason != "output too large" {
		t.Fatalf("unexpected error %#v", err)
	}
}

func TestRunnerTimeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep binary not available")
	}
	runner := NewRunner(0, 50*time.Millisecond)
	_, err := runner.Run(context.Background(), t.TempDir(), Command{Name: "sleep", Args: []string{"5"}})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRunnerSpawnFailure(t *testing.T) {
	_, err := NewRunner(0, 0).Run(context.Background(), t.TempDir(), Command{Name: "peerlines-no-such-binary"})
	var vcsErr *VCSError
	if !errors.As(err, &vcsErr) || vcsErr.Reason != "spawn failed" {
		t.Fatalf("expected spawn failure, got %v", err)
	}
}
