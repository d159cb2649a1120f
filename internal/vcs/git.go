package vcs

import (
	"context"
	"os"
	"strings"
)

// Git runs the git binary in dir.
func (r *Runner) Git(ctx context.Context, dir string, args ...string) (string, error) {
	return r.Run(ctx, dir, Command{Name: "git", Args: args})
}

// UntrackedFiles lists files git does not track and does not ignore, relative
// to root.
func (r *Runner) UntrackedFiles(ctx context.Context, root string) ([]string, error) {
	out, err := r.Git(ctx, root, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// DiffUntracked diffs an untracked file against the empty file. git exits 1
// when the inputs differ, which is the expected outcome here.
func (r *Runner) DiffUntracked(ctx context.Context, root, file string) (string, error) {
	return r.Run(ctx, root, Command{
		Name:      "git",
		Args:      append(diffFlags("diff", "--no-index"), "--", os.DevNull, file),
		AllowExit: []int{1},
	})
}

// DiffTracked diffs the working tree against commit.
func (r *Runner) DiffTracked(ctx context.Context, root, commit string) (string, error) {
	return r.Git(ctx, root, diffFlags("diff", commit)...)
}

// DiffCommits produces a zero-context diff of path between two commits.
func (r *Runner) DiffCommits(ctx context.Context, root, from, to, path string) (string, error) {
	return r.Git(ctx, root, append(diffFlags("diff", "-U0", from, to), "--", path)...)
}

func diffFlags(args ...string) []string {
	flags := []string{"--no-color", "--no-ext-diff", "--src-prefix=a/", "--dst-prefix=b/"}
	return append(append([]string{args[0]}, flags...), args[1:]...)
}
