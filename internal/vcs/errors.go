package vcs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotRepository indicates the path is not inside a git repository.
	ErrNotRepository = errors.New("not a git repository")

	// ErrOutputTooLarge indicates a command wrote more than the runner allows.
	ErrOutputTooLarge = errors.New("output too large")

	// ErrTimeout indicates a command exceeded its wall-clock limit.
	ErrTimeout = errors.New("timeout")

	// ErrFileNotFound indicates the path does not exist in the requested commit.
	ErrFileNotFound = errors.New("file not found in commit")

	// ErrNoRemote indicates the repository has no remote to identify it by.
	ErrNoRemote = errors.New("no remote configured")
)

// VCSError describes a failed version-control operation: a subprocess that
// exited badly, or an object-store read that could not be satisfied.
type VCSError struct {
	Op       string
	Dir      string
	Reason   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *VCSError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", e.Op)
	if e.Dir != "" {
		fmt.Fprintf(&b, " (in %s)", e.Dir)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&b, ": %s", stderr)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *VCSError) Unwrap() error {
	return e.Err
}
