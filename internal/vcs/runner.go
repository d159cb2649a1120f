// Package vcs reads git repositories: working-tree diffs through the git
// binary and object-store lookups through go-git.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxOutput = 64 << 20
	defaultTimeout   = 30 * time.Second
)

// Command is one subprocess invocation. AllowExit lists non-zero exit codes
// that still count as success.
type Command struct {
	Name      string
	Args      []string
	AllowExit []int
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner spawns version-control subprocesses with bounded output and a
// wall-clock limit. Failures are never retried.
type Runner struct {
	MaxOutput int
	Timeout   time.Duration
}

func NewRunner(maxOutput int, timeout time.Duration) *Runner {
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Runner{MaxOutput: maxOutput, Timeout: timeout}
}

// Run executes cmd in dir and returns its stdout.
func (r *Runner) Run(ctx context.Context, dir string, cmd Command) (string, error) {
	dir = normalizeDir(dir)
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	stdout := &cappedBuffer{limit: r.maxOutput(), onExceed: cancel}
	var stderr bytes.Buffer

	proc := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	proc.Dir = dir
	proc.Stdout = stdout
	proc.Stderr = &stderr

	err := proc.Run()
	if stdout.Exceeded() {
		return "", &VCSError{Op: cmd.String(), Dir: dir, Reason: "output too large", Err: ErrOutputTooLarge}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", &VCSError{Op: cmd.String(), Dir: dir, Reason: "timeout", Err: ErrTimeout}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", &VCSError{Op: cmd.String(), Dir: dir, Reason: "cancelled", Err: ctxErr}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", &VCSError{Op: cmd.String(), Dir: dir, Reason: "spawn failed", Err: err}
		}
		code := exitErr.ExitCode()
		if !slices.Contains(cmd.AllowExit, code) {
			return "", &VCSError{
				Op:       cmd.String(),
				Dir:      dir,
				Reason:   fmt.Sprintf("exit status %d", code),
				ExitCode: code,
				Stderr:   stderr.String(),
				Err:      err,
			}
		}
	}

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		log.Printf("vcs: %s: stderr: %s", cmd, msg)
	}
	return stdout.String(), nil
}

func (r *Runner) maxOutput() int {
	if r.MaxOutput <= 0 {
		return defaultMaxOutput
	}
	return r.MaxOutput
}

func (r *Runner) timeout() time.Duration {
	if r.Timeout <= 0 {
		return defaultTimeout
	}
	return r.Timeout
}

// normalizeDir accepts editor-style paths such as "/c:/work/repo" or
// backslash-separated Windows paths.
func normalizeDir(dir string) string {
	if dir == "" {
		return dir
	}
	d := strings.ReplaceAll(dir, "\\", "/")
	if len(d) >= 3 && d[0] == '/' && isDriveLetter(d[1]) && d[2] == ':' {
		d = d[1:]
	}
	return filepath.Clean(filepath.FromSlash(d))
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// cappedBuffer keeps at most limit bytes and reports overflow once.
type cappedBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	limit    int
	exceeded bool
	onExceed func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exceeded {
		return len(p), nil
	}
	if b.buf.Len()+len(p) > b.limit {
		b.exceeded = true
		if b.onExceed != nil {
			b.onExceed()
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
