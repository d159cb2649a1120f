// Package baseline agrees with the coordinator on the common commit every
// peer of a project diffs against.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"peerlines/agent/internal/coordinator"
	"peerlines/agent/internal/project"
	"peerlines/agent/internal/vcs"
)

const negotiateTimeout = time.Minute

// ErrNoBaseline means no common commit is known for the project yet.
var ErrNoBaseline = errors.New("not synchronized")

// History is the slice of a repository negotiation reads.
type History interface {
	Head() (string, error)
	Branch() (string, error)
	Branches() ([]string, error)
	Commits(limit int) ([]vcs.Commit, error)
}

type OpenFunc func(root string) (History, error)

type Coordinator interface {
	SubmitCommits(ctx context.Context, history coordinator.CommitLog) (string, error)
	CommonSHA(ctx context.Context, origin string) (string, error)
}

type Negotiator struct {
	open       OpenFunc
	coord      Coordinator
	maxCommits int
	group      singleflight.Group
}

func NewNegotiator(open OpenFunc, coord Coordinator, maxCommits int) *Negotiator {
	if maxCommits <= 0 {
		maxCommits = 1000
	}
	return &Negotiator{open: open, coord: coord, maxCommits: maxCommits}
}

// Negotiate refreshes p's baseline. When the local head has not moved since
// the last negotiation only the current answer is re-read; otherwise the
// recent commit log is submitted. On failure the previous baseline is kept.
//
// Concurrent calls for the same project share one negotiation. Each client
// session holds its own project, so sessions never share a call. The shared
// call outlives a caller that gives up early.
func (n *Negotiator) Negotiate(ctx context.Context, p *project.Project) (string, error) {
	ch := n.group.DoChan(fmt.Sprintf("%p", p), func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), negotiateTimeout)
		defer cancel()
		return n.negotiate(shared, p)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (n *Negotiator) negotiate(ctx context.Context, p *project.Project) (string, error) {
	repo, err := n.open(p.Root)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", err
	}

	lastHead, lastSHA := p.Baseline()
	if head == lastHead && lastSHA != "" {
		cSHA, err := n.coord.CommonSHA(ctx, p.Origin)
		if err != nil {
			return "", err
		}
		if cSHA == "" {
			log.Printf("baseline: %s: coordinator returned no baseline, keeping %s", p.Origin, lastSHA)
			return lastSHA, nil
		}
		p.SetBaseline(head, cSHA)
		return cSHA, nil
	}

	branch, err := repo.Branch()
	if err != nil {
		return "", err
	}
	branches, err := repo.Branches()
	if err != nil {
		return "", err
	}
	commits, err := repo.Commits(n.maxCommits)
	if err != nil {
		return "", err
	}

	cSHA, err := n.coord.SubmitCommits(ctx, coordinator.CommitLog{
		Origin:   p.Origin,
		Branch:   branch,
		Branches: branches,
		Commits:  commits,
	})
	if err != nil {
		return "", err
	}
	if cSHA == "" {
		return "", fmt.Errorf("project %s: %w", p.Origin, ErrNoBaseline)
	}
	p.SetBaseline(head, cSHA)
	return cSHA, nil
}

// Require returns the project's current baseline without contacting anyone.
func Require(p *project.Project) (string, error) {
	if cSHA := p.CommonSHA(); cSHA != "" {
		return cSHA, nil
	}
	return "", fmt.Errorf("project %s: %w", p.Origin, ErrNoBaseline)
}
