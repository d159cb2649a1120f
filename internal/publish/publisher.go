// Package publish uploads the local working-copy diff against the baseline so
// peers can see it.
package publish

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"peerlines/agent/internal/coordinator"
	"peerlines/agent/internal/project"
)

// ArchiveEntry is the file name the diff travels under inside the upload.
const ArchiveEntry = "uploaded.diff"

type Differ interface {
	UntrackedFiles(ctx context.Context, root string) ([]string, error)
	DiffUntracked(ctx context.Context, root, file string) (string, error)
	DiffTracked(ctx context.Context, root, commit string) (string, error)
}

type Negotiator interface {
	Negotiate(ctx context.Context, p *project.Project) (string, error)
}

type Uploader interface {
	UploadContrib(ctx context.Context, contrib coordinator.Contribution) error
}

// Throttle is the per-client stamp store publishes are rate limited by.
type Throttle interface {
	Claim(ctx context.Context, key string, window time.Duration) (bool, error)
	Unclaim(ctx context.Context, key string) error
}

type Result struct {
	Skipped bool   `json:"skipped"`
	SHA     string `json:"sha,omitempty"`
	Bytes   int    `json:"bytes"`
}

type Publisher struct {
	diff       Differ
	negotiator Negotiator
	upload     Uploader
	threshold  time.Duration
}

func NewPublisher(diff Differ, negotiator Negotiator, upload Uploader, threshold time.Duration) *Publisher {
	return &Publisher{diff: diff, negotiator: negotiator, upload: upload, threshold: threshold}
}

// Publish uploads p's local diff unless this client published the same root
// within the threshold.
func (pub *Publisher) Publish(ctx context.Context, throttle Throttle, p *project.Project, activePath string) (Result, error) {
	key := "publish:" + p.Root
	ok, err := throttle.Claim(ctx, key, pub.threshold)
	if err != nil {
		return Result{}, fmt.Errorf("claim publish slot: %w", err)
	}
	if !ok {
		return Result{Skipped: true}, nil
	}

	result, err := pub.publish(ctx, p, activePath)
	if err != nil {
		if clearErr := throttle.Unclaim(ctx, key); clearErr != nil {
			log.Printf("publish: release throttle for %s: %v", p.Root, clearErr)
		}
		return Result{}, err
	}
	return result, nil
}

func (pub *Publisher) publish(ctx context.Context, p *project.Project, activePath string) (Result, error) {
	cSHA, err := pub.negotiator.Negotiate(ctx, p)
	if err != nil {
		return Result{}, err
	}

	var combined strings.Builder
	untracked, err := pub.diff.UntrackedFiles(ctx, p.Root)
	if err != nil {
		return Result{}, err
	}
	for _, file := range untracked {
		out, err := pub.diff.DiffUntracked(ctx, p.Root, file)
		if err != nil {
			return Result{}, err
		}
		combined.WriteString(out)
	}
	tracked, err := pub.diff.DiffTracked(ctx, p.Root, cSHA)
	if err != nil {
		return Result{}, err
	}
	combined.WriteString(tracked)

	archive, err := Archive([]byte(combined.String()))
	if err != nil {
		return Result{}, err
	}
	err = pub.upload.UploadContrib(ctx, coordinator.Contribution{
		ActivePath: activePath,
		Origin:     p.Origin,
		SHA:        cSHA,
		Archive:    archive,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{SHA: cSHA, Bytes: combined.Len()}, nil
}

// Archive zips a diff into the single-entry upload format.
func Archive(diff []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(ArchiveEntry)
	if err != nil {
		return nil, fmt.Errorf("create archive entry: %w", err)
	}
	if _, err := w.Write(diff); err != nil {
		return nil, fmt.Errorf("write archive entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Loop publishes every project returned by projects on each tick until ctx
// is cancelled. Failures are logged and retried on the next tick.
func (pub *Publisher) Loop(ctx context.Context, interval time.Duration, throttle Throttle, projects func() []*project.Project) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range projects() {
				if _, err := pub.Publish(ctx, throttle, p, ""); err != nil && ctx.Err() == nil {
					log.Printf("publish: periodic publish of %s: %v", p.Root, err)
				}
			}
		}
	}
}
