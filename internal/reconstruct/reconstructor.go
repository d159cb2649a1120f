// Package reconstruct rebuilds a peer's live copy of a file from the commit
// they diffed against plus the patch they published.
package reconstruct

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"peerlines/agent/internal/patch"
	"peerlines/agent/internal/project"
	"peerlines/agent/internal/session"
	"peerlines/agent/internal/vcs"
)

// liveDir holds patched copies next to the extracted commit snapshot.
const liveDir = ".peerlines-live"

type FileReader interface {
	FileAt(commit, path string) ([]byte, error)
}

type OpenFunc func(root string) (FileReader, error)

// PatchSource serves a peer's stored unified diff by key.
type PatchSource interface {
	FetchPatch(ctx context.Context, origin, key string) ([]byte, error)
}

type Reconstructor struct {
	open        OpenFunc
	source      PatchSource
	patchTTL    time.Duration
	concurrency int
	now         func() time.Time
	group       singleflight.Group
}

func NewReconstructor(open OpenFunc, source PatchSource, patchTTL time.Duration, concurrency int) *Reconstructor {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Reconstructor{
		open:        open,
		source:      source,
		patchTTL:    patchTTL,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Reconstruct returns the path of peerID's live copy of filePath (relative to
// the project root). Concurrent calls for the same peer, commit and file
// share one extraction.
func (r *Reconstructor) Reconstruct(ctx context.Context, sess *session.ClientSession, p *project.Project, peerID string, change project.PeerChange, filePath string) (string, error) {
	if change.CommitID == "" {
		return "", fmt.Errorf("peer %s: change for %s has no commit", peerID, filePath)
	}
	key := strings.Join([]string{sess.ID, peerID, change.CommitID, change.BlobKey, filePath}, "\x00")
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.reconstruct(ctx, sess, p, peerID, change, filePath)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Reconstructor) reconstruct(ctx context.Context, sess *session.ClientSession, p *project.Project, peerID string, change project.PeerChange, filePath string) (string, error) {
	dir := sess.PeerDir(peerID, change.CommitID)
	base, err := r.extract(p, dir, change.CommitID, filePath)
	if err != nil {
		return "", err
	}

	live := filepath.Join(dir, liveDir, filepath.FromSlash(filePath))
	content := base
	if change.BlobKey != "" {
		patchText, err := r.download(ctx, sess, p.Origin, change.BlobKey)
		if err != nil {
			return "", err
		}
		content, err = patch.ApplyText(base, patchText, filePath)
		if err != nil {
			return "", err
		}
	}
	if err := writeFile(live, content); err != nil {
		return "", err
	}
	return live, nil
}

// extract writes filePath as of commit under dir once and reuses it after.
func (r *Reconstructor) extract(p *project.Project, dir, commit, filePath string) ([]byte, error) {
	target := filepath.Join(dir, filepath.FromSlash(filePath))
	if content, err := os.ReadFile(target); err == nil {
		return content, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read extracted file: %w", err)
	}

	repo, err := r.open(p.Root)
	if err != nil {
		return nil, err
	}
	content, err := repo.FileAt(commit, filePath)
	if errors.Is(err, vcs.ErrFileNotFound) {
		// the peer created the file after commit
		content, err = []byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := writeFile(target, content); err != nil {
		return nil, err
	}
	return content, nil
}

// download returns the cached patch for key, refetching copies older than
// the patch TTL.
func (r *Reconstructor) download(ctx context.Context, sess *session.ClientSession, origin, key string) ([]byte, error) {
	target := filepath.Join(sess.DownloadDir(), patchFileName(key))
	if info, err := os.Stat(target); err == nil && (r.patchTTL <= 0 || r.now().Sub(info.ModTime()) < r.patchTTL) {
		content, err := os.ReadFile(target)
		if err == nil {
			return content, nil
		}
		log.Printf("reconstruct: read cached patch %s: %v", key, err)
	}

	content, err := r.source.FetchPatch(ctx, origin, key)
	if err != nil {
		return nil, fmt.Errorf("download patch %s: %w", key, err)
	}
	if err := writeFile(target, content); err != nil {
		return nil, err
	}
	return content, nil
}

// ReconstructAll rebuilds every peer's copy concurrently. A failing peer is
// logged and left out; the others are unaffected.
func (r *Reconstructor) ReconstructAll(ctx context.Context, sess *session.ClientSession, p *project.Project, changes map[string]project.PeerChange, filePath string) map[string]string {
	var (
		mu    sync.Mutex
		paths = make(map[string]string, len(changes))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for peerID, change := range changes {
		g.Go(func() error {
			path, err := r.Reconstruct(gctx, sess, p, peerID, change, filePath)
			if err != nil {
				log.Printf("reconstruct: peer %s %s@%s: %v", peerID, filePath, change.CommitID, err)
				return nil
			}
			mu.Lock()
			paths[peerID] = path
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return paths
}

func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("move file into place: %w", err)
	}
	return nil
}

// patchFileName maps a blob key to its download cache file. Distinct keys
// never share a file.
func patchFileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".diff"
}
