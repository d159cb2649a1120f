// Package peers caches what the coordinator reports about other peers'
// changes to a file.
package peers

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"peerlines/agent/internal/project"
	"peerlines/agent/internal/session"
)

const fetchTimeout = time.Minute

type Fetcher interface {
	PeerChanges(ctx context.Context, origin, fpath, clientID string) (*project.FileChangeSet, error)
}

type entry struct {
	set       *project.FileChangeSet
	fetchedAt time.Time
}

// Cache serves peer change sets per (client, project, file). Results younger
// than the threshold are reused and concurrent misses share one fetch.
type Cache struct {
	fetch     Fetcher
	threshold time.Duration
	now       func() time.Time
	group     singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
}

func NewCache(fetch Fetcher, threshold time.Duration) *Cache {
	return &Cache{
		fetch:     fetch,
		threshold: threshold,
		now:       time.Now,
		entries:   make(map[string]entry),
	}
}

// WithClock replaces the time source, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// Get returns the change set for filePath (relative to p's root). The
// caller's own entry is never included.
func (c *Cache) Get(ctx context.Context, sess *session.ClientSession, p *project.Project, filePath string) (*project.FileChangeSet, error) {
	key := cacheKey(sess.ID, p.Origin, filePath)
	if set, ok := c.fresh(key); ok {
		return set, nil
	}

	// The shared fetch is detached from the first caller's cancellation.
	ch := c.group.DoChan(key, func() (any, error) {
		if set, ok := c.fresh(key); ok {
			return set, nil
		}
		pendingKey := "fetch:" + p.Origin + ":" + filePath
		sess.MarkPending(pendingKey)
		defer sess.ClearPending(pendingKey)

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		set, err := c.fetch.PeerChanges(fetchCtx, p.Origin, filePath, sess.ID)
		if err != nil {
			return nil, err
		}
		set.WithoutPeer(sess.UserID())
		p.MergeChanges(filePath, set)

		c.mu.Lock()
		c.entries[key] = entry{set: set, fetchedAt: c.now()}
		c.mu.Unlock()
		return set, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*project.FileChangeSet).Clone(), nil
	}
}

func (c *Cache) fresh(key string) (*project.FileChangeSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.fetchedAt) >= c.threshold {
		return nil, false
	}
	return e.set.Clone(), true
}

// Forget drops every entry cached for clientID.
func (c *Cache) Forget(clientID string) {
	prefix := clientID + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

func cacheKey(clientID, origin, filePath string) string {
	return clientID + "\x00" + origin + "\x00" + filePath
}
