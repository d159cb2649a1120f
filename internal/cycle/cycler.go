// Package cycle walks a file's peers in turn looking for one whose version
// differs from the open document at the cursor.
package cycle

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"peerlines/agent/internal/patch"
	"peerlines/agent/internal/project"
	"peerlines/agent/internal/reconcile"
	"peerlines/agent/internal/session"
)

type Reconstructor interface {
	Reconstruct(ctx context.Context, sess *session.ClientSession, p *project.Project, peerID string, change project.PeerChange, filePath string) (string, error)
}

type Request struct {
	FilePath string
	Document string
	// Cursor is the 0-based document line.
	Cursor    int
	Direction int
	StartPeer string
}

// Match is the first peer block covering the cursor. Block.Line is a 1-based
// document line and Block.Content holds the peer's lines.
type Match struct {
	PeerID string              `json:"peerId"`
	Block  reconcile.EditBlock `json:"block"`
}

type Cycler struct {
	rec Reconstructor

	mu    sync.Mutex
	index map[string]int
}

func NewCycler(rec Reconstructor) *Cycler {
	return &Cycler{rec: rec, index: make(map[string]int)}
}

// Cycle advances the rotation for p's origin in req.Direction and returns
// the first peer block covering the cursor. It returns nil after visiting
// every peer once without a match.
func (c *Cycler) Cycle(ctx context.Context, sess *session.ClientSession, p *project.Project, changes map[string]project.PeerChange, req Request) (*Match, error) {
	peers := make([]string, 0, len(changes))
	for id := range changes {
		peers = append(peers, id)
	}
	if len(peers) == 0 {
		return nil, nil
	}
	sort.Strings(peers)

	step := 1
	if req.Direction < 0 {
		step = -1
	}
	key := sess.ID + "\x00" + p.Origin
	start := c.start(key, peers, step, req.StartPeer)

	for i := 0; i < len(peers); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := wrap(start+i*step, len(peers))
		peerID := peers[idx]
		block, ok, err := c.search(ctx, sess, p, peerID, changes[peerID], req)
		if err != nil {
			log.Printf("cycle: peer %s %s: %v", peerID, req.FilePath, err)
			continue
		}
		if ok {
			c.remember(key, idx)
			return &Match{PeerID: peerID, Block: block}, nil
		}
	}
	return nil, nil
}

func (c *Cycler) search(ctx context.Context, sess *session.ClientSession, p *project.Project, peerID string, change project.PeerChange, req Request) (reconcile.EditBlock, bool, error) {
	live, err := c.rec.Reconstruct(ctx, sess, p, peerID, change, req.FilePath)
	if err != nil {
		return reconcile.EditBlock{}, false, err
	}
	content, err := os.ReadFile(live)
	if err != nil {
		return reconcile.EditBlock{}, false, fmt.Errorf("read peer copy: %w", err)
	}
	for _, block := range patch.DiffLines(req.Document, string(content)) {
		if block.Covers(req.Cursor) {
			return block, true, nil
		}
	}
	return reconcile.EditBlock{}, false, nil
}

func (c *Cycler) start(key string, peers []string, step int, startPeer string) int {
	if startPeer != "" {
		if i := sort.SearchStrings(peers, startPeer); i < len(peers) && peers[i] == startPeer {
			return i
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.index[key]
	if !ok {
		if step > 0 {
			return 0
		}
		return len(peers) - 1
	}
	return wrap(last+step, len(peers))
}

func (c *Cycler) remember(key string, idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index[key] = idx
}

// Forget resets the rotation for every origin of clientID.
func (c *Cycler) Forget(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.index {
		if len(key) > len(clientID) && key[:len(clientID)+1] == clientID+"\x00" {
			delete(c.index, key)
		}
	}
}

func wrap(i, n int) int {
	return ((i % n) + n) % n
}
