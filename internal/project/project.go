// Package project holds the per-folder state an agent keeps for one working
// copy: its identity, baseline and the cached peer changes per file.
package project

import (
	"maps"
	"path/filepath"
	"strings"
	"sync"
)

// PeerInfo identifies a collaborator of a project.
type PeerInfo struct {
	ID    string `json:"_id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// PeerChange describes one peer's pending change to a file. LineRanges
// entries have the form [line, -deleted, inserted].
type PeerChange struct {
	CommitID   string  `json:"sha"`
	LineRanges [][]int `json:"lineRanges"`
	BlobKey    string  `json:"s3key"`
}

type FileChanges struct {
	Path    string                `json:"file"`
	Changes map[string]PeerChange `json:"changes"`
}

// FileChangeSet is what the coordinator reports for one file. Aggregate holds,
// per commit a peer diffed against, the sorted lines that diff touched.
type FileChangeSet struct {
	Users     []PeerInfo       `json:"users"`
	File      FileChanges      `json:"file"`
	Tree      []string         `json:"tree"`
	Aggregate map[string][]int `json:"aggregate"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *FileChangeSet) Clone() *FileChangeSet {
	if c == nil {
		return nil
	}
	out := &FileChangeSet{
		Users: append([]PeerInfo(nil), c.Users...),
		Tree:  append([]string(nil), c.Tree...),
		File: FileChanges{
			Path:    c.File.Path,
			Changes: make(map[string]PeerChange, len(c.File.Changes)),
		},
		Aggregate: make(map[string][]int, len(c.Aggregate)),
	}
	for id, change := range c.File.Changes {
		ranges := make([][]int, len(change.LineRanges))
		for i, r := range change.LineRanges {
			ranges[i] = append([]int(nil), r...)
		}
		change.LineRanges = ranges
		out.File.Changes[id] = change
	}
	for commit, lines := range c.Aggregate {
		out.Aggregate[commit] = append([]int(nil), lines...)
	}
	return out
}

// WithoutPeer drops every trace of peerID from the change set in place.
func (c *FileChangeSet) WithoutPeer(peerID string) *FileChangeSet {
	if peerID == "" {
		return c
	}
	delete(c.File.Changes, peerID)
	users := c.Users[:0]
	for _, user := range c.Users {
		if user.ID != peerID {
			users = append(users, user)
		}
	}
	c.Users = users
	return c
}

// Project is one registered working copy. Origin identifies it across peers;
// Root is only meaningful on this machine.
type Project struct {
	Root   string
	Origin string

	mu      sync.Mutex
	head    string
	cSHA    string
	changes map[string]*FileChangeSet
	peers   map[string]PeerInfo
}

func New(root, origin string) *Project {
	return &Project{
		Root:    filepath.Clean(root),
		Origin:  origin,
		changes: make(map[string]*FileChangeSet),
		peers:   make(map[string]PeerInfo),
	}
}

// Baseline returns the head last negotiated and the agreed common commit.
func (p *Project) Baseline() (head, cSHA string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head, p.cSHA
}

func (p *Project) SetBaseline(head, cSHA string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.head = head
	p.cSHA = cSHA
}

func (p *Project) CommonSHA() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cSHA
}

// Changes returns a copy of the cached change set for a repository-relative path.
func (p *Project) Changes(path string) (*FileChangeSet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.changes[path]
	if !ok {
		return nil, false
	}
	return set.Clone(), true
}

// MergeChanges stores set for path and, per the tree listing, marks every
// other listed file as seen with an empty change set when none is cached.
func (p *Project) MergeChanges(path string, set *FileChangeSet) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.changes[path] = set.Clone()
	for _, user := range set.Users {
		p.peers[user.ID] = user
	}
	for _, other := range set.Tree {
		if other == path {
			continue
		}
		if _, ok := p.changes[other]; !ok {
			p.changes[other] = &FileChangeSet{
				Tree:      append([]string(nil), set.Tree...),
				File:      FileChanges{Path: other, Changes: map[string]PeerChange{}},
				Aggregate: map[string][]int{},
			}
			continue
		}
		p.changes[other].Tree = append([]string(nil), set.Tree...)
	}
}

// ChangedFiles lists paths the project holds change sets for.
func (p *Project) ChangedFiles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.changes))
	for path := range maps.Keys(p.changes) {
		out = append(out, path)
	}
	return out
}

// Peers returns every collaborator seen so far.
func (p *Project) Peers() map[string]PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.peers)
}

// Contains reports whether file lives under the project root.
func (p *Project) Contains(file string) bool {
	file = filepath.Clean(file)
	if file == p.Root {
		return true
	}
	return strings.HasPrefix(file, p.Root+string(filepath.Separator))
}
