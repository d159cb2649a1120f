package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"peerlines/agent/internal/project"
	"peerlines/agent/internal/util"
)

var (
	ErrUnknownClient  = errors.New("unknown client")
	ErrUnknownProject = errors.New("unknown project")
	ErrInvalidClient  = errors.New("invalid client id")
)

// Registry owns every connected client session, keyed by client id.
type Registry struct {
	tmpRoot string
	stamps  Stamps

	mu      sync.Mutex
	clients map[string]*ClientSession
}

// NewRegistry creates client temp directories under tmpRoot. A nil stamps
// keeps throttle state in process.
func NewRegistry(tmpRoot string, stamps Stamps) *Registry {
	if stamps == nil {
		stamps = NewMemoryStamps()
	}
	return &Registry{
		tmpRoot: tmpRoot,
		stamps:  stamps,
		clients: make(map[string]*ClientSession),
	}
}

// Open returns the session for clientID, creating it and its
// local/peer/download directories on first use.
func (r *Registry) Open(clientID, userID string) (*ClientSession, error) {
	if !util.ValidID(clientID) {
		return nil, fmt.Errorf("%w %q", ErrInvalidClient, clientID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[clientID]; ok {
		existing.setUser(userID)
		return existing, nil
	}

	dir := filepath.Join(r.tmpRoot, clientID)
	for _, sub := range []string{"local", "peer", "download"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create client dir: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &ClientSession{
		ID:       clientID,
		userID:   userID,
		TmpDir:   dir,
		ctx:      ctx,
		cancel:   cancel,
		stamps:   scoped(r.stamps, clientID),
		projects: make(map[string]*project.Project),
		pending:  make(map[string]struct{}),
	}
	r.clients[clientID] = sess
	return sess, nil
}

func (r *Registry) Get(clientID string) (*ClientSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", clientID, ErrUnknownClient)
	}
	return sess, nil
}

// Close stops the session's background work and removes its temp directory.
func (r *Registry) Close(clientID string) error {
	r.mu.Lock()
	sess, ok := r.clients[clientID]
	delete(r.clients, clientID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %s: %w", clientID, ErrUnknownClient)
	}
	return sess.shutdown()
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.Close(id); err != nil {
			log.Printf("session: close %s: %v", id, err)
		}
	}
}

// ClientSession is the state of one connected editor window.
type ClientSession struct {
	ID     string
	TmpDir string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stamps Stamps

	mu       sync.Mutex
	userID   string
	projects map[string]*project.Project
	active   string
	pending  map[string]struct{}
}

func (s *ClientSession) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *ClientSession) setUser(userID string) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

func (s *ClientSession) LocalDir() string {
	return filepath.Join(s.TmpDir, "local")
}

func (s *ClientSession) DownloadDir() string {
	return filepath.Join(s.TmpDir, "download")
}

// PeerDir is the extraction directory for one peer at one commit.
func (s *ClientSession) PeerDir(peerID, commit string) string {
	return filepath.Join(s.TmpDir, "peer", peerID, commit)
}

// AddProject registers p under its root, replacing any previous entry, and
// makes it active.
func (s *ClientSession) AddProject(p *project.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.Root] = p
	s.active = p.Root
}

func (s *ClientSession) RemoveProject(root string) (*project.Project, error) {
	root = filepath.Clean(root)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[root]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", root, ErrUnknownProject)
	}
	delete(s.projects, root)
	if s.active == root {
		s.active = ""
	}
	return p, nil
}

func (s *ClientSession) Project(root string) (*project.Project, error) {
	root = filepath.Clean(root)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[root]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", root, ErrUnknownProject)
	}
	return p, nil
}

// Projects lists registered projects ordered by root.
func (s *ClientSession) Projects() []*project.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*project.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Root < out[j].Root })
	return out
}

// ProjectFor resolves the project holding file, preferring the deepest root
// when registered folders are nested.
func (s *ClientSession) ProjectFor(file string) (*project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *project.Project
	for _, p := range s.projects {
		if p.Contains(file) && (best == nil || len(p.Root) > len(best.Root)) {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("file %s: %w", file, ErrUnknownProject)
	}
	return best, nil
}

// SetActive marks the project the editor is focused on.
func (s *ClientSession) SetActive(root string) error {
	root = filepath.Clean(root)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[root]; !ok {
		return fmt.Errorf("project %s: %w", root, ErrUnknownProject)
	}
	s.active = root
	return nil
}

// Active returns the focused project, if any.
func (s *ClientSession) Active() *project.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projects[s.active]
}

// Claim stamps a throttled action such as "publish:<root>".
func (s *ClientSession) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	return s.stamps.Claim(ctx, key, window)
}

// Unclaim drops a stamp so the next Claim succeeds immediately.
func (s *ClientSession) Unclaim(ctx context.Context, key string) error {
	return s.stamps.Clear(ctx, key)
}

// MarkPending flags key as in flight. It reports false when already flagged.
func (s *ClientSession) MarkPending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[key]; ok {
		return false
	}
	s.pending[key] = struct{}{}
	return true
}

func (s *ClientSession) ClearPending(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
}

func (s *ClientSession) IsPending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Context is cancelled when the session closes.
func (s *ClientSession) Context() context.Context {
	return s.ctx
}

// Go runs fn in the background; Close waits for it after cancelling ctx.
func (s *ClientSession) Go(fn func(ctx context.Context)) {
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *ClientSession) shutdown() error {
	s.cancel()
	s.wg.Wait()
	if err := os.RemoveAll(s.TmpDir); err != nil {
		return fmt.Errorf("remove client dir: %w", err)
	}
	return nil
}
