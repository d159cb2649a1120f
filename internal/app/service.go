package app

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"peerlines/agent/internal/baseline"
	"peerlines/agent/internal/config"
	"peerlines/agent/internal/cycle"
	"peerlines/agent/internal/patch"
	"peerlines/agent/internal/project"
	"peerlines/agent/internal/publish"
	"peerlines/agent/internal/reconcile"
	"peerlines/agent/internal/session"
	"peerlines/agent/internal/util"
	"peerlines/agent/internal/vcs"
	"peerlines/agent/internal/watch"
)

type WorkingCopy interface {
	Root() string
	Origin() (string, error)
	RelPath(path string) (string, error)
	FileAt(commit, path string) ([]byte, error)
}

type OpenRepoFunc func(root string) (WorkingCopy, error)

type commitDiffer interface {
	DiffCommits(ctx context.Context, root, from, to, path string) (string, error)
}

type negotiator interface {
	Negotiate(ctx context.Context, p *project.Project) (string, error)
}

type publisher interface {
	Publish(ctx context.Context, throttle publish.Throttle, p *project.Project, activePath string) (publish.Result, error)
	Loop(ctx context.Context, interval time.Duration, throttle publish.Throttle, projects func() []*project.Project)
}

type changeCache interface {
	Get(ctx context.Context, sess *session.ClientSession, p *project.Project, filePath string) (*project.FileChangeSet, error)
	Forget(clientID string)
}

type reconstructor interface {
	ReconstructAll(ctx context.Context, sess *session.ClientSession, p *project.Project, changes map[string]project.PeerChange, filePath string) map[string]string
}

type pinger interface {
	Ping(ctx context.Context) error
}

type peerCycler interface {
	Cycle(ctx context.Context, sess *session.ClientSession, p *project.Project, changes map[string]project.PeerChange, req cycle.Request) (*cycle.Match, error)
	Forget(clientID string)
}

// Deps are the collaborators a Service drives.
type Deps struct {
	Registry *session.Registry
	OpenRepo OpenRepoFunc
	// ForgetRepo drops a cached repository when its folder is unregistered.
	ForgetRepo    func(root string)
	Differ        commitDiffer
	Negotiator    negotiator
	Publisher     publisher
	Changes       changeCache
	Reconstructor reconstructor
	Cycler        peerCycler
	// Stamps is checked by the readiness probe when it can be pinged.
	Stamps session.Stamps
}

// Service is the agent engine exposed to editor clients.
type Service struct {
	cfg       config.Config
	registry  *session.Registry
	openRepo  OpenRepoFunc
	forget    func(root string)
	differ    commitDiffer
	negotiate negotiator
	publisher publisher
	changes   changeCache
	rec       reconstructor
	cycler    peerCycler
	stamps    pinger

	watchMu  sync.Mutex
	watchers map[string]context.CancelFunc
}

func New(cfg config.Config, deps Deps) *Service {
	stamps, _ := deps.Stamps.(pinger)
	return &Service{
		cfg:       cfg,
		registry:  deps.Registry,
		openRepo:  deps.OpenRepo,
		forget:    deps.ForgetRepo,
		differ:    deps.Differ,
		negotiate: deps.Negotiator,
		publisher: deps.Publisher,
		changes:   deps.Changes,
		rec:       deps.Reconstructor,
		cycler:    deps.Cycler,
		stamps:    stamps,
		watchers:  make(map[string]context.CancelFunc),
	}
}

// Ping checks the shared stamp store, when one is configured.
func (s *Service) Ping(ctx context.Context) error {
	if s.stamps == nil {
		return nil
	}
	return s.stamps.Ping(ctx)
}

type ProjectInfo struct {
	Root         string             `json:"root"`
	Origin       string             `json:"origin"`
	Head         string             `json:"head,omitempty"`
	CSHA         string             `json:"cSHA,omitempty"`
	ChangedFiles []string           `json:"changedFiles"`
	Peers        []project.PeerInfo `json:"peers"`
}

type PeerLines struct {
	PeerID   string `json:"peerId"`
	CommitID string `json:"sha"`
	Lines    []int  `json:"lines"`
}

// Highlights is the reconciled view of peer changes for one open document.
type Highlights struct {
	File        string             `json:"file"`
	CSHA        string             `json:"cSHA"`
	Lines       []int              `json:"lines"`
	Peers       []PeerLines        `json:"peers"`
	Users       []project.PeerInfo `json:"users"`
	Unavailable []string           `json:"unavailable,omitempty"`
}

// Connect opens (or returns) the client's session and starts its periodic
// publish loop the first time. An empty clientID is assigned a fresh one.
func (s *Service) Connect(ctx context.Context, clientID, userID string) (*session.ClientSession, error) {
	if strings.TrimSpace(clientID) == "" {
		clientID = util.NewID("client")
	}
	sess, err := s.registry.Open(clientID, userID)
	if err != nil {
		return nil, err
	}
	if s.cfg.PublishInterval > 0 && sess.MarkPending("loop:publish") {
		sess.Go(func(ctx context.Context) {
			s.publisher.Loop(ctx, s.cfg.PublishInterval, sess, sess.Projects)
		})
	}
	return sess, nil
}

// Disconnect tears the client's session down, including its temp directory.
func (s *Service) Disconnect(clientID string) error {
	s.changes.Forget(clientID)
	s.cycler.Forget(clientID)
	s.stopWatchers(clientID + "\x00")
	return s.registry.Close(clientID)
}

// RegisterFolder adds the repository holding root to the client's projects
// and makes a first attempt at a baseline.
func (s *Service) RegisterFolder(ctx context.Context, clientID, root string) (ProjectInfo, error) {
	if strings.TrimSpace(root) == "" {
		return ProjectInfo{}, validationError("root is required")
	}
	sess, err := s.registry.Get(clientID)
	if err != nil {
		return ProjectInfo{}, err
	}
	repo, err := s.openRepo(root)
	if err != nil {
		return ProjectInfo{}, err
	}
	origin, err := repo.Origin()
	if err != nil {
		return ProjectInfo{}, err
	}

	p := project.New(repo.Root(), origin)
	sess.AddProject(p)
	if _, err := s.negotiate.Negotiate(ctx, p); err != nil {
		log.Printf("app: initial baseline for %s: %v", p.Root, err)
	}
	if s.cfg.Watch {
		s.startWatcher(sess, p)
	}
	return projectInfo(p), nil
}

func (s *Service) UnregisterFolder(clientID, root string) error {
	sess, err := s.registry.Get(clientID)
	if err != nil {
		return err
	}
	p, err := sess.RemoveProject(root)
	if err != nil {
		return err
	}
	s.stopWatchers(watchKey(clientID, p.Root))
	if s.forget != nil {
		s.forget(p.Root)
	}
	return nil
}

func (s *Service) NegotiateBaseline(ctx context.Context, clientID, root string) (ProjectInfo, error) {
	sess, err := s.registry.Get(clientID)
	if err != nil {
		return ProjectInfo{}, err
	}
	p, err := sess.Project(root)
	if err != nil {
		return ProjectInfo{}, err
	}
	if _, err := s.negotiate.Negotiate(ctx, p); err != nil {
		return ProjectInfo{}, err
	}
	return projectInfo(p), nil
}

// PublishLocalChanges publishes the project holding file, with file as the
// active path.
func (s *Service) PublishLocalChanges(ctx context.Context, clientID, file string) (publish.Result, error) {
	sess, p, rel, _, err := s.resolve(clientID, file)
	if err != nil {
		return publish.Result{}, err
	}
	return s.publisher.Publish(ctx, sess, p, rel)
}

// FileChanges reconciles every peer's change to file into the coordinates of
// document, the editor's current (possibly unsaved) text. Peers whose copy
// cannot be rebuilt are reported as unavailable and left out.
func (s *Service) FileChanges(ctx context.Context, clientID, file, document string) (*Highlights, error) {
	sess, p, rel, repo, err := s.resolve(clientID, file)
	if err != nil {
		return nil, err
	}
	cSHA, err := s.baseline(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := sess.SetActive(p.Root); err != nil {
		return nil, err
	}
	set, err := s.changes.Get(ctx, sess, p, rel)
	if err != nil {
		return nil, err
	}

	base, err := repo.FileAt(cSHA, rel)
	if errors.Is(err, vcs.ErrFileNotFound) {
		base, err = []byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	toDocument := patch.DiffLines(string(base), document)

	// A peer whose copy cannot be rebuilt is left out entirely.
	rebuilt := s.rec.ReconstructAll(ctx, sess, p, set.File.Changes, rel)

	var (
		mu          sync.Mutex
		perPeer     = make(map[string][]int, len(rebuilt))
		unavailable []string
	)
	for peerID := range set.File.Changes {
		if _, ok := rebuilt[peerID]; !ok {
			unavailable = append(unavailable, peerID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.peerConcurrency())
	for peerID := range rebuilt {
		change := set.File.Changes[peerID]
		g.Go(func() error {
			lines, err := s.peerLines(gctx, p, rel, cSHA, change, set.Aggregate, toDocument)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("app: peer %s %s: %v", peerID, rel, err)
				unavailable = append(unavailable, peerID)
				return nil
			}
			perPeer[peerID] = lines
			return nil
		})
	}
	_ = g.Wait()

	result := &Highlights{
		File:  rel,
		CSHA:  cSHA,
		Lines: reconcile.Aggregate(perPeer),
		Peers: make([]PeerLines, 0, len(perPeer)),
		Users: set.Users,
	}
	for peerID, lines := range perPeer {
		result.Peers = append(result.Peers, PeerLines{PeerID: peerID, CommitID: set.File.Changes[peerID].CommitID, Lines: lines})
	}
	sort.Slice(result.Peers, func(i, j int) bool { return result.Peers[i].PeerID < result.Peers[j].PeerID })
	sort.Strings(unavailable)
	result.Unavailable = unavailable
	return result, nil
}

// peerLines maps the lines a peer's commit touched onto the baseline and on
// into the document.
func (s *Service) peerLines(ctx context.Context, p *project.Project, rel, cSHA string, change project.PeerChange, aggregate map[string][]int, toDocument []reconcile.EditBlock) ([]int, error) {
	lines := aggregate[change.CommitID]
	if len(lines) == 0 {
		lines = reconcile.Touched(reconcile.FromLineRanges(change.LineRanges))
	}

	var toBaseline []reconcile.EditBlock
	if change.CommitID != cSHA {
		out, err := s.differ.DiffCommits(ctx, p.Root, change.CommitID, cSHA, rel)
		if err != nil {
			return nil, err
		}
		toBaseline, err = patch.ParseBlocks([]byte(out), rel)
		if err != nil {
			return nil, err
		}
	}
	return reconcile.Reconcile(lines, toBaseline, toDocument), nil
}

// CyclePeerBlock finds the next peer whose copy of file differs from
// document at cursor.
func (s *Service) CyclePeerBlock(ctx context.Context, clientID, file, document string, cursor, direction int, startPeer string) (*cycle.Match, error) {
	if cursor < 0 {
		return nil, validationError("cursor must not be negative")
	}
	sess, p, rel, _, err := s.resolve(clientID, file)
	if err != nil {
		return nil, err
	}
	set, err := s.changes.Get(ctx, sess, p, rel)
	if err != nil {
		return nil, err
	}
	return s.cycler.Cycle(ctx, sess, p, set.File.Changes, cycle.Request{
		FilePath:  rel,
		Document:  document,
		Cursor:    cursor,
		Direction: direction,
		StartPeer: startPeer,
	})
}

func (s *Service) resolve(clientID, file string) (*session.ClientSession, *project.Project, string, WorkingCopy, error) {
	if strings.TrimSpace(file) == "" {
		return nil, nil, "", nil, validationError("file is required")
	}
	sess, err := s.registry.Get(clientID)
	if err != nil {
		return nil, nil, "", nil, err
	}
	p, err := sess.ProjectFor(filepath.Clean(file))
	if err != nil {
		return nil, nil, "", nil, err
	}
	repo, err := s.openRepo(p.Root)
	if err != nil {
		return nil, nil, "", nil, err
	}
	rel, err := repo.RelPath(file)
	if err != nil {
		return nil, nil, "", nil, err
	}
	return sess, p, rel, repo, nil
}

// baseline returns the project's agreed commit, negotiating once if none is
// known yet.
func (s *Service) baseline(ctx context.Context, p *project.Project) (string, error) {
	if cSHA, err := baseline.Require(p); err == nil {
		return cSHA, nil
	}
	return s.negotiate.Negotiate(ctx, p)
}

func (s *Service) peerConcurrency() int {
	if s.cfg.PeerConcurrency <= 0 {
		return 8
	}
	return s.cfg.PeerConcurrency
}

func (s *Service) startWatcher(sess *session.ClientSession, p *project.Project) {
	w, err := watch.New(p.Root, 300*time.Millisecond, func(paths []string) {
		if _, err := s.publisher.Publish(sess.Context(), sess, p, relativeTo(p.Root, paths[0])); err != nil {
			log.Printf("app: publish on save %s: %v", p.Root, err)
		}
	})
	if err != nil {
		log.Printf("app: watch %s: %v", p.Root, err)
		return
	}

	key := watchKey(sess.ID, p.Root)
	s.watchMu.Lock()
	if cancel, ok := s.watchers[key]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(sess.Context())
	s.watchers[key] = cancel
	s.watchMu.Unlock()

	sess.Go(func(context.Context) { w.Run(ctx) })
}

func (s *Service) stopWatchers(prefix string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for key, cancel := range s.watchers {
		if strings.HasPrefix(key, prefix) {
			cancel()
			delete(s.watchers, key)
		}
	}
}

func watchKey(clientID, root string) string {
	return clientID + "\x00" + root
}

func relativeTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

func projectInfo(p *project.Project) ProjectInfo {
	head, cSHA := p.Baseline()
	info := ProjectInfo{
		Root:         p.Root,
		Origin:       p.Origin,
		Head:         head,
		CSHA:         cSHA,
		ChangedFiles: p.ChangedFiles(),
		Peers:        make([]project.PeerInfo, 0),
	}
	for _, peer := range p.Peers() {
		info.Peers = append(info.Peers, peer)
	}
	sort.Slice(info.Peers, func(i, j int) bool { return info.Peers[i].ID < info.Peers[j].ID })
	return info
}
