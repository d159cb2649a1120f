package reconstruct

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"peerlines/agent/internal/patch"
	"peerlines/agent/internal/project"
	"peerlines/agent/internal/session"
	"peerlines/agent/internal/vcs"
)

type fakeRepo struct {
	files map[string]string
	reads atomic.Int32
}

func (f *fakeRepo) FileAt(commit, path string) ([]byte, error) {
	f.reads.Add(1)
	content, ok := f.files[commit+":"+path]
	if !ok {
		return nil, &vcs.VCSError{Op: "load " + path, Err: vcs.ErrFileNotFound}
	}
	return []byte(content), nil
}

type fakeSource struct {
	mu      sync.Mutex
	patches map[string]string
	calls   int
}

func (f *fakeSource) FetchPatch(_ context.Context, _, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	text, ok := f.patches[key]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return []byte(text), nil
}

const alicePatch = "--- a/app.txt\n+++ b/app.txt\n@@ -1,3 +1,3 @@\n one\n-two\n+TWO\n three\n"

func setup(t *testing.T) (*Reconstructor, *fakeRepo, *fakeSource, *session.ClientSession, *project.Project) {
	t.Helper()
	repo := &fakeRepo{files: map[string]string{"c1:app.txt": "one\ntwo\nthree\n"}}
	source := &fakeSource{patches: map[string]string{
		"o/alice/app.diff": alicePatch,
		"o/bob/app.diff":   "--- a/app.txt\n+++ b/app.txt\n@@ -1,2 +1,2 @@\n zero\n-two\n+deux\n",
		"o/carol/new.diff": "--- /dev/null\n+++ b/new.txt\n@@ -0,0 +1,2 @@\n+a\n+b\n",
	}}
	r := NewReconstructor(func(string) (FileReader, error) { return repo, nil }, source, time.Minute, 4)
	reg := session.NewRegistry(t.TempDir(), nil)
	sess, err := reg.Open("client-1", "me")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(reg.CloseAll)
	return r, repo, source, sess, project.New("/work/app", "o")
}

func TestReconstructAppliesPatch(t *testing.T) {
	r, _, _, sess, p := setup(t)
	change := project.PeerChange{CommitID: "c1", BlobKey: "o/alice/app.diff"}

	live, err := r.Reconstruct(context.Background(), sess, p, "alice", change, "app.txt")
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	content, err := os.ReadFile(live)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(content) != "one\nTWO\nthree\n" {
		t.Fatalf("live content = %q", content)
	}

	base, err := os.ReadFile(filepath.Join(sess.PeerDir("alice", "c1"), "app.txt"))
	if err != nil || string(base) != "one\ntwo\nthree\n" {
		t.Fatalf("extracted base = %q, %v", base, err)
	}
	if _, err := os.Stat(filepath.Join(sess.DownloadDir(), patchFileName("o/alice/app.diff"))); err != nil {
		t.Fatalf("expected cached patch: %v", err)
	}
}

func TestReconstructReusesExtractionAndDownload(t *testing.T) {
	r, repo, source, sess, p := setup(t)
	change := project.PeerChange{CommitID: "c1", BlobKey: "o/alice/app.diff"}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Reconstruct(ctx, sess, p, "alice", change, "app.txt"); err != nil {
			t.Fatalf("Reconstruct() error = %v", err)
		}
	}
	if repo.reads.Load() != 1 {
		t.Fatalf("FileAt calls = %d, want 1", repo.reads.Load())
	}
	if source.calls != 1 {
		t.Fatalf("FetchPatch calls = %d, want 1", source.calls)
	}

	// stale downloads are refreshed
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := r.Reconstruct(ctx, sess, p, "alice", change, "app.txt"); err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	if source.calls != 2 {
		t.Fatalf("FetchPatch calls after TTL = %d, want 2", source.calls)
	}
}

func TestConcurrentReconstructionsShareWork(t *testing.T) {
	r, repo, _, sess, p := setup(t)
	change := project.PeerChange{CommitID: "c1", BlobKey: "o/alice/app.diff"}

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Reconstruct(context.Background(), sess, p, "alice", change, "app.txt")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("Reconstruct() #%d error = %v", i, err)
		}
	}
	if repo.reads.Load() != 1 {
		t.Fatalf("FileAt calls = %d, want 1", repo.reads.Load())
	}
}

func TestReconstructPatchMismatch(t *testing.T) {
	r, _, _, sess, p := setup(t)
	change := project.PeerChange{CommitID: "c1", BlobKey: "o/bob/app.diff"}

	_, err := r.Reconstruct(context.Background(), sess, p, "bob", change, "app.txt")
	var patchErr *patch.PatchError
	if !errors.As(err, &patchErr) {
		t.Fatalf("expected PatchError, got %v", err)
	}
}

func TestReconstructNewFile(t *testing.T) {
	r, _, _, sess, p := setup(t)
	change := project.PeerChange{CommitID: "c1", BlobKey: "o/carol/new.diff"}

	live, err := r.Reconstruct(context.Background(), sess, p, "carol", change, "new.txt")
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	content, _ := os.ReadFile(live)
	if string(content) != "a\nb\n" {
		t.Fatalf("live content = %q", content)
	}
}

func TestReconstructAllSettlesEveryPeer(t *testing.T) {
	r, _, _, sess, p := setup(t)
	changes := map[string]project.PeerChange{
		"alice": {CommitID: "c1", BlobKey: "o/alice/app.diff"},
		"bob":   {CommitID: "c1", BlobKey: "o/bob/app.diff"},
		"dave":  {CommitID: "c1", BlobKey: "o/dave/missing.diff"},
		"erin":  {CommitID: "c1"},
	}

	paths := r.ReconstructAll(context.Background(), sess, p, changes, "app.txt")
	if len(paths) != 2 {
		t.Fatalf("ReconstructAll() = %v, want alice and erin", paths)
	}
	if _, ok := paths["alice"]; !ok {
		t.Fatal("alice missing")
	}
	erin, ok := paths["erin"]
	if !ok {
		t.Fatal("erin missing")
	}
	content, _ := os.ReadFile(erin)
	if string(content) != "one\ntwo\nthree\n" {
		t.Fatalf("unpatched copy = %q", content)
	}
}

func TestPatchFileNameKeepsKeysApart(t *testing.T) {
	keys := []string{"o/alice/x.diff", "o_alice/x.diff", "o:alice/x.diff", "/o/alice/x.diff", `o\alice\x.diff`}
	seen := make(map[string]string)
	for _, key := range keys {
		name := patchFileName(key)
		if name != filepath.Base(name) || name == ".." {
			t.Fatalf("patchFileName(%q) = %q is not a plain file name", key, name)
		}
		if other, ok := seen[name]; ok {
			t.Fatalf("keys %q and %q share cache file %q", other, key, name)
		}
		seen[name] = key
	}
	if patchFileName("o/alice/x.diff") != patchFileName("o/alice/x.diff") {
		t.Fatal("patchFileName() is not stable")
	}
}

func TestSimilarKeysGetTheirOwnPatch(t *testing.T) {
	r, _, source, sess, p := setup(t)
	source.patches["o_alice/app.diff"] = "--- a/app.txt\n+++ b/app.txt\n@@ -1,3 +1,3 @@\n one\n two\n-three\n+THREE\n"
	ctx := context.Background()

	alice, err := r.Reconstruct(ctx, sess, p, "alice", project.PeerChange{CommitID: "c1", BlobKey: "o/alice/app.diff"}, "app.txt")
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	dave, err := r.Reconstruct(ctx, sess, p, "dave", project.PeerChange{CommitID: "c1", BlobKey: "o_alice/app.diff"}, "app.txt")
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}

	if content, _ := os.ReadFile(alice); string(content) != "one\nTWO\nthree\n" {
		t.Fatalf("alice copy = %q", content)
	}
	if content, _ := os.ReadFile(dave); string(content) != "one\ntwo\nTHREE\n" {
		t.Fatalf("dave copy = %q", content)
	}
}
