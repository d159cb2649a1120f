package publish

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"peerlines/agent/internal/coordinator"
	"peerlines/agent/internal/project"
	"peerlines/agent/internal/session"
)

type fakeDiffer struct {
	untracked    []string
	trackedErr   error
	trackedCalls int
	commits      []string
}

func (f *fakeDiffer) UntrackedFiles(context.Context, string) ([]string, error) {
	return f.untracked, nil
}

func (f *fakeDiffer) DiffUntracked(_ context.Context, _, file string) (string, error) {
	return "--- /dev/null\n+++ b/" + file + "\n@@ -0,0 +1 @@\n+new\n", nil
}

func (f *fakeDiffer) DiffTracked(_ context.Context, _, commit string) (string, error) {
	f.trackedCalls++
	f.commits = append(f.commits, commit)
	if f.trackedErr != nil {
		return "", f.trackedErr
	}
	return "--- a/app.go\n+++ b/app.go\n@@ -1 +1 @@\n-a\n+b\n", nil
}

type fakeNegotiator struct {
	cSHA string
	err  error
}

func (f fakeNegotiator) Negotiate(context.Context, *project.Project) (string, error) {
	return f.cSHA, f.err
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []coordinator.Contribution
	err     error
}

func (f *fakeUploader) UploadContrib(_ context.Context, c coordinator.Contribution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, c)
	return f.err
}

func newSession(t *testing.T) *session.ClientSession {
	t.Helper()
	reg := session.NewRegistry(t.TempDir(), nil)
	sess, err := reg.Open("client-1", "user-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(reg.CloseAll)
	return sess
}

func readArchive(t *testing.T, data []byte) string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != ArchiveEntry {
		t.Fatalf("unexpected archive entries %v", zr.File)
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	return string(body)
}

func TestPublishUploadsCombinedDiff(t *testing.T) {
	differ := &fakeDiffer{untracked: []string{"fresh.go"}}
	uploader := &fakeUploader{}
	pub := NewPublisher(differ, fakeNegotiator{cSHA: "c1"}, uploader, time.Second)
	p := project.New("/work/app", "git@example.com:team/app.git")

	result, err := pub.Publish(context.Background(), newSession(t), p, "app.go")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if result.Skipped || result.SHA != "c1" || result.Bytes == 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(uploader.uploads) != 1 {
		t.Fatalf("uploads = %d", len(uploader.uploads))
	}
	up := uploader.uploads[0]
	if up.ActivePath != "app.go" || up.Origin != p.Origin || up.SHA != "c1" {
		t.Fatalf("unexpected contribution %+v", up)
	}
	body := readArchive(t, up.Archive)
	if !strings.Contains(body, "+++ b/fresh.go") || !strings.Contains(body, "+++ b/app.go") {
		t.Fatalf("archive missing diffs:\n%s", body)
	}
	if strings.Index(body, "fresh.go") > strings.Index(body, "app.go") {
		t.Fatal("expected untracked diffs before the tracked diff")
	}
	if differ.commits[0] != "c1" {
		t.Fatalf("tracked diff against %q, want c1", differ.commits[0])
	}
}

func TestPublishThrottledWithinThreshold(t *testing.T) {
	differ := &fakeDiffer{}
	uploader := &fakeUploader{}
	pub := NewPublisher(differ, fakeNegotiator{cSHA: "c1"}, uploader, time.Minute)
	p := project.New("/work/app", "o")
	sess := newSession(t)

	if _, err := pub.Publish(context.Background(), sess, p, ""); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	result, err := pub.Publish(context.Background(), sess, p, "")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected second publish to be skipped")
	}
	if differ.trackedCalls != 1 || len(uploader.uploads) != 1 {
		t.Fatalf("tracked=%d uploads=%d, want 1/1", differ.trackedCalls, len(uploader.uploads))
	}
}

func TestPublishFailureSurfacesCause(t *testing.T) {
	boom := errors.New("git diff failed")
	differ := &fakeDiffer{trackedErr: boom}
	uploader := &fakeUploader{}
	pub := NewPublisher(differ, fakeNegotiator{cSHA: "c1"}, uploader, time.Minute)
	p := project.New("/work/app", "o")
	sess := newSession(t)

	if _, err := pub.Publish(context.Background(), sess, p, ""); !errors.Is(err, boom) {
		t.Fatalf("expected diff failure, got %v", err)
	}
	if len(uploader.uploads) != 0 {
		t.Fatal("nothing should be uploaded after a failure")
	}

	// a failed attempt does not hold the throttle
	differ.trackedErr = nil
	result, err := pub.Publish(context.Background(), sess, p, "")
	if err != nil || result.Skipped {
		t.Fatalf("retry = %+v, %v", result, err)
	}
}

func TestPublishNegotiationFailureAborts(t *testing.T) {
	netErr := &coordinator.NetworkError{Op: "submit commits", Err: errors.New("down")}
	differ := &fakeDiffer{}
	pub := NewPublisher(differ, fakeNegotiator{err: netErr}, &fakeUploader{}, time.Second)

	_, err := pub.Publish(context.Background(), newSession(t), project.New("/work/app", "o"), "")
	var got *coordinator.NetworkError
	if !errors.As(err, &got) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if differ.trackedCalls != 0 {
		t.Fatal("diff should not run without a baseline")
	}
}

func TestLoopPublishesUntilCancelled(t *testing.T) {
	uploader := &fakeUploader{}
	pub := NewPublisher(&fakeDiffer{}, fakeNegotiator{cSHA: "c1"}, uploader, 0)
	p := project.New("/work/app", "o")
	sess := newSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pub.Loop(ctx, 10*time.Millisecond, sess, func() []*project.Project { return []*project.Project{p} })
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		uploader.mu.Lock()
		n := len(uploader.uploads)
		uploader.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected periodic uploads, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Loop did not stop after cancel")
	}
}
