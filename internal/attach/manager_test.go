package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/bluedesk/internal/bus"
	"github.com/matheus3301/bluedesk/internal/cache"
	"github.com/matheus3301/bluedesk/internal/remote"
	"github.com/matheus3301/bluedesk/internal/store"
)

// fakeDownloader serves attachment bytes from a map, with optional
// scripted errors per GUID popped one per call.
type fakeDownloader struct {
	mu    sync.Mutex
	data  map[string][]byte
	errs  map[string][]error
	calls map[string]int
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		data:  make(map[string][]byte),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

func (f *fakeDownloader) DownloadAttachment(ctx context.Context, guid string, w io.Writer) error {
	f.mu.Lock()
	f.calls[guid]++
	var err error
	if q := f.errs[guid]; len(q) > 0 {
		err = q[0]
		f.errs[guid] = q[1:]
	}
	body, ok := f.data[guid]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return &remote.NotFoundError{Op: "download attachment", Resource: guid}
	}
	_, werr := w.Write(body)
	return werr
}

func (f *fakeDownloader) callCount(guid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[guid]
}

func testManager(t *testing.T, fd *fakeDownloader, opts Options) (*Manager, *store.DB, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "attach.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c, err := cache.New(filepath.Join(dir, "cache"), 1<<20)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	b := bus.New()
	return NewManager(db, fd, c, b, zap.NewNop(), opts), db, b
}

func seedAttachment(t *testing.T, db *store.DB, guid, state string) {
	t.Helper()
	if err := db.UpsertAttachment(&store.Attachment{
		GUID:        guid,
		MessageGUID: "msg-1",
		ChatGUID:    "chat-a",
		MimeType:    "image/png",
		State:       state,
	}); err != nil {
		t.Fatalf("seed attachment: %v", err)
	}
	if state != store.AttachmentNotFetched {
		if err := db.SetAttachmentState(guid, state, ""); err != nil {
			t.Fatalf("seed state: %v", err)
		}
	}
}

func waitForState(t *testing.T, db *store.DB, guid, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a, err := db.GetAttachment(guid)
		if err != nil {
			t.Fatalf("GetAttachment: %v", err)
		}
		if a != nil && a.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	a, _ := db.GetAttachment(guid)
	t.Fatalf("attachment %s state = %q, want %q", guid, a.State, want)
}

func TestDiscoveryEventDrivesDownload(t *testing.T) {
	fd := newFakeDownloader()
	fd.data["att-1"] = []byte("png bytes")
	m, db, b := testManager(t, fd, Options{})
	seedAttachment(t, db, "att-1", store.AttachmentNotFetched)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	b.Emit("attachment.discovered", bus.Scope{
		ChatGUID: "chat-a", MessageGUID: "msg-1", AttachmentGUID: "att-1",
	})
	waitForState(t, db, "att-1", store.AttachmentCached)

	rc, err := m.Open("att-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "png bytes" {
		t.Fatalf("cached bytes = %q", body)
	}
}

func TestStartupRequeuesPendingAndStuck(t *testing.T) {
	fd := newFakeDownloader()
	fd.data["att-pending"] = []byte("a")
	fd.data["att-stuck"] = []byte("b")
	m, db, _ := testManager(t, fd, Options{})
	seedAttachment(t, db, "att-pending", store.AttachmentNotFetched)
	seedAttachment(t, db, "att-stuck", store.AttachmentFetching)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	waitForState(t, db, "att-pending", store.AttachmentCached)
	waitForState(t, db, "att-stuck", store.AttachmentCached)
}

func TestTransientRetryThenCached(t *testing.T) {
	fd := newFakeDownloader()
	fd.data["att-1"] = []byte("ok")
	transient := &remote.TransientError{Op: "download attachment", Err: fmt.Errorf("flaky")}
	fd.errs["att-1"] = []error{transient, transient}
	m, db, _ := testManager(t, fd, Options{MaxRetries: 3})
	seedAttachment(t, db, "att-1", store.AttachmentNotFetched)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	waitForState(t, db, "att-1", store.AttachmentCached)
	if got := fd.callCount("att-1"); got != 3 {
		t.Fatalf("made %d download calls, want 3", got)
	}
}

func TestTransientRetriesExhaustedMarksFailed(t *testing.T) {
	fd := newFakeDownloader()
	fd.data["att-1"] = []byte("never served")
	transient := &remote.TransientError{Op: "download attachment", Err: fmt.Errorf("down")}
	fd.errs["att-1"] = []error{transient, transient, transient, transient}
	m, db, b := testManager(t, fd, Options{MaxRetries: 2})
	seedAttachment(t, db, "att-1", store.AttachmentNotFetched)

	failed, unsub := b.Subscribe("attachment.failed", 4)
	defer unsub()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	waitForState(t, db, "att-1", store.AttachmentFailed)
	if got := fd.callCount("att-1"); got != 3 {
		t.Fatalf("made %d download calls, want 3 (1 + 2 retries)", got)
	}
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("no attachment.failed event")
	}
}

func TestNotFoundFailsImmediately(t *testing.T) {
	fd := newFakeDownloader()
	m, db, _ := testManager(t, fd, Options{MaxRetries: 5})
	seedAttachment(t, db, "att-gone", store.AttachmentNotFetched)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	waitForState(t, db, "att-gone", store.AttachmentFailed)
	if got := fd.callCount("att-gone"); got != 1 {
		t.Fatalf("made %d download calls, want 1 (no retry on not-found)", got)
	}
}

func TestRequestRequeuesFailedAttachment(t *testing.T) {
	fd := newFakeDownloader()
	m, db, _ := testManager(t, fd, Options{MaxRetries: 1})
	seedAttachment(t, db, "att-1", store.AttachmentNotFetched)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	// First attempt fails for good: the server has no bytes yet.
	waitForState(t, db, "att-1", store.AttachmentFailed)

	fd.mu.Lock()
	fd.data["att-1"] = []byte("now available")
	fd.mu.Unlock()

	if err := m.Request(context.Background(), "att-1"); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitForState(t, db, "att-1", store.AttachmentCached)
}

func TestCacheWriteFailureReleasesWorker(t *testing.T) {
	fd := newFakeDownloader()
	fd.data["att-1"] = []byte("payload that must not wedge the pipe")

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "attach.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cacheDir := filepath.Join(dir, "cache")
	c, err := cache.New(cacheDir, 1<<20)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	// Break the cache root so the temp-file create fails before the
	// download bytes are drained.
	if err := os.RemoveAll(cacheDir); err != nil {
		t.Fatalf("remove cache dir: %v", err)
	}
	m := NewManager(db, fd, c, bus.New(), zap.NewNop(), Options{MaxRetries: 1, RetryDelay: time.Millisecond})
	seedAttachment(t, db, "att-1", store.AttachmentNotFetched)

	done := make(chan struct{})
	go func() {
		m.fetch(context.Background(), "att-1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch wedged after cache write failure")
	}
	waitForState(t, db, "att-1", store.AttachmentFailed)
}

func TestRequestUnknownAttachment(t *testing.T) {
	fd := newFakeDownloader()
	m, _, _ := testManager(t, fd, Options{})

	err := m.Request(context.Background(), "no-such")
	var notFound *remote.NotFoundError
	if err == nil || !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}
