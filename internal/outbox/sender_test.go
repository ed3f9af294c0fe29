package outbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/bluedesk/internal/bus"
	"github.com/matheus3301/bluedesk/internal/remote"
	"github.com/matheus3301/bluedesk/internal/store"
)

type sendCall struct {
	chatGUID string
	text     string
	tempGUID string
	filePath string
}

// fakeSender scripts one result or error per send call, in order.
type fakeSender struct {
	mu      sync.Mutex
	results []*remote.SendResult
	errs    []error
	calls   []sendCall
}

func (f *fakeSender) SendText(ctx context.Context, chatGUID, text, tempGUID string) (*remote.SendResult, error) {
	return f.record(sendCall{chatGUID: chatGUID, text: text, tempGUID: tempGUID})
}

func (f *fakeSender) SendAttachment(ctx context.Context, chatGUID, filePath, message, tempGUID string) (*remote.SendResult, error) {
	return f.record(sendCall{chatGUID: chatGUID, text: message, tempGUID: tempGUID, filePath: filePath})
}

func (f *fakeSender) record(call sendCall) (*remote.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	i := len(f.calls) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &remote.SendResult{}, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testSender(t *testing.T, fs *fakeSender, opts Options) (*Sender, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.UpsertChat(&store.Chat{GUID: "chat-a"}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	b := bus.New()
	return NewSender(db, fs, b, zap.NewNop(), opts), db, b
}

func TestQueueInsertsOptimisticPlaceholder(t *testing.T) {
	s, db, _ := testSender(t, &fakeSender{}, Options{})

	token, err := s.Queue("chat-a", "hello")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	entry, err := db.GetOutbox(token)
	if err != nil || entry == nil {
		t.Fatalf("outbox entry missing: %v", err)
	}
	if entry.Status != store.OutboxQueued {
		t.Fatalf("status = %q, want queued", entry.Status)
	}
	msg, err := db.GetMessage("chat-a", entry.TempGUID)
	if err != nil || msg == nil {
		t.Fatalf("placeholder missing: %v", err)
	}
	if !msg.Pending || !msg.IsFromMe || msg.Status != store.MessageSending {
		t.Fatalf("placeholder = %+v", msg)
	}
}

func TestDirectAckReplacesPlaceholder(t *testing.T) {
	fs := &fakeSender{results: []*remote.SendResult{{GUID: "srv-1", Seq: 9}}}
	s, db, b := testSender(t, fs, Options{})

	acked, unsub := b.Subscribe("outbox.acked", 4)
	defer unsub()

	token, err := s.Queue("chat-a", "hello")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	entry, _ := db.GetOutbox(token)

	s.processPending(context.Background())

	if len(fs.calls) != 1 {
		t.Fatalf("made %d send calls, want 1", len(fs.calls))
	}
	if fs.calls[0].tempGUID != entry.TempGUID {
		t.Fatalf("sent tempGUID %q, want %q", fs.calls[0].tempGUID, entry.TempGUID)
	}
	if got, _ := db.GetMessage("chat-a", entry.TempGUID); got != nil {
		t.Fatal("placeholder survived acknowledgment")
	}
	msg, _ := db.GetMessage("chat-a", "srv-1")
	if msg == nil || msg.Pending || msg.Seq != 9 {
		t.Fatalf("authoritative message = %+v", msg)
	}
	entry, _ = db.GetOutbox(token)
	if entry.Status != store.OutboxSent || entry.ServerGUID != "srv-1" {
		t.Fatalf("entry = %+v, want sent/srv-1", entry)
	}
	// Cursor tracks the acknowledged seq so the next live event is not
	// read as a gap.
	if cursor, _ := db.GetCursor(store.ChatScope("chat-a")); cursor != 9 {
		t.Fatalf("cursor = %d, want 9", cursor)
	}
	select {
	case <-acked:
	case <-time.After(time.Second):
		t.Fatal("no outbox.acked event")
	}
}

func TestQueueAttachmentSendsFile(t *testing.T) {
	fs := &fakeSender{results: []*remote.SendResult{{GUID: "srv-att", Seq: 12}}}
	s, db, _ := testSender(t, fs, Options{})

	path := filepath.Join(t.TempDir(), "photo.heic")
	if err := os.WriteFile(path, []byte("bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	token, err := s.QueueAttachment("chat-a", path, "")
	if err != nil {
		t.Fatalf("QueueAttachment: %v", err)
	}
	entry, _ := db.GetOutbox(token)
	if entry.Kind != store.OutboxAttachment || entry.FilePath != path {
		t.Fatalf("entry = %+v", entry)
	}
	// A caption-less placeholder shows the file name.
	if msg, _ := db.GetMessage("chat-a", entry.TempGUID); msg == nil || msg.Body != "photo.heic" {
		t.Fatalf("placeholder = %+v", msg)
	}

	s.processPending(context.Background())

	if len(fs.calls) != 1 || fs.calls[0].filePath != path || fs.calls[0].tempGUID != entry.TempGUID {
		t.Fatalf("calls = %+v", fs.calls)
	}
	msg, _ := db.GetMessage("chat-a", "srv-att")
	if msg == nil || msg.Pending || msg.Seq != 12 {
		t.Fatalf("authoritative message = %+v", msg)
	}
	entry, _ = db.GetOutbox(token)
	if entry.Status != store.OutboxSent {
		t.Fatalf("status = %q, want sent", entry.Status)
	}
}

func TestQueueAttachmentRejectsMissingFile(t *testing.T) {
	fs := &fakeSender{}
	s, _, _ := testSender(t, fs, Options{})

	if _, err := s.QueueAttachment("chat-a", filepath.Join(t.TempDir(), "gone.png"), ""); err == nil {
		t.Fatal("queued a nonexistent file")
	}
}

func TestSendWithoutDirectAckAwaitsLiveEvent(t *testing.T) {
	fs := &fakeSender{results: []*remote.SendResult{{}}}
	s, db, _ := testSender(t, fs, Options{})

	token, _ := s.Queue("chat-a", "hello")
	s.processPending(context.Background())

	entry, _ := db.GetOutbox(token)
	if entry.Status != store.OutboxAwaitingAck {
		t.Fatalf("status = %q, want awaiting_ack", entry.Status)
	}
	// Placeholder stays pending until the acknowledgment event lands.
	msg, _ := db.GetMessage("chat-a", entry.TempGUID)
	if msg == nil || !msg.Pending {
		t.Fatalf("placeholder = %+v", msg)
	}
}

func TestTransientRetryThenSuccess(t *testing.T) {
	transient := &remote.TransientError{Op: "send text", Err: fmt.Errorf("flaky")}
	fs := &fakeSender{
		errs:    []error{transient, transient, nil},
		results: []*remote.SendResult{nil, nil, {GUID: "srv-1", Seq: 3}},
	}
	s, db, _ := testSender(t, fs, Options{MaxRetries: 3})

	token, _ := s.Queue("chat-a", "hello")
	s.processPending(context.Background())

	if got := fs.callCount(); got != 3 {
		t.Fatalf("made %d send calls, want 3", got)
	}
	entry, _ := db.GetOutbox(token)
	if entry.Status != store.OutboxSent {
		t.Fatalf("status = %q, want sent", entry.Status)
	}
}

func TestTransientRetriesExhaustedMarksFailed(t *testing.T) {
	transient := &remote.TransientError{Op: "send text", Err: fmt.Errorf("down")}
	fs := &fakeSender{errs: []error{transient, transient, transient}}
	s, db, b := testSender(t, fs, Options{MaxRetries: 2})

	failed, unsub := b.Subscribe("message.send_failed", 4)
	defer unsub()

	token, _ := s.Queue("chat-a", "hello")
	s.processPending(context.Background())

	if got := fs.callCount(); got != 3 {
		t.Fatalf("made %d send calls, want 3 (1 + 2 retries)", got)
	}
	entry, _ := db.GetOutbox(token)
	if entry.Status != store.OutboxFailed {
		t.Fatalf("status = %q, want failed", entry.Status)
	}
	msg, _ := db.GetMessage("chat-a", entry.TempGUID)
	if msg == nil || msg.Status != store.MessageFailed {
		t.Fatalf("placeholder = %+v, want failed status", msg)
	}
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("no message.send_failed event")
	}
}

func TestAuthErrorFailsWithoutRetry(t *testing.T) {
	fs := &fakeSender{errs: []error{&remote.AuthError{Op: "send text", StatusCode: 401}}}
	s, db, _ := testSender(t, fs, Options{MaxRetries: 5})

	token, _ := s.Queue("chat-a", "hello")
	s.processPending(context.Background())

	if got := fs.callCount(); got != 1 {
		t.Fatalf("made %d send calls, want 1 (no retry on auth)", got)
	}
	entry, _ := db.GetOutbox(token)
	if entry.Status != store.OutboxFailed {
		t.Fatalf("status = %q, want failed", entry.Status)
	}
}

func TestStaleAwaitingAckSweptToFailed(t *testing.T) {
	fs := &fakeSender{results: []*remote.SendResult{{}}}
	s, db, _ := testSender(t, fs, Options{AckTimeout: time.Millisecond})

	token, _ := s.Queue("chat-a", "hello")
	s.processPending(context.Background())
	time.Sleep(10 * time.Millisecond)
	s.sweepStale()

	entry, _ := db.GetOutbox(token)
	if entry.Status != store.OutboxFailed {
		t.Fatalf("status = %q, want failed after ack timeout", entry.Status)
	}
}

func TestRetryRequeuesFailedSend(t *testing.T) {
	transient := &remote.TransientError{Op: "send text", Err: fmt.Errorf("down")}
	fs := &fakeSender{
		errs:    []error{transient, transient, nil},
		results: []*remote.SendResult{nil, nil, {GUID: "srv-1", Seq: 4}},
	}
	s, db, _ := testSender(t, fs, Options{MaxRetries: 1})

	token, _ := s.Queue("chat-a", "hello")
	s.processPending(context.Background())
	if entry, _ := db.GetOutbox(token); entry.Status != store.OutboxFailed {
		t.Fatalf("status = %q, want failed", entry.Status)
	}

	if err := s.Retry(token); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if entry, _ := db.GetOutbox(token); entry.Status != store.OutboxQueued {
		t.Fatalf("status = %q after Retry, want queued", entry.Status)
	}

	s.processPending(context.Background())
	if entry, _ := db.GetOutbox(token); entry.Status != store.OutboxSent {
		t.Fatalf("status = %q after retry drain, want sent", entry.Status)
	}
}

func TestDrainLoopPicksUpQueuedEntries(t *testing.T) {
	fs := &fakeSender{results: []*remote.SendResult{{GUID: "srv-1", Seq: 1}}}
	s, db, _ := testSender(t, fs, Options{PollInterval: 5 * time.Millisecond})

	s.Start(context.Background())
	defer s.Stop()

	token, _ := s.Queue("chat-a", "hello")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, _ := db.GetOutbox(token)
		if entry != nil && entry.Status == store.OutboxSent {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queued entry never sent by drain loop")
}
