// Package attach downloads attachment bytes into the disk cache. Metadata
// always syncs with its message; the bytes are fetched lazily by a small
// worker pool fed from discovery events.
package attach

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/bluedesk/internal/bus"
	"github.com/matheus3301/bluedesk/internal/cache"
	"github.com/matheus3301/bluedesk/internal/remote"
	"github.com/matheus3301/bluedesk/internal/store"
)

// Downloader is the slice of the relay client the manager drives.
type Downloader interface {
	DownloadAttachment(ctx context.Context, guid string, w io.Writer) error
}

// Options tune the manager. Zero values fall back to defaults.
type Options struct {
	Workers int
	// MaxRetries caps transient-error retries per download before the
	// attachment is marked failed.
	MaxRetries int
	// RetryDelay is the base pause between transient retries.
	RetryDelay time.Duration
}

func (o *Options) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
}

// Manager runs the download workers.
type Manager struct {
	db     *store.DB
	client Downloader
	cache  *cache.Cache
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(db *store.DB, dl Downloader, c *cache.Cache, b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		db:     db,
		client: dl,
		cache:  c,
		bus:    b,
		logger: logger.Named("attach"),
		opts:   opts,
		queue:  make(chan string, 256),
	}
}

// Start launches the workers, requeues downloads interrupted by the last
// shutdown, and begins consuming discovery events.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	// A crash mid-download leaves rows stuck in fetching; they never
	// completed, so they go back to the queue.
	for {
		stuck, err := m.db.ListAttachmentsByState(store.AttachmentFetching, 100)
		if err != nil {
			return err
		}
		if len(stuck) == 0 {
			break
		}
		for _, a := range stuck {
			if err := m.db.SetAttachmentState(a.GUID, store.AttachmentNotFetched, ""); err != nil {
				return err
			}
		}
	}
	pending, err := m.db.ListAttachmentsByState(store.AttachmentNotFetched, 500)
	if err != nil {
		return err
	}

	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}

	events, unsub := m.bus.Subscribe("attachment.discovered", 256)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsub()
		for _, a := range pending {
			select {
			case m.queue <- a.GUID:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				scope, ok := evt.Payload.(bus.Scope)
				if !ok || scope.AttachmentGUID == "" {
					continue
				}
				select {
				case m.queue <- scope.AttachmentGUID:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

// Stop cancels in-flight downloads and waits for the workers to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Request queues an attachment for download, typically on user demand for
// a failed or evicted entry. Cached entries are left alone.
func (m *Manager) Request(ctx context.Context, guid string) error {
	a, err := m.db.GetAttachment(guid)
	if err != nil {
		return err
	}
	if a == nil {
		return &remote.NotFoundError{Op: "request attachment", Resource: guid}
	}
	if a.State == store.AttachmentCached && m.cache.Contains(guid) {
		return nil
	}
	if err := m.db.SetAttachmentState(guid, store.AttachmentNotFetched, ""); err != nil {
		return err
	}
	select {
	case m.queue <- guid:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Open returns a reader over the cached bytes of an attachment. The entry
// stays pinned against eviction until the reader is closed.
func (m *Manager) Open(guid string) (io.ReadCloser, error) {
	return m.cache.Open(guid)
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case guid := <-m.queue:
			m.fetch(ctx, guid)
		}
	}
}

func (m *Manager) fetch(ctx context.Context, guid string) {
	a, err := m.db.GetAttachment(guid)
	if err != nil {
		m.logger.Error("attachment read failed", zap.String("attachment", guid), zap.Error(err))
		return
	}
	if a == nil || a.State == store.AttachmentCached || a.State == store.AttachmentFetching {
		return
	}
	if m.cache.Contains(guid) {
		// Bytes survived a restart; just reconcile the state row.
		m.finish(a, "")
		return
	}
	if err := m.db.SetAttachmentState(guid, store.AttachmentFetching, ""); err != nil {
		m.logger.Error("state update failed", zap.String("attachment", guid), zap.Error(err))
		return
	}

	path, err := m.download(ctx, guid)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not failure; the startup sweep requeues it.
			return
		}
		m.logger.Warn("download failed", zap.String("attachment", guid), zap.Error(err))
		if serr := m.db.SetAttachmentState(guid, store.AttachmentFailed, ""); serr != nil {
			m.logger.Error("state update failed", zap.String("attachment", guid), zap.Error(serr))
		}
		m.bus.Emit("attachment.failed", bus.Scope{
			ChatGUID:       a.ChatGUID,
			MessageGUID:    a.MessageGUID,
			AttachmentGUID: guid,
		})
		return
	}
	m.finish(a, path)
}

func (m *Manager) finish(a *store.Attachment, path string) {
	if err := m.db.SetAttachmentState(a.GUID, store.AttachmentCached, path); err != nil {
		m.logger.Error("state update failed", zap.String("attachment", a.GUID), zap.Error(err))
		return
	}
	m.logger.Info("attachment cached",
		zap.String("attachment", a.GUID),
		zap.String("name", a.TransferName))
	m.bus.Emit("attachment.cached", bus.Scope{
		ChatGUID:       a.ChatGUID,
		MessageGUID:    a.MessageGUID,
		AttachmentGUID: a.GUID,
	})
}

// download streams the attachment into the cache, retrying transient
// failures. Not-found and auth failures are permanent.
func (m *Manager) download(ctx context.Context, guid string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * m.opts.RetryDelay):
			}
		}
		pr, pw := io.Pipe()
		done := make(chan error, 1)
		go func() {
			err := m.client.DownloadAttachment(ctx, guid, pw)
			pw.CloseWithError(err)
			done <- err
		}()
		path, perr := m.cache.Put(guid, pr)
		if perr != nil {
			// Put can fail before draining the pipe (unwritable cache
			// dir, disk full); unblock the writer or the receive below
			// never returns.
			_ = pr.CloseWithError(perr)
		}
		derr := <-done
		if derr == nil && perr == nil {
			return path, nil
		}
		lastErr = derr
		if lastErr == nil {
			lastErr = perr
		}
		var transient *remote.TransientError
		if !errors.As(lastErr, &transient) {
			return "", lastErr
		}
	}
	return "", lastErr
}
