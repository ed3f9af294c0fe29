// Package outbox implements optimistic sends: a queued message appears in
// the local store immediately as a pending placeholder and is replaced by
// the server's authoritative copy once acknowledged.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/bluedesk/internal/bus"
	"github.com/matheus3301/bluedesk/internal/remote"
	"github.com/matheus3301/bluedesk/internal/store"
)

// Relay is the slice of the relay client the sender drives. tempGUID is
// the idempotency token the server echoes back in its acknowledgment.
type Relay interface {
	SendText(ctx context.Context, chatGUID, text, tempGUID string) (*remote.SendResult, error)
	SendAttachment(ctx context.Context, chatGUID, filePath, message, tempGUID string) (*remote.SendResult, error)
}

// Options tune the sender. Zero values fall back to defaults.
type Options struct {
	// AckTimeout is how long a send may sit awaiting the server
	// acknowledgment before being marked failed.
	AckTimeout time.Duration
	// MaxRetries caps transient-error retries per send attempt.
	MaxRetries int
	// RetryDelay is the base pause between transient retries; each
	// attempt waits one more multiple of it.
	RetryDelay time.Duration
	// PollInterval is the outbox drain cadence when no queue signal
	// arrives.
	PollInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 250 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
}

// Sender drains the outbox against the relay server.
type Sender struct {
	db     *store.DB
	sender Relay
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSender(db *store.DB, ts Relay, b *bus.Bus, logger *zap.Logger, opts Options) *Sender {
	opts.withDefaults()
	return &Sender{
		db:     db,
		sender: ts,
		bus:    b,
		logger: logger.Named("outbox"),
		opts:   opts,
		wake:   make(chan struct{}, 1),
	}
}

// Queue records an outgoing text and inserts its optimistic placeholder,
// returning the client token that tracks the send. The placeholder shows
// up in reads immediately with Pending set; the sender loop picks the
// entry up in the background.
func (s *Sender) Queue(chatGUID, body string) (string, error) {
	token := uuid.NewString()
	tempGUID := "temp-" + token

	if err := s.db.QueueOutbox(token, chatGUID, tempGUID, body); err != nil {
		return "", err
	}
	if _, err := s.db.UpsertMessage(&store.Message{
		ChatGUID:    chatGUID,
		GUID:        tempGUID,
		Sender:      "me",
		Body:        body,
		Status:      store.MessageSending,
		IsFromMe:    true,
		Pending:     true,
		DateCreated: time.Now().UnixMilli(),
	}); err != nil {
		return "", err
	}
	s.bus.Emit("message.upserted", bus.Scope{ChatGUID: chatGUID, MessageGUID: tempGUID})
	s.bus.Emit("chat.updated", bus.Scope{ChatGUID: chatGUID})

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return token, nil
}

// QueueAttachment records an outgoing file send with an optional caption.
// The placeholder carries the caption, or the file name when there is
// none. The file must exist when queued; it is read again at send time.
func (s *Sender) QueueAttachment(chatGUID, filePath, caption string) (string, error) {
	if _, err := os.Stat(filePath); err != nil {
		return "", fmt.Errorf("outbox: attachment: %w", err)
	}
	token := uuid.NewString()
	tempGUID := "temp-" + token

	if err := s.db.QueueOutboxAttachment(token, chatGUID, tempGUID, filePath, caption); err != nil {
		return "", err
	}
	if _, err := s.db.UpsertMessage(&store.Message{
		ChatGUID:    chatGUID,
		GUID:        tempGUID,
		Sender:      "me",
		Body:        placeholderBody(store.OutboxAttachment, caption, filePath),
		Status:      store.MessageSending,
		IsFromMe:    true,
		Pending:     true,
		DateCreated: time.Now().UnixMilli(),
	}); err != nil {
		return "", err
	}
	s.bus.Emit("message.upserted", bus.Scope{ChatGUID: chatGUID, MessageGUID: tempGUID})
	s.bus.Emit("chat.updated", bus.Scope{ChatGUID: chatGUID})

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return token, nil
}

// placeholderBody is what the pending row shows: the text, or the file
// name for a caption-less attachment.
func placeholderBody(kind, body, filePath string) string {
	if kind == store.OutboxAttachment && body == "" {
		return filepath.Base(filePath)
	}
	return body
}

// Retry requeues a failed send under its original token. The placeholder
// flips back to sending; a send that was not failed is left alone.
func (s *Sender) Retry(token string) error {
	entry, err := s.db.GetOutbox(token)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("outbox: unknown token %s", token)
	}
	if err := s.db.RequeueOutbox(token); err != nil {
		return err
	}
	if _, err := s.db.UpsertMessage(&store.Message{
		ChatGUID: entry.ChatGUID,
		GUID:     entry.TempGUID,
		Sender:   "me",
		Body:     placeholderBody(entry.Kind, entry.Body, entry.FilePath),
		Status:   store.MessageSending,
		IsFromMe: true,
		Pending:  true,
	}); err != nil {
		return err
	}
	s.bus.Emit("message.upserted", bus.Scope{ChatGUID: entry.ChatGUID, MessageGUID: entry.TempGUID})

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start begins draining the outbox in the background.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop halts the drain loop and waits for it to exit. Queued entries stay
// in the store and resume on the next Start.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.processPending(ctx)
		s.sweepStale()
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("outbox read failed", zap.Error(err))
		return
	}
	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.Token); err != nil {
		s.logger.Error("mark sending failed", zap.String("token", entry.Token), zap.Error(err))
		return
	}

	var res *remote.SendResult
	var err error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * s.opts.RetryDelay):
			}
		}
		if entry.Kind == store.OutboxAttachment {
			res, err = s.sender.SendAttachment(ctx, entry.ChatGUID, entry.FilePath, entry.Body, entry.TempGUID)
		} else {
			res, err = s.sender.SendText(ctx, entry.ChatGUID, entry.Body, entry.TempGUID)
		}
		if err == nil {
			break
		}
		var transient *remote.TransientError
		if !errors.As(err, &transient) {
			break
		}
		s.logger.Warn("send attempt failed",
			zap.String("token", entry.Token),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	if err != nil {
		s.fail(entry, err)
		return
	}

	if res != nil && res.GUID != "" {
		// Direct acknowledgment in the response: fold it in now instead
		// of waiting for the live event. The live-event path stays
		// idempotent against this.
		if err := s.db.ReplaceMessage(entry.ChatGUID, entry.TempGUID, &store.Message{
			ChatGUID:    entry.ChatGUID,
			GUID:        res.GUID,
			Seq:         res.Seq,
			Sender:      "me",
			Body:        placeholderBody(entry.Kind, entry.Body, entry.FilePath),
			Status:      store.MessageDelivered,
			IsFromMe:    true,
			DateCreated: entry.CreatedAt,
		}); err != nil {
			s.logger.Error("ack replace failed", zap.String("token", entry.Token), zap.Error(err))
			return
		}
		if err := s.db.MarkOutboxSent(entry.Token, res.GUID); err != nil {
			s.logger.Error("mark sent failed", zap.String("token", entry.Token), zap.Error(err))
		}
		if res.Seq > 0 {
			// Advance the chat cursor like the live-ack path does, so
			// the next live event is not mistaken for a gap.
			scope := store.ChatScope(entry.ChatGUID)
			if cursor, err := s.db.GetCursor(scope); err == nil && res.Seq > cursor {
				var regress *store.RegressionError
				if err := s.db.SetCursor(scope, res.Seq); err != nil && !errors.As(err, &regress) {
					s.logger.Error("cursor advance failed", zap.String("chat", entry.ChatGUID), zap.Error(err))
				}
			}
		}
		s.logger.Info("message sent",
			zap.String("token", entry.Token),
			zap.String("server_guid", res.GUID))
		s.bus.Emit("outbox.acked", bus.Scope{ChatGUID: entry.ChatGUID, MessageGUID: res.GUID})
		s.bus.Emit("message.upserted", bus.Scope{ChatGUID: entry.ChatGUID, MessageGUID: res.GUID})
		s.bus.Emit("chat.updated", bus.Scope{ChatGUID: entry.ChatGUID})
		return
	}

	// Accepted without an authoritative GUID; the acknowledgment arrives
	// as a live event carrying our tempGUID.
	if err := s.db.MarkOutboxAwaitingAck(entry.Token); err != nil {
		s.logger.Error("mark awaiting ack failed", zap.String("token", entry.Token), zap.Error(err))
	}
}

// fail marks the send failed and flips the placeholder so the user can see
// and retry it. The placeholder row is kept, not deleted.
func (s *Sender) fail(entry store.OutboxEntry, cause error) {
	s.logger.Error("send failed", zap.String("token", entry.Token), zap.Error(cause))
	if err := s.db.MarkOutboxFailed(entry.Token, cause.Error()); err != nil {
		s.logger.Error("mark failed failed", zap.String("token", entry.Token), zap.Error(err))
	}
	if _, err := s.db.UpsertMessage(&store.Message{
		ChatGUID: entry.ChatGUID,
		GUID:     entry.TempGUID,
		Sender:   "me",
		Body:     placeholderBody(entry.Kind, entry.Body, entry.FilePath),
		Status:   store.MessageFailed,
		IsFromMe: true,
		Pending:  true,
	}); err != nil {
		s.logger.Error("placeholder update failed", zap.String("token", entry.Token), zap.Error(err))
	}
	s.bus.Emit("message.send_failed", bus.Scope{ChatGUID: entry.ChatGUID, MessageGUID: entry.TempGUID})
	s.bus.Emit("message.upserted", bus.Scope{ChatGUID: entry.ChatGUID, MessageGUID: entry.TempGUID})
}

// sweepStale fails sends whose acknowledgment never arrived.
func (s *Sender) sweepStale() {
	stale, err := s.db.StaleAwaitingAck(s.opts.AckTimeout)
	if err != nil {
		s.logger.Error("stale sweep failed", zap.Error(err))
		return
	}
	for _, entry := range stale {
		s.fail(entry, fmt.Errorf("no acknowledgment within %s", s.opts.AckTimeout))
	}
}
