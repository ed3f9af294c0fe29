// Package sync keeps the local store converged with the relay server. It
// combines incremental catch-up pulls with live event application and
// owns the ordering, gap-detection and retry policy for both.
package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/bluedesk/internal/bus"
	"github.com/matheus3301/bluedesk/internal/remote"
	"github.com/matheus3301/bluedesk/internal/store"
)

// Remote is the slice of the relay client the engine drives.
type Remote interface {
	FetchChats(ctx context.Context, sinceSeq int64, limit, offset int) ([]*store.Chat, error)
	FetchMessages(ctx context.Context, chatGUID string, afterSeq int64, limit int) (*remote.MessagePage, error)
	CreateChat(ctx context.Context, addresses []string, message string) (*store.Chat, error)
	MarkChatRead(ctx context.Context, chatGUID string) error
}

// Options tune the engine. Zero values fall back to defaults.
type Options struct {
	PageSize      int
	MaxConcurrent int
	// MaxRetries caps transient-error retries per pull before the scope
	// is surfaced as degraded.
	MaxRetries int
	// RetryBaseDelay is the initial backoff between transient retries.
	RetryBaseDelay time.Duration
}

func (o *Options) withDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
}

// chatState serializes work on a single chat. mu guards reconciliation;
// catchingUp suppresses live application while a targeted pull runs.
// cancel is read by Unsubscribe while a pull holds mu, so it gets its
// own lock.
type chatState struct {
	mu         sync.Mutex
	catchingUp atomic.Bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

func (st *chatState) setCancel(fn context.CancelFunc) {
	st.cancelMu.Lock()
	st.cancel = fn
	st.cancelMu.Unlock()
}

func (st *chatState) cancelInFlight() {
	st.cancelMu.Lock()
	fn := st.cancel
	st.cancelMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Engine is the synchronization engine. It consumes live events and
// reconcile signals from the bus and converges the store toward the
// server's view, emitting message.* and chat.* notifications as rows
// change.
type Engine struct {
	db     *store.DB
	remote Remote
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	mu     sync.Mutex
	states map[string]*chatState

	// halted is set after an auth failure; sync stays quiet until
	// ClearAuthHalt.
	halted atomic.Bool

	reconcileMu sync.Mutex
	reconciling bool
	rerun       bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(db *store.DB, rc Remote, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	opts.withDefaults()
	return &Engine{
		db:     db,
		remote: rc,
		bus:    b,
		logger: logger.Named("sync"),
		opts:   opts,
		states: make(map[string]*chatState),
	}
}

// Start subscribes to live events and reconcile signals and begins
// processing. It returns immediately.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	events, unsubEvents := e.bus.Subscribe("remote.event", 256)
	signals, unsubSignals := e.bus.Subscribe("sync.reconcile_required", 8)

	go func() {
		defer close(e.done)
		defer unsubEvents()
		defer unsubSignals()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				re, ok := evt.Payload.(remote.Event)
				if !ok {
					continue
				}
				e.handleRemoteEvent(ctx, re)
			case <-signals:
				e.triggerReconcileAll(ctx)
			}
		}
	}()
}

// Stop cancels in-flight work and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

// ClearAuthHalt resumes sync after credentials have been refreshed and
// kicks off a full reconciliation.
func (e *Engine) ClearAuthHalt(ctx context.Context) {
	if e.halted.CompareAndSwap(true, false) {
		e.triggerReconcileAll(ctx)
	}
}

// triggerReconcileAll runs ReconcileAll in the background, collapsing
// overlapping signals into at most one active run plus one rerun.
func (e *Engine) triggerReconcileAll(ctx context.Context) {
	if e.halted.Load() {
		return
	}
	e.reconcileMu.Lock()
	if e.reconciling {
		e.rerun = true
		e.reconcileMu.Unlock()
		return
	}
	e.reconciling = true
	e.reconcileMu.Unlock()

	go func() {
		for {
			if err := e.ReconcileAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("reconcile pass failed", zap.Error(err))
			}
			e.reconcileMu.Lock()
			if e.rerun && ctx.Err() == nil {
				e.rerun = false
				e.reconcileMu.Unlock()
				continue
			}
			e.reconciling = false
			e.reconcileMu.Unlock()
			return
		}
	}()
}

func (e *Engine) state(chatGUID string) *chatState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[chatGUID]
	if !ok {
		st = &chatState{}
		e.states[chatGUID] = st
	}
	return st
}

// handleRemoteEvent applies one live event. Live events are hints layered
// on top of the pull path: anything that cannot be applied cleanly falls
// back to a targeted catch-up pull for the affected chat.
func (e *Engine) handleRemoteEvent(ctx context.Context, evt remote.Event) {
	if e.halted.Load() {
		return
	}
	switch evt.Kind {
	case remote.EventNewMessage, remote.EventMessageUpdated:
		e.applyMessageEvent(ctx, evt)
	case remote.EventChatUpdated:
		e.applyChatEvent(evt)
	}
}

func (e *Engine) applyMessageEvent(ctx context.Context, evt remote.Event) {
	if evt.Message == nil || evt.ChatGUID == "" {
		return
	}
	st := e.state(evt.ChatGUID)
	if st.catchingUp.Load() {
		// A targeted pull is in flight; it will fetch this message.
		return
	}

	if evt.TempGUID != "" && evt.Message.IsFromMe {
		e.reconcileAck(evt)
		return
	}

	scope := store.ChatScope(evt.ChatGUID)
	cursor, err := e.db.GetCursor(scope)
	if err != nil {
		e.logger.Error("cursor read failed", zap.String("chat", evt.ChatGUID), zap.Error(err))
		return
	}

	// A jump past cursor+1 means events were missed. Pull the gap before
	// trusting any further live events for this chat.
	if cursor > 0 && evt.Message.Seq > cursor+1 {
		e.logger.Info("gap detected, catching up",
			zap.String("chat", evt.ChatGUID),
			zap.Int64("cursor", cursor),
			zap.Int64("event_seq", evt.Message.Seq))
		e.catchUp(ctx, evt.ChatGUID)
		return
	}
	if evt.Message.Seq <= cursor && evt.Kind == remote.EventNewMessage {
		// Already pulled; updated-message events still merge below.
		return
	}

	e.ensureChat(evt.ChatGUID, evt.Message)
	changed, err := e.db.UpsertMessage(evt.Message)
	if err != nil {
		e.logger.Error("live upsert failed", zap.String("chat", evt.ChatGUID), zap.Error(err))
		return
	}
	for _, a := range evt.Attachments {
		if err := e.db.UpsertAttachment(a); err != nil {
			e.logger.Error("attachment upsert failed", zap.String("attachment", a.GUID), zap.Error(err))
			continue
		}
		e.bus.Emit("attachment.discovered", bus.Scope{
			ChatGUID:       evt.ChatGUID,
			MessageGUID:    evt.Message.GUID,
			AttachmentGUID: a.GUID,
		})
	}
	if evt.Message.Seq > cursor {
		e.advanceCursor(ctx, evt.ChatGUID, evt.Message.Seq)
	}
	if changed {
		if evt.Kind == remote.EventNewMessage && !evt.Message.IsFromMe {
			if err := e.db.IncrementUnread(evt.ChatGUID); err != nil {
				e.logger.Error("unread bump failed", zap.String("chat", evt.ChatGUID), zap.Error(err))
			}
		}
		e.bus.Emit("message.upserted", bus.Scope{ChatGUID: evt.ChatGUID, MessageGUID: evt.Message.GUID})
		e.bus.Emit("chat.updated", bus.Scope{ChatGUID: evt.ChatGUID})
	}
}

// reconcileAck folds a server acknowledgment of one of our own sends back
// into the optimistic placeholder: the temp row is replaced by the
// authoritative message and the outbox entry completes.
func (e *Engine) reconcileAck(evt remote.Event) {
	entry, err := e.db.GetOutboxByTempGUID(evt.TempGUID)
	if err != nil {
		e.logger.Error("outbox lookup failed", zap.String("temp_guid", evt.TempGUID), zap.Error(err))
		return
	}
	if entry == nil {
		// Not one of ours (or already swept); treat as a plain message.
		e.ensureChat(evt.ChatGUID, evt.Message)
		if _, err := e.db.UpsertMessage(evt.Message); err != nil {
			e.logger.Error("live upsert failed", zap.String("chat", evt.ChatGUID), zap.Error(err))
		}
		return
	}
	if err := e.db.ReplaceMessage(evt.ChatGUID, evt.TempGUID, evt.Message); err != nil {
		e.logger.Error("ack replace failed", zap.String("temp_guid", evt.TempGUID), zap.Error(err))
		return
	}
	if entry.Status != store.OutboxSent {
		if err := e.db.MarkOutboxSent(entry.Token, evt.Message.GUID); err != nil {
			e.logger.Error("outbox complete failed", zap.String("token", entry.Token), zap.Error(err))
		}
	}
	cursor, err := e.db.GetCursor(store.ChatScope(evt.ChatGUID))
	if err == nil && evt.Message.Seq > cursor {
		e.advanceCursor(context.Background(), evt.ChatGUID, evt.Message.Seq)
	}
	e.bus.Emit("outbox.acked", bus.Scope{ChatGUID: evt.ChatGUID, MessageGUID: evt.Message.GUID})
	e.bus.Emit("message.upserted", bus.Scope{ChatGUID: evt.ChatGUID, MessageGUID: evt.Message.GUID})
	e.bus.Emit("chat.updated", bus.Scope{ChatGUID: evt.ChatGUID})
}

func (e *Engine) applyChatEvent(evt remote.Event) {
	if evt.ChatGUID == "" {
		return
	}
	if evt.Chat != nil {
		if err := e.db.UpsertChat(evt.Chat); err != nil {
			e.logger.Error("chat upsert failed", zap.String("chat", evt.ChatGUID), zap.Error(err))
			return
		}
	}
	e.bus.Emit("chat.updated", bus.Scope{ChatGUID: evt.ChatGUID})
}

// ensureChat guarantees a chat row exists before a message references it.
// Live events can arrive for chats the pull path has not seen yet.
func (e *Engine) ensureChat(chatGUID string, m *store.Message) {
	chat, err := e.db.GetChat(chatGUID)
	if err != nil {
		e.logger.Error("chat read failed", zap.String("chat", chatGUID), zap.Error(err))
		return
	}
	c := &store.Chat{GUID: chatGUID}
	if chat != nil {
		c = chat
	}
	if m != nil && m.Seq > c.LastSeq {
		c.LastSeq = m.Seq
		c.LastPreview = m.Body
	}
	if err := e.db.UpsertChat(c); err != nil {
		e.logger.Error("chat upsert failed", zap.String("chat", chatGUID), zap.Error(err))
	}
}

// advanceCursor moves a chat cursor forward. A regression means the
// persisted cursor no longer matches what the code believes; the scope is
// reset and repulled from scratch rather than trusted.
func (e *Engine) advanceCursor(ctx context.Context, chatGUID string, seq int64) {
	scope := store.ChatScope(chatGUID)
	err := e.db.SetCursor(scope, seq)
	if err == nil {
		return
	}
	var regress *store.RegressionError
	if errors.As(err, &regress) {
		e.logger.Error("cursor regression, forcing full repull",
			zap.String("chat", chatGUID),
			zap.Int64("stored", regress.Stored),
			zap.Int64("new", regress.New))
		if err := e.db.ForceSetCursor(scope, 0); err != nil {
			e.logger.Error("cursor reset failed", zap.String("chat", chatGUID), zap.Error(err))
			return
		}
		e.catchUp(ctx, chatGUID)
		return
	}
	e.logger.Error("cursor advance failed", zap.String("chat", chatGUID), zap.Error(err))
}

// catchUp runs a targeted pull for one chat in the background, dropping
// live events for that chat until the pull lands.
func (e *Engine) catchUp(ctx context.Context, chatGUID string) {
	st := e.state(chatGUID)
	if !st.catchingUp.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer st.catchingUp.Store(false)
		if err := e.ReconcileChat(ctx, chatGUID); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("catch-up failed", zap.String("chat", chatGUID), zap.Error(err))
		}
	}()
}

// CreateChat creates a chat on the server with an initial message, then
// pulls it so the local copy reflects the server-assigned identifiers.
func (e *Engine) CreateChat(ctx context.Context, addresses []string, message string) (*store.Chat, error) {
	chat, err := e.remote.CreateChat(ctx, addresses, message)
	if err != nil {
		return nil, e.noteFailure("create_chat", bus.Scope{}, err)
	}
	if err := e.db.UpsertChat(chat); err != nil {
		return nil, err
	}
	e.bus.Emit("chat.updated", bus.Scope{ChatGUID: chat.GUID})
	if err := e.ReconcileChat(ctx, chat.GUID); err != nil {
		e.logger.Warn("initial pull after create failed", zap.String("chat", chat.GUID), zap.Error(err))
	}
	return chat, nil
}

// MarkRead clears local unread state immediately and relays the read
// receipt to the server best-effort.
func (e *Engine) MarkRead(ctx context.Context, chatGUID string) error {
	chat, err := e.db.GetChat(chatGUID)
	if err != nil {
		return err
	}
	if chat == nil {
		return nil
	}
	if err := e.db.MarkRead(chatGUID, chat.LastSeq); err != nil {
		return err
	}
	e.bus.Emit("chat.updated", bus.Scope{ChatGUID: chatGUID})
	if err := e.remote.MarkChatRead(ctx, chatGUID); err != nil {
		e.logger.Warn("read receipt relay failed", zap.String("chat", chatGUID), zap.Error(err))
	}
	return nil
}

// Unsubscribe stops syncing a chat: any in-flight pull is cancelled and
// the chat's rows and cursor are dropped. Resubscribing later repulls
// from scratch.
func (e *Engine) Unsubscribe(chatGUID string) error {
	e.mu.Lock()
	st, ok := e.states[chatGUID]
	if ok {
		delete(e.states, chatGUID)
	}
	e.mu.Unlock()
	if ok {
		st.cancelInFlight()
	}
	if ok {
		// Wait out any in-flight pull so its writes cannot resurrect rows.
		st.mu.Lock()
		defer st.mu.Unlock()
	}
	if err := e.db.DeleteChat(chatGUID); err != nil {
		return err
	}
	e.bus.Emit("chat.removed", bus.Scope{ChatGUID: chatGUID})
	return nil
}

// noteFailure classifies an error, emits the matching bus event, and
// returns the error for the caller.
func (e *Engine) noteFailure(op string, scope bus.Scope, err error) error {
	var auth *remote.AuthError
	if errors.As(err, &auth) {
		if e.halted.CompareAndSwap(false, true) {
			e.logger.Error("authentication rejected, sync halted", zap.String("op", op), zap.Error(err))
			e.bus.Emit("sync.auth_required", nil)
		}
		return err
	}
	var transient *remote.TransientError
	if errors.As(err, &transient) {
		e.bus.Emit("sync.degraded", scope)
	}
	return err
}
