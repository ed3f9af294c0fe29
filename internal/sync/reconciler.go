package sync

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/bluedesk/internal/bus"
	"github.com/matheus3301/bluedesk/internal/remote"
	"github.com/matheus3301/bluedesk/internal/store"
)

// ReconcileAll brings the chat list up to date and then reconciles every
// known chat, bounded by MaxConcurrent. An auth failure aborts the whole
// pass; per-chat transient failures degrade only their own chat.
func (e *Engine) ReconcileAll(ctx context.Context) error {
	start := time.Now()
	if err := e.reconcileChatList(ctx); err != nil {
		return e.noteFailure("chat_list", bus.Scope{}, err)
	}

	guids, err := e.db.AllChatGUIDs()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxConcurrent)
	for _, guid := range guids {
		guid := guid
		g.Go(func() error {
			err := e.ReconcileChat(gctx, guid)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			var auth *remote.AuthError
			if errors.As(err, &auth) {
				return err
			}
			// Degraded chats were already surfaced; keep the pass going.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.logger.Info("reconcile pass complete",
		zap.Int("chats", len(guids)),
		zap.Duration("elapsed", time.Since(start)))
	e.bus.Emit("sync.reconciled", nil)
	return nil
}

// reconcileChatList pages through the server's chat list and merges it
// into the store, advancing the global cursor to the newest seq seen.
func (e *Engine) reconcileChatList(ctx context.Context) error {
	cursor, err := e.db.GetCursor(store.GlobalScope)
	if err != nil {
		return err
	}

	maxSeq := cursor
	offset := 0
	for {
		var chats []*store.Chat
		err := e.withRetry(ctx, func() error {
			var ferr error
			chats, ferr = e.remote.FetchChats(ctx, cursor, e.opts.PageSize, offset)
			return ferr
		})
		if err != nil {
			return err
		}
		if len(chats) == 0 {
			break
		}
		for _, c := range chats {
			if err := e.db.UpsertChat(c); err != nil {
				return err
			}
			if c.LastSeq > maxSeq {
				maxSeq = c.LastSeq
			}
		}
		e.bus.Emit("chat.updated", bus.Scope{})
		if len(chats) < e.opts.PageSize {
			break
		}
		offset += len(chats)
	}

	if maxSeq > cursor {
		if err := e.db.SetCursor(store.GlobalScope, maxSeq); err != nil {
			var regress *store.RegressionError
			if errors.As(err, &regress) {
				// A stale chat-list cursor only costs a wider next query.
				return e.db.ForceSetCursor(store.GlobalScope, maxSeq)
			}
			return err
		}
	}
	return nil
}

// ReconcileChat pulls one chat forward from its cursor until the server
// has nothing newer. Pages apply to the store before the cursor advances,
// so a crash between the two replays the page instead of skipping it.
// Calls for the same chat serialize; distinct chats run concurrently.
func (e *Engine) ReconcileChat(ctx context.Context, chatGUID string) error {
	st := e.state(chatGUID)
	st.mu.Lock()
	defer st.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	st.setCancel(cancel)
	defer func() {
		st.setCancel(nil)
		cancel()
	}()

	scope := store.ChatScope(chatGUID)
	cursor, err := e.db.GetCursor(scope)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var page *remote.MessagePage
		err := e.withRetry(ctx, func() error {
			var ferr error
			page, ferr = e.remote.FetchMessages(ctx, chatGUID, cursor, e.opts.PageSize)
			return ferr
		})
		if err != nil {
			return e.noteFailure("pull", bus.Scope{ChatGUID: chatGUID}, err)
		}
		if len(page.Messages) == 0 {
			return nil
		}

		changed, err := e.db.UpsertMessages(page.Messages, page.Attachments)
		if err != nil {
			return err
		}
		for _, a := range page.Attachments {
			e.bus.Emit("attachment.discovered", bus.Scope{
				ChatGUID:       chatGUID,
				MessageGUID:    a.MessageGUID,
				AttachmentGUID: a.GUID,
			})
		}
		if changed > 0 {
			e.bus.Emit("message.upserted", bus.Scope{ChatGUID: chatGUID})
			e.bus.Emit("chat.updated", bus.Scope{ChatGUID: chatGUID})
		}

		if page.MaxSeq <= cursor {
			// The server returned nothing past our cursor; stop rather
			// than loop on the same page.
			return nil
		}
		if err := e.db.SetCursor(scope, page.MaxSeq); err != nil {
			var regress *store.RegressionError
			if errors.As(err, &regress) {
				// Persisted cursor is ahead of what we just pulled. Reset
				// the scope and repull from the beginning.
				e.logger.Error("cursor regression, repulling chat",
					zap.String("chat", chatGUID),
					zap.Int64("stored", regress.Stored),
					zap.Int64("new", regress.New))
				if err := e.db.ForceSetCursor(scope, 0); err != nil {
					return err
				}
				cursor = 0
				continue
			}
			return err
		}
		cursor = page.MaxSeq

		if changed == 0 || len(page.Messages) < e.opts.PageSize {
			// Either everything was already known or this was the last
			// page; the chat is converged.
			return nil
		}
	}
}

// withRetry runs fn, retrying transient failures with exponential backoff
// up to MaxRetries. Auth and not-found failures are permanent.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.RetryBaseDelay
	bo.MaxInterval = 30 * time.Second

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var auth *remote.AuthError
		var notFound *remote.NotFoundError
		if errors.As(err, &auth) || errors.As(err, &notFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.opts.MaxRetries)), ctx))
}
