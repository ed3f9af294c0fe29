package remote

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/bluedesk/internal/store"
	"go.uber.org/zap"
)

// EventKind identifies a typed server-pushed event.
type EventKind string

const (
	EventNewMessage     EventKind = "new_message"
	EventMessageUpdated EventKind = "message_updated"
	EventChatUpdated    EventKind = "chat_updated"
	EventHeartbeat      EventKind = "heartbeat"
	EventDisconnected   EventKind = "disconnected"
)

// Event is one server-pushed event from the live channel. Events are
// delivered at most once per channel lifetime with no gap-filling
// guarantee: consumers must re-reconcile via FetchMessages after a
// disconnect.
type Event struct {
	Kind        EventKind
	ChatGUID    string
	Message     *store.Message
	Attachments []*store.Attachment
	Chat        *store.Chat
	// TempGUID echoes the client idempotency token when this event
	// acknowledges one of our own sends.
	TempGUID string
	Err      error
}

// Channel is a live event stream. The Events channel closes after a
// terminal Disconnected event.
type Channel interface {
	Events() <-chan Event
	Close() error
}

// Dialer opens live channels. The supervisor redials through this
// interface, which keeps it testable without a server.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

const writeWait = 10 * time.Second

// WSDialer dials the BlueBubbles websocket event endpoint.
type WSDialer struct {
	baseURL   string
	password  string
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewWSDialer creates a dialer. heartbeat is the maximum silence tolerated
// before the channel is treated as dead.
func NewWSDialer(baseURL, password string, heartbeat time.Duration, logger *zap.Logger) *WSDialer {
	if heartbeat <= 0 {
		heartbeat = 45 * time.Second
	}
	return &WSDialer{
		baseURL:   strings.TrimRight(baseURL, "/"),
		password:  password,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// Dial opens the live channel. The returned channel owns the connection and
// keeps it alive with periodic pings until closed.
func (d *WSDialer) Dial(ctx context.Context) (Channel, error) {
	wsURL := strings.Replace(d.baseURL, "http", "ws", 1) + "/api/v1/events?password=" + url.QueryEscape(d.password)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, &TransientError{Op: "open live channel", Err: err}
	}

	lc := &liveChannel{
		conn:      conn,
		events:    make(chan Event, 256),
		heartbeat: d.heartbeat,
		logger:    d.logger,
	}
	go lc.readLoop()
	go lc.pingLoop()
	return lc, nil
}

type liveChannel struct {
	conn      *websocket.Conn
	events    chan Event
	heartbeat time.Duration
	logger    *zap.Logger
	closeOnce sync.Once
}

func (lc *liveChannel) Events() <-chan Event { return lc.events }

func (lc *liveChannel) Close() error {
	var err error
	lc.closeOnce.Do(func() {
		_ = lc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = lc.conn.Close()
	})
	return err
}

// readLoop pumps frames off the socket until it dies, then emits a terminal
// Disconnected event and closes the stream. The read deadline doubles as
// the liveness watchdog: it is pushed forward by pongs and data frames.
func (lc *liveChannel) readLoop() {
	defer close(lc.events)

	_ = lc.conn.SetReadDeadline(time.Now().Add(lc.heartbeat))
	lc.conn.SetPongHandler(func(string) error {
		_ = lc.conn.SetReadDeadline(time.Now().Add(lc.heartbeat))
		lc.emit(Event{Kind: EventHeartbeat})
		return nil
	})

	for {
		_, data, err := lc.conn.ReadMessage()
		if err != nil {
			lc.emit(Event{Kind: EventDisconnected, Err: err})
			_ = lc.conn.Close()
			return
		}
		_ = lc.conn.SetReadDeadline(time.Now().Add(lc.heartbeat))

		evt, ok := parseFrame(data)
		if !ok {
			if lc.logger != nil {
				lc.logger.Warn("unparseable live frame", zap.ByteString("frame", data))
			}
			continue
		}
		lc.emit(evt)
	}
}

// emit never blocks; when the consumer lags, the event is dropped and the
// consumer's next reconciliation pull recovers it.
func (lc *liveChannel) emit(evt Event) {
	select {
	case lc.events <- evt:
	default:
	}
}

func (lc *liveChannel) pingLoop() {
	interval := lc.heartbeat * 9 / 10
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := lc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			_ = lc.conn.Close()
			return
		}
	}
}

type eventFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// parseFrame maps a wire frame onto a typed event.
func parseFrame(data []byte) (Event, bool) {
	var frame eventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Event{}, false
	}

	switch frame.Type {
	case "new-message", "updated-message":
		var dto messageDTO
		if err := json.Unmarshal(frame.Data, &dto); err != nil || dto.GUID == "" {
			return Event{}, false
		}
		chatGUID := dto.chatOf()
		kind := EventNewMessage
		if frame.Type == "updated-message" {
			kind = EventMessageUpdated
		}
		return Event{
			Kind:        kind,
			ChatGUID:    chatGUID,
			Message:     dto.toStoreMessage(chatGUID),
			Attachments: dto.toStoreAttachments(chatGUID),
			TempGUID:    dto.TempGUID,
		}, true

	case "chat-read-status-changed", "group-name-change":
		var dto chatDTO
		if err := json.Unmarshal(frame.Data, &dto); err != nil {
			return Event{}, false
		}
		if dto.GUID == "" {
			var alt struct {
				ChatGUID string `json:"chatGuid"`
			}
			if err := json.Unmarshal(frame.Data, &alt); err != nil || alt.ChatGUID == "" {
				return Event{}, false
			}
			return Event{Kind: EventChatUpdated, ChatGUID: alt.ChatGUID}, true
		}
		return Event{Kind: EventChatUpdated, ChatGUID: dto.GUID, Chat: dto.toStoreChat()}, true

	case "heartbeat":
		return Event{Kind: EventHeartbeat}, true

	default:
		return Event{}, false
	}
}
