// Package remote implements the typed BlueBubbles server client: paged REST
// pulls, message sending, attachment streaming, and the websocket live
// channel. All failures map onto the TransientError / AuthError /
// NotFoundError taxonomy so the sync engine can decide retry vs surface.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/bluedesk/internal/store"
	"go.uber.org/zap"
)

// Client is a typed HTTP client for the BlueBubbles REST API. The server
// password is attached to every request as a query parameter.
type Client struct {
	baseURL  string
	password string
	http     *http.Client
	timeout  time.Duration
	logger   *zap.Logger
}

// NewClient creates a client for the given server. timeout bounds every
// individual request unless the caller's context expires first.
func NewClient(baseURL, password string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		password: password,
		http:     &http.Client{},
		timeout:  timeout,
		logger:   logger,
	}
}

func (c *Client) buildURL(endpoint string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("password", c.password)
	return c.baseURL + endpoint + "?" + params.Encode()
}

// doJSON performs a request and decodes the "data" field of the response
// envelope into out. Non-2xx statuses map onto the error taxonomy.
func (c *Client) doJSON(ctx context.Context, op, method, endpoint string, params url.Values, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(endpoint, params), reqBody)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(op, endpoint, resp.StatusCode); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	return decodeData(op, resp.Body, out)
}

// decodeData unwraps the "data" field of the response envelope into out.
func decodeData(op string, r io.Reader, out any) error {
	var wrapper struct {
		envelope
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r).Decode(&wrapper); err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if err := json.Unmarshal(wrapper.Data, out); err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

func classifyStatus(op, resource string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &AuthError{Op: op, StatusCode: code}
	case code == http.StatusNotFound:
		return &NotFoundError{Op: op, Resource: resource}
	default:
		return &TransientError{Op: op, Err: fmt.Errorf("HTTP %d", code)}
	}
}

// ServerInfo probes the server, verifying reachability and credentials.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.doJSON(ctx, "server info", http.MethodGet, "/api/v1/server/info", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// FetchChats pulls a page of chats whose newest message sequence is greater
// than sinceSeq, with their last message embedded.
func (c *Client) FetchChats(ctx context.Context, sinceSeq int64, limit, offset int) ([]*store.Chat, error) {
	body := map[string]any{
		"limit":  limit,
		"offset": offset,
		"with":   []string{"lastMessage"},
		"sort":   "lastmessage",
	}
	var dtos []chatDTO
	if err := c.doJSON(ctx, "fetch chats", http.MethodPost, "/api/v1/chat/query", nil, body, &dtos); err != nil {
		return nil, err
	}

	chats := make([]*store.Chat, 0, len(dtos))
	for i := range dtos {
		chat := dtos[i].toStoreChat()
		if chat.LastSeq <= sinceSeq && sinceSeq > 0 {
			continue
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// MessagePage is one page of a per-chat pull: the messages, their
// attachment references, and the highest sequence token seen.
type MessagePage struct {
	Messages    []*store.Message
	Attachments []*store.Attachment
	MaxSeq      int64
}

// FetchMessages pulls up to limit messages for a chat with sequence tokens
// strictly greater than afterSeq, oldest first so pages apply in order.
func (c *Client) FetchMessages(ctx context.Context, chatGUID string, afterSeq int64, limit int) (*MessagePage, error) {
	params := url.Values{}
	params.Set("with", "handle,attachment")
	params.Set("sort", "ASC")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("after", strconv.FormatInt(afterSeq, 10))

	var dtos []messageDTO
	endpoint := "/api/v1/chat/" + url.PathEscape(chatGUID) + "/message"
	if err := c.doJSON(ctx, "fetch messages", http.MethodGet, endpoint, params, nil, &dtos); err != nil {
		return nil, err
	}

	page := &MessagePage{}
	for i := range dtos {
		m := dtos[i].toStoreMessage(chatGUID)
		page.Messages = append(page.Messages, m)
		page.Attachments = append(page.Attachments, dtos[i].toStoreAttachments(chatGUID)...)
		if m.Seq > page.MaxSeq {
			page.MaxSeq = m.Seq
		}
	}
	return page, nil
}

// SendText sends a text message. tempGUID is the client idempotency token:
// the server echoes it in the acknowledgment event so retries and duplicate
// deliveries collapse onto the same logical send.
func (c *Client) SendText(ctx context.Context, chatGUID, text, tempGUID string) (*SendResult, error) {
	body := map[string]any{
		"chatGuid": chatGUID,
		"message":  text,
		"tempGuid": tempGUID,
	}
	var dto messageDTO
	if err := c.doJSON(ctx, "send text", http.MethodPost, "/api/v1/message/text", nil, body, &dto); err != nil {
		return nil, err
	}
	return &SendResult{GUID: dto.GUID, Seq: dto.OriginalROWID}, nil
}

// SendAttachment sends a file to a chat as a multipart upload, with message
// as an optional caption. The file streams from disk; it is never buffered
// whole. tempGUID plays the same idempotency role as in SendText.
func (c *Client) SendAttachment(ctx context.Context, chatGUID, filePath, message, tempGUID string) (*SendResult, error) {
	op := "send attachment"
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = f.Close() }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		werr := writeAttachmentForm(mw, f, filepath.Base(filePath), chatGUID, message, tempGUID)
		if cerr := mw.Close(); werr == nil {
			werr = cerr
		}
		_ = pw.CloseWithError(werr)
	}()

	endpoint := "/api/v1/message/attachment"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(endpoint, nil), pr)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(op, endpoint, resp.StatusCode); err != nil {
		return nil, err
	}
	var dto messageDTO
	if err := decodeData(op, resp.Body, &dto); err != nil {
		return nil, err
	}
	return &SendResult{GUID: dto.GUID, Seq: dto.OriginalROWID}, nil
}

func writeAttachmentForm(mw *multipart.Writer, f io.Reader, name, chatGUID, message, tempGUID string) error {
	if err := mw.WriteField("chatGuid", chatGUID); err != nil {
		return err
	}
	if err := mw.WriteField("tempGuid", tempGUID); err != nil {
		return err
	}
	if err := mw.WriteField("name", name); err != nil {
		return err
	}
	if message != "" {
		if err := mw.WriteField("message", message); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("attachment", name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// CreateChat creates a new chat with the given participant addresses.
func (c *Client) CreateChat(ctx context.Context, addresses []string, message string) (*store.Chat, error) {
	body := map[string]any{
		"addresses": addresses,
	}
	if message != "" {
		body["message"] = message
	}
	var dto chatDTO
	if err := c.doJSON(ctx, "create chat", http.MethodPost, "/api/v1/chat/new", nil, body, &dto); err != nil {
		return nil, err
	}
	return dto.toStoreChat(), nil
}

// MarkChatRead relays a read receipt for the chat to the server.
func (c *Client) MarkChatRead(ctx context.Context, chatGUID string) error {
	endpoint := "/api/v1/chat/" + url.PathEscape(chatGUID) + "/read"
	return c.doJSON(ctx, "mark chat read", http.MethodPost, endpoint, nil, nil, nil)
}

// DownloadAttachment streams the attachment's bytes into w.
func (c *Client) DownloadAttachment(ctx context.Context, guid string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	op := "download attachment"
	endpoint := "/api/v1/attachment/" + url.PathEscape(guid) + "/download"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(endpoint, nil), nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(op, "attachment "+guid, resp.StatusCode); err != nil {
		return err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return &TransientError{Op: op, Err: err}
	}
	return nil
}
