package store

// Chat represents a synced chat. GUIDs are server-assigned and stable.
type Chat struct {
	GUID        string
	DisplayName string
	Identifier  string
	Service     string
	IsGroup     bool
	Archived    bool
	UnreadCount int
	// LastSeq is the server sequence token of the newest known message in
	// this chat. Sequence tokens are comparable only within a single chat.
	LastSeq     int64
	LastPreview string
}

// Message statuses.
const (
	MessageReceived  = "received"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageSending   = "sending"
	MessageFailed    = "failed"
)

// Message represents a synced message.
type Message struct {
	ID       int64
	ChatGUID string
	GUID     string
	// Seq is the server sequence token. Within a chat, messages are
	// totally ordered by Seq; duplicates merge last-writer-wins by Seq.
	Seq         int64
	Sender      string
	Body        string
	Status      string
	IsFromMe    bool
	Pending     bool
	DateCreated int64
}

// Attachment download states.
const (
	AttachmentNotFetched = "not_fetched"
	AttachmentFetching   = "fetching"
	AttachmentCached     = "cached"
	AttachmentFailed     = "failed"
)

// Attachment represents an attachment reference carried by a message.
// The bytes themselves live in the attachment cache once fetched.
type Attachment struct {
	GUID         string
	MessageGUID  string
	ChatGUID     string
	TransferName string
	MimeType     string
	TotalBytes   int64
	State        string
	CachePath    string
}

// Outbox statuses.
const (
	OutboxQueued      = "queued"
	OutboxSending     = "sending"
	OutboxAwaitingAck = "awaiting_ack"
	OutboxSent        = "sent"
	OutboxFailed      = "failed"
)

// Outbox entry kinds.
const (
	OutboxText       = "text"
	OutboxAttachment = "attachment"
)

// OutboxEntry represents an optimistic outgoing message. Token is the
// client-generated idempotency token; TempGUID is the provisional message
// GUID shown while the send is pending server acknowledgment. For
// attachment entries FilePath is the local file to upload and Body is the
// optional caption.
type OutboxEntry struct {
	Token        string
	ChatGUID     string
	Kind         string
	Body         string
	FilePath     string
	TempGUID     string
	Status       string
	ErrorMessage string
	ServerGUID   string
	CreatedAt    int64
	UpdatedAt    int64
}

// GlobalScope is the cursor scope covering the chat list itself.
const GlobalScope = "global"

// ChatScope returns the cursor scope for a single chat.
func ChatScope(chatGUID string) string {
	return "chat:" + chatGUID
}
