package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-separated and namespaced by origin:
//
//	conn.*     connection supervisor state changes
//	remote.*   raw events forwarded from the live channel
//	sync.*     synchronization engine lifecycle and health
//	message.*  per-message change notifications for the presentation layer
//	chat.*     per-chat change notifications for the presentation layer
//	outbox.*   optimistic send lifecycle
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Scope identifies the chat (and optionally message or attachment) an event
// refers to, so consumers can render failures against a precise target
// instead of a global error banner.
type Scope struct {
	ChatGUID       string
	MessageGUID    string
	AttachmentGUID string
}
