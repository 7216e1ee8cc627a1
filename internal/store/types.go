package store

import "github.com/matheus3301/courier/internal/status"

// QueuedMessage is the durable unit of outgoing work. Exactly one row
// exists per logical send until it is confirmed or discarded.
type QueuedMessage struct {
	ID            int64
	ClientMsgID   string // idempotency key, never changes once assigned
	OptimisticID  string // id the message is displayed under pre-confirmation
	ContextID     string
	ContextType   string // "channel" or "direct"
	Kind          string // "text", "file", "video"
	Body          string
	AttachmentRef string
	SenderID      string
	Status        status.Status
	RetryCount    int
	LastError     string
	RetryAfter    int64 // unix ms; no automatic retry before this (rate-limit hint)
	CreatedAt     int64 // unix ms
	UpdatedAt     int64 // unix ms
}

// Context types for QueuedMessage.ContextType.
const (
	ContextChannel = "channel"
	ContextDirect  = "direct"
)
