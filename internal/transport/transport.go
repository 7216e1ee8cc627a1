// Package transport connects the delivery subsystem to the chat server:
// a realtime websocket channel for sends and pushed events, and a REST
// fallback accepting the same idempotency key.
package transport

// Outbound is a send request. ClientMsgID is the idempotency key; it
// never changes across retries of the same logical message.
type Outbound struct {
	ClientMsgID   string `json:"client_msg_id"`
	ContextID     string `json:"context_id"`
	ContextType   string `json:"context_type"`
	Kind          string `json:"kind"`
	Body          string `json:"body"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	SenderID      string `json:"sender_id"`
}

// ServerMessage is the authoritative message as the server stores it.
type ServerMessage struct {
	ID            string `json:"id"`
	ClientMsgID   string `json:"client_msg_id,omitempty"`
	ContextID     string `json:"context_id"`
	ContextType   string `json:"context_type"`
	SenderID      string `json:"sender_id"`
	SenderName    string `json:"sender_name,omitempty"`
	Kind          string `json:"kind"`
	Body          string `json:"body"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	Status        string `json:"status"`
	Timestamp     int64  `json:"timestamp"`
	UpdatedAt     int64  `json:"updated_at,omitempty"`
	Deleted       bool   `json:"deleted,omitempty"`
}
