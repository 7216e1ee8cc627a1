package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/courier/internal/bus"
)

// Envelope frame types pushed by the server.
const (
	TypeNewMessage     = "new-message"
	TypeMessageEdited  = "message-edited"
	TypeMessageDeleted = "message-deleted"
	TypeStatusUpdate   = "status-update"
	TypeAck            = "ack"
	TypeError          = "error"
)

// Envelope is the wire frame for inbound channel events.
type Envelope struct {
	Type        string         `json:"type"`
	ContextID   string         `json:"context_id,omitempty"`
	ContextType string         `json:"context_type,omitempty"`
	ClientMsgID string         `json:"client_msg_id,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Message     *ServerMessage `json:"message,omitempty"`
	Error       *WireError     `json:"error,omitempty"`
}

// WireError is the error detail attached to error frames.
type WireError struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// Reject converts a wire error into the rejection taxonomy.
func (w *WireError) Reject() *RejectionError {
	return &RejectionError{
		Code:       w.Code,
		Message:    w.Message,
		RetryAfter: time.Duration(w.RetryAfterMs) * time.Millisecond,
	}
}

// ParseEnvelope decodes and validates a single inbound frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case TypeNewMessage, TypeMessageEdited:
		if env.Message == nil {
			return nil, fmt.Errorf("%s envelope missing message", env.Type)
		}
	case TypeMessageDeleted:
		if env.MessageID == "" && (env.Message == nil || env.Message.ID == "") {
			return nil, fmt.Errorf("message-deleted envelope missing message_id")
		}
	case TypeStatusUpdate:
		if env.Status == "" {
			return nil, fmt.Errorf("status-update envelope missing status")
		}
	case TypeAck, TypeError:
		// Correlated to a waiter by client_msg_id; nothing else required.
	case "":
		return nil, fmt.Errorf("envelope missing type")
	default:
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return &env, nil
}

// StatusUpdate is the bus payload for channel.status events.
type StatusUpdate struct {
	ContextID   string
	MessageID   string
	ClientMsgID string
	Status      string
}

// Deletion is the bus payload for channel.delete events.
type Deletion struct {
	ContextID string
	MessageID string
}

// ToEvent maps a pushed envelope onto a bus event for the reconciler.
// Ack and error frames are handled by the send path, not the bus;
// those return ok=false.
func ToEvent(env *Envelope) (bus.Event, bool) {
	now := time.Now()
	switch env.Type {
	case TypeNewMessage:
		return bus.Event{Kind: bus.KindChannelMessage, Timestamp: now, Payload: env.Message}, true
	case TypeMessageEdited:
		return bus.Event{Kind: bus.KindChannelEdit, Timestamp: now, Payload: env.Message}, true
	case TypeMessageDeleted:
		id := env.MessageID
		contextID := env.ContextID
		if env.Message != nil {
			if id == "" {
				id = env.Message.ID
			}
			if contextID == "" {
				contextID = env.Message.ContextID
			}
		}
		return bus.Event{Kind: bus.KindChannelDelete, Timestamp: now, Payload: &Deletion{
			ContextID: contextID,
			MessageID: id,
		}}, true
	case TypeStatusUpdate:
		return bus.Event{Kind: bus.KindChannelStatus, Timestamp: now, Payload: &StatusUpdate{
			ContextID:   env.ContextID,
			MessageID:   env.MessageID,
			ClientMsgID: env.ClientMsgID,
			Status:      env.Status,
		}}, true
	}
	return bus.Event{}, false
}
