// Package view maintains the merged per-context message view the UI
// reads: exactly one DisplayMessage per logical message, last-writer-
// wins on updatedAt, tombstoned deletes, stable timestamp ordering.
package view

import (
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/transport"
)

// DisplayMessage is the merged view entity. Keyed by server id once
// confirmed, by the optimistic id before confirmation.
type DisplayMessage struct {
	ID            string
	ClientMsgID   string
	ContextID     string
	ContextType   string
	SenderID      string
	SenderName    string
	Kind          string
	Body          string
	AttachmentRef string
	Status        status.Status
	Timestamp     int64 // unix ms, creation time; drives display order
	UpdatedAt     int64 // unix ms, drives last-writer-wins merging
	Deleted       bool
	Optimistic    bool
	QueueID       int64 // durable queue row backing an optimistic entry

	seq uint64 // arrival order, tie-breaker for identical timestamps
}

// Change is the bus payload for message.* events.
type Change struct {
	ContextID string
	MessageID string
}

type contextView struct {
	entries       map[string]*DisplayMessage
	byClientMsgID map[string]string // idempotency key -> optimistic display id
}

// View holds the merged message views for all contexts. Reads return
// copies so an in-flight async operation can never observe a
// half-updated structure.
type View struct {
	mu       sync.RWMutex
	bus      *bus.Bus
	contexts map[string]*contextView
	seq      uint64
}

// New creates an empty view.
func New(b *bus.Bus) *View {
	return &View{
		bus:      b,
		contexts: make(map[string]*contextView),
	}
}

func (v *View) context(contextID string) *contextView {
	cv, ok := v.contexts[contextID]
	if !ok {
		cv = &contextView{
			entries:       make(map[string]*DisplayMessage),
			byClientMsgID: make(map[string]string),
		}
		v.contexts[contextID] = cv
	}
	return cv
}

// InsertOptimistic adds a locally originated message under its
// optimistic id. It never fails: the optimistic entry must be visible
// even when durable persistence is still initializing.
func (v *View) InsertOptimistic(dm DisplayMessage) {
	v.mu.Lock()
	dm.Optimistic = true
	v.seq++
	dm.seq = v.seq
	cv := v.context(dm.ContextID)
	cv.entries[dm.ID] = &dm
	if dm.ClientMsgID != "" {
		cv.byClientMsgID[dm.ClientMsgID] = dm.ID
	}
	v.mu.Unlock()

	v.publish(bus.KindMessageMerged, dm.ContextID, dm.ID)
}

// Merge folds an authoritative server message into the view. No-op if
// an existing entry has an equal-or-newer updatedAt or is tombstoned;
// otherwise the server-owned fields overwrite the entry.
func (v *View) Merge(contextID string, sm *transport.ServerMessage) {
	v.mu.Lock()
	changed := v.mergeLocked(contextID, sm)
	v.mu.Unlock()

	if changed {
		v.publish(bus.KindMessageMerged, contextID, sm.ID)
	}
}

// ApplyEdit has merge semantics identical to Merge.
func (v *View) ApplyEdit(contextID string, sm *transport.ServerMessage) {
	v.Merge(contextID, sm)
}

func (v *View) mergeLocked(contextID string, sm *transport.ServerMessage) bool {
	cv := v.context(contextID)
	existing, ok := cv.entries[sm.ID]
	if !ok {
		v.seq++
		cv.entries[sm.ID] = fromServer(sm, v.seq)
		return true
	}
	if existing.Deleted {
		// Tombstone wins once set, regardless of the incoming timestamp.
		return false
	}
	if effectiveUpdated(existing.UpdatedAt, existing.Timestamp) >= effectiveUpdated(sm.UpdatedAt, sm.Timestamp) {
		return false
	}
	// Shallow merge: the server owns content and status fields; arrival
	// order and queue bookkeeping stay local.
	existing.Body = sm.Body
	existing.Kind = sm.Kind
	existing.AttachmentRef = sm.AttachmentRef
	existing.UpdatedAt = sm.UpdatedAt
	existing.Deleted = sm.Deleted
	if sm.SenderName != "" {
		existing.SenderName = sm.SenderName
	}
	if s := status.Status(sm.Status); status.Known(s) {
		existing.Status = s
	}
	return true
}

// ApplyDelete sets a tombstone. Idempotent; the entry is retained so a
// stale non-deleted event arriving later cannot resurrect it. An
// unknown id gets a tombstone placeholder for the same reason.
func (v *View) ApplyDelete(contextID, id string) {
	v.mu.Lock()
	cv := v.context(contextID)
	entry, ok := cv.entries[id]
	already := ok && entry.Deleted
	if ok {
		entry.Deleted = true
	} else {
		v.seq++
		cv.entries[id] = &DisplayMessage{
			ID:        id,
			ContextID: contextID,
			Deleted:   true,
			seq:       v.seq,
		}
	}
	v.mu.Unlock()

	if !already {
		v.publish(bus.KindMessageDeleted, contextID, id)
	}
}

// ConfirmOptimistic replaces the optimistic entry with the confirmed
// server copy. The optimistic entry's arrival order is preserved so the
// message does not jump in the list. This is the only path that turns
// an optimistic entry into a confirmed one.
func (v *View) ConfirmOptimistic(contextID, optimisticID string, sm *transport.ServerMessage) {
	v.mu.Lock()
	cv := v.context(contextID)
	opt, ok := cv.entries[optimisticID]
	var seq uint64
	if ok {
		seq = opt.seq
		delete(cv.entries, optimisticID)
		if opt.ClientMsgID != "" {
			delete(cv.byClientMsgID, opt.ClientMsgID)
		}
	} else {
		v.seq++
		seq = v.seq
	}
	if existing, dup := cv.entries[sm.ID]; dup {
		// The server pushed the confirmed message before the ack path got
		// here; keep the pushed copy, the optimistic entry is already gone.
		seq = existing.seq
	}
	confirmed := fromServer(sm, seq)
	if ok && opt.Deleted {
		confirmed.Deleted = true
	}
	cv.entries[sm.ID] = confirmed
	v.mu.Unlock()

	v.publish(bus.KindDeliveryConfirmed, contextID, sm.ID)
}

// UpdateStatus applies a delivery receipt. Status only moves forward:
// a stale receipt can never regress read back to delivered.
func (v *View) UpdateStatus(contextID, id string, s status.Status) {
	if !status.Known(s) {
		return
	}
	v.mu.Lock()
	cv := v.context(contextID)
	entry, ok := cv.entries[id]
	changed := false
	if ok && entry.Status != s && status.CanTransition(entry.Status, s) {
		entry.Status = s
		changed = true
	}
	v.mu.Unlock()

	if changed {
		v.publish(bus.KindMessageMerged, contextID, id)
	}
}

// SetQueueID backfills the durable queue id on an optimistic entry.
// The entry is inserted before the enqueue returns, so the id arrives
// after the fact.
func (v *View) SetQueueID(contextID, id string, queueID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cv := v.context(contextID)
	if entry, ok := cv.entries[id]; ok {
		entry.QueueID = queueID
	}
}

// ResetForRetry puts an optimistic entry back to pending for a manual
// retry. Unlike UpdateStatus this deliberately moves backward out of
// failed or failed_permanently.
func (v *View) ResetForRetry(contextID, id string) {
	v.mu.Lock()
	cv := v.context(contextID)
	entry, ok := cv.entries[id]
	changed := ok && entry.Optimistic && entry.Status != status.Pending
	if changed {
		entry.Status = status.Pending
	}
	v.mu.Unlock()

	if changed {
		v.publish(bus.KindMessageMerged, contextID, id)
	}
}

// Remove deletes an entry outright (discard path, not a tombstone).
func (v *View) Remove(contextID, id string) {
	v.mu.Lock()
	cv := v.context(contextID)
	if entry, ok := cv.entries[id]; ok {
		delete(cv.entries, id)
		if entry.ClientMsgID != "" {
			delete(cv.byClientMsgID, entry.ClientMsgID)
		}
	}
	v.mu.Unlock()
}

// List returns the context's messages ordered by timestamp ascending,
// ties broken by arrival order. The slice and entries are copies.
func (v *View) List(contextID string) []DisplayMessage {
	v.mu.RLock()
	cv, ok := v.contexts[contextID]
	if !ok {
		v.mu.RUnlock()
		return nil
	}
	out := make([]DisplayMessage, 0, len(cv.entries))
	for _, entry := range cv.entries {
		out = append(out, *entry)
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// OptimisticByClientMsgID returns a copy of the optimistic entry
// carrying the given idempotency key, or nil.
func (v *View) OptimisticByClientMsgID(contextID, clientMsgID string) *DisplayMessage {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cv, ok := v.contexts[contextID]
	if !ok {
		return nil
	}
	id, ok := cv.byClientMsgID[clientMsgID]
	if !ok {
		return nil
	}
	entry, ok := cv.entries[id]
	if !ok {
		return nil
	}
	copied := *entry
	return &copied
}

// FuzzyCandidates returns optimistic entries in the context whose body
// is byte-equal, whose sender matches, and whose timestamp falls within
// the window of ts. Oldest first, so a burst of identical messages is
// resolved in creation order.
func (v *View) FuzzyCandidates(contextID, body, senderID string, ts int64, window time.Duration) []DisplayMessage {
	v.mu.RLock()
	cv, ok := v.contexts[contextID]
	if !ok {
		v.mu.RUnlock()
		return nil
	}
	windowMs := window.Milliseconds()
	var out []DisplayMessage
	for _, entry := range cv.entries {
		if !entry.Optimistic || entry.Deleted {
			continue
		}
		if entry.Body != body || entry.SenderID != senderID {
			continue
		}
		delta := ts - entry.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if delta >= windowMs {
			continue
		}
		out = append(out, *entry)
	}
	v.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (v *View) publish(kind, contextID, id string) {
	if v.bus == nil {
		return
	}
	v.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   Change{ContextID: contextID, MessageID: id},
	})
}

// effectiveUpdated is the last-writer-wins comparison key: updatedAt
// when the server recorded an edit, the creation timestamp otherwise.
func effectiveUpdated(updatedAt, timestamp int64) int64 {
	if updatedAt != 0 {
		return updatedAt
	}
	return timestamp
}

func fromServer(sm *transport.ServerMessage, seq uint64) *DisplayMessage {
	s := status.Status(sm.Status)
	if !status.Known(s) {
		s = status.Sent
	}
	return &DisplayMessage{
		ID:            sm.ID,
		ClientMsgID:   sm.ClientMsgID,
		ContextID:     sm.ContextID,
		ContextType:   sm.ContextType,
		SenderID:      sm.SenderID,
		SenderName:    sm.SenderName,
		Kind:          sm.Kind,
		Body:          sm.Body,
		AttachmentRef: sm.AttachmentRef,
		Status:        s,
		Timestamp:     sm.Timestamp,
		UpdatedAt:     sm.UpdatedAt,
		Deleted:       sm.Deleted,
		seq:           seq,
	}
}
