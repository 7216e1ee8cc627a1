// Package reconcile matches locally originated optimistic messages to
// the authoritative copies the server pushes back, collapsing the two
// into a single confirmed DisplayMessage.
package reconcile

import (
	"context"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
	"github.com/matheus3301/courier/internal/transport"
	"github.com/matheus3301/courier/internal/view"
	"go.uber.org/zap"
)

// Reconciler consumes inbound channel events from the bus and folds
// them into the view and the durable queue.
type Reconciler struct {
	db          *store.DB
	view        *view.View
	bus         *bus.Bus
	logger      *zap.Logger
	fuzzyWindow time.Duration
	cancel      context.CancelFunc
}

// New creates a reconciler. fuzzyWindow bounds the timestamp distance
// for the fallback content match.
func New(db *store.DB, v *view.View, b *bus.Bus, fuzzyWindow time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:          db,
		view:        v,
		bus:         b,
		logger:      logger,
		fuzzyWindow: fuzzyWindow,
	}
}

// Start subscribes to inbound channel events on the bus.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("channel.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reconciler) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindChannelMessage:
		sm, ok := evt.Payload.(*transport.ServerMessage)
		if !ok {
			return
		}
		r.Resolve(sm)
	case bus.KindChannelEdit:
		sm, ok := evt.Payload.(*transport.ServerMessage)
		if !ok {
			return
		}
		r.view.ApplyEdit(sm.ContextID, sm)
	case bus.KindChannelDelete:
		del, ok := evt.Payload.(*transport.Deletion)
		if !ok {
			return
		}
		r.view.ApplyDelete(del.ContextID, del.MessageID)
	case bus.KindChannelStatus:
		upd, ok := evt.Payload.(*transport.StatusUpdate)
		if !ok {
			return
		}
		r.applyStatus(upd)
	}
}

// Resolve matches an authoritative message against the optimistic
// entries. Match order: exact by client message id, fuzzy by
// content/sender/time, otherwise merge-insert as a message from
// another party or session. Ambiguity never drops a message.
func (r *Reconciler) Resolve(sm *transport.ServerMessage) {
	if sm.ClientMsgID != "" {
		r.resolveByKey(sm)
		return
	}
	if r.resolveFuzzy(sm) {
		return
	}
	r.view.Merge(sm.ContextID, sm)
}

func (r *Reconciler) resolveByKey(sm *transport.ServerMessage) {
	opt := r.view.OptimisticByClientMsgID(sm.ContextID, sm.ClientMsgID)
	if opt != nil {
		r.view.ConfirmOptimistic(sm.ContextID, opt.ID, sm)
	} else {
		// Discarded locally, confirmed by another session, or a duplicate
		// confirmation: merging by server id keeps exactly one copy.
		r.view.Merge(sm.ContextID, sm)
	}

	entry, err := r.db.FindByClientMsgID(sm.ClientMsgID)
	if err != nil {
		r.logger.Error("queue lookup failed", zap.Error(err), zap.String("client_msg_id", sm.ClientMsgID))
		return
	}
	if entry != nil {
		r.removeQueued(entry.ID, sm.ClientMsgID)
	}
}

// resolveFuzzy is the legacy best-effort path used only when the server
// does not echo the idempotency key. Oldest matching optimistic entry
// wins so a burst of identical messages resolves one at a time.
func (r *Reconciler) resolveFuzzy(sm *transport.ServerMessage) bool {
	candidates := r.view.FuzzyCandidates(sm.ContextID, sm.Body, sm.SenderID, sm.Timestamp, r.fuzzyWindow)
	if len(candidates) == 0 {
		return false
	}
	match := candidates[0]
	r.view.ConfirmOptimistic(sm.ContextID, match.ID, sm)

	entry, err := r.db.FindByOptimisticID(match.ID)
	if err != nil {
		r.logger.Error("queue lookup failed", zap.Error(err), zap.String("optimistic_id", match.ID))
		return true
	}
	if entry != nil {
		r.removeQueued(entry.ID, entry.ClientMsgID)
	}
	return true
}

func (r *Reconciler) applyStatus(upd *transport.StatusUpdate) {
	s := status.Status(upd.Status)
	if !status.Known(s) {
		r.logger.Warn("unknown status in receipt", zap.String("status", upd.Status))
		return
	}

	id := upd.MessageID
	if id == "" && upd.ClientMsgID != "" {
		if opt := r.view.OptimisticByClientMsgID(upd.ContextID, upd.ClientMsgID); opt != nil {
			id = opt.ID
		}
	}
	if id != "" {
		r.view.UpdateStatus(upd.ContextID, id, s)
	}

	// Delivery receipts for an own message still in the queue.
	if upd.ClientMsgID != "" {
		entry, err := r.db.FindByClientMsgID(upd.ClientMsgID)
		if err == nil && entry != nil && status.CanTransition(entry.Status, s) {
			if err := r.db.UpdateStatus(entry.ID, s, ""); err != nil {
				r.logger.Error("queue status update failed", zap.Error(err), zap.Int64("queue_id", entry.ID))
			}
		}
	}
}

func (r *Reconciler) removeQueued(id int64, clientMsgID string) {
	if err := r.db.Remove(id); err != nil {
		r.logger.Error("failed to remove confirmed entry", zap.Error(err), zap.Int64("queue_id", id))
		return
	}
	r.bus.Publish(bus.Event{
		Kind:      bus.KindQueueRemoved,
		Timestamp: time.Now(),
		Payload:   map[string]string{"client_msg_id": clientMsgID},
	})
}
