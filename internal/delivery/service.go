// Package delivery is the UI-facing facade over the queue, the view
// and the scheduler: compose a message once, watch it converge to
// delivered.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
	"github.com/matheus3301/courier/internal/view"
	"go.uber.org/zap"
)

// Draft is the user's outgoing message before it gets an identity.
type Draft struct {
	ContextID     string
	ContextType   string
	Kind          string
	Body          string
	AttachmentRef string
}

// Dispatcher triggers an immediate send attempt for a queue entry.
type Dispatcher interface {
	SendNow(ctx context.Context, id int64)
}

// Service ties the optimistic view and the durable queue together for
// the UI.
type Service struct {
	db         *store.DB
	view       *view.View
	dispatcher Dispatcher
	bus        *bus.Bus
	logger     *zap.Logger

	senderID   string
	senderName string
	now        func() time.Time
}

// New creates a delivery service for the given local identity.
func New(db *store.DB, v *view.View, d Dispatcher, b *bus.Bus, senderID, senderName string, logger *zap.Logger) *Service {
	return &Service{
		db:         db,
		view:       v,
		dispatcher: d,
		bus:        b,
		logger:     logger,
		senderID:   senderID,
		senderName: senderName,
		now:        time.Now,
	}
}

// EnqueueAndSend makes a draft visible immediately, persists it, and
// fires the first send attempt in the background. The optimistic entry
// is inserted before anything that can fail: if persistence is broken
// the message still shows up, the returned error tells the caller it
// will not be delivered or survive a restart.
func (s *Service) EnqueueAndSend(ctx context.Context, d Draft) (int64, string, error) {
	if d.ContextID == "" || d.Body == "" && d.AttachmentRef == "" {
		return 0, "", fmt.Errorf("draft needs a context and content")
	}
	if d.Kind == "" {
		d.Kind = "text"
	}

	clientMsgID := uuid.NewString()
	optimisticID := "tmp-" + clientMsgID
	ts := s.now().UnixMilli()

	s.view.InsertOptimistic(view.DisplayMessage{
		ID:            optimisticID,
		ClientMsgID:   clientMsgID,
		ContextID:     d.ContextID,
		ContextType:   d.ContextType,
		SenderID:      s.senderID,
		SenderName:    s.senderName,
		Kind:          d.Kind,
		Body:          d.Body,
		AttachmentRef: d.AttachmentRef,
		Status:        status.Pending,
		Timestamp:     ts,
	})

	id, err := s.db.Enqueue(&store.QueuedMessage{
		ClientMsgID:   clientMsgID,
		OptimisticID:  optimisticID,
		ContextID:     d.ContextID,
		ContextType:   d.ContextType,
		Kind:          d.Kind,
		Body:          d.Body,
		AttachmentRef: d.AttachmentRef,
		SenderID:      s.senderID,
		CreatedAt:     ts,
	})
	if err != nil {
		// The message stays visible, but without a queue row it cannot be
		// sent, retried or discarded. The caller has to know.
		s.logger.Warn("enqueue failed, message is optimistic-only",
			zap.Error(err), zap.String("client_msg_id", clientMsgID))
		return 0, optimisticID, fmt.Errorf("enqueue message: %w", err)
	}
	s.view.SetQueueID(d.ContextID, optimisticID, id)

	s.bus.Publish(bus.Event{
		Kind:      bus.KindQueueEnqueued,
		Timestamp: s.now(),
		Payload:   map[string]string{"client_msg_id": clientMsgID},
	})

	go s.dispatcher.SendNow(context.Background(), id)
	return id, optimisticID, nil
}

// DisplayMessages returns the merged view of a context.
func (s *Service) DisplayMessages(contextID string) []view.DisplayMessage {
	return s.view.List(contextID)
}

// Retry restarts delivery for a failed or permanently failed entry:
// retry budget zeroed, rate-limit hint cleared, immediate attempt.
func (s *Service) Retry(queueID int64) error {
	entry, err := s.db.Get(queueID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("queue entry %d not found", queueID)
	}
	if !status.CanRetryManually(entry.Status) {
		return fmt.Errorf("cannot retry entry in status %s", entry.Status)
	}
	if err := s.db.ResetForRetry(queueID); err != nil {
		return err
	}
	s.view.ResetForRetry(entry.ContextID, entry.OptimisticID)
	s.bus.Publish(bus.Event{
		Kind:      bus.KindQueueUpdated,
		Timestamp: s.now(),
		Payload:   map[string]string{"client_msg_id": entry.ClientMsgID},
	})

	go s.dispatcher.SendNow(context.Background(), queueID)
	return nil
}

// Discard drops an undelivered entry from the queue and the view.
// Idempotent; discarding an already-confirmed entry is a no-op.
func (s *Service) Discard(queueID int64) error {
	entry, err := s.db.Get(queueID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	if err := s.db.Remove(queueID); err != nil {
		return err
	}
	s.view.Remove(entry.ContextID, entry.OptimisticID)
	s.bus.Publish(bus.Event{
		Kind:      bus.KindQueueRemoved,
		Timestamp: s.now(),
		Payload:   map[string]string{"client_msg_id": entry.ClientMsgID},
	})
	return nil
}

// Subscribe exposes the bus to the UI.
func (s *Service) Subscribe(prefix string, buf int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe(prefix, buf)
}

// Restore rebuilds the optimistic view from the durable queue on
// startup. Entries interrupted mid-send by the previous run go back to
// failed first so the scheduler resumes them.
func (s *Service) Restore() error {
	reset, err := s.db.RequeueInterrupted()
	if err != nil {
		return fmt.Errorf("requeue interrupted: %w", err)
	}
	if reset > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int64("count", reset))
	}

	entries, err := s.db.List()
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}
	for _, e := range entries {
		s.view.InsertOptimistic(view.DisplayMessage{
			ID:            e.OptimisticID,
			ClientMsgID:   e.ClientMsgID,
			ContextID:     e.ContextID,
			ContextType:   e.ContextType,
			SenderID:      e.SenderID,
			SenderName:    s.senderName,
			Kind:          e.Kind,
			Body:          e.Body,
			AttachmentRef: e.AttachmentRef,
			Status:        e.Status,
			Timestamp:     e.CreatedAt,
			QueueID:       e.ID,
		})
	}
	if len(entries) > 0 {
		s.logger.Info("restored queued messages", zap.Int("count", len(entries)))
	}
	return nil
}
