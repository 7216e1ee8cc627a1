// Package scheduler periodically rescans the durable queue and resends
// eligible entries with bounded exponential backoff and age expiry.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/reconcile"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
	"github.com/matheus3301/courier/internal/transport"
	"github.com/matheus3301/courier/internal/view"
	"go.uber.org/zap"
)

// Sender is the transport surface the scheduler drives.
type Sender interface {
	Send(ctx context.Context, out *transport.Outbound) (*transport.ServerMessage, error)
	Connected() bool
}

// Options tunes the retry policy.
type Options struct {
	ScanInterval time.Duration
	SendTimeout  time.Duration
	MaxAge       time.Duration
	Backoff      []time.Duration
}

// Scheduler drains the queue on a fixed interval. It holds no state of
// its own beyond the running-cycle guard; the queue rows are the truth.
type Scheduler struct {
	db         *store.DB
	sender     Sender
	view       *view.View
	reconciler *reconcile.Reconciler
	bus        *bus.Bus
	logger     *zap.Logger
	opts       Options

	now     func() time.Time
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(db *store.DB, sender Sender, v *view.View, r *reconcile.Reconciler, b *bus.Bus, opts Options, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		db:         db,
		sender:     sender,
		view:       v,
		reconciler: r,
		bus:        b,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// Start begins the scan loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the loop and waits for an in-flight cycle to finish. It
// must complete before session credentials are cleared, so a retry can
// never fire with a stale session.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// runCycle scans once. A tick arriving while a cycle is in progress is
// skipped, not queued.
func (s *Scheduler) runCycle(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	if !s.sender.Connected() {
		return
	}

	entries, err := s.db.ListPending("", "")
	if err != nil {
		s.logger.Error("failed to scan queue", zap.Error(err))
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		s.process(ctx, entry.ID)
	}
}

// SendNow attempts an entry immediately, skipping the backoff delay and
// the rate-limit hint. The direct send after enqueue and user-initiated
// manual retries come through here.
func (s *Scheduler) SendNow(ctx context.Context, id int64) {
	entry, err := s.db.Get(id)
	if err != nil {
		s.logger.Error("failed to read entry", zap.Error(err), zap.Int64("queue_id", id))
		return
	}
	if entry == nil || !status.Retryable(entry.Status) {
		return
	}
	s.attempt(ctx, entry)
}

func (s *Scheduler) process(ctx context.Context, id int64) {
	// Re-read: the entry may have been confirmed and removed, or its
	// status changed, since the scan listed it.
	entry, err := s.db.Get(id)
	if err != nil {
		s.logger.Error("failed to re-read entry", zap.Error(err), zap.Int64("queue_id", id))
		return
	}
	if entry == nil || !status.Retryable(entry.Status) {
		return
	}

	nowMs := s.now().UnixMilli()

	if nowMs-entry.CreatedAt > s.opts.MaxAge.Milliseconds() {
		s.expire(entry)
		return
	}
	if entry.RetryAfter > nowMs {
		return
	}
	if nowMs-entry.UpdatedAt < s.backoffDelay(entry.RetryCount).Milliseconds() {
		return
	}

	s.attempt(ctx, entry)
}

func (s *Scheduler) backoffDelay(retryCount int) time.Duration {
	if len(s.opts.Backoff) == 0 {
		return 0
	}
	return s.opts.Backoff[min(retryCount, len(s.opts.Backoff)-1)]
}

func (s *Scheduler) attempt(ctx context.Context, entry *store.QueuedMessage) {
	if err := s.db.UpdateStatus(entry.ID, status.Sending, ""); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.Int64("queue_id", entry.ID))
		return
	}
	s.view.UpdateStatus(entry.ContextID, entry.OptimisticID, status.Sending)

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	sm, err := s.sender.Send(sendCtx, &transport.Outbound{
		ClientMsgID:   entry.ClientMsgID,
		ContextID:     entry.ContextID,
		ContextType:   entry.ContextType,
		Kind:          entry.Kind,
		Body:          entry.Body,
		AttachmentRef: entry.AttachmentRef,
		SenderID:      entry.SenderID,
	})
	cancel()

	if err != nil {
		s.recordFailure(entry, err)
		return
	}

	if err := s.db.UpdateStatus(entry.ID, status.Sent, ""); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.Int64("queue_id", entry.ID))
	}
	s.logger.Info("message sent",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.Int("retry_count", entry.RetryCount))

	if sm != nil {
		// The transport returned the authoritative copy; confirm now
		// instead of waiting for the push.
		s.reconciler.Resolve(sm)
	} else {
		s.view.UpdateStatus(entry.ContextID, entry.OptimisticID, status.Sent)
	}
}

func (s *Scheduler) recordFailure(entry *store.QueuedMessage, sendErr error) {
	s.logger.Warn("send attempt failed",
		zap.Error(sendErr),
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.Int("retry_count", entry.RetryCount))

	if rej, ok := transport.AsRejection(sendErr); ok {
		if rej.RetryAfter > 0 {
			// Rate limited: park the entry until the hint elapses, without
			// consuming retries.
			if err := s.db.UpdateStatus(entry.ID, status.Failed, rej.Error()); err != nil {
				s.logger.Error("failed to record rejection", zap.Error(err), zap.Int64("queue_id", entry.ID))
			}
			if err := s.db.SetRetryAfter(entry.ID, s.now().Add(rej.RetryAfter).UnixMilli()); err != nil {
				s.logger.Error("failed to set retry_after", zap.Error(err), zap.Int64("queue_id", entry.ID))
			}
			s.view.UpdateStatus(entry.ContextID, entry.OptimisticID, status.Failed)
		} else {
			// The server rejected this payload outright; resending the same
			// bytes cannot succeed. Manual retry is the recovery path.
			if err := s.db.MarkPermanentlyFailed(entry.ID, rej.Error()); err != nil {
				s.logger.Error("failed to record rejection", zap.Error(err), zap.Int64("queue_id", entry.ID))
			}
			s.view.UpdateStatus(entry.ContextID, entry.OptimisticID, status.FailedPermanently)
		}
		s.publishFailure(entry, rej.Error())
		return
	}

	if err := s.db.IncrementRetry(entry.ID, sendErr.Error()); err != nil {
		s.logger.Error("failed to record retry", zap.Error(err), zap.Int64("queue_id", entry.ID))
		return
	}
	if entry.RetryCount+1 > len(s.opts.Backoff) {
		if err := s.db.MarkPermanentlyFailed(entry.ID, sendErr.Error()); err != nil {
			s.logger.Error("failed to mark permanent failure", zap.Error(err), zap.Int64("queue_id", entry.ID))
		}
		s.view.UpdateStatus(entry.ContextID, entry.OptimisticID, status.FailedPermanently)
	} else {
		s.view.UpdateStatus(entry.ContextID, entry.OptimisticID, status.Failed)
	}
	s.publishFailure(entry, sendErr.Error())
}

func (s *Scheduler) expire(entry *store.QueuedMessage) {
	if err := s.db.MarkPermanentlyFailed(entry.ID, "expired"); err != nil {
		s.logger.Error("failed to expire entry", zap.Error(err), zap.Int64("queue_id", entry.ID))
		return
	}
	s.view.UpdateStatus(entry.ContextID, entry.OptimisticID, status.FailedPermanently)
	s.logger.Warn("entry expired",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.Int64("age_ms", s.now().UnixMilli()-entry.CreatedAt))
	s.bus.Publish(bus.Event{
		Kind:      bus.KindDeliveryExpired,
		Timestamp: s.now(),
		Payload:   map[string]string{"client_msg_id": entry.ClientMsgID},
	})
}

func (s *Scheduler) publishFailure(entry *store.QueuedMessage, reason string) {
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: s.now(),
		Payload: map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"error":         reason,
		},
	})
}
