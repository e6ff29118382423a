package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/meeka/internal/store"
)

const (
	// DefaultReplyPollInterval is how often the queue is checked for due replies.
	DefaultReplyPollInterval = 2 * time.Second
	// DefaultReplyAttempts is how many sends a reply gets before it is abandoned.
	DefaultReplyAttempts = 5

	replyBatch      = 20
	replyBaseDelay  = 5 * time.Second
	replyMaxDelay   = 10 * time.Minute
	replyStuckAfter = 5 * time.Minute
)

// ReplySender drains the SMS reply queue through a Service, retrying failed
// sends with exponential backoff.
type ReplySender struct {
	queue       store.ReplyQueue
	svc         Service
	interval    time.Duration
	maxAttempts int
	now         func() time.Time
}

// ReplySenderOption configures a ReplySender.
type ReplySenderOption func(*ReplySender)

// WithPollInterval sets how often Run checks the queue.
func WithPollInterval(d time.Duration) ReplySenderOption {
	return func(s *ReplySender) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMaxAttempts sets how many sends a reply gets.
func WithMaxAttempts(n int) ReplySenderOption {
	return func(s *ReplySender) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func NewReplySender(queue store.ReplyQueue, svc Service, opts ...ReplySenderOption) *ReplySender {
	s := &ReplySender{
		queue:       queue,
		svc:         svc,
		interval:    DefaultReplyPollInterval,
		maxAttempts: DefaultReplyAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run requeues replies a previous process left mid-send, then flushes the
// queue every poll interval until ctx ends.
func (s *ReplySender) Run(ctx context.Context) {
	if n, err := s.queue.RequeueStuck(ctx, s.now().Add(-replyStuckAfter)); err != nil {
		slog.Warn("ReplySender.Run: requeue failed", "error", err)
	} else if n > 0 {
		slog.Info("ReplySender.Run: requeued stuck replies", "count", n)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush sends every reply that is currently due and returns how many went out.
func (s *ReplySender) Flush(ctx context.Context) int {
	now := s.now()
	due, err := s.queue.DueReplies(ctx, now, replyBatch)
	if err != nil {
		slog.Error("ReplySender.Flush: could not read queue", "error", err)
		return 0
	}
	sent := 0
	for _, r := range due {
		err := s.svc.SendMessage(ctx, r.Phone, r.Body)
		if err == nil {
			if err := s.queue.MarkReplySent(ctx, r.ID); err != nil {
				slog.Error("ReplySender.Flush: mark sent failed", "id", r.ID, "error", err)
			}
			sent++
			continue
		}
		if r.Attempts+1 >= s.maxAttempts {
			slog.Error("ReplySender.Flush: abandoning reply", "id", r.ID, "phone", r.Phone, "attempts", r.Attempts+1, "error", err)
			if err := s.queue.AbandonReply(ctx, r.ID, err.Error()); err != nil {
				slog.Error("ReplySender.Flush: abandon failed", "id", r.ID, "error", err)
			}
			continue
		}
		delay := retryDelay(r.Attempts)
		slog.Warn("ReplySender.Flush: send failed, will retry", "id", r.ID, "delay", delay, "error", err)
		if err := s.queue.RetryReply(ctx, r.ID, err.Error(), now.Add(delay)); err != nil {
			slog.Error("ReplySender.Flush: retry failed", "id", r.ID, "error", err)
		}
	}
	return sent
}

// retryDelay doubles from replyBaseDelay per prior attempt, capped at replyMaxDelay.
func retryDelay(attempts int) time.Duration {
	d := replyBaseDelay
	for i := 0; i < attempts && d < replyMaxDelay; i++ {
		d *= 2
	}
	return min(d, replyMaxDelay)
}
