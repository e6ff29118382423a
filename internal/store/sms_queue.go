package store

import (
	"context"
	"time"
)

// ReplyStatus is where a queued SMS reply is in its delivery lifecycle.
type ReplyStatus string

const (
	ReplyQueued    ReplyStatus = "queued"
	ReplySending   ReplyStatus = "sending"
	ReplySent      ReplyStatus = "sent"
	ReplyAbandoned ReplyStatus = "abandoned"
)

// Reply is one assistant message waiting to go out to a phone. InboundID and
// Seq identify it as the Seq-th reply to inbound message InboundID, so a
// webhook retry never queues the same answer twice.
type Reply struct {
	ID        string      `json:"id"`
	Phone     string      `json:"phone"`
	InboundID string      `json:"inbound_id,omitempty"`
	Seq       int         `json:"seq"`
	Body      string      `json:"body"`
	Status    ReplyStatus `json:"status"`
	Attempts  int         `json:"attempts"`
	NotBefore time.Time   `json:"not_before"`
	LockedAt  *time.Time  `json:"locked_at,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ReplyQueue is the durable bookkeeping behind the SMS front end: which
// inbound messages were already handled, and which replies still need sending.
type ReplyQueue interface {
	// ClaimInbound records messageID for sessionKey and reports false if it
	// was seen before. An unfinished claim made before staleBefore belongs to
	// a handler that died mid-message and is taken over.
	ClaimInbound(ctx context.Context, messageID, sessionKey string, staleBefore time.Time) (bool, error)
	// FinishInbound marks messageID handled.
	FinishInbound(ctx context.Context, messageID string) error

	// QueueReply stores r as queued. Queueing an (InboundID, Seq) pair again
	// returns the existing reply's ID.
	QueueReply(ctx context.Context, r Reply) (string, error)
	// DueReplies moves up to limit queued replies with NotBefore <= now into
	// sending, oldest first.
	DueReplies(ctx context.Context, now time.Time, limit int) ([]Reply, error)
	MarkReplySent(ctx context.Context, id string) error
	// RetryReply puts a reply back in the queue after a failed send.
	RetryReply(ctx context.Context, id, reason string, notBefore time.Time) error
	// AbandonReply stops retrying a reply; it stays for inspection.
	AbandonReply(ctx context.Context, id, reason string) error
	// RequeueStuck returns replies left in sending since before cutoff to the queue.
	RequeueStuck(ctx context.Context, cutoff time.Time) (int, error)
}
