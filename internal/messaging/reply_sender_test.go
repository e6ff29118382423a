package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/meeka/internal/store"
	"github.com/BTreeMap/meeka/internal/twilioclient"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{3, 40 * time.Second},
		{20, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.attempts); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestReplySender_FlushSendsInOrder(t *testing.T) {
	ctx := context.Background()
	queue := store.NewInMemoryStore()
	mock := twilioclient.NewMockClient()
	sender := NewReplySender(queue, NewTwilioService(mock))

	_, _ = queue.QueueReply(ctx, store.Reply{Phone: "61400000000", InboundID: "SM1", Seq: 0, Body: "one"})
	_, _ = queue.QueueReply(ctx, store.Reply{Phone: "61400000000", InboundID: "SM1", Seq: 1, Body: "two"})

	if n := sender.Flush(ctx); n != 2 {
		t.Fatalf("Flush = %d, want 2", n)
	}
	sent := mock.Sent()
	if len(sent) != 2 || sent[0].Body != "one" || sent[1].Body != "two" || sent[0].To != "61400000000" {
		t.Errorf("sent = %+v", sent)
	}
	for _, r := range queue.Replies() {
		if r.Status != store.ReplySent {
			t.Errorf("reply %s status = %s", r.ID, r.Status)
		}
	}
	if n := sender.Flush(ctx); n != 0 {
		t.Errorf("second Flush = %d, want 0", n)
	}
}

func TestReplySender_RetryThenAbandon(t *testing.T) {
	ctx := context.Background()
	queue := store.NewInMemoryStore()
	mock := twilioclient.NewMockClient()
	mock.Err = errors.New("twilio 500")
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	sender := NewReplySender(queue, NewTwilioService(mock), WithMaxAttempts(2))
	sender.now = func() time.Time { return now }

	id, _ := queue.QueueReply(ctx, store.Reply{Phone: "61400000000", Body: "hi", NotBefore: now})

	sender.Flush(ctx)
	r := queue.Replies()[0]
	if r.ID != id || r.Status != store.ReplyQueued || r.Attempts != 1 || !r.NotBefore.Equal(now.Add(5*time.Second)) {
		t.Fatalf("after first failure = %+v", r)
	}

	// Not yet due.
	sender.Flush(ctx)
	if got := queue.Replies()[0].Attempts; got != 1 {
		t.Fatalf("reply retried before its delay, attempts = %d", got)
	}

	now = now.Add(time.Minute)
	sender.Flush(ctx)
	r = queue.Replies()[0]
	if r.Status != store.ReplyAbandoned || r.Attempts != 2 || r.LastError != "twilio 500" {
		t.Errorf("after final failure = %+v", r)
	}
}

func TestReplySender_RunStopsOnCancel(t *testing.T) {
	queue := store.NewInMemoryStore()
	mock := twilioclient.NewMockClient()
	sender := NewReplySender(queue, NewTwilioService(mock), WithPollInterval(10*time.Millisecond))
	_, _ = queue.QueueReply(context.Background(), store.Reply{Phone: "61400000000", Body: "hi"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sender.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for len(mock.Sent()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Run never flushed the queue")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
