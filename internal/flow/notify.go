package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/meeka/internal/models"
	"github.com/BTreeMap/meeka/internal/schema"
	"github.com/BTreeMap/meeka/internal/store"
)

// Update tells views that records in Table for OwnerID changed.
type Update struct {
	Table   schema.Table  `json:"table"`
	OwnerID string        `json:"owner_id"`
	Region  models.Region `json:"region,omitempty"`
	Origin  string        `json:"origin,omitempty"`
	At      time.Time     `json:"at"`
}

// Listener is implemented by stores that can deliver cross-process notifications.
type Listener interface {
	Listen(ctx context.Context, channel string, fn func(payload string)) error
}

const notifyTimeout = 2 * time.Second

// Broadcaster fans data-updated signals out to in-process subscribers and,
// when the store supports it, to other processes.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]chan Update
	nextID uint64
	origin string
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan Update), origin: uuid.NewString()}
}

// Subscribe returns a channel of updates and a function that ends the subscription.
// Slow subscribers miss updates rather than block publishers.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers u to local subscribers.
func (b *Broadcaster) Publish(u Update) {
	if u.Origin == "" {
		u.Origin = b.origin
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- u:
		default:
			slog.Debug("Broadcaster.Publish: subscriber full, update dropped", "subscriber", id, "table", u.Table)
		}
	}
}

// Announce publishes u locally and forwards it through st when st is a store.Notifier.
func (b *Broadcaster) Announce(ctx context.Context, st store.Store, u Update) {
	u.Origin = b.origin
	b.Publish(u)
	n, ok := st.(store.Notifier)
	if !ok {
		return
	}
	payload, err := json.Marshal(u)
	if err != nil {
		slog.Debug("Broadcaster.Announce: encode failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := n.Notify(ctx, store.DataUpdatedChannel, string(payload)); err != nil {
		slog.Warn("Broadcaster.Announce: notify failed", "table", u.Table, "error", err)
	}
}

// Relay republishes updates announced by other processes until ctx ends.
// Updates that originated here are ignored.
func (b *Broadcaster) Relay(ctx context.Context, l Listener) error {
	return l.Listen(ctx, store.DataUpdatedChannel, func(payload string) {
		var u Update
		if err := json.Unmarshal([]byte(payload), &u); err != nil {
			slog.Debug("Broadcaster.Relay: bad payload", "error", err)
			return
		}
		if u.Origin == b.origin {
			return
		}
		b.Publish(u)
	})
}
