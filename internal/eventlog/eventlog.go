// Package eventlog is the best-effort log of completed assistant interactions.
//
// Writes never fail from the caller's point of view and reads degrade to an
// empty list. The log feeds the recent-actions affordance.
package eventlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/meeka/internal/backend"
	"github.com/BTreeMap/meeka/internal/models"
)

// DefaultRecentLimit is the size of the recent-actions window.
const DefaultRecentLimit = 5

// writeTimeout bounds a single event write.
const writeTimeout = 2 * time.Second

// ClientSource yields the current region's store handle.
type ClientSource interface {
	GetClient(ctx context.Context) (*backend.Handle, error)
}

// Entry is what a caller records about one interaction.
type Entry struct {
	Intent     string
	Confidence float64
	Route      string
	Result     models.EventResult
	Meta       map[string]any
}

// Log records and reads assistant events through the active region's store.
type Log struct {
	clients ClientSource
	now     func() time.Time
}

func New(clients ClientSource) *Log {
	return &Log{clients: clients, now: time.Now}
}

// Record appends an event for actorID. Failures are logged at debug level and dropped.
func (l *Log) Record(ctx context.Context, actorID string, e Entry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("Log.Record: recovered from panic", "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	h, err := l.clients.GetClient(ctx)
	if err != nil {
		slog.Debug("Log.Record: no client, event dropped", "intent", e.Intent, "error", err)
		return
	}
	ev := models.RecentEvent{
		ActorID:    actorID,
		Intent:     e.Intent,
		Confidence: e.Confidence,
		Route:      e.Route,
		Result:     e.Result,
		Meta:       e.Meta,
		OccurredAt: l.now(),
	}
	if err := h.Store.AddEvent(ctx, ev); err != nil {
		slog.Debug("Log.Record: write failed, event dropped", "intent", e.Intent, "actorID", actorID, "error", err)
		return
	}
	slog.Debug("Log.Record: event recorded", "intent", e.Intent, "result", e.Result, "actorID", actorID)
}

// Recent returns up to limit events for actorID, newest first. Any failure yields an empty list.
func (l *Log) Recent(ctx context.Context, actorID string, limit int) []models.RecentEvent {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	h, err := l.clients.GetClient(ctx)
	if err != nil {
		slog.Debug("Log.Recent: no client", "error", err)
		return []models.RecentEvent{}
	}
	events, err := h.Store.RecentEvents(ctx, actorID, limit)
	if err != nil {
		slog.Debug("Log.Recent: read failed", "actorID", actorID, "error", err)
		return []models.RecentEvent{}
	}
	if events == nil {
		return []models.RecentEvent{}
	}
	return events
}
