// Package api exposes the chat assistant over HTTP.
//
// Sessions are created per actor and driven through JSON endpoints. Table
// refresh notifications stream over server-sent events, and the region
// preference can be read or changed. A Twilio webhook can be mounted for the
// SMS front end.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/meeka/internal/flow"
	"github.com/BTreeMap/meeka/internal/models"
	"github.com/BTreeMap/meeka/internal/region"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

const (
	maxBodyBytes    = 64 << 10
	shutdownTimeout = 10 * time.Second
)

// RegionService reads and changes the active region.
type RegionService interface {
	Lookup(ctx context.Context) region.Resolution
	SetPreference(ctx context.Context, reg models.Region) error
	ClearPreference(ctx context.Context) error
}

// Server holds the HTTP surface and its dependencies.
type Server struct {
	engine    *flow.Engine
	sessions  *flow.SessionRegistry
	regions   RegionService
	updates   *flow.Broadcaster
	webhook   http.Handler
	addr      string
	startedAt time.Time
}

// Option configures a Server.
type Option func(*Server)

func WithRegions(r RegionService) Option {
	return func(s *Server) { s.regions = r }
}

func WithBroadcaster(b *flow.Broadcaster) Option {
	return func(s *Server) { s.updates = b }
}

// WithTwilioWebhook mounts h at POST /twilio/webhook.
func WithTwilioWebhook(h http.Handler) Option {
	return func(s *Server) { s.webhook = h }
}

func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

func NewServer(engine *flow.Engine, sessions *flow.SessionRegistry, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		sessions:  sessions,
		addr:      DefaultAddr,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.createSessionHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/messages", s.submitMessageHandler)
	mux.HandleFunc("POST /sessions/{id}/toggle", s.toggleHandler)
	mux.HandleFunc("POST /sessions/{id}/patient", s.selectPatientHandler)
	mux.HandleFunc("POST /sessions/{id}/replay", s.replayHandler)
	mux.HandleFunc("GET /sessions/{id}/events", s.eventsHandler)
	mux.HandleFunc("GET /updates", s.updatesHandler)
	mux.HandleFunc("GET /region", s.getRegionHandler)
	mux.HandleFunc("PUT /region", s.putRegionHandler)
	mux.HandleFunc("DELETE /region", s.deleteRegionHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	if s.webhook != nil {
		mux.Handle("POST /twilio/webhook", s.webhook)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
