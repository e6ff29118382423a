package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/BTreeMap/meeka/internal/util"
)

// DefaultMaxSessions bounds the number of sessions kept in memory.
const DefaultMaxSessions = 1024

var ErrSessionNotFound = errors.New("session not found")

// SessionRegistry holds live sessions, evicting the least recently used.
type SessionRegistry struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Session]
}

func NewSessionRegistry(size int) (*SessionRegistry, error) {
	if size <= 0 {
		size = DefaultMaxSessions
	}
	cache, err := lru.NewWithEvict(size, func(id string, s *Session) {
		slog.Debug("SessionRegistry: session evicted", "sessionID", id, "actorID", s.ActorID)
	})
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &SessionRegistry{cache: cache}, nil
}

// Create starts a new session for actorID with a generated id.
func (r *SessionRegistry) Create(actorID string) *Session {
	s := NewSession(util.GenerateSessionID(), actorID)
	r.cache.Add(s.ID, s)
	return s
}

// GetOrCreate returns the session with id, creating it for actorID if absent.
// The bool reports whether the session was created.
func (r *SessionRegistry) GetOrCreate(id, actorID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.cache.Get(id); ok {
		return s, false
	}
	s := NewSession(id, actorID)
	r.cache.Add(id, s)
	return s, true
}

func (r *SessionRegistry) Get(id string) (*Session, error) {
	if s, ok := r.cache.Get(id); ok {
		return s, nil
	}
	return nil, ErrSessionNotFound
}

func (r *SessionRegistry) Remove(id string) {
	r.cache.Remove(id)
}

func (r *SessionRegistry) Len() int {
	return r.cache.Len()
}
