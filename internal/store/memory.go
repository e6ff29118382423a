package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/meeka/internal/models"
	"github.com/BTreeMap/meeka/internal/schema"
)

// InMemoryStore is a Store held entirely in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	records  map[schema.Table][]Record
	events   []models.RecentEvent
	profiles map[string]models.Patient
	inbound  map[string]*inboundClaim
	replies  []*Reply
	closed   bool
}

var (
	_ Store      = (*InMemoryStore)(nil)
	_ ReplyQueue = (*InMemoryStore)(nil)
)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:  make(map[schema.Table][]Record),
		profiles: make(map[string]models.Patient),
		inbound:  make(map[string]*inboundClaim),
	}
}

func (s *InMemoryStore) Insert(ctx context.Context, table schema.Table, ownerID string, fields map[string]any) (string, error) {
	if _, err := validateFields(table, fields); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("store closed")
	}
	rec := Record{ID: uuid.NewString(), Table: table, OwnerID: ownerID, Fields: copyFields(fields), CreatedAt: time.Now()}
	s.records[table] = append(s.records[table], rec)
	return rec.ID, nil
}

func (s *InMemoryStore) Query(ctx context.Context, table schema.Table, f Filter) ([]Record, error) {
	sc, err := validateFields(table, f.Equals)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.records[table]
	var out []Record
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		if f.OwnerID != "" && r.OwnerID != f.OwnerID {
			continue
		}
		if !matchEquals(r.Fields, f.Equals) {
			continue
		}
		fields := make(map[string]any, len(sc.Columns()))
		for _, c := range sc.Columns() {
			fields[c] = r.Fields[c]
		}
		r.Fields = copyFields(fields)
		out = append(out, r)
		if n := clampLimit(f.Limit); n > 0 && len(out) == n {
			break
		}
	}
	return out, nil
}

func matchEquals(fields, equals map[string]any) bool {
	for k, want := range equals {
		if fmt.Sprint(fields[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (s *InMemoryStore) Update(ctx context.Context, table schema.Table, id string, fields map[string]any) error {
	if _, err := validateFields(table, fields); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records[table] {
		if s.records[table][i].ID == id {
			merged := copyFields(s.records[table][i].Fields)
			maps.Copy(merged, copyFields(fields))
			s.records[table][i].Fields = merged
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
}

func (s *InMemoryStore) Delete(ctx context.Context, table schema.Table, id string) error {
	if _, err := schema.SchemaFor(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.records[table]
	for i := range rows {
		if rows[i].ID == id {
			s.records[table] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
}

func (s *InMemoryStore) AddEvent(ctx context.Context, e models.RecentEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *InMemoryStore) RecentEvents(ctx context.Context, actorID string, limit int) ([]models.RecentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RecentEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ActorID != actorID {
			continue
		}
		out = append(out, s.events[i])
		if n := clampLimit(limit); n > 0 && len(out) == n {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListProfiles(ctx context.Context, userID string) ([]models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Patient
	for _, p := range s.profiles {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) SaveProfile(ctx context.Context, p models.Patient) error {
	if p.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.profiles[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.profiles[p.ID] = p
	return nil
}

type inboundClaim struct {
	sessionKey string
	receivedAt time.Time
	handled    bool
}

func (s *InMemoryStore) ClaimInbound(_ context.Context, messageID, sessionKey string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.inbound[messageID]; ok && (c.handled || !c.receivedAt.Before(staleBefore)) {
		return false, nil
	}
	s.inbound[messageID] = &inboundClaim{sessionKey: sessionKey, receivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) FinishInbound(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.inbound[messageID]; ok {
		c.handled = true
	}
	return nil
}

func (s *InMemoryStore) QueueReply(_ context.Context, r Reply) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.InboundID != "" {
		for _, q := range s.replies {
			if q.InboundID == r.InboundID && q.Seq == r.Seq {
				return q.ID, nil
			}
		}
	}
	now := time.Now()
	if r.NotBefore.IsZero() {
		r.NotBefore = now
	}
	r.ID, r.Status, r.Attempts, r.LockedAt, r.CreatedAt = uuid.NewString(), ReplyQueued, 0, nil, now
	s.replies = append(s.replies, &r)
	return r.ID, nil
}

func (s *InMemoryStore) DueReplies(_ context.Context, now time.Time, limit int) ([]Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reply
	for _, r := range s.replies {
		if len(out) >= limit {
			break
		}
		if r.Status != ReplyQueued || r.NotBefore.After(now) {
			continue
		}
		locked := now
		r.Status, r.LockedAt = ReplySending, &locked
		out = append(out, *r)
	}
	return out, nil
}

// reply applies fn to the reply with id, if any.
func (s *InMemoryStore) reply(id string, fn func(r *Reply)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.replies {
		if r.ID == id {
			fn(r)
			return
		}
	}
}

func (s *InMemoryStore) MarkReplySent(_ context.Context, id string) error {
	s.reply(id, func(r *Reply) { r.Status, r.LockedAt = ReplySent, nil })
	return nil
}

func (s *InMemoryStore) RetryReply(_ context.Context, id, reason string, notBefore time.Time) error {
	s.reply(id, func(r *Reply) {
		r.Status, r.Attempts, r.LastError, r.NotBefore, r.LockedAt = ReplyQueued, r.Attempts+1, reason, notBefore, nil
	})
	return nil
}

func (s *InMemoryStore) AbandonReply(_ context.Context, id, reason string) error {
	s.reply(id, func(r *Reply) {
		r.Status, r.Attempts, r.LastError, r.LockedAt = ReplyAbandoned, r.Attempts+1, reason, nil
	})
	return nil
}

func (s *InMemoryStore) RequeueStuck(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.replies {
		if r.Status == ReplySending && r.LockedAt != nil && r.LockedAt.Before(cutoff) {
			r.Status, r.LockedAt = ReplyQueued, nil
			n++
		}
	}
	return n, nil
}

// Replies returns a copy of every queued reply, in queue order.
func (s *InMemoryStore) Replies() []Reply {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Reply, len(s.replies))
	for i, r := range s.replies {
		out[i] = *r
	}
	return out
}

// Close marks the store closed; later inserts fail.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
