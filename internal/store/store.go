// Package store provides the record-store backends used by Meeka.
//
// A region's store keeps patient profiles, the insertable health-record tables
// declared in the schema package, and the assistant event log. Backends are an
// in-memory store (tests and demos), SQLite (local regions) and PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/meeka/internal/models"
	"github.com/BTreeMap/meeka/internal/schema"
)

var (
	// ErrUnknownColumn is returned when a write or filter names a column the table does not declare.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrNotFound is returned by Update and Delete when no row has the given id.
	ErrNotFound = errors.New("record not found")
)

// Record is one row of a health-record table.
type Record struct {
	ID        string         `json:"id"`
	Table     schema.Table   `json:"table"`
	OwnerID   string         `json:"profile_id"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter narrows a Query. Results are always newest first.
type Filter struct {
	OwnerID string
	Equals  map[string]any
	Limit   int
}

// RecordStore is table-scoped CRUD over the health-record tables.
type RecordStore interface {
	Insert(ctx context.Context, table schema.Table, ownerID string, fields map[string]any) (string, error)
	Query(ctx context.Context, table schema.Table, f Filter) ([]Record, error)
	Update(ctx context.Context, table schema.Table, id string, fields map[string]any) error
	Delete(ctx context.Context, table schema.Table, id string) error
	Close() error
}

// EventStore persists assistant interaction events.
type EventStore interface {
	AddEvent(ctx context.Context, e models.RecentEvent) error
	// RecentEvents returns at most limit events for actorID, newest first.
	RecentEvents(ctx context.Context, actorID string, limit int) ([]models.RecentEvent, error)
}

// ProfileStore lists the record owners (patients) an actor manages.
type ProfileStore interface {
	ListProfiles(ctx context.Context, userID string) ([]models.Patient, error)
	SaveProfile(ctx context.Context, p models.Patient) error
}

// Store is the full surface a region backend provides.
type Store interface {
	RecordStore
	EventStore
	ProfileStore
}

// Notifier is implemented by stores that can broadcast change notifications to other processes.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Opts holds configuration for store implementations.
type Opts struct {
	DSN string
	// Password is injected into Postgres DSNs that do not carry one.
	Password string
}

// Option configures a store.
type Option func(*Opts)

// WithDSN sets the data source name.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(path string) Option {
	return WithDSN(path)
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithPassword supplies the access key used as the Postgres password.
func WithPassword(pw string) Option {
	return func(o *Opts) { o.Password = pw }
}

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite"
	DSNTypeMemory   = "memory"
)

// DetectDSNType classifies a DSN as postgres, sqlite or memory.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	lower := strings.ToLower(d)
	switch {
	case lower == "memory:" || lower == "mem:" || lower == ":memory:":
		return DSNTypeMemory
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Open returns the store backend matching the DSN type.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch DetectDSNType(cfg.DSN) {
	case DSNTypeMemory:
		return NewInMemoryStore(), nil
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

// validateFields checks that every key of fields is a declared column of table.
func validateFields(table schema.Table, fields map[string]any) (schema.Schema, error) {
	sc, err := schema.SchemaFor(table)
	if err != nil {
		return sc, err
	}
	for name := range fields {
		if !sc.HasColumn(name) {
			return sc, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, name)
		}
	}
	return sc, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 0
	}
	return limit
}
