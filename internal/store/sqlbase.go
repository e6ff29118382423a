package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/BTreeMap/meeka/internal/models"
	"github.com/BTreeMap/meeka/internal/schema"
)

// dialect captures the few differences between the SQLite and Postgres SQL we emit.
type dialect struct {
	name        string
	placeholder func(n int) string
}

var (
	sqliteDialect   = dialect{name: "SQLiteStore", placeholder: func(int) string { return "?" }}
	postgresDialect = dialect{name: "PostgresStore", placeholder: func(n int) string { return "$" + strconv.Itoa(n) }}
)

// sqlBase implements Store over database/sql for both SQL backends.
type sqlBase struct {
	db *sql.DB
	d  dialect
}

// args accumulates bind parameters and hands out placeholders.
type args struct {
	d    dialect
	vals []any
}

func (a *args) add(v any) string {
	a.vals = append(a.vals, v)
	return a.d.placeholder(len(a.vals))
}

func (s *sqlBase) Insert(ctx context.Context, table schema.Table, ownerID string, fields map[string]any) (string, error) {
	if _, err := validateFields(table, fields); err != nil {
		return "", err
	}
	id := uuid.NewString()
	a := &args{d: s.d}
	cols := []string{"id", schema.OwnerField, "created_at"}
	ph := []string{a.add(id), a.add(ownerID), a.add(time.Now().UTC())}
	for _, name := range sortedKeys(fields) {
		v, err := encodeValue(fields[name])
		if err != nil {
			return "", err
		}
		cols = append(cols, pq.QuoteIdentifier(name))
		ph = append(ph, a.add(v))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(string(table)), strings.Join(cols, ", "), strings.Join(ph, ", "))
	if _, err := s.db.ExecContext(ctx, query, a.vals...); err != nil {
		slog.Error(s.d.name+".Insert: insert failed", "table", table, "error", err)
		return "", fmt.Errorf("insert into %s: %w", table, err)
	}
	slog.Debug(s.d.name+".Insert: succeeded", "table", table, "id", id, "ownerID", ownerID)
	return id, nil
}

func (s *sqlBase) Query(ctx context.Context, table schema.Table, f Filter) ([]Record, error) {
	sc, err := validateFields(table, f.Equals)
	if err != nil {
		return nil, err
	}
	cols := sc.Columns()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}

	a := &args{d: s.d}
	var where []string
	if f.OwnerID != "" {
		where = append(where, schema.OwnerField+" = "+a.add(f.OwnerID))
	}
	for _, name := range sortedKeys(f.Equals) {
		v, err := encodeValue(f.Equals[name])
		if err != nil {
			return nil, err
		}
		where = append(where, pq.QuoteIdentifier(name)+" = "+a.add(v))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, %s, created_at, %s FROM %s", schema.OwnerField, strings.Join(quoted, ", "), pq.QuoteIdentifier(string(table)))
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY seq DESC")
	if n := clampLimit(f.Limit); n > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(n))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), a.vals...)
	if err != nil {
		slog.Error(s.d.name+".Query: query failed", "table", table, "error", err)
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Table: table, Fields: make(map[string]any, len(cols))}
		raw := make([]any, len(cols))
		dest := []any{&rec.ID, &rec.OwnerID, &rec.CreatedAt}
		for i := range raw {
			dest = append(dest, &raw[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		for i, c := range cols {
			fld, _ := sc.Field(c)
			rec.Fields[c] = decodeValue(fld.Kind, raw[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", table, err)
	}
	slog.Debug(s.d.name+".Query: succeeded", "table", table, "count", len(out))
	return out, nil
}

func (s *sqlBase) Update(ctx context.Context, table schema.Table, id string, fields map[string]any) error {
	if _, err := validateFields(table, fields); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	a := &args{d: s.d}
	var sets []string
	for _, name := range sortedKeys(fields) {
		v, err := encodeValue(fields[name])
		if err != nil {
			return err
		}
		sets = append(sets, pq.QuoteIdentifier(name)+" = "+a.add(v))
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", pq.QuoteIdentifier(string(table)), strings.Join(sets, ", "), a.add(id))
	return s.execOne(ctx, "Update", table, id, query, a.vals...)
}

func (s *sqlBase) Delete(ctx context.Context, table schema.Table, id string) error {
	if _, err := schema.SchemaFor(table); err != nil {
		return err
	}
	a := &args{d: s.d}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = %s", pq.QuoteIdentifier(string(table)), a.add(id))
	return s.execOne(ctx, "Delete", table, id, query, a.vals...)
}

func (s *sqlBase) execOne(ctx context.Context, op string, table schema.Table, id, query string, vals ...any) error {
	res, err := s.db.ExecContext(ctx, query, vals...)
	if err != nil {
		slog.Error(s.d.name+"."+op+": failed", "table", table, "id", id, "error", err)
		return fmt.Errorf("%s %s: %w", strings.ToLower(op), table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	return nil
}

func (s *sqlBase) AddEvent(ctx context.Context, e models.RecentEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	meta, err := encodeMeta(e.Meta)
	if err != nil {
		return err
	}
	a := &args{d: s.d}
	query := fmt.Sprintf(`INSERT INTO assistant_events (id, actor_id, intent, confidence, route, result, meta, occurred_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		a.add(e.ID), a.add(e.ActorID), a.add(e.Intent), a.add(e.Confidence),
		a.add(e.Route), a.add(string(e.Result)), a.add(nilIfEmpty(meta)), a.add(e.OccurredAt.UTC()))
	if _, err := s.db.ExecContext(ctx, query, a.vals...); err != nil {
		return fmt.Errorf("insert assistant event: %w", err)
	}
	return nil
}

func (s *sqlBase) RecentEvents(ctx context.Context, actorID string, limit int) ([]models.RecentEvent, error) {
	a := &args{d: s.d}
	query := fmt.Sprintf(`SELECT id, actor_id, intent, confidence, route, result, meta, occurred_at
		FROM assistant_events WHERE actor_id = %s ORDER BY seq DESC`, a.add(actorID))
	if n := clampLimit(limit); n > 0 {
		query += " LIMIT " + strconv.Itoa(n)
	}
	rows, err := s.db.QueryContext(ctx, query, a.vals...)
	if err != nil {
		return nil, fmt.Errorf("query assistant events: %w", err)
	}
	defer rows.Close()

	var out []models.RecentEvent
	for rows.Next() {
		var e models.RecentEvent
		var result string
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Intent, &e.Confidence, &e.Route, &result, &meta, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan assistant event: %w", err)
		}
		e.Result = models.EventResult(result)
		e.Meta = decodeMeta(meta.String)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlBase) ListProfiles(ctx context.Context, userID string) ([]models.Patient, error) {
	a := &args{d: s.d}
	query := fmt.Sprintf(`SELECT id, user_id, name, created_at FROM profiles WHERE user_id = %s ORDER BY created_at, id`, a.add(userID))
	rows, err := s.db.QueryContext(ctx, query, a.vals...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []models.Patient
	for rows.Next() {
		var p models.Patient
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlBase) SaveProfile(ctx context.Context, p models.Patient) error {
	if p.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	a := &args{d: s.d}
	query := fmt.Sprintf(`INSERT INTO profiles (id, user_id, name, created_at) VALUES (%s, %s, %s, %s)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, name = EXCLUDED.name`,
		a.add(p.ID), a.add(p.UserID), a.add(p.Name), a.add(p.CreatedAt.UTC()))
	if _, err := s.db.ExecContext(ctx, query, a.vals...); err != nil {
		slog.Error(s.d.name+".SaveProfile: failed", "profileID", p.ID, "error", err)
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlBase) Close() error {
	slog.Debug(s.d.name + ".Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error(s.d.name+".Close: failed", "error", err)
	}
	return err
}
