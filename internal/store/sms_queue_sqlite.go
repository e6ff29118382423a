package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var _ ReplyQueue = (*SQLiteStore)(nil)

func (s *SQLiteStore) ClaimInbound(ctx context.Context, messageID, sessionKey string, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sms_inbound (message_id, session_key, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO UPDATE SET session_key = excluded.session_key, received_at = excluded.received_at
		 WHERE sms_inbound.handled_at IS NULL AND sms_inbound.received_at < ?`,
		messageID, sessionKey, time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim inbound %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim inbound %s: %w", messageID, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) FinishInbound(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sms_inbound SET handled_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID,
	); err != nil {
		return fmt.Errorf("finish inbound %s: %w", messageID, err)
	}
	return nil
}

func (s *SQLiteStore) QueueReply(ctx context.Context, r Reply) (string, error) {
	if r.InboundID != "" {
		var existing string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM sms_replies WHERE inbound_id = ? AND seq = ?`, r.InboundID, r.Seq,
		).Scan(&existing)
		switch {
		case err == nil:
			slog.Debug("SQLiteStore.QueueReply: already queued", "inboundID", r.InboundID, "seq", r.Seq, "id", existing)
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("look up queued reply: %w", err)
		}
	}

	now := time.Now().UTC()
	if r.NotBefore.IsZero() {
		r.NotBefore = now
	}
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sms_replies (id, phone, inbound_id, seq, body, status, attempts, not_before, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id, r.Phone, r.InboundID, r.Seq, r.Body, ReplyQueued, r.NotBefore.UTC(), now,
	); err != nil {
		return "", fmt.Errorf("queue reply: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) DueReplies(ctx context.Context, now time.Time, limit int) ([]Reply, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("due replies: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, phone, inbound_id, seq, body, attempts, not_before, last_error, created_at
		 FROM sms_replies WHERE status = ? AND not_before <= ?
		 ORDER BY created_at, seq LIMIT ?`,
		ReplyQueued, now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due replies: %w", err)
	}
	var out []Reply
	for rows.Next() {
		var r Reply
		var lastError sql.NullString
		if err := rows.Scan(&r.ID, &r.Phone, &r.InboundID, &r.Seq, &r.Body, &r.Attempts, &r.NotBefore, &lastError, &r.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		r.LastError = lastError.String
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due replies: %w", err)
	}

	locked := now.UTC()
	for i := range out {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sms_replies SET status = ?, locked_at = ? WHERE id = ?`, ReplySending, locked, out[i].ID,
		); err != nil {
			return nil, fmt.Errorf("lock reply %s: %w", out[i].ID, err)
		}
		out[i].Status, out[i].LockedAt = ReplySending, &locked
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("due replies commit: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) MarkReplySent(ctx context.Context, id string) error {
	return s.setReplyState(ctx, `UPDATE sms_replies SET status = ?, locked_at = NULL WHERE id = ?`, ReplySent, id)
}

func (s *SQLiteStore) RetryReply(ctx context.Context, id, reason string, notBefore time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sms_replies SET status = ?, attempts = attempts + 1, last_error = ?, not_before = ?, locked_at = NULL WHERE id = ?`,
		ReplyQueued, reason, notBefore.UTC(), id,
	); err != nil {
		return fmt.Errorf("retry reply %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) AbandonReply(ctx context.Context, id, reason string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sms_replies SET status = ?, attempts = attempts + 1, last_error = ?, locked_at = NULL WHERE id = ?`,
		ReplyAbandoned, reason, id,
	); err != nil {
		return fmt.Errorf("abandon reply %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStuck(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sms_replies SET status = ?, locked_at = NULL WHERE status = ? AND locked_at < ?`,
		ReplyQueued, ReplySending, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck replies: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) setReplyState(ctx context.Context, query string, status ReplyStatus, id string) error {
	if _, err := s.db.ExecContext(ctx, query, status, id); err != nil {
		return fmt.Errorf("set reply %s %s: %w", id, status, err)
	}
	return nil
}
