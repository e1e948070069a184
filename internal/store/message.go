package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matheus3301/convo/internal/backend"
	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/status"
)

const messageColumns = `id, temp_id, contact_id, channel, sender, body, status, created_at, delivered_at, read_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (model.Message, error) {
	var (
		m                   model.Message
		createdAt           int64
		deliveredAt, readAt sql.NullInt64
	)
	if err := r.Scan(&m.ID, &m.TempID, &m.ContactID, &m.Channel, &m.Sender, &m.Body, &m.Status, &createdAt, &deliveredAt, &readAt); err != nil {
		return m, err
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.DeliveredAt = fromNullMillis(deliveredAt)
	m.ReadAt = fromNullMillis(readAt)
	return m, nil
}

// ListMessages returns the most recent messages of a conversation, newest first.
func (db *DB) ListMessages(ctx context.Context, contactID string, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > backend.MaxPageSize {
		limit = backend.MaxPageSize
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE contact_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, contactID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a single message by durable id.
func (db *DB) GetMessage(ctx context.Context, id string) (model.Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("message %q: %w", id, backend.ErrNotFound)
	}
	return m, err
}

// InsertMessage persists a message and publishes an INSERT change. The
// insert is idempotent on temp_id: retrying a message whose first attempt
// landed returns the existing row without a second change.
func (db *DB) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return m, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if m.TempID != "" {
		existing, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE temp_id = ?`, m.TempID))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return m, fmt.Errorf("lookup temp id: %w", err)
		}
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" || m.Status == status.Pending {
		m.Status = status.Sent
	}
	m.Queued = false
	m.Normalize(time.Now().UTC())

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TempID, m.ContactID, m.Channel, m.Sender, m.Body, m.Status,
		m.CreatedAt.UnixMilli(), toNullMillis(m.DeliveredAt), toNullMillis(m.ReadAt)); err != nil {
		return m, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return m, fmt.Errorf("commit: %w", err)
	}

	db.publish(backend.TableMessages, backend.OpInsert, m.ContactID, nil, m)
	return m, nil
}

// UpdateMessage applies a delivery patch and publishes an UPDATE change.
func (db *DB) UpdateMessage(ctx context.Context, id string, patch backend.MessagePatch) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %q: %w", id, backend.ErrNotFound)
	}
	if err != nil {
		return err
	}

	next := old
	if patch.Status != nil {
		next.Status = *patch.Status
	}
	if patch.DeliveredAt != nil {
		next.DeliveredAt = patch.DeliveredAt
	}
	if patch.ReadAt != nil {
		next.ReadAt = patch.ReadAt
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = ?, delivered_at = ?, read_at = ? WHERE id = ?`,
		next.Status, toNullMillis(next.DeliveredAt), toNullMillis(next.ReadAt), id); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	db.publish(backend.TableMessages, backend.OpUpdate, next.ContactID, &old, next)
	return nil
}

// MarkRead moves every message matching f to read in one transaction and
// publishes an UPDATE per row, in creation order.
func (db *DB) MarkRead(ctx context.Context, f backend.ReadFilter, at time.Time) (int, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE contact_id = ?`
	args := []any{f.ContactID}
	if f.Sender != "" {
		q += ` AND sender = ?`
		args = append(args, f.Sender)
	}
	if len(f.Statuses) > 0 {
		q += ` AND status IN (?` + strings.Repeat(`, ?`, len(f.Statuses)-1) + `)`
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	q += ` ORDER BY created_at ASC`

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	var olds []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return 0, err
		}
		olds = append(olds, m)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	news := make([]model.Message, 0, len(olds))
	for _, old := range olds {
		next := old
		next.Status = status.Read
		next.ReadAt = &at
		next.Normalize(at)
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = ?, delivered_at = ?, read_at = ? WHERE id = ?`,
			next.Status, toNullMillis(next.DeliveredAt), toNullMillis(next.ReadAt), next.ID); err != nil {
			return 0, fmt.Errorf("mark read %q: %w", next.ID, err)
		}
		news = append(news, next)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	for i := range news {
		db.publish(backend.TableMessages, backend.OpUpdate, news[i].ContactID, &olds[i], news[i])
	}
	return len(news), nil
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
