package store

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/convo/internal/backend"
	"github.com/matheus3301/convo/internal/model"
)

// UpsertTypingIndicator stores the typing state keyed by
// (actor, contact, channel) and publishes the change.
func (db *DB) UpsertTypingIndicator(ctx context.Context, t model.TypingIndicator) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	var (
		old     model.TypingIndicator
		existed = true
		updated int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT actor_id, contact_id, channel, is_typing, updated_at
		FROM typing_indicators WHERE actor_id = ? AND contact_id = ? AND channel = ?`,
		t.ActorID, t.ContactID, t.Channel).
		Scan(&old.ActorID, &old.ContactID, &old.Channel, &old.IsTyping, &updated)
	if err != nil {
		existed = false
	}
	old.UpdatedAt = time.UnixMilli(updated).UTC()

	if _, err := db.ExecContext(ctx, `
		INSERT INTO typing_indicators (actor_id, contact_id, channel, is_typing, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(actor_id, contact_id, channel) DO UPDATE SET
			is_typing = excluded.is_typing,
			updated_at = excluded.updated_at`,
		t.ActorID, t.ContactID, t.Channel, t.IsTyping, t.UpdatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("upsert typing indicator: %w", err)
	}

	if existed {
		db.publish(backend.TableTyping, backend.OpUpdate, t.ContactID, &old, t)
	} else {
		db.publish(backend.TableTyping, backend.OpInsert, t.ContactID, nil, t)
	}
	return nil
}
