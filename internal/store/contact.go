package store

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/convo/internal/backend"
	"github.com/matheus3301/convo/internal/model"
)

// UpsertContact inserts or updates a profile row.
func (db *DB) UpsertContact(ctx context.Context, c model.Contact) error {
	if c.Role == "" {
		c.Role = "contact"
	}
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO profiles (id, name, email, phone, role, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE profiles.name END,
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE profiles.email END,
			phone = CASE WHEN excluded.phone != '' THEN excluded.phone ELSE profiles.phone END,
			role = excluded.role,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Email, c.Phone, c.Role, now)
	if err != nil {
		return fmt.Errorf("upsert contact %q: %w", c.ID, err)
	}
	return nil
}

// BulkUpsertContacts inserts or updates multiple profiles in a single transaction.
func (db *DB) BulkUpsertContacts(ctx context.Context, contacts []model.Contact) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range contacts {
		if c.Role == "" {
			c.Role = "contact"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profiles (id, name, email, phone, role, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				email = excluded.email,
				phone = excluded.phone,
				role = excluded.role,
				updated_at = excluded.updated_at`,
			c.ID, c.Name, c.Email, c.Phone, c.Role, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ListContacts returns the profiles with the given role sorted by name.
// An empty role lists every profile.
func (db *DB) ListContacts(ctx context.Context, role string) ([]model.Contact, error) {
	q := `SELECT id, name, email, phone, role FROM profiles`
	var args []any
	if role != "" {
		q += ` WHERE role = ?`
		args = append(args, role)
	}
	q += ` ORDER BY name ASC, id ASC`

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []model.Contact
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Role); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

var _ backend.Backend = (*DB)(nil)
