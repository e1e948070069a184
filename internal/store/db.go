// Package store is the embedded sqlite implementation of the backend
// contract: message/profile/typing rows, change notifications fanned out on
// the bus, and a quota-bounded key-value table for the message cache.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/matheus3301/convo/internal/bus"
)

// DB wraps a SQLite database connection for the app-owned convo.db.
type DB struct {
	*sql.DB
	bus *bus.Bus
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Row changes are published on b; a nil bus gets a private one.
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if b == nil {
		b = bus.New()
	}
	return &DB{DB: db, bus: b}, nil
}
