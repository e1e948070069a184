// Package backend declares the persistence+subscription capability the
// messaging core consumes: row reads/writes, a typing-indicator RPC and
// per-table live change feeds.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/status"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("backend: not found")

// MaxPageSize bounds ListMessages.
const MaxPageSize = 100

// Table names a row collection that can be subscribed to.
type Table string

const (
	TableMessages Table = "messages"
	TableTyping   Table = "typing_indicators"
	TableProfiles Table = "profiles"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
)

// Change is a row change notification. Old and New carry the raw row; they
// are decoded into typed events by the consumer.
type Change struct {
	Table Table           `json:"table"`
	Op    Op              `json:"eventType"`
	Key   string          `json:"key"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new"`
	At    time.Time       `json:"at"`
}

// Topic selects a live feed: one table, filtered by conversation key.
type Topic struct {
	Table     Table
	ContactID string
}

// Subscription is a live change feed. Changes are delivered in the order
// the backend emitted them. Close is idempotent.
type Subscription interface {
	Changes() <-chan Change
	Close()
}

// MessagePatch updates delivery metadata. Nil fields are left untouched.
type MessagePatch struct {
	Status      *status.Delivery
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

// ReadFilter selects the messages a bulk read-mark applies to.
type ReadFilter struct {
	ContactID string
	Sender    model.Sender
	Statuses  []status.Delivery
}

// Backend is the remote persistence+subscription capability.
type Backend interface {
	// ListMessages returns the most recent messages for a conversation,
	// newest first, at most limit (capped at MaxPageSize).
	ListMessages(ctx context.Context, contactID string, limit int) ([]model.Message, error)
	GetMessage(ctx context.Context, id string) (model.Message, error)
	// InsertMessage persists m and returns the stored row with its durable id.
	InsertMessage(ctx context.Context, m model.Message) (model.Message, error)
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) error
	// MarkRead moves every message matching f to read at the given instant,
	// stamping delivered_at where missing. It returns the affected count.
	MarkRead(ctx context.Context, f ReadFilter, at time.Time) (int, error)
	// UpsertTypingIndicator is the remote procedure keyed by
	// (actor, contact, channel).
	UpsertTypingIndicator(ctx context.Context, t model.TypingIndicator) error
	ListContacts(ctx context.Context, role string) ([]model.Contact, error)
	Subscribe(ctx context.Context, topic Topic) (Subscription, error)
}

// Auth provides the identity of the current actor.
type Auth interface {
	ActorID() string
}

// StaticAuth is an Auth with a fixed actor id.
type StaticAuth string

func (a StaticAuth) ActorID() string { return string(a) }
