// Package model holds the domain types shared by the cache, the realtime
// client and the conversation controller.
package model

import (
	"time"

	"github.com/matheus3301/convo/internal/status"
)

// Channel is the medium a message travels on.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelCall     Channel = "call"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelWhatsApp, ChannelCall:
		return true
	}
	return false
}

// Sender identifies which side of the conversation authored a message.
type Sender string

const (
	SenderOperator     Sender = "operator"
	SenderCounterparty Sender = "counterparty"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderOperator || s == SenderCounterparty
}

// Message is a single conversation message. Content is immutable once
// delivered; delivery metadata only moves forward.
type Message struct {
	ID          string          `json:"id,omitempty"`
	TempID      string          `json:"temp_id,omitempty"`
	ContactID   string          `json:"contact_id"`
	Channel     Channel         `json:"channel"`
	Sender      Sender          `json:"sender"`
	Body        string          `json:"body"`
	CreatedAt   time.Time       `json:"created_at"`
	Status      status.Delivery `json:"status"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`

	// Queued marks an optimistic entry parked in the pending queue.
	Queued bool `json:"queued,omitempty"`
}

// Key returns the message identity: the durable id when known, else the
// temporary id.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Advance moves the message to status to, stamping the delivered/read
// instants that become due. Reading a message implies it was delivered.
func (m *Message) Advance(to status.Delivery, at time.Time) error {
	next, err := status.Advance(m.Status, to)
	if err != nil {
		return err
	}
	m.Status = next
	m.stamp(at)
	return nil
}

// Normalize fills instants implied by the current status. Rows arriving
// out of order may claim read without a delivered timestamp.
func (m *Message) Normalize(at time.Time) {
	m.stamp(at)
}

func (m *Message) stamp(at time.Time) {
	switch m.Status {
	case status.Read:
		if m.ReadAt == nil {
			m.ReadAt = timePtr(at)
		}
		if m.DeliveredAt == nil {
			m.DeliveredAt = timePtr(*m.ReadAt)
		}
	case status.Delivered:
		if m.DeliveredAt == nil {
			m.DeliveredAt = timePtr(at)
		}
	}
}

// Merge folds a newer view of the same message into m. Status never moves
// backward and instants, once set, are never unset.
func (m Message) Merge(newer Message) Message {
	out := m
	if newer.ID != "" {
		out.ID = newer.ID
		out.Body = newer.Body
		out.Channel = newer.Channel
		out.Sender = newer.Sender
		if !newer.CreatedAt.IsZero() {
			out.CreatedAt = newer.CreatedAt
		}
	}
	if out.TempID == "" {
		out.TempID = newer.TempID
	}
	out.Status = status.Merge(m.Status, newer.Status)
	out.DeliveredAt = earliest(m.DeliveredAt, newer.DeliveredAt)
	out.ReadAt = earliest(m.ReadAt, newer.ReadAt)
	out.Queued = out.Status == status.Pending && (m.Queued || newer.Queued)
	if out.Status == status.Read && out.ReadAt != nil && out.DeliveredAt == nil {
		out.DeliveredAt = timePtr(*out.ReadAt)
	}
	return out
}

// PendingStatus is the state of an entry in the outbound queue.
type PendingStatus string

const (
	PendingQueued PendingStatus = "pending"
	PendingFailed PendingStatus = "failed"
)

// PendingMessage is a message the client could not confirm as persisted.
type PendingMessage struct {
	TempID     string        `json:"temp_id"`
	ContactID  string        `json:"contact_id"`
	Channel    Channel       `json:"channel"`
	Body       string        `json:"body"`
	CreatedAt  time.Time     `json:"created_at"`
	RetryCount int           `json:"retry_count"`
	Status     PendingStatus `json:"status"`
	LastError  string        `json:"last_error,omitempty"`
}

// Message returns the optimistic message shown for p.
func (p PendingMessage) Message() Message {
	st := status.Pending
	if p.Status == PendingFailed {
		st = status.Failed
	}
	return Message{
		TempID:    p.TempID,
		ContactID: p.ContactID,
		Channel:   p.Channel,
		Sender:    SenderOperator,
		Body:      p.Body,
		CreatedAt: p.CreatedAt,
		Status:    st,
		Queued:    p.Status == PendingQueued,
	}
}

// CacheEntry is the cached page of messages for one conversation.
type CacheEntry struct {
	ContactID string           `json:"contact_id"`
	Messages  []Message        `json:"messages"`
	LastSync  time.Time        `json:"last_sync"`
	Pending   []PendingMessage `json:"pending,omitempty"`
}

// SyncStatus is per-conversation sync bookkeeping for the UI.
type SyncStatus struct {
	LastSync     time.Time `json:"last_sync"`
	PendingCount int       `json:"pending_count"`
	FailedCount  int       `json:"failed_count"`
	Online       bool      `json:"online"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TypingIndicator is an ephemeral "is composing" signal.
type TypingIndicator struct {
	ContactID string    `json:"contact_id"`
	ActorID   string    `json:"actor_id"`
	IsTyping  bool      `json:"is_typing"`
	Channel   Channel   `json:"channel"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contact is a counterparty the operator can converse with.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role"`
}

func timePtr(t time.Time) *time.Time { return &t }

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}
