package model

import (
	"errors"
	"fmt"

	"github.com/matheus3301/convo/internal/status"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the shape of a message read back from untrusted storage.
func (m Message) Validate() error {
	if m.Key() == "" {
		return invalid("message without id")
	}
	if m.ContactID == "" {
		return invalid("message %s without contact", m.Key())
	}
	if !m.Channel.Valid() {
		return invalid("message %s has channel %q", m.Key(), m.Channel)
	}
	if !m.Sender.Valid() {
		return invalid("message %s has sender %q", m.Key(), m.Sender)
	}
	if !m.Status.Valid() {
		return invalid("message %s has status %q", m.Key(), m.Status)
	}
	if m.CreatedAt.IsZero() {
		return invalid("message %s without timestamp", m.Key())
	}
	if m.Status == status.Read && (m.ReadAt == nil || m.DeliveredAt == nil) {
		return invalid("message %s is read without read/delivered instants", m.Key())
	}
	return nil
}

// Validate checks a pending queue entry.
func (p PendingMessage) Validate() error {
	if p.TempID == "" || p.ContactID == "" {
		return invalid("pending message without ids")
	}
	if !p.Channel.Valid() {
		return invalid("pending %s has channel %q", p.TempID, p.Channel)
	}
	if p.Status != PendingQueued && p.Status != PendingFailed {
		return invalid("pending %s has status %q", p.TempID, p.Status)
	}
	if p.RetryCount < 0 {
		return invalid("pending %s has negative retry count", p.TempID)
	}
	return nil
}

// Validate checks a cache entry and every message in it.
func (e CacheEntry) Validate() error {
	if e.ContactID == "" {
		return invalid("cache entry without contact")
	}
	if e.LastSync.IsZero() {
		return invalid("cache entry %s without last sync", e.ContactID)
	}
	for _, m := range e.Messages {
		if err := m.Validate(); err != nil {
			return err
		}
		if m.ContactID != e.ContactID {
			return invalid("cache entry %s holds message for %s", e.ContactID, m.ContactID)
		}
	}
	return nil
}

// Validate checks a sync status record.
func (s SyncStatus) Validate() error {
	if s.PendingCount < 0 || s.FailedCount < 0 {
		return invalid("sync status with negative counts")
	}
	if s.UpdatedAt.IsZero() {
		return invalid("sync status without updated_at")
	}
	return nil
}
