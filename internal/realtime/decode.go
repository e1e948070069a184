package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/convo/internal/backend"
	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/status"
)

// decode maps one backend change row to the events it implies. Rows that
// do not decode or validate become a single ErrorEvent. Typing rows from
// selfID are echoes of our own indicator and are dropped.
func decode(c backend.Change, selfID string, now time.Time) []Event {
	switch c.Table {
	case backend.TableMessages:
		return decodeMessage(c, now)
	case backend.TableTyping:
		var t model.TypingIndicator
		if err := json.Unmarshal(c.New, &t); err != nil {
			return []Event{decodeError(c, err)}
		}
		if t.ContactID == "" || !t.Channel.Valid() {
			return []Event{decodeError(c, fmt.Errorf("%w: typing row for %q on %q", model.ErrInvalid, t.ContactID, t.Channel))}
		}
		if t.ActorID == selfID {
			return nil
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = now
		}
		return []Event{TypingEvent{Indicator: t}}
	default:
		return nil
	}
}

func decodeMessage(c backend.Change, now time.Time) []Event {
	var m model.Message
	if err := json.Unmarshal(c.New, &m); err != nil {
		return []Event{decodeError(c, err)}
	}
	m.Normalize(now)
	if err := m.Validate(); err != nil {
		return []Event{decodeError(c, err)}
	}
	if c.Op == backend.OpInsert || len(c.Old) == 0 {
		return []Event{MessageEvent{Op: c.Op, Message: m}}
	}

	var old model.Message
	if err := json.Unmarshal(c.Old, &old); err != nil {
		return []Event{decodeError(c, err)}
	}
	if old.Status == m.Status {
		return []Event{MessageEvent{Op: c.Op, Message: m}}
	}

	msg := m
	events := []Event{DeliveryStatusEvent{
		ContactID:   m.ContactID,
		ID:          m.ID,
		TempID:      m.TempID,
		Status:      m.Status,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
		Message:     &msg,
	}}
	if m.Status == status.Read && m.ReadAt != nil {
		events = append(events, ReadReceiptEvent{ContactID: m.ContactID, MessageID: m.ID, ReadAt: *m.ReadAt})
	}
	return events
}

func decodeError(c backend.Change, err error) ErrorEvent {
	return ErrorEvent{
		ContactID: c.Key,
		Op:        "decode " + string(c.Table),
		Err:       err,
	}
}
