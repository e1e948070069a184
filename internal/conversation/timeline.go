package conversation

import (
	"time"

	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/status"
)

// Timeline is the merged message list of one conversation, newest first.
// Entries are identified by durable id, or by temp id until one is known.
// Every method returns a new Timeline and leaves the receiver untouched.
type Timeline []model.Message

// BuildTimeline merges a fetched page with the conversation's pending queue.
func BuildTimeline(page []model.Message, pending []model.PendingMessage) Timeline {
	var t Timeline
	for _, m := range page {
		t = t.Upsert(m)
	}
	for _, p := range pending {
		t = t.Upsert(p.Message())
	}
	return t
}

// find returns the index of the entry m refers to: temp id first, then
// durable id.
func (t Timeline) find(id, tempID string) int {
	if tempID != "" {
		for i, e := range t {
			if e.TempID == tempID {
				return i
			}
		}
	}
	if id != "" {
		for i, e := range t {
			if e.ID == id {
				return i
			}
		}
	}
	return -1
}

// Has reports whether the timeline holds the message m refers to.
func (t Timeline) Has(m model.Message) bool {
	return t.find(m.ID, m.TempID) >= 0
}

// Upsert merges m into its existing entry or inserts it in time order.
// A new entry goes before older entries and entries with the same time.
func (t Timeline) Upsert(m model.Message) Timeline {
	if i := t.find(m.ID, m.TempID); i >= 0 {
		merged := t[i].Merge(m)
		out := t.without(i)
		return out.insert(merged)
	}
	return t.insert(m)
}

func (t Timeline) insert(m model.Message) Timeline {
	at := len(t)
	for i, e := range t {
		if !e.CreatedAt.After(m.CreatedAt) {
			at = i
			break
		}
	}
	out := make(Timeline, 0, len(t)+1)
	out = append(out, t[:at]...)
	out = append(out, m)
	return append(out, t[at:]...)
}

func (t Timeline) without(i int) Timeline {
	out := make(Timeline, 0, len(t)-1)
	out = append(out, t[:i]...)
	return append(out, t[i+1:]...)
}

// Remove drops the entry with the given temp id or durable id.
func (t Timeline) Remove(id, tempID string) Timeline {
	if i := t.find(id, tempID); i >= 0 {
		return t.without(i)
	}
	return t
}

// StatusUpdate is a delivery status report for one message.
type StatusUpdate struct {
	ID          string
	TempID      string
	Status      status.Delivery
	DeliveredAt *time.Time
	ReadAt      *time.Time
	At          time.Time
}

// ApplyStatus folds u into the matching entry. Status never moves backward
// and instants are never unset.
func (t Timeline) ApplyStatus(u StatusUpdate) Timeline {
	i := t.find(u.ID, u.TempID)
	if i < 0 {
		return t
	}
	out := append(Timeline(nil), t...)
	e := out[i]
	if e.ID == "" {
		e.ID = u.ID
	}
	e.Status = status.Merge(e.Status, u.Status)
	if e.DeliveredAt == nil {
		e.DeliveredAt = u.DeliveredAt
	}
	if e.ReadAt == nil {
		e.ReadAt = u.ReadAt
	}
	e.Queued = e.Queued && e.Status == status.Pending
	e.Normalize(u.At)
	out[i] = e
	return out
}

// MarkRead moves the counterparty's sent or delivered messages to read.
func (t Timeline) MarkRead(at time.Time) Timeline {
	out := append(Timeline(nil), t...)
	for i, e := range out {
		if e.Sender != model.SenderCounterparty {
			continue
		}
		if e.Status != status.Sent && e.Status != status.Delivered {
			continue
		}
		_ = e.Advance(status.Read, at)
		out[i] = e
	}
	return out
}

// Messages returns a copy safe to hand out.
func (t Timeline) Messages() []model.Message {
	return append([]model.Message(nil), t...)
}
