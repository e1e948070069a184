package model

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/convo/internal/status"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validMessage() Message {
	return Message{
		ID: "m1", ContactID: "c1", Channel: ChannelWhatsApp,
		Sender: SenderCounterparty, Body: "hi", CreatedAt: t0, Status: status.Sent,
	}
}

func TestAdvanceToReadSetsDelivered(t *testing.T) {
	m := validMessage()
	if err := m.Advance(status.Read, t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if m.ReadAt == nil || m.DeliveredAt == nil {
		t.Fatalf("read message missing instants: read=%v delivered=%v", m.ReadAt, m.DeliveredAt)
	}
	if !m.DeliveredAt.Equal(*m.ReadAt) {
		t.Errorf("delivered_at = %v, want %v (implied by read)", m.DeliveredAt, m.ReadAt)
	}
}

func TestAdvanceKeepsEarlierDelivered(t *testing.T) {
	m := validMessage()
	if err := m.Advance(status.Delivered, t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := m.Advance(status.Read, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if !m.DeliveredAt.Equal(t0.Add(time.Second)) {
		t.Errorf("delivered_at = %v, want first delivery instant", m.DeliveredAt)
	}
}

func TestAdvanceBackwardRejected(t *testing.T) {
	m := validMessage()
	_ = m.Advance(status.Read, t0)
	if err := m.Advance(status.Delivered, t0); !errors.Is(err, status.ErrBackward) {
		t.Fatalf("Advance(read -> delivered) error = %v, want ErrBackward", err)
	}
	if m.Status != status.Read {
		t.Errorf("status = %s, want read", m.Status)
	}
}

func TestMergeReconcilesTempID(t *testing.T) {
	optimistic := Message{
		TempID: "tmp-1", ContactID: "c1", Channel: ChannelEmail, Sender: SenderOperator,
		Body: "hello", CreatedAt: t0, Status: status.Pending, Queued: true,
	}
	confirmed := optimistic
	confirmed.ID = "m-42"
	confirmed.TempID = "tmp-1"
	confirmed.Status = status.Sent
	confirmed.Queued = false

	got := optimistic.Merge(confirmed)
	if got.ID != "m-42" || got.TempID != "tmp-1" {
		t.Errorf("ids = %q/%q, want m-42/tmp-1", got.ID, got.TempID)
	}
	if got.Status != status.Sent {
		t.Errorf("status = %s, want sent", got.Status)
	}
	if got.Queued {
		t.Error("queued flag should clear once sent")
	}
	if got.Key() != "m-42" {
		t.Errorf("Key() = %q, want durable id", got.Key())
	}
}

func TestMergeNeverRegresses(t *testing.T) {
	read := validMessage()
	_ = read.Advance(status.Read, t0)
	late := validMessage()
	late.Status = status.Delivered
	d := t0.Add(time.Minute)
	late.DeliveredAt = &d

	got := read.Merge(late)
	if got.Status != status.Read {
		t.Errorf("status = %s, want read", got.Status)
	}
	if got.ReadAt == nil || got.DeliveredAt == nil || !got.DeliveredAt.Equal(t0) {
		t.Errorf("instants regressed: delivered=%v read=%v", got.DeliveredAt, got.ReadAt)
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
		ok     bool
	}{
		{"valid", func(*Message) {}, true},
		{"no id", func(m *Message) { m.ID = "" }, false},
		{"temp id only", func(m *Message) { m.ID = ""; m.TempID = "t" }, true},
		{"no contact", func(m *Message) { m.ContactID = "" }, false},
		{"bad channel", func(m *Message) { m.Channel = "fax" }, false},
		{"bad sender", func(m *Message) { m.Sender = "bot" }, false},
		{"bad status", func(m *Message) { m.Status = "seen" }, false},
		{"zero time", func(m *Message) { m.CreatedAt = time.Time{} }, false},
		{"read without instants", func(m *Message) { m.Status = status.Read }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMessage()
			tt.mutate(&m)
			err := m.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestCacheEntryValidateForeignMessage(t *testing.T) {
	m := validMessage()
	m.ContactID = "c2"
	e := CacheEntry{ContactID: "c1", LastSync: t0, Messages: []Message{m}}
	if err := e.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate() = %v, want ErrInvalid", err)
	}
}

func TestPendingMessageAsMessage(t *testing.T) {
	p := PendingMessage{TempID: "t1", ContactID: "c1", Channel: ChannelWhatsApp, Body: "Hi", CreatedAt: t0, Status: PendingQueued}
	m := p.Message()
	if m.Status != status.Pending || !m.Queued || m.Sender != SenderOperator {
		t.Errorf("got %+v, want queued pending operator message", m)
	}
	p.Status = PendingFailed
	if m := p.Message(); m.Status != status.Failed || m.Queued {
		t.Errorf("failed pending rendered as %s queued=%v", m.Status, m.Queued)
	}
}
