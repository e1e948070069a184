package conversation

import (
	"testing"
	"time"

	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/status"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func durable(id string, at time.Time) model.Message {
	return model.Message{
		ID: id, ContactID: "c1", Channel: model.ChannelEmail,
		Sender: model.SenderCounterparty, Body: id, CreatedAt: at, Status: status.Sent,
	}
}

func ids(t Timeline) []string {
	out := make([]string, len(t))
	for i, m := range t {
		out[i] = m.Key()
	}
	return out
}

func TestBuildTimelineOrdersNewestFirst(t *testing.T) {
	page := []model.Message{durable("m1", t0), durable("m3", t0.Add(2*time.Minute)), durable("m2", t0.Add(time.Minute))}
	pending := []model.PendingMessage{{
		TempID: "tmp-1", ContactID: "c1", Channel: model.ChannelWhatsApp, Body: "later",
		CreatedAt: t0.Add(3 * time.Minute), Status: model.PendingQueued,
	}}

	tl := BuildTimeline(page, pending)
	want := []string{"tmp-1", "m3", "m2", "m1"}
	got := ids(tl)
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
	if !tl[0].Queued || tl[0].Status != status.Pending {
		t.Errorf("pending entry = %+v, want queued pending", tl[0])
	}
}

func TestUpsertReconcilesTempID(t *testing.T) {
	optimistic := model.Message{
		TempID: "tmp-1", ContactID: "c1", Channel: model.ChannelEmail, Sender: model.SenderOperator,
		Body: "hello", CreatedAt: t0, Status: status.Pending,
	}
	tl := Timeline(nil).Upsert(durable("m0", t0.Add(-time.Minute))).Upsert(optimistic)

	stored := optimistic
	stored.ID = "m1"
	stored.Status = status.Sent
	tl = tl.Upsert(stored)
	// A late echo of the same row must not duplicate it.
	tl = tl.Upsert(stored)

	if len(tl) != 2 {
		t.Fatalf("len = %d, want 2: %v", len(tl), ids(tl))
	}
	if tl[0].ID != "m1" || tl[0].TempID != "tmp-1" || tl[0].Status != status.Sent {
		t.Errorf("reconciled = %+v", tl[0])
	}
}

func TestUpsertLeavesReceiverUntouched(t *testing.T) {
	base := Timeline{durable("m1", t0)}
	next := base.Upsert(durable("m2", t0.Add(time.Minute)))
	if len(base) != 1 || len(next) != 2 {
		t.Errorf("base = %v, next = %v", ids(base), ids(next))
	}
}

func TestApplyStatusNeverRegresses(t *testing.T) {
	m := durable("m1", t0)
	_ = m.Advance(status.Read, t0.Add(time.Minute))
	tl := Timeline{m}

	tl = tl.ApplyStatus(StatusUpdate{ID: "m1", Status: status.Delivered, At: t0.Add(2 * time.Minute)})
	if tl[0].Status != status.Read || tl[0].ReadAt == nil {
		t.Errorf("status = %s read_at = %v, want read kept", tl[0].Status, tl[0].ReadAt)
	}
}

func TestApplyStatusFailsPendingEntry(t *testing.T) {
	p := model.PendingMessage{TempID: "tmp-1", ContactID: "c1", Channel: model.ChannelCall, Body: "x", CreatedAt: t0, Status: model.PendingQueued}
	tl := BuildTimeline(nil, []model.PendingMessage{p})

	tl = tl.ApplyStatus(StatusUpdate{TempID: "tmp-1", Status: status.Failed, At: t0})
	if tl[0].Status != status.Failed || tl[0].Queued {
		t.Errorf("entry = %+v, want failed and not queued", tl[0])
	}
}

func TestApplyStatusUnknownIsNoop(t *testing.T) {
	tl := Timeline{durable("m1", t0)}
	got := tl.ApplyStatus(StatusUpdate{ID: "nope", Status: status.Read, At: t0})
	if got[0].Status != status.Sent {
		t.Errorf("status = %s, want sent", got[0].Status)
	}
}

func TestMarkReadOnlyTouchesCounterparty(t *testing.T) {
	in := durable("m1", t0)
	out := durable("m2", t0.Add(time.Second))
	out.Sender = model.SenderOperator
	tl := Timeline{out, in}.MarkRead(t0.Add(time.Minute))

	if tl[1].Status != status.Read || tl[1].DeliveredAt == nil {
		t.Errorf("inbound = %+v, want read with delivered_at", tl[1])
	}
	if tl[0].Status != status.Sent {
		t.Errorf("outbound status = %s, want untouched", tl[0].Status)
	}
}

func TestRemove(t *testing.T) {
	tl := Timeline{durable("m1", t0)}
	if got := tl.Remove("m1", ""); len(got) != 0 {
		t.Errorf("Remove left %v", ids(got))
	}
	if got := tl.Remove("", "missing"); len(got) != 1 {
		t.Errorf("Remove of unknown id changed the timeline")
	}
}
