package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/matheus3301/convo/internal/backend"
	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/cache"
	"github.com/matheus3301/convo/internal/env"
	"github.com/matheus3301/convo/internal/kv"
	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/realtime"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/store"
)

// countingBackend is the sqlite backend with switchable failures.
type countingBackend struct {
	*store.DB

	mu          sync.Mutex
	insertErr   error
	contactsErr error
	listErr     error
	markReads   int
}

func (b *countingBackend) failList(err error) {
	b.mu.Lock()
	b.listErr = err
	b.mu.Unlock()
}

func (b *countingBackend) ListMessages(ctx context.Context, key string, limit int) ([]model.Message, error) {
	b.mu.Lock()
	err := b.listErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.DB.ListMessages(ctx, key, limit)
}

func (b *countingBackend) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	b.mu.Lock()
	err := b.insertErr
	b.mu.Unlock()
	if err != nil {
		return m, err
	}
	return b.DB.InsertMessage(ctx, m)
}

func (b *countingBackend) ListContacts(ctx context.Context, role string) ([]model.Contact, error) {
	b.mu.Lock()
	err := b.contactsErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.DB.ListContacts(ctx, role)
}

func (b *countingBackend) MarkRead(ctx context.Context, f backend.ReadFilter, at time.Time) (int, error) {
	b.mu.Lock()
	b.markReads++
	b.mu.Unlock()
	return b.DB.MarkRead(ctx, f, at)
}

func (b *countingBackend) markReadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.markReads
}

type harness struct {
	ctrl    *Controller
	rt      *realtime.Client
	backend *countingBackend
	cache   *cache.Manager
	host    *env.Host
	clock   *clockwork.FakeClock
}

var (
	alice = model.Contact{ID: "c1", Name: "Alice", Role: "contact"}
	bob   = model.Contact{ID: "c2", Name: "Bob", Role: "contact"}
)

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), bus.New())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.BulkUpsertContacts(context.Background(), []model.Contact{bob, alice}); err != nil {
		t.Fatal(err)
	}

	clock := clockwork.NewFakeClockAt(t0)
	mem := kv.NewMemory(0)
	cm := cache.New(context.Background(), mem, cache.Options{Clock: clock}, nil)
	host := env.NewHost(status.NewMachine(nil), mem, nil)
	if err := host.SetOnline(online); err != nil {
		t.Fatal(err)
	}

	cb := &countingBackend{DB: db}
	auth := backend.StaticAuth("operator-1")
	rt := realtime.New(cb, cm, host, auth, realtime.Options{Clock: clock}, nil)
	rt.Start()
	ctrl := New(rt, cm, cb, host, auth, Options{Clock: clock}, nil)
	ctrl.Start()
	t.Cleanup(func() {
		ctrl.Close()
		rt.Close()
	})
	return &harness{ctrl: ctrl, rt: rt, backend: cb, cache: cm, host: host, clock: clock}
}

// settle waits for background work of both the controller and the client.
func (h *harness) settle() {
	h.rt.Wait()
	h.ctrl.Wait()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func inbound(contact, body string, at time.Time) model.Message {
	return model.Message{
		ContactID: contact,
		Channel:   model.ChannelEmail,
		Sender:    model.SenderCounterparty,
		Body:      body,
		CreatedAt: at,
		Status:    status.Sent,
	}
}

func TestLoadContactsSelectsFirst(t *testing.T) {
	h := newHarness(t, true)
	if err := h.ctrl.LoadContacts(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := h.ctrl.Snapshot()
	if len(s.Contacts) != 2 || s.Contacts[0].ID != "c1" {
		t.Fatalf("contacts = %+v, want Alice first", s.Contacts)
	}
	if s.Selected == nil || s.Selected.ID != "c1" {
		t.Errorf("selected = %+v, want c1", s.Selected)
	}
	if !h.rt.Subscribed("c1") {
		t.Error("selected conversation is not subscribed")
	}
}

func TestLoadContactsFailureCountsRetries(t *testing.T) {
	h := newHarness(t, true)
	h.backend.mu.Lock()
	h.backend.contactsErr = errors.New("boom")
	h.backend.mu.Unlock()

	for range 3 {
		if err := h.ctrl.LoadContacts(context.Background()); err == nil {
			t.Fatal("want error")
		}
	}
	s := h.ctrl.Snapshot()
	if !s.HasError || s.RetryCount != 3 || s.CanRetry {
		t.Errorf("snapshot = %+v, want 3 retries and no further retry", s)
	}

	h.backend.mu.Lock()
	h.backend.contactsErr = nil
	h.backend.mu.Unlock()
	if err := h.ctrl.RefreshContacts(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := h.ctrl.Snapshot(); s.HasError || s.RetryCount != 0 {
		t.Errorf("after success = %+v, want error cleared", s)
	}
}

func TestSelectSwitchesSubscription(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if _, err := h.backend.DB.InsertMessage(ctx, inbound("c2", "from bob", t0)); err != nil {
		t.Fatal(err)
	}

	if err := h.ctrl.Select(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.Select(ctx, bob); err != nil {
		t.Fatal(err)
	}
	if h.rt.Subscribed("c1") || !h.rt.Subscribed("c2") {
		t.Error("want only c2 subscribed")
	}
	s := h.ctrl.Snapshot()
	if len(s.Messages) != 1 || s.Messages[0].Body != "from bob" {
		t.Errorf("messages = %+v", s.Messages)
	}
}

func TestSupersededHistoryIsDropped(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if err := h.ctrl.Select(ctx, alice); err != nil {
		t.Fatal(err)
	}
	stale := h.ctrl.gen
	if err := h.ctrl.Select(ctx, bob); err != nil {
		t.Fatal(err)
	}

	m := inbound("c1", "late", t0)
	m.ID = "m-late"
	if h.ctrl.applyHistory(ctx, stale, "c1", []model.Message{m}, nil) {
		t.Fatal("stale history applied")
	}
	s := h.ctrl.Snapshot()
	if s.Selected.ID != "c2" || len(s.Messages) != 0 {
		t.Errorf("snapshot = %+v, want c2 with no messages", s)
	}
}

func TestSendOnlineReconcilesOptimisticEntry(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if err := h.ctrl.Select(ctx, alice); err != nil {
		t.Fatal(err)
	}

	var seen []Snapshot
	var mu sync.Mutex
	off := h.ctrl.OnChange(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer off()

	if err := h.ctrl.SendMessage(ctx, "  Hi  ", model.ChannelWhatsApp); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	first := seen[0]
	mu.Unlock()
	if len(first.Messages) != 1 || first.Messages[0].Status != status.Pending || first.Messages[0].Body != "Hi" {
		t.Fatalf("optimistic snapshot = %+v", first.Messages)
	}

	waitFor(t, func() bool {
		msgs := h.ctrl.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].ID != "" && msgs[0].Status == status.Sent
	})
	h.settle()
	if msgs := h.ctrl.Snapshot().Messages; len(msgs) != 1 {
		t.Errorf("messages = %+v, want exactly one", msgs)
	}
}

func TestSendIgnoresBlankAndUnselected(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if err := h.ctrl.SendMessage(ctx, "hello", model.ChannelEmail); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.Select(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.SendMessage(ctx, "   ", model.ChannelEmail); err != nil {
		t.Fatal(err)
	}
	if n, _ := h.backend.DB.MessageCount(ctx); n != 0 {
		t.Errorf("message count = %d, want 0", n)
	}
}

func TestSendFailureRemovesOptimisticEntry(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if err := h.ctrl.Select(ctx, alice); err != nil {
		t.Fatal(err)
	}
	h.backend.mu.Lock()
	h.backend.insertErr = errors.New("insert refused")
	h.backend.mu.Unlock()

	if err := h.ctrl.SendMessage(ctx, "Hi", model.ChannelEmail); err == nil {
		t.Fatal("want error")
	}
	s := h.ctrl.Snapshot()
	if len(s.Messages) != 0 || !s.HasError {
		t.Errorf("snapshot = %+v, want no messages and an error", s)
	}
	if q := h.cache.Pending(ctx, "c1"); len(q) != 0 {
		t.Errorf("failed online send was queued: %+v", q)
	}
}

func TestOfflineSendDrainsOnReconnect(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if err := h.ctrl.Select(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if err := h.host.SetOnline(false); err != nil {
		t.Fatal(err)
	}
	h.settle()

	if err := h.ctrl.SendMessage(ctx, "Hi", model.ChannelWhatsApp); err != nil {
		t.Fatal(err)
	}
	s := h.ctrl.Snapshot()
	if s.Online || len(s.Messages) != 1 || !s.Messages[0].Queued || s.Messages[0].Status != status.Pending {
		t.Fatalf("offline snapshot = %+v", s)
	}
	q := h.cache.Pending(ctx, "c1")
	if len(q) != 1 || q[0].TempID != s.Messages[0].TempID {
		t.Fatalf("pending queue = %+v", q)
	}
	if s.SyncStatus == nil || s.SyncStatus.PendingCount != 1 {
		t.Errorf("sync status = %+v, want one pending", s.SyncStatus)
	}
	tempID := q[0].TempID

	if err := h.host.SetOnline(true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		msgs := h.ctrl.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].ID != "" && msgs[0].Status == status.Sent
	})
	h.settle()

	s = h.ctrl.Snapshot()
	if len(s.Messages) != 1 {
		t.Fatalf("messages = %+v, want exactly one", s.Messages)
	}
	if got := s.Messages[0]; got.TempID != tempID || got.Queued {
		t.Errorf("reconciled = %+v", got)
	}
	if q := h.cache.Pending(ctx, "c1"); len(q) != 0 {
		t.Errorf("queue = %+v, want drained", q)
	}
	if n, _ := h.backend.DB.MessageCount(ctx); n != 1 {
		t.Errorf("message count = %d, want 1", n)
	}
}

func TestInboundMarksReadOnceAfterDelay(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if err := h.ctrl.Select(ctx, alice); err != nil {
		t.Fatal(err)
	}

	for i, body := range []string{"one", "two"} {
		if _, err := h.backend.DB.InsertMessage(ctx, inbound("c1", body, t0.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return len(h.ctrl.Snapshot().Messages) == 2 })

	bctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(bctx, 1); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(999 * time.Millisecond)
	if n := h.backend.markReadCount(); n != 0 {
		t.Fatalf("mark read called %d times before the delay", n)
	}
	h.clock.Advance(time.Millisecond)
	waitFor(t, func() bool { return h.backend.markReadCount() == 1 })
	h.settle()

	if n := h.backend.markReadCount(); n != 1 {
		t.Errorf("mark read calls = %d, want 1", n)
	}
	for _, m := range h.ctrl.Snapshot().Messages {
		if m.Status != status.Read {
			t.Errorf("message %s status = %s, want read", m.ID, m.Status)
		}
	}
}

func TestTypingIndicatorExpires(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if err := h.ctrl.Select(ctx, alice); err != nil {
		t.Fatal(err)
	}

	ind := model.TypingIndicator{ActorID: "c1", ContactID: "c1", IsTyping: true, Channel: model.ChannelWhatsApp, UpdatedAt: t0}
	if err := h.backend.DB.UpsertTypingIndicator(ctx, ind); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(h.ctrl.Snapshot().Typing) == 1 })

	bctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(bctx, 1); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(3 * time.Second)
	waitFor(t, func() bool { return len(h.ctrl.Snapshot().Typing) == 0 })
}

func TestOwnTypingIsNotShown(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if err := h.ctrl.Select(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.SendTypingIndicator(ctx, true, model.ChannelEmail); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.SendTypingIndicator(ctx, false, model.ChannelEmail); err != nil {
		t.Fatal(err)
	}
	h.settle()
	if got := h.ctrl.Snapshot().Typing; len(got) != 0 {
		t.Errorf("typing = %+v, want own indicator filtered", got)
	}
}

func TestRetryFailedRequeues(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	p := h.cache.AddPending(ctx, "c1", "Hi", model.ChannelEmail)
	for range 3 {
		h.cache.RecordAttemptFailure(ctx, "c1", p.TempID, errors.New("down"))
	}
	if err := h.ctrl.Select(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if msgs := h.ctrl.Snapshot().Messages; len(msgs) != 1 || msgs[0].Status != status.Failed {
		t.Fatalf("messages = %+v, want one failed", msgs)
	}

	if err := h.ctrl.RetryFailed(ctx, "unknown"); !errors.Is(err, ErrNotFailed) {
		t.Errorf("RetryFailed(unknown) = %v, want ErrNotFailed", err)
	}
	if err := h.ctrl.RetryFailed(ctx, p.TempID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		msgs := h.ctrl.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Status == status.Sent
	})
	if q := h.cache.Pending(ctx, "c1"); len(q) != 0 {
		t.Errorf("queue = %+v, want empty", q)
	}
}

func TestRefreshWhileOfflineServesCache(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if _, err := h.backend.DB.InsertMessage(ctx, inbound("c1", "cached", t0)); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.Select(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if err := h.host.SetOnline(false); err != nil {
		t.Fatal(err)
	}
	h.settle()

	if err := h.ctrl.RefreshMessages(ctx); err != nil {
		t.Fatal(err)
	}
	s := h.ctrl.Snapshot()
	if len(s.Messages) != 1 || s.Messages[0].Body != "cached" || s.Online {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestSelectSubscribesWhenHistoryFails(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.backend.failList(errors.New("network down"))
	if err := h.ctrl.Select(ctx, alice); err == nil {
		t.Fatal("Select() error = nil, want history failure")
	}
	if !h.rt.Subscribed(alice.ID) {
		t.Fatal("conversation has no live subscription after failed history load")
	}
	if s := h.ctrl.Snapshot(); !s.HasError || s.RetryCount != 1 {
		t.Errorf("snapshot = %+v, want error with one retry", s)
	}

	h.backend.failList(nil)
	if err := h.ctrl.RefreshMessages(ctx); err != nil {
		t.Fatal(err)
	}
	if s := h.ctrl.Snapshot(); s.HasError {
		t.Errorf("error after successful refresh: %q", s.Error)
	}

	if _, err := h.backend.DB.InsertMessage(ctx, inbound(alice.ID, "live", t0)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		msgs := h.ctrl.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Body == "live"
	})
}

func TestRefreshResubscribesSelectedConversation(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if err := h.ctrl.Select(ctx, alice); err != nil {
		t.Fatal(err)
	}
	h.rt.Unsubscribe(alice.ID)

	if err := h.ctrl.RefreshMessages(ctx); err != nil {
		t.Fatal(err)
	}
	if !h.rt.Subscribed(alice.ID) {
		t.Fatal("refresh did not restore the live subscription")
	}
	if h.rt.Subscribed(bob.ID) {
		t.Error("unselected conversation subscribed")
	}
}
