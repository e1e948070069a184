package conversation

import (
	"context"
	"slices"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/backend"
	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/realtime"
	"github.com/matheus3301/convo/internal/status"
)

// expiry is a one-shot timer tagged with the generation that armed it. A
// callback that lost a race with a re-arm sees a newer generation and
// returns.
type expiry struct {
	timer clockwork.Timer
	gen   uint64
}

func (c *Controller) onMessage(evt realtime.Event) {
	e, ok := evt.(realtime.MessageEvent)
	if !ok {
		return
	}
	m := e.Message

	c.mu.Lock()
	if c.selectedID() != m.ContactID {
		c.mu.Unlock()
		return
	}
	c.state.timeline = c.state.timeline.Upsert(m)
	if e.Op == backend.OpInsert && m.Sender == model.SenderCounterparty && m.Status != status.Read {
		c.scheduleReadLocked(m.ContactID)
	}
	c.mu.Unlock()

	c.writeThrough(c.ctx, m)
	c.notify()
}

// scheduleReadLocked (re)arms the debounced read-mark for key.
func (c *Controller) scheduleReadLocked(key string) {
	if c.closed {
		return
	}
	if t, ok := c.readTimers[key]; ok {
		t.timer.Stop()
	}
	c.timerGen++
	gen := c.timerGen
	c.readTimers[key] = &expiry{
		gen: gen,
		timer: c.opts.Clock.AfterFunc(c.opts.ReadDelay, func() {
			c.mu.Lock()
			t, ok := c.readTimers[key]
			if !ok || t.gen != gen || c.selectedID() != key {
				c.mu.Unlock()
				return
			}
			delete(c.readTimers, key)
			c.mu.Unlock()
			c.goBackground(func(ctx context.Context) {
				if err := c.MarkAsRead(ctx, key); err != nil {
					c.logger.Debug("deferred mark as read failed", zap.String("contact_id", key), zap.Error(err))
				}
			})
		}),
	}
}

func (c *Controller) onDeliveryStatus(evt realtime.Event) {
	e, ok := evt.(realtime.DeliveryStatusEvent)
	if !ok {
		return
	}

	c.mu.Lock()
	selected := c.selectedID() == e.ContactID
	if selected {
		if e.Message != nil {
			c.state.timeline = c.state.timeline.Upsert(*e.Message)
		} else {
			c.state.timeline = c.state.timeline.ApplyStatus(StatusUpdate{
				ID:          e.ID,
				TempID:      e.TempID,
				Status:      e.Status,
				DeliveredAt: e.DeliveredAt,
				ReadAt:      e.ReadAt,
				At:          c.now(),
			})
		}
		if e.Status == status.Failed && e.Error != "" {
			c.state.err = "Message failed to send: " + e.Error
		}
	}
	c.mu.Unlock()

	if e.Message != nil {
		c.writeThrough(c.ctx, *e.Message)
	}
	if selected {
		c.refreshSyncStatus(c.ctx, e.ContactID)
		c.notify()
	}
}

func (c *Controller) onTyping(evt realtime.Event) {
	e, ok := evt.(realtime.TypingEvent)
	if !ok {
		return
	}
	ind := e.Indicator
	tk := typingKey{contactID: ind.ContactID, channel: ind.Channel}

	c.mu.Lock()
	if c.selectedID() != ind.ContactID || c.closed {
		c.mu.Unlock()
		return
	}
	if t, ok := c.typingTimers[tk]; ok {
		t.timer.Stop()
		delete(c.typingTimers, tk)
	}
	if !ind.IsTyping {
		delete(c.state.typing, tk)
		c.mu.Unlock()
		c.notify()
		return
	}
	c.state.typing[tk] = ind
	c.timerGen++
	gen := c.timerGen
	c.typingTimers[tk] = &expiry{
		gen:   gen,
		timer: c.opts.Clock.AfterFunc(c.opts.TypingExpiry, func() { c.expireTyping(tk, gen) }),
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) expireTyping(tk typingKey, gen uint64) {
	c.mu.Lock()
	t, ok := c.typingTimers[tk]
	if !ok || t.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.typingTimers, tk)
	delete(c.state.typing, tk)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) onConnection(evt realtime.Event) {
	e, ok := evt.(realtime.ConnectionEvent)
	if !ok {
		return
	}
	switch e.State {
	case realtime.Online:
		c.mu.Lock()
		c.state.online = true
		c.mu.Unlock()
		c.notify()
		c.goBackground(func(ctx context.Context) {
			if err := c.RefreshMessages(ctx); err != nil {
				c.logger.Warn("refresh after reconnect failed", zap.Error(err))
			}
		})
	case realtime.Offline:
		c.mu.Lock()
		c.state.online = false
		c.clearTypingLocked()
		c.mu.Unlock()
		c.notify()
	}
}

func (c *Controller) onError(evt realtime.Event) {
	e, ok := evt.(realtime.ErrorEvent)
	if !ok {
		return
	}
	c.mu.Lock()
	if e.ContactID != "" && c.selectedID() != e.ContactID {
		c.mu.Unlock()
		return
	}
	c.state.err = e.Error()
	c.mu.Unlock()
	c.notify()
}

// writeThrough folds m into its conversation's cached page, if one exists.
func (c *Controller) writeThrough(ctx context.Context, m model.Message) {
	if m.ID == "" {
		return
	}
	entry, _, ok := c.cache.Lookup(ctx, m.ContactID)
	if !ok {
		return
	}
	c.cache.Set(ctx, m.ContactID, Timeline(entry.Messages).Upsert(m))
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	Messages   []model.Message         `json:"messages"`
	Contacts   []model.Contact         `json:"contacts"`
	Selected   *model.Contact          `json:"selected,omitempty"`
	Typing     []model.TypingIndicator `json:"typing"`
	SyncStatus *model.SyncStatus       `json:"sync_status,omitempty"`
	Loading    bool                    `json:"loading"`
	Error      string                  `json:"error,omitempty"`
	Online     bool                    `json:"online"`
	HasError   bool                    `json:"has_error"`
	CanRetry   bool                    `json:"can_retry"`
	RetryCount int                     `json:"retry_count"`
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Messages:   c.state.timeline.Messages(),
		Contacts:   slices.Clone(c.state.contacts),
		Loading:    c.state.loading,
		Error:      c.state.err,
		Online:     c.state.online,
		HasError:   c.state.err != "",
		CanRetry:   c.state.retryCount < c.opts.MaxManualRetries,
		RetryCount: c.state.retryCount,
	}
	if c.state.selected != nil {
		sel := *c.state.selected
		s.Selected = &sel
	}
	if c.state.sync != nil {
		st := *c.state.sync
		s.SyncStatus = &st
	}
	for _, ind := range c.state.typing {
		s.Typing = append(s.Typing, ind)
	}
	slices.SortFunc(s.Typing, func(a, b model.TypingIndicator) int {
		return strings.Compare(string(a.Channel), string(b.Channel))
	})
	return s
}

// ClearError drops the current error message.
func (c *Controller) ClearError() {
	c.mu.Lock()
	c.state.err = ""
	c.mu.Unlock()
	c.notify()
}

// OnChange registers fn to receive a snapshot after every state change.
// The returned func removes fn.
func (c *Controller) OnChange(fn func(Snapshot)) (off func()) {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	if len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
