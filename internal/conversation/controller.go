// Package conversation is the use-case layer the UI binds to: contacts,
// the selected conversation and its merged message list, sending with
// optimistic entries and reactions to live events and connectivity.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/backend"
	"github.com/matheus3301/convo/internal/cache"
	"github.com/matheus3301/convo/internal/env"
	"github.com/matheus3301/convo/internal/metrics"
	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/realtime"
	"github.com/matheus3301/convo/internal/status"
)

var (
	// ErrNoSelection is reported by transports when an operation needs a
	// selected conversation. The controller itself treats it as a no-op.
	ErrNoSelection = errors.New("conversation: no conversation selected")
	// ErrNotFailed is returned by RetryFailed for an unknown or non-failed
	// temp id.
	ErrNotFailed = errors.New("conversation: no failed message with that id")
)

// Options tune the controller. Zero fields take the defaults.
type Options struct {
	// ReadDelay is how long after an inbound message the conversation is
	// marked read.
	ReadDelay time.Duration
	// TypingExpiry is how long a received typing indicator stays visible
	// without a refresh.
	TypingExpiry time.Duration
	// MaxManualRetries bounds failed loads before CanRetry turns false.
	MaxManualRetries int
	// ContactRole selects which profiles are listed as contacts.
	ContactRole string

	Clock clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.ReadDelay <= 0 {
		o.ReadDelay = time.Second
	}
	if o.TypingExpiry <= 0 {
		o.TypingExpiry = 3 * time.Second
	}
	if o.MaxManualRetries <= 0 {
		o.MaxManualRetries = 3
	}
	if o.ContactRole == "" {
		o.ContactRole = "contact"
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

type typingKey struct {
	contactID string
	channel   model.Channel
}

// Controller owns the in-memory state the UI renders.
type Controller struct {
	rt      *realtime.Client
	cache   *cache.Manager
	backend backend.Backend
	env     env.Environment
	auth    backend.Auth
	opts    Options
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        state
	gen          uint64
	readTimers   map[string]*expiry
	typingTimers map[typingKey]*expiry
	timerGen     uint64
	listeners    map[int]func(Snapshot)
	nextListener int
	offs         []func()
	closed       bool
}

type state struct {
	contacts       []model.Contact
	contactsLoaded bool
	selected       *model.Contact
	timeline       Timeline
	typing         map[typingKey]model.TypingIndicator
	sync           *model.SyncStatus
	loading        bool
	err            string
	online         bool
	retryCount     int
}

// New builds a controller. Call Start to begin reacting to live events.
func New(rt *realtime.Client, c *cache.Manager, b backend.Backend, e env.Environment, auth backend.Auth, opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		rt:           rt,
		cache:        c,
		backend:      b,
		env:          e,
		auth:         auth,
		opts:         opts.withDefaults(),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		state:        state{typing: make(map[typingKey]model.TypingIndicator), online: e.IsOnline()},
		readTimers:   make(map[string]*expiry),
		typingTimers: make(map[typingKey]*expiry),
		listeners:    make(map[int]func(Snapshot)),
	}
}

// Start wires the controller to the realtime client's events.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.offs) > 0 || c.closed {
		return
	}
	c.offs = append(c.offs,
		c.rt.On(realtime.KindMessage, c.onMessage),
		c.rt.On(realtime.KindDeliveryStatus, c.onDeliveryStatus),
		c.rt.On(realtime.KindTyping, c.onTyping),
		c.rt.On(realtime.KindConnection, c.onConnection),
		c.rt.On(realtime.KindError, c.onError),
	)
}

// Close detaches from events, stops timers and waits for background work.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	offs := c.offs
	c.offs = nil
	for k, t := range c.readTimers {
		t.timer.Stop()
		delete(c.readTimers, k)
	}
	for k, t := range c.typingTimers {
		t.timer.Stop()
		delete(c.typingTimers, k)
	}
	c.mu.Unlock()

	for _, off := range offs {
		off()
	}
	c.cancel()
	c.wg.Wait()
}

// Wait blocks until background work started by the controller finishes.
func (c *Controller) Wait() { c.wg.Wait() }

func (c *Controller) now() time.Time { return c.opts.Clock.Now().UTC() }

func (c *Controller) goBackground(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

func (c *Controller) selectedID() string {
	if c.state.selected == nil {
		return ""
	}
	return c.state.selected.ID
}

// LoadContacts fetches the contact list. When nothing is selected, or the
// selected contact is gone, the first contact is selected.
func (c *Controller) LoadContacts(ctx context.Context) error {
	c.mu.Lock()
	c.state.loading = true
	c.mu.Unlock()
	c.notify()

	contacts, err := c.backend.ListContacts(ctx, c.opts.ContactRole)

	c.mu.Lock()
	c.state.loading = false
	if err != nil {
		c.state.err = fmt.Sprintf("Could not load contacts: %v", err)
		c.state.retryCount++
		c.mu.Unlock()
		c.logger.Warn("load contacts failed", zap.Error(err))
		c.notify()
		return fmt.Errorf("load contacts: %w", err)
	}
	c.state.contacts = contacts
	c.state.contactsLoaded = true
	c.state.err = ""
	c.state.retryCount = 0

	var next *model.Contact
	if len(contacts) > 0 {
		sel := c.selectedID()
		if sel == "" || !slices.ContainsFunc(contacts, func(ct model.Contact) bool { return ct.ID == sel }) {
			first := contacts[0]
			next = &first
		}
	}
	c.mu.Unlock()
	c.notify()

	if next != nil {
		return c.Select(ctx, *next)
	}
	return nil
}

// RefreshContacts reloads the contact list.
func (c *Controller) RefreshContacts(ctx context.Context) error {
	return c.LoadContacts(ctx)
}

// Select switches the conversation: the previous live subscription is
// closed, history for contact is synced and its live subscription opened.
// Results of a selection that was superseded meanwhile are dropped.
func (c *Controller) Select(ctx context.Context, contact model.Contact) error {
	if contact.ID == "" {
		return nil
	}
	c.mu.Lock()
	c.gen++
	gen := c.gen
	prev := c.selectedID()
	sel := contact
	c.state.selected = &sel
	if prev != contact.ID {
		c.state.timeline = nil
		c.state.sync = nil
		c.clearTypingLocked()
		c.stopReadTimersLocked()
	}
	c.state.loading = true
	c.state.err = ""
	c.mu.Unlock()
	c.notify()

	if prev != "" && prev != contact.ID {
		c.rt.Unsubscribe(prev)
	}

	msgs, err := c.rt.SyncMessageHistory(ctx, contact.ID)
	if !c.applyHistory(ctx, gen, contact.ID, msgs, err) {
		return nil
	}
	// Live updates are wanted even when history failed to load; a later
	// refresh fills the list in.
	subErr := c.subscribe(ctx, gen, contact.ID)
	if err != nil {
		return err
	}
	return subErr
}

// subscribe opens key's live subscription. If the selection moved to
// another conversation meanwhile, the subscription is closed again.
func (c *Controller) subscribe(ctx context.Context, gen uint64, key string) error {
	selfID := ""
	if c.auth != nil {
		selfID = c.auth.ActorID()
	}
	err := c.rt.Subscribe(ctx, key, selfID)

	c.mu.Lock()
	superseded := c.gen != gen && c.selectedID() != key
	c.mu.Unlock()
	if superseded {
		c.rt.Unsubscribe(key)
		return nil
	}
	return err
}

// applyHistory installs a fetched page if gen is still the current
// selection. It reports false when the result was dropped.
func (c *Controller) applyHistory(ctx context.Context, gen uint64, key string, msgs []model.Message, err error) bool {
	var (
		pending []model.PendingMessage
		st      model.SyncStatus
		hasSync bool
	)
	if err == nil {
		pending = c.cache.Pending(ctx, key)
		st, hasSync = c.cache.SyncStatus(ctx, key)
	}

	c.mu.Lock()
	if c.gen != gen || c.selectedID() != key {
		c.mu.Unlock()
		c.logger.Debug("dropping superseded history", zap.String("contact_id", key))
		return false
	}
	c.state.loading = false
	if err != nil {
		c.state.err = fmt.Sprintf("Could not load messages: %v", err)
		c.state.retryCount++
		c.mu.Unlock()
		c.logger.Warn("load messages failed", zap.String("contact_id", key), zap.Error(err))
		c.notify()
		return true
	}
	t := BuildTimeline(msgs, pending)
	// Keep optimistic entries added while the page was loading.
	for _, m := range c.state.timeline {
		if m.ContactID == key && !t.Has(m) {
			t = t.Upsert(m)
		}
	}
	c.state.timeline = t
	c.state.err = ""
	c.state.retryCount = 0
	if hasSync {
		c.state.sync = &st
	}
	c.mu.Unlock()
	c.notify()
	return true
}

// RefreshMessages reloads the selected conversation from the backend, or
// from the cache while offline. A selected conversation without a live
// subscription is subscribed again.
func (c *Controller) RefreshMessages(ctx context.Context) error {
	c.mu.Lock()
	key := c.selectedID()
	gen := c.gen
	if key != "" {
		c.state.loading = true
	}
	c.mu.Unlock()
	if key == "" {
		return nil
	}
	c.notify()

	var (
		msgs []model.Message
		err  error
	)
	if c.env.IsOnline() {
		msgs, err = c.rt.FetchMessageHistory(ctx, key)
		if err != nil {
			c.logger.Warn("refresh fetch failed, trying cache", zap.String("contact_id", key), zap.Error(err))
			msgs, err = c.rt.SyncMessageHistory(ctx, key)
		}
	} else {
		msgs, err = c.rt.SyncMessageHistory(ctx, key)
	}
	if c.applyHistory(ctx, gen, key, msgs, err) && !c.rt.Subscribed(key) {
		if subErr := c.subscribe(ctx, gen, key); err == nil {
			err = subErr
		}
	}
	return err
}

// SendMessage sends body on channel to the selected conversation. An
// optimistic pending entry is shown at once. Online, the message is
// persisted and the entry reconciled to its durable id; on failure the
// entry is removed and the error returned. Offline, the message is queued
// and the entry stays pending.
func (c *Controller) SendMessage(ctx context.Context, body string, channel model.Channel) error {
	body = strings.TrimSpace(body)
	if body == "" || !channel.Valid() {
		return nil
	}

	c.mu.Lock()
	key := c.selectedID()
	if key == "" {
		c.mu.Unlock()
		return nil
	}
	optimistic := model.Message{
		TempID:    uuid.NewString(),
		ContactID: key,
		Channel:   channel,
		Sender:    model.SenderOperator,
		Body:      body,
		CreatedAt: c.now(),
		Status:    status.Pending,
	}
	online := c.env.IsOnline()
	optimistic.Queued = !online
	c.state.timeline = c.state.timeline.Upsert(optimistic)
	c.mu.Unlock()
	c.notify()

	if !online {
		c.cache.Enqueue(ctx, model.PendingMessage{
			TempID:    optimistic.TempID,
			ContactID: key,
			Channel:   channel,
			Body:      body,
			CreatedAt: optimistic.CreatedAt,
			Status:    model.PendingQueued,
		})
		c.refreshSyncStatus(ctx, key)
		c.logger.Info("queued message while offline", zap.String("contact_id", key), zap.String("temp_id", optimistic.TempID))
		return nil
	}

	started := c.now()
	stored, err := c.rt.SendMessage(ctx, optimistic)
	if err != nil {
		c.mu.Lock()
		if c.selectedID() == key {
			c.state.timeline = c.state.timeline.Remove("", optimistic.TempID)
		}
		c.state.err = fmt.Sprintf("Could not send message: %v", err)
		c.mu.Unlock()
		c.logger.Warn("send failed", zap.String("contact_id", key), zap.String("temp_id", optimistic.TempID), zap.Error(err))
		c.notify()
		return err
	}
	metrics.SendLatency.Observe(float64(c.now().Sub(started).Milliseconds()))
	c.reconcile(ctx, stored)
	return nil
}

// reconcile folds a persisted message into the timeline, if its
// conversation is still selected, and into the cached page either way.
func (c *Controller) reconcile(ctx context.Context, stored model.Message) {
	c.mu.Lock()
	if c.selectedID() == stored.ContactID {
		c.state.timeline = c.state.timeline.Upsert(stored)
	}
	c.mu.Unlock()

	if entry, _, ok := c.cache.Lookup(ctx, stored.ContactID); ok {
		page := Timeline(entry.Messages).Upsert(stored)
		c.cache.Set(ctx, stored.ContactID, page)
	}
	c.notify()
}

// MarkAsRead marks the counterparty's messages in key as read, locally at
// once and then through the realtime client.
func (c *Controller) MarkAsRead(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	c.mu.Lock()
	if c.selectedID() == key {
		c.state.timeline = c.state.timeline.MarkRead(c.now())
	}
	if t, ok := c.readTimers[key]; ok {
		t.timer.Stop()
		delete(c.readTimers, key)
	}
	c.mu.Unlock()
	c.notify()

	if _, err := c.rt.MarkMessagesAsRead(ctx, key); err != nil {
		c.logger.Warn("mark as read failed", zap.String("contact_id", key), zap.Error(err))
		return err
	}
	return nil
}

// SendTypingIndicator forwards the operator's typing state for the
// selected conversation. It is suppressed while offline.
func (c *Controller) SendTypingIndicator(ctx context.Context, isTyping bool, channel model.Channel) error {
	if !c.env.IsOnline() || !channel.Valid() {
		return nil
	}
	c.mu.Lock()
	key := c.selectedID()
	c.mu.Unlock()
	if key == "" {
		return nil
	}
	return c.rt.SendTypingIndicator(ctx, key, isTyping, channel)
}

// RetryFailed re-queues a failed message of the selected conversation as a
// new pending entry and, when online, drains the queue.
func (c *Controller) RetryFailed(ctx context.Context, tempID string) error {
	c.mu.Lock()
	key := c.selectedID()
	c.mu.Unlock()
	if key == "" {
		return ErrNoSelection
	}

	var failed *model.PendingMessage
	for _, p := range c.cache.Pending(ctx, key) {
		if p.TempID == tempID && p.Status == model.PendingFailed {
			failed = &p
			break
		}
	}
	if failed == nil {
		return ErrNotFailed
	}

	c.cache.RemovePending(ctx, key, tempID)
	requeued := c.cache.AddPending(ctx, key, failed.Body, failed.Channel)

	msg := requeued.Message()
	c.mu.Lock()
	if c.selectedID() == key {
		c.state.timeline = c.state.timeline.Remove("", tempID).Upsert(msg)
	}
	c.mu.Unlock()
	c.refreshSyncStatus(ctx, key)
	c.notify()

	if c.env.IsOnline() {
		if _, err := c.rt.DrainPending(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) refreshSyncStatus(ctx context.Context, key string) {
	st, ok := c.cache.SyncStatus(ctx, key)
	if !ok {
		return
	}
	c.mu.Lock()
	if c.selectedID() == key {
		c.state.sync = &st
	}
	c.mu.Unlock()
}

func (c *Controller) clearTypingLocked() {
	for k, t := range c.typingTimers {
		t.timer.Stop()
		delete(c.typingTimers, k)
	}
	clear(c.state.typing)
}

func (c *Controller) stopReadTimersLocked() {
	for k, t := range c.readTimers {
		t.timer.Stop()
		delete(c.readTimers, k)
	}
}
