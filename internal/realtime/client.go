// Package realtime keeps one live subscription per conversation, turns
// backend change rows into typed events and owns the outbound side of the
// live channel: typing indicators, delivery status, history sync and the
// pending-queue drain.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/backend"
	"github.com/matheus3301/convo/internal/cache"
	"github.com/matheus3301/convo/internal/env"
	"github.com/matheus3301/convo/internal/metrics"
	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/status"
)

// Options tune the client. Zero fields take the defaults.
type Options struct {
	// TypingTimeout is how long a "typing" signal lasts before the client
	// sends "stopped typing" on its own.
	TypingTimeout time.Duration
	// PageSize bounds history fetches.
	PageSize int
	// MaxRetries is the number of failed drain attempts after which a
	// pending message is left failed.
	MaxRetries int

	Clock clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = 3 * time.Second
	}
	if o.PageSize <= 0 || o.PageSize > backend.MaxPageSize {
		o.PageSize = backend.MaxPageSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Client is the realtime channel client.
type Client struct {
	emitter

	backend backend.Backend
	cache   *cache.Manager
	env     env.Environment
	auth    backend.Auth
	opts    Options
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	pumps  sync.WaitGroup

	mu       sync.Mutex
	subs     map[string]*subscription
	timers   map[timerKey]*typingTimer
	timerGen uint64
	draining map[string]bool
	offEnv   func()
	closed   bool
}

// New builds a client. Call Start to follow connectivity changes.
func New(b backend.Backend, c *cache.Manager, e env.Environment, auth backend.Auth, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		emitter:  emitter{logger: logger},
		backend:  b,
		cache:    c,
		env:      e,
		auth:     auth,
		opts:     opts.withDefaults(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*subscription),
		timers:   make(map[timerKey]*typingTimer),
		draining: make(map[string]bool),
	}
}

// Start registers for connectivity changes.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offEnv == nil && !c.closed {
		c.offEnv = c.env.OnConnectivityChange(c.onConnectivity)
	}
}

// Wait blocks until background syncs and typing expiries have finished.
func (c *Client) Wait() { c.wg.Wait() }

// Close releases every subscription and timer and waits for background work.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	off := c.offEnv
	for k, t := range c.timers {
		t.timer.Stop()
		delete(c.timers, k)
	}
	c.mu.Unlock()

	if off != nil {
		off()
	}
	c.UnsubscribeAll()
	c.cancel()
	c.wg.Wait()
	c.pumps.Wait()
}

func (c *Client) now() time.Time { return c.opts.Clock.Now().UTC() }

// goBackground runs fn on its own goroutine, tracked by Wait.
func (c *Client) goBackground(fn func(ctx context.Context)) {
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

func (c *Client) fail(key, op string, err error) {
	c.logger.Warn("realtime operation failed", zap.String("contact_id", key), zap.String("op", op), zap.Error(err))
	c.emit(ErrorEvent{ContactID: key, Op: op, Err: err})
}

type subscription struct {
	key    string
	selfID string
	feeds  []backend.Subscription
	cancel context.CancelFunc
	ctx    context.Context
}

func (s *subscription) close() {
	s.cancel()
	for _, f := range s.feeds {
		f.Close()
	}
}

// Subscribe opens the live feeds for key, replacing an existing
// subscription. Typing rows written by selfID are ignored. On failure an
// ErrorEvent carrying key is emitted and the error returned.
func (c *Client) Subscribe(ctx context.Context, key, selfID string) error {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{key: key, selfID: selfID, cancel: cancel, ctx: subCtx}
	for _, table := range []backend.Table{backend.TableMessages, backend.TableTyping} {
		feed, err := c.backend.Subscribe(subCtx, backend.Topic{Table: table, ContactID: key})
		if err != nil {
			sub.close()
			err = fmt.Errorf("subscribe %s: %w", table, err)
			c.fail(key, "subscribe", err)
			return err
		}
		sub.feeds = append(sub.feeds, feed)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.close()
		return fmt.Errorf("subscribe %s: client closed", key)
	}
	prev := c.subs[key]
	c.subs[key] = sub
	c.pumps.Add(1)
	c.mu.Unlock()

	if prev != nil {
		prev.close()
	} else {
		metrics.ActiveSubscriptions.Inc()
	}
	go c.pump(sub)

	c.logger.Debug("subscribed", zap.String("contact_id", key))
	c.emit(ConnectionEvent{ContactID: key, State: Subscribed})
	return nil
}

// pump forwards both feeds of one subscription. Each feed is forwarded in
// the order the backend emitted it.
func (c *Client) pump(sub *subscription) {
	defer c.pumps.Done()
	msgs, typing := sub.feeds[0].Changes(), sub.feeds[1].Changes()
	for msgs != nil || typing != nil {
		var (
			ch backend.Change
			ok bool
		)
		select {
		case ch, ok = <-msgs:
			if !ok {
				msgs = nil
				continue
			}
		case ch, ok = <-typing:
			if !ok {
				typing = nil
				continue
			}
		case <-sub.ctx.Done():
			return
		}
		for _, evt := range decode(ch, sub.selfID, c.now()) {
			if sub.ctx.Err() != nil {
				return
			}
			c.emit(evt)
		}
	}
}

// Unsubscribe closes key's subscription. It is safe to call for a key that
// is not subscribed.
func (c *Client) Unsubscribe(key string) {
	c.mu.Lock()
	sub := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if sub == nil {
		return
	}
	sub.close()
	metrics.ActiveSubscriptions.Dec()
	c.logger.Debug("unsubscribed", zap.String("contact_id", key))
	c.emit(ConnectionEvent{ContactID: key, State: Unsubscribed})
}

// UnsubscribeAll closes every subscription.
func (c *Client) UnsubscribeAll() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.Unsubscribe(k)
	}
}

// Subscribed reports whether key has a live subscription.
func (c *Client) Subscribed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[key]
	return ok
}

// UpdateMessageStatus moves message id to st, stamping the delivered/read
// instants. A backward move returns status.ErrBackward and writes nothing.
func (c *Client) UpdateMessageStatus(ctx context.Context, id string, st status.Delivery) error {
	m, err := c.backend.GetMessage(ctx, id)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	before := m
	if err := m.Advance(st, c.now()); err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	if m.Status == before.Status && m.DeliveredAt == before.DeliveredAt && m.ReadAt == before.ReadAt {
		return nil
	}
	patch := backend.MessagePatch{Status: &m.Status, DeliveredAt: m.DeliveredAt, ReadAt: m.ReadAt}
	if err := c.backend.UpdateMessage(ctx, id, patch); err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	return nil
}

// MarkMessagesAsRead moves every counterparty message of key that is sent
// or delivered to read. It returns how many messages changed.
func (c *Client) MarkMessagesAsRead(ctx context.Context, key string) (int, error) {
	n, err := c.backend.MarkRead(ctx, backend.ReadFilter{
		ContactID: key,
		Sender:    model.SenderCounterparty,
		Statuses:  []status.Delivery{status.Sent, status.Delivered},
	}, c.now())
	if err != nil {
		return 0, fmt.Errorf("mark read %s: %w", key, err)
	}
	return n, nil
}

// SendMessage persists an outbound message. The stored row keeps m's temp
// id so later change events can be matched to the optimistic entry.
func (c *Client) SendMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if !c.env.IsOnline() {
		return m, ErrOffline
	}
	stored, err := c.backend.InsertMessage(ctx, m)
	if err != nil {
		return m, fmt.Errorf("send message %s: %w", m.TempID, err)
	}
	if stored.TempID == "" {
		stored.TempID = m.TempID
	}
	return stored, nil
}
