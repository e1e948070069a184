package realtime

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/model"
)

type timerKey struct {
	contactID string
	channel   model.Channel
}

type typingTimer struct {
	timer clockwork.Timer
	gen   uint64
}

// SendTypingIndicator publishes the operator's typing state for key. A
// true value (re)arms a timer that publishes false after TypingTimeout
// unless another true arrives first; false cancels the timer. Failures are
// emitted as ErrorEvents and returned.
func (c *Client) SendTypingIndicator(ctx context.Context, key string, isTyping bool, channel model.Channel) error {
	tk := timerKey{contactID: key, channel: channel}

	c.mu.Lock()
	if t, ok := c.timers[tk]; ok {
		t.timer.Stop()
		delete(c.timers, tk)
	}
	if isTyping && !c.closed {
		c.timerGen++
		gen := c.timerGen
		c.timers[tk] = &typingTimer{
			gen:   gen,
			timer: c.opts.Clock.AfterFunc(c.opts.TypingTimeout, func() { c.expireTyping(tk, gen) }),
		}
	}
	c.mu.Unlock()

	return c.upsertTyping(ctx, key, isTyping, channel)
}

// expireTyping runs when a typing timer fires. A timer that was replaced
// after it fired finds a newer generation and does nothing.
func (c *Client) expireTyping(tk timerKey, gen uint64) {
	c.mu.Lock()
	t, ok := c.timers[tk]
	if !ok || t.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.timers, tk)
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	c.logger.Debug("typing indicator expired", zap.String("contact_id", tk.contactID), zap.String("channel", string(tk.channel)))
	_ = c.upsertTyping(c.ctx, tk.contactID, false, tk.channel)
}

func (c *Client) upsertTyping(ctx context.Context, key string, isTyping bool, channel model.Channel) error {
	actor := ""
	if c.auth != nil {
		actor = c.auth.ActorID()
	}
	err := c.backend.UpsertTypingIndicator(ctx, model.TypingIndicator{
		ContactID: key,
		ActorID:   actor,
		IsTyping:  isTyping,
		Channel:   channel,
		UpdatedAt: c.now(),
	})
	if err != nil {
		err = fmt.Errorf("typing indicator: %w", err)
		c.fail(key, "typing", err)
	}
	return err
}
