// Package env is the host environment the messaging core runs in:
// connectivity and the durable store.
package env

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/kv"
	"github.com/matheus3301/convo/internal/status"
)

// Environment is what the core needs from its host.
type Environment interface {
	IsOnline() bool
	// OnConnectivityChange registers fn to be called with the new value
	// whenever the host goes online or offline. The returned func removes it.
	OnConnectivityChange(fn func(online bool)) (off func())
	Store() kv.Store
}

// Host is an Environment whose connectivity is driven by the link state
// machine, either by hand (SetOnline) or by a probe loop (Watch).
type Host struct {
	machine *status.Machine
	store   kv.Store
	logger  *zap.Logger

	mu       sync.Mutex
	handlers []handler
	next     int
}

type handler struct {
	id int
	fn func(bool)
}

// NewHost returns a host over m. The machine is expected to still be booting.
func NewHost(m *status.Machine, s kv.Store, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{machine: m, store: s, logger: logger}
}

func (h *Host) IsOnline() bool { return h.machine.Current().IsOnline() }

func (h *Host) Store() kv.Store { return h.store }

// Link returns the current link state.
func (h *Host) Link() status.Link { return h.machine.Current() }

func (h *Host) OnConnectivityChange(fn func(bool)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.handlers = append(h.handlers, handler{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, hd := range h.handlers {
				if hd.id == id {
					h.handlers = append(h.handlers[:i], h.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// SetOnline moves the link online or offline. Handlers run on the calling
// goroutine, in registration order, only when online-ness actually changes.
func (h *Host) SetOnline(online bool) error {
	cur := h.machine.Current()
	if cur != status.Booting && cur.IsOnline() == online {
		return nil
	}
	target := status.Offline
	if online {
		target = status.Online
	}
	if err := h.machine.Transition(target); err != nil {
		return err
	}
	h.logger.Info("connectivity changed", zap.String("from", string(cur)), zap.String("to", string(target)))
	if cur.IsOnline() != online {
		h.notify(online)
	}
	return nil
}

// SetDegraded flags an online link as degraded (or clears the flag). It
// does not change online-ness and notifies nobody.
func (h *Host) SetDegraded(degraded bool) error {
	cur := h.machine.Current()
	switch {
	case degraded && cur == status.Online:
		return h.machine.Transition(status.Degraded)
	case !degraded && cur == status.Degraded:
		return h.machine.Transition(status.Online)
	}
	return nil
}

func (h *Host) notify(online bool) {
	h.mu.Lock()
	fns := make([]func(bool), 0, len(h.handlers))
	for _, hd := range h.handlers {
		fns = append(fns, hd.fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// Watch runs check every interval until ctx is done, going online when it
// succeeds and offline when it fails.
func (h *Host) Watch(ctx context.Context, clock clockwork.Clock, every time.Duration, check func(context.Context) error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	probe := func() {
		err := check(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil && h.IsOnline() {
			h.logger.Warn("connectivity probe failed", zap.Error(err))
		}
		if serr := h.SetOnline(err == nil); serr != nil {
			h.logger.Warn("link transition rejected", zap.Error(serr))
		}
	}

	probe()
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			probe()
		case <-ctx.Done():
			return
		}
	}
}

var _ Environment = (*Host)(nil)
