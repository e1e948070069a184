package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/metrics"
)

// Handler receives events of the kind it was registered for.
type Handler func(Event)

type emitter struct {
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[Kind][]registered
	next     int
}

type registered struct {
	id int
	fn Handler
}

// On registers h for events of kind k. Handlers run synchronously on the
// emitting goroutine, in registration order. The returned func removes h
// and is safe to call more than once.
func (e *emitter) On(k Kind, h Handler) (off func()) {
	e.mu.Lock()
	if e.handlers == nil {
		e.handlers = make(map[Kind][]registered)
	}
	id := e.next
	e.next++
	e.handlers[k] = append(e.handlers[k], registered{id: id, fn: h})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			hs := e.handlers[k]
			for i, r := range hs {
				if r.id == id {
					e.handlers[k] = append(hs[:i:i], hs[i+1:]...)
					return
				}
			}
		})
	}
}

func (e *emitter) emit(evt Event) {
	e.mu.Lock()
	hs := make([]Handler, 0, len(e.handlers[evt.Kind()]))
	for _, r := range e.handlers[evt.Kind()] {
		hs = append(hs, r.fn)
	}
	e.mu.Unlock()

	metrics.RealtimeEvents.WithLabelValues(string(evt.Kind())).Inc()
	for _, h := range hs {
		e.call(h, evt)
	}
}

func (e *emitter) call(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				zap.String("kind", string(evt.Kind())),
				zap.String("contact_id", evt.Key()),
				zap.Any("panic", r))
		}
	}()
	h(evt)
}
