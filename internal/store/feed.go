package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/convo/internal/backend"
	"github.com/matheus3301/convo/internal/bus"
)

const feedBuffer = 256

// publish marshals the row images and fans the change out on the bus as
// "<table>.<op>".
func (db *DB) publish(table backend.Table, op backend.Op, key string, old, row any) {
	change := backend.Change{Table: table, Op: op, Key: key, At: time.Now().UTC()}
	if old != nil {
		change.Old, _ = json.Marshal(old)
	}
	change.New, _ = json.Marshal(row)
	db.bus.Publish(bus.Event{
		Kind:      string(table) + "." + string(op),
		Timestamp: change.At,
		Payload:   change,
	})
}

// Subscribe opens a live feed of changes to topic.Table for one
// conversation. The feed ends when ctx is cancelled or Close is called.
// Changes are never dropped: a full feed holds back the writer that
// published them, so consumers must keep draining Changes until Close.
func (db *DB) Subscribe(ctx context.Context, topic backend.Topic) (backend.Subscription, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s/%s: %w", topic.Table, topic.ContactID, err)
	}
	in, unsub := db.bus.SubscribeBlocking(string(topic.Table)+".", feedBuffer, func(evt bus.Event) bool {
		c, ok := evt.Payload.(backend.Change)
		return ok && (topic.ContactID == "" || c.Key == topic.ContactID)
	})

	s := &feed{
		out:   make(chan backend.Change, feedBuffer),
		done:  make(chan struct{}),
		unsub: unsub,
	}
	go s.pump(ctx, in)
	return s, nil
}

type feed struct {
	out   chan backend.Change
	done  chan struct{}
	once  sync.Once
	unsub func()
}

func (f *feed) Changes() <-chan backend.Change { return f.out }

func (f *feed) Close() {
	f.once.Do(func() {
		f.unsub()
		close(f.done)
	})
}

func (f *feed) pump(ctx context.Context, in <-chan bus.Event) {
	defer close(f.out)
	defer f.Close()
	for {
		select {
		case evt := <-in:
			c, ok := evt.Payload.(backend.Change)
			if !ok {
				continue
			}
			select {
			case f.out <- c:
			case <-f.done:
				return
			case <-ctx.Done():
				return
			}
		case <-f.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
