package cache

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Options are the cache limits. Zero fields take the defaults.
type Options struct {
	// TTL is how long a synced page is served before it must be refetched.
	TTL time.Duration
	// Ceiling is the byte budget of the cache namespace.
	Ceiling int64
	// EvictAfter is the age past which a page may be evicted to get back
	// under the ceiling.
	EvictAfter time.Duration
	// QueueCap bounds the pending queue of one conversation.
	QueueCap int
	// PageSize bounds the messages kept per conversation.
	PageSize int
	// MaxRetries is the number of failed persistence attempts after which a
	// pending message is marked failed.
	MaxRetries int

	Clock clockwork.Clock
}

// DefaultOptions returns the stock limits.
func DefaultOptions() Options {
	return Options{
		TTL:        24 * time.Hour,
		Ceiling:    50 << 20,
		EvictAfter: 7 * 24 * time.Hour,
		QueueCap:   50,
		PageSize:   100,
		MaxRetries: 3,
		Clock:      clockwork.NewRealClock(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TTL <= 0 {
		o.TTL = d.TTL
	}
	if o.Ceiling <= 0 {
		o.Ceiling = d.Ceiling
	}
	if o.EvictAfter <= 0 {
		o.EvictAfter = d.EvictAfter
	}
	if o.QueueCap <= 0 {
		o.QueueCap = d.QueueCap
	}
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}
