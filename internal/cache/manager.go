// Package cache keeps per-conversation message pages, outbound pending
// queues and sync status records in a durable key-value store.
//
// Everything read back from the store is treated as untrusted: entries that
// fail to decode or validate are evicted and reported as absent. Storage
// errors never leave this package; at worst the cache stops caching.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/kv"
	"github.com/matheus3301/convo/internal/metrics"
	"github.com/matheus3301/convo/internal/model"
)

const (
	namespace     = "convo:"
	messagePrefix = namespace + "messages:"
	pendingPrefix = namespace + "pending:"
	syncPrefix    = namespace + "sync:"
)

// Manager is the message cache. The zero value is not usable; use New.
type Manager struct {
	store  kv.Store // nil when the store failed its probe
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	degraded atomic.Bool
}

// New probes s once and returns a manager over it. A nil or failing store
// yields a manager whose every operation is a no-op.
func New(ctx context.Context, s kv.Store, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{opts: opts.withDefaults(), logger: logger}
	if err := kv.Probe(ctx, s); err != nil {
		logger.Warn("cache store unavailable, running backend-only", zap.Error(err))
		return m
	}
	m.store = s
	return m
}

// Available reports whether the manager has a working store.
func (m *Manager) Available() bool { return m.store != nil }

// Degraded reports whether the last write was dropped for lack of space.
func (m *Manager) Degraded() bool { return m.degraded.Load() }

// Options returns the effective limits.
func (m *Manager) Options() Options { return m.opts }

func (m *Manager) now() time.Time { return m.opts.Clock.Now().UTC() }

// storedEntry is the persisted shape of a message page. The pending queue
// lives under its own key.
type storedEntry struct {
	ContactID string          `json:"contact_id"`
	Messages  []model.Message `json:"messages"`
	LastSync  time.Time       `json:"last_sync"`
}

func (e storedEntry) entry() model.CacheEntry {
	return model.CacheEntry{ContactID: e.ContactID, Messages: e.Messages, LastSync: e.LastSync}
}

// Get returns the fresh cache entry for key. Corrupt and expired entries
// are evicted and reported as absent.
func (m *Manager) Get(ctx context.Context, key string) (*model.CacheEntry, bool) {
	entry, fresh, ok := m.lookup(ctx, key, true)
	if !ok || !fresh {
		return nil, false
	}
	return entry, true
}

// Lookup is Get without TTL eviction: an expired entry is returned with
// fresh=false so callers can fall back to it when the backend is down.
func (m *Manager) Lookup(ctx context.Context, key string) (entry *model.CacheEntry, fresh, ok bool) {
	return m.lookup(ctx, key, false)
}

// lookup reads key's page and pending queue. With evict set, an expired
// page is removed under the same lock hold that judged it expired, so a
// concurrent Set is never undone.
func (m *Manager) lookup(ctx context.Context, key string, evict bool) (*model.CacheEntry, bool, bool) {
	if m.store == nil || key == "" {
		return nil, false, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.loadEntry(ctx, key)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false, false
	}
	fresh := m.now().Sub(stored.LastSync) <= m.opts.TTL
	if !fresh && evict {
		m.remove(ctx, messagePrefix+key)
		metrics.CacheLookups.WithLabelValues("stale").Inc()
		metrics.CacheEvictions.WithLabelValues("ttl").Inc()
		m.logger.Debug("cache entry expired", zap.String("contact_id", key), zap.Time("last_sync", stored.LastSync))
		return nil, false, true
	}
	if fresh {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues("stale").Inc()
	}
	e := stored.entry()
	e.Pending = m.loadPending(ctx, key)
	return &e, fresh, true
}

// loadEntry reads and validates a message page. Callers hold m.mu.
func (m *Manager) loadEntry(ctx context.Context, key string) (storedEntry, bool) {
	var e storedEntry
	raw, ok, err := m.store.Get(ctx, messagePrefix+key)
	if err != nil {
		m.logger.Warn("cache read failed", zap.String("contact_id", key), zap.Error(err))
		return e, false
	}
	if !ok {
		return e, false
	}
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		m.evictCorrupt(ctx, messagePrefix+key, err)
		return storedEntry{}, false
	}
	if err := e.entry().Validate(); err != nil {
		m.evictCorrupt(ctx, messagePrefix+key, err)
		return storedEntry{}, false
	}
	if e.ContactID != key {
		m.evictCorrupt(ctx, messagePrefix+key, fmt.Errorf("%w: entry filed under %s holds %s", model.ErrInvalid, key, e.ContactID))
		return storedEntry{}, false
	}
	return e, true
}

func (m *Manager) evictCorrupt(ctx context.Context, storeKey string, cause error) {
	m.logger.Warn("evicting corrupt cache entry", zap.String("key", storeKey), zap.Error(cause))
	metrics.CacheLookups.WithLabelValues("corrupt").Inc()
	metrics.CacheEvictions.WithLabelValues("corrupt").Inc()
	m.remove(ctx, storeKey)
}

func (m *Manager) remove(ctx context.Context, storeKey string) {
	if err := m.store.Remove(ctx, storeKey); err != nil {
		m.logger.Warn("cache remove failed", zap.String("key", storeKey), zap.Error(err))
	}
}

// Set caches the most recent page of messages for key and stamps its last
// sync. When the namespace would exceed the ceiling, pages older than the
// eviction age are dropped first, oldest first. A write rejected for space
// clears the page and sync namespaces and is retried once; if that fails
// too the write is dropped and the manager reports Degraded.
func (m *Manager) Set(ctx context.Context, key string, messages []model.Message) {
	if m.store == nil || key == "" {
		return
	}
	page := make([]model.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.ContactID != key || msg.Validate() != nil {
			continue
		}
		page = append(page, msg)
	}
	sort.SliceStable(page, func(i, j int) bool { return page[i].CreatedAt.After(page[j].CreatedAt) })
	if len(page) > m.opts.PageSize {
		page = page[:m.opts.PageSize]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := storedEntry{ContactID: key, Messages: page, LastSync: m.now()}
	if prev, ok := m.loadEntry(ctx, key); ok && prev.LastSync.After(e.LastSync) {
		e.LastSync = prev.LastSync
	}
	raw, err := json.Marshal(e)
	if err != nil {
		m.logger.Error("encode cache entry", zap.String("contact_id", key), zap.Error(err))
		return
	}

	storeKey := messagePrefix + key
	incoming := int64(len(storeKey) + len(raw))
	if used := m.sizeExcluding(ctx, storeKey); used+incoming > m.opts.Ceiling {
		m.evictAged(ctx, used+incoming)
	}
	m.write(ctx, storeKey, string(raw))
}

// write stores value, running quota recovery on ErrStorageFull. Recovery
// clears the page and sync namespaces only; pending queues are kept so
// unsent messages survive cache pressure. Callers hold m.mu.
func (m *Manager) write(ctx context.Context, storeKey, value string) bool {
	err := m.store.Set(ctx, storeKey, value)
	if errors.Is(err, kv.ErrStorageFull) {
		m.logger.Warn("cache store full, clearing pages", zap.String("key", storeKey))
		m.clearPrefixes(ctx, messagePrefix, syncPrefix)
		err = m.store.Set(ctx, storeKey, value)
		if errors.Is(err, kv.ErrStorageFull) {
			m.degraded.Store(true)
			metrics.CacheWriteFailures.Inc()
			m.logger.Error("cache write dropped, storage degraded", zap.String("key", storeKey))
			return false
		}
	}
	if err != nil {
		m.logger.Warn("cache write failed", zap.String("key", storeKey), zap.Error(err))
		return false
	}
	m.degraded.Store(false)
	return true
}

// evictAged removes message pages older than EvictAfter, oldest first,
// until total is under the ceiling or nothing is left to evict.
func (m *Manager) evictAged(ctx context.Context, total int64) {
	keys, err := m.store.Keys(ctx, messagePrefix)
	if err != nil {
		m.logger.Warn("list cache keys", zap.Error(err))
		return
	}
	type candidate struct {
		key      string
		size     int64
		lastSync time.Time
	}
	cutoff := m.now().Add(-m.opts.EvictAfter)
	var aged []candidate
	for _, k := range keys {
		raw, ok, err := m.store.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var e storedEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			// Unreadable pages are as good as expired.
			aged = append(aged, candidate{key: k, size: int64(len(k) + len(raw))})
			continue
		}
		if e.LastSync.Before(cutoff) {
			aged = append(aged, candidate{key: k, size: int64(len(k) + len(raw)), lastSync: e.LastSync})
		}
	}
	sort.Slice(aged, func(i, j int) bool { return aged[i].lastSync.Before(aged[j].lastSync) })

	evicted := 0
	for _, c := range aged {
		if total <= m.opts.Ceiling {
			break
		}
		m.remove(ctx, c.key)
		total -= c.size
		evicted++
	}
	if evicted > 0 {
		metrics.CacheEvictions.WithLabelValues("age").Add(float64(evicted))
		m.logger.Info("evicted aged cache pages", zap.Int("count", evicted), zap.Int64("bytes_after", total))
	}
}

func (m *Manager) clearPrefixes(ctx context.Context, prefixes ...string) int {
	n := 0
	for _, p := range prefixes {
		keys, err := m.store.Keys(ctx, p)
		if err != nil {
			m.logger.Warn("list cache keys", zap.String("prefix", p), zap.Error(err))
			continue
		}
		for _, k := range keys {
			m.remove(ctx, k)
			n++
		}
	}
	metrics.CacheEvictions.WithLabelValues("clear").Add(float64(n))
	return n
}

// sizeExcluding estimates the namespace size in bytes, skipping one key.
func (m *Manager) sizeExcluding(ctx context.Context, skip string) int64 {
	keys, err := m.store.Keys(ctx, namespace)
	if err != nil {
		m.logger.Warn("list cache keys", zap.Error(err))
		return 0
	}
	var total int64
	for _, k := range keys {
		if k == skip {
			continue
		}
		raw, ok, err := m.store.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		total += int64(len(k) + len(raw))
	}
	return total
}

// Size returns the estimated byte size of the cache namespace.
func (m *Manager) Size(ctx context.Context) int64 {
	if m.store == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	size := m.sizeExcluding(ctx, "")
	metrics.CacheBytes.Set(float64(size))
	return size
}

// ClearAll removes every cache key, pending queues included.
func (m *Manager) ClearAll(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.clearPrefixes(ctx, namespace)
	m.degraded.Store(false)
	metrics.PendingQueued.Set(0)
	m.logger.Info("cache cleared", zap.Int("keys", n))
}

// CachedKeys lists the conversations with a cached page.
func (m *Manager) CachedKeys(ctx context.Context) []string {
	return m.keys(ctx, messagePrefix)
}

func (m *Manager) keys(ctx context.Context, prefix string) []string {
	if m.store == nil {
		return nil
	}
	keys, err := m.store.Keys(ctx, prefix)
	if err != nil {
		m.logger.Warn("list cache keys", zap.String("prefix", prefix), zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(out)
	return out
}

// Stats is a point-in-time summary of the cache.
type Stats struct {
	Entries     int   `json:"entries"`
	Pending     int   `json:"pending"`
	Failed      int   `json:"failed"`
	SyncRecords int   `json:"sync_records"`
	Bytes       int64 `json:"bytes"`
	Degraded    bool  `json:"degraded"`
	Available   bool  `json:"available"`
}

// Stats summarizes the cache for observability.
func (m *Manager) Stats(ctx context.Context) Stats {
	s := Stats{Available: m.Available(), Degraded: m.Degraded()}
	if m.store == nil {
		return s
	}
	s.Entries = len(m.keys(ctx, messagePrefix))
	s.SyncRecords = len(m.keys(ctx, syncPrefix))
	for _, key := range m.PendingKeys(ctx) {
		for _, p := range m.Pending(ctx, key) {
			if p.Status == model.PendingFailed {
				s.Failed++
			} else {
				s.Pending++
			}
		}
	}
	s.Bytes = m.Size(ctx)
	metrics.PendingQueued.Set(float64(s.Pending))
	return s
}
