package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/cache"
	"github.com/matheus3301/convo/internal/metrics"
	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/status"
)

// ErrOffline is returned by operations that need the backend while the host
// is offline.
var ErrOffline = errors.New("realtime: offline")

// SyncMessageHistory returns key's recent messages, newest first. A fresh
// cache entry is returned at once and reconciled in the background.
// Otherwise the page is fetched, written through to the cache and the sync
// status updated. If the fetch fails, a stale cache entry is served when
// one exists.
func (c *Client) SyncMessageHistory(ctx context.Context, key string) ([]model.Message, error) {
	entry, fresh, cached := c.cache.Lookup(ctx, key)
	if cached && fresh {
		if c.env.IsOnline() {
			c.goBackground(func(ctx context.Context) {
				if err := c.BackgroundSync(ctx, key); err != nil {
					c.logger.Debug("background sync failed", zap.String("contact_id", key), zap.Error(err))
				}
			})
		}
		return entry.Messages, nil
	}

	msgs, err := c.fetch(ctx, key)
	if err != nil {
		if cached {
			c.logger.Warn("history fetch failed, serving stale cache",
				zap.String("contact_id", key), zap.Time("last_sync", entry.LastSync), zap.Error(err))
			return entry.Messages, nil
		}
		return nil, err
	}
	return msgs, nil
}

// fetch loads the newest page from the backend and writes it through.
func (c *Client) fetch(ctx context.Context, key string) ([]model.Message, error) {
	msgs, err := c.backend.ListMessages(ctx, key, c.opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch history %s: %w", key, err)
	}
	now := c.now()
	for i := range msgs {
		msgs[i].Normalize(now)
	}
	c.cache.Set(ctx, key, msgs)
	online := c.env.IsOnline()
	c.cache.UpdateSyncStatus(ctx, key, cache.SyncPatch{LastSync: &now, Online: &online})
	return msgs, nil
}

// BackgroundSync refetches key's page and then drains its pending queue.
// It does nothing while offline.
func (c *Client) BackgroundSync(ctx context.Context, key string) error {
	if !c.env.IsOnline() {
		return ErrOffline
	}
	if _, err := c.fetch(ctx, key); err != nil {
		return err
	}
	_, err := c.DrainPending(ctx, key)
	return err
}

// DrainPending tries to persist each of key's queued messages that is
// still pending and under the retry ceiling. Persisted messages leave the
// queue and are reported as sent; a failed attempt is recorded and, once
// the ceiling is reached, reported as failed. Failed entries are never
// removed here. It returns the number of messages persisted.
func (c *Client) DrainPending(ctx context.Context, key string) (int, error) {
	c.mu.Lock()
	if c.draining[key] {
		c.mu.Unlock()
		return 0, nil
	}
	c.draining[key] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.draining, key)
		c.mu.Unlock()
	}()

	sent := 0
	var lastErr error
	for _, p := range c.cache.Pending(ctx, key) {
		if p.Status != model.PendingQueued || p.RetryCount >= c.opts.MaxRetries {
			continue
		}
		if !c.env.IsOnline() {
			return sent, ErrOffline
		}
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}

		m := p.Message()
		m.Queued = false
		stored, err := c.backend.InsertMessage(ctx, m)
		if err != nil {
			lastErr = err
			np, ok := c.cache.RecordAttemptFailure(ctx, key, p.TempID, err)
			if ok && np.Status == model.PendingFailed {
				metrics.DrainAttempts.WithLabelValues("failed").Inc()
				c.logger.Warn("pending message failed permanently",
					zap.String("contact_id", key), zap.String("temp_id", p.TempID), zap.Int("retries", np.RetryCount), zap.Error(err))
				c.emit(DeliveryStatusEvent{ContactID: key, TempID: p.TempID, Status: status.Failed, Error: err.Error()})
			} else {
				metrics.DrainAttempts.WithLabelValues("retry").Inc()
				c.logger.Info("pending message attempt failed",
					zap.String("contact_id", key), zap.String("temp_id", p.TempID), zap.Int("retries", np.RetryCount), zap.Error(err))
			}
			continue
		}

		c.cache.RemovePending(ctx, key, p.TempID)
		metrics.DrainAttempts.WithLabelValues("sent").Inc()
		sent++
		c.logger.Info("pending message sent", zap.String("contact_id", key), zap.String("temp_id", p.TempID), zap.String("id", stored.ID))
		if stored.TempID == "" {
			stored.TempID = p.TempID
		}
		c.emit(DeliveryStatusEvent{
			ContactID:   key,
			ID:          stored.ID,
			TempID:      p.TempID,
			Status:      stored.Status,
			DeliveredAt: stored.DeliveredAt,
			ReadAt:      stored.ReadAt,
			Message:     &stored,
		})
	}
	if sent == 0 && lastErr != nil {
		return 0, fmt.Errorf("drain %s: %w", key, lastErr)
	}
	return sent, nil
}

// onConnectivity reacts to the host going online or offline. Going online
// resyncs every conversation with a cached page or a pending queue; going
// offline only reports it.
func (c *Client) onConnectivity(online bool) {
	ctx := c.ctx
	keys := c.cache.CachedKeys(ctx)
	for _, k := range c.cache.PendingKeys(ctx) {
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}

	if !online {
		c.logger.Info("offline", zap.Int("conversations", len(keys)))
		off := false
		for _, k := range keys {
			c.cache.UpdateSyncStatus(ctx, k, cache.SyncPatch{Online: &off})
		}
		c.emit(ConnectionEvent{State: Offline})
		return
	}

	c.logger.Info("online, resyncing", zap.Int("conversations", len(keys)))
	c.emit(ConnectionEvent{State: Online})
	for _, k := range keys {
		c.goBackground(func(ctx context.Context) {
			if err := c.BackgroundSync(ctx, k); err != nil {
				c.logger.Warn("background sync failed", zap.String("contact_id", k), zap.Error(err))
			}
		})
	}
}

// FetchMessageHistory loads key's newest page from the backend, bypassing
// the cache, and writes it through.
func (c *Client) FetchMessageHistory(ctx context.Context, key string) ([]model.Message, error) {
	return c.fetch(ctx, key)
}
