package cache

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/model"
)

// loadPending returns the valid entries of key's queue in insertion order.
// Invalid entries are dropped; an undecodable queue is evicted. Callers
// hold m.mu.
func (m *Manager) loadPending(ctx context.Context, key string) []model.PendingMessage {
	raw, ok, err := m.store.Get(ctx, pendingPrefix+key)
	if err != nil {
		m.logger.Warn("pending read failed", zap.String("contact_id", key), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	var queue []model.PendingMessage
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		m.evictCorrupt(ctx, pendingPrefix+key, err)
		return nil
	}
	valid := queue[:0]
	for _, p := range queue {
		if err := p.Validate(); err != nil || p.ContactID != key {
			m.logger.Warn("dropping invalid pending entry", zap.String("contact_id", key), zap.String("temp_id", p.TempID), zap.Error(err))
			continue
		}
		valid = append(valid, p)
	}
	return valid
}

// savePending writes key's queue, removing the key when it is empty, and
// refreshes the conversation's sync counts. Callers hold m.mu.
func (m *Manager) savePending(ctx context.Context, key string, queue []model.PendingMessage) {
	if len(queue) == 0 {
		m.remove(ctx, pendingPrefix+key)
	} else {
		raw, err := json.Marshal(queue)
		if err != nil {
			m.logger.Error("encode pending queue", zap.String("contact_id", key), zap.Error(err))
			return
		}
		m.write(ctx, pendingPrefix+key, string(raw))
	}

	pending, failed := 0, 0
	for _, p := range queue {
		if p.Status == model.PendingFailed {
			failed++
		} else {
			pending++
		}
	}
	m.patchSync(ctx, key, SyncPatch{PendingCount: &pending, FailedCount: &failed})
}

// AddPending queues a message for later persistence and returns it. When
// the queue is at capacity the oldest entries are dropped to admit it.
// Without a working store the message is returned but not kept.
func (m *Manager) AddPending(ctx context.Context, key, body string, channel model.Channel) model.PendingMessage {
	p := model.PendingMessage{
		TempID:    uuid.NewString(),
		ContactID: key,
		Channel:   channel,
		Body:      body,
		CreatedAt: m.now(),
		Status:    model.PendingQueued,
	}
	m.Enqueue(ctx, p)
	return p
}

// Enqueue appends an already-built pending message to its conversation's
// queue, replacing an entry with the same temp id.
func (m *Manager) Enqueue(ctx context.Context, p model.PendingMessage) {
	if m.store == nil || p.Validate() != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.loadPending(ctx, p.ContactID)
	out := make([]model.PendingMessage, 0, len(queue)+1)
	for _, q := range queue {
		if q.TempID != p.TempID {
			out = append(out, q)
		}
	}
	out = append(out, p)
	if over := len(out) - m.opts.QueueCap; over > 0 {
		for _, dropped := range out[:over] {
			m.logger.Warn("pending queue full, dropping oldest",
				zap.String("contact_id", p.ContactID), zap.String("temp_id", dropped.TempID))
		}
		out = out[over:]
	}
	m.savePending(ctx, p.ContactID, out)
}

// RemovePending drops tempID from key's queue. It reports whether the
// entry existed.
func (m *Manager) RemovePending(ctx context.Context, key, tempID string) bool {
	if m.store == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.loadPending(ctx, key)
	out := queue[:0]
	found := false
	for _, p := range queue {
		if p.TempID == tempID {
			found = true
			continue
		}
		out = append(out, p)
	}
	if found {
		m.savePending(ctx, key, out)
	}
	return found
}

// UpdatePendingStatus sets the status of a queued message. Moving an entry
// to failed counts as a failed attempt.
func (m *Manager) UpdatePendingStatus(ctx context.Context, key, tempID string, st model.PendingStatus) (model.PendingMessage, bool) {
	return m.mutatePending(ctx, key, tempID, func(p *model.PendingMessage) {
		if st == model.PendingFailed && p.Status != model.PendingFailed {
			p.RetryCount++
		}
		p.Status = st
	})
}

// RecordAttemptFailure counts one failed persistence attempt. The entry
// stays pending until MaxRetries attempts have failed, then becomes failed.
func (m *Manager) RecordAttemptFailure(ctx context.Context, key, tempID string, cause error) (model.PendingMessage, bool) {
	return m.mutatePending(ctx, key, tempID, func(p *model.PendingMessage) {
		p.RetryCount++
		if cause != nil {
			p.LastError = cause.Error()
		}
		if p.RetryCount >= m.opts.MaxRetries {
			p.Status = model.PendingFailed
		}
	})
}

func (m *Manager) mutatePending(ctx context.Context, key, tempID string, fn func(*model.PendingMessage)) (model.PendingMessage, bool) {
	if m.store == nil {
		return model.PendingMessage{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.loadPending(ctx, key)
	for i := range queue {
		if queue[i].TempID != tempID {
			continue
		}
		fn(&queue[i])
		m.savePending(ctx, key, queue)
		return queue[i], true
	}
	return model.PendingMessage{}, false
}

// Pending returns key's queue, oldest first.
func (m *Manager) Pending(ctx context.Context, key string) []model.PendingMessage {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadPending(ctx, key)
}

// PendingKeys lists the conversations with a non-empty queue.
func (m *Manager) PendingKeys(ctx context.Context) []string {
	return m.keys(ctx, pendingPrefix)
}
