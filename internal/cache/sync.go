package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/model"
)

// SyncPatch is a partial sync status update. Nil fields are left as they are.
type SyncPatch struct {
	LastSync     *time.Time
	PendingCount *int
	FailedCount  *int
	Online       *bool
}

// SyncStatus returns key's sync status record.
func (m *Manager) SyncStatus(ctx context.Context, key string) (model.SyncStatus, bool) {
	if m.store == nil {
		return model.SyncStatus{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadSync(ctx, key)
}

// UpdateSyncStatus merges patch into key's record and refreshes UpdatedAt.
// LastSync never moves backward.
func (m *Manager) UpdateSyncStatus(ctx context.Context, key string, patch SyncPatch) model.SyncStatus {
	if m.store == nil {
		return model.SyncStatus{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patchSync(ctx, key, patch)
}

func (m *Manager) loadSync(ctx context.Context, key string) (model.SyncStatus, bool) {
	var s model.SyncStatus
	raw, ok, err := m.store.Get(ctx, syncPrefix+key)
	if err != nil {
		m.logger.Warn("sync status read failed", zap.String("contact_id", key), zap.Error(err))
		return s, false
	}
	if !ok {
		return s, false
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		m.evictCorrupt(ctx, syncPrefix+key, err)
		return model.SyncStatus{}, false
	}
	if err := s.Validate(); err != nil {
		m.evictCorrupt(ctx, syncPrefix+key, err)
		return model.SyncStatus{}, false
	}
	return s, true
}

// patchSync is UpdateSyncStatus for callers holding m.mu.
func (m *Manager) patchSync(ctx context.Context, key string, patch SyncPatch) model.SyncStatus {
	s, _ := m.loadSync(ctx, key)
	if patch.LastSync != nil && patch.LastSync.After(s.LastSync) {
		s.LastSync = patch.LastSync.UTC()
	}
	if patch.PendingCount != nil {
		s.PendingCount = *patch.PendingCount
	}
	if patch.FailedCount != nil {
		s.FailedCount = *patch.FailedCount
	}
	if patch.Online != nil {
		s.Online = *patch.Online
	}
	s.UpdatedAt = m.now()

	raw, err := json.Marshal(s)
	if err != nil {
		m.logger.Error("encode sync status", zap.String("contact_id", key), zap.Error(err))
		return s
	}
	m.write(ctx, syncPrefix+key, string(raw))
	return s
}
