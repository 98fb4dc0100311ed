package consent

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process WriteStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) ListConsents(ctx context.Context, clientID string, scope ScopeType, scopeID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, id := range m.order {
		r := m.records[id]
		if r.ClientID == clientID && r.ScopeType == scope && r.ScopeID == scopeID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertConsent(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		r := m.records[id]
		if r.ClientID == rec.ClientID && r.ScopeType == rec.ScopeType && r.ScopeID == rec.ScopeID && !r.Revoked() {
			return ErrConflict
		}
	}
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return nil
}

func (m *MemoryStore) GetConsent(ctx context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) RevokeConsent(ctx context.Context, id, revokedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.Revoked() {
		return ErrAlreadyRevoked
	}
	r.RevokedAt = &at
	r.RevokedBy = revokedBy
	m.records[id] = r
	return nil
}

// Put stores rec as-is, bypassing validation. Used to seed fixtures.
func (m *MemoryStore) Put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		m.order = append(m.order, rec.ID)
	}
	m.records[rec.ID] = rec
}
