package audit

import (
	"context"
	"sync"
)

// MemorySink keeps the chain in process.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Tail(context.Context) (Tail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return Tail{Hash: GenesisHash}, nil
	}
	last := m.entries[len(m.entries)-1]
	return Tail{Seq: last.Seq, Hash: last.Hash}, nil
}

func (m *MemorySink) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var last int64
	if n := len(m.entries); n > 0 {
		last = m.entries[n-1].Seq
	}
	if e.Seq != last+1 {
		return ErrChainConflict
	}
	m.entries = append(m.entries, cloneEntry(e))
	return nil
}

func (m *MemorySink) Range(_ context.Context, afterSeq int64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, cloneEntry(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Tamper replaces the stored entry with the given seq. Test helper for
// exercising verification.
func (m *MemorySink) Tamper(seq int64, mutate func(*Entry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].Seq == seq {
			mutate(&m.entries[i])
			return true
		}
	}
	return false
}

func cloneEntry(e Entry) Entry {
	if e.Context != nil {
		ctx := make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			ctx[k] = v
		}
		e.Context = ctx
	}
	if e.BreakGlassExpires != nil {
		t := *e.BreakGlassExpires
		e.BreakGlassExpires = &t
	}
	return e
}
