package reports

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/approval-auditor/internal/pagination"
)

// MemoryStore is an in-memory report store for development mode.
// It keeps at most maxPerWallet reports per wallet.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*Report
	byWallet map[string][]string
	max      int
}

// DefaultMaxPerWallet bounds the in-memory history of a wallet.
const DefaultMaxPerWallet = 100

// NewMemoryStore creates a new in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Report),
		byWallet: make(map[string][]string),
		max:      DefaultMaxPerWallet,
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	cp.Wallet = normalizeWallet(r.Wallet)
	m.byID[cp.ID] = &cp

	ids := append(m.byWallet[cp.Wallet], cp.ID)
	if len(ids) > m.max {
		for _, old := range ids[:len(ids)-m.max] {
			delete(m.byID, old)
		}
		ids = append([]string(nil), ids[len(ids)-m.max:]...)
	}
	m.byWallet[cp.Wallet] = ids
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	cp := *r
	return &cp, nil
}

// ListByWallet returns the newest reports first.
func (m *MemoryStore) ListByWallet(_ context.Context, wallet string, limit int, after *pagination.Cursor) ([]*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byWallet[normalizeWallet(wallet)]
	result := make([]*Report, 0, len(ids))
	for _, id := range ids {
		r := m.byID[id]
		if !after.Follows(r.CompletedAt, r.ID) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CompletedAt.Equal(result[j].CompletedAt) {
			return result[i].CompletedAt.After(result[j].CompletedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
