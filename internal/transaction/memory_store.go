package transaction

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*Transaction
	byOrder  map[string]string // order_id -> transaction id
	timeline map[string][]TimelineEntry
	nextSeq  int64
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Transaction),
		byOrder:  make(map[string]string),
		timeline: make(map[string][]TimelineEntry),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction, entry TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[tx.Payment.OrderID]; ok {
		return ErrDuplicateOrderID
	}

	m.byID[tx.ID] = copyTx(tx)
	m.byOrder[tx.Payment.OrderID] = tx.ID
	m.appendLocked(tx.ID, entry)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTx(tx), nil
}

func (m *MemoryStore) GetByOrderID(ctx context.Context, orderID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTx(m.byID[id]), nil
}

func (m *MemoryStore) AppendTransition(ctx context.Context, tx *Transaction, entry TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[tx.ID]; !ok {
		return ErrNotFound
	}
	m.byID[tx.ID] = copyTx(tx)
	m.appendLocked(tx.ID, entry)
	return nil
}

func (m *MemoryStore) Timeline(ctx context.Context, id string) ([]TimelineEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.byID[id]; !ok {
		return nil, ErrNotFound
	}
	entries := m.timeline[id]
	out := make([]TimelineEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.byID {
		if tx.Status == status {
			result = append(result, copyTx(tx))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListNeedsReview(ctx context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.byID {
		if tx.NeedsReview {
			result = append(result, copyTx(tx))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) appendLocked(id string, entry TimelineEntry) {
	m.nextSeq++
	entry.ID = m.nextSeq
	entry.TransactionID = id
	m.timeline[id] = append(m.timeline[id], entry)
}

// copyTx returns a deep copy so callers never share the stored pointer.
// The raw response slice is duplicated; everything else is value data.
func copyTx(tx *Transaction) *Transaction {
	cp := *tx
	if tx.Payment.LastRawResponse != nil {
		cp.Payment.LastRawResponse = append([]byte(nil), tx.Payment.LastRawResponse...)
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
