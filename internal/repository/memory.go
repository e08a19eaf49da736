package repository

import (
	"context"
	"sort"
	"sync"

	"printfarm/internal/domain"
)

// MemoryStore is an in-memory OrderStore and FarmerDirectory. The dispatch
// service tests run against it; it mirrors the Postgres store's contracts.
type MemoryStore struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	attempts map[string][]domain.OfferAttempt
	log      []domain.StateChange
	farmers  map[string]domain.Farmer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]domain.Order),
		attempts: make(map[string][]domain.OfferAttempt),
		farmers:  make(map[string]domain.Farmer),
	}
}

func (m *MemoryStore) Get(_ context.Context, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := o
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = *order
	return nil
}

func (m *MemoryStore) FindPendingUnassigned(_ context.Context) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.State == domain.StatePending || o.State == domain.StateDispatching {
			cp := o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AppendAttempt(_ context.Context, attempt *domain.OfferAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[attempt.OrderID] = append(m.attempts[attempt.OrderID], *attempt)
	return nil
}

func (m *MemoryStore) FinalizeAttempt(_ context.Context, attempt *domain.OfferAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.attempts[attempt.OrderID] {
		if a.Seq == attempt.Seq {
			// Mirrors the Postgres guard: a closed attempt stays closed.
			if a.Outcome != domain.AttemptPending {
				return domain.ErrOfferExpired
			}
			m.attempts[attempt.OrderID][i] = *attempt
			return nil
		}
	}
	return domain.ErrOfferExpired
}

func (m *MemoryStore) AttemptsForOrder(_ context.Context, orderID string) ([]domain.OfferAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OfferAttempt, len(m.attempts[orderID]))
	copy(out, m.attempts[orderID])
	return out, nil
}

func (m *MemoryStore) AppendStatusLog(_ context.Context, change domain.StateChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, change)
	return nil
}

// StatusLog returns a copy of the recorded transitions, oldest first.
func (m *MemoryStore) StatusLog() []domain.StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.StateChange, len(m.log))
	copy(out, m.log)
	return out
}

func (m *MemoryStore) PutFarmer(f domain.Farmer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.farmers[f.ID] = f
}

func (m *MemoryStore) ListFarmers(_ context.Context) ([]domain.Farmer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Farmer, 0, len(m.farmers))
	for _, f := range m.farmers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetFarmer(_ context.Context, farmerID string) (domain.Farmer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.farmers[farmerID]
	if !ok {
		return domain.Farmer{}, domain.ErrFarmerNotFound
	}
	return f, nil
}
