package tenant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps tenants and plans in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	tenants map[int64]Tenant
	plans   map[string]Plan
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:  1,
		tenants: make(map[int64]Tenant),
		plans:   make(map[string]Plan),
	}
}

func (m *MemoryStore) CreateTenant(_ context.Context, name, plan string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[NormalizePlanName(plan)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, plan)
	}
	t := Tenant{
		ID:        m.nextID,
		Name:      name,
		Plan:      p,
		CreatedAt: time.Now().UTC(),
	}
	m.nextID++
	m.tenants[t.ID] = t
	return &t, nil
}

func (m *MemoryStore) Tenant(_ context.Context, id int64) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	// Pick up plan edits made after the tenant was created.
	if p, ok := m.plans[t.Plan.Name]; ok {
		t.Plan = p
	}
	return &t, nil
}

func (m *MemoryStore) ListTenants(ctx context.Context) ([]Tenant, error) {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Tenant, 0, len(ids))
	for _, id := range ids {
		t, err := m.Tenant(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (m *MemoryStore) SetPlan(_ context.Context, id int64, plan string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	p, ok := m.plans[NormalizePlanName(plan)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, plan)
	}
	t.Plan = p
	m.tenants[id] = t
	return nil
}

func (m *MemoryStore) UpdateUsedBytes(_ context.Context, id int64, used int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	t.UsedBytes = used
	m.tenants[id] = t
	return nil
}

func (m *MemoryStore) SavePlan(_ context.Context, p Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Name = NormalizePlanName(p.Name)
	m.plans[p.Name] = p
	return nil
}

func (m *MemoryStore) Plan(_ context.Context, name string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[NormalizePlanName(name)]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &p, nil
}

func (m *MemoryStore) ListPlans(_ context.Context) ([]Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
