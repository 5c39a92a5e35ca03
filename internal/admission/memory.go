package admission

import (
	"context"
	"sync"
)

// MemoryCounter keeps counts in process. Suitable when a single replica
// admits work.
type MemoryCounter struct {
	mu     sync.Mutex
	active map[string]int
	seq    map[string]int64
	global int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{active: make(map[string]int), seq: make(map[string]int64)}
}

func (m *MemoryCounter) Acquire(_ context.Context, tenant string, ceiling, globalCeiling int) (DenyReason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ceiling > 0 && m.active[tenant] >= ceiling {
		return ReasonTenantCeiling, nil
	}
	if globalCeiling > 0 && m.global >= globalCeiling {
		return ReasonGlobalCeiling, nil
	}
	m.active[tenant]++
	m.global++
	m.seq[tenant]++
	return ReasonNone, nil
}

func (m *MemoryCounter) Release(_ context.Context, tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq[tenant]++
	if m.active[tenant] > 0 {
		m.active[tenant]--
		if m.global > 0 {
			m.global--
		}
	}
	if m.active[tenant] == 0 {
		delete(m.active, tenant)
	}
	return nil
}

func (m *MemoryCounter) Snapshot(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]int64, len(m.seq))
	for tenant, n := range m.seq {
		seen[tenant] = n
	}
	return seen, nil
}

func (m *MemoryCounter) Reset(_ context.Context, counts map[string]int, seen map[string]int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenants := make(map[string]struct{}, len(m.active)+len(counts))
	for tenant := range m.active {
		tenants[tenant] = struct{}{}
	}
	for tenant := range counts {
		tenants[tenant] = struct{}{}
	}

	var skipped []string
	for tenant := range tenants {
		if m.seq[tenant] != seen[tenant] {
			skipped = append(skipped, tenant)
			continue
		}
		if n := counts[tenant]; n > 0 {
			m.active[tenant] = n
		} else {
			delete(m.active, tenant)
		}
	}

	m.global = 0
	for _, n := range m.active {
		m.global += n
	}
	return skipped, nil
}

func (m *MemoryCounter) Active(_ context.Context, tenant string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[tenant], m.global, nil
}

var _ Counter = (*MemoryCounter)(nil)
