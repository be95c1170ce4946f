package market

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/uhyunpark/bazaar/pkg/app/core"
)

// Registry manages multiple markets in a thread-safe manner
// Supports registration, lookup, and open/close status updates
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market // id -> market
}

// NewRegistry creates an empty market registry
func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[string]*Market),
	}
}

// Register adds a new market to the registry
// Returns error if market with same id already exists
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return errors.New("cannot register nil market")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.ID]; exists {
		return errors.Errorf("market %s already registered", m.ID)
	}

	r.markets[m.ID] = m
	return nil
}

// Get retrieves a snapshot of a market by id.
// The returned value is a copy; status changes go through SetStatus.
func (r *Registry) Get(id string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[id]
	if !exists {
		return nil, errors.Wrapf(core.ErrNotFound, "market %s", id)
	}

	cp := *m
	return &cp, nil
}

// List returns snapshots of all registered markets sorted by id
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	markets := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		cp := *m
		markets = append(markets, &cp)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })

	return markets
}

// IsOpen reports whether the market exists and accepts new submissions.
func (r *Registry) IsOpen(id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[id]
	if !exists {
		return false, errors.Wrapf(core.ErrNotFound, "market %s", id)
	}
	return m.Status == Open, nil
}

// SetStatus changes the trading status of a market
func (r *Registry) SetStatus(id string, status Status) error {
	if status != Open && status != Closed {
		return errors.Errorf("invalid market status %d", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[id]
	if !exists {
		return errors.Wrapf(core.ErrNotFound, "market %s", id)
	}

	m.Status = status
	return nil
}

// Count returns the total number of registered markets
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}

// Exists checks if a market is registered
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.markets[id]
	return exists
}
