package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Persister stores account balances durably. Holds are not persisted: books
// and lots live in memory, so a restart starts with every hold released.
type Persister interface {
	SaveAccounts(accs ...*Account) error
	LoadAccounts() ([]*Account, error)
}

// Memory is an in-memory Ledger guarded by a single mutex, with optional
// write-through persistence of balances.
//
// Every mutation is prepared on copies of the touched accounts, persisted,
// and only then swapped in, so a failed write leaves no partial state.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*Account // character id -> account
	holds    map[string]*Hold
	applied  map[string]struct{} // settlement ids already committed
	store    Persister
	restored int // accounts loaded by NewPersistent

	// fault injection for tests
	failCommits int
	failErr     error

	Logger *zap.SugaredLogger
}

// NewMemory creates an empty ledger without persistence
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*Account),
		holds:    make(map[string]*Hold),
		applied:  make(map[string]struct{}),
		Logger:   zap.NewNop().Sugar(),
	}
}

// NewPersistent creates a ledger backed by p and loads existing balances.
func NewPersistent(p Persister) (*Memory, error) {
	m := NewMemory()
	m.store = p

	accs, err := p.LoadAccounts()
	if err != nil {
		return nil, errors.Wrap(err, "load accounts")
	}
	for _, acc := range accs {
		acc.Held = make(map[string]int64)
		m.accounts[acc.CharacterID] = acc
	}
	m.restored = len(accs)
	return m, nil
}

// Restored is the number of accounts NewPersistent loaded. Zero means the
// ledger started empty.
func (m *Memory) Restored() int { return m.restored }

// getAccountLocked is an internal helper that gets or creates an account (assumes lock is held)
func (m *Memory) getAccountLocked(characterID string) *Account {
	acc, ok := m.accounts[characterID]
	if !ok {
		acc = NewAccount(characterID)
		m.accounts[characterID] = acc
	}
	return acc
}

func (m *Memory) persistLocked(accs map[string]*Account) error {
	if m.store == nil || len(accs) == 0 {
		return nil
	}
	list := make([]*Account, 0, len(accs))
	for _, a := range accs {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CharacterID < list[j].CharacterID })
	return m.store.SaveAccounts(list...)
}

// Deposit credits a character with amount of a resource (grants, world setup,
// crafting output delivered by other services).
func (m *Memory) Deposit(characterID string, r Resource, amount int64) error {
	if amount <= 0 {
		return errors.Wrapf(ErrInvalidAmount, "deposit %d", amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.getAccountLocked(characterID).Clone()
	next.Balances[r.String()] += amount
	if err := m.persistLocked(map[string]*Account{characterID: next}); err != nil {
		return errors.Wrap(err, "persist deposit")
	}
	m.accounts[characterID] = next
	return nil
}

// Hold reserves amount of r from characterID's available balance.
func (m *Memory) Hold(ctx context.Context, characterID string, r Resource, amount int64, reason string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", errors.Wrapf(ErrInvalidAmount, "hold %d of %s", amount, r)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.getAccountLocked(characterID)
	if avail := acc.Available(r); avail < amount {
		return "", errors.Wrapf(ErrInsufficientBalance, "%s has %d %s available, needs %d", characterID, avail, r, amount)
	}

	acc.Held[r.String()] += amount
	h := &Hold{
		ID:          uuid.NewString(),
		CharacterID: characterID,
		Resource:    r,
		Amount:      amount,
		Reason:      reason,
		State:       HoldActive,
	}
	m.holds[h.ID] = h
	return h.ID, nil
}

// Commit applies every transfer of s or none of them.
func (m *Memory) Commit(ctx context.Context, s Settlement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.ID == "" {
		return errors.New("settlement id required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, done := m.applied[s.ID]; done {
		return nil
	}
	if m.failCommits > 0 {
		m.failCommits--
		return errors.Wrapf(m.failErr, "commit %s", s.ID)
	}

	// validate against remaining hold amounts before touching anything
	draw := make(map[string]int64)
	for _, t := range s.Transfers {
		h, ok := m.holds[t.HoldID]
		if !ok {
			return errors.Wrapf(ErrUnknownHold, "hold %s", t.HoldID)
		}
		if h.State != HoldActive {
			return errors.Wrapf(ErrHoldClosed, "hold %s is %s", h.ID, h.State)
		}
		if t.Amount <= 0 || t.To == "" {
			return errors.Wrapf(ErrInvalidAmount, "transfer %d from %s to %q", t.Amount, h.ID, t.To)
		}
		draw[h.ID] += t.Amount
		if draw[h.ID] > h.Amount {
			return errors.Wrapf(ErrInvalidAmount, "hold %s has %d, settlement draws %d", h.ID, h.Amount, draw[h.ID])
		}
	}

	touched := make(map[string]*Account)
	get := func(id string) *Account {
		if a, ok := touched[id]; ok {
			return a
		}
		a := m.getAccountLocked(id).Clone()
		touched[id] = a
		return a
	}
	for _, t := range s.Transfers {
		h := m.holds[t.HoldID]
		k := h.Resource.String()
		from := get(h.CharacterID)
		from.Held[k] -= t.Amount
		from.Balances[k] -= t.Amount
		to := get(t.To)
		to.Balances[k] += t.Amount
	}

	if err := m.persistLocked(touched); err != nil {
		m.Logger.Errorw("ledger_persist_failed", "settlement", s.ID, "err", err)
		return errors.Wrapf(err, "persist settlement %s", s.ID)
	}

	for id, a := range touched {
		m.accounts[id] = a
	}
	for id, amt := range draw {
		h := m.holds[id]
		h.Amount -= amt
		if h.Amount == 0 {
			h.State = HoldSettled
		}
	}
	m.applied[s.ID] = struct{}{}
	return nil
}

// Release returns what is left of a hold to its owner.
func (m *Memory) Release(ctx context.Context, holdID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[holdID]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownHold, "hold %s", holdID)
	}
	if h.State != HoldActive {
		return 0, nil
	}

	released := h.Amount
	acc := m.getAccountLocked(h.CharacterID)
	acc.Held[h.Resource.String()] -= released
	h.Amount = 0
	h.State = HoldReleased
	return released, nil
}

// FailCommits makes the next n Commit calls fail with err without applying.
func (m *Memory) FailCommits(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = errors.New("injected commit failure")
	}
	m.failCommits = n
	m.failErr = err
}

// Balance returns everything characterID owns of r, held or not
func (m *Memory) Balance(characterID string, r Resource) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc, ok := m.accounts[characterID]; ok {
		return acc.Balances[r.String()]
	}
	return 0
}

// Available returns the unreserved part of characterID's balance of r
func (m *Memory) Available(characterID string, r Resource) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc, ok := m.accounts[characterID]; ok {
		return acc.Available(r)
	}
	return 0
}

// Held returns the reserved part of characterID's balance of r
func (m *Memory) Held(characterID string, r Resource) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc, ok := m.accounts[characterID]; ok {
		return acc.Held[r.String()]
	}
	return 0
}

// Total sums r across every account. Settlement never changes it.
func (m *Memory) Total(r Resource) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	k := r.String()
	for _, acc := range m.accounts {
		total += acc.Balances[k]
	}
	return total
}

// GetHold returns a copy of a hold
func (m *Memory) GetHold(id string) (Hold, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.holds[id]
	if !ok {
		return Hold{}, false
	}
	return *h, true
}

// ActiveHolds counts holds that still reserve something
func (m *Memory) ActiveHolds() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, h := range m.holds {
		if h.State == HoldActive {
			n++
		}
	}
	return n
}

// Account returns a snapshot copy of an account, or nil
func (m *Memory) Account(characterID string) *Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc, ok := m.accounts[characterID]; ok {
		return acc.Clone()
	}
	return nil
}

// Validate checks every account's invariants
func (m *Memory) Validate() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, acc := range m.accounts {
		if err := acc.Validate(); err != nil {
			return errors.Wrapf(err, "account %s", id)
		}
	}
	return nil
}

var _ Ledger = (*Memory)(nil)
