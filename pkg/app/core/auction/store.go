package auction

import (
	"sort"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/uhyunpark/bazaar/pkg/app/core"
)

// Store keeps the lots and bids of one market. Open lots are indexed by
// expiry so the sweeper only visits what is due. Like the order book it is
// owned by a single engine and not safe for concurrent mutation.
type Store struct {
	lots    map[string]*Lot
	bids    map[string]*Bid
	byLot   map[string][]*Bid // lot id -> bids in placement order
	expiry  *btree.BTreeG[*Lot]
	pending map[string]*Lot
}

func expiryLess(a, b *Lot) bool {
	if !a.Expiry.Equal(b.Expiry) {
		return a.Expiry.Before(b.Expiry)
	}
	return a.ID < b.ID
}

func NewStore() *Store {
	return &Store{
		lots:    make(map[string]*Lot),
		bids:    make(map[string]*Bid),
		byLot:   make(map[string][]*Bid),
		expiry:  btree.NewG(16, expiryLess),
		pending: make(map[string]*Lot),
	}
}

// Add schedules a new active lot.
func (s *Store) Add(l *Lot) error {
	if _, exists := s.lots[l.ID]; exists {
		return errors.Errorf("lot %s already exists", l.ID)
	}
	s.lots[l.ID] = l
	if l.Status == LotActive {
		s.expiry.ReplaceOrInsert(l)
	}
	return nil
}

func (s *Store) Get(id string) (*Lot, error) {
	l, ok := s.lots[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrNotFound, "lot %s", id)
	}
	return l, nil
}

func (s *Store) AddBid(b *Bid) {
	s.bids[b.ID] = b
	s.byLot[b.LotID] = append(s.byLot[b.LotID], b)
}

func (s *Store) Bid(id string) (*Bid, bool) {
	b, ok := s.bids[id]
	return b, ok
}

// Bids returns the bid history of a lot, oldest first.
func (s *Store) Bids(lotID string) []*Bid {
	return s.byLot[lotID]
}

// Leading returns the leading bid of a lot, if any.
func (s *Store) Leading(l *Lot) (*Bid, bool) {
	if l.LeadingBidID == "" {
		return nil, false
	}
	return s.Bid(l.LeadingBidID)
}

// SetStatus moves a lot between the expiry index and the pending set as its
// status changes.
func (s *Store) SetStatus(l *Lot, status LotStatus) {
	if l.Status == LotActive {
		s.expiry.Delete(l)
	}
	delete(s.pending, l.ID)

	l.Status = status
	switch status {
	case LotActive:
		s.expiry.ReplaceOrInsert(l)
	case LotPending:
		s.pending[l.ID] = l
	}
}

// Due returns active lots whose expiry is at or before now, earliest first.
func (s *Store) Due(now time.Time) []*Lot {
	var due []*Lot
	s.expiry.Ascend(func(l *Lot) bool {
		if l.Expiry.After(now) {
			return false
		}
		due = append(due, l)
		return true
	})
	return due
}

// Pending returns lots waiting for a settlement retry, by id.
func (s *Store) Pending() []*Lot {
	out := make([]*Lot, 0, len(s.pending))
	for _, l := range s.pending {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns open lots, soonest expiry first.
func (s *Store) Active() []*Lot {
	out := make([]*Lot, 0, s.expiry.Len())
	s.expiry.Ascend(func(l *Lot) bool {
		out = append(out, l)
		return true
	})
	return out
}

// Lots returns every lot still held in the store: active, pending or
// terminal but not yet removed.
func (s *Store) Lots() []*Lot {
	out := make([]*Lot, 0, len(s.lots))
	for _, l := range s.lots {
		out = append(out, l)
	}
	return out
}

func (s *Store) ActiveCount() int { return s.expiry.Len() }

// Remove drops a terminal lot and its bids from memory, returning them for
// archiving.
func (s *Store) Remove(id string) (*Lot, []*Bid, error) {
	l, ok := s.lots[id]
	if !ok {
		return nil, nil, errors.Wrapf(core.ErrNotFound, "lot %s", id)
	}
	if !l.Status.Terminal() {
		return nil, nil, errors.Errorf("lot %s is %s", id, l.Status)
	}
	bids := s.byLot[id]
	for _, b := range bids {
		delete(s.bids, b.ID)
	}
	delete(s.byLot, id)
	delete(s.lots, id)
	return l, bids, nil
}

// Validate checks that every lot has at most one leading bid and that it is
// the one the lot points at.
func (s *Store) Validate() error {
	for id, l := range s.lots {
		leading := 0
		for _, b := range s.byLot[id] {
			if b.Status != BidLeading {
				continue
			}
			leading++
			if b.ID != l.LeadingBidID {
				return errors.Errorf("lot %s: bid %s leading but lot points at %q", id, b.ID, l.LeadingBidID)
			}
		}
		if leading > 1 {
			return errors.Errorf("lot %s has %d leading bids", id, leading)
		}
	}
	return nil
}
