// Package storage persists trades, closed lots and ledger balances in Pebble.
package storage

import (
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"

	"github.com/uhyunpark/bazaar/pkg/app/core"
	"github.com/uhyunpark/bazaar/pkg/app/core/auction"
	"github.com/uhyunpark/bazaar/pkg/app/core/ledger"
	"github.com/uhyunpark/bazaar/pkg/app/exchange"
)

type Store struct {
	db       *pebble.DB
	tradeSeq atomic.Uint64
}

// Open opens (or creates) a store in the directory at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", path)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store backed by an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, errors.Wrap(err, "open in-memory pebble")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

var (
	_ exchange.Journal = (*Store)(nil)
	_ ledger.Persister = (*Store)(nil)
)

// ============================================================================
// Trades
// ============================================================================

// SaveTrade appends a trade to the journal
func (s *Store) SaveTrade(t core.Trade) error {
	data, err := encode(t)
	if err != nil {
		return err
	}
	key := tradeKey(t.MarketID, t.CommodityID, t.Timestamp, s.tradeSeq.Add(1), t.ID)
	if err := s.db.Set(key, data, pebble.NoSync); err != nil {
		return errors.Wrapf(err, "save trade %s", t.ID)
	}
	return nil
}

// RecentTrades returns up to limit trades of one commodity, newest first.
func (s *Store) RecentTrades(marketID, commodityID string, limit int) ([]core.Trade, error) {
	prefix := tradePrefix(marketID, commodityID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open trade iterator")
	}
	defer iter.Close()

	var trades []core.Trade
	for iter.Last(); iter.Valid() && (limit <= 0 || len(trades) < limit); iter.Prev() {
		var t core.Trade
		if err := decode(iter.Value(), &t); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}

// ============================================================================
// Lots
// ============================================================================

// ArchiveLot stores a closed lot together with its bid history.
func (s *Store) ArchiveLot(l *auction.Lot, bids []*auction.Bid) error {
	data, err := encode(lotRecord{Lot: l, Bids: bids})
	if err != nil {
		return err
	}
	if err := s.db.Set(lotKey(l.ID), data, pebble.Sync); err != nil {
		return errors.Wrapf(err, "archive lot %s", l.ID)
	}
	return nil
}

// LoadLot returns an archived lot, or core.ErrNotFound.
func (s *Store) LoadLot(id string) (*auction.Lot, []*auction.Bid, error) {
	data, closer, err := s.db.Get(lotKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil, errors.Wrapf(core.ErrNotFound, "lot %s", id)
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "load lot %s", id)
	}
	defer closer.Close()

	var rec lotRecord
	if err := decode(data, &rec); err != nil {
		return nil, nil, err
	}
	if rec.Lot == nil {
		return nil, nil, errors.Errorf("lot %s: empty record", id)
	}
	return rec.Lot, rec.Bids, nil
}

// ============================================================================
// Balances
// ============================================================================

// SaveAccounts writes the balances of every account in one synced batch.
func (s *Store) SaveAccounts(accs ...*ledger.Account) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, acc := range accs {
		data, err := encode(balanceRecord{CharacterID: acc.CharacterID, Balances: acc.Balances})
		if err != nil {
			return err
		}
		if err := b.Set(balanceKey(acc.CharacterID), data, nil); err != nil {
			return errors.Wrapf(err, "stage balances of %s", acc.CharacterID)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "commit balances")
	}
	return nil
}

// LoadAccounts returns every stored account with nothing held.
func (s *Store) LoadAccounts() ([]*ledger.Account, error) {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open balance iterator")
	}
	defer iter.Close()

	var out []*ledger.Account
	for iter.First(); iter.Valid(); iter.Next() {
		var rec balanceRecord
		if err := decode(iter.Value(), &rec); err != nil {
			return nil, err
		}
		acc := ledger.NewAccount(rec.CharacterID)
		for k, v := range rec.Balances {
			acc.Balances[k] = v
		}
		out = append(out, acc)
	}
	return out, iter.Error()
}
