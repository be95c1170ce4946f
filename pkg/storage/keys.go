package storage

import (
	"fmt"
	"time"
)

// Key schema:
//
//	trade:{market}:{commodity}:{unix-nanos}:{seq}:{tradeID} → trade
//	lot:{lotID}                                       → archived lot with its bids
//	bal:{characterID}                                 → ledger balances
//
// Market and commodity ids never contain market.KeySeparator, so trade
// prefixes of different commodities cannot overlap.
const (
	prefixTrade   = "trade:"
	prefixLot     = "lot:"
	prefixBalance = "bal:"
)

// tradeKey returns the key for a trade
// Timestamp and seq are zero-padded (20 digits) for lexicographic sorting;
// seq orders trades written within the same nanosecond.
func tradeKey(marketID, commodityID string, ts time.Time, seq uint64, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d:%020d:%s", prefixTrade, marketID, commodityID, ts.UnixNano(), seq, tradeID))
}

// tradePrefix returns the prefix for all trades of one commodity in one market
// Format: "trade:{market}:{commodity}:"
func tradePrefix(marketID, commodityID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixTrade, marketID, commodityID))
}

func lotKey(lotID string) []byte {
	return []byte(prefixLot + lotID)
}

func balanceKey(characterID string) []byte {
	return []byte(prefixBalance + characterID)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
