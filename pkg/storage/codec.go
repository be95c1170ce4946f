package storage

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/uhyunpark/bazaar/pkg/app/core/auction"
)

// lotRecord is the archived form of a closed lot.
type lotRecord struct {
	Lot  *auction.Lot   `json:"lot"`
	Bids []*auction.Bid `json:"bids"`
}

// balanceRecord stores balances only. Holds live in memory and are rebuilt
// empty on restart.
type balanceRecord struct {
	CharacterID string           `json:"character_id"`
	Balances    map[string]int64 `json:"balances"`
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %T", v)
	}
	return data, nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decode %T", v)
	}
	return nil
}
