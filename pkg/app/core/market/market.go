package market

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/uhyunpark/bazaar/pkg/app/core"
)

// KeySeparator joins ids in journal keys and event channel names, so market
// and commodity ids may not contain it.
const KeySeparator = ":"

// Status gates whether a market accepts new orders, bids and listings.
type Status int8

const (
	Open   Status = iota // Trading enabled
	Closed               // New submissions rejected, cancellations allowed
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Commodity is static reference data for one tradable good.
type Commodity struct {
	ID string

	// TickSize: minimum price increment in currency units.
	// All prices must be a positive multiple of it.
	TickSize int64

	// LotSize: minimum tradable quantity.
	// All quantities must be a positive multiple of it.
	LotSize int64
}

// Validate checks commodity parameter sanity
func (c Commodity) Validate() error {
	if c.ID == "" {
		return errors.New("commodity id cannot be empty")
	}
	if strings.Contains(c.ID, KeySeparator) {
		return errors.Errorf("commodity id %q must not contain %q", c.ID, KeySeparator)
	}
	if c.TickSize <= 0 {
		return errors.Errorf("commodity %s: tick size must be positive", c.ID)
	}
	if c.LotSize <= 0 {
		return errors.Errorf("commodity %s: lot size must be positive", c.ID)
	}
	return nil
}

// ValidatePrice checks tick alignment of a limit price.
func (c Commodity) ValidatePrice(price int64) error {
	if price <= 0 {
		return errors.Wrapf(core.ErrInvalidOrder, "price %d must be positive", price)
	}
	if price%c.TickSize != 0 {
		return errors.Wrapf(core.ErrInvalidOrder, "price %d not a multiple of tick size %d", price, c.TickSize)
	}
	return nil
}

// ValidateQuantity checks lot alignment of an order quantity.
func (c Commodity) ValidateQuantity(qty int64) error {
	if qty <= 0 {
		return errors.Wrapf(core.ErrInvalidOrder, "quantity %d must be positive", qty)
	}
	if qty%c.LotSize != 0 {
		return errors.Wrapf(core.ErrInvalidOrder, "quantity %d not a multiple of lot size %d", qty, c.LotSize)
	}
	return nil
}

// Market is a venue trading a fixed set of commodities. The commodity set is
// fixed at construction; only the status changes during a session.
type Market struct {
	ID          string
	Name        string
	Status      Status
	commodities map[string]Commodity
}

// NewMarket creates a market with validation
func NewMarket(id, name string, status Status, commodities ...Commodity) (*Market, error) {
	m := &Market{
		ID:          id,
		Name:        name,
		Status:      status,
		commodities: make(map[string]Commodity, len(commodities)),
	}
	for _, c := range commodities {
		if err := c.Validate(); err != nil {
			return nil, errors.Wrapf(err, "market %s", id)
		}
		if _, dup := m.commodities[c.ID]; dup {
			return nil, errors.Errorf("market %s: duplicate commodity %s", id, c.ID)
		}
		m.commodities[c.ID] = c
	}
	if err := m.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid market params")
	}
	return m, nil
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.ID == "" {
		return errors.New("market id cannot be empty")
	}
	if strings.Contains(m.ID, KeySeparator) {
		return errors.Errorf("market id %q must not contain %q", m.ID, KeySeparator)
	}
	if len(m.commodities) == 0 {
		return errors.Errorf("market %s must trade at least one commodity", m.ID)
	}
	return nil
}

// Commodity looks up a commodity traded in this market.
func (m *Market) Commodity(id string) (Commodity, bool) {
	c, ok := m.commodities[id]
	return c, ok
}

// Commodities returns the tradable set sorted by id.
func (m *Market) Commodities() []Commodity {
	out := make([]Commodity, 0, len(m.commodities))
	for _, c := range m.commodities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateOrder performs the order checks that precede any reservation.
// price is ignored for market orders.
func (m *Market) ValidateOrder(commodityID string, kind core.OrderKind, price, qty int64) (Commodity, error) {
	c, ok := m.commodities[commodityID]
	if !ok {
		return Commodity{}, errors.Wrapf(core.ErrInvalidOrder, "commodity %s not traded in market %s", commodityID, m.ID)
	}
	if err := c.ValidateQuantity(qty); err != nil {
		return c, err
	}
	switch kind {
	case core.Limit:
		if err := c.ValidatePrice(price); err != nil {
			return c, err
		}
	case core.Market:
		if price != 0 {
			return c, errors.Wrap(core.ErrInvalidOrder, "market orders carry no price")
		}
	default:
		return c, errors.Wrapf(core.ErrInvalidOrder, "unknown order kind %d", kind)
	}
	return c, nil
}
