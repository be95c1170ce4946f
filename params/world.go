package params

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/bazaar/pkg/app/core/market"
)

// World is the market setup loaded at startup.
//
//	markets:
//	  - id: night-city
//	    name: Night City Exchange
//	    status: open
//	    commodities:
//	      - id: ore
//	        tick_size: 5
//	        lot_size: 1
//	grants:
//	  - character: v
//	    resource: currency:eddies
//	    amount: 10000
type World struct {
	Markets []WorldMarket `yaml:"markets"`
	Grants  []Grant       `yaml:"grants"`
}

type WorldMarket struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Status      string           `yaml:"status"` // "open" (default) or "closed"
	Commodities []WorldCommodity `yaml:"commodities"`
}

type WorldCommodity struct {
	ID       string `yaml:"id"`
	TickSize int64  `yaml:"tick_size"`
	LotSize  int64  `yaml:"lot_size"`
}

// Grant seeds a balance on first start. Grants are skipped when the ledger
// was restored from storage.
type Grant struct {
	Character string `yaml:"character"`
	Resource  string `yaml:"resource"` // "currency:eddies", "commodity:ore", "item:katana-0451"
	Amount    int64  `yaml:"amount"`
}

// LoadWorld reads a world file.
func LoadWorld(path string) (*World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read world file %s", path)
	}
	return ParseWorld(data)
}

func ParseWorld(data []byte) (*World, error) {
	var w World
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, "parse world")
	}
	if len(w.Markets) == 0 {
		return nil, errors.New("world defines no markets")
	}
	return &w, nil
}

// Registry builds a market registry from the world.
func (w *World) Registry() (*market.Registry, error) {
	reg := market.NewRegistry()
	for _, wm := range w.Markets {
		status := market.Open
		switch wm.Status {
		case "", "open":
		case "closed":
			status = market.Closed
		default:
			return nil, errors.Errorf("market %s: unknown status %q", wm.ID, wm.Status)
		}

		commodities := make([]market.Commodity, len(wm.Commodities))
		for i, c := range wm.Commodities {
			commodities[i] = market.Commodity{ID: c.ID, TickSize: c.TickSize, LotSize: c.LotSize}
		}
		name := wm.Name
		if name == "" {
			name = wm.ID
		}
		m, err := market.NewMarket(wm.ID, name, status, commodities...)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
