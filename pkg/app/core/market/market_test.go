package market

import (
	"errors"
	"testing"

	"github.com/uhyunpark/bazaar/pkg/app/core"
)

func TestNewMarketValidation(t *testing.T) {
	tests := []struct {
		name        string
		id          string
		commodities []Commodity
		wantErr     bool
	}{
		{
			name:        "valid",
			id:          "night-city",
			commodities: []Commodity{{ID: "ore", TickSize: 1, LotSize: 1}},
		},
		{
			name:    "no commodities",
			id:      "night-city",
			wantErr: true,
		},
		{
			name:        "empty id",
			commodities: []Commodity{{ID: "ore", TickSize: 1, LotSize: 1}},
			wantErr:     true,
		},
		{
			name:        "zero tick size",
			id:          "night-city",
			commodities: []Commodity{{ID: "ore", TickSize: 0, LotSize: 1}},
			wantErr:     true,
		},
		{
			name:        "negative lot size",
			id:          "night-city",
			commodities: []Commodity{{ID: "ore", TickSize: 1, LotSize: -5}},
			wantErr:     true,
		},
		{
			name:        "separator in market id",
			id:          "night:city",
			commodities: []Commodity{{ID: "ore", TickSize: 1, LotSize: 1}},
			wantErr:     true,
		},
		{
			name:        "separator in commodity id",
			id:          "night-city",
			commodities: []Commodity{{ID: "ore:raw", TickSize: 1, LotSize: 1}},
			wantErr:     true,
		},
		{
			name: "duplicate commodity",
			id:   "night-city",
			commodities: []Commodity{
				{ID: "ore", TickSize: 1, LotSize: 1},
				{ID: "ore", TickSize: 5, LotSize: 1},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMarket(tt.id, "", Open, tt.commodities...)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewMarket() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateOrder(t *testing.T) {
	m, err := NewMarket("night-city", "Night City", Open,
		Commodity{ID: "chips", TickSize: 5, LotSize: 10},
	)
	if err != nil {
		t.Fatalf("failed to create market: %v", err)
	}

	tests := []struct {
		name      string
		commodity string
		kind      core.OrderKind
		price     int64
		qty       int64
		wantErr   bool
	}{
		{"aligned limit", "chips", core.Limit, 100, 20, false},
		{"aligned market", "chips", core.Market, 0, 10, false},
		{"price off tick", "chips", core.Limit, 101, 10, true},
		{"qty off lot", "chips", core.Limit, 100, 15, true},
		{"zero qty", "chips", core.Limit, 100, 0, true},
		{"zero price limit", "chips", core.Limit, 0, 10, true},
		{"market with price", "chips", core.Market, 100, 10, true},
		{"unknown commodity", "ore", core.Limit, 100, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ValidateOrder(tt.commodity, tt.kind, tt.price, tt.qty)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateOrder() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, core.ErrInvalidOrder) {
				t.Errorf("expected ErrInvalidOrder, got %v", err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	m, _ := NewMarket("night-city", "", Open, Commodity{ID: "ore", TickSize: 1, LotSize: 1})

	if err := r.Register(m); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(m); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := r.Register(nil); err == nil {
		t.Error("expected nil registration to fail")
	}

	open, err := r.IsOpen("night-city")
	if err != nil || !open {
		t.Fatalf("expected open market, got open=%v err=%v", open, err)
	}

	if err := r.SetStatus("night-city", Closed); err != nil {
		t.Fatalf("close: %v", err)
	}
	open, _ = r.IsOpen("night-city")
	if open {
		t.Error("expected market to be closed")
	}

	// snapshots are copies
	snap, _ := r.Get("night-city")
	snap.Status = Open
	if open, _ := r.IsOpen("night-city"); open {
		t.Error("mutating a snapshot must not reopen the market")
	}

	if _, err := r.Get("pacifica"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := r.SetStatus("pacifica", Open); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if r.Count() != 1 || !r.Exists("night-city") {
		t.Error("unexpected registry contents")
	}
}
