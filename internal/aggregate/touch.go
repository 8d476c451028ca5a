package aggregate

import (
	"sort"

	"estatefeed/server/internal/models"
)

// Cell is one (property, month) pair whose aggregates must be recomputed.
type Cell struct {
	PropertyID uint
	YearMonth  string
}

// TouchSet collects the cells affected by newly written deal rows, per trade type.
type TouchSet struct {
	sale  map[Cell]struct{}
	lease map[Cell]struct{}
}

func NewTouchSet() *TouchSet {
	return &TouchSet{
		sale:  make(map[Cell]struct{}),
		lease: make(map[Cell]struct{}),
	}
}

func (t *TouchSet) AddSale(d *models.SaleDeal) {
	t.sale[Cell{PropertyID: d.PropertyID, YearMonth: d.DealYearMonth}] = struct{}{}
}

func (t *TouchSet) AddLease(d *models.LeaseDeal) {
	t.lease[Cell{PropertyID: d.PropertyID, YearMonth: d.DealYearMonth}] = struct{}{}
}

// Cells returns the touched cells of a trade type grouped by property, months sorted.
func (t *TouchSet) Cells(trade models.TradeType) map[uint][]string {
	set := t.sale
	if trade == models.TradeLease {
		set = t.lease
	}

	out := make(map[uint][]string)
	for c := range set {
		out[c.PropertyID] = append(out[c.PropertyID], c.YearMonth)
	}
	for _, months := range out {
		sort.Strings(months)
	}
	return out
}

func (t *TouchSet) Len() int {
	return len(t.sale) + len(t.lease)
}
