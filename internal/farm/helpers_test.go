package farm

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testCatalog has a panel producing 1/s at level 0 and costing 100 at level 0.
func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := NewCatalog([]ProducerType{
		{ID: "panel", Name: "Panel", BaseRate: 1, RateGrowth: 2, BaseCost: 100, CostGrowth: 2},
		{ID: "tracker", Name: "Tracker", BaseRate: 10, RateGrowth: 1.5, BaseCost: 1000, CostGrowth: 3},
	})
	if err != nil {
		t.Fatalf("NewCatalog error: %v", err)
	}
	return cat
}
