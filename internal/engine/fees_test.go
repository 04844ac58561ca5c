package engine

import (
	"testing"

	"leverage-worker/internal/storage"
	"leverage-worker/pkg/types"
)

func TestEstimateFees(t *testing.T) {
	t.Parallel()
	recs := []storage.OrderRecord{
		// Buy 10 @ 70,000 = 700,000 notional, commission only.
		{Side: string(types.BUY), FilledQty: 10, FilledPrice: 70000},
		// Sell 10 @ 71,000 = 710,000 notional, commission + tax.
		{Side: string(types.SELL), FilledQty: 10, FilledPrice: 71000},
		// Unfilled orders cost nothing.
		{Side: string(types.BUY), FilledQty: 0, FilledPrice: 70000, OrderedQty: 5},
	}

	// 700000*0.00015 + 710000*0.00015 + 710000*0.0015 = 105 + 106.5 + 1065
	got := estimateFees(recs, 0.00015, 0.0015)
	if got != 1277 {
		t.Errorf("estimateFees = %d, want 1277", got)
	}
}

func TestEstimateFeesDefaultsSellTax(t *testing.T) {
	t.Parallel()
	recs := []storage.OrderRecord{
		{Side: string(types.SELL), FilledQty: 1, FilledPrice: 1_000_000},
	}
	// Zero configured tax rate falls back to the 0.15% statutory rate.
	if got := estimateFees(recs, 0, 0); got != 1500 {
		t.Errorf("estimateFees = %d, want 1500", got)
	}
}
