package engine

import (
	"github.com/shopspring/decimal"

	"leverage-worker/internal/storage"
	"leverage-worker/pkg/types"
)

// Korean transaction tax applies to sells only; brokerage commission
// applies to both sides. Rates are fractions of notional (0.00015 = 1.5bp).
const defaultSellTaxRate = 0.0015

// estimateFees sums commission and transaction tax over the day's filled
// orders. Rates are fractional, so the arithmetic runs on decimals and
// rounds to whole won once at the end.
func estimateFees(recs []storage.OrderRecord, commissionRate, sellTaxRate float64) int64 {
	if sellTaxRate == 0 {
		sellTaxRate = defaultSellTaxRate
	}
	commission := decimal.NewFromFloat(commissionRate)
	tax := decimal.NewFromFloat(sellTaxRate)

	total := decimal.Zero
	for _, rec := range recs {
		if rec.FilledQty == 0 {
			continue
		}
		notional := decimal.NewFromInt(rec.FilledPrice).Mul(decimal.NewFromInt(rec.FilledQty))
		total = total.Add(notional.Mul(commission))
		if types.Side(rec.Side) == types.SELL {
			total = total.Add(notional.Mul(tax))
		}
	}
	return total.Round(0).IntPart()
}
