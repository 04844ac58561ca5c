package strategy

import (
	"fmt"

	"leverage-worker/pkg/types"
)

// DonchianStrategy is a breakout strategy on daily candles: buy when price
// clears the highest high of the entry window, exit when it falls below the
// lowest low of the (shorter) exit window.
type DonchianStrategy struct {
	entryPeriod int
	exitPeriod  int
}

func NewDonchian(params map[string]any) (Strategy, error) {
	s := &DonchianStrategy{
		entryPeriod: paramInt(params, "entry_period", 20),
		exitPeriod:  paramInt(params, "exit_period", 10),
	}
	if s.entryPeriod < 2 || s.exitPeriod < 2 {
		return nil, fmt.Errorf("donchian: periods too small (%d/%d)", s.entryPeriod, s.exitPeriod)
	}
	return s, nil
}

func (s *DonchianStrategy) Name() string { return "donchian" }

func (s *DonchianStrategy) CanGenerateSignal(ctx Context) bool {
	return len(ctx.DailyCandles) >= s.entryPeriod
}

func (s *DonchianStrategy) GenerateSignal(ctx Context) types.TradingSignal {
	price := ctx.CurrentPrice
	holding := ctx.Position != nil && ctx.Position.Quantity > 0

	if holding {
		low := lowestLow(ctx.DailyCandles, s.exitPeriod)
		if price < low {
			return types.TradingSignal{
				Kind:       types.SignalSell,
				Symbol:     ctx.Symbol,
				Quantity:   ctx.Position.Quantity,
				Reason:     fmt.Sprintf("channel exit: price %d below %d-day low %d", price, s.exitPeriod, low),
				Confidence: 0.7,
			}
		}
		return hold(ctx.Symbol, "holding, channel intact")
	}

	high := highestHigh(ctx.DailyCandles, s.entryPeriod)
	if price > high {
		return types.TradingSignal{
			Kind:       types.SignalBuy,
			Symbol:     ctx.Symbol,
			Quantity:   1,
			Reason:     fmt.Sprintf("channel breakout: price %d above %d-day high %d", price, s.entryPeriod, high),
			Confidence: 0.7,
		}
	}
	return hold(ctx.Symbol, "inside channel")
}

func (s *DonchianStrategy) OnEntry(ctx Context, sig types.TradingSignal) {}
func (s *DonchianStrategy) OnExit(ctx Context, sig types.TradingSignal)  {}

// highestHigh over the last n bars, excluding today's forming bar when the
// window allows it.
func highestHigh(candles []types.Candle, n int) int64 {
	var best int64
	for _, c := range lastN(candles, n) {
		if c.High > best {
			best = c.High
		}
	}
	return best
}

func lowestLow(candles []types.Candle, n int) int64 {
	window := lastN(candles, n)
	if len(window) == 0 {
		return 0
	}
	best := window[0].Low
	for _, c := range window[1:] {
		if c.Low < best {
			best = c.Low
		}
	}
	return best
}

func lastN(candles []types.Candle, n int) []types.Candle {
	if len(candles) <= n {
		return candles
	}
	return candles[len(candles)-n:]
}
