package strategy

import (
	"fmt"
	"math"

	"leverage-worker/pkg/types"
)

// ScalpingEntry generates the activation signal for the tick-driven
// scalping executor. It looks for a short-term dip (negative z-score of the
// current price against the recent minute closes) with enough realized
// volatility to make the micro cycle worth running. The executor owns
// everything after activation; this strategy only decides when to arm it.
type ScalpingEntry struct {
	window         int     // minute candles in the z-score window
	zEntry         float64 // arm when z <= -zEntry
	minVolPct      float64 // minimum stddev as percent of mean
	timeoutMinutes int
	maxDay         int
}

func NewScalpingEntry(params map[string]any) (Strategy, error) {
	s := &ScalpingEntry{
		window:         paramInt(params, "window", 30),
		zEntry:         paramFloat(params, "z_entry", 1.5),
		minVolPct:      paramFloat(params, "min_volatility_pct", 0.05),
		timeoutMinutes: paramInt(params, "timeout_minutes", 60),
		maxDay:         paramInt(params, "max_trades_per_day", 10),
	}
	if s.window < 5 {
		return nil, fmt.Errorf("scalping: window %d too small", s.window)
	}
	if s.zEntry <= 0 {
		return nil, fmt.Errorf("scalping: z_entry must be positive, got %f", s.zEntry)
	}
	return s, nil
}

func (s *ScalpingEntry) Name() string { return "scalping" }

func (s *ScalpingEntry) CanGenerateSignal(ctx Context) bool {
	if len(ctx.MinuteCandles) < s.window {
		return false
	}
	return s.maxDay <= 0 || ctx.TodayTradeCount < s.maxDay
}

func (s *ScalpingEntry) GenerateSignal(ctx Context) types.TradingSignal {
	// The executor tracks its own inventory; a scheduler-visible position
	// means another strategy owns this symbol.
	if ctx.Position != nil && ctx.Position.Quantity > 0 {
		return hold(ctx.Symbol, "symbol already held")
	}

	closes := make([]float64, len(ctx.MinuteCandles))
	for i, c := range ctx.MinuteCandles {
		closes[i] = float64(c.Close)
	}
	price := float64(ctx.CurrentPrice)
	z := ZScore(price, closes, s.window)
	if math.IsNaN(z) {
		return hold(ctx.Symbol, "insufficient history")
	}

	mean := SMA(closes, s.window)
	sd := StdDev(closes, s.window)
	volPct := sd / mean * 100
	if volPct < s.minVolPct {
		return hold(ctx.Symbol, fmt.Sprintf("volatility %.3f%% below floor", volPct))
	}
	if z > -s.zEntry {
		return hold(ctx.Symbol, fmt.Sprintf("z %.2f above entry", z))
	}

	return types.TradingSignal{
		Kind:       types.SignalBuy,
		Symbol:     ctx.Symbol,
		Quantity:   1, // host resizes from buyable quantity x allocation
		Reason:     fmt.Sprintf("dip entry: z %.2f vol %.3f%%", z, volPct),
		Confidence: math.Min(1, -z/(2*s.zEntry)+0.5),
		Metadata: types.SignalMetadata{
			LimitPrice:     ctx.CurrentPrice,
			TimeoutSeconds: s.timeoutMinutes * 60,
		},
	}
}

func (s *ScalpingEntry) OnEntry(ctx Context, sig types.TradingSignal) {}
func (s *ScalpingEntry) OnExit(ctx Context, sig types.TradingSignal)  {}
