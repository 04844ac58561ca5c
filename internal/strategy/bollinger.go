package strategy

import (
	"fmt"

	"leverage-worker/pkg/types"
)

// BollingerStrategy is a mean-reversion strategy on minute candles: buy
// when price pierces the lower band with a weak RSI, exit at the middle
// band or when RSI overheats.
type BollingerStrategy struct {
	period  int
	k       float64
	rsiBuy  float64 // enter only when RSI is at or below this
	rsiExit float64 // exit when RSI is at or above this
	maxDay  int     // max entries per day, 0 = unlimited
}

func NewBollinger(params map[string]any) (Strategy, error) {
	s := &BollingerStrategy{
		period:  paramInt(params, "period", 20),
		k:       paramFloat(params, "k", 2.0),
		rsiBuy:  paramFloat(params, "rsi_buy", 35),
		rsiExit: paramFloat(params, "rsi_exit", 70),
		maxDay:  paramInt(params, "max_trades_per_day", 0),
	}
	if s.period < 2 {
		return nil, fmt.Errorf("bollinger: period %d too small", s.period)
	}
	if s.k <= 0 {
		return nil, fmt.Errorf("bollinger: k must be positive, got %f", s.k)
	}
	return s, nil
}

func (s *BollingerStrategy) Name() string { return "bollinger" }

func (s *BollingerStrategy) CanGenerateSignal(ctx Context) bool {
	return len(ctx.MinuteCandles) >= s.period+1
}

func (s *BollingerStrategy) GenerateSignal(ctx Context) types.TradingSignal {
	closes := make([]float64, len(ctx.MinuteCandles))
	for i, c := range ctx.MinuteCandles {
		closes[i] = float64(c.Close)
	}
	mid, _, lower := Bollinger(closes, s.period, s.k)
	rsi := RSI(closes, s.period)
	price := float64(ctx.CurrentPrice)

	holding := ctx.Position != nil && ctx.Position.Quantity > 0
	if holding {
		if price >= mid || rsi >= s.rsiExit {
			return types.TradingSignal{
				Kind:       types.SignalSell,
				Symbol:     ctx.Symbol,
				Quantity:   ctx.Position.Quantity,
				Reason:     fmt.Sprintf("mean reversion exit: price %.0f mid %.0f rsi %.1f", price, mid, rsi),
				Confidence: 0.6,
			}
		}
		return hold(ctx.Symbol, "holding, target not reached")
	}

	if s.maxDay > 0 && ctx.TodayTradeCount >= s.maxDay {
		return hold(ctx.Symbol, "daily trade cap reached")
	}
	if price <= lower && rsi <= s.rsiBuy {
		return types.TradingSignal{
			Kind:       types.SignalBuy,
			Symbol:     ctx.Symbol,
			Quantity:   1, // host resizes from buyable quantity x allocation
			Reason:     fmt.Sprintf("lower band touch: price %.0f lower %.0f rsi %.1f", price, lower, rsi),
			Confidence: 0.6,
		}
	}
	return hold(ctx.Symbol, "no band touch")
}

func (s *BollingerStrategy) OnEntry(ctx Context, sig types.TradingSignal) {}
func (s *BollingerStrategy) OnExit(ctx Context, sig types.TradingSignal)  {}
