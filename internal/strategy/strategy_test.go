package strategy

import (
	"testing"
	"time"

	"leverage-worker/pkg/types"
)

func minuteCloses(closes ...int64) []types.Candle {
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.Local)
	out := make([]types.Candle, len(closes))
	for i, c := range closes {
		out[i] = types.Candle{
			Symbol: "005930", Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open: c, High: c, Low: c, Close: c, Volume: 1,
		}
	}
	return out
}

func declining(n int, start, step int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = start - int64(i)*step
	}
	return out
}

func TestRegistryBuiltins(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for _, name := range []string{"bollinger", "donchian", "scalping"} {
		s, err := r.New(name, nil)
		if err != nil {
			t.Fatalf("New(%s): %v", name, err)
		}
		if s.Name() != name {
			t.Errorf("Name() = %s, want %s", s.Name(), name)
		}
	}
	if _, err := r.New("ml_momentum", nil); err == nil {
		t.Error("unknown strategy did not error")
	}
}

func TestRegistryParamValidation(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if _, err := r.New("bollinger", map[string]any{"period": 1}); err == nil {
		t.Error("period 1 accepted")
	}
	if _, err := r.New("bollinger", map[string]any{"k": -1.0}); err == nil {
		t.Error("negative k accepted")
	}
	// YAML-decoded numbers arrive as int or float64; both must work.
	s, err := r.New("bollinger", map[string]any{"period": 10, "k": 1.5})
	if err != nil {
		t.Fatal(err)
	}
	if !s.CanGenerateSignal(Context{MinuteCandles: minuteCloses(declining(11, 10000, 1)...)}) {
		t.Error("period param not applied")
	}
}

func TestBollingerBuyOnLowerBandTouch(t *testing.T) {
	t.Parallel()
	s, err := NewBollinger(nil)
	if err != nil {
		t.Fatal(err)
	}
	// Steady decline gives RSI 0 and a wide band; price far below the
	// lower band.
	ctx := Context{
		Symbol:        "005930",
		CurrentPrice:  9000,
		MinuteCandles: minuteCloses(declining(25, 10240, 10)...),
	}
	if !s.CanGenerateSignal(ctx) {
		t.Fatal("precondition failed with 25 bars")
	}
	sig := s.GenerateSignal(ctx)
	if sig.Kind != types.SignalBuy {
		t.Fatalf("signal = %+v, want buy", sig)
	}
}

func TestBollingerHoldInsideBands(t *testing.T) {
	t.Parallel()
	s, _ := NewBollinger(nil)
	ctx := Context{
		Symbol:        "005930",
		CurrentPrice:  10120,
		MinuteCandles: minuteCloses(declining(25, 10240, 10)...),
	}
	if sig := s.GenerateSignal(ctx); sig.Kind != types.SignalHold {
		t.Errorf("signal = %+v, want hold", sig)
	}
}

func TestBollingerExitAtMiddleBand(t *testing.T) {
	t.Parallel()
	s, _ := NewBollinger(nil)
	ctx := Context{
		Symbol:        "005930",
		CurrentPrice:  10300, // above the window mean
		MinuteCandles: minuteCloses(declining(25, 10240, 10)...),
		Position:      &PositionView{Quantity: 7, AvgCost: 9800, Strategy: "bollinger"},
	}
	sig := s.GenerateSignal(ctx)
	if sig.Kind != types.SignalSell || sig.Quantity != 7 {
		t.Errorf("signal = %+v, want sell qty 7", sig)
	}
}

func TestBollingerDailyTradeCap(t *testing.T) {
	t.Parallel()
	s, err := NewBollinger(map[string]any{"max_trades_per_day": 2})
	if err != nil {
		t.Fatal(err)
	}
	ctx := Context{
		Symbol:          "005930",
		CurrentPrice:    9000,
		MinuteCandles:   minuteCloses(declining(25, 10240, 10)...),
		TodayTradeCount: 2,
	}
	if sig := s.GenerateSignal(ctx); sig.Kind != types.SignalHold {
		t.Errorf("signal = %+v, want hold at cap", sig)
	}
}

func dailyBars(n int, high, low int64) []types.Candle {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.Local)
	out := make([]types.Candle, n)
	for i := range out {
		out[i] = types.Candle{
			Symbol: "005930", Timestamp: base.AddDate(0, 0, i),
			Open: low, High: high, Low: low, Close: (high + low) / 2, Volume: 1,
		}
	}
	return out
}

func TestDonchianBreakout(t *testing.T) {
	t.Parallel()
	s, err := NewDonchian(nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := Context{
		Symbol:       "005930",
		CurrentPrice: 10600,
		DailyCandles: dailyBars(20, 10500, 9800),
	}
	if !s.CanGenerateSignal(ctx) {
		t.Fatal("precondition failed with 20 daily bars")
	}
	if sig := s.GenerateSignal(ctx); sig.Kind != types.SignalBuy {
		t.Errorf("signal = %+v, want buy above channel", sig)
	}

	ctx.CurrentPrice = 10400
	if sig := s.GenerateSignal(ctx); sig.Kind != types.SignalHold {
		t.Errorf("signal = %+v, want hold inside channel", sig)
	}
}

func TestDonchianChannelExit(t *testing.T) {
	t.Parallel()
	s, _ := NewDonchian(nil)
	ctx := Context{
		Symbol:       "005930",
		CurrentPrice: 9700,
		DailyCandles: dailyBars(20, 10500, 9800),
		Position:     &PositionView{Quantity: 5, AvgCost: 10550, Strategy: "donchian"},
	}
	sig := s.GenerateSignal(ctx)
	if sig.Kind != types.SignalSell || sig.Quantity != 5 {
		t.Errorf("signal = %+v, want sell qty 5", sig)
	}

	ctx.CurrentPrice = 9900
	if sig := s.GenerateSignal(ctx); sig.Kind != types.SignalHold {
		t.Errorf("signal = %+v, want hold above channel low", sig)
	}
}

func alternating(n int, mid, amp int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = mid - amp
		} else {
			out[i] = mid + amp
		}
	}
	return out
}

func TestScalpingEntryDip(t *testing.T) {
	t.Parallel()
	s, err := NewScalpingEntry(nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := Context{
		Symbol:        "233740",
		CurrentPrice:  9800, // z = (9800-10000)/50 = -4
		MinuteCandles: minuteCloses(alternating(30, 10000, 50)...),
	}
	sig := s.GenerateSignal(ctx)
	if sig.Kind != types.SignalBuy {
		t.Fatalf("signal = %+v, want buy on dip", sig)
	}
	if sig.Metadata.LimitPrice != 9800 || sig.Metadata.TimeoutSeconds != 3600 {
		t.Errorf("metadata = %+v", sig.Metadata)
	}
}

func TestScalpingHoldsWithoutVolatility(t *testing.T) {
	t.Parallel()
	s, _ := NewScalpingEntry(nil)
	ctx := Context{
		Symbol:        "233740",
		CurrentPrice:  9800,
		MinuteCandles: minuteCloses(alternating(30, 10000, 0)...),
	}
	if sig := s.GenerateSignal(ctx); sig.Kind != types.SignalHold {
		t.Errorf("signal = %+v, want hold on flat tape", sig)
	}
}

func TestScalpingHoldsWhenHeld(t *testing.T) {
	t.Parallel()
	s, _ := NewScalpingEntry(nil)
	ctx := Context{
		Symbol:        "233740",
		CurrentPrice:  9800,
		MinuteCandles: minuteCloses(alternating(30, 10000, 50)...),
		Position:      &PositionView{Quantity: 3},
	}
	if sig := s.GenerateSignal(ctx); sig.Kind != types.SignalHold {
		t.Errorf("signal = %+v, want hold when position exists", sig)
	}
}

func TestScalpingDailyCapInPrecondition(t *testing.T) {
	t.Parallel()
	s, _ := NewScalpingEntry(map[string]any{"max_trades_per_day": 3})
	ctx := Context{
		MinuteCandles:   minuteCloses(alternating(30, 10000, 50)...),
		TodayTradeCount: 3,
	}
	if s.CanGenerateSignal(ctx) {
		t.Error("precondition passed at daily cap")
	}
}
