package scalper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"leverage-worker/internal/broker"
	"leverage-worker/pkg/types"
)

type placed struct {
	Side  types.Side
	Qty   int64
	Price int64 // 0 = market
}

type fakeBroker struct {
	mu        sync.Mutex
	buyable   int64
	status    types.FillStatus
	placed    []placed
	cancelled []string
	nextID    int
}

func (f *fakeBroker) PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, qty, price int64) (*types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.placed = append(f.placed, placed{Side: side, Qty: qty, Price: price})
	return &types.OrderResult{Accepted: true, OrderID: fmt.Sprintf("S%d", f.nextID), BranchCode: "06010"}, nil
}

func (f *fakeBroker) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty int64) (*types.OrderResult, error) {
	return f.PlaceLimitOrder(ctx, symbol, side, qty, 0)
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID, branch string, qty int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeBroker) GetOrderStatus(ctx context.Context, orderID string, hint *broker.OrderStatusHint) (types.FillStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeBroker) GetBuyableQuantity(ctx context.Context, symbol string, currentPrice int64) (int64, int64, error) {
	return f.buyable, f.buyable * currentPrice, nil
}

func (f *fakeBroker) lastPlaced(t *testing.T) placed {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.placed) == 0 {
		t.Fatal("nothing placed")
	}
	return f.placed[len(f.placed)-1]
}

type clockStub struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *clockStub) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *clockStub) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

func scalpCfg() Config {
	return Config{
		TPPct:           0.3,
		SLPct:           1.0,
		SellProfitPct:   0.1,
		TimeoutMinutes:  60,
		CooldownSeconds: 1,
		MaxCycles:       2,
		MinTicks:        12,
		WindowSeconds:   10,
		Percentile:      10,
		UptickThreshold: 0.4,
		BuyTimeoutSec:   30,
		PollIntervalSec: 3,
		Allocation:      100,
	}
}

func newTestExecutor(t *testing.T, b *fakeBroker, wsUp bool, onCycle CycleFunc) (*Executor, *clockStub) {
	t.Helper()
	clk := &clockStub{cur: time.Date(2025, 6, 2, 10, 0, 0, 0, time.Local)}
	e := NewExecutor("233740", scalpCfg(), b, func() bool { return wsUp }, onCycle,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = clk.now
	return e, clk
}

func (c *clockStub) tick(symbol string, price int64) types.TickEvent {
	return types.TickEvent{Symbol: symbol, Price: price, Timestamp: c.now()}
}

var scalpTape = []int64{9995, 9991, 10001, 9990, 9999, 9993, 9997, 9992, 9996, 9994, 9998, 10000}

func feedTape(e *Executor, clk *clockStub, prices []int64) {
	for _, p := range prices {
		e.OnTick(context.Background(), clk.tick("233740", p))
		clk.advance(500 * time.Millisecond)
	}
}

func TestScalpingHappyPathCycle(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{buyable: 1}
	var cycles []int64
	e, clk := newTestExecutor(t, b, true, func(symbol string, cycle int, qty, pnl int64) {
		cycles = append(cycles, pnl)
	})
	ctx := context.Background()

	if err := e.Activate(types.TradingSignal{
		Kind: types.SignalBuy, Symbol: "233740",
		Metadata: types.SignalMetadata{LimitPrice: 10000, TimeoutSeconds: 3600},
	}); err != nil {
		t.Fatal(err)
	}
	if e.State() != StateMonitoring {
		t.Fatalf("state = %s, want monitoring", e.State())
	}

	// 12 ticks in the window; P10 = 9991 rounds down to the 9990 tick.
	feedTape(e, clk, scalpTape)
	if e.State() != StateBuyPending {
		t.Fatalf("state = %s, want buy_pending", e.State())
	}
	buy := b.lastPlaced(t)
	if buy.Side != types.BUY || buy.Qty != 1 || buy.Price != 9990 {
		t.Fatalf("buy = %+v, want 1@9990", buy)
	}

	// Full fill via the order-notice fast path.
	e.OnOrderNotice(ctx, types.OrderNoticeEvent{Symbol: "233740", OrderID: "S1", Side: types.BUY, FilledQty: 1, FilledPrice: 9990})
	if e.State() != StateSellPending {
		t.Fatalf("state = %s, want sell_pending", e.State())
	}
	// 9990 * 1.001 = 9999.99 rounds up to 10000.
	sell := b.lastPlaced(t)
	if sell.Side != types.SELL || sell.Qty != 1 || sell.Price != 10000 {
		t.Fatalf("sell = %+v, want 1@10000", sell)
	}

	e.OnOrderNotice(ctx, types.OrderNoticeEvent{Symbol: "233740", OrderID: "S2", Side: types.SELL, FilledQty: 1, FilledPrice: 10000})
	if e.State() != StateCooldown {
		t.Fatalf("state = %s, want cooldown", e.State())
	}
	if e.TotalPnL() != 10 {
		t.Errorf("pnl = %d, want 10", e.TotalPnL())
	}
	if len(cycles) != 1 || cycles[0] != 10 {
		t.Errorf("cycle callback = %v", cycles)
	}

	// Cooldown elapses; cycle 2 of 2 re-arms monitoring.
	clk.advance(2 * time.Second)
	e.OnTick(ctx, clk.tick("233740", 9995))
	if e.State() != StateMonitoring {
		t.Errorf("state = %s, want monitoring for cycle 2", e.State())
	}
}

func TestBuyTimeoutCancelsAndRemonitors(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{buyable: 1}
	e, clk := newTestExecutor(t, b, true, nil)
	ctx := context.Background()

	if err := e.Activate(types.TradingSignal{Metadata: types.SignalMetadata{LimitPrice: 10000, TimeoutSeconds: 3600}}); err != nil {
		t.Fatal(err)
	}
	feedTape(e, clk, scalpTape)
	if e.State() != StateBuyPending {
		t.Fatalf("state = %s", e.State())
	}

	clk.advance(31 * time.Second)
	e.OnTick(ctx, clk.tick("233740", 9995))
	if e.State() != StateMonitoring {
		t.Errorf("state = %s, want monitoring after buy timeout", e.State())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.cancelled) != 1 {
		t.Errorf("cancels = %v, want 1", b.cancelled)
	}
}

func TestDuplicateNoticeDropped(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{buyable: 3}
	e, clk := newTestExecutor(t, b, true, nil)
	ctx := context.Background()

	if err := e.Activate(types.TradingSignal{Metadata: types.SignalMetadata{LimitPrice: 10000, TimeoutSeconds: 3600}}); err != nil {
		t.Fatal(err)
	}
	feedTape(e, clk, scalpTape)

	e.OnOrderNotice(ctx, types.OrderNoticeEvent{Symbol: "233740", OrderID: "S1", Side: types.BUY, FilledQty: 2, FilledPrice: 9990})
	if e.State() != StatePositionHeld {
		t.Fatalf("state = %s, want position_held on partial", e.State())
	}
	// Cumulative 4 of 3 would overflow: dropped.
	e.OnOrderNotice(ctx, types.OrderNoticeEvent{Symbol: "233740", OrderID: "S1", Side: types.BUY, FilledQty: 2, FilledPrice: 9990})
	if e.State() != StatePositionHeld {
		t.Errorf("duplicate notice advanced state to %s", e.State())
	}

	// The legitimate remainder completes the buy.
	e.OnOrderNotice(ctx, types.OrderNoticeEvent{Symbol: "233740", OrderID: "S1", Side: types.BUY, FilledQty: 1, FilledPrice: 9990})
	if e.State() != StateSellPending {
		t.Errorf("state = %s, want sell_pending", e.State())
	}
}

func TestSignalExpiryInMonitoring(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{buyable: 1}
	e, clk := newTestExecutor(t, b, true, nil)
	ctx := context.Background()

	if err := e.Activate(types.TradingSignal{Metadata: types.SignalMetadata{LimitPrice: 10000, TimeoutSeconds: 3600}}); err != nil {
		t.Fatal(err)
	}
	// TP = round-up(10000*1.003) = 10030; price touching it kills the
	// signal before entry.
	e.OnTick(ctx, clk.tick("233740", 10030))
	if e.State() != StateIdle {
		t.Errorf("state = %s, want idle after tp expiry", e.State())
	}
	if len(b.placed) != 0 {
		t.Errorf("orders placed on expiry: %+v", b.placed)
	}
}

func TestStopDuringSellWaitGoesToMarket(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{buyable: 1}
	e, clk := newTestExecutor(t, b, true, nil)
	ctx := context.Background()

	if err := e.Activate(types.TradingSignal{Metadata: types.SignalMetadata{LimitPrice: 10000, TimeoutSeconds: 3600}}); err != nil {
		t.Fatal(err)
	}
	feedTape(e, clk, scalpTape)
	e.OnOrderNotice(ctx, types.OrderNoticeEvent{Symbol: "233740", OrderID: "S1", Side: types.BUY, FilledQty: 1, FilledPrice: 9990})
	if e.State() != StateSellPending {
		t.Fatalf("state = %s", e.State())
	}

	// SL floor = round-down(10000*0.99) = 9900.
	e.OnTick(ctx, clk.tick("233740", 9890))
	if e.State() != StateSellPending {
		t.Fatalf("state = %s, want sell_pending on market leg", e.State())
	}
	last := b.lastPlaced(t)
	if last.Side != types.SELL || last.Price != 0 || last.Qty != 1 {
		t.Errorf("market conversion = %+v", last)
	}
	b.mu.Lock()
	cancels := len(b.cancelled)
	b.mu.Unlock()
	if cancels != 1 {
		t.Errorf("cancels = %d, want 1", cancels)
	}

	// Another low tick must not cancel the market leg.
	e.OnTick(ctx, clk.tick("233740", 9880))
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.cancelled) != 1 {
		t.Errorf("market leg cancelled: %v", b.cancelled)
	}
}

func TestActivateRejectedWhenBusy(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{buyable: 1}
	e, _ := newTestExecutor(t, b, true, nil)
	if err := e.Activate(types.TradingSignal{Metadata: types.SignalMetadata{LimitPrice: 10000}}); err != nil {
		t.Fatal(err)
	}
	if err := e.Activate(types.TradingSignal{Metadata: types.SignalMetadata{LimitPrice: 10000}}); err == nil {
		t.Error("second activation accepted while monitoring")
	}
}

func TestRESTPollFallbackWhenStreamDown(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{buyable: 1}
	e, clk := newTestExecutor(t, b, false, nil) // notice stream down
	ctx := context.Background()

	if err := e.Activate(types.TradingSignal{Metadata: types.SignalMetadata{LimitPrice: 10000, TimeoutSeconds: 3600}}); err != nil {
		t.Fatal(err)
	}
	feedTape(e, clk, scalpTape)
	if e.State() != StateBuyPending {
		t.Fatalf("state = %s", e.State())
	}

	b.mu.Lock()
	b.status = types.FillStatus{FilledQty: 1, FilledPrice: 9990}
	b.mu.Unlock()

	// First tick after the poll interval picks up the fill via REST.
	clk.advance(4 * time.Second)
	e.OnTick(ctx, clk.tick("233740", 9995))
	if e.State() != StateSellPending {
		t.Errorf("state = %s, want sell_pending via REST poll", e.State())
	}
}
