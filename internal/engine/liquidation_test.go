package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"leverage-worker/internal/broker"
	"leverage-worker/internal/order"
	"leverage-worker/internal/position"
	"leverage-worker/internal/storage"
	"leverage-worker/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

type placedOrder struct {
	symbol string
	side   types.Side
	qty    int64
}

// fakeBroker simulates immediate fills: a market sell removes the symbol
// from the balance and appends a fully-filled today-orders row.
type fakeBroker struct {
	mu          sync.Mutex
	nextID      int
	placed      []placedOrder
	cancelled   []string
	rejectSells map[string]int // symbol -> remaining rejections
	balance     map[string]types.BalancePosition
	deposit     int64
	today       []types.OrderInfo
	price       int64
	sellFillAt  map[string]int64 // symbol -> fill price
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		rejectSells: make(map[string]int),
		balance:     make(map[string]types.BalancePosition),
		sellFillAt:  make(map[string]int64),
		deposit:     100_000_000,
		price:       10000,
	}
}

func (f *fakeBroker) holds(symbol string, qty int64, avg float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance[symbol] = types.BalancePosition{Symbol: symbol, Quantity: qty, AvgCost: avg}
}

func (f *fakeBroker) PlaceMarketOrder(_ context.Context, symbol string, side types.Side, qty int64) (*types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if side == types.SELL && f.rejectSells[symbol] > 0 {
		f.rejectSells[symbol]--
		return &types.OrderResult{Accepted: false, Message: "rejected"}, nil
	}
	f.nextID++
	id := fmt.Sprintf("ORD%03d", f.nextID)
	f.placed = append(f.placed, placedOrder{symbol: symbol, side: side, qty: qty})

	info := types.OrderInfo{OrderID: id, Symbol: symbol, Side: side, OrderedQty: qty}
	if side == types.SELL {
		fill := f.sellFillAt[symbol]
		if fill == 0 {
			fill = f.price
		}
		info.FilledQty = qty
		info.FilledPrice = fill
		delete(f.balance, symbol)
	}
	f.today = append(f.today, info)
	return &types.OrderResult{Accepted: true, OrderID: id, BranchCode: "00950"}, nil
}

func (f *fakeBroker) PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, qty, price int64) (*types.OrderResult, error) {
	return f.PlaceMarketOrder(ctx, symbol, side, qty)
}

func (f *fakeBroker) CancelOrder(_ context.Context, orderID, _ string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeBroker) ModifyOrder(_ context.Context, orderID, _ string, _, _ int64) (string, error) {
	return orderID, nil
}

func (f *fakeBroker) GetOrderStatus(_ context.Context, orderID string, _ *broker.OrderStatusHint) (types.FillStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, info := range f.today {
		if info.OrderID == orderID {
			return types.FillStatus{
				FilledQty:   info.FilledQty,
				UnfilledQty: info.OrderedQty - info.FilledQty,
				FilledPrice: info.FilledPrice,
			}, nil
		}
	}
	return types.FillStatus{}, nil
}

func (f *fakeBroker) GetTodayOrders(context.Context) ([]types.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.OrderInfo, len(f.today))
	copy(out, f.today)
	return out, nil
}

func (f *fakeBroker) GetBalance(context.Context) ([]types.BalancePosition, *types.BalanceSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.BalancePosition
	for _, b := range f.balance {
		out = append(out, b)
	}
	return out, &types.BalanceSummary{Deposit: f.deposit}, nil
}

func (f *fakeBroker) GetCurrentPrice(_ context.Context, symbol string) (*types.StockPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.StockPrice{Symbol: symbol, Price: f.price, Timestamp: time.Now()}, nil
}

func (f *fakeBroker) GetBestAsk(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

func (f *fakeBroker) sellsPlaced() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []placedOrder
	for _, p := range f.placed {
		if p.side == types.SELL {
			out = append(out, p)
		}
	}
	return out
}

// fakeStore satisfies order.Store, position.Store, and orderHistory.
type fakeStore struct {
	mu        sync.Mutex
	orders    map[string]storage.OrderRecord
	positions map[string]storage.PositionRecord
	audits    []storage.AuditRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:    make(map[string]storage.OrderRecord),
		positions: make(map[string]storage.PositionRecord),
	}
}

func (s *fakeStore) SaveOrder(rec storage.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[rec.OrderID] = rec
	return nil
}

func (s *fakeStore) ActiveOrders() ([]storage.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.OrderRecord
	for _, rec := range s.orders {
		if !types.OrderState(rec.State).IsTerminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) OrdersForDate(time.Time) ([]storage.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.OrderRecord
	for _, rec := range s.orders {
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeStore) AppendAudit(rec storage.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, rec)
	return nil
}

func (s *fakeStore) SavePosition(rec storage.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[rec.Symbol] = rec
	return nil
}

func (s *fakeStore) DeletePosition(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, symbol)
	return nil
}

func (s *fakeStore) Positions() ([]storage.PositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.PositionRecord
	for _, rec := range s.positions {
		out = append(out, rec)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Liquidation
// ————————————————————————————————————————————————————————————————————————

func newTestLiquidator(fb *fakeBroker, fs *fakeStore) (*liquidator, *order.Manager, *position.Manager) {
	pm := position.NewManager(fb, fs, testLogger())
	om := order.NewManager(fb, pm, fs, "sess-test", testLogger())
	l := &liquidator{
		orders:     om,
		positions:  pm,
		history:    fs,
		logger:     testLogger(),
		maxWorkers: 10,
		retries:    2,
		retryDelay: 5 * time.Millisecond,
		fillWait:   2 * time.Second,
		pollEvery:  5 * time.Millisecond,
	}
	return l, om, pm
}

func TestLiquidationFlattensEverything(t *testing.T) {
	t.Parallel()
	fb := newFakeBroker()
	fs := newFakeStore()
	l, om, pm := newTestLiquidator(fb, fs)

	fb.holds("005930", 10, 10000)
	fb.holds("000660", 5, 20000)
	fb.sellFillAt["005930"] = 10100 // +1000
	fb.sellFillAt["000660"] = 19900 // -500
	if err := pm.Add("005930", 10, 10000, "bollinger", "E1"); err != nil {
		t.Fatal(err)
	}
	if err := pm.Add("000660", 5, 20000, "donchian", "E2"); err != nil {
		t.Fatal(err)
	}

	// A buy still pending at the gate must be cancelled first.
	buyID, err := om.PlaceBuyOrder(context.Background(), "035420", 3, "bollinger", false, 0)
	if err != nil {
		t.Fatal(err)
	}

	rep := l.run(context.Background())

	if rep.Total != 2 || rep.Filled != 2 || rep.Partial != 0 || rep.Failed != 0 {
		t.Errorf("report = %+v", rep)
	}
	if rep.RealizedPnL != 500 {
		t.Errorf("realized pnl = %d, want 500", rep.RealizedPnL)
	}
	if len(rep.Remaining) != 0 {
		t.Errorf("remaining = %v", rep.Remaining)
	}
	if om.LiquidationMode() {
		t.Error("liquidation mode still enabled after run")
	}
	if pm.Count() != 0 {
		t.Errorf("positions remaining = %d", pm.Count())
	}
	if sells := fb.sellsPlaced(); len(sells) != 2 {
		t.Errorf("market sells = %v", sells)
	}
	if len(fb.cancelled) != 1 || fb.cancelled[0] != buyID {
		t.Errorf("cancelled = %v, want [%s]", fb.cancelled, buyID)
	}
}

func TestLiquidationRetriesTransientRejection(t *testing.T) {
	t.Parallel()
	fb := newFakeBroker()
	fs := newFakeStore()
	l, _, pm := newTestLiquidator(fb, fs)

	fb.holds("005930", 10, 10000)
	fb.rejectSells["005930"] = 1 // first attempt bounces
	if err := pm.Add("005930", 10, 10000, "bollinger", "E1"); err != nil {
		t.Fatal(err)
	}

	rep := l.run(context.Background())
	if rep.Filled != 1 || rep.Failed != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestLiquidationReportsFailures(t *testing.T) {
	t.Parallel()
	fb := newFakeBroker()
	fs := newFakeStore()
	l, om, pm := newTestLiquidator(fb, fs)
	l.fillWait = 100 * time.Millisecond

	fb.holds("005930", 10, 10000)
	fb.holds("000660", 5, 20000)
	fb.rejectSells["000660"] = 99 // never accepts
	if err := pm.Add("005930", 10, 10000, "bollinger", "E1"); err != nil {
		t.Fatal(err)
	}
	if err := pm.Add("000660", 5, 20000, "donchian", "E2"); err != nil {
		t.Fatal(err)
	}

	rep := l.run(context.Background())
	if rep.Filled != 1 || rep.Failed != 1 {
		t.Errorf("report = %+v", rep)
	}
	if len(rep.Remaining) != 1 || rep.Remaining[0] != "000660" {
		t.Errorf("remaining = %v", rep.Remaining)
	}
	if om.LiquidationMode() {
		t.Error("liquidation mode still enabled")
	}
}
