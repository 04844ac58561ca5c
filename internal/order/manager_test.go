package order

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"leverage-worker/internal/broker"
	"leverage-worker/internal/position"
	"leverage-worker/internal/storage"
	"leverage-worker/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

type placedOrder struct {
	Symbol string
	Side   types.Side
	Qty    int64
	Price  int64 // 0 = market
}

type modifiedOrder struct {
	OrderID string
	Qty     int64
	Price   int64
}

type fakeBroker struct {
	mu           sync.Mutex
	price        int64
	deposit      int64
	asks         []int64             // consumed by GetBestAsk
	statuses     []types.FillStatus  // consumed by GetOrderStatus
	today        []types.OrderInfo   // returned by GetTodayOrders
	balance      []types.BalancePosition
	placed       []placedOrder
	modified     []modifiedOrder
	cancelled    []string
	rejectOrders bool
	nextID       int
}

func (f *fakeBroker) GetCurrentPrice(ctx context.Context, symbol string) (*types.StockPrice, error) {
	return &types.StockPrice{Symbol: symbol, Price: f.price}, nil
}

func (f *fakeBroker) GetBalance(ctx context.Context) ([]types.BalancePosition, *types.BalanceSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.BalancePosition(nil), f.balance...), &types.BalanceSummary{Deposit: f.deposit}, nil
}

func (f *fakeBroker) GetBestAsk(ctx context.Context, symbol string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.asks) == 0 {
		return 0, errors.New("no scripted ask")
	}
	ask := f.asks[0]
	if len(f.asks) > 1 {
		f.asks = f.asks[1:]
	}
	return ask, nil
}

func (f *fakeBroker) place(symbol string, side types.Side, qty, price int64) (*types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectOrders {
		return &types.OrderResult{Accepted: false, Message: "broker says no"}, errors.New("broker says no")
	}
	f.nextID++
	f.placed = append(f.placed, placedOrder{Symbol: symbol, Side: side, Qty: qty, Price: price})
	return &types.OrderResult{
		Accepted:   true,
		OrderID:    fmt.Sprintf("O%d", f.nextID),
		BranchCode: "06010",
	}, nil
}

func (f *fakeBroker) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty int64) (*types.OrderResult, error) {
	return f.place(symbol, side, qty, 0)
}

func (f *fakeBroker) PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, qty, price int64) (*types.OrderResult, error) {
	return f.place(symbol, side, qty, price)
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID, branch string, qty int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeBroker) ModifyOrder(ctx context.Context, orderID, branch string, qty, newPrice int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.modified = append(f.modified, modifiedOrder{OrderID: orderID, Qty: qty, Price: newPrice})
	return fmt.Sprintf("O%d", f.nextID), nil
}

func (f *fakeBroker) GetOrderStatus(ctx context.Context, orderID string, hint *broker.OrderStatusHint) (types.FillStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return types.FillStatus{}, errors.New("no scripted status")
	}
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return st, nil
}

func (f *fakeBroker) GetTodayOrders(ctx context.Context) ([]types.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.OrderInfo(nil), f.today...), nil
}

type fakeStore struct {
	mu     sync.Mutex
	orders map[string]storage.OrderRecord
	audits []storage.AuditRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: make(map[string]storage.OrderRecord)}
}

func (f *fakeStore) SaveOrder(rec storage.OrderRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[rec.OrderID] = rec
	return nil
}

func (f *fakeStore) ActiveOrders() ([]storage.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.OrderRecord
	for _, r := range f.orders {
		if !types.OrderState(r.State).IsTerminal() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) AppendAudit(rec storage.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, rec)
	return nil
}

func (f *fakeStore) auditCount(event, symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.audits {
		if a.EventType == event && a.Symbol == symbol {
			n++
		}
	}
	return n
}

type fakePositions struct {
	mu        sync.Mutex
	positions map[string]position.Position
}

func newFakePositions() *fakePositions {
	return &fakePositions{positions: make(map[string]position.Position)}
}

func (f *fakePositions) Add(symbol string, qty, price int64, strategy, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.positions[symbol]
	newQty := p.Quantity + qty
	p.AvgCost = (float64(p.Quantity)*p.AvgCost + float64(qty)*float64(price)) / float64(newQty)
	p.Quantity = newQty
	p.Symbol = symbol
	p.Strategy = strategy
	f.positions[symbol] = p
	return nil
}

func (f *fakePositions) Get(symbol string) (position.Position, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[symbol]
	return p, ok
}

func (f *fakePositions) Remove(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.positions, symbol)
}

func (f *fakePositions) UpdateQuantity(symbol string, newQty int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if newQty <= 0 {
		delete(f.positions, symbol)
		return
	}
	p := f.positions[symbol]
	p.Quantity = newQty
	f.positions[symbol] = p
}

func newTestManager(b *fakeBroker, pos *fakePositions, store *fakeStore) *Manager {
	return NewManager(b, pos, store, "session-test",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// ————————————————————————————————————————————————————————————————————————
// Buy path
// ————————————————————————————————————————————————————————————————————————

func TestDuplicateBuySuppressed(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{price: 71500, deposit: 10_000_000}
	store := newFakeStore()
	m := newTestManager(b, newFakePositions(), store)
	ctx := context.Background()

	id, err := m.PlaceBuyOrder(ctx, "005930", 10, "bollinger", true, 71500)
	if err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if id == "" {
		t.Fatal("no order id")
	}

	_, err = m.PlaceBuyOrder(ctx, "005930", 10, "bollinger", true, 71500)
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Errorf("second buy err = %v, want ErrDuplicateOrder", err)
	}
	if n := store.auditCount(storage.AuditOrderSubmit, "005930"); n != 1 {
		t.Errorf("ORDER_SUBMIT audit count = %d, want 1", n)
	}
	if !m.HasPending("005930") {
		t.Error("symbol not marked pending")
	}
}

func TestBuyDepositCheck(t *testing.T) {
	t.Parallel()
	// 10 shares at 71500 need ceil(715000*1.01) = 722150.
	b := &fakeBroker{price: 71500, deposit: 722149}
	m := newTestManager(b, newFakePositions(), newFakeStore())

	_, err := m.PlaceBuyOrder(context.Background(), "005930", 10, "s", true, 0)
	if !errors.Is(err, ErrInsufficientDeposit) {
		t.Fatalf("err = %v, want ErrInsufficientDeposit", err)
	}
	if m.HasPending("005930") {
		t.Error("rejected buy left symbol pending")
	}

	b.deposit = 722150
	if _, err := m.PlaceBuyOrder(context.Background(), "005930", 10, "s", true, 0); err != nil {
		t.Fatalf("buy at exact required deposit: %v", err)
	}
}

func TestLiquidationModeBlocksBuysNotSells(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{price: 10000, deposit: 10_000_000}
	pos := newFakePositions()
	pos.positions["005930"] = position.Position{Symbol: "005930", Quantity: 10, AvgCost: 10000}
	m := newTestManager(b, pos, newFakeStore())
	m.SetLiquidationMode(true)

	if _, err := m.PlaceBuyOrder(context.Background(), "000660", 1, "s", false, 0); !errors.Is(err, ErrLiquidationMode) {
		t.Errorf("buy err = %v, want ErrLiquidationMode", err)
	}
	if _, err := m.PlaceSellOrder(context.Background(), "005930", 10, "s", 0); err != nil {
		t.Errorf("sell in liquidation mode: %v", err)
	}
}

func TestBrokerRejectionAudited(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{price: 10000, deposit: 10_000_000, rejectOrders: true}
	store := newFakeStore()
	m := newTestManager(b, newFakePositions(), store)

	if _, err := m.PlaceBuyOrder(context.Background(), "005930", 1, "s", false, 0); err == nil {
		t.Fatal("rejected order returned nil error")
	}
	if n := store.auditCount(storage.AuditOrderFailed, "005930"); n != 1 {
		t.Errorf("ORDER_FAILED audit count = %d, want 1", n)
	}
	if m.HasPending("005930") {
		t.Error("rejected buy left symbol pending")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Fill reconciliation
// ————————————————————————————————————————————————————————————————————————

func TestCheckFillsBuyAttributesPosition(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{price: 10000, deposit: 10_000_000}
	pos := newFakePositions()
	m := newTestManager(b, pos, newFakeStore())
	ctx := context.Background()

	id, err := m.PlaceBuyOrder(ctx, "233740", 3, "bollinger", false, 0)
	if err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	b.today = []types.OrderInfo{{OrderID: id, Symbol: "233740", Side: types.BUY, OrderedQty: 3, FilledQty: 3, FilledPrice: 10000}}
	b.mu.Unlock()

	if err := m.CheckFills(ctx); err != nil {
		t.Fatal(err)
	}
	p, ok := pos.Get("233740")
	if !ok || p.Quantity != 3 || p.AvgCost != 10000 {
		t.Errorf("position = %+v ok=%v", p, ok)
	}
	if m.HasPending("233740") {
		t.Error("filled order left symbol pending")
	}
	if len(m.Active()) != 0 {
		t.Error("filled order still active")
	}
}

func TestSellPnLSurvivesPositionRemoval(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{deposit: 10_000_000}
	pos := newFakePositions()
	pos.positions["005930"] = position.Position{Symbol: "005930", Quantity: 10, AvgCost: 10000}
	store := newFakeStore()
	m := newTestManager(b, pos, store)
	ctx := context.Background()

	var gotPnL int64
	var gotRate float64
	m.SetFillCallback(func(o ManagedOrder, delta int64, snapshot float64) {
		gotPnL = o.PnL
		gotRate = o.PnLRate
	})

	id, err := m.PlaceSellOrder(ctx, "005930", 10, "bollinger", 0)
	if err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	b.today = []types.OrderInfo{{OrderID: id, Symbol: "005930", Side: types.SELL, OrderedQty: 10, FilledQty: 10, FilledPrice: 10300}}
	b.mu.Unlock()

	if err := m.CheckFills(ctx); err != nil {
		t.Fatal(err)
	}
	if gotPnL != 3000 {
		t.Errorf("pnl = %d, want 3000", gotPnL)
	}
	if math.Abs(gotRate-3.0) > 1e-9 {
		t.Errorf("pnl_rate = %f, want 3.00", gotRate)
	}
	if _, ok := pos.Get("005930"); ok {
		t.Error("position not removed after full sell")
	}
}

func TestSellPnLFloorsOnceOnFractionalAvgCost(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{deposit: 10_000_000}
	pos := newFakePositions()
	// Weighted-average entry left a fractional cost basis.
	pos.positions["005930"] = position.Position{Symbol: "005930", Quantity: 7, AvgCost: 10000.6}
	m := newTestManager(b, pos, newFakeStore())
	ctx := context.Background()

	var gotPnL int64
	m.SetFillCallback(func(o ManagedOrder, delta int64, snapshot float64) {
		gotPnL = o.PnL
	})

	id, err := m.PlaceSellOrder(ctx, "005930", 7, "bollinger", 0)
	if err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	b.today = []types.OrderInfo{{OrderID: id, Symbol: "005930", Side: types.SELL, OrderedQty: 7, FilledQty: 7, FilledPrice: 10100}}
	b.mu.Unlock()

	if err := m.CheckFills(ctx); err != nil {
		t.Fatal(err)
	}
	// floor((10100 - 10000.6) * 7) = floor(695.8) = 695; truncating the
	// average cost per share first would report 700.
	if gotPnL != 695 {
		t.Errorf("pnl = %d, want 695", gotPnL)
	}
}

func TestCheckFillsMonotonic(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{deposit: 10_000_000, price: 10000}
	pos := newFakePositions()
	m := newTestManager(b, pos, newFakeStore())
	ctx := context.Background()

	id, _ := m.PlaceBuyOrder(ctx, "005930", 10, "s", false, 0)

	b.mu.Lock()
	b.today = []types.OrderInfo{{OrderID: id, Symbol: "005930", Side: types.BUY, OrderedQty: 10, FilledQty: 4, FilledPrice: 10000}}
	b.mu.Unlock()
	if err := m.CheckFills(ctx); err != nil {
		t.Fatal(err)
	}
	// Same snapshot again: no new delta, no double attribution.
	if err := m.CheckFills(ctx); err != nil {
		t.Fatal(err)
	}
	p, _ := pos.Get("005930")
	if p.Quantity != 4 {
		t.Errorf("qty after repeat CheckFills = %d, want 4", p.Quantity)
	}
	orders := m.Active()
	if len(orders) != 1 || orders[0].State != types.OrderPartial {
		t.Errorf("active = %+v", orders)
	}
}

func TestApplyNoticeDuplicateSuppression(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{deposit: 10_000_000, price: 10000}
	pos := newFakePositions()
	m := newTestManager(b, pos, newFakeStore())

	id, _ := m.PlaceBuyOrder(context.Background(), "005930", 5, "s", false, 0)

	m.ApplyNotice(types.OrderNoticeEvent{OrderID: id, Symbol: "005930", Side: types.BUY, FilledQty: 3, FilledPrice: 10000})
	m.ApplyNotice(types.OrderNoticeEvent{OrderID: id, Symbol: "005930", Side: types.BUY, FilledQty: 2, FilledPrice: 10010})
	// Would exceed ordered qty: dropped.
	m.ApplyNotice(types.OrderNoticeEvent{OrderID: id, Symbol: "005930", Side: types.BUY, FilledQty: 2, FilledPrice: 10010})

	p, _ := pos.Get("005930")
	if p.Quantity != 5 {
		t.Errorf("qty = %d, want 5", p.Quantity)
	}
	if len(m.Active()) != 0 {
		t.Error("fully filled order still active")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Chase buy
// ————————————————————————————————————————————————————————————————————————

func TestChaseBuyPartialFillAndReprice(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{
		deposit: 10_000_000,
		// First submit at 10000; the ask then moves to 10020.
		asks: []int64{10000, 10020},
		statuses: []types.FillStatus{
			{FilledQty: 2, UnfilledQty: 3},     // first poll
			{FilledQty: 2, UnfilledQty: 3},     // pre-modify re-check
			{FilledQty: 3, UnfilledQty: 0},     // post-modify poll (new order)
		},
	}
	pos := newFakePositions()
	m := newTestManager(b, pos, newFakeStore())

	res, err := m.PlaceChaseBuy(context.Background(), "005930", 5, 60000, "scalping",
		time.Millisecond, 10, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if res.FilledQty != 5 || !res.Completed {
		t.Fatalf("result = %+v, want 5 filled", res)
	}
	// Weighted avg (2*10000 + 3*10020)/5 = 10012.
	if math.Abs(res.AvgPrice-10012) > 1e-9 {
		t.Errorf("avg = %f, want 10012", res.AvgPrice)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.modified) != 1 {
		t.Fatalf("modified = %+v, want 1 modify", b.modified)
	}
	// Remaining cash 40000 at 10020 affords exactly the 3 remaining.
	if b.modified[0].Qty != 3 || b.modified[0].Price != 10020 {
		t.Errorf("modify = %+v, want 3@10020", b.modified[0])
	}
	p, _ := pos.Get("005930")
	if p.Quantity != 5 {
		t.Errorf("position qty = %d, want 5", p.Quantity)
	}
	if m.HasPending("005930") {
		t.Error("chase left symbol pending")
	}
}

func TestChaseBuyExhaustedCancelsRemainder(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{
		deposit: 10_000_000,
		asks:    []int64{10000},
		statuses: []types.FillStatus{
			{FilledQty: 1, UnfilledQty: 4}, // repeated for every poll
		},
	}
	pos := newFakePositions()
	m := newTestManager(b, pos, newFakeStore())

	res, err := m.PlaceChaseBuy(context.Background(), "005930", 5, 60000, "scalping",
		time.Millisecond, 2, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Completed {
		t.Error("exhausted chase reported completed")
	}
	if res.FilledQty != 1 {
		t.Errorf("filled = %d, want 1", res.FilledQty)
	}
	b.mu.Lock()
	cancelled := len(b.cancelled)
	b.mu.Unlock()
	if cancelled != 1 {
		t.Errorf("cancel calls = %d, want 1", cancelled)
	}
	p, _ := pos.Get("005930")
	if p.Quantity != 1 {
		t.Errorf("position qty = %d, want 1", p.Quantity)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Sell with fallback
// ————————————————————————————————————————————————————————————————————————

func TestSellWithFallbackFullFill(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{
		deposit:  10_000_000,
		statuses: []types.FillStatus{{FilledQty: 10, FilledPrice: 10300}},
	}
	pos := newFakePositions()
	pos.positions["005930"] = position.Position{Symbol: "005930", Quantity: 10, AvgCost: 10000}
	m := newTestManager(b, pos, newFakeStore())

	res, err := m.PlaceSellWithFallback(context.Background(), "005930", 10, "s", 10300, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if res.FilledQty != 10 || res.FallbackQty != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.RealizedPnL != 3000 {
		t.Errorf("pnl = %d, want 3000", res.RealizedPnL)
	}
	if _, ok := pos.Get("005930"); ok {
		t.Error("position not removed")
	}
	if m.HasPending("005930") {
		t.Error("symbol still pending after full fill")
	}
}

func TestSellWithFallbackResubmitsRemainder(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{
		deposit: 10_000_000,
		statuses: []types.FillStatus{
			{FilledQty: 4, UnfilledQty: 6, FilledPrice: 10300}, // fallback-deadline poll
			{FilledQty: 4, UnfilledQty: 6, FilledPrice: 10300}, // post-cancel re-check
		},
		balance: []types.BalancePosition{{Symbol: "005930", Quantity: 6, AvgCost: 10000}},
	}
	pos := newFakePositions()
	pos.positions["005930"] = position.Position{Symbol: "005930", Quantity: 10, AvgCost: 10000}
	m := newTestManager(b, pos, newFakeStore())

	res, err := m.PlaceSellWithFallback(context.Background(), "005930", 10, "s", 10300, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if res.FilledQty != 4 || res.FallbackQty != 6 || !res.FallbackActive {
		t.Fatalf("result = %+v, want 4 filled + 6 fallback", res)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.cancelled) != 1 {
		t.Errorf("cancel calls = %d, want 1", len(b.cancelled))
	}
	// The remainder goes out as a market sell.
	last := b.placed[len(b.placed)-1]
	if last.Side != types.SELL || last.Qty != 6 || last.Price != 0 {
		t.Errorf("fallback order = %+v, want market sell 6", last)
	}
	// The remainder order inherits the snapshot for continuous P/L.
	orders := m.Active()
	if len(orders) != 1 || orders[0].AvgCostSnapshot != 10000 {
		t.Errorf("active = %+v, want remainder with snapshot 10000", orders)
	}
}

func TestSellWithFallbackSkipsResubmitWhenNotHeld(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{
		deposit: 10_000_000,
		statuses: []types.FillStatus{
			{FilledQty: 4, UnfilledQty: 6, FilledPrice: 10300},
			{FilledQty: 4, UnfilledQty: 6, FilledPrice: 10300},
		},
		// Broker shows fewer shares than the remainder.
		balance: []types.BalancePosition{{Symbol: "005930", Quantity: 2}},
	}
	pos := newFakePositions()
	pos.positions["005930"] = position.Position{Symbol: "005930", Quantity: 10, AvgCost: 10000}
	m := newTestManager(b, pos, newFakeStore())

	res, err := m.PlaceSellWithFallback(context.Background(), "005930", 10, "s", 10300, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if res.FallbackQty != 0 || res.FallbackActive {
		t.Errorf("result = %+v, want no fallback order", res)
	}
	if m.HasPending("005930") {
		t.Error("symbol left pending")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Cancellation
// ————————————————————————————————————————————————————————————————————————

func TestCancelAllPendingClearsLocalState(t *testing.T) {
	t.Parallel()
	b := &fakeBroker{deposit: 10_000_000, price: 10000}
	m := newTestManager(b, newFakePositions(), newFakeStore())
	ctx := context.Background()

	if _, err := m.PlaceBuyOrder(ctx, "005930", 1, "s", false, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PlaceBuyOrder(ctx, "000660", 1, "s", false, 0); err != nil {
		t.Fatal(err)
	}

	n := m.CancelAllPending(ctx)
	if n != 2 {
		t.Errorf("cancelled = %d, want 2", n)
	}
	if len(m.Active()) != 0 {
		t.Error("orders still active")
	}
	if m.HasPending("005930") || m.HasPending("000660") {
		t.Error("pending set not cleared")
	}
}

func TestLoadRestoresActiveOrders(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.orders["O9"] = storage.OrderRecord{
		OrderID: "O9", Symbol: "005930", Side: "buy", OrderedQty: 10,
		State: string(types.OrderSubmitted),
	}
	store.orders["O8"] = storage.OrderRecord{
		OrderID: "O8", Symbol: "000660", Side: "buy", OrderedQty: 5,
		State: string(types.OrderFilled),
	}
	m := newTestManager(&fakeBroker{}, newFakePositions(), store)
	if err := m.Load(); err != nil {
		t.Fatal(err)
	}
	if len(m.Active()) != 1 {
		t.Fatalf("active = %+v, want just the submitted order", m.Active())
	}
	if !m.HasPending("005930") || m.HasPending("000660") {
		t.Error("pending set wrong after load")
	}
}
