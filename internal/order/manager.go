// Package order owns every order the worker places: submission, duplicate
// suppression, the chase-buy and sell-fallback flows, and fill
// reconciliation against the broker's today-orders view.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"leverage-worker/internal/broker"
	"leverage-worker/internal/position"
	"leverage-worker/internal/storage"
	"leverage-worker/pkg/types"
)

var (
	// ErrDuplicateOrder rejects a second order for a symbol that already
	// has one pending.
	ErrDuplicateOrder = errors.New("duplicate_order_blocked")
	// ErrLiquidationMode rejects buys while end-of-day liquidation or an
	// emergency stop is running.
	ErrLiquidationMode = errors.New("liquidation mode active, buys blocked")
	// ErrInsufficientDeposit rejects buys the account cannot cover.
	ErrInsufficientDeposit = errors.New("insufficient deposit")
)

// Broker is the gateway slice the manager depends on.
type Broker interface {
	GetCurrentPrice(ctx context.Context, symbol string) (*types.StockPrice, error)
	GetBalance(ctx context.Context) ([]types.BalancePosition, *types.BalanceSummary, error)
	GetBestAsk(ctx context.Context, symbol string) (int64, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty int64) (*types.OrderResult, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, qty, price int64) (*types.OrderResult, error)
	CancelOrder(ctx context.Context, orderID, branch string, qty int64) error
	ModifyOrder(ctx context.Context, orderID, branch string, qty, newPrice int64) (string, error)
	GetOrderStatus(ctx context.Context, orderID string, hint *broker.OrderStatusHint) (types.FillStatus, error)
	GetTodayOrders(ctx context.Context) ([]types.OrderInfo, error)
}

// Positions is the position-manager slice the manager mutates on fills.
type Positions interface {
	Add(symbol string, qty, price int64, strategy, orderID string) error
	Get(symbol string) (position.Position, bool)
	Remove(symbol string)
	UpdateQuantity(symbol string, newQty int64)
}

// Store persists orders and the audit trail.
type Store interface {
	SaveOrder(storage.OrderRecord) error
	ActiveOrders() ([]storage.OrderRecord, error)
	AppendAudit(storage.AuditRecord) error
}

// ManagedOrder is the manager's view of one order. Exclusively owned;
// callers only ever see copies.
type ManagedOrder struct {
	OrderID         string
	Symbol          string
	Side            types.Side
	OrderedQty      int64
	Price           int64 // limit price, 0 for market
	Strategy        string
	State           types.OrderState
	FilledQty       int64
	FilledPrice     int64 // average fill price
	AvgCostSnapshot float64
	BranchCode      string
	SignalPrice     int64
	OriginalQty     int64
	PnL             int64
	PnLRate         float64
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Set while PlaceChaseBuy / PlaceSellWithFallback reconcile their own
	// fills inline; CheckFills skips flagged orders to avoid
	// double-attribution.
	chaseInProgress bool
	fallbackActive  bool
}

// FillFunc is invoked once per attributed fill increment.
type FillFunc func(o ManagedOrder, deltaQty int64, avgCostSnapshot float64)

// Manager serializes all order mutation under one mutex.
type Manager struct {
	broker    Broker
	positions Positions
	store     Store
	logger    *slog.Logger
	sessionID string
	onFill    FillFunc

	mu            sync.Mutex
	active        map[string]*ManagedOrder
	pendingStocks map[string]bool

	liquidation atomic.Bool
}

func NewManager(b Broker, pos Positions, store Store, sessionID string, logger *slog.Logger) *Manager {
	return &Manager{
		broker:        b,
		positions:     pos,
		store:         store,
		logger:        logger.With("component", "order"),
		sessionID:     sessionID,
		active:        make(map[string]*ManagedOrder),
		pendingStocks: make(map[string]bool),
	}
}

// SetFillCallback wires the fill hook. Set once at wiring time; the
// callback must not call back into the manager.
func (m *Manager) SetFillCallback(fn FillFunc) { m.onFill = fn }

// SetLiquidationMode blocks (true) or re-allows (false) new buy orders.
// Sells always proceed.
func (m *Manager) SetLiquidationMode(on bool) {
	m.liquidation.Store(on)
	m.logger.Info("liquidation mode", "active", on)
}

// LiquidationMode reports whether buys are currently blocked.
func (m *Manager) LiquidationMode() bool { return m.liquidation.Load() }

// HasPending reports whether symbol has an outstanding order.
func (m *Manager) HasPending(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingStocks[symbol]
}

// Active returns copies of every non-terminal order.
func (m *Manager) Active() []ManagedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ManagedOrder, 0, len(m.active))
	for _, o := range m.active {
		out = append(out, *o)
	}
	return out
}

// Get returns a copy of one active order.
func (m *Manager) Get(orderID string) (ManagedOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.active[orderID]
	if !ok {
		return ManagedOrder{}, false
	}
	return *o, true
}

// Load restores active orders persisted by a previous session. They will be
// reconciled by the next CheckFills pass.
func (m *Manager) Load() error {
	rows, err := m.store.ActiveOrders()
	if err != nil {
		return fmt.Errorf("load active orders: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		o := &ManagedOrder{
			OrderID:         r.OrderID,
			Symbol:          r.Symbol,
			Side:            types.Side(r.Side),
			OrderedQty:      r.OrderedQty,
			Price:           r.Price,
			Strategy:        r.Strategy,
			State:           types.OrderState(r.State),
			FilledQty:       r.FilledQty,
			FilledPrice:     r.FilledPrice,
			AvgCostSnapshot: r.AvgCostSnapshot,
			BranchCode:      r.BranchCode,
			SignalPrice:     r.SignalPrice,
			OriginalQty:     r.OriginalQty,
			PnL:             r.PnL,
			PnLRate:         r.PnLRate,
			CreatedAt:       r.CreatedAt,
			UpdatedAt:       r.UpdatedAt,
		}
		m.active[o.OrderID] = o
		m.pendingStocks[o.Symbol] = true
	}
	m.logger.Info("active orders restored", "count", len(m.active))
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Buy path
// ————————————————————————————————————————————————————————————————————————

// PlaceBuyOrder submits a market buy. With checkDeposit the account must
// cover price*qty plus a 1% slippage cushion.
func (m *Manager) PlaceBuyOrder(ctx context.Context, symbol string, qty int64, strategy string, checkDeposit bool, signalPrice int64) (string, error) {
	if m.liquidation.Load() {
		return "", ErrLiquidationMode
	}
	if !m.reservePending(symbol) {
		m.logger.Warn("buy rejected", "symbol", symbol, "reason", ErrDuplicateOrder)
		return "", ErrDuplicateOrder
	}

	if checkDeposit {
		price, err := m.broker.GetCurrentPrice(ctx, symbol)
		if err != nil {
			m.clearPending(symbol)
			return "", fmt.Errorf("buy %s: price check: %w", symbol, err)
		}
		_, summary, err := m.broker.GetBalance(ctx)
		if err != nil {
			m.clearPending(symbol)
			return "", fmt.Errorf("buy %s: deposit check: %w", symbol, err)
		}
		required := (price.Price*qty*101 + 99) / 100
		if summary.Deposit < required {
			m.clearPending(symbol)
			m.logger.Warn("buy rejected",
				"symbol", symbol, "deposit", summary.Deposit, "required", required)
			return "", fmt.Errorf("buy %s: %w: have %d need %d",
				symbol, ErrInsufficientDeposit, summary.Deposit, required)
		}
	}

	res, err := m.broker.PlaceMarketOrder(ctx, symbol, types.BUY, qty)
	if err != nil || res == nil || !res.Accepted {
		m.clearPending(symbol)
		m.auditReject(symbol, types.BUY, qty, 0, strategy, res, err)
		if err != nil {
			return "", fmt.Errorf("buy %s: %w", symbol, err)
		}
		return "", fmt.Errorf("buy %s rejected by broker: %s", symbol, res.Message)
	}

	o := m.register(res, symbol, types.BUY, qty, 0, strategy, signalPrice, 0)
	m.logger.Info("buy submitted",
		"symbol", symbol, "qty", qty, "order_id", o.OrderID, "strategy", strategy)
	return o.OrderID, nil
}

// PlaceSellOrder submits a market sell for a held position, snapshotting
// avg cost first so realized P/L survives position removal.
func (m *Manager) PlaceSellOrder(ctx context.Context, symbol string, qty int64, strategy string, signalPrice int64) (string, error) {
	pos, ok := m.positions.Get(symbol)
	if !ok {
		return "", fmt.Errorf("sell %s: no position held", symbol)
	}
	if !m.reservePending(symbol) {
		m.logger.Warn("sell rejected", "symbol", symbol, "reason", ErrDuplicateOrder)
		return "", ErrDuplicateOrder
	}

	res, err := m.broker.PlaceMarketOrder(ctx, symbol, types.SELL, qty)
	if err != nil || res == nil || !res.Accepted {
		m.clearPending(symbol)
		m.auditReject(symbol, types.SELL, qty, 0, strategy, res, err)
		if err != nil {
			return "", fmt.Errorf("sell %s: %w", symbol, err)
		}
		return "", fmt.Errorf("sell %s rejected by broker: %s", symbol, res.Message)
	}

	o := m.register(res, symbol, types.SELL, qty, 0, strategy, signalPrice, pos.AvgCost)
	m.logger.Info("sell submitted",
		"symbol", symbol, "qty", qty, "order_id", o.OrderID, "avg_cost", pos.AvgCost)
	return o.OrderID, nil
}

// ————————————————————————————————————————————————————————————————————————
// Limit-chase buy
// ————————————————————————————————————————————————————————————————————————

// ChaseResult summarizes one PlaceChaseBuy run.
type ChaseResult struct {
	OrderID   string
	FilledQty int64
	AvgPrice  float64
	Completed bool // every target share filled
}

// PlaceChaseBuy runs a bounded limit-order loop that tracks the best ask:
// submit at ask, poll fills every interval, and when the ask moves, admit
// any raced fills then modify the order to the new ask with quantity
// re-derived from remaining cash. Exits when the target is filled, retries
// are exhausted, or cash runs out; any unfilled remainder is cancelled with
// a post-cancel fill re-check.
func (m *Manager) PlaceChaseBuy(ctx context.Context, symbol string, targetQty, deposit int64, strategy string, interval time.Duration, maxRetries int, signalPrice int64) (*ChaseResult, error) {
	if m.liquidation.Load() {
		return nil, ErrLiquidationMode
	}
	if !m.reservePending(symbol) {
		return nil, ErrDuplicateOrder
	}
	defer m.clearPending(symbol)

	var (
		doneQty  int64 // shares attributed to the position so far
		doneCost int64 // total cost of those shares
		cash     = deposit
	)
	admit := func(o *ManagedOrder, delta, price int64) {
		if delta <= 0 {
			return
		}
		doneQty += delta
		doneCost += delta * price
		cash -= delta * price
		if err := m.positions.Add(symbol, delta, price, strategy, o.OrderID); err != nil {
			m.logger.Error("chase fill attribution", "symbol", symbol, "error", err)
		}
		m.audit(storage.AuditOrderFilled, o, "filled", "chase",
			fmt.Sprintf(`{"delta":%d,"price":%d}`, delta, price))
		if m.onFill != nil {
			m.onFill(*o, delta, 0)
		}
	}
	result := func(o *ManagedOrder) *ChaseResult {
		r := &ChaseResult{FilledQty: doneQty, Completed: doneQty >= targetQty}
		if o != nil {
			r.OrderID = o.OrderID
		}
		if doneQty > 0 {
			r.AvgPrice = float64(doneCost) / float64(doneQty)
		}
		return r
	}

	ask, err := m.broker.GetBestAsk(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("chase buy %s: %w", symbol, err)
	}
	qty := min64(targetQty, cash/ask)
	if qty <= 0 {
		return nil, fmt.Errorf("chase buy %s: deposit %d cannot cover ask %d", symbol, deposit, ask)
	}
	res, err := m.broker.PlaceLimitOrder(ctx, symbol, types.BUY, qty, ask)
	if err != nil || res == nil || !res.Accepted {
		m.auditReject(symbol, types.BUY, qty, ask, strategy, res, err)
		if err != nil {
			return nil, fmt.Errorf("chase buy %s: %w", symbol, err)
		}
		return nil, fmt.Errorf("chase buy %s rejected: %s", symbol, res.Message)
	}

	o := m.register(res, symbol, types.BUY, qty, ask, strategy, signalPrice, 0)
	m.setChase(o.OrderID, true)
	curPrice := ask
	var curFilled int64 // fills attributed on the current tracking order

	poll := func() (int64, error) {
		st, err := m.broker.GetOrderStatus(ctx, o.OrderID,
			&broker.OrderStatusHint{Symbol: symbol, OrderedQty: qty, Side: types.BUY})
		if err != nil {
			return 0, err
		}
		return st.FilledQty, nil
	}

	for retry := 0; retry < maxRetries && doneQty < targetQty; retry++ {
		if err := sleepCtx(ctx, interval); err != nil {
			break
		}
		filled, err := poll()
		if err != nil {
			m.logger.Warn("chase poll failed", "symbol", symbol, "error", err)
			continue
		}
		admit(o, filled-curFilled, curPrice)
		curFilled = filled
		if curFilled >= qty {
			m.finishOrder(o.OrderID, types.OrderFilled, doneQty, doneCost)
			return result(o), nil
		}

		newAsk, err := m.broker.GetBestAsk(ctx, symbol)
		if err != nil {
			m.logger.Warn("chase ask refresh failed", "symbol", symbol, "error", err)
			continue
		}
		if newAsk == curPrice {
			continue
		}

		// Fills race with modification; re-check and admit before touching
		// the order.
		if filled, err = poll(); err == nil {
			admit(o, filled-curFilled, curPrice)
			curFilled = filled
			if curFilled >= qty {
				m.finishOrder(o.OrderID, types.OrderFilled, doneQty, doneCost)
				return result(o), nil
			}
		}

		newQty := min64(targetQty-doneQty, cash/newAsk)
		if newQty <= 0 {
			break
		}
		newID, err := m.broker.ModifyOrder(ctx, o.OrderID, o.BranchCode, newQty, newAsk)
		if err != nil {
			m.logger.Warn("chase modify failed", "symbol", symbol, "error", err)
			continue
		}
		o = m.retrack(o.OrderID, newID, newQty, newAsk)
		qty, curPrice, curFilled = newQty, newAsk, 0
		m.logger.Info("chase repriced",
			"symbol", symbol, "order_id", o.OrderID, "qty", newQty, "price", newAsk)
	}

	// Retries exhausted with an outstanding remainder: cancel, then admit
	// fills that raced the cancel.
	if doneQty < targetQty {
		unfilled := qty - curFilled
		if err := m.broker.CancelOrder(ctx, o.OrderID, o.BranchCode, unfilled); err != nil {
			m.logger.Warn("chase cancel failed", "symbol", symbol, "error", err)
		}
		if filled, err := poll(); err == nil {
			admit(o, filled-curFilled, curPrice)
		}
		state := types.OrderCancelled
		if doneQty > 0 {
			state = types.OrderPartial
		}
		m.finishOrder(o.OrderID, state, doneQty, doneCost)
		m.audit(storage.AuditOrderCancelled, o, string(state), "chase_exhausted", "")
	}
	return result(o), nil
}

// ————————————————————————————————————————————————————————————————————————
// Sell with market fallback
// ————————————————————————————————————————————————————————————————————————

// SellResult summarizes one PlaceSellWithFallback run.
type SellResult struct {
	OrderID        string
	FilledQty      int64
	FallbackQty    int64 // remainder resubmitted as a market order
	RealizedPnL    int64
	FallbackActive bool // a market remainder order is still being tracked
}

// PlaceSellWithFallback submits a limit sell at limitPrice, waits
// fallbackAfter, then converts any unfilled remainder into a market sell.
// The remainder order carries the original avg-cost snapshot so P/L stays
// continuous across both orders.
func (m *Manager) PlaceSellWithFallback(ctx context.Context, symbol string, qty int64, strategy string, limitPrice int64, fallbackAfter time.Duration) (*SellResult, error) {
	pos, ok := m.positions.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("sell %s: no position held", symbol)
	}
	if !m.reservePending(symbol) {
		return nil, ErrDuplicateOrder
	}
	snapshot := pos.AvgCost

	res, err := m.broker.PlaceLimitOrder(ctx, symbol, types.SELL, qty, limitPrice)
	if err != nil || res == nil || !res.Accepted {
		m.clearPending(symbol)
		m.auditReject(symbol, types.SELL, qty, limitPrice, strategy, res, err)
		if err != nil {
			return nil, fmt.Errorf("sell %s: %w", symbol, err)
		}
		return nil, fmt.Errorf("sell %s rejected: %s", symbol, res.Message)
	}
	o := m.register(res, symbol, types.SELL, qty, limitPrice, strategy, 0, snapshot)
	m.setFallback(o.OrderID, true)
	m.logger.Info("limit sell submitted",
		"symbol", symbol, "qty", qty, "price", limitPrice, "order_id", o.OrderID)

	out := &SellResult{OrderID: o.OrderID}
	var attributed int64
	admit := func(delta, price int64) {
		if delta <= 0 {
			return
		}
		attributed += delta
		out.FilledQty += delta
		out.RealizedPnL += (price - int64(snapshot)) * delta
		m.applySellFill(o.OrderID, delta, price)
	}
	poll := func() (types.FillStatus, error) {
		return m.broker.GetOrderStatus(ctx, o.OrderID,
			&broker.OrderStatusHint{Symbol: symbol, OrderedQty: qty, Side: types.SELL})
	}

	if err := sleepCtx(ctx, fallbackAfter); err != nil {
		return out, err
	}

	st, err := poll()
	if err != nil {
		m.logger.Warn("fallback status poll failed", "symbol", symbol, "error", err)
	}
	admit(st.FilledQty-attributed, fillPriceOr(st, limitPrice))
	if attributed >= qty {
		m.finishOrder(o.OrderID, types.OrderFilled, 0, 0)
		m.clearPending(symbol)
		return out, nil
	}

	// Cancel the remainder, then re-check: fills race with cancellation.
	if err := m.broker.CancelOrder(ctx, o.OrderID, o.BranchCode, qty-attributed); err != nil {
		m.logger.Warn("fallback cancel failed", "symbol", symbol, "error", err)
	}
	if st, err = poll(); err == nil {
		admit(st.FilledQty-attributed, fillPriceOr(st, limitPrice))
	}
	if attributed >= qty {
		m.finishOrder(o.OrderID, types.OrderFilled, 0, 0)
		m.clearPending(symbol)
		return out, nil
	}
	state := types.OrderCancelled
	if attributed > 0 {
		state = types.OrderPartial
	}
	m.finishOrder(o.OrderID, state, 0, 0)

	remaining := qty - attributed
	// Only resubmit what the broker still shows as held.
	held := m.heldQuantity(ctx, symbol)
	if held < remaining {
		m.logger.Warn("fallback remainder exceeds holdings, skipping market sell",
			"symbol", symbol, "remaining", remaining, "held", held)
		m.clearPending(symbol)
		return out, nil
	}

	mres, err := m.broker.PlaceMarketOrder(ctx, symbol, types.SELL, remaining)
	if err != nil || mres == nil || !mres.Accepted {
		m.clearPending(symbol)
		m.auditReject(symbol, types.SELL, remaining, 0, strategy, mres, err)
		if err != nil {
			return out, fmt.Errorf("fallback market sell %s: %w", symbol, err)
		}
		return out, fmt.Errorf("fallback market sell %s rejected: %s", symbol, mres.Message)
	}
	fo := m.register(mres, symbol, types.SELL, remaining, 0, strategy, 0, snapshot)
	out.FallbackQty = remaining
	out.FallbackActive = true
	m.logger.Info("fallback market sell submitted",
		"symbol", symbol, "qty", remaining, "order_id", fo.OrderID)
	return out, nil
}

func fillPriceOr(st types.FillStatus, fallback int64) int64 {
	if st.FilledPrice > 0 {
		return st.FilledPrice
	}
	return fallback
}

// ————————————————————————————————————————————————————————————————————————
// Fill reconciliation
// ————————————————————————————————————————————————————————————————————————

// CheckFills reconciles active orders against the broker's today-orders
// view. Runs once per scheduler tick, before strategy dispatch. Orders in a
// chase or fallback flow are skipped; those paths attribute inline.
func (m *Manager) CheckFills(ctx context.Context) error {
	m.mu.Lock()
	n := len(m.active)
	m.mu.Unlock()
	if n == 0 {
		return nil
	}

	today, err := m.broker.GetTodayOrders(ctx)
	if err != nil {
		return fmt.Errorf("check fills: %w", err)
	}
	byID := make(map[string]types.OrderInfo, len(today))
	for _, info := range today {
		byID[info.OrderID] = info
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.active {
		if o.chaseInProgress || o.fallbackActive {
			continue
		}
		info, ok := byID[id]
		if !ok {
			continue
		}
		delta := info.FilledQty - o.FilledQty
		if delta <= 0 {
			continue
		}
		o.FilledQty = info.FilledQty
		o.FilledPrice = info.FilledPrice
		o.UpdatedAt = time.Now()
		m.handleFillLocked(o, delta)
	}
	return nil
}

// ApplyNotice applies one WebSocket execution notice to its order. The fast
// path for fills when the notice stream is healthy; CheckFills remains the
// safety net. Increments that would exceed ordered_qty are dropped as
// duplicates.
func (m *Manager) ApplyNotice(evt types.OrderNoticeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.active[evt.OrderID]
	if !ok || o.chaseInProgress || o.fallbackActive {
		return
	}
	if evt.FilledQty <= 0 || o.FilledQty+evt.FilledQty > o.OrderedQty {
		return
	}
	prevCost := o.FilledQty * o.FilledPrice
	o.FilledQty += evt.FilledQty
	o.FilledPrice = (prevCost + evt.FilledQty*evt.FilledPrice) / o.FilledQty
	o.UpdatedAt = time.Now()
	m.handleFillLocked(o, evt.FilledQty)
}

// realizedPnL is floor((price - avgCost) * qty): multiply before flooring
// so the fractional average cost is not truncated per share.
func realizedPnL(price int64, avgCost float64, qty int64) int64 {
	return int64(math.Floor((float64(price) - avgCost) * float64(qty)))
}

// handleFillLocked attributes one fill increment. Caller holds the lock.
func (m *Manager) handleFillLocked(o *ManagedOrder, delta int64) {
	m.audit(storage.AuditOrderFilled, o, "filled", "",
		fmt.Sprintf(`{"delta":%d,"price":%d}`, delta, o.FilledPrice))

	switch o.Side {
	case types.BUY:
		if err := m.positions.Add(o.Symbol, delta, o.FilledPrice, o.Strategy, o.OrderID); err != nil {
			m.logger.Error("fill attribution", "symbol", o.Symbol, "error", err)
		}
	case types.SELL:
		o.PnL += realizedPnL(o.FilledPrice, o.AvgCostSnapshot, delta)
		if o.AvgCostSnapshot > 0 && o.FilledQty > 0 {
			o.PnLRate = float64(o.PnL) / (o.AvgCostSnapshot * float64(o.FilledQty)) * 100
		}
		if pos, ok := m.positions.Get(o.Symbol); ok {
			m.positions.UpdateQuantity(o.Symbol, pos.Quantity-delta)
		}
	}

	if m.onFill != nil {
		m.onFill(*o, delta, o.AvgCostSnapshot)
	}

	if o.FilledQty >= o.OrderedQty {
		o.State = types.OrderFilled
		delete(m.active, o.OrderID)
		delete(m.pendingStocks, o.Symbol)
		m.logger.Info("order filled",
			"symbol", o.Symbol, "order_id", o.OrderID, "qty", o.FilledQty,
			"price", o.FilledPrice, "pnl", o.PnL)
	} else {
		o.State = types.OrderPartial
	}
	m.persistLocked(o)
}

// applySellFill attributes an inline (fallback-path) sell fill increment.
func (m *Manager) applySellFill(orderID string, delta, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.active[orderID]
	if !ok {
		return
	}
	prevCost := o.FilledQty * o.FilledPrice
	o.FilledQty += delta
	o.FilledPrice = (prevCost + delta*price) / o.FilledQty
	o.PnL += realizedPnL(price, o.AvgCostSnapshot, delta)
	if o.AvgCostSnapshot > 0 {
		o.PnLRate = float64(o.PnL) / (o.AvgCostSnapshot * float64(o.FilledQty)) * 100
	}
	o.UpdatedAt = time.Now()
	if pos, ok := m.positions.Get(o.Symbol); ok {
		m.positions.UpdateQuantity(o.Symbol, pos.Quantity-delta)
	}
	m.audit(storage.AuditOrderFilled, o, "filled", "fallback",
		fmt.Sprintf(`{"delta":%d,"price":%d}`, delta, price))
	if m.onFill != nil {
		m.onFill(*o, delta, o.AvgCostSnapshot)
	}
	m.persistLocked(o)
}

// ————————————————————————————————————————————————————————————————————————
// Cancellation
// ————————————————————————————————————————————————————————————————————————

// CancelOrder cancels one active order at the broker and transitions it to
// cancelled locally.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	o, ok := m.active[orderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("cancel: unknown order %s", orderID)
	}
	branch, unfilled := o.BranchCode, o.OrderedQty-o.FilledQty
	m.mu.Unlock()

	if err := m.broker.CancelOrder(ctx, orderID, branch, unfilled); err != nil {
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.active[orderID]; ok {
		o.State = types.OrderCancelled
		o.UpdatedAt = time.Now()
		delete(m.active, orderID)
		delete(m.pendingStocks, o.Symbol)
		m.persistLocked(o)
		m.audit(storage.AuditOrderCancelled, o, "cancelled", "", "")
		m.logger.Info("order cancelled", "symbol", o.Symbol, "order_id", orderID)
	}
	return nil
}

// CancelAllPending best-effort cancels every active order. Local pending
// state is always cleared, even on broker failure, so the engine can
// proceed with shutdown or liquidation.
func (m *Manager) CancelAllPending(ctx context.Context) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	cancelled := 0
	for _, id := range ids {
		if err := m.CancelOrder(ctx, id); err != nil {
			m.logger.Warn("cancel-all", "order_id", id, "error", err)
			continue
		}
		cancelled++
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.active {
		o.State = types.OrderCancelled
		m.persistLocked(o)
		delete(m.active, id)
	}
	m.pendingStocks = make(map[string]bool)
	return cancelled
}

// ————————————————————————————————————————————————————————————————————————
// Internals
// ————————————————————————————————————————————————————————————————————————

func (m *Manager) reservePending(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingStocks[symbol] {
		return false
	}
	m.pendingStocks[symbol] = true
	return true
}

func (m *Manager) clearPending(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingStocks, symbol)
}

// register records a broker-accepted order as submitted.
func (m *Manager) register(res *types.OrderResult, symbol string, side types.Side, qty, price int64, strategy string, signalPrice int64, snapshot float64) *ManagedOrder {
	now := time.Now()
	o := &ManagedOrder{
		OrderID:         res.OrderID,
		Symbol:          symbol,
		Side:            side,
		OrderedQty:      qty,
		Price:           price,
		Strategy:        strategy,
		State:           types.OrderSubmitted,
		AvgCostSnapshot: snapshot,
		BranchCode:      res.BranchCode,
		SignalPrice:     signalPrice,
		OriginalQty:     qty,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[o.OrderID] = o
	m.pendingStocks[symbol] = true
	m.persistLocked(o)
	m.audit(storage.AuditOrderSubmit, o, "submitted", "", "")
	return o
}

func (m *Manager) setChase(orderID string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.active[orderID]; ok {
		o.chaseInProgress = on
	}
}

func (m *Manager) setFallback(orderID string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.active[orderID]; ok {
		o.fallbackActive = on
	}
}

// retrack moves a chase order to the id returned by a modify (may equal the
// old id) and resets its per-order quantities.
func (m *Manager) retrack(oldID, newID string, qty, price int64) *ManagedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.active[oldID]
	if !ok {
		o = &ManagedOrder{OrderID: newID, CreatedAt: time.Now()}
	}
	if newID != "" && newID != oldID {
		delete(m.active, oldID)
		o.OrderID = newID
	}
	o.OrderedQty = qty
	o.Price = price
	o.FilledQty = 0
	o.FilledPrice = 0
	o.UpdatedAt = time.Now()
	m.active[o.OrderID] = o
	m.persistLocked(o)
	return o
}

// finishOrder transitions a chase/fallback order to its terminal state and
// drops it from the active map. doneQty/doneCost carry cumulative fills for
// the persisted record (0,0 leaves the order's own accounting untouched).
func (m *Manager) finishOrder(orderID string, state types.OrderState, doneQty, doneCost int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.active[orderID]
	if !ok {
		return
	}
	o.State = state
	if doneQty > 0 {
		o.FilledQty = doneQty
		o.FilledPrice = doneCost / doneQty
	}
	o.UpdatedAt = time.Now()
	delete(m.active, orderID)
	delete(m.pendingStocks, o.Symbol)
	m.persistLocked(o)
}

func (m *Manager) heldQuantity(ctx context.Context, symbol string) int64 {
	positions, _, err := m.broker.GetBalance(ctx)
	if err != nil {
		m.logger.Warn("holdings check failed", "symbol", symbol, "error", err)
		return 0
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p.Quantity
		}
	}
	return 0
}

func (m *Manager) persistLocked(o *ManagedOrder) {
	rec := storage.OrderRecord{
		OrderID:         o.OrderID,
		Symbol:          o.Symbol,
		Side:            string(o.Side),
		OrderedQty:      o.OrderedQty,
		Price:           o.Price,
		Strategy:        o.Strategy,
		State:           string(o.State),
		FilledQty:       o.FilledQty,
		FilledPrice:     o.FilledPrice,
		AvgCostSnapshot: o.AvgCostSnapshot,
		BranchCode:      o.BranchCode,
		SignalPrice:     o.SignalPrice,
		OriginalQty:     o.OriginalQty,
		PnL:             o.PnL,
		PnLRate:         o.PnLRate,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if err := m.store.SaveOrder(rec); err != nil {
		m.logger.Error("persist order", "order_id", o.OrderID, "error", err)
	}
}

func (m *Manager) audit(event string, o *ManagedOrder, status, reason, metadata string) {
	rec := storage.AuditRecord{
		EventType:     event,
		Module:        "order",
		CorrelationID: uuid.NewString(),
		SessionID:     m.sessionID,
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		Side:          string(o.Side),
		Quantity:      o.OrderedQty,
		Price:         o.FilledPrice,
		Strategy:      o.Strategy,
		Status:        status,
		Reason:        reason,
		Metadata:      metadata,
	}
	if rec.Price == 0 {
		rec.Price = o.Price
	}
	if err := m.store.AppendAudit(rec); err != nil {
		m.logger.Error("audit append", "event", event, "error", err)
	}
}

func (m *Manager) auditReject(symbol string, side types.Side, qty, price int64, strategy string, res *types.OrderResult, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	} else if res != nil {
		reason = res.Message
	}
	rec := storage.AuditRecord{
		EventType:     storage.AuditOrderFailed,
		Module:        "order",
		CorrelationID: uuid.NewString(),
		SessionID:     m.sessionID,
		Symbol:        symbol,
		Side:          string(side),
		Quantity:      qty,
		Price:         price,
		Strategy:      strategy,
		Status:        "rejected",
		Reason:        reason,
	}
	if aerr := m.store.AppendAudit(rec); aerr != nil {
		m.logger.Error("audit append", "event", rec.EventType, "error", aerr)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
