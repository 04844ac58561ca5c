package scalper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leverage-worker/internal/broker"
	"leverage-worker/pkg/types"
)

// State is the executor's per-symbol position in the micro cycle.
type State string

const (
	StateIdle         State = "idle"
	StateMonitoring   State = "monitoring"
	StateBuyPending   State = "buy_pending"
	StatePositionHeld State = "position_held"
	StateSellPending  State = "sell_pending"
	StateCooldown     State = "cooldown"
)

// Broker is the gateway slice the executor depends on.
type Broker interface {
	PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, qty, price int64) (*types.OrderResult, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty int64) (*types.OrderResult, error)
	CancelOrder(ctx context.Context, orderID, branch string, qty int64) error
	GetOrderStatus(ctx context.Context, orderID string, hint *broker.OrderStatusHint) (types.FillStatus, error)
	GetBuyableQuantity(ctx context.Context, symbol string, currentPrice int64) (qty, maxCash int64, err error)
}

// Config tunes one executor. Zero fields take the defaults below.
type Config struct {
	TPPct           float64 // signal-level take profit, percent
	SLPct           float64 // signal-level stop loss, percent
	SellProfitPct   float64 // per-cycle sell target above held avg, percent
	TimeoutMinutes  int     // signal lifetime
	CooldownSeconds int
	MaxCycles       int
	MinTicks        int
	WindowSeconds   int
	AdaptiveWindow  bool // stretch the window 15..60s against volatility
	Percentile      float64
	UptickThreshold float64
	BuyTimeoutSec   int
	PollIntervalSec int     // REST poll cadence when the notice stream is down
	Allocation      float64 // percent of broker-buyable quantity
}

func (c Config) withDefaults() Config {
	if c.TPPct == 0 {
		c.TPPct = 0.3
	}
	if c.SLPct == 0 {
		c.SLPct = 1.0
	}
	if c.SellProfitPct == 0 {
		c.SellProfitPct = 0.1
	}
	if c.TimeoutMinutes == 0 {
		c.TimeoutMinutes = 60
	}
	if c.CooldownSeconds == 0 {
		c.CooldownSeconds = 30
	}
	if c.MaxCycles == 0 {
		c.MaxCycles = 3
	}
	if c.MinTicks == 0 {
		c.MinTicks = 10
	}
	if c.WindowSeconds == 0 {
		c.WindowSeconds = 10
	}
	if c.Percentile == 0 {
		c.Percentile = 10
	}
	if c.UptickThreshold == 0 {
		c.UptickThreshold = 0.4
	}
	if c.BuyTimeoutSec == 0 {
		c.BuyTimeoutSec = 30
	}
	if c.PollIntervalSec == 0 {
		c.PollIntervalSec = 3
	}
	if c.Allocation == 0 {
		c.Allocation = 100
	}
	return c
}

// CycleFunc reports one completed buy/sell cycle.
type CycleFunc func(symbol string, cycle int, qty, pnl int64)

// Executor runs the micro state machine for one symbol. Tick events and
// order notices both funnel through the single mutex, so the WebSocket
// reader and the polling path never interleave state changes. It keeps its
// own held_qty/held_avg bookkeeping, separate from the position manager, to
// isolate the cycle from other strategies.
type Executor struct {
	symbol  string
	cfg     Config
	broker  Broker
	gate    func() bool // order-notice stream healthy?
	onCycle CycleFunc
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	state  State
	window *Window

	// Signal context, valid from activation to idle.
	signalPrice int64
	tpPrice     int64
	slPrice     int64
	deadline    time.Time
	cycles      int
	totalPnL    int64
	signalDead  bool

	// Buy leg.
	buyOrderID   string
	buyBranch    string
	buyQty       int64
	buyPrice     int64
	buyPlacedAt  time.Time
	buyRemaining int64 // duplicate-suppression budget for fills

	// Inventory for the current cycle.
	heldQty  int64
	heldCost int64

	// Sell leg.
	sellOrderID string
	sellBranch  string
	sellQty     int64
	sellFilled  int64
	sellGained  int64 // proceeds of sell fills
	sellMarket  bool  // current sell leg is already a market order

	cooldownFrom time.Time
	lastPoll     time.Time
}

func NewExecutor(symbol string, cfg Config, b Broker, noticeActive func() bool, onCycle CycleFunc, logger *slog.Logger) *Executor {
	cfg = cfg.withDefaults()
	var w *Window
	if cfg.AdaptiveWindow {
		w = NewAdaptiveWindow(15*time.Second, 60*time.Second)
	} else {
		w = NewWindow(time.Duration(cfg.WindowSeconds) * time.Second)
	}
	if noticeActive == nil {
		noticeActive = func() bool { return false }
	}
	return &Executor{
		symbol: symbol,
		cfg:    cfg,
		broker: b,
		gate:   noticeActive,
		onCycle: onCycle,
		logger: logger.With("component", "scalper", "symbol", symbol),
		now:    time.Now,
		state:  StateIdle,
		window: w,
	}
}

// State returns the current machine state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// TotalPnL returns the realized P/L across completed cycles of the current
// signal.
func (e *Executor) TotalPnL() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalPnL
}

// Activate arms the executor with a buy signal. No-op unless idle.
func (e *Executor) Activate(sig types.TradingSignal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return fmt.Errorf("scalper %s: busy (%s)", e.symbol, e.state)
	}
	price := sig.Metadata.LimitPrice
	if price <= 0 {
		return fmt.Errorf("scalper %s: signal has no limit price", e.symbol)
	}
	timeout := time.Duration(sig.Metadata.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(e.cfg.TimeoutMinutes) * time.Minute
	}
	now := e.now()
	e.signalPrice = price
	e.tpPrice = RoundSellF(float64(price) * (1 + e.cfg.TPPct/100))
	e.slPrice = RoundBuyF(float64(price) * (1 - e.cfg.SLPct/100))
	e.deadline = now.Add(timeout)
	e.cycles = 0
	e.totalPnL = 0
	e.signalDead = false
	e.window.Reset()
	e.state = StateMonitoring
	e.logger.Info("signal armed",
		"price", price, "tp", e.tpPrice, "sl", e.slPrice, "deadline", e.deadline.Format("15:04:05"))
	return nil
}

// Deactivate cancels outstanding orders and forces the machine to idle.
// Held inventory is market-sold first.
func (e *Executor) Deactivate(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireLocked(ctx, "deactivated")
}

// OnTick advances the machine on one market tick.
func (e *Executor) OnTick(ctx context.Context, evt types.TickEvent) {
	if evt.Symbol != e.symbol {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	switch e.state {
	case StateMonitoring:
		e.tickMonitoring(ctx, evt, now)
	case StateBuyPending:
		e.tickBuyPending(ctx, evt, now)
	case StatePositionHeld:
		e.tickPositionHeld(ctx, evt, now)
	case StateSellPending:
		e.tickSellPending(ctx, evt, now)
	case StateCooldown:
		e.tickCooldown(now)
	}
}

// OnOrderNotice applies a WebSocket execution notice. Fills arriving here
// skip the next REST poll; increments beyond the order's remaining quantity
// are dropped as duplicates.
func (e *Executor) OnOrderNotice(ctx context.Context, evt types.OrderNoticeEvent) {
	if evt.Symbol != e.symbol {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch evt.OrderID {
	case e.buyOrderID:
		if evt.FilledQty <= 0 || evt.FilledQty > e.buyRemaining {
			return
		}
		e.applyBuyFill(ctx, evt.FilledQty, evt.FilledPrice)
	case e.sellOrderID:
		if evt.FilledQty <= 0 || e.sellFilled+evt.FilledQty > e.sellQty {
			return
		}
		e.applySellFill(evt.FilledQty, evt.FilledPrice)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Per-state tick handlers (mutex held)
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) tickMonitoring(ctx context.Context, evt types.TickEvent, now time.Time) {
	if e.checkExpiry(ctx, evt.Price, now) {
		return
	}
	e.window.Add(evt.Price, evt.Timestamp)
	if e.window.Count() < e.cfg.MinTicks {
		return
	}
	buyPrice := RoundBuy(e.window.Percentile(e.cfg.Percentile))
	if buyPrice > e.signalPrice {
		return
	}
	if e.window.UptickRatio() < e.cfg.UptickThreshold {
		return
	}

	qty, _, err := e.broker.GetBuyableQuantity(ctx, e.symbol, buyPrice)
	if err != nil {
		e.logger.Warn("buyable check failed", "error", err)
		return
	}
	qty = int64(float64(qty) * e.cfg.Allocation / 100)
	if qty <= 0 {
		e.logger.Warn("no buyable quantity", "price", buyPrice)
		return
	}

	res, err := e.broker.PlaceLimitOrder(ctx, e.symbol, types.BUY, qty, buyPrice)
	if err != nil || res == nil || !res.Accepted {
		e.logger.Warn("buy submit failed", "price", buyPrice, "error", err)
		return
	}
	e.buyOrderID = res.OrderID
	e.buyBranch = res.BranchCode
	e.buyQty = qty
	e.buyPrice = buyPrice
	e.buyPlacedAt = now
	e.buyRemaining = qty
	e.state = StateBuyPending
	e.logger.Info("buy submitted", "order_id", res.OrderID, "qty", qty, "price", buyPrice)
}

func (e *Executor) tickBuyPending(ctx context.Context, evt types.TickEvent, now time.Time) {
	if e.checkExpiry(ctx, evt.Price, now) {
		return
	}
	if now.Sub(e.buyPlacedAt) > time.Duration(e.cfg.BuyTimeoutSec)*time.Second {
		e.logger.Info("buy timed out, cancelling", "order_id", e.buyOrderID)
		e.cancelBuy(ctx)
		if e.heldQty > 0 {
			e.state = StatePositionHeld
		} else {
			e.window.Reset()
			e.state = StateMonitoring
		}
		return
	}
	e.pollBuyIfDue(ctx, now)
}

func (e *Executor) tickPositionHeld(ctx context.Context, evt types.TickEvent, now time.Time) {
	avg := e.heldAvg()
	target := RoundSellF(avg * (1 + e.cfg.SellProfitPct/100))
	floor := RoundBuyF(avg * (1 - e.cfg.SLPct/100))

	switch {
	case evt.Price >= target:
		e.exitHeld(ctx, "tp")
		return
	case evt.Price <= floor:
		e.exitHeld(ctx, "sl")
		return
	}
	if e.checkExpiry(ctx, evt.Price, now) {
		return
	}
	e.pollBuyIfDue(ctx, now)
}

func (e *Executor) tickSellPending(ctx context.Context, evt types.TickEvent, now time.Time) {
	// SL during the sell wait converts the limit remainder to a market
	// sell. A market leg is left to complete.
	if evt.Price <= e.slPrice && !e.sellMarket && e.sellOrderID != "" {
		e.logger.Info("stop hit during sell wait, going to market", "price", evt.Price)
		e.cancelSell(ctx)
		if e.state != StateSellPending {
			return // cancel-race fills completed the cycle
		}
		if rem := e.sellQty - e.sellFilled; rem > 0 {
			e.marketSell(ctx, rem)
		}
		return
	}
	e.pollSellIfDue(ctx, now)
}

func (e *Executor) tickCooldown(now time.Time) {
	if now.Sub(e.cooldownFrom) < time.Duration(e.cfg.CooldownSeconds)*time.Second {
		return
	}
	if e.signalDead || e.cycles >= e.cfg.MaxCycles || !now.Before(e.deadline) {
		e.state = StateIdle
		e.logger.Info("signal retired", "cycles", e.cycles, "pnl", e.totalPnL)
		return
	}
	e.window.Reset()
	e.state = StateMonitoring
	e.logger.Info("next cycle", "cycle", e.cycles+1)
}

// ————————————————————————————————————————————————————————————————————————
// Fills
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) applyBuyFill(ctx context.Context, delta, price int64) {
	e.heldQty += delta
	e.heldCost += delta * price
	e.buyRemaining -= delta
	e.logger.Info("buy fill", "delta", delta, "price", price,
		"held", e.heldQty, "avg", e.heldAvg())
	if e.buyRemaining > 0 {
		e.state = StatePositionHeld
		return
	}
	e.clearBuy()
	e.placeCycleSell(ctx)
}

func (e *Executor) applySellFill(delta, price int64) {
	e.sellFilled += delta
	e.sellGained += delta * price
	if e.sellFilled < e.sellQty {
		return
	}
	pnl := e.sellGained - e.heldCost
	e.cycles++
	e.totalPnL += pnl
	e.logger.Info("cycle complete",
		"cycle", e.cycles, "qty", e.sellQty, "pnl", pnl)
	if e.onCycle != nil {
		e.onCycle(e.symbol, e.cycles, e.sellQty, pnl)
	}
	e.heldQty, e.heldCost = 0, 0
	e.clearSell()
	if e.signalDead {
		e.state = StateIdle
		return
	}
	e.cooldownFrom = e.now()
	e.state = StateCooldown
}

// placeCycleSell submits the limit sell at held_avg*(1+sell_profit),
// rounded up to tick.
func (e *Executor) placeCycleSell(ctx context.Context) {
	price := RoundSellF(e.heldAvg() * (1 + e.cfg.SellProfitPct/100))
	res, err := e.broker.PlaceLimitOrder(ctx, e.symbol, types.SELL, e.heldQty, price)
	if err != nil || res == nil || !res.Accepted {
		e.logger.Error("cycle sell submit failed", "error", err)
		// Inventory remains; position_held keeps watching for an exit.
		e.state = StatePositionHeld
		return
	}
	e.sellOrderID = res.OrderID
	e.sellBranch = res.BranchCode
	e.sellQty = e.heldQty
	e.sellFilled = 0
	e.sellGained = 0
	e.sellMarket = false
	e.state = StateSellPending
	e.logger.Info("sell submitted", "order_id", res.OrderID, "qty", e.sellQty, "price", price)
}

func (e *Executor) marketSell(ctx context.Context, qty int64) {
	res, err := e.broker.PlaceMarketOrder(ctx, e.symbol, types.SELL, qty)
	if err != nil || res == nil || !res.Accepted {
		e.logger.Error("market sell submit failed", "qty", qty, "error", err)
		e.state = StatePositionHeld
		return
	}
	e.sellOrderID = res.OrderID
	e.sellBranch = res.BranchCode
	e.sellQty = e.sellFilled + qty
	e.sellMarket = true
	e.state = StateSellPending
	e.logger.Info("market sell submitted", "order_id", res.OrderID, "qty", qty)
}

// exitHeld cancels the outstanding buy (admitting cancel-race fills) and
// market-sells the held quantity.
func (e *Executor) exitHeld(ctx context.Context, reason string) {
	e.logger.Info("exiting held inventory", "reason", reason, "qty", e.heldQty)
	e.cancelBuy(ctx)
	if e.heldQty <= 0 {
		e.window.Reset()
		e.state = StateMonitoring
		return
	}
	e.sellFilled, e.sellGained = 0, 0
	e.marketSell(ctx, e.heldQty)
}

// ————————————————————————————————————————————————————————————————————————
// Polling and cancellation
// ————————————————————————————————————————————————————————————————————————

// pollBuyIfDue REST-polls buy fills when the notice stream is down.
func (e *Executor) pollBuyIfDue(ctx context.Context, now time.Time) {
	if e.gate() || e.buyOrderID == "" {
		return
	}
	if now.Sub(e.lastPoll) < time.Duration(e.cfg.PollIntervalSec)*time.Second {
		return
	}
	e.lastPoll = now
	st, err := e.broker.GetOrderStatus(ctx, e.buyOrderID,
		&broker.OrderStatusHint{Symbol: e.symbol, OrderedQty: e.buyQty, Side: types.BUY})
	if err != nil {
		e.logger.Warn("buy poll failed", "error", err)
		return
	}
	attributed := e.buyQty - e.buyRemaining
	if delta := st.FilledQty - attributed; delta > 0 {
		e.applyBuyFill(ctx, delta, priceOr(st.FilledPrice, e.buyPrice))
	}
}

func (e *Executor) pollSellIfDue(ctx context.Context, now time.Time) {
	if e.gate() || e.sellOrderID == "" {
		return
	}
	if now.Sub(e.lastPoll) < time.Duration(e.cfg.PollIntervalSec)*time.Second {
		return
	}
	e.lastPoll = now
	st, err := e.broker.GetOrderStatus(ctx, e.sellOrderID,
		&broker.OrderStatusHint{Symbol: e.symbol, OrderedQty: e.sellQty, Side: types.SELL})
	if err != nil {
		e.logger.Warn("sell poll failed", "error", err)
		return
	}
	if delta := st.FilledQty - e.sellFilled; delta > 0 {
		e.applySellFill(delta, priceOr(st.FilledPrice, e.sellPrice()))
	}
}

// cancelBuy cancels the outstanding buy and admits any fills that raced the
// cancel.
func (e *Executor) cancelBuy(ctx context.Context) {
	if e.buyOrderID == "" {
		return
	}
	if err := e.broker.CancelOrder(ctx, e.buyOrderID, e.buyBranch, e.buyRemaining); err != nil {
		e.logger.Warn("buy cancel failed", "order_id", e.buyOrderID, "error", err)
	}
	st, err := e.broker.GetOrderStatus(ctx, e.buyOrderID,
		&broker.OrderStatusHint{Symbol: e.symbol, OrderedQty: e.buyQty, Side: types.BUY})
	if err == nil {
		attributed := e.buyQty - e.buyRemaining
		if delta := st.FilledQty - attributed; delta > 0 {
			e.heldQty += delta
			e.heldCost += delta * priceOr(st.FilledPrice, e.buyPrice)
			e.buyRemaining -= delta
			e.logger.Info("cancel-race buy fill admitted", "delta", delta)
		}
	}
	e.clearBuy()
}

func (e *Executor) cancelSell(ctx context.Context) {
	if e.sellOrderID == "" {
		return
	}
	if err := e.broker.CancelOrder(ctx, e.sellOrderID, e.sellBranch, e.sellQty-e.sellFilled); err != nil {
		e.logger.Warn("sell cancel failed", "order_id", e.sellOrderID, "error", err)
	}
	orderID := e.sellOrderID
	e.sellOrderID = ""
	st, err := e.broker.GetOrderStatus(ctx, orderID,
		&broker.OrderStatusHint{Symbol: e.symbol, OrderedQty: e.sellQty, Side: types.SELL})
	if err != nil {
		return
	}
	if delta := st.FilledQty - e.sellFilled; delta > 0 {
		e.logger.Info("cancel-race sell fill admitted", "delta", delta)
		e.applySellFill(delta, priceOr(st.FilledPrice, e.slPrice))
	}
}

// checkExpiry retires the signal on TP, SL, or timeout. Returns true when
// the signal died.
func (e *Executor) checkExpiry(ctx context.Context, price int64, now time.Time) bool {
	var reason string
	switch {
	case !now.Before(e.deadline):
		reason = "timeout"
	case price >= e.tpPrice:
		reason = "tp_reached"
	case price <= e.slPrice:
		reason = "sl_reached"
	default:
		return false
	}
	e.expireLocked(ctx, reason)
	return true
}

// expireLocked kills the signal: cancel outstanding orders, liquidate any
// held inventory, and head to idle (via sell_pending when a liquidation
// order is in flight).
func (e *Executor) expireLocked(ctx context.Context, reason string) {
	if e.state == StateIdle {
		return
	}
	e.logger.Info("signal expired", "reason", reason, "state", e.state)
	e.signalDead = true
	e.cancelBuy(ctx)
	if e.state == StateSellPending && e.sellOrderID != "" {
		if e.sellMarket {
			// A market liquidation is already in flight; it completes to
			// idle.
			return
		}
		e.cancelSell(ctx)
		if e.state != StateSellPending {
			e.state = StateIdle
			return
		}
		if rem := e.sellQty - e.sellFilled; rem > 0 {
			e.marketSell(ctx, rem)
			return
		}
	}
	if e.heldQty > 0 {
		e.sellFilled, e.sellGained = 0, 0
		e.marketSell(ctx, e.heldQty)
		return
	}
	e.state = StateIdle
}

// ————————————————————————————————————————————————————————————————————————
// Small helpers (mutex held)
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) heldAvg() float64 {
	if e.heldQty == 0 {
		return 0
	}
	return float64(e.heldCost) / float64(e.heldQty)
}

func (e *Executor) clearBuy() {
	e.buyOrderID, e.buyBranch = "", ""
}

func (e *Executor) clearSell() {
	e.sellOrderID, e.sellBranch = "", ""
	e.sellQty, e.sellFilled, e.sellGained = 0, 0, 0
	e.sellMarket = false
}

func priceOr(p, fallback int64) int64 {
	if p > 0 {
		return p
	}
	return fallback
}

func (e *Executor) sellPrice() int64 {
	if e.heldQty > 0 {
		return RoundSellF(e.heldAvg() * (1 + e.cfg.SellProfitPct/100))
	}
	return 0
}
