// Package engine is the lifecycle controller of the trading worker.
//
// It wires together all subsystems:
//
//  1. The scheduler drives strategy evaluation on per-symbol cadences.
//  2. The order manager reconciles local order intent with broker truth.
//  3. The position manager tracks cost basis across fills and restarts.
//  4. The realtime stream feeds the scalping executors, the exit monitor,
//     and the order-notice fast path.
//  5. The session tracker detects crashes and the emergency-stop sentinel.
//
// Lifecycle: New() → Start() → [runs until SIGINT or emergency stop] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"leverage-worker/internal/broker"
	"leverage-worker/internal/clock"
	"leverage-worker/internal/config"
	"leverage-worker/internal/exitmon"
	"leverage-worker/internal/notify"
	"leverage-worker/internal/order"
	"leverage-worker/internal/position"
	"leverage-worker/internal/scalper"
	"leverage-worker/internal/scheduler"
	"leverage-worker/internal/session"
	"leverage-worker/internal/status"
	"leverage-worker/internal/storage"
	"leverage-worker/internal/strategy"
	"leverage-worker/pkg/types"
)

// Candle history is environment-independent, so one market store serves
// both modes. Trading state never crosses environments.
func marketStorePath(dataDir string) string {
	return filepath.Join(dataDir, "market_data.db")
}

func tradingStorePath(dataDir string, mode types.Mode) string {
	return filepath.Join(dataDir, "trading_"+string(mode)+".db")
}

// gateway is the broker slice the strategy host consumes. Satisfied by
// *broker.Client; narrowed for tests.
type gateway interface {
	GetCurrentPrice(ctx context.Context, symbol string) (*types.StockPrice, error)
	GetBuyableQuantity(ctx context.Context, symbol string, currentPrice int64) (qty, maxCash int64, err error)
	GetDailyCandles(ctx context.Context, symbol string, from, to time.Time) ([]types.Candle, error)
	GetMinuteCandles(ctx context.Context, symbol, anchorHMS string) ([]types.Candle, error)
}

// hostedStrategy is one (symbol, strategy) attachment from config.
type hostedStrategy struct {
	name       string
	impl       strategy.Strategy
	allocation float64 // percent of buyable qty, (0,100]
	wsMode     bool
	params     map[string]any
}

// Engine owns every component and all long-lived goroutines.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	auth      *broker.Auth
	client    *broker.Client
	gw        gateway
	stream    *broker.Stream // nil when no websocket-mode strategies
	market    *storage.MarketStore
	trading   *storage.TradingStore
	positions *position.Manager
	orders    *order.Manager
	exits     *exitmon.Monitor
	sched     *scheduler.Scheduler
	tracker   *session.Tracker
	notifier  *notify.Notifier
	statusSrv *status.Server

	hosts    map[string][]*hostedStrategy
	scalpers map[string]*scalper.Executor

	sessionID string
	startedAt time.Time
	liqTime   clock.HHMM

	mu          sync.Mutex
	realizedPnL int64
	tradeCounts map[string]int
	tradeDate   string
	lastLiqDate string
	dailyCache  map[string][]types.Candle
	lastScalpEval map[string]time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped chan struct{}
	stopOnce sync.Once
}

// New validates configuration, loads credentials, opens the stores, and
// constructs all components. Nothing touches the network yet.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	credPath, err := config.CredentialsPath()
	if err != nil {
		return nil, err
	}
	creds, err := config.LoadCredentials(credPath, cfg.Mode)
	if err != nil {
		return nil, err
	}

	dataDir := cfg.Store.DataDir
	market, err := storage.OpenMarket(marketStorePath(dataDir))
	if err != nil {
		return nil, fmt.Errorf("open market store: %w", err)
	}
	trading, err := storage.OpenTrading(tradingStorePath(dataDir, cfg.Mode))
	if err != nil {
		return nil, fmt.Errorf("open trading store: %w", err)
	}

	auth := broker.NewAuth(broker.RESTBase(cfg.Mode), creds, cfg.Mode, dataDir, logger)
	client := broker.NewClient(broker.RESTBase(cfg.Mode), auth, creds, cfg.Mode, logger)

	sessionID := uuid.NewString()
	notifier := notify.NewNotifier(cfg.Notification, cfg.Mode, logger)
	positions := position.NewManager(client, trading, logger)
	orders := order.NewManager(client, positions, trading, sessionID, logger)
	tracker := session.NewTracker(dataDir, cfg.Mode, logger)

	liqTime, err := clock.ParseHHMM(cfg.Schedule.LiquidationTime)
	if err != nil {
		return nil, fmt.Errorf("liquidation_time: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:           cfg,
		logger:        logger.With("component", "engine"),
		auth:          auth,
		client:        client,
		gw:            client,
		market:        market,
		trading:       trading,
		positions:     positions,
		orders:        orders,
		tracker:       tracker,
		notifier:      notifier,
		hosts:         make(map[string][]*hostedStrategy),
		scalpers:      make(map[string]*scalper.Executor),
		sessionID:     sessionID,
		liqTime:       liqTime,
		tradeCounts:   make(map[string]int),
		dailyCache:    make(map[string][]types.Candle),
		lastScalpEval: make(map[string]time.Time),
		ctx:           ctx,
		cancel:        cancel,
		stopped:       make(chan struct{}),
	}

	if err := e.buildStrategies(); err != nil {
		cancel()
		return nil, err
	}

	if e.needsStream() {
		e.stream = broker.NewStream(broker.WSBase(cfg.Mode), auth, cfg.Mode, creds.HTSID,
			cfg.TradingStart, cfg.TradingEnd, logger)
	}
	e.exits = exitmon.NewMonitor(streamOrNil(e.stream), e.onExitSignal, logger)

	for symbol, hss := range e.hosts {
		for _, hs := range hss {
			if !hs.wsMode {
				continue
			}
			e.scalpers[symbol] = scalper.NewExecutor(
				symbol, scalpConfig(hs), client, e.noticeHealthy, e.onScalpCycle, logger)
			break
		}
	}

	var stocks []scheduler.StockSchedule
	for _, s := range cfg.Symbols() {
		stocks = append(stocks, scheduler.StockSchedule{
			Symbol:   s,
			Interval: cfg.Interval(s),
			Offset:   cfg.Offset(s),
		})
	}
	e.sched = scheduler.New(stocks, cfg.TradingStart, cfg.TradingEnd,
		time.Duration(cfg.Schedule.IdleCheckIntervalSeconds)*time.Second,
		scheduler.Hooks{
			OnStockTick:   e.onStockTick,
			OnMarketOpen:  e.onMarketOpen,
			OnMarketClose: e.onMarketClose,
			OnIdle:        e.onIdle,
			OnCheckFills:  e.onCheckFills,
		}, logger)

	orders.SetFillCallback(e.onFill)
	tracker.SetSnapshotFunc(e.sessionSnapshot)

	if cfg.Status.Enabled {
		e.statusSrv = status.NewServer(cfg.Status.Port, e, logger)
	}
	return e, nil
}

// buildStrategies instantiates every (symbol, strategy) pair from config.
func (e *Engine) buildStrategies() error {
	registry := strategy.NewRegistry()
	for symbol, stock := range e.cfg.Stocks {
		for _, sc := range stock.Strategies {
			impl, err := registry.New(sc.Name, sc.Params)
			if err != nil {
				return fmt.Errorf("stocks.%s: %w", symbol, err)
			}
			alloc := sc.Allocation
			if alloc == 0 {
				alloc = 100
			}
			e.hosts[symbol] = append(e.hosts[symbol], &hostedStrategy{
				name:       sc.Name,
				impl:       impl,
				allocation: alloc,
				wsMode:     sc.ExecutionMode == "websocket",
				params:     sc.Params,
			})
		}
	}
	return nil
}

func (e *Engine) needsStream() bool {
	for _, hss := range e.hosts {
		for _, hs := range hss {
			if hs.wsMode {
				return true
			}
			if paramPositive(hs.params, "tp_pct") || paramPositive(hs.params, "sl_pct") {
				return true
			}
		}
	}
	return false
}

// Start runs the full boot sequence: crash check, authentication, position
// recovery, cache priming, then all long-lived workers.
func (e *Engine) Start() error {
	e.startedAt = time.Now()
	e.logger.Info("starting", "mode", e.cfg.Mode, "session_id", e.sessionID,
		"symbols", e.cfg.Symbols())

	if rec, err := e.tracker.CheckPreviousCrash(); err != nil {
		e.logger.Error("crash check failed", "error", err)
	} else if rec != nil {
		e.notifier.CrashDetected(e.ctx, rec.SessionID, rec.LastHeartbeat, len(rec.ActiveOrderIDs))
	}

	authCtx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()
	if err := e.auth.Authenticate(authCtx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	refreshBefore := time.Duration(e.cfg.Session.TokenRefreshHoursBefore) * time.Hour
	e.spawn(func() { e.auth.RunRefresher(e.ctx, refreshBefore) })

	// Crash or not, broker truth wins: load local state then re-sync.
	if err := e.positions.Load(); err != nil {
		e.logger.Error("position load failed", "error", err)
	}
	if err := e.positions.Sync(e.ctx); err != nil {
		e.logger.Error("position sync failed", "error", err)
	}
	if err := e.orders.Load(); err != nil {
		e.logger.Error("order load failed", "error", err)
	}

	e.primeCaches(e.ctx)

	if err := e.tracker.Start(e.sessionID); err != nil {
		return fmt.Errorf("session start: %w", err)
	}
	e.spawn(func() { e.tracker.RunHeartbeat(e.ctx, 30*time.Second) })

	watcher := session.NewEmergencyWatcher(e.cfg.Store.DataDir, e.onEmergencyStop, e.logger)
	e.spawn(func() { watcher.Run(e.ctx) })
	e.spawn(func() { e.runHealthChecks(e.ctx) })

	if e.stream != nil {
		e.spawn(func() { e.superviseStream(e.ctx) })
		e.spawn(func() { e.fanOutEvents(e.ctx) })
		if symbols := e.scalpSymbols(); len(symbols) > 0 {
			if err := e.stream.Subscribe(symbols); err != nil {
				e.logger.Warn("tick subscribe failed", "error", err)
			}
		}
	}

	e.spawn(func() { e.sched.Run(e.ctx) })

	if e.statusSrv != nil {
		e.spawn(func() {
			if err := e.statusSrv.Start(); err != nil {
				e.logger.Error("status server failed", "error", err)
			}
		})
	}
	e.logger.Info("started")
	return nil
}

// Stop shuts everything down: workers first, then a best-effort cancel of
// pending orders, session file, and stores.
func (e *Engine) Stop() {
	e.logger.Info("stopping")
	e.cancel()

	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if n := e.orders.CancelAllPending(cancelCtx); n > 0 {
		e.logger.Info("cancelled pending orders on shutdown", "count", n)
	}
	cancel()

	if err := e.tracker.Stop(); err != nil {
		e.logger.Error("session stop write failed", "error", err)
	}

	e.wg.Wait()
	if e.stream != nil {
		e.stream.Close()
	}
	if e.statusSrv != nil {
		if err := e.statusSrv.Stop(); err != nil {
			e.logger.Warn("status server stop", "error", err)
		}
	}
	e.market.Close()
	e.trading.Close()
	e.logger.Info("shutdown complete")
}

// Stopped is closed when the engine halts itself (emergency stop). main
// selects on it alongside SIGINT.
func (e *Engine) Stopped() <-chan struct{} { return e.stopped }

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Event fan-out and callbacks
// ————————————————————————————————————————————————————————————————————————

// fanOutEvents routes stream events: ticks to the exit monitor and scalping
// executors, order notices to the scalpers' fast path and the order manager.
func (e *Engine) fanOutEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-e.stream.Ticks():
			status.IncTick(tick.Symbol)
			e.exits.OnTick(tick)
			if ex, ok := e.scalpers[tick.Symbol]; ok {
				e.evalScalpEntry(ctx, tick, ex)
				ex.OnTick(ctx, tick)
			}
		case notice := <-e.stream.OrderNotices():
			if ex, ok := e.scalpers[notice.Symbol]; ok {
				ex.OnOrderNotice(ctx, notice)
			}
			e.orders.ApplyNotice(notice)
		}
	}
}

func (e *Engine) noticeHealthy() bool {
	return e.stream != nil && e.stream.IsOrderNoticeActive()
}

// onFill runs once per attributed fill increment, under the order manager's
// lock. Keep it light; notifications go out on their own goroutine.
func (e *Engine) onFill(o order.ManagedOrder, delta int64, snapshot float64) {
	if o.State == types.OrderFilled {
		status.IncOrderFilled(string(o.Side), o.Strategy)
	}

	if o.Side == types.BUY && o.State == types.OrderFilled {
		e.armExitMonitor(o)
	}
	if o.Side == types.SELL {
		e.mu.Lock()
		if o.State == types.OrderFilled {
			e.realizedPnL += o.PnL
		}
		realized := e.realizedPnL
		e.mu.Unlock()
		status.SetRealizedPnL(float64(realized))
		if o.State == types.OrderFilled && e.exits.Monitored(o.Symbol) {
			e.exits.Unregister(o.Symbol)
		}
	}
	status.SetOpenPositions(e.positions.Count())

	oc := o
	go e.notifier.OrderFilled(context.Background(), oc.Symbol, string(oc.Side),
		delta, float64(oc.FilledPrice), float64(oc.PnL), oc.PnLRate)
}

// armExitMonitor registers a completed buy with the exit monitor when the
// owning strategy configures exit thresholds.
func (e *Engine) armExitMonitor(o order.ManagedOrder) {
	hs := e.lookupStrategy(o.Symbol, o.Strategy)
	if hs == nil || hs.wsMode {
		return
	}
	tp := paramFloatOr(hs.params, "tp_pct", 0)
	sl := paramFloatOr(hs.params, "sl_pct", 0)
	hold := int(paramFloatOr(hs.params, "max_holding_minutes", 0))
	if tp <= 0 && sl <= 0 && hold <= 0 {
		return
	}
	pos, ok := e.positions.Get(o.Symbol)
	if !ok {
		return
	}
	err := e.exits.Register(exitmon.Registration{
		Symbol:            o.Symbol,
		Strategy:          o.Strategy,
		AvgPrice:          pos.AvgCost,
		Quantity:          pos.Quantity,
		EntryTime:         time.Now(),
		TPPct:             tp,
		SLPct:             sl,
		MaxHoldingMinutes: hold,
	})
	if err != nil {
		e.logger.Warn("exit monitor registration failed", "symbol", o.Symbol, "error", err)
	}
}

// onExitSignal turns an exit monitor trigger into a market sell.
func (e *Engine) onExitSignal(sig exitmon.ExitSignal) {
	status.IncExit(sig.Reason)
	go e.notifier.ExitTriggered(context.Background(), sig.Symbol, sig.Reason, sig.Quantity, sig.Price)

	if _, err := e.orders.PlaceSellOrder(e.ctx, sig.Symbol, sig.Quantity, sig.Strategy, sig.Price); err != nil {
		e.logger.Error("exit sell failed", "symbol", sig.Symbol, "reason", sig.Reason, "error", err)
		e.exits.Unregister(sig.Symbol)
	}
}

// onScalpCycle records one completed scalping buy/sell cycle.
func (e *Engine) onScalpCycle(symbol string, cycle int, qty, pnl int64) {
	status.IncScalpCycle(symbol)
	e.mu.Lock()
	e.realizedPnL += pnl
	e.tradeCounts[symbol]++
	realized := e.realizedPnL
	e.mu.Unlock()
	status.SetRealizedPnL(float64(realized))
	e.logger.Info("scalp cycle complete", "symbol", symbol, "cycle", cycle, "qty", qty, "pnl", pnl)
}

// onEmergencyStop blocks new buys, cancels what it can, and halts the
// worker. The sentinel file contents are the operator's reason.
func (e *Engine) onEmergencyStop(reason string) {
	e.orders.SetLiquidationMode(true)
	e.notifier.EmergencyStop(context.Background(), reason)

	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	e.orders.CancelAllPending(cancelCtx)
	cancel()

	e.stopOnce.Do(func() { close(e.stopped) })
}

// ————————————————————————————————————————————————————————————————————————
// Background workers
// ————————————————————————————————————————————————————————————————————————

// superviseStream keeps the stream alive across session boundaries. Run is
// a no-op outside trading hours and exits when the session ends or its
// reconnect budget runs out, so it is re-entered until shutdown.
func (e *Engine) superviseStream(ctx context.Context) {
	for {
		if err := e.stream.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("stream terminated", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
		}
	}
}

// runHealthChecks probes the stores and the stream every minute and
// refreshes the liveness gauges.
func (e *Engine) runHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.market.Ping(); err != nil {
				e.logger.Error("market store unhealthy", "error", err)
			}
			if err := e.trading.Ping(); err != nil {
				e.logger.Error("trading store unhealthy", "error", err)
			}
			status.SetWSConnected(e.noticeHealthy())
			status.SetOpenPositions(e.positions.Count())
			if !e.auth.Valid() {
				e.logger.Warn("access token near expiry", "expires_at", e.auth.ExpiresAt())
			}
		}
	}
}

func (e *Engine) sessionSnapshot() (orderIDs, positionSymbols []string) {
	for _, o := range e.orders.Active() {
		orderIDs = append(orderIDs, o.OrderID)
	}
	for _, p := range e.positions.GetAll() {
		positionSymbols = append(positionSymbols, p.Symbol)
	}
	return orderIDs, positionSymbols
}

// scalpSymbols returns the symbols that need the tick stream at boot.
func (e *Engine) scalpSymbols() []string {
	var out []string
	for symbol := range e.scalpers {
		out = append(out, symbol)
	}
	return out
}

// StatusSnapshot implements status.Provider.
func (e *Engine) StatusSnapshot() status.Snapshot {
	e.mu.Lock()
	realized := e.realizedPnL
	trades := 0
	for _, n := range e.tradeCounts {
		trades += n
	}
	e.mu.Unlock()

	var lines []status.PositionLine
	for _, p := range e.positions.GetAll() {
		lines = append(lines, status.PositionLine{
			Symbol:     p.Symbol,
			Quantity:   p.Quantity,
			AvgCost:    p.AvgCost,
			ProfitRate: p.ProfitRate(),
			Strategy:   p.Strategy,
		})
	}
	return status.Snapshot{
		Mode:          string(e.cfg.Mode),
		SessionID:     e.sessionID,
		StartedAt:     e.startedAt,
		TradingHours:  clock.IsTradingHours(time.Now(), e.cfg.TradingStart, e.cfg.TradingEnd),
		WSConnected:   e.noticeHealthy(),
		OpenPositions: lines,
		ActiveOrders:  len(e.orders.Active()),
		RealizedPnL:   float64(realized),
		TradesToday:   trades,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) lookupStrategy(symbol, name string) *hostedStrategy {
	for _, hs := range e.hosts[symbol] {
		if hs.name == name {
			return hs
		}
	}
	return nil
}

func streamOrNil(s *broker.Stream) exitmon.Subscriber {
	if s == nil {
		return nil
	}
	return s
}

// scalpConfig maps a websocket strategy's params onto the executor knobs.
func scalpConfig(hs *hostedStrategy) scalper.Config {
	return scalper.Config{
		TPPct:           paramFloatOr(hs.params, "tp_pct", 0),
		SLPct:           paramFloatOr(hs.params, "sl_pct", 0),
		SellProfitPct:   paramFloatOr(hs.params, "sell_profit_pct", 0),
		TimeoutMinutes:  int(paramFloatOr(hs.params, "timeout_minutes", 0)),
		CooldownSeconds: int(paramFloatOr(hs.params, "cooldown_seconds", 0)),
		MaxCycles:       int(paramFloatOr(hs.params, "max_cycles", 0)),
		MinTicks:        int(paramFloatOr(hs.params, "min_ticks", 0)),
		WindowSeconds:   int(paramFloatOr(hs.params, "window_seconds", 0)),
		AdaptiveWindow:  paramBool(hs.params, "adaptive_window"),
		Percentile:      paramFloatOr(hs.params, "percentile", 0),
		UptickThreshold: paramFloatOr(hs.params, "uptick_threshold", 0),
		BuyTimeoutSec:   int(paramFloatOr(hs.params, "buy_timeout_seconds", 0)),
		PollIntervalSec: int(paramFloatOr(hs.params, "poll_interval_seconds", 0)),
		Allocation:      hs.allocation,
	}
}

func paramFloatOr(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func paramPositive(params map[string]any, key string) bool {
	return paramFloatOr(params, key, 0) > 0
}

func paramBool(params map[string]any, key string) bool {
	b, _ := params[key].(bool)
	return b
}
