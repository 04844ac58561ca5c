package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"leverage-worker/internal/clock"
	"leverage-worker/internal/order"
	"leverage-worker/internal/position"
	"leverage-worker/internal/storage"
)

// LiquidationReport summarizes one end-of-day liquidation pass.
type LiquidationReport struct {
	Total       int
	Filled      int
	Partial     int
	Failed      int
	RealizedPnL int64
	Remaining   []string
}

// orderHistory reads back persisted orders; filled liquidation sells leave
// the active set, so realized P/L comes from the store.
type orderHistory interface {
	OrdersForDate(date time.Time) ([]storage.OrderRecord, error)
}

// liquidator flattens all held positions with bounded parallel market
// sells. Separate from Engine so the whole sequence is testable against
// fake brokers.
type liquidator struct {
	orders    *order.Manager
	positions *position.Manager
	history   orderHistory
	logger    *slog.Logger

	maxWorkers int
	retries    int
	retryDelay time.Duration
	fillWait   time.Duration
	pollEvery  time.Duration
}

func newLiquidator(orders *order.Manager, positions *position.Manager, history orderHistory, logger *slog.Logger) *liquidator {
	return &liquidator{
		orders:     orders,
		positions:  positions,
		history:    history,
		logger:     logger.With("component", "liquidation"),
		maxWorkers: 10,
		retries:    2,
		retryDelay: 500 * time.Millisecond,
		fillWait:   20 * time.Second,
		pollEvery:  time.Second,
	}
}

// run executes the liquidation sequence: block buys, cancel pending,
// market-sell every held position in parallel, wait for fills, resync,
// classify.
func (l *liquidator) run(ctx context.Context) LiquidationReport {
	l.orders.SetLiquidationMode(true)
	defer l.orders.SetLiquidationMode(false)

	if n := l.orders.CancelAllPending(ctx); n > 0 {
		l.logger.Info("pending orders cancelled", "count", n)
	}

	snapshot := l.positions.GetAll()
	rep := LiquidationReport{Total: len(snapshot)}
	if rep.Total == 0 {
		return rep
	}
	l.logger.Info("liquidating", "positions", rep.Total)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		orderIDs []string
		failed   = make(map[string]bool)
	)
	sem := make(chan struct{}, l.maxWorkers)
	for _, p := range snapshot {
		p := p
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			var lastErr error
			for attempt := 0; attempt <= l.retries; attempt++ {
				id, err := l.orders.PlaceSellOrder(ctx, p.Symbol, p.Quantity, p.Strategy, p.CurrentPrice)
				if err == nil {
					mu.Lock()
					orderIDs = append(orderIDs, id)
					mu.Unlock()
					return
				}
				lastErr = err
				select {
				case <-ctx.Done():
					return
				case <-time.After(l.retryDelay):
				}
			}
			l.logger.Error("liquidation sell failed", "symbol", p.Symbol, "error", lastErr)
			mu.Lock()
			failed[p.Symbol] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Wait for fills, re-polling broker truth.
	deadline := time.Now().Add(l.fillWait)
	for time.Now().Before(deadline) {
		if err := l.orders.CheckFills(ctx); err != nil {
			l.logger.Warn("fill check failed", "error", err)
		}
		if err := l.positions.Sync(ctx); err != nil {
			l.logger.Warn("resync failed", "error", err)
		}
		if l.allGone(snapshot) {
			break
		}
		select {
		case <-ctx.Done():
			return rep
		case <-time.After(l.pollEvery):
		}
	}

	for _, p := range snapshot {
		cur, held := l.positions.Get(p.Symbol)
		switch {
		case failed[p.Symbol]:
			rep.Failed++
			rep.Remaining = append(rep.Remaining, p.Symbol)
		case !held:
			rep.Filled++
		case cur.Quantity < p.Quantity:
			rep.Partial++
			rep.Remaining = append(rep.Remaining, p.Symbol)
		default:
			rep.Failed++
			rep.Remaining = append(rep.Remaining, p.Symbol)
		}
	}
	if l.history != nil {
		placed := make(map[string]bool, len(orderIDs))
		for _, id := range orderIDs {
			placed[id] = true
		}
		if recs, err := l.history.OrdersForDate(time.Now()); err == nil {
			for _, rec := range recs {
				if placed[rec.OrderID] {
					rep.RealizedPnL += rec.PnL
				}
			}
		}
	}

	l.logger.Info("liquidation complete",
		"total", rep.Total, "filled", rep.Filled, "partial", rep.Partial,
		"failed", rep.Failed, "pnl", rep.RealizedPnL)
	return rep
}

func (l *liquidator) allGone(snapshot []position.Position) bool {
	for _, p := range snapshot {
		if _, held := l.positions.Get(p.Symbol); held {
			return false
		}
	}
	return true
}

// maybeLiquidate fires the liquidation sequence once per date at or after
// the configured gate time. Runs inline on the scheduler goroutine.
func (e *Engine) maybeLiquidate(now time.Time) {
	if now.Hour()*60+now.Minute() < e.liqTime.MinuteOfDay() {
		return
	}
	date := clock.DateKey(now).Format("2006-01-02")
	e.mu.Lock()
	if e.lastLiqDate == date {
		e.mu.Unlock()
		return
	}
	e.lastLiqDate = date
	e.mu.Unlock()

	rep := newLiquidator(e.orders, e.positions, e.trading, e.logger).run(e.ctx)
	e.notifier.LiquidationReport(context.Background(), rep.Total,
		rep.Filled, rep.Partial+rep.Failed, rep.Remaining)
}

// writeDailySummary persists the session totals at market close.
func (e *Engine) writeDailySummary(now time.Time) {
	e.mu.Lock()
	realized := e.realizedPnL
	trades := 0
	for _, n := range e.tradeCounts {
		trades += n
	}
	e.mu.Unlock()

	sum := storage.DailySummary{
		Date:        clock.DateKey(now),
		TradeCount:  trades,
		RealizedPnL: realized,
		CreatedAt:   now,
	}
	if recs, err := e.trading.OrdersForDate(now); err == nil {
		sum.FeeEstimate = estimateFees(recs, e.cfg.Execution.BuyFeeRate, e.cfg.Execution.SellTaxRate)
	}
	if e.client != nil {
		ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
		if _, bal, err := e.client.GetBalance(ctx); err == nil && bal != nil {
			sum.EndDeposit = bal.Deposit
		}
		cancel()
	}
	if err := e.trading.SaveDailySummary(sum); err != nil {
		e.logger.Error("daily summary write failed", "error", err)
	}
	e.notifier.DailySummary(context.Background(),
		sum.Date.Format("2006-01-02"), trades, float64(realized), e.positions.Count())
}
