package engine

import (
	"context"
	"errors"
	"time"

	"leverage-worker/internal/clock"
	"leverage-worker/internal/order"
	"leverage-worker/internal/scalper"
	"leverage-worker/internal/status"
	"leverage-worker/internal/strategy"
	"leverage-worker/pkg/types"
)

// minuteHistoryBars is the minute-candle depth handed to strategies.
const minuteHistoryBars = 60

// ————————————————————————————————————————————————————————————————————————
// Scheduler hooks
// ————————————————————————————————————————————————————————————————————————

// onStockTick is the scheduler-path strategy host: fetch price, persist the
// minute bar, evaluate each attached strategy, route signals.
func (e *Engine) onStockTick(symbol string, now time.Time) {
	e.maybeLiquidate(now)

	if e.orders.HasPending(symbol) {
		e.logger.Debug("tick skipped, order pending", "symbol", symbol)
		return
	}

	price, err := e.gw.GetCurrentPrice(e.ctx, symbol)
	if err != nil {
		e.logger.Warn("price fetch failed", "symbol", symbol, "error", err)
		return
	}
	minute := types.Candle{
		Symbol:    symbol,
		Timestamp: clock.MinuteKey(now),
		Open:      price.Price,
		High:      price.Price,
		Low:       price.Price,
		Close:     price.Price,
		Volume:    price.Volume,
	}
	if err := e.market.UpsertMinute(minute); err != nil {
		e.logger.Warn("minute upsert failed", "symbol", symbol, "error", err)
	}
	e.positions.UpdatePrice(symbol, price.Price)

	sctx := e.buildContext(symbol, price.Price, now)
	pos, held := e.positions.Get(symbol)

	for _, hs := range e.hosts[symbol] {
		if hs.wsMode {
			continue
		}
		// Only the owning strategy may act on a held position.
		if held && pos.Strategy != "" && pos.Strategy != hs.name {
			continue
		}
		if !hs.impl.CanGenerateSignal(sctx) {
			continue
		}
		sig := hs.impl.GenerateSignal(sctx)
		switch sig.Kind {
		case types.SignalBuy:
			e.processBuy(hs, sctx, sig)
		case types.SignalSell:
			e.processSell(hs, sctx, sig)
		}
	}
}

func (e *Engine) onMarketOpen() {
	e.logger.Info("market open")
	e.resetDailyCounters(time.Now())
	if err := e.positions.Sync(e.ctx); err != nil {
		e.logger.Warn("open sync failed", "error", err)
	}
}

func (e *Engine) onMarketClose() {
	e.logger.Info("market close")
	e.writeDailySummary(time.Now())
}

func (e *Engine) onIdle() {
	if e.positions.IsStale(10 * time.Minute) {
		if err := e.positions.Sync(e.ctx); err != nil {
			e.logger.Debug("idle sync failed", "error", err)
		}
	}
}

func (e *Engine) onCheckFills() {
	if err := e.orders.CheckFills(e.ctx); err != nil {
		e.logger.Warn("fill check failed", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Signal processing
// ————————————————————————————————————————————————————————————————————————

// processBuy sizes the order from broker-buyable quantity scaled by the
// strategy's allocation, falling back to the signal quantity when the
// inquiry fails.
func (e *Engine) processBuy(hs *hostedStrategy, sctx strategy.Context, sig types.TradingSignal) {
	qty := sig.Quantity
	if buyable, _, err := e.gw.GetBuyableQuantity(e.ctx, sctx.Symbol, sctx.CurrentPrice); err == nil {
		qty = buyable * int64(hs.allocation) / 100
	} else {
		e.logger.Warn("buyable inquiry failed, using signal qty",
			"symbol", sctx.Symbol, "qty", qty, "error", err)
	}
	if qty <= 0 {
		e.logger.Info("buy skipped, zero sized", "symbol", sctx.Symbol, "strategy", hs.name)
		return
	}

	_, err := e.orders.PlaceBuyOrder(e.ctx, sctx.Symbol, qty, hs.name, true, sctx.CurrentPrice)
	if err != nil {
		if errors.Is(err, order.ErrDuplicateOrder) || errors.Is(err, order.ErrLiquidationMode) {
			e.logger.Debug("buy suppressed", "symbol", sctx.Symbol, "error", err)
			return
		}
		e.logger.Error("buy failed", "symbol", sctx.Symbol, "strategy", hs.name, "error", err)
		return
	}

	e.mu.Lock()
	e.tradeCounts[sctx.Symbol]++
	e.mu.Unlock()
	status.IncOrderPlaced(string(types.BUY), hs.name)
	go e.notifier.OrderPlaced(context.Background(), sctx.Symbol, string(types.BUY), hs.name, qty, 0)
	hs.impl.OnEntry(sctx, sig)
}

// processSell routes a sell signal. Tentative P/L is informational only;
// the authoritative number comes from fill attribution.
func (e *Engine) processSell(hs *hostedStrategy, sctx strategy.Context, sig types.TradingSignal) {
	pos, ok := e.positions.Get(sctx.Symbol)
	if !ok {
		return
	}
	qty := sig.Quantity
	if qty <= 0 || qty > pos.Quantity {
		qty = pos.Quantity
	}

	_, err := e.orders.PlaceSellOrder(e.ctx, sctx.Symbol, qty, hs.name, sctx.CurrentPrice)
	if err != nil {
		if errors.Is(err, order.ErrDuplicateOrder) {
			return
		}
		e.logger.Error("sell failed", "symbol", sctx.Symbol, "strategy", hs.name, "error", err)
		return
	}

	tentative := (float64(sctx.CurrentPrice) - pos.AvgCost) * float64(qty)
	e.logger.Info("sell placed", "symbol", sctx.Symbol, "strategy", hs.name,
		"qty", qty, "reason", sig.Reason, "tentative_pnl", tentative)
	status.IncOrderPlaced(string(types.SELL), hs.name)
	go e.notifier.OrderPlaced(context.Background(), sctx.Symbol, string(types.SELL), hs.name, qty, 0)
	hs.impl.OnExit(sctx, sig)
}

// evalScalpEntry runs the websocket-mode strategy for a symbol whose
// executor sits idle, at most once per second.
func (e *Engine) evalScalpEntry(ctx context.Context, tick types.TickEvent, ex *scalper.Executor) {
	if ex.State() != scalper.StateIdle {
		return
	}
	e.mu.Lock()
	if last, ok := e.lastScalpEval[tick.Symbol]; ok && tick.Timestamp.Sub(last) < time.Second {
		e.mu.Unlock()
		return
	}
	e.lastScalpEval[tick.Symbol] = tick.Timestamp
	e.mu.Unlock()

	var hs *hostedStrategy
	for _, cand := range e.hosts[tick.Symbol] {
		if cand.wsMode {
			hs = cand
			break
		}
	}
	if hs == nil {
		return
	}

	sctx := e.buildContext(tick.Symbol, tick.Price, tick.Timestamp)
	if !hs.impl.CanGenerateSignal(sctx) {
		return
	}
	sig := hs.impl.GenerateSignal(sctx)
	if sig.Kind != types.SignalBuy {
		return
	}
	if err := ex.Activate(sig); err != nil {
		e.logger.Debug("scalp activation rejected", "symbol", tick.Symbol, "error", err)
		return
	}
	hs.impl.OnEntry(sctx, sig)
}

// buildContext assembles the strategy view for one evaluation.
func (e *Engine) buildContext(symbol string, price int64, now time.Time) strategy.Context {
	minutes, err := e.market.RecentMinutes(symbol, now, minuteHistoryBars)
	if err != nil {
		e.logger.Warn("minute history load failed", "symbol", symbol, "error", err)
	}

	e.mu.Lock()
	daily := e.dailyCache[symbol]
	count := e.tradeCounts[symbol]
	e.mu.Unlock()

	sctx := strategy.Context{
		Symbol:          symbol,
		CurrentPrice:    price,
		Now:             now,
		MinuteCandles:   minutes,
		DailyCandles:    daily,
		TodayTradeCount: count,
	}
	if pos, ok := e.positions.Get(symbol); ok {
		sctx.Position = &strategy.PositionView{
			Quantity:  pos.Quantity,
			AvgCost:   pos.AvgCost,
			Strategy:  pos.Strategy,
			EntryTime: pos.EntryTime,
		}
	}
	return sctx
}

// resetDailyCounters clears the per-day trade counts on the first dispatch
// of a new date.
func (e *Engine) resetDailyCounters(now time.Time) {
	date := clock.DateKey(now).Format("2006-01-02")
	e.mu.Lock()
	if e.tradeDate != date {
		e.tradeDate = date
		e.tradeCounts = make(map[string]int)
	}
	e.mu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Cache priming
// ————————————————————————————————————————————————————————————————————————

// primeCaches seeds daily history (100+ days) and two backward 30-bar
// minute walks per symbol, so strategies have usable windows from the
// first tick.
func (e *Engine) primeCaches(ctx context.Context) {
	now := time.Now()
	for _, symbol := range e.cfg.Symbols() {
		daily, err := e.gw.GetDailyCandles(ctx, symbol, now.AddDate(0, 0, -200), now)
		if err != nil {
			e.logger.Warn("daily prime failed", "symbol", symbol, "error", err)
		} else {
			if err := e.market.UpsertDailyBatch(daily); err != nil {
				e.logger.Warn("daily upsert failed", "symbol", symbol, "error", err)
			}
			e.mu.Lock()
			e.dailyCache[symbol] = daily
			e.mu.Unlock()
		}

		anchor := now.Format("150405")
		total := 0
		for walk := 0; walk < 2; walk++ {
			batch, err := e.gw.GetMinuteCandles(ctx, symbol, anchor)
			if err != nil {
				e.logger.Warn("minute prime failed", "symbol", symbol, "error", err)
				break
			}
			if len(batch) == 0 {
				break
			}
			if err := e.market.UpsertMinuteBatch(batch); err != nil {
				e.logger.Warn("minute upsert failed", "symbol", symbol, "error", err)
			}
			total += len(batch)
			earliest := batch[0].Timestamp
			for _, c := range batch {
				if c.Timestamp.Before(earliest) {
					earliest = c.Timestamp
				}
			}
			anchor = earliest.Add(-time.Minute).Format("150405")
		}
		e.logger.Info("caches primed", "symbol", symbol,
			"daily_bars", len(daily), "minute_bars", total)
	}
}
