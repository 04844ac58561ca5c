// Package scheduler drives the trading loop: a 1-second wall-clock tick
// that dispatches per-symbol callbacks during market hours and idles
// outside them.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"leverage-worker/internal/clock"
)

// Hooks are the callbacks the engine wires in before Run. All are invoked
// synchronously on the scheduler goroutine; nil hooks are skipped.
type Hooks struct {
	// OnStockTick fires for each symbol whose interval/offset matches the
	// current second, sequentially in configuration order.
	OnStockTick func(symbol string, now time.Time)
	// OnMarketOpen fires once on the closed-to-open transition.
	OnMarketOpen func()
	// OnMarketClose fires once per date on the open-to-closed transition.
	OnMarketClose func()
	// OnIdle fires once per idle interval outside trading hours.
	OnIdle func()
	// OnCheckFills fires once per trading tick, before any OnStockTick.
	OnCheckFills func()
}

// StockSchedule is one symbol's dispatch cadence. Staggered offsets spread
// broker calls across the rate limit.
type StockSchedule struct {
	Symbol   string
	Interval int // seconds
	Offset   int // seconds, < Interval
}

const (
	weekendSleep = 60 * time.Second
	tickSleep    = time.Second
)

// Scheduler owns the time loop. State is confined to the Run goroutine.
type Scheduler struct {
	hooks     Hooks
	stocks    []StockSchedule
	start     clock.HHMM
	end       clock.HHMM
	idleSleep time.Duration
	logger    *slog.Logger

	now func() time.Time

	wasTrading    bool
	lastCloseDate string
}

func New(stocks []StockSchedule, start, end clock.HHMM, idleSleep time.Duration, hooks Hooks, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		hooks:     hooks,
		stocks:    stocks,
		start:     start,
		end:       end,
		idleSleep: idleSleep,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
	}
}

// Run loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		"symbols", len(s.stocks), "start", s.start.String(), "end", s.end.String())
	for {
		sleep := s.step(s.now())
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			s.logger.Info("scheduler stopped")
			return
		case <-t.C:
		}
	}
}

// step runs one loop iteration for the given instant and returns how long
// to sleep before the next.
func (s *Scheduler) step(now time.Time) time.Duration {
	if clock.IsWeekend(now) {
		return weekendSleep
	}

	trading := clock.IsTradingHours(now, s.start, s.end)
	switch {
	case trading && !s.wasTrading:
		s.wasTrading = true
		s.logger.Info("market open detected", "at", now.Format("15:04:05"))
		if s.hooks.OnMarketOpen != nil {
			s.hooks.OnMarketOpen()
		}
	case !trading && s.wasTrading:
		s.wasTrading = false
		// The date guard keeps a same-day restart from firing close twice.
		if date := clock.DateKey(now).Format("2006-01-02"); date != s.lastCloseDate {
			s.lastCloseDate = date
			s.logger.Info("market close detected", "at", now.Format("15:04:05"))
			if s.hooks.OnMarketClose != nil {
				s.hooks.OnMarketClose()
			}
		}
	}

	if !trading {
		if s.hooks.OnIdle != nil {
			s.hooks.OnIdle()
		}
		return s.idleSleep
	}

	if s.hooks.OnCheckFills != nil {
		s.hooks.OnCheckFills()
	}
	for _, st := range s.stocks {
		if clock.ShouldExecute(now, st.Interval, st.Offset) && s.hooks.OnStockTick != nil {
			s.hooks.OnStockTick(st.Symbol, now)
		}
	}
	return tickSleep
}
