// Package exitmon watches held positions tick-by-tick and fires exit
// signals on take-profit, stop-loss, or holding-time expiry. It is the
// light counterpart to the scalping executor for strategies that enter on
// the scheduler but want sub-minute exit latency.
package exitmon

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leverage-worker/pkg/types"
)

// Registration arms exit monitoring for one filled buy.
type Registration struct {
	Symbol            string
	Strategy          string
	AvgPrice          float64
	Quantity          int64
	EntryTime         time.Time
	TPPct             float64 // exit when profit_rate >= TPPct
	SLPct             float64 // exit when profit_rate <= -SLPct
	MaxHoldingMinutes int     // exit after this long regardless of price
}

// ExitSignal is handed to the callback when a trigger fires.
type ExitSignal struct {
	Symbol       string
	Strategy     string
	Quantity     int64
	Price        int64 // tick price that triggered the exit
	Reason       string
	IsTakeProfit bool
}

// ExitFunc receives exit signals. It must not block; the caller typically
// submits a sell and later calls Unregister once the fill reconciles.
type ExitFunc func(sig ExitSignal)

// Subscriber adds symbols to the realtime tick stream.
type Subscriber interface {
	Subscribe(symbols []string) error
}

type entry struct {
	reg            Registration
	exitInProgress bool
}

// Monitor holds the registrations and evaluates them on each tick.
type Monitor struct {
	stream Subscriber
	onExit ExitFunc
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func NewMonitor(stream Subscriber, onExit ExitFunc, logger *slog.Logger) *Monitor {
	return &Monitor{
		stream:  stream,
		onExit:  onExit,
		logger:  logger.With("component", "exitmon"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Register arms monitoring for a symbol and subscribes its tick stream.
// Re-registering a symbol replaces the previous registration.
func (m *Monitor) Register(reg Registration) error {
	if reg.Quantity <= 0 || reg.AvgPrice <= 0 {
		return fmt.Errorf("exitmon register %s: bad qty %d / avg %f", reg.Symbol, reg.Quantity, reg.AvgPrice)
	}
	if reg.EntryTime.IsZero() {
		reg.EntryTime = m.now()
	}
	m.mu.Lock()
	m.entries[reg.Symbol] = &entry{reg: reg}
	m.mu.Unlock()

	if m.stream != nil {
		if err := m.stream.Subscribe([]string{reg.Symbol}); err != nil {
			m.logger.Warn("tick subscribe failed", "symbol", reg.Symbol, "error", err)
		}
	}
	m.logger.Info("exit monitoring armed",
		"symbol", reg.Symbol, "strategy", reg.Strategy, "qty", reg.Quantity,
		"avg", reg.AvgPrice, "tp_pct", reg.TPPct, "sl_pct", reg.SLPct)
	return nil
}

// Unregister removes a symbol. Called after the exit fill reconciles.
func (m *Monitor) Unregister(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[symbol]; ok {
		delete(m.entries, symbol)
		m.logger.Info("exit monitoring disarmed", "symbol", symbol)
	}
}

// Monitored reports whether the symbol is currently registered.
func (m *Monitor) Monitored(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[symbol]
	return ok
}

// OnTick evaluates one tick against the symbol's registration. At most one
// exit signal fires per registration; further ticks are suppressed until
// Unregister.
func (m *Monitor) OnTick(evt types.TickEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[evt.Symbol]
	if !ok || e.exitInProgress {
		return
	}
	reg := e.reg

	profitRate := (float64(evt.Price) - reg.AvgPrice) / reg.AvgPrice * 100
	held := m.now().Sub(reg.EntryTime)

	var reason string
	var isTP bool
	switch {
	case reg.SLPct > 0 && profitRate <= -reg.SLPct:
		reason = "stop_loss"
	case reg.TPPct > 0 && profitRate >= reg.TPPct:
		reason, isTP = "take_profit", true
	case reg.MaxHoldingMinutes > 0 && held >= time.Duration(reg.MaxHoldingMinutes)*time.Minute:
		reason = "max_holding"
	default:
		return
	}

	e.exitInProgress = true
	m.logger.Info("exit triggered",
		"symbol", evt.Symbol, "reason", reason, "price", evt.Price,
		"profit_rate", fmt.Sprintf("%.2f", profitRate))
	if m.onExit != nil {
		m.onExit(ExitSignal{
			Symbol:       evt.Symbol,
			Strategy:     reg.Strategy,
			Quantity:     reg.Quantity,
			Price:        evt.Price,
			Reason:       reason,
			IsTakeProfit: isTP,
		})
	}
}
