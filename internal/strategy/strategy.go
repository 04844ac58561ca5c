// Package strategy defines the signal-generation contract the engine
// consumes and the built-in strategies shipped with the worker.
package strategy

import (
	"fmt"
	"time"

	"leverage-worker/pkg/types"
)

// ExecutionMode selects how a strategy's signals are executed.
const (
	// ExecScheduler routes signals through the scheduler-driven market/limit
	// order path.
	ExecScheduler = "scheduler"
	// ExecWebSocket hands buy signals to the tick-driven scalping executor.
	ExecWebSocket = "websocket"
)

// PositionView is the read-only position snapshot handed to strategies.
type PositionView struct {
	Quantity  int64
	AvgCost   float64
	Strategy  string
	EntryTime time.Time
}

// Context carries everything a strategy may inspect for one evaluation.
// MinuteCandles and DailyCandles are ordered oldest first.
type Context struct {
	Symbol          string
	CurrentPrice    int64
	Now             time.Time
	MinuteCandles   []types.Candle
	DailyCandles    []types.Candle
	Position        *PositionView
	TodayTradeCount int
}

// Strategy is the contract every trading strategy implements.
//
// CanGenerateSignal is the cheap precondition gate (enough history, market
// hour filter); GenerateSignal produces hold/buy/sell. OnEntry and OnExit
// are best-effort notification hooks and must not block.
type Strategy interface {
	Name() string
	CanGenerateSignal(ctx Context) bool
	GenerateSignal(ctx Context) types.TradingSignal
	OnEntry(ctx Context, sig types.TradingSignal)
	OnExit(ctx Context, sig types.TradingSignal)
}

// Constructor builds a strategy from its config params block.
type Constructor func(params map[string]any) (Strategy, error)

// Registry maps strategy names to constructors. Populated once at program
// start; never mutated after wiring.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns a registry with the built-in strategies registered.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register("bollinger", NewBollinger)
	r.Register("donchian", NewDonchian)
	r.Register("scalping", NewScalpingEntry)
	return r
}

// Register adds one constructor. Call before the engine starts.
func (r *Registry) Register(name string, c Constructor) {
	r.constructors[name] = c
}

// New instantiates a named strategy.
func (r *Registry) New(name string, params map[string]any) (Strategy, error) {
	c, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return c(params)
}

// Names returns the registered strategy names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		out = append(out, name)
	}
	return out
}

// hold builds the no-op signal with a reason.
func hold(symbol, reason string) types.TradingSignal {
	return types.TradingSignal{Kind: types.SignalHold, Symbol: symbol, Reason: reason}
}

// paramFloat reads a numeric param, tolerating the int/float ambiguity of
// decoded YAML.
func paramFloat(params map[string]any, key string, def float64) float64 {
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

func paramInt(params map[string]any, key string, def int) int {
	return int(paramFloat(params, key, float64(def)))
}
