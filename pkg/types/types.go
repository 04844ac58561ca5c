// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the worker — candles, prices,
// orders, positions, trading signals, and WebSocket event payloads. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderState enumerates the order lifecycle.
// Terminal states are FILLED, CANCELLED and FAILED.
type OrderState string

const (
	OrderPending   OrderState = "pending"   // created locally, not yet accepted by broker
	OrderSubmitted OrderState = "submitted" // broker accepted, no fills yet
	OrderPartial   OrderState = "partial"   // some quantity filled
	OrderFilled    OrderState = "filled"    // filled_qty == ordered_qty
	OrderCancelled OrderState = "cancelled"
	OrderFailed    OrderState = "failed"
)

// IsTerminal reports whether the state admits no further transitions.
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

// SignalKind is the action a strategy requests for a symbol.
type SignalKind string

const (
	SignalHold SignalKind = "hold"
	SignalBuy  SignalKind = "buy"
	SignalSell SignalKind = "sell"
)

// Mode selects the broker environment.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// StockPrice is the broker's current-price snapshot for a symbol.
// All prices are integer KRW.
type StockPrice struct {
	Symbol     string
	Price      int64
	Open       int64
	High       int64
	Low        int64
	PrevClose  int64
	Volume     int64   // cumulative session volume
	Change     int64   // vs previous close
	ChangeRate float64 // percent
	Timestamp  time.Time
}

// Candle is one OHLCV bar. Minute candles key on (Symbol, Timestamp truncated
// to the minute); daily candles key on (Symbol, Timestamp truncated to the day).
type Candle struct {
	Symbol    string
	Timestamp time.Time
	Open      int64
	High      int64
	Low       int64
	Close     int64
	Volume    int64 // cumulative within the bar
}

// Valid reports whether the bar satisfies low <= open,close <= high and
// volume >= 0.
func (c Candle) Valid() bool {
	if c.Volume < 0 {
		return false
	}
	if c.Low > c.Open || c.Low > c.Close || c.Low > c.High {
		return false
	}
	return c.Open <= c.High && c.Close <= c.High
}

// ————————————————————————————————————————————————————————————————————————
// Orders and balance
// ————————————————————————————————————————————————————————————————————————

// OrderResult is the broker's synchronous response to an order placement.
// BranchCode (KRX_FWDG_ORD_ORGNO) is required for later cancel/modify.
type OrderResult struct {
	Accepted   bool
	OrderID    string
	BranchCode string
	OrderTime  string // HHMMSS as reported by the broker
	Message    string // broker rejection text when !Accepted
}

// OrderInfo is one row of the broker's today-orders inquiry.
type OrderInfo struct {
	OrderID     string
	Symbol      string
	Side        Side
	OrderedQty  int64
	FilledQty   int64
	FilledPrice int64 // average fill price so far
	Price       int64 // order (limit) price, 0 for market
	State       string
	OrderTime   string
}

// FillStatus is the filled/unfilled split for a single order.
type FillStatus struct {
	FilledQty   int64
	UnfilledQty int64
	FilledPrice int64 // average fill price, 0 when nothing filled
}

// BalancePosition is one held position as reported by the broker.
type BalancePosition struct {
	Symbol       string
	Name         string
	Quantity     int64
	AvgCost      float64
	CurrentPrice int64
	EvalAmount   int64
	ProfitLoss   int64
	ProfitRate   float64
}

// BalanceSummary aggregates the account's cash and valuation.
type BalanceSummary struct {
	Deposit       int64 // orderable cash
	TotalEval     int64
	TotalProfit   int64
	TotalDeposits int64
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// TradingSignal is the output of a strategy evaluation.
type TradingSignal struct {
	Kind       SignalKind
	Symbol     string
	Quantity   int64
	Reason     string
	Confidence float64
	Metadata   SignalMetadata
}

// SignalMetadata carries limit-order parameters for websocket-execution
// strategies. Zero values mean "not a limit-order signal".
type SignalMetadata struct {
	LimitPrice     int64
	SellPrice      int64
	TimeoutSeconds int
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————

// TickEvent is one real-time trade tick from the broker's market feed.
type TickEvent struct {
	Symbol     string
	Price      int64
	Volume     int64 // cumulative session volume
	Change     int64
	ChangeRate float64
	Open       int64
	High       int64
	Low        int64
	Timestamp  time.Time
}

// OrderNoticeEvent is one execution notice from the broker's account feed.
// Only fills are delivered; acknowledgments and cancels are filtered at the
// wire layer.
type OrderNoticeEvent struct {
	Symbol      string
	OrderID     string
	Side        Side
	FilledQty   int64
	FilledPrice int64
	OrderedQty  int64
	FillTime    time.Time
}
