// Package scalper implements the per-symbol tick-driven micro trading
// cycle: percentile entry pricing, a small order state machine, and KRX
// tick-size arithmetic.
package scalper

import "math"

// TickSize returns the KRX minimum price increment: 1 KRW below 2,000 KRW,
// 5 KRW at or above.
func TickSize(price int64) int64 {
	if price < 2000 {
		return 1
	}
	return 5
}

// RoundBuy rounds a price down to an executable tick. Buy orders round
// toward the cheaper side.
func RoundBuy(price int64) int64 {
	tick := TickSize(price)
	return price - price%tick
}

// RoundSell rounds a price up to an executable tick. Sell orders round
// toward the richer side.
func RoundSell(price int64) int64 {
	tick := TickSize(price)
	if rem := price % tick; rem != 0 {
		return price + tick - rem
	}
	return price
}

// RoundBuyF floors a computed (fractional) price to a tick.
func RoundBuyF(price float64) int64 {
	return RoundBuy(int64(math.Floor(price)))
}

// RoundSellF ceils a computed (fractional) price to a tick.
func RoundSellF(price float64) int64 {
	return RoundSell(int64(math.Ceil(price)))
}
