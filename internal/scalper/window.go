package scalper

import (
	"math"
	"sort"
	"time"
)

type tickPoint struct {
	price int64
	at    time.Time
}

// Window is a bounded time window of tick prices used to derive the entry
// price during monitoring. With adaptive mode the span stretches between
// minSpan and maxSpan against realized volatility: quiet tape gets a longer
// look, fast tape a shorter one.
type Window struct {
	span     time.Duration
	adaptive bool
	minSpan  time.Duration
	maxSpan  time.Duration
	ticks    []tickPoint
}

func NewWindow(span time.Duration) *Window {
	return &Window{span: span}
}

// NewAdaptiveWindow spans minSpan..maxSpan, starting at maxSpan.
func NewAdaptiveWindow(minSpan, maxSpan time.Duration) *Window {
	return &Window{span: maxSpan, adaptive: true, minSpan: minSpan, maxSpan: maxSpan}
}

// Add records one tick and evicts everything older than the span.
func (w *Window) Add(price int64, at time.Time) {
	w.ticks = append(w.ticks, tickPoint{price: price, at: at})
	if w.adaptive {
		w.retune()
	}
	cutoff := at.Add(-w.span)
	i := 0
	for i < len(w.ticks) && w.ticks[i].at.Before(cutoff) {
		i++
	}
	w.ticks = w.ticks[i:]
}

// retune shrinks the span as realized volatility rises. At 0.1% stddev/mean
// or above the span sits at minSpan; at zero volatility, maxSpan.
func (w *Window) retune() {
	vol := w.volatilityPct()
	const fullVol = 0.1
	frac := math.Min(vol/fullVol, 1)
	w.span = w.maxSpan - time.Duration(frac*float64(w.maxSpan-w.minSpan))
}

func (w *Window) volatilityPct() float64 {
	if len(w.ticks) < 2 {
		return 0
	}
	var sum float64
	for _, t := range w.ticks {
		sum += float64(t.price)
	}
	mean := sum / float64(len(w.ticks))
	var ss float64
	for _, t := range w.ticks {
		d := float64(t.price) - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(w.ticks)))
	if mean == 0 {
		return 0
	}
	return sd / mean * 100
}

// Count returns the number of ticks currently in the window.
func (w *Window) Count() int { return len(w.ticks) }

// Span returns the current (possibly retuned) window span.
func (w *Window) Span() time.Duration { return w.span }

// Percentile returns the pth percentile price (nearest-rank). Returns 0 on
// an empty window.
func (w *Window) Percentile(p float64) int64 {
	n := len(w.ticks)
	if n == 0 {
		return 0
	}
	prices := make([]int64, n)
	for i, t := range w.ticks {
		prices[i] = t.price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return prices[rank-1]
}

// UptickRatio is the fraction of consecutive tick pairs whose price did not
// fall. 1.0 for a single tick.
func (w *Window) UptickRatio() float64 {
	if len(w.ticks) < 2 {
		return 1
	}
	up := 0
	for i := 1; i < len(w.ticks); i++ {
		if w.ticks[i].price >= w.ticks[i-1].price {
			up++
		}
	}
	return float64(up) / float64(len(w.ticks)-1)
}

// Reset drops all recorded ticks.
func (w *Window) Reset() {
	w.ticks = w.ticks[:0]
	if w.adaptive {
		w.span = w.maxSpan
	}
}
