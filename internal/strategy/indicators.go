package strategy

import "math"

// Indicator helpers shared by the built-in strategies. All operate on
// slices ordered oldest first and return NaN when the window is too short,
// so callers can gate on the precondition once and trust the math here.

// SMA is the simple moving average of the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return math.NaN()
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// StdDev is the population standard deviation of the last period values.
func StdDev(values []float64, period int) float64 {
	mean := SMA(values, period)
	if math.IsNaN(mean) {
		return math.NaN()
	}
	var ss float64
	for _, v := range values[len(values)-period:] {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(period))
}

// Bollinger returns the middle band (SMA) and the upper/lower bands at k
// standard deviations.
func Bollinger(values []float64, period int, k float64) (mid, upper, lower float64) {
	mid = SMA(values, period)
	sd := StdDev(values, period)
	if math.IsNaN(mid) || math.IsNaN(sd) {
		return math.NaN(), math.NaN(), math.NaN()
	}
	return mid, mid + k*sd, mid - k*sd
}

// RSI is the Wilder-smoothed relative strength index. The first period
// changes seed the gain/loss averages; every later change folds in with
// weight 1/period. 100 when there are no losses, 0 when no gains.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return math.NaN()
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(values); i++ {
		var gain, loss float64
		if d := values[i] - values[i-1]; d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgGain+avgLoss == 0 {
		return 50
	}
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// TrueRange for one bar given the previous close.
func TrueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// ATR is the simple average of the true range over the last period bars.
// highs/lows/closes are parallel slices, oldest first.
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if period <= 0 || n < period+1 || len(highs) != n || len(lows) != n {
		return math.NaN()
	}
	var sum float64
	for i := n - period; i < n; i++ {
		sum += TrueRange(highs[i], lows[i], closes[i-1])
	}
	return sum / float64(period)
}

// ZScore is (x - mean) / stddev over the last period values. Returns 0 when
// the window has no variance.
func ZScore(x float64, values []float64, period int) float64 {
	mean := SMA(values, period)
	sd := StdDev(values, period)
	if math.IsNaN(mean) || math.IsNaN(sd) {
		return math.NaN()
	}
	if sd == 0 {
		return 0
	}
	return (x - mean) / sd
}
