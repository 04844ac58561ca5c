// Package status serves the local health, status, and Prometheus metrics
// endpoints. It is observability only: nothing in the trading path depends
// on it.
package status

import "github.com/prometheus/client_golang/prometheus"

var (
	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_orders_placed_total",
			Help: "Orders submitted to the broker",
		},
		[]string{"side", "strategy"},
	)

	ordersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_orders_filled_total",
			Help: "Orders fully filled",
		},
		[]string{"side", "strategy"},
	)

	realizedPnLGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_realized_pnl_krw",
			Help: "Session realized PnL in KRW",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_open_positions",
			Help: "Number of currently held positions",
		},
	)

	wsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_ws_connected",
			Help: "1 when the realtime stream is connected",
		},
	)

	exitsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_exits_total",
			Help: "Exit signals split by reason",
		},
		[]string{"reason"},
	)

	scalpCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_scalp_cycles_total",
			Help: "Completed scalping cycles per symbol",
		},
		[]string{"symbol"},
	)

	ticksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_ticks_received_total",
			Help: "Realtime ticks consumed from the stream",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(ordersPlaced, ordersFilled)
	prometheus.MustRegister(realizedPnLGauge, openPositions, wsConnected)
	prometheus.MustRegister(exitsTriggered, scalpCycles, ticksReceived)
}

func IncOrderPlaced(side, strategy string) { ordersPlaced.WithLabelValues(side, strategy).Inc() }
func IncOrderFilled(side, strategy string) { ordersFilled.WithLabelValues(side, strategy).Inc() }
func SetRealizedPnL(v float64)             { realizedPnLGauge.Set(v) }
func SetOpenPositions(n int)               { openPositions.Set(float64(n)) }
func SetWSConnected(up bool) {
	if up {
		wsConnected.Set(1)
	} else {
		wsConnected.Set(0)
	}
}
func IncExit(reason string)       { exitsTriggered.WithLabelValues(reason).Inc() }
func IncScalpCycle(symbol string) { scalpCycles.WithLabelValues(symbol).Inc() }
func IncTick(symbol string)       { ticksReceived.WithLabelValues(symbol).Inc() }
