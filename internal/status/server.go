package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is the /status response body.
type Snapshot struct {
	Mode          string         `json:"mode"`
	SessionID     string         `json:"session_id"`
	StartedAt     time.Time      `json:"started_at"`
	TradingHours  bool           `json:"trading_hours"`
	WSConnected   bool           `json:"ws_connected"`
	OpenPositions []PositionLine `json:"open_positions"`
	ActiveOrders  int            `json:"active_orders"`
	RealizedPnL   float64        `json:"realized_pnl"`
	TradesToday   int            `json:"trades_today"`
}

// PositionLine is one held position in the snapshot.
type PositionLine struct {
	Symbol     string  `json:"symbol"`
	Quantity   int64   `json:"quantity"`
	AvgCost    float64 `json:"avg_cost"`
	ProfitRate float64 `json:"profit_rate"`
	Strategy   string  `json:"strategy"`
}

// Provider supplies the live snapshot. Implemented by the engine.
type Provider interface {
	StatusSnapshot() Snapshot
}

// Server exposes /healthz, /status, and /metrics on a local port.
type Server struct {
	provider Provider
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(port int, provider Provider, logger *slog.Logger) *Server {
	s := &Server{
		provider: provider,
		logger:   logger.With("component", "status-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.logger.Info("status server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.provider == nil {
		http.Error(w, `{"error":"no provider"}`, http.StatusServiceUnavailable)
		return
	}
	if err := json.NewEncoder(w).Encode(s.provider.StatusSnapshot()); err != nil {
		s.logger.Warn("status encode failed", "error", err)
	}
}
