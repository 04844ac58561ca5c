// Package position tracks the worker's local view of held positions.
//
// The broker is authoritative; the local map is a cache reconciled on start
// and after every fill. Positions found on the broker with no local record
// are admitted as unmanaged (no strategy) so the engine holds them without
// generating entry signals against them.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"leverage-worker/internal/storage"
	"leverage-worker/pkg/types"
)

// Position is one locally tracked holding. Quantity is always > 0; a
// position that reaches zero is removed from the manager.
type Position struct {
	Symbol       string
	Quantity     int64
	AvgCost      float64
	CurrentPrice int64
	Strategy     string // empty = unmanaged
	EntryOrderID string
	EntryTime    time.Time
	UpdatedAt    time.Time
}

// ProfitRate returns the unrealized P/L percent against avg cost.
func (p Position) ProfitRate() float64 {
	if p.AvgCost <= 0 {
		return 0
	}
	return (float64(p.CurrentPrice) - p.AvgCost) / p.AvgCost * 100
}

// BalanceFetcher is the slice of the broker gateway Sync depends on.
type BalanceFetcher interface {
	GetBalance(ctx context.Context) ([]types.BalancePosition, *types.BalanceSummary, error)
}

// Store persists positions between runs.
type Store interface {
	SavePosition(storage.PositionRecord) error
	DeletePosition(symbol string) error
	Positions() ([]storage.PositionRecord, error)
}

// Manager owns the position map. All mutations go through the single mutex;
// Sync holds it only for the diff phase, never across the broker call.
type Manager struct {
	broker BalanceFetcher
	store  Store
	logger *slog.Logger

	mu        sync.Mutex
	positions map[string]*Position

	syncing  atomic.Bool
	lastSync atomic.Int64 // unix seconds
}

func NewManager(broker BalanceFetcher, store Store, logger *slog.Logger) *Manager {
	return &Manager{
		broker:    broker,
		store:     store,
		logger:    logger.With("component", "position"),
		positions: make(map[string]*Position),
	}
}

// Load restores the last persisted snapshot. Called once at start, before
// the first Sync.
func (m *Manager) Load() error {
	rows, err := m.store.Positions()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		if r.Quantity <= 0 {
			continue
		}
		m.positions[r.Symbol] = &Position{
			Symbol:       r.Symbol,
			Quantity:     r.Quantity,
			AvgCost:      r.AvgCost,
			CurrentPrice: r.CurrentPrice,
			Strategy:     r.Strategy,
			EntryOrderID: r.EntryOrderID,
			EntryTime:    r.EntryTime,
			UpdatedAt:    r.UpdatedAt,
		}
	}
	m.logger.Info("positions loaded", "count", len(m.positions))
	return nil
}

// Sync reconciles the local map against the broker balance. Single-flighted:
// a call arriving while another Sync runs returns immediately.
func (m *Manager) Sync(ctx context.Context) error {
	if !m.syncing.CompareAndSwap(false, true) {
		m.logger.Debug("sync already in progress")
		return nil
	}
	defer m.syncing.Store(false)

	// The blocking broker call happens outside the lock.
	balance, _, err := m.broker.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("sync positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(balance))
	for _, b := range balance {
		seen[b.Symbol] = true
		if p, ok := m.positions[b.Symbol]; ok {
			if p.Quantity != b.Quantity {
				m.logger.Warn("position quantity discrepancy",
					"symbol", b.Symbol, "local", p.Quantity, "broker", b.Quantity)
			}
			p.Quantity = b.Quantity
			p.AvgCost = b.AvgCost
			p.CurrentPrice = b.CurrentPrice
			p.UpdatedAt = time.Now()
			m.persistLocked(p)
			continue
		}
		p := &Position{
			Symbol:       b.Symbol,
			Quantity:     b.Quantity,
			AvgCost:      b.AvgCost,
			CurrentPrice: b.CurrentPrice,
			EntryTime:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		m.positions[b.Symbol] = p
		m.persistLocked(p)
		m.logger.Info("unmanaged position admitted",
			"symbol", b.Symbol, "qty", b.Quantity, "avg_cost", b.AvgCost)
	}

	for sym := range m.positions {
		if !seen[sym] {
			m.logger.Warn("position gone from broker, removing", "symbol", sym)
			delete(m.positions, sym)
			if err := m.store.DeletePosition(sym); err != nil {
				m.logger.Error("delete position", "symbol", sym, "error", err)
			}
		}
	}

	m.lastSync.Store(time.Now().Unix())
	m.logger.Info("positions synced", "count", len(m.positions))
	return nil
}

// Add records a buy fill. Applies the weighted-average rule on an existing
// position, creates a new one otherwise.
func (m *Manager) Add(symbol string, qty int64, price int64, strategy, orderID string) error {
	if qty <= 0 {
		return fmt.Errorf("add position %s: non-positive qty %d", symbol, qty)
	}
	if price <= 0 {
		return fmt.Errorf("add position %s: non-positive price %d", symbol, price)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.positions[symbol]; ok {
		newQty := p.Quantity + qty
		p.AvgCost = (float64(p.Quantity)*p.AvgCost + float64(qty)*float64(price)) / float64(newQty)
		p.Quantity = newQty
		p.CurrentPrice = price
		p.UpdatedAt = time.Now()
		m.persistLocked(p)
		m.logger.Info("position increased",
			"symbol", symbol, "qty", p.Quantity, "avg_cost", p.AvgCost)
		return nil
	}

	p := &Position{
		Symbol:       symbol,
		Quantity:     qty,
		AvgCost:      float64(price),
		CurrentPrice: price,
		Strategy:     strategy,
		EntryOrderID: orderID,
		EntryTime:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	m.positions[symbol] = p
	m.persistLocked(p)
	m.logger.Info("position opened",
		"symbol", symbol, "qty", qty, "price", price, "strategy", strategy)
	return nil
}

// Remove drops the position unconditionally (full sell fill).
func (m *Manager) Remove(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[symbol]; !ok {
		return
	}
	delete(m.positions, symbol)
	if err := m.store.DeletePosition(symbol); err != nil {
		m.logger.Error("delete position", "symbol", symbol, "error", err)
	}
	m.logger.Info("position removed", "symbol", symbol)
}

// UpdateQuantity sets the remaining quantity after a partial sell; a
// quantity at or below zero removes the position.
func (m *Manager) UpdateQuantity(symbol string, newQty int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return
	}
	if newQty <= 0 {
		delete(m.positions, symbol)
		if err := m.store.DeletePosition(symbol); err != nil {
			m.logger.Error("delete position", "symbol", symbol, "error", err)
		}
		return
	}
	p.Quantity = newQty
	p.UpdatedAt = time.Now()
	m.persistLocked(p)
}

// UpdatePrice refreshes the mark used for unrealized P/L.
func (m *Manager) UpdatePrice(symbol string, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[symbol]; ok {
		p.CurrentPrice = price
	}
}

// AssignStrategy labels an unmanaged position so a strategy may manage its
// exit.
func (m *Manager) AssignStrategy(symbol, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return fmt.Errorf("assign strategy: no position for %s", symbol)
	}
	p.Strategy = name
	p.UpdatedAt = time.Now()
	m.persistLocked(p)
	m.logger.Info("strategy assigned", "symbol", symbol, "strategy", name)
	return nil
}

// Get returns a copy of the position, or false if none is held.
func (m *Manager) Get(symbol string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// GetAll returns copies of every position.
func (m *Manager) GetAll() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// GetByStrategy returns positions owned by the named strategy.
func (m *Manager) GetByStrategy(name string) []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Position
	for _, p := range m.positions {
		if p.Strategy == name {
			out = append(out, *p)
		}
	}
	return out
}

// GetUnmanaged returns positions with no owning strategy.
func (m *Manager) GetUnmanaged() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Position
	for _, p := range m.positions {
		if p.Strategy == "" {
			out = append(out, *p)
		}
	}
	return out
}

// Count returns the number of held positions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// IsStale reports whether the last successful Sync is older than maxAge.
func (m *Manager) IsStale(maxAge time.Duration) bool {
	last := m.lastSync.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(last, 0)) > maxAge
}

// persistLocked writes one position through to the store. Caller holds the
// lock.
func (m *Manager) persistLocked(p *Position) {
	rec := storage.PositionRecord{
		Symbol:       p.Symbol,
		Quantity:     p.Quantity,
		AvgCost:      p.AvgCost,
		CurrentPrice: p.CurrentPrice,
		Strategy:     p.Strategy,
		EntryOrderID: p.EntryOrderID,
		EntryTime:    p.EntryTime,
		UpdatedAt:    p.UpdatedAt,
	}
	if err := m.store.SavePosition(rec); err != nil {
		m.logger.Error("persist position", "symbol", p.Symbol, "error", err)
	}
}
