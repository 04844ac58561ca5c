package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leverage-worker/internal/clock"
	"leverage-worker/pkg/types"
)

// OrderRecord is the persisted form of a managed order. The order manager
// owns the in-memory truth; rows here are the crash-recovery cache.
type OrderRecord struct {
	OrderID         string `gorm:"primaryKey"`
	Symbol          string `gorm:"index;size:6"`
	Side            string
	OrderedQty      int64
	Price           int64
	Strategy        string
	State           string `gorm:"index"`
	FilledQty       int64
	FilledPrice     int64
	AvgCostSnapshot float64
	BranchCode      string
	SignalPrice     int64
	OriginalQty     int64
	PnL             int64
	PnLRate         float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PositionRecord is the persisted form of a managed position.
type PositionRecord struct {
	Symbol       string `gorm:"primaryKey;size:6"`
	Quantity     int64
	AvgCost      float64
	CurrentPrice int64
	Strategy     string // empty = unmanaged
	EntryOrderID string
	EntryTime    time.Time
	UpdatedAt    time.Time
}

// DailySummary is one trading day's result, written at market close.
type DailySummary struct {
	Date        time.Time `gorm:"primaryKey"`
	TradeCount  int
	RealizedPnL int64
	FeeEstimate int64
	EndDeposit  int64
	CreatedAt   time.Time
}

// TradingStore holds orders, positions, daily summaries, and the audit
// trail for one mode.
type TradingStore struct {
	db *gorm.DB
}

// OpenTrading opens (and migrates) the per-mode trading store.
func OpenTrading(path string) (*TradingStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&OrderRecord{}, &PositionRecord{}, &DailySummary{}, &AuditRecord{}); err != nil {
		return nil, fmt.Errorf("migrate trading store: %w", err)
	}
	return &TradingStore{db: db}, nil
}

// Close releases the underlying connection.
func (s *TradingStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the store is reachable.
func (s *TradingStore) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// SaveOrder upserts one order row.
func (s *TradingStore) SaveOrder(rec OrderRecord) error {
	rec.UpdatedAt = time.Now()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

// ActiveOrders returns orders whose state is not terminal.
func (s *TradingStore) ActiveOrders() ([]OrderRecord, error) {
	var rows []OrderRecord
	err := s.db.
		Where("state NOT IN ?", []string{
			string(types.OrderFilled), string(types.OrderCancelled), string(types.OrderFailed),
		}).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// OrdersForDate returns all orders created on a given local calendar date.
func (s *TradingStore) OrdersForDate(date time.Time) ([]OrderRecord, error) {
	day := clock.DateKey(date)
	var rows []OrderRecord
	err := s.db.
		Where("created_at >= ? AND created_at < ?", day, day.AddDate(0, 0, 1)).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// SavePosition upserts one position row.
func (s *TradingStore) SavePosition(rec PositionRecord) error {
	rec.UpdatedAt = time.Now()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

// DeletePosition removes a position row.
func (s *TradingStore) DeletePosition(symbol string) error {
	return s.db.Delete(&PositionRecord{}, "symbol = ?", symbol).Error
}

// Positions returns every persisted position.
func (s *TradingStore) Positions() ([]PositionRecord, error) {
	var rows []PositionRecord
	err := s.db.Order("symbol ASC").Find(&rows).Error
	return rows, err
}

// SaveDailySummary upserts the day's summary row.
func (s *TradingStore) SaveDailySummary(sum DailySummary) error {
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "date"}},
		UpdateAll: true,
	}).Create(&sum).Error
}
