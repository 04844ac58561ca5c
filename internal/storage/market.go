// Package storage persists the worker's durable state in embedded SQLite
// databases via gorm.
//
// Two stores exist with different sharing rules:
//
//   - MarketStore (market_data.db): minute and daily OHLCV candles. Shared
//     between paper and live mode since quotes are identical.
//   - TradingStore (trading_{paper|live}.db): orders, positions, daily
//     summaries, and the audit trail. Split per mode so paper experiments
//     can never pollute live records.
package storage

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"leverage-worker/internal/clock"
	"leverage-worker/pkg/types"
)

// MinuteCandle is one minute bar. Keyed on (symbol, ts).
type MinuteCandle struct {
	Symbol string    `gorm:"primaryKey;size:6"`
	TS     time.Time `gorm:"primaryKey;column:ts"`
	Open   int64
	High   int64
	Low    int64
	Close  int64
	Volume int64
}

// DailyCandle is one daily bar. Keyed on (symbol, date).
type DailyCandle struct {
	Symbol string    `gorm:"primaryKey;size:6"`
	Date   time.Time `gorm:"primaryKey"`
	Open   int64
	High   int64
	Low    int64
	Close  int64
	Volume int64
}

// MarketStore holds candle history shared across modes.
type MarketStore struct {
	db *gorm.DB
}

func openDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer; a single pooled connection serializes all
	// writes without busy-loop contention.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// OpenMarket opens (and migrates) the market-data store.
func OpenMarket(path string) (*MarketStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&MinuteCandle{}, &DailyCandle{}); err != nil {
		return nil, fmt.Errorf("migrate market store: %w", err)
	}
	return &MarketStore{db: db}, nil
}

// Close releases the underlying connection.
func (s *MarketStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the store is reachable. Used by health probes.
func (s *MarketStore) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// UpsertMinute writes one minute bar with merge-on-conflict semantics:
// high widens up, low widens down, close and volume take the new value
// (broker volume is cumulative within the session). Successive tick-driven
// upserts therefore assemble a real-time bar: the first write of a minute
// sets O=H=L=C, later writes within the minute widen H/L and move C.
func (s *MarketStore) UpsertMinute(c types.Candle) error {
	if !c.Valid() {
		return fmt.Errorf("upsert minute %s: invalid candle %+v", c.Symbol, c)
	}
	row := MinuteCandle{
		Symbol: c.Symbol,
		TS:     clock.MinuteKey(c.Timestamp),
		Open:   c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}, {Name: "ts"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"high":   gorm.Expr("MAX(minute_candles.high, excluded.high)"),
			"low":    gorm.Expr("MIN(minute_candles.low, excluded.low)"),
			"close":  gorm.Expr("excluded.close"),
			"volume": gorm.Expr("excluded.volume"),
		}),
	}).Create(&row).Error
}

// UpsertMinuteBatch applies UpsertMinute semantics to many bars in one
// transaction.
func (s *MarketStore) UpsertMinuteBatch(candles []types.Candle) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		store := &MarketStore{db: tx}
		for _, c := range candles {
			if err := store.UpsertMinute(c); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertDaily writes one daily bar, replacing any existing row for the day.
func (s *MarketStore) UpsertDaily(c types.Candle) error {
	if !c.Valid() {
		return fmt.Errorf("upsert daily %s: invalid candle %+v", c.Symbol, c)
	}
	row := DailyCandle{
		Symbol: c.Symbol,
		Date:   clock.DateKey(c.Timestamp),
		Open:   c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "date"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// UpsertDailyBatch writes many daily bars in one transaction.
func (s *MarketStore) UpsertDailyBatch(candles []types.Candle) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		store := &MarketStore{db: tx}
		for _, c := range candles {
			if err := store.UpsertDaily(c); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecentMinutes returns the last n minute bars for symbol ending at or
// before end, ordered oldest first.
func (s *MarketStore) RecentMinutes(symbol string, end time.Time, n int) ([]types.Candle, error) {
	var rows []MinuteCandle
	err := s.db.
		Where("symbol = ? AND ts <= ?", symbol, clock.MinuteKey(end)).
		Order("ts DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent minutes %s: %w", symbol, err)
	}
	return reverseMinutes(rows), nil
}

// MinutesForDate returns every minute bar for symbol on the given trading
// date, ordered oldest first.
func (s *MarketStore) MinutesForDate(symbol string, date time.Time) ([]types.Candle, error) {
	day := clock.DateKey(date)
	var rows []MinuteCandle
	err := s.db.
		Where("symbol = ? AND ts >= ? AND ts < ?", symbol, day, day.AddDate(0, 0, 1)).
		Order("ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("minutes for date %s: %w", symbol, err)
	}
	out := make([]types.Candle, len(rows))
	for i, r := range rows {
		out[i] = r.toCandle()
	}
	return out, nil
}

// RecentDaily returns the last n daily bars for symbol, oldest first.
func (s *MarketStore) RecentDaily(symbol string, n int) ([]types.Candle, error) {
	var rows []DailyCandle
	err := s.db.
		Where("symbol = ?", symbol).
		Order("date DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent daily %s: %w", symbol, err)
	}
	out := make([]types.Candle, len(rows))
	for i := range rows {
		r := rows[len(rows)-1-i]
		out[i] = types.Candle{Symbol: r.Symbol, Timestamp: r.Date, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
	}
	return out, nil
}

// DailyRange returns daily bars in [from, to], oldest first.
func (s *MarketStore) DailyRange(symbol string, from, to time.Time) ([]types.Candle, error) {
	var rows []DailyCandle
	err := s.db.
		Where("symbol = ? AND date >= ? AND date <= ?", symbol, clock.DateKey(from), clock.DateKey(to)).
		Order("date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("daily range %s: %w", symbol, err)
	}
	out := make([]types.Candle, len(rows))
	for i, r := range rows {
		out[i] = types.Candle{Symbol: r.Symbol, Timestamp: r.Date, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
	}
	return out, nil
}

// HasMinutes reports whether symbol has at least n minute bars. Strategy
// precondition check.
func (s *MarketStore) HasMinutes(symbol string, n int) (bool, error) {
	var count int64
	err := s.db.Model(&MinuteCandle{}).Where("symbol = ?", symbol).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count >= int64(n), nil
}

// HasDaily reports whether symbol has at least n daily bars.
func (s *MarketStore) HasDaily(symbol string, n int) (bool, error) {
	var count int64
	err := s.db.Model(&DailyCandle{}).Where("symbol = ?", symbol).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count >= int64(n), nil
}

func (m MinuteCandle) toCandle() types.Candle {
	return types.Candle{Symbol: m.Symbol, Timestamp: m.TS, Open: m.Open, High: m.High, Low: m.Low, Close: m.Close, Volume: m.Volume}
}

func reverseMinutes(rows []MinuteCandle) []types.Candle {
	out := make([]types.Candle, len(rows))
	for i := range rows {
		out[i] = rows[len(rows)-1-i].toCandle()
	}
	return out
}
