// Package storage persists position snapshots, closed-order history, and
// reconciler audit records for reporting and crash forensics — separate
// from the WAL, which exists purely for crash-recovery replay. It opens a
// gorm.DB against either Postgres or a SQLite file depending on the
// connection string and auto-migrates its models.
package storage

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PositionSnapshot is a point-in-time row for a (strategy, symbol) position.
type PositionSnapshot struct {
	ID             uint            `gorm:"primaryKey;autoIncrement"`
	StrategyID     string          `gorm:"index"`
	Symbol         string          `gorm:"index"`
	SignedQty      decimal.Decimal `gorm:"type:decimal(36,18)"`
	AvgEntryPrice  decimal.Decimal `gorm:"type:decimal(36,18)"`
	RealizedPnL    decimal.Decimal `gorm:"type:decimal(36,18)"`
	UnrealizedPnL  decimal.Decimal `gorm:"type:decimal(36,18)"`
	TakenAt        time.Time       `gorm:"index"`
}

// OrderRecord is a closed (terminal-state) order, written once for
// reporting; the WAL remains the durability mechanism for in-flight
// state.
type OrderRecord struct {
	ClientOrderID string          `gorm:"primaryKey"`
	VenueOrderID  string
	Symbol        string `gorm:"index"`
	Side          string
	Kind          string
	State         string `gorm:"index"`
	RequestedQty  decimal.Decimal `gorm:"type:decimal(36,18)"`
	FilledQty     decimal.Decimal `gorm:"type:decimal(36,18)"`
	AvgFillPrice  decimal.Decimal `gorm:"type:decimal(36,18)"`
	FeesTotal     decimal.Decimal `gorm:"type:decimal(36,18)"`
	StrategyID    string          `gorm:"index"`
	TSCreated     time.Time
	TSClosed      time.Time `gorm:"index"`
}

// DivergenceRecord audits a Reconciler finding.
type DivergenceRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Venue      string `gorm:"index"`
	Kind       string // orphan_order, foreign_order, qty_mismatch, price_mismatch, balance_mismatch
	Detail     string
	Resolved   bool
	OccurredAt time.Time `gorm:"index"`
}

// Store is the gorm-backed persistence handle.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn, choosing the Postgres driver for a postgres://
// connection string and the SQLite driver otherwise.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gcfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("storage connected (postgres)")
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), gcfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("storage connected (sqlite)")
	}

	if err := db.AutoMigrate(&PositionSnapshot{}, &OrderRecord{}, &DivergenceRecord{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// SavePositionSnapshot inserts a point-in-time position row.
func (s *Store) SavePositionSnapshot(p PositionSnapshot) error {
	return s.db.Create(&p).Error
}

// UpsertOrderRecord writes or overwrites a closed order's reporting row.
func (s *Store) UpsertOrderRecord(o OrderRecord) error {
	return s.db.Save(&o).Error
}

// RecordDivergence logs a Reconciler finding.
func (s *Store) RecordDivergence(d DivergenceRecord) error {
	return s.db.Create(&d).Error
}

// RecentOrders returns the most recent closed orders for a strategy.
func (s *Store) RecentOrders(strategyID string, limit int) ([]OrderRecord, error) {
	var out []OrderRecord
	q := s.db.Order("ts_closed DESC").Limit(limit)
	if strategyID != "" {
		q = q.Where("strategy_id = ?", strategyID)
	}
	err := q.Find(&out).Error
	return out, err
}

// UnresolvedDivergences returns divergence rows not yet marked resolved.
func (s *Store) UnresolvedDivergences() ([]DivergenceRecord, error) {
	var out []DivergenceRecord
	err := s.db.Where("resolved = ?", false).Order("occurred_at DESC").Find(&out).Error
	return out, err
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
