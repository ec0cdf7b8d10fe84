package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORE - Window, fill and hedge persistence
// ═══════════════════════════════════════════════════════════════════════════════
//
// Postgres when the DSN says so, SQLite otherwise. A nil Store is
// valid everywhere and drops writes, so the engine runs fine without
// persistence configured.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Store wraps the database.
type Store struct {
	db *gorm.DB
}

// New opens the store. dsn is a postgres:// URL or a SQLite file path.
// Empty dsn returns a nil Store, which disables persistence.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		log.Warn().Msg("No database configured, running without persistence")
		return nil, nil
	}

	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&WindowRecord{}, &FillRecord{}, &HedgeRecord{}, &WindowResult{}, &EventRecord{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Enabled reports whether writes land anywhere.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close closes the underlying connection.
func (s *Store) Close() {
	if !s.Enabled() {
		return
	}
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// WINDOWS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveWindow upserts a discovered window.
func (s *Store) SaveWindow(w *WindowRecord) error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Save(w).Error
}

// GetWindow loads one window by market id.
func (s *Store) GetWindow(marketID string) (*WindowRecord, error) {
	if !s.Enabled() {
		return nil, nil
	}
	var w WindowRecord
	if err := s.db.First(&w, "market_id = ?", marketID).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// ActiveWindows returns windows whose end time is still in the future.
func (s *Store) ActiveWindows(now time.Time) ([]WindowRecord, error) {
	if !s.Enabled() {
		return nil, nil
	}
	var windows []WindowRecord
	err := s.db.Where("window_end > ?", now).Find(&windows).Error
	return windows, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// FILLS AND HEDGES
// ═══════════════════════════════════════════════════════════════════════════════

// SaveFill appends one fill.
func (s *Store) SaveFill(f *FillRecord) error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Create(f).Error
}

// FillsForMarket returns every recorded fill for a market.
func (s *Store) FillsForMarket(marketID string) ([]FillRecord, error) {
	if !s.Enabled() {
		return nil, nil
	}
	var fills []FillRecord
	err := s.db.Where("market_id = ?", marketID).Order("filled_at").Find(&fills).Error
	return fills, err
}

// SaveHedge appends one hedge episode outcome.
func (s *Store) SaveHedge(h *HedgeRecord) error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Create(h).Error
}

// HedgeFailureRate returns failed/total over the trailing window. ok is
// false when no episodes were recorded.
func (s *Store) HedgeFailureRate(since time.Time) (decimal.Decimal, bool) {
	if !s.Enabled() {
		return decimal.Zero, false
	}

	var total, failed int64
	s.db.Model(&HedgeRecord{}).Where("created_at > ?", since).Count(&total)
	if total == 0 {
		return decimal.Zero, false
	}
	s.db.Model(&HedgeRecord{}).Where("created_at > ? AND success = ?", since, false).Count(&failed)
	return decimal.NewFromInt(failed).Div(decimal.NewFromInt(total)), true
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESULTS AND EVENTS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveResult upserts the final accounting of a window.
func (s *Store) SaveResult(r *WindowResult) error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Save(r).Error
}

// RecentResults returns the latest settled windows.
func (s *Store) RecentResults(limit int) ([]WindowResult, error) {
	if !s.Enabled() {
		return nil, nil
	}
	var results []WindowResult
	err := s.db.Order("settled_at DESC").Limit(limit).Find(&results).Error
	return results, err
}

// SaveEvent appends one telemetry event.
func (s *Store) SaveEvent(e *EventRecord) error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Create(e).Error
}
