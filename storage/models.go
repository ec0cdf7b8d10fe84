package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS
// ═══════════════════════════════════════════════════════════════════════════════

// WindowRecord is one discovered 15-minute window market.
type WindowRecord struct {
	MarketID    string `gorm:"primaryKey"`
	Asset       string `gorm:"index"`
	Slug        string
	UpTokenID   string
	DownTokenID string
	PriceToBeat decimal.Decimal `gorm:"type:decimal(20,6)"`
	SpotAtOpen  decimal.Decimal `gorm:"type:decimal(20,6)"`
	WindowStart time.Time
	WindowEnd   time.Time `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FillRecord is one confirmed execution against our orders.
type FillRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	OrderID   string `gorm:"index"`
	MarketID  string `gorm:"index"`
	Asset     string
	TokenID   string
	Outcome   string // UP or DOWN
	Side      string // BUY or SELL
	Intent    string
	Price     decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size      decimal.Decimal `gorm:"type:decimal(20,6)"`
	FilledAt  time.Time
	CreatedAt time.Time
}

// HedgeRecord is the outcome of one hedge episode.
type HedgeRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	MarketID     string `gorm:"index"`
	Asset        string
	Outcome      string // hedge leg
	Mode         string // NORMAL, PANIC, SURVIVAL
	Requested    decimal.Decimal `gorm:"type:decimal(20,6)"`
	Filled       decimal.Decimal `gorm:"type:decimal(20,6)"`
	AvgPrice     decimal.Decimal `gorm:"type:decimal(10,6)"`
	Attempts     int
	Success      bool   `gorm:"index"`
	AbortCode    string // set when Success is false
	SecondsLeft  float64
	CompletedAt  time.Time
	CreatedAt    time.Time
}

// WindowResult is the final accounting of one settled window.
type WindowResult struct {
	MarketID     string `gorm:"primaryKey"`
	Asset        string `gorm:"index"`
	FinalState   string // PAIRED, UNWIND_ONLY, FLAT ...
	PairedShares decimal.Decimal `gorm:"type:decimal(20,6)"`
	PairCost     decimal.Decimal `gorm:"type:decimal(10,6)"` // combined cost per pair
	UpShares     decimal.Decimal `gorm:"type:decimal(20,6)"`
	DownShares   decimal.Decimal `gorm:"type:decimal(20,6)"`
	PnL          decimal.Decimal `gorm:"type:decimal(20,6)"`
	WinningLeg   string
	SettledAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EventRecord persists a telemetry event for offline analysis.
type EventRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Type      string `gorm:"index"`
	MarketID  string `gorm:"index"`
	Asset     string
	Fields    string // JSON
	At        time.Time
	CreatedAt time.Time
}
