package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the order side on the CLOB.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Outcome identifies one leg of an up/down window market.
type Outcome string

const (
	OutcomeUp   Outcome = "UP"
	OutcomeDown Outcome = "DOWN"
)

// Opposite returns the other leg.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeUp {
		return OutcomeDown
	}
	return OutcomeUp
}

// MarketKey identifies one asset's window market. Used as a map key
// everywhere per-market state is tracked.
type MarketKey struct {
	MarketID string
	Asset    string
}

func (k MarketKey) String() string {
	return fmt.Sprintf("%s/%s", k.Asset, k.MarketID)
}

// PriceLevel is a single order book level.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookSnapshot is an immutable top-of-book view captured at fetch time.
// Consumers re-check Age before acting on it.
type BookSnapshot struct {
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	BidDepth  decimal.Decimal // visible size at the touch
	AskDepth  decimal.Decimal
	FetchedAt time.Time
}

// Spread returns bestAsk - bestBid.
func (b BookSnapshot) Spread() decimal.Decimal {
	return b.BestAsk.Sub(b.BestBid)
}

// Mid returns the midpoint price.
func (b BookSnapshot) Mid() decimal.Decimal {
	return b.BestBid.Add(b.BestAsk).Div(decimal.NewFromInt(2))
}

// Age returns how stale the snapshot is at now.
func (b BookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(b.FetchedAt)
}

// HasBothSides reports whether both quotes are present and positive.
func (b BookSnapshot) HasBothSides() bool {
	return b.BestBid.IsPositive() && b.BestAsk.IsPositive()
}

// Crossed reports an inverted book (bid at or through the ask).
func (b BookSnapshot) Crossed() bool {
	return b.BestBid.GreaterThanOrEqual(b.BestAsk)
}

// Intent classifies why an order is being sent. Admission control and
// price gating branch on it.
type Intent string

const (
	IntentEntry         Intent = "ENTRY"
	IntentHedge         Intent = "HEDGE"
	IntentHedgeUrgent   Intent = "HEDGE_URGENT"
	IntentSurvival      Intent = "SURVIVAL"
	IntentEmergencyExit Intent = "EMERGENCY_EXIT"
	IntentForceHedge    Intent = "FORCE_HEDGE"
	IntentForceExit     Intent = "FORCE_EXIT"
)

// OrderType selects time-in-force on the venue.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
	OrderTypeFOK OrderType = "FOK"
)

// PlaceOrderRequest is one order submission.
type PlaceOrderRequest struct {
	TokenID   string
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	OrderType OrderType
}

// PlaceOrderResult reports the venue's response to a submission.
// FilledSize covers immediate (taker) fills; the remainder rests under
// OrderID.
type PlaceOrderResult struct {
	Success    bool
	OrderID    string
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
	ErrMsg     string
}

// OpenOrder is the venue's view of a resting order.
type OpenOrder struct {
	OrderID       string
	TokenID       string
	Side          Side
	Price         decimal.Decimal
	OriginalSize  decimal.Decimal
	RemainingSize decimal.Decimal
	CreatedAt     time.Time
}

// Fill is a confirmed execution against one of our orders.
type Fill struct {
	OrderID string
	TokenID string
	Side    Side
	Price   decimal.Decimal
	Size    decimal.Decimal
	At      time.Time
}
