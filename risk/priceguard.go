package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/telemetry"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE GUARD - Single authority for order price validation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Strategy proposes → Guard validates/clamps → Executor submits
//
// Invariant: BUY ≤ bestAsk - 1 tick, SELL ≥ bestBid + 1 tick. Emergency
// mode may cross the book, bounded in ticks and rate-limited per market.
//
// ═══════════════════════════════════════════════════════════════════════════════

// BlockReason is a machine-checkable reason for a refused price.
type BlockReason string

const (
	BlockCrossing      BlockReason = "CROSSING_BLOCKED"
	BlockEmergencyRate BlockReason = "EMERGENCY_RATE_LIMITED"
	BlockInvalidBook   BlockReason = "INVALID_BOOK"
	BlockInvertedBook  BlockReason = "INVERTED_BOOK"
	BlockStaleBook     BlockReason = "STALE_BOOK"
)

// PriceCheck is the guard's verdict on one requested price.
// TicksFromEdge counts ticks inside the opposing best quote; it goes
// negative when an emergency order crossed the book.
type PriceCheck struct {
	Allowed       bool
	SafePrice     decimal.Decimal
	TicksFromEdge int
	Reason        BlockReason
	BestPrice     decimal.Decimal
}

// GuardConfig tunes the price guard.
type GuardConfig struct {
	TickSize          decimal.Decimal
	MaxBookAge        time.Duration
	MaxCrossTicks     int
	EmergencyCooldown time.Duration
	MinMakerSpread    decimal.Decimal
}

// DefaultGuardConfig returns production defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		TickSize:          decimal.NewFromFloat(0.01),
		MaxBookAge:        500 * time.Millisecond,
		MaxCrossTicks:     2,
		EmergencyCooldown: 30 * time.Second,
		MinMakerSpread:    decimal.NewFromFloat(0.02),
	}
}

// PriceGuard validates every price before it reaches the venue.
type PriceGuard struct {
	mu  sync.Mutex
	cfg GuardConfig

	lastEmergency map[types.MarketKey]time.Time

	sink telemetry.Sink
	now  func() time.Time
}

// NewPriceGuard creates the guard. A nil sink disables telemetry.
func NewPriceGuard(cfg GuardConfig, sink telemetry.Sink) *PriceGuard {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if cfg.TickSize.IsZero() {
		cfg.TickSize = decimal.NewFromFloat(0.01)
	}
	return &PriceGuard{
		cfg:           cfg,
		lastEmergency: make(map[types.MarketKey]time.Time),
		sink:          sink,
		now:           time.Now,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUNDING
// ═══════════════════════════════════════════════════════════════════════════════

// RoundBuyPrice rounds down to the tick grid. Never rounds toward the ask.
func (g *PriceGuard) RoundBuyPrice(p decimal.Decimal) decimal.Decimal {
	return p.Div(g.cfg.TickSize).Floor().Mul(g.cfg.TickSize)
}

// RoundSellPrice rounds up to the tick grid. Never rounds toward the bid.
func (g *PriceGuard) RoundSellPrice(p decimal.Decimal) decimal.Decimal {
	return p.Div(g.cfg.TickSize).Ceil().Mul(g.cfg.TickSize)
}

func (g *PriceGuard) roundSafe(side types.Side, p decimal.Decimal) decimal.Decimal {
	if side == types.SideBuy {
		return g.RoundBuyPrice(p)
	}
	return g.RoundSellPrice(p)
}

// ═══════════════════════════════════════════════════════════════════════════════
// FRESHNESS
// ═══════════════════════════════════════════════════════════════════════════════

// CheckBookFreshness reports whether the snapshot is young enough to act
// on. Callers must refuse to trade on a stale book.
func (g *PriceGuard) CheckBookFreshness(book types.BookSnapshot) (bool, time.Duration) {
	age := book.Age(g.now())
	return age <= g.cfg.MaxBookAge, age
}

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE VALIDATION
// ═══════════════════════════════════════════════════════════════════════════════

// CheckPrice validates a requested price against the book. In emergency
// mode a bounded crossing is allowed, rate-limited per market.
func (g *PriceGuard) CheckPrice(side types.Side, requested decimal.Decimal, book types.BookSnapshot, emergency bool, key types.MarketKey, intent types.Intent) PriceCheck {
	blocked := func(reason BlockReason, best decimal.Decimal) PriceCheck {
		log.Debug().
			Str("market", key.MarketID).
			Str("asset", key.Asset).
			Str("side", string(side)).
			Str("requested", requested.StringFixed(3)).
			Str("reason", string(reason)).
			Msg("🚫 Price blocked")
		return PriceCheck{Allowed: false, Reason: reason, BestPrice: best}
	}

	if !book.HasBothSides() {
		return blocked(BlockInvalidBook, decimal.Zero)
	}
	if book.Crossed() {
		return blocked(BlockInvertedBook, decimal.Zero)
	}
	if !requested.IsPositive() {
		return blocked(BlockInvalidBook, g.ownEdge(side, book))
	}

	rounded := g.roundSafe(side, requested)
	edge := g.ownEdge(side, book)
	ticks := g.ticksInside(side, rounded, book)

	if ticks >= 1 {
		return PriceCheck{Allowed: true, SafePrice: rounded, TicksFromEdge: ticks}
	}

	if !emergency {
		return blocked(BlockCrossing, edge)
	}

	// Emergency path: bounded crossing, one per cooldown per market.
	g.mu.Lock()
	last, seen := g.lastEmergency[key]
	now := g.now()
	if seen && now.Sub(last) < g.cfg.EmergencyCooldown {
		g.mu.Unlock()
		return blocked(BlockEmergencyRate, edge)
	}
	g.lastEmergency[key] = now
	g.mu.Unlock()

	safe := g.clampCross(side, rounded, book)
	ticks = g.ticksInside(side, safe, book)

	log.Warn().
		Str("market", key.MarketID).
		Str("asset", key.Asset).
		Str("side", string(side)).
		Str("price", safe.StringFixed(3)).
		Int("ticks_from_edge", ticks).
		Str("intent", string(intent)).
		Msg("⚠️ Emergency crossing allowed")

	g.sink.Emit(telemetry.NewEvent(telemetry.EventEmergencyCross, key, map[string]any{
		"side":            string(side),
		"requested":       requested.String(),
		"safe_price":      safe.String(),
		"ticks_from_edge": ticks,
		"intent":          string(intent),
	}))

	return PriceCheck{Allowed: true, SafePrice: safe, TicksFromEdge: ticks}
}

// ownEdge is the opposing best quote the order must not cross: the ask
// for a BUY, the bid for a SELL.
func (g *PriceGuard) ownEdge(side types.Side, book types.BookSnapshot) decimal.Decimal {
	if side == types.SideBuy {
		return book.BestAsk
	}
	return book.BestBid
}

// ticksInside counts how many ticks p sits inside the opposing edge.
// 1 is the closest non-crossing distance; 0 is at the touch; negative
// means the order crosses.
func (g *PriceGuard) ticksInside(side types.Side, p decimal.Decimal, book types.BookSnapshot) int {
	var diff decimal.Decimal
	if side == types.SideBuy {
		diff = book.BestAsk.Sub(p)
	} else {
		diff = p.Sub(book.BestBid)
	}
	return int(diff.Div(g.cfg.TickSize).Floor().IntPart())
}

// clampCross caps an emergency price at MaxCrossTicks beyond the edge.
func (g *PriceGuard) clampCross(side types.Side, p decimal.Decimal, book types.BookSnapshot) decimal.Decimal {
	crossBudget := g.cfg.TickSize.Mul(decimal.NewFromInt(int64(g.cfg.MaxCrossTicks)))
	if side == types.SideBuy {
		limit := book.BestAsk.Add(crossBudget)
		if p.GreaterThan(limit) {
			return limit
		}
		return p
	}
	limit := book.BestBid.Sub(crossBudget)
	if p.LessThan(limit) {
		return limit
	}
	return p
}

// ═══════════════════════════════════════════════════════════════════════════════
// MAKER PRICING
// ═══════════════════════════════════════════════════════════════════════════════

// SelectMakerPrice proposes a resting price one tick inside our side's
// best quote, clipped so it never crosses. Returns false when the book
// is unusable or too tight to quote into.
func (g *PriceGuard) SelectMakerPrice(side types.Side, book types.BookSnapshot) (decimal.Decimal, bool) {
	if !book.HasBothSides() || book.Crossed() {
		return decimal.Zero, false
	}
	if book.Spread().LessThan(g.cfg.MinMakerSpread) {
		return decimal.Zero, false
	}

	if side == types.SideBuy {
		p := book.BestBid.Add(g.cfg.TickSize)
		limit := book.BestAsk.Sub(g.cfg.TickSize)
		if p.GreaterThan(limit) {
			p = limit
		}
		return p, p.IsPositive()
	}

	p := book.BestAsk.Sub(g.cfg.TickSize)
	limit := book.BestBid.Add(g.cfg.TickSize)
	if p.LessThan(limit) {
		p = limit
	}
	return p, p.IsPositive()
}

// SetClock overrides the time source. Tests only.
func (g *PriceGuard) SetClock(now func() time.Time) {
	g.now = now
}
