package pairing

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/telemetry"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET STATE MANAGER - Pairing lifecycle per market
// ═══════════════════════════════════════════════════════════════════════════════
//
// FLAT → ONE_SIDED_{UP,DOWN} → PAIRING → PAIRED (or revert on timeout)
// Any state → UNWIND_ONLY near expiry (absorbing).
//
// State is a function of inventory and elapsed time only. ProcessTick is
// the single mutation entry point per evaluation cycle.
//
// ═══════════════════════════════════════════════════════════════════════════════

// AssetCaps bounds the dynamic hedge-slippage cap for one asset, in cents.
type AssetCaps struct {
	BaseCapCents decimal.Decimal
	MaxCapCents  decimal.Decimal
}

// ManagerConfig tunes the state machine.
type ManagerConfig struct {
	UnwindThreshold  time.Duration // time-to-expiry at which markets stop acquiring
	PairingTimeout   time.Duration
	MinPairedShares  decimal.Decimal // floor for calling inventory paired
	ImbalancePct     decimal.Decimal // tolerated |up-down| as a fraction of paired size
	VolLookback      time.Duration   // price-history window
	VolMultiplier    decimal.Decimal // scales the base cap by observed volatility
	DefaultCaps      AssetCaps
	CapsByAsset      map[string]AssetCaps
	ChunkPct         decimal.Decimal // fraction of one-sided shares per hedge order
	ChunkMinShares   decimal.Decimal
	ChunkMaxShares   decimal.Decimal
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		UnwindThreshold: 30 * time.Second,
		PairingTimeout:  45 * time.Second,
		MinPairedShares: decimal.NewFromInt(5),
		ImbalancePct:    decimal.NewFromFloat(0.20),
		VolLookback:     300 * time.Second,
		VolMultiplier:   decimal.NewFromInt(2),
		DefaultCaps: AssetCaps{
			BaseCapCents: decimal.NewFromInt(3),
			MaxCapCents:  decimal.NewFromInt(8),
		},
		ChunkPct:       decimal.NewFromFloat(0.25),
		ChunkMinShares: decimal.NewFromInt(25),
		ChunkMaxShares: decimal.NewFromInt(100),
	}
}

// TickResult is what one ProcessTick pass decided.
type TickResult struct {
	State                      State
	Changed                    bool
	TimedOut                   bool
	ShouldCancelUnfilledHedges bool
}

// Manager owns the pairing state machine for every tracked market.
type Manager struct {
	mu       sync.Mutex
	cfg      ManagerConfig
	contexts map[types.MarketKey]*Context

	sink telemetry.Sink
	now  func() time.Time
}

// NewManager creates the state manager. A nil sink disables telemetry.
func NewManager(cfg ManagerConfig, sink telemetry.Sink) *Manager {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Manager{
		cfg:      cfg,
		contexts: make(map[types.MarketKey]*Context),
		sink:     sink,
		now:      time.Now,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// TICK PROCESSING
// ═══════════════════════════════════════════════════════════════════════════════

// ProcessTick updates a market's inventory and recomputes its state.
// Single entry point per evaluation cycle.
func (m *Manager) ProcessTick(key types.MarketKey, upShares, downShares decimal.Decimal, secondsRemaining float64, midPrice decimal.Decimal) TickResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := m.contextLocked(key)
	now := m.now()

	ctx.UpShares = upShares
	ctx.DownShares = downShares

	if midPrice.IsPositive() {
		ctx.priceHistory = append(ctx.priceHistory, pricePoint{price: midPrice, at: now})
	}
	m.pruneHistoryLocked(ctx, now)

	prev := ctx.State

	timedOut := m.checkPairingTimeoutLocked(key, ctx, now)
	if !timedOut {
		next := m.determineStateLocked(ctx, secondsRemaining)
		m.transitionLocked(key, ctx, next, now)
	}

	return TickResult{
		State:                      ctx.State,
		Changed:                    ctx.State != prev,
		TimedOut:                   timedOut,
		ShouldCancelUnfilledHedges: timedOut,
	}
}

// determineStateLocked is the pure transition function.
func (m *Manager) determineStateLocked(ctx *Context, secondsRemaining float64) State {
	if ctx.unwound || secondsRemaining <= m.cfg.UnwindThreshold.Seconds() {
		return StateUnwindOnly
	}

	up, down := ctx.UpShares, ctx.DownShares

	if up.IsZero() && down.IsZero() {
		return StateFlat
	}

	paired := ctx.PairedShares()
	if paired.GreaterThanOrEqual(m.cfg.MinPairedShares) {
		imbalance := ctx.UnpairedShares()
		if imbalance.LessThanOrEqual(paired.Mul(m.cfg.ImbalancePct)) {
			return StatePaired
		}
	}

	// Sticky while actively pairing; the timeout is the only way out
	// without inventory qualifying above.
	if ctx.State == StatePairing {
		return StatePairing
	}

	if down.IsZero() {
		return StateOneSidedUp
	}
	if up.IsZero() {
		return StateOneSidedDown
	}

	if up.GreaterThan(down) {
		return StateOneSidedUp
	}
	return StateOneSidedDown
}

// BeginPairing marks a one-sided market as actively working its second
// leg. Stamps the transition time and reason.
func (m *Manager) BeginPairing(key types.MarketKey, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.contexts[key]
	if !ok || !ctx.State.OneSided() {
		return false
	}
	if reason == "" {
		reason = ReasonPairEdge
	}

	now := m.now()
	ctx.PairingReason = reason
	m.transitionLocked(key, ctx, StatePairing, now)
	start := now
	ctx.PairingStartedAt = &start

	log.Info().
		Str("market", key.MarketID).
		Str("asset", key.Asset).
		Str("reason", reason).
		Msg("🔗 Pairing started")

	return true
}

// checkPairingTimeoutLocked force-reverts a stuck PAIRING market to its
// leading side. Fires at most once per pairing episode.
func (m *Manager) checkPairingTimeoutLocked(key types.MarketKey, ctx *Context, now time.Time) bool {
	if ctx.State != StatePairing || ctx.PairingStartedAt == nil {
		return false
	}
	elapsed := now.Sub(*ctx.PairingStartedAt)
	if elapsed <= m.cfg.PairingTimeout {
		return false
	}

	var next State
	switch {
	case ctx.UpShares.GreaterThan(ctx.DownShares):
		next = StateOneSidedUp
	case ctx.DownShares.GreaterThan(ctx.UpShares):
		next = StateOneSidedDown
	case ctx.UpShares.IsZero():
		next = StateFlat
	case ctx.UpShares.GreaterThanOrEqual(m.cfg.MinPairedShares):
		next = StatePaired
	default:
		// Equal legs but below the paired floor: treat like any other
		// one-sided remainder, matching the regular transition's
		// tie-break.
		next = StateOneSidedDown
	}

	log.Warn().
		Str("market", key.MarketID).
		Str("asset", key.Asset).
		Dur("elapsed", elapsed).
		Str("reverted_to", string(next)).
		Msg("⏰ Pairing timeout, reverting")

	m.sink.Emit(telemetry.NewEvent(telemetry.EventPairingTimeout, key, map[string]any{
		"elapsed_sec": elapsed.Seconds(),
		"reverted_to": string(next),
		"up_shares":   ctx.UpShares.String(),
		"down_shares": ctx.DownShares.String(),
	}))

	m.transitionLocked(key, ctx, next, now)
	return true
}

// transitionLocked applies a state change, maintaining pairing stamps
// and the unwind latch.
func (m *Manager) transitionLocked(key types.MarketKey, ctx *Context, next State, now time.Time) {
	if next == StateUnwindOnly {
		ctx.unwound = true
	}
	if ctx.State == next {
		return
	}

	prev := ctx.State
	ctx.State = next
	ctx.EnteredStateAt = now

	if next != StatePairing {
		ctx.PairingStartedAt = nil
		ctx.PairingReason = ""
	}

	log.Debug().
		Str("market", key.MarketID).
		Str("asset", key.Asset).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("🔄 Market state transition")

	m.sink.Emit(telemetry.NewEvent(telemetry.EventPairingTransition, key, map[string]any{
		"from":        string(prev),
		"to":          string(next),
		"up_shares":   ctx.UpShares.String(),
		"down_shares": ctx.DownShares.String(),
	}))
}

// ═══════════════════════════════════════════════════════════════════════════════
// HEDGE SIZING AND PRICE CAPS
// ═══════════════════════════════════════════════════════════════════════════════

// DynamicHedgeCap returns the allowed pair-cost overshoot in cents for
// this market, scaled by recent volatility and clamped per asset.
func (m *Manager) DynamicHedgeCap(key types.MarketKey) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	caps := m.capsForLocked(key.Asset)
	ctx, ok := m.contexts[key]
	if !ok || len(ctx.priceHistory) < 2 {
		return caps.BaseCapCents
	}

	oldest := ctx.priceHistory[0].price
	newest := ctx.priceHistory[len(ctx.priceHistory)-1].price
	if !oldest.IsPositive() {
		return caps.BaseCapCents
	}

	vol := newest.Sub(oldest).Abs().Div(oldest)
	cap := caps.BaseCapCents.Mul(decimal.NewFromInt(1).Add(vol.Mul(m.cfg.VolMultiplier)))
	if cap.GreaterThan(caps.MaxCapCents) {
		cap = caps.MaxCapCents
	}
	return cap
}

// IsHedgePriceAllowed accepts a hedge price only while the implied
// combined pair cost stays within 100¢ plus the dynamic cap.
func (m *Manager) IsHedgePriceAllowed(key types.MarketKey, avgEntryCost, hedgePrice decimal.Decimal) bool {
	cap := m.DynamicHedgeCap(key)
	pairCostCents := avgEntryCost.Add(hedgePrice).Mul(decimal.NewFromInt(100))
	return pairCostCents.LessThanOrEqual(decimal.NewFromInt(100).Add(cap))
}

// BoundedHedgeChunk sizes one hedge order from the one-sided exposure:
// a fixed fraction, clamped so orders neither dust-trade nor swing the
// whole position at once.
func (m *Manager) BoundedHedgeChunk(oneSidedShares decimal.Decimal) decimal.Decimal {
	if !oneSidedShares.IsPositive() {
		return decimal.Zero
	}
	chunk := oneSidedShares.Mul(m.cfg.ChunkPct)
	if chunk.LessThan(m.cfg.ChunkMinShares) {
		chunk = m.cfg.ChunkMinShares
	}
	if chunk.GreaterThan(m.cfg.ChunkMaxShares) {
		chunk = m.cfg.ChunkMaxShares
	}
	if chunk.GreaterThan(oneSidedShares) {
		chunk = oneSidedShares
	}
	return chunk
}

// ═══════════════════════════════════════════════════════════════════════════════
// BOOKKEEPING
// ═══════════════════════════════════════════════════════════════════════════════

// Snapshot returns a copy of a market's context, if tracked.
func (m *Manager) Snapshot(key types.MarketKey) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.contexts[key]
	if !ok {
		return Snapshot{}, false
	}
	return ctx.snapshot(), true
}

// Remove discards a settled market's context.
func (m *Manager) Remove(key types.MarketKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, key)
}

// ActiveMarkets lists tracked markets.
func (m *Manager) ActiveMarkets() []types.MarketKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]types.MarketKey, 0, len(m.contexts))
	for k := range m.contexts {
		keys = append(keys, k)
	}
	return keys
}

func (m *Manager) contextLocked(key types.MarketKey) *Context {
	ctx, ok := m.contexts[key]
	if !ok {
		ctx = &Context{State: StateFlat, EnteredStateAt: m.now()}
		m.contexts[key] = ctx
	}
	return ctx
}

func (m *Manager) capsForLocked(asset string) AssetCaps {
	if caps, ok := m.cfg.CapsByAsset[asset]; ok {
		return caps
	}
	return m.cfg.DefaultCaps
}

func (m *Manager) pruneHistoryLocked(ctx *Context, now time.Time) {
	cutoff := now.Add(-m.cfg.VolLookback)
	i := 0
	for i < len(ctx.priceHistory) && ctx.priceHistory[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		ctx.priceHistory = append(ctx.priceHistory[:0], ctx.priceHistory[i:]...)
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}
