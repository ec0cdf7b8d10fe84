package cadence

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/telemetry"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CADENCE CONTROLLER - Adaptive per-market evaluation frequency
// ═══════════════════════════════════════════════════════════════════════════════
//
// COLD 1000ms → WARM 500ms → HOT 250ms eval intervals. Upgrades fire
// immediately on signal; downgrades need the signal to stay false for a
// hold period, so a flickering market does not thrash the loop.
//
// Snapshot logging runs on its own clock: time-gated in COLD/WARM,
// purely event-driven in HOT.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Tier is the evaluation-frequency tier of one market.
type Tier string

const (
	TierCold Tier = "COLD"
	TierWarm Tier = "WARM"
	TierHot  Tier = "HOT"
)

// Signals is the per-tick observation the controller classifies.
// Zero-valued timestamps mean "never observed".
type Signals struct {
	Mispricing        decimal.Decimal // distance from fair combined price, dollars
	StateScore        float64         // strategy-specific opportunity score
	SpotMoveAt        time.Time       // last spot trade that moved the price
	CounterpartMoveAt time.Time       // last quote move on the other leg
	SpreadChangeTicks int             // spread change magnitude this tick
	SpreadChangeAt    time.Time
}

// Config tunes the controller.
type Config struct {
	ColdInterval time.Duration
	WarmInterval time.Duration
	HotInterval  time.Duration

	NearFalseFor time.Duration // continuous quiet before WARM→COLD
	HotFalseFor  time.Duration // continuous quiet before HOT→WARM

	EntryThreshold decimal.Decimal // mispricing that triggers an entry
	NearRatio      decimal.Decimal // fraction of entry threshold for "near"
	HotRatio       decimal.Decimal // fraction for "hot"

	NearPercentile float64 // score percentile for "near"
	HotPercentile  float64 // score percentile for "hot"
	ScoreWindow    int     // rolling sample capacity per asset

	MoveWindow time.Duration // how recent a move must be to count

	SnapshotCold time.Duration // full-snapshot gate per tier
	SnapshotWarm time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ColdInterval:   1000 * time.Millisecond,
		WarmInterval:   500 * time.Millisecond,
		HotInterval:    250 * time.Millisecond,
		NearFalseFor:   5 * time.Second,
		HotFalseFor:    3 * time.Second,
		EntryThreshold: decimal.NewFromFloat(0.05),
		NearRatio:      decimal.NewFromFloat(0.6),
		HotRatio:       decimal.NewFromFloat(0.85),
		NearPercentile: 75,
		HotPercentile:  90,
		ScoreWindow:    512,
		MoveWindow:     time.Second,
		SnapshotCold:   2 * time.Second,
		SnapshotWarm:   time.Second,
	}
}

type marketState struct {
	tier           Tier
	lastEvalAt     time.Time
	lastSnapshotAt time.Time
	nearFalseSince time.Time
	hotFalseSince  time.Time
	evaluating     bool
}

// Controller derives each market's evaluation and snapshot cadence.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	markets map[types.MarketKey]*marketState
	scores  map[string]*RollingPercentile // per asset

	sink telemetry.Sink
	now  func() time.Time
}

// NewController creates the cadence controller. A nil sink disables
// telemetry.
func NewController(cfg Config, sink telemetry.Sink) *Controller {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if cfg.ScoreWindow <= 0 {
		cfg.ScoreWindow = 512
	}
	return &Controller{
		cfg:     cfg,
		markets: make(map[types.MarketKey]*marketState),
		scores:  make(map[string]*RollingPercentile),
		sink:    sink,
		now:     time.Now,
	}
}

// Observe classifies one tick's signals and updates the market's tier.
// Returns the tier in force after the update.
func (c *Controller) Observe(key types.MarketKey, sig Signals) Tier {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := c.stateLocked(key, now)
	tracker := c.trackerLocked(key.Asset)
	tracker.Add(sig.StateScore)

	near := c.isNear(sig, tracker, now)
	hot := c.isHot(sig, tracker, now)

	// Quiet-period bookkeeping. A zero time means the signal was true
	// on the last observation.
	if near {
		st.nearFalseSince = time.Time{}
	} else if st.nearFalseSince.IsZero() {
		st.nearFalseSince = now
	}
	if hot {
		st.hotFalseSince = time.Time{}
	} else if st.hotFalseSince.IsZero() {
		st.hotFalseSince = now
	}

	next := st.tier
	switch {
	case hot:
		next = TierHot
	case near && st.tier != TierHot:
		next = TierWarm
	case st.tier == TierHot:
		if !st.hotFalseSince.IsZero() && now.Sub(st.hotFalseSince) >= c.cfg.HotFalseFor {
			next = TierWarm
			// Cascade straight to COLD when "near" has also been quiet
			// long enough.
			if !st.nearFalseSince.IsZero() && now.Sub(st.nearFalseSince) >= c.cfg.NearFalseFor {
				next = TierCold
			}
		}
	case st.tier == TierWarm:
		if !st.nearFalseSince.IsZero() && now.Sub(st.nearFalseSince) >= c.cfg.NearFalseFor {
			next = TierCold
		}
	}

	if next != st.tier {
		prev := st.tier
		st.tier = next
		log.Debug().
			Str("market", key.MarketID).
			Str("asset", key.Asset).
			Str("from", string(prev)).
			Str("to", string(next)).
			Msg("🌡️ Cadence tier change")
		c.sink.Emit(telemetry.NewEvent(telemetry.EventCadenceTransition, key, map[string]any{
			"from": string(prev),
			"to":   string(next),
		}))
	}

	return st.tier
}

func (c *Controller) isNear(sig Signals, tracker *RollingPercentile, now time.Time) bool {
	if sig.Mispricing.GreaterThanOrEqual(c.cfg.EntryThreshold.Mul(c.cfg.NearRatio)) {
		return true
	}
	if p, ok := tracker.Percentile(c.cfg.NearPercentile); ok && sig.StateScore >= p && sig.StateScore > 0 {
		return true
	}
	if withinWindow(sig.SpotMoveAt, now, c.cfg.MoveWindow) {
		return true
	}
	if withinWindow(sig.CounterpartMoveAt, now, c.cfg.MoveWindow) {
		return true
	}
	return false
}

func (c *Controller) isHot(sig Signals, tracker *RollingPercentile, now time.Time) bool {
	if sig.Mispricing.GreaterThanOrEqual(c.cfg.EntryThreshold.Mul(c.cfg.HotRatio)) {
		return true
	}
	if p, ok := tracker.Percentile(c.cfg.HotPercentile); ok && sig.StateScore >= p && sig.StateScore > 0 {
		return true
	}
	if sig.SpreadChangeTicks >= 1 && withinWindow(sig.SpreadChangeAt, now, c.cfg.MoveWindow) {
		return true
	}
	return false
}

func withinWindow(at, now time.Time, window time.Duration) bool {
	return !at.IsZero() && now.Sub(at) <= window
}

// EvalInterval returns the evaluation interval for a tier.
func (c *Controller) EvalInterval(tier Tier) time.Duration {
	switch tier {
	case TierHot:
		return c.cfg.HotInterval
	case TierWarm:
		return c.cfg.WarmInterval
	default:
		return c.cfg.ColdInterval
	}
}

// ShouldEvaluate reports whether a market is due for evaluation and, if
// so, claims the slot. Pairs with MarkEvaluated to serialize a market's
// evaluations: a second caller sees false until the first marks done.
func (c *Controller) ShouldEvaluate(key types.MarketKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := c.stateLocked(key, now)
	if st.evaluating {
		return false
	}
	if !st.lastEvalAt.IsZero() && now.Sub(st.lastEvalAt) < c.EvalInterval(st.tier) {
		return false
	}
	st.evaluating = true
	return true
}

// MarkEvaluated releases the evaluation slot claimed by ShouldEvaluate.
func (c *Controller) MarkEvaluated(key types.MarketKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := c.stateLocked(key, now)
	st.evaluating = false
	st.lastEvalAt = now
}

// ShouldSnapshot reports whether a time-gated full snapshot is due.
// HOT markets are event-driven only and always return false here; their
// snapshots ride on MarkSnapshot calls from natural events.
func (c *Controller) ShouldSnapshot(key types.MarketKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := c.stateLocked(key, now)

	var gate time.Duration
	switch st.tier {
	case TierHot:
		return false
	case TierWarm:
		gate = c.cfg.SnapshotWarm
	default:
		gate = c.cfg.SnapshotCold
	}

	if !st.lastSnapshotAt.IsZero() && now.Sub(st.lastSnapshotAt) < gate {
		return false
	}
	st.lastSnapshotAt = now
	return true
}

// MarkSnapshot records an event-driven snapshot.
func (c *Controller) MarkSnapshot(key types.MarketKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateLocked(key, c.now()).lastSnapshotAt = c.now()
}

// TierFor returns the market's current tier.
func (c *Controller) TierFor(key types.MarketKey) Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(key, c.now()).tier
}

// Remove discards a settled market's cadence state.
func (c *Controller) Remove(key types.MarketKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markets, key)
}

func (c *Controller) stateLocked(key types.MarketKey, now time.Time) *marketState {
	st, ok := c.markets[key]
	if !ok {
		st = &marketState{tier: TierCold, nearFalseSince: now, hotFalseSince: now}
		c.markets[key] = st
	}
	return st
}

func (c *Controller) trackerLocked(asset string) *RollingPercentile {
	tr, ok := c.scores[asset]
	if !ok {
		tr = NewRollingPercentile(c.cfg.ScoreWindow)
		c.scores[asset] = tr
	}
	return tr
}

// SetClock overrides the time source. Tests only.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}
