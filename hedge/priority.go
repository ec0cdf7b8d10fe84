package hedge

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRIORITY LANE - Hedge intent classification and decision ladder
// ═══════════════════════════════════════════════════════════════════════════════
//
// Hedge operations pre-empt normal admission control: unwinding risk
// must never itself be rate-limited. One classifier feeds every bypass
// predicate so the exemption set cannot drift apart.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Resolution is the terminal outcome of one hedge episode.
type Resolution string

const (
	ResolutionPending         Resolution = "PENDING"
	ResolutionHedged          Resolution = "HEDGED"
	ResolutionExited          Resolution = "EXITED"
	ResolutionExpiredUnhedged Resolution = "EXPIRED_UNHEDGED"
)

// State tracks one market's hedge episode from entry fill to resolution.
type State struct {
	Key           types.MarketKey
	EntryFillAt   time.Time
	EntrySide     types.Outcome
	EntryQty      decimal.Decimal
	AvgEntryPrice decimal.Decimal

	Attempts      int
	LastAttemptAt time.Time
	Intent        types.Intent

	HedgeFillQty decimal.Decimal
	Resolution   Resolution
	Resolved     bool
}

// NewState opens a hedge episode for a filled entry.
func NewState(key types.MarketKey, side types.Outcome, qty, avgPrice decimal.Decimal, at time.Time) *State {
	return &State{
		Key:           key,
		EntryFillAt:   at,
		EntrySide:     side,
		EntryQty:      qty,
		AvgEntryPrice: avgPrice,
		Intent:        types.IntentHedge,
		Resolution:    ResolutionPending,
	}
}

// RecordHedgeFill adds hedge quantity; the episode resolves HEDGED once
// the entry is fully covered.
func (s *State) RecordHedgeFill(qty decimal.Decimal) {
	s.HedgeFillQty = s.HedgeFillQty.Add(qty)
	if s.HedgeFillQty.GreaterThanOrEqual(s.EntryQty) {
		s.Resolve(ResolutionHedged)
	}
}

// Resolve terminates the episode. Later resolutions are ignored.
func (s *State) Resolve(r Resolution) {
	if s.Resolved {
		return
	}
	s.Resolution = r
	s.Resolved = true
}

// RemainingQty is entry quantity not yet hedged.
func (s *State) RemainingQty() decimal.Decimal {
	rem := s.EntryQty.Sub(s.HedgeFillQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// IsHedgePriorityIntent reports whether an intent belongs to the hedge
// priority set.
func IsHedgePriorityIntent(intent types.Intent) bool {
	switch intent {
	case types.IntentHedge, types.IntentHedgeUrgent, types.IntentSurvival,
		types.IntentEmergencyExit, types.IntentForceHedge, types.IntentForceExit:
		return true
	}
	return false
}

// Decision is what the lane tells the caller to do this evaluation.
type Decision string

const (
	DecisionWait          Decision = "WAIT"
	DecisionPlaceHedge    Decision = "PLACE_HEDGE"
	DecisionRepriceHedge  Decision = "REPRICE_HEDGE"
	DecisionEmergencyExit Decision = "EMERGENCY_EXIT"
)

// LaneConfig tunes the escalation ladder and decision bookkeeping.
type LaneConfig struct {
	UrgentAfter    time.Duration // HEDGE → HEDGE_URGENT
	SurvivalAfter  time.Duration // → SURVIVAL
	EmergencyAfter time.Duration // → EMERGENCY_EXIT

	RepriceNormal   time.Duration // open-order staleness per tier
	RepriceUrgent   time.Duration
	RepriceSurvival time.Duration

	ExpiryFloor time.Duration // time-to-expiry forcing an exit
	MaxAttempts int           // acting decisions before giving up
}

// DefaultLaneConfig returns production defaults.
func DefaultLaneConfig() LaneConfig {
	return LaneConfig{
		UrgentAfter:     10 * time.Second,
		SurvivalAfter:   30 * time.Second,
		EmergencyAfter:  60 * time.Second,
		RepriceNormal:   10 * time.Second,
		RepriceUrgent:   5 * time.Second,
		RepriceSurvival: 2 * time.Second,
		ExpiryFloor:     45 * time.Second,
		MaxAttempts:     5,
	}
}

// Lane is the stateless policy layer over hedge states.
type Lane struct {
	cfg LaneConfig
}

// NewLane creates the priority lane.
func NewLane(cfg LaneConfig) *Lane {
	return &Lane{cfg: cfg}
}

// ShouldBypassRateLimiter exempts hedge intents from order pacing.
func (l *Lane) ShouldBypassRateLimiter(intent types.Intent) bool {
	return IsHedgePriorityIntent(intent)
}

// ShouldBypassBurstLimiter exempts hedge intents from burst caps.
func (l *Lane) ShouldBypassBurstLimiter(intent types.Intent) bool {
	return IsHedgePriorityIntent(intent)
}

// ShouldBypassPairCostGating exempts hedge intents from entry-side
// pair-cost admission.
func (l *Lane) ShouldBypassPairCostGating(intent types.Intent) bool {
	return IsHedgePriorityIntent(intent)
}

// EscalationLevel maps time since entry fill to the intent ladder.
func (l *Lane) EscalationLevel(sinceEntry time.Duration) types.Intent {
	switch {
	case sinceEntry >= l.cfg.EmergencyAfter:
		return types.IntentEmergencyExit
	case sinceEntry >= l.cfg.SurvivalAfter:
		return types.IntentSurvival
	case sinceEntry >= l.cfg.UrgentAfter:
		return types.IntentHedgeUrgent
	default:
		return types.IntentHedge
	}
}

func (l *Lane) repriceInterval(intent types.Intent) time.Duration {
	switch intent {
	case types.IntentHedge:
		return l.cfg.RepriceNormal
	case types.IntentHedgeUrgent:
		return l.cfg.RepriceUrgent
	default:
		return l.cfg.RepriceSurvival
	}
}

// Decide returns the action for one evaluation pass. Acting decisions
// increment the attempt counter exactly once and stamp LastAttemptAt,
// so repeated calls inside the same reprice interval return WAIT and
// the caller's side effects stay idempotent.
func (l *Lane) Decide(st *State, hasOpenOrder bool, orderAge time.Duration, secondsRemaining float64, now time.Time) Decision {
	if st == nil || st.Resolved {
		return DecisionWait
	}

	level := l.EscalationLevel(now.Sub(st.EntryFillAt))
	st.Intent = level
	interval := l.repriceInterval(level)

	// An attempt is already in flight for this interval.
	if !st.LastAttemptAt.IsZero() && now.Sub(st.LastAttemptAt) < interval {
		return DecisionWait
	}

	act := func(d Decision) Decision {
		st.Attempts++
		st.LastAttemptAt = now
		return d
	}

	if secondsRemaining < l.cfg.ExpiryFloor.Seconds() {
		return act(DecisionEmergencyExit)
	}
	if st.Attempts >= l.cfg.MaxAttempts {
		return act(DecisionEmergencyExit)
	}
	if level == types.IntentEmergencyExit {
		return act(DecisionEmergencyExit)
	}

	if !hasOpenOrder {
		return act(DecisionPlaceHedge)
	}
	if orderAge > interval {
		return act(DecisionRepriceHedge)
	}
	return DecisionWait
}
