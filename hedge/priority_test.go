package hedge

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testKey(id string) types.MarketKey {
	return types.MarketKey{MarketID: id, Asset: "BTC"}
}

func TestIsHedgePriorityIntent(t *testing.T) {
	cases := []struct {
		intent types.Intent
		want   bool
	}{
		{types.IntentHedge, true},
		{types.IntentHedgeUrgent, true},
		{types.IntentSurvival, true},
		{types.IntentEmergencyExit, true},
		{types.IntentForceHedge, true},
		{types.IntentForceExit, true},
		{types.IntentEntry, false},
		{types.Intent("SOMETHING_ELSE"), false},
	}

	lane := NewLane(DefaultLaneConfig())
	for _, tc := range cases {
		if got := IsHedgePriorityIntent(tc.intent); got != tc.want {
			t.Fatalf("IsHedgePriorityIntent(%s)=%v want %v", tc.intent, got, tc.want)
		}
		// All three bypass predicates are the same classification.
		if got := lane.ShouldBypassRateLimiter(tc.intent); got != tc.want {
			t.Fatalf("ShouldBypassRateLimiter(%s)=%v want %v", tc.intent, got, tc.want)
		}
		if got := lane.ShouldBypassBurstLimiter(tc.intent); got != tc.want {
			t.Fatalf("ShouldBypassBurstLimiter(%s)=%v want %v", tc.intent, got, tc.want)
		}
		if got := lane.ShouldBypassPairCostGating(tc.intent); got != tc.want {
			t.Fatalf("ShouldBypassPairCostGating(%s)=%v want %v", tc.intent, got, tc.want)
		}
	}
}

func TestEscalationLevel(t *testing.T) {
	lane := NewLane(DefaultLaneConfig())

	cases := []struct {
		since time.Duration
		want  types.Intent
	}{
		{0, types.IntentHedge},
		{9 * time.Second, types.IntentHedge},
		{10 * time.Second, types.IntentHedgeUrgent},
		{29 * time.Second, types.IntentHedgeUrgent},
		{30 * time.Second, types.IntentSurvival},
		{59 * time.Second, types.IntentSurvival},
		{60 * time.Second, types.IntentEmergencyExit},
		{5 * time.Minute, types.IntentEmergencyExit},
	}

	for _, tc := range cases {
		if got := lane.EscalationLevel(tc.since); got != tc.want {
			t.Fatalf("EscalationLevel(%s)=%s want %s", tc.since, got, tc.want)
		}
	}
}

func TestDecidePlaceThenIdempotentWait(t *testing.T) {
	lane := NewLane(DefaultLaneConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := NewState(testKey("m1"), types.OutcomeUp, d(40), d(0.55), now)

	if got := lane.Decide(st, false, 0, 600, now); got != DecisionPlaceHedge {
		t.Fatalf("decision=%s want PLACE_HEDGE", got)
	}
	if st.Attempts != 1 {
		t.Fatalf("attempts=%d want 1", st.Attempts)
	}
	if !st.LastAttemptAt.Equal(now) {
		t.Fatal("LastAttemptAt not stamped")
	}

	// Re-deciding inside the reprice interval changes nothing.
	for i := 0; i < 3; i++ {
		if got := lane.Decide(st, false, 0, 600, now.Add(time.Second)); got != DecisionWait {
			t.Fatalf("decision=%s want WAIT", got)
		}
	}
	if st.Attempts != 1 {
		t.Fatalf("attempts=%d after repeated decisions, want 1", st.Attempts)
	}
}

func TestDecideRepriceStaleOrder(t *testing.T) {
	lane := NewLane(DefaultLaneConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := NewState(testKey("m1"), types.OutcomeUp, d(40), d(0.55), now)

	if got := lane.Decide(st, false, 0, 600, now); got != DecisionPlaceHedge {
		t.Fatalf("decision=%s want PLACE_HEDGE", got)
	}

	// Fresh open order: wait.
	later := now.Add(11 * time.Second)
	if got := lane.Decide(st, true, 2*time.Second, 600, later); got != DecisionWait {
		t.Fatalf("decision=%s for fresh order, want WAIT", got)
	}

	// Stale open order past the urgent-tier interval.
	later = now.Add(17 * time.Second)
	got := lane.Decide(st, true, 6*time.Second, 600, later)
	if got != DecisionRepriceHedge {
		t.Fatalf("decision=%s for stale order, want REPRICE_HEDGE", got)
	}
	if st.Attempts != 2 {
		t.Fatalf("attempts=%d want 2", st.Attempts)
	}
	if st.Intent != types.IntentHedgeUrgent {
		t.Fatalf("intent=%s want HEDGE_URGENT", st.Intent)
	}
}

func TestDecideEmergencyExitPaths(t *testing.T) {
	lane := NewLane(DefaultLaneConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Expiry floor.
	st := NewState(testKey("m1"), types.OutcomeUp, d(40), d(0.55), now)
	if got := lane.Decide(st, true, time.Second, 40, now.Add(time.Second)); got != DecisionEmergencyExit {
		t.Fatalf("decision=%s near expiry, want EMERGENCY_EXIT", got)
	}

	// Attempt budget exhausted.
	st = NewState(testKey("m2"), types.OutcomeUp, d(40), d(0.55), now)
	st.Attempts = 5
	if got := lane.Decide(st, true, time.Second, 600, now.Add(time.Second)); got != DecisionEmergencyExit {
		t.Fatalf("decision=%s with budget spent, want EMERGENCY_EXIT", got)
	}

	// Ladder top: an hour unhedged.
	st = NewState(testKey("m3"), types.OutcomeUp, d(40), d(0.55), now)
	if got := lane.Decide(st, true, time.Second, 600, now.Add(90*time.Second)); got != DecisionEmergencyExit {
		t.Fatalf("decision=%s at ladder top, want EMERGENCY_EXIT", got)
	}
}

func TestDecideResolvedIsInert(t *testing.T) {
	lane := NewLane(DefaultLaneConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := NewState(testKey("m1"), types.OutcomeUp, d(40), d(0.55), now)
	st.Resolve(ResolutionHedged)

	if got := lane.Decide(st, false, 0, 40, now.Add(time.Minute)); got != DecisionWait {
		t.Fatalf("decision=%s for resolved state, want WAIT", got)
	}
	if st.Attempts != 0 {
		t.Fatalf("attempts=%d for resolved state, want 0", st.Attempts)
	}
}

func TestStateFillResolution(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := NewState(testKey("m1"), types.OutcomeUp, d(40), d(0.55), now)

	st.RecordHedgeFill(d(25))
	if st.Resolved {
		t.Fatal("resolved at partial coverage")
	}
	if got := st.RemainingQty(); !got.Equal(d(15)) {
		t.Fatalf("remaining=%s want 15", got)
	}

	st.RecordHedgeFill(d(15))
	if !st.Resolved || st.Resolution != ResolutionHedged {
		t.Fatalf("resolution=%s resolved=%v, want HEDGED", st.Resolution, st.Resolved)
	}

	// Terminal state is sticky.
	st.Resolve(ResolutionExpiredUnhedged)
	if st.Resolution != ResolutionHedged {
		t.Fatalf("resolution=%s overwritten, want HEDGED", st.Resolution)
	}
	if got := st.RemainingQty(); !got.IsZero() {
		t.Fatalf("remaining=%s want 0", got)
	}
}
