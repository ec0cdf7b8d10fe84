package pairing

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

func newTestManager() (*Manager, *time.Time) {
	m := NewManager(DefaultManagerConfig(), nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	return m, &now
}

func TestDetermineState(t *testing.T) {
	cases := []struct {
		name    string
		up      float64
		down    float64
		seconds float64
		want    State
	}{
		{"flat", 0, 0, 300, StateFlat},
		{"one sided up", 40, 0, 300, StateOneSidedUp},
		{"one sided down", 0, 40, 300, StateOneSidedDown},
		{"paired equal", 50, 50, 300, StatePaired},
		{"paired within imbalance", 50, 45, 300, StatePaired},
		{"imbalance beyond tolerance", 100, 60, 300, StateOneSidedUp},
		{"dominant down", 20, 90, 300, StateOneSidedDown},
		{"below paired floor", 4, 2, 300, StateOneSidedUp},
		{"unwind at threshold", 50, 50, 30, StateUnwindOnly},
		{"unwind flat", 0, 0, 10, StateUnwindOnly},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestManager()
			res := m.ProcessTick(testKey("m1"), d(tc.up), d(tc.down), tc.seconds, d(0.50))
			if res.State != tc.want {
				t.Fatalf("state=%s want %s", res.State, tc.want)
			}
		})
	}
}

func TestUnwindIsAbsorbing(t *testing.T) {
	m, _ := newTestManager()
	key := testKey("m1")

	if res := m.ProcessTick(key, d(50), d(50), 20, d(0.50)); res.State != StateUnwindOnly {
		t.Fatalf("state=%s want UNWIND_ONLY", res.State)
	}
	// A bogus larger remaining time must not resurrect the market.
	if res := m.ProcessTick(key, d(50), d(50), 500, d(0.50)); res.State != StateUnwindOnly {
		t.Fatalf("state=%s after unwind latch, want UNWIND_ONLY", res.State)
	}
}

func TestPairingTimeoutScenario(t *testing.T) {
	m, now := newTestManager()
	key := testKey("m1")

	res := m.ProcessTick(key, d(40), d(0), 200, d(0.50))
	if res.State != StateOneSidedUp {
		t.Fatalf("state=%s want ONE_SIDED_UP", res.State)
	}

	if !m.BeginPairing(key, "") {
		t.Fatal("BeginPairing refused from ONE_SIDED_UP")
	}
	snap, ok := m.Snapshot(key)
	if !ok || snap.State != StatePairing {
		t.Fatalf("state=%s want PAIRING", snap.State)
	}
	if snap.PairingStartedAt == nil || !snap.PairingStartedAt.Equal(*now) {
		t.Fatal("pairing start not stamped")
	}
	if snap.PairingReason != ReasonPairEdge {
		t.Fatalf("reason=%s want %s", snap.PairingReason, ReasonPairEdge)
	}

	// Inside the timeout the state is sticky even with down still zero.
	*now = now.Add(20 * time.Second)
	if res := m.ProcessTick(key, d(40), d(0), 180, d(0.50)); res.State != StatePairing {
		t.Fatalf("state=%s at +20s, want PAIRING", res.State)
	}

	// Past the timeout it reverts to the leading side, once.
	*now = now.Add(26 * time.Second)
	res = m.ProcessTick(key, d(40), d(0), 154, d(0.50))
	if res.State != StateOneSidedUp {
		t.Fatalf("state=%s at +46s, want ONE_SIDED_UP", res.State)
	}
	if !res.TimedOut || !res.ShouldCancelUnfilledHedges {
		t.Fatalf("timeout flags=%+v, want timed out with cancel signal", res)
	}

	snap, _ = m.Snapshot(key)
	if snap.PairingStartedAt != nil {
		t.Fatal("pairing stamp not cleared after revert")
	}

	// The revert happens exactly once.
	res = m.ProcessTick(key, d(40), d(0), 153, d(0.50))
	if res.TimedOut || res.ShouldCancelUnfilledHedges {
		t.Fatalf("timeout fired twice: %+v", res)
	}
}

func TestPairingTimeoutRevertsToDominantSide(t *testing.T) {
	m, now := newTestManager()
	key := testKey("m1")

	m.ProcessTick(key, d(10), d(40), 200, d(0.50))
	if !m.BeginPairing(key, ReasonLossMin) {
		t.Fatal("BeginPairing refused from ONE_SIDED_DOWN")
	}

	*now = now.Add(46 * time.Second)
	res := m.ProcessTick(key, d(10), d(40), 154, d(0.50))
	if res.State != StateOneSidedDown {
		t.Fatalf("state=%s want ONE_SIDED_DOWN", res.State)
	}
}

func TestPairingTimeoutWithEqualLegs(t *testing.T) {
	// Equal legs at the timeout only count as paired above the floor;
	// dust on both sides reverts to one-sided like any other remainder.
	cases := []struct {
		name   string
		shares float64
		want   State
	}{
		{"at the paired floor", 5, StatePaired},
		{"above the paired floor", 40, StatePaired},
		{"dust below the floor", 3, StateOneSidedDown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, now := newTestManager()
			key := testKey("m1")

			m.ProcessTick(key, d(tc.shares), d(0), 200, d(0.50))
			if !m.BeginPairing(key, "") {
				t.Fatal("BeginPairing refused from ONE_SIDED_UP")
			}

			*now = now.Add(46 * time.Second)
			res := m.ProcessTick(key, d(tc.shares), d(tc.shares), 154, d(0.50))
			if !res.TimedOut {
				t.Fatal("timeout did not fire")
			}
			if res.State != tc.want {
				t.Fatalf("state=%s want %s", res.State, tc.want)
			}

			// The revert is final: the next tick must not re-enter
			// PAIRING or fire the timeout again.
			res = m.ProcessTick(key, d(tc.shares), d(tc.shares), 153, d(0.50))
			if res.TimedOut {
				t.Fatal("timeout fired twice")
			}
			if res.State == StatePairing {
				t.Fatalf("state=%s re-entered PAIRING after revert", res.State)
			}
		})
	}
}

func TestPairingCompletesToPaired(t *testing.T) {
	m, now := newTestManager()
	key := testKey("m1")

	m.ProcessTick(key, d(40), d(0), 200, d(0.50))
	m.BeginPairing(key, "")

	// Hedge fills inside the timeout.
	*now = now.Add(10 * time.Second)
	res := m.ProcessTick(key, d(40), d(38), 190, d(0.50))
	if res.State != StatePaired {
		t.Fatalf("state=%s want PAIRED", res.State)
	}
	snap, _ := m.Snapshot(key)
	if snap.PairingStartedAt != nil {
		t.Fatal("pairing stamp survives leaving PAIRING")
	}
}

func TestBeginPairingRequiresOneSided(t *testing.T) {
	m, _ := newTestManager()
	key := testKey("m1")

	m.ProcessTick(key, d(0), d(0), 300, d(0.50))
	if m.BeginPairing(key, "") {
		t.Fatal("BeginPairing allowed from FLAT")
	}

	m.ProcessTick(key, d(50), d(50), 300, d(0.50))
	if m.BeginPairing(key, "") {
		t.Fatal("BeginPairing allowed from PAIRED")
	}

	if m.BeginPairing(testKey("untracked"), "") {
		t.Fatal("BeginPairing allowed for unknown market")
	}
}

func TestDynamicHedgeCap(t *testing.T) {
	m, now := newTestManager()
	key := testKey("m1")

	// No history: base cap.
	if got := m.DynamicHedgeCap(key); !got.Equal(d(3)) {
		t.Fatalf("cap=%s want 3", got)
	}

	// 20% move over the window: 3 x (1 + 0.2*2) = 4.2 cents.
	m.ProcessTick(key, d(10), d(0), 300, d(0.50))
	*now = now.Add(10 * time.Second)
	m.ProcessTick(key, d(10), d(0), 290, d(0.60))
	if got := m.DynamicHedgeCap(key); !got.Equal(d(4.2)) {
		t.Fatalf("cap=%s want 4.2", got)
	}

	// Violent move clamps at the per-asset max.
	*now = now.Add(10 * time.Second)
	m.ProcessTick(key, d(10), d(0), 280, d(1.00))
	if got := m.DynamicHedgeCap(key); !got.Equal(d(8)) {
		t.Fatalf("cap=%s want 8 (clamped)", got)
	}
}

func TestDynamicHedgeCapPerAssetOverride(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.CapsByAsset = map[string]AssetCaps{
		"ETH": {BaseCapCents: d(5), MaxCapCents: d(10)},
	}
	m := NewManager(cfg, nil)

	eth := types.MarketKey{MarketID: "m1", Asset: "ETH"}
	if got := m.DynamicHedgeCap(eth); !got.Equal(d(5)) {
		t.Fatalf("eth cap=%s want 5", got)
	}
	btc := types.MarketKey{MarketID: "m2", Asset: "BTC"}
	if got := m.DynamicHedgeCap(btc); !got.Equal(d(3)) {
		t.Fatalf("btc cap=%s want 3", got)
	}
}

func TestPriceHistoryPruning(t *testing.T) {
	m, now := newTestManager()
	key := testKey("m1")

	// Seed an old point, then move past the lookback window.
	m.ProcessTick(key, d(10), d(0), 900, d(0.50))
	*now = now.Add(301 * time.Second)
	m.ProcessTick(key, d(10), d(0), 599, d(0.60))

	// The 0.50 point is gone, so only one sample remains: base cap.
	if got := m.DynamicHedgeCap(key); !got.Equal(d(3)) {
		t.Fatalf("cap=%s want base 3 after pruning", got)
	}
}

func TestIsHedgePriceAllowed(t *testing.T) {
	m, _ := newTestManager()
	key := testKey("m1")

	// Base cap 3¢: pair cost may reach 103¢.
	if !m.IsHedgePriceAllowed(key, d(0.55), d(0.47)) {
		t.Fatal("102¢ pair cost rejected under 3¢ cap")
	}
	if !m.IsHedgePriceAllowed(key, d(0.55), d(0.48)) {
		t.Fatal("103¢ pair cost rejected under 3¢ cap")
	}
	if m.IsHedgePriceAllowed(key, d(0.55), d(0.49)) {
		t.Fatal("104¢ pair cost accepted under 3¢ cap")
	}
}

func TestBoundedHedgeChunk(t *testing.T) {
	m, _ := newTestManager()

	cases := []struct {
		name   string
		shares float64
		want   float64
	}{
		{"quarter of position", 200, 50},
		{"floor", 60, 25},
		{"ceiling", 1000, 100},
		{"small position capped at exposure", 10, 10},
		{"zero", 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := m.BoundedHedgeChunk(d(tc.shares))
			if !got.Equal(d(tc.want)) {
				t.Fatalf("chunk=%s want %v", got, tc.want)
			}
		})
	}
}

func TestRemoveClearsContext(t *testing.T) {
	m, _ := newTestManager()
	key := testKey("m1")

	m.ProcessTick(key, d(40), d(0), 200, d(0.50))
	m.Remove(key)
	if _, ok := m.Snapshot(key); ok {
		t.Fatal("context survived Remove")
	}
	if len(m.ActiveMarkets()) != 0 {
		t.Fatal("market list not empty after Remove")
	}
}
