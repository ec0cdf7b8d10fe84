package execution

import (
	"errors"
	"testing"
	"time"

	"github.com/web3guy0/pairbot/types"
)

func testResolver(key types.MarketKey) TokenResolver {
	return func(tokenID string) (types.MarketKey, bool) {
		if tokenID == "tokUP" || tokenID == "tokDOWN" {
			return key, true
		}
		return types.MarketKey{}, false
	}
}

func TestReconcilePurgesLocalAbsentRemote(t *testing.T) {
	venue := &fakeVenue{}
	m, now := newTestManager(venue)
	key := testKey()

	m.Track(key, TrackedOrder{OrderID: "ghost", TokenID: "tokUP", Side: types.SideBuy, Price: d(0.45), Size: d(50), PlacedAt: *now})

	purged, adopted, err := m.Reconcile([]types.MarketKey{key}, testResolver(key))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if purged != 1 || adopted != 0 {
		t.Fatalf("purged=%d adopted=%d want 1/0", purged, adopted)
	}
	if got := len(m.TrackedAll(key)); got != 0 {
		t.Fatalf("tracked=%d want 0", got)
	}
}

func TestReconcileAdoptsRemoteAbsentLocal(t *testing.T) {
	venue := &fakeVenue{}
	m, now := newTestManager(venue)
	key := testKey()

	venue.open = []types.OpenOrder{{
		OrderID:       "orphan",
		TokenID:       "tokDOWN",
		Side:          types.SideBuy,
		Price:         d(0.52),
		OriginalSize:  d(50),
		RemainingSize: d(30),
		CreatedAt:     now.Add(-time.Minute),
	}}

	purged, adopted, err := m.Reconcile([]types.MarketKey{key}, testResolver(key))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if purged != 0 || adopted != 1 {
		t.Fatalf("purged=%d adopted=%d want 0/1", purged, adopted)
	}

	got := m.Tracked(key, "tokDOWN", types.SideBuy)
	if len(got) != 1 || !got[0].Size.Equal(d(30)) {
		t.Fatalf("adopted order wrong: %+v", got)
	}
}

func TestReconcileUpdatesRemainingSize(t *testing.T) {
	venue := &fakeVenue{}
	m, now := newTestManager(venue)
	key := testKey()

	m.Track(key, TrackedOrder{OrderID: "live", TokenID: "tokUP", Side: types.SideBuy, Price: d(0.45), Size: d(50), PlacedAt: *now})
	venue.open = []types.OpenOrder{{
		OrderID:       "live",
		TokenID:       "tokUP",
		Side:          types.SideBuy,
		Price:         d(0.45),
		OriginalSize:  d(50),
		RemainingSize: d(20),
		CreatedAt:     *now,
	}}

	if _, _, err := m.Reconcile([]types.MarketKey{key}, testResolver(key)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got := m.Tracked(key, "tokUP", types.SideBuy)
	if len(got) != 1 || !got[0].Size.Equal(d(20)) {
		t.Fatalf("size not refreshed: %+v", got)
	}
}

func TestReconcileFetchErrorLeavesStateUntouched(t *testing.T) {
	venue := &fakeVenue{openErr: errFetch}
	m, now := newTestManager(venue)
	key := testKey()

	m.Track(key, TrackedOrder{OrderID: "keep", TokenID: "tokUP", Side: types.SideBuy, Price: d(0.45), Size: d(50), PlacedAt: *now})

	if _, _, err := m.Reconcile([]types.MarketKey{key}, testResolver(key)); err == nil {
		t.Fatal("expected fetch error")
	}
	if got := len(m.TrackedAll(key)); got != 1 {
		t.Fatalf("tracked=%d want 1", got)
	}
}

var errFetch = errors.New("venue unavailable")

func TestReconcileThrottledPerMarket(t *testing.T) {
	venue := &fakeVenue{}
	m, now := newTestManager(venue)
	key := testKey()

	m.Track(key, TrackedOrder{OrderID: "g1", TokenID: "tokUP", Side: types.SideBuy, Price: d(0.45), Size: d(50), PlacedAt: *now})
	if purged, _, _ := m.Reconcile([]types.MarketKey{key}, testResolver(key)); purged != 1 {
		t.Fatalf("first pass purged=%d want 1", purged)
	}

	// Second pass inside the throttle window does nothing.
	m.Track(key, TrackedOrder{OrderID: "g2", TokenID: "tokUP", Side: types.SideBuy, Price: d(0.45), Size: d(50), PlacedAt: *now})
	*now = now.Add(2 * time.Second)
	if purged, _, _ := m.Reconcile([]types.MarketKey{key}, testResolver(key)); purged != 0 {
		t.Fatalf("throttled pass purged=%d want 0", purged)
	}

	*now = now.Add(4 * time.Second)
	if purged, _, _ := m.Reconcile([]types.MarketKey{key}, testResolver(key)); purged != 1 {
		t.Fatalf("post-throttle pass purged=%d want 1", purged)
	}
}

func TestReconcileIgnoresUnresolvableTokens(t *testing.T) {
	venue := &fakeVenue{}
	m, now := newTestManager(venue)
	key := testKey()

	venue.open = []types.OpenOrder{{
		OrderID:       "foreign",
		TokenID:       "tokOTHER",
		Side:          types.SideBuy,
		Price:         d(0.33),
		RemainingSize: d(10),
		CreatedAt:     *now,
	}}

	_, adopted, err := m.Reconcile([]types.MarketKey{key}, testResolver(key))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if adopted != 0 {
		t.Fatalf("adopted=%d want 0", adopted)
	}
}
