package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testBook(bid, ask float64) types.BookSnapshot {
	return types.BookSnapshot{
		BestBid:   d(bid),
		BestAsk:   d(ask),
		BidDepth:  d(500),
		AskDepth:  d(500),
		FetchedAt: time.Now(),
	}
}

func testKey(id string) types.MarketKey {
	return types.MarketKey{MarketID: id, Asset: "BTC"}
}

func newTestGuard() *PriceGuard {
	return NewPriceGuard(DefaultGuardConfig(), nil)
}

func TestCheckPriceNoCrossing(t *testing.T) {
	g := newTestGuard()
	book := testBook(0.48, 0.52)
	key := testKey("m1")

	cases := []struct {
		name      string
		side      types.Side
		requested float64
		allowed   bool
		safe      float64
		ticks     int
		reason    BlockReason
		best      float64
	}{
		{"buy inside", types.SideBuy, 0.50, true, 0.50, 2, "", 0},
		{"buy at limit", types.SideBuy, 0.51, true, 0.51, 1, "", 0},
		{"buy at ask", types.SideBuy, 0.52, false, 0, 0, BlockCrossing, 0.52},
		{"buy through ask", types.SideBuy, 0.53, false, 0, 0, BlockCrossing, 0.52},
		{"sell inside", types.SideSell, 0.50, true, 0.50, 2, "", 0},
		{"sell at limit", types.SideSell, 0.49, true, 0.49, 1, "", 0},
		{"sell at bid", types.SideSell, 0.48, false, 0, 0, BlockCrossing, 0.48},
		{"sell through bid", types.SideSell, 0.47, false, 0, 0, BlockCrossing, 0.48},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := g.CheckPrice(tc.side, d(tc.requested), book, false, key, types.IntentEntry)
			if res.Allowed != tc.allowed {
				t.Fatalf("allowed=%v want %v", res.Allowed, tc.allowed)
			}
			if tc.allowed {
				if !res.SafePrice.Equal(d(tc.safe)) {
					t.Fatalf("safe=%s want %v", res.SafePrice, tc.safe)
				}
				if res.TicksFromEdge != tc.ticks {
					t.Fatalf("ticks=%d want %d", res.TicksFromEdge, tc.ticks)
				}
			} else {
				if res.Reason != tc.reason {
					t.Fatalf("reason=%s want %s", res.Reason, tc.reason)
				}
				if !res.BestPrice.Equal(d(tc.best)) {
					t.Fatalf("best=%s want %v", res.BestPrice, tc.best)
				}
			}
		})
	}
}

func TestCheckPriceRejectsBadBooks(t *testing.T) {
	g := newTestGuard()
	key := testKey("m1")

	cases := []struct {
		name   string
		book   types.BookSnapshot
		reason BlockReason
	}{
		{"inverted", testBook(0.55, 0.52), BlockInvertedBook},
		{"equal quotes", testBook(0.50, 0.50), BlockInvertedBook},
		{"zero bid", testBook(0, 0.52), BlockInvalidBook},
		{"zero ask", testBook(0.48, 0), BlockInvalidBook},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Bad books are rejected even in emergency mode.
			for _, emergency := range []bool{false, true} {
				res := g.CheckPrice(types.SideBuy, d(0.50), tc.book, emergency, key, types.IntentHedge)
				if res.Allowed {
					t.Fatalf("emergency=%v: bad book allowed", emergency)
				}
				if res.Reason != tc.reason {
					t.Fatalf("emergency=%v: reason=%s want %s", emergency, res.Reason, tc.reason)
				}
			}
		})
	}
}

func TestCheckPriceRejectsNonPositiveRequest(t *testing.T) {
	g := newTestGuard()
	res := g.CheckPrice(types.SideBuy, d(0), testBook(0.48, 0.52), false, testKey("m1"), types.IntentEntry)
	if res.Allowed || res.Reason != BlockInvalidBook {
		t.Fatalf("got %+v, want blocked INVALID_BOOK", res)
	}
}

func TestRoundingSafety(t *testing.T) {
	g := newTestGuard()
	prices := []float64{0.001, 0.015, 0.4999, 0.505, 0.52, 0.987}

	for _, p := range prices {
		buy := g.RoundBuyPrice(d(p))
		if buy.GreaterThan(d(p)) {
			t.Fatalf("RoundBuyPrice(%v)=%s rounded up", p, buy)
		}
		if !g.RoundBuyPrice(buy).Equal(buy) {
			t.Fatalf("RoundBuyPrice not idempotent at %v", p)
		}

		sell := g.RoundSellPrice(d(p))
		if sell.LessThan(d(p)) {
			t.Fatalf("RoundSellPrice(%v)=%s rounded down", p, sell)
		}
		if !g.RoundSellPrice(sell).Equal(sell) {
			t.Fatalf("RoundSellPrice not idempotent at %v", p)
		}
	}
}

func TestEmergencyCrossingBounded(t *testing.T) {
	g := newTestGuard()
	book := testBook(0.48, 0.52)
	key := testKey("m1")

	// Requested far through the ask: clamped to ask + maxCrossTicks.
	res := g.CheckPrice(types.SideBuy, d(0.70), book, true, key, types.IntentSurvival)
	if !res.Allowed {
		t.Fatalf("emergency crossing blocked: %+v", res)
	}
	if !res.SafePrice.Equal(d(0.54)) {
		t.Fatalf("safe=%s want 0.54", res.SafePrice)
	}
	if res.TicksFromEdge != -2 {
		t.Fatalf("ticks=%d want -2", res.TicksFromEdge)
	}

	crossed := res.SafePrice.Sub(book.BestAsk)
	maxCross := d(0.01).Mul(decimal.NewFromInt(2))
	if crossed.GreaterThan(maxCross) {
		t.Fatalf("crossed %s beyond budget %s", crossed, maxCross)
	}
}

func TestEmergencyCooldownPerMarket(t *testing.T) {
	g := newTestGuard()
	book := testBook(0.48, 0.52)
	keyA := testKey("m1")
	keyB := testKey("m2")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	g.SetClock(func() time.Time { return now })

	if res := g.CheckPrice(types.SideBuy, d(0.53), book, true, keyA, types.IntentSurvival); !res.Allowed {
		t.Fatalf("first emergency blocked: %+v", res)
	}

	// Second, same market, inside the cooldown.
	now = base.Add(10 * time.Second)
	res := g.CheckPrice(types.SideBuy, d(0.53), book, true, keyA, types.IntentSurvival)
	if res.Allowed {
		t.Fatal("second emergency allowed inside cooldown")
	}
	if res.Reason != BlockEmergencyRate {
		t.Fatalf("reason=%s want %s", res.Reason, BlockEmergencyRate)
	}

	// Other market is unaffected.
	if res := g.CheckPrice(types.SideBuy, d(0.53), book, true, keyB, types.IntentSurvival); !res.Allowed {
		t.Fatalf("other market blocked: %+v", res)
	}

	// Same market after the cooldown.
	now = base.Add(31 * time.Second)
	if res := g.CheckPrice(types.SideBuy, d(0.53), book, true, keyA, types.IntentSurvival); !res.Allowed {
		t.Fatalf("post-cooldown emergency blocked: %+v", res)
	}
}

func TestEmergencyNotUsedWhenMakerPriceValid(t *testing.T) {
	g := newTestGuard()
	book := testBook(0.48, 0.52)

	// A price already inside the edge stays a plain allow even with the
	// emergency flag up, and burns no cooldown.
	res := g.CheckPrice(types.SideBuy, d(0.50), book, true, testKey("m1"), types.IntentHedge)
	if !res.Allowed || res.TicksFromEdge != 2 {
		t.Fatalf("got %+v, want plain allow ticks=2", res)
	}
	res = g.CheckPrice(types.SideBuy, d(0.53), book, true, testKey("m1"), types.IntentHedge)
	if !res.Allowed {
		t.Fatalf("cooldown burned by non-crossing check: %+v", res)
	}
}

func TestCheckBookFreshness(t *testing.T) {
	g := newTestGuard()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return base })

	fresh := types.BookSnapshot{BestBid: d(0.48), BestAsk: d(0.52), FetchedAt: base.Add(-200 * time.Millisecond)}
	if ok, _ := g.CheckBookFreshness(fresh); !ok {
		t.Fatal("200ms-old book reported stale")
	}

	stale := types.BookSnapshot{BestBid: d(0.48), BestAsk: d(0.52), FetchedAt: base.Add(-700 * time.Millisecond)}
	ok, age := g.CheckBookFreshness(stale)
	if ok {
		t.Fatal("700ms-old book reported fresh")
	}
	if age != 700*time.Millisecond {
		t.Fatalf("age=%s want 700ms", age)
	}
}

func TestSelectMakerPrice(t *testing.T) {
	g := newTestGuard()

	cases := []struct {
		name string
		book types.BookSnapshot
		side types.Side
		want float64
		ok   bool
	}{
		{"buy improves bid", testBook(0.45, 0.55), types.SideBuy, 0.46, true},
		{"sell improves ask", testBook(0.45, 0.55), types.SideSell, 0.54, true},
		{"buy clipped at two-tick spread", testBook(0.50, 0.52), types.SideBuy, 0.51, true},
		{"sell clipped at two-tick spread", testBook(0.50, 0.52), types.SideSell, 0.51, true},
		{"spread too tight", testBook(0.50, 0.51), types.SideBuy, 0, false},
		{"inverted book", testBook(0.55, 0.52), types.SideBuy, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, ok := g.SelectMakerPrice(tc.side, tc.book)
			if ok != tc.ok {
				t.Fatalf("ok=%v want %v", ok, tc.ok)
			}
			if ok && !p.Equal(d(tc.want)) {
				t.Fatalf("price=%s want %v", p, tc.want)
			}
		})
	}
}

func TestMakerPriceNeverCrosses(t *testing.T) {
	g := newTestGuard()
	books := []types.BookSnapshot{
		testBook(0.02, 0.04),
		testBook(0.48, 0.52),
		testBook(0.90, 0.97),
	}

	for _, book := range books {
		for _, side := range []types.Side{types.SideBuy, types.SideSell} {
			p, ok := g.SelectMakerPrice(side, book)
			if !ok {
				continue
			}
			res := g.CheckPrice(side, p, book, false, testKey("m1"), types.IntentEntry)
			if !res.Allowed {
				t.Fatalf("maker price %s for %s blocked: %+v", p, side, res)
			}
		}
	}
}
