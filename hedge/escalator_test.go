package hedge

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/risk"
	"github.com/web3guy0/pairbot/types"
)

type fakeVenue struct {
	book    types.BookSnapshot
	bookErr error

	placeResults []types.PlaceOrderResult
	placeErr     error
	requests     []types.PlaceOrderRequest

	invalidations int
}

func (f *fakeVenue) GetOrderbookDepth(tokenID string) (types.BookSnapshot, error) {
	if f.bookErr != nil {
		return types.BookSnapshot{}, f.bookErr
	}
	b := f.book
	b.FetchedAt = time.Now()
	return b, nil
}

func (f *fakeVenue) PlaceOrder(req types.PlaceOrderRequest) (types.PlaceOrderResult, error) {
	f.requests = append(f.requests, req)
	if f.placeErr != nil {
		return types.PlaceOrderResult{}, f.placeErr
	}
	if len(f.placeResults) > 0 {
		res := f.placeResults[0]
		f.placeResults = f.placeResults[1:]
		return res, nil
	}
	return types.PlaceOrderResult{Success: true, OrderID: "ord-1"}, nil
}

func (f *fakeVenue) InvalidateBalance() {
	f.invalidations++
}

type escalatorFixture struct {
	esc    *Escalator
	venue  *fakeVenue
	ledger *risk.Ledger
	pacer  *risk.Pacer
	slept  []time.Duration
}

func newEscalatorFixture(cfg EscalatorConfig, balance float64, book types.BookSnapshot) *escalatorFixture {
	venue := &fakeVenue{book: book}
	guard := risk.NewPriceGuard(risk.DefaultGuardConfig(), nil)
	pacer := risk.NewPacer(risk.DefaultPacerConfig(), IsHedgePriorityIntent)
	ledger := risk.NewLedger(func() (decimal.Decimal, error) { return d(balance), nil })

	f := &escalatorFixture{venue: venue, ledger: ledger, pacer: pacer}
	f.esc = NewEscalator(cfg, guard, pacer, ledger, venue, nil)
	f.esc.SetSleep(func(dur time.Duration) { f.slept = append(f.slept, dur) })
	return f
}

func deepBook(bid, ask float64) types.BookSnapshot {
	return types.BookSnapshot{
		BestBid:  d(bid),
		BestAsk:  d(ask),
		BidDepth: d(5000),
		AskDepth: d(5000),
	}
}

func hedgeParams(shares, startPrice float64) HedgeParams {
	return HedgeParams{
		Key:              testKey("m1"),
		TokenID:          "tok-down",
		Side:             types.SideBuy,
		Shares:           d(shares),
		StartPrice:       d(startPrice),
		AvgEntryCost:     d(0.45),
		AllowOverpay:     d(0.03),
		SecondsRemaining: 600,
		Intent:           types.IntentHedge,
	}
}

func TestExecuteHedgeSuccess(t *testing.T) {
	f := newEscalatorFixture(DefaultEscalatorConfig(), 1000, deepBook(0.48, 0.52))
	f.venue.placeResults = []types.PlaceOrderResult{
		{Success: true, OrderID: "ord-9", FilledSize: d(5), AvgPrice: d(0.50)},
	}

	res := f.esc.ExecuteHedge(hedgeParams(20, 0.50))
	if !res.OK {
		t.Fatalf("hedge failed: %+v", res)
	}
	if res.OrderID != "ord-9" || res.Attempts != 1 {
		t.Fatalf("got %+v, want ord-9 in 1 attempt", res)
	}
	if !res.FilledShares.Equal(d(5)) {
		t.Fatalf("filled=%s want 5", res.FilledShares)
	}

	// The unfilled remainder stays reserved under the real order id.
	want := d(15).Mul(d(0.50))
	if got := f.ledger.TotalReserved(); !got.Equal(want) {
		t.Fatalf("reserved=%s want %s", got, want)
	}
	if f.venue.invalidations != 1 {
		t.Fatalf("balance invalidations=%d want 1", f.venue.invalidations)
	}
}

func TestExecuteHedgeMonotonicEscalation(t *testing.T) {
	f := newEscalatorFixture(DefaultEscalatorConfig(), 1000, deepBook(0.10, 0.90))
	f.venue.placeResults = []types.PlaceOrderResult{
		{Success: false, ErrMsg: "rejected"},
		{Success: false, ErrMsg: "rejected"},
		{Success: false, ErrMsg: "rejected"},
	}

	res := f.esc.ExecuteHedge(hedgeParams(100, 0.60))
	if res.OK {
		t.Fatalf("hedge succeeded against all-rejecting venue: %+v", res)
	}
	if res.ErrorCode != AbortMaxRetries {
		t.Fatalf("code=%s want MAX_RETRIES", res.ErrorCode)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts=%d want 3", res.Attempts)
	}
	if len(f.venue.requests) != 3 {
		t.Fatalf("venue calls=%d want 3", len(f.venue.requests))
	}

	// Price never decreases, size never increases.
	for i := 1; i < len(f.venue.requests); i++ {
		prev, cur := f.venue.requests[i-1], f.venue.requests[i]
		if cur.Price.LessThan(prev.Price) {
			t.Fatalf("price decreased: %s -> %s", prev.Price, cur.Price)
		}
		if cur.Size.GreaterThan(prev.Size) {
			t.Fatalf("size increased: %s -> %s", prev.Size, cur.Size)
		}
	}

	// Nothing left reserved after the abort.
	if got := f.ledger.TotalReserved(); !got.IsZero() {
		t.Fatalf("reserved=%s after abort, want 0", got)
	}
	if len(f.slept) != 3 {
		t.Fatalf("sleeps=%d want 3", len(f.slept))
	}
}

func TestExecuteHedgeFundsShrink(t *testing.T) {
	cfg := DefaultEscalatorConfig()
	cfg.MaxRetries = 10
	f := newEscalatorFixture(cfg, 1, deepBook(0.48, 0.52))

	res := f.esc.ExecuteHedge(hedgeParams(20, 0.50))
	if res.OK {
		t.Fatalf("hedge succeeded with no funds: %+v", res)
	}
	if res.ErrorCode != AbortInsufficientFunds {
		t.Fatalf("code=%s want INSUFFICIENT_FUNDS", res.ErrorCode)
	}
	// 20 → 16 → 12.8 → 10.24 → 8.19 → 6.55 → 5.24 → 4.19 aborts.
	if res.Attempts != 7 {
		t.Fatalf("attempts=%d want 7", res.Attempts)
	}
	if len(f.venue.requests) != 0 {
		t.Fatalf("venue calls=%d while broke, want 0", len(f.venue.requests))
	}
}

func TestExecuteHedgePairCostGate(t *testing.T) {
	f := newEscalatorFixture(DefaultEscalatorConfig(), 1000, deepBook(0.48, 0.52))

	p := hedgeParams(20, 0.50)
	p.AvgEntryCost = d(0.55) // 0.55 + 0.50 = 1.05 > 1.03
	res := f.esc.ExecuteHedge(p)
	if res.OK || res.ErrorCode != AbortPairCostWorsening {
		t.Fatalf("got %+v, want PAIR_COST_WORSENING", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts=%d want 1", res.Attempts)
	}
	if len(f.venue.requests) != 0 {
		t.Fatal("venue touched despite pair-cost abort")
	}
}

func TestExecuteHedgeSurvivalSkipsPairCostGate(t *testing.T) {
	f := newEscalatorFixture(DefaultEscalatorConfig(), 1000, deepBook(0.48, 0.52))

	p := hedgeParams(20, 0.50)
	p.AvgEntryCost = d(0.55)
	p.SecondsRemaining = 30 // survival
	p.Intent = types.IntentSurvival

	res := f.esc.ExecuteHedge(p)
	if !res.OK {
		t.Fatalf("survival hedge failed: %+v", res)
	}
}

func TestExecuteHedgePriceClampedToModeCap(t *testing.T) {
	f := newEscalatorFixture(DefaultEscalatorConfig(), 1000, deepBook(0.90, 0.99))

	// Normal mode caps at 0.85 even when asked for more. The book's
	// maker clip sits higher, so the cap is what reaches the venue.
	p := hedgeParams(20, 0.92)
	res := f.esc.ExecuteHedge(p)
	if !res.OK {
		t.Fatalf("hedge failed: %+v", res)
	}
	if got := f.venue.requests[0].Price; !got.Equal(d(0.85)) {
		t.Fatalf("submitted price=%s want 0.85", got)
	}
}

func TestExecuteHedgeMakerClipOutsideEmergencyWindow(t *testing.T) {
	f := newEscalatorFixture(DefaultEscalatorConfig(), 1000, deepBook(0.48, 0.52))

	// 600s to expiry: crossing is not allowed, so an aggressive ladder
	// price is clipped one tick inside the ask.
	res := f.esc.ExecuteHedge(hedgeParams(20, 0.60))
	if !res.OK {
		t.Fatalf("hedge failed: %+v", res)
	}
	if got := f.venue.requests[0].Price; !got.Equal(d(0.51)) {
		t.Fatalf("submitted price=%s want 0.51", got)
	}
}

func TestExecuteHedgeEmergencyCrossingInsideWindow(t *testing.T) {
	f := newEscalatorFixture(DefaultEscalatorConfig(), 1000, deepBook(0.48, 0.52))

	p := hedgeParams(20, 0.60)
	p.SecondsRemaining = 80 // inside the emergency window
	p.Intent = types.IntentHedgeUrgent

	res := f.esc.ExecuteHedge(p)
	if !res.OK {
		t.Fatalf("hedge failed: %+v", res)
	}
	// Crossing is allowed but capped two ticks beyond the ask.
	if got := f.venue.requests[0].Price; !got.Equal(d(0.54)) {
		t.Fatalf("submitted price=%s want 0.54", got)
	}
}

func TestExecuteHedgeSurvivalShrinksToDepth(t *testing.T) {
	book := deepBook(0.48, 0.52)
	book.AskDepth = d(10)
	f := newEscalatorFixture(DefaultEscalatorConfig(), 1000, book)

	p := hedgeParams(40, 0.50)
	p.SecondsRemaining = 30 // survival
	p.Intent = types.IntentSurvival

	res := f.esc.ExecuteHedge(p)
	if !res.OK {
		t.Fatalf("hedge failed: %+v", res)
	}
	// Depth 10 covers less than half of 40: survival takes 80% of it.
	if got := f.venue.requests[0].Size; !got.Equal(d(8)) {
		t.Fatalf("submitted size=%s want 8", got)
	}
}

func TestExecuteHedgeRateLimited(t *testing.T) {
	f := newEscalatorFixture(DefaultEscalatorConfig(), 1000, deepBook(0.48, 0.52))

	// A hedge order just went out for this market.
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.pacer.SetClock(func() time.Time { return fixed })
	f.pacer.RecordEvent(testKey("m1"), types.IntentHedge)

	res := f.esc.ExecuteHedge(hedgeParams(20, 0.50))
	if res.OK || res.ErrorCode != AbortRateLimited {
		t.Fatalf("got %+v, want RATE_LIMITED", res)
	}
}

func TestExecuteHedgeSurvivalWaitsOutAdmission(t *testing.T) {
	f := newEscalatorFixture(DefaultEscalatorConfig(), 1000, deepBook(0.48, 0.52))

	// Pacer time advances when the escalator sleeps, so the blocked
	// admission clears on the retry.
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.pacer.SetClock(func() time.Time { return now })
	f.esc.SetSleep(func(dur time.Duration) {
		f.slept = append(f.slept, dur)
		now = now.Add(dur)
	})
	f.pacer.RecordEvent(testKey("m1"), types.IntentHedge)

	p := hedgeParams(20, 0.50)
	p.SecondsRemaining = 30
	p.Intent = types.IntentSurvival

	res := f.esc.ExecuteHedge(p)
	if !res.OK {
		t.Fatalf("survival hedge failed: %+v", res)
	}
	if len(f.slept) == 0 {
		t.Fatal("admission wait did not sleep")
	}
}

func TestExecuteHedgeBookFetchFailure(t *testing.T) {
	f := newEscalatorFixture(DefaultEscalatorConfig(), 1000, deepBook(0.48, 0.52))
	f.venue.bookErr = errors.New("venue 500")

	res := f.esc.ExecuteHedge(hedgeParams(100, 0.50))
	if res.OK || res.ErrorCode != AbortMaxRetries {
		t.Fatalf("got %+v, want MAX_RETRIES", res)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts=%d want 3", res.Attempts)
	}
}

func TestExecuteHedgeEventRing(t *testing.T) {
	f := newEscalatorFixture(DefaultEscalatorConfig(), 1000, deepBook(0.48, 0.52))

	f.esc.ExecuteHedge(hedgeParams(20, 0.50))
	events := f.esc.Events().Snapshot()
	if len(events) < 2 {
		t.Fatalf("events=%d want attempt+success at least", len(events))
	}
	if events[0].Type != "HEDGE_ATTEMPT" {
		t.Fatalf("first event=%s want HEDGE_ATTEMPT", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != "HEDGE_SUCCESS" {
		t.Fatalf("last event=%s want HEDGE_SUCCESS", last.Type)
	}
}
