package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/cadence"
	"github.com/web3guy0/pairbot/execution"
	"github.com/web3guy0/pairbot/hedge"
	"github.com/web3guy0/pairbot/pairing"
	"github.com/web3guy0/pairbot/telemetry"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVALUATION PASS
// ═══════════════════════════════════════════════════════════════════════════════
//
// books → cadence signals → pairing tick → per-state action. The pass
// never blocks on anything but venue I/O, and the cadence controller
// guarantees only one pass per market runs at a time.
//
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) evaluate(key types.MarketKey) {
	rt, ok := e.runtime(key)
	if !ok || rt.settled {
		return
	}

	now := e.now()
	secondsRemaining := rt.window.SecondsRemaining(now)

	upBook, haveUp := e.marketFeed.Books().Snapshot(rt.window.UpTokenID)
	downBook, haveDown := e.marketFeed.Books().Snapshot(rt.window.DownTokenID)
	haveBooks := haveUp && haveDown

	e.mu.RLock()
	up, down := rt.up, rt.down
	e.mu.RUnlock()

	mid := decimal.Zero
	if haveUp {
		mid = upBook.Mid()
	}

	res := e.pairing.ProcessTick(key, up.Shares, down.Shares, secondsRemaining, mid)

	if res.ShouldCancelUnfilledHedges {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		e.orders.CancelAll(ctx, key, hedge.IsHedgePriorityIntent)
		cancel()
	}

	if haveBooks {
		e.observeCadence(rt, upBook, downBook, now)
	}
	if e.cadence.ShouldSnapshot(key) {
		e.logSnapshot(key, res.State, up, down, upBook, downBook, secondsRemaining)
	}

	if !haveBooks {
		return
	}

	switch {
	case res.State == pairing.StateFlat:
		e.quoteEntries(rt, upBook, downBook)
	case res.State.OneSided() || res.State == pairing.StatePairing:
		e.manageHedge(rt, upBook, downBook, secondsRemaining, now)
	case res.State == pairing.StatePaired:
		e.onPaired(rt)
	case res.State == pairing.StateUnwindOnly:
		e.unwind(rt, upBook, downBook, secondsRemaining, now)
	}
}

// observeCadence feeds this tick's signals to the cadence controller.
func (e *Engine) observeCadence(rt *marketRuntime, upBook, downBook types.BookSnapshot, now time.Time) {
	one := decimal.NewFromInt(1)
	mispricing := one.Sub(upBook.BestAsk.Add(downBook.BestAsk))
	if mispricing.IsNegative() {
		mispricing = decimal.Zero
	}

	upMove := e.lastTokenMove(rt.window.UpTokenID)
	downMove := e.lastTokenMove(rt.window.DownTokenID)

	counterpart := upMove.at
	if downMove.at.After(counterpart) {
		counterpart = downMove.at
	}

	spread := upMove
	if downMove.at.After(upMove.at) {
		spread = downMove
	}

	e.cadence.Observe(rt.window.Key, cadence.Signals{
		Mispricing:        mispricing,
		StateScore:        mispricing.InexactFloat64(),
		SpotMoveAt:        e.spotFeed.LastMoveAt(rt.window.Key.Asset),
		CounterpartMoveAt: counterpart,
		SpreadChangeTicks: spread.spreadTicks,
		SpreadChangeAt:    spread.at,
	})
}

func (e *Engine) logSnapshot(key types.MarketKey, state pairing.State, up, down position, upBook, downBook types.BookSnapshot, secondsRemaining float64) {
	log.Debug().
		Str("market", key.MarketID).
		Str("asset", key.Asset).
		Str("state", string(state)).
		Str("up", up.Shares.String()).
		Str("down", down.Shares.String()).
		Str("up_bid", upBook.BestBid.StringFixed(2)).
		Str("up_ask", upBook.BestAsk.StringFixed(2)).
		Str("down_bid", downBook.BestBid.StringFixed(2)).
		Str("down_ask", downBook.BestAsk.StringFixed(2)).
		Float64("secs_left", secondsRemaining).
		Msg("📸 Market snapshot")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HEDGE MANAGEMENT
// ═══════════════════════════════════════════════════════════════════════════════

// manageHedge runs the priority-lane decision ladder for a one-sided
// market and executes what it says.
func (e *Engine) manageHedge(rt *marketRuntime, upBook, downBook types.BookSnapshot, secondsRemaining float64, now time.Time) {
	key := rt.window.Key

	e.mu.Lock()
	lead := types.OutcomeUp
	if rt.down.Shares.GreaterThan(rt.up.Shares) {
		lead = types.OutcomeDown
	}
	leadPos := *rt.positionFor(lead)
	trailPos := *rt.positionFor(lead.Opposite())
	unpaired := leadPos.Shares.Sub(trailPos.Shares)

	if !unpaired.IsPositive() {
		e.mu.Unlock()
		return
	}
	if rt.hedgeEp == nil || rt.hedgeEp.Resolved {
		rt.hedgeEp = hedge.NewState(key, lead, leadPos.Shares, leadPos.AvgPrice(), now)
		rt.hedgeEp.HedgeFillQty = trailPos.Shares
	}
	ep := rt.hedgeEp
	e.mu.Unlock()

	open, hasOpen := e.orders.OldestByIntent(key, hedge.IsHedgePriorityIntent)
	orderAge := time.Duration(0)
	if hasOpen {
		orderAge = now.Sub(open.PlacedAt)
	}

	// Fills booked by the reconcile goroutine mutate the episode under
	// the engine lock; the decision must see a consistent view.
	e.mu.Lock()
	decision := e.lane.Decide(ep, hasOpen, orderAge, secondsRemaining, now)
	intent := ep.Intent
	e.mu.Unlock()

	switch decision {
	case hedge.DecisionWait:
		return
	case hedge.DecisionRepriceHedge:
		if err := e.venue.CancelOrder(open.OrderID); err != nil {
			log.Warn().Err(err).Str("order", open.OrderID).Msg("Hedge cancel for reprice failed")
			return
		}
		e.orders.Untrack(key, open.OrderID)
		e.ledger.Release("order-" + open.OrderID)
		e.placeHedge(rt, intent, lead, leadPos, unpaired, upBook, downBook, secondsRemaining)
	case hedge.DecisionPlaceHedge:
		e.placeHedge(rt, intent, lead, leadPos, unpaired, upBook, downBook, secondsRemaining)
	case hedge.DecisionEmergencyExit:
		e.emergencyExit(rt, ep, lead, leadPos, unpaired, upBook, downBook, secondsRemaining)
	}
}

func (e *Engine) bookFor(rt *marketRuntime, outcome types.Outcome, upBook, downBook types.BookSnapshot) types.BookSnapshot {
	if outcome == types.OutcomeUp {
		return upBook
	}
	return downBook
}

// placeHedge buys the trailing side through the escalator.
func (e *Engine) placeHedge(rt *marketRuntime, intent types.Intent, lead types.Outcome, leadPos position, unpaired decimal.Decimal, upBook, downBook types.BookSnapshot, secondsRemaining float64) {
	key := rt.window.Key
	trail := lead.Opposite()
	trailToken := rt.tokenFor(trail)
	trailBook := e.bookFor(rt, trail, upBook, downBook)

	if fresh, age := e.guard.CheckBookFreshness(trailBook); !fresh {
		log.Debug().Str("market", key.MarketID).Dur("age", age).Msg("Hedge skipped on stale book")
		return
	}

	// Survival mode pays whatever it must; outside it, don't even start
	// the escalator when the touch already breaches the pair-cost cap.
	if e.escalator.ModeFor(secondsRemaining) != hedge.ModeSurvival &&
		!e.pairing.IsHedgePriceAllowed(key, leadPos.AvgPrice(), trailBook.BestAsk) {
		log.Debug().
			Str("market", key.MarketID).
			Str("ask", trailBook.BestAsk.StringFixed(3)).
			Str("avg_entry", leadPos.AvgPrice().StringFixed(3)).
			Msg("Hedge skipped, pair cost over cap at the touch")
		return
	}

	e.pairing.BeginPairing(key, pairing.ReasonPairEdge)

	capCents := e.pairing.DynamicHedgeCap(key)
	result := e.escalator.ExecuteHedge(hedge.HedgeParams{
		Key:              key,
		TokenID:          trailToken,
		Side:             types.SideBuy,
		Shares:           e.pairing.BoundedHedgeChunk(unpaired),
		StartPrice:       trailBook.BestAsk,
		AvgEntryCost:     leadPos.AvgPrice(),
		AllowOverpay:     capCents.Div(decimal.NewFromInt(100)),
		SecondsRemaining: secondsRemaining,
		Intent:           intent,
	})
	if !result.OK {
		return
	}

	if result.RestingShares.IsPositive() && result.OrderID != "" {
		e.orders.Track(key, execution.TrackedOrder{
			OrderID:  result.OrderID,
			TokenID:  trailToken,
			Side:     types.SideBuy,
			Price:    result.Price,
			Size:     result.RestingShares,
			Intent:   intent,
			PlacedAt: e.now(),
		})
	}
	if result.FilledShares.IsPositive() {
		price := result.AvgPrice
		if !price.IsPositive() {
			price = result.Price
		}
		e.handleFill(key, execution.TrackedOrder{
			OrderID: result.OrderID,
			TokenID: trailToken,
			Side:    types.SideBuy,
			Price:   price,
			Intent:  intent,
		}, result.FilledShares)
	}
}

// emergencyExit tries loss-minimization first; if equalizing cannot
// strictly improve the worst case, it sells the leading side instead.
func (e *Engine) emergencyExit(rt *marketRuntime, ep *hedge.State, lead types.Outcome, leadPos position, unpaired decimal.Decimal, upBook, downBook types.BookSnapshot, secondsRemaining float64) {
	key := rt.window.Key
	emergency := secondsRemaining <= e.cfg.EmergencyWindow.Seconds()
	leadBook := e.bookFor(rt, lead, upBook, downBook)
	trailBook := e.bookFor(rt, lead.Opposite(), upBook, downBook)

	if plan, ok := hedge.EvaluateLossMin(e.cfg.LossMin, key, lead, leadPos.Shares, leadPos.Shares.Sub(unpaired), leadPos.AvgPrice(), leadBook.BestBid, trailBook.BestAsk); ok {
		e.sink.Emit(telemetry.NewEvent(telemetry.EventLossMinTrigger, key, map[string]any{
			"shares":       plan.Shares.String(),
			"max_price":    plan.MaxPrice.String(),
			"worst_before": plan.WorstCaseBefore.StringFixed(2),
			"worst_after":  plan.WorstCaseAfter.StringFixed(2),
		}))
		e.pairing.BeginPairing(key, pairing.ReasonLossMin)
		e.submitDirect(rt, rt.tokenFor(lead.Opposite()), types.SideBuy, plan.MaxPrice, plan.Shares, trailBook, emergency, types.IntentForceHedge)
		return
	}

	// No viable equalization: flatten the lead.
	want := leadBook.BestBid
	if !emergency {
		want = leadBook.BestBid.Add(e.cfg.TickSize)
	}
	if e.submitDirect(rt, rt.tokenFor(lead), types.SideSell, want, unpaired, leadBook, emergency, types.IntentEmergencyExit) {
		e.mu.Lock()
		ep.Resolve(hedge.ResolutionExited)
		e.mu.Unlock()
		e.saveHedgeOutcome(rt, ep)
	}
}

// submitDirect places one guard-validated order outside the escalator,
// booking any immediate fill.
func (e *Engine) submitDirect(rt *marketRuntime, tokenID string, side types.Side, price, shares decimal.Decimal, book types.BookSnapshot, emergency bool, intent types.Intent) bool {
	key := rt.window.Key

	if !shares.IsPositive() {
		return false
	}
	check := e.guard.CheckPrice(side, price, book, emergency, key, intent)
	if !check.Allowed {
		log.Debug().
			Str("market", key.MarketID).
			Str("reason", string(check.Reason)).
			Msg("Direct order blocked")
		return false
	}

	res, err := e.venue.PlaceOrder(types.PlaceOrderRequest{
		TokenID:   tokenID,
		Side:      side,
		Price:     check.SafePrice,
		Size:      shares,
		OrderType: types.OrderTypeGTC,
	})
	if err != nil || !res.Success {
		detail := res.ErrMsg
		if err != nil {
			detail = err.Error()
		}
		log.Warn().
			Str("market", key.MarketID).
			Str("detail", detail).
			Msg("⚠️ Direct order failed")
		e.pacer.RecordFailure(key)
		return false
	}
	e.pacer.RecordEvent(key, intent)

	remaining := shares.Sub(res.FilledSize)
	if remaining.IsPositive() && res.OrderID != "" {
		e.orders.Track(key, execution.TrackedOrder{
			OrderID:  res.OrderID,
			TokenID:  tokenID,
			Side:     side,
			Price:    check.SafePrice,
			Size:     remaining,
			Intent:   intent,
			PlacedAt: e.now(),
		})
	}
	if res.FilledSize.IsPositive() {
		price := res.AvgPrice
		if !price.IsPositive() {
			price = check.SafePrice
		}
		e.handleFill(key, execution.TrackedOrder{
			OrderID: res.OrderID,
			TokenID: tokenID,
			Side:    side,
			Price:   price,
			Intent:  intent,
		}, res.FilledSize)
	}
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════
// PAIRED / UNWIND
// ═══════════════════════════════════════════════════════════════════════════════

// onPaired stops acquisition: entry quotes come down, the hedge episode
// resolves.
func (e *Engine) onPaired(rt *marketRuntime) {
	key := rt.window.Key

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	e.orders.CancelAll(ctx, key, func(i types.Intent) bool { return i == types.IntentEntry })
	cancel()

	e.mu.Lock()
	var resolvedEp *hedge.State
	if rt.hedgeEp != nil && !rt.hedgeEp.Resolved {
		rt.hedgeEp.Resolve(hedge.ResolutionHedged)
		resolvedEp = rt.hedgeEp
	}
	e.mu.Unlock()

	if resolvedEp != nil {
		e.saveHedgeOutcome(rt, resolvedEp)
	}
}

// unwind is the terminal pre-expiry regime: no new entries, only
// hedge-completion and exit orders.
func (e *Engine) unwind(rt *marketRuntime, upBook, downBook types.BookSnapshot, secondsRemaining float64, now time.Time) {
	key := rt.window.Key

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	e.orders.CancelAll(ctx, key, func(i types.Intent) bool { return i == types.IntentEntry })
	cancel()

	e.mu.RLock()
	exposed := !rt.up.Shares.Equal(rt.down.Shares)
	e.mu.RUnlock()

	if exposed {
		e.manageHedge(rt, upBook, downBook, secondsRemaining, now)
	}
}
