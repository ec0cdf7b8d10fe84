package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/bot"
	"github.com/web3guy0/pairbot/cadence"
	"github.com/web3guy0/pairbot/execution"
	"github.com/web3guy0/pairbot/feeds"
	"github.com/web3guy0/pairbot/hedge"
	"github.com/web3guy0/pairbot/internal/polymarket"
	"github.com/web3guy0/pairbot/pairing"
	"github.com/web3guy0/pairbot/risk"
	"github.com/web3guy0/pairbot/storage"
	"github.com/web3guy0/pairbot/telemetry"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// One goroutine per discovered window market, paced by the cadence
// controller. Each evaluation pass:
//
//   books → pairing tick → entry quoting / hedge ladder / unwind
//
// Entry quoting rests maker orders on both legs while the combined cost
// keeps a pair edge below $1. One-sided inventory goes through the
// hedge priority lane and escalator until paired or exited.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Venue is the venue API surface the engine needs. *exec.Client
// satisfies it.
type Venue interface {
	GetOrderbookDepth(tokenID string) (types.BookSnapshot, error)
	PlaceOrder(req types.PlaceOrderRequest) (types.PlaceOrderResult, error)
	CancelOrder(orderID string) error
	GetOpenOrders() ([]types.OpenOrder, error)
	GetBalance() (decimal.Decimal, error)
	InvalidateBalance()
	IsDryRun() bool
}

// EngineConfig tunes the core loop.
type EngineConfig struct {
	EntryShares     decimal.Decimal // shares per entry quote
	MinPairEdge     decimal.Decimal // required gap below $1 combined
	MaxEntryPrice   decimal.Decimal // never quote a leg above this
	TickSize        decimal.Decimal
	EmergencyWindow time.Duration // crossing allowed inside this window
	PollTick        time.Duration // per-market loop granularity
	ReconcileEvery  time.Duration

	LossMin hedge.LossMinConfig
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		EntryShares:     decimal.NewFromInt(50),
		MinPairEdge:     decimal.NewFromFloat(0.02),
		MaxEntryPrice:   decimal.NewFromFloat(0.65),
		TickSize:        decimal.NewFromFloat(0.01),
		EmergencyWindow: 90 * time.Second,
		PollTick:        50 * time.Millisecond,
		ReconcileEvery:  time.Second,
		LossMin:         hedge.DefaultLossMinConfig(),
	}
}

// Components are the engine's collaborators, built in cmd and injected.
type Components struct {
	Venue      Venue
	Guard      *risk.PriceGuard
	Pacer      *risk.Pacer
	Ledger     *risk.Ledger
	Pairing    *pairing.Manager
	Lane       *hedge.Lane
	Escalator  *hedge.Escalator
	Cadence    *cadence.Controller
	Orders     *execution.Manager
	Scanner    *polymarket.Scanner
	MarketFeed *feeds.MarketFeed
	SpotFeed   *feeds.SpotFeed
	Store      *storage.Store
	Sink       telemetry.Sink
}

// position is accumulated inventory on one leg.
type position struct {
	Shares decimal.Decimal
	Cost   decimal.Decimal // total dollars spent
}

func (p position) AvgPrice() decimal.Decimal {
	if !p.Shares.IsPositive() {
		return decimal.Zero
	}
	return p.Cost.Div(p.Shares)
}

// marketRuntime is the engine's mutable state for one window market.
type marketRuntime struct {
	window  polymarket.Window
	up      position
	down    position
	hedgeEp *hedge.State
	settled bool
}

func (rt *marketRuntime) tokenFor(outcome types.Outcome) string {
	if outcome == types.OutcomeUp {
		return rt.window.UpTokenID
	}
	return rt.window.DownTokenID
}

func (rt *marketRuntime) positionFor(outcome types.Outcome) *position {
	if outcome == types.OutcomeUp {
		return &rt.up
	}
	return &rt.down
}

type tokenMove struct {
	at          time.Time
	spreadTicks int
}

// Engine owns the trading loop.
type Engine struct {
	mu  sync.RWMutex
	cfg EngineConfig

	venue      Venue
	guard      *risk.PriceGuard
	pacer      *risk.Pacer
	ledger     *risk.Ledger
	pairing    *pairing.Manager
	lane       *hedge.Lane
	escalator  *hedge.Escalator
	cadence    *cadence.Controller
	orders     *execution.Manager
	scanner    *polymarket.Scanner
	marketFeed *feeds.MarketFeed
	spotFeed   *feeds.SpotFeed
	store      *storage.Store
	sink       telemetry.Sink

	markets    map[types.MarketKey]*marketRuntime
	tokenMoves map[string]tokenMove

	paused  bool
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewEngine wires the engine. Scanner callbacks and the fill handler
// are registered here, before anything starts.
func NewEngine(cfg EngineConfig, c Components) *Engine {
	if c.Sink == nil {
		c.Sink = telemetry.NopSink{}
	}
	if cfg.PollTick <= 0 {
		cfg.PollTick = 50 * time.Millisecond
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = time.Second
	}

	e := &Engine{
		cfg:        cfg,
		venue:      c.Venue,
		guard:      c.Guard,
		pacer:      c.Pacer,
		ledger:     c.Ledger,
		pairing:    c.Pairing,
		lane:       c.Lane,
		escalator:  c.Escalator,
		cadence:    c.Cadence,
		orders:     c.Orders,
		scanner:    c.Scanner,
		marketFeed: c.MarketFeed,
		spotFeed:   c.SpotFeed,
		store:      c.Store,
		sink:       c.Sink,
		markets:    make(map[types.MarketKey]*marketRuntime),
		tokenMoves: make(map[string]tokenMove),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}

	e.orders.SetFillHandler(e.handleFill)
	e.scanner.OnNewWindow(e.addWindow)
	e.scanner.OnExpired(e.settleWindow)

	return e
}

// Start brings up feeds, discovery and the reconciliation loop.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	if balance, err := e.venue.GetBalance(); err == nil {
		log.Info().Str("balance", "$"+balance.StringFixed(2)).Msg("💰 Balance loaded")
	}

	// Windows persisted by a previous run and still unexpired will be
	// rediscovered by the scanner; surface them so an operator can tell
	// a restart from a cold start.
	if windows, err := e.store.ActiveWindows(e.now()); err == nil && len(windows) > 0 {
		for _, w := range windows {
			log.Info().
				Str("market", w.MarketID).
				Str("asset", w.Asset).
				Time("ends", w.WindowEnd).
				Msg("📂 Unexpired window from previous run")
		}
	}

	e.spotFeed.Start()
	e.marketFeed.Start()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.bookTickLoop()
	}()
	go func() {
		defer e.wg.Done()
		e.orders.ReconcileLoop(e.stopCh, e.cfg.ReconcileEvery, e.activeMarketKeys, e.scanner.ResolveToken)
	}()

	// Discovery last: its callbacks spawn market loops.
	e.scanner.Start()

	log.Info().Msg("⚡ Engine started")
}

// Stop shuts down discovery, market loops and feeds, cancelling any
// resting entry quotes first.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	keys := make([]types.MarketKey, 0, len(e.markets))
	for k := range e.markets {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	e.scanner.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, key := range keys {
		n := e.orders.CancelAll(ctx, key, func(i types.Intent) bool { return i == types.IntentEntry })
		if n > 0 {
			log.Info().Str("market", key.MarketID).Int("orders", n).Msg("Entry quotes cancelled on shutdown")
		}
	}

	close(e.stopCh)
	e.wg.Wait()

	e.marketFeed.Stop()
	e.spotFeed.Stop()
	log.Info().Msg("Engine stopped")
}

// Pause stops new entry quoting; hedges and exits keep running.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	log.Warn().Msg("⏸️ Entries paused")
}

// Resume re-enables entry quoting.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	log.Info().Msg("▶️ Entries resumed")
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) addWindow(w polymarket.Window) {
	e.mu.Lock()
	if _, ok := e.markets[w.Key]; ok {
		e.mu.Unlock()
		return
	}
	rt := &marketRuntime{window: w}
	e.markets[w.Key] = rt
	e.mu.Unlock()

	if err := e.store.SaveWindow(&storage.WindowRecord{
		MarketID:    w.Key.MarketID,
		Asset:       w.Key.Asset,
		Slug:        w.Slug,
		UpTokenID:   w.UpTokenID,
		DownTokenID: w.DownTokenID,
		PriceToBeat: w.PriceToBeat,
		SpotAtOpen:  e.spotFeed.Price(w.Key.Asset),
		WindowStart: w.StartAt,
		WindowEnd:   w.EndAt,
	}); err != nil {
		log.Warn().Err(err).Str("market", w.Key.MarketID).Msg("Window persist failed")
	}

	e.resubscribe()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runMarket(w.Key)
	}()
}

func (e *Engine) settleWindow(w polymarket.Window) {
	e.mu.Lock()
	rt, ok := e.markets[w.Key]
	if !ok || rt.settled {
		e.mu.Unlock()
		return
	}
	rt.settled = true
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.orders.CancelAll(ctx, w.Key, nil)

	e.recordResult(rt)

	e.mu.Lock()
	delete(e.markets, w.Key)
	e.mu.Unlock()

	e.pairing.Remove(w.Key)
	e.cadence.Remove(w.Key)
	e.orders.Remove(w.Key)
	e.marketFeed.Books().Remove(w.UpTokenID)
	e.marketFeed.Books().Remove(w.DownTokenID)
	e.resubscribe()
}

// recordResult does the final accounting for a settled window.
func (e *Engine) recordResult(rt *marketRuntime) {
	key := rt.window.Key

	snap, _ := e.pairing.Snapshot(key)

	// The reconcile goroutine books fills into the same runtime;
	// snapshot inventory and resolve the episode under the lock.
	e.mu.Lock()
	up, down := rt.up, rt.down
	var resolvedEp *hedge.State
	if rt.hedgeEp != nil && !rt.hedgeEp.Resolved {
		if rt.hedgeEp.RemainingQty().IsPositive() {
			rt.hedgeEp.Resolve(hedge.ResolutionExpiredUnhedged)
		} else {
			rt.hedgeEp.Resolve(hedge.ResolutionHedged)
		}
		resolvedEp = rt.hedgeEp
	}
	e.mu.Unlock()

	if resolvedEp != nil {
		e.saveHedgeOutcome(rt, resolvedEp)
	}

	paired := up.Shares
	if down.Shares.LessThan(paired) {
		paired = down.Shares
	}

	finalSpot := e.spotFeed.Price(key.Asset)
	winner := types.OutcomeDown
	if rt.window.PriceToBeat.IsPositive() && finalSpot.GreaterThan(rt.window.PriceToBeat) {
		winner = types.OutcomeUp
	}

	totalCost := up.Cost.Add(down.Cost)
	payout := up.Shares
	if winner == types.OutcomeDown {
		payout = down.Shares
	}
	pnl := payout.Sub(totalCost)

	pairCost := decimal.Zero
	if paired.IsPositive() {
		pairCost = up.AvgPrice().Add(down.AvgPrice())
	}

	if err := e.store.SaveResult(&storage.WindowResult{
		MarketID:     key.MarketID,
		Asset:        key.Asset,
		FinalState:   string(snap.State),
		PairedShares: paired,
		PairCost:     pairCost,
		UpShares:     up.Shares,
		DownShares:   down.Shares,
		PnL:          pnl,
		WinningLeg:   string(winner),
		SettledAt:    e.now(),
	}); err != nil {
		log.Warn().Err(err).Str("market", key.MarketID).Msg("Result persist failed")
	}

	e.sink.Emit(telemetry.NewEvent(telemetry.EventWindowSettled, key, map[string]any{
		"state":  string(snap.State),
		"paired": paired.String(),
		"pnl":    pnl.StringFixed(2),
		"winner": string(winner),
	}))

	log.Info().
		Str("market", key.MarketID).
		Str("asset", key.Asset).
		Str("state", string(snap.State)).
		Str("paired", paired.String()).
		Str("pnl", pnl.StringFixed(2)).
		Msg("🏁 Window settled")
}

func (e *Engine) resubscribe() {
	e.mu.RLock()
	tokens := make([]string, 0, 2*len(e.markets))
	for _, rt := range e.markets {
		tokens = append(tokens, rt.window.UpTokenID, rt.window.DownTokenID)
	}
	e.mu.RUnlock()

	if err := e.marketFeed.SetAssets(tokens); err != nil {
		log.Warn().Err(err).Msg("Market feed resubscribe failed")
	}
}

func (e *Engine) activeMarketKeys() []types.MarketKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]types.MarketKey, 0, len(e.markets))
	for k := range e.markets {
		keys = append(keys, k)
	}
	return keys
}

func (e *Engine) runtime(key types.MarketKey) (*marketRuntime, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rt, ok := e.markets[key]
	return rt, ok
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET LOOP
// ═══════════════════════════════════════════════════════════════════════════════

// runMarket drives one market until settlement removes it. The cadence
// controller decides how often the poll actually evaluates.
func (e *Engine) runMarket(key types.MarketKey) {
	ticker := time.NewTicker(e.cfg.PollTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if _, ok := e.runtime(key); !ok {
				return
			}
			if !e.cadence.ShouldEvaluate(key) {
				continue
			}
			e.evaluate(key)
			e.cadence.MarkEvaluated(key)
		}
	}
}

// bookTickLoop consumes WS book updates for cadence signals and
// event-driven snapshots.
func (e *Engine) bookTickLoop() {
	ticks := e.marketFeed.Listen()
	for {
		select {
		case <-e.stopCh:
			return
		case tick := <-ticks:
			e.mu.Lock()
			e.tokenMoves[tick.TokenID] = tokenMove{at: tick.At, spreadTicks: tick.SpreadTicks}
			e.mu.Unlock()

			if key, ok := e.scanner.ResolveToken(tick.TokenID); ok {
				if e.cadence.TierFor(key) == cadence.TierHot {
					e.cadence.MarkSnapshot(key)
				}
			}
		}
	}
}

func (e *Engine) lastTokenMove(tokenID string) tokenMove {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tokenMoves[tokenID]
}

// ═══════════════════════════════════════════════════════════════════════════════
// FILLS
// ═══════════════════════════════════════════════════════════════════════════════

// handleFill books a confirmed fill into the market's inventory.
func (e *Engine) handleFill(key types.MarketKey, o execution.TrackedOrder, filled decimal.Decimal) {
	e.mu.Lock()
	rt, ok := e.markets[key]
	if !ok {
		e.mu.Unlock()
		return
	}

	outcome := types.OutcomeUp
	if o.TokenID == rt.window.DownTokenID {
		outcome = types.OutcomeDown
	}
	pos := rt.positionFor(outcome)

	if o.Side == types.SideBuy {
		pos.Shares = pos.Shares.Add(filled)
		pos.Cost = pos.Cost.Add(filled.Mul(o.Price))
	} else {
		avg := pos.AvgPrice()
		pos.Shares = pos.Shares.Sub(filled)
		if pos.Shares.IsNegative() {
			pos.Shares = decimal.Zero
		}
		pos.Cost = pos.Cost.Sub(filled.Mul(avg))
		if pos.Cost.IsNegative() {
			pos.Cost = decimal.Zero
		}
	}

	var resolvedEp *hedge.State
	if rt.hedgeEp != nil && !rt.hedgeEp.Resolved && hedge.IsHedgePriorityIntent(o.Intent) {
		rt.hedgeEp.RecordHedgeFill(filled)
		if rt.hedgeEp.Resolved {
			resolvedEp = rt.hedgeEp
		}
	}
	e.mu.Unlock()

	if resolvedEp != nil {
		e.saveHedgeOutcome(rt, resolvedEp)
	}

	// A fill consumed the reservation tied to the resting order.
	if o.OrderID != "" {
		e.ledger.Release("order-" + o.OrderID)
	}
	e.venue.InvalidateBalance()

	log.Info().
		Str("market", key.MarketID).
		Str("asset", key.Asset).
		Str("outcome", string(outcome)).
		Str("side", string(o.Side)).
		Str("filled", filled.String()).
		Str("price", o.Price.StringFixed(3)).
		Msg("🎯 Fill booked")

	if err := e.store.SaveFill(&storage.FillRecord{
		OrderID:  o.OrderID,
		MarketID: key.MarketID,
		Asset:    key.Asset,
		TokenID:  o.TokenID,
		Outcome:  string(outcome),
		Side:     string(o.Side),
		Intent:   string(o.Intent),
		Price:    o.Price,
		Size:     filled,
		FilledAt: e.now(),
	}); err != nil {
		log.Debug().Err(err).Msg("Fill persist failed")
	}
}

// saveHedgeOutcome persists a resolved hedge episode. Storage I/O
// stays off the engine lock; the episode is immutable once resolved.
func (e *Engine) saveHedgeOutcome(rt *marketRuntime, ep *hedge.State) {
	key := rt.window.Key
	secondsLeft := rt.window.SecondsRemaining(e.now())

	e.mu.RLock()
	side := ep.EntrySide
	trail := *rt.positionFor(side.Opposite())
	requested := ep.EntryQty
	filled := ep.HedgeFillQty
	attempts := ep.Attempts
	resolution := ep.Resolution
	e.mu.RUnlock()

	success := resolution == hedge.ResolutionHedged
	abortCode := ""
	if !success {
		abortCode = string(resolution)
	}

	if err := e.store.SaveHedge(&storage.HedgeRecord{
		MarketID:    key.MarketID,
		Asset:       key.Asset,
		Outcome:     string(side.Opposite()),
		Mode:        string(e.escalator.ModeFor(secondsLeft)),
		Requested:   requested,
		Filled:      filled,
		AvgPrice:    trail.AvgPrice(),
		Attempts:    attempts,
		Success:     success,
		AbortCode:   abortCode,
		SecondsLeft: secondsLeft,
		CompletedAt: e.now(),
	}); err != nil {
		log.Warn().Err(err).Str("market", key.MarketID).Msg("Hedge persist failed")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// OPERATOR SURFACE
// ═══════════════════════════════════════════════════════════════════════════════

// Status implements bot.StatusProvider.
func (e *Engine) Status() bot.EngineStatus {
	e.mu.RLock()
	active := len(e.markets)
	paused := e.paused
	keys := make([]types.MarketKey, 0, len(e.markets))
	for k := range e.markets {
		keys = append(keys, k)
	}
	e.mu.RUnlock()

	pairedCount := 0
	for _, key := range keys {
		if snap, ok := e.pairing.Snapshot(key); ok && snap.State == pairing.StatePaired {
			pairedCount++
		}
	}

	mode := "LIVE"
	if e.venue.IsDryRun() {
		mode = "DRY RUN"
	}
	balance, _ := e.venue.GetBalance()
	failRate, haveRate := e.store.HedgeFailureRate(e.now().Add(-24 * time.Hour))

	return bot.EngineStatus{
		Mode:             mode,
		Paused:           paused,
		ActiveWindows:    active,
		PairedMarkets:    pairedCount,
		Balance:          balance,
		Reserved:         e.ledger.TotalReserved(),
		HedgeFailureRate: failRate,
		HaveHedgeRate:    haveRate,
	}
}

// MarketFills implements bot.StatusProvider, backing /fills.
func (e *Engine) MarketFills(marketID string) (bot.MarketFills, error) {
	out := bot.MarketFills{Slug: marketID}
	if w, err := e.store.GetWindow(marketID); err == nil && w != nil {
		out.Slug = w.Slug
	}

	fills, err := e.store.FillsForMarket(marketID)
	if err != nil {
		return out, err
	}
	for _, f := range fills {
		out.Fills = append(out.Fills, bot.FillLine{
			Outcome:  f.Outcome,
			Side:     f.Side,
			Intent:   f.Intent,
			Price:    f.Price,
			Size:     f.Size,
			FilledAt: f.FilledAt,
		})
	}
	return out, nil
}

// RecentResults implements bot.StatusProvider.
func (e *Engine) RecentResults(limit int) ([]bot.ResultLine, error) {
	results, err := e.store.RecentResults(limit)
	if err != nil {
		return nil, err
	}
	lines := make([]bot.ResultLine, 0, len(results))
	for _, r := range results {
		lines = append(lines, bot.ResultLine{
			Asset:        r.Asset,
			MarketID:     r.MarketID,
			FinalState:   r.FinalState,
			PairedShares: r.PairedShares,
			PnL:          r.PnL,
			SettledAt:    r.SettledAt,
		})
	}
	return lines, nil
}

// SetClock overrides the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}
