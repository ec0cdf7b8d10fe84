package hedge

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/risk"
	"github.com/web3guy0/pairbot/telemetry"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HEDGE ESCALATOR - Bounded retry under time pressure
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per step: pair-cost gate → admission → funds → liquidity → reserve →
// submit. Failures escalate price (clamped) and shrink size (outside
// survival), then sleep a fixed delay. The loop never exceeds
// MaxRetries steps.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Mode is the urgency tier derived from time-to-expiry.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModePanic    Mode = "PANIC"
	ModeSurvival Mode = "SURVIVAL"
)

// Abort codes returned in HedgeResult.ErrorCode.
const (
	AbortPairCostWorsening = "PAIR_COST_WORSENING"
	AbortRateLimited       = "RATE_LIMITED"
	AbortInsufficientFunds = "INSUFFICIENT_FUNDS"
	AbortMaxRetries        = "MAX_RETRIES"
)

// VenueClient is the slice of the venue API the escalator needs.
type VenueClient interface {
	GetOrderbookDepth(tokenID string) (types.BookSnapshot, error)
	PlaceOrder(req types.PlaceOrderRequest) (types.PlaceOrderResult, error)
	InvalidateBalance()
}

// EscalatorConfig tunes the retry protocol.
type EscalatorConfig struct {
	MaxRetries       int
	RetryDelay       time.Duration
	PriceIncrement   decimal.Decimal
	MaxHedgePrice    decimal.Decimal
	SurvivalMaxPrice decimal.Decimal
	SizeReduction    decimal.Decimal
	MinRetryShares   decimal.Decimal

	SurvivalThreshold time.Duration // time-to-expiry entering SURVIVAL
	PanicThreshold    time.Duration // time-to-expiry entering PANIC
	EmergencyWindow   time.Duration // crossing allowed inside this window
	MaxAdmissionWait  time.Duration // survival tolerates waits up to this

	TickSize decimal.Decimal
	RingSize int
}

// DefaultEscalatorConfig returns production defaults.
func DefaultEscalatorConfig() EscalatorConfig {
	return EscalatorConfig{
		MaxRetries:        3,
		RetryDelay:        500 * time.Millisecond,
		PriceIncrement:    decimal.NewFromFloat(0.01),
		MaxHedgePrice:     decimal.NewFromFloat(0.85),
		SurvivalMaxPrice:  decimal.NewFromFloat(0.95),
		SizeReduction:     decimal.NewFromFloat(0.8),
		MinRetryShares:    decimal.NewFromInt(5),
		SurvivalThreshold: 60 * time.Second,
		PanicThreshold:    120 * time.Second,
		EmergencyWindow:   90 * time.Second,
		MaxAdmissionWait:  2 * time.Second,
		TickSize:          decimal.NewFromFloat(0.01),
		RingSize:          256,
	}
}

// HedgeParams describes one hedge execution request.
type HedgeParams struct {
	Key              types.MarketKey
	TokenID          string // trailing-side token to buy
	Side             types.Side
	Shares           decimal.Decimal
	StartPrice       decimal.Decimal
	AvgEntryCost     decimal.Decimal // average cost of the already-held side
	AllowOverpay     decimal.Decimal // pair-cost headroom in dollars
	SecondsRemaining float64
	Intent           types.Intent
}

// HedgeResult reports the outcome with a machine reason code.
type HedgeResult struct {
	OK            bool
	OrderID       string
	FilledShares  decimal.Decimal
	RestingShares decimal.Decimal // unfilled remainder left on the book
	Price         decimal.Decimal // submitted limit price
	AvgPrice      decimal.Decimal
	Attempts      int
	ErrorCode     string
}

// Escalator executes hedges through the price-validated path.
type Escalator struct {
	cfg    EscalatorConfig
	guard  *risk.PriceGuard
	pacer  *risk.Pacer
	ledger *risk.Ledger
	client VenueClient

	events *telemetry.Ring
	sink   telemetry.Sink

	sleep func(time.Duration)
}

// NewEscalator wires the escalator. A nil sink disables telemetry.
func NewEscalator(cfg EscalatorConfig, guard *risk.PriceGuard, pacer *risk.Pacer, ledger *risk.Ledger, client VenueClient, sink telemetry.Sink) *Escalator {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 256
	}
	return &Escalator{
		cfg:    cfg,
		guard:  guard,
		pacer:  pacer,
		ledger: ledger,
		client: client,
		events: telemetry.NewRing(cfg.RingSize),
		sink:   sink,
		sleep:  time.Sleep,
	}
}

// ModeFor maps time-to-expiry to the urgency tier.
func (e *Escalator) ModeFor(secondsRemaining float64) Mode {
	switch {
	case secondsRemaining < e.cfg.SurvivalThreshold.Seconds():
		return ModeSurvival
	case secondsRemaining < e.cfg.PanicThreshold.Seconds():
		return ModePanic
	default:
		return ModeNormal
	}
}

// Events returns the bounded in-memory event buffer.
func (e *Escalator) Events() *telemetry.Ring {
	return e.events
}

// ExecuteHedge runs the bounded retry protocol for one hedge order.
func (e *Escalator) ExecuteHedge(p HedgeParams) HedgeResult {
	mode := e.ModeFor(p.SecondsRemaining)
	maxPrice := e.cfg.MaxHedgePrice
	if mode == ModeSurvival {
		maxPrice = e.cfg.SurvivalMaxPrice
	}
	emergency := p.SecondsRemaining <= e.cfg.EmergencyWindow.Seconds()

	price := p.StartPrice
	if price.GreaterThan(maxPrice) {
		price = maxPrice
	}
	shares := p.Shares

	one := decimal.NewFromInt(1)
	attempts := 0

	abort := func(code string, detail string) HedgeResult {
		e.record(telemetry.EventHedgeAbort, p.Key, map[string]any{
			"code":     code,
			"detail":   detail,
			"attempts": attempts,
			"mode":     string(mode),
		})
		log.Warn().
			Str("market", p.Key.MarketID).
			Str("asset", p.Key.Asset).
			Str("code", code).
			Str("detail", detail).
			Int("attempts", attempts).
			Msg("🛑 Hedge aborted")
		return HedgeResult{OK: false, ErrorCode: code, Attempts: attempts}
	}

	// escalate raises price and shrinks size for the next step.
	escalate := func(reason string) bool {
		next := price.Add(e.cfg.PriceIncrement)
		if next.GreaterThan(maxPrice) {
			next = maxPrice
		}
		price = next
		if mode != ModeSurvival {
			shares = shares.Mul(e.cfg.SizeReduction)
			if shares.LessThan(e.cfg.MinRetryShares) {
				return false
			}
		}
		e.record(telemetry.EventHedgeEscalation, p.Key, map[string]any{
			"reason": reason,
			"price":  price.String(),
			"shares": shares.String(),
		})
		return true
	}

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		attempts = attempt
		e.record(telemetry.EventHedgeAttempt, p.Key, map[string]any{
			"attempt": attempt,
			"price":   price.String(),
			"shares":  shares.String(),
			"mode":    string(mode),
		})

		// 1. Pair-cost gate. Survival keeps going regardless.
		if mode != ModeSurvival {
			if p.AvgEntryCost.Add(price).GreaterThan(one.Add(p.AllowOverpay)) {
				return abort(AbortPairCostWorsening,
					fmt.Sprintf("pair cost %s over budget", p.AvgEntryCost.Add(price).StringFixed(3)))
			}
		}

		// 2. Admission. Survival waits out short blocks.
		adm := e.pacer.CheckAllowed(p.Key, p.Intent)
		for retries := 0; !adm.Allowed && mode == ModeSurvival && adm.Wait <= e.cfg.MaxAdmissionWait && retries < 3; retries++ {
			e.sleep(adm.Wait)
			adm = e.pacer.CheckAllowed(p.Key, p.Intent)
		}
		if !adm.Allowed {
			return abort(AbortRateLimited, adm.Reason)
		}

		// 3. Funds. Shrink and spend a step, floor-checked.
		if ok, reason := e.ledger.CanPlaceOrder(p.Key, p.Side, price.Mul(shares)); !ok {
			shares = shares.Mul(e.cfg.SizeReduction)
			if shares.LessThan(e.cfg.MinRetryShares) {
				return abort(AbortInsufficientFunds, reason)
			}
			e.recordFailure(p.Key, attempt, "funds: "+reason)
			continue
		}

		// 4. Liquidity against a fresh book.
		book, err := e.client.GetOrderbookDepth(p.TokenID)
		if err != nil {
			e.recordFailure(p.Key, attempt, "book fetch: "+err.Error())
			if !escalate("book fetch failed") {
				return abort(AbortMaxRetries, "size floor during escalation")
			}
			e.sleep(e.cfg.RetryDelay)
			continue
		}
		if fresh, age := e.guard.CheckBookFreshness(book); !fresh {
			e.recordFailure(p.Key, attempt, fmt.Sprintf("stale book (%s)", age))
			if !escalate("stale book") {
				return abort(AbortMaxRetries, "size floor during escalation")
			}
			e.sleep(e.cfg.RetryDelay)
			continue
		}

		depth := e.depthFor(p.Side, book)
		if depth.LessThan(shares.Div(decimal.NewFromInt(2))) {
			if mode != ModeNormal {
				reduced := depth.Mul(decimal.NewFromFloat(0.8))
				if reduced.GreaterThanOrEqual(e.cfg.MinRetryShares) {
					shares = reduced
				} else {
					e.recordFailure(p.Key, attempt, "depth below floor")
					if !escalate("thin book") {
						return abort(AbortMaxRetries, "size floor during escalation")
					}
					e.sleep(e.cfg.RetryDelay)
					continue
				}
			} else {
				e.recordFailure(p.Key, attempt, "insufficient depth")
				if !escalate("insufficient depth") {
					return abort(AbortMaxRetries, "size floor during escalation")
				}
				e.sleep(e.cfg.RetryDelay)
				continue
			}
		}

		// 5. Reserve notional before touching the venue.
		resID := fmt.Sprintf("hedge-%s-%s-%d", p.Key.MarketID, p.Key.Asset, attempt)
		if err := e.ledger.Reserve(resID, p.Key, price.Mul(shares), p.Side); err != nil {
			shares = shares.Mul(e.cfg.SizeReduction)
			if shares.LessThan(e.cfg.MinRetryShares) {
				return abort(AbortInsufficientFunds, err.Error())
			}
			e.recordFailure(p.Key, attempt, "reserve: "+err.Error())
			continue
		}

		// 6. Submit through the guard. Outside the emergency window the
		// price is clipped to the best non-crossing level, so the ladder
		// tracks the ask without taking it.
		submitPrice := price
		if !emergency {
			clip := e.makerClip(p.Side, book)
			if e.moreAggressive(p.Side, submitPrice, clip) {
				submitPrice = clip
			}
		}

		check := e.guard.CheckPrice(p.Side, submitPrice, book, emergency, p.Key, p.Intent)
		if !check.Allowed {
			e.ledger.Release(resID)
			e.recordFailure(p.Key, attempt, "guard: "+string(check.Reason))
			if !escalate("price blocked: " + string(check.Reason)) {
				return abort(AbortMaxRetries, "size floor during escalation")
			}
			e.sleep(e.cfg.RetryDelay)
			continue
		}

		res, err := e.client.PlaceOrder(types.PlaceOrderRequest{
			TokenID:   p.TokenID,
			Side:      p.Side,
			Price:     check.SafePrice,
			Size:      shares,
			OrderType: types.OrderTypeGTC,
		})
		if err != nil || !res.Success {
			e.ledger.Release(resID)
			e.pacer.RecordFailure(p.Key)
			detail := res.ErrMsg
			if err != nil {
				detail = err.Error()
			}
			e.recordFailure(p.Key, attempt, "submit: "+detail)
			if !escalate("submit failed") {
				return abort(AbortMaxRetries, "size floor during escalation")
			}
			e.sleep(e.cfg.RetryDelay)
			continue
		}

		// Success: swap the temp reservation for one tied to the
		// resting remainder, then refresh balance state.
		e.ledger.Release(resID)
		remainder := shares.Sub(res.FilledSize)
		if remainder.IsPositive() && res.OrderID != "" {
			if err := e.ledger.Reserve("order-"+res.OrderID, p.Key, remainder.Mul(check.SafePrice), p.Side); err != nil {
				log.Warn().Err(err).Str("order", res.OrderID).Msg("Remainder re-reserve failed")
			}
		}
		e.client.InvalidateBalance()
		e.pacer.RecordEvent(p.Key, p.Intent)
		e.pacer.RecordSuccess(p.Key)

		e.record(telemetry.EventHedgeSuccess, p.Key, map[string]any{
			"order_id": res.OrderID,
			"filled":   res.FilledSize.String(),
			"price":    check.SafePrice.String(),
			"attempts": attempt,
		})
		log.Info().
			Str("market", p.Key.MarketID).
			Str("asset", p.Key.Asset).
			Str("order", res.OrderID).
			Str("filled", res.FilledSize.String()).
			Str("price", check.SafePrice.StringFixed(3)).
			Int("attempts", attempt).
			Msg("✅ Hedge order placed")

		return HedgeResult{
			OK:            true,
			OrderID:       res.OrderID,
			FilledShares:  res.FilledSize,
			RestingShares: remainder,
			Price:         check.SafePrice,
			AvgPrice:      res.AvgPrice,
			Attempts:      attempt,
		}
	}

	return abort(AbortMaxRetries, "attempt budget exhausted")
}

func (e *Escalator) depthFor(side types.Side, book types.BookSnapshot) decimal.Decimal {
	if side == types.SideBuy {
		return book.AskDepth
	}
	return book.BidDepth
}

// makerClip is the most aggressive non-crossing price for the side.
func (e *Escalator) makerClip(side types.Side, book types.BookSnapshot) decimal.Decimal {
	if side == types.SideBuy {
		return book.BestAsk.Sub(e.cfg.TickSize)
	}
	return book.BestBid.Add(e.cfg.TickSize)
}

func (e *Escalator) moreAggressive(side types.Side, p, than decimal.Decimal) bool {
	if side == types.SideBuy {
		return p.GreaterThan(than)
	}
	return p.LessThan(than)
}

func (e *Escalator) record(typ string, key types.MarketKey, fields map[string]any) {
	ev := telemetry.NewEvent(typ, key, fields)
	e.events.Append(ev)
	e.sink.Emit(ev)
}

func (e *Escalator) recordFailure(key types.MarketKey, attempt int, detail string) {
	e.record(telemetry.EventHedgeFailure, key, map[string]any{
		"attempt": attempt,
		"detail":  detail,
	})
	log.Debug().
		Str("market", key.MarketID).
		Int("attempt", attempt).
		Str("detail", detail).
		Msg("↻ Hedge step failed")
}

// SetSleep overrides the retry delay sleeper. Tests only.
func (e *Escalator) SetSleep(sleep func(time.Duration)) {
	e.sleep = sleep
}
