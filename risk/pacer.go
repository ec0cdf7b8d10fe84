package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PACER - Order admission control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Three gates: per-market order spacing, a global burst window, and a
// per-market cooldown after consecutive failures. Entry orders face all
// three; intents the injected bypass predicate marks as priority face
// only a short venue-protective spacing so unwinding risk is never
// starved by our own throttles. Which intents qualify is the hedge
// lane's call, not the pacer's.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Admission is the pacer's verdict for one prospective order.
type Admission struct {
	Allowed bool
	Reason  string
	Wait    time.Duration
}

// PacerConfig tunes admission control.
type PacerConfig struct {
	OrderSpacing     time.Duration // min gap between entry orders per market
	HedgeSpacing     time.Duration // min gap between hedge orders per market
	BurstWindow      time.Duration // global burst accounting window
	BurstLimit       int           // max orders per burst window
	FailureThreshold int           // consecutive failures before cooldown
	FailureCooldown  time.Duration
}

// DefaultPacerConfig returns production defaults.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		OrderSpacing:     2 * time.Second,
		HedgeSpacing:     500 * time.Millisecond,
		BurstWindow:      10 * time.Second,
		BurstLimit:       20,
		FailureThreshold: 3,
		FailureCooldown:  30 * time.Second,
	}
}

// Pacer implements order admission control.
type Pacer struct {
	mu     sync.Mutex
	cfg    PacerConfig
	bypass func(types.Intent) bool

	lastOrder     map[types.MarketKey]time.Time
	lastHedge     map[types.MarketKey]time.Time
	burst         []time.Time
	failures      map[types.MarketKey]int
	cooldownUntil map[types.MarketKey]time.Time

	now func() time.Time
}

// NewPacer creates the admission controller. bypass reports which
// intents skip the entry gates; nil exempts nothing.
func NewPacer(cfg PacerConfig, bypass func(types.Intent) bool) *Pacer {
	return &Pacer{
		cfg:           cfg,
		bypass:        bypass,
		lastOrder:     make(map[types.MarketKey]time.Time),
		lastHedge:     make(map[types.MarketKey]time.Time),
		failures:      make(map[types.MarketKey]int),
		cooldownUntil: make(map[types.MarketKey]time.Time),
		now:           time.Now,
	}
}

// CheckAllowed decides whether an order of the given intent may be
// submitted for this market right now.
func (p *Pacer) CheckAllowed(key types.MarketKey, intent types.Intent) Admission {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	if p.exempt(intent) {
		// Priority tiers skip the entry gates; only venue-protective
		// spacing applies.
		if last, ok := p.lastHedge[key]; ok {
			if gap := now.Sub(last); gap < p.cfg.HedgeSpacing {
				return Admission{Allowed: false, Reason: "HEDGE_SPACING", Wait: p.cfg.HedgeSpacing - gap}
			}
		}
		return Admission{Allowed: true}
	}

	if until, ok := p.cooldownUntil[key]; ok && now.Before(until) {
		return Admission{Allowed: false, Reason: "FAILURE_COOLDOWN", Wait: until.Sub(now)}
	}

	if last, ok := p.lastOrder[key]; ok {
		if gap := now.Sub(last); gap < p.cfg.OrderSpacing {
			return Admission{Allowed: false, Reason: "ORDER_SPACING", Wait: p.cfg.OrderSpacing - gap}
		}
	}

	p.pruneBurstLocked(now)
	if len(p.burst) >= p.cfg.BurstLimit {
		wait := p.cfg.BurstWindow - now.Sub(p.burst[0])
		return Admission{Allowed: false, Reason: "BURST_LIMIT", Wait: wait}
	}

	return Admission{Allowed: true}
}

// RecordEvent stamps a submitted order for spacing and burst accounting.
func (p *Pacer) RecordEvent(key types.MarketKey, intent types.Intent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.exempt(intent) {
		p.lastHedge[key] = now
	} else {
		p.lastOrder[key] = now
	}
	p.burst = append(p.burst, now)
	p.pruneBurstLocked(now)
}

// RecordFailure counts a failed order; at the threshold the market
// enters a cooldown.
func (p *Pacer) RecordFailure(key types.MarketKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures[key]++
	if p.failures[key] >= p.cfg.FailureThreshold {
		until := p.now().Add(p.cfg.FailureCooldown)
		p.cooldownUntil[key] = until
		p.failures[key] = 0
		log.Warn().
			Str("market", key.MarketID).
			Str("asset", key.Asset).
			Dur("cooldown", p.cfg.FailureCooldown).
			Msg("🚨 Market cooldown after consecutive failures")
	}
}

// RecordSuccess resets the consecutive-failure count.
func (p *Pacer) RecordSuccess(key types.MarketKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, key)
}

func (p *Pacer) exempt(intent types.Intent) bool {
	return p.bypass != nil && p.bypass(intent)
}

func (p *Pacer) pruneBurstLocked(now time.Time) {
	cutoff := now.Add(-p.cfg.BurstWindow)
	i := 0
	for i < len(p.burst) && p.burst[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		p.burst = append(p.burst[:0], p.burst[i:]...)
	}
}

// SetClock overrides the time source. Tests only.
func (p *Pacer) SetClock(now func() time.Time) {
	p.now = now
}
