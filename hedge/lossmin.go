package hedge

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

// Loss minimization: when the primary hedge keeps failing, buying the
// trailing side at ask to equalize share counts converts an open-ended
// worst case into a known, smaller loss. It must only fire when that
// trade strictly improves the worst case.

// LossMinConfig gates the recovery trade.
type LossMinConfig struct {
	MinUnpairedShares decimal.Decimal // exposure worth acting on
	MinLeadProb       decimal.Decimal // leading side's implied win probability
	MaxPairCost       decimal.Decimal // projected combined cost ceiling, dollars
}

// DefaultLossMinConfig returns production defaults.
func DefaultLossMinConfig() LossMinConfig {
	return LossMinConfig{
		MinUnpairedShares: decimal.NewFromInt(20),
		MinLeadProb:       decimal.NewFromFloat(0.70),
		MaxPairCost:       decimal.NewFromFloat(1.05),
	}
}

// LossMinPlan is the recovery trade to submit.
type LossMinPlan struct {
	TrailSide       types.Outcome
	Shares          decimal.Decimal
	MaxPrice        decimal.Decimal
	ProjectedCost   decimal.Decimal // per pair, dollars
	WorstCaseBefore decimal.Decimal // lead cost lost if lead side loses
	WorstCaseAfter  decimal.Decimal // locked loss after equalizing
}

// EvaluateLossMin decides whether equalizing the trailing side at the
// current ask strictly reduces worst-case loss.
func EvaluateLossMin(cfg LossMinConfig, key types.MarketKey, leadSide types.Outcome, leadQty, trailQty, avgLeadCost, leadPrice, trailAsk decimal.Decimal) (LossMinPlan, bool) {
	unpaired := leadQty.Sub(trailQty)
	if unpaired.LessThanOrEqual(decimal.Zero) {
		return LossMinPlan{}, false
	}
	if unpaired.LessThan(cfg.MinUnpairedShares) {
		return LossMinPlan{}, false
	}
	if leadPrice.LessThan(cfg.MinLeadProb) {
		return LossMinPlan{}, false
	}
	if !trailAsk.IsPositive() || !avgLeadCost.IsPositive() {
		return LossMinPlan{}, false
	}

	projected := avgLeadCost.Add(trailAsk)
	if projected.GreaterThanOrEqual(cfg.MaxPairCost) {
		return LossMinPlan{}, false
	}

	one := decimal.NewFromInt(1)

	// Doing nothing: if the lead side loses, its whole cost is gone.
	worstBefore := avgLeadCost.Mul(unpaired)

	// After equalizing every pair settles at $1, so the loss is the
	// cost overshoot (zero when the pair still locks profit).
	perPairLoss := projected.Sub(one)
	if perPairLoss.IsNegative() {
		perPairLoss = decimal.Zero
	}
	worstAfter := perPairLoss.Mul(unpaired)

	if worstAfter.GreaterThanOrEqual(worstBefore) {
		return LossMinPlan{}, false
	}

	log.Info().
		Str("market", key.MarketID).
		Str("asset", key.Asset).
		Str("trail_side", string(leadSide.Opposite())).
		Str("shares", unpaired.String()).
		Str("projected_cost", projected.StringFixed(3)).
		Str("worst_before", worstBefore.StringFixed(2)).
		Str("worst_after", worstAfter.StringFixed(2)).
		Msg("🩹 Loss-min recovery qualifies")

	return LossMinPlan{
		TrailSide:       leadSide.Opposite(),
		Shares:          unpaired,
		MaxPrice:        trailAsk,
		ProjectedCost:   projected,
		WorstCaseBefore: worstBefore,
		WorstCaseAfter:  worstAfter,
	}, true
}
