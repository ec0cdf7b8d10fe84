package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/execution"
	"github.com/web3guy0/pairbot/risk"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY QUOTING
// ═══════════════════════════════════════════════════════════════════════════════
//
// Acquisition rests one maker BUY on each leg, priced inside the books
// so that the combined cost keeps MinPairEdge below $1. When the edge
// disappears the ladder syncs to empty and the quotes come down.
//
// ═══════════════════════════════════════════════════════════════════════════════

// entryQuotes proposes the per-leg maker rungs under the pair-edge
// budget. ok is false when the books cannot host a profitable pair.
func entryQuotes(guard *risk.PriceGuard, upBook, downBook types.BookSnapshot, cfg EngineConfig) (up, down execution.Quote, ok bool) {
	upPrice, okUp := guard.SelectMakerPrice(types.SideBuy, upBook)
	downPrice, okDown := guard.SelectMakerPrice(types.SideBuy, downBook)
	if !okUp || !okDown {
		return execution.Quote{}, execution.Quote{}, false
	}
	if upPrice.GreaterThan(cfg.MaxEntryPrice) || downPrice.GreaterThan(cfg.MaxEntryPrice) {
		return execution.Quote{}, execution.Quote{}, false
	}

	budget := decimal.NewFromInt(1).Sub(cfg.MinPairEdge)
	if upPrice.Add(downPrice).GreaterThan(budget) {
		return execution.Quote{}, execution.Quote{}, false
	}

	return execution.Quote{Price: upPrice, Size: cfg.EntryShares},
		execution.Quote{Price: downPrice, Size: cfg.EntryShares},
		true
}

// quoteEntries syncs the entry ladder for a flat market.
func (e *Engine) quoteEntries(rt *marketRuntime, upBook, downBook types.BookSnapshot) {
	key := rt.window.Key

	e.mu.RLock()
	paused := e.paused
	e.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upQuote, downQuote, ok := entryQuotes(e.guard, upBook, downBook, e.cfg)
	if paused || !ok {
		// No edge (or operator pause): clear any resting entries.
		e.syncEntry(ctx, key, rt.window.UpTokenID, nil)
		e.syncEntry(ctx, key, rt.window.DownTokenID, nil)
		return
	}

	if fresh, _ := e.guard.CheckBookFreshness(upBook); !fresh {
		return
	}
	if fresh, _ := e.guard.CheckBookFreshness(downBook); !fresh {
		return
	}

	if adm := e.pacer.CheckAllowed(key, types.IntentEntry); !adm.Allowed {
		log.Debug().
			Str("market", key.MarketID).
			Str("reason", adm.Reason).
			Dur("wait", adm.Wait).
			Msg("Entry quoting paced")
		return
	}

	notional := upQuote.Price.Mul(upQuote.Size).Add(downQuote.Price.Mul(downQuote.Size))
	if ok, reason := e.ledger.CanPlaceOrder(key, types.SideBuy, notional); !ok {
		log.Debug().Str("market", key.MarketID).Str("reason", reason).Msg("Entry quoting unfunded")
		return
	}

	e.syncEntry(ctx, key, rt.window.UpTokenID, []execution.Quote{upQuote})
	e.syncEntry(ctx, key, rt.window.DownTokenID, []execution.Quote{downQuote})
	e.pacer.RecordEvent(key, types.IntentEntry)
}

func (e *Engine) syncEntry(ctx context.Context, key types.MarketKey, tokenID string, target []execution.Quote) {
	if err := e.orders.SyncOrders(ctx, key, tokenID, types.SideBuy, target, types.IntentEntry); err != nil {
		log.Warn().Err(err).Str("market", key.MarketID).Msg("Entry ladder sync failed")
	}
}
