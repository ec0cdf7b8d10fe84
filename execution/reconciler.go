package execution

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/telemetry"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Venue order state is the source of truth
// ═══════════════════════════════════════════════════════════════════════════════
//
// Crashes, missed acks and races leave the local order map drifting from
// the venue. Reconcile fetches the venue's open orders and repairs the
// map both ways:
//
//   purge: tracked locally, absent remotely (filled or cancelled)
//   adopt: resting remotely, unknown locally (lost ack, restart)
//
// Throttled per market, and skipped while a ladder sync is in flight so
// the two never see half-applied state.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TokenResolver maps a venue token id back to the market it belongs to.
// Tokens that resolve to no tracked market are ignored during adoption.
type TokenResolver func(tokenID string) (types.MarketKey, bool)

// Reconcile repairs the order map for the given markets against the
// venue. Returns (purged, adopted) counts. A fetch error leaves local
// state untouched.
func (m *Manager) Reconcile(markets []types.MarketKey, resolve TokenResolver) (int, int, error) {
	now := m.now()

	m.mu.Lock()
	due := make(map[types.MarketKey]bool, len(markets))
	for _, key := range markets {
		if m.syncInFlight[key] {
			continue
		}
		if last, ok := m.lastReconcile[key]; ok && now.Sub(last) < m.cfg.ReconcileInterval {
			continue
		}
		due[key] = true
		m.lastReconcile[key] = now
		m.syncInFlight[key] = true
	}
	m.mu.Unlock()

	if len(due) == 0 {
		return 0, 0, nil
	}

	defer func() {
		m.mu.Lock()
		for key := range due {
			m.syncInFlight[key] = false
		}
		m.mu.Unlock()
	}()

	remote, err := m.client.GetOpenOrders()
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Open-orders fetch failed, reconcile skipped")
		return 0, 0, err
	}

	remoteByID := make(map[string]types.OpenOrder, len(remote))
	for _, o := range remote {
		remoteByID[o.OrderID] = o
	}

	purged, adopted := 0, 0

	type fillNote struct {
		key    types.MarketKey
		order  TrackedOrder
		filled decimal.Decimal
	}
	var fills []fillNote

	m.mu.Lock()

	for key := range due {
		for id, o := range m.orders[key] {
			if r, ok := remoteByID[id]; ok {
				// Still resting. Venue remaining size wins; any shrink
				// is a partial fill.
				if delta := o.Size.Sub(r.RemainingSize); delta.IsPositive() {
					fills = append(fills, fillNote{key: key, order: o, filled: delta})
				}
				o.Size = r.RemainingSize
				m.orders[key][id] = o
				continue
			}
			// Gone from the venue. Cancels untrack immediately, so an
			// absent order means it filled.
			if o.Size.IsPositive() {
				fills = append(fills, fillNote{key: key, order: o, filled: o.Size})
			}
			delete(m.orders[key], id)
			purged++
			log.Debug().
				Str("market", key.MarketID).
				Str("order", id).
				Msg("🧹 Purged order absent at venue")
			m.sink.Emit(telemetry.NewEvent(telemetry.EventReconcilePurge, key, map[string]any{
				"order_id": id,
				"token":    o.TokenID,
			}))
		}
	}

	for id, r := range remoteByID {
		key, ok := resolve(r.TokenID)
		if !ok || !due[key] {
			continue
		}
		if _, known := m.orders[key][id]; known {
			continue
		}
		m.marketLocked(key)[id] = TrackedOrder{
			OrderID:  id,
			TokenID:  r.TokenID,
			Side:     r.Side,
			Price:    r.Price,
			Size:     r.RemainingSize,
			Intent:   types.IntentEntry,
			PlacedAt: r.CreatedAt,
		}
		adopted++
		log.Warn().
			Str("market", key.MarketID).
			Str("order", id).
			Str("price", r.Price.StringFixed(2)).
			Msg("📥 Adopted untracked venue order")
		m.sink.Emit(telemetry.NewEvent(telemetry.EventReconcileAdopt, key, map[string]any{
			"order_id": id,
			"token":    r.TokenID,
			"price":    r.Price.String(),
		}))
	}

	m.mu.Unlock()

	if m.onFill != nil {
		for _, f := range fills {
			m.onFill(f.key, f.order, f.filled)
		}
	}

	if purged > 0 || adopted > 0 {
		log.Info().
			Int("purged", purged).
			Int("adopted", adopted).
			Msg("🔄 Order reconciliation applied")
	}
	return purged, adopted, nil
}

// ReconcileLoop runs Reconcile on a fixed wall-clock tick until stop is
// closed. markets supplies the active set each pass.
func (m *Manager) ReconcileLoop(stop <-chan struct{}, interval time.Duration, markets func() []types.MarketKey, resolve TokenResolver) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := m.Reconcile(markets(), resolve); err != nil {
				log.Debug().Err(err).Msg("Reconcile pass failed")
			}
		}
	}
}
