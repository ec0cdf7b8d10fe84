package execution

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/web3guy0/pairbot/telemetry"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER MANAGER - Local order tracking and quote-ladder sync
// ═══════════════════════════════════════════════════════════════════════════════
//
// Tracks resting orders per market keyed by venue order id. SyncOrders
// diffs what is resting against a target ladder: stale prices are
// cancelled, missing prices are placed, both fanned out under a bounded
// concurrency cap.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TrackedOrder is our local view of one resting order.
type TrackedOrder struct {
	OrderID  string
	TokenID  string
	Side     types.Side
	Price    decimal.Decimal
	Size     decimal.Decimal
	Intent   types.Intent
	PlacedAt time.Time
}

// VenueOrders is the slice of the venue API the manager needs.
type VenueOrders interface {
	PlaceOrder(req types.PlaceOrderRequest) (types.PlaceOrderResult, error)
	CancelOrder(orderID string) error
	GetOpenOrders() ([]types.OpenOrder, error)
}

// Quote is one rung of a target ladder.
type Quote struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// ManagerConfig tunes the order manager.
type ManagerConfig struct {
	MaxParallel       int64         // concurrency cap for cancel/place fan-out
	ReconcileInterval time.Duration // min gap between reconciliations per market
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxParallel:       4,
		ReconcileInterval: 5 * time.Second,
	}
}

// Manager owns local order state for every tracked market.
type Manager struct {
	mu     sync.Mutex
	cfg    ManagerConfig
	client VenueOrders

	orders        map[types.MarketKey]map[string]TrackedOrder
	syncInFlight  map[types.MarketKey]bool
	lastReconcile map[types.MarketKey]time.Time

	onFill FillHandler

	sink telemetry.Sink
	now  func() time.Time
}

// FillHandler is notified when a tracked order fills, wholly or in
// part. filled is the share quantity newly confirmed filled.
type FillHandler func(key types.MarketKey, o TrackedOrder, filled decimal.Decimal)

// SetFillHandler registers the fill callback. Call before Start-style
// loops begin; not synchronized with in-flight operations.
func (m *Manager) SetFillHandler(h FillHandler) {
	m.onFill = h
}

// NewManager creates the order manager. A nil sink disables telemetry.
func NewManager(cfg ManagerConfig, client VenueOrders, sink telemetry.Sink) *Manager {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &Manager{
		cfg:           cfg,
		client:        client,
		orders:        make(map[types.MarketKey]map[string]TrackedOrder),
		syncInFlight:  make(map[types.MarketKey]bool),
		lastReconcile: make(map[types.MarketKey]time.Time),
		sink:          sink,
		now:           time.Now,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRACKING
// ═══════════════════════════════════════════════════════════════════════════════

// Track records a placed order.
func (m *Manager) Track(key types.MarketKey, o TrackedOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketLocked(key)[o.OrderID] = o
}

// Untrack drops a local record. Unknown ids are a no-op.
func (m *Manager) Untrack(key types.MarketKey, orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marketLocked(key), orderID)
}

// Tracked returns the orders resting for one token and side.
func (m *Manager) Tracked(key types.MarketKey, tokenID string, side types.Side) []TrackedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []TrackedOrder
	for _, o := range m.orders[key] {
		if o.TokenID == tokenID && o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

// TrackedAll returns every order tracked for a market.
func (m *Manager) TrackedAll(key types.MarketKey) []TrackedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TrackedOrder, 0, len(m.orders[key]))
	for _, o := range m.orders[key] {
		out = append(out, o)
	}
	return out
}

// OldestByIntent returns the oldest tracked order with the given intent
// class, used to find the working hedge order.
func (m *Manager) OldestByIntent(key types.MarketKey, match func(types.Intent) bool) (TrackedOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest TrackedOrder
	found := false
	for _, o := range m.orders[key] {
		if !match(o.Intent) {
			continue
		}
		if !found || o.PlacedAt.Before(oldest.PlacedAt) {
			oldest = o
			found = true
		}
	}
	return oldest, found
}

// Remove discards all local state for a settled market.
func (m *Manager) Remove(key types.MarketKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, key)
	delete(m.syncInFlight, key)
	delete(m.lastReconcile, key)
}

func (m *Manager) marketLocked(key types.MarketKey) map[string]TrackedOrder {
	mk, ok := m.orders[key]
	if !ok {
		mk = make(map[string]TrackedOrder)
		m.orders[key] = mk
	}
	return mk
}

// ═══════════════════════════════════════════════════════════════════════════════
// LADDER SYNC
// ═══════════════════════════════════════════════════════════════════════════════

// SyncOrders reshapes the resting ladder for one token/side toward the
// target quotes: cancel rungs whose price left the target set, then
// place rungs not yet resting. Both phases run in parallel, bounded by
// MaxParallel.
func (m *Manager) SyncOrders(ctx context.Context, key types.MarketKey, tokenID string, side types.Side, target []Quote, intent types.Intent) error {
	m.mu.Lock()
	if m.syncInFlight[key] {
		m.mu.Unlock()
		return nil
	}
	m.syncInFlight[key] = true

	targetByPrice := make(map[string]Quote, len(target))
	for _, q := range target {
		targetByPrice[q.Price.String()] = q
	}

	var toCancel []TrackedOrder
	resting := make(map[string]bool)
	for _, o := range m.orders[key] {
		if o.TokenID != tokenID || o.Side != side {
			continue
		}
		ps := o.Price.String()
		if _, want := targetByPrice[ps]; want {
			resting[ps] = true
		} else {
			toCancel = append(toCancel, o)
		}
	}

	var toPlace []Quote
	for ps, q := range targetByPrice {
		if !resting[ps] {
			toPlace = append(toPlace, q)
		}
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncInFlight[key] = false
		m.mu.Unlock()
	}()

	if len(toCancel) == 0 && len(toPlace) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(m.cfg.MaxParallel)

	// Cancels first so capacity frees up before new rungs land.
	g, gctx := errgroup.WithContext(ctx)
	for _, o := range toCancel {
		o := o
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			if err := m.client.CancelOrder(o.OrderID); err != nil {
				log.Warn().Err(err).
					Str("market", key.MarketID).
					Str("order", o.OrderID).
					Msg("⚠️ Cancel failed during sync")
				return nil // venue truth restored by reconciliation
			}
			m.Untrack(key, o.OrderID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, q := range toPlace {
		q := q
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			res, err := m.client.PlaceOrder(types.PlaceOrderRequest{
				TokenID:   tokenID,
				Side:      side,
				Price:     q.Price,
				Size:      q.Size,
				OrderType: types.OrderTypeGTC,
			})
			if err != nil || !res.Success {
				detail := res.ErrMsg
				if err != nil {
					detail = err.Error()
				}
				log.Warn().
					Str("market", key.MarketID).
					Str("price", q.Price.StringFixed(2)).
					Str("detail", detail).
					Msg("⚠️ Place failed during sync")
				return nil
			}
			placed := TrackedOrder{
				OrderID:  res.OrderID,
				TokenID:  tokenID,
				Side:     side,
				Price:    q.Price,
				Size:     q.Size.Sub(res.FilledSize),
				Intent:   intent,
				PlacedAt: m.now(),
			}
			if placed.Size.IsPositive() && res.OrderID != "" {
				m.Track(key, placed)
			}
			if res.FilledSize.IsPositive() && m.onFill != nil {
				m.onFill(key, placed, res.FilledSize)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.sink.Emit(telemetry.NewEvent(telemetry.EventOrderSync, key, map[string]any{
		"token":     tokenID,
		"side":      string(side),
		"cancelled": len(toCancel),
		"placed":    len(toPlace),
	}))
	return nil
}

// CancelAll cancels every tracked order for a market that matches the
// intent predicate, in parallel. A nil predicate matches everything.
func (m *Manager) CancelAll(ctx context.Context, key types.MarketKey, match func(types.Intent) bool) int {
	m.mu.Lock()
	var victims []TrackedOrder
	for _, o := range m.orders[key] {
		if match == nil || match(o.Intent) {
			victims = append(victims, o)
		}
	}
	m.mu.Unlock()

	if len(victims) == 0 {
		return 0
	}

	sem := semaphore.NewWeighted(m.cfg.MaxParallel)
	g, gctx := errgroup.WithContext(ctx)
	for _, o := range victims {
		o := o
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			if err := m.client.CancelOrder(o.OrderID); err != nil {
				log.Warn().Err(err).Str("order", o.OrderID).Msg("⚠️ Cancel failed")
				return nil
			}
			m.Untrack(key, o.OrderID)
			return nil
		})
	}
	_ = g.Wait()
	return len(victims)
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}
