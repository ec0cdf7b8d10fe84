package risk

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

// BalanceFunc returns the currently available collateral balance.
type BalanceFunc func() (decimal.Decimal, error)

// Ledger tracks notional reserved for in-flight orders so concurrent
// hedge attempts for the same market cannot double-spend funds.
// Reserve and Release are atomic with respect to each other.
type Ledger struct {
	mu           sync.Mutex
	reservations map[string]reservation
	byMarket     map[types.MarketKey]decimal.Decimal
	balance      BalanceFunc
}

type reservation struct {
	key      types.MarketKey
	side     types.Side
	notional decimal.Decimal
}

// NewLedger creates a ledger backed by the given balance source.
func NewLedger(balance BalanceFunc) *Ledger {
	return &Ledger{
		reservations: make(map[string]reservation),
		byMarket:     make(map[types.MarketKey]decimal.Decimal),
		balance:      balance,
	}
}

// CanPlaceOrder pre-checks whether notional fits inside the available
// balance after existing reservations.
func (l *Ledger) CanPlaceOrder(key types.MarketKey, side types.Side, notional decimal.Decimal) (bool, string) {
	bal, err := l.balance()
	if err != nil {
		return false, fmt.Sprintf("balance unavailable: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	available := bal.Sub(l.totalReservedLocked())
	if notional.GreaterThan(available) {
		return false, fmt.Sprintf("need %s, available %s", notional.StringFixed(2), available.StringFixed(2))
	}
	return true, ""
}

// Reserve atomically sets aside notional under id. Fails when the
// balance net of existing reservations cannot cover it.
func (l *Ledger) Reserve(id string, key types.MarketKey, notional decimal.Decimal, side types.Side) error {
	if !notional.IsPositive() {
		return fmt.Errorf("non-positive notional %s", notional)
	}

	bal, err := l.balance()
	if err != nil {
		return fmt.Errorf("balance unavailable: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.reservations[id]; exists {
		return fmt.Errorf("reservation %s already held", id)
	}

	available := bal.Sub(l.totalReservedLocked())
	if notional.GreaterThan(available) {
		return fmt.Errorf("insufficient funds: need %s, available %s", notional.StringFixed(2), available.StringFixed(2))
	}

	l.reservations[id] = reservation{key: key, side: side, notional: notional}
	l.byMarket[key] = l.byMarket[key].Add(notional)

	log.Debug().
		Str("reservation", id).
		Str("market", key.MarketID).
		Str("notional", notional.StringFixed(2)).
		Msg("🔒 Notional reserved")

	return nil
}

// Release frees a reservation. Unknown ids are a no-op.
func (l *Ledger) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[id]
	if !ok {
		return
	}
	delete(l.reservations, id)

	remaining := l.byMarket[res.key].Sub(res.notional)
	if remaining.IsPositive() {
		l.byMarket[res.key] = remaining
	} else {
		delete(l.byMarket, res.key)
	}
}

// TotalReserved returns notional held across all markets.
func (l *Ledger) TotalReserved() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalReservedLocked()
}

// ReservedFor returns notional held for one market.
func (l *Ledger) ReservedFor(key types.MarketKey) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byMarket[key]
}

func (l *Ledger) totalReservedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, res := range l.reservations {
		total = total.Add(res.notional)
	}
	return total
}
