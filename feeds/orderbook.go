package feeds

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERBOOK - In-memory book state per outcome token
// ═══════════════════════════════════════════════════════════════════════════════

// Book maintains the live order book of one outcome token.
type Book struct {
	mu      sync.RWMutex
	TokenID string
	bids    []types.PriceLevel
	asks    []types.PriceLevel

	updatedAt  time.Time
	lastSpread decimal.Decimal
}

// NewBook creates an empty book.
func NewBook(tokenID string) *Book {
	return &Book{TokenID: tokenID}
}

// Replace swaps in a full book image. Returns how many ticks the spread
// moved, for cadence classification.
func (b *Book) Replace(bids, asks []types.PriceLevel, tickSize decimal.Decimal, at time.Time) int {
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = bids
	b.asks = asks
	b.updatedAt = at

	spread := b.spreadLocked()
	ticks := 0
	if !b.lastSpread.IsZero() && !tickSize.IsZero() {
		ticks = int(spread.Sub(b.lastSpread).Abs().Div(tickSize).IntPart())
	}
	b.lastSpread = spread
	return ticks
}

// ApplyLevelChanges updates individual levels from a price_change event.
func (b *Book) ApplyLevelChanges(bidChanges, askChanges []types.PriceLevel, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range bidChanges {
		b.bids = applyLevel(b.bids, ch, func(i, j decimal.Decimal) bool { return i.GreaterThan(j) })
	}
	for _, ch := range askChanges {
		b.asks = applyLevel(b.asks, ch, func(i, j decimal.Decimal) bool { return i.LessThan(j) })
	}
	b.updatedAt = at
}

func applyLevel(levels []types.PriceLevel, ch types.PriceLevel, before func(i, j decimal.Decimal) bool) []types.PriceLevel {
	for i, lvl := range levels {
		if lvl.Price.Equal(ch.Price) {
			if ch.Size.IsZero() {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = ch.Size
			return levels
		}
	}
	if ch.Size.IsZero() {
		return levels
	}
	levels = append(levels, ch)
	sort.Slice(levels, func(i, j int) bool { return before(levels[i].Price, levels[j].Price) })
	return levels
}

// Snapshot captures the top of book.
func (b *Book) Snapshot() types.BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := types.BookSnapshot{FetchedAt: b.updatedAt}
	if len(b.bids) > 0 {
		snap.BestBid = b.bids[0].Price
		snap.BidDepth = b.bids[0].Size
	}
	if len(b.asks) > 0 {
		snap.BestAsk = b.asks[0].Price
		snap.AskDepth = b.asks[0].Size
	}
	return snap
}

// DepthWithin sums visible size within priceRange of the touch, per side.
func (b *Book) DepthWithin(priceRange decimal.Decimal) (bidDepth, askDepth decimal.Decimal) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bids) > 0 {
		floor := b.bids[0].Price.Sub(priceRange)
		for _, lvl := range b.bids {
			if lvl.Price.LessThan(floor) {
				break
			}
			bidDepth = bidDepth.Add(lvl.Size)
		}
	}
	if len(b.asks) > 0 {
		ceil := b.asks[0].Price.Add(priceRange)
		for _, lvl := range b.asks {
			if lvl.Price.GreaterThan(ceil) {
				break
			}
			askDepth = askDepth.Add(lvl.Size)
		}
	}
	return bidDepth, askDepth
}

func (b *Book) spreadLocked() decimal.Decimal {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Zero
	}
	return b.asks[0].Price.Sub(b.bids[0].Price)
}

// UpdatedAt returns the last update time.
func (b *Book) UpdatedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updatedAt
}

// ═══════════════════════════════════════════════════════════════════════════════

// BookStore holds the books of every subscribed token.
type BookStore struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewBookStore creates an empty store.
func NewBookStore() *BookStore {
	return &BookStore{books: make(map[string]*Book)}
}

// Get returns the book for a token, creating it on first use.
func (s *BookStore) Get(tokenID string) *Book {
	s.mu.RLock()
	b, ok := s.books[tokenID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.books[tokenID]; ok {
		return b
	}
	b = NewBook(tokenID)
	s.books[tokenID] = b
	return b
}

// Snapshot returns the top of book for a token. ok is false when the
// token has never received data.
func (s *BookStore) Snapshot(tokenID string) (types.BookSnapshot, bool) {
	s.mu.RLock()
	b, ok := s.books[tokenID]
	s.mu.RUnlock()
	if !ok {
		return types.BookSnapshot{}, false
	}
	snap := b.Snapshot()
	return snap, !snap.FetchedAt.IsZero()
}

// Remove drops a settled token's book.
func (s *BookStore) Remove(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, tokenID)
}
