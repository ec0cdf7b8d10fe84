package feeds

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SPOT FEED - Binance reference prices
// ═══════════════════════════════════════════════════════════════════════════════
//
// Window markets settle on whether spot finishes above the strike, so
// the engine needs a live reference price per asset. Polled REST is
// plenty at 200ms.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	binanceAPIURL   = "https://api.binance.com/api/v3/ticker/price"
	spotPollDefault = 200 * time.Millisecond
)

// SpotUpdate is one reference price change.
type SpotUpdate struct {
	Asset     string // "BTC", "ETH", ...
	Price     decimal.Decimal
	Timestamp time.Time
}

// SpotFeed polls Binance for spot prices of the traded assets.
type SpotFeed struct {
	mu          sync.RWMutex
	running     bool
	stopCh      chan struct{}
	interval    time.Duration
	assets      []string // assets, not symbols; symbol is asset+"USDT"
	prices      map[string]decimal.Decimal
	lastMoveAt  map[string]time.Time
	subscribers []chan SpotUpdate
	httpClient  *http.Client
}

// NewSpotFeed creates the feed for the given assets.
func NewSpotFeed(assets []string, interval time.Duration) *SpotFeed {
	if interval <= 0 {
		interval = spotPollDefault
	}
	return &SpotFeed{
		stopCh:     make(chan struct{}),
		interval:   interval,
		assets:     append([]string(nil), assets...),
		prices:     make(map[string]decimal.Decimal),
		lastMoveAt: make(map[string]time.Time),
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
}

// Start begins polling.
func (f *SpotFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.pollLoop()
	log.Info().
		Dur("interval", f.interval).
		Strs("assets", f.assets).
		Msg("📈 Spot feed started")
}

// Stop stops the feed.
func (f *SpotFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	log.Info().Msg("Spot feed stopped")
}

// Subscribe returns a channel for price updates.
func (f *SpotFeed) Subscribe() chan SpotUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan SpotUpdate, 100)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// Price returns the current spot price for an asset.
func (f *SpotFeed) Price(asset string) decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.prices[asset]
}

// LastMoveAt returns when the asset's spot price last changed.
func (f *SpotFeed) LastMoveAt(asset string) time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastMoveAt[asset]
}

func (f *SpotFeed) pollLoop() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.fetchAll()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.fetchAll()
		}
	}
}

func (f *SpotFeed) fetchAll() {
	for _, asset := range f.assets {
		price, err := f.fetchPrice(asset + "USDT")
		if err != nil {
			continue
		}

		f.mu.Lock()
		oldPrice := f.prices[asset]
		f.prices[asset] = price
		moved := !price.Equal(oldPrice)
		if moved {
			f.lastMoveAt[asset] = time.Now()
		}
		f.mu.Unlock()

		if moved {
			f.broadcast(SpotUpdate{
				Asset:     asset,
				Price:     price,
				Timestamp: time.Now(),
			})
		}
	}
}

func (f *SpotFeed) fetchPrice(symbol string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s?symbol=%s", binanceAPIURL, symbol)

	resp, err := f.httpClient.Get(url)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(result.Price)
}

func (f *SpotFeed) broadcast(update SpotUpdate) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.subscribers {
		select {
		case ch <- update:
		default:
			// Subscriber is behind, drop.
		}
	}
}
