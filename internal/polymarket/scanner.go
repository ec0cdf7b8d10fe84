// Package polymarket discovers up/down window markets on the gamma API.
//
// Window slugs are timestamp-aligned: btc-updown-15m-{unixTs} where the
// timestamp is the window's start aligned to the interval. The next
// window becomes fetchable shortly before the current one expires, so
// the scanner prefetches it and hands both to the engine.
package polymarket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

const (
	gammaAPIURL     = "https://gamma-api.polymarket.com"
	defaultInterval = 15 * time.Minute
	prefetchLead    = 60 * time.Second
	scanEvery       = time.Second
)

// Window is one discovered up/down window market.
type Window struct {
	Key         types.MarketKey
	ConditionID string
	Slug        string
	Title       string
	UpTokenID   string
	DownTokenID string
	PriceToBeat decimal.Decimal
	UpPrice     decimal.Decimal // gamma's last outcome prices, stale by design
	DownPrice   decimal.Decimal
	StartAt     time.Time
	EndAt       time.Time
	Active      bool
	Closed      bool
	FetchedAt   time.Time
}

// SecondsRemaining returns time to expiry at now, floored at zero.
func (w Window) SecondsRemaining(now time.Time) float64 {
	if w.EndAt.IsZero() {
		return 0
	}
	rem := w.EndAt.Sub(now).Seconds()
	if rem < 0 {
		return 0
	}
	return rem
}

// Scanner discovers and tracks the active window per asset.
type Scanner struct {
	mu         sync.RWMutex
	gammaURL   string
	assets     []string
	interval   time.Duration
	httpClient *http.Client

	windows map[types.MarketKey]Window

	onNewWindow func(Window)
	onExpired   func(Window)

	running bool
	stopCh  chan struct{}
	now     func() time.Time
}

// NewScanner creates a scanner for the given assets trading
// 15-minute windows.
func NewScanner(assets []string) *Scanner {
	return &Scanner{
		gammaURL:   gammaAPIURL,
		assets:     append([]string(nil), assets...),
		interval:   defaultInterval,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		windows:    make(map[types.MarketKey]Window),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// OnNewWindow registers the new-window callback. Fired once per
// discovered market, before it appears in ActiveWindows.
func (s *Scanner) OnNewWindow(cb func(Window)) {
	s.onNewWindow = cb
}

// OnExpired registers the expiry callback.
func (s *Scanner) OnExpired(cb func(Window)) {
	s.onExpired = cb
}

// Start begins scanning.
func (s *Scanner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.scanLoop()
	log.Info().Strs("assets", s.assets).Dur("interval", s.interval).Msg("🔍 Window scanner started")
}

// Stop stops the scanner.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

// ActiveWindows returns the currently tracked, unexpired windows.
func (s *Scanner) ActiveWindows() []Window {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]Window, 0, len(s.windows))
	for _, w := range s.windows {
		if w.EndAt.After(now) {
			out = append(out, w)
		}
	}
	return out
}

// WindowFor returns the tracked window for a market key.
func (s *Scanner) WindowFor(key types.MarketKey) (Window, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[key]
	return w, ok
}

// ResolveToken maps a token id to its market, for order reconciliation.
func (s *Scanner) ResolveToken(tokenID string) (types.MarketKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, w := range s.windows {
		if w.UpTokenID == tokenID || w.DownTokenID == tokenID {
			return key, true
		}
	}
	return types.MarketKey{}, false
}

func (s *Scanner) scanLoop() {
	s.scan()

	ticker := time.NewTicker(scanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scan()
		}
	}
}

func (s *Scanner) scan() {
	now := s.now()
	intervalSec := int64(s.interval / time.Second)
	currentTs := (now.Unix() / intervalSec) * intervalSec

	// Near rollover, fetch the next window too so the engine subscribes
	// before trading opens.
	timestamps := []int64{currentTs}
	if time.Unix(currentTs+intervalSec, 0).Sub(now) <= prefetchLead {
		timestamps = append(timestamps, currentTs+intervalSec)
	}

	for _, asset := range s.assets {
		for _, ts := range timestamps {
			slug := fmt.Sprintf("%s-updown-15m-%d", strings.ToLower(asset), ts)
			w, err := s.fetchWindowBySlug(slug, asset)
			if err != nil {
				log.Debug().Str("slug", slug).Err(err).Msg("Window fetch failed")
				continue
			}
			if w == nil {
				continue
			}
			s.track(*w)
		}
	}

	s.expireOld(now)
}

func (s *Scanner) track(w Window) {
	s.mu.Lock()
	_, known := s.windows[w.Key]
	s.windows[w.Key] = w
	s.mu.Unlock()

	if !known {
		log.Info().
			Str("asset", w.Key.Asset).
			Str("market", w.Key.MarketID).
			Str("price_to_beat", w.PriceToBeat.String()).
			Time("end", w.EndAt).
			Msg("🪟 New window discovered")
		if s.onNewWindow != nil {
			s.onNewWindow(w)
		}
	}
}

func (s *Scanner) expireOld(now time.Time) {
	s.mu.Lock()
	var expired []Window
	for key, w := range s.windows {
		if !w.EndAt.IsZero() && now.After(w.EndAt) {
			expired = append(expired, w)
			delete(s.windows, key)
		}
	}
	s.mu.Unlock()

	for _, w := range expired {
		log.Info().
			Str("asset", w.Key.Asset).
			Str("market", w.Key.MarketID).
			Msg("🏁 Window expired")
		if s.onExpired != nil {
			s.onExpired(w)
		}
	}
}

func (s *Scanner) fetchWindowBySlug(slug, asset string) (*Window, error) {
	url := fmt.Sprintf("%s/events?slug=%s", s.gammaURL, slug)

	resp, err := s.httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var events []struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Slug        string `json:"slug"`
		Description string `json:"description"`
		Active      bool   `json:"active"`
		Closed      bool   `json:"closed"`
		EndDate     string `json:"endDate"`
		StartTime   string `json:"startTime"`
		Markets     []struct {
			ID             string `json:"id"`
			ConditionID    string `json:"conditionId"`
			Description    string `json:"description"`
			Outcomes       string `json:"outcomes"`
			OutcomePrices  string `json:"outcomePrices"`
			ClobTokenIds   string `json:"clobTokenIds"`
			EventStartTime string `json:"eventStartTime"`
		} `json:"markets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, err
	}
	if len(events) == 0 || len(events[0].Markets) == 0 {
		return nil, nil
	}

	event := events[0]
	market := event.Markets[0]

	if market.OutcomePrices == "" || market.OutcomePrices == "null" {
		return nil, nil
	}

	// Gamma returns JSON-encoded strings inside strings.
	var prices, tokenIDs []string
	if err := json.Unmarshal([]byte(market.OutcomePrices), &prices); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(market.ClobTokenIds), &tokenIDs); err != nil {
		return nil, err
	}
	if len(prices) < 2 || len(tokenIDs) < 2 {
		return nil, nil
	}

	upPrice, _ := decimal.NewFromString(prices[0])
	downPrice, _ := decimal.NewFromString(prices[1])

	var endAt, startAt time.Time
	if event.EndDate != "" {
		endAt, _ = time.Parse(time.RFC3339, event.EndDate)
	}
	if market.EventStartTime != "" {
		startAt, _ = time.Parse(time.RFC3339, market.EventStartTime)
	} else if event.StartTime != "" {
		startAt, _ = time.Parse(time.RFC3339, event.StartTime)
	}

	return &Window{
		Key:         types.MarketKey{MarketID: market.ID, Asset: asset},
		ConditionID: market.ConditionID,
		Slug:        event.Slug,
		Title:       event.Title,
		UpTokenID:   tokenIDs[0],
		DownTokenID: tokenIDs[1],
		PriceToBeat: extractPriceToBeat(event.Description + " " + market.Description),
		UpPrice:     upPrice,
		DownPrice:   downPrice,
		StartAt:     startAt,
		EndAt:       endAt,
		Active:      event.Active,
		Closed:      event.Closed,
		FetchedAt:   s.now(),
	}, nil
}

// extractPriceToBeat pulls the strike out of the market description.
// Format: "Price to beat: $90,385.67" or similar.
func extractPriceToBeat(text string) decimal.Decimal {
	text = strings.ToLower(text)

	keywords := []string{
		"price to beat:",
		"price to beat",
		"starting price:",
		"starting price",
		"reference price:",
		"reference price",
	}
	for _, kw := range keywords {
		idx := strings.Index(text, kw)
		if idx < 0 {
			continue
		}
		if price := parseFirstPrice(text[idx+len(kw):]); !price.IsZero() {
			return price
		}
	}
	return decimal.Zero
}

func parseFirstPrice(text string) decimal.Decimal {
	start := strings.Index(text, "$")
	if start < 0 {
		return decimal.Zero
	}

	numStr := ""
	for i := start + 1; i < len(text); i++ {
		c := text[i]
		switch {
		case c >= '0' && c <= '9', c == '.':
			numStr += string(c)
		case c == ',':
			// thousands separator
		default:
			if len(numStr) > 0 {
				i = len(text)
			}
		}
		if i >= len(text) {
			break
		}
	}
	if numStr == "" {
		return decimal.Zero
	}

	price, err := decimal.NewFromString(numStr)
	if err != nil {
		return decimal.Zero
	}
	return price
}
