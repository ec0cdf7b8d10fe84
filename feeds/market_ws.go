package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET WEBSOCKET FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// Live book updates for subscribed outcome tokens over the CLOB market
// channel. Full images land on "book" events, deltas on "price_change".
// Every update lands in the BookStore and fans out as a BookTick so the
// engine can reclassify cadence on quote movement.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	marketWSURL    = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// BookTick is one book update for one token.
type BookTick struct {
	TokenID     string
	Book        types.BookSnapshot
	SpreadTicks int // spread change magnitude since last full image
	At          time.Time
}

// MarketFeed maintains the market-channel connection and the book store.
type MarketFeed struct {
	mu        sync.RWMutex
	wsURL     string
	tickSize  decimal.Decimal
	conn      *websocket.Conn
	running   bool
	stopCh    chan struct{}
	assetIDs  []string
	books     *BookStore
	listeners []chan BookTick
}

// NewMarketFeed creates the feed. tickSize feeds spread-change
// measurement on full book images.
func NewMarketFeed(books *BookStore, tickSize decimal.Decimal) *MarketFeed {
	return &MarketFeed{
		wsURL:    marketWSURL,
		tickSize: tickSize,
		stopCh:   make(chan struct{}),
		books:    books,
	}
}

// Books returns the underlying store.
func (f *MarketFeed) Books() *BookStore {
	return f.books
}

// Start connects and begins processing.
func (f *MarketFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Msg("📡 Market feed started")
}

// Stop closes the connection.
func (f *MarketFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("Market feed stopped")
}

// Listen returns a channel receiving every book tick.
func (f *MarketFeed) Listen() chan BookTick {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan BookTick, 1000)
	f.listeners = append(f.listeners, ch)
	return ch
}

// SetAssets replaces the subscribed token set. Takes effect on the
// current connection immediately and on every reconnect.
func (f *MarketFeed) SetAssets(tokenIDs []string) error {
	f.mu.Lock()
	f.assetIDs = append([]string(nil), tokenIDs...)
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	return f.sendSubscribe(conn, tokenIDs)
}

func (f *MarketFeed) sendSubscribe(conn *websocket.Conn, tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	msg := map[string]interface{}{
		"type":       "market",
		"assets_ids": tokenIDs,
	}
	return conn.WriteJSON(msg)
}

func (f *MarketFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Market WS connection failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		time.Sleep(reconnectDelay)
	}
}

func (f *MarketFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	assets := append([]string(nil), f.assetIDs...)
	f.mu.Unlock()

	log.Info().Int("assets", len(assets)).Msg("🔌 Market WS connected")

	if err := f.sendSubscribe(conn, assets); err != nil {
		log.Warn().Err(err).Msg("Subscribe failed")
	}

	go f.pingLoop(conn)
	return nil
}

func (f *MarketFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *MarketFeed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Market WS read error")
			f.mu.Lock()
			f.conn = nil
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsBookEvent struct {
	EventType string    `json:"event_type"`
	AssetID   string    `json:"asset_id"`
	Bids      []wsLevel `json:"bids"`
	Asks      []wsLevel `json:"asks"`
	Changes   []struct {
		Price string `json:"price"`
		Side  string `json:"side"`
		Size  string `json:"size"`
	} `json:"changes"`
}

func (f *MarketFeed) processMessage(data []byte) {
	var events []wsBookEvent
	if err := json.Unmarshal(data, &events); err != nil {
		var single wsBookEvent
		if err := json.Unmarshal(data, &single); err != nil {
			return
		}
		events = []wsBookEvent{single}
	}

	for _, ev := range events {
		switch ev.EventType {
		case "book":
			f.handleBookImage(ev)
		case "price_change":
			f.handlePriceChange(ev)
		}
	}
}

func (f *MarketFeed) handleBookImage(ev wsBookEvent) {
	now := time.Now()
	book := f.books.Get(ev.AssetID)

	bids := parseLevels(ev.Bids)
	asks := parseLevels(ev.Asks)
	ticks := book.Replace(bids, asks, f.tickSize, now)

	f.broadcast(BookTick{
		TokenID:     ev.AssetID,
		Book:        book.Snapshot(),
		SpreadTicks: ticks,
		At:          now,
	})
}

func (f *MarketFeed) handlePriceChange(ev wsBookEvent) {
	now := time.Now()
	book := f.books.Get(ev.AssetID)

	var bidChanges, askChanges []types.PriceLevel
	for _, ch := range ev.Changes {
		price, err1 := decimal.NewFromString(ch.Price)
		size, err2 := decimal.NewFromString(ch.Size)
		if err1 != nil || err2 != nil {
			continue
		}
		lvl := types.PriceLevel{Price: price, Size: size}
		if ch.Side == "BUY" {
			bidChanges = append(bidChanges, lvl)
		} else {
			askChanges = append(askChanges, lvl)
		}
	}
	book.ApplyLevelChanges(bidChanges, askChanges, now)

	f.broadcast(BookTick{
		TokenID: ev.AssetID,
		Book:    book.Snapshot(),
		At:      now,
	})
}

func parseLevels(raw []wsLevel) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		price, err1 := decimal.NewFromString(lvl.Price)
		size, err2 := decimal.NewFromString(lvl.Size)
		if err1 != nil || err2 != nil || !size.IsPositive() {
			continue
		}
		out = append(out, types.PriceLevel{Price: price, Size: size})
	}
	return out
}

func (f *MarketFeed) broadcast(tick BookTick) {
	f.mu.RLock()
	listeners := f.listeners
	f.mu.RUnlock()

	for _, ch := range listeners {
		select {
		case ch <- tick:
		default:
			// Listener is behind, drop rather than block the read loop.
		}
	}
}
