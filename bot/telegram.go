package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/telemetry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Alerts & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pushes the events an operator actually wants woken up for: hedge
// aborts, pairing timeouts, emergency crossings, settled windows.
// Control commands: /status /results /balance /pause /resume /ping
//
// ═══════════════════════════════════════════════════════════════════════════════

// EngineStatus is the operator-facing state snapshot.
type EngineStatus struct {
	Mode             string // LIVE or DRY RUN
	Paused           bool
	ActiveWindows    int
	PairedMarkets    int
	Balance          decimal.Decimal
	Reserved         decimal.Decimal
	HedgeFailureRate decimal.Decimal // trailing 24h, valid when HaveHedgeRate
	HaveHedgeRate    bool
}

// ResultLine is one settled window for /results.
type ResultLine struct {
	Asset        string
	MarketID     string
	FinalState   string
	PairedShares decimal.Decimal
	PnL          decimal.Decimal
	SettledAt    time.Time
}

// FillLine is one recorded execution for /fills.
type FillLine struct {
	Outcome  string
	Side     string
	Intent   string
	Price    decimal.Decimal
	Size     decimal.Decimal
	FilledAt time.Time
}

// MarketFills is the /fills payload for one market.
type MarketFills struct {
	Slug  string
	Fills []FillLine
}

// StatusProvider supplies the data behind the commands.
type StatusProvider interface {
	Status() EngineStatus
	RecentResults(limit int) ([]ResultLine, error)
	MarketFills(marketID string) (MarketFills, error)
}

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	provider StatusProvider
	onPause  func()
	onResume func()
}

// NewTelegramBot creates the bot from an explicit token and chat id.
func NewTelegramBot(token string, chatID int64, provider StatusProvider) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token required")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id required")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	bot := &TelegramBot{
		api:      api,
		chatID:   chatID,
		stopCh:   make(chan struct{}),
		provider: provider,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

// SetControlCallbacks sets pause/resume handlers.
func (b *TelegramBot) SetControlCallbacks(onPause, onResume func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPause = onPause
	b.onResume = onResume
}

// Start begins listening for commands.
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT SINK
// ═══════════════════════════════════════════════════════════════════════════════

// alertedEvents are pushed to the operator; everything else is noise at
// phone-notification granularity.
var alertedEvents = map[string]bool{
	telemetry.EventHedgeAbort:     true,
	telemetry.EventPairingTimeout: true,
	telemetry.EventEmergencyCross: true,
	telemetry.EventLossMinTrigger: true,
	telemetry.EventWindowSettled:  true,
}

// Emit implements telemetry.Sink.
func (b *TelegramBot) Emit(ev telemetry.Event) {
	if !alertedEvents[ev.Type] {
		return
	}

	var msg string
	switch ev.Type {
	case telemetry.EventHedgeAbort:
		msg = fmt.Sprintf("🛑 *HEDGE ABORT* — %s %s\n`%v`",
			ev.Market.Asset, ev.Market.MarketID, ev.Fields["code"])
	case telemetry.EventPairingTimeout:
		msg = fmt.Sprintf("⏱️ *PAIRING TIMEOUT* — %s %s\nReverting to one-sided",
			ev.Market.Asset, ev.Market.MarketID)
	case telemetry.EventEmergencyCross:
		msg = fmt.Sprintf("⚡ *EMERGENCY CROSS* — %s %s\nTicks: %v",
			ev.Market.Asset, ev.Market.MarketID, ev.Fields["ticks"])
	case telemetry.EventLossMinTrigger:
		msg = fmt.Sprintf("🩹 *LOSS-MIN RECOVERY* — %s %s\nLocking worst case at %v",
			ev.Market.Asset, ev.Market.MarketID, ev.Fields["worst_after"])
	case telemetry.EventWindowSettled:
		msg = fmt.Sprintf("🏁 *WINDOW SETTLED* — %s %s\nState: %v | PnL: %v",
			ev.Market.Asset, ev.Market.MarketID, ev.Fields["state"], ev.Fields["pnl"])
	}

	// Never block the emitter on Telegram latency.
	go b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "balance":
		b.cmdBalance()
	case "results":
		b.cmdResults()
	case "fills":
		b.cmdFills(strings.TrimSpace(msg.CommandArguments()))
	case "pause":
		b.cmdPause()
	case "resume":
		b.cmdResume()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.sendMarkdown(`🤖 *PAIRBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine status
💰 /balance — Balance and reservations
🏁 /results — Last settled windows
🎯 /fills <market-id> — Executions for one market
⏸️ /pause — Pause new entries
▶️ /resume — Resume trading
🏓 /ping — Test connection`)
}

func (b *TelegramBot) cmdStatus() {
	if b.provider == nil {
		b.send("❌ Status not available")
		return
	}
	st := b.provider.Status()

	state := "🟢 RUNNING"
	if st.Paused {
		state = "⏸️ PAUSED"
	}

	hedgeRate := "n/a"
	if st.HaveHedgeRate {
		hedgeRate = st.HedgeFailureRate.Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
	}

	b.sendMarkdown(fmt.Sprintf(`📊 *ENGINE STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *%s*
🪟 Active windows: *%d*
🔗 Paired markets: *%d*
💰 Balance: *$%s*
🔒 Reserved: *$%s*
🛡 Hedge failures (24h): *%s*`,
		state, st.Mode,
		st.ActiveWindows, st.PairedMarkets,
		st.Balance.StringFixed(2), st.Reserved.StringFixed(2),
		hedgeRate))
}

func (b *TelegramBot) cmdBalance() {
	if b.provider == nil {
		b.send("❌ Balance not available")
		return
	}
	st := b.provider.Status()

	b.sendMarkdown(fmt.Sprintf(`💰 *BALANCE*
━━━━━━━━━━━━━━━━━━━━

💵 Available: *$%s*
🔒 Reserved: *$%s*`,
		st.Balance.StringFixed(2), st.Reserved.StringFixed(2)))
}

func (b *TelegramBot) cmdResults() {
	if b.provider == nil {
		b.send("❌ Results not available")
		return
	}
	results, err := b.provider.RecentResults(10)
	if err != nil {
		b.send("❌ Failed to fetch results")
		return
	}
	if len(results) == 0 {
		b.send("📭 No settled windows yet")
		return
	}

	msg := "🏁 *RECENT WINDOWS*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, r := range results {
		emoji := "📈"
		sign := "+"
		if r.PnL.IsNegative() {
			emoji = "📉"
			sign = ""
		}
		msg += fmt.Sprintf("%s %s %s — %s | %s shares | %s$%s\n   _%s_\n\n",
			emoji, r.Asset, r.MarketID, r.FinalState,
			r.PairedShares.StringFixed(0),
			sign, r.PnL.StringFixed(2),
			r.SettledAt.Format("Jan 2 15:04"),
		)
	}
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdFills(marketID string) {
	if b.provider == nil {
		b.send("❌ Fills not available")
		return
	}
	if marketID == "" {
		b.send("Usage: /fills <market-id>")
		return
	}

	mf, err := b.provider.MarketFills(marketID)
	if err != nil {
		b.send("❌ Failed to fetch fills")
		return
	}
	if len(mf.Fills) == 0 {
		b.send("📭 No fills recorded for " + marketID)
		return
	}

	msg := fmt.Sprintf("🎯 *FILLS* — %s\n━━━━━━━━━━━━━━━━━━━━\n\n", mf.Slug)
	for _, f := range mf.Fills {
		msg += fmt.Sprintf("%s %s %s @ %s × %s _%s_\n",
			f.Side, f.Outcome, f.Intent,
			f.Price.StringFixed(3), f.Size.StringFixed(0),
			f.FilledAt.Format("15:04:05"),
		)
	}
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPause() {
	b.mu.RLock()
	cb := b.onPause
	b.mu.RUnlock()

	if cb != nil {
		cb()
	}
	b.send("⏸️ New entries paused, existing positions still managed")
	log.Info().Msg("Trading paused via Telegram")
}

func (b *TelegramBot) cmdResume() {
	b.mu.RLock()
	cb := b.onResume
	b.mu.RUnlock()

	if cb != nil {
		cb()
	}
	b.send("▶️ Trading resumed")
	log.Info().Msg("Trading resumed via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
