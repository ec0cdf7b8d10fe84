package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/web3guy0/pairbot/bot"
	"github.com/web3guy0/pairbot/cadence"
	"github.com/web3guy0/pairbot/core"
	"github.com/web3guy0/pairbot/exec"
	"github.com/web3guy0/pairbot/execution"
	"github.com/web3guy0/pairbot/feeds"
	"github.com/web3guy0/pairbot/hedge"
	"github.com/web3guy0/pairbot/internal/config"
	"github.com/web3guy0/pairbot/internal/polymarket"
	"github.com/web3guy0/pairbot/pairing"
	"github.com/web3guy0/pairbot/risk"
	"github.com/web3guy0/pairbot/storage"
	"github.com/web3guy0/pairbot/telemetry"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	if cfg.LogFile != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	log.Logger = log.Output(out)

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("              PAIRBOT - UP/DOWN PAIR ENGINE (%s)", mode)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Storage (for windows, fills and results)
	store, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("Database connection failed, continuing without persistence")
		store = nil
	} else {
		log.Info().Msg("✅ Storage layer initialized")
	}

	// Telemetry fan-out. The Telegram slot is bound after the engine
	// exists, since the bot reads status from it.
	tgSlot := &telemetry.LateSink{}
	sinks := telemetry.MultiSink{telemetry.LogSink{}, storage.NewStoreSink(store), tgSlot}

	// 2. Venue client
	venue, err := exec.NewClient(exec.ClientConfig{
		BaseURL:          cfg.CLOBBaseURL,
		APIKey:           cfg.CLOBApiKey,
		APISecret:        cfg.CLOBApiSecret,
		Passphrase:       cfg.CLOBPassphrase,
		WalletPrivateKey: cfg.WalletPrivateKey,
		SignerAddress:    cfg.SignerAddress,
		FunderAddress:    cfg.FunderAddress,
		SignatureType:    cfg.SignatureType,
		DryRun:           cfg.DryRun,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize venue client")
	}
	log.Info().Msg("✅ Execution layer initialized")

	// 3. Risk layer
	guard := risk.NewPriceGuard(risk.GuardConfig{
		TickSize:          cfg.TickSize,
		MaxBookAge:        cfg.MaxBookAge,
		MaxCrossTicks:     cfg.MaxCrossTicks,
		EmergencyCooldown: cfg.EmergencyCooldown,
		MinMakerSpread:    cfg.MinMakerSpread,
	}, sinks)
	pacer := risk.NewPacer(risk.DefaultPacerConfig(), hedge.IsHedgePriorityIntent)
	ledger := risk.NewLedger(venue.GetBalance)
	log.Info().Msg("✅ Risk layer initialized")

	// 4. Pairing state machine
	pairCfg := pairing.DefaultManagerConfig()
	pairCfg.UnwindThreshold = cfg.UnwindThreshold
	pairCfg.PairingTimeout = cfg.PairingTimeout
	pairCfg.MinPairedShares = cfg.MinPairedShares
	pairCfg.VolLookback = cfg.VolLookback
	pairCfg.VolMultiplier = cfg.VolMultiplier
	pairCfg.DefaultCaps = pairing.AssetCaps{BaseCapCents: cfg.BaseCapCents, MaxCapCents: cfg.MaxCapCents}
	pairCfg.ChunkPct = cfg.HedgeChunkPct
	pairCfg.ChunkMinShares = cfg.HedgeChunkMin
	pairCfg.ChunkMaxShares = cfg.HedgeChunkMax
	if len(cfg.CapsByAsset) > 0 {
		pairCfg.CapsByAsset = make(map[string]pairing.AssetCaps, len(cfg.CapsByAsset))
		for asset, c := range cfg.CapsByAsset {
			pairCfg.CapsByAsset[asset] = pairing.AssetCaps{BaseCapCents: c.BaseCapCents, MaxCapCents: c.MaxCapCents}
		}
	}
	pairMgr := pairing.NewManager(pairCfg, sinks)

	// 5. Hedge lane + escalator
	escCfg := hedge.DefaultEscalatorConfig()
	escCfg.MaxRetries = cfg.HedgeMaxRetries
	escCfg.RetryDelay = cfg.HedgeRetryDelay
	escCfg.PriceIncrement = cfg.HedgePriceStep
	escCfg.MaxHedgePrice = cfg.HedgeMaxPrice
	escCfg.SurvivalMaxPrice = cfg.SurvivalMaxPrice
	escCfg.SizeReduction = cfg.SizeReduction
	escCfg.MinRetryShares = cfg.MinRetryShares
	escCfg.SurvivalThreshold = cfg.SurvivalThreshold
	escCfg.PanicThreshold = cfg.PanicThreshold
	escCfg.EmergencyWindow = cfg.EmergencyWindow
	escCfg.TickSize = cfg.TickSize
	escalator := hedge.NewEscalator(escCfg, guard, pacer, ledger, venue, sinks)
	lane := hedge.NewLane(hedge.DefaultLaneConfig())
	log.Info().Msg("✅ Hedge layer initialized")

	// 6. Cadence controller
	cadCfg := cadence.DefaultConfig()
	cadCfg.EntryThreshold = cfg.EntryThreshold
	cadenceCtl := cadence.NewController(cadCfg, sinks)

	// 7. Order manager
	orders := execution.NewManager(execution.DefaultManagerConfig(), venue, sinks)

	// 8. Feeds + discovery
	books := feeds.NewBookStore()
	marketFeed := feeds.NewMarketFeed(books, cfg.TickSize)
	spotFeed := feeds.NewSpotFeed(cfg.Assets, cfg.SpotPollInterval)
	scanner := polymarket.NewScanner(cfg.Assets)
	log.Info().Strs("assets", cfg.Assets).Msg("✅ Feeds initialized")

	// 9. Engine
	engCfg := core.DefaultEngineConfig()
	engCfg.EntryShares = cfg.EntryShares
	engCfg.MinPairEdge = cfg.MinPairEdge
	engCfg.MaxEntryPrice = cfg.MaxEntryPrice
	engCfg.TickSize = cfg.TickSize
	engCfg.EmergencyWindow = cfg.EmergencyWindow

	engine := core.NewEngine(engCfg, core.Components{
		Venue:      venue,
		Guard:      guard,
		Pacer:      pacer,
		Ledger:     ledger,
		Pairing:    pairMgr,
		Lane:       lane,
		Escalator:  escalator,
		Cadence:    cadenceCtl,
		Orders:     orders,
		Scanner:    scanner,
		MarketFeed: marketFeed,
		SpotFeed:   spotFeed,
		Store:      store,
		Sink:       sinks,
	})

	// 10. Telegram control surface
	var telegram *bot.TelegramBot
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		telegram, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, engine)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram bot unavailable, continuing without it")
		} else {
			telegram.SetControlCallbacks(engine.Pause, engine.Resume)
			tgSlot.Bind(telegram)
			telegram.Start()
			log.Info().Msg("✅ Telegram bot initialized")
		}
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════════════════════

	engine.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down...")
	engine.Stop()
	if telegram != nil {
		telegram.Stop()
	}
	store.Close()
	log.Info().Msg("Goodbye 👋")
}
