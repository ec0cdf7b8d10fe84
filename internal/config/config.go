package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	// Assets traded, e.g. ["BTC", "ETH"]
	Assets []string

	// Mode
	DryRun  bool
	Debug   bool
	LogFile string // empty disables file logging

	// Venue
	CLOBBaseURL      string
	CLOBApiKey       string
	CLOBApiSecret    string
	CLOBPassphrase   string
	WalletPrivateKey string
	SignerAddress    string
	FunderAddress    string // proxy wallet holding funds, optional
	SignatureType    int    // 0=EOA, 1=proxy, 2=gnosis safe

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Database: postgres:// URL or a SQLite file path. Empty disables
	// persistence.
	DatabaseURL string

	// Price guard
	TickSize          decimal.Decimal
	MaxBookAge        time.Duration
	MaxCrossTicks     int
	EmergencyCooldown time.Duration
	EmergencyWindow   time.Duration
	MinMakerSpread    decimal.Decimal

	// Pairing
	PairingTimeout  time.Duration
	UnwindThreshold time.Duration
	MinPairedShares decimal.Decimal
	VolLookback     time.Duration
	VolMultiplier   decimal.Decimal
	HedgeChunkPct   decimal.Decimal
	HedgeChunkMin   decimal.Decimal
	HedgeChunkMax   decimal.Decimal

	// Hedge slippage caps, cents
	BaseCapCents decimal.Decimal
	MaxCapCents  decimal.Decimal
	CapsByAsset  map[string]AssetCaps // from ASSET_CAPS_FILE

	// Hedge escalation
	HedgeMaxRetries   int
	HedgeRetryDelay   time.Duration
	HedgePriceStep    decimal.Decimal
	HedgeMaxPrice     decimal.Decimal
	SurvivalMaxPrice  decimal.Decimal
	SizeReduction     decimal.Decimal
	MinRetryShares    decimal.Decimal
	SurvivalThreshold time.Duration
	PanicThreshold    time.Duration

	// Entry quoting
	EntryShares   decimal.Decimal // shares per entry quote
	MinPairEdge   decimal.Decimal // required gap below $1 combined
	MaxEntryPrice decimal.Decimal // never quote a leg above this

	// Cadence
	EntryThreshold decimal.Decimal // mispricing that counts as an entry signal

	// Feeds
	SpotPollInterval time.Duration
}

// AssetCaps bounds one asset's dynamic hedge cap, in cents.
type AssetCaps struct {
	BaseCapCents decimal.Decimal
	MaxCapCents  decimal.Decimal
}

// Load loads configuration from environment variables and the optional
// per-asset caps file.
func Load() (*Config, error) {
	cfg := &Config{
		Assets:  splitAssets(getEnv("ASSETS", "BTC")),
		DryRun:  getEnvBool("DRY_RUN", true),
		Debug:   getEnvBool("DEBUG", false),
		LogFile: os.Getenv("LOG_FILE"),

		CLOBBaseURL:      getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		CLOBApiKey:       os.Getenv("CLOB_API_KEY"),
		CLOBApiSecret:    os.Getenv("CLOB_API_SECRET"),
		CLOBPassphrase:   os.Getenv("CLOB_PASSPHRASE"),
		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
		SignerAddress:    os.Getenv("SIGNER_ADDRESS"),
		FunderAddress:    os.Getenv("FUNDER_ADDRESS"),
		SignatureType:    getEnvInt("SIGNATURE_TYPE", 0),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabaseURL: getEnv("DATABASE_URL", getEnv("DATABASE_PATH", "data/pairbot.db")),

		TickSize:          getEnvDecimal("TICK_SIZE", decimal.NewFromFloat(0.01)),
		MaxBookAge:        getEnvDuration("MAX_BOOK_AGE", 500*time.Millisecond),
		MaxCrossTicks:     getEnvInt("EMERGENCY_MAX_CROSS_TICKS", 2),
		EmergencyCooldown: getEnvDuration("EMERGENCY_COOLDOWN", 30*time.Second),
		EmergencyWindow:   getEnvDuration("EMERGENCY_WINDOW", 90*time.Second),
		MinMakerSpread:    getEnvDecimal("MIN_MAKER_SPREAD", decimal.NewFromFloat(0.02)),

		PairingTimeout:  getEnvDuration("PAIRING_TIMEOUT", 45*time.Second),
		UnwindThreshold: getEnvDuration("UNWIND_THRESHOLD", 30*time.Second),
		MinPairedShares: getEnvDecimal("MIN_PAIRED_SHARES", decimal.NewFromInt(5)),
		VolLookback:     getEnvDuration("VOL_LOOKBACK", 300*time.Second),
		VolMultiplier:   getEnvDecimal("VOL_MULTIPLIER", decimal.NewFromInt(2)),
		HedgeChunkPct:   getEnvDecimal("HEDGE_CHUNK_PCT", decimal.NewFromFloat(0.25)),
		HedgeChunkMin:   getEnvDecimal("HEDGE_CHUNK_MIN", decimal.NewFromInt(25)),
		HedgeChunkMax:   getEnvDecimal("HEDGE_CHUNK_MAX", decimal.NewFromInt(100)),

		BaseCapCents: getEnvDecimal("HEDGE_BASE_CAP_CENTS", decimal.NewFromInt(3)),
		MaxCapCents:  getEnvDecimal("HEDGE_MAX_CAP_CENTS", decimal.NewFromInt(8)),

		HedgeMaxRetries:   getEnvInt("HEDGE_MAX_RETRIES", 3),
		HedgeRetryDelay:   getEnvDuration("HEDGE_RETRY_DELAY", 500*time.Millisecond),
		HedgePriceStep:    getEnvDecimal("HEDGE_PRICE_STEP", decimal.NewFromFloat(0.01)),
		HedgeMaxPrice:     getEnvDecimal("HEDGE_MAX_PRICE", decimal.NewFromFloat(0.85)),
		SurvivalMaxPrice:  getEnvDecimal("SURVIVAL_MAX_PRICE", decimal.NewFromFloat(0.95)),
		SizeReduction:     getEnvDecimal("SIZE_REDUCTION", decimal.NewFromFloat(0.8)),
		MinRetryShares:    getEnvDecimal("MIN_RETRY_SHARES", decimal.NewFromInt(5)),
		SurvivalThreshold: getEnvDuration("SURVIVAL_THRESHOLD", 60*time.Second),
		PanicThreshold:    getEnvDuration("PANIC_THRESHOLD", 120*time.Second),

		EntryShares:   getEnvDecimal("ENTRY_SHARES", decimal.NewFromInt(50)),
		MinPairEdge:   getEnvDecimal("MIN_PAIR_EDGE", decimal.NewFromFloat(0.02)),
		MaxEntryPrice: getEnvDecimal("MAX_ENTRY_PRICE", decimal.NewFromFloat(0.65)),

		EntryThreshold: getEnvDecimal("ENTRY_THRESHOLD", decimal.NewFromFloat(0.05)),

		SpotPollInterval: getEnvDuration("SPOT_POLL_INTERVAL", 200*time.Millisecond),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if capsFile := os.Getenv("ASSET_CAPS_FILE"); capsFile != "" {
		caps, err := LoadAssetCaps(capsFile)
		if err != nil {
			return nil, fmt.Errorf("load asset caps: %w", err)
		}
		cfg.CapsByAsset = caps
	}

	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("ASSETS must name at least one asset")
	}
	if !cfg.TickSize.IsPositive() {
		return nil, fmt.Errorf("TICK_SIZE must be positive")
	}
	if cfg.MinPairEdge.IsNegative() {
		return nil, fmt.Errorf("MIN_PAIR_EDGE must not be negative")
	}
	if !cfg.DryRun && cfg.WalletPrivateKey == "" && cfg.CLOBApiKey == "" {
		return nil, fmt.Errorf("live mode needs WALLET_PRIVATE_KEY or CLOB_API_KEY")
	}

	return cfg, nil
}

// capsFileFormat is the YAML layout of ASSET_CAPS_FILE:
//
//	assets:
//	  BTC:
//	    base_cap_cents: 3
//	    max_cap_cents: 8
type capsFileFormat struct {
	Assets map[string]struct {
		BaseCapCents float64 `yaml:"base_cap_cents"`
		MaxCapCents  float64 `yaml:"max_cap_cents"`
	} `yaml:"assets"`
}

// LoadAssetCaps parses a per-asset hedge-cap table.
func LoadAssetCaps(path string) (map[string]AssetCaps, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file capsFileFormat
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	caps := make(map[string]AssetCaps, len(file.Assets))
	for asset, c := range file.Assets {
		if c.BaseCapCents < 0 || c.MaxCapCents < 0 {
			return nil, fmt.Errorf("%s: negative cap for %s", path, asset)
		}
		if c.MaxCapCents < c.BaseCapCents {
			return nil, fmt.Errorf("%s: max cap below base cap for %s", path, asset)
		}
		caps[strings.ToUpper(asset)] = AssetCaps{
			BaseCapCents: decimal.NewFromFloat(c.BaseCapCents),
			MaxCapCents:  decimal.NewFromFloat(c.MaxCapCents),
		}
	}
	return caps, nil
}

func splitAssets(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if a := strings.ToUpper(strings.TrimSpace(part)); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
