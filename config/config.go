package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Environment
	IsProd bool `json:"is_prod"`

	// Discord
	Discord DiscordConfig `json:"discord"`

	// Telegram
	Telegram TelegramConfig `json:"telegram"`

	// Chains the engine watches
	Chains []ChainConfig `json:"chains"`

	// Streaming subscriptions (transfer + liquidity managers)
	Streaming StreamingConfig `json:"streaming"`

	// Explorer polling fallback
	Polling PollingConfig `json:"polling"`

	// Event dedup window
	Dedup DedupConfig `json:"dedup"`

	// Position sizing, exposure and entry filters
	Risk RiskConfig `json:"risk"`

	// Per-wallet circuit breaker
	Breaker BreakerConfig `json:"breaker"`

	// Liquidity rug detection
	Liquidity LiquidityConfig `json:"liquidity"`

	// Price refresh exits
	Exits ExitConfig `json:"exits"`

	// Wash-trading detector
	WashTrading WashTradingConfig `json:"wash_trading"`

	// External lookups
	Providers ProviderConfig `json:"providers"`

	// Store snapshot persistence
	Cache CacheConfig `json:"cache"`

	// Wallets seeded into the store at startup, "chain:address:score"
	SeedWallets []string `json:"seed_wallets"`

	// GitHub Gist (env var only)
	Gist GistConfig `json:"-"`

	// Health server
	HealthServer HealthServerConfig `json:"health_server"`
}

// DiscordConfig holds Discord-related configuration.
type DiscordConfig struct {
	BotToken      string `json:"-"` // Excluded - env var only
	ProdChannelID string `json:"prod_channel_id"`
	BetaChannelID string `json:"beta_channel_id"`
}

// TelegramConfig holds Telegram-related configuration.
type TelegramConfig struct {
	BotToken   string `json:"-"` // Excluded - env var only
	ProdChatID string `json:"prod_chat_id"`
	BetaChatID string `json:"beta_chat_id"`
}

// ChainConfig describes one EVM chain.
type ChainConfig struct {
	Name           string   `json:"name"`
	ChainID        int64    `json:"chain_id"`
	StreamURL      string   `json:"-"` // usually embeds a provider key
	RPCURL         string   `json:"-"` // eth_call endpoint; StreamURL when empty
	ExplorerURL    string   `json:"explorer_url"`
	ExplorerAPIKey string   `json:"-"`
	DexRouters     []string `json:"dex_routers"`
}

// StreamingConfig holds the shared per-chain connection settings.
type StreamingConfig struct {
	SyncInterval        time.Duration `json:"sync_interval"`
	BackoffBase         time.Duration `json:"backoff_base"`
	BackoffMax          time.Duration `json:"backoff_max"`
	RateLimitMaxRetries int           `json:"rate_limit_max_retries"` // Stop reconnecting a chain past this many rate-limit errors
	PingInterval        time.Duration `json:"ping_interval"`
}

// PollingConfig holds the explorer polling fallback settings.
type PollingConfig struct {
	Enabled           bool          `json:"enabled"`
	Interval          time.Duration `json:"interval"`
	Lookback          time.Duration `json:"lookback"`          // Ignore transfers older than this on the first poll
	PerWalletLimit    int           `json:"per_wallet_limit"`  // Transfers fetched per wallet per poll
	RateLimitCooldown time.Duration `json:"rate_limit_cooldown"`
}

// DedupConfig holds the dedup window settings.
type DedupConfig struct {
	Horizon       time.Duration `json:"horizon"`
	PruneInterval time.Duration `json:"prune_interval"`
}

// RiskConfig holds sizing and entry filter settings.
type RiskConfig struct {
	MaxExposureUSD       float64  `json:"max_exposure_usd"`
	BasePositionUSD      float64  `json:"base_position_usd"`
	MinPositionUSD       float64  `json:"min_position_usd"`
	MaxPositionUSD       float64  `json:"max_position_usd"`
	AccumulationFraction float64  `json:"accumulation_fraction"` // Fraction of current size added per accumulating insider (e.g., 0.5)
	MinLiquidityUSD      float64  `json:"min_liquidity_usd"`
	MaxTaxPct            float64  `json:"max_tax_pct"` // Buy/sell tax above this is a kill flag (e.g., 10 = 10%)
	MinWalletScore       float64  `json:"min_wallet_score"`
	MaxWalletsPerChain   int      `json:"max_wallets_per_chain"`
	ExcludedSymbols      []string `json:"excluded_symbols"`
}

// BreakerConfig holds the per-wallet circuit breaker settings.
type BreakerConfig struct {
	ConsecutiveLosses int           `json:"consecutive_losses"`
	PauseWindow       time.Duration `json:"pause_window"`
	MinSample         int           `json:"min_sample"`
	MinWinRate        float64       `json:"min_win_rate"` // 0.35 = 35%
}

// LiquidityConfig holds rug detection settings.
type LiquidityConfig struct {
	RugFloorUSD        float64       `json:"rug_floor_usd"`
	RugDropPct         float64       `json:"rug_drop_pct"` // 50 = 50% below max entry liquidity
	RecheckDelay       time.Duration `json:"recheck_delay"`
	RugExitFeePct      float64       `json:"rug_exit_fee_pct"`
	ResolveConcurrency int           `json:"resolve_concurrency"`
}

// TrailingStep is one rung of the trailing stop ladder. Once the peak P&L
// reaches PeakPct, the stop sits at StopPct.
type TrailingStep struct {
	PeakPct float64 `json:"peak_pct"`
	StopPct float64 `json:"stop_pct"`
}

// ExitConfig holds the price refresh exit rules.
type ExitConfig struct {
	RefreshInterval  time.Duration  `json:"refresh_interval"`
	StopLossPct      float64        `json:"stop_loss_pct"`
	TakeProfitPct    float64        `json:"take_profit_pct"`
	TrailingLadder   []TrailingStep `json:"trailing_ladder"`
	MaxPriceFailures int            `json:"max_price_failures"`
	PriceFailureTTL  time.Duration  `json:"price_failure_ttl"`
}

// PenaltyStep maps a minimum wash score to a ranking penalty.
type PenaltyStep struct {
	MinScore float64 `json:"min_score"`
	Penalty  float64 `json:"penalty"`
}

// WashTradingConfig holds the wash-trading detector thresholds.
type WashTradingConfig struct {
	ScanInterval   time.Duration `json:"scan_interval"`
	MinTrades      int           `json:"min_trades"`
	PairWindow     time.Duration `json:"pair_window"`
	PriceTolerance float64       `json:"price_tolerance"` // 0.02 = 2%
	SizeTolerance  float64       `json:"size_tolerance"`
	MirrorWindow   time.Duration `json:"mirror_window"`
	PairWeight     float64       `json:"pair_weight"`
	MirrorWeight   float64       `json:"mirror_weight"`
	Threshold      float64       `json:"threshold"`
	PenaltySteps   []PenaltyStep `json:"penalty_steps"`
}

// ProviderConfig holds external lookup endpoints.
type ProviderConfig struct {
	DexScreenerURL string `json:"dexscreener_url"`
	GoPlusURL      string `json:"goplus_url"`
}

// CacheConfig holds store snapshot persistence configuration.
type CacheConfig struct {
	SaveInterval time.Duration `json:"save_interval"`
	FileName     string        `json:"file_name"`
	MaxClosed    int           `json:"max_closed"` // Closed trades kept in a snapshot
}

// GistConfig holds GitHub Gist configuration.
type GistConfig struct {
	Token  string `json:"-"` // Excluded - env var only
	GistID string `json:"-"` // Excluded - env var only
}

// HealthServerConfig holds health check server configuration.
type HealthServerConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// Chain returns the chain config with the given name.
func (c *Config) Chain(name string) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// Clone creates a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	// Deep copy slices
	if c.Chains != nil {
		clone.Chains = make([]ChainConfig, len(c.Chains))
		for i, ch := range c.Chains {
			ch.DexRouters = cloneStrings(ch.DexRouters)
			clone.Chains[i] = ch
		}
	}
	clone.Risk.ExcludedSymbols = cloneStrings(c.Risk.ExcludedSymbols)
	clone.SeedWallets = cloneStrings(c.SeedWallets)
	if c.Exits.TrailingLadder != nil {
		clone.Exits.TrailingLadder = make([]TrailingStep, len(c.Exits.TrailingLadder))
		copy(clone.Exits.TrailingLadder, c.Exits.TrailingLadder)
	}
	if c.WashTrading.PenaltySteps != nil {
		clone.WashTrading.PenaltySteps = make([]PenaltyStep, len(c.WashTrading.PenaltySteps))
		copy(clone.WashTrading.PenaltySteps, c.WashTrading.PenaltySteps)
	}
	return &clone
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// ToJSON serializes the config to JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// knownChains are the built-in chain defaults. Routers are the main
// Uniswap-style routers on each chain; extend via <NAME>_DEX_ROUTERS.
var knownChains = map[string]ChainConfig{
	"ethereum": {
		Name:        "ethereum",
		ChainID:     1,
		ExplorerURL: "https://api.etherscan.io/api",
		DexRouters: []string{
			"0x7a250d5630b4cf539739df2c5dacb4c659f2488d", // Uniswap V2 router
			"0x68b3465833fb72a70ecdf485e0e4c7bd8665fc45", // Uniswap SwapRouter02
			"0x3fc91a3afd70395cd496c647d5a6cc9d4b2b7fad", // Uniswap universal router
		},
	},
	"base": {
		Name:        "base",
		ChainID:     8453,
		ExplorerURL: "https://api.basescan.org/api",
		DexRouters: []string{
			"0x4752ba5dbc23f44d87826276bf6fd6b1c372ad24", // Uniswap V2 router
			"0x2626664c2603336e57b271c5c0b26f421741e481", // Uniswap SwapRouter02
			"0x3fc91a3afd70395cd496c647d5a6cc9d4b2b7fad", // Uniswap universal router
			"0xcf77a3ba9a5ca399b7c97c74d54e5b1beb874e43", // Aerodrome router
		},
	},
	"arbitrum": {
		Name:        "arbitrum",
		ChainID:     42161,
		ExplorerURL: "https://api.arbiscan.io/api",
		DexRouters: []string{
			"0x4752ba5dbc23f44d87826276bf6fd6b1c372ad24",
			"0x68b3465833fb72a70ecdf485e0e4c7bd8665fc45",
		},
	},
	"bsc": {
		Name:        "bsc",
		ChainID:     56,
		ExplorerURL: "https://api.bscscan.com/api",
		DexRouters: []string{
			"0x10ed43c718714eb63d5aa57b78b54704e256024e", // PancakeSwap V2 router
			"0x13f4ea83d0bd40e75c8222255bc855a974568dd4", // PancakeSwap smart router
		},
	},
}

// DefaultExcludedSymbols are LP, wrapped and staking receipt symbols that are
// never copied.
var DefaultExcludedSymbols = []string{
	"WETH", "WBTC", "WBNB", "WMATIC", "WAVAX", "WFTM",
	"STETH", "WSTETH", "RETH", "CBETH", "SFRXETH", "FRXETH", "WEETH", "EZETH",
	"UNI-V2", "UNI-V3-POS", "SLP", "CAKE-LP", "AERO-LP",
}

// Defaults returns a config with hardcoded default values.
func Defaults() *Config {
	return &Config{
		IsProd:   false,
		Discord:  DiscordConfig{},
		Telegram: TelegramConfig{},
		Chains: []ChainConfig{
			cloneChain(knownChains["base"]),
			cloneChain(knownChains["ethereum"]),
		},
		Streaming: StreamingConfig{
			SyncInterval:        30 * time.Second,
			BackoffBase:         1 * time.Second,
			BackoffMax:          60 * time.Second,
			RateLimitMaxRetries: 5,
			PingInterval:        30 * time.Second,
		},
		Polling: PollingConfig{
			Enabled:           true,
			Interval:          45 * time.Second,
			Lookback:          10 * time.Minute,
			PerWalletLimit:    25,
			RateLimitCooldown: 2 * time.Minute,
		},
		Dedup: DedupConfig{
			Horizon:       30 * time.Minute,
			PruneInterval: 1 * time.Minute,
		},
		Risk: RiskConfig{
			MaxExposureUSD:       2000,
			BasePositionUSD:      100,
			MinPositionUSD:       25,
			MaxPositionUSD:       250,
			AccumulationFraction: 0.5,
			MinLiquidityUSD:      5000,
			MaxTaxPct:            10,
			MinWalletScore:       50,
			MaxWalletsPerChain:   200,
			ExcludedSymbols:      cloneStrings(DefaultExcludedSymbols),
		},
		Breaker: BreakerConfig{
			ConsecutiveLosses: 3,
			PauseWindow:       24 * time.Hour,
			MinSample:         10,
			MinWinRate:        0.35,
		},
		Liquidity: LiquidityConfig{
			RugFloorUSD:        1000,
			RugDropPct:         50,
			RecheckDelay:       45 * time.Second,
			RugExitFeePct:      30,
			ResolveConcurrency: 4,
		},
		Exits: ExitConfig{
			RefreshInterval: 1 * time.Minute,
			StopLossPct:     40,
			TakeProfitPct:   400,
			TrailingLadder: []TrailingStep{
				{PeakPct: 50, StopPct: 10},
				{PeakPct: 100, StopPct: 50},
				{PeakPct: 200, StopPct: 120},
			},
			MaxPriceFailures: 10,
			PriceFailureTTL:  30 * time.Minute,
		},
		WashTrading: WashTradingConfig{
			ScanInterval:   30 * time.Minute,
			MinTrades:      10,
			PairWindow:     10 * time.Minute,
			PriceTolerance: 0.02,
			SizeTolerance:  0.05,
			MirrorWindow:   5 * time.Minute,
			PairWeight:     0.6,
			MirrorWeight:   0.4,
			Threshold:      0.5,
			PenaltySteps: []PenaltyStep{
				{MinScore: 0.8, Penalty: 50},
				{MinScore: 0.6, Penalty: 30},
				{MinScore: 0.4, Penalty: 15},
				{MinScore: 0.2, Penalty: 5},
			},
		},
		Providers: ProviderConfig{
			DexScreenerURL: "https://api.dexscreener.com",
			GoPlusURL:      "https://api.gopluslabs.io",
		},
		Cache: CacheConfig{
			SaveInterval: 5 * time.Minute,
			FileName:     "copybot_store.json",
			MaxClosed:    2000,
		},
		HealthServer: HealthServerConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	d := Defaults()

	return &Config{
		IsProd: envBool("STAGE", "PROD"),

		Discord: DiscordConfig{
			BotToken:      envString("DISCORD_BOT_TOKEN", ""),
			ProdChannelID: envString("DISCORD_PROD_CHANNEL_ID", ""),
			BetaChannelID: envString("DISCORD_BETA_CHANNEL_ID", ""),
		},

		Telegram: TelegramConfig{
			BotToken:   envString("TELEGRAM_BOT_KEY", ""),
			ProdChatID: envString("TELEGRAM_PROD_CHAT_ID", ""),
			BetaChatID: envString("TELEGRAM_BETA_CHAT_ID", ""),
		},

		Chains: loadChains(envStringSliceDefault("CHAINS", []string{"base", "ethereum"})),

		Streaming: StreamingConfig{
			SyncInterval:        envDuration("STREAM_SYNC_INTERVAL", d.Streaming.SyncInterval),
			BackoffBase:         envDuration("STREAM_BACKOFF_BASE", d.Streaming.BackoffBase),
			BackoffMax:          envDuration("STREAM_BACKOFF_MAX", d.Streaming.BackoffMax),
			RateLimitMaxRetries: envInt("STREAM_RATE_LIMIT_MAX_RETRIES", d.Streaming.RateLimitMaxRetries),
			PingInterval:        envDuration("STREAM_PING_INTERVAL", d.Streaming.PingInterval),
		},

		Polling: PollingConfig{
			Enabled:           envBoolDefault("POLLING_ENABLED", d.Polling.Enabled),
			Interval:          envDuration("POLLING_INTERVAL", d.Polling.Interval),
			Lookback:          envDuration("POLLING_LOOKBACK", d.Polling.Lookback),
			PerWalletLimit:    envInt("POLLING_PER_WALLET_LIMIT", d.Polling.PerWalletLimit),
			RateLimitCooldown: envDuration("POLLING_RATE_LIMIT_COOLDOWN", d.Polling.RateLimitCooldown),
		},

		Dedup: DedupConfig{
			Horizon:       envDuration("DEDUP_HORIZON", d.Dedup.Horizon),
			PruneInterval: envDuration("DEDUP_PRUNE_INTERVAL", d.Dedup.PruneInterval),
		},

		Risk: RiskConfig{
			MaxExposureUSD:       envFloat("RISK_MAX_EXPOSURE_USD", d.Risk.MaxExposureUSD),
			BasePositionUSD:      envFloat("RISK_BASE_POSITION_USD", d.Risk.BasePositionUSD),
			MinPositionUSD:       envFloat("RISK_MIN_POSITION_USD", d.Risk.MinPositionUSD),
			MaxPositionUSD:       envFloat("RISK_MAX_POSITION_USD", d.Risk.MaxPositionUSD),
			AccumulationFraction: envFloat("RISK_ACCUMULATION_FRACTION", d.Risk.AccumulationFraction),
			MinLiquidityUSD:      envFloat("RISK_MIN_LIQUIDITY_USD", d.Risk.MinLiquidityUSD),
			MaxTaxPct:            envFloat("RISK_MAX_TAX_PCT", d.Risk.MaxTaxPct),
			MinWalletScore:       envFloat("RISK_MIN_WALLET_SCORE", d.Risk.MinWalletScore),
			MaxWalletsPerChain:   envInt("RISK_MAX_WALLETS_PER_CHAIN", d.Risk.MaxWalletsPerChain),
			ExcludedSymbols:      normalizeSymbols(envStringSliceDefault("RISK_EXCLUDED_SYMBOLS", d.Risk.ExcludedSymbols)),
		},

		Breaker: BreakerConfig{
			ConsecutiveLosses: envInt("BREAKER_CONSECUTIVE_LOSSES", d.Breaker.ConsecutiveLosses),
			PauseWindow:       envDuration("BREAKER_PAUSE_WINDOW", d.Breaker.PauseWindow),
			MinSample:         envInt("BREAKER_MIN_SAMPLE", d.Breaker.MinSample),
			MinWinRate:        envFloat("BREAKER_MIN_WIN_RATE", d.Breaker.MinWinRate),
		},

		Liquidity: LiquidityConfig{
			RugFloorUSD:        envFloat("RUG_FLOOR_USD", d.Liquidity.RugFloorUSD),
			RugDropPct:         envFloat("RUG_DROP_PCT", d.Liquidity.RugDropPct),
			RecheckDelay:       envDuration("RUG_RECHECK_DELAY", d.Liquidity.RecheckDelay),
			RugExitFeePct:      envFloat("RUG_EXIT_FEE_PCT", d.Liquidity.RugExitFeePct),
			ResolveConcurrency: envInt("POOL_RESOLVE_CONCURRENCY", d.Liquidity.ResolveConcurrency),
		},

		Exits: ExitConfig{
			RefreshInterval:  envDuration("PRICE_REFRESH_INTERVAL", d.Exits.RefreshInterval),
			StopLossPct:      envFloat("EXIT_STOP_LOSS_PCT", d.Exits.StopLossPct),
			TakeProfitPct:    envFloat("EXIT_TAKE_PROFIT_PCT", d.Exits.TakeProfitPct),
			TrailingLadder:   envLadder("EXIT_TRAILING_LADDER", d.Exits.TrailingLadder),
			MaxPriceFailures: envInt("EXIT_MAX_PRICE_FAILURES", d.Exits.MaxPriceFailures),
			PriceFailureTTL:  envDuration("EXIT_PRICE_FAILURE_TTL", d.Exits.PriceFailureTTL),
		},

		WashTrading: WashTradingConfig{
			ScanInterval:   envDuration("WASH_SCAN_INTERVAL", d.WashTrading.ScanInterval),
			MinTrades:      envInt("WASH_MIN_TRADES", d.WashTrading.MinTrades),
			PairWindow:     envDuration("WASH_PAIR_WINDOW", d.WashTrading.PairWindow),
			PriceTolerance: envFloat("WASH_PRICE_TOLERANCE", d.WashTrading.PriceTolerance),
			SizeTolerance:  envFloat("WASH_SIZE_TOLERANCE", d.WashTrading.SizeTolerance),
			MirrorWindow:   envDuration("WASH_MIRROR_WINDOW", d.WashTrading.MirrorWindow),
			PairWeight:     envFloat("WASH_PAIR_WEIGHT", d.WashTrading.PairWeight),
			MirrorWeight:   envFloat("WASH_MIRROR_WEIGHT", d.WashTrading.MirrorWeight),
			Threshold:      envFloat("WASH_THRESHOLD", d.WashTrading.Threshold),
			PenaltySteps:   envPenaltySteps("WASH_PENALTY_STEPS", d.WashTrading.PenaltySteps),
		},

		Providers: ProviderConfig{
			DexScreenerURL: envString("DEXSCREENER_API_URL", d.Providers.DexScreenerURL),
			GoPlusURL:      envString("GOPLUS_API_URL", d.Providers.GoPlusURL),
		},

		Cache: CacheConfig{
			SaveInterval: envDuration("CACHE_SAVE_INTERVAL", d.Cache.SaveInterval),
			FileName:     envString("CACHE_FILE_NAME", d.Cache.FileName),
			MaxClosed:    envInt("CACHE_MAX_CLOSED", d.Cache.MaxClosed),
		},

		SeedWallets: envStringSlice("SEED_WALLETS"),

		Gist: GistConfig{
			Token:  envString("GITHUB_TOKEN", ""),
			GistID: envString("CACHE_GIST_ID", ""),
		},

		HealthServer: HealthServerConfig{
			Enabled: envBoolDefault("HEALTH_SERVER_ENABLED", true),
			Port:    envInt("HEALTH_SERVER_PORT", 8080),
		},
	}
}

// loadChains builds chain configs from the built-in table, overridden per
// chain by <NAME>_WS_URL, <NAME>_EXPLORER_URL, <NAME>_EXPLORER_API_KEY,
// <NAME>_DEX_ROUTERS and <NAME>_CHAIN_ID.
func loadChains(names []string) []ChainConfig {
	chains := make([]ChainConfig, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		ch := cloneChain(knownChains[name])
		ch.Name = name
		prefix := strings.ToUpper(name) + "_"

		ch.ChainID = envInt64(prefix+"CHAIN_ID", ch.ChainID)
		ch.StreamURL = envString(prefix+"WS_URL", ch.StreamURL)
		ch.RPCURL = envString(prefix+"RPC_URL", ch.RPCURL)
		ch.ExplorerURL = envString(prefix+"EXPLORER_URL", ch.ExplorerURL)
		ch.ExplorerAPIKey = envString(prefix+"EXPLORER_API_KEY", "")
		ch.DexRouters = normalizeWallets(envStringSliceDefault(prefix+"DEX_ROUTERS", ch.DexRouters))
		chains = append(chains, ch)
	}
	return chains
}

func cloneChain(ch ChainConfig) ChainConfig {
	ch.DexRouters = cloneStrings(ch.DexRouters)
	return ch
}

// Helper functions for parsing environment variables

func envString(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envInt64(key string, defaultVal int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key, trueValue string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), trueValue)
}

func envBoolDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "1") || strings.EqualFold(v, "yes")
}

func envStringSlice(key string) []string {
	return envStringSliceDefault(key, nil)
}

func envStringSliceDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// envLadder parses "peak:stop,peak:stop" pairs, e.g. "50:10,100:50".
func envLadder(key string, defaultVal []TrailingStep) []TrailingStep {
	pairs, ok := envFloatPairs(key)
	if !ok {
		return defaultVal
	}
	steps := make([]TrailingStep, len(pairs))
	for i, p := range pairs {
		steps[i] = TrailingStep{PeakPct: p[0], StopPct: p[1]}
	}
	return steps
}

// envPenaltySteps parses "score:penalty,score:penalty", e.g. "0.8:50,0.6:30".
func envPenaltySteps(key string, defaultVal []PenaltyStep) []PenaltyStep {
	pairs, ok := envFloatPairs(key)
	if !ok {
		return defaultVal
	}
	steps := make([]PenaltyStep, len(pairs))
	for i, p := range pairs {
		steps[i] = PenaltyStep{MinScore: p[0], Penalty: p[1]}
	}
	return steps
}

func envFloatPairs(key string) ([][2]float64, bool) {
	parts := envStringSlice(key)
	if len(parts) == 0 {
		return nil, false
	}
	pairs := make([][2]float64, 0, len(parts))
	for _, part := range parts {
		a, b, found := strings.Cut(part, ":")
		if !found {
			return nil, false
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
		if err != nil {
			return nil, false
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
		if err != nil {
			return nil, false
		}
		pairs = append(pairs, [2]float64{x, y})
	}
	return pairs, true
}

func normalizeWallets(wallets []string) []string {
	if wallets == nil {
		return nil
	}
	result := make([]string, len(wallets))
	for i, w := range wallets {
		result[i] = strings.ToLower(w)
	}
	return result
}

func normalizeSymbols(symbols []string) []string {
	if symbols == nil {
		return nil
	}
	result := make([]string, len(symbols))
	for i, s := range symbols {
		result[i] = strings.ToUpper(s)
	}
	return result
}
