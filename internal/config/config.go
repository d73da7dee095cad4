// Package config defines all configuration for the intent/execution core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via CORE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Venue      VenueConfig      `mapstructure:"venue"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Readiness  ReadinessConfig  `mapstructure:"readiness"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Entry      EntryConfig      `mapstructure:"entry"`
	Hedge      HedgeConfig      `mapstructure:"hedge"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Surface    SurfaceConfig    `mapstructure:"surface"`
	Delta      map[string]DeltaThresholds `mapstructure:"delta"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing exchange orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys. FunderAddress
// is the on-chain address that funds orders (may differ from signer if
// using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// VenueConfig holds the exchange endpoints and optional pre-derived L2
// credentials. If ApiKey/Secret/Passphrase are empty, the venue adapter
// derives them via L1 auth on startup.
type VenueConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	WSSpotURL   string `mapstructure:"ws_spot_url"`
	WSUserURL   string `mapstructure:"ws_user_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// DiscoveryConfig controls how the core discovers tradeable event markets.
type DiscoveryConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Assets          []string      `mapstructure:"assets"`
	EventDurationMs int           `mapstructure:"event_duration_ms"`
}

// ReadinessConfig tunes the ReadinessGate.
type ReadinessConfig struct {
	MinLevels        int `mapstructure:"min_levels"`
	MaxSnapshotAgeMs int `mapstructure:"max_snapshot_age_ms"`
	ParkMaxAgeMs     int `mapstructure:"park_max_age_ms"`
}

// ExecutionConfig tunes PriceGuard and the ExecutionAdapter.
type ExecutionConfig struct {
	Tick                  float64 `mapstructure:"tick"`
	MaxBookAgeMs          int     `mapstructure:"max_book_age_ms"`
	AllowEmergencyExit    bool    `mapstructure:"allow_emergency_exit"`
	EmergencyExitSecRemaining int `mapstructure:"emergency_exit_sec_remaining"`
	EmergencyCrossTicks   int     `mapstructure:"emergency_cross_ticks"`
	EmergencyRateLimitMs  int     `mapstructure:"emergency_rate_limit_ms"`
	ExchangeTimeoutSec    int     `mapstructure:"exchange_timeout_sec"`
	StaleOrderTimeoutMs   int     `mapstructure:"stale_order_timeout_ms"`
}

// EntryConfig tunes entry/accumulate rules.
type EntryConfig struct {
	EdgeEntryMin                 float64 `mapstructure:"edge_entry_min"`
	MaxSpread                    float64 `mapstructure:"max_spread"`
	MinDepth                     float64 `mapstructure:"min_depth"`
	BaseShares                   float64 `mapstructure:"base_shares"`
	MaxShares                    float64 `mapstructure:"max_shares"`
	MaxNotionalUsdPerMarket      float64 `mapstructure:"max_notional_usd_per_market"`
	MaxConcurrentMarketsPerAsset int     `mapstructure:"max_concurrent_markets_per_asset"`
	MinSecRemaining              float64 `mapstructure:"min_sec_remaining"`
	MaxSecRemaining              float64 `mapstructure:"max_sec_remaining"`
}

// HedgeConfig tunes hedge/micro-hedge/unwind rules.
type HedgeConfig struct {
	HedgeRatio          float64 `mapstructure:"hedge_ratio"`
	MaxOppAsk           float64 `mapstructure:"max_opp_ask"`
	MaxCppApprox        float64 `mapstructure:"max_cpp_approx"`
	HedgeMinShares      float64 `mapstructure:"hedge_min_shares"`
	HedgeMaxShares      float64 `mapstructure:"hedge_max_shares"`
	MicroHedgeMinShares float64 `mapstructure:"micro_hedge_min_shares"`
	DeadlineSecRemaining float64 `mapstructure:"deadline_sec_remaining"`
	UnwindThresholdSec  float64 `mapstructure:"unwind_threshold_sec"`
	CooldownMs          int     `mapstructure:"cooldown_ms"`
}

// RiskConfig tunes degraded-mode and queue-stress thresholds.
type RiskConfig struct {
	DegradedTriggerNotional  float64 `mapstructure:"degraded_trigger_notional"`
	DegradedTriggerAgeSec    float64 `mapstructure:"degraded_trigger_age_sec"`
	DegradedRiskScoreTrigger float64 `mapstructure:"degraded_risk_score_trigger"`
	QueueStressSize          int     `mapstructure:"queue_stress_size"`
}

// QueueConfig tunes the IntentQueue.
type QueueConfig struct {
	MaxPendingPerMarket int `mapstructure:"max_pending_per_market"`
	MaxPendingGlobal    int `mapstructure:"max_pending_global"`
	StaleIntentMaxAgeMs int `mapstructure:"stale_intent_max_age_ms"`
}

// BreakerConfig tunes the CircuitBreaker.
type BreakerConfig struct {
	FailuresPerMin int `mapstructure:"failures_per_min"`
	WindowMs       int `mapstructure:"window_ms"`
	AutoResetMs    int `mapstructure:"auto_reset_ms"`
}

// SurfaceConfig tunes FairSurface. DeltaWidthUsd is keyed by
// asset symbol since bucket widths are asset-specific.
type SurfaceConfig struct {
	EwmaAlpha         float64            `mapstructure:"ewma_alpha"`
	MinSamplesToTrade int                `mapstructure:"min_samples_to_trade"`
	MaxFairUpAgeMs    int                `mapstructure:"max_fair_up_age_ms"`
	DeltaWidthUsd     map[string]float64 `mapstructure:"delta_width_usd"`
	MaxDeltaBucket    float64            `mapstructure:"max_delta_bucket"`
	TimeBucketsSec    []int              `mapstructure:"time_buckets_sec"`
}

// DeltaThresholds defines the LOW/MID/HIGH |spot-strike| bands that drive the
// IntentBuilder's delta regime for one asset.
type DeltaThresholds struct {
	Low  float64 `mapstructure:"low"`
	Mid  float64 `mapstructure:"mid"`
	High float64 `mapstructure:"high"`
}

// StoreConfig sets where FairSurface checkpoints are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the telemetry/event-sink WebSocket server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: CORE_PRIVATE_KEY, CORE_API_KEY,
// CORE_API_SECRET, CORE_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("CORE_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("CORE_API_KEY"); key != "" {
		cfg.Venue.ApiKey = key
	}
	if secret := os.Getenv("CORE_API_SECRET"); secret != "" {
		cfg.Venue.Secret = secret
	}
	if pass := os.Getenv("CORE_PASSPHRASE"); pass != "" {
		cfg.Venue.Passphrase = pass
	}
	if os.Getenv("CORE_DRY_RUN") == "true" || os.Getenv("CORE_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set CORE_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.Venue.CLOBBaseURL == "" {
		return fmt.Errorf("venue.clob_base_url is required")
	}
	if c.Execution.Tick <= 0 {
		return fmt.Errorf("execution.tick must be > 0")
	}
	if c.Entry.BaseShares <= 0 {
		return fmt.Errorf("entry.base_shares must be > 0")
	}
	if c.Entry.MaxShares < c.Entry.BaseShares {
		return fmt.Errorf("entry.max_shares must be >= entry.base_shares")
	}
	if c.Entry.MaxNotionalUsdPerMarket <= 0 {
		return fmt.Errorf("entry.max_notional_usd_per_market must be > 0")
	}
	if c.Queue.MaxPendingPerMarket <= 0 {
		return fmt.Errorf("queue.max_pending_per_market must be > 0")
	}
	if c.Queue.MaxPendingGlobal <= 0 {
		return fmt.Errorf("queue.max_pending_global must be > 0")
	}
	if c.Breaker.FailuresPerMin <= 0 {
		return fmt.Errorf("breaker.failures_per_min must be > 0")
	}
	if c.Surface.EwmaAlpha <= 0 || c.Surface.EwmaAlpha > 1 {
		return fmt.Errorf("surface.ewma_alpha must be in (0, 1]")
	}
	return nil
}

// Duration converts a millisecond config value to a time.Duration.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
