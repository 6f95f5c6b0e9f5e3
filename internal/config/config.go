// Package config defines all configuration for the market-making engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	DryRun  bool          `mapstructure:"dry_run"`
	Venue   VenueConfig   `mapstructure:"venue"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Goal    string        `mapstructure:"goal"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// VenueConfig holds REST API connection details for the perpetual-futures
// venue. If APIKey/APISecret are empty the adapter runs in public-data-only
// mode; order placement then requires them set via env.
type VenueConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	APISecret  string        `mapstructure:"api_secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

// RuntimeConfig tunes the Avellaneda-Stoikov engine: sizing, spread bounds,
// reconciler thresholds, adaptive windows, and risk limits. Field names
// follow the option list verbatim so YAML/env keys are predictable.
type RuntimeConfig struct {
	Symbol string `mapstructure:"symbol"`

	// Sizing.
	EquityRiskPct           float64 `mapstructure:"equity_risk_pct"`
	MaxInventoryNotional    float64 `mapstructure:"max_inventory_notional"`
	MaxInventoryNotionalPct float64 `mapstructure:"max_inventory_notional_pct"`
	MaxInventoryEquityRatio float64 `mapstructure:"max_inventory_equity_ratio"`
	SingleSideRecoverRatio  float64 `mapstructure:"single_side_recover_ratio"`
	EffectiveLeverage       float64 `mapstructure:"effective_leverage"`
	MaxSingleOrderNotional  float64 `mapstructure:"max_single_order_notional"`
	MinOrderSizeBase        float64 `mapstructure:"min_order_size_base"`

	// Spread and reconciler.
	MinSpreadBps                float64 `mapstructure:"min_spread_bps"`
	MaxSpreadBps                float64 `mapstructure:"max_spread_bps"`
	RequoteThresholdBps         float64 `mapstructure:"requote_threshold_bps"`
	RequoteSizeThresholdRatio   float64 `mapstructure:"requote_size_threshold_ratio"`
	OrderTTLSec                 float64 `mapstructure:"order_ttl_sec"`
	QuoteIntervalSec            float64 `mapstructure:"quote_interval_sec"`
	MinOrderAgeBeforeRequoteSec float64 `mapstructure:"min_order_age_before_requote_sec"`

	// Adaptive controller.
	SigmaWindowSec float64 `mapstructure:"sigma_window_sec"`
	BaseGamma      float64 `mapstructure:"base_gamma"`
	GammaMin       float64 `mapstructure:"gamma_min"`
	GammaMax       float64 `mapstructure:"gamma_max"`
	LiquidityK     float64 `mapstructure:"liquidity_k"`
	ASSigma        float64 `mapstructure:"as_sigma"`

	// Risk guard.
	DrawdownKillPct        float64 `mapstructure:"drawdown_kill_pct"`
	VolatilityKillZScore   float64 `mapstructure:"volatility_kill_zscore"`
	MaxConsecutiveFailures int     `mapstructure:"max_consecutive_failures"`

	// Heartbeat alerting.
	HeartbeatEnabled     bool    `mapstructure:"tg_heartbeat_enabled"`
	HeartbeatIntervalSec float64 `mapstructure:"tg_heartbeat_interval_sec"`

	// Shutdown flattener.
	CloseRetryBaseDelaySec  float64 `mapstructure:"close_retry_base_delay_sec"`
	CloseRetryMaxDelaySec   float64 `mapstructure:"close_retry_max_delay_sec"`
	ClosePositionEpsilonBase float64 `mapstructure:"close_position_epsilon_base"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("MM_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("MM_API_SECRET"); secret != "" {
		cfg.Venue.APISecret = secret
	}
	if os.Getenv("MM_DRY_RUN") == "true" || os.Getenv("MM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	applyGoal(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

// applyGoal maps a coarse risk profile onto RuntimeConfig defaults before
// any explicit YAML/env values are considered overrides. Recognized goals:
// "conservative", "balanced" (default), "aggressive". Unset fields after
// this pass still get applyDefaults' hard fallbacks.
func applyGoal(cfg *Config) {
	r := &cfg.Runtime
	switch cfg.Goal {
	case "conservative":
		setIfZero(&r.EquityRiskPct, 0.05)
		setIfZero(&r.EffectiveLeverage, 2)
		setIfZero(&r.DrawdownKillPct, 5)
		setIfZero(&r.MaxInventoryEquityRatio, 0.4)
		setIfZero(&r.BaseGamma, 0.2)
	case "aggressive":
		setIfZero(&r.EquityRiskPct, 0.25)
		setIfZero(&r.EffectiveLeverage, 8)
		setIfZero(&r.DrawdownKillPct, 15)
		setIfZero(&r.MaxInventoryEquityRatio, 0.8)
		setIfZero(&r.BaseGamma, 0.08)
	default:
		setIfZero(&r.EquityRiskPct, 0.12)
		setIfZero(&r.EffectiveLeverage, 4)
		setIfZero(&r.DrawdownKillPct, 8)
		setIfZero(&r.MaxInventoryEquityRatio, 0.6)
		setIfZero(&r.BaseGamma, 0.12)
	}
}

func setIfZero(field *float64, def float64) {
	if *field == 0 {
		*field = def
	}
}

// applyDefaults fills in fallbacks spec'd as defaults rather than goal
// profile, and clamps quote_interval_sec into its required [0.2, 10] range.
func applyDefaults(cfg *Config) {
	r := &cfg.Runtime
	if r.ASSigma == 0 {
		r.ASSigma = 0.001
	}
	if r.SigmaWindowSec == 0 {
		r.SigmaWindowSec = 60
	}
	if r.GammaMin == 0 {
		r.GammaMin = 0.02
	}
	if r.GammaMax == 0 {
		r.GammaMax = 0.8
	}
	if r.LiquidityK == 0 {
		r.LiquidityK = 1.5
	}
	if r.QuoteIntervalSec == 0 {
		r.QuoteIntervalSec = 1
	}
	r.QuoteIntervalSec = clamp(r.QuoteIntervalSec, 0.2, 10)
	if r.CloseRetryBaseDelaySec == 0 {
		r.CloseRetryBaseDelaySec = 1
	}
	if r.CloseRetryMaxDelaySec == 0 {
		r.CloseRetryMaxDelaySec = 30
	}
	if r.HeartbeatIntervalSec == 0 {
		r.HeartbeatIntervalSec = 300
	}
	if cfg.Venue.Timeout == 0 {
		cfg.Venue.Timeout = 10 * time.Second
	}
	if cfg.Venue.RetryCount == 0 {
		cfg.Venue.RetryCount = 3
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Venue.BaseURL == "" {
		return fmt.Errorf("venue.base_url is required")
	}
	if c.Runtime.Symbol == "" {
		return fmt.Errorf("runtime.symbol is required")
	}
	if c.Runtime.MaxSpreadBps < c.Runtime.MinSpreadBps {
		return fmt.Errorf("runtime.max_spread_bps must be >= runtime.min_spread_bps")
	}
	if c.Runtime.EquityRiskPct <= 0 || c.Runtime.EquityRiskPct > 1 {
		return fmt.Errorf("runtime.equity_risk_pct must be in (0, 1]")
	}
	if c.Runtime.EffectiveLeverage <= 0 {
		return fmt.Errorf("runtime.effective_leverage must be > 0")
	}
	if c.Runtime.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("runtime.max_consecutive_failures must be > 0")
	}
	if c.Runtime.DrawdownKillPct <= 0 {
		return fmt.Errorf("runtime.drawdown_kill_pct must be > 0")
	}
	return nil
}
