// Package config loads the engine's runtime configuration via viper,
// binding the recognized keys and defaults onto a typed tree.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Trading holds the top-level trading toggle and pair list.
type Trading struct {
	Enabled         bool          `mapstructure:"enabled"`
	Pairs           []string      `mapstructure:"pairs"`
	CycleIntervalS  int           `mapstructure:"cycle_interval_s"`
}

// CycleInterval is CycleIntervalS as a time.Duration.
func (t Trading) CycleInterval() time.Duration {
	return time.Duration(t.CycleIntervalS) * time.Second
}

// Safety holds rate-limit and circuit-breaker defaults.
type Safety struct {
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
	FailureThreshold   int `mapstructure:"failure_threshold"`
	RecoveryTimeoutS   int `mapstructure:"recovery_timeout_s"`
}

func (s Safety) RecoveryTimeout() time.Duration {
	return time.Duration(s.RecoveryTimeoutS) * time.Second
}

// Orchestrator holds the decision-aggregation tunables.
type Orchestrator struct {
	DecisionThreshold float64            `mapstructure:"decision_threshold"`
	DissentGate       float64            `mapstructure:"dissent_gate"`
	CategoryWeights   map[string]float64 `mapstructure:"category_weights"`
}

// RugShield holds the asset-safety filter thresholds.
type RugShield struct {
	MinLiquidityUSD float64  `mapstructure:"min_liquidity_usd"`
	MinVolume24hUSD float64  `mapstructure:"min_volume_24h_usd"`
	MaxSpreadPct    float64  `mapstructure:"max_spread_pct"`
	Blacklist       []string `mapstructure:"blacklist"`
}

// StopLoss holds the dynamic ATR stop-loss tunables.
type StopLoss struct {
	BasePct       float64 `mapstructure:"base_pct"`
	ATRMultiplier float64 `mapstructure:"atr_multiplier"`
	MinPct        float64 `mapstructure:"min_pct"`
	MaxPct        float64 `mapstructure:"max_pct"`
	ATRPeriod     int     `mapstructure:"atr_period"`
}

// Helios holds the rollback protocol's monitoring cadence.
type Helios struct {
	MonitoringIntervalS    int    `mapstructure:"monitoring_interval_s"`
	StableVersionRetention int    `mapstructure:"stable_version_retention"`
	DSN                    string `mapstructure:"dsn"`
}

func (h Helios) MonitoringInterval() time.Duration {
	return time.Duration(h.MonitoringIntervalS) * time.Second
}

// Persistence holds the PSM's storage DSN.
type Persistence struct {
	DSN string `mapstructure:"dsn"`
}

// API holds the status/control HTTP+WebSocket server's bind settings.
type API struct {
	Enabled       bool   `mapstructure:"enabled"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	WebSocketPath string `mapstructure:"websocket_path"`
}

// Config is the engine's full configuration tree.
type Config struct {
	Trading      Trading      `mapstructure:"trading"`
	Safety       Safety       `mapstructure:"safety"`
	Orchestrator Orchestrator `mapstructure:"orchestrator"`
	RugShield    RugShield    `mapstructure:"rug_shield"`
	StopLoss     StopLoss     `mapstructure:"stop_loss"`
	Helios       Helios       `mapstructure:"helios"`
	Persistence  Persistence  `mapstructure:"persistence"`
	API          API          `mapstructure:"api"`
}

// Load reads configuration from an optional file path, environment
// variables (prefixed ATLAS_, nested keys via "_"), and the defaults
// below, in viper's standard precedence order.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.enabled", false)
	v.SetDefault("trading.pairs", []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"})
	v.SetDefault("trading.cycle_interval_s", 60)

	v.SetDefault("safety.rate_limit_per_minute", 50)
	v.SetDefault("safety.failure_threshold", 5)
	v.SetDefault("safety.recovery_timeout_s", 60)

	v.SetDefault("orchestrator.decision_threshold", 0.15)
	v.SetDefault("orchestrator.dissent_gate", 0.4)
	v.SetDefault("orchestrator.category_weights", map[string]float64{
		"AI_ML":      0.25,
		"STRATEGY":   0.20,
		"INDICATOR":  0.15,
		"RISK":       0.20,
		"PROTECTION": 0.15,
		"GENERAL":    0.05,
	})

	v.SetDefault("rug_shield.min_liquidity_usd", 1_000_000.0)
	v.SetDefault("rug_shield.min_volume_24h_usd", 100_000.0)
	v.SetDefault("rug_shield.max_spread_pct", 1.0)
	v.SetDefault("rug_shield.blacklist", []string{})

	v.SetDefault("stop_loss.base_pct", 2.0)
	v.SetDefault("stop_loss.atr_multiplier", 1.5)
	v.SetDefault("stop_loss.min_pct", 0.5)
	v.SetDefault("stop_loss.max_pct", 5.0)
	v.SetDefault("stop_loss.atr_period", 14)

	v.SetDefault("helios.monitoring_interval_s", 30)
	v.SetDefault("helios.stable_version_retention", 10)
	v.SetDefault("helios.dsn", "file:helios.db?cache=shared&_fk=1")

	v.SetDefault("persistence.dsn", "file:positions.db?cache=shared&_fk=1")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.websocket_path", "/ws")
}

func (c Config) validate() error {
	if c.Safety.RateLimitPerMinute <= 0 {
		return fmt.Errorf("safety.rate_limit_per_minute must be positive")
	}
	if c.Orchestrator.DecisionThreshold < 0 || c.Orchestrator.DecisionThreshold > 1 {
		return fmt.Errorf("orchestrator.decision_threshold must be in [0,1]")
	}
	if c.Orchestrator.DissentGate < 0 || c.Orchestrator.DissentGate > 1 {
		return fmt.Errorf("orchestrator.dissent_gate must be in [0,1]")
	}
	if c.StopLoss.MinPct > c.StopLoss.MaxPct {
		return fmt.Errorf("stop_loss.min_pct cannot exceed stop_loss.max_pct")
	}
	return nil
}
