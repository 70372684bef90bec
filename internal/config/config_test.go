package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/atlas-sentinel/engine/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Trading.Enabled {
		t.Error("trading must default to disabled")
	}
	if got := len(cfg.Trading.Pairs); got != 3 {
		t.Errorf("expected 3 default pairs, got %d", got)
	}
	if cfg.Safety.RateLimitPerMinute != 50 {
		t.Errorf("rate_limit_per_minute default: got %d", cfg.Safety.RateLimitPerMinute)
	}
	if cfg.Orchestrator.DecisionThreshold != 0.15 {
		t.Errorf("decision_threshold default: got %v", cfg.Orchestrator.DecisionThreshold)
	}
	if cfg.Orchestrator.DissentGate != 0.4 {
		t.Errorf("dissent_gate default: got %v", cfg.Orchestrator.DissentGate)
	}
	if cfg.StopLoss.ATRPeriod != 14 {
		t.Errorf("atr_period default: got %d", cfg.StopLoss.ATRPeriod)
	}
	if cfg.RugShield.MinLiquidityUSD != 1_000_000 {
		t.Errorf("min_liquidity_usd default: got %v", cfg.RugShield.MinLiquidityUSD)
	}
	if cfg.Helios.MonitoringIntervalS != 30 {
		t.Errorf("helios monitoring interval default: got %d", cfg.Helios.MonitoringIntervalS)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	body := []byte(`
trading:
  enabled: true
  pairs: ["BTC/USDT"]
  cycle_interval_s: 5
orchestrator:
  decision_threshold: 0.25
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Trading.Enabled {
		t.Error("expected trading enabled from file")
	}
	if len(cfg.Trading.Pairs) != 1 || cfg.Trading.Pairs[0] != "BTC/USDT" {
		t.Errorf("pairs override not applied: %v", cfg.Trading.Pairs)
	}
	if cfg.Orchestrator.DecisionThreshold != 0.25 {
		t.Errorf("decision_threshold override not applied: %v", cfg.Orchestrator.DecisionThreshold)
	}
	if cfg.Safety.FailureThreshold != 5 {
		t.Errorf("untouched keys must keep defaults, got %d", cfg.Safety.FailureThreshold)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	body := []byte(`
orchestrator:
  decision_threshold: 1.5
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Error("expected out-of-range decision_threshold to fail validation")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}
