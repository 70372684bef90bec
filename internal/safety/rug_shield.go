package safety

import (
	"strings"

	"github.com/atlas-sentinel/engine/pkg/domain"
)

// RugShieldConfig holds the asset-safety thresholds.
type RugShieldConfig struct {
	MinLiquidityUSD float64
	MinVolume24hUSD float64
	MaxSpreadPct    float64 // percentage points, e.g. 1.0 == 1%
	Blacklist       []string
}

// DefaultRugShieldConfig returns the canonical numeric defaults.
func DefaultRugShieldConfig() RugShieldConfig {
	return RugShieldConfig{
		MinLiquidityUSD: 1_000_000,
		MinVolume24hUSD: 100_000,
		MaxSpreadPct:    1.0,
		Blacklist:       nil,
	}
}

// AssetVerdict is the Rug Shield's pre-trade safety read.
type AssetVerdict struct {
	Symbol    string
	RiskScore float64
	RiskLevel domain.RiskLevel
	Safe      bool
	Reasons   []string
}

// RugShield filters symbols against liquidity/volume/spread thresholds
// and a manual blacklist before any new order is allowed.
type RugShield struct {
	cfg RugShieldConfig
}

// NewRugShield builds a shield with the given thresholds.
func NewRugShield(cfg RugShieldConfig) *RugShield {
	return &RugShield{cfg: cfg}
}

// Evaluate scores a symbol from spread/volume/liquidity and blacklist
// membership: +30 for excess spread, +40 for low volume, +30 for low
// liquidity; LOW<30/MEDIUM<50/HIGH<80/CRITICAL>=80, Safe = score < 50.
func (rs *RugShield) Evaluate(symbol string, spreadPct, volume24h, liquidityUSD float64) AssetVerdict {
	for _, b := range rs.cfg.Blacklist {
		if strings.EqualFold(b, symbol) {
			return AssetVerdict{
				Symbol:    symbol,
				RiskScore: 100,
				RiskLevel: domain.RiskCritical,
				Safe:      false,
				Reasons:   []string{"blacklisted"},
			}
		}
	}

	var score float64
	var reasons []string

	if spreadPct > rs.cfg.MaxSpreadPct {
		score += 30
		reasons = append(reasons, "spread exceeds max")
	}
	if volume24h < rs.cfg.MinVolume24hUSD {
		score += 40
		reasons = append(reasons, "volume below minimum")
	}
	if liquidityUSD < rs.cfg.MinLiquidityUSD {
		score += 30
		reasons = append(reasons, "liquidity below minimum")
	}

	return AssetVerdict{
		Symbol:    symbol,
		RiskScore: score,
		RiskLevel: riskLevel(score),
		Safe:      score < 50,
		Reasons:   reasons,
	}
}

func riskLevel(score float64) domain.RiskLevel {
	switch {
	case score < 30:
		return domain.RiskLow
	case score < 50:
		return domain.RiskMedium
	case score < 80:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}

// FilterSafePairs evaluates a batch of candidate symbols and returns only
// the safe ones, preserving input order.
func (rs *RugShield) FilterSafePairs(snapshots []domain.MarketSnapshot, liquidityUSD map[string]float64) []string {
	safe := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		spreadPct := snap.SpreadPct().InexactFloat64() * 100
		volume, _ := snap.Volume24h.Float64()
		liquidity := liquidityUSD[snap.Symbol]
		if rs.Evaluate(snap.Symbol, spreadPct, volume, liquidity).Safe {
			safe = append(safe, snap.Symbol)
		}
	}
	return safe
}
