// Package bots holds the concrete strategy/indicator/risk/protection
// bots shipped with the engine, each registering itself with the Bot
// Registry at init() time.
package bots

import (
	"context"
	"fmt"

	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/pkg/domain"
)

// regimeBot classifies the broad market regime (CRISIS/BEARISH/RANGING/
// BULLISH) from 24h change and emits a directional signal.
type regimeBot struct {
	bot.BaseBot
	crisisThreshold float64
	trendThreshold  float64
}

func newRegimeBot() (bot.Bot, error) {
	return &regimeBot{
		BaseBot:         bot.NewBaseBot("regime_bot", domain.CategoryStrategy, bot.Deps.Logger, bot.Deps.Adapter, 3),
		crisisThreshold: 0.15,
		trendThreshold:  0.05,
	}, nil
}

// Evaluate reads the snapshot's 24h change and maps it to an action: a
// crisis-level drop holds, a bearish/bullish trend sells/buys, and a
// ranging market holds with low confidence.
func (b *regimeBot) Evaluate(ctx context.Context, snapshot domain.MarketSnapshot) (domain.Signal, error) {
	change, _ := snapshot.Change24h.Float64()

	var action domain.Action
	var confidence float64
	var regime string
	switch {
	case change < -b.crisisThreshold:
		regime, action, confidence = "CRISIS", domain.ActionHold, 0.95
	case change < -b.trendThreshold:
		regime, action, confidence = "BEARISH", domain.ActionSell, 0.6
	case change > b.trendThreshold:
		regime, action, confidence = "BULLISH", domain.ActionBuy, 0.6
	default:
		regime, action, confidence = "RANGING", domain.ActionHold, 0.3
	}

	sig := b.Signal(action, confidence, fmt.Sprintf("market regime %s (24h change %.2f%%)", regime, change*100),
		map[string]any{"regime": regime, "change_24h": change})
	b.RecordResult(nil)
	return sig, nil
}

func init() {
	registry.Record("regime_bot", newRegimeBot)
}
