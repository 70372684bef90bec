package bots

import (
	"context"
	"fmt"

	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/pkg/domain"
)

// rugShieldBot surfaces the Safety Envelope's Rug Shield verdict as a
// RISK-category signal, screening the asset every cycle.
type rugShieldBot struct {
	bot.BaseBot
}

func newRugShieldBot() (bot.Bot, error) {
	return &rugShieldBot{
		BaseBot: bot.NewBaseBot("rug_shield_bot", domain.CategoryRisk, bot.Deps.Logger, bot.Deps.Adapter, 3),
	}, nil
}

// Evaluate asks the Safety Envelope to score the snapshot's symbol and
// emits SELL when the asset fails the shield, HOLD otherwise. Liquidity
// comes from live order-book depth, not volume.
func (b *rugShieldBot) Evaluate(ctx context.Context, snapshot domain.MarketSnapshot) (domain.Signal, error) {
	if bot.Deps.Envelope == nil || b.Adapter() == nil {
		err := fmt.Errorf("rug_shield_bot: safety envelope or adapter not wired")
		b.RecordResult(err)
		return domain.Signal{}, err
	}

	book, err := b.Adapter().GetOrderBook(ctx, snapshot.Symbol, 10)
	if err != nil {
		b.RecordResult(err)
		return domain.Signal{}, fmt.Errorf("rug_shield_bot: order book for %s: %w", snapshot.Symbol, err)
	}
	liquidity, _ := book.LiquidityUSD().Float64()

	spreadPct := snapshot.SpreadPct().InexactFloat64() * 100
	volume, _ := snapshot.Volume24h.Float64()
	verdict := bot.Deps.Envelope.EvaluateAsset(snapshot.Symbol, spreadPct, volume, liquidity)

	action := domain.ActionHold
	confidence := 0.3
	if !verdict.Safe {
		action = domain.ActionSell
		confidence = 0.9
	}

	sig := b.Signal(action, confidence, fmt.Sprintf("rug shield: %s risk score %.0f (%s)", verdict.RiskLevel, verdict.RiskScore, verdict.Reasons),
		map[string]any{"risk_score": verdict.RiskScore, "risk_level": string(verdict.RiskLevel)})
	b.RecordResult(nil)
	return sig, nil
}

func init() {
	registry.Record("rug_shield_bot", newRugShieldBot)
}
