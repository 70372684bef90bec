package bots

import (
	"context"
	"fmt"

	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/pkg/domain"
)

// stopLossBot checks any open position on the snapshot's symbol against
// the Safety Envelope's trailing ATR stop.
type stopLossBot struct {
	bot.BaseBot
}

func newStopLossBot() (bot.Bot, error) {
	return &stopLossBot{
		BaseBot: bot.NewBaseBot("stop_loss_bot", domain.CategoryProtection, bot.Deps.Logger, bot.Deps.Adapter, 3),
	}, nil
}

// Evaluate finds the open position for this symbol (if any), recomputes
// its trailing stop from the snapshot's candle history, and emits SELL
// when the current price has crossed it.
func (b *stopLossBot) Evaluate(ctx context.Context, snapshot domain.MarketSnapshot) (domain.Signal, error) {
	if bot.Deps.Envelope == nil || bot.Deps.PSM == nil {
		err := fmt.Errorf("stop_loss_bot: envelope or psm not wired")
		b.RecordResult(err)
		return domain.Signal{}, err
	}

	open, err := bot.Deps.PSM.GetOpenPositions(snapshot.Symbol)
	if err != nil {
		b.RecordResult(err)
		return domain.Signal{}, err
	}
	if len(open) == 0 {
		sig := b.Signal(domain.ActionHold, 0.1, "no open position to protect", nil)
		b.RecordResult(nil)
		return sig, nil
	}

	price, _ := snapshot.LastPrice.Float64()
	position := open[0]
	stopPrice, crossed := bot.Deps.Envelope.TrackStop(position, snapshot.OHLCV, price)

	action := domain.ActionHold
	confidence := 0.2
	reason := fmt.Sprintf("trailing stop at %.4f", stopPrice)
	if crossed {
		action = domain.ActionSell
		confidence = 0.95
		reason = fmt.Sprintf("trailing stop crossed at %.4f", stopPrice)
	}

	sig := b.Signal(action, confidence, reason, map[string]any{"stop_price": stopPrice, "position_id": position.PositionID})
	b.RecordResult(nil)
	return sig, nil
}

func init() {
	registry.Record("stop_loss_bot", newStopLossBot)
}
