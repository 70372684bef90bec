package bots

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/pkg/domain"
)

// whaleMonitorBot accumulates large-candle flow across cycles via the
// Updater capability and votes off the net imbalance. Unlike the other
// bots it is stateful between cycles: Update feeds it every snapshot,
// Evaluate only reads.
type whaleMonitorBot struct {
	bot.BaseBot

	mu          sync.Mutex
	netFlow     map[string]float64 // symbol -> signed large-candle volume
	largeFactor float64            // multiple of mean volume that counts as a whale candle
	decay       float64
}

func newWhaleMonitorBot() (bot.Bot, error) {
	return &whaleMonitorBot{
		BaseBot:     bot.NewBaseBot("whale_monitor_bot", domain.CategoryGeneral, bot.Deps.Logger, bot.Deps.Adapter, 3),
		netFlow:     make(map[string]float64),
		largeFactor: 3.0,
		decay:       0.8,
	}, nil
}

// Update decays the running flow and folds in the newest candle when
// its volume is a whale-sized multiple of the trailing mean, signed by
// candle direction.
func (b *whaleMonitorBot) Update(ctx context.Context, snapshot domain.MarketSnapshot) error {
	if len(snapshot.OHLCV) < 3 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.netFlow[snapshot.Symbol] *= b.decay

	candles := snapshot.OHLCV
	latest := candles[len(candles)-1]
	var mean float64
	for _, c := range candles[:len(candles)-1] {
		v, _ := c.Volume.Float64()
		mean += v
	}
	mean /= float64(len(candles) - 1)

	vol, _ := latest.Volume.Float64()
	if mean <= 0 || vol < mean*b.largeFactor {
		return nil
	}

	sign := 1.0
	if latest.Close.LessThan(latest.Open) {
		sign = -1
	}
	b.netFlow[snapshot.Symbol] += sign * vol
	return nil
}

// Evaluate reads the accumulated flow: strong net buying leans BUY,
// strong net selling leans SELL, quiet books abstain.
func (b *whaleMonitorBot) Evaluate(ctx context.Context, snapshot domain.MarketSnapshot) (domain.Signal, error) {
	b.mu.Lock()
	flow := b.netFlow[snapshot.Symbol]
	b.mu.Unlock()

	var refVolume float64
	for _, c := range snapshot.OHLCV {
		v, _ := c.Volume.Float64()
		refVolume += v
	}

	action := domain.ActionHold
	confidence := 0.1
	reason := "no significant whale flow"
	if refVolume > 0 {
		ratio := flow / refVolume
		switch {
		case ratio > 0.2:
			action, confidence = domain.ActionBuy, 0.5
			reason = fmt.Sprintf("net whale accumulation (flow ratio %.2f)", ratio)
		case ratio < -0.2:
			action, confidence = domain.ActionSell, 0.5
			reason = fmt.Sprintf("net whale distribution (flow ratio %.2f)", ratio)
		}
	}

	sig := b.Signal(action, confidence, reason, map[string]any{"net_flow": flow})
	b.RecordResult(nil)
	return sig, nil
}

func init() {
	registry.Record("whale_monitor_bot", newWhaleMonitorBot)
}
