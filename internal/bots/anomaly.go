package bots

import (
	"context"
	"fmt"
	"math"

	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/pkg/domain"
)

// anomalyBot flags unusual volume spikes via a z-score of the latest
// candle's volume over the trailing OHLCV window (3 standard
// deviations).
type anomalyBot struct {
	bot.BaseBot
	zThreshold float64
}

func newAnomalyBot() (bot.Bot, error) {
	return &anomalyBot{
		BaseBot:    bot.NewBaseBot("anomaly_bot", domain.CategoryAIML, bot.Deps.Logger, bot.Deps.Adapter, 3),
		zThreshold: 3.0,
	}, nil
}

// Evaluate computes the z-score of the latest candle's volume against
// the trailing window and emits HOLD with high confidence (a caution
// flag, not a directional call) when it exceeds the threshold.
func (b *anomalyBot) Evaluate(ctx context.Context, snapshot domain.MarketSnapshot) (domain.Signal, error) {
	if len(snapshot.OHLCV) < 5 {
		sig := b.Signal(domain.ActionHold, 0.1, "insufficient history for anomaly detection", nil)
		b.RecordResult(nil)
		return sig, nil
	}

	candles := snapshot.OHLCV
	latest, _ := candles[len(candles)-1].Volume.Float64()

	var sum float64
	history := candles[:len(candles)-1]
	for _, c := range history {
		v, _ := c.Volume.Float64()
		sum += v
	}
	mean := sum / float64(len(history))

	var variance float64
	for _, c := range history {
		v, _ := c.Volume.Float64()
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(history))
	stddev := math.Sqrt(variance)

	z := 0.0
	if stddev > 0 {
		z = (latest - mean) / stddev
	}

	action := domain.ActionHold
	confidence := 0.2
	reason := "volume within normal range"
	if math.Abs(z) >= b.zThreshold {
		confidence = 0.8
		reason = fmt.Sprintf("volume anomaly detected (z=%.2f)", z)
	}

	sig := b.Signal(action, confidence, reason, map[string]any{"volume_zscore": z})
	b.RecordResult(nil)
	return sig, nil
}

func init() {
	registry.Record("anomaly_bot", newAnomalyBot)
}
