package bots

import (
	"context"
	"fmt"

	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/pkg/domain"
)

// rsiBot computes a Wilder RSI over the snapshot's candle closes and
// votes mean-reversion: oversold buys, overbought sells. Thresholds are
// the conventional 30/70.
type rsiBot struct {
	bot.BaseBot
	period     int
	oversold   float64
	overbought float64
}

func newRSIBot() (bot.Bot, error) {
	return &rsiBot{
		BaseBot:    bot.NewBaseBot("rsi_bot", domain.CategoryIndicator, bot.Deps.Logger, bot.Deps.Adapter, 3),
		period:     14,
		oversold:   30,
		overbought: 70,
	}, nil
}

// Evaluate needs period+1 closes; with less history it abstains.
// Confidence scales with how far past the threshold RSI sits.
func (b *rsiBot) Evaluate(ctx context.Context, snapshot domain.MarketSnapshot) (domain.Signal, error) {
	if len(snapshot.OHLCV) < b.period+1 {
		sig := b.Signal(domain.ActionHold, 0.1, "insufficient history for RSI", nil)
		b.RecordResult(nil)
		return sig, nil
	}

	rsi := computeRSI(snapshot.OHLCV, b.period)

	action := domain.ActionHold
	confidence := 0.2
	reason := fmt.Sprintf("RSI(%d) %.1f neutral", b.period, rsi)
	switch {
	case rsi <= b.oversold:
		action = domain.ActionBuy
		confidence = 0.5 + 0.5*(b.oversold-rsi)/b.oversold
		reason = fmt.Sprintf("RSI(%d) %.1f oversold", b.period, rsi)
	case rsi >= b.overbought:
		action = domain.ActionSell
		confidence = 0.5 + 0.5*(rsi-b.overbought)/(100-b.overbought)
		reason = fmt.Sprintf("RSI(%d) %.1f overbought", b.period, rsi)
	}
	if confidence > 1 {
		confidence = 1
	}

	sig := b.Signal(action, confidence, reason, map[string]any{"rsi": rsi, "period": b.period})
	b.RecordResult(nil)
	return sig, nil
}

// computeRSI runs Wilder's smoothing over the last len(candles) closes:
// seed averages over the first period, then exponential carry for the
// remainder.
func computeRSI(candles []domain.OHLCV, period int) float64 {
	var gains, losses float64
	for i := 1; i <= period; i++ {
		prev, _ := candles[i-1].Close.Float64()
		curr, _ := candles[i].Close.Float64()
		delta := curr - prev
		if delta > 0 {
			gains += delta
		} else {
			losses += -delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(candles); i++ {
		prev, _ := candles[i-1].Close.Float64()
		curr, _ := candles[i].Close.Float64()
		delta := curr - prev
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func init() {
	registry.Record("rsi_bot", newRSIBot)
}
