package bots

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/pkg/domain"
)

// monteCarloBot bootstraps candle-to-candle returns from the snapshot's
// OHLCV history into simulated forward paths and reads a tail-risk
// verdict off the distribution. It is the engine's VaR-style RISK voter:
// a severe enough left tail escalates to a veto-strength SELL.
type monteCarloBot struct {
	bot.BaseBot
	numSimulations int
	horizon        int
	varQuantile    float64
	warnVaR        float64 // VaR loss ratio that starts a cautionary SELL
	vetoVaR        float64 // VaR loss ratio that forces a veto-strength SELL
}

func newMonteCarloBot() (bot.Bot, error) {
	return &monteCarloBot{
		BaseBot:        bot.NewBaseBot("monte_carlo_bot", domain.CategoryRisk, bot.Deps.Logger, bot.Deps.Adapter, 3),
		numSimulations: 500,
		horizon:        10,
		varQuantile:    0.05,
		warnVaR:        0.08,
		vetoVaR:        0.15,
	}, nil
}

// Evaluate resamples historical returns with replacement into horizon-
// length paths and measures the 5% quantile of final path returns. The
// RNG is seeded from the snapshot so the same market view always yields
// the same verdict.
func (b *monteCarloBot) Evaluate(ctx context.Context, snapshot domain.MarketSnapshot) (domain.Signal, error) {
	returns := candleReturns(snapshot.OHLCV)
	if len(returns) < 5 {
		sig := b.Signal(domain.ActionHold, 0.1, "insufficient history for simulation", nil)
		b.RecordResult(nil)
		return sig, nil
	}

	rng := rand.New(rand.NewSource(snapshotSeed(snapshot)))
	finals := make([]float64, b.numSimulations)
	for i := range finals {
		equity := 1.0
		for step := 0; step < b.horizon; step++ {
			equity *= 1 + returns[rng.Intn(len(returns))]
		}
		finals[i] = equity - 1
	}
	sort.Float64s(finals)

	idx := int(float64(len(finals)) * b.varQuantile)
	if idx >= len(finals) {
		idx = len(finals) - 1
	}
	valueAtRisk := -finals[idx] // positive = loss at the 5% tail

	action := domain.ActionHold
	confidence := 0.3
	reason := fmt.Sprintf("simulated %d paths, VaR(5%%) %.2f%%", b.numSimulations, valueAtRisk*100)
	switch {
	case valueAtRisk >= b.vetoVaR:
		action = domain.ActionSell
		confidence = 0.95
		reason = fmt.Sprintf("tail risk critical: VaR(5%%) %.2f%% over %d candles", valueAtRisk*100, b.horizon)
	case valueAtRisk >= b.warnVaR:
		action = domain.ActionSell
		confidence = 0.6
		reason = fmt.Sprintf("tail risk elevated: VaR(5%%) %.2f%%", valueAtRisk*100)
	}

	sig := b.Signal(action, confidence, reason, map[string]any{
		"var_5pct":    valueAtRisk,
		"simulations": b.numSimulations,
		"horizon":     b.horizon,
	})
	b.RecordResult(nil)
	return sig, nil
}

// candleReturns converts close prices into simple per-candle returns.
func candleReturns(candles []domain.OHLCV) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev, _ := candles[i-1].Close.Float64()
		curr, _ := candles[i].Close.Float64()
		if prev <= 0 {
			continue
		}
		out = append(out, curr/prev-1)
	}
	return out
}

// snapshotSeed derives a stable RNG seed from the snapshot's identity
// so repeated evaluations of one snapshot agree.
func snapshotSeed(snapshot domain.MarketSnapshot) int64 {
	seed := snapshot.FetchedAt.UnixNano()
	for _, c := range snapshot.Symbol {
		seed = seed*31 + int64(c)
	}
	last, _ := snapshot.LastPrice.Float64()
	if !math.IsNaN(last) {
		seed += int64(last * 1e6)
	}
	return seed
}

func init() {
	registry.Record("monte_carlo_bot", newMonteCarloBot)
}
