package bots

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func init() {
	bot.Deps.Logger = zap.NewNop()
}

// candleSeries builds OHLCV rows from close prices with a flat volume,
// one hour apart, newest last.
func candleSeries(closes []float64, volume float64) []domain.OHLCV {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.OHLCV, len(closes))
	for i, c := range closes {
		out[i] = domain.OHLCV{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(c),
			High:      decimal.NewFromFloat(c * 1.01),
			Low:       decimal.NewFromFloat(c * 0.99),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromFloat(volume),
		}
	}
	return out
}

func snapshotWith(change24h float64, candles []domain.OHLCV) domain.MarketSnapshot {
	last := 100.0
	if len(candles) > 0 {
		last, _ = candles[len(candles)-1].Close.Float64()
	}
	return domain.MarketSnapshot{
		Symbol:    "BTC/USDT",
		LastPrice: decimal.NewFromFloat(last),
		Bid:       decimal.NewFromFloat(last * 0.999),
		Ask:       decimal.NewFromFloat(last * 1.001),
		Volume24h: decimal.NewFromInt(5_000_000),
		Change24h: decimal.NewFromFloat(change24h),
		OHLCV:     candles,
		FetchedAt: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestRegimeBotClassifiesTrends(t *testing.T) {
	b, err := newRegimeBot()
	if err != nil {
		t.Fatalf("newRegimeBot: %v", err)
	}

	cases := []struct {
		change float64
		action domain.Action
	}{
		{0.10, domain.ActionBuy},   // bullish
		{-0.10, domain.ActionSell}, // bearish
		{-0.20, domain.ActionHold}, // crisis: stand aside
		{0.01, domain.ActionHold},  // ranging
	}
	for _, tc := range cases {
		sig, err := b.Evaluate(context.Background(), snapshotWith(tc.change, nil))
		if err != nil {
			t.Fatalf("Evaluate(change=%v): %v", tc.change, err)
		}
		if sig.Action != tc.action {
			t.Errorf("change %v: expected %s, got %s (%s)", tc.change, tc.action, sig.Action, sig.Reason)
		}
	}
}

func TestAnomalyBotFlagsVolumeSpike(t *testing.T) {
	b, err := newAnomalyBot()
	if err != nil {
		t.Fatalf("newAnomalyBot: %v", err)
	}

	candles := candleSeries([]float64{100, 101, 100, 102, 101, 100, 101}, 1000)
	for i := range candles[:len(candles)-1] {
		candles[i].Volume = decimal.NewFromFloat(1000 + float64(i%3)*50)
	}
	candles[len(candles)-1].Volume = decimal.NewFromFloat(50_000) // spike

	sig, err := b.Evaluate(context.Background(), snapshotWith(0, candles))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Action != domain.ActionHold {
		t.Errorf("anomaly bot must flag, not direct: got %s", sig.Action)
	}
	if sig.Confidence < 0.8 {
		t.Errorf("expected high confidence on spike, got %v (%s)", sig.Confidence, sig.Reason)
	}
}

func TestRSIBotMeanReverts(t *testing.T) {
	b, err := newRSIBot()
	if err != nil {
		t.Fatalf("newRSIBot: %v", err)
	}

	rising := make([]float64, 20)
	falling := make([]float64, 20)
	for i := range rising {
		rising[i] = 100 + float64(i)
		falling[i] = 120 - float64(i)
	}

	sig, err := b.Evaluate(context.Background(), snapshotWith(0, candleSeries(rising, 1000)))
	if err != nil {
		t.Fatalf("Evaluate(rising): %v", err)
	}
	if sig.Action != domain.ActionSell {
		t.Errorf("monotonic rise should read overbought SELL, got %s (%s)", sig.Action, sig.Reason)
	}

	sig, err = b.Evaluate(context.Background(), snapshotWith(0, candleSeries(falling, 1000)))
	if err != nil {
		t.Fatalf("Evaluate(falling): %v", err)
	}
	if sig.Action != domain.ActionBuy {
		t.Errorf("monotonic fall should read oversold BUY, got %s (%s)", sig.Action, sig.Reason)
	}
}

func TestRSIBotAbstainsOnShortHistory(t *testing.T) {
	b, _ := newRSIBot()
	sig, err := b.Evaluate(context.Background(), snapshotWith(0, candleSeries([]float64{100, 101}, 1000)))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Action != domain.ActionHold {
		t.Errorf("expected HOLD with insufficient history, got %s", sig.Action)
	}
}

func TestMonteCarloBotVetoesOnSevereTail(t *testing.T) {
	b, err := newMonteCarloBot()
	if err != nil {
		t.Fatalf("newMonteCarloBot: %v", err)
	}

	// Steady 5% drops: every bootstrapped path compounds heavy losses.
	crashing := make([]float64, 15)
	price := 100.0
	for i := range crashing {
		crashing[i] = price
		price *= 0.95
	}

	sig, err := b.Evaluate(context.Background(), snapshotWith(-0.3, candleSeries(crashing, 1000)))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Action != domain.ActionSell {
		t.Fatalf("expected SELL on severe tail risk, got %s (%s)", sig.Action, sig.Reason)
	}
	if sig.Confidence < 0.9 {
		t.Errorf("expected veto-strength confidence, got %v", sig.Confidence)
	}
}

func TestMonteCarloBotIsDeterministicPerSnapshot(t *testing.T) {
	b, _ := newMonteCarloBot()
	snap := snapshotWith(0, candleSeries([]float64{100, 99, 101, 100, 102, 98, 100, 101}, 1000))

	first, err := b.Evaluate(context.Background(), snap)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	second, err := b.Evaluate(context.Background(), snap)
	if err != nil {
		t.Fatalf("Evaluate (repeat): %v", err)
	}
	if first.Action != second.Action || first.Indicators["var_5pct"] != second.Indicators["var_5pct"] {
		t.Error("same snapshot must yield the same simulated verdict")
	}
}

func TestWhaleMonitorAccumulatesFlowAcrossUpdates(t *testing.T) {
	raw, err := newWhaleMonitorBot()
	if err != nil {
		t.Fatalf("newWhaleMonitorBot: %v", err)
	}
	b := raw.(*whaleMonitorBot)

	candles := candleSeries([]float64{100, 100, 100, 100, 101}, 1000)
	// Whale-sized bullish candle: 10x the trailing mean volume, closing up.
	last := len(candles) - 1
	candles[last].Open = decimal.NewFromFloat(100)
	candles[last].Close = decimal.NewFromFloat(101)
	candles[last].Volume = decimal.NewFromFloat(10_000)

	snap := snapshotWith(0, candles)
	for i := 0; i < 3; i++ {
		if err := b.Update(context.Background(), snap); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	sig, err := b.Evaluate(context.Background(), snap)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Action != domain.ActionBuy {
		t.Errorf("accumulated bullish whale flow should lean BUY, got %s (%s)", sig.Action, sig.Reason)
	}
}

func TestWhaleMonitorAbstainsWithoutFlow(t *testing.T) {
	raw, _ := newWhaleMonitorBot()
	b := raw.(*whaleMonitorBot)

	snap := snapshotWith(0, candleSeries([]float64{100, 100, 100, 100}, 1000))
	if err := b.Update(context.Background(), snap); err != nil {
		t.Fatalf("Update: %v", err)
	}
	sig, err := b.Evaluate(context.Background(), snap)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sig.Action != domain.ActionHold {
		t.Errorf("quiet book should HOLD, got %s", sig.Action)
	}
}
