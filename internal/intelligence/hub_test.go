package intelligence_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/internal/intelligence"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"go.uber.org/zap"
)

// canned implements bot.Bot with a fixed signal and an optional delay,
// for driving the Hub's fan-out and timeout behavior deterministically.
type canned struct {
	name     string
	category domain.Category
	signal   domain.Signal
	delay    time.Duration
}

func (c *canned) Name() string             { return c.name }
func (c *canned) Category() domain.Category { return c.category }
func (c *canned) Evaluate(ctx context.Context, _ domain.MarketSnapshot) (domain.Signal, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return domain.Signal{}, ctx.Err()
		}
	}
	return c.signal, nil
}

func init() {
	registry.Record("hub_test_fast_aiml", func() (bot.Bot, error) {
		return &canned{
			name:     "hub_test_fast_aiml",
			category: domain.CategoryAIML,
			signal:   domain.Signal{Indicators: map[string]any{"score": 0.8}},
		}, nil
	})
	registry.Record("hub_test_fast_indicator", func() (bot.Bot, error) {
		return &canned{
			name:     "hub_test_fast_indicator",
			category: domain.CategoryIndicator,
			signal:   domain.Signal{Indicators: map[string]any{"rsi": 42.0}},
		}, nil
	})
	registry.Record("hub_test_slow_aiml", func() (bot.Bot, error) {
		return &canned{
			name:     "hub_test_slow_aiml",
			category: domain.CategoryAIML,
			delay:    200 * time.Millisecond,
		}, nil
	})
	// STRATEGY is neither AI_ML nor INDICATOR, so the Hub must not consult it.
	registry.Record("hub_test_strategy", func() (bot.Bot, error) {
		return &canned{name: "hub_test_strategy", category: domain.CategoryStrategy}, nil
	})
}

func TestGatherCollectsAIMLAndIndicatorFeatures(t *testing.T) {
	reg := registry.New(zap.NewNop())
	hub := intelligence.New(zap.NewNop(), reg, time.Second)

	bundle := hub.Gather(context.Background(), domain.MarketSnapshot{Symbol: "BTC/USDT"})

	if bundle.TimedOut {
		t.Fatal("did not expect a timeout")
	}
	if _, ok := bundle.Features["hub_test_fast_aiml.score"]; !ok {
		t.Error("expected the AI_ML bot's feature to be present")
	}
	if _, ok := bundle.Features["hub_test_fast_indicator.rsi"]; !ok {
		t.Error("expected the INDICATOR bot's feature to be present")
	}
	for _, source := range bundle.SourcesConsulted {
		if source == "hub_test_strategy" {
			t.Error("expected a STRATEGY-category bot to be excluded from the Hub's fan-out")
		}
	}
}

func TestGatherTimesOutOnSlowBot(t *testing.T) {
	reg := registry.New(zap.NewNop())
	hub := intelligence.New(zap.NewNop(), reg, 30*time.Millisecond)

	bundle := hub.Gather(context.Background(), domain.MarketSnapshot{Symbol: "BTC/USDT"})

	if !bundle.TimedOut {
		t.Error("expected the Hub to report TimedOut once a bot exceeds the budget")
	}
	if len(bundle.Warnings) == 0 {
		t.Error("expected a warning recorded for the timeout")
	}
}
