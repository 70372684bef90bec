package orchestrator

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"go.uber.org/zap"
)

// fixedSignalBot is a test double that always reports one canned signal,
// set up front by the test before the Registry constructs it.
type fixedSignalBot struct {
	bot.BaseBot
	signal domain.Signal
}

func (b *fixedSignalBot) Evaluate(ctx context.Context, snapshot domain.MarketSnapshot) (domain.Signal, error) {
	return b.signal, nil
}

var fixtureMu sync.Mutex
var fixtures = map[string]domain.Signal{}

func setFixture(name string, category domain.Category, action domain.Action, confidence float64) {
	fixtureMu.Lock()
	defer fixtureMu.Unlock()
	fixtures[name] = domain.Signal{
		BotName:    name,
		Category:   category,
		Action:     action,
		Confidence: confidence,
	}
}

func clearFixtures() {
	fixtureMu.Lock()
	defer fixtureMu.Unlock()
	fixtures = map[string]domain.Signal{}
}

func newFixedBot(name string) bot.Factory {
	return func() (bot.Bot, error) {
		fixtureMu.Lock()
		sig, ok := fixtures[name]
		fixtureMu.Unlock()
		if !ok {
			sig = domain.Signal{BotName: name, Action: domain.ActionHold}
		}
		return &fixedSignalBot{
			BaseBot: bot.NewBaseBot(name, sig.Category, zap.NewNop(), nil, 3),
			signal:  sig,
		}, nil
	}
}

func init() {
	for _, name := range []string{"test_aiml", "test_indicator", "test_strategy", "test_risk"} {
		registry.Record(name, newFixedBot(name))
	}
}

func buildRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(zap.NewNop())
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-3
}

// TestHappyPathDecision: three voting bots, no veto, aggregate 0.32,
// no dissent.
func TestHappyPathDecision(t *testing.T) {
	clearFixtures()
	setFixture("test_aiml", domain.CategoryAIML, domain.ActionBuy, 0.8)
	setFixture("test_indicator", domain.CategoryIndicator, domain.ActionHold, 0)
	setFixture("test_strategy", domain.CategoryStrategy, domain.ActionBuy, 0.6)

	reg := buildRegistry(t)
	orch := New(zap.NewNop(), DefaultConfig(), reg, nil, nil, nil)

	decision := orch.Decide(context.Background(), domain.MarketSnapshot{Symbol: "BTC/USDT"}, false)

	if decision.FinalAction != domain.ActionBuy {
		t.Errorf("expected BUY, got %s", decision.FinalAction)
	}
	if !approxEqual(decision.Confidence, 0.32) {
		t.Errorf("expected confidence ~0.32, got %v", decision.Confidence)
	}
	if !approxEqual(decision.DissentRatio, 0) {
		t.Errorf("expected dissent_ratio ~0, got %v", decision.DissentRatio)
	}
}

// TestRiskVetoForcesSellWithOpenPosition: adding a high-confidence
// RISK SELL forces the final action to SELL when a
// position is open, even though the raw aggregate alone would HOLD.
func TestRiskVetoForcesSellWithOpenPosition(t *testing.T) {
	clearFixtures()
	setFixture("test_aiml", domain.CategoryAIML, domain.ActionBuy, 0.8)
	setFixture("test_indicator", domain.CategoryIndicator, domain.ActionHold, 0)
	setFixture("test_strategy", domain.CategoryStrategy, domain.ActionBuy, 0.6)
	setFixture("test_risk", domain.CategoryRisk, domain.ActionSell, 0.95)

	reg := buildRegistry(t)
	orch := New(zap.NewNop(), DefaultConfig(), reg, nil, nil, nil)

	decision := orch.Decide(context.Background(), domain.MarketSnapshot{Symbol: "BTC/USDT"}, true)

	if decision.FinalAction != domain.ActionSell {
		t.Errorf("expected SELL (risk veto), got %s", decision.FinalAction)
	}
	if decision.Confidence < 0.9 {
		t.Errorf("expected the veto to carry its own confidence >= 0.9, got %v", decision.Confidence)
	}
}

// TestRiskVetoHoldsWithoutOpenPosition: the same veto with no position to
// close resolves to HOLD rather than opening a new short.
func TestRiskVetoHoldsWithoutOpenPosition(t *testing.T) {
	clearFixtures()
	setFixture("test_aiml", domain.CategoryAIML, domain.ActionBuy, 0.8)
	setFixture("test_indicator", domain.CategoryIndicator, domain.ActionHold, 0)
	setFixture("test_strategy", domain.CategoryStrategy, domain.ActionBuy, 0.6)
	setFixture("test_risk", domain.CategoryRisk, domain.ActionSell, 0.95)

	reg := buildRegistry(t)
	orch := New(zap.NewNop(), DefaultConfig(), reg, nil, nil, nil)

	decision := orch.Decide(context.Background(), domain.MarketSnapshot{Symbol: "BTC/USDT"}, false)

	if decision.FinalAction != domain.ActionHold {
		t.Errorf("expected HOLD (veto with no position), got %s", decision.FinalAction)
	}
}

// TestDissentGateForcesHold: two balanced,
// high-confidence opposing votes clear neither the aggregate threshold
// nor the dissent gate, so the final action is HOLD.
func TestDissentGateForcesHold(t *testing.T) {
	clearFixtures()
	setFixture("test_aiml", domain.CategoryAIML, domain.ActionBuy, 0.9)
	setFixture("test_strategy", domain.CategoryStrategy, domain.ActionSell, 0.9)

	reg := buildRegistry(t)
	orch := New(zap.NewNop(), DefaultConfig(), reg, nil, nil, nil)

	decision := orch.Decide(context.Background(), domain.MarketSnapshot{Symbol: "BTC/USDT"}, false)

	if decision.FinalAction != domain.ActionHold {
		t.Errorf("expected HOLD (dissent gate), got %s", decision.FinalAction)
	}
	if !approxEqual(decision.Confidence, 0.045) {
		t.Errorf("expected confidence ~0.045, got %v", decision.Confidence)
	}
	if !approxEqual(decision.DissentRatio, 0.444) {
		t.Errorf("expected dissent_ratio ~0.44, got %v", decision.DissentRatio)
	}
}

func TestFinalActionForExactTiePrefersHold(t *testing.T) {
	if got := finalActionFor(0.15, 0.15); got != domain.ActionHold {
		t.Errorf("exact-threshold tie should prefer HOLD, got %s", got)
	}
	if got := finalActionFor(-0.15, 0.15); got != domain.ActionHold {
		t.Errorf("exact-threshold tie (negative) should prefer HOLD, got %s", got)
	}
}

func TestApplyRiskVetoTieHolds(t *testing.T) {
	bucket := []botResult{
		{signal: domain.Signal{Action: domain.ActionSell, Confidence: 0.9}},
		{signal: domain.Signal{Action: domain.ActionSell, Confidence: 0.9}},
	}
	action, _, vetoed := applyRiskVeto(bucket, true)
	if !vetoed {
		t.Fatal("expected the veto to fire")
	}
	if action != domain.ActionHold {
		t.Errorf("conflicting equal-confidence vetoes should HOLD, got %s", action)
	}
}

