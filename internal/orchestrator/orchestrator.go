// Package orchestrator implements the Decision Orchestrator: it
// converts one cycle's per-bot signals into a single Decision per
// symbol via weighted category aggregation, conflict gating, and a
// RISK-category veto.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/internal/events"
	"github.com/atlas-sentinel/engine/internal/intelligence"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/internal/workers"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config tunes the aggregation thresholds; DefaultConfig carries the
// stated weights and gates.
type Config struct {
	Threshold       float64
	DissentGate     float64
	CategoryWeights map[domain.Category]float64
	PerBotTimeout   time.Duration
	ErrorIsolationN int // not read by the Orchestrator; each bot's isolation threshold is set by bot.NewBaseBot
}

// DefaultConfig returns the canonical category weights and gates.
func DefaultConfig() Config {
	return Config{
		Threshold:   0.15,
		DissentGate: 0.4,
		CategoryWeights: map[domain.Category]float64{
			domain.CategoryAIML:       0.25,
			domain.CategoryStrategy:   0.20,
			domain.CategoryIndicator:  0.15,
			domain.CategoryRisk:       0.20,
			domain.CategoryProtection: 0.15,
			domain.CategoryGeneral:    0.05,
		},
		PerBotTimeout:   3 * time.Second,
		ErrorIsolationN: 3,
	}
}

// Orchestrator aggregates bot signals into decisions.
type Orchestrator struct {
	logger   *zap.Logger
	cfg      Config
	registry *registry.Registry
	bus      *events.EventBus
	pool     *workers.Pool
	hub      *intelligence.Hub
}

// New builds an Orchestrator over a populated Registry. hub may be nil,
// in which case Decide skips the intelligence-gathering step entirely.
func New(logger *zap.Logger, cfg Config, reg *registry.Registry, bus *events.EventBus, pool *workers.Pool, hub *intelligence.Hub) *Orchestrator {
	return &Orchestrator{
		logger:   logger.Named("orchestrator"),
		cfg:      cfg,
		registry: reg,
		bus:      bus,
		pool:     pool,
		hub:      hub,
	}
}

// botResult pairs a signal with the bot that produced it, or an error.
type botResult struct {
	signal  domain.Signal
	err     error
	stale   bool
	botName string
}

// Decide gathers signals from every active bot for one MarketSnapshot
// and aggregates them into a Decision via weighted category voting.
func (o *Orchestrator) Decide(ctx context.Context, snapshot domain.MarketSnapshot, hasOpenPosition bool) domain.Decision {
	var intelSources []string
	if o.hub != nil {
		bundle := o.hub.Gather(ctx, snapshot)
		intelSources = bundle.SourcesConsulted
		if bundle.TimedOut {
			o.logger.Warn("intelligence gather timed out", zap.String("symbol", snapshot.Symbol), zap.Strings("warnings", bundle.Warnings))
		}
	}

	results := o.gather(ctx, snapshot)

	buckets := make(map[domain.Category][]botResult)
	for _, r := range results {
		if r.err != nil || r.stale {
			continue
		}
		buckets[r.signal.Category] = append(buckets[r.signal.Category], r)
	}

	var aggregate float64
	var buyWeight, sellWeight float64
	weightsApplied := make(map[domain.Category]float64)

	for category, bucket := range buckets {
		weight := o.cfg.CategoryWeights[category]
		if weight == 0 || len(bucket) == 0 {
			continue
		}
		var sum float64
		for _, r := range bucket {
			sum += r.signal.Confidence * directionSign(r.signal.Action)
		}
		bucketScore := sum / float64(len(bucket))
		aggregate += weight * bucketScore
		weightsApplied[category] = weight

		contribution := weight * bucketScore
		if contribution > 0 {
			buyWeight += contribution
		} else if contribution < 0 {
			sellWeight += -contribution
		}
	}
	if aggregate > 1 {
		aggregate = 1
	}
	if aggregate < -1 {
		aggregate = -1
	}

	finalAction := finalActionFor(aggregate, o.cfg.Threshold)
	confidence := aggregate
	if confidence < 0 {
		confidence = -confidence
	}

	dissentRatio := 0.0
	if total := buyWeight + sellWeight; total > 0 {
		dissentRatio = minFloat(buyWeight, sellWeight) / total
	}
	if dissentRatio > o.cfg.DissentGate {
		finalAction = domain.ActionHold
	}

	if vetoAction, vetoConfidence, vetoed := applyRiskVeto(buckets[domain.CategoryRisk], hasOpenPosition); vetoed {
		finalAction = vetoAction
		confidence = vetoConfidence
	}

	decision := domain.Decision{
		Symbol:              snapshot.Symbol,
		FinalAction:         finalAction,
		Confidence:          confidence,
		ContributingSignals: len(results),
		DissentRatio:        dissentRatio,
		WeightsApplied:      weightsApplied,
		IntelligenceSources: intelSources,
		Timestamp:           time.Now(),
	}

	if o.bus != nil {
		o.bus.Publish(events.NewDecisionEmittedEvent(decision.Symbol, string(decision.FinalAction), decimal.NewFromFloat(decision.Confidence), decision.ContributingSignals))
	}
	return decision
}

// gather fans out Evaluate calls to every active bot on the worker
// pool, enforcing a per-bot timeout and recording stale/errored tallies.
func (o *Orchestrator) gather(ctx context.Context, snapshot domain.MarketSnapshot) []botResult {
	active := o.registry.AllActive()
	results := make([]botResult, len(active))

	var wg sync.WaitGroup
	for i, b := range active {
		i, b := i, b
		wg.Add(1)
		submit := func() error {
			defer wg.Done()
			results[i] = o.evaluateOne(ctx, b, snapshot)
			return nil
		}
		if o.pool != nil {
			if err := o.pool.SubmitFunc(submit); err != nil {
				// pool saturated or stopped; run inline rather than drop the bot.
				submit()
			}
		} else {
			go func() { submit() }()
		}
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) evaluateOne(ctx context.Context, b bot.Bot, snapshot domain.MarketSnapshot) botResult {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.PerBotTimeout)
	defer cancel()

	type out struct {
		sig domain.Signal
		err error
	}
	done := make(chan out, 1)
	go func() {
		sig, err := b.Evaluate(callCtx, snapshot)
		done <- out{sig, err}
	}()

	select {
	case <-callCtx.Done():
		return botResult{botName: b.Name(), stale: true}
	case res := <-done:
		if res.err != nil {
			return botResult{botName: b.Name(), err: res.err}
		}
		return botResult{botName: b.Name(), signal: res.sig}
	}
}

func directionSign(action domain.Action) float64 {
	switch action {
	case domain.ActionBuy:
		return 1
	case domain.ActionSell:
		return -1
	default:
		return 0
	}
}

// finalActionFor maps the aggregate onto an action; an exact hit on
// |aggregate| == threshold prefers HOLD.
func finalActionFor(aggregate, threshold float64) domain.Action {
	if aggregate == threshold || aggregate == -threshold {
		return domain.ActionHold
	}
	switch {
	case aggregate >= threshold:
		return domain.ActionBuy
	case aggregate <= -threshold:
		return domain.ActionSell
	default:
		return domain.ActionHold
	}
}

// applyRiskVeto: any RISK signal selling with confidence >= 0.9 forces
// SELL (or HOLD absent a position to close), carrying the vetoing
// signal's own confidence over the aggregate's. Conflicting vetoes
// resolve to the higher-confidence one; ties hold.
func applyRiskVeto(riskBucket []botResult, hasOpenPosition bool) (domain.Action, float64, bool) {
	var vetoes []botResult
	for _, r := range riskBucket {
		if r.signal.Action == domain.ActionSell && r.signal.Confidence >= 0.9 {
			vetoes = append(vetoes, r)
		}
	}
	if len(vetoes) == 0 {
		return domain.ActionHold, 0, false
	}

	best := vetoes[0]
	tie := false
	for _, r := range vetoes[1:] {
		if r.signal.Confidence > best.signal.Confidence {
			best = r
			tie = false
		} else if r.signal.Confidence == best.signal.Confidence {
			tie = true
		}
	}
	if tie {
		return domain.ActionHold, best.signal.Confidence, true
	}
	if !hasOpenPosition {
		return domain.ActionHold, best.signal.Confidence, true
	}
	return domain.ActionSell, best.signal.Confidence, true
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
