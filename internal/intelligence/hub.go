// Package intelligence implements the Market Intelligence Hub: it fans
// a MarketSnapshot out to ML/indicator bots and assembles an opaque
// feature bundle the Orchestrator can attach to its decision inputs.
package intelligence

import (
	"context"
	"time"

	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"go.uber.org/zap"
)

// Bundle is the Hub's per-cycle output.
type Bundle struct {
	SourcesConsulted []string
	Features         map[string]any
	Warnings         []string
	TimedOut         bool
}

// Hub gathers AI_ML and INDICATOR category signals as feature inputs,
// separate from the Orchestrator's full aggregation. Its only caller is
// the Orchestrator, which logs the warnings when the gather times out
// and copies SourcesConsulted into the Decision; the status API does
// not read the bundle.
type Hub struct {
	logger   *zap.Logger
	registry *registry.Registry
	budget   time.Duration
}

// New builds a Hub with the given per-cycle time budget.
func New(logger *zap.Logger, reg *registry.Registry, budget time.Duration) *Hub {
	if budget <= 0 {
		budget = 2 * time.Second
	}
	return &Hub{logger: logger.Named("intelligence"), registry: reg, budget: budget}
}

// Gather is idempotent within a cycle: calling it twice for the same
// snapshot produces the same bundle shape (feature values may differ
// only if the underlying bots are themselves non-deterministic).
func (h *Hub) Gather(ctx context.Context, snapshot domain.MarketSnapshot) Bundle {
	budgetCtx, cancel := context.WithTimeout(ctx, h.budget)
	defer cancel()

	sources := append(h.registry.ByCategory(domain.CategoryAIML), h.registry.ByCategory(domain.CategoryIndicator)...)

	bundle := Bundle{Features: make(map[string]any)}
	type result struct {
		name string
		sig  domain.Signal
		err  error
	}
	done := make(chan result, len(sources))

	for _, b := range sources {
		b := b
		go func() {
			sig, err := b.Evaluate(budgetCtx, snapshot)
			done <- result{name: b.Name(), sig: sig, err: err}
		}()
	}

	collected := 0
	for collected < len(sources) {
		select {
		case <-budgetCtx.Done():
			bundle.TimedOut = true
			bundle.Warnings = append(bundle.Warnings, "intelligence gather exceeded budget")
			return bundle
		case r := <-done:
			collected++
			if r.err != nil {
				bundle.Warnings = append(bundle.Warnings, r.name+": "+r.err.Error())
				continue
			}
			bundle.SourcesConsulted = append(bundle.SourcesConsulted, r.name)
			for k, v := range r.sig.Indicators {
				bundle.Features[r.name+"."+k] = v
			}
		}
	}
	return bundle
}
