// Package registry is the Bot Registry: a link-time table of Factory
// functions populated at init(). Discovery is resolved at compile time
// since Go has no analog to importing every file under a directory at
// startup.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"go.uber.org/zap"
)

var (
	factoriesMu sync.Mutex
	factories   = map[string]bot.Factory{}
)

// Record registers a Factory under name. Concrete bot packages call this
// from their own init() function; name collisions panic at startup,
// matching a misconfigured registry rather than silently shadowing one
// bot with another.
func Record(name string, f bot.Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("registry: duplicate bot factory %q", name))
	}
	factories[name] = f
}

// Registry holds the constructed, live set of bots for one process.
type Registry struct {
	mu     sync.RWMutex
	logger *zap.Logger
	bots   map[string]bot.Bot
}

// New constructs every registered Factory, logging and skipping any
// that fail instead of aborting startup — a bot that can't construct
// itself (e.g. missing optional config) is absent, not fatal.
func New(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger.Named("registry"), bots: make(map[string]bot.Bot)}

	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		b, err := factories[name]()
		if err != nil {
			r.logger.Warn("bot construction failed, skipping", zap.String("bot", name), zap.Error(err))
			continue
		}
		r.bots[name] = b
	}
	return r
}

// Get returns a bot by name.
func (r *Registry) Get(name string) (bot.Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[name]
	return b, ok
}

// ByCategory returns all active bots in a given category, name-sorted
// for deterministic iteration order in the orchestrator. Isolated bots
// are skipped, as in AllActive.
func (r *Registry) ByCategory(category domain.Category) []bot.Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []bot.Bot
	for _, b := range r.bots {
		if b.Category() != category {
			continue
		}
		if reporter, ok := b.(bot.StatusReporter); ok && reporter.Health() == domain.BotIsolated {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// AllActive returns every constructed bot that is not currently
// isolated, name-sorted. A bot reporting BotIsolated via the
// StatusReporter capability sits out cycles until its error window
// clears; it stays visible in StatusSummary.
func (r *Registry) AllActive() []bot.Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]bot.Bot, 0, len(r.bots))
	for _, b := range r.bots {
		if reporter, ok := b.(bot.StatusReporter); ok && reporter.Health() == domain.BotIsolated {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// BotStatus is one line of the status summary.
type BotStatus struct {
	Name     string
	Category domain.Category
	Health   domain.BotHealth
}

// StatusSummary reports health for every constructed bot, isolated ones
// included, using the
// StatusReporter capability when a bot implements it and defaulting to
// BotHealthy otherwise.
func (r *Registry) StatusSummary() []BotStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BotStatus, 0, len(r.bots))
	names := make([]string, 0, len(r.bots))
	for name := range r.bots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := r.bots[name]
		health := domain.BotHealthy
		if reporter, ok := b.(bot.StatusReporter); ok {
			health = reporter.Health()
		}
		out = append(out, BotStatus{Name: b.Name(), Category: b.Category(), Health: health})
	}
	return out
}
