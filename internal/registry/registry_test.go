package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"go.uber.org/zap"
)

type stubBot struct {
	name     string
	category domain.Category
	health   domain.BotHealth
}

func (s *stubBot) Name() string              { return s.name }
func (s *stubBot) Category() domain.Category { return s.category }
func (s *stubBot) Evaluate(ctx context.Context, snapshot domain.MarketSnapshot) (domain.Signal, error) {
	return domain.Signal{BotName: s.name, Category: s.category, Action: domain.ActionHold}, nil
}
func (s *stubBot) Health() domain.BotHealth { return s.health }

func init() {
	Record("reg_test_alpha", func() (bot.Bot, error) {
		return &stubBot{name: "reg_test_alpha", category: domain.CategoryStrategy, health: domain.BotHealthy}, nil
	})
	Record("reg_test_beta", func() (bot.Bot, error) {
		return &stubBot{name: "reg_test_beta", category: domain.CategoryRisk, health: domain.BotDegraded}, nil
	})
	Record("reg_test_broken", func() (bot.Bot, error) {
		return nil, errors.New("deliberately unconstructable")
	})
	Record("reg_test_isolated", func() (bot.Bot, error) {
		return &stubBot{name: "reg_test_isolated", category: domain.CategoryRisk, health: domain.BotIsolated}, nil
	})
}

func TestNewSkipsFailingFactoriesWithoutAborting(t *testing.T) {
	r := New(zap.NewNop())

	if _, ok := r.Get("reg_test_alpha"); !ok {
		t.Error("expected reg_test_alpha to be constructed")
	}
	if _, ok := r.Get("reg_test_broken"); ok {
		t.Error("a factory that errors must not be registered as a live bot")
	}
}

func TestByCategoryReturnsOnlyThatCategory(t *testing.T) {
	r := New(zap.NewNop())

	risk := r.ByCategory(domain.CategoryRisk)
	for _, b := range risk {
		if b.Category() != domain.CategoryRisk {
			t.Errorf("ByCategory(RISK) returned %s bot %s", b.Category(), b.Name())
		}
	}

	found := false
	for _, b := range risk {
		if b.Name() == "reg_test_beta" {
			found = true
		}
	}
	if !found {
		t.Error("expected reg_test_beta in RISK bucket")
	}
}

func TestIsolatedBotsSitOutButStayVisible(t *testing.T) {
	r := New(zap.NewNop())

	for _, b := range r.AllActive() {
		if b.Name() == "reg_test_isolated" {
			t.Error("isolated bot must not be dispatched by AllActive")
		}
	}
	for _, b := range r.ByCategory(domain.CategoryRisk) {
		if b.Name() == "reg_test_isolated" {
			t.Error("isolated bot must not be dispatched by ByCategory")
		}
	}

	seen := false
	for _, status := range r.StatusSummary() {
		if status.Name == "reg_test_isolated" {
			seen = true
			if status.Health != domain.BotIsolated {
				t.Errorf("expected isolated health in summary, got %s", status.Health)
			}
		}
	}
	if !seen {
		t.Error("isolated bot must remain visible in StatusSummary")
	}
}

func TestDuplicateFactoryPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected duplicate Record to panic")
		}
	}()
	Record("reg_test_alpha", func() (bot.Bot, error) { return nil, nil })
}

func TestStatusSummaryUsesStatusReporter(t *testing.T) {
	r := New(zap.NewNop())

	var beta BotStatus
	var found bool
	for _, status := range r.StatusSummary() {
		if status.Name == "reg_test_beta" {
			beta, found = status, true
			break
		}
	}
	if !found {
		t.Fatal("reg_test_beta missing from status summary")
	}
	if beta.Health != domain.BotDegraded {
		t.Errorf("expected degraded health from StatusReporter, got %s", beta.Health)
	}
}
