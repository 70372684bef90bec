package psm_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-sentinel/engine/internal/psm"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func openTestManager(t *testing.T) *psm.Manager {
	t.Helper()
	mgr, err := psm.Open(zap.NewNop(), filepath.Join(t.TempDir(), "psm.db"))
	if err != nil {
		t.Fatalf("psm.Open: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestOpenPositionAssignsIDAndOpenStatus(t *testing.T) {
	mgr := openTestManager(t)

	pos, err := mgr.OpenPosition(domain.Position{
		Symbol:     "BTC/USDT",
		Side:       domain.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Amount:     decimal.NewFromFloat(0.1),
		Strategy:   "momentum",
	})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if pos.PositionID == "" {
		t.Error("expected a generated PositionID")
	}
	if pos.Status != domain.PositionOpen {
		t.Errorf("expected OPEN, got %s", pos.Status)
	}
}

func TestClosePositionComputesRealizedPnL(t *testing.T) {
	mgr := openTestManager(t)

	opened, err := mgr.OpenPosition(domain.Position{
		Symbol:     "BTC/USDT",
		Side:       domain.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Amount:     decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	closed, err := mgr.ClosePosition(opened.PositionID, decimal.NewFromInt(51000), "take profit", decimal.NewFromInt(25), time.Now())
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if closed.Status != domain.PositionClosed {
		t.Errorf("expected CLOSED, got %s", closed.Status)
	}
	if !closed.RealizedPnL.Equal(decimal.NewFromInt(975)) {
		t.Errorf("expected realized PnL 975 net of fees, got %s", closed.RealizedPnL)
	}
	if closed.CloseReason != "take profit" {
		t.Errorf("expected the close reason persisted, got %q", closed.CloseReason)
	}

	reread, err := mgr.GetPosition(opened.PositionID)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if reread.CloseReason != "take profit" || !reread.RealizedPnL.Equal(decimal.NewFromInt(975)) {
		t.Errorf("expected reason and net PnL durable across reads, got %q / %s", reread.CloseReason, reread.RealizedPnL)
	}
}

func TestClosePositionRejectsAlreadyClosed(t *testing.T) {
	mgr := openTestManager(t)

	opened, err := mgr.OpenPosition(domain.Position{
		Symbol:     "BTC/USDT",
		Side:       domain.SideLong,
		EntryPrice: decimal.NewFromInt(50000),
		Amount:     decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if _, err := mgr.ClosePosition(opened.PositionID, decimal.NewFromInt(51000), "take profit", decimal.Zero, time.Now()); err != nil {
		t.Fatalf("first ClosePosition: %v", err)
	}
	if _, err := mgr.ClosePosition(opened.PositionID, decimal.NewFromInt(52000), "duplicate close", decimal.Zero, time.Now()); err == nil {
		t.Error("expected closing an already-closed position to fail")
	}
}

func TestGetOpenPositionsFiltersBySymbol(t *testing.T) {
	mgr := openTestManager(t)

	if _, err := mgr.OpenPosition(domain.Position{Symbol: "BTC/USDT", Side: domain.SideLong, EntryPrice: decimal.NewFromInt(50000), Amount: decimal.NewFromInt(1)}); err != nil {
		t.Fatalf("OpenPosition BTC: %v", err)
	}
	if _, err := mgr.OpenPosition(domain.Position{Symbol: "ETH/USDT", Side: domain.SideLong, EntryPrice: decimal.NewFromInt(3000), Amount: decimal.NewFromInt(1)}); err != nil {
		t.Fatalf("OpenPosition ETH: %v", err)
	}

	open, err := mgr.GetOpenPositions("BTC/USDT")
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(open) != 1 || open[0].Symbol != "BTC/USDT" {
		t.Errorf("expected exactly one BTC/USDT open position, got %v", open)
	}
}

func TestReconcileReportsMissingFromExchange(t *testing.T) {
	mgr := openTestManager(t)

	pos, err := mgr.OpenPosition(domain.Position{Symbol: "BTC/USDT", Side: domain.SideLong, EntryPrice: decimal.NewFromInt(50000), Amount: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	missing, err := mgr.Reconcile(map[string]bool{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(missing) != 1 || missing[0] != pos.PositionID {
		t.Errorf("expected %q reported missing, got %v", pos.PositionID, missing)
	}

	missing, err = mgr.Reconcile(map[string]bool{pos.PositionID: true})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("expected no missing positions once the exchange reports it open, got %v", missing)
	}
}
