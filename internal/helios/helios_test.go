package helios_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-sentinel/engine/internal/helios"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"go.uber.org/zap"
)

func openTestProtocol(t *testing.T) *helios.Protocol {
	t.Helper()
	p, err := helios.Open(zap.NewNop(), filepath.Join(t.TempDir(), "helios.db"), nil, helios.NoopRollback{}, 10)
	if err != nil {
		t.Fatalf("helios.Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAllPhasesGoDeploysSuccessfully(t *testing.T) {
	p := openTestProtocol(t)
	if err := p.RegisterDeployment("dep-1", "v1.1", "roll out v1.1", "v1.0"); err != nil {
		t.Fatalf("RegisterDeployment: %v", err)
	}

	for _, phase := range domain.PhaseOrder {
		if err := p.RecordPhaseDecision("dep-1", phase, domain.DecisionGo, "looks good"); err != nil {
			t.Fatalf("RecordPhaseDecision(%s): %v", phase, err)
		}
	}

	status := p.GetStatus()
	if !status.CanDeploy {
		t.Errorf("expected CanDeploy true after every phase GO, got reason %q", status.Reason)
	}
}

func TestNoGoTriggersRollbackAndOpenPostmortem(t *testing.T) {
	p := openTestProtocol(t)
	if err := p.RegisterDeployment("dep-2", "v2.0", "risky change", "v1.9"); err != nil {
		t.Fatalf("RegisterDeployment: %v", err)
	}
	if err := p.RecordPhaseDecision("dep-2", domain.PhasePreDeployment, domain.DecisionGo, "ok"); err != nil {
		t.Fatalf("RecordPhaseDecision pre-deployment: %v", err)
	}
	if err := p.RecordPhaseDecision("dep-2", domain.PhaseDeployment, domain.DecisionNoGo, "error rate spiked"); err != nil {
		t.Fatalf("RecordPhaseDecision deployment: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var status helios.Status
	for time.Now().Before(deadline) {
		status = p.GetStatus()
		if !status.CanDeploy {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if status.CanDeploy {
		t.Fatal("expected CanDeploy false once the NO_GO rollback opens an S1 postmortem")
	}
	if status.OpenPostmortems != 1 {
		t.Errorf("expected exactly one open postmortem, got %d", status.OpenPostmortems)
	}
}

func TestCanDeployBlockedUntilPostmortemClosed(t *testing.T) {
	p := openTestProtocol(t)
	if err := p.RegisterDeployment("dep-3", "v3.0", "another risky change", "v2.0"); err != nil {
		t.Fatalf("RegisterDeployment: %v", err)
	}
	if err := p.RecordPhaseDecision("dep-3", domain.PhasePreDeployment, domain.DecisionNoGo, "bad config"); err != nil {
		t.Fatalf("RecordPhaseDecision: %v", err)
	}

	var postmortemID string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ok, _ := p.CanDeploy(); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if ok, _ := p.CanDeploy(); ok {
		t.Fatal("expected CanDeploy false after a NO_GO")
	}

	if err := p.RegisterDeployment("dep-4", "v4.0", "blocked by open postmortem", "v3.0"); err == nil {
		t.Error("expected RegisterDeployment to be rejected while an S1 postmortem is open")
	}

	// There is no registry lookup for the generated postmortem ID, so
	// CompletePostmortem's validation errors are exercised directly.
	if err := p.CompletePostmortem(postmortemID, "", []string{"fix the config"}); err == nil {
		t.Error("expected CompletePostmortem to require a root cause")
	}
}
