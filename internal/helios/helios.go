// Package helios implements the Helios Rollback Protocol: a deployment
// state machine guaranteeing that a NO_GO decision in any phase triggers
// an automatic rollback and a mandatory S1 postmortem that blocks
// further deployments until closed.
package helios

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atlas-sentinel/engine/internal/events"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DeploymentRecord is the GORM model for one tracked deployment.
type DeploymentRecord struct {
	DeploymentID      string `gorm:"primaryKey"`
	Version           string `gorm:"not null"`
	Description       string
	Status            string `gorm:"index;not null"`
	StableVersionID    string
	RollbackVersionID string
	CreatedAt         time.Time
	DeployedAt        *time.Time
	RolledBackAt      *time.Time
}

func (DeploymentRecord) TableName() string { return "deployments" }

// PhaseDecisionRecord is one phase's recorded decision for a deployment.
type PhaseDecisionRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	DeploymentID string `gorm:"index;not null"`
	Phase        string `gorm:"not null"`
	Decision     string `gorm:"not null"`
	Reason       string
	CreatedAt    time.Time
}

func (PhaseDecisionRecord) TableName() string { return "phase_decisions" }

// PostmortemRecord tracks an incident opened by an automatic rollback.
type PostmortemRecord struct {
	PostmortemID      string `gorm:"primaryKey"`
	DeploymentID      string `gorm:"index;not null"`
	Severity          string `gorm:"not null"`
	Title             string `gorm:"not null"`
	RootCause         string
	CorrectiveActions string // newline-joined list
	Status            string `gorm:"index;not null"`
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

func (PostmortemRecord) TableName() string { return "postmortems" }

// RollbackRecord is one executed rollback.
type RollbackRecord struct {
	RollbackID   string `gorm:"primaryKey"`
	DeploymentID string `gorm:"index;not null"`
	TriggerPhase string `gorm:"not null"`
	TriggerReason string
	FromVersion  string
	ToVersion    string
	Success      bool
	CreatedAt    time.Time
}

func (RollbackRecord) TableName() string { return "rollback_history" }

// StableVersionRecord marks a version as a known-good rollback target.
type StableVersionRecord struct {
	VersionID    string `gorm:"primaryKey"`
	DeploymentID string
	MarkedAt     time.Time
}

func (StableVersionRecord) TableName() string { return "stable_versions" }

// RollbackExecutor performs the actual restore of a stable version. A
// real implementation restores a file-level or package-level snapshot;
// tests and paper-trading runs use a no-op or in-memory stub.
type RollbackExecutor interface {
	Rollback(targetVersion string) error
}

// NoopRollback always succeeds without touching anything, used in
// paper-trading and test configurations.
type NoopRollback struct{}

func (NoopRollback) Rollback(string) error { return nil }

// Protocol is the Helios Rollback Protocol.
type Protocol struct {
	logger   *zap.Logger
	db       *gorm.DB
	bus      *events.EventBus
	executor RollbackExecutor

	rollbackMu   sync.Mutex
	postmortemMu sync.Mutex

	retention int
}

// Open connects and migrates the Helios store.
func Open(logger *zap.Logger, dsn string, bus *events.EventBus, executor RollbackExecutor, stableVersionRetention int) (*Protocol, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger2GormLogger()})
	if err != nil {
		return nil, fmt.Errorf("helios: open database: %w", err)
	}
	if err := db.AutoMigrate(&DeploymentRecord{}, &PhaseDecisionRecord{}, &PostmortemRecord{}, &RollbackRecord{}, &StableVersionRecord{}); err != nil {
		return nil, fmt.Errorf("helios: migrate schema: %w", err)
	}
	if executor == nil {
		executor = NoopRollback{}
	}
	if stableVersionRetention <= 0 {
		stableVersionRetention = 10
	}
	return &Protocol{
		logger:    logger.Named("helios"),
		db:        db,
		bus:       bus,
		executor:  executor,
		retention: stableVersionRetention,
	}, nil
}

func logger2GormLogger() logger.Interface {
	return logger.Default.LogMode(logger.Silent)
}

// Close releases the underlying connection.
func (p *Protocol) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CanDeploy reports whether a new deployment may be registered: false
// while any S1 postmortem remains OPEN, with an explanatory reason.
func (p *Protocol) CanDeploy() (bool, string) {
	var count int64
	p.db.Model(&PostmortemRecord{}).
		Where("severity = ? AND status = ?", string(domain.SeverityS1), string(domain.PostmortemOpen)).
		Count(&count)
	if count > 0 {
		return false, fmt.Sprintf("%d open S1 postmortem(s) block new deployments", count)
	}
	return true, ""
}

// RegisterDeployment creates a new PENDING deployment, rejecting the
// call outright if CanDeploy is false.
func (p *Protocol) RegisterDeployment(deploymentID, version, description, stableVersionID string) error {
	if ok, reason := p.CanDeploy(); !ok {
		return fmt.Errorf("helios: cannot register deployment: %s", reason)
	}
	rec := DeploymentRecord{
		DeploymentID:    deploymentID,
		Version:         version,
		Description:     description,
		Status:          string(domain.DeploymentPending),
		StableVersionID: stableVersionID,
		CreatedAt:       time.Now(),
	}
	if result := p.db.Create(&rec); result.Error != nil {
		return fmt.Errorf("helios: register deployment: %w", result.Error)
	}
	return nil
}

// RecordPhaseDecision records one phase's GO/NO_GO/PENDING verdict.
// PENDING -> IN_PROGRESS happens on the first recorded decision;
// IN_PROGRESS -> DEPLOYED when every phase in PhaseOrder has recorded
// GO; any NO_GO triggers an automatic rollback on a dedicated goroutine.
func (p *Protocol) RecordPhaseDecision(deploymentID string, phase domain.Phase, decision domain.PhaseDecisionValue, reason string) error {
	var dep DeploymentRecord
	if result := p.db.Where("deployment_id = ?", deploymentID).First(&dep); result.Error != nil {
		return fmt.Errorf("helios: unknown deployment %s: %w", deploymentID, result.Error)
	}

	rec := PhaseDecisionRecord{
		DeploymentID: deploymentID,
		Phase:        string(phase),
		Decision:     string(decision),
		Reason:       reason,
		CreatedAt:    time.Now(),
	}
	if result := p.db.Create(&rec); result.Error != nil {
		return fmt.Errorf("helios: record phase decision: %w", result.Error)
	}

	if dep.Status == string(domain.DeploymentPending) {
		dep.Status = string(domain.DeploymentInProgress)
		p.db.Save(&dep)
	}

	switch decision {
	case domain.DecisionNoGo:
		go p.handleNoGo(deploymentID, phase, reason)
	case domain.DecisionGo:
		if p.allPhasesGo(deploymentID) {
			dep.Status = string(domain.DeploymentDeployed)
			now := time.Now()
			dep.DeployedAt = &now
			p.db.Save(&dep)
		}
	}
	return nil
}

func (p *Protocol) allPhasesGo(deploymentID string) bool {
	for _, phase := range domain.PhaseOrder {
		var rec PhaseDecisionRecord
		result := p.db.Where("deployment_id = ? AND phase = ? AND decision = ?", deploymentID, string(phase), string(domain.DecisionGo)).
			Order("created_at DESC").First(&rec)
		if result.Error != nil {
			return false
		}
	}
	return true
}

// handleNoGo runs the rollback and postmortem creation on its own
// goroutine so RecordPhaseDecision never blocks the caller's cycle.
func (p *Protocol) handleNoGo(deploymentID string, phase domain.Phase, reason string) {
	var dep DeploymentRecord
	if result := p.db.Where("deployment_id = ?", deploymentID).First(&dep); result.Error != nil {
		p.logger.Error("no-go handling: deployment lookup failed", zap.String("deployment_id", deploymentID), zap.Error(result.Error))
		return
	}

	p.rollbackMu.Lock()
	success := p.executor.Rollback(dep.StableVersionID) == nil
	rollbackID := uuid.New().String()
	p.db.Create(&RollbackRecord{
		RollbackID:    rollbackID,
		DeploymentID:  deploymentID,
		TriggerPhase:  string(phase),
		TriggerReason: reason,
		FromVersion:   dep.Version,
		ToVersion:     dep.StableVersionID,
		Success:       success,
		CreatedAt:     time.Now(),
	})
	p.rollbackMu.Unlock()

	dep.Status = string(domain.DeploymentRolledBack)
	dep.RollbackVersionID = dep.StableVersionID
	now := time.Now()
	dep.RolledBackAt = &now
	p.db.Save(&dep)

	p.postmortemMu.Lock()
	postmortemID := uuid.New().String()
	p.db.Create(&PostmortemRecord{
		PostmortemID: postmortemID,
		DeploymentID: deploymentID,
		Severity:     string(domain.SeverityS1),
		Title:        fmt.Sprintf("NO_GO in %s for deployment %s", phase, deploymentID),
		Status:       string(domain.PostmortemOpen),
		CreatedAt:    time.Now(),
	})
	p.postmortemMu.Unlock()

	if !success {
		p.logger.Error("rollback execution failed", zap.String("deployment_id", deploymentID), zap.String("target_version", dep.StableVersionID))
	}

	if p.bus != nil {
		p.bus.Publish(events.NewRollbackTriggeredEvent(deploymentID, string(phase), reason))
		p.bus.Publish(events.NewPostmortemOpenedEvent(postmortemID, deploymentID, string(domain.SeverityS1)))
	}
}

// CompletePostmortem closes an OPEN postmortem; root cause and at least
// one corrective action are required.
func (p *Protocol) CompletePostmortem(postmortemID, rootCause string, correctiveActions []string) error {
	if rootCause == "" {
		return fmt.Errorf("helios: root_cause is required")
	}
	if len(correctiveActions) == 0 {
		return fmt.Errorf("helios: at least one corrective action is required")
	}

	p.postmortemMu.Lock()
	defer p.postmortemMu.Unlock()

	var rec PostmortemRecord
	if result := p.db.Where("postmortem_id = ? AND status = ?", postmortemID, string(domain.PostmortemOpen)).First(&rec); result.Error != nil {
		return fmt.Errorf("helios: postmortem %s not open: %w", postmortemID, result.Error)
	}

	rec.RootCause = rootCause
	rec.CorrectiveActions = strings.Join(correctiveActions, "\n")
	rec.Status = string(domain.PostmortemClosed)
	now := time.Now()
	rec.CompletedAt = &now
	if result := p.db.Save(&rec); result.Error != nil {
		return fmt.Errorf("helios: complete postmortem: %w", result.Error)
	}

	if p.bus != nil {
		p.bus.Publish(events.NewPostmortemClosedEvent(postmortemID, rec.DeploymentID))
	}
	return nil
}

// MarkVersionStable records a version as a rollback target, pruning to
// the configured retention count, oldest first.
func (p *Protocol) MarkVersionStable(versionID, deploymentID string) error {
	if result := p.db.Create(&StableVersionRecord{VersionID: versionID, DeploymentID: deploymentID, MarkedAt: time.Now()}); result.Error != nil {
		return fmt.Errorf("helios: mark version stable: %w", result.Error)
	}

	var count int64
	p.db.Model(&StableVersionRecord{}).Count(&count)
	if int(count) <= p.retention {
		return nil
	}

	excess := int(count) - p.retention
	var stale []StableVersionRecord
	p.db.Order("marked_at ASC").Limit(excess).Find(&stale)
	for _, s := range stale {
		p.db.Delete(&s)
	}
	return nil
}

// GetCurrentStableVersion returns the most recently marked stable version.
func (p *Protocol) GetCurrentStableVersion() (string, error) {
	var rec StableVersionRecord
	if result := p.db.Order("marked_at DESC").First(&rec); result.Error != nil {
		return "", fmt.Errorf("helios: no stable version recorded: %w", result.Error)
	}
	return rec.VersionID, nil
}

// Status summarizes deployment/postmortem state for the control API.
type Status struct {
	CanDeploy       bool
	Reason          string
	OpenPostmortems int64
}

// GetStatus reports the protocol's current gating state.
func (p *Protocol) GetStatus() Status {
	canDeploy, reason := p.CanDeploy()
	var open int64
	p.db.Model(&PostmortemRecord{}).Where("status = ?", string(domain.PostmortemOpen)).Count(&open)
	return Status{CanDeploy: canDeploy, Reason: reason, OpenPostmortems: open}
}
