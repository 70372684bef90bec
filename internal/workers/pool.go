// Package workers provides the bounded worker pool the Decision
// Orchestrator fans bot evaluations out on:
// a fixed set of goroutines draining a buffered queue, with panic
// recovery so one misbehaving bot cannot take a worker down.
package workers

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/atlas-sentinel/engine/internal/metrics"
	"go.uber.org/zap"
)

// Task is one unit of fan-out work.
type Task func() error

// PoolConfig sizes the pool. Bot evaluation is I/O-shaped (adapter
// reads, PSM lookups), so workers default to 2x CPUs.
type PoolConfig struct {
	Name       string
	NumWorkers int
	QueueSize  int
}

// DefaultPoolConfig sizes for a per-cycle bot fan-out: the queue only
// ever holds one cycle's worth of evaluations.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:       name,
		NumWorkers: runtime.NumCPU() * 2,
		QueueSize:  256,
	}
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	logger  *zap.Logger
	cfg     PoolConfig
	metrics *metrics.EngineMetrics

	queue   chan Task
	wg      sync.WaitGroup
	running atomic.Bool
	stopMu  sync.RWMutex // serializes Stop against in-flight SubmitFunc sends
}

// NewPool builds a stopped pool; call Start before submitting. metrics
// may be nil when no Prometheus surface is wired (tests, one-shot CLI).
func NewPool(logger *zap.Logger, cfg PoolConfig, m *metrics.EngineMetrics) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU() * 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Pool{
		logger:  logger.Named("pool." + cfg.Name),
		cfg:     cfg,
		metrics: m,
		queue:   make(chan Task, cfg.QueueSize),
	}
}

// Start launches the workers. Starting an already-running pool is a no-op.
func (p *Pool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.cfg.NumWorkers), zap.Int("queue_size", p.cfg.QueueSize))
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		p.runTask(id, task)
		if p.metrics != nil {
			p.metrics.PoolQueueDepth.Set(float64(len(p.queue)))
		}
	}
}

func (p *Pool) runTask(workerID int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			if p.metrics != nil {
				p.metrics.PoolTasksFailed.Inc()
			}
			p.logger.Error("task panicked", zap.Int("worker", workerID), zap.Any("recover", r))
		}
	}()
	if err := task(); err != nil {
		if p.metrics != nil {
			p.metrics.PoolTasksFailed.Inc()
		}
		p.logger.Debug("task returned error", zap.Int("worker", workerID), zap.Error(err))
		return
	}
	if p.metrics != nil {
		p.metrics.PoolTasksCompleted.Inc()
	}
}

// SubmitFunc enqueues a task without blocking: a full queue or a
// stopped pool returns an error and the caller decides whether to run
// the task inline instead.
func (p *Pool) SubmitFunc(fn func() error) error {
	p.stopMu.RLock()
	defer p.stopMu.RUnlock()
	if !p.running.Load() {
		if p.metrics != nil {
			p.metrics.PoolTasksRejected.Inc()
		}
		return fmt.Errorf("pool %s: not running", p.cfg.Name)
	}
	select {
	case p.queue <- fn:
		if p.metrics != nil {
			p.metrics.PoolTasksSubmitted.Inc()
			p.metrics.PoolQueueDepth.Set(float64(len(p.queue)))
		}
		return nil
	default:
		if p.metrics != nil {
			p.metrics.PoolTasksRejected.Inc()
		}
		return fmt.Errorf("pool %s: queue full", p.cfg.Name)
	}
}

// QueueLength reports the current queue depth.
func (p *Pool) QueueLength() int { return len(p.queue) }

// IsRunning reports whether Start has been called and Stop has not.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Stop closes the queue and waits for in-flight tasks to drain.
// Submissions after Stop are rejected.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.stopMu.Lock()
	close(p.queue)
	p.stopMu.Unlock()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}
