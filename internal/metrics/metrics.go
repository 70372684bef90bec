// Package metrics exposes the engine's Prometheus metrics: cycle and
// decision counters, order flow, bot evaluation outcomes, and worker
// pool throughput, all registered on a private registry served at
// /metrics by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics collects the live orchestration path's metrics.
type EngineMetrics struct {
	registry *prometheus.Registry

	CyclesTotal    prometheus.Counter
	DecisionsTotal *prometheus.CounterVec
	OrdersTotal    *prometheus.CounterVec

	BotEvaluationsTotal *prometheus.CounterVec
	BotTimeoutsTotal    prometheus.Counter

	PoolTasksSubmitted prometheus.Counter
	PoolTasksCompleted prometheus.Counter
	PoolTasksFailed    prometheus.Counter
	PoolTasksRejected  prometheus.Counter
	PoolQueueDepth     prometheus.Gauge

	CircuitState prometheus.Gauge // 0 closed, 1 half-open, 2 open
}

// New builds and registers the engine metric set on a fresh registry.
func New() *EngineMetrics {
	registry := prometheus.NewRegistry()

	m := &EngineMetrics{
		registry: registry,
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_cycles_total",
			Help: "Total scheduler cycles executed",
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_decisions_total",
			Help: "Decisions emitted by final action",
		}, []string{"action"}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Orders submitted by side and outcome",
		}, []string{"side", "status"}),
		BotEvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_bot_evaluations_total",
			Help: "Per-bot evaluation outcomes",
		}, []string{"outcome"}),
		BotTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_bot_timeouts_total",
			Help: "Bot evaluations skipped as stale after exceeding their budget",
		}),
		PoolTasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_pool_tasks_submitted_total",
			Help: "Tasks submitted to the worker pool",
		}),
		PoolTasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_pool_tasks_completed_total",
			Help: "Tasks completed by the worker pool",
		}),
		PoolTasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_pool_tasks_failed_total",
			Help: "Tasks that returned an error or panicked",
		}),
		PoolTasksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_pool_tasks_rejected_total",
			Help: "Tasks rejected because the queue was full or the pool stopped",
		}),
		PoolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_pool_queue_depth",
			Help: "Current depth of the worker pool queue",
		}),
		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_circuit_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		}),
	}

	registry.MustRegister(
		m.CyclesTotal, m.DecisionsTotal, m.OrdersTotal,
		m.BotEvaluationsTotal, m.BotTimeoutsTotal,
		m.PoolTasksSubmitted, m.PoolTasksCompleted, m.PoolTasksFailed,
		m.PoolTasksRejected, m.PoolQueueDepth,
		m.CircuitState,
	)
	return m
}

// Registry returns the backing registry for promhttp exposure.
func (m *EngineMetrics) Registry() *prometheus.Registry {
	return m.registry
}
