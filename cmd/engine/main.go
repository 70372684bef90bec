// Package main is the entry point for the trading orchestration engine:
// it wires config, the event bus, the Exchange Adapter, the Safety
// Envelope, the Position State Manager, the Bot Registry, the Decision
// Orchestrator, the Market Intelligence Hub, the Helios Rollback
// Protocol and the Scheduler, then runs the main loop until a shutdown
// signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atlas-sentinel/engine/internal/adapter"
	"github.com/atlas-sentinel/engine/internal/api"
	"github.com/atlas-sentinel/engine/internal/bot"
	_ "github.com/atlas-sentinel/engine/internal/bots"
	"github.com/atlas-sentinel/engine/internal/config"
	"github.com/atlas-sentinel/engine/internal/events"
	"github.com/atlas-sentinel/engine/internal/helios"
	"github.com/atlas-sentinel/engine/internal/intelligence"
	"github.com/atlas-sentinel/engine/internal/metrics"
	"github.com/atlas-sentinel/engine/internal/orchestrator"
	"github.com/atlas-sentinel/engine/internal/psm"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/internal/safety"
	"github.com/atlas-sentinel/engine/internal/scheduler"
	"github.com/atlas-sentinel/engine/internal/workers"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 clean shutdown, 1 config or
// usage error, 2 unrecoverable runtime fault.
func run() int {
	if len(os.Args) < 2 {
		printUsage()
		return 1
	}

	switch os.Args[1] {
	case "run":
		return runEngine(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "helios":
		return runHelios(os.Args[2:])
	default:
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: engine <run|status|helios> [flags]")
	fmt.Fprintln(os.Stderr, "  engine run [-config path] [-log-level level]")
	fmt.Fprintln(os.Stderr, "  engine status [-config path]")
	fmt.Fprintln(os.Stderr, "  engine helios deploy -deployment-id id -version v [-stable-version v] [-config path]")
	fmt.Fprintln(os.Stderr, "  engine helios complete-postmortem -id id -root-cause text -actions a,b,c [-config path]")
}

func runEngine(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file (optional; env vars and defaults otherwise)")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	defer bus.Stop()

	envelope := safety.New(logger, safety.Config{
		RateLimiter:    safety.RateLimiterConfig{MaxPerMinute: cfg.Safety.RateLimitPerMinute, MaxPerSecond: 5},
		CircuitBreaker: safety.CircuitBreakerConfig{FailureThreshold: cfg.Safety.FailureThreshold, SuccessThreshold: 1, RecoveryTimeout: cfg.Safety.RecoveryTimeout()},
		RugShield:      safety.RugShieldConfig{MinLiquidityUSD: cfg.RugShield.MinLiquidityUSD, MinVolume24hUSD: cfg.RugShield.MinVolume24hUSD, MaxSpreadPct: cfg.RugShield.MaxSpreadPct, Blacklist: cfg.RugShield.Blacklist},
		StopLoss:       safety.StopLossConfig{BasePct: cfg.StopLoss.BasePct, ATRMultiplier: cfg.StopLoss.ATRMultiplier, MinPct: cfg.StopLoss.MinPct, MaxPct: cfg.StopLoss.MaxPct, ATRPeriod: cfg.StopLoss.ATRPeriod},
	}, bus)

	prices := make(map[string]float64, len(cfg.Trading.Pairs))
	for _, pair := range cfg.Trading.Pairs {
		prices[pair] = 100.0
	}
	backend := adapter.NewMockBackend(prices, map[string]decimal.Decimal{"USDT": decimal.NewFromInt(10000)})
	if err := backend.Connect(ctx); err != nil {
		logger.Error("failed to connect exchange backend", zap.Error(err))
		return 2
	}
	exchangeAdapter := adapter.New(logger, backend, envelope)

	positionStore, err := psm.Open(logger, cfg.Persistence.DSN)
	if err != nil {
		logger.Error("failed to open position store", zap.Error(err))
		return 2
	}
	defer positionStore.Close()

	heliosProtocol, err := helios.Open(logger, cfg.Helios.DSN, bus, helios.NoopRollback{}, cfg.Helios.StableVersionRetention)
	if err != nil {
		logger.Error("failed to open helios store", zap.Error(err))
		return 2
	}
	defer heliosProtocol.Close()

	bot.Deps.Logger = logger
	bot.Deps.Adapter = exchangeAdapter
	bot.Deps.Envelope = envelope
	bot.Deps.PSM = positionStore

	reg := registry.New(logger)
	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Threshold = cfg.Orchestrator.DecisionThreshold
	orchCfg.DissentGate = cfg.Orchestrator.DissentGate
	if len(cfg.Orchestrator.CategoryWeights) > 0 {
		for k, v := range cfg.Orchestrator.CategoryWeights {
			orchCfg.CategoryWeights[domain.Category(k)] = v
		}
	}
	engineMetrics := metrics.New()
	pool := workers.NewPool(logger, workers.DefaultPoolConfig("bots"), engineMetrics)
	pool.Start()
	defer pool.Stop()

	hub := intelligence.New(logger, reg, 2*time.Second)
	orch := orchestrator.New(logger, orchCfg, reg, bus, pool, hub)

	sched := scheduler.New(logger, scheduler.Config{
		Interval:            cfg.Trading.CycleInterval(),
		HealthCheckEveryN:   10,
		StatusPublishEveryM: 5,
		ShutdownGrace:       30 * time.Second,
		Live:                cfg.Trading.Enabled,
		BalanceFraction:     0.05,
	}, cfg.Trading.Pairs, exchangeAdapter, positionStore, orch, reg, envelope, bus, engineMetrics)

	// A Helios rollback pauses the main loop. Nothing in this process
	// calls Resume, so the loop stays paused until the engine restarts.
	bus.Subscribe(events.EventTypeRollbackTriggered, func(evt events.Event) error {
		sched.Pause("helios rollback triggered")
		return nil
	})

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(logger, &api.ServerConfig{
			Host:          cfg.API.Host,
			Port:          cfg.API.Port,
			WebSocketPath: cfg.API.WebSocketPath,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
		}, bus, reg, envelope, positionStore, heliosProtocol, engineMetrics)
		go func() {
			if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("api server exited with error", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- sched.Run(ctx) }()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
		cancel()
		sched.Shutdown()
	case err := <-runErr:
		if err != nil {
			logger.Error("scheduler exited with error", zap.Error(err))
			return 2
		}
	}

	if apiServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := apiServer.Stop(stopCtx); err != nil {
			logger.Warn("api server shutdown error", zap.Error(err))
		}
	}

	logger.Info("engine stopped", zap.Any("helios_status", heliosProtocol.GetStatus()))
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	logger := setupLogger("info")
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return 1
	}

	positionStore, err := psm.Open(logger, cfg.Persistence.DSN)
	if err != nil {
		logger.Error("failed to open position store", zap.Error(err))
		return 2
	}
	defer positionStore.Close()

	open, err := positionStore.GetOpenPositions("")
	if err != nil {
		logger.Error("failed to list open positions", zap.Error(err))
		return 2
	}
	fmt.Printf("open positions: %d\n", len(open))
	for _, p := range open {
		fmt.Printf("  %s %s %s @ %s\n", p.PositionID, p.Symbol, p.Side, p.EntryPrice.String())
	}
	return 0
}

func runHelios(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 1
	}
	sub := args[0]
	rest := args[1:]

	logger := setupLogger("info")
	defer logger.Sync()

	fs := flag.NewFlagSet("helios", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	version := fs.String("version", "", "Deployment version")
	stableVersion := fs.String("stable-version", "", "Known-good rollback target")
	deploymentID := fs.String("deployment-id", "", "Deployment ID")
	postmortemID := fs.String("id", "", "Postmortem ID")
	rootCause := fs.String("root-cause", "", "Postmortem root cause")
	actions := fs.String("actions", "", "Comma-separated corrective actions")
	if err := fs.Parse(rest); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return 1
	}

	heliosProtocol, err := helios.Open(logger, cfg.Helios.DSN, nil, helios.NoopRollback{}, cfg.Helios.StableVersionRetention)
	if err != nil {
		logger.Error("failed to open helios store", zap.Error(err))
		return 2
	}
	defer heliosProtocol.Close()

	switch sub {
	case "deploy":
		if *version == "" || *deploymentID == "" {
			printUsage()
			return 1
		}
		if err := heliosProtocol.RegisterDeployment(*deploymentID, *version, "", *stableVersion); err != nil {
			logger.Error("deploy registration failed", zap.Error(err))
			return 1
		}
		fmt.Printf("deployment %s registered\n", *deploymentID)
		return 0
	case "complete-postmortem":
		if *postmortemID == "" || *rootCause == "" || *actions == "" {
			printUsage()
			return 1
		}
		if err := heliosProtocol.CompletePostmortem(*postmortemID, *rootCause, strings.Split(*actions, ",")); err != nil {
			logger.Error("postmortem completion failed", zap.Error(err))
			return 1
		}
		fmt.Printf("postmortem %s closed\n", *postmortemID)
		return 0
	default:
		printUsage()
		return 1
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
