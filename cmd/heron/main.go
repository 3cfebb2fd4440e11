// Heron - Fraud ring detection over transaction graphs.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/heron/internal/api"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/config"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/pipeline"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("HERON_CONFIG"), "Path to YAML config (default ./heron.yaml if present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(config.NewLogger(cfg.Logging, os.Stdout))

	slog.Info("starting heron",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	ruleEngine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer ruleEngine.Close()

	if err := loadRules(ctx, repo, ruleEngine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", ruleEngine.RulesCount())

	analyzer, err := engine.New(cfg.Detection, engine.WithRules(ruleEngine))
	if err != nil {
		slog.Error("failed to initialize analyzer", "error", err)
		os.Exit(1)
	}

	p := pipeline.New(analyzer)
	p.Repository = repo
	p.Cache = cacheImpl
	p.Bus = busImpl
	p.Metrics = metrics.New()
	p.CacheTTL = cfg.Cache.AnalysisTTL

	var (
		asyncWorker *worker.Worker
		queue       api.Queue
	)
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, p)

		var tenantIDs []string
		if env := os.Getenv("HERON_TENANTS"); env != "" {
			for _, id := range strings.Split(env, ",") {
				if id = strings.TrimSpace(id); id != "" {
					tenantIDs = append(tenantIDs, id)
				}
			}
		}

		workerCfg := worker.Config{
			TenantIDs:   tenantIDs,
			WorkerCount: cfg.Worker.Concurrency,
		}
		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			queue = asyncWorker
			slog.Info("async worker started", "tenant_count", len(tenantIDs), "concurrency", cfg.Worker.Concurrency)
		}
	}

	srv := api.NewServer(cfg.Server, p, ruleEngine, queue, Version)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("heron is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// queued analyses finish before the stores close
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	slog.Info("heron shutdown complete")
}

// loadRules loads global rules into the engine, seeding the starter set
// into an empty store first.
func loadRules(ctx context.Context, repo domain.Repository, ruleEngine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx, domain.GlobalTenantID)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}

	if len(dbRules) == 0 {
		dbRules = rules.BuiltinRules()
		for _, rule := range dbRules {
			if err := repo.SaveRuleConfig(ctx, domain.GlobalTenantID, rule); err != nil {
				return fmt.Errorf("failed to seed rule %s: %w", rule.ID, err)
			}
		}
		slog.Info("seeded builtin rules", "count", len(dbRules))
	}

	return ruleEngine.LoadRules(dbRules)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                  HERON                    ║")
	fmt.Println("  ║      Fraud Ring Detection Engine          ║")
	fmt.Println("  ║     Follow the money, find the ring.      ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /analyze                     - Analyze a JSON ledger")
	fmt.Println("    POST /upload                      - Analyze a CSV ledger")
	fmt.Println("    GET  /sample-data                 - Analyze a generated ledger")
	fmt.Println("    POST /analyses/async              - Queue an analysis")
	fmt.Println("    GET  /analyses                    - List recent analyses")
	fmt.Println("    GET  /analyses/{id}               - Get analysis by ID")
	fmt.Println("    GET  /analyses/{id}/transactions  - Get the analyzed ledger")
	fmt.Println("    GET  /rules                       - List loaded rules")
	fmt.Println("    POST /rules                       - Create a rule")
	fmt.Println("    POST /rules/reload                - Hot-reload rules from database")
	fmt.Println("    GET  /health                      - Health check")
	fmt.Println("    GET  /metrics                     - Prometheus metrics")
	fmt.Println()
}
