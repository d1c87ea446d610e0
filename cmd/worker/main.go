package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"assessment-gateway/internal/breaker"
	"assessment-gateway/internal/cache"
	"assessment-gateway/internal/config"
	"assessment-gateway/internal/executor"
	"assessment-gateway/internal/metrics"
	"assessment-gateway/internal/models"
	"assessment-gateway/internal/repository"
	"assessment-gateway/internal/scoring"
	"assessment-gateway/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Initialize repository (shared with the API process)
	repo, err := repository.NewSQLiteRepository(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to initialize repository: %v", err)
	}
	defer repo.Close()

	// Initialize metrics
	metricsInstance := metrics.NewMetrics()

	// Initialize breaker registry and cache for the work function
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), metricsInstance)
	breakers.Configure(service.DependencyScorer, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout(),
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		MaxHalfOpenCalls: 1,
		CallTimeout:      cfg.Breaker.CallTimeout(),
	})

	respCache := cache.New(metricsInstance, cache.WithSweepInterval(cfg.Cache.SweepInterval()))
	respCache.Start()
	defer respCache.Stop()

	engine := &scoring.LocalEngine{Delay: 150 * time.Millisecond}

	execCfg := executor.DefaultConfig()
	execCfg.Workers = cfg.Executor.Workers
	execCfg.MaxAttempts = cfg.Executor.MaxAttempts
	execCfg.BackoffBase = cfg.Executor.BackoffBase()
	execCfg.BackoffCap = cfg.Executor.BackoffCap()
	execCfg.Retention = cfg.Executor.Retention()

	var svc *service.AssessmentService
	exec := executor.New(repo, func(ctx context.Context, task *models.TaskRecord) (string, error) {
		return svc.ExecuteTask(ctx, task)
	}, metricsInstance, execCfg)
	svc = service.NewAssessmentService(respCache, breakers, exec, engine, cfg.Cache.TTL())

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("shutting down worker...")
		cancel()
	}()

	log.Printf("worker started, env=%s, polling for tasks...", cfg.Env)

	if err := exec.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("worker error: %v", err)
	}

	log.Println("worker stopped")
}
