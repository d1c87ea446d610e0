package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"assessment-gateway/internal/breaker"
	"assessment-gateway/internal/cache"
	"assessment-gateway/internal/config"
	"assessment-gateway/internal/executor"
	"assessment-gateway/internal/handler"
	"assessment-gateway/internal/metrics"
	"assessment-gateway/internal/models"
	"assessment-gateway/internal/ratelimit"
	"assessment-gateway/internal/repository"
	"assessment-gateway/internal/scoring"
	"assessment-gateway/internal/service"

	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	log.Printf("starting API server, env=%s", cfg.Env)

	// Initialize repository
	repo, err := repository.NewSQLiteRepository(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to initialize repository: %v", err)
	}
	defer repo.Close()

	// Initialize metrics
	metricsInstance := metrics.NewMetrics()

	// Initialize rate limiter
	limiterOpts := []ratelimit.Option{
		ratelimit.WithBurstGuard(cfg.RateLimit.BurstRPS, cfg.RateLimit.Burst),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiterOpts = append(limiterOpts, ratelimit.WithCoordinationStore(ratelimit.NewRedisCoordinationStore(rdb)))
		log.Printf("rate-limit coordination via redis at %s", cfg.RedisAddr)
	}
	limiter := ratelimit.NewLimiter(ratelimit.Limits{
		PerMinute: cfg.RateLimit.PerMinute,
		PerHour:   cfg.RateLimit.PerHour,
	}, metricsInstance, limiterOpts...)
	limiter.Start()
	defer limiter.Stop()

	// Initialize breaker registry
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), metricsInstance)
	breakers.Configure(service.DependencyScorer, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout(),
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		MaxHalfOpenCalls: 1,
		CallTimeout:      cfg.Breaker.CallTimeout(),
	})

	// Initialize response cache
	respCache := cache.New(metricsInstance, cache.WithSweepInterval(cfg.Cache.SweepInterval()))
	respCache.Start()
	defer respCache.Stop()

	engine := &scoring.LocalEngine{Delay: 150 * time.Millisecond}

	// Initialize task executor with in-process workers
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := exec.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("executor stopped: %v", err)
		}
	}()

	// Setup routes: the API surface sits behind admission control, the
	// metrics endpoint does not
	assessmentHandler := handler.NewAssessmentHandler(svc, metricsInstance, nil)

	api := http.NewServeMux()
	api.HandleFunc("/assessments", assessmentHandler.SubmitAssessment)
	api.HandleFunc("/tasks/", assessmentHandler.TaskByID)
	api.HandleFunc("/candidates/", assessmentHandler.InvalidateCandidate)
	api.HandleFunc("/stats", assessmentHandler.GetStats)

	limited := handler.RateLimitMiddleware(limiter, nil)(api)

	root := http.NewServeMux()
	root.Handle("/metrics", metricsInstance.Handler())
	root.Handle("/", handler.CorrelationMiddleware(limited))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: root,
	}

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("API server listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-sigChan
	log.Println("shutting down server...")
	cancel()
	if err := server.Close(); err != nil {
		log.Printf("error closing server: %v", err)
	}
	log.Println("server stopped")
}
