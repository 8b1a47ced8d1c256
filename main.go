package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kelvinguchu/t3clone-sub003/api"
	"github.com/kelvinguchu/t3clone-sub003/config"
	"github.com/kelvinguchu/t3clone-sub003/database"
	"github.com/kelvinguchu/t3clone-sub003/metrics"
	"github.com/kelvinguchu/t3clone-sub003/middleware"
	"github.com/kelvinguchu/t3clone-sub003/repository"
	"github.com/kelvinguchu/t3clone-sub003/services"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	db, err := database.Init()
	if err != nil {
		log.Fatalf("FATAL: [Main] Failed to initialize database: %v", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	redisClient := database.NewRedis(startCtx)
	cancel()

	breaker := services.NewCircuitBreaker(cfg.Circuit.FailureThreshold, cfg.Circuit.OpenDuration, time.Now)
	abuseRepo := repository.NewAbuseRepository(db)
	sessionRepo := services.NewGuardedSessionRepository(
		repository.NewSessionRepository(redisClient, cfg.Session.TTL, time.Now), breaker)
	violationRepo := services.NewGuardedViolationRepository(
		repository.NewViolationRepository(redisClient, cfg.Trust.ViolationLookback, time.Now), breaker)
	log.Println("INFO: [Main] Repositories initialized.")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	limiter := services.NewRateLimiter(redisClient, breaker, m, services.RateLimiterOptions{
		FailOpen:  cfg.RateLimit.FailOpen,
		OpTimeout: cfg.Redis.OpTimeout,
	}, time.Now)
	trust := services.NewTrustEvaluator(services.TrustPolicyFromConfig(cfg), violationRepo, time.Now)
	sessionService := services.NewSessionService(sessionRepo, trust, m, cfg)
	completionService := services.NewCompletionService(cfg)
	if completionService == nil {
		log.Println("WARN: [Main] LLM API key not configured. /api/chat will answer 503.")
	}

	janitor := services.NewAuditJanitor(abuseRepo, cfg.Audit.Retention, cfg.Audit.PurgeInterval, time.Now)
	go func() {
		if err := janitor.Start(context.Background()); err != nil {
			log.Printf("WARN: [Main] Audit janitor stopped: %v", err)
		}
	}()
	log.Println("INFO: [Main] Services initialized.")

	gate := api.NewRequestGate(sessionService, limiter, trust, violationRepo, abuseRepo, cfg, time.Now)
	apiHandler := api.NewAPIHandler(gate, sessionService, limiter, completionService, redisClient, cfg)
	log.Println("INFO: [Main] API Handler initialized.")

	r := gin.New()
	r.Use(gin.Recovery())
	// Client addresses are read from forwarding headers by the identity resolver.
	if err := r.SetTrustedProxies(nil); err != nil {
		log.Printf("WARN: [Main] Failed to set trusted proxies: %v", err)
	}

	r.Use(middleware.Logger(cfg.Session.HeaderName))
	r.Use(middleware.Cors(cfg.Session.HeaderName))
	log.Println("INFO: [Main] Middlewares registered.")

	api.RegisterRoutes(r, apiHandler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	log.Println("INFO: [Main] Routes registered.")

	serverPort := ":" + cfg.Server.Port
	if cfg.Server.Port == "" {
		log.Println("WARN: [Main] Server port not configured, using default :8080.")
		serverPort = ":8080"
	}
	log.Printf("INFO: [Main] Starting server on port %s", serverPort)
	if err := r.Run(serverPort); err != nil {
		log.Fatalf("FATAL: [Main] Server failed to start: %v", err)
	}
}
