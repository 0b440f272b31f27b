package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/browsergrid/browsergrid/internal/api"
	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/control"
	"github.com/browsergrid/browsergrid/internal/health"
	"github.com/browsergrid/browsergrid/internal/hub"
	"github.com/browsergrid/browsergrid/internal/orchestrator"
	"github.com/browsergrid/browsergrid/internal/ratelimit"
	"github.com/browsergrid/browsergrid/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	log.Println("Starting browsergrid control plane...")
	cfg := config.Load()

	// Session store: Redis when configured, in-process otherwise
	var sessionStore store.Store
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect session store: %v", err)
		}
		sessionStore = redisStore
		log.Println("✓ Session store connected (redis)")
	} else {
		sessionStore = store.NewMemoryStore()
		log.Println("✓ Session store initialized (in-memory)")
	}
	defer sessionStore.Close()

	// Task orchestrator
	orch, err := orchestrator.NewDockerOrchestrator(cfg.WorkerImage, cfg.WorkerPort, cfg.PollInterval)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}
	defer orch.Close()
	log.Println("✓ Task orchestrator initialized")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	log.Println("⏳ Ensuring worker image is available...")
	if err := orch.EnsureImage(ctx); err != nil {
		log.Fatalf("Failed to ensure worker image: %v", err)
	}
	cancel()
	log.Printf("✓ Worker image ready (%s)", cfg.WorkerImage)

	// Connection registry + event bus
	events := hub.New(cfg.EventRingSize, cfg.SubscriberBuffer)
	log.Printf("✓ Event hub initialized (ring %d, buffer %d)", cfg.EventRingSize, cfg.SubscriberBuffer)

	// Control plane (owns the command proxy and health monitor)
	plane := control.NewPlane(sessionStore, orch, events, control.Options{
		SessionTTL:            cfg.SessionTTL,
		HeartbeatTimeout:      cfg.HeartbeatTimeout,
		SweepInterval:         cfg.SweepInterval,
		ResolveTimeout:        cfg.ResolveTimeout,
		MaxSessionsPerProject: cfg.MaxSessionsPerProject,
		Health: health.Options{
			Interval:         cfg.HealthInterval,
			ProbeTimeout:     cfg.ProbeTimeout,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cfg.BreakerCooldown,
			Grace:            cfg.BreakerGrace,
			ResolveTimeout:   cfg.ResolveTimeout,
		},
	})
	log.Println("✓ Control plane initialized")

	rateLimiter := ratelimit.NewLimiter(cfg.RequestsPerHour, cfg.RateBurst)
	log.Printf("✓ Rate limiter initialized (%d req/hour per project)", cfg.RequestsPerHour)

	handler := api.NewHandler(plane)
	router := handler.SetupRoutes(rateLimiter, cfg.RequestsPerHour)
	log.Println("✓ HTTP routes configured")

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Control plane listening on %s", cfg.ListenAddr)
		log.Printf("📍 API endpoints available under %s/v1", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("⏳ Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	plane.Shutdown()
	log.Println("✅ Control plane stopped cleanly")
}
