package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/convoy/server/auth"
	"github.com/itskum47/convoy/server/cache"
	"github.com/itskum47/convoy/server/config"
	"github.com/itskum47/convoy/server/detector"
	"github.com/itskum47/convoy/server/journey"
	"github.com/itskum47/convoy/server/middleware"
	"github.com/itskum47/convoy/server/pipeline"
	"github.com/itskum47/convoy/server/sequence"
	"github.com/itskum47/convoy/server/store"
)

// retrySweepInterval is how often the retry scheduler scans the pending
// queues. The backoff schedule itself lives in the sequence package.
const retrySweepInterval = time.Second

func main() {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	ctx := context.Background()

	// Hot state. Redis is required for multi-node operation; the memory
	// cache only covers single-node dev.
	var hot cache.Cache
	redisCache, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Printf("redis unavailable at %s (%v), using in-memory cache (single node only)", cfg.RedisAddr, err)
		hot = cache.NewMemoryCache()
	} else {
		log.Printf("connected to redis at %s", cfg.RedisAddr)
		hot = redisCache
	}
	defer hot.Close()

	// Durable state.
	var durable store.Store
	if cfg.PostgresURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("postgres connection failed: %v", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("schema migration failed: %v", err)
		}
		log.Println("connected to postgres, schema current")
		durable = pg
	} else {
		log.Println("POSTGRES_URL not set, using in-memory store (ephemeral)")
		durable = store.NewMemoryStore()
	}
	defer durable.Close()

	verifier, err := auth.NewHMACVerifier(cfg.TokenSecret)
	if err != nil {
		log.Fatalf("token verifier: %v", err)
	}

	journeys := journey.NewManager(durable, hot, cfg.DefaultLagThreshold, cfg.MinLagThreshold)
	engine := sequence.NewEngine(durable, hot)
	lag := detector.NewLagDetector(durable, hot, cfg.CriticalLagThreshold)
	arrival := detector.NewArrivalDetector(durable, cfg.ArrivalDistanceThreshold, cfg.ArrivalSpeedThreshold)

	gateway := NewGateway(&cfg, hot, journeys, engine, verifier)
	pipe := pipeline.New(durable, hot, engine, lag, arrival, gateway, cfg.LocationUpdateRateLimit)
	gateway.AttachPipeline(pipe)

	retry := sequence.NewRetryScheduler(hot, gateway, cfg.MaxRetryAttempts, retrySweepInterval)
	go retry.Run(ctx)
	go gateway.RunSweeper(ctx, cfg.HeartbeatInterval)

	api := NewAPI(&cfg, durable, hot, journeys, pipe, engine, gateway)

	mux := http.NewServeMux()
	api.Routes(mux)

	root := http.NewServeMux()
	root.Handle("/v1/", middleware.AuthMiddleware(verifier, mux))
	root.HandleFunc("/ws", gateway.HandleWS)

	root.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	root.Handle("/metrics", promhttp.Handler())
	root.HandleFunc("/debug/gateway", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.Stats())
	})

	handler := middleware.CORSMiddleware(root)

	log.Printf("convoy server listening on %s", cfg.ListenAddr)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, handler))
}
