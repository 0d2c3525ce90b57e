package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/bundleworker/blobstore"
	"github.com/itskum47/bundleworker/machine"
	"github.com/itskum47/bundleworker/store"
	"github.com/itskum47/bundleworker/streaming"
	"github.com/itskum47/bundleworker/timeline"
	"github.com/itskum47/bundleworker/worker"
)

func main() {
	cfg := worker.DefaultConfig()
	cfg.WorkerID = getEnv("WORKER_ID", cfg.WorkerID)
	cfg.Verbosity = getEnvInt("WORKER_VERBOSITY", cfg.Verbosity)
	cfg.SleepInterval = getEnvDuration("WORKER_SLEEP_INTERVAL", cfg.SleepInterval)
	cfg.BackendKey = getEnv("WORKER_BACKEND_KEY", cfg.BackendKey)
	cfg.LaunchRateLimit = getEnvFloat("WORKER_LAUNCH_RATE", cfg.LaunchRateLimit)
	cfg.LaunchBurst = getEnvInt("WORKER_LAUNCH_BURST", cfg.LaunchBurst)
	cfg.CircuitFailureThreshold = getEnvFloat("WORKER_CIRCUIT_THRESHOLD", cfg.CircuitFailureThreshold)
	cfg.CircuitMinSamples = getEnvInt("WORKER_CIRCUIT_MIN_SAMPLES", cfg.CircuitMinSamples)
	cfg.TempDirRoot = getEnv("WORKER_TEMP_DIR", cfg.TempDirRoot)

	var metaStore store.MetadataStore
	switch backend := getEnv("WORKER_STORE_BACKEND", "memory"); backend {
	case "postgres":
		dsn := mustGetEnv("WORKER_POSTGRES_DSN")
		pg, err := store.NewPostgresStore(context.Background(), dsn)
		if err != nil {
			log.Fatalf("[worker] ❌ failed to connect to postgres: %v", err)
		}
		defer pg.Close()
		metaStore = pg
		log.Printf("[worker] ✅ using PostgresStore")
	case "redis":
		addr := getEnv("WORKER_REDIS_ADDR", "localhost:6379")
		rs, err := store.NewRedisStore(addr, getEnv("WORKER_REDIS_PASSWORD", ""), getEnvInt("WORKER_REDIS_DB", 0))
		if err != nil {
			log.Fatalf("[worker] ❌ failed to connect to redis: %v", err)
		}
		metaStore = rs
		log.Printf("[worker] ✅ using RedisStore at %s", addr)
	default:
		metaStore = store.NewMemoryStore()
		log.Printf("[worker] using in-process MemoryStore (WORKER_STORE_BACKEND=memory)")
	}

	blobRoot := getEnv("WORKER_BLOB_ROOT", "/tmp/bundleworker-blobs")
	blobs, err := blobstore.NewLocalFS(blobRoot)
	if err != nil {
		log.Fatalf("[worker] ❌ failed to initialize blob store at %s: %v", blobRoot, err)
	}

	backendURL := getEnv("WORKER_AGENT_URL", "http://127.0.0.1:8081")
	var mach machine.Machine = machine.NewHTTPMachine(backendURL)

	logPublisher := streaming.NewLogPublisher()
	var publisher streaming.Publisher = logPublisher
	var wsPublisher *streaming.WSPublisher
	if getEnv("WORKER_WS_DEBUG_FEED", "false") == "true" {
		wsPublisher = streaming.NewWSPublisher()
		publisher = streaming.NewMultiPublisher(logPublisher, wsPublisher)
	}
	defer publisher.Close()

	tl := timeline.NewStore()

	scratch := worker.NewScratchRegistry()
	limiter := worker.NewTokenBucketLimiter(cfg.LaunchRateLimit, cfg.LaunchBurst)
	breaker := worker.NewCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitMinSamples)

	finalizer := worker.NewFinalizer(metaStore, mach, blobs, scratch, tl, publisher, cfg)
	launcher := worker.NewLauncher(metaStore, mach, scratch, finalizer, limiter, breaker, cfg)
	resolver := worker.NewDependencyResolver(metaStore, tl, cfg)
	dispatcher := worker.NewActionDispatcher(metaStore, mach, scratch)
	loop := worker.NewControlLoop(dispatcher, resolver, launcher, finalizer, cfg)

	metricsAddr := getEnv("WORKER_METRICS_ADDR", ":9091")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if wsPublisher != nil {
			mux.Handle("/debug/stream", wsPublisher)
			log.Printf("[worker] debug event stream listening on %s/debug/stream", metricsAddr)
		}
		log.Printf("[worker] metrics listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("[worker] ⚠️ metrics server exited: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("[worker] received shutdown signal")
		loop.Stop()
		cancel()
	}()

	log.Printf("[worker] ✅ starting control loop (worker_id=%s, sleep=%s)", cfg.WorkerID, cfg.SleepInterval)
	if err := loop.Run(ctx, 0, cfg.SleepInterval); err != nil {
		log.Printf("[worker] ❌ control loop exited: %v", err)
	}
	log.Println("[worker] shut down.")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func mustGetEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[worker] ❌ required environment variable %s is not set", key)
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[worker] invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[worker] invalid %s=%q, using default %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[worker] invalid %s=%q, using default %v", key, v, fallback)
		return fallback
	}
	return d
}
