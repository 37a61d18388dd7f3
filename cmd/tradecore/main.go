package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradecore/internal/bus"
	"tradecore/internal/event"
	"tradecore/internal/monitor"
	"tradecore/internal/observability"
	"tradecore/internal/pipeline"
	"tradecore/internal/stream"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	// Store backend: "jetstream" or "memory".
	StoreBackend string
	NATSURL      string

	// Optional Postgres DSN for advisory checkpoints. Empty keeps
	// checkpoints in memory.
	PostgresDSN string

	// Bus
	QueueSize        int
	PublishTimeout   time.Duration
	HandlerTimeout   time.Duration
	DedupWindow      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Pipeline
	Consumer        string
	MaxBatch        int
	MaxWait         time.Duration
	CheckpointEvery time.Duration
	CheckpointAcks  int

	// Ops HTTP endpoint (metrics, health, stats, replay).
	OpsAddr string
}

func DefaultConfig() Config {
	return Config{
		StoreBackend:     envOrDefault("TRADECORE_STORE", "jetstream"),
		NATSURL:          envOrDefault("TRADECORE_NATS_URL", "nats://localhost:4222"),
		PostgresDSN:      os.Getenv("TRADECORE_POSTGRES_DSN"),
		QueueSize:        envIntOrDefault("TRADECORE_QUEUE_SIZE", 1024),
		PublishTimeout:   envDurationOrDefault("TRADECORE_PUBLISH_TIMEOUT", 100*time.Millisecond),
		HandlerTimeout:   envDurationOrDefault("TRADECORE_HANDLER_TIMEOUT", 5*time.Second),
		DedupWindow:      envDurationOrDefault("TRADECORE_DEDUP_WINDOW", 5*time.Minute),
		BreakerThreshold: envIntOrDefault("TRADECORE_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  envDurationOrDefault("TRADECORE_BREAKER_COOLDOWN", 60*time.Second),
		Consumer:         envOrDefault("TRADECORE_CONSUMER", "core-1"),
		MaxBatch:         envIntOrDefault("TRADECORE_MAX_BATCH", 100),
		MaxWait:          envDurationOrDefault("TRADECORE_MAX_WAIT", 500*time.Millisecond),
		CheckpointEvery:  envDurationOrDefault("TRADECORE_CHECKPOINT_EVERY", 60*time.Second),
		CheckpointAcks:   envIntOrDefault("TRADECORE_CHECKPOINT_ACKS", 1000),
		OpsAddr:          envOrDefault("TRADECORE_OPS_ADDR", ":9100"),
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: tradecore starting...")

	cfg := DefaultConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Durable stream store ---
	var store stream.Store
	switch cfg.StoreBackend {
	case "jetstream":
		js, err := stream.OpenJetStream(ctx, stream.JetStreamConfig{
			URL:   cfg.NATSURL,
			Group: "core",
		}, observability.NewLogger("stream"))
		if err != nil {
			log.Fatalf("FATAL: open jetstream store: %v", err)
		}
		store = js
		log.Printf("INFO: jetstream store connected (%s)", cfg.NATSURL)
	case "memory":
		store = stream.NewMemory(stream.MemoryConfig{})
		log.Println("INFO: in-memory store (no durability across restarts)")
	default:
		log.Fatalf("FATAL: unknown store backend %q", cfg.StoreBackend)
	}
	defer store.Close()

	// --- Checkpoints ---
	var checkpoints pipeline.CheckpointStore
	if cfg.PostgresDSN != "" {
		pg, err := pipeline.OpenPostgresCheckpoints(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("FATAL: open postgres checkpoints: %v", err)
		}
		checkpoints = pg
		log.Println("INFO: postgres checkpoints connected")
	} else {
		checkpoints = pipeline.NewMemoryCheckpoints()
		log.Println("INFO: in-memory checkpoints")
	}
	defer checkpoints.Close()

	// --- Bus ---
	eventBus := bus.NewBus(bus.Config{
		QueueSize:        cfg.QueueSize,
		PublishTimeout:   cfg.PublishTimeout,
		HandlerTimeout:   cfg.HandlerTimeout,
		DedupWindow:      cfg.DedupWindow,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	}, metrics, observability.NewLogger("bus"))

	// --- Pipeline ---
	pipe := pipeline.New(pipeline.Config{
		Consumer:        cfg.Consumer,
		MaxBatch:        cfg.MaxBatch,
		MaxWait:         cfg.MaxWait,
		CheckpointEvery: cfg.CheckpointEvery,
		CheckpointAcks:  cfg.CheckpointAcks,
	}, store, eventBus, checkpoints, metrics, observability.NewLogger("pipeline"))
	pipe.Start(ctx)

	// --- Monitor ---
	mon := monitor.New(eventBus, pipe, store, metrics, observability.NewLogger("monitor"))

	// --- Ops HTTP server ---
	errChan := make(chan error, 2)
	opsServer := newOpsServer(cfg.OpsAddr, metrics, healthChecker, mon)
	go func() {
		log.Printf("INFO: ops server listening on %s", cfg.OpsAddr)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("ops server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Printf("INFO: tradecore ready (store=%s, consumer=%s, ops=%s)",
		cfg.StoreBackend, cfg.Consumer, cfg.OpsAddr)

	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: %v, shutting down...", err)
	}

	// --- Graceful shutdown: stop pulling, drain the bus, tear down ---
	healthChecker.SetReady(false)
	cancel()
	pipe.Stop()
	eventBus.Stop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	opsServer.Shutdown(shutCtx)

	log.Println("INFO: tradecore shutdown complete")
}

// newOpsServer exposes metrics, health probes, the monitor snapshot,
// and the replay trigger on one administrative listener.
func newOpsServer(
	addr string,
	metrics *observability.Metrics,
	health *observability.HealthChecker,
	mon *monitor.Monitor,
) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mon.Snapshot())
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := mon.Health()
		w.Header().Set("Content-Type", "application/json")
		if !h.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})

	mux.HandleFunc("/replay", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		req, err := parseReplayRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, err := mon.Replay(r.Context(), req)
		if err == monitor.ErrReplayInProgress {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})

	return &http.Server{Addr: addr, Handler: mux}
}

// parseReplayRequest reads kind, start, end (RFC3339), speed, and limit
// from query parameters.
func parseReplayRequest(r *http.Request) (monitor.ReplayRequest, error) {
	q := r.URL.Query()

	kind, err := event.ParseKind(q.Get("kind"))
	if err != nil {
		return monitor.ReplayRequest{}, fmt.Errorf("kind: %w", err)
	}

	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		return monitor.ReplayRequest{}, fmt.Errorf("start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		return monitor.ReplayRequest{}, fmt.Errorf("end: %w", err)
	}

	req := monitor.ReplayRequest{Kind: kind, Start: start, End: end}

	if v := q.Get("speed"); v != "" {
		speed, err := strconv.ParseFloat(v, 64)
		if err != nil || speed < 0 {
			return monitor.ReplayRequest{}, fmt.Errorf("speed: must be a number >= 0")
		}
		req.Speed = speed
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return monitor.ReplayRequest{}, fmt.Errorf("limit: must be an integer >= 0")
		}
		req.Limit = limit
	}

	return req, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
