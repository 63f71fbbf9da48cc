package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joelkehle/chatflow/internal/broadcast"
	"github.com/joelkehle/chatflow/internal/durable"
	"github.com/joelkehle/chatflow/internal/flush"
	"github.com/joelkehle/chatflow/internal/generate"
	"github.com/joelkehle/chatflow/internal/hotstore"
	"github.com/joelkehle/chatflow/internal/httpapi"
	"github.com/joelkehle/chatflow/internal/profile"
	"github.com/joelkehle/chatflow/internal/queue"
	"github.com/joelkehle/chatflow/internal/scheduler"
	"github.com/joelkehle/chatflow/internal/telemetry"
)

func envDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("ignoring invalid %s=%q", name, v)
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("ignoring invalid %s=%q", name, v)
	}
	return def
}

// pipelineHealth aggregates counters from every stage for /v1/health.
type pipelineHealth struct {
	queue       *queue.Queue
	flusher     *flush.Worker
	sched       *scheduler.Scheduler
	deadLetters *durable.DeadLetters
	hub         *broadcast.Hub
}

func (h *pipelineHealth) Snapshot(ctx context.Context) map[string]any {
	processed, failed, rejected := h.queue.Stats()
	flushed, deadlettered, truncated := h.flusher.Stats()
	out := map[string]any{
		"jobs_processed":        processed,
		"jobs_failed":           failed,
		"jobs_rejected":         rejected,
		"messages_flushed":      flushed,
		"batches_deadlettered":  deadlettered,
		"messages_truncated":    truncated,
		"pending_conversations": h.sched.PendingConversations(),
		"broadcasts_dropped":    h.hub.Dropped(),
	}
	if n, err := h.deadLetters.PendingCount(ctx); err == nil {
		out["dead_letters_pending"] = n
	}
	return out
}

func main() {
	dbFlag := flag.String("db", "", "path to SQLite database file (overrides DB_PATH env var)")
	flag.Parse()

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	dbPath := *dbFlag
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}
	if dbPath == "" {
		dbPath = "./data/chatflow.db"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "chatflow")
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}

	store, err := durable.NewStore(dbPath, nil)
	if err != nil {
		log.Fatalf("failed to initialize sqlite store (%s): %v", dbPath, err)
	}
	defer store.Close()
	log.Printf("using sqlite store at %s", dbPath)

	deadLetters := durable.NewDeadLetters(store.DB())
	profiles := profile.NewProvider(store.DB(), profile.Config{
		CacheTTL: envDuration("PROFILE_CACHE_TTL", 5*time.Minute),
	})

	hot := hotstore.NewMemoryStore(hotstore.Config{
		TTL:                envDuration("HOT_TTL", 30*time.Minute),
		MaxPerConversation: envInt("HOT_MAX_MESSAGES", 200),
	})
	hub := broadcast.NewHub(nil)

	generator, err := generate.NewAnthropicGeneratorFromEnv(generate.AnthropicConfig{
		CallTimeout: envDuration("GENERATE_TIMEOUT", 30*time.Second),
	})
	if err != nil {
		log.Fatalf("failed to initialize generator: %v", err)
	}

	sched := scheduler.New(scheduler.Config{
		Delay: envDuration("FLUSH_DELAY", 2*time.Minute),
	})

	q := queue.New(queue.Config{
		QueueSize:    envInt("QUEUE_SIZE", 256),
		Workers:      envInt("QUEUE_WORKERS", 4),
		MaxAttempts:  envInt("GENERATE_MAX_ATTEMPTS", 3),
		HistoryLimit: envInt("HISTORY_LIMIT", 20),
	}, queue.Deps{
		Hot:       hot,
		History:   store,
		Profiles:  profiles,
		Generator: generator,
		Hub:       hub,
		Scheduler: sched,
	})

	// The lease only matters when several instances share one database.
	var leases flush.Leases
	leaseTTL := envDuration("FLUSH_LEASE_TTL", 0)
	if leaseTTL > 0 {
		leases = durable.NewLeases(store.DB())
	}
	flusher := flush.NewWorker(flush.Config{
		PollInterval:  envDuration("FLUSH_POLL_INTERVAL", 10*time.Second),
		MaxBatchSize:  envInt("FLUSH_MAX_BATCH", 100),
		MaxAttempts:   envInt("FLUSH_MAX_ATTEMPTS", 3),
		LeaseTTL:      leaseTTL,
		ShutdownGrace: envDuration("FLUSH_SHUTDOWN_GRACE", 10*time.Second),
	}, store, deadLetters, sched, leases)

	health := &pipelineHealth{
		queue:       q,
		flusher:     flusher,
		sched:       sched,
		deadLetters: deadLetters,
		hub:         hub,
	}

	handler := httpapi.NewServer(httpapi.ServerConfig{
		HistoryLimit: envInt("HISTORY_LIMIT", 50),
	}, hot, store, deadLetters, hub, q, profiles, health)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	q.Start(workerCtx)

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		flusher.Run(workerCtx)
	}()

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("chatflow listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	// Shutdown order: stop intake, finish buffered generation, then force a
	// final flush of everything still pending.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	q.Stop()
	if err := q.Drain(shutdownCtx); err != nil {
		log.Printf("queue drain: %v", err)
	}

	cancelWorkers()
	select {
	case <-flushDone:
	case <-shutdownCtx.Done():
		log.Printf("flush worker did not finish in time")
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
	log.Printf("shutdown complete")
}
