package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/rawblock/expense-resolver/internal/api"
	"github.com/rawblock/expense-resolver/internal/clock"
	"github.com/rawblock/expense-resolver/internal/config"
	"github.com/rawblock/expense-resolver/internal/db"
	"github.com/rawblock/expense-resolver/internal/fakes"
	"github.com/rawblock/expense-resolver/internal/ingestion"
	"github.com/rawblock/expense-resolver/internal/jobs"
	"github.com/rawblock/expense-resolver/internal/llm"
	"github.com/rawblock/expense-resolver/internal/matching"
	"github.com/rawblock/expense-resolver/internal/ports"
	"github.com/rawblock/expense-resolver/internal/resolver"
	"github.com/rawblock/expense-resolver/internal/worker"
)

const (
	smallModel = anthropic.Model("claude-3-5-haiku-20241022")
	largeModel = anthropic.Model("claude-3-5-sonnet-20241022")
)

func main() {
	log.Println("Starting expense-resolver engine...")

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: failed to connect to Postgres: %v", err)
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		log.Fatalf("FATAL: schema init failed: %v", err)
	}

	clk := clock.Real{}

	var llmProvider ports.LlmProvider
	var embeddingProvider ports.EmbeddingProvider
	var ocrProvider ports.OcrProvider
	var blobStore ports.BlobStore

	if cfg.EnableSynthetic || cfg.AnthropicAPIKey == "" {
		log.Println("[Engine] running with synthetic providers (ENABLE_SYNTHETIC=true or ANTHROPIC_API_KEY unset)")
		llmProvider = fakes.LlmProvider{}
		embeddingProvider = fakes.NewEmbeddingProvider(16)
	} else {
		llmProvider = llm.New(cfg.AnthropicAPIKey, smallModel, largeModel)
		embeddingProvider = llm.NewEmbeddingProvider(cfg.AnthropicAPIKey, "", "voyage-3-lite")
	}
	// No production-grade OCR SDK or object-storage SDK is wired into this
	// deployment yet; both run against the in-memory fakes regardless of
	// ENABLE_SYNTHETIC until a real provider is selected.
	ocrProvider = fakes.OcrProvider{}
	blobStore = fakes.NewBlobStore()

	wsHub := api.NewHub()
	go wsHub.Run()

	resolverStats := resolver.NewStats()
	onResolverRecord := func(r resolver.Record) {
		resolverStats.Observe(r)
		log.Printf("[Resolver] kind=%s tier=%s cache_hit=%t confidence=%.2f latency_ms=%d",
			r.QuestionKind, r.TierReached, r.CacheHit, r.Confidence, r.LatencyMs)
	}
	res := resolver.New(resolver.Deps{
		Embedding: embeddingProvider,
		Vectors:   store,
		Small:     llmProvider,
		Large:     llmProvider,
		Cache:     store,
		Seeds:     store,
		Clock:     clk,
	}, cfg.Resolver, cfg.Breaker, onResolverRecord)

	onMatchRecord := func(r matching.ObservabilityRecord) {
		log.Printf("[Matching] receipt=%s outcome=%s candidates=%d", r.ReceiptID, r.Outcome, len(r.TopK))
	}
	eng := matching.New(store, embeddingProvider, store, clk, cfg.Matching, onMatchRecord)

	importer := ingestion.NewImporter(store, res, clk)

	ownerID, _ := os.Hostname()
	onJobEvent := func(e jobs.Event) {
		wsHub.Broadcast(mustJSON(map[string]any{
			"type":     "job_event",
			"job_id":   e.JobID,
			"kind":     e.Kind,
			"status":   e.Status,
			"progress": e.Progress,
			"error":    e.Error,
		}))
	}
	queue := jobs.NewQueue(store, cfg.Jobs, clk, ownerID, onJobEvent)

	handlers := &worker.Handlers{
		Store:    store,
		Blobs:    blobStore,
		Ocr:      ocrProvider,
		Resolver: res,
		Matching: eng,
		Queue:    queue,
		Clock:    clk,
	}
	handlers.Register(queue)

	go queue.Run(ctx)
	go runLeaseReaper(ctx, store, clk, cfg.Jobs.LeaseTTL)

	router := api.SetupRouter(store, blobStore, res, resolverStats, eng, importer, queue, wsHub, cfg.APIAuthToken)

	go func() {
		log.Printf("[Engine] listening on :%s", cfg.Port)
		if err := router.Run(":" + cfg.Port); err != nil {
			log.Fatalf("FATAL: server exited: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("[Engine] shutting down...")
	cancel()
}

// runLeaseReaper periodically reclaims jobs whose worker died mid-lease:
// ClaimNext only ever selects status='pending', so a crashed worker's row
// would otherwise stay 'running' forever. Sweeping once per lease TTL
// returns such a row to pending within about two lease TTLs of its last
// renewal.
func runLeaseReaper(ctx context.Context, store *db.Store, clk clock.Clock, interval time.Duration) {
	if interval <= 0 {
		interval = 90 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.ReleaseExpiredLeases(ctx, clk.Now())
			if err != nil {
				log.Printf("[Engine] lease reaper error: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[Engine] lease reaper reclaimed %d job(s)", n)
			}
		}
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
