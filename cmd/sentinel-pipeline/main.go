package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/regsentinel/regsentinel/core/agents"
	"github.com/regsentinel/regsentinel/core/audit"
	"github.com/regsentinel/regsentinel/core/controlplane/pipeline"
	"github.com/regsentinel/regsentinel/core/impact"
	"github.com/regsentinel/regsentinel/core/infra/buildinfo"
	"github.com/regsentinel/regsentinel/core/infra/bus"
	"github.com/regsentinel/regsentinel/core/infra/config"
	"github.com/regsentinel/regsentinel/core/infra/locks"
	infraMetrics "github.com/regsentinel/regsentinel/core/infra/metrics"
	"github.com/regsentinel/regsentinel/core/policy"
	"github.com/regsentinel/regsentinel/core/review"
)

func main() {
	log.Println("sentinel pipeline starting...")
	buildinfo.Log("sentinel-pipeline")

	cfg := config.Load()

	gov, err := config.LoadGovernance(cfg.GovernancePath)
	if err != nil {
		log.Fatalf("failed to load governance config (%s): %v", cfg.GovernancePath, err)
	}

	metrics := infraMetrics.NewProm("sentinel_pipeline")
	go serveMetrics(cfg.MetricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, ledger, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open policy store: %v", err)
	}
	defer store.Close()

	locker, err := locks.NewRedisLocker(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for locks: %v", err)
	}

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsBus.Close()

	registry, err := buildRegistry(cfg, gov)
	if err != nil {
		log.Fatalf("failed to build agent registry: %v", err)
	}

	scorer := impact.NewScorer(impact.HashEmbedder{}, impact.NewIndex(), gov.Impact)
	gate := review.NewGate(store, ledger, natsBus, metrics)

	engine, err := pipeline.New(pipeline.Options{
		Store:    store,
		Ledger:   ledger,
		Scorer:   scorer,
		Registry: registry,
		Gate:     gate,
		Locker:   locker,
		Events:   natsBus,
		Metrics:  metrics,
		Gov:      gov,
	})
	if err != nil {
		log.Fatalf("failed to build pipeline engine: %v", err)
	}

	if err := engine.RefreshIndex(ctx); err != nil {
		log.Printf("initial policy index failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- engine.Run(ctx) }()

	log.Println("pipeline running. waiting for signals...")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Println("pipeline shutting down")
		cancel()
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Fatalf("pipeline engine error: %v", err)
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config) (policy.Store, audit.Ledger, error) {
	if cfg.PostgresURL != "" {
		store, err := policy.NewPGStore(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		log.Println("using postgres policy store")
		return store, store.Ledger(), nil
	}
	store, err := policy.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	log.Println("using redis policy store")
	return store, store.Ledger(), nil
}

func buildRegistry(cfg *config.Config, gov *config.Governance) (*agents.Registry, error) {
	var service agents.DraftService
	if cfg.DraftServiceURL != "" {
		service = agents.NewHTTPDraftService(cfg.DraftServiceURL, gov.Generation.DraftTimeout(), gov.Generation.DraftRetries)
		log.Printf("draft service enabled at %s", cfg.DraftServiceURL)
	}
	available := map[string]agents.Generator{
		agents.DrafterName:      agents.NewDrafter(service),
		agents.RiskAssessorName: agents.RiskAssessor{},
	}
	ordered := make([]agents.Generator, 0, len(gov.Agents.Priority))
	for _, name := range gov.Agents.Priority {
		gen, ok := available[name]
		if !ok {
			log.Printf("skipping unknown agent %q in priority list", name)
			continue
		}
		ordered = append(ordered, gen)
	}
	return agents.NewRegistry(ordered...)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", infraMetrics.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Printf("pipeline metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics server error: %v", err)
	}
}
