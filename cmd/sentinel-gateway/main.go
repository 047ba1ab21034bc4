package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/regsentinel/regsentinel/core/audit"
	"github.com/regsentinel/regsentinel/core/controlplane/gateway"
	"github.com/regsentinel/regsentinel/core/infra/buildinfo"
	"github.com/regsentinel/regsentinel/core/infra/bus"
	"github.com/regsentinel/regsentinel/core/infra/config"
	infraMetrics "github.com/regsentinel/regsentinel/core/infra/metrics"
	"github.com/regsentinel/regsentinel/core/policy"
	"github.com/regsentinel/regsentinel/core/review"
)

func main() {
	log.Println("sentinel gateway starting...")
	buildinfo.Log("sentinel-gateway")

	cfg := config.Load()

	metrics := infraMetrics.NewGatewayProm("sentinel_gateway")
	go serveMetrics(cfg.MetricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, ledger, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open policy store: %v", err)
	}
	defer store.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsBus.Close()

	gate := review.NewGate(store, ledger, natsBus, nil)

	srv, err := gateway.New(gateway.Options{
		Store:   store,
		Ledger:  ledger,
		Gate:    gate,
		Events:  natsBus,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}
	if err := srv.StartEventFanout(); err != nil {
		log.Fatalf("failed to subscribe for event fanout: %v", err)
	}

	httpSrv := &http.Server{
		Addr:        cfg.GatewayAddr,
		Handler:     srv.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		log.Printf("gateway listening on %s", cfg.GatewayAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("gateway shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("gateway shutdown error: %v", err)
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
	log.Printf("gateway metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics server error: %v", err)
	}
}
