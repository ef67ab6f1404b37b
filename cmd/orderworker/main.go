// The orderworker binary drains the submitted-orders queue, validates each
// order against the catalog and user store, and writes order rows. It is a
// worker, not an orchestrator: authentication, HTTP serving, and deployment
// live upstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/tkersh/orderworker/internal/config"
	"github.com/tkersh/orderworker/internal/database"
	"github.com/tkersh/orderworker/pkg/breaker"
	"github.com/tkersh/orderworker/pkg/observability"
	"github.com/tkersh/orderworker/pkg/queue"
	"github.com/tkersh/orderworker/pkg/secrets"
	"github.com/tkersh/orderworker/pkg/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		// A second signal restores default handling so it kills the
		// process immediately.
		<-ctx.Done()
		stop()
	}()

	hub, err := observability.New(ctx, cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "observability setup error: %v\n", err)
		return 1
	}
	log := hub.Logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hub.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry shutdown error: %v\n", err)
		}
	}()

	metricsServer := &http.Server{
		Addr:    ":" + cfg.Observability.MetricsPort,
		Handler: metricsMux(hub),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error("AWS configuration error", zap.Error(err))
		return 1
	}

	provider := secrets.NewProvider(secretsmanager.NewFromConfig(awsCfg), cfg.Secrets, log)
	cred, err := provider.FetchWithRetry(ctx)
	if err != nil {
		log.Error("credential fetch failed, exiting", zap.Error(err))
		return 1
	}

	pool, err := database.Connect(ctx, cfg.Database, cred, log)
	if err != nil {
		log.Error("database connection failed, exiting", zap.Error(err))
		return 1
	}
	defer pool.Close()
	if err := hub.Metrics.RegisterPoolGauges(pool.Stat); err != nil {
		log.Error("gauge registration failed", zap.Error(err))
		return 1
	}

	brk := breaker.New(cfg.Breaker, log)
	if err := hub.Metrics.RegisterBreakerState(brk.State); err != nil {
		log.Error("gauge registration failed", zap.Error(err))
		return 1
	}
	store := database.NewStore(breaker.Guard(pool, brk, hub.Metrics))

	client := queue.NewClient(sqs.NewFromConfig(awsCfg), cfg.Queue, log)
	processor := worker.NewProcessor(store, client, cfg.Worker, cfg.Queue, hub)
	workers, err := worker.NewPool(client, processor, cfg.Worker, cfg.Queue, hub)
	if err != nil {
		log.Error("worker pool setup failed", zap.Error(err))
		return 1
	}

	// SIGHUP rotates the credential: re-fetch and rebuild the pool in
	// place. In-flight queries drain on the old pool.
	refresh := make(chan os.Signal, 1)
	signal.Notify(refresh, syscall.SIGHUP)
	defer signal.Stop(refresh)
	go func() {
		for range refresh {
			log.Info("credential refresh requested")
			newCred, err := provider.Fetch(ctx)
			if err != nil {
				log.Error("credential refresh failed, keeping current pool", zap.Error(err))
				continue
			}
			if err := pool.Rebuild(ctx, newCred); err != nil {
				log.Error("pool rebuild failed, keeping current pool", zap.Error(err))
			}
		}
	}()

	log.Info("worker starting",
		zap.String("queue", cfg.Queue.QueueURL),
		zap.Int("concurrency", cfg.Worker.Concurrency))
	workers.Start(ctx)

	if err := workers.Wait(); err != nil {
		log.Error("worker stopped on fatal error", zap.Error(err))
		return 1
	}
	log.Info("worker stopped cleanly")
	return 0
}

func metricsMux(hub *observability.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", hub.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
