// The outbox relay drains committed change events from the store and
// publishes them to the change topic for out-of-process subscribers.
// It runs alongside the API server; neither the API's correctness nor
// its in-process push channel depends on it.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool-booking/internal/config"
	"github.com/example/carpool-booking/internal/logging"
	"github.com/example/carpool-booking/internal/notify"
	"github.com/example/carpool-booking/internal/storage"
)

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger("outbox-relay", cfg.LogLevel)

	if cfg.PGDSN == "" {
		logger.Error("PG_DSN is required; the relay drains the durable outbox")
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		logger.Error("KAFKA_BROKERS is required")
		os.Exit(1)
	}

	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	producer := notify.NewChangeProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.DB().PingContext(r.Context()); err != nil {
				http.Error(w, "postgres not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay := &notify.Relay{
		Source:   store,
		Pub:      producer,
		Log:      logger,
		Interval: cfg.OutboxPollInterval,
		Batch:    cfg.OutboxBatchSize,
	}
	if err := relay.Run(ctx); err != nil {
		logger.Error("relay stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("relay shut down")
}
