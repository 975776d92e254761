package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"event-backbone/internal/archive"
	"event-backbone/internal/bus"
	"event-backbone/internal/config"
	"event-backbone/internal/models"
	"event-backbone/internal/queue"
	"event-backbone/internal/registry"
	"event-backbone/internal/store"
	"event-backbone/internal/telemetry"
	"event-backbone/internal/worker"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "err", err)
		os.Exit(1)
	}

	q := queue.New(cfg)
	reg := registry.New()
	reg.SetDispatcher(q)

	signalBus := bus.New(st, reg, log)

	exporter, err := archive.NewExporter(ctx, cfg, st)
	if err != nil {
		log.Error("init archive exporter", "err", err)
		os.Exit(1)
	}
	reg.RegisterExecutor(archive.DirectiveName, exporter.Execute)

	// Lifecycle signals land here for an operator-visible trail while
	// platform consumers bring their own bindings.
	reg.RegisterHandler("directive.*", func(_ context.Context, sig models.Signal, d registry.Delivery) error {
		log.Info("directive lifecycle", "name", sig.Name, "signal", sig.ID, "tenant", d.Tenant, "attempt", d.Attempt)
		return nil
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "err", err)
		}
	}()

	w := worker.New(cfg, q, st, st, signalBus, reg, log)
	log.Info("worker started", "visibility", cfg.VisibilityTimeout.String(), "backoff_initial", cfg.BackoffInitial.String())
	if err := w.Run(ctx); err != nil {
		log.Info("worker stopped", "err", err)
	}
}
