package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"event-backbone/internal/bus"
	"event-backbone/internal/config"
	"event-backbone/internal/models"
	"event-backbone/internal/queue"
	"event-backbone/internal/registry"
	"event-backbone/internal/store"
	"event-backbone/internal/telemetry"
)

// Worker drives the fanout dispatcher and directive runner loops off the
// durable queue. Delivery is at-least-once; every processing path absorbs
// duplicates through handler idempotency or the directive state machine.
type Worker struct {
	cfg      config.Config
	queue    *queue.Queue
	facts    store.FactStore
	commands store.CommandStore
	bus      *bus.Bus
	reg      *registry.Registry
	log      *slog.Logger
}

func New(cfg config.Config, q *queue.Queue, facts store.FactStore, commands store.CommandStore, b *bus.Bus, reg *registry.Registry, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{cfg: cfg, queue: q, facts: facts, commands: commands, bus: b, reg: reg, log: log}
}

// Run polls the queue until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.housekeep(ctx)

		worked := false
		if env, ok, err := w.queue.Dequeue(ctx, queue.KindFanout); err != nil {
			w.log.Warn("dequeue fanout failed", "err", err)
		} else if ok {
			w.processFanout(ctx, env)
			worked = true
		}
		if env, ok, err := w.queue.Dequeue(ctx, queue.KindDirective); err != nil {
			w.log.Warn("dequeue directive failed", "err", err)
		} else if ok {
			w.processDirective(ctx, env)
			worked = true
		}

		if !worked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.pollInterval()):
			}
		}
	}
}

func (w *Worker) pollInterval() time.Duration {
	if w.cfg.WorkerPollInterval > 0 {
		return w.cfg.WorkerPollInterval
	}
	return time.Second
}

// housekeep promotes due scheduled jobs and reclaims expired leases so
// crashed workers do not strand work.
func (w *Worker) housekeep(ctx context.Context) {
	batch := int64(w.cfg.ScheduledBatchSize)
	if batch <= 0 {
		batch = 100
	}
	if _, err := w.queue.PromoteScheduled(ctx, time.Now(), batch); err != nil {
		w.log.Warn("promote scheduled failed", "err", err)
	}
	if reclaimed, err := w.queue.RequeueExpired(ctx, time.Now(), batch); err != nil {
		w.log.Warn("requeue expired failed", "err", err)
	} else if len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		w.log.Info("reclaimed expired leases", "count", len(reclaimed))
	}
	depth := int64(0)
	if n, err := w.queue.ReadyDepth(ctx, queue.KindFanout); err == nil {
		depth += n
	}
	if n, err := w.queue.ReadyDepth(ctx, queue.KindDirective); err == nil {
		depth += n
	}
	telemetry.QueueDepthGauge.Set(float64(depth))
}

// emitLifecycle records a directive lifecycle signal through the bus. The
// dedupe key includes the attempt count so duplicate deliveries of the same
// attempt collapse while reruns still get fresh signals. Failure to emit
// never aborts directive processing.
func (w *Worker) emitLifecycle(ctx context.Context, d models.Directive, event string, extra map[string]any) {
	payload := map[string]any{
		"directive_id":   d.ID,
		"directive_name": d.Name,
		"attempt":        d.AttemptCount,
	}
	for k, v := range extra {
		payload[k] = v
	}
	name := "directive." + event
	correlation := ""
	if v, ok := d.Metadata["correlation_id"].(string); ok {
		correlation = v
	}
	_, _, err := w.bus.Emit(ctx, d.Tenant, name, payload, nil, bus.EmitOptions{
		DedupeKey:     fmt.Sprintf("%s:%s:%d", name, d.ID, d.AttemptCount),
		Actor:         models.Actor{Type: models.ActorSystem, ID: "directive-runner"},
		Subject:       models.Subject{Type: "directive", ID: d.ID},
		CorrelationID: correlation,
		CausationID:   d.ID,
		Source:        "worker",
	})
	if err != nil {
		w.log.Warn("lifecycle emit failed", "directive", d.ID, "event", event, "err", err)
	}
}
