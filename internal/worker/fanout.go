package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"event-backbone/internal/models"
	"event-backbone/internal/queue"
	"event-backbone/internal/registry"
	"event-backbone/internal/telemetry"
)

// processFanout delivers one persisted signal to every matching handler in
// registration order. Any handler error fails the whole job; the batch
// re-runs on retry, which is why handlers must be idempotent.
func (w *Worker) processFanout(ctx context.Context, env queue.Envelope) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	sig, err := w.facts.GetSignal(ctx, env.Tenant, env.Ref)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			w.log.Warn("fanout references missing signal, dropping", "signal", env.Ref, "tenant", env.Tenant)
			_ = w.queue.Ack(ctx, env.ID)
			return
		}
		// Store unavailable; leave the lease to expire and redeliver.
		w.log.Warn("load signal failed", "signal", env.Ref, "err", err)
		return
	}

	delivery := registry.Delivery{
		Tenant:        env.Tenant,
		SignalID:      sig.ID,
		SignalName:    sig.Name,
		CorrelationID: sig.CorrelationID,
		CausationID:   sig.CausationID,
		Attempt:       env.Attempt + 1,
	}

	var firstErr error
	for i, handler := range w.reg.HandlersFor(sig.Name) {
		if err := invokeHandler(ctx, handler, sig, delivery); err != nil {
			w.log.Warn("handler failed", "signal", sig.ID, "name", sig.Name, "handler_index", i, "attempt", delivery.Attempt, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr == nil {
		if err := w.queue.Ack(ctx, env.ID); err != nil {
			w.log.Warn("ack fanout failed", "job", env.ID, "err", err)
		}
		telemetry.FanoutSuccess.Inc()
		return
	}

	attempts := env.Attempt + 1
	if attempts >= w.fanoutMaxAttempts() {
		env.Attempt = attempts
		if err := w.queue.DeadLetter(ctx, env, firstErr.Error()); err != nil {
			w.log.Warn("dead-letter fanout failed", "job", env.ID, "err", err)
			return
		}
		telemetry.FanoutDeadLetter.Inc()
		w.log.Error("fanout dead-lettered", "signal", sig.ID, "name", sig.Name, "attempts", attempts, "err", firstErr)
		return
	}

	nextRun := time.Now().Add(backoffWithJitter(w.cfg.BackoffInitial, w.cfg.BackoffMax, attempts))
	if err := w.queue.Retry(ctx, env, nextRun); err != nil {
		w.log.Warn("retry fanout failed", "job", env.ID, "err", err)
		return
	}
	telemetry.FanoutRetries.Inc()
}

func (w *Worker) fanoutMaxAttempts() int {
	if w.cfg.FanoutMaxAttempts > 0 {
		return w.cfg.FanoutMaxAttempts
	}
	return 5
}

// invokeHandler contains panics so a misbehaving handler cannot take the
// worker process down.
func invokeHandler(ctx context.Context, h registry.Handler, sig models.Signal, d registry.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, sig, d)
}
