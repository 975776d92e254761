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

// processDirective enforces the directive state machine for one delivered
// job. Duplicate deliveries are absorbed here: terminal directives are
// no-ops and the running transition is a conditional claim only one
// delivery can win.
func (w *Worker) processDirective(ctx context.Context, env queue.Envelope) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	d, err := w.commands.GetDirective(ctx, env.Tenant, env.Ref)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			w.log.Warn("job references missing directive, dropping", "directive", env.Ref, "tenant", env.Tenant)
			_ = w.queue.Ack(ctx, env.ID)
			return
		}
		// Store unavailable; leave the lease to expire and redeliver.
		w.log.Warn("load directive failed", "directive", env.Ref, "err", err)
		return
	}

	// Not yet due: push the job back without touching directive state.
	if d.AvailableAt.After(time.Now()) {
		if err := w.queue.Snooze(ctx, env, d.AvailableAt); err != nil {
			w.log.Warn("snooze directive failed", "directive", d.ID, "err", err)
		}
		return
	}

	// Terminal directives and failed ones without an explicit rerun flag
	// make redelivered jobs no-ops.
	if models.Terminal(d.Status) || (d.Status == models.StatusFailed && !env.Rerun) {
		_ = w.queue.Ack(ctx, env.ID)
		return
	}

	claimed, ok, err := w.commands.ClaimDirective(ctx, env.Tenant, env.Ref, env.Rerun)
	if err != nil {
		w.log.Warn("claim directive failed", "directive", d.ID, "err", err)
		return
	}
	if !ok {
		// Another delivery won the claim.
		_ = w.queue.Ack(ctx, env.ID)
		return
	}
	d = claimed

	// The executor budget can exceed the visibility timeout. Extend the
	// lease to cover it so the job is not reclaimed and redelivered while
	// the executor is still running.
	if err := w.queue.ExtendLease(ctx, env.ID, w.executorTimeout()+w.pollInterval()); err != nil {
		w.log.Warn("extend lease failed", "job", env.ID, "err", err)
	}

	w.emitLifecycle(ctx, d, "started", nil)

	executor, found := w.reg.ExecutorFor(d.Name)
	if !found {
		w.finish(ctx, d, nil, &models.DirectiveError{
			Kind:    models.ErrKindUnknownDirective,
			Message: fmt.Sprintf("no executor registered for %q", d.Name),
		})
		_ = w.queue.Ack(ctx, env.ID)
		return
	}

	delivery := registry.Delivery{
		Tenant:  env.Tenant,
		Attempt: d.AttemptCount,
	}
	result, execErr := w.invokeExecutor(ctx, executor, d, delivery)
	if execErr != nil {
		w.finish(ctx, d, nil, execErr)
	} else {
		w.finish(ctx, d, result, nil)
	}
	_ = w.queue.Ack(ctx, env.ID)
}

// finish persists the outcome and emits the matching lifecycle signal.
func (w *Worker) finish(ctx context.Context, d models.Directive, result map[string]any, derr *models.DirectiveError) {
	if derr != nil {
		updated, err := w.commands.FinishDirective(ctx, d.Tenant, d.ID, models.StatusFailed, nil, derr)
		if err != nil {
			w.log.Error("record directive failure failed", "directive", d.ID, "err", err)
			return
		}
		telemetry.DirectivesFailed.Inc()
		w.emitLifecycle(ctx, updated, "failed", map[string]any{
			"error_kind":    derr.Kind,
			"error_message": derr.Message,
		})
		return
	}
	updated, err := w.commands.FinishDirective(ctx, d.Tenant, d.ID, models.StatusSucceeded, result, nil)
	if err != nil {
		w.log.Error("record directive success failed", "directive", d.ID, "err", err)
		return
	}
	telemetry.DirectivesSucceeded.Inc()
	w.emitLifecycle(ctx, updated, "succeeded", nil)
}

type execOutcome struct {
	result   map[string]any
	err      error
	panicked bool
}

// invokeExecutor runs the executor under a bounded timeout with panic
// containment. A hung executor that ignores its context cannot pin a worker
// past the deadline; it is abandoned and the directive fails with kind
// timeout.
func (w *Worker) executorTimeout() time.Duration {
	if w.cfg.ExecutorTimeout > 0 {
		return w.cfg.ExecutorTimeout
	}
	return time.Minute
}

func (w *Worker) invokeExecutor(ctx context.Context, exec registry.Executor, d models.Directive, del registry.Delivery) (map[string]any, *models.DirectiveError) {
	timeout := w.executorTimeout()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: fmt.Errorf("executor panic: %v", r), panicked: true}
			}
		}()
		result, err := exec(execCtx, d, del)
		done <- execOutcome{result: result, err: err}
	}()

	select {
	case <-execCtx.Done():
		return nil, &models.DirectiveError{
			Kind:    models.ErrKindTimeout,
			Message: fmt.Sprintf("executor for %q exceeded %s", d.Name, timeout),
		}
	case out := <-done:
		if out.err != nil {
			kind := models.ErrKindExecutor
			switch {
			case out.panicked:
				kind = models.ErrKindPanic
			case errors.Is(out.err, context.DeadlineExceeded):
				kind = models.ErrKindTimeout
			}
			return nil, &models.DirectiveError{Kind: kind, Message: out.err.Error()}
		}
		return out.result, nil
	}
}
