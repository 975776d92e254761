package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"event-backbone/internal/models"
	"event-backbone/internal/registry"
	"event-backbone/internal/store"
	"event-backbone/internal/telemetry"
)

// FanoutMode controls whether emitting a signal schedules fanout work.
type FanoutMode int

const (
	// FanoutOnCreate schedules fanout only when a new row is created. A
	// dedupe hit returns the existing row without re-scheduling.
	FanoutOnCreate FanoutMode = iota
	// FanoutAlways schedules fanout even when the dedupe lookup returns an
	// existing row.
	FanoutAlways
	// FanoutNone records the fact without scheduling any processing.
	FanoutNone
)

// EmitOptions are the optional fields of an emit call.
type EmitOptions struct {
	DedupeKey     string
	OccurredAt    time.Time
	CorrelationID string
	CausationID   string
	Actor         models.Actor
	Subject       models.Subject
	Source        string
	Fanout        FanoutMode
}

// Bus is the single entry point for recording a signal. It validates,
// deduplicates, persists, and schedules fanout.
type Bus struct {
	facts store.FactStore
	reg   *registry.Registry
	log   *slog.Logger
}

func New(facts store.FactStore, reg *registry.Registry, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{facts: facts, reg: reg, log: log}
}

// Emit records a signal. The boolean reports whether an existing row was
// returned for the dedupe key instead of a new one.
//
// Persistence failures propagate to the caller; fanout scheduling is
// fail-open and never blocks the emit.
func (b *Bus) Emit(ctx context.Context, tenant, name string, payload, metadata map[string]any, opts EmitOptions) (models.Signal, bool, error) {
	if tenant == "" {
		return models.Signal{}, false, fmt.Errorf("%w: tenant is required", models.ErrInvalid)
	}
	if err := models.ValidateName(name); err != nil {
		return models.Signal{}, false, err
	}
	if err := models.ValidateJSONMap("payload", payload); err != nil {
		return models.Signal{}, false, err
	}
	if err := models.ValidateJSONMap("metadata", metadata); err != nil {
		return models.Signal{}, false, err
	}

	actor := opts.Actor
	if actor.Type == "" {
		actor.Type = models.ActorSystem
	}

	sig, existing, err := b.facts.CreateSignal(ctx, store.CreateSignalParams{
		Tenant:        tenant,
		Name:          name,
		Payload:       payload,
		Metadata:      metadata,
		DedupeKey:     opts.DedupeKey,
		Actor:         actor,
		Subject:       opts.Subject,
		CorrelationID: opts.CorrelationID,
		CausationID:   opts.CausationID,
		Source:        opts.Source,
		OccurredAt:    opts.OccurredAt,
	})
	if err != nil {
		return models.Signal{}, false, err
	}
	if existing {
		telemetry.SignalsDeduped.Inc()
	} else {
		telemetry.SignalsEmitted.Inc()
	}

	if b.shouldFanout(existing, opts.Fanout) {
		dispatcher := b.reg.Dispatcher()
		if dispatcher == nil {
			b.log.Debug("no dispatcher configured, fanout skipped", "signal", sig.ID, "name", name)
		} else if err := dispatcher.ScheduleFanout(ctx, tenant, sig.ID, time.Now()); err != nil {
			// The fact is durable; fanout can be replayed later.
			telemetry.FanoutScheduleErrors.Inc()
			b.log.Warn("fanout scheduling failed", "signal", sig.ID, "name", name, "err", err)
		}
	}

	return sig, existing, nil
}

func (b *Bus) shouldFanout(existing bool, mode FanoutMode) bool {
	switch mode {
	case FanoutNone:
		return false
	case FanoutAlways:
		return true
	default:
		return !existing
	}
}
