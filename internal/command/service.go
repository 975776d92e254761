package command

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

// RequestOptions are the optional fields of a directive request.
type RequestOptions struct {
	IdempotencyKey string
	Metadata       map[string]any
	RequestedBy    models.Actor
	Subject        models.Subject
	// AvailableAt defers execution; zero means runnable immediately.
	AvailableAt time.Time
}

// Service records directives and schedules their execution. Idempotency is
// first writer wins: re-requesting an existing (tenant, idempotency_key)
// returns the original directive unconditionally, differing payloads and
// failed status included. Retrying a failed directive requires Rerun.
type Service struct {
	commands store.CommandStore
	reg      *registry.Registry
	log      *slog.Logger
}

func New(commands store.CommandStore, reg *registry.Registry, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{commands: commands, reg: reg, log: log}
}

// Request records a directive and schedules a runner job. The boolean
// reports whether an existing directive was returned for the idempotency
// key.
func (s *Service) Request(ctx context.Context, tenant, name string, payload map[string]any, opts RequestOptions) (models.Directive, bool, error) {
	if tenant == "" {
		return models.Directive{}, false, fmt.Errorf("%w: tenant is required", models.ErrInvalid)
	}
	if err := models.ValidateName(name); err != nil {
		return models.Directive{}, false, err
	}
	if err := models.ValidateJSONMap("payload", payload); err != nil {
		return models.Directive{}, false, err
	}
	if err := models.ValidateJSONMap("metadata", opts.Metadata); err != nil {
		return models.Directive{}, false, err
	}

	requestedBy := opts.RequestedBy
	if requestedBy.Type == "" {
		requestedBy.Type = models.ActorSystem
	}

	d, existing, err := s.commands.CreateDirective(ctx, store.CreateDirectiveParams{
		Tenant:         tenant,
		Name:           name,
		Payload:        payload,
		Metadata:       opts.Metadata,
		IdempotencyKey: opts.IdempotencyKey,
		RequestedBy:    requestedBy,
		Subject:        opts.Subject,
		AvailableAt:    opts.AvailableAt,
	})
	if err != nil {
		return models.Directive{}, false, err
	}
	if existing {
		telemetry.DirectivesDeduped.Inc()
		if d.Payload != nil && payload != nil {
			s.log.Debug("idempotent request reused existing directive", "directive", d.ID, "name", name)
		}
	} else {
		telemetry.DirectivesRequested.Inc()
	}

	// Scheduling a requested directive again is harmless: the runner's
	// conditional claim lets exactly one delivery win. Re-scheduling here
	// makes retried request calls self-healing if an earlier schedule was
	// lost.
	if d.Status == models.StatusRequested {
		s.schedule(ctx, d, false)
	}

	return d, existing, nil
}

// Cancel transitions a directive from requested to canceled. Any other
// current status is a conflict; in-flight directives cannot be canceled.
func (s *Service) Cancel(ctx context.Context, tenant, id string) (models.Directive, error) {
	return s.commands.CancelDirective(ctx, tenant, id)
}

// Rerun re-schedules a failed directive with the rerun flag set. The
// directive keeps its identity; only its processing restarts.
func (s *Service) Rerun(ctx context.Context, tenant, id string, availableAt time.Time) (models.Directive, error) {
	d, err := s.commands.GetDirective(ctx, tenant, id)
	if err != nil {
		return models.Directive{}, err
	}
	if d.Status != models.StatusFailed {
		return models.Directive{}, fmt.Errorf("rerun directive %s: status is %s, not failed: %w", id, d.Status, models.ErrConflict)
	}
	if availableAt.IsZero() {
		availableAt = time.Now()
	} else if err := s.commands.RescheduleDirective(ctx, tenant, id, availableAt); err != nil {
		return models.Directive{}, fmt.Errorf("reschedule directive: %w", err)
	}

	dispatcher := s.reg.Dispatcher()
	if dispatcher == nil {
		return models.Directive{}, fmt.Errorf("rerun directive %s: no dispatcher configured", id)
	}
	if err := dispatcher.ScheduleDirective(ctx, tenant, id, availableAt, true); err != nil {
		return models.Directive{}, fmt.Errorf("schedule rerun: %w", err)
	}
	return d, nil
}

func (s *Service) schedule(ctx context.Context, d models.Directive, rerun bool) {
	dispatcher := s.reg.Dispatcher()
	if dispatcher == nil {
		s.log.Debug("no dispatcher configured, directive not scheduled", "directive", d.ID, "name", d.Name)
		return
	}
	if err := dispatcher.ScheduleDirective(ctx, d.Tenant, d.ID, d.AvailableAt, rerun); err != nil {
		// The directive row is durable; a later request or rerun recovers.
		s.log.Warn("directive scheduling failed", "directive", d.ID, "name", d.Name, "err", err)
	}
}
