package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"event-backbone/internal/registry"
	"event-backbone/internal/store"
	"event-backbone/internal/telemetry"
)

// Service re-triggers fanout for already-persisted signals: backfilling a
// newly deployed handler against history, reproducing a past event for
// debugging, or incident-scoped reprocessing. The signals themselves are
// never duplicated, only their processing. No ordering or exactly-once
// guarantee; this is safe only because handlers are idempotent.
type Service struct {
	facts store.FactStore
	reg   *registry.Registry
	log   *slog.Logger
}

func New(facts store.FactStore, reg *registry.Registry, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{facts: facts, reg: reg, log: log}
}

// Options bound the size of a replay.
type Options struct {
	Limit int
}

// Recent schedules fanout for the most recent signals of a tenant.
func (s *Service) Recent(ctx context.Context, tenant string, opts Options) (int, error) {
	return s.schedule(ctx, store.SignalFilter{Tenant: tenant, Limit: opts.Limit})
}

// ByName schedules fanout for recent signals with an exact name.
func (s *Service) ByName(ctx context.Context, tenant, name string, opts Options) (int, error) {
	return s.schedule(ctx, store.SignalFilter{Tenant: tenant, Name: name, Limit: opts.Limit})
}

// ByIDs schedules fanout for specific signals.
func (s *Service) ByIDs(ctx context.Context, tenant string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.schedule(ctx, store.SignalFilter{Tenant: tenant, IDs: ids, Limit: len(ids)})
}

// TimeRange schedules fanout for signals that occurred in [from, to).
func (s *Service) TimeRange(ctx context.Context, tenant string, from, to time.Time, opts Options) (int, error) {
	return s.schedule(ctx, store.SignalFilter{Tenant: tenant, From: from, To: to, Limit: opts.Limit})
}

func (s *Service) schedule(ctx context.Context, f store.SignalFilter) (int, error) {
	if f.Tenant == "" {
		return 0, errors.New("tenant is required")
	}
	dispatcher := s.reg.Dispatcher()
	if dispatcher == nil {
		return 0, errors.New("replay requires a dispatcher")
	}

	signals, err := s.facts.ListSignals(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("load signals for replay: %w", err)
	}

	scheduled := 0
	for _, sig := range signals {
		if err := dispatcher.ScheduleFanout(ctx, sig.Tenant, sig.ID, time.Now()); err != nil {
			return scheduled, fmt.Errorf("schedule replay for signal %s: %w", sig.ID, err)
		}
		scheduled++
		telemetry.ReplayScheduled.Inc()
	}
	s.log.Info("replay scheduled", "tenant", f.Tenant, "count", scheduled)
	return scheduled, nil
}
