package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"event-backbone/internal/models"
)

// CreateSignalParams collects inputs required to append a signal.
type CreateSignalParams struct {
	Tenant        string
	Name          string
	Payload       map[string]any
	Metadata      map[string]any
	DedupeKey     string
	Actor         models.Actor
	Subject       models.Subject
	CorrelationID string
	CausationID   string
	Source        string
	OccurredAt    time.Time
}

// SignalFilter selects persisted signals for the read API and replay.
// Zero-valued fields are ignored.
type SignalFilter struct {
	Tenant      string
	Name        string
	SubjectType string
	SubjectID   string
	IDs         []string
	From        time.Time
	To          time.Time
	Limit       int
}

// CreateDirectiveParams collects inputs required to record a directive.
type CreateDirectiveParams struct {
	Tenant         string
	Name           string
	Payload        map[string]any
	Metadata       map[string]any
	IdempotencyKey string
	RequestedBy    models.Actor
	Subject        models.Subject
	AvailableAt    time.Time
}

// DirectiveFilter selects directives for the read API.
type DirectiveFilter struct {
	Tenant         string
	SubjectType    string
	SubjectID      string
	IdempotencyKey string
	Status         string
	Limit          int
}

// FactStore is append-only persistence for signals with a per-tenant dedupe
// index. Signals are never updated or deleted.
type FactStore interface {
	// CreateSignal appends a signal, honoring the dedupe key if provided.
	// The boolean reports whether an existing row was reused.
	CreateSignal(ctx context.Context, p CreateSignalParams) (models.Signal, bool, error)
	GetSignal(ctx context.Context, tenant, id string) (models.Signal, error)
	ListSignals(ctx context.Context, f SignalFilter) ([]models.Signal, error)
}

// CommandStore persists directives and owns every status mutation. All
// transitions go through the conditional-update methods so concurrent
// duplicate deliveries cannot double-claim a directive.
type CommandStore interface {
	// CreateDirective inserts a directive, honoring the idempotency key if
	// provided. The boolean reports whether an existing row was reused.
	CreateDirective(ctx context.Context, p CreateDirectiveParams) (models.Directive, bool, error)
	GetDirective(ctx context.Context, tenant, id string) (models.Directive, error)
	FindDirectiveByKey(ctx context.Context, tenant, key string) (models.Directive, bool, error)
	ListDirectives(ctx context.Context, f DirectiveFilter) ([]models.Directive, error)
	// ClaimDirective conditionally transitions requested (and, when rerun is
	// set, failed) to running. The boolean is false when another delivery
	// already claimed the row.
	ClaimDirective(ctx context.Context, tenant, id string, rerun bool) (models.Directive, bool, error)
	// FinishDirective transitions running to succeeded or failed, recording
	// the result or error.
	FinishDirective(ctx context.Context, tenant, id, status string, result map[string]any, derr *models.DirectiveError) (models.Directive, error)
	// CancelDirective conditionally transitions requested to canceled;
	// returns models.ErrConflict for any other current status.
	CancelDirective(ctx context.Context, tenant, id string) (models.Directive, error)
	// RescheduleDirective pushes available_at forward on a failed directive
	// ahead of an explicit rerun. Status is untouched.
	RescheduleDirective(ctx context.Context, tenant, id string, availableAt time.Time) error
}

// Store wraps pgxpool for Postgres persistence. It implements both FactStore
// and CommandStore.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ FactStore    = (*Store)(nil)
	_ CommandStore = (*Store)(nil)
)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
