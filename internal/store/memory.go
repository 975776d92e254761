package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"event-backbone/internal/models"
)

// Memory is an in-memory implementation of FactStore and CommandStore with
// the same dedupe/idempotency and conditional-transition semantics as the
// Postgres store. It backs unit tests and local development without a
// database.
type Memory struct {
	mu         sync.Mutex
	signals    map[string]models.Signal   // id -> signal
	dedupe     map[string]string          // tenant+"\x00"+key -> signal id
	directives map[string]models.Directive // id -> directive
	idem       map[string]string          // tenant+"\x00"+key -> directive id
}

var (
	_ FactStore    = (*Memory)(nil)
	_ CommandStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		signals:    make(map[string]models.Signal),
		dedupe:     make(map[string]string),
		directives: make(map[string]models.Directive),
		idem:       make(map[string]string),
	}
}

func scopedKey(tenant, key string) string {
	return tenant + "\x00" + key
}

func (m *Memory) CreateSignal(_ context.Context, p CreateSignalParams) (models.Signal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.DedupeKey != "" {
		if id, ok := m.dedupe[scopedKey(p.Tenant, p.DedupeKey)]; ok {
			return m.signals[id], true, nil
		}
	}

	now := time.Now().UTC()
	occurred := p.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	sig := models.Signal{
		ID:            uuid.New().String(),
		Tenant:        p.Tenant,
		Name:          p.Name,
		Payload:       p.Payload,
		Metadata:      p.Metadata,
		DedupeKey:     strPtr(p.DedupeKey),
		ActorType:     p.Actor.Type,
		ActorID:       p.Actor.ID,
		SubjectType:   p.Subject.Type,
		SubjectID:     p.Subject.ID,
		CorrelationID: p.CorrelationID,
		CausationID:   p.CausationID,
		Source:        p.Source,
		OccurredAt:    occurred,
		InsertedAt:    now,
	}
	m.signals[sig.ID] = sig
	if p.DedupeKey != "" {
		m.dedupe[scopedKey(p.Tenant, p.DedupeKey)] = sig.ID
	}
	return sig, false, nil
}

func (m *Memory) GetSignal(_ context.Context, tenant, id string) (models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[id]
	if !ok || sig.Tenant != tenant {
		return models.Signal{}, fmt.Errorf("signal %s: %w", id, models.ErrNotFound)
	}
	return sig, nil
}

func (m *Memory) ListSignals(_ context.Context, f SignalFilter) ([]models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idSet := map[string]bool{}
	for _, id := range f.IDs {
		idSet[id] = true
	}

	var out []models.Signal
	for _, sig := range m.signals {
		if sig.Tenant != f.Tenant {
			continue
		}
		if f.Name != "" && sig.Name != f.Name {
			continue
		}
		if f.SubjectType != "" && sig.SubjectType != f.SubjectType {
			continue
		}
		if f.SubjectID != "" && sig.SubjectID != f.SubjectID {
			continue
		}
		if len(idSet) > 0 && !idSet[sig.ID] {
			continue
		}
		if !f.From.IsZero() && sig.OccurredAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !sig.OccurredAt.Before(f.To) {
			continue
		}
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateDirective(_ context.Context, p CreateDirectiveParams) (models.Directive, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.IdempotencyKey != "" {
		if id, ok := m.idem[scopedKey(p.Tenant, p.IdempotencyKey)]; ok {
			return m.directives[id], true, nil
		}
	}

	now := time.Now().UTC()
	available := p.AvailableAt
	if available.IsZero() {
		available = now
	}
	d := models.Directive{
		ID:             uuid.New().String(),
		Tenant:         p.Tenant,
		Name:           p.Name,
		Payload:        p.Payload,
		Metadata:       p.Metadata,
		IdempotencyKey: strPtr(p.IdempotencyKey),
		Status:         models.StatusRequested,
		RequestedBy:    p.RequestedBy,
		SubjectType:    p.Subject.Type,
		SubjectID:      p.Subject.ID,
		AvailableAt:    available,
		RequestedAt:    now,
	}
	m.directives[d.ID] = d
	if p.IdempotencyKey != "" {
		m.idem[scopedKey(p.Tenant, p.IdempotencyKey)] = d.ID
	}
	return d, false, nil
}

func (m *Memory) GetDirective(_ context.Context, tenant, id string) (models.Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.directives[id]
	if !ok || d.Tenant != tenant {
		return models.Directive{}, fmt.Errorf("directive %s: %w", id, models.ErrNotFound)
	}
	return d, nil
}

func (m *Memory) FindDirectiveByKey(_ context.Context, tenant, key string) (models.Directive, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.idem[scopedKey(tenant, key)]
	if !ok {
		return models.Directive{}, false, nil
	}
	return m.directives[id], true, nil
}

func (m *Memory) ListDirectives(_ context.Context, f DirectiveFilter) ([]models.Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Directive
	for _, d := range m.directives {
		if d.Tenant != f.Tenant {
			continue
		}
		if f.SubjectType != "" && d.SubjectType != f.SubjectType {
			continue
		}
		if f.SubjectID != "" && d.SubjectID != f.SubjectID {
			continue
		}
		if f.IdempotencyKey != "" && (d.IdempotencyKey == nil || *d.IdempotencyKey != f.IdempotencyKey) {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimDirective(_ context.Context, tenant, id string, rerun bool) (models.Directive, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.directives[id]
	if !ok || d.Tenant != tenant {
		return models.Directive{}, false, fmt.Errorf("directive %s: %w", id, models.ErrNotFound)
	}
	claimable := d.Status == models.StatusRequested || (rerun && d.Status == models.StatusFailed)
	if !claimable {
		return models.Directive{}, false, nil
	}
	now := time.Now().UTC()
	d.Status = models.StatusRunning
	d.StartedAt = &now
	d.AttemptCount++
	m.directives[id] = d
	return d, true, nil
}

func (m *Memory) FinishDirective(_ context.Context, tenant, id, status string, result map[string]any, derr *models.DirectiveError) (models.Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.directives[id]
	if !ok || d.Tenant != tenant {
		return models.Directive{}, fmt.Errorf("directive %s: %w", id, models.ErrNotFound)
	}
	if !models.ValidTransition(models.StatusRunning, status) {
		return models.Directive{}, fmt.Errorf("%w: cannot finish directive with status %s", models.ErrInvalid, status)
	}
	if d.Status != models.StatusRunning {
		return models.Directive{}, fmt.Errorf("finish directive %s: not running: %w", id, models.ErrConflict)
	}
	now := time.Now().UTC()
	d.Status = status
	d.Result = result
	d.Error = derr
	d.FinishedAt = &now
	m.directives[id] = d
	return d, nil
}

func (m *Memory) CancelDirective(_ context.Context, tenant, id string) (models.Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.directives[id]
	if !ok || d.Tenant != tenant {
		return models.Directive{}, fmt.Errorf("directive %s: %w", id, models.ErrNotFound)
	}
	if d.Status != models.StatusRequested {
		return models.Directive{}, fmt.Errorf("cancel directive %s: not requested: %w", id, models.ErrConflict)
	}
	now := time.Now().UTC()
	d.Status = models.StatusCanceled
	d.FinishedAt = &now
	m.directives[id] = d
	return d, nil
}

func (m *Memory) RescheduleDirective(_ context.Context, tenant, id string, availableAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.directives[id]
	if !ok || d.Tenant != tenant {
		return fmt.Errorf("directive %s: %w", id, models.ErrNotFound)
	}
	d.AvailableAt = availableAt
	m.directives[id] = d
	return nil
}
