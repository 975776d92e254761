package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"event-backbone/internal/models"
)

const directiveColumns = `id, tenant, name, payload, metadata, idempotency_key, status,
	requested_by_type, requested_by_id, subject_type, subject_id, result, error,
	available_at, attempt_count, requested_at, started_at, finished_at`

// CreateDirective inserts a directive row. Idempotency is first writer wins:
// an existing (tenant, idempotency_key) row is returned as-is regardless of
// its payload or status.
func (s *Store) CreateDirective(ctx context.Context, p CreateDirectiveParams) (models.Directive, bool, error) {
	if p.IdempotencyKey != "" {
		existing, found, err := s.FindDirectiveByKey(ctx, p.Tenant, p.IdempotencyKey)
		if err != nil {
			return models.Directive{}, false, err
		}
		if found {
			return existing, true, nil
		}
	}

	payloadJSON, metadataJSON, err := marshalMaps(p.Payload, p.Metadata)
	if err != nil {
		return models.Directive{}, false, err
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	available := p.AvailableAt
	if available.IsZero() {
		available = now
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO directives (id, tenant, name, payload, metadata, idempotency_key, status,
			requested_by_type, requested_by_id, subject_type, subject_id,
			available_at, attempt_count, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13)
	`, id, p.Tenant, p.Name, payloadJSON, metadataJSON, emptyToNil(p.IdempotencyKey),
		models.StatusRequested, p.RequestedBy.Type, p.RequestedBy.ID,
		p.Subject.Type, p.Subject.ID, available, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && p.IdempotencyKey != "" {
			existing, found, ferr := s.FindDirectiveByKey(ctx, p.Tenant, p.IdempotencyKey)
			if ferr != nil {
				return models.Directive{}, false, ferr
			}
			if !found {
				return models.Directive{}, false, errors.New("idempotency conflict but no existing directive found")
			}
			return existing, true, nil
		}
		return models.Directive{}, false, fmt.Errorf("insert directive: %w", err)
	}

	return models.Directive{
		ID:             id,
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
	}, false, nil
}

// FindDirectiveByKey returns the directive mapped to the idempotency key.
func (s *Store) FindDirectiveByKey(ctx context.Context, tenant, key string) (models.Directive, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+directiveColumns+` FROM directives WHERE tenant = $1 AND idempotency_key = $2
	`, tenant, key)
	d, err := scanDirective(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Directive{}, false, nil
	}
	if err != nil {
		return models.Directive{}, false, fmt.Errorf("query directive by idempotency key: %w", err)
	}
	return d, true, nil
}

// GetDirective fetches a directive by id within a tenant.
func (s *Store) GetDirective(ctx context.Context, tenant, id string) (models.Directive, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+directiveColumns+` FROM directives WHERE tenant = $1 AND id = $2
	`, tenant, id)
	d, err := scanDirective(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Directive{}, fmt.Errorf("directive %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Directive{}, fmt.Errorf("get directive: %w", err)
	}
	return d, nil
}

// ListDirectives returns directives matching the filter, newest first.
func (s *Store) ListDirectives(ctx context.Context, f DirectiveFilter) ([]models.Directive, error) {
	where := []string{"tenant = $1"}
	args := []any{f.Tenant}
	if f.SubjectType != "" {
		args = append(args, f.SubjectType)
		where = append(where, fmt.Sprintf("subject_type = $%d", len(args)))
	}
	if f.SubjectID != "" {
		args = append(args, f.SubjectID)
		where = append(where, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if f.IdempotencyKey != "" {
		args = append(args, f.IdempotencyKey)
		where = append(where, fmt.Sprintf("idempotency_key = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT `+directiveColumns+` FROM directives
		WHERE %s ORDER BY requested_at DESC LIMIT $%d
	`, strings.Join(where, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list directives: %w", err)
	}
	defer rows.Close()

	var out []models.Directive
	for rows.Next() {
		d, err := scanDirective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan directive: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClaimDirective performs the conditional requested->running transition
// (plus failed->running when rerun is set). Zero rows updated means another
// delivery already claimed the directive.
func (s *Store) ClaimDirective(ctx context.Context, tenant, id string, rerun bool) (models.Directive, bool, error) {
	from := []string{models.StatusRequested}
	if rerun {
		from = append(from, models.StatusFailed)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE directives
		SET status = $3, started_at = NOW(), attempt_count = attempt_count + 1
		WHERE tenant = $1 AND id = $2 AND status = ANY($4)
		RETURNING `+directiveColumns+`
	`, tenant, id, models.StatusRunning, from)
	d, err := scanDirective(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Directive{}, false, nil
	}
	if err != nil {
		return models.Directive{}, false, fmt.Errorf("claim directive: %w", err)
	}
	return d, true, nil
}

// FinishDirective transitions running to a final outcome, persisting result
// or error.
func (s *Store) FinishDirective(ctx context.Context, tenant, id, status string, result map[string]any, derr *models.DirectiveError) (models.Directive, error) {
	if !models.ValidTransition(models.StatusRunning, status) {
		return models.Directive{}, fmt.Errorf("%w: cannot finish directive with status %s", models.ErrInvalid, status)
	}
	var resultJSON, errJSON []byte
	var err error
	if result != nil {
		if resultJSON, err = json.Marshal(result); err != nil {
			return models.Directive{}, fmt.Errorf("marshal result: %w", err)
		}
	}
	if derr != nil {
		if errJSON, err = json.Marshal(derr); err != nil {
			return models.Directive{}, fmt.Errorf("marshal error: %w", err)
		}
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE directives
		SET status = $3, result = $4, error = $5, finished_at = NOW()
		WHERE tenant = $1 AND id = $2 AND status = $6
		RETURNING `+directiveColumns+`
	`, tenant, id, status, resultJSON, errJSON, models.StatusRunning)
	d, err := scanDirective(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Directive{}, fmt.Errorf("finish directive %s: not running: %w", id, models.ErrConflict)
	}
	if err != nil {
		return models.Directive{}, fmt.Errorf("finish directive: %w", err)
	}
	return d, nil
}

// CancelDirective cancels a directive that has not been picked up yet.
func (s *Store) CancelDirective(ctx context.Context, tenant, id string) (models.Directive, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE directives
		SET status = $3, finished_at = NOW()
		WHERE tenant = $1 AND id = $2 AND status = $4
		RETURNING `+directiveColumns+`
	`, tenant, id, models.StatusCanceled, models.StatusRequested)
	d, err := scanDirective(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetDirective(ctx, tenant, id); gerr != nil {
			return models.Directive{}, gerr
		}
		return models.Directive{}, fmt.Errorf("cancel directive %s: not requested: %w", id, models.ErrConflict)
	}
	if err != nil {
		return models.Directive{}, fmt.Errorf("cancel directive: %w", err)
	}
	return d, nil
}

// RescheduleDirective moves available_at for a deferred rerun.
func (s *Store) RescheduleDirective(ctx context.Context, tenant, id string, availableAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE directives SET available_at = $3 WHERE tenant = $1 AND id = $2
	`, tenant, id, availableAt)
	return err
}

func scanDirective(row pgx.Row) (models.Directive, error) {
	var d models.Directive
	var payloadJSON, metadataJSON, resultJSON, errJSON []byte
	var idem pgtype.Text
	var started, finished pgtype.Timestamptz

	err := row.Scan(&d.ID, &d.Tenant, &d.Name, &payloadJSON, &metadataJSON, &idem, &d.Status,
		&d.RequestedBy.Type, &d.RequestedBy.ID, &d.SubjectType, &d.SubjectID,
		&resultJSON, &errJSON, &d.AvailableAt, &d.AttemptCount, &d.RequestedAt, &started, &finished)
	if err != nil {
		return models.Directive{}, err
	}
	if err := json.Unmarshal(payloadJSON, &d.Payload); err != nil {
		return models.Directive{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &d.Metadata); err != nil {
		return models.Directive{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &d.Result); err != nil {
			return models.Directive{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(errJSON) > 0 {
		var de models.DirectiveError
		if err := json.Unmarshal(errJSON, &de); err != nil {
			return models.Directive{}, fmt.Errorf("unmarshal error: %w", err)
		}
		d.Error = &de
	}
	d.IdempotencyKey = textPtr(idem)
	if started.Valid {
		t := started.Time
		d.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		d.FinishedAt = &t
	}
	return d, nil
}
