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

const uniqueViolation = "23505"

const signalColumns = `id, tenant, name, payload, metadata, dedupe_key, actor_type, actor_id,
	subject_type, subject_id, correlation_id, causation_id, source, occurred_at, inserted_at`

// CreateSignal appends a signal row. When a dedupe key is set, an existing
// row with the same (tenant, dedupe_key) wins: either the pre-insert lookup
// finds it or the unique index rejects our insert and we re-read the winner.
func (s *Store) CreateSignal(ctx context.Context, p CreateSignalParams) (models.Signal, bool, error) {
	if p.DedupeKey != "" {
		existing, found, err := s.findSignalByDedupeKey(ctx, p.Tenant, p.DedupeKey)
		if err != nil {
			return models.Signal{}, false, err
		}
		if found {
			return existing, true, nil
		}
	}

	payloadJSON, metadataJSON, err := marshalMaps(p.Payload, p.Metadata)
	if err != nil {
		return models.Signal{}, false, err
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	occurred := p.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO signals (id, tenant, name, payload, metadata, dedupe_key, actor_type, actor_id,
			subject_type, subject_id, correlation_id, causation_id, source, occurred_at, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, id, p.Tenant, p.Name, payloadJSON, metadataJSON, emptyToNil(p.DedupeKey),
		p.Actor.Type, p.Actor.ID, p.Subject.Type, p.Subject.ID,
		p.CorrelationID, p.CausationID, p.Source, occurred, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && p.DedupeKey != "" {
			// Lost a concurrent race on the dedupe index; the winner's row
			// is the signal.
			existing, found, ferr := s.findSignalByDedupeKey(ctx, p.Tenant, p.DedupeKey)
			if ferr != nil {
				return models.Signal{}, false, ferr
			}
			if !found {
				return models.Signal{}, false, errors.New("dedupe conflict but no existing signal found")
			}
			return existing, true, nil
		}
		return models.Signal{}, false, fmt.Errorf("insert signal: %w", err)
	}

	return models.Signal{
		ID:            id,
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
	}, false, nil
}

func (s *Store) findSignalByDedupeKey(ctx context.Context, tenant, key string) (models.Signal, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+signalColumns+` FROM signals WHERE tenant = $1 AND dedupe_key = $2
	`, tenant, key)
	sig, err := scanSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Signal{}, false, nil
	}
	if err != nil {
		return models.Signal{}, false, fmt.Errorf("query signal by dedupe key: %w", err)
	}
	return sig, true, nil
}

// GetSignal fetches a signal by id within a tenant.
func (s *Store) GetSignal(ctx context.Context, tenant, id string) (models.Signal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+signalColumns+` FROM signals WHERE tenant = $1 AND id = $2
	`, tenant, id)
	sig, err := scanSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Signal{}, fmt.Errorf("signal %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Signal{}, fmt.Errorf("get signal: %w", err)
	}
	return sig, nil
}

// ListSignals returns signals matching the filter, ordered by occurred_at.
func (s *Store) ListSignals(ctx context.Context, f SignalFilter) ([]models.Signal, error) {
	where := []string{"tenant = $1"}
	args := []any{f.Tenant}
	if f.Name != "" {
		args = append(args, f.Name)
		where = append(where, fmt.Sprintf("name = $%d", len(args)))
	}
	if f.SubjectType != "" {
		args = append(args, f.SubjectType)
		where = append(where, fmt.Sprintf("subject_type = $%d", len(args)))
	}
	if f.SubjectID != "" {
		args = append(args, f.SubjectID)
		where = append(where, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if len(f.IDs) > 0 {
		args = append(args, f.IDs)
		where = append(where, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, fmt.Sprintf("occurred_at < $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT `+signalColumns+` FROM signals
		WHERE %s ORDER BY occurred_at DESC LIMIT $%d
	`, strings.Join(where, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []models.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func scanSignal(row pgx.Row) (models.Signal, error) {
	var sig models.Signal
	var payloadJSON, metadataJSON []byte
	var dedupe pgtype.Text

	err := row.Scan(&sig.ID, &sig.Tenant, &sig.Name, &payloadJSON, &metadataJSON, &dedupe,
		&sig.ActorType, &sig.ActorID, &sig.SubjectType, &sig.SubjectID,
		&sig.CorrelationID, &sig.CausationID, &sig.Source, &sig.OccurredAt, &sig.InsertedAt)
	if err != nil {
		return models.Signal{}, err
	}
	if err := json.Unmarshal(payloadJSON, &sig.Payload); err != nil {
		return models.Signal{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &sig.Metadata); err != nil {
		return models.Signal{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	sig.DedupeKey = textPtr(dedupe)
	return sig, nil
}

func marshalMaps(payload, metadata map[string]any) ([]byte, []byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return payloadJSON, metadataJSON, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
