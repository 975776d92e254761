package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"event-backbone/internal/config"
)

// Job kinds carried on the queue.
const (
	KindFanout    = "fanout"
	KindDirective = "directive"
)

// Envelope is the durable unit of work: a reference to a persisted signal or
// directive plus delivery bookkeeping. The actual row lives in Postgres; the
// queue only moves references.
type Envelope struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Tenant  string `json:"tenant"`
	Ref     string `json:"ref"`
	Rerun   bool   `json:"rerun,omitempty"`
	Attempt int    `json:"attempt"`
}

// DeadLetter is a terminally failed envelope kept for manual inspection.
type DeadLetter struct {
	Envelope
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Queue coordinates ready, in-flight, and scheduled work in Redis with
// at-least-once delivery. A dequeued envelope holds a lease; if the lease
// expires before Ack the envelope is redelivered.
type Queue struct {
	client        *redis.Client
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	visibilityTTL time.Duration
	dlqKey        string
}

// New builds a queue client from config.
func New(cfg config.Config) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg)
}

// NewWithClient wraps an existing Redis client, mainly for tests.
func NewWithClient(client *redis.Client, cfg config.Config) *Queue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "backbone:dlq"
	}
	return &Queue{
		client:        client,
		inflightKey:   "backbone:inflight",
		scheduledKey:  "backbone:scheduled",
		jobMetaPrefix: "backbone:job:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

func (q *Queue) readyKey(kind string) string {
	return fmt.Sprintf("backbone:ready:%s", kind)
}

func (q *Queue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// ScheduleFanout enqueues one fanout job for a persisted signal. Satisfies
// the dispatcher capability consumed by the signal bus and replay service.
func (q *Queue) ScheduleFanout(ctx context.Context, tenant, signalID string, runAt time.Time) error {
	env := Envelope{
		ID:     uuid.New().String(),
		Kind:   KindFanout,
		Tenant: tenant,
		Ref:    signalID,
	}
	return q.enqueue(ctx, env, runAt)
}

// ScheduleDirective enqueues one runner job for a persisted directive.
func (q *Queue) ScheduleDirective(ctx context.Context, tenant, directiveID string, runAt time.Time, rerun bool) error {
	env := Envelope{
		ID:     uuid.New().String(),
		Kind:   KindDirective,
		Tenant: tenant,
		Ref:    directiveID,
		Rerun:  rerun,
	}
	return q.enqueue(ctx, env, runAt)
}

func (q *Queue) enqueue(ctx context.Context, env Envelope, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(env.ID),
		"kind", env.Kind,
		"tenant", env.Tenant,
		"ref", env.Ref,
		"rerun", boolField(env.Rerun),
		"attempt", env.Attempt,
	)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: env.ID})
	} else {
		pipe.RPush(ctx, q.readyKey(env.Kind), env.ID)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", env.Kind, err)
	}
	return nil
}

// PromoteScheduled moves due scheduled jobs into their ready lists. It
// returns how many were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		kind, err := q.client.HGet(ctx, q.metaKey(id), "kind").Result()
		if err != nil || kind == "" {
			kind = KindFanout
		}
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(kind), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Dequeue pops one envelope of the given kind and places it in-flight with a
// visibility timeout. The second return is false when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context, kind string) (Envelope, bool, error) {
	keys := []string{q.readyKey(kind), q.inflightKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, err
	}
	jobID, ok := res.(string)
	if !ok {
		return Envelope{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	env, err := q.loadEnvelope(ctx, jobID)
	if err != nil {
		return Envelope{}, false, err
	}
	return env, true, nil
}

func (q *Queue) loadEnvelope(ctx context.Context, jobID string) (Envelope, error) {
	fields, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return Envelope{}, fmt.Errorf("load job meta: %w", err)
	}
	env := Envelope{
		ID:     jobID,
		Kind:   fields["kind"],
		Tenant: fields["tenant"],
		Ref:    fields["ref"],
		Rerun:  fields["rerun"] == "1",
	}
	fmt.Sscanf(fields["attempt"], "%d", &env.Attempt)
	return env, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *Queue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and deletes its meta record.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry re-schedules an in-flight job for a later attempt, bumping the
// attempt counter on its meta record.
func (q *Queue) Retry(ctx context.Context, env Envelope, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, env.ID)
	pipe.HSet(ctx, q.metaKey(env.ID), "attempt", env.Attempt+1)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: env.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// Snooze re-schedules an in-flight job without touching its attempt counter.
// Used when a directive is not yet due.
func (q *Queue) Snooze(ctx context.Context, env Envelope, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, env.ID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: env.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, moving them back to their
// ready lists. Duplicate delivery is expected downstream.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		kind, err := q.client.HGet(ctx, q.metaKey(id), "kind").Result()
		if err != nil || kind == "" {
			kind = KindFanout
		}
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(kind), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeadLetter moves an exhausted envelope to the DLQ list and acks it.
func (q *Queue) DeadLetter(ctx context.Context, env Envelope, reason string) error {
	entry, err := json.Marshal(DeadLetter{Envelope: env, Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.dlqKey, entry)
	pipe.ZRem(ctx, q.inflightKey, env.ID)
	pipe.Del(ctx, q.metaKey(env.ID))
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered envelopes for inspection.
func (q *Queue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReadyDepth returns the length of a kind's ready list.
func (q *Queue) ReadyDepth(ctx context.Context, kind string) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(kind)).Result()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

var dequeueScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local job = redis.call('LPOP', ready)
if job then
  redis.call('ZADD', inflight, ARGV[1], job)
  return job
end
return nil
`)
