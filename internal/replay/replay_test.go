package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-backbone/internal/registry"
	"event-backbone/internal/store"
)

type recordingDispatcher struct {
	fanouts []string
	failAt  int
}

func (r *recordingDispatcher) ScheduleFanout(_ context.Context, tenant, signalID string, _ time.Time) error {
	if r.failAt > 0 && len(r.fanouts)+1 == r.failAt {
		return errors.New("redis unavailable")
	}
	r.fanouts = append(r.fanouts, signalID)
	return nil
}

func (r *recordingDispatcher) ScheduleDirective(_ context.Context, _, _ string, _ time.Time, _ bool) error {
	return nil
}

func newTestService(t *testing.T) (*Service, *store.Memory, *recordingDispatcher) {
	t.Helper()
	mem := store.NewMemory()
	reg := registry.New()
	disp := &recordingDispatcher{}
	reg.SetDispatcher(disp)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(mem, reg, log), mem, disp
}

func seedSignal(t *testing.T, mem *store.Memory, tenant, name string, occurredAt time.Time) string {
	t.Helper()
	sig, _, err := mem.CreateSignal(context.Background(), store.CreateSignalParams{
		Tenant: tenant, Name: name, Payload: map[string]any{}, OccurredAt: occurredAt,
	})
	require.NoError(t, err)
	return sig.ID
}

func TestReplayByIDs(t *testing.T) {
	ctx := context.Background()
	svc, mem, disp := newTestService(t)

	a := seedSignal(t, mem, "tenantA", "forum.post_created", time.Now())
	b := seedSignal(t, mem, "tenantA", "forum.comment_added", time.Now())
	seedSignal(t, mem, "tenantA", "forum.post_created", time.Now())

	count, err := svc.ByIDs(ctx, "tenantA", []string{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.ElementsMatch(t, []string{a, b}, disp.fanouts)
}

func TestReplayByIDsEmpty(t *testing.T) {
	svc, _, disp := newTestService(t)

	count, err := svc.ByIDs(context.Background(), "tenantA", nil)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, disp.fanouts)
}

func TestReplayByName(t *testing.T) {
	ctx := context.Background()
	svc, mem, disp := newTestService(t)

	a := seedSignal(t, mem, "tenantA", "forum.post_created", time.Now())
	seedSignal(t, mem, "tenantA", "forum.comment_added", time.Now())
	seedSignal(t, mem, "tenantB", "forum.post_created", time.Now())

	count, err := svc.ByName(ctx, "tenantA", "forum.post_created", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{a}, disp.fanouts)
}

func TestReplayTimeRange(t *testing.T) {
	ctx := context.Background()
	svc, mem, disp := newTestService(t)

	base := time.Now().Add(-time.Hour)
	seedSignal(t, mem, "tenantA", "forum.post_created", base.Add(-time.Minute))
	inside := seedSignal(t, mem, "tenantA", "forum.post_created", base.Add(10*time.Minute))
	seedSignal(t, mem, "tenantA", "forum.post_created", base.Add(30*time.Minute))

	count, err := svc.TimeRange(ctx, "tenantA", base, base.Add(20*time.Minute), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{inside}, disp.fanouts)
}

func TestReplayRecentHonorsLimit(t *testing.T) {
	ctx := context.Background()
	svc, mem, disp := newTestService(t)

	for i := 0; i < 5; i++ {
		seedSignal(t, mem, "tenantA", "forum.post_created", time.Now().Add(time.Duration(i)*time.Second))
	}

	count, err := svc.Recent(ctx, "tenantA", Options{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Len(t, disp.fanouts, 3)
}

func TestReplayRequiresTenant(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Recent(context.Background(), "", Options{})
	assert.Error(t, err)
}

func TestReplayRequiresDispatcher(t *testing.T) {
	mem := store.NewMemory()
	reg := registry.New()
	svc := New(mem, reg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.Recent(context.Background(), "tenantA", Options{})
	assert.Error(t, err)
}

func TestReplayStopsOnScheduleError(t *testing.T) {
	ctx := context.Background()
	svc, mem, disp := newTestService(t)
	disp.failAt = 2

	for i := 0; i < 3; i++ {
		seedSignal(t, mem, "tenantA", "forum.post_created", time.Now().Add(time.Duration(i)*time.Second))
	}

	count, err := svc.Recent(ctx, "tenantA", Options{})
	assert.Error(t, err)
	assert.Equal(t, 1, count)
}
