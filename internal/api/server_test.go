package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-backbone/internal/bus"
	"event-backbone/internal/command"
	"event-backbone/internal/config"
	"event-backbone/internal/models"
	"event-backbone/internal/ratelimit"
	"event-backbone/internal/registry"
	"event-backbone/internal/replay"
	"event-backbone/internal/store"
)

type countingDispatcher struct {
	fanouts    int
	directives int
}

func (c *countingDispatcher) ScheduleFanout(_ context.Context, _, _ string, _ time.Time) error {
	c.fanouts++
	return nil
}

func (c *countingDispatcher) ScheduleDirective(_ context.Context, _, _ string, _ time.Time, _ bool) error {
	c.directives++
	return nil
}

func newTestServer(t *testing.T) (http.Handler, *store.Memory, *countingDispatcher) {
	t.Helper()
	mem := store.NewMemory()
	reg := registry.New()
	disp := &countingDispatcher{}
	reg.SetDispatcher(disp)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	signalBus := bus.New(mem, reg, log)
	cmd := command.New(mem, reg, log)
	rp := replay.New(mem, reg, log)
	srv := New(config.Config{}, mem, mem, signalBus, cmd, rp, nil, nil, log)
	return srv.Router(), mem, disp
}

func doJSON(t *testing.T, handler http.Handler, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	handler, _, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEmitSignal(t *testing.T) {
	handler, _, disp := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/signals", "tenantA", map[string]any{
		"name":    "forum.post_created",
		"payload": map[string]any{"post_id": "p-1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Signal   models.Signal `json:"signal"`
		Existing bool          `json:"existing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Signal.ID)
	assert.Equal(t, "tenantA", resp.Signal.Tenant)
	assert.False(t, resp.Existing)
	assert.Equal(t, 1, disp.fanouts)
}

func TestEmitSignalDeduped(t *testing.T) {
	handler, _, disp := newTestServer(t)

	body := map[string]any{
		"name":       "forum.post_created",
		"payload":    map[string]any{"post_id": "p-1"},
		"dedupe_key": "post:p-1:created",
	}
	first := doJSON(t, handler, http.MethodPost, "/signals", "tenantA", body)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doJSON(t, handler, http.MethodPost, "/signals", "tenantA", body)
	require.Equal(t, http.StatusOK, second.Code)

	var firstResp, secondResp struct {
		Signal models.Signal `json:"signal"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.Equal(t, firstResp.Signal.ID, secondResp.Signal.ID)
	assert.Equal(t, 1, disp.fanouts)
}

func TestEmitSignalRejectsBadName(t *testing.T) {
	handler, _, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodPost, "/signals", "tenantA", map[string]any{
		"name":    "NotValid",
		"payload": map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSignal(t *testing.T) {
	handler, mem, _ := newTestServer(t)
	sig, _, err := mem.CreateSignal(context.Background(), store.CreateSignalParams{
		Tenant: "tenantA", Name: "forum.post_created", Payload: map[string]any{},
	})
	require.NoError(t, err)

	rec := doJSON(t, handler, http.MethodGet, "/signals/"+sig.ID, "tenantA", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Another tenant cannot read it.
	rec = doJSON(t, handler, http.MethodGet, "/signals/"+sig.ID, "tenantB", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSignalsFilters(t *testing.T) {
	handler, mem, _ := newTestServer(t)
	ctx := context.Background()
	for _, name := range []string{"forum.post_created", "forum.comment_added"} {
		_, _, err := mem.CreateSignal(ctx, store.CreateSignalParams{
			Tenant: "tenantA", Name: name, Payload: map[string]any{},
		})
		require.NoError(t, err)
	}

	rec := doJSON(t, handler, http.MethodGet, "/signals?name=forum.post_created", "tenantA", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Signals []models.Signal `json:"signals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Signals, 1)
	assert.Equal(t, "forum.post_created", resp.Signals[0].Name)
}

func TestRequestDirective(t *testing.T) {
	handler, _, disp := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/directives", "tenantA", map[string]any{
		"name":    "billing.charge",
		"payload": map[string]any{"order_id": "o-1"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Directive models.Directive `json:"directive"`
		Existing  bool             `json:"existing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusRequested, resp.Directive.Status)
	assert.False(t, resp.Existing)
	assert.Equal(t, 1, disp.directives)
}

func TestRequestDirectiveIdempotent(t *testing.T) {
	handler, _, _ := newTestServer(t)

	body := map[string]any{
		"name":            "billing.charge",
		"payload":         map[string]any{"order_id": "o-1"},
		"idempotency_key": "charge:o-1",
	}
	first := doJSON(t, handler, http.MethodPost, "/directives", "tenantA", body)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := doJSON(t, handler, http.MethodPost, "/directives", "tenantA", body)
	require.Equal(t, http.StatusOK, second.Code)

	var firstResp, secondResp struct {
		Directive models.Directive `json:"directive"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.Equal(t, firstResp.Directive.ID, secondResp.Directive.ID)
}

func TestCancelDirective(t *testing.T) {
	handler, mem, _ := newTestServer(t)
	d, _, err := mem.CreateDirective(context.Background(), store.CreateDirectiveParams{
		Tenant: "tenantA", Name: "billing.charge", Payload: map[string]any{},
	})
	require.NoError(t, err)

	rec := doJSON(t, handler, http.MethodPost, "/directives/"+d.ID+"/cancel", "tenantA", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.Directive
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusCanceled, got.Status)

	// A second cancel conflicts.
	rec = doJSON(t, handler, http.MethodPost, "/directives/"+d.ID+"/cancel", "tenantA", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRerunDirective(t *testing.T) {
	handler, mem, disp := newTestServer(t)
	ctx := context.Background()
	d, _, err := mem.CreateDirective(ctx, store.CreateDirectiveParams{
		Tenant: "tenantA", Name: "billing.charge", Payload: map[string]any{},
	})
	require.NoError(t, err)

	// Rerun before failure conflicts.
	rec := doJSON(t, handler, http.MethodPost, "/directives/"+d.ID+"/rerun", "tenantA", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, _, err = mem.ClaimDirective(ctx, "tenantA", d.ID, false)
	require.NoError(t, err)
	_, err = mem.FinishDirective(ctx, "tenantA", d.ID, models.StatusFailed, nil, &models.DirectiveError{Kind: models.ErrKindExecutor, Message: "boom"})
	require.NoError(t, err)

	before := disp.directives
	rec = doJSON(t, handler, http.MethodPost, "/directives/"+d.ID+"/rerun", "tenantA", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, before+1, disp.directives)
}

func TestListDirectivesBySubject(t *testing.T) {
	handler, mem, _ := newTestServer(t)
	ctx := context.Background()
	_, _, err := mem.CreateDirective(ctx, store.CreateDirectiveParams{
		Tenant: "tenantA", Name: "billing.charge", Payload: map[string]any{},
		Subject: models.Subject{Type: "order", ID: "o-1"},
	})
	require.NoError(t, err)
	_, _, err = mem.CreateDirective(ctx, store.CreateDirectiveParams{
		Tenant: "tenantA", Name: "billing.charge", Payload: map[string]any{},
		Subject: models.Subject{Type: "order", ID: "o-2"},
	})
	require.NoError(t, err)

	rec := doJSON(t, handler, http.MethodGet, "/directives?subject_type=order&subject_id=o-1", "tenantA", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Directives []models.Directive `json:"directives"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Directives, 1)
	assert.Equal(t, "o-1", resp.Directives[0].SubjectID)
}

func TestReplayEndpoint(t *testing.T) {
	handler, mem, disp := newTestServer(t)
	ctx := context.Background()
	a, _, err := mem.CreateSignal(ctx, store.CreateSignalParams{
		Tenant: "tenantA", Name: "forum.post_created", Payload: map[string]any{},
	})
	require.NoError(t, err)
	b, _, err := mem.CreateSignal(ctx, store.CreateSignalParams{
		Tenant: "tenantA", Name: "forum.post_created", Payload: map[string]any{},
	})
	require.NoError(t, err)

	before := disp.fanouts
	rec := doJSON(t, handler, http.MethodPost, "/replay", "tenantA", map[string]any{
		"mode": "by_ids",
		"ids":  []string{a.ID, b.ID},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Scheduled int `json:"scheduled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Scheduled)
	assert.Equal(t, before+2, disp.fanouts)
}

func TestReplayRejectsUnknownMode(t *testing.T) {
	handler, _, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodPost, "/replay", "tenantA", map[string]any{"mode": "everything"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimiterErrorIsServerError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	mem := store.NewMemory()
	reg := registry.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := ratelimit.NewTokenBucket(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 10, 10, time.Minute)
	srv := New(config.Config{}, mem, mem, bus.New(mem, reg, log), command.New(mem, reg, log), replay.New(mem, reg, log), nil, limiter, log)

	// A broken limiter backend must surface as a server error, not a 429.
	mr.Close()
	rec := doJSON(t, srv.Router(), http.MethodPost, "/signals", "tenantA", map[string]any{
		"name":    "forum.post_created",
		"payload": map[string]any{},
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDLQWithoutQueue(t *testing.T) {
	handler, _, _ := newTestServer(t)
	rec := doJSON(t, handler, http.MethodGet, "/dlq", "tenantA", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
