package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"event-backbone/internal/bus"
	"event-backbone/internal/command"
	"event-backbone/internal/config"
	"event-backbone/internal/models"
	"event-backbone/internal/queue"
	"event-backbone/internal/ratelimit"
	"event-backbone/internal/replay"
	"event-backbone/internal/store"
	"event-backbone/internal/telemetry"
)

// Server wires the HTTP surface: the emit/request write paths, the audit
// read side, replay, and DLQ inspection.
type Server struct {
	cfg      config.Config
	facts    store.FactStore
	commands store.CommandStore
	bus      *bus.Bus
	cmd      *command.Service
	replay   *replay.Service
	queue    *queue.Queue
	limiter  *ratelimit.TokenBucket
	log      *slog.Logger
}

// New constructs the API server. The queue and limiter may be nil (no DLQ
// endpoint, no rate limiting), which keeps tests light.
func New(cfg config.Config, facts store.FactStore, commands store.CommandStore, b *bus.Bus, cmd *command.Service, rp *replay.Service, q *queue.Queue, limiter *ratelimit.TokenBucket, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		facts:    facts,
		commands: commands,
		bus:      b,
		cmd:      cmd,
		replay:   rp,
		queue:    q,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/signals", s.handleEmit)
	r.Get("/signals", s.handleListSignals)
	r.Get("/signals/{id}", s.handleGetSignal)

	r.Post("/directives", s.handleRequest)
	r.Get("/directives", s.handleListDirectives)
	r.Get("/directives/{id}", s.handleGetDirective)
	r.Post("/directives/{id}/cancel", s.handleCancel)
	r.Post("/directives/{id}/rerun", s.handleRerun)

	r.Post("/replay", s.handleReplay)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type emitRequest struct {
	Name          string         `json:"name"`
	Payload       map[string]any `json:"payload"`
	Metadata      map[string]any `json:"metadata"`
	DedupeKey     string         `json:"dedupe_key"`
	OccurredAt    *time.Time     `json:"occurred_at"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id"`
	Actor         models.Actor   `json:"actor"`
	Subject       models.Subject `json:"subject"`
	Source        string         `json:"source"`
	Fanout        string         `json:"fanout"` // "", "always", "none"
}

type emitResponse struct {
	Signal   models.Signal `json:"signal"`
	Existing bool          `json:"existing"`
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tenant, ok := s.tenantAllowed(w, r)
	if !ok {
		return
	}

	opts := bus.EmitOptions{
		DedupeKey:     req.DedupeKey,
		CorrelationID: req.CorrelationID,
		CausationID:   req.CausationID,
		Actor:         req.Actor,
		Subject:       req.Subject,
		Source:        req.Source,
	}
	if req.OccurredAt != nil {
		opts.OccurredAt = *req.OccurredAt
	}
	switch req.Fanout {
	case "always":
		opts.Fanout = bus.FanoutAlways
	case "none":
		opts.Fanout = bus.FanoutNone
	}

	sig, existing, err := s.bus.Emit(r.Context(), tenant, req.Name, req.Payload, req.Metadata, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	writeJSON(w, status, emitResponse{Signal: sig, Existing: existing})
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	f := store.SignalFilter{
		Tenant:      tenant,
		Name:        r.URL.Query().Get("name"),
		SubjectType: r.URL.Query().Get("subject_type"),
		SubjectID:   r.URL.Query().Get("subject_id"),
		Limit:       queryInt(r, "limit"),
	}
	if t, ok := queryTime(r, "from"); ok {
		f.From = t
	}
	if t, ok := queryTime(r, "to"); ok {
		f.To = t
	}
	signals, err := s.facts.ListSignals(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": signals})
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	sig, err := s.facts.GetSignal(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

type requestDirective struct {
	Name           string         `json:"name"`
	Payload        map[string]any `json:"payload"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key"`
	RequestedBy    models.Actor   `json:"requested_by"`
	Subject        models.Subject `json:"subject"`
	AvailableAt    *time.Time     `json:"available_at"`
}

type directiveResponse struct {
	Directive models.Directive `json:"directive"`
	Existing  bool             `json:"existing"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req requestDirective
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tenant, ok := s.tenantAllowed(w, r)
	if !ok {
		return
	}

	opts := command.RequestOptions{
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		RequestedBy:    req.RequestedBy,
		Subject:        req.Subject,
	}
	if req.AvailableAt != nil {
		opts.AvailableAt = *req.AvailableAt
	}

	d, existing, err := s.cmd.Request(r.Context(), tenant, req.Name, req.Payload, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if existing {
		status = http.StatusOK
	}
	writeJSON(w, status, directiveResponse{Directive: d, Existing: existing})
}

func (s *Server) handleListDirectives(w http.ResponseWriter, r *http.Request) {
	f := store.DirectiveFilter{
		Tenant:         tenantFromRequest(r),
		SubjectType:    r.URL.Query().Get("subject_type"),
		SubjectID:      r.URL.Query().Get("subject_id"),
		IdempotencyKey: r.URL.Query().Get("idempotency_key"),
		Status:         r.URL.Query().Get("status"),
		Limit:          queryInt(r, "limit"),
	}
	directives, err := s.commands.ListDirectives(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"directives": directives})
}

func (s *Server) handleGetDirective(w http.ResponseWriter, r *http.Request) {
	d, err := s.commands.GetDirective(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	d, err := s.cmd.Cancel(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type rerunRequest struct {
	AvailableAt *time.Time `json:"available_at"`
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	var req rerunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	availableAt := time.Time{}
	if req.AvailableAt != nil {
		availableAt = *req.AvailableAt
	}
	d, err := s.cmd.Rerun(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"), availableAt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

type replayRequest struct {
	Mode  string     `json:"mode"` // recent | by_name | by_ids | time_range
	Name  string     `json:"name"`
	IDs   []string   `json:"ids"`
	From  *time.Time `json:"from"`
	To    *time.Time `json:"to"`
	Limit int        `json:"limit"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tenant := tenantFromRequest(r)
	opts := replay.Options{Limit: req.Limit}

	var scheduled int
	var err error
	switch req.Mode {
	case "recent", "":
		scheduled, err = s.replay.Recent(r.Context(), tenant, opts)
	case "by_name":
		scheduled, err = s.replay.ByName(r.Context(), tenant, req.Name, opts)
	case "by_ids":
		scheduled, err = s.replay.ByIDs(r.Context(), tenant, req.IDs)
	case "time_range":
		if req.From == nil || req.To == nil {
			http.Error(w, "from and to are required for time_range", http.StatusBadRequest)
			return
		}
		scheduled, err = s.replay.TimeRange(r.Context(), tenant, *req.From, *req.To, opts)
	default:
		http.Error(w, fmt.Sprintf("unknown replay mode %q", req.Mode), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": scheduled})
}

// handleDLQ returns terminally failed fanout envelopes for inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		http.Error(w, "dlq not configured", http.StatusNotFound)
		return
	}
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// tenantAllowed resolves the tenant and applies the per-tenant rate limit on
// write paths.
func (s *Server) tenantAllowed(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return "", false
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return "", false
		}
	}
	return tenant, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error("request failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func queryInt(r *http.Request, key string) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return 0
}

func queryTime(r *http.Request, key string) (time.Time, bool) {
	if v := r.URL.Query().Get(key); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
