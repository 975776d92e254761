package registry

import (
	"context"
	"strings"
	"time"

	"event-backbone/internal/models"
)

// Delivery carries queue and tracing context into handlers and executors.
type Delivery struct {
	Tenant        string
	SignalID      string
	SignalName    string
	CorrelationID string
	CausationID   string
	Attempt       int
}

// Handler consumes one persisted signal. Delivery is at-least-once: the same
// signal can arrive more than once and the whole handler batch re-runs when
// any handler in it fails, so handlers must be idempotent.
type Handler func(ctx context.Context, sig models.Signal, d Delivery) error

// Executor performs the side effect for a named directive and returns its
// result. It runs at most once per successful directive execution.
type Executor func(ctx context.Context, dir models.Directive, d Delivery) (map[string]any, error)

// Dispatcher is the capability to schedule durable follow-up work. It is
// optional on the emit path: a nil dispatcher means facts are persisted but
// not fanned out.
type Dispatcher interface {
	ScheduleFanout(ctx context.Context, tenant, signalID string, runAt time.Time) error
	ScheduleDirective(ctx context.Context, tenant, directiveID string, runAt time.Time, rerun bool) error
}

type binding struct {
	pattern string
	handler Handler
}

// Registry maps signal names to handlers and directive names to executors.
// It is configured once at process start and passed by reference into the
// bus and workers; it is not safe for concurrent mutation after that.
type Registry struct {
	bindings   []binding
	executors  map[string]Executor
	dispatcher Dispatcher
}

func New() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// RegisterHandler appends a binding. Pattern is an exact signal name, or a
// prefix with a trailing "*" segment ("forum.*"), or "*" for everything.
// Handlers run in registration order.
func (r *Registry) RegisterHandler(pattern string, h Handler) {
	if pattern == "" || h == nil {
		return
	}
	r.bindings = append(r.bindings, binding{pattern: pattern, handler: h})
}

// RegisterExecutor binds the executor for a directive name, replacing any
// previous binding.
func (r *Registry) RegisterExecutor(name string, e Executor) {
	if name == "" || e == nil {
		return
	}
	r.executors[name] = e
}

// SetDispatcher attaches the durable scheduling capability.
func (r *Registry) SetDispatcher(d Dispatcher) {
	r.dispatcher = d
}

// Dispatcher returns the attached capability, possibly nil.
func (r *Registry) Dispatcher() Dispatcher {
	return r.dispatcher
}

// HandlersFor returns the handlers matching a signal name, in registration
// order.
func (r *Registry) HandlersFor(name string) []Handler {
	var out []Handler
	for _, b := range r.bindings {
		if matches(b.pattern, name) {
			out = append(out, b.handler)
		}
	}
	return out
}

// ExecutorFor looks up the executor registered for a directive name.
func (r *Registry) ExecutorFor(name string) (Executor, bool) {
	e, ok := r.executors[name]
	return e, ok
}

func matches(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(name, suffix+".")
	}
	return pattern == name
}
