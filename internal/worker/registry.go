package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Milvasoft/milvaion-sub004/internal/contract"
)

// Handler is one named unit of work a worker can execute. Build one with
// NewHandler, NewResultHandler, NewBlockingHandler or NewBlockingResultHandler
// and register it before the runtime starts consuming.
type Handler struct {
	name           string
	blocking       bool
	timeoutSeconds *int
	routingPattern string
	maxParallel    int
	schema         string

	run func(ctx context.Context, sc *Scope, payload string) (string, error)
}

// Name returns the handler name jobs address it by.
func (h *Handler) Name() string { return h.name }

// Blocking reports whether the handler runs without a context. The runtime
// abandons a blocking handler that outlives its deadline instead of waiting.
func (h *Handler) Blocking() bool { return h.blocking }

// Option tunes one handler registration.
type Option func(*Handler)

// WithTimeout sets the handler-level execution deadline in seconds. Zero
// disables the deadline for this handler; unset falls back to the consumer or
// worker default.
func WithTimeout(seconds int) Option {
	return func(h *Handler) { h.timeoutSeconds = &seconds }
}

// WithRoutingPattern advertises a custom routing pattern at registration.
func WithRoutingPattern(pattern string) Option {
	return func(h *Handler) { h.routingPattern = pattern }
}

// WithMaxParallel advertises a handler-level parallelism hint.
func WithMaxParallel(n int) Option {
	return func(h *Handler) { h.maxParallel = n }
}

// WithSchema advertises a JSON schema for the handler payload.
func WithSchema(schema string) Option {
	return func(h *Handler) { h.schema = schema }
}

// payloadError marks a typed-payload decode failure. The runtime reports it
// as invalid job data, which no retry can fix.
type payloadError struct {
	err error
}

func (e *payloadError) Error() string { return fmt.Sprintf("invalid job data: %v", e.err) }
func (e *payloadError) Unwrap() error { return e.err }

func isPayloadError(err error) bool {
	var pe *payloadError
	return errors.As(err, &pe)
}

// decodePayload unmarshals the payload JSON into T. An empty payload yields
// the zero value; use json.RawMessage as T to receive the text verbatim.
func decodePayload[T any](raw string) (T, error) {
	var v T
	if strings.TrimSpace(raw) == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		var zero T
		return zero, &payloadError{err: err}
	}
	return v, nil
}

func newHandler(name string, blocking bool, run func(ctx context.Context, sc *Scope, payload string) (string, error), opts ...Option) *Handler {
	h := &Handler{name: name, blocking: blocking, run: run}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewHandler registers a cancellable handler without a result. The function
// must observe ctx to honour cancellation and timeouts.
func NewHandler[T any](name string, fn func(ctx context.Context, sc *Scope, payload T) error, opts ...Option) *Handler {
	return newHandler(name, false, func(ctx context.Context, sc *Scope, raw string) (string, error) {
		p, err := decodePayload[T](raw)
		if err != nil {
			return "", err
		}
		return "", fn(ctx, sc, p)
	}, opts...)
}

// NewResultHandler registers a cancellable handler that produces a result
// string stored on the occurrence.
func NewResultHandler[T any](name string, fn func(ctx context.Context, sc *Scope, payload T) (string, error), opts ...Option) *Handler {
	return newHandler(name, false, func(ctx context.Context, sc *Scope, raw string) (string, error) {
		p, err := decodePayload[T](raw)
		if err != nil {
			return "", err
		}
		return fn(ctx, sc, p)
	}, opts...)
}

// NewBlockingHandler registers a handler that takes no context and always
// runs to completion. On timeout the runtime stops waiting and reports the
// occurrence as timed out while the function finishes in the background.
func NewBlockingHandler[T any](name string, fn func(sc *Scope, payload T) error, opts ...Option) *Handler {
	return newHandler(name, true, func(_ context.Context, sc *Scope, raw string) (string, error) {
		p, err := decodePayload[T](raw)
		if err != nil {
			return "", err
		}
		return "", fn(sc, p)
	}, opts...)
}

// NewBlockingResultHandler is the blocking form with a result string.
func NewBlockingResultHandler[T any](name string, fn func(sc *Scope, payload T) (string, error), opts ...Option) *Handler {
	return newHandler(name, true, func(_ context.Context, sc *Scope, raw string) (string, error) {
		p, err := decodePayload[T](raw)
		if err != nil {
			return "", err
		}
		return fn(sc, p)
	}, opts...)
}

// Registry holds the handlers one worker fleet executes, keyed by name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Register adds handlers to the registry. Empty or duplicate names are
// configuration mistakes and rejected.
func (r *Registry) Register(hs ...*Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hs {
		if h == nil || h.name == "" {
			return fmt.Errorf("op=worker.Register: handler without a name")
		}
		if _, dup := r.handlers[h.name]; dup {
			return fmt.Errorf("op=worker.Register: duplicate handler %q", h.name)
		}
		r.handlers[h.name] = h
	}
	return nil
}

// Resolve looks a handler up by name.
func (r *Registry) Resolve(name string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registrations renders the handler advertisement for the registration
// envelope. Handlers that did not set their own pattern, timeout or
// parallelism inherit the worker-level values.
func (r *Registry) Registrations(defaultPattern string, defaultTimeoutSeconds, defaultMaxParallel int) []contract.HandlerRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := make([]contract.HandlerRegistration, 0, len(r.handlers))
	for _, h := range r.handlers {
		reg := contract.HandlerRegistration{
			Name:                    h.name,
			RoutingPattern:          h.routingPattern,
			MaxParallelJobs:         h.maxParallel,
			ExecutionTimeoutSeconds: defaultTimeoutSeconds,
			JobDataSchema:           h.schema,
		}
		if h.timeoutSeconds != nil {
			reg.ExecutionTimeoutSeconds = *h.timeoutSeconds
		}
		if reg.RoutingPattern == "" {
			reg.RoutingPattern = defaultPattern
		}
		if reg.MaxParallelJobs <= 0 {
			reg.MaxParallelJobs = defaultMaxParallel
		}
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
	return regs
}
