// Package registry maps task names to handler registrations. Lookups are
// lock-free reads of an immutable snapshot; registrations take a mutex
// and swap in a new map.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/internal/filter"
)

// Invoker is the type-erased handler closure bound at registration time.
// It decodes the payload into the registered input type, runs the handler
// and returns the serialized output.
type Invoker func(ctx domain.Context, tc *domain.TaskContext, payload []byte) ([]byte, error)

// Registration describes one registered task.
type Registration struct {
	TaskName   string
	InputType  reflect.Type
	OutputType reflect.Type
	// Queue, when set, overrides the client's default queue for this task.
	Queue     string
	RateLimit *domain.RateLimitPolicy
	TimeLimit *domain.TimeLimitPolicy
	Filters   []filter.Filter
	Invoke    Invoker
}

// Option mutates a Registration before it is stored.
type Option func(*Registration)

// WithQueue routes the task to a fixed queue.
func WithQueue(queue string) Option {
	return func(r *Registration) { r.Queue = queue }
}

// WithRateLimit attaches a rate-limit policy.
func WithRateLimit(p domain.RateLimitPolicy) Option {
	return func(r *Registration) { r.RateLimit = &p }
}

// WithTimeLimit attaches soft/hard execution limits.
func WithTimeLimit(p domain.TimeLimitPolicy) Option {
	return func(r *Registration) { r.TimeLimit = &p }
}

// WithFilters attaches per-task filters, appended after global ones.
func WithFilters(fs ...filter.Filter) Option {
	return func(r *Registration) { r.Filters = append(r.Filters, fs...) }
}

// Registry is the process-wide task table.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Value // map[string]*Registration
	strict   bool
}

// New creates an empty registry. In strict mode re-registering a name
// with a different handler type is an error instead of an overwrite.
func New(strict bool) *Registry {
	r := &Registry{strict: strict}
	r.snapshot.Store(map[string]*Registration{})
	return r
}

// Lookup returns the registration for name without taking a lock.
func (r *Registry) Lookup(name string) (*Registration, bool) {
	m := r.snapshot.Load().(map[string]*Registration)
	reg, ok := m[name]
	return reg, ok
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	m := r.snapshot.Load().(map[string]*Registration)
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	return len(r.snapshot.Load().(map[string]*Registration))
}

// Add stores a registration. Re-registering the same name with the same
// input/output types is a no-op; a different type overwrites with a
// warning, or fails when the registry is strict.
func (r *Registry) Add(reg *Registration) error {
	if reg.TaskName == "" {
		return fmt.Errorf("registry add: %w: empty task name", domain.ErrInvalidArgument)
	}
	if reg.Invoke == nil {
		return fmt.Errorf("registry add: %w: nil invoker for %q", domain.ErrInvalidArgument, reg.TaskName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snapshot.Load().(map[string]*Registration)
	if existing, ok := old[reg.TaskName]; ok {
		if existing.InputType == reg.InputType && existing.OutputType == reg.OutputType {
			return nil
		}
		if r.strict {
			return fmt.Errorf("registry add: %w: task %q already registered with different types",
				domain.ErrConflict, reg.TaskName)
		}
		slog.Warn("task re-registered with different types, overwriting",
			slog.String("task", reg.TaskName),
			slog.String("old_input", typeName(existing.InputType)),
			slog.String("new_input", typeName(reg.InputType)))
	}

	next := make(map[string]*Registration, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[reg.TaskName] = reg
	r.snapshot.Store(next)
	return nil
}

// Register binds a typed handler under name. The payload is decoded into
// I and the returned O is serialized back, both as JSON.
func Register[I, O any](r *Registry, name string, fn func(ctx domain.Context, tc *domain.TaskContext, input I) (O, error), opts ...Option) error {
	reg := &Registration{
		TaskName:   name,
		InputType:  reflect.TypeOf((*I)(nil)).Elem(),
		OutputType: reflect.TypeOf((*O)(nil)).Elem(),
	}
	reg.Invoke = func(ctx domain.Context, tc *domain.TaskContext, payload []byte) ([]byte, error) {
		var input I
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &input); err != nil {
				return nil, fmt.Errorf("decode input for task %q: %w: %v", name, domain.ErrInvalidArgument, err)
			}
		}
		output, err := fn(ctx, tc, input)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(output)
		if err != nil {
			return nil, fmt.Errorf("encode output for task %q: %w", name, err)
		}
		return out, nil
	}
	for _, opt := range opts {
		opt(reg)
	}
	return r.Add(reg)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
