package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/fhir"
	"github.com/mehmetymw/fhirsink/internal/types"
)

var (
	ErrFrozen          = errors.New("registry is frozen")
	ErrDuplicateWriter = errors.New("writer already registered")
	ErrNoWriter        = errors.New("no writer registered")
)

// Writer persists one change event of a single resource kind.
type Writer interface {
	Write(ctx context.Context, ev types.ChangeEvent) error
}

type WriterFunc func(ctx context.Context, ev types.ChangeEvent) error

func (f WriterFunc) Write(ctx context.Context, ev types.ChangeEvent) error { return f(ctx, ev) }

// Registry maps resource kinds to writers. It is filled at startup and
// frozen before the first event is dispatched.
type Registry struct {
	mu      sync.RWMutex
	writers map[fhir.Kind]Writer
	frozen  bool
}

func NewRegistry() *Registry {
	return &Registry{writers: make(map[fhir.Kind]Writer)}
}

func (r *Registry) Register(kind fhir.Kind, w Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %s: %w", kind, ErrFrozen)
	}
	if _, ok := r.writers[kind]; ok {
		return fmt.Errorf("register %s: %w", kind, ErrDuplicateWriter)
	}
	r.writers[kind] = w
	return nil
}

func (r *Registry) MustRegister(kind fhir.Kind, w Writer) {
	if err := r.Register(kind, w); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(kind fhir.Kind) (Writer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.writers[kind]
	return w, ok
}

func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Kinds() []fhir.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]fhir.Kind, 0, len(r.writers))
	for k := range r.writers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type Dispatcher struct {
	registry *Registry
	logger   *zap.Logger
}

func NewDispatcher(registry *Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, logger: logger}
}

// Dispatch routes ev to the writer for its kind. Writer errors and panics
// are logged here; the returned error only reports what happened so the
// caller can count it.
func (d *Dispatcher) Dispatch(ctx context.Context, ev types.ChangeEvent) (err error) {
	fields := eventFields(ev)

	w, ok := d.registry.Get(ev.Kind)
	if !ok {
		d.logger.Warn("No writer for resource kind, discarding", fields...)
		return ErrNoWriter
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Writer panicked",
				append(fields, zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))...)
			err = fmt.Errorf("writer panic: %v", r)
		}
	}()

	if err := w.Write(ctx, ev); err != nil {
		d.logger.Error("Writer failed", append(fields, zap.Error(err))...)
		return err
	}
	d.logger.Debug("Event written", fields...)
	return nil
}

func eventFields(ev types.ChangeEvent) []zap.Field {
	id := ""
	if ev.Resource != nil {
		id = ev.Resource.ResourceID()
	}
	return []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("id", id),
		zap.String("op", string(ev.Op)),
		zap.Uint64("seq", ev.Seq),
		zap.String("subject", ev.Subject),
	}
}
