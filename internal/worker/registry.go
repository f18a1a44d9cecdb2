package worker

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"

	"taskd/internal/domain"
)

// Handler executes one job. Anything written to out is kept as the job's
// captured output; the returned string becomes the task log message.
type Handler interface {
	Handle(ctx context.Context, args json.RawMessage, out io.Writer) (string, error)
}

// Validator is implemented by handlers that can check arguments up front.
type Validator interface {
	Validate(args json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args json.RawMessage, out io.Writer) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, args json.RawMessage, out io.Writer) (string, error) {
	return f(ctx, args, out)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that name is registered and, if the handler supports it,
// that args are acceptable.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	h, ok := r.Get(name)
	if !ok {
		return domain.Invalid("handler", "unknown handler %q", name)
	}
	if v, ok := h.(Validator); ok {
		return v.Validate(args)
	}
	return nil
}
