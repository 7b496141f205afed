package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hazyhaar/mediaserver/catalog"
)

// Action is a named operation on a work.
type Action interface {
	Perform(ctx context.Context, work *catalog.Work, params Params) (any, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, work *catalog.Work, params Params) (any, error)

func (f ActionFunc) Perform(ctx context.Context, work *catalog.Work, params Params) (any, error) {
	return f(ctx, work, params)
}

// Registry maps names to bindings. Most bindings are actions; components
// such as converters may be bound under a name too, and looking them up as
// an action fails with ErrNotAnAction.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]any
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]any)}
}

// Bind stores v under name, replacing any previous binding.
func (r *Registry) Bind(name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[name] = v
}

// Register binds an action.
func (r *Registry) Register(name string, a Action) {
	r.Bind(name, a)
}

// Lookup resolves name to an action.
func (r *Registry) Lookup(name string) (Action, error) {
	r.mu.RLock()
	v, ok := r.bindings[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	a, ok := v.(Action)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotAnAction, v)
	}
	return a, nil
}

// Names lists the names bound to actions, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for n, v := range r.bindings {
		if _, ok := v.(Action); ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
