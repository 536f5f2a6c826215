package breaker

import (
	"context"
	"sync"
)

// Registry lazily creates one Breaker per target key and keeps it for the
// lifetime of the registry.
type Registry struct {
	cfg Config
	// name turns a key into something safe to log.
	name func(key string) string

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config, name func(key string) string) *Registry {
	if name == nil {
		name = func(key string) string { return key }
	}
	return &Registry{cfg: cfg, name: name, breakers: make(map[string]*Breaker)}
}

func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(r.name(key), r.cfg)
		r.breakers[key] = b
		if r.cfg.Logger != nil {
			r.cfg.Logger.Info("circuit breaker created", "target", b.target)
		}
	}
	return b
}

// Do runs fn under the breaker for key.
func (r *Registry) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return r.Get(key).Do(ctx, fn)
}

// Snapshot returns the current state of every known breaker, keyed by its
// loggable name.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(list))
	for _, b := range list {
		out[b.target] = b.State()
	}
	return out
}
