// Package entity routes entity ids of the form "<backend>.<name>" to the
// backend that owns them.
package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dokzlo13/dimmerd/internal/dimmer"
)

// ErrUnknownBackend is returned when an id's prefix has no registered backend.
var ErrUnknownBackend = errors.New("unknown entity backend")

// Backend reads and writes brightness for the entities it owns.
// name is the id with the backend prefix stripped.
type Backend interface {
	EntityState(ctx context.Context, name string) (state dimmer.EntityState, ok bool, err error)
	SetBrightness(ctx context.Context, name string, value int) error
}

// Router dispatches by id prefix. Safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{backends: make(map[string]Backend)}
}

// Register binds prefix to b, replacing any previous binding.
func (r *Router) Register(prefix string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[prefix] = b
}

// Prefixes returns the registered prefixes, sorted.
func (r *Router) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.backends))
	for p := range r.backends {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Split breaks an id into backend prefix and name.
func Split(id string) (prefix, name string, ok bool) {
	prefix, name, ok = strings.Cut(id, ".")
	if !ok || prefix == "" || name == "" {
		return "", "", false
	}
	return prefix, name, true
}

func (r *Router) resolve(id string) (Backend, string, bool) {
	prefix, name, ok := Split(id)
	if !ok {
		return nil, "", false
	}
	r.mu.RLock()
	b, ok := r.backends[prefix]
	r.mu.RUnlock()
	return b, name, ok
}

// EntityState implements dimmer.StateReader. Ids without a known backend
// are reported as unknown entities.
func (r *Router) EntityState(ctx context.Context, id string) (dimmer.EntityState, bool, error) {
	b, name, ok := r.resolve(id)
	if !ok {
		return dimmer.EntityState{}, false, nil
	}
	return b.EntityState(ctx, name)
}

// SetBrightness forwards to the owning backend.
func (r *Router) SetBrightness(ctx context.Context, id string, value int) error {
	b, name, ok := r.resolve(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	return b.SetBrightness(ctx, name, value)
}
