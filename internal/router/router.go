package router

import (
	"context"
	"errors"
	"sync"

	"github.com/keithlinneman/routestream/internal/pathutil"
)

// ErrEmptyPayload is returned by Set and SetRoute when given the zero
// Payload; callers must fix the registration, it is never retried.
var ErrEmptyPayload = errors.New("router: empty payload")

// Route is one table entry's descriptor. The table owns its copy;
// re-registering a path replaces the descriptor wholesale.
type Route struct {
	Payload  Payload
	Modified bool
}

type EventKind int

const (
	EventUpdate EventKind = iota
	EventRemove
)

func (k EventKind) String() string {
	if k == EventRemove {
		return "remove"
	}
	return "update"
}

// Event describes a table mutation, delivered synchronously to watchers
// after the map write has completed.
type Event struct {
	Kind EventKind
	Path string
}

type watcher struct {
	id int
	fn func(Event)
}

// Router is the route table. Safe for concurrent use; mutations are a
// single map write under the lock, with watcher notification after the
// lock is released.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*Route // nil value = tombstoned entry

	wmu      sync.Mutex
	watchers []watcher
	nextID   int
}

func New() *Router {
	return &Router{routes: make(map[string]*Route)}
}

// Format normalizes a route path. Exposed for callers building paths
// outside the table; identical to the normalization applied internally.
func (r *Router) Format(p string) string { return pathutil.Normalize(p) }

// List returns the active (non-removed) normalized paths in arbitrary order.
func (r *Router) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for p, rt := range r.routes {
		if rt != nil {
			out = append(out, p)
		}
	}
	return out
}

// Len reports the number of active routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rt := range r.routes {
		if rt != nil {
			n++
		}
	}
	return n
}

// Get looks up a path and returns a fresh Stream over its payload, or
// false when no active entry exists. The descriptor is copied by value
// at lookup time, so later Set/Remove calls do not affect the Stream.
func (r *Router) Get(ctx context.Context, path string) (*Stream, bool) {
	p := pathutil.Normalize(path)
	r.mu.RLock()
	rt := r.routes[p]
	r.mu.RUnlock()
	if rt == nil {
		return nil, false
	}
	return newStream(ctx, rt.Payload, rt.Modified), true
}

// IsModified reports the stored modified flag, or false for an absent
// or removed path.
func (r *Router) IsModified(path string) bool {
	p := pathutil.Normalize(path)
	r.mu.RLock()
	rt := r.routes[p]
	r.mu.RUnlock()
	return rt != nil && rt.Modified
}

// Set registers a raw payload at path with Modified defaulting to true.
func (r *Router) Set(path string, p Payload) error {
	return r.SetRoute(path, Route{Payload: p, Modified: true})
}

// SetRoute registers a pre-shaped descriptor at path, replacing any
// prior entry, and emits an update event with the normalized path.
func (r *Router) SetRoute(path string, rt Route) error {
	if rt.Payload.IsZero() {
		return ErrEmptyPayload
	}
	p := pathutil.Normalize(path)
	cp := rt
	r.mu.Lock()
	r.routes[p] = &cp
	r.mu.Unlock()
	r.emit(Event{Kind: EventUpdate, Path: p})
	return nil
}

// Remove tombstones the entry at path. The key is kept so repeated
// Remove stays idempotent; List and Get treat it as not found. A remove
// event is emitted whether or not an entry existed.
func (r *Router) Remove(path string) {
	p := pathutil.Normalize(path)
	r.mu.Lock()
	r.routes[p] = nil
	r.mu.Unlock()
	r.emit(Event{Kind: EventRemove, Path: p})
}

// Watch registers fn to be called synchronously after every mutation,
// in registration order. The returned cancel removes the watcher.
func (r *Router) Watch(fn func(Event)) (cancel func()) {
	r.wmu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers = append(r.watchers, watcher{id: id, fn: fn})
	r.wmu.Unlock()

	return func() {
		r.wmu.Lock()
		defer r.wmu.Unlock()
		for i, w := range r.watchers {
			if w.id == id {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				return
			}
		}
	}
}

func (r *Router) emit(ev Event) {
	r.wmu.Lock()
	ws := make([]watcher, len(r.watchers))
	copy(ws, r.watchers)
	r.wmu.Unlock()
	for _, w := range ws {
		w.fn(ev)
	}
}
