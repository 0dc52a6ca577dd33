package manifest

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/routestream/internal/log"
	"github.com/keithlinneman/routestream/internal/router"
	"github.com/keithlinneman/routestream/internal/xerrors"
)

// RouteMetrics receives route table mutations. Implemented by the
// metrics package; nil disables reporting.
type RouteMetrics interface {
	IncRouteSet()
	IncRouteRemove()
	SetActiveRoutes(n int)
}

// Applier installs manifests into a route table and diffs each new
// manifest against the previous one so routes that vanish from the
// manifest are tombstoned rather than left serving stale content.
type Applier struct {
	loader   *Loader
	registry *router.Router
	logger   log.Logger
	metrics  RouteMetrics

	mu        sync.Mutex
	applied   map[string]struct{} // normalized paths from the last manifest
	hash      string
	appliedAt time.Time
}

func NewApplier(l *Loader, reg *router.Router, logger log.Logger, m RouteMetrics) *Applier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Applier{
		loader:   l,
		registry: reg,
		logger:   logger,
		metrics:  m,
		applied:  make(map[string]struct{}),
	}
}

// Apply registers every manifest entry and removes routes that were
// present in the previously applied manifest but are gone from this
// one. Returns the number of routes set and removed.
func (a *Applier) Apply(ctx context.Context, hash string, m *Manifest) (set, removed int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := make(map[string]struct{}, len(m.Routes))
	for _, e := range m.Routes {
		payload := a.payloadFor(e)
		if err := a.registry.SetRoute(e.Path, router.Route{Payload: payload, Modified: e.Modified}); err != nil {
			return set, removed, xerrors.Wrapf(err, "set route %q", e.Path)
		}
		next[a.registry.Format(e.Path)] = struct{}{}
		set++
		if a.metrics != nil {
			a.metrics.IncRouteSet()
		}
	}

	for p := range a.applied {
		if _, keep := next[p]; keep {
			continue
		}
		a.registry.Remove(p)
		removed++
		if a.metrics != nil {
			a.metrics.IncRouteRemove()
		}
	}

	a.applied = next
	a.hash = hash
	a.appliedAt = time.Now().UTC()

	if a.metrics != nil {
		a.metrics.SetActiveRoutes(a.registry.Len())
	}

	a.logger.Info(ctx, "manifest applied",
		"hash", hash,
		"routes_set", set,
		"routes_removed", removed,
		"active_routes", a.registry.Len(),
	)

	return set, removed, nil
}

func (a *Applier) payloadFor(e Entry) router.Payload {
	if e.S3Key != "" {
		return router.Producer(a.loader.ObjectProducer(e.S3Key))
	}
	return router.Text(e.Text)
}

// Current reports the hash and apply time of the active manifest.
func (a *Applier) Current() (hash string, appliedAt time.Time, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hash, a.appliedAt, a.hash != ""
}

// ReadyErr returns an error until a manifest has been applied.
func (a *Applier) ReadyErr() error {
	if _, _, ok := a.Current(); !ok {
		return xerrors.New("manifest: no manifest applied")
	}
	return nil
}
