package registryhttp

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/routestream/internal/router"
)

type Routes struct {
	Registry *router.Router
	Content  http.Handler
}

func NewRoutes(reg *router.Router, content http.Handler) *Routes {
	return &Routes{Registry: reg, Content: content}
}

// RegisterRoutes should be passed LAST so the content handler becomes the
// final fallback. Using NotFound rather than a wildcard route keeps the
// health/control routes registered by other registrars reachable.
func (rt *Routes) RegisterRoutes(r chi.Router) {
	r.Get("/-/routes", rt.handleList)
	r.NotFound(rt.Content.ServeHTTP)
	r.MethodNotAllowed(rt.Content.ServeHTTP)
}

type routeEntry struct {
	Path     string `json:"path"`
	Modified bool   `json:"modified"`
}

func (rt *Routes) handleList(w http.ResponseWriter, r *http.Request) {
	paths := rt.Registry.List()
	sort.Strings(paths)

	out := make([]routeEntry, 0, len(paths))
	for _, p := range paths {
		out = append(out, routeEntry{Path: p, Modified: rt.Registry.IsModified(p)})
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}
