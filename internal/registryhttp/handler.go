package registryhttp

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/keithlinneman/routestream/internal/metrics"
	"github.com/keithlinneman/routestream/internal/pathutil"
	"github.com/keithlinneman/routestream/internal/router"
)

// Handler serves route content out of the registry. Lookups normalize the
// URL path the same way registrations do, so any spelling of a route
// reaches the same entry.
type Handler struct {
	opts Options
}

func New(opts *Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Handler{opts: *opts}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// one stable label for every registry lookup, the table is unbounded
	metrics.AnnotateRoute(r.Context(), "content")

	// hardening: only allow GET/HEAD
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// basic rejection of ambiguous/unsafe paths
	raw := r.URL.Path
	if strings.Contains(raw, "\x00") || pathutil.HasDotSegments(raw) {
		h.serveNotFound(w)
		return
	}

	name := h.opts.Registry.Format(raw)

	if r.Method == http.MethodHead {
		h.serveHead(w, r, name)
		return
	}

	stream, ok := h.opts.Registry.Get(r.Context(), name)
	if !ok {
		h.serveNotFound(w)
		return
	}
	defer stream.Close()

	if h.opts.Metrics != nil {
		h.opts.Metrics.IncStreamOpened()
	}

	// First read happens before any header goes out so a producer failure
	// can still change the status code.
	buf := make([]byte, 32*1024)
	n, err := stream.Read(buf)
	if err != nil && err != io.EOF {
		h.failStream(w, r, name, err)
		return
	}

	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		ct = http.DetectContentType(buf[:n])
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", cacheControlForRoute(name, stream.Modified(), &h.opts))

	var total int64
	if n > 0 {
		if _, werr := w.Write(buf[:n]); werr != nil {
			return
		}
		total += int64(n)
	}
	if err == nil {
		copied, cerr := io.CopyBuffer(w, stream, buf)
		total += copied
		if cerr != nil {
			// Headers are already written, all we can do is cut the
			// response short and record the failure.
			h.recordFailure(r, name, cerr)
		}
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.AddStreamBytes(total)
	}
}

// serveHead reports route headers without consuming the payload. Closing
// the stream before the first read keeps deferred producers uninvoked.
func (h *Handler) serveHead(w http.ResponseWriter, r *http.Request, name string) {
	stream, ok := h.opts.Registry.Get(r.Context(), name)
	if !ok {
		h.serveNotFound(w)
		return
	}
	_ = stream.Close()

	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", cacheControlForRoute(name, stream.Modified(), &h.opts))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) serveNotFound(w http.ResponseWriter) {
	// avoid caching 404 responses
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("404 page not found"))
}

// failStream handles a producer failure surfaced before any body byte was
// written: the client gets a clean 502 instead of a truncated 200.
func (h *Handler) failStream(w http.ResponseWriter, r *http.Request, name string, err error) {
	h.recordFailure(r, name, err)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte("502 bad gateway"))
}

func (h *Handler) recordFailure(r *http.Request, name string, err error) {
	var perr *router.ProducerError
	if errors.As(err, &perr) && h.opts.Metrics != nil {
		h.opts.Metrics.IncProducerFailure()
	}
	h.opts.Logger.Error(r.Context(), err, "route stream failed", "path", name)
}
