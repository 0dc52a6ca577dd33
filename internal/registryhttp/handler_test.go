package registryhttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/keithlinneman/routestream/internal/router"
	"github.com/keithlinneman/routestream/internal/xerrors"
)

type fakeMetrics struct {
	opened   atomic.Int64
	bytes    atomic.Int64
	failures atomic.Int64
}

func (f *fakeMetrics) IncStreamOpened()      { f.opened.Add(1) }
func (f *fakeMetrics) AddStreamBytes(n int64) { f.bytes.Add(n) }
func (f *fakeMetrics) IncProducerFailure()   { f.failures.Add(1) }

func newTestHandler(t *testing.T, reg *router.Router, m StreamMetrics) *Handler {
	t.Helper()
	h, err := New(&Options{Registry: reg, Metrics: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func doGet(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServeHTTP_StaticRoute(t *testing.T) {
	reg := router.New()
	if err := reg.Set("/index.html", router.Text("<html>home</html>")); err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(t, reg, nil)

	rec := doGet(h, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "<html>home</html>" {
		t.Fatalf("body = %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
}

func TestServeHTTP_NormalizesSpellings(t *testing.T) {
	reg := router.New()
	if err := reg.Set("docs/guide.html", router.Text("guide")); err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(t, reg, nil)

	for _, target := range []string{"/docs/guide.html", "/docs/guide.html?ref=nav"} {
		rec := doGet(h, target)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %q status = %d, want 200", target, rec.Code)
		}
		if rec.Body.String() != "guide" {
			t.Errorf("GET %q body = %q", target, rec.Body.String())
		}
	}

	// trailing slash resolves to the directory index
	if err := reg.Set("docs/index.html", router.Text("docs index")); err != nil {
		t.Fatal(err)
	}
	rec := doGet(h, "/docs/")
	if rec.Code != http.StatusOK || rec.Body.String() != "docs index" {
		t.Fatalf("GET /docs/ = (%d, %q)", rec.Code, rec.Body.String())
	}
}

func TestServeHTTP_NotFound(t *testing.T) {
	h := newTestHandler(t, router.New(), nil)

	rec := doGet(h, "/missing.html")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, router.New(), nil)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, "/index.html", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s status = %d, want 405", method, rec.Code)
		}
		if allow := rec.Header().Get("Allow"); allow != "GET, HEAD" {
			t.Errorf("%s Allow = %q", method, allow)
		}
	}
}

func TestServeHTTP_RejectsDotSegments(t *testing.T) {
	reg := router.New()
	if err := reg.Set("secret.html", router.Text("x")); err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(t, reg, nil)

	for _, target := range []string{"/../secret.html", "/a/../../secret.html", "/./secret.html"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.URL.Path = target // bypass httptest cleaning
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %q status = %d, want 404", target, rec.Code)
		}
	}
}

func TestServeHTTP_CacheControl(t *testing.T) {
	reg := router.New()
	if err := reg.Set("app.css", router.Text("body{}")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Set("page.html", router.Text("<p>hi</p>")); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetRoute("feed.json", router.Route{Payload: router.Text("{}"), Modified: true}); err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(t, reg, nil)

	tests := []struct {
		target string
		want   string
	}{
		{"/app.css", "public, max-age=31536000, immutable"},
		{"/page.html", "no-cache"},
		{"/feed.json", "no-cache"}, // modified wins over extension policy
	}
	for _, tt := range tests {
		rec := doGet(h, tt.target)
		if cc := rec.Header().Get("Cache-Control"); cc != tt.want {
			t.Errorf("GET %q Cache-Control = %q, want %q", tt.target, cc, tt.want)
		}
	}
}

func TestServeHTTP_Head(t *testing.T) {
	reg := router.New()
	var calls atomic.Int32
	err := reg.Set("report.html", router.Producer(func(ctx context.Context) (router.Payload, error) {
		calls.Add(1)
		return router.Text("expensive"), nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(t, reg, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/report.html", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD body = %q, want empty", rec.Body.String())
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("producer invoked %d times on HEAD, want 0", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
}

func TestServeHTTP_ProducerPayload(t *testing.T) {
	reg := router.New()
	err := reg.Set("api/status.json", router.Producer(func(ctx context.Context) (router.Payload, error) {
		return router.Object(map[string]any{"ok": true}), nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	m := &fakeMetrics{}
	h := newTestHandler(t, reg, m)

	rec := doGet(h, "/api/status.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != `{"ok":true}` {
		t.Fatalf("body = %q", got)
	}
	if m.opened.Load() != 1 {
		t.Errorf("streams opened = %d, want 1", m.opened.Load())
	}
	if m.bytes.Load() != int64(len(`{"ok":true}`)) {
		t.Errorf("stream bytes = %d, want %d", m.bytes.Load(), len(`{"ok":true}`))
	}
}

func TestServeHTTP_ProducerFailure(t *testing.T) {
	reg := router.New()
	err := reg.Set("broken.html", router.Producer(func(ctx context.Context) (router.Payload, error) {
		return router.Payload{}, xerrors.New("backend down")
	}))
	if err != nil {
		t.Fatal(err)
	}

	m := &fakeMetrics{}
	h := newTestHandler(t, reg, m)

	rec := doGet(h, "/broken.html")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	if m.failures.Load() != 1 {
		t.Errorf("producer failures = %d, want 1", m.failures.Load())
	}
}

func TestServeHTTP_SourceStreamed(t *testing.T) {
	reg := router.New()
	payload := strings.Repeat("chunk", 40000) // larger than one read buffer
	err := reg.Set("big.bin", router.Producer(func(ctx context.Context) (router.Payload, error) {
		return router.Source(strings.NewReader(payload)), nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	m := &fakeMetrics{}
	h := newTestHandler(t, reg, m)

	rec := doGet(h, "/big.bin")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Result().Body)
	if len(body) != len(payload) {
		t.Fatalf("body len = %d, want %d", len(body), len(payload))
	}
	if m.bytes.Load() != int64(len(payload)) {
		t.Errorf("stream bytes = %d, want %d", m.bytes.Load(), len(payload))
	}
}

func TestServeHTTP_SniffsUnknownExtension(t *testing.T) {
	reg := router.New()
	if err := reg.Set("blob.qz9", router.Bytes([]byte("<html><body>x</body></html>"))); err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(t, reg, nil)

	rec := doGet(h, "/blob.qz9")
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Fatalf("Content-Type = %q, want sniffed text/html", ct)
	}
}

func TestNew_RequiresRegistry(t *testing.T) {
	_, err := New(&Options{})
	if err == nil {
		t.Fatal("expected error for nil Registry")
	}
}
