package manifest

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/keithlinneman/routestream/internal/router"
)

type fakeRouteMetrics struct {
	mu      sync.Mutex
	sets    int
	removes int
	active  int
}

func (f *fakeRouteMetrics) IncRouteSet() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
}

func (f *fakeRouteMetrics) IncRouteRemove() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
}

func (f *fakeRouteMetrics) SetActiveRoutes(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = n
}

func readRoute(t *testing.T, reg *router.Router, path string) string {
	t.Helper()
	stream, ok := reg.Get(context.Background(), path)
	if !ok {
		t.Fatalf("route %q not found", path)
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read %q: %v", path, err)
	}
	return string(data)
}

func TestApplier_Apply(t *testing.T) {
	s3Fake := newFakeS3()
	s3Fake.put("content/about.html", []byte("about page"))
	l := newTestLoader(t, &fakeSSM{}, s3Fake, nil)

	reg := router.New()
	fm := &fakeRouteMetrics{}
	a := NewApplier(l, reg, nil, fm)

	m := &Manifest{Routes: []Entry{
		{Path: "index.html", Text: "<html>home</html>"},
		{Path: "about.html", S3Key: "content/about.html"},
		{Path: "feed.json", Text: "{}", Modified: true},
	}}

	set, removed, err := a.Apply(context.Background(), "hash1", m)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if set != 3 || removed != 0 {
		t.Fatalf("set=%d removed=%d, want 3/0", set, removed)
	}

	if got := readRoute(t, reg, "index.html"); got != "<html>home</html>" {
		t.Errorf("index.html = %q", got)
	}
	// S3-backed entries are lazy: nothing fetched before the first read
	if s3Fake.gets != 0 {
		t.Fatalf("s3 gets = %d before first read, want 0", s3Fake.gets)
	}
	if got := readRoute(t, reg, "about.html"); got != "about page" {
		t.Errorf("about.html = %q", got)
	}
	if s3Fake.gets != 1 {
		t.Errorf("s3 gets = %d after read, want 1", s3Fake.gets)
	}

	if !reg.IsModified("feed.json") {
		t.Error("feed.json should carry the modified flag")
	}
	if reg.IsModified("index.html") {
		t.Error("index.html should not carry the modified flag")
	}

	if fm.sets != 3 || fm.active != 3 {
		t.Errorf("metrics sets=%d active=%d, want 3/3", fm.sets, fm.active)
	}
}

func TestApplier_DiffRemovesVanishedRoutes(t *testing.T) {
	l := newTestLoader(t, &fakeSSM{}, newFakeS3(), nil)
	reg := router.New()
	fm := &fakeRouteMetrics{}
	a := NewApplier(l, reg, nil, fm)

	first := &Manifest{Routes: []Entry{
		{Path: "index.html", Text: "v1"},
		{Path: "old.html", Text: "going away"},
	}}
	if _, _, err := a.Apply(context.Background(), "h1", first); err != nil {
		t.Fatal(err)
	}

	second := &Manifest{Routes: []Entry{
		{Path: "index.html", Text: "v2"},
		{Path: "new.html", Text: "brand new"},
	}}
	set, removed, err := a.Apply(context.Background(), "h2", second)
	if err != nil {
		t.Fatal(err)
	}
	if set != 2 || removed != 1 {
		t.Fatalf("set=%d removed=%d, want 2/1", set, removed)
	}

	if got := readRoute(t, reg, "index.html"); got != "v2" {
		t.Errorf("index.html = %q, want v2", got)
	}
	if _, ok := reg.Get(context.Background(), "old.html"); ok {
		t.Error("old.html should have been removed")
	}
	if got := readRoute(t, reg, "new.html"); got != "brand new" {
		t.Errorf("new.html = %q", got)
	}
	if fm.removes != 1 || fm.active != 2 {
		t.Errorf("metrics removes=%d active=%d, want 1/2", fm.removes, fm.active)
	}
}

func TestApplier_DiffIsNormalized(t *testing.T) {
	l := newTestLoader(t, &fakeSSM{}, newFakeS3(), nil)
	reg := router.New()
	a := NewApplier(l, reg, nil, nil)

	// the same route under two spellings must not count as a removal
	first := &Manifest{Routes: []Entry{{Path: "/docs/", Text: "v1"}}}
	if _, _, err := a.Apply(context.Background(), "h1", first); err != nil {
		t.Fatal(err)
	}
	second := &Manifest{Routes: []Entry{{Path: "docs/index.html", Text: "v2"}}}
	_, removed, err := a.Apply(context.Background(), "h2", second)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0 (same normalized path)", removed)
	}
	if got := readRoute(t, reg, "docs/"); got != "v2" {
		t.Fatalf("docs/ = %q, want v2", got)
	}
}

func TestApplier_CurrentAndReadyErr(t *testing.T) {
	l := newTestLoader(t, &fakeSSM{}, newFakeS3(), nil)
	a := NewApplier(l, router.New(), nil, nil)

	if err := a.ReadyErr(); err == nil {
		t.Fatal("ReadyErr should fail before first apply")
	}
	if _, _, ok := a.Current(); ok {
		t.Fatal("Current should report no manifest")
	}

	m := &Manifest{Routes: []Entry{{Path: "index.html", Text: "x"}}}
	if _, _, err := a.Apply(context.Background(), "h1", m); err != nil {
		t.Fatal(err)
	}

	if err := a.ReadyErr(); err != nil {
		t.Fatalf("ReadyErr after apply: %v", err)
	}
	hash, appliedAt, ok := a.Current()
	if !ok || hash != "h1" || appliedAt.IsZero() {
		t.Fatalf("Current = (%q, %v, %v)", hash, appliedAt, ok)
	}
}
