package manifest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/routestream/internal/router"
	"github.com/keithlinneman/routestream/internal/xerrors"
)

// watcherFixture holds all the pieces needed to test the watcher.
type watcherFixture struct {
	ssm      *fakeSSM
	s3       *fakeS3
	registry *router.Router
	applier  *Applier

	mu        sync.Mutex
	swapCalls []swapRecord
}

type swapRecord struct {
	hash   string
	routes int
}

// newWatcherFixture creates a full test harness with fakes wired in.
func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()
	ssmFake := &fakeSSM{}
	s3Fake := newFakeS3()
	loader := newTestLoader(t, ssmFake, s3Fake, nil)
	reg := router.New()

	return &watcherFixture{
		ssm:      ssmFake,
		s3:       s3Fake,
		registry: reg,
		applier:  NewApplier(loader, reg, nil, nil),
	}
}

// publish stores a manifest document in fake S3 and points SSM at it.
func (f *watcherFixture) publish(doc string) string {
	hash := storeManifest(f.s3, doc)
	f.ssm.set(hash)
	return hash
}

// newWatcher creates a Watcher from the fixture with optional overrides.
func (f *watcherFixture) newWatcher(t *testing.T, opts ...func(*WatcherOptions)) *Watcher {
	t.Helper()
	loader := newTestLoader(t, f.ssm, f.s3, nil)
	wopts := WatcherOptions{
		Loader:       loader,
		Applier:      f.applier,
		PollInterval: time.Second, // won't tick in checkOnce tests
		OnSwap: func(hash string, routes int) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.swapCalls = append(f.swapCalls, swapRecord{hash, routes})
		},
	}
	for _, fn := range opts {
		fn(&wopts)
	}
	return NewWatcher(&wopts)
}

// backoffDuration

func TestBackoffDuration_Progression(t *testing.T) {
	w := &Watcher{interval: 30 * time.Second}

	tests := []struct {
		consecutiveErrs int
		want            time.Duration
	}{
		{1, 60 * time.Second},  // 2x
		{2, 120 * time.Second}, // 4x
		{3, 240 * time.Second}, // 8x
		{4, 5 * time.Minute},   // 16x=480s, capped at 300s
		{10, 5 * time.Minute},  // way over cap
	}
	for _, tt := range tests {
		w.consecutiveErrs = tt.consecutiveErrs
		if got := w.backoffDuration(); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.consecutiveErrs, got, tt.want)
		}
	}
}

// checkOnce

func TestCheckOnce_Swap(t *testing.T) {
	f := newWatcherFixture(t)
	hash := f.publish(validDoc)
	w := f.newWatcher(t)

	result := w.checkOnce(context.Background())
	if result != pollSwapped {
		t.Fatalf("result = %v, want pollSwapped", result)
	}
	if got := readRoute(t, f.registry, "index.html"); got != "<html></html>" {
		t.Fatalf("index.html = %q", got)
	}
	if len(f.swapCalls) != 1 || f.swapCalls[0].hash != hash || f.swapCalls[0].routes != 1 {
		t.Fatalf("swapCalls = %+v", f.swapCalls)
	}
}

func TestCheckOnce_NoChange(t *testing.T) {
	f := newWatcherFixture(t)
	f.publish(validDoc)
	w := f.newWatcher(t)

	if result := w.checkOnce(context.Background()); result != pollSwapped {
		t.Fatalf("first poll = %v, want pollSwapped", result)
	}
	if result := w.checkOnce(context.Background()); result != pollNoChange {
		t.Fatalf("second poll = %v, want pollNoChange", result)
	}
	if len(f.swapCalls) != 1 {
		t.Fatalf("swapCalls = %d, want 1", len(f.swapCalls))
	}
}

func TestCheckOnce_SeededFromApplier(t *testing.T) {
	f := newWatcherFixture(t)
	hash := f.publish(validDoc)

	// simulate startup load before the watcher exists
	m, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.applier.Apply(context.Background(), hash, m); err != nil {
		t.Fatal(err)
	}

	w := f.newWatcher(t)
	if result := w.checkOnce(context.Background()); result != pollNoChange {
		t.Fatalf("result = %v, want pollNoChange (hash seeded from applier)", result)
	}
}

func TestCheckOnce_SSMError(t *testing.T) {
	f := newWatcherFixture(t)
	f.ssm.fail(xerrors.New("throttled"))
	w := f.newWatcher(t)

	if result := w.checkOnce(context.Background()); result != pollSSMError {
		t.Fatalf("result = %v, want pollSSMError", result)
	}
}

func TestCheckOnce_LoadError(t *testing.T) {
	f := newWatcherFixture(t)
	f.ssm.set("hashwithnoobject")
	w := f.newWatcher(t)

	if result := w.checkOnce(context.Background()); result != pollLoadError {
		t.Fatalf("result = %v, want pollLoadError", result)
	}
	if w.currentHash != "" {
		t.Fatalf("currentHash = %q, want unchanged", w.currentHash)
	}
}

func TestCheckOnce_ValidationError(t *testing.T) {
	f := newWatcherFixture(t)
	// structurally valid but no index.html: default validation rejects it
	f.publish(`{"routes":[{"path":"about.html","text":"about"}]}`)
	w := f.newWatcher(t)

	if result := w.checkOnce(context.Background()); result != pollValidationError {
		t.Fatalf("result = %v, want pollValidationError", result)
	}
	if _, ok := f.registry.Get(context.Background(), "about.html"); ok {
		t.Fatal("rejected manifest must not reach the route table")
	}
}

func TestCheckOnce_ValidationOverride(t *testing.T) {
	f := newWatcherFixture(t)
	f.publish(`{"routes":[{"path":"about.html","text":"about"}]}`)
	w := f.newWatcher(t, func(o *WatcherOptions) {
		o.Validation = &ValidationOptions{}
	})

	if result := w.checkOnce(context.Background()); result != pollSwapped {
		t.Fatalf("result = %v, want pollSwapped with relaxed validation", result)
	}
}

func TestCheckOnce_Metrics(t *testing.T) {
	f := newWatcherFixture(t)
	f.publish(validDoc)
	m := &fakeWatcherMetrics{}
	w := f.newWatcher(t, func(o *WatcherOptions) { o.Metrics = m })

	w.checkOnce(context.Background())

	if m.polls != 1 || m.swaps != 1 {
		t.Fatalf("polls=%d swaps=%d, want 1/1", m.polls, m.swaps)
	}
	if m.lastSuccess == 0 {
		t.Fatal("SetWatcherLastSuccess not called")
	}
	if m.loadObs != 1 {
		t.Fatalf("load duration observations = %d, want 1", m.loadObs)
	}

	f.ssm.fail(xerrors.New("down"))
	w.checkOnce(context.Background())
	if m.errors["ssm"] != 1 {
		t.Fatalf("errors = %+v, want ssm:1", m.errors)
	}
}

func TestCheckOnce_OnSwapPanicRecovered(t *testing.T) {
	f := newWatcherFixture(t)
	f.publish(validDoc)
	w := f.newWatcher(t, func(o *WatcherOptions) {
		o.OnSwap = func(hash string, routes int) { panic("boom") }
	})

	if result := w.checkOnce(context.Background()); result != pollSwapped {
		t.Fatalf("result = %v, want pollSwapped despite OnSwap panic", result)
	}
}

// Run

func TestRun_StopsOnCancel(t *testing.T) {
	f := newWatcherFixture(t)
	f.publish(validDoc)
	w := f.newWatcher(t, func(o *WatcherOptions) {
		o.PollInterval = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// let at least one poll land, then stop
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.swapCalls)
		f.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher never swapped")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if got := readRoute(t, f.registry, "index.html"); got != "<html></html>" {
		t.Fatalf("index.html = %q", got)
	}
}

type fakeWatcherMetrics struct {
	polls       int
	swaps       int
	errors      map[string]int
	loadObs     int
	lastSuccess float64
	stale       bool
}

func (m *fakeWatcherMetrics) IncWatcherPolls() { m.polls++ }
func (m *fakeWatcherMetrics) IncWatcherSwaps() { m.swaps++ }
func (m *fakeWatcherMetrics) IncWatcherError(errType string) {
	if m.errors == nil {
		m.errors = make(map[string]int)
	}
	m.errors[errType]++
}
func (m *fakeWatcherMetrics) ObserveManifestLoadDuration(seconds float64) { m.loadObs++ }
func (m *fakeWatcherMetrics) SetWatcherLastSuccess(unixSeconds float64)   { m.lastSuccess = unixSeconds }
func (m *fakeWatcherMetrics) SetWatcherStale(stale bool)                  { m.stale = stale }
